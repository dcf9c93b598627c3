package engine

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/datallboy/blockxfer/internal/domain"
)

// PreAllocate makes sure the destination exists. A missing file is created
// and truncated to size, which leaves a sparse file on Linux/Unix. An
// existing file is left untouched so resumed bytes survive.
func PreAllocate(path string, size int64) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat destination: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("could not create destination dir: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("could not create destination: %w", err)
	}
	defer f.Close()

	if size > 0 {
		if err := f.Truncate(size); err != nil {
			return fmt.Errorf("failed to pre-allocate %d bytes: %w", size, err)
		}
	}
	return nil
}

// openBlockWriter opens the destination for one worker. Each worker holds
// its own handle; blocks never overlap so WriteAt needs no extra locking.
func openBlockWriter(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", domain.ErrDestinationMissing, path)
	}
	if err != nil {
		return nil, fmt.Errorf("could not open destination: %w", err)
	}
	return f, nil
}

// destinationExists reports whether the file is still on disk. A worker
// checks it before every attempt since an open handle outlives an unlink.
func destinationExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
