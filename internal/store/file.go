package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/datallboy/blockxfer/internal/domain"
)

const (
	DownloadSuffix = ".downloading"
	UploadSuffix   = ".uploading"
)

// FileStore keeps one JSON file per transfer in a directory. It needs no
// database and suits single-shot CLI use.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// fileRecord is the on-disk envelope; exactly one checkpoint is set.
type fileRecord struct {
	Summary  domain.TransferSummary     `json:"summary"`
	Download *domain.DownloadCheckpoint `json:"download,omitempty"`
	Upload   *domain.UploadCheckpoint   `json:"upload,omitempty"`
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, filepath.Base(id)+".json")
}

func (s *FileStore) SaveDownload(_ context.Context, cp *domain.DownloadCheckpoint) error {
	return s.write(cp.ID, &fileRecord{Summary: cp.Summary(), Download: cp})
}

func (s *FileStore) SaveUpload(_ context.Context, cp *domain.UploadCheckpoint) error {
	return s.write(cp.ID, &fileRecord{Summary: cp.Summary(), Upload: cp})
}

func (s *FileStore) LoadDownload(_ context.Context, id string) (*domain.DownloadCheckpoint, error) {
	rec, err := s.read(id)
	if err != nil {
		return nil, err
	}
	if rec.Download == nil {
		return nil, fmt.Errorf("%w: %s is not a download", domain.ErrTaskNotFound, id)
	}
	return rec.Download, nil
}

func (s *FileStore) LoadUpload(_ context.Context, id string) (*domain.UploadCheckpoint, error) {
	rec, err := s.read(id)
	if err != nil {
		return nil, err
	}
	if rec.Upload == nil {
		return nil, fmt.Errorf("%w: %s is not an upload", domain.ErrTaskNotFound, id)
	}
	return rec.Upload, nil
}

func (s *FileStore) List(_ context.Context) ([]domain.TransferSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	var out []domain.TransferSummary
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var rec fileRecord
		if err := readJSON(filepath.Join(s.dir, e.Name()), &rec); err != nil {
			// skip unreadable files, one bad record shouldn't hide the rest
			continue
		}
		out = append(out, rec.Summary)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *FileStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	return err
}

func (s *FileStore) write(id string, rec *fileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.path(id), rec)
}

func (s *FileStore) read(id string) (*fileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rec fileRecord
	err := readJSON(s.path(id), &rec)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// WriteDownloadSidecar stores cp next to the destination as
// <path>.downloading.
func WriteDownloadSidecar(cp *domain.DownloadCheckpoint) error {
	return writeJSON(cp.Path+DownloadSuffix, cp)
}

// WriteUploadSidecar stores cp next to the source as <path>.uploading.
func WriteUploadSidecar(cp *domain.UploadCheckpoint) error {
	return writeJSON(cp.FilePath+UploadSuffix, cp)
}

func ReadDownloadSidecar(path string) (*domain.DownloadCheckpoint, error) {
	var cp domain.DownloadCheckpoint
	if err := readJSON(path, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func ReadUploadSidecar(path string) (*domain.UploadCheckpoint, error) {
	var cp domain.UploadCheckpoint
	if err := readJSON(path, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// RemoveSidecar deletes a sidecar, ignoring one that is already gone.
func RemoveSidecar(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// writeJSON replaces path atomically so a crash never leaves half a record.
func writeJSON(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func readJSON(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}
