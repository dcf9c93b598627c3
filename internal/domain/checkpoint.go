package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CheckpointVersion is written into every record. Loading rejects newer
// versions instead of guessing at their shape.
const CheckpointVersion = 1

// DownloadCheckpoint is the persisted form of a DownloadTask. Transient
// worker state has no field here.
type DownloadCheckpoint struct {
	Version        int                   `json:"version"`
	ID             string                `json:"id"`
	URL            string                `json:"url"`
	Path           string                `json:"path"`
	ContentSize    int64                 `json:"content_size"`
	DownloadedSize int64                 `json:"downloaded_size"`
	Completed      bool                  `json:"completed"`
	Threads        int                   `json:"threads"`
	BlockSize      int64                 `json:"block_size"`
	MaxRetry       int                   `json:"max_retry"`
	RateLimit      int64                 `json:"rate_limit"`
	Headers        map[string]string     `json:"headers,omitempty"`
	Status         JobStatus             `json:"status"`
	UpdatedAt      time.Time             `json:"updated_at"`
	Blocks         []DownloadBlockRecord `json:"blocks"`
}

type DownloadBlockRecord struct {
	Begin       int64 `json:"begin"`
	End         int64 `json:"end"`
	Transferred int64 `json:"transferred"`
	Done        bool  `json:"done"`
}

// UploadCheckpoint is the persisted form of an UploadTask.
type UploadCheckpoint struct {
	Version   int                 `json:"version"`
	ID        string              `json:"id"`
	FilePath  string              `json:"file_path"`
	UploadURL string              `json:"upload_url"`
	FileSize  int64               `json:"file_size"`
	Token     string              `json:"token,omitempty"`
	Session   string              `json:"session"`
	Threads   int                 `json:"threads"`
	BlockSize int64               `json:"block_size"`
	ChunkSize int64               `json:"chunk_size"`
	RateLimit int64               `json:"rate_limit"`
	Completed bool                `json:"completed"`
	Status    JobStatus           `json:"status"`
	UpdatedAt time.Time           `json:"updated_at"`
	Blocks    []UploadBlockRecord `json:"blocks"`
}

type UploadBlockRecord struct {
	ID    int    `json:"id"`
	Begin int64  `json:"begin"`
	End   int64  `json:"end"`
	Size  int64  `json:"size"`
	Ctx   string `json:"ctx,omitempty"`
	Done  bool   `json:"done"`
}

// TransferSummary is a listing row shared by every store.
type TransferSummary struct {
	ID          string    `json:"id"`
	Kind        TaskKind  `json:"kind"`
	Source      string    `json:"source"`
	Destination string    `json:"destination"`
	Status      JobStatus `json:"status"`
	TotalSize   int64     `json:"total_size"`
	Transferred int64     `json:"transferred"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Checkpoint snapshots the task with the given status.
func (t *DownloadTask) Checkpoint(status JobStatus) *DownloadCheckpoint {
	c := &DownloadCheckpoint{
		Version:        CheckpointVersion,
		ID:             t.ID,
		URL:            t.URL,
		Path:           t.Path,
		ContentSize:    t.ContentSize(),
		DownloadedSize: t.DownloadedSize(),
		Completed:      t.Completed(),
		Threads:        t.Threads,
		BlockSize:      t.BlockSize,
		MaxRetry:       t.MaxRetry,
		RateLimit:      t.RateLimit,
		Headers:        copyHeaders(t.Headers),
		Status:         status,
		UpdatedAt:      time.Now().UTC(),
		Blocks:         make([]DownloadBlockRecord, len(t.Blocks)),
	}
	for i, b := range t.Blocks {
		c.Blocks[i] = b.record()
	}
	return c
}

// Summary returns the listing row for the checkpoint.
func (c *DownloadCheckpoint) Summary() TransferSummary {
	return TransferSummary{
		ID:          c.ID,
		Kind:        KindDownload,
		Source:      c.URL,
		Destination: c.Path,
		Status:      c.Status,
		TotalSize:   c.ContentSize,
		Transferred: c.DownloadedSize,
		UpdatedAt:   c.UpdatedAt,
	}
}

// Task rebuilds a DownloadTask, checking the blocks still partition the
// content without gaps or overlaps.
func (c *DownloadCheckpoint) Task() (*DownloadTask, error) {
	if c.Version > CheckpointVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedCheckpoint, c.Version)
	}

	t := &DownloadTask{
		ID:        c.ID,
		URL:       c.URL,
		Path:      c.Path,
		Threads:   c.Threads,
		BlockSize: c.BlockSize,
		MaxRetry:  c.MaxRetry,
		RateLimit: c.RateLimit,
		Headers:   copyHeaders(c.Headers),
	}
	t.SetContentSize(c.ContentSize)
	t.AddDownloaded(c.DownloadedSize)
	if c.Completed {
		t.SetCompleted()
	}

	next := int64(0)
	for i, r := range c.Blocks {
		// A done block has begin == end+1, so its origin is end+1-transferred.
		origin := r.Begin - r.Transferred
		if origin != next {
			return nil, fmt.Errorf("checkpoint %s: block %d starts at %d, expected %d", c.ID, i, origin, next)
		}
		if r.Begin > r.End+1 {
			return nil, fmt.Errorf("checkpoint %s: block %d overruns its end", c.ID, i)
		}
		b := NewDownloadBlock(r.Begin, r.End)
		b.transferred = r.Transferred
		b.done = r.Done
		t.Blocks = append(t.Blocks, b)
		next = r.End + 1
	}
	if len(c.Blocks) > 0 && next != c.ContentSize {
		return nil, fmt.Errorf("checkpoint %s: blocks cover %d of %d bytes", c.ID, next, c.ContentSize)
	}
	return t, nil
}

// Checkpoint snapshots the upload with the given status.
func (t *UploadTask) Checkpoint(status JobStatus) *UploadCheckpoint {
	c := &UploadCheckpoint{
		Version:   CheckpointVersion,
		ID:        t.ID,
		FilePath:  t.FilePath,
		UploadURL: t.UploadURL,
		FileSize:  t.FileSize,
		Token:     t.Token,
		Session:   t.Session,
		Threads:   t.Threads,
		BlockSize: t.BlockSize,
		ChunkSize: t.ChunkSize,
		RateLimit: t.RateLimit,
		Completed: t.Completed(),
		Status:    status,
		UpdatedAt: time.Now().UTC(),
		Blocks:    make([]UploadBlockRecord, len(t.Blocks)),
	}
	for i, b := range t.Blocks {
		c.Blocks[i] = b.record()
	}
	return c
}

func (c *UploadCheckpoint) Summary() TransferSummary {
	var done int64
	for _, b := range c.Blocks {
		if b.Done {
			done += b.Size
		}
	}
	return TransferSummary{
		ID:          c.ID,
		Kind:        KindUpload,
		Source:      c.FilePath,
		Destination: c.UploadURL,
		Status:      c.Status,
		TotalSize:   c.FileSize,
		Transferred: done,
		UpdatedAt:   c.UpdatedAt,
	}
}

// Task rebuilds an UploadTask. Block ids must be dense and ascending.
func (c *UploadCheckpoint) Task() (*UploadTask, error) {
	if c.Version > CheckpointVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedCheckpoint, c.Version)
	}

	t := &UploadTask{
		ID:        c.ID,
		FilePath:  c.FilePath,
		UploadURL: c.UploadURL,
		FileSize:  c.FileSize,
		Token:     c.Token,
		Session:   c.Session,
		Threads:   c.Threads,
		BlockSize: c.BlockSize,
		ChunkSize: c.ChunkSize,
		RateLimit: c.RateLimit,
	}
	if t.Session == "" {
		t.Session = uuid.NewString()
	}
	if c.Completed {
		t.SetCompleted()
	}

	for i, r := range c.Blocks {
		if r.ID != i {
			return nil, fmt.Errorf("checkpoint %s: block at %d has id %d", c.ID, i, r.ID)
		}
		b := NewUploadBlock(r.ID, r.Begin, r.End)
		b.ctx = r.Ctx
		b.done = r.Done
		t.Blocks = append(t.Blocks, b)
	}
	return t, nil
}

func copyHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
