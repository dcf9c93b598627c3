package domain

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/datallboy/blockxfer/internal/partition"
	"github.com/google/uuid"
)

const (
	DefaultUploadBlockSize int64 = 16 * 1024 * 1024
	DefaultChunkSize       int64 = 4 * 1024 * 1024
)

// UploadBlock is one block of the source file. Its id and range never
// change once assigned; the remote store identifies progress through Ctx.
type UploadBlock struct {
	ID    int
	Begin int64
	End   int64 // inclusive
	Size  int64

	mu         sync.Mutex
	ctx        string
	inProgress bool
	done       bool
}

func NewUploadBlock(id int, begin, end int64) *UploadBlock {
	return &UploadBlock{ID: id, Begin: begin, End: end, Size: end - begin + 1}
}

func (b *UploadBlock) Ctx() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ctx
}

func (b *UploadBlock) SetCtx(ctx string) {
	b.mu.Lock()
	b.ctx = ctx
	b.mu.Unlock()
}

func (b *UploadBlock) Done() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}

func (b *UploadBlock) InProgress() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inProgress
}

func (b *UploadBlock) Pending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.done && !b.inProgress
}

func (b *UploadBlock) Claim() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done || b.inProgress {
		return false
	}
	b.inProgress = true
	return true
}

func (b *UploadBlock) Release() {
	b.mu.Lock()
	b.inProgress = false
	b.mu.Unlock()
}

// MarkDone completes the block. The in-progress flag is cleared by the
// orchestrator once it has accounted for the worker.
func (b *UploadBlock) MarkDone() {
	b.mu.Lock()
	b.done = true
	b.mu.Unlock()
}

func (b *UploadBlock) record() UploadBlockRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return UploadBlockRecord{
		ID:    b.ID,
		Begin: b.Begin,
		End:   b.End,
		Size:  b.Size,
		Ctx:   b.ctx,
		Done:  b.done,
	}
}

// UploadTask is the durable state of one upload.
type UploadTask struct {
	ID        string
	FilePath  string
	UploadURL string
	FileSize  int64
	Token     string
	Session   string
	Threads   int
	BlockSize int64 // nominal; the last block holds the remainder
	ChunkSize int64
	RateLimit int64

	Blocks []*UploadBlock

	completed atomic.Bool
}

// NewUploadTask stats the source file and partitions it into blocks.
func NewUploadTask(id, filePath, uploadURL, token string) (*UploadTask, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return nil, fmt.Errorf("stat upload source: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("upload source %s is a directory", filePath)
	}

	t := &UploadTask{
		ID:        id,
		FilePath:  filePath,
		UploadURL: uploadURL,
		FileSize:  info.Size(),
		Token:     token,
		Session:   uuid.NewString(),
		Threads:   1,
		BlockSize: DefaultUploadBlockSize,
		ChunkSize: DefaultChunkSize,
	}
	t.InitBlocks()
	return t, nil
}

// InitBlocks partitions FileSize into blocks unless they already exist.
func (t *UploadTask) InitBlocks() bool {
	if len(t.Blocks) > 0 {
		return false
	}
	if t.BlockSize <= 0 {
		t.BlockSize = DefaultUploadBlockSize
	}
	for _, r := range partition.PartitionUpload(t.FileSize, t.BlockSize) {
		t.Blocks = append(t.Blocks, NewUploadBlock(r.ID, r.Begin, r.End))
	}
	return true
}

func (t *UploadTask) Completed() bool { return t.completed.Load() }
func (t *UploadTask) SetCompleted()   { t.completed.Store(true) }

func (t *UploadTask) NextPending() *UploadBlock {
	for _, b := range t.Blocks {
		if b.Pending() {
			return b
		}
	}
	return nil
}

func (t *UploadTask) PendingCount() int {
	n := 0
	for _, b := range t.Blocks {
		if b.Pending() {
			n++
		}
	}
	return n
}

func (t *UploadTask) AnyInProgress() bool {
	for _, b := range t.Blocks {
		if b.InProgress() {
			return true
		}
	}
	return false
}

func (t *UploadTask) DoneCount() int {
	n := 0
	for _, b := range t.Blocks {
		if b.Done() {
			n++
		}
	}
	return n
}

// Contexts returns every block's continuation token in id order.
func (t *UploadTask) Contexts() []string {
	ctxs := make([]string, len(t.Blocks))
	for _, b := range t.Blocks {
		ctxs[b.ID] = b.Ctx()
	}
	return ctxs
}
