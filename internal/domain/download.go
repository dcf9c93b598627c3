package domain

import (
	"sync"
	"sync/atomic"

	"github.com/datallboy/blockxfer/internal/partition"
)

const (
	DefaultDownloadBlockSize int64 = 250 * 1024 * 1024
	DefaultMaxRetry                = 10
	DefaultUserAgent               = "blockxfer download engine"
)

// DownloadBlock is one inclusive byte range of a download. Begin advances
// as bytes land on disk, so a checkpointed block resumes where it stopped.
type DownloadBlock struct {
	mu          sync.Mutex
	begin       int64
	end         int64
	transferred int64
	inProgress  bool
	done        bool
}

func NewDownloadBlock(begin, end int64) *DownloadBlock {
	return &DownloadBlock{begin: begin, end: end}
}

func (b *DownloadBlock) Begin() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.begin
}

func (b *DownloadBlock) End() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.end
}

func (b *DownloadBlock) Transferred() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.transferred
}

func (b *DownloadBlock) Done() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}

func (b *DownloadBlock) InProgress() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inProgress
}

// Pending reports whether the block is neither done nor claimed.
func (b *DownloadBlock) Pending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.done && !b.inProgress
}

// Remaining returns the range still to be fetched. begin > end means empty.
func (b *DownloadBlock) Remaining() (begin, end int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.begin, b.end
}

// Advance records n bytes written at the current begin offset.
func (b *DownloadBlock) Advance(n int64) {
	b.mu.Lock()
	b.begin += n
	b.transferred += n
	b.mu.Unlock()
}

// Claim marks a pending block in progress. It returns false when the block
// is done or already claimed.
func (b *DownloadBlock) Claim() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done || b.inProgress {
		return false
	}
	b.inProgress = true
	return true
}

// Release clears the in-progress flag without completing the block.
func (b *DownloadBlock) Release() {
	b.mu.Lock()
	b.inProgress = false
	b.mu.Unlock()
}

func (b *DownloadBlock) MarkDone() {
	b.mu.Lock()
	b.done = true
	b.inProgress = false
	b.mu.Unlock()
}

func (b *DownloadBlock) record() DownloadBlockRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return DownloadBlockRecord{
		Begin:       b.begin,
		End:         b.end,
		Transferred: b.transferred,
		Done:        b.done,
	}
}

// DownloadTask is the durable state of one download.
type DownloadTask struct {
	ID        string
	URL       string
	Path      string
	Threads   int
	BlockSize int64
	MaxRetry  int
	RateLimit int64
	Headers   map[string]string

	Blocks []*DownloadBlock

	contentSize atomic.Int64
	downloaded  atomic.Int64
	completed   atomic.Bool
}

// NewDownloadTask returns a fresh task with the engine defaults applied.
func NewDownloadTask(id, url, path string) *DownloadTask {
	return &DownloadTask{
		ID:        id,
		URL:       url,
		Path:      path,
		Threads:   1,
		BlockSize: DefaultDownloadBlockSize,
		MaxRetry:  DefaultMaxRetry,
		Headers:   map[string]string{"User-Agent": DefaultUserAgent},
	}
}

func (t *DownloadTask) ContentSize() int64     { return t.contentSize.Load() }
func (t *DownloadTask) SetContentSize(n int64) { t.contentSize.Store(n) }
func (t *DownloadTask) DownloadedSize() int64  { return t.downloaded.Load() }
func (t *DownloadTask) AddDownloaded(n int64)  { t.downloaded.Add(n) }
func (t *DownloadTask) Completed() bool        { return t.completed.Load() }
func (t *DownloadTask) SetCompleted()          { t.completed.Store(true) }

// InitBlocks materialises the block list from the content size. It does
// nothing when blocks already exist and reports whether it created them.
func (t *DownloadTask) InitBlocks() bool {
	if len(t.Blocks) > 0 {
		return false
	}
	blockSize := t.BlockSize
	if blockSize <= 0 {
		blockSize = DefaultDownloadBlockSize
	}
	for _, r := range partition.Partition(t.ContentSize(), blockSize) {
		t.Blocks = append(t.Blocks, NewDownloadBlock(r.Begin, r.End))
	}
	return true
}

// NextPending returns the first block in list order that is neither done
// nor claimed.
func (t *DownloadTask) NextPending() *DownloadBlock {
	for _, b := range t.Blocks {
		if b.Pending() {
			return b
		}
	}
	return nil
}

func (t *DownloadTask) PendingCount() int {
	n := 0
	for _, b := range t.Blocks {
		if b.Pending() {
			n++
		}
	}
	return n
}

// AllDone reports whether every block finished. An empty list is not done.
func (t *DownloadTask) AllDone() bool {
	if len(t.Blocks) == 0 {
		return false
	}
	for _, b := range t.Blocks {
		if !b.Done() {
			return false
		}
	}
	return true
}

// Percentage returns downloaded/content size in the range [0, 100].
func (t *DownloadTask) Percentage() float64 {
	size := t.ContentSize()
	if size <= 0 {
		return 0
	}
	p := float64(t.DownloadedSize()) / float64(size) * 100
	if p > 100 {
		p = 100
	}
	return p
}
