package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/datallboy/blockxfer/internal/domain"
	"github.com/datallboy/blockxfer/internal/infra/logger"
	"github.com/datallboy/blockxfer/internal/ratelimit"
)

// UploadOptions tunes how hard a block is retried.
type UploadOptions struct {
	// MaxBlockRestarts caps restarts per block; zero retries forever.
	MaxBlockRestarts int
	RestartDelay     time.Duration
}

func DefaultUploadOptions() UploadOptions {
	return UploadOptions{RestartDelay: time.Second}
}

// Uploader runs one UploadTask and issues the single mkfile call once every
// block is stored remotely.
type Uploader struct {
	task    *domain.UploadTask
	api     BlockAPI
	log     *logger.Logger
	limiter *ratelimit.Limiter
	opts    UploadOptions

	// startMu serialises Start and StopAndSave.
	startMu sync.Mutex

	mu         sync.Mutex
	status     *statusTracker
	run        *uploadRun
	finalizing bool
	startedAt  time.Time
	seed       int64

	uploaded atomic.Int64
	speed    atomic.Int64
}

type uploadRun struct {
	ctx      context.Context
	cancel   context.CancelFunc
	events   chan workerResult
	done     chan struct{}
	workers  map[*uploadWorker]struct{}
	stopping bool
}

func (r *uploadRun) stopAll(force bool) {
	for w := range r.workers {
		w.stop(force)
	}
}

func NewUploader(task *domain.UploadTask, api BlockAPI, log *logger.Logger, opts UploadOptions) *Uploader {
	var limit int64
	if task != nil {
		limit = task.RateLimit
	}
	return &Uploader{
		task:    task,
		api:     api,
		log:     log,
		limiter: ratelimit.New(limit),
		opts:    opts,
		status:  newStatusTracker(),
	}
}

func (u *Uploader) OnStatusChange(fn StatusFunc) {
	u.mu.Lock()
	u.status.observers = append(u.status.observers, fn)
	u.mu.Unlock()
}

// Start begins or resumes the upload. Calling it while uploading does
// nothing.
func (u *Uploader) Start(ctx context.Context) error {
	u.startMu.Lock()
	defer u.startMu.Unlock()

	u.mu.Lock()
	if u.status.status == domain.StatusUploading {
		u.mu.Unlock()
		return nil
	}
	if u.task == nil {
		u.status.err = domain.ErrNoTask
		u.status.set(domain.StatusFaulted)
		n := u.status.take()
		u.mu.Unlock()
		u.status.flush(n)
		return domain.ErrNoTask
	}
	u.mu.Unlock()

	u.stopRun()

	t := u.task
	u.mu.Lock()
	if t.Completed() {
		u.uploaded.Store(t.FileSize)
		u.status.set(domain.StatusCompleted)
		n := u.status.take()
		u.mu.Unlock()
		u.status.flush(n)
		return nil
	}

	u.status.err = nil
	u.status.set(domain.StatusUploading)
	u.finalizing = false

	threads := t.Threads
	if threads < 1 {
		threads = 1
	}
	if pending := t.PendingCount(); threads > pending {
		threads = pending
	}

	u.seed = int64(t.DoneCount()) * t.BlockSize
	if u.seed > t.FileSize {
		u.seed = t.FileSize
	}
	u.uploaded.Store(u.seed)
	u.startedAt = time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	r := &uploadRun{
		ctx:    runCtx,
		cancel: cancel,
		events:  make(chan workerResult, len(t.Blocks)+1),
		done:    make(chan struct{}),
		workers: make(map[*uploadWorker]struct{}),
	}
	u.run = r
	u.limiter.Start()

	for i := 0; i < threads; i++ {
		if !u.spawnLocked(r) {
			break
		}
	}

	finalizeNow := len(r.workers) == 0
	if finalizeNow {
		u.finalizing = true
	}
	u.log.Info("Uploading %s (%d bytes, %d blocks) with %d workers", t.FilePath, t.FileSize, len(t.Blocks), len(r.workers))
	n := u.status.take()
	u.mu.Unlock()
	u.status.flush(n)

	go u.trackSpeed(r)

	if finalizeNow {
		go func() {
			defer close(r.done)
			u.finalize(r)
			r.cancel()
		}()
		return nil
	}

	go u.supervise(r)
	return nil
}

// StopAndSave stops every worker and returns a checkpoint, or nil when no
// worker is active.
func (u *Uploader) StopAndSave(force bool) *domain.UploadCheckpoint {
	u.startMu.Lock()
	defer u.startMu.Unlock()

	u.mu.Lock()
	r := u.run
	if r == nil || len(r.workers) == 0 {
		u.mu.Unlock()
		return nil
	}
	r.stopping = true
	r.stopAll(force)
	u.status.set(domain.StatusPaused)
	u.limiter.Stop()
	u.speed.Store(0)
	n := u.status.take()
	u.mu.Unlock()
	u.status.flush(n)

	<-r.done
	u.log.Info("Paused upload of %s with %d/%d blocks done", u.task.FilePath, u.task.DoneCount(), len(u.task.Blocks))
	return u.task.Checkpoint(domain.StatusPaused)
}

func (u *Uploader) Wait(ctx context.Context) error {
	u.mu.Lock()
	idle := u.status.idle
	u.mu.Unlock()
	return wait(ctx, idle)
}

func (u *Uploader) Status() domain.JobStatus {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.status.status
}

func (u *Uploader) Err() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.status.err
}

// UploadedSize estimates the bytes stored remotely, never more than the
// file size.
func (u *Uploader) UploadedSize() int64 {
	n := u.uploaded.Load()
	if u.task != nil && n > u.task.FileSize {
		return u.task.FileSize
	}
	return n
}

// Speed returns the average bytes per second since Start.
func (u *Uploader) Speed() int64 {
	return u.speed.Load()
}

func (u *Uploader) Task() *domain.UploadTask {
	return u.task
}

func (u *Uploader) Checkpoint() *domain.UploadCheckpoint {
	if u.task == nil {
		return nil
	}
	return u.task.Checkpoint(u.Status())
}

func (u *Uploader) addUploaded(n int64) {
	u.uploaded.Add(n)
}

func (u *Uploader) spawnLocked(r *uploadRun) bool {
	block := u.task.NextPending()
	if block == nil || !block.Claim() {
		return false
	}

	w := newUploadWorker(r.ctx, u, block)
	r.workers[w] = struct{}{}

	go func() {
		err := w.run()
		r.events <- workerResult{worker: w, err: err}
	}()
	return true
}

func (u *Uploader) supervise(r *uploadRun) {
	defer close(r.done)
	for {
		res := <-r.events
		if u.handle(r, res) {
			return
		}
	}
}

func (u *Uploader) handle(r *uploadRun, res workerResult) bool {
	u.mu.Lock()

	w := res.worker.(*uploadWorker)
	delete(r.workers, w)
	w.block.Release()

	finalize := false
	switch {
	case u.status.status != domain.StatusUploading, r.stopping:
	case r.ctx.Err() != nil:
		u.log.Info("Upload of %s interrupted", u.task.FilePath)
		r.stopping = true
		r.stopAll(true)
		u.status.set(domain.StatusPaused)
		u.limiter.Stop()
	case res.err != nil:
		u.log.Error("Upload of %s faulted: %v", u.task.FilePath, res.err)
		u.status.err = res.err
		r.stopAll(true)
		u.status.set(domain.StatusFaulted)
		u.limiter.Stop()
		u.speed.Store(0)
	default:
		if !u.spawnLocked(r) && !u.task.AnyInProgress() && !u.finalizing {
			u.finalizing = true
			finalize = true
		}
	}

	finished := len(r.workers) == 0
	n := u.status.take()
	u.mu.Unlock()
	u.status.flush(n)

	if finalize {
		u.finalize(r)
	}
	if finished {
		r.cancel()
	}
	return finished
}

// finalize stitches the blocks into the remote file. It runs at most once
// per Start.
func (u *Uploader) finalize(r *uploadRun) {
	t := u.task
	u.log.Info("Finalizing %s: %d blocks, %d bytes", t.FilePath, len(t.Blocks), t.FileSize)
	err := u.api.MakeFile(r.ctx, t.FileSize, t.Contexts())

	u.mu.Lock()
	switch {
	case u.status.status != domain.StatusUploading:
	case err != nil && r.ctx.Err() != nil:
		u.status.set(domain.StatusPaused)
	case err != nil:
		u.log.Error("mkfile for %s rejected: %v", t.FilePath, err)
		u.status.err = fmt.Errorf("mkfile: %w", err)
		u.status.set(domain.StatusFaulted)
	default:
		t.SetCompleted()
		u.uploaded.Store(t.FileSize)
		u.status.set(domain.StatusCompleted)
		u.log.Info("Upload of %s completed", t.FilePath)
	}
	u.speed.Store(0)
	u.limiter.Stop()
	n := u.status.take()
	u.mu.Unlock()
	u.status.flush(n)
}

func (u *Uploader) stopRun() {
	u.mu.Lock()
	r := u.run
	u.run = nil
	if r != nil {
		r.stopping = true
		r.stopAll(true)
	}
	u.mu.Unlock()

	if r != nil {
		<-r.done
	}
}

// trackSpeed refreshes the average speed once a second.
func (u *Uploader) trackSpeed(r *uploadRun) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			u.mu.Lock()
			startedAt, seed := u.startedAt, u.seed
			u.mu.Unlock()

			elapsed := time.Since(startedAt).Seconds()
			if elapsed <= 0 {
				continue
			}
			u.speed.Store(int64(float64(u.UploadedSize()-seed) / elapsed))
		}
	}
}
