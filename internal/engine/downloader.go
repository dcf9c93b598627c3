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

// Downloader runs one DownloadTask: it keeps up to Threads workers busy on
// pending blocks and moves the task to Completed or Failed.
type Downloader struct {
	task    *domain.DownloadTask
	client  RangeClient
	log     *logger.Logger
	limiter *ratelimit.Limiter

	// startMu serialises Start and StopAndSave so only one run is ever
	// being set up or torn down.
	startMu sync.Mutex

	mu       sync.Mutex
	status   *statusTracker
	run      *downloadRun
	nextID   int
	onBlocks func(*domain.DownloadCheckpoint) error

	speed atomic.Int64
}

// downloadRun is one Start..stop generation of workers. Its fields are
// guarded by Downloader.mu.
type downloadRun struct {
	ctx      context.Context
	cancel   context.CancelFunc
	events   chan workerResult
	done     chan struct{}
	workers  map[*downloadWorker]struct{}
	stopping bool
}

func (r *downloadRun) stopAll(force bool) {
	for w := range r.workers {
		w.stop(force)
	}
}

func NewDownloader(task *domain.DownloadTask, client RangeClient, log *logger.Logger) *Downloader {
	var limit int64
	if task != nil {
		limit = task.RateLimit
	}
	return &Downloader{
		task:    task,
		client:  client,
		log:     log,
		limiter: ratelimit.New(limit),
		status:  newStatusTracker(),
	}
}

// OnBlocksCreated registers a hook called with a checkpoint right after the
// block list is first materialised.
func (d *Downloader) OnBlocksCreated(fn func(*domain.DownloadCheckpoint) error) {
	d.mu.Lock()
	d.onBlocks = fn
	d.mu.Unlock()
}

// OnStatusChange registers an observer for status transitions.
func (d *Downloader) OnStatusChange(fn StatusFunc) {
	d.mu.Lock()
	d.status.observers = append(d.status.observers, fn)
	d.mu.Unlock()
}

// Start begins or resumes the download. It returns once workers are
// running; use Wait to block until the download settles.
func (d *Downloader) Start(ctx context.Context) error {
	d.startMu.Lock()
	defer d.startMu.Unlock()

	d.stopRun(true)

	t := d.task
	if t == nil {
		d.transition(domain.StatusFailed, domain.ErrNoTask)
		return domain.ErrNoTask
	}

	if t.ContentSize() > 0 && t.DownloadedSize() >= t.ContentSize() {
		d.complete()
		return nil
	}

	d.transition(domain.StatusDownloading, nil)

	if len(t.Blocks) == 0 {
		info, err := d.client.Probe(ctx, t.URL, t.Headers)
		if err != nil {
			d.log.Error("Probe of %s failed: %v", t.URL, err)
			d.transition(domain.StatusFailed, err)
			return fmt.Errorf("probe %s: %w", t.URL, err)
		}
		t.SetContentSize(info.Size)

		if t.InitBlocks() {
			d.log.Info("Partitioned %s (%d bytes) into %d blocks", t.Path, info.Size, len(t.Blocks))
			d.mu.Lock()
			hook := d.onBlocks
			d.mu.Unlock()
			if hook != nil {
				if err := hook(t.Checkpoint(domain.StatusDownloading)); err != nil {
					d.log.Warn("Could not save initial checkpoint for %s: %v", t.Path, err)
				}
			}
		}
	}

	if err := PreAllocate(t.Path, t.ContentSize()); err != nil {
		d.log.Error("Destination %s unusable: %v", t.Path, err)
		d.transition(domain.StatusFailed, err)
		return err
	}

	if t.ContentSize() == 0 || t.AllDone() {
		d.complete()
		return nil
	}

	d.mu.Lock()
	if d.status.status != domain.StatusDownloading {
		// paused while probing
		d.mu.Unlock()
		return nil
	}

	threads := t.Threads
	if threads < 1 {
		threads = 1
	}
	if pending := t.PendingCount(); threads > pending {
		threads = pending
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &downloadRun{
		ctx:    runCtx,
		cancel: cancel,
		events:  make(chan workerResult, len(t.Blocks)),
		done:    make(chan struct{}),
		workers: make(map[*downloadWorker]struct{}),
	}
	d.run = r
	d.limiter.Start()

	for i := 0; i < threads; i++ {
		if !d.spawnLocked(r) {
			break
		}
	}
	d.log.Info("Downloading %s with %d workers (%d blocks pending)", t.Path, len(r.workers), t.PendingCount())
	d.mu.Unlock()

	go d.supervise(r)
	go d.trackProgress(r)
	return nil
}

// StopAndSave stops every worker and returns a checkpoint of the task. A
// soft stop lets workers finish their current read; force aborts requests.
// It returns nil when no worker is active.
func (d *Downloader) StopAndSave(force bool) *domain.DownloadCheckpoint {
	d.startMu.Lock()
	defer d.startMu.Unlock()

	d.mu.Lock()
	r := d.run
	if r == nil || len(r.workers) == 0 {
		d.mu.Unlock()
		return nil
	}
	r.stopping = true
	r.stopAll(force)
	d.status.set(domain.StatusPaused)
	d.limiter.Stop()
	d.speed.Store(0)
	n := d.status.take()
	d.mu.Unlock()
	d.status.flush(n)

	<-r.done
	d.log.Info("Paused %s at %d/%d bytes", d.task.Path, d.task.DownloadedSize(), d.task.ContentSize())
	return d.task.Checkpoint(domain.StatusPaused)
}

// Wait blocks until the download leaves the downloading state.
func (d *Downloader) Wait(ctx context.Context) error {
	d.mu.Lock()
	idle := d.status.idle
	d.mu.Unlock()
	return wait(ctx, idle)
}

func (d *Downloader) Status() domain.JobStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status.status
}

// Err returns the error that failed the download, if any.
func (d *Downloader) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status.err
}

// Speed returns the bytes downloaded during the last second.
func (d *Downloader) Speed() int64 {
	return d.speed.Load()
}

func (d *Downloader) Percentage() float64 {
	if d.Status() == domain.StatusCompleted {
		return 100
	}
	if d.task == nil {
		return 0
	}
	return d.task.Percentage()
}

func (d *Downloader) Task() *domain.DownloadTask {
	return d.task
}

// Checkpoint snapshots the task with its current status.
func (d *Downloader) Checkpoint() *domain.DownloadCheckpoint {
	if d.task == nil {
		return nil
	}
	return d.task.Checkpoint(d.Status())
}

// spawnLocked claims the next pending block and starts a worker on it.
func (d *Downloader) spawnLocked(r *downloadRun) bool {
	block := d.task.NextPending()
	if block == nil || !block.Claim() {
		return false
	}

	d.nextID++
	w := newDownloadWorker(r.ctx, d.nextID, d, block)
	r.workers[w] = struct{}{}

	go func() {
		err := w.run()
		r.events <- workerResult{worker: w, err: err}
	}()
	return true
}

func (d *Downloader) supervise(r *downloadRun) {
	defer close(r.done)
	for {
		res := <-r.events
		if d.handle(r, res) {
			return
		}
	}
}

// handle accounts for a finished worker and reports whether the run has
// no workers left.
func (d *Downloader) handle(r *downloadRun, res workerResult) bool {
	d.mu.Lock()

	w := res.worker.(*downloadWorker)
	delete(r.workers, w)
	if !w.block.Done() {
		w.block.Release()
	}

	switch {
	case d.status.status != domain.StatusDownloading, r.stopping:
	case r.ctx.Err() != nil:
		d.log.Info("Download of %s interrupted", d.task.Path)
		r.stopping = true
		r.stopAll(true)
		d.status.set(domain.StatusPaused)
		d.limiter.Stop()
	case res.err == nil:
		if d.task.AllDone() {
			d.completeLocked()
		} else if !d.spawnLocked(r) {
			d.log.Debug("No pending blocks left, %d workers still running", len(r.workers))
		}
	default:
		d.log.Error("Download of %s failed: %v", d.task.Path, res.err)
		d.status.err = res.err
		r.stopAll(true)
		d.status.set(domain.StatusFailed)
		d.limiter.Stop()
		d.speed.Store(0)
	}

	finished := len(r.workers) == 0
	if finished {
		r.cancel()
	}
	n := d.status.take()
	d.mu.Unlock()
	d.status.flush(n)
	return finished
}

func (d *Downloader) complete() {
	d.mu.Lock()
	d.completeLocked()
	n := d.status.take()
	d.mu.Unlock()
	d.status.flush(n)
}

func (d *Downloader) completeLocked() {
	d.task.SetCompleted()
	d.status.err = nil
	d.status.set(domain.StatusCompleted)
	d.speed.Store(0)
	d.limiter.Stop()
	d.log.Info("Download of %s completed (%d bytes)", d.task.Path, d.task.ContentSize())
}

func (d *Downloader) transition(status domain.JobStatus, err error) {
	d.mu.Lock()
	d.status.err = err
	d.status.set(status)
	n := d.status.take()
	d.mu.Unlock()
	d.status.flush(n)
}

// stopRun force-stops the previous generation, if any, and waits for it.
func (d *Downloader) stopRun(force bool) {
	d.mu.Lock()
	r := d.run
	d.run = nil
	if r != nil {
		r.stopping = true
		r.stopAll(force)
	}
	d.mu.Unlock()

	if r != nil {
		<-r.done
	}
}

// trackProgress samples the downloaded counter once a second.
func (d *Downloader) trackProgress(r *downloadRun) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	last := d.task.DownloadedSize()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			current := d.task.DownloadedSize()
			delta := current - last
			last = current
			d.speed.Store(delta)
			d.log.Debug("%s: %.1f%% at %d B/s", d.task.Path, d.task.Percentage(), delta)
		}
	}
}
