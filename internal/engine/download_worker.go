package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/datallboy/blockxfer/internal/domain"
	"github.com/datallboy/blockxfer/internal/infra/logger"
	"github.com/datallboy/blockxfer/internal/ratelimit"
	"github.com/datallboy/blockxfer/internal/transport"
)

const readBufferSize = 1024

// downloadWorker fetches a single block with a ranged GET and writes it at
// the block's offset, retrying until the block lands or retries run out.
type downloadWorker struct {
	id      int
	task    *domain.DownloadTask
	block   *domain.DownloadBlock
	client  RangeClient
	limiter *ratelimit.Limiter
	log     *logger.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	stopped atomic.Bool
}

func newDownloadWorker(ctx context.Context, id int, d *Downloader, block *domain.DownloadBlock) *downloadWorker {
	wctx, cancel := context.WithCancel(ctx)
	return &downloadWorker{
		id:      id,
		task:    d.task,
		block:   block,
		client:  d.client,
		limiter: d.limiter,
		log:     d.log,
		ctx:     wctx,
		cancel:  cancel,
	}
}

// stop asks the worker to quit. A soft stop is noticed between reads; a
// forced stop also aborts the in-flight request.
func (w *downloadWorker) stop(force bool) {
	w.stopped.Store(true)
	if force {
		w.cancel()
	}
}

func (w *downloadWorker) run() error {
	defer w.cancel()

	if !destinationExists(w.task.Path) {
		return fmt.Errorf("%w: %s", domain.ErrDestinationMissing, w.task.Path)
	}
	if w.block.Done() {
		return nil
	}

	f, err := openBlockWriter(w.task.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	maxRetry := w.task.MaxRetry
	if maxRetry <= 0 {
		maxRetry = domain.DefaultMaxRetry
	}

	retries := 0
	for {
		if err := w.interrupted(); err != nil {
			return err
		}

		begin, end := w.block.Remaining()
		if begin > end {
			w.block.MarkDone()
			return nil
		}

		if !destinationExists(w.task.Path) {
			return fmt.Errorf("%w: %s", domain.ErrDestinationMissing, w.task.Path)
		}

		progressed, err := w.fetch(f, begin, end)
		if err == nil {
			w.block.MarkDone()
			return nil
		}
		if ierr := w.interrupted(); ierr != nil {
			return ierr
		}

		// A stream that ends early but moved the block forward resumes from
		// the new begin without spending a retry.
		if errors.Is(err, transport.ErrPrematureEOF) && progressed > 0 {
			w.log.Debug("[Worker %d] block %d-%d ended early after %d bytes, resuming", w.id, begin, end, progressed)
			continue
		}

		retries++
		if retries >= maxRetry {
			w.log.Error("[Worker %d] block %d-%d failed after %d attempts: %v", w.id, begin, end, retries, err)
			return fmt.Errorf("block %d-%d: %w", begin, end, err)
		}
		w.log.Warn("[Retry] block %d-%d: attempt %d/%d - error: %v", begin, end, retries, maxRetry, err)
	}
}

// fetch streams [begin,end] into f and returns how many bytes it wrote. It
// returns nil only once the whole range has landed.
func (w *downloadWorker) fetch(f *os.File, begin, end int64) (int64, error) {
	body, err := w.client.GetRange(w.ctx, w.task.URL, w.task.Headers, begin, end)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	want := end - begin + 1
	var written int64
	buf := make([]byte, readBufferSize)

	for written < want {
		if w.stopped.Load() {
			return written, errStopped
		}

		n, rerr := body.Read(buf)
		if n > 0 {
			// Servers that ignore the end of the range get cut off here.
			if left := want - written; int64(n) > left {
				n = int(left)
			}
			if _, err := f.WriteAt(buf[:n], begin+written); err != nil {
				return written, fmt.Errorf("write error: %w", err)
			}
			written += int64(n)
			w.block.Advance(int64(n))
			w.task.AddDownloaded(int64(n))

			if err := w.limiter.Charge(w.ctx, int64(n)); err != nil {
				return written, err
			}
		}

		switch {
		case rerr == nil:
		case errors.Is(rerr, io.EOF), errors.Is(rerr, io.ErrUnexpectedEOF):
			if written < want {
				return written, fmt.Errorf("%w: got %d of %d bytes", transport.ErrPrematureEOF, written, want)
			}
		default:
			return written, rerr
		}
	}
	return written, nil
}

func (w *downloadWorker) interrupted() error {
	if w.stopped.Load() {
		return errStopped
	}
	return w.ctx.Err()
}
