package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync/atomic"
	"time"

	"github.com/datallboy/blockxfer/internal/domain"
	"github.com/datallboy/blockxfer/internal/infra/logger"
	"github.com/datallboy/blockxfer/internal/ratelimit"
	"github.com/datallboy/blockxfer/internal/transport"
)

// uploadWorker pushes one block through mkblk and a run of bput calls.
// Any failure throws away the block's remote progress and starts over.
type uploadWorker struct {
	task     *domain.UploadTask
	block    *domain.UploadBlock
	api      BlockAPI
	limiter  *ratelimit.Limiter
	log      *logger.Logger
	progress func(n int64)

	maxRestarts  int
	restartDelay time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	stopped atomic.Bool
}

func newUploadWorker(ctx context.Context, u *Uploader, block *domain.UploadBlock) *uploadWorker {
	wctx, cancel := context.WithCancel(ctx)
	return &uploadWorker{
		task:         u.task,
		block:        block,
		api:          u.api,
		limiter:      u.limiter,
		log:          u.log,
		progress:     u.addUploaded,
		maxRestarts:  u.opts.MaxBlockRestarts,
		restartDelay: u.opts.RestartDelay,
		ctx:          wctx,
		cancel:       cancel,
	}
}

func (w *uploadWorker) stop(force bool) {
	w.stopped.Store(true)
	if force {
		w.cancel()
	}
}

func (w *uploadWorker) run() error {
	defer w.cancel()

	if w.block.Done() {
		return nil
	}

	f, err := os.Open(w.task.FilePath)
	if err != nil {
		return fmt.Errorf("open upload source: %w", err)
	}
	defer f.Close()

	for restarts := 0; ; restarts++ {
		if err := w.interrupted(); err != nil {
			return err
		}

		err := w.upload(f)
		if err == nil {
			w.block.MarkDone()
			w.log.Debug("Block %d uploaded (%d bytes)", w.block.ID, w.block.Size)
			return nil
		}
		if ierr := w.interrupted(); ierr != nil {
			return ierr
		}
		if errors.Is(err, fs.ErrNotExist) {
			return err
		}
		if w.maxRestarts > 0 && restarts+1 >= w.maxRestarts {
			w.log.Error("Block %d gave up after %d restarts: %v", w.block.ID, restarts+1, err)
			return fmt.Errorf("block %d: %w", w.block.ID, err)
		}

		w.log.Warn("[Retry] Block %d: restart %d - error: %v", w.block.ID, restarts+1, err)
		if w.restartDelay > 0 {
			select {
			case <-w.ctx.Done():
				return w.ctx.Err()
			case <-time.After(w.restartDelay):
			}
		}
	}
}

// upload sends the whole block once. The first chunk creates the block on
// the remote side; later chunks append at the offset the server returned.
func (w *uploadWorker) upload(f *os.File) error {
	size := w.block.Size
	chunkSize := w.task.ChunkSize
	if chunkSize <= 0 {
		chunkSize = domain.DefaultChunkSize
	}
	if chunkSize > size {
		chunkSize = size
	}
	buf := make([]byte, chunkSize)

	n, err := w.read(f, buf, w.block.Begin)
	if err != nil {
		return err
	}
	if err := w.limiter.Charge(w.ctx, int64(n)); err != nil {
		return err
	}

	res, err := w.api.MakeBlock(w.ctx, size, w.block.ID, buf[:n])
	if err != nil {
		return fmt.Errorf("mkblk: %w", err)
	}
	w.block.SetCtx(res.Ctx)
	w.progress(int64(n))

	if int64(n) == size {
		return nil
	}

	offset := res.Offset
	for {
		if w.stopped.Load() {
			return errStopped
		}

		remaining := size - offset
		if remaining <= 0 {
			return nil
		}
		want := chunkSize
		if want > remaining {
			want = remaining
		}

		n, err := w.read(f, buf[:want], w.block.Begin+offset)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if err := w.limiter.Charge(w.ctx, int64(n)); err != nil {
			return err
		}

		res, err := w.api.PutChunk(w.ctx, w.block.Ctx(), offset, buf[:n])
		if err != nil {
			return fmt.Errorf("bput at %d: %w", offset, err)
		}
		if res.Offset <= offset {
			return fmt.Errorf("%w: bput offset went from %d to %d", transport.ErrProtocol, offset, res.Offset)
		}
		w.block.SetCtx(res.Ctx)
		offset = res.Offset
		w.progress(int64(n))
	}
}

func (w *uploadWorker) read(f *os.File, buf []byte, off int64) (int, error) {
	n, err := f.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("read source at %d: %w", off, err)
	}
	return n, nil
}

func (w *uploadWorker) interrupted() error {
	if w.stopped.Load() {
		return errStopped
	}
	return w.ctx.Err()
}
