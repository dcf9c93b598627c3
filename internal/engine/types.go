package engine

import (
	"context"
	"errors"
	"io"

	"github.com/datallboy/blockxfer/internal/domain"
	"github.com/datallboy/blockxfer/internal/transport"
)

// RangeClient is the part of transport.Client the download side needs.
type RangeClient interface {
	Probe(ctx context.Context, url string, headers map[string]string) (*transport.ResourceInfo, error)
	GetRange(ctx context.Context, url string, headers map[string]string, begin, end int64) (io.ReadCloser, error)
}

// BlockAPI is the remote side of the mkblk/bput/mkfile protocol.
type BlockAPI interface {
	MakeBlock(ctx context.Context, blockSize int64, blockID int, data []byte) (*transport.ChunkResult, error)
	PutChunk(ctx context.Context, blockCtx string, offset int64, data []byte) (*transport.ChunkResult, error)
	MakeFile(ctx context.Context, fileSize int64, ctxs []string) error
}

// StatusFunc observes status transitions in the order they happen.
type StatusFunc func(status domain.JobStatus)

// errStopped is returned by a worker that honoured a soft stop.
var errStopped = errors.New("worker stopped")

type workerResult struct {
	worker worker
	err    error
}

// worker is the handle an orchestrator keeps for each running goroutine.
type worker interface {
	stop(force bool)
}

var (
	_ RangeClient = (*transport.Client)(nil)
	_ BlockAPI    = (*transport.UploadAPI)(nil)
)
