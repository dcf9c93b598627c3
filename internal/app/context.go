package app

import (
	"context"

	"github.com/datallboy/blockxfer/internal/domain"
	"github.com/datallboy/blockxfer/internal/infra/config"
	"github.com/datallboy/blockxfer/internal/infra/logger"
	"github.com/datallboy/blockxfer/internal/transport"
)

// Store persists transfer checkpoints. The engine never writes on its own
// schedule; callers decide when a checkpoint is worth keeping.
type Store interface {
	SaveDownload(ctx context.Context, cp *domain.DownloadCheckpoint) error
	SaveUpload(ctx context.Context, cp *domain.UploadCheckpoint) error

	// LoadDownload and LoadUpload return domain.ErrTaskNotFound when no
	// checkpoint of that kind exists for id.
	LoadDownload(ctx context.Context, id string) (*domain.DownloadCheckpoint, error)
	LoadUpload(ctx context.Context, id string) (*domain.UploadCheckpoint, error)

	List(ctx context.Context) ([]domain.TransferSummary, error)
	Delete(ctx context.Context, id string) error
	Close() error
}

// Context holds the core environment and shared resources for blockxfer.
type Context struct {
	Config *config.Config
	Logger *logger.Logger
	Store  Store
	Client *transport.Client
}

// NewContext initializes the base environment. The HTTP client is built
// from the configured timeouts; the store is attached by the caller.
func NewContext(cfg *config.Config, log *logger.Logger) *Context {
	opts := transport.DefaultOptions()
	if cfg != nil {
		if cfg.Download.RequestTimeout > 0 {
			opts.RequestTimeout = cfg.Download.RequestTimeout
		}
		if cfg.Download.ReadTimeout > 0 {
			opts.ReadTimeout = cfg.Download.ReadTimeout
		}
	}

	return &Context{
		Config: cfg,
		Logger: log,
		Client: transport.NewClient(opts),
	}
}
