package main

import (
	"context"
	"fmt"

	"github.com/datallboy/blockxfer/internal/app"
	"github.com/datallboy/blockxfer/internal/engine"
	"github.com/datallboy/blockxfer/internal/infra/config"
	"github.com/datallboy/blockxfer/internal/infra/logger"
	"github.com/datallboy/blockxfer/internal/store"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "blockxfer",
		Short:         "Parallel block transfers over HTTP with resumable checkpoints",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to config.yaml (defaults to ./config.yaml if present)")

	root.AddCommand(
		newDownloadCmd(opts),
		newUploadCmd(opts),
		newResumeCmd(opts),
		newListCmd(opts),
		newServeCmd(opts),
	)
	return root
}

// session is everything a command needs once config is loaded.
type session struct {
	app *app.Context
	mgr *engine.Manager
}

// open loads config, the logger and the checkpoint store. The manager runs
// under a background context; commands pause it explicitly on signals so
// checkpoints are written after workers have stopped.
func (o *rootOptions) open(ctx context.Context) (*session, func(), error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("config error: %w", err)
	}

	log, err := logger.New(cfg.Log.Path, logger.ParseLevel(cfg.Log.Level), cfg.Log.IncludeStdout)
	if err != nil {
		return nil, nil, fmt.Errorf("could not open log file: %w", err)
	}

	appCtx := app.NewContext(cfg, log)
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		log.Close()
		return nil, nil, fmt.Errorf("could not open %s store: %w", cfg.Store.Driver, err)
	}
	appCtx.Store = st

	cleanup := func() {
		if err := st.Close(); err != nil {
			log.Error("Failed to close store: %v", err)
		}
		log.Close()
	}

	return &session{app: appCtx, mgr: engine.NewManager(context.Background(), appCtx)}, cleanup, nil
}
