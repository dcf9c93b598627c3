package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/datallboy/blockxfer/internal/api"
	"github.com/labstack/echo/v5"
	"github.com/spf13/cobra"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			sess, cleanup, err := root.open(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			if port == "" {
				port = sess.app.Config.Port
			}

			e := echo.New()
			api.RegisterRoutes(e, sess.app, sess.mgr)

			srv := &http.Server{
				Addr:              ":" + port,
				Handler:           e,
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				sess.app.Logger.Info("Control API listening on %s", srv.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("control API stopped: %w", err)
				}
			case <-ctx.Done():
			}

			sess.app.Logger.Info("Shutting down, pausing active transfers")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				sess.app.Logger.Error("HTTP shutdown: %v", err)
			}
			return sess.mgr.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVarP(&port, "port", "p", "", "listen port (defaults to config port)")
	return cmd
}
