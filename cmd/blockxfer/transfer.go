package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/datallboy/blockxfer/internal/domain"
	"github.com/datallboy/blockxfer/internal/engine"
	"github.com/datallboy/blockxfer/internal/store"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// sizeFlag parses human byte sizes such as "16MiB". Empty means unset.
func sizeFlag(name, raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid --%s %q: %w", name, raw, err)
	}
	return int64(n), nil
}

// parseHeaders turns repeated "Name: value" flags into a map.
func parseHeaders(raw []string) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q, want \"Name: value\"", h)
		}
		out[name] = strings.TrimSpace(value)
	}
	return out, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newDownloadCmd(root *rootOptions) *cobra.Command {
	var (
		out, blockSize, rateLimit string
		threads, maxRetry         int
		headers                   []string
	)

	cmd := &cobra.Command{
		Use:   "download <url>",
		Short: "Download a file with parallel ranged requests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			bs, err := sizeFlag("block-size", blockSize)
			if err != nil {
				return err
			}
			rl, err := sizeFlag("rate-limit", rateLimit)
			if err != nil {
				return err
			}
			hdrs, err := parseHeaders(headers)
			if err != nil {
				return err
			}

			sess, cleanup, err := root.open(ctx)
			if err != nil {
				return err
			}
			defer cleanup()
			attachSidecars(sess.mgr, sess.app.Logger)

			t, err := sess.mgr.AddDownload(engine.DownloadRequest{
				URL:       args[0],
				Path:      out,
				Threads:   threads,
				BlockSize: bs,
				MaxRetry:  maxRetry,
				RateLimit: rl,
				Headers:   hdrs,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Downloading %s -> %s (id %s)\n", args[0], t.Downloader().Task().Path, t.ID)
			return follow(ctx, sess, t)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&out, "output", "o", "", "destination path, relative paths land in download.out_dir")
	f.IntVarP(&threads, "threads", "t", 0, "concurrent connections")
	f.StringVar(&blockSize, "block-size", "", "block size, e.g. 64MiB")
	f.IntVar(&maxRetry, "max-retry", 0, "attempts per block before the download fails")
	f.StringVar(&rateLimit, "rate-limit", "", "bandwidth ceiling per second, e.g. 10MB")
	f.StringArrayVarP(&headers, "header", "H", nil, "extra request header \"Name: value\" (repeatable)")
	return cmd
}

func newUploadCmd(root *rootOptions) *cobra.Command {
	var (
		url, token                      string
		blockSize, chunkSize, rateLimit string
		threads                         int
	)

	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a file with the block/chunk protocol",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			req := engine.UploadRequest{FilePath: args[0], UploadURL: url, Token: token, Threads: threads}
			var err error
			if req.BlockSize, err = sizeFlag("block-size", blockSize); err != nil {
				return err
			}
			if req.ChunkSize, err = sizeFlag("chunk-size", chunkSize); err != nil {
				return err
			}
			if req.RateLimit, err = sizeFlag("rate-limit", rateLimit); err != nil {
				return err
			}

			sess, cleanup, err := root.open(ctx)
			if err != nil {
				return err
			}
			defer cleanup()
			attachSidecars(sess.mgr, sess.app.Logger)

			t, err := sess.mgr.AddUpload(req)
			if t == nil {
				return err
			}
			if err != nil {
				sess.app.Logger.Warn("Upload %s did not start cleanly: %v", t.ID, err)
			}
			fmt.Printf("Uploading %s (id %s, session %s)\n", args[0], t.ID, t.Uploader().Task().Session)
			return follow(ctx, sess, t)
		},
	}

	f := cmd.Flags()
	f.StringVar(&url, "url", "", "upload API base URL (defaults to upload.url)")
	f.StringVar(&token, "token", "", "Authorization credential (defaults to upload.token)")
	f.IntVarP(&threads, "threads", "t", 0, "concurrent block uploads")
	f.StringVar(&blockSize, "block-size", "", "block size, e.g. 16MiB")
	f.StringVar(&chunkSize, "chunk-size", "", "chunk size, e.g. 4MiB")
	f.StringVar(&rateLimit, "rate-limit", "", "bandwidth ceiling per second, e.g. 10MB")
	return cmd
}

func newResumeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <id | file.downloading | file.uploading>",
		Short: "Resume a paused or failed transfer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			sess, cleanup, err := root.open(ctx)
			if err != nil {
				return err
			}
			defer cleanup()
			attachSidecars(sess.mgr, sess.app.Logger)

			t, err := resume(ctx, sess, args[0])
			if t == nil {
				return err
			}
			if err != nil && !errors.Is(err, domain.ErrAlreadyRunning) {
				sess.app.Logger.Warn("Resume of %s did not start cleanly: %v", t.ID, err)
			}
			fmt.Printf("Resuming %s %s\n", t.Kind, t.ID)
			return follow(ctx, sess, t)
		},
	}
}

// resume accepts a transfer id or the path of a sidecar checkpoint.
func resume(ctx context.Context, sess *session, arg string) (*engine.Transfer, error) {
	switch {
	case strings.HasSuffix(arg, store.DownloadSuffix):
		cp, err := store.ReadDownloadSidecar(arg)
		if err != nil {
			return nil, err
		}
		return sess.mgr.ResumeDownload(cp)
	case strings.HasSuffix(arg, store.UploadSuffix):
		cp, err := store.ReadUploadSidecar(arg)
		if err != nil {
			return nil, err
		}
		return sess.mgr.ResumeUpload(cp)
	default:
		return sess.mgr.Resume(ctx, arg)
	}
}
