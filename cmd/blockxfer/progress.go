package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/datallboy/blockxfer/internal/domain"
	"github.com/datallboy/blockxfer/internal/engine"
	"github.com/dustin/go-humanize"
)

const barWidth = 20

// renderProgress draws a single overwriting status line:
// [=====>    ]  42.0% | 12 MB/s | ETA: 3m0s | 105 MB / 250 MB
func renderProgress(w io.Writer, s engine.Snapshot, elapsed time.Duration, final bool) {
	percent := s.Percentage
	if percent > 100 {
		percent = 100
	}

	completed := int(percent / 100 * barWidth)
	bar := strings.Repeat("=", completed)
	if completed < barWidth {
		bar += ">" + strings.Repeat(" ", barWidth-completed-1)
	}

	speed := s.Speed
	speedLabel, timeLabel := "Speed", "ETA"
	timeStr := "calc..."
	if final {
		speedLabel, timeLabel = "Avg", "Time"
		timeStr = elapsed.Truncate(time.Second).String()
		if secs := elapsed.Seconds(); secs >= 0.1 {
			speed = int64(float64(s.Transferred) / secs)
		}
	} else if speed > 0 && s.TotalSize > s.Transferred {
		eta := time.Duration((s.TotalSize-s.Transferred)/speed) * time.Second
		timeStr = eta.String()
	}

	fmt.Fprintf(w, "\r[%s] %5.1f%% | %s: %9s/s | %s: %-8s | %s / %s      ",
		bar, percent, speedLabel, humanize.Bytes(uint64(max(speed, 0))), timeLabel, timeStr,
		humanize.Bytes(uint64(max(s.Transferred, 0))), humanize.Bytes(uint64(max(s.TotalSize, 0))))
}

// follow renders progress for t until it settles. When ctx is cancelled
// (Ctrl+C) every transfer is paused and checkpointed before returning.
func follow(ctx context.Context, sess *session, t *engine.Transfer) error {
	started := time.Now()
	settled := make(chan struct{})
	go func() {
		t.Wait(context.Background())
		close(settled)
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			renderProgress(os.Stdout, t.Snapshot(), time.Since(started), false)

		case <-ctx.Done():
			fmt.Println()
			sess.app.Logger.Info("Interrupted, saving checkpoint for %s", t.ID)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := sess.mgr.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("failed to pause %s: %w", t.ID, err)
			}
			if err := syncSidecar(t, t.Status()); err != nil {
				sess.app.Logger.Warn("Could not update checkpoint file for %s: %v", t.ID, err)
			}
			fmt.Printf("Paused. Resume with: blockxfer resume %s\n", t.ID)
			return nil

		case <-settled:
			snap := t.Snapshot()
			switch snap.Status {
			case domain.StatusCompleted:
				renderProgress(os.Stdout, snap, time.Since(started), true)
				fmt.Println()
				sess.app.Logger.Info("%s %s finished: %s", t.Kind, t.ID, snap.Destination)
				return nil
			case domain.StatusPaused:
				fmt.Println()
				fmt.Printf("Paused. Resume with: blockxfer resume %s\n", t.ID)
				return nil
			default:
				fmt.Println()
				if err := t.Err(); err != nil {
					return fmt.Errorf("%s %s %s: %w", t.Kind, t.ID, snap.Status, err)
				}
				return fmt.Errorf("%s %s ended %s", t.Kind, t.ID, snap.Status)
			}
		}
	}
}
