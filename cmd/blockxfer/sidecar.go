package main

import (
	"github.com/datallboy/blockxfer/internal/domain"
	"github.com/datallboy/blockxfer/internal/engine"
	"github.com/datallboy/blockxfer/internal/infra/logger"
	"github.com/datallboy/blockxfer/internal/store"
)

// attachSidecars keeps a <file>.downloading or <file>.uploading checkpoint
// next to each transfer's local file until it completes.
func attachSidecars(mgr *engine.Manager, log *logger.Logger) {
	mgr.OnBlocksCreated(store.WriteDownloadSidecar)
	mgr.OnStatusChange(func(t *engine.Transfer, status domain.JobStatus) {
		if status.Active() {
			return
		}
		if err := syncSidecar(t, status); err != nil {
			log.Warn("Could not update checkpoint file for %s: %v", t.ID, err)
		}
	})
}

func syncSidecar(t *engine.Transfer, status domain.JobStatus) error {
	if d := t.Downloader(); d != nil {
		cp := d.Checkpoint()
		if cp == nil || len(cp.Blocks) == 0 {
			return nil
		}
		if status == domain.StatusCompleted {
			return store.RemoveSidecar(cp.Path + store.DownloadSuffix)
		}
		return store.WriteDownloadSidecar(cp)
	}

	cp := t.Uploader().Checkpoint()
	if cp == nil {
		return nil
	}
	if status == domain.StatusCompleted {
		return store.RemoveSidecar(cp.FilePath + store.UploadSuffix)
	}
	return store.WriteUploadSidecar(cp)
}
