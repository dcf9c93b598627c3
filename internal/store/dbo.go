package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/datallboy/blockxfer/internal/domain"
)

// transferDBO maps to the transfers table. The checkpoint column holds the
// whole versioned record; the other columns exist for listing.
type transferDBO struct {
	ID          string    `db:"id"`
	Kind        string    `db:"kind"`
	Status      string    `db:"status"`
	Source      string    `db:"source"`
	Destination string    `db:"destination"`
	TotalSize   int64     `db:"total_size"`
	Transferred int64     `db:"transferred"`
	Checkpoint  []byte    `db:"checkpoint"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// Mapper: DBO to listing row
func (r *transferDBO) ToSummary() domain.TransferSummary {
	return domain.TransferSummary{
		ID:          r.ID,
		Kind:        domain.TaskKind(r.Kind),
		Source:      r.Source,
		Destination: r.Destination,
		Status:      domain.JobStatus(r.Status),
		TotalSize:   r.TotalSize,
		Transferred: r.Transferred,
		UpdatedAt:   r.UpdatedAt,
	}
}

func (r *transferDBO) fromSummary(s domain.TransferSummary, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint %s: %w", s.ID, err)
	}

	r.ID = s.ID
	r.Kind = string(s.Kind)
	r.Status = string(s.Status)
	r.Source = s.Source
	r.Destination = s.Destination
	r.TotalSize = s.TotalSize
	r.Transferred = s.Transferred
	r.Checkpoint = raw
	r.UpdatedAt = s.UpdatedAt
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// Mapper: domain checkpoints to DBO
func (r *transferDBO) FromDownload(cp *domain.DownloadCheckpoint) error {
	return r.fromSummary(cp.Summary(), cp)
}

func (r *transferDBO) FromUpload(cp *domain.UploadCheckpoint) error {
	return r.fromSummary(cp.Summary(), cp)
}

func (r *transferDBO) ToDownload() (*domain.DownloadCheckpoint, error) {
	if domain.TaskKind(r.Kind) != domain.KindDownload {
		return nil, fmt.Errorf("%w: %s is an %s", domain.ErrTaskNotFound, r.ID, r.Kind)
	}
	var cp domain.DownloadCheckpoint
	if err := json.Unmarshal(r.Checkpoint, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint for %s: %w", r.ID, err)
	}
	return &cp, nil
}

func (r *transferDBO) ToUpload() (*domain.UploadCheckpoint, error) {
	if domain.TaskKind(r.Kind) != domain.KindUpload {
		return nil, fmt.Errorf("%w: %s is a %s", domain.ErrTaskNotFound, r.ID, r.Kind)
	}
	var cp domain.UploadCheckpoint
	if err := json.Unmarshal(r.Checkpoint, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint for %s: %w", r.ID, err)
	}
	return &cp, nil
}
