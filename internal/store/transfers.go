package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/datallboy/blockxfer/internal/domain"
)

func (s *PersistentStore) SaveDownload(ctx context.Context, cp *domain.DownloadCheckpoint) error {
	var r transferDBO
	if err := r.FromDownload(cp); err != nil {
		return err
	}
	return s.save(ctx, &r)
}

func (s *PersistentStore) SaveUpload(ctx context.Context, cp *domain.UploadCheckpoint) error {
	var r transferDBO
	if err := r.FromUpload(cp); err != nil {
		return err
	}
	return s.save(ctx, &r)
}

func (s *PersistentStore) save(ctx context.Context, r *transferDBO) error {
	query := `INSERT OR REPLACE INTO transfers (id, kind, status, source, destination, total_size, transferred, checkpoint, updated_at)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		r.ID,
		r.Kind,
		r.Status,
		r.Source,
		r.Destination,
		r.TotalSize,
		r.Transferred,
		string(r.Checkpoint),
		r.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save transfer %s: %w", r.ID, err)
	}
	return nil
}

func (s *PersistentStore) LoadDownload(ctx context.Context, id string) (*domain.DownloadCheckpoint, error) {
	r, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.ToDownload()
}

func (s *PersistentStore) LoadUpload(ctx context.Context, id string) (*domain.UploadCheckpoint, error) {
	r, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.ToUpload()
}

func (s *PersistentStore) get(ctx context.Context, id string) (*transferDBO, error) {
	query := `
			SELECT id, kind, status, source, destination, total_size, transferred, checkpoint, updated_at
			FROM transfers
			WHERE id = ? LIMIT 1`

	r, err := scanTransfer(s.db.QueryRowContext(ctx, query, id), true)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
		}
		return nil, fmt.Errorf("failed to fetch transfer: %w", err)
	}
	return r, nil
}

// List returns every stored transfer, oldest id first. KSUIDs sort
// chronologically.
func (s *PersistentStore) List(ctx context.Context) ([]domain.TransferSummary, error) {
	query := `
		SELECT id, kind, status, source, destination, total_size, transferred, '', updated_at
		FROM transfers
		ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	defer rows.Close()

	var out []domain.TransferSummary
	for rows.Next() {
		r, err := scanTransfer(rows, false)
		if err != nil {
			return nil, err
		}
		out = append(out, r.ToSummary())
	}
	return out, rows.Err()
}

func (s *PersistentStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM transfers WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete transfer %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row rowScanner, withCheckpoint bool) (*transferDBO, error) {
	r := &transferDBO{}
	var checkpoint, updatedAt string

	err := row.Scan(&r.ID, &r.Kind, &r.Status, &r.Source, &r.Destination,
		&r.TotalSize, &r.Transferred, &checkpoint, &updatedAt)
	if err != nil {
		return nil, err
	}

	if withCheckpoint {
		r.Checkpoint = []byte(checkpoint)
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		r.UpdatedAt = t
	}
	return r, nil
}
