package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/datallboy/blockxfer/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps checkpoints in a shared Postgres database so several
// hosts can list and resume the same transfers.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS transfers (
		id          TEXT PRIMARY KEY,
		kind        TEXT NOT NULL,
		status      TEXT NOT NULL,
		source      TEXT NOT NULL,
		destination TEXT NOT NULL,
		total_size  BIGINT NOT NULL DEFAULT 0,
		transferred BIGINT NOT NULL DEFAULT 0,
		checkpoint  JSONB NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transfers_status ON transfers(status);`

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("could not create schema: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) SaveDownload(ctx context.Context, cp *domain.DownloadCheckpoint) error {
	var r transferDBO
	if err := r.FromDownload(cp); err != nil {
		return err
	}
	return s.save(ctx, &r)
}

func (s *PostgresStore) SaveUpload(ctx context.Context, cp *domain.UploadCheckpoint) error {
	var r transferDBO
	if err := r.FromUpload(cp); err != nil {
		return err
	}
	return s.save(ctx, &r)
}

func (s *PostgresStore) save(ctx context.Context, r *transferDBO) error {
	query := `
		INSERT INTO transfers (id, kind, status, source, destination, total_size, transferred, checkpoint, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			kind = EXCLUDED.kind,
			status = EXCLUDED.status,
			source = EXCLUDED.source,
			destination = EXCLUDED.destination,
			total_size = EXCLUDED.total_size,
			transferred = EXCLUDED.transferred,
			checkpoint = EXCLUDED.checkpoint,
			updated_at = EXCLUDED.updated_at`

	_, err := s.pool.Exec(ctx, query,
		r.ID, r.Kind, r.Status, r.Source, r.Destination,
		r.TotalSize, r.Transferred, string(r.Checkpoint), r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save transfer %s: %w", r.ID, err)
	}
	return nil
}

func (s *PostgresStore) get(ctx context.Context, id string) (*transferDBO, error) {
	query := `
		SELECT id, kind, status, source, destination, total_size, transferred, checkpoint::text, updated_at
		FROM transfers
		WHERE id = $1`

	r := &transferDBO{}
	var checkpoint string
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&r.ID, &r.Kind, &r.Status, &r.Source, &r.Destination,
		&r.TotalSize, &r.Transferred, &checkpoint, &r.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transfer: %w", err)
	}
	r.Checkpoint = []byte(checkpoint)
	return r, nil
}

func (s *PostgresStore) LoadDownload(ctx context.Context, id string) (*domain.DownloadCheckpoint, error) {
	r, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.ToDownload()
}

func (s *PostgresStore) LoadUpload(ctx context.Context, id string) (*domain.UploadCheckpoint, error) {
	r, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.ToUpload()
}

func (s *PostgresStore) List(ctx context.Context) ([]domain.TransferSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, status, source, destination, total_size, transferred, updated_at
		FROM transfers
		ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}

	dbos, err := pgx.CollectRows(rows, pgx.RowToStructByNameLax[transferDBO])
	if err != nil {
		return nil, fmt.Errorf("failed to scan transfers: %w", err)
	}

	out := make([]domain.TransferSummary, 0, len(dbos))
	for i := range dbos {
		out = append(out, dbos[i].ToSummary())
	}
	return out, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM transfers WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete transfer %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrTaskNotFound, id)
	}
	return nil
}
