package store

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"

	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// migrationFiles holds the transfers schema, one version per
// NNNNNN_*.up.sql file.
//
//go:embed migrations/*.sql
var migrationFiles embed.FS

// migrationsTable keeps our version bookkeeping apart from anything else
// sharing the database file.
const migrationsTable = "blockxfer_schema_migrations"

// RunMigrations brings the transfers table to the newest embedded schema
// and returns that version. A database that is already current is left
// alone; a dirty one (a previous run died mid-migration) is refused.
func (s *PersistentStore) RunMigrations() (uint, error) {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return 0, fmt.Errorf("load embedded migrations: %w", err)
	}

	// This driver works with modernc.org/sqlite as well
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{MigrationsTable: migrationsTable})
	if err != nil {
		return 0, fmt.Errorf("sqlite migrate driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return 0, err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("transfers schema version %d is dirty", version)
	}
	return version, nil
}
