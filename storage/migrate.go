package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/octup/fulfillment-core/core"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrator applies the embedded schema in migrations/ with
// golang-migrate/migrate/v4, adapted from the teacher's migration
// runner onto an embedded source (so the binary needs no filesystem
// access to the migration directory at runtime).
type Migrator struct {
	migrate *migrate.Migrate
	logger  core.Logger
}

// NewMigrator opens db with the postgres driver and wires the embedded
// migration source. The caller owns db's lifecycle.
func NewMigrator(db *sql.DB, logger core.Logger) (*Migrator, error) {
	if logger == nil {
		logger = core.NoOpLogger{}
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("storage: create postgres driver: %w", err)
	}
	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("storage: create embedded migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("storage: create migrate instance: %w", err)
	}
	return &Migrator{migrate: m, logger: logger}, nil
}

// Up applies every pending migration. A no-op (not an error) when the
// schema is already current.
func (m *Migrator) Up() error {
	if err := m.migrate.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("storage: migrate up: %w", err)
	}
	m.logger.Info("schema migrations applied", nil)
	return nil
}

// Down rolls back exactly one migration.
func (m *Migrator) Down() error {
	if err := m.migrate.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("storage: migrate down: %w", err)
	}
	return nil
}

// Version reports the current schema version and whether it's dirty
// (a prior migration failed partway through).
func (m *Migrator) Version() (version uint, dirty bool, err error) {
	version, dirty, err = m.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// Close releases the underlying source and database driver handles.
// It does not close the *sql.DB itself — the caller retains ownership.
func (m *Migrator) Close() error {
	sourceErr, dbErr := m.migrate.Close()
	return errors.Join(sourceErr, dbErr)
}
