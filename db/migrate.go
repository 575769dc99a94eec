package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// RunMigrations runs the versioned migrations embedded from db/migrations.
// It is idempotent and safe to run multiple times.
//
// Migration files follow the naming convention:
//
//	000001_description.up.sql   - applies the migration
//	000001_description.down.sql - reverts the migration
func RunMigrations(db *sql.DB) error {
	m, err := newMigrate(db)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Info("database schema is up to date", slog.String("component", "db_migrate"))
			return nil
		}
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		slog.Warn("could not determine migration version", slog.Any("err", err), slog.String("component", "db_migrate"))
		return nil
	}
	if dirty {
		return fmt.Errorf("database is in dirty state at version %d - manual intervention required", version)
	}

	slog.Info("migrations applied successfully",
		slog.Uint64("version", uint64(version)),
		slog.String("component", "db_migrate"))
	return nil
}

// MigrateDown rolls back the most recent migration.
// WARNING: This may result in data loss depending on the migration.
func MigrateDown(db *sql.DB) error {
	m, err := newMigrate(db)
	if err != nil {
		return err
	}
	if err := m.Steps(-1); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Info("no migrations to roll back", slog.String("component", "db_migrate"))
			return nil
		}
		return fmt.Errorf("failed to roll back migration: %w", err)
	}
	return nil
}

// GetMigrationVersion returns the current migration version and dirty state.
func GetMigrationVersion(db *sql.DB) (version uint, dirty bool, err error) {
	m, err := newMigrate(db)
	if err != nil {
		return 0, false, err
	}
	v, d, err := m.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}
	return v, d, nil
}

func newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, nil
}

// Setup brings the schema up to date, falling back to the idempotent
// statements in Migrate if the versioned migrations fail.
func Setup(ctx context.Context, db *sql.DB) error {
	if err := RunMigrations(db); err != nil {
		slog.Warn("versioned migrations failed; applying fallback schema", slog.Any("err", err), slog.String("component", "db_migrate"))
		return Migrate(ctx, db)
	}
	return nil
}
