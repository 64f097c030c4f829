package db

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// MigrationCommand selects the direction of a migration run.
type MigrationCommand string

const (
	MigrateUp      MigrationCommand = "up"
	MigrateDown    MigrationCommand = "down"
	MigrateVersion MigrationCommand = "version"
)

func newMigrator(config Config) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, config.MigrationURL())
	if err != nil {
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}
	return m, nil
}

// RunMigrations applies every embedded migration that has not run yet.
func RunMigrations(config Config) error {
	return Migrate(config, MigrateUp)
}

// Migrate executes a migration command against the configured database.
func Migrate(config Config, command MigrationCommand) error {
	m, err := newMigrator(config)
	if err != nil {
		return err
	}
	defer m.Close()

	logger := slog.With(slog.String("component", "migrate"))
	switch command {
	case MigrateUp:
		err = m.Up()
	case MigrateDown:
		err = m.Down()
	case MigrateVersion:
		version, dirty, verr := m.Version()
		if verr != nil && !errors.Is(verr, migrate.ErrNilVersion) {
			return fmt.Errorf("failed to read migration version: %w", verr)
		}
		logger.Info("current migration version", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))
		return nil
	default:
		return fmt.Errorf("unknown migration command %q", command)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		logger.Info("no migrations to run", slog.String("command", string(command)))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to run migrations %s: %w", command, err)
	}
	logger.Info("migrations completed", slog.String("command", string(command)))
	return nil
}
