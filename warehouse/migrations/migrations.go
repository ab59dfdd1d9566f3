// Package migrations provisions the warehouse schema from the embedded baseline.
package migrations

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed sql/*.sql
var files embed.FS

// Status reports the applied migration version.
type Status struct {
	Version uint `json:"version" yaml:"version"`
	Dirty   bool `json:"dirty" yaml:"dirty"`
}

func newMigrate(connString string) (*migrate.Migrate, error) {
	src, err := iofs.New(files, "sql")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, connString)
	if err != nil {
		return nil, fmt.Errorf("initialize migrations: %w", err)
	}
	return m, nil
}

// Up applies the baseline. Running it against a provisioned warehouse is a no-op.
func Up(connString string, logger *slog.Logger) (Status, error) {
	if logger == nil {
		logger = slog.Default()
	}

	m, err := newMigrate(connString)
	if err != nil {
		return Status{}, err
	}
	defer closeMigrate(m, logger)

	logger.Info("Running warehouse migrations")
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return Status{}, fmt.Errorf("run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil {
		return Status{}, fmt.Errorf("read migration version: %w", err)
	}
	logger.Info("Warehouse migration complete",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return Status{Version: version, Dirty: dirty}, nil
}

// Down drops every warehouse schema.
func Down(connString string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	m, err := newMigrate(connString)
	if err != nil {
		return err
	}
	defer closeMigrate(m, logger)

	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("revert migrations: %w", err)
	}
	return nil
}

// Current returns the applied version. A warehouse that was never migrated
// reports version 0.
func Current(connString string) (Status, error) {
	m, err := newMigrate(connString)
	if err != nil {
		return Status{}, err
	}
	defer closeMigrate(m, slog.Default())

	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("read migration version: %w", err)
	}
	return Status{Version: version, Dirty: dirty}, nil
}

func closeMigrate(m *migrate.Migrate, logger *slog.Logger) {
	srcErr, dbErr := m.Close()
	if err := errors.Join(srcErr, dbErr); err != nil {
		logger.Warn("failed to close migrator", slog.String("error", err.Error()))
	}
}
