// Package migrations embeds the SQL schema for the run tables and applies
// it via golang-migrate: numbered up/down files per dialect under
// migrations/sql/postgres and migrations/sql/sqlite3, read by
// golang-migrate's iofs source driver via go:embed.
package migrations

import (
	"context"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/flowbeaver/flowbeaver/server/store"
)

//go:embed sql/postgres/*.sql
var postgresFS embed.FS

//go:embed sql/sqlite3/*.sql
var sqlite3FS embed.FS

// Runner applies migrations for either supported dialect, satisfying
// store.MigrationRunner.
type Runner struct{}

func NewRunner() *Runner {
	return &Runner{}
}

func (r *Runner) Up(_ context.Context, driver store.DBDriver, connectionString store.DatabaseConnectionString) error {
	m, err := r.migrator(driver, connectionString)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func (r *Runner) Down(_ context.Context, driver store.DBDriver, connectionString store.DatabaseConnectionString) error {
	m, err := r.migrator(driver, connectionString)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Down(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func (r *Runner) Goto(_ context.Context, driver store.DBDriver, connectionString store.DatabaseConnectionString, version uint) error {
	m, err := r.migrator(driver, connectionString)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Migrate(version); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

func (r *Runner) Force(_ context.Context, driver store.DBDriver, connectionString store.DatabaseConnectionString, version uint) error {
	m, err := r.migrator(driver, connectionString)
	if err != nil {
		return err
	}
	defer m.Close()
	return m.Force(int(version))
}

func (r *Runner) migrator(driver store.DBDriver, connectionString store.DatabaseConnectionString) (*migrate.Migrate, error) {
	var (
		sourceFS embed.FS
		subdir   string
		dbName   string
		connStr  string
	)
	switch driver {
	case store.Postgres:
		sourceFS, subdir, dbName = postgresFS, "sql/postgres", "postgres"
		connStr = string(connectionString)
	case store.Sqlite:
		sourceFS, subdir, dbName = sqlite3FS, "sql/sqlite3", "sqlite3"
		connStr = "sqlite3://" + string(connectionString)
	default:
		return nil, fmt.Errorf("error unsupported migration driver %q", driver)
	}

	src, err := iofs.New(sourceFS, subdir)
	if err != nil {
		return nil, fmt.Errorf("error opening embedded migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, connStr)
	if err != nil {
		return nil, fmt.Errorf("error constructing migrator for %s: %w", dbName, err)
	}
	return m, nil
}
