// Package storetest opens a throwaway database for tests: defaults to an
// in-memory sqlite connection with the runtime's migrations applied, with
// TEST_DB_DRIVER / TEST_CONNECTION_STRING available to point the same
// tests at postgres in CI.
package storetest

import (
	"context"
	"fmt"
	"os"

	"github.com/flowbeaver/flowbeaver/server/store"
	"github.com/flowbeaver/flowbeaver/server/store/migrations"
)

const (
	testDBDriverEnvVar         = "TEST_DB_DRIVER"
	testConnectionStringEnvVar = "TEST_CONNECTION_STRING"
)

// Connect opens a migrated test database, defaulting to a shared-cache
// in-memory sqlite connection so every connection in the pool sees the same
// data. Returns the db and a cleanup function to close it.
func Connect() (*store.DB, func(), error) {
	driver := store.Sqlite
	connectionString := store.DatabaseConnectionString("file::memory:?cache=shared&_foreign_keys=1")

	if val, ok := os.LookupEnv(testDBDriverEnvVar); ok {
		driver = store.DBDriver(val)
		connStr, ok := os.LookupEnv(testConnectionStringEnvVar)
		if !ok && driver != store.Sqlite {
			return nil, nil, fmt.Errorf("error %s must be set alongside %s when not using sqlite",
				testConnectionStringEnvVar, testDBDriverEnvVar)
		}
		if ok {
			connectionString = store.DatabaseConnectionString(connStr)
		}
	}

	databaseConfig := store.DatabaseConfig{
		ConnectionString:   connectionString,
		Driver:             driver,
		MaxIdleConnections: store.DefaultDatabaseMaxIdleConnections,
		MaxOpenConnections: store.DefaultDatabaseMaxOpenConnections,
	}

	db, cleanup, err := store.NewDatabase(context.Background(), databaseConfig, migrations.NewRunner())
	if err != nil {
		return nil, nil, fmt.Errorf("error creating test database: %w", err)
	}
	return db, cleanup, nil
}
