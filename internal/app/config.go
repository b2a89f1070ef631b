// Package app is the composition root: Config/ConfigFromFlags reads
// process configuration from flags (with a LogSafeFlags allow-list for
// what's safe to echo at startup), and Wire assembles every
// store/service/handler into a running process.
package app

import (
	"flag"
	"fmt"
	"strings"

	"github.com/flowbeaver/flowbeaver/common/logger"
	"github.com/flowbeaver/flowbeaver/server/api/rest/server"
	"github.com/flowbeaver/flowbeaver/server/jobstore"
	"github.com/flowbeaver/flowbeaver/server/store"
)

// LogSafeFlags lists flag names whose values are safe to log at startup,
// so secrets (connection strings, credentials) are never echoed even at
// debug level.
var LogSafeFlags = []string{
	"database_driver",
	"http_server_address",
	"worker_database_type",
	"worker_jobs_ttl_seconds",
	"timer_poll_interval_ms",
	"log_levels",
}

// Config aggregates every flag-configurable setting the process needs.
type Config struct {
	DatabaseConfig   store.DatabaseConfig
	HTTPServerConfig server.HTTPServerConfig
	JobStoreConfig   JobStoreConfig
	LogLevels        logger.LogLevelConfig
	TimerPollMs      int
}

// JobStoreConfig selects and configures the job store backend
// (WORKER_DATABASE_TYPE).
type JobStoreConfig struct {
	Backend       jobstore.BackendKind
	MongoURI      string
	MongoDB       string
	RedisAddr     string
	RedisUsername string
	RedisPassword string
	RedisDB       int
	TTLSeconds    int
}

// ConfigFromFlags populates a Config from command-line flags and their
// defaults.
func ConfigFromFlags() (*Config, error) {
	config := &Config{}

	var (
		databaseDriverStr string
		jobStoreBackend   string
	)

	flag.StringVar(&databaseDriverStr, "database_driver", string(store.Sqlite),
		fmt.Sprintf("The database driver to use. Options: %s, %s", store.Sqlite, store.Postgres))
	flag.StringVar((*string)(&config.DatabaseConfig.ConnectionString), "database_connection_string",
		"flowbeaver.db", "The database connection string (file path for sqlite3, DSN for postgres).")

	flag.StringVar(&config.HTTPServerConfig.Address, "http_server_address",
		":8080", "The address the HTTP API server listens on.")

	flag.StringVar(&jobStoreBackend, "worker_database_type", string(jobstore.BackendRedis),
		fmt.Sprintf("The job store backend to use. Options: %s, %s", jobstore.BackendMongo, jobstore.BackendRedis))
	flag.StringVar(&config.JobStoreConfig.MongoURI, "worker_database_mongo_uri", "", "MongoDB connection URI, if using the mongodb job store backend.")
	flag.StringVar(&config.JobStoreConfig.MongoDB, "worker_database_mongo_database", "flowbeaver", "MongoDB database name, if using the mongodb job store backend.")
	flag.StringVar(&config.JobStoreConfig.RedisAddr, "worker_database_redis_addr", "localhost:6379", "Redis address, if using the upstash-redis job store backend.")
	flag.StringVar(&config.JobStoreConfig.RedisUsername, "worker_database_redis_username", "", "Redis username, if using the upstash-redis job store backend.")
	flag.StringVar(&config.JobStoreConfig.RedisPassword, "worker_database_redis_password", "", "Redis password, if using the upstash-redis job store backend.")
	flag.IntVar(&config.JobStoreConfig.RedisDB, "worker_database_redis_db", 0, "Redis logical DB index, if using the upstash-redis job store backend.")
	flag.IntVar(&config.JobStoreConfig.TTLSeconds, "worker_jobs_ttl_seconds", int(jobstore.DefaultTTL.Seconds()), "TTL, in seconds, after which a job record, whatever its status, may be reaped.")

	flag.IntVar(&config.TimerPollMs, "timer_poll_interval_ms", 5000, "How often the timer service polls for paused runs with an expired sleep timer.")

	var logLevels string
	flag.StringVar(&logLevels, "log_levels", "", "Comma-separated subsystem=level overrides, e.g. interpreter_service=debug.")

	flag.Parse()

	config.DatabaseConfig.Driver = store.DBDriver(strings.ToLower(databaseDriverStr))
	config.JobStoreConfig.Backend = jobstore.BackendKind(strings.ToLower(jobStoreBackend))
	config.LogLevels = logger.LogLevelConfig(logLevels)

	return config, nil
}
