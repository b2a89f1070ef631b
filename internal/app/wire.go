package app

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/flowbeaver/flowbeaver/common/logger"
	"github.com/flowbeaver/flowbeaver/server/api/rest/server"
	"github.com/flowbeaver/flowbeaver/server/jobstore"
	"github.com/flowbeaver/flowbeaver/server/jobstore/mongo"
	"github.com/flowbeaver/flowbeaver/server/jobstore/redis"
	"github.com/flowbeaver/flowbeaver/server/services/agent"
	"github.com/flowbeaver/flowbeaver/server/services/dispatch"
	"github.com/flowbeaver/flowbeaver/server/services/interpreter"
	"github.com/flowbeaver/flowbeaver/server/services/job"
	"github.com/flowbeaver/flowbeaver/server/services/run"
	"github.com/flowbeaver/flowbeaver/server/services/signal"
	"github.com/flowbeaver/flowbeaver/server/services/timer"
	"github.com/flowbeaver/flowbeaver/server/services/worker"
	"github.com/flowbeaver/flowbeaver/server/store"
	"github.com/flowbeaver/flowbeaver/server/store/migrations"
	"github.com/flowbeaver/flowbeaver/server/store/runs"
)

// App is every long-lived component the process needs to start and stop.
type App struct {
	DB         *store.DB
	CloseDB    func()
	Runs       *run.Service
	Jobs       *job.Service
	Agents     *agent.Service
	Dispatcher *dispatch.Service
	Workers    *worker.Service
	Interp     *interpreter.Service
	Signal     *signal.Service
	Timer      *timer.Service
	HTTPServer *server.HTTPServer
	LogFactory logger.LogFactory
}

// Wire constructs every store and service in dependency order and returns
// the assembled App, ready for Start/Stop. Handler registration (which
// agent/worker ids exist) is left to the caller — Wire only builds the
// runtime.
func Wire(ctx context.Context, config *Config, logFactory logger.LogFactory) (*App, error) {
	db, closeDB, err := store.NewDatabase(ctx, config.DatabaseConfig, migrations.NewRunner())
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	runStore := runs.NewStore(db, logFactory)
	runSvc := run.NewService(db, runStore, logFactory)

	jobStore, err := newJobStore(ctx, config.JobStoreConfig, logFactory)
	if err != nil {
		closeDB()
		return nil, fmt.Errorf("error constructing job store: %w", err)
	}
	jobSvc := job.NewService(jobStore, logFactory)

	agentSvc := agent.NewService(logFactory)

	clk := clock.New()

	// The local-mode dispatcher's handler is the worker runtime itself;
	// workerSvc is declared ahead of dispatcherSvc and captured by the
	// closure below, since dispatcher and worker are mutually dependent in
	// local mode (the dispatcher hands a message straight to the worker
	// runtime instead of a queue).
	var workerSvc *worker.Service
	dispatcherSvc := dispatch.NewLocalService(func(ctx context.Context, msg dispatch.Message) error {
		return workerSvc.HandleMessage(ctx, msg)
	}, logFactory)
	workerSvc = worker.NewService(jobSvc, dispatcherSvc, clk, logFactory)

	interpSvc := interpreter.NewService(runSvc, jobSvc, dispatcherSvc, agentSvc, clk, logFactory)
	signalSvc := signal.NewService(runSvc, logFactory)
	timerSvc := timer.NewServiceWithPollInterval(runSvc, interpSvc, time.Duration(config.TimerPollMs)*time.Millisecond, logFactory)

	orchestrationAPI := &server.OrchestrationAPI{
		APIBase: &server.APIBase{Log: logFactory("orchestration_api")},
		Runs:    runSvc,
		Interp:  interpSvc,
		Signal:  signalSvc,
		Clk:     clk,
	}
	workerAPI := &server.WorkerAPI{
		APIBase:    &server.APIBase{Log: logFactory("worker_api")},
		Jobs:       jobSvc,
		Dispatcher: dispatcherSvc,
		Clk:        clk,
	}
	router := server.NewRouter(orchestrationAPI, workerAPI, logFactory)
	httpServer := server.NewHTTPServer(config.HTTPServerConfig, router, logFactory)

	return &App{
		DB:         db,
		CloseDB:    closeDB,
		Runs:       runSvc,
		Jobs:       jobSvc,
		Agents:     agentSvc,
		Dispatcher: dispatcherSvc,
		Workers:    workerSvc,
		Interp:     interpSvc,
		Signal:     signalSvc,
		Timer:      timerSvc,
		HTTPServer: httpServer,
		LogFactory: logFactory,
	}, nil
}

// Start begins the background timer poller and the HTTP server, blocking
// until ListenAndServe returns (i.e. until Stop calls Shutdown).
func (a *App) Start() error {
	a.Timer.Start()
	return a.HTTPServer.ListenAndServe()
}

// Stop shuts the HTTP server down gracefully and closes the database.
func (a *App) Stop(ctx context.Context) error {
	err := a.HTTPServer.Shutdown(ctx)
	a.CloseDB()
	return err
}

func newJobStore(ctx context.Context, config JobStoreConfig, logFactory logger.LogFactory) (jobstore.Store, error) {
	switch config.Backend {
	case jobstore.BackendMongo:
		return mongo.Connect(ctx, mongo.Config{
			URI:      config.MongoURI,
			Database: config.MongoDB,
			TTL:      time.Duration(config.TTLSeconds) * time.Second,
		}, logFactory)
	case jobstore.BackendRedis:
		return redis.Connect(ctx, redis.Config{
			Addr:     config.RedisAddr,
			Username: config.RedisUsername,
			Password: config.RedisPassword,
			DB:       config.RedisDB,
			TTL:      time.Duration(config.TTLSeconds) * time.Second,
		}, logFactory)
	default:
		return nil, fmt.Errorf("unsupported job store backend %q", config.Backend)
	}
}
