// Command orchestrator-server runs the flowbeaver orchestration runtime:
// the HTTP API, the orchestration interpreter, the worker runtime, and
// the background timer poller, all in one process.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowbeaver/flowbeaver/common/logger"
	"github.com/flowbeaver/flowbeaver/internal/app"
)

func main() {
	config, err := app.ConfigFromFlags()
	if err != nil {
		logger.NewNoOpLog().Fatalf("error reading configuration: %s", err.Error())
	}

	logRegistry, err := logger.NewLogRegistry(config.LogLevels)
	if err != nil {
		logger.NewNoOpLog().Fatalf("error configuring log levels: %s", err.Error())
	}
	logFactory := logger.MakeLogrusLogFactoryStdOut(logRegistry)
	log := logFactory("main")

	log.Info("starting flowbeaver orchestrator server")
	logSafeFlags(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	application, err := app.Wire(ctx, config, logFactory)
	if err != nil {
		log.Fatalf("error wiring application: %s", err.Error())
	}

	errC := make(chan error, 1)
	go func() {
		errC <- application.Start()
	}()

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errC:
		if err != nil {
			log.Errorf("server exited with error: %s", err.Error())
		}
	case sig := <-sigC:
		log.Infof("received signal %s, shutting down", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := application.Stop(shutdownCtx); err != nil {
		log.Errorf("error during shutdown: %s", err.Error())
	}
}

// logSafeFlags logs the subset of flags whose values are safe to echo.
func logSafeFlags(log logger.Log) {
	fields := logger.Fields{}
	for _, name := range app.LogSafeFlags {
		if f := flag.Lookup(name); f != nil {
			fields[name] = f.Value.String()
		}
	}
	log.WithFields(fields).Info("configuration")
}
