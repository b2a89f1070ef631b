// Command orchestrator-tools is the operator toolbox for the flowbeaver
// orchestration runtime: schema migration, stuck-job requeue, and run
// inspection. A root command with one subcommand per operation, sharing
// the --database_* flags the server process resolves via ConfigFromFlags.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flowbeaver/flowbeaver/common/gerror"
	"github.com/flowbeaver/flowbeaver/common/logger"
	"github.com/flowbeaver/flowbeaver/common/models"
	"github.com/flowbeaver/flowbeaver/server/services/dispatch"
	"github.com/flowbeaver/flowbeaver/server/store"
	"github.com/flowbeaver/flowbeaver/server/store/migrations"
	"github.com/flowbeaver/flowbeaver/server/store/runs"
)

var (
	databaseDriver           string
	databaseConnectionString string
)

func main() {
	root := &cobra.Command{
		Use:           "orchestrator-tools",
		Short:         "Operator tools for the flowbeaver orchestration runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&databaseDriver, "database_driver", string(store.Sqlite),
		fmt.Sprintf("The database driver to use. Options: %s, %s", store.Sqlite, store.Postgres))
	root.PersistentFlags().StringVar(&databaseConnectionString, "database_connection_string", "flowbeaver.db",
		"The database connection string (file path for sqlite3, DSN for postgres).")

	root.AddCommand(migrateCmd())
	root.AddCommand(requeueCmd())
	root.AddCommand(inspectRunCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func dbConfig() store.DatabaseConfig {
	return store.DatabaseConfig{
		Driver:           store.DBDriver(databaseDriver),
		ConnectionString: store.DatabaseConnectionString(databaseConnectionString),
	}
}

// migrateCmd applies or rolls back schema migrations without starting the
// rest of the server process.
func migrateCmd() *cobra.Command {
	var down bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply (or, with --down, roll back) database schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			runner := migrations.NewRunner()
			ctx := context.Background()
			if down {
				return runner.Down(ctx, store.DBDriver(databaseDriver), store.DatabaseConnectionString(databaseConnectionString))
			}
			return runner.Up(ctx, store.DBDriver(databaseDriver), store.DatabaseConnectionString(databaseConnectionString))
		},
	}
	cmd.Flags().BoolVar(&down, "down", false, "Roll back the most recent migration instead of applying pending ones.")
	return cmd
}

// requeueCmd re-sends a dispatch message for a worker job to its queue, for
// a job stuck in "queued" because the original dispatch never reached the
// worker process. The message carries only the worker id and job id; the
// job's input is not included.
func requeueCmd() *cobra.Command {
	var (
		workerID string
		jobID    string
	)
	cmd := &cobra.Command{
		Use:   "requeue",
		Short: "Re-dispatch a stuck job to its worker queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			if workerID == "" || jobID == "" {
				return gerror.NewErrValidationFailed("--worker and --job are required")
			}
			parsedJobID, err := models.ParseJobID(jobID)
			if err != nil {
				return fmt.Errorf("invalid --job: %w", err)
			}
			msg := dispatch.Message{WorkerID: workerID, JobID: parsedJobID.String()}
			dispatcher, err := dispatch.NewRemoteService(logger.NoOpLogFactory)
			if err != nil {
				return fmt.Errorf("error constructing dispatcher: %w", err)
			}
			if err := dispatcher.Send(context.Background(), msg, dispatch.Options{}); err != nil {
				return fmt.Errorf("error requeuing job: %w", err)
			}
			fmt.Printf("requeued job %s to worker %q\n", parsedJobID.String(), workerID)
			if url := dispatch.JobURL(workerID, parsedJobID.String()); url != "" {
				fmt.Printf("poll status at %s\n", url)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&workerID, "worker", "", "Worker id the job belongs to")
	cmd.Flags().StringVar(&jobID, "job", "", "Job id to requeue")
	return cmd
}

// inspectRunCmd prints a run's full persisted state as JSON, for debugging
// a run that appears stuck (paused with no apparent waiting signal,
// repeatedly failing the same step, etc).
func inspectRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect-run [runId]",
		Short: "Print a run's full persisted state as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := models.ParseRunID(args[0])
			if err != nil {
				return fmt.Errorf("invalid runId: %w", err)
			}
			ctx := context.Background()
			db, closeDB, err := store.NewDatabase(ctx, dbConfig(), nil)
			if err != nil {
				return fmt.Errorf("error opening database: %w", err)
			}
			defer closeDB()

			runStore := runs.NewStore(db, logger.NoOpLogFactory)
			run, err := runStore.Read(ctx, nil, runID)
			if err != nil {
				return fmt.Errorf("error reading run: %w", err)
			}
			out, err := json.MarshalIndent(run, "", "  ")
			if err != nil {
				return fmt.Errorf("error encoding run: %w", err)
			}
			fmt.Println(string(out))
			return nil
		},
	}
	return cmd
}
