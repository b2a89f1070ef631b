// Package routes centralises the URL paths the REST layer serves and
// links to, keeping path construction out of the handler structs.
package routes

import "fmt"

const (
	OrchestratePath       = "/orchestrate"
	OrchestrateSignalPath = "/orchestrate/signal"
	WorkersPath           = "/workers"
)

// RunPath is the path for GET /orchestrate/{runId}.
func RunPath(runID string) string {
	return fmt.Sprintf("%s/%s", OrchestratePath, runID)
}

// RunCancelPath is the path for POST /orchestrate/{runId}/cancel.
func RunCancelPath(runID string) string {
	return fmt.Sprintf("%s/%s/cancel", OrchestratePath, runID)
}

// WorkerDispatchPath is the path for POST /workers/{id}.
func WorkerDispatchPath(workerID string) string {
	return fmt.Sprintf("%s/%s", WorkersPath, workerID)
}

// WorkerJobPath is the path for POST /workers/{id}/job.
func WorkerJobPath(workerID string) string {
	return fmt.Sprintf("%s/%s/job", WorkersPath, workerID)
}

// WorkerUpdatePath is the path for POST /workers/{id}/update.
func WorkerUpdatePath(workerID string) string {
	return fmt.Sprintf("%s/%s/update", WorkersPath, workerID)
}

// WorkerWebhookPath is the path for POST /workers/{id}/webhook.
func WorkerWebhookPath(workerID string) string {
	return fmt.Sprintf("%s/%s/webhook", WorkersPath, workerID)
}

// WorkerJobGetPath is the path for GET /workers/{id}/{jobId}.
func WorkerJobGetPath(workerID, jobID string) string {
	return fmt.Sprintf("%s/%s/%s", WorkersPath, workerID, jobID)
}
