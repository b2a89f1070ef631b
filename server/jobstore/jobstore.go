// Package jobstore defines the durable job store contract and its two
// selectable backends: server/jobstore/mongo is the document-store
// backend, server/jobstore/redis is the KV/hash-store backend.
package jobstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/flowbeaver/flowbeaver/common/models"
)

// BackendKind selects which concrete Store implementation to construct,
// matching the WORKER_DATABASE_TYPE environment values.
type BackendKind string

const (
	BackendMongo BackendKind = "mongodb"
	BackendRedis BackendKind = "upstash-redis"
)

const DefaultTTL = 7 * 24 * time.Hour

// PartialUpdate carries the subset of Job fields a caller wants to change.
// nil pointers mean "leave unchanged".
type PartialUpdate struct {
	Status   *models.JobStatus
	Output   *json.RawMessage
	Error    *models.JobHandlerError
	Metadata map[string]string
}

// Store is the job store contract shared by both backends.
type Store interface {
	// Set upserts a job. If the transition moves to a terminal state
	// without a CompletedAt, one is assigned now.
	Set(ctx context.Context, job *models.Job) error

	// Get returns the job record, or gerror.NewErrNotFound if absent.
	Get(ctx context.Context, id models.JobID) (*models.Job, error)

	// Update requires an existing record; it merges Metadata rather than
	// replacing it, refreshes UpdatedAt, and sets CompletedAt on a first
	// transition to a terminal state, leaving it unchanged on later writes.
	// Update itself does not reject a write to a job that is already
	// terminal; job.Service's Complete and Fail make such writes no-ops.
	Update(ctx context.Context, id models.JobID, partial PartialUpdate) (*models.Job, error)

	// AppendInternalJob atomically appends a child job reference to the
	// parent's internalJobs list.
	AppendInternalJob(ctx context.Context, parentJobID models.JobID, child models.InternalJobRef) error

	// AppendStep appends a new per-step record to a job that reports
	// sub-steps, e.g. sub-work a worker discovered after starting.
	AppendStep(ctx context.Context, id models.JobID, step models.StepRecord) error

	// UpdateStep merges a single step record in place by index, promoting
	// the job's own top-level status to completed only once every step is
	// complete, or to failed as soon as any step fails.
	UpdateStep(ctx context.Context, id models.JobID, index int, partial PartialUpdate) (*models.Job, error)

	// ListJobsByWorker returns jobs for a worker, most-recent-first.
	ListJobsByWorker(ctx context.Context, workerID string, limit int) ([]*models.Job, error)
}
