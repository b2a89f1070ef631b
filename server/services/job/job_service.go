// Package job is the service layer over the job store, adding the
// transition/validation rules around the jobstore.Store contract:
// queue-time creation, idempotent terminal writes, and parent/child
// bookkeeping for dispatchWorker fan-out.
package job

import (
	"encoding/json"

	"context"

	"github.com/flowbeaver/flowbeaver/common/gerror"
	"github.com/flowbeaver/flowbeaver/common/logger"
	"github.com/flowbeaver/flowbeaver/common/models"
	"github.com/flowbeaver/flowbeaver/server/jobstore"
)

type Service struct {
	store jobstore.Store
	log   logger.Log
}

func NewService(jobStore jobstore.Store, logFactory logger.LogFactory) *Service {
	return &Service{store: jobStore, log: logFactory("job_service")}
}

// EnsureQueued creates the job record for a pre-minted id if it doesn't
// already exist — used by the worker runtime when a queue message arrives
// for a jobId the store
// has never seen, e.g. because the dispatcher generated it ahead of time.
func (s *Service) EnsureQueued(ctx context.Context, id models.JobID, workerID string, input json.RawMessage, now models.Time) (*models.Job, error) {
	existing, err := s.store.Get(ctx, id)
	if err == nil {
		return existing, nil
	}
	if !gerror.IsNotFound(err) {
		return nil, err
	}
	j := models.NewJob(id, workerID, input, nil, now)
	if err := j.Validate(); err != nil {
		return nil, gerror.NewErrValidationFailed(err.Error())
	}
	if err := s.store.Set(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// Enqueue creates a new queued job for workerID, optionally attached to a
// parent job, recording the link on both sides: the child carries
// MetadataParentJobID and the parent gains an InternalJobs entry.
func (s *Service) Enqueue(ctx context.Context, workerID string, input json.RawMessage, parentJobID *models.JobID, now models.Time) (*models.Job, error) {
	metadata := map[string]string{}
	if parentJobID != nil {
		metadata[models.MetadataParentJobID] = parentJobID.String()
	}
	j := models.NewJob(models.NewJobID(), workerID, input, metadata, now)
	if err := j.Validate(); err != nil {
		return nil, gerror.NewErrValidationFailed(err.Error())
	}
	if err := s.store.Set(ctx, j); err != nil {
		return nil, err
	}
	if parentJobID != nil {
		child := models.InternalJobRef{JobID: models.JobID{ResourceID: j.GetID()}, WorkerID: workerID}
		if err := s.store.AppendInternalJob(ctx, *parentJobID, child); err != nil {
			return nil, err
		}
	}
	return j, nil
}

func (s *Service) Get(ctx context.Context, id models.JobID) (*models.Job, error) {
	return s.store.Get(ctx, id)
}

// MarkRunning transitions a job to running, a no-op re-write if it is
// already running or terminal.
func (s *Service) MarkRunning(ctx context.Context, id models.JobID, now models.Time) (*models.Job, error) {
	j, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Status.IsTerminal() {
		return j, nil
	}
	status := models.JobStatusRunning
	return s.store.Update(ctx, id, jobstore.PartialUpdate{Status: &status})
}

// Complete transitions a job to completed with the given output. Idempotent:
// calling it again on an already-completed job is a no-op.
func (s *Service) Complete(ctx context.Context, id models.JobID, output json.RawMessage) (*models.Job, error) {
	existing, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing.Status.IsTerminal() {
		return existing, nil
	}
	status := models.JobStatusCompleted
	return s.store.Update(ctx, id, jobstore.PartialUpdate{Status: &status, Output: &output})
}

// Fail transitions a job to failed with the given handler error. Idempotent
// like Complete.
func (s *Service) Fail(ctx context.Context, id models.JobID, handlerErr *models.JobHandlerError) (*models.Job, error) {
	existing, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing.Status.IsTerminal() {
		return existing, nil
	}
	status := models.JobStatusFailed
	return s.store.Update(ctx, id, jobstore.PartialUpdate{Status: &status, Error: handlerErr})
}

// AppendStep records a new sub-step a worker reports progress for, e.g.
// sub-work it discovered after starting.
func (s *Service) AppendStep(ctx context.Context, id models.JobID, index int, input json.RawMessage) error {
	return s.store.AppendStep(ctx, id, models.StepRecord{
		Index:  index,
		Status: models.JobStatusRunning,
		Input:  input,
	})
}

// CompleteStep merges a sub-step's outcome and rolls the job's own status
// up per jobstore.Store.UpdateStep's merge rule.
func (s *Service) CompleteStep(ctx context.Context, id models.JobID, index int, output json.RawMessage) (*models.Job, error) {
	status := models.JobStatusCompleted
	return s.store.UpdateStep(ctx, id, index, jobstore.PartialUpdate{Status: &status, Output: &output})
}

func (s *Service) FailStep(ctx context.Context, id models.JobID, index int, handlerErr *models.JobHandlerError) (*models.Job, error) {
	status := models.JobStatusFailed
	return s.store.UpdateStep(ctx, id, index, jobstore.PartialUpdate{Status: &status, Error: handlerErr})
}

func (s *Service) ListByWorker(ctx context.Context, workerID string, limit int) ([]*models.Job, error) {
	return s.store.ListJobsByWorker(ctx, workerID, limit)
}
