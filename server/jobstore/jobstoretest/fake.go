// Package jobstoretest provides an in-memory jobstore.Store for tests
// that exercise the job service, worker runtime, and interpreter without a
// live mongo/redis backend.
package jobstoretest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/flowbeaver/flowbeaver/common/gerror"
	"github.com/flowbeaver/flowbeaver/common/models"
	"github.com/flowbeaver/flowbeaver/server/jobstore"
)

// Store is a thread-safe in-memory jobstore.Store.
type Store struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
}

func New() *Store {
	return &Store{jobs: map[string]*models.Job{}}
}

func (f *Store) Set(ctx context.Context, j *models.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *j
	if cp.Status.IsTerminal() && cp.CompletedAt == nil {
		now := models.NewTime(time.Now())
		cp.CompletedAt = &now
	}
	f.jobs[j.GetID().String()] = &cp
	return nil
}

func (f *Store) Get(ctx context.Context, id models.JobID) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id.String()]
	if !ok {
		return nil, gerror.NewErrNotFound("job not found")
	}
	cp := *j
	return &cp, nil
}

func (f *Store) Update(ctx context.Context, id models.JobID, partial jobstore.PartialUpdate) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id.String()]
	if !ok {
		return nil, gerror.NewErrNotFound("job not found")
	}
	if partial.Status != nil {
		j.Status = *partial.Status
	}
	if partial.Output != nil {
		j.Output = *partial.Output
	}
	if partial.Error != nil {
		j.Error = partial.Error
	}
	for k, v := range partial.Metadata {
		j.Metadata[k] = v
	}
	j.UpdatedAt = models.NewTime(time.Now())
	if j.Status.IsTerminal() && j.CompletedAt == nil {
		now := models.NewTime(time.Now())
		j.CompletedAt = &now
	}
	cp := *j
	return &cp, nil
}

func (f *Store) AppendInternalJob(ctx context.Context, parentJobID models.JobID, child models.InternalJobRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[parentJobID.String()]
	if !ok {
		return gerror.NewErrNotFound("parent job not found")
	}
	j.InternalJobs = append(j.InternalJobs, child)
	return nil
}

func (f *Store) AppendStep(ctx context.Context, id models.JobID, step models.StepRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id.String()]
	if !ok {
		return gerror.NewErrNotFound("job not found")
	}
	j.Steps = append(j.Steps, step)
	return nil
}

func (f *Store) UpdateStep(ctx context.Context, id models.JobID, index int, partial jobstore.PartialUpdate) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id.String()]
	if !ok {
		return nil, gerror.NewErrNotFound("job not found")
	}
	if index < 0 || index >= len(j.Steps) {
		return nil, gerror.NewErrValidationFailed("step index out of range")
	}
	step := &j.Steps[index]
	if partial.Status != nil {
		step.Status = *partial.Status
	}
	if partial.Output != nil {
		step.Output = *partial.Output
	}
	if partial.Error != nil {
		step.Error = partial.Error
	}

	anyFailed := false
	allTerminal := true
	for _, st := range j.Steps {
		if st.Status == models.JobStatusFailed {
			anyFailed = true
		}
		if !st.Status.IsTerminal() {
			allTerminal = false
		}
	}
	switch {
	case anyFailed:
		j.Status = models.JobStatusFailed
	case allTerminal:
		j.Status = models.JobStatusCompleted
	default:
		j.Status = models.JobStatusRunning
	}
	j.UpdatedAt = models.NewTime(time.Now())
	if j.Status.IsTerminal() && j.CompletedAt == nil {
		now := models.NewTime(time.Now())
		j.CompletedAt = &now
	}
	cp := *j
	return &cp, nil
}

func (f *Store) ListJobsByWorker(ctx context.Context, workerID string, limit int) ([]*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Job
	for _, j := range f.jobs {
		if j.WorkerID == workerID {
			cp := *j
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].CreatedAt.After(out[b].CreatedAt.Time)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
