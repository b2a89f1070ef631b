// Package redis implements the job store's KV backend on top of
// github.com/redis/go-redis/v9: each job is one JSON value under its own
// key (not a hash, and with no separate list key for internalJobs/steps),
// plus a per-worker sorted set for ListJobsByWorker, all under the job
// store's TTL.
package redis

import (
	"context"
	"encoding/json"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/flowbeaver/flowbeaver/common/gerror"
	"github.com/flowbeaver/flowbeaver/common/logger"
	"github.com/flowbeaver/flowbeaver/common/models"
	"github.com/flowbeaver/flowbeaver/server/jobstore"
)

const keyPrefix = "flowbeaver:job:"

type Store struct {
	client *goredis.Client
	ttl    time.Duration
	log    logger.Log
}

type Config struct {
	Addr     string
	Username string
	Password string
	DB       int
	TTL      time.Duration
}

func Connect(ctx context.Context, cfg Config, logFactory logger.LogFactory) (*Store, error) {
	if cfg.TTL == 0 {
		cfg.TTL = jobstore.DefaultTTL
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, gerror.NewErrInternal("error pinging redis job store", err)
	}
	return &Store{client: client, ttl: cfg.TTL, log: logFactory("jobstore.redis")}, nil
}

func jobKey(id models.JobID) string    { return keyPrefix + id.String() }
func workerKey(workerID string) string { return keyPrefix + "worker:" + workerID }

// payload is the JSON value stored with SET under a job's key. The whole
// record, including the nested Steps/InternalJobs/Metadata shapes, is kept
// as one serialised value rather than as per-field hash entries.
type payload struct {
	WorkerID     string                  `json:"workerId"`
	Status       models.JobStatus        `json:"status"`
	Input        json.RawMessage         `json:"input,omitempty"`
	Output       json.RawMessage         `json:"output,omitempty"`
	Error        *models.JobHandlerError `json:"error,omitempty"`
	Metadata     map[string]string       `json:"metadata,omitempty"`
	InternalJobs []models.InternalJobRef `json:"internalJobs,omitempty"`
	Steps        []models.StepRecord     `json:"steps,omitempty"`
	CreatedAt    time.Time               `json:"createdAt"`
	UpdatedAt    time.Time               `json:"updatedAt"`
	CompletedAt  *time.Time              `json:"completedAt,omitempty"`
}

func (s *Store) Set(ctx context.Context, job *models.Job) error {
	now := time.Now().UTC()
	if job.Status.IsTerminal() && job.CompletedAt == nil {
		t := models.NewTime(now)
		job.CompletedAt = &t
	}
	id := models.JobID{ResourceID: job.GetID()}
	p := toPayload(job)
	if err := s.write(ctx, id, p); err != nil {
		return err
	}
	return s.indexForWorker(ctx, id, job.WorkerID, job.CreatedAt.Time)
}

func (s *Store) Get(ctx context.Context, id models.JobID) (*models.Job, error) {
	raw, err := s.client.Get(ctx, jobKey(id)).Bytes()
	if err == goredis.Nil {
		return nil, gerror.NewErrNotFound("job not found: " + id.String())
	}
	if err != nil {
		return nil, gerror.NewErrInternal("error reading job from redis", err)
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, gerror.NewErrInternal("error decoding job payload", err)
	}
	return fromPayload(id, p), nil
}

func (s *Store) Update(ctx context.Context, id models.JobID, partial jobstore.PartialUpdate) (*models.Job, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	applyPartial(job, partial)
	now := time.Now().UTC()
	job.UpdatedAt = models.NewTime(now)
	if job.Status.IsTerminal() && job.CompletedAt == nil {
		t := models.NewTime(now)
		job.CompletedAt = &t
	}
	if err := s.write(ctx, id, toPayload(job)); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Store) AppendInternalJob(ctx context.Context, parentJobID models.JobID, child models.InternalJobRef) error {
	job, err := s.Get(ctx, parentJobID)
	if err != nil {
		return err
	}
	job.InternalJobs = append(job.InternalJobs, child)
	job.UpdatedAt = models.NewTime(time.Now().UTC())
	return s.write(ctx, parentJobID, toPayload(job))
}

func (s *Store) AppendStep(ctx context.Context, id models.JobID, step models.StepRecord) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	job.Steps = append(job.Steps, step)
	job.UpdatedAt = models.NewTime(time.Now().UTC())
	return s.write(ctx, id, toPayload(job))
}

func (s *Store) UpdateStep(ctx context.Context, id models.JobID, index int, partial jobstore.PartialUpdate) (*models.Job, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(job.Steps) {
		return nil, gerror.NewErrValidationFailed("step index out of range")
	}
	step := &job.Steps[index]
	if partial.Status != nil {
		step.Status = *partial.Status
	}
	if partial.Output != nil {
		step.Output = *partial.Output
	}
	if partial.Error != nil {
		step.Error = partial.Error
	}

	anyFailed, allTerminal := false, true
	for _, st := range job.Steps {
		if st.Status == models.JobStatusFailed {
			anyFailed = true
		}
		if !st.Status.IsTerminal() {
			allTerminal = false
		}
	}
	switch {
	case anyFailed:
		job.Status = models.JobStatusFailed
	case allTerminal:
		job.Status = models.JobStatusCompleted
	default:
		job.Status = models.JobStatusRunning
	}

	now := time.Now().UTC()
	job.UpdatedAt = models.NewTime(now)
	if job.Status.IsTerminal() && job.CompletedAt == nil {
		t := models.NewTime(now)
		job.CompletedAt = &t
	}
	if err := s.write(ctx, id, toPayload(job)); err != nil {
		return nil, err
	}
	return job, nil
}

// ListJobsByWorker reads the per-worker sorted set (score = createdAt unix
// nanos) most-recent-first, then fetches each job. A miss for an expired
// member is skipped rather than treated as an error, since TTL expiry of
// the job key and the index entry is not atomic.
func (s *Store) ListJobsByWorker(ctx context.Context, workerID string, limit int) ([]*models.Job, error) {
	ids, err := s.client.ZRevRange(ctx, workerKey(workerID), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, gerror.NewErrInternal("error listing worker jobs from redis", err)
	}
	out := make([]*models.Job, 0, len(ids))
	for _, idStr := range ids {
		id, err := models.ParseJobID(idStr)
		if err != nil {
			continue
		}
		job, err := s.Get(ctx, id)
		if gerror.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

func (s *Store) write(ctx context.Context, id models.JobID, p payload) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return gerror.NewErrInternal("error encoding job payload", err)
	}
	if err := s.client.Set(ctx, jobKey(id), raw, s.ttl).Err(); err != nil {
		return gerror.NewErrInternal("error writing job to redis", err)
	}
	return nil
}

func (s *Store) indexForWorker(ctx context.Context, id models.JobID, workerID string, now time.Time) error {
	key := workerKey(workerID)
	if err := s.client.ZAdd(ctx, key, goredis.Z{Score: float64(now.UnixNano()), Member: id.String()}).Err(); err != nil {
		return gerror.NewErrInternal("error indexing job for worker", err)
	}
	return s.client.Expire(ctx, key, s.ttl).Err()
}

func applyPartial(job *models.Job, partial jobstore.PartialUpdate) {
	if partial.Status != nil {
		job.Status = *partial.Status
	}
	if partial.Output != nil {
		job.Output = *partial.Output
	}
	if partial.Error != nil {
		job.Error = partial.Error
	}
	for k, v := range partial.Metadata {
		if job.Metadata == nil {
			job.Metadata = map[string]string{}
		}
		job.Metadata[k] = v
	}
}

func toPayload(job *models.Job) payload {
	p := payload{
		WorkerID:     job.WorkerID,
		Status:       job.Status,
		Input:        job.Input,
		Output:       job.Output,
		Error:        job.Error,
		Metadata:     job.Metadata,
		InternalJobs: job.InternalJobs,
		Steps:        job.Steps,
		CreatedAt:    job.CreatedAt.Time,
		UpdatedAt:    job.UpdatedAt.Time,
	}
	if job.CompletedAt != nil {
		t := job.CompletedAt.Time
		p.CompletedAt = &t
	}
	return p
}

func fromPayload(id models.JobID, p payload) *models.Job {
	job := &models.Job{
		BaseResource: *models.NewBaseResource(models.JobKind, id.ResourceID),
		WorkerID:     p.WorkerID,
		Status:       p.Status,
		Input:        p.Input,
		Output:       p.Output,
		Error:        p.Error,
		Metadata:     p.Metadata,
		InternalJobs: p.InternalJobs,
		Steps:        p.Steps,
		CreatedAt:    models.NewTime(p.CreatedAt),
		UpdatedAt:    models.NewTime(p.UpdatedAt),
	}
	if p.CompletedAt != nil {
		t := models.NewTime(*p.CompletedAt)
		job.CompletedAt = &t
	}
	return job
}
