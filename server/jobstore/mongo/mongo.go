// Package mongo implements the job store's document-store backend on top
// of go.mongodb.org/mongo-driver: one BSON document per job, keyed by
// jobId, with a TTL index using Mongo's native expireAfterSeconds.
package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/flowbeaver/flowbeaver/common/gerror"
	"github.com/flowbeaver/flowbeaver/common/logger"
	"github.com/flowbeaver/flowbeaver/common/models"
	"github.com/flowbeaver/flowbeaver/server/jobstore"
)

const defaultCollection = "worker_jobs"

type Store struct {
	coll *mongo.Collection
	ttl  time.Duration
	log  logger.Log
}

type Config struct {
	URI        string
	Database   string
	Collection string
	TTL        time.Duration
}

// Connect dials Mongo and ensures the TTL index exists. Collection/TTL
// default to defaultCollection and jobstore.DefaultTTL respectively.
func Connect(ctx context.Context, cfg Config, logFactory logger.LogFactory) (*Store, error) {
	if cfg.Collection == "" {
		cfg.Collection = defaultCollection
	}
	if cfg.TTL == 0 {
		cfg.TTL = jobstore.DefaultTTL
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, gerror.NewErrInternal("error connecting to mongo job store", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, gerror.NewErrInternal("error pinging mongo job store", err)
	}
	coll := client.Database(cfg.Database).Collection(cfg.Collection)
	s := &Store{coll: coll, ttl: cfg.TTL, log: logFactory("jobstore.mongo")}
	if err := s.ensureTTLIndex(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureTTLIndex(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expiresAt", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return gerror.NewErrInternal("error creating job store ttl index", err)
	}
	return nil
}

type doc struct {
	ID           string                  `bson:"_id"`
	WorkerID     string                  `bson:"workerId"`
	Status       models.JobStatus        `bson:"status"`
	Input        []byte                  `bson:"input,omitempty"`
	Output       []byte                  `bson:"output,omitempty"`
	Error        *models.JobHandlerError `bson:"error,omitempty"`
	Metadata     map[string]string       `bson:"metadata,omitempty"`
	InternalJobs []models.InternalJobRef `bson:"internalJobs,omitempty"`
	Steps        []models.StepRecord     `bson:"steps,omitempty"`
	CreatedAt    time.Time               `bson:"createdAt"`
	UpdatedAt    time.Time               `bson:"updatedAt"`
	CompletedAt  *time.Time              `bson:"completedAt,omitempty"`
	ExpiresAt    time.Time               `bson:"expiresAt"`
}

func (s *Store) Set(ctx context.Context, job *models.Job) error {
	now := time.Now().UTC()
	if job.Status.IsTerminal() && job.CompletedAt == nil {
		t := models.NewTime(now)
		job.CompletedAt = &t
	}
	d := toDoc(job, now, s.ttl)
	opts := options.Replace().SetUpsert(true)
	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": d.ID}, d, opts)
	if err != nil {
		return gerror.NewErrInternal("error upserting job", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id models.JobID) (*models.Job, error) {
	var d doc
	err := s.coll.FindOne(ctx, bson.M{"_id": id.String()}).Decode(&d)
	if err == mongo.ErrNoDocuments {
		return nil, gerror.NewErrNotFound("job not found: " + id.String())
	}
	if err != nil {
		return nil, gerror.NewErrInternal("error reading job", err)
	}
	return fromDoc(d), nil
}

func (s *Store) Update(ctx context.Context, id models.JobID, partial jobstore.PartialUpdate) (*models.Job, error) {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	applyPartial(existing, partial)
	now := time.Now().UTC()
	existing.UpdatedAt = models.NewTime(now)
	if existing.Status.IsTerminal() && existing.CompletedAt == nil {
		t := models.NewTime(now)
		existing.CompletedAt = &t
	}
	d := toDoc(existing, now, s.ttl)
	_, err = s.coll.ReplaceOne(ctx, bson.M{"_id": d.ID}, d)
	if err != nil {
		return nil, gerror.NewErrInternal("error updating job", err)
	}
	return existing, nil
}

func (s *Store) AppendInternalJob(ctx context.Context, parentJobID models.JobID, child models.InternalJobRef) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": parentJobID.String()},
		bson.M{"$push": bson.M{"internalJobs": child}, "$set": bson.M{"updatedAt": time.Now().UTC()}},
	)
	if err != nil {
		return gerror.NewErrInternal("error appending internal job", err)
	}
	return nil
}

func (s *Store) AppendStep(ctx context.Context, id models.JobID, step models.StepRecord) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": id.String()},
		bson.M{"$push": bson.M{"steps": step}, "$set": bson.M{"updatedAt": time.Now().UTC()}},
	)
	if err != nil {
		return gerror.NewErrInternal("error appending job step", err)
	}
	return nil
}

// UpdateStep merges a step record in place: the job's top-level status
// becomes completed only when the last step finishes, or failed as soon
// as any step fails.
func (s *Store) UpdateStep(ctx context.Context, id models.JobID, index int, partial jobstore.PartialUpdate) (*models.Job, error) {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(existing.Steps) {
		return nil, gerror.NewErrValidationFailed("step index out of range")
	}
	step := &existing.Steps[index]
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
	for _, st := range existing.Steps {
		if st.Status == models.JobStatusFailed {
			anyFailed = true
		}
		if !st.Status.IsTerminal() {
			allTerminal = false
		}
	}
	switch {
	case anyFailed:
		existing.Status = models.JobStatusFailed
	case allTerminal:
		existing.Status = models.JobStatusCompleted
	default:
		existing.Status = models.JobStatusRunning
	}

	now := time.Now().UTC()
	existing.UpdatedAt = models.NewTime(now)
	if existing.Status.IsTerminal() && existing.CompletedAt == nil {
		t := models.NewTime(now)
		existing.CompletedAt = &t
	}
	d := toDoc(existing, now, s.ttl)
	if _, err := s.coll.ReplaceOne(ctx, bson.M{"_id": d.ID}, d); err != nil {
		return nil, gerror.NewErrInternal("error updating job step", err)
	}
	return existing, nil
}

func (s *Store) ListJobsByWorker(ctx context.Context, workerID string, limit int) ([]*models.Job, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}}).SetLimit(int64(limit))
	cur, err := s.coll.Find(ctx, bson.M{"workerId": workerID}, opts)
	if err != nil {
		return nil, gerror.NewErrInternal("error listing jobs by worker", err)
	}
	defer cur.Close(ctx)
	var out []*models.Job
	for cur.Next(ctx) {
		var d doc
		if err := cur.Decode(&d); err != nil {
			return nil, gerror.NewErrInternal("error decoding job", err)
		}
		out = append(out, fromDoc(d))
	}
	return out, nil
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

func toDoc(job *models.Job, now time.Time, ttl time.Duration) doc {
	d := doc{
		ID:           job.GetID().String(),
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
		ExpiresAt:    now.Add(ttl),
	}
	if job.CompletedAt != nil {
		t := job.CompletedAt.Time
		d.CompletedAt = &t
	}
	return d
}

func fromDoc(d doc) *models.Job {
	id, _ := models.ParseJobID(d.ID)
	job := &models.Job{
		BaseResource: *models.NewBaseResource(models.JobKind, id.ResourceID),
		WorkerID:     d.WorkerID,
		Status:       d.Status,
		Input:        d.Input,
		Output:       d.Output,
		Error:        d.Error,
		Metadata:     d.Metadata,
		InternalJobs: d.InternalJobs,
		Steps:        d.Steps,
		CreatedAt:    models.NewTime(d.CreatedAt),
		UpdatedAt:    models.NewTime(d.UpdatedAt),
	}
	if d.CompletedAt != nil {
		t := models.NewTime(*d.CompletedAt)
		job.CompletedAt = &t
	}
	return job
}
