package models

import (
	"encoding/json"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// JobStatus is the lifecycle state of a worker job: queued on dispatch,
// running once a worker picks it up, then completed or failed.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// InternalJobRef is an entry in a job's InternalJobs list: a child job
// this job dispatched via dispatchWorker.
type InternalJobRef struct {
	JobID    JobID  `json:"jobId"`
	WorkerID string `json:"workerId"`
}

// JobHandlerError is the {message, stack, name} shape stored on a failed
// job.
type JobHandlerError struct {
	Name    string `json:"name,omitempty"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// StepRecord is a sub-step of a job as reported by a worker that
// internally performs multiple passes. It is additive to the plain
// job-level status contract: workers that don't report sub-steps never
// populate Steps.
type StepRecord struct {
	Index  int              `json:"index"`
	Status JobStatus        `json:"status"`
	Input  json.RawMessage  `json:"input,omitempty"`
	Output json.RawMessage  `json:"output,omitempty"`
	Error  *JobHandlerError `json:"error,omitempty"`
}

// Job is the durable record of one worker invocation, from dispatch to
// terminal state.
type Job struct {
	BaseResource

	WorkerID string           `json:"workerId"`
	Status   JobStatus        `json:"status"`
	Input    json.RawMessage  `json:"input,omitempty"`
	Output   json.RawMessage  `json:"output,omitempty"`
	Error    *JobHandlerError `json:"error,omitempty"`

	// Metadata carries caller-supplied key/values plus runtime-added ones
	// such as parentJobId and requestId.
	Metadata map[string]string `json:"metadata,omitempty"`

	InternalJobs []InternalJobRef `json:"internalJobs,omitempty"`
	Steps        []StepRecord     `json:"steps,omitempty"`

	CreatedAt   Time  `json:"createdAt"`
	UpdatedAt   Time  `json:"updatedAt"`
	CompletedAt *Time `json:"completedAt,omitempty"`
}

const MetadataParentJobID = "parentJobId"

func NewJob(id JobID, workerID string, input json.RawMessage, metadata map[string]string, now Time) *Job {
	if metadata == nil {
		metadata = map[string]string{}
	}
	return &Job{
		BaseResource: *NewBaseResource(JobKind, id.ResourceID),
		WorkerID:     workerID,
		Status:       JobStatusQueued,
		Input:        input,
		Metadata:     metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func (j *Job) GetCreatedAt() Time { return j.CreatedAt }

func (j *Job) Validate() error {
	var result *multierror.Error
	if err := j.BaseResource.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	if j.WorkerID == "" {
		result = multierror.Append(result, errors.New("error job must have a worker id"))
	}
	switch j.Status {
	case JobStatusQueued, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
	default:
		result = multierror.Append(result, errors.Errorf("error invalid job status %q", j.Status))
	}
	return result.ErrorOrNil()
}

// ParentJobID returns the parent recorded in Metadata, if any. A child
// has exactly one direct parent.
func (j *Job) ParentJobID() (JobID, bool) {
	raw, ok := j.Metadata[MetadataParentJobID]
	if !ok || raw == "" {
		return JobID{}, false
	}
	id, err := ParseJobID(raw)
	if err != nil {
		return JobID{}, false
	}
	return id, true
}
