package documents

import (
	"encoding/json"

	"github.com/flowbeaver/flowbeaver/common/models"
)

// JobDocument is the full job record returned by GET /workers/{id}/{jobId}.
type JobDocument struct {
	JobID        string                  `json:"jobId"`
	WorkerID     string                  `json:"workerId"`
	Status       models.JobStatus        `json:"status"`
	Input        json.RawMessage         `json:"input,omitempty"`
	Output       json.RawMessage         `json:"output,omitempty"`
	Error        *models.JobHandlerError `json:"error,omitempty"`
	Metadata     map[string]string       `json:"metadata,omitempty"`
	InternalJobs []models.InternalJobRef `json:"internalJobs,omitempty"`
	Steps        []models.StepRecord     `json:"steps,omitempty"`
	CreatedAt    models.Time             `json:"createdAt"`
	UpdatedAt    models.Time             `json:"updatedAt"`
	CompletedAt  *models.Time            `json:"completedAt,omitempty"`
}

func NewJobDocument(j *models.Job) JobDocument {
	return JobDocument{
		JobID:        j.GetID().String(),
		WorkerID:     j.WorkerID,
		Status:       j.Status,
		Input:        j.Input,
		Output:       j.Output,
		Error:        j.Error,
		Metadata:     j.Metadata,
		InternalJobs: j.InternalJobs,
		Steps:        j.Steps,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
		CompletedAt:  j.CompletedAt,
	}
}

// DispatchRequest is the body of POST /workers/{id}: send a job to a
// worker's queue, optionally awaiting its terminal result inline.
type DispatchRequest struct {
	Input json.RawMessage `json:"input,omitempty"`
	Await bool            `json:"await,omitempty"`
	JobID string          `json:"jobId,omitempty"`
}

type DispatchResponse struct {
	JobID  string           `json:"jobId"`
	Status models.JobStatus `json:"status"`
	Output json.RawMessage  `json:"output,omitempty"`
}

// PreCreateJobRequest is the body of POST /workers/{id}/job: pre-create a
// job record ahead of a queue message arriving for it.
type PreCreateJobRequest struct {
	JobID string          `json:"jobId"`
	Input json.RawMessage `json:"input,omitempty"`
}

// UpdateJobRequest is the body of POST /workers/{id}/update: internal
// status/metadata/output/error updates a worker handler issues mid-flight.
type UpdateJobRequest struct {
	JobID    string                  `json:"jobId"`
	Status   *models.JobStatus       `json:"status,omitempty"`
	Metadata map[string]string       `json:"metadata,omitempty"`
	Output   json.RawMessage         `json:"output,omitempty"`
	Error    *models.JobHandlerError `json:"error,omitempty"`
}

// WebhookRequest is the body of POST /workers/{id}/webhook: the completion
// callback shape the worker runtime itself posts,
// exposed here too so an external worker process can report completion the
// same way the in-process worker runtime does.
type WebhookRequest struct {
	JobID    string                  `json:"jobId"`
	WorkerID string                  `json:"workerId,omitempty"`
	Status   string                  `json:"status"`
	Output   json.RawMessage         `json:"output,omitempty"`
	Error    *models.JobHandlerError `json:"error,omitempty"`
	Metadata map[string]string       `json:"metadata,omitempty"`
}
