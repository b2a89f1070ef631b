package server

import (
	"context"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"

	"github.com/flowbeaver/flowbeaver/common/gerror"
	"github.com/flowbeaver/flowbeaver/common/models"
	"github.com/flowbeaver/flowbeaver/server/api/rest/documents"
	"github.com/flowbeaver/flowbeaver/server/services/backoff"
	"github.com/flowbeaver/flowbeaver/server/services/dispatch"
	"github.com/flowbeaver/flowbeaver/server/services/job"
)

const (
	dispatchAwaitPollInterval = 200 * time.Millisecond
	dispatchAwaitTimeout      = 5 * time.Minute
)

// WorkerAPI implements the worker HTTP API: dispatching a job,
// pre-creating a job record, applying internal updates, receiving the
// completion webhook, and reading back the full job record.
type WorkerAPI struct {
	*APIBase
	Jobs       *job.Service
	Dispatcher *dispatch.Service
	Clk        clock.Clock
}

// Dispatch handles POST /workers/{id}: send a job to the named worker's
// queue, optionally blocking until it reaches a terminal state.
func (a *WorkerAPI) Dispatch(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "id")
	var req documents.DispatchRequest
	if err := decodeJSON(r, &req); err != nil {
		a.ErrorNotLogged(w, r, err)
		return
	}

	jobID := models.NewJobID()
	if req.JobID != "" {
		parsed, err := models.ParseJobID(req.JobID)
		if err != nil {
			a.ErrorNotLogged(w, r, gerror.NewErrValidationFailed("invalid jobId: "+err.Error()))
			return
		}
		jobID = parsed
	}

	msg := dispatch.Message{WorkerID: workerID, JobID: jobID.String(), Input: req.Input}
	opts := dispatch.Options{WebhookURL: dispatch.WebhookURL(jobID.String())}
	if err := a.Dispatcher.Send(r.Context(), msg, opts); err != nil {
		a.Error(w, r, err)
		return
	}

	resp := documents.DispatchResponse{JobID: jobID.String(), Status: models.JobStatusQueued}
	if !req.Await {
		a.JSON(w, r, http.StatusOK, resp)
		return
	}
	j, err := a.awaitJob(r.Context(), jobID)
	if err != nil {
		a.Error(w, r, err)
		return
	}
	resp.Status = j.Status
	resp.Output = j.Output
	a.JSON(w, r, http.StatusOK, resp)
}

// PreCreate handles POST /workers/{id}/job: create the job record ahead of
// a queue message arriving for it.
func (a *WorkerAPI) PreCreate(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "id")
	var req documents.PreCreateJobRequest
	if err := decodeJSON(r, &req); err != nil {
		a.ErrorNotLogged(w, r, err)
		return
	}
	jobID, err := models.ParseJobID(req.JobID)
	if err != nil {
		a.ErrorNotLogged(w, r, gerror.NewErrValidationFailed("invalid jobId: "+err.Error()))
		return
	}
	j, err := a.Jobs.EnsureQueued(r.Context(), jobID, workerID, req.Input, models.NewTime(a.Clk.Now()))
	if err != nil {
		a.Error(w, r, err)
		return
	}
	a.JSON(w, r, http.StatusOK, documents.NewJobDocument(j))
}

// Update handles POST /workers/{id}/update: internal status/output/error
// updates a worker handler issues mid-flight.
func (a *WorkerAPI) Update(w http.ResponseWriter, r *http.Request) {
	var req documents.UpdateJobRequest
	if err := decodeJSON(r, &req); err != nil {
		a.ErrorNotLogged(w, r, err)
		return
	}
	jobID, err := models.ParseJobID(req.JobID)
	if err != nil {
		a.ErrorNotLogged(w, r, gerror.NewErrValidationFailed("invalid jobId: "+err.Error()))
		return
	}

	var (
		j    *models.Job
		uerr error
	)
	switch {
	case req.Error != nil:
		j, uerr = a.Jobs.Fail(r.Context(), jobID, req.Error)
	case req.Output != nil:
		j, uerr = a.Jobs.Complete(r.Context(), jobID, req.Output)
	case req.Status != nil && *req.Status == models.JobStatusRunning:
		j, uerr = a.Jobs.MarkRunning(r.Context(), jobID, models.NewTime(a.Clk.Now()))
	default:
		j, uerr = a.Jobs.Get(r.Context(), jobID)
	}
	if uerr != nil {
		a.Error(w, r, uerr)
		return
	}
	a.JSON(w, r, http.StatusOK, documents.NewJobDocument(j))
}

// Webhook handles POST /workers/{id}/webhook: the completion callback,
// for an external worker process reporting completion the same way the
// in-process worker runtime's own webhook POST does.
func (a *WorkerAPI) Webhook(w http.ResponseWriter, r *http.Request) {
	var req documents.WebhookRequest
	if err := decodeJSON(r, &req); err != nil {
		a.ErrorNotLogged(w, r, err)
		return
	}
	jobID, err := models.ParseJobID(req.JobID)
	if err != nil {
		a.ErrorNotLogged(w, r, gerror.NewErrValidationFailed("invalid jobId: "+err.Error()))
		return
	}
	var j *models.Job
	if req.Status == "error" {
		j, err = a.Jobs.Fail(r.Context(), jobID, req.Error)
	} else {
		j, err = a.Jobs.Complete(r.Context(), jobID, req.Output)
	}
	if err != nil {
		a.Error(w, r, err)
		return
	}
	a.JSON(w, r, http.StatusOK, documents.NewJobDocument(j))
}

// Get handles GET /workers/{id}/{jobId}: the full job record.
func (a *WorkerAPI) Get(w http.ResponseWriter, r *http.Request) {
	jobID, err := models.ParseJobID(chi.URLParam(r, "jobId"))
	if err != nil {
		a.ErrorNotLogged(w, r, gerror.NewErrValidationFailed("invalid jobId: "+err.Error()))
		return
	}
	j, err := a.Jobs.Get(r.Context(), jobID)
	if err != nil {
		a.ErrorNotLogged(w, r, err)
		return
	}
	a.JSON(w, r, http.StatusOK, documents.NewJobDocument(j))
}

// awaitJob polls the job store until jobID reaches a terminal state, for a
// caller synchronously waiting on the HTTP dispatch endpoint. It polls at
// the fixed dispatchAwaitPollInterval; unlike the exponential backoff
// worker.Service.dispatchWorker uses for an awaited worker-to-worker call,
// the interval does not grow.
func (a *WorkerAPI) awaitJob(ctx context.Context, jobID models.JobID) (*models.Job, error) {
	deadline := a.Clk.Now().Add(dispatchAwaitTimeout)
	alg := backoff.LinearBackoff(1<<30, dispatchAwaitPollInterval)
	for attempt := 1; ; attempt++ {
		j, err := a.Jobs.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if j.Status.IsTerminal() {
			return j, nil
		}
		if a.Clk.Now().After(deadline) {
			return nil, gerror.NewErrTimeout("dispatch await exceeded timeout")
		}
		next := alg(attempt, a.Clk.Now())
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-a.Clk.After(next.Sub(a.Clk.Now())):
		}
	}
}
