// Package worker is the worker runtime: it receives a queue message,
// performs the idempotency check and queued->running->terminal status
// dance, executes the registered handler, and posts the result to a
// webhook URL if one was supplied. Invoked by the dispatcher in local
// mode or by an HTTP handler in remote mode.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/flowbeaver/flowbeaver/common/gerror"
	"github.com/flowbeaver/flowbeaver/common/logger"
	"github.com/flowbeaver/flowbeaver/common/models"
	"github.com/flowbeaver/flowbeaver/server/services/backoff"
	"github.com/flowbeaver/flowbeaver/server/services/dispatch"
	"github.com/flowbeaver/flowbeaver/server/services/job"
)

// HandlerContext is everything a worker handler body may touch: its job
// identity, a job store facade, a scoped logger, and worker-to-worker
// dispatch. Handlers share no other memory with the runtime.
type HandlerContext struct {
	Context   context.Context
	JobID     models.JobID
	WorkerID  string
	RequestID string
	Jobs      *job.Service
	Log       logger.Log
	Dispatch  func(ctx context.Context, workerID string, input json.RawMessage, opts DispatchWorkerOptions) (json.RawMessage, error)
}

// HandlerFunc is a registered worker's executable body. It returns the raw
// JSON output to store on success, or an error on failure.
type HandlerFunc func(hctx HandlerContext) (json.RawMessage, error)

// OutputValidator checks a handler's output before it is stored. A
// validation failure fails the job the same way a handler error does.
type OutputValidator func(output json.RawMessage) error

// DispatchWorkerOptions configures a worker-to-worker call issued via
// HandlerContext.Dispatch.
type DispatchWorkerOptions struct {
	Await          bool
	PollIntervalMs int
	PollTimeoutMs  int
}

const (
	defaultPollIntervalMs = 3000
	defaultPollTimeoutMs  = 600000
)

type registration struct {
	handler  HandlerFunc
	validate OutputValidator
}

type Service struct {
	jobs       *job.Service
	dispatcher *dispatch.Service
	handlers   map[string]registration
	httpClient *retryablehttp.Client
	clk        clock.Clock
	log        logger.Log
}

func NewService(jobs *job.Service, dispatcher *dispatch.Service, clk clock.Clock, logFactory logger.LogFactory) *Service {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.Logger = nil
	return &Service{
		jobs:       jobs,
		dispatcher: dispatcher,
		handlers:   make(map[string]registration),
		httpClient: client,
		clk:        clk,
		log:        logFactory("worker_service"),
	}
}

// Register associates a worker id with its handler body. Workers are
// registered at process startup.
func (s *Service) Register(workerID string, handler HandlerFunc) {
	s.handlers[workerID] = registration{handler: handler}
}

// RegisterWithValidator is Register plus an output schema check applied to
// the handler's result before it is stored.
func (s *Service) RegisterWithValidator(workerID string, handler HandlerFunc, validate OutputValidator) {
	s.handlers[workerID] = registration{handler: handler, validate: validate}
}

// HandleMessage processes one queue delivery end to end: idempotency
// check, job upsert, handler execution, terminal write, webhook post.
func (s *Service) HandleMessage(ctx context.Context, msg dispatch.Message) error {
	jobID, err := models.ParseJobID(msg.JobID)
	if err != nil {
		return gerror.NewErrValidationFailed("invalid job id in queue message: " + msg.JobID)
	}

	existing, err := s.jobs.Get(ctx, jobID)
	if err == nil && existing.Status.IsTerminal() {
		// Step 1: idempotency check — already finished, acknowledge and exit.
		return nil
	}

	now := models.NewTime(s.clk.Now())
	if gerror.IsNotFound(err) {
		if _, err := s.jobs.EnsureQueued(ctx, jobID, msg.WorkerID, msg.Input, now); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if _, err := s.jobs.MarkRunning(ctx, jobID, now); err != nil {
		return err
	}

	reg, ok := s.handlers[msg.WorkerID]
	if !ok {
		failErr := &models.JobHandlerError{Message: fmt.Sprintf("no handler registered for worker %q", msg.WorkerID)}
		if _, ferr := s.jobs.Fail(ctx, jobID, failErr); ferr != nil {
			return ferr
		}
		s.postWebhook(ctx, msg, jobID, nil, failErr)
		return gerror.NewErrHandlerFailed(failErr.Message, nil)
	}

	hctx := HandlerContext{
		Context:  ctx,
		JobID:    jobID,
		WorkerID: msg.WorkerID,
		Jobs:     s.jobs,
		Log:      s.log,
		Dispatch: func(ctx context.Context, workerID string, input json.RawMessage, opts DispatchWorkerOptions) (json.RawMessage, error) {
			return s.dispatchWorker(ctx, jobID, workerID, input, opts)
		},
	}
	if msg.Context.RequestID != "" {
		hctx.RequestID = msg.Context.RequestID
	}

	output, handlerErr := s.invoke(reg.handler, hctx)
	if handlerErr == nil && reg.validate != nil {
		if verr := reg.validate(output); verr != nil {
			handlerErr = fmt.Errorf("worker output failed validation: %w", verr)
		}
	}
	if handlerErr != nil {
		jobErr := &models.JobHandlerError{Message: handlerErr.Error()}
		if _, err := s.jobs.Fail(ctx, jobID, jobErr); err != nil {
			return err
		}
		s.postWebhook(ctx, msg, jobID, nil, jobErr)
		// Step 7: re-throw so the queue's own redelivery/backoff retries.
		return gerror.NewErrHandlerFailed("worker handler failed", handlerErr)
	}

	if _, err := s.jobs.Complete(ctx, jobID, output); err != nil {
		return err
	}
	s.postWebhook(ctx, msg, jobID, output, nil)
	return nil
}

// invoke recovers a handler panic into an error, so a panicking handler
// fails the job like a returned error. Only the panic value is kept, in the
// error message; no stack trace or error name is recorded.
func (s *Service) invoke(handler HandlerFunc, hctx HandlerContext) (output json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker handler panicked: %v", r)
		}
	}()
	return handler(hctx)
}

// dispatchWorker handles a worker-to-worker call: it mints a
// child job linked to the dispatching parent on both sides, sends it to
// the child worker's queue, and — when Await is set — polls until the
// child job is terminal.
func (s *Service) dispatchWorker(ctx context.Context, parentJobID models.JobID, workerID string, input json.RawMessage, opts DispatchWorkerOptions) (json.RawMessage, error) {
	child, err := s.jobs.Enqueue(ctx, workerID, input, &parentJobID, models.NewTime(s.clk.Now()))
	if err != nil {
		return nil, err
	}
	childID := models.JobID{ResourceID: child.GetID()}
	msg := dispatch.Message{WorkerID: workerID, JobID: childID.String(), Input: input}
	if err := s.dispatcher.Send(ctx, msg, dispatch.Options{}); err != nil {
		return nil, err
	}
	if !opts.Await {
		return json.Marshal(map[string]string{"jobId": childID.String(), "status": string(models.JobStatusQueued)})
	}

	intervalMs := opts.PollIntervalMs
	if intervalMs == 0 {
		intervalMs = defaultPollIntervalMs
	}
	timeoutMs := opts.PollTimeoutMs
	if timeoutMs == 0 {
		timeoutMs = defaultPollTimeoutMs
	}
	deadline := s.clk.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	initial := time.Duration(intervalMs) * time.Millisecond
	alg := backoff.ExponentialBackoff(models.DefaultPollMaxRetries, initial, initial*8)

	for attempt := 1; ; attempt++ {
		child, err := s.jobs.Get(ctx, childID)
		if err != nil {
			return nil, err
		}
		if child.Status == models.JobStatusCompleted {
			return child.Output, nil
		}
		if child.Status == models.JobStatusFailed {
			msg := "child job failed"
			if child.Error != nil {
				msg = child.Error.Message
			}
			return nil, gerror.NewErrHandlerFailed(msg, nil)
		}
		if s.clk.Now().After(deadline) {
			return nil, gerror.NewErrTimeout("dispatchWorker await exceeded pollTimeoutMs")
		}
		next := alg(attempt, s.clk.Now())
		if next == nil {
			return nil, gerror.NewErrTimeout("dispatchWorker await exceeded maxRetries")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.clk.After(next.Sub(s.clk.Now())):
		}
	}
}

// postWebhook delivers the terminal callback payload. Failures are logged
// only — a webhook never fails the job.
func (s *Service) postWebhook(ctx context.Context, msg dispatch.Message, jobID models.JobID, output json.RawMessage, handlerErr *models.JobHandlerError) {
	if msg.WebhookURL == "" {
		return
	}
	status := "success"
	payload := map[string]interface{}{
		"jobId":    jobID.String(),
		"workerId": msg.WorkerID,
		"metadata": msg.Metadata,
	}
	if handlerErr != nil {
		status = "error"
		payload["error"] = handlerErr
	} else {
		payload["output"] = output
	}
	payload["status"] = status

	body, err := json.Marshal(payload)
	if err != nil {
		s.log.Warnf("error encoding webhook payload for job %s: %s", jobID.String(), err)
		return
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, msg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		s.log.Warnf("error building webhook request for job %s: %s", jobID.String(), err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.log.Warnf("error posting webhook for job %s: %s", jobID.String(), err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		s.log.Warnf("webhook for job %s returned status %d", jobID.String(), resp.StatusCode)
	}
}
