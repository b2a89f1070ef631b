// Package interpreter is the orchestration interpreter: it walks a
// normalised plan step by step, resolving templated inputs from context,
// invoking agents/workers/sub-workflows, and handling pause/resume,
// parallel fan-out, and conditions. The walker is re-entrant: any step may
// suspend the run, and a later invocation picks up from persisted state
// without re-executing completed steps.
package interpreter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/flowbeaver/flowbeaver/common/gerror"
	"github.com/flowbeaver/flowbeaver/common/logger"
	"github.com/flowbeaver/flowbeaver/common/models"
	"github.com/flowbeaver/flowbeaver/server/services/agent"
	"github.com/flowbeaver/flowbeaver/server/services/backoff"
	"github.com/flowbeaver/flowbeaver/server/services/dispatch"
	"github.com/flowbeaver/flowbeaver/server/services/job"
	"github.com/flowbeaver/flowbeaver/server/services/plan"
	"github.com/flowbeaver/flowbeaver/server/services/run"
)

// maxCallDepth bounds workflow-step nesting, breaking workflow-calls-
// workflow cycles that would otherwise spawn child runs forever.
const maxCallDepth = 10

// errCancelled is what an awaited worker/workflow poll returns once it
// observes the parent run's cancellation token: the poll simply stops, it
// does not attempt to cancel the remote job.
var errCancelled = errors.New("run was cancelled")

// maxDriveSteps bounds how many top-level steps a single Drive call will
// process before giving up, guarding against a normalisation bug producing
// an infinite "advance but never change status" loop.
const maxDriveSteps = 10000

// sleepInlineThreshold is the cutover between blocking the current request
// handler for a sleep step and persisting a timer for the background poller
// to pick up later.
const sleepInlineThreshold = time.Second

// Service is the interpreter. It depends only on the run registry, job
// service, dispatcher and agent router; the job store and run registry are
// the only shared mutable state it touches.
type Service struct {
	runs       *run.Service
	jobs       *job.Service
	dispatcher *dispatch.Service
	agents     *agent.Service
	workflows  map[string]models.Plan
	clk        clock.Clock
	log        logger.Log
}

func NewService(runs *run.Service, jobs *job.Service, dispatcher *dispatch.Service, agents *agent.Service, clk clock.Clock, logFactory logger.LogFactory) *Service {
	return &Service{
		runs:       runs,
		jobs:       jobs,
		dispatcher: dispatcher,
		agents:     agents,
		workflows:  make(map[string]models.Plan),
		clk:        clk,
		log:        logFactory("interpreter"),
	}
}

// RegisterWorkflow associates a workflow path with the plan a `workflow`
// step by that name starts as a child run.
func (s *Service) RegisterWorkflow(path string, p models.Plan) {
	s.workflows[path] = p
}

func (s *Service) now() models.Time { return models.NewTime(s.clk.Now()) }

// pauseSignal carries a suspension bubbling up from a nested step back to
// the top-level Drive loop: either a hook token to wait for, or a wake time
// for a persisted sleep timer.
type pauseSignal struct {
	hookToken *string
	wakeAt    *models.Time
}

// Start creates a run from plan (already normalised and with caller-supplied
// hookTokens applied) and drives it to its first suspension or completion.
func (s *Service) Start(ctx context.Context, planID models.ResourceID, p models.Plan, input json.RawMessage, callDepth int) (*models.Run, error) {
	if callDepth > maxCallDepth {
		return nil, gerror.NewErrValidationFailed("workflow call depth exceeded")
	}
	r, err := s.runs.Create(ctx, planID, p, input, s.now(), callDepth)
	if err != nil {
		return nil, err
	}
	if err := s.Drive(ctx, r.GetRunID()); err != nil {
		return nil, err
	}
	return s.runs.Get(ctx, r.GetRunID())
}

// Drive advances a run from wherever it currently is until it suspends
// (paused) or reaches a terminal state (completed/failed). It is the single
// entrypoint every other trigger (Start, Resume, the timer service) calls
// into — re-entrancy is implemented by always reloading fresh state at the
// top of the loop.
func (s *Service) Drive(ctx context.Context, runID models.RunID) error {
	for i := 0; i < maxDriveSteps; i++ {
		r, err := s.runs.Get(ctx, runID)
		if err != nil {
			return err
		}
		if r.Status.IsTerminal() || r.Status == models.RunStatusPaused {
			return nil
		}
		if r.Status == models.RunStatusPending {
			r.Status = models.RunStatusRunning
		}
		if d, ok, terr := r.Plan.EffectiveTimeout(); ok && terr == nil && s.clk.Now().After(r.CreatedAt.Time.Add(d)) {
			r.Status = models.RunStatusFailed
			r.RunError = &models.RunError{Message: "plan timeout exceeded"}
			t := s.now()
			r.CompletedAt = &t
			r.UpdatedAt = t
			return s.persist(ctx, runID, r)
		}
		if r.CancelRequested {
			r.Status = models.RunStatusFailed
			r.RunError = &models.RunError{Message: "run was cancelled"}
			t := s.now()
			r.CompletedAt = &t
			r.UpdatedAt = t
			return s.persist(ctx, runID, r)
		}
		if r.CurrentStep >= len(r.Plan.Steps) {
			r.Status = models.RunStatusCompleted
			t := s.now()
			r.CompletedAt = &t
			r.UpdatedAt = t
			if err := s.persist(ctx, runID, r); err != nil {
				return err
			}
			return nil
		}

		idx := r.CurrentStep
		step := r.Plan.Steps[idx]
		var pause *pauseSignal
		var stepErr error
		if step.Type == models.StepTypeStatusUpdate {
			// A paused marker decides what to do by peeking at the
			// hook/sleep sibling it brackets, so it must see the full
			// top-level step list, not the one-step window execStep
			// hands other step kinds.
			pause, stepErr = s.execStatusUpdate(r, r.Plan.Steps, idx)
			if stepErr != nil && r.Plan.ContinueOnError {
				r.Context.RecordStepError(step.ID, stepErr)
				stepErr = nil
			}
		} else {
			pause, stepErr = s.execStep(ctx, r, step, 0)
		}

		switch {
		case stepErr != nil:
			r.Status = models.RunStatusFailed
			r.RunError = &models.RunError{StepID: step.ID, Message: stepErr.Error()}
			t := s.now()
			r.CompletedAt = &t
		case pause != nil:
			r.Status = models.RunStatusPaused
			r.WaitingHookToken = pause.hookToken
			r.WakeAt = pause.wakeAt
			r.HookDeadline = nil
			if pause.hookToken != nil {
				timeout, terr := r.Plan.EffectiveHookTimeout()
				if terr != nil {
					timeout = models.DefaultHookTimeout
				}
				deadline := models.NewTime(s.clk.Now().Add(timeout))
				r.HookDeadline = &deadline
			}
		default:
			r.CurrentStep = idx + 1
		}
		r.UpdatedAt = s.now()
		if err := s.persist(ctx, runID, r); err != nil {
			return err
		}
		if r.Status != models.RunStatusRunning {
			return nil
		}
	}
	return gerror.NewErrInternal("interpreter exceeded the maximum steps for a single drive invocation", nil)
}

// persist writes the in-memory run snapshot back via the row-locked
// registry. Concurrent mutation of the same run from two different Drive
// calls is not guarded against beyond this write being atomic — the
// scheduling model assumes requests against one run arrive sequentially,
// with the row lock serialising the ones that don't.
func (s *Service) persist(ctx context.Context, runID models.RunID, r *models.Run) error {
	_, err := s.runs.WithLockedRun(ctx, runID, func(cur *models.Run) error {
		*cur = *r
		return nil
	})
	return err
}

// Resume implements signal.Interpreter: locate the hook step matching token
// anywhere in the plan tree (it need not be the top-level CurrentStep —
// nested condition/parallel children pause too), record payload as its
// output, flip the run back to running, and re-drive.
func (s *Service) Resume(ctx context.Context, runID models.RunID, token string, payload json.RawMessage) error {
	resumed := false
	_, err := s.runs.WithLockedRun(ctx, runID, func(r *models.Run) error {
		if r.Status != models.RunStatusPaused || r.WaitingHookToken == nil || *r.WaitingHookToken != token {
			return nil // already resumed or token mismatch: idempotent no-op
		}
		target, ok := findStep(r.Plan.Steps, func(st models.Step) bool {
			return st.Type == models.StepTypeHook && st.Token == token
		})
		if !ok {
			return gerror.NewErrInternal("paused run's waiting token has no matching hook step", nil)
		}
		r.Context.RecordStepOutput(target.ID, payload)
		r.Status = models.RunStatusRunning
		r.WaitingHookToken = nil
		r.HookDeadline = nil
		r.UpdatedAt = s.now()
		resumed = true
		return nil
	})
	if err != nil {
		return err
	}
	if !resumed {
		return nil
	}
	return s.Drive(ctx, runID)
}

// WakeFromTimer is invoked by the timer service for a paused run whose
// sleep has fired: it marks the pending sleep step resolved and re-drives.
func (s *Service) WakeFromTimer(ctx context.Context, runID models.RunID) error {
	woke := false
	_, err := s.runs.WithLockedRun(ctx, runID, func(r *models.Run) error {
		if r.Status != models.RunStatusPaused || r.WaitingHookToken != nil || r.WakeAt == nil {
			return nil
		}
		if s.clk.Now().Before(r.WakeAt.Time) {
			return nil // fired early somehow; leave paused, the poller will retry later
		}
		target, ok := findStep(r.Plan.Steps, func(st models.Step) bool {
			if st.Type != models.StepTypeSleep || st.ID == "" {
				return false
			}
			_, done := r.Context.Steps[st.ID]
			return !done
		})
		if !ok {
			return gerror.NewErrInternal("paused run has a pending timer but no unresolved sleep step", nil)
		}
		r.Context.RecordStepOutput(target.ID, json.RawMessage("null"))
		r.Status = models.RunStatusRunning
		r.WakeAt = nil
		r.UpdatedAt = s.now()
		woke = true
		return nil
	})
	if err != nil {
		return err
	}
	if !woke {
		return nil
	}
	return s.Drive(ctx, runID)
}

// FailExpiredHook is invoked by the timer service for a paused run whose
// hook has been waiting longer than the plan's hookTimeout: it fails the
// run with a timeout error rather than leaving it paused forever.
// Idempotent the same way WakeFromTimer/Resume are: if the
// run already resumed or was re-signalled between the poll and this call,
// the guard inside WithLockedRun turns it into a no-op.
func (s *Service) FailExpiredHook(ctx context.Context, runID models.RunID) error {
	_, err := s.runs.WithLockedRun(ctx, runID, func(r *models.Run) error {
		if r.Status != models.RunStatusPaused || r.WaitingHookToken == nil || r.HookDeadline == nil {
			return nil
		}
		if s.clk.Now().Before(r.HookDeadline.Time) {
			return nil
		}
		target, ok := findStep(r.Plan.Steps, func(st models.Step) bool {
			return st.Type == models.StepTypeHook && st.Token == *r.WaitingHookToken
		})
		stepID := ""
		if ok {
			stepID = target.ID
		}
		r.Status = models.RunStatusFailed
		r.RunError = &models.RunError{StepID: stepID, Message: "hook timed out waiting for a signal"}
		r.WaitingHookToken = nil
		r.HookDeadline = nil
		t := s.now()
		r.CompletedAt = &t
		r.UpdatedAt = t
		return nil
	})
	return err
}

// FailExpiredPlan is invoked by the timer service for any non-terminal run
// (most usefully a paused one, which Drive never revisits on its own)
// whose plan-level Timeout has elapsed since it was created. Idempotent
// the same way FailExpiredHook/WakeFromTimer are.
func (s *Service) FailExpiredPlan(ctx context.Context, runID models.RunID) error {
	_, err := s.runs.WithLockedRun(ctx, runID, func(r *models.Run) error {
		if r.Status.IsTerminal() {
			return nil
		}
		d, ok, terr := r.Plan.EffectiveTimeout()
		if !ok || terr != nil || !s.clk.Now().After(r.CreatedAt.Time.Add(d)) {
			return nil
		}
		r.Status = models.RunStatusFailed
		r.RunError = &models.RunError{Message: "plan timeout exceeded"}
		r.WaitingHookToken = nil
		r.HookDeadline = nil
		r.WakeAt = nil
		t := s.now()
		r.CompletedAt = &t
		r.UpdatedAt = t
		return nil
	})
	return err
}

// findStep recursively searches a step tree (condition branches, parallel
// children) for the first step matching.
func findStep(steps []models.Step, match func(models.Step) bool) (models.Step, bool) {
	for _, st := range steps {
		if match(st) {
			return st, true
		}
		if st.Type == models.StepTypeCondition {
			if found, ok := findStep(st.Then, match); ok {
				return found, ok
			}
			if found, ok := findStep(st.Else, match); ok {
				return found, ok
			}
		}
		if st.Type == models.StepTypeParallel {
			if found, ok := findStep(st.Steps, match); ok {
				return found, ok
			}
		}
	}
	return models.Step{}, false
}

// execSteps runs a sibling list in order, bubbling the first pause or
// fail-fast error. continueOnError absorbs a step's error into
// context.errors and keeps going.
func (s *Service) execSteps(ctx context.Context, r *models.Run, steps []models.Step, depth int) (*pauseSignal, error) {
	for i := 0; i < len(steps); i++ {
		st := steps[i]
		if st.ID != "" {
			if _, done := r.Context.Steps[st.ID]; done {
				continue // already completed on a prior pass (re-entrancy)
			}
		}

		var pause *pauseSignal
		var err error
		switch st.Type {
		case models.StepTypeStatusUpdate:
			pause, err = s.execStatusUpdate(r, steps, i)
		case models.StepTypeHook, models.StepTypeSleep:
			// Pure markers: their actual resolution happens via the
			// preceding _statusUpdate (first pass) or Resume/WakeFromTimer
			// (re-entry), both of which record the output directly.
		case models.StepTypeAgent:
			err = s.execAgent(ctx, r, st, depth)
		case models.StepTypeWorker:
			err = s.execWorker(ctx, r, st)
		case models.StepTypeWorkflow:
			err = s.execWorkflow(ctx, r, st, depth)
		case models.StepTypeCondition:
			pause, err = s.execCondition(ctx, r, st, depth)
		case models.StepTypeParallel:
			pause, err = s.execParallel(ctx, r, st, depth)
		default:
			err = gerror.NewErrValidationFailed(fmt.Sprintf("unknown step type %q", st.Type))
		}

		if err != nil {
			if r.Plan.ContinueOnError {
				r.Context.RecordStepError(st.ID, err)
				continue
			}
			return nil, err
		}
		if pause != nil {
			return pause, nil
		}
	}
	return nil, nil
}

// execStep runs a single step via the same machinery execSteps uses for
// nested siblings. _statusUpdate steps never come through here: their peek
// at the following hook/sleep needs the sibling list, so Drive and
// execParallel hand them to execStatusUpdate directly.
func (s *Service) execStep(ctx context.Context, r *models.Run, step models.Step, depth int) (*pauseSignal, error) {
	return s.execSteps(ctx, r, []models.Step{step}, depth)
}

// execStatusUpdate implements the `_statusUpdate` step: a "running"
// marker is a no-op confirmation; a "paused" marker decides, by peeking at
// the following hook/sleep step, whether to pause for real, skip a short
// sleep inline, or recognise the pause already resolved on a prior pass.
func (s *Service) execStatusUpdate(r *models.Run, steps []models.Step, i int) (*pauseSignal, error) {
	payload := steps[i].StatusUpdate
	if payload == nil || payload.Status != models.RunStatusPaused {
		return nil, nil
	}
	if i+1 >= len(steps) {
		return nil, nil
	}
	target := steps[i+1]
	if target.ID != "" {
		if _, done := r.Context.Steps[target.ID]; done {
			return nil, nil // already resolved (hook signalled or timer fired) on a prior pass
		}
	}
	if target.Type == models.StepTypeSleep {
		dur, err := target.ParseDuration()
		if err != nil {
			return nil, gerror.NewErrValidationFailed(err.Error())
		}
		if dur <= sleepInlineThreshold {
			s.clk.Sleep(dur)
			if target.ID != "" {
				r.Context.RecordStepOutput(target.ID, json.RawMessage("null"))
			}
			return nil, nil
		}
		at := models.NewTime(s.clk.Now().Add(dur))
		return &pauseSignal{wakeAt: &at}, nil
	}
	return &pauseSignal{hookToken: payload.HookToken}, nil
}

func (s *Service) execAgent(ctx context.Context, r *models.Run, step models.Step, depth int) error {
	if depth >= maxCallDepth {
		return gerror.NewErrValidationFailed("agent call depth exceeded")
	}
	input, err := s.resolveInput(r, step.Input)
	if err != nil {
		return err
	}
	out, err := s.agents.Invoke(ctx, step.Agent, input)
	if err != nil {
		return err
	}
	r.Context.RecordStepOutput(step.ID, out)
	return nil
}

func (s *Service) execWorker(ctx context.Context, r *models.Run, step models.Step) error {
	input, err := s.resolveInput(r, step.Input)
	if err != nil {
		return err
	}
	j, err := s.jobs.Enqueue(ctx, step.Worker, input, nil, s.now())
	if err != nil {
		return err
	}
	msg := dispatch.Message{WorkerID: step.Worker, JobID: j.GetID().String(), Input: input}
	opts := dispatch.Options{WebhookURL: dispatch.WebhookURL(j.GetID().String())}
	if err := s.dispatcher.Send(ctx, msg, opts); err != nil {
		return err
	}

	if !step.AwaitOrDefault(false) {
		ref, _ := json.Marshal(map[string]string{"jobId": j.GetID().String(), "status": string(models.JobStatusQueued)})
		r.Context.RecordStepOutput(step.ID, ref)
		return nil
	}

	poll := r.Plan.EffectiveWorkerPoll()
	if step.WorkerPoll != nil {
		poll = poll.Merge(*step.WorkerPoll)
	}
	jobID, err := models.ParseJobID(j.GetID().String())
	if err != nil {
		return gerror.NewErrInternal("error parsing freshly-minted job id", err)
	}
	out, err := s.pollJob(ctx, r.GetRunID(), jobID, poll)
	if err != nil {
		return err
	}
	r.Context.RecordStepOutput(step.ID, out)
	return nil
}

// pollJob polls a dispatched job until it reaches a terminal status,
// pollTimeoutMs/maxRetries is exceeded, or the parent run is cancelled —
// in which case only the wait is abandoned; the remote job continues
// independently.
func (s *Service) pollJob(ctx context.Context, runID models.RunID, jobID models.JobID, poll models.WorkerPollConfig) (json.RawMessage, error) {
	deadline := s.clk.Now().Add(time.Duration(poll.TimeoutMs) * time.Millisecond)
	alg := pollBackoff(poll)
	for attempt := 1; ; attempt++ {
		j, err := s.jobs.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if j.Status == models.JobStatusCompleted {
			return j.Output, nil
		}
		if j.Status == models.JobStatusFailed {
			msg := "worker job failed"
			if j.Error != nil {
				msg = j.Error.Message
			}
			return nil, gerror.NewErrHandlerFailed(msg, nil)
		}
		if cancelled, err := s.runCancelled(ctx, runID); err != nil {
			return nil, err
		} else if cancelled {
			return nil, errCancelled
		}
		if s.clk.Now().After(deadline) {
			return nil, gerror.NewErrTimeout("awaited worker exceeded pollTimeoutMs")
		}
		next := alg(attempt, s.clk.Now())
		if next == nil {
			return nil, gerror.NewErrTimeout("awaited worker exceeded maxRetries")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.clk.After(next.Sub(s.clk.Now())):
		}
	}
}

// runCancelled re-fetches the parent run to check its cancellation token,
// the same way pollJob/pollWorkflow re-fetch job/child-run state each
// attempt rather than trusting a stale in-memory snapshot.
func (s *Service) runCancelled(ctx context.Context, runID models.RunID) (bool, error) {
	r, err := s.runs.Get(ctx, runID)
	if err != nil {
		return false, err
	}
	return r.CancelRequested, nil
}

// pollBackoff builds the interpreter's progressive poll-interval algorithm
// from a worker-poll config: doubles from IntervalMs up to 8x that, giving
// up after MaxRetries attempts.
func pollBackoff(poll models.WorkerPollConfig) backoff.Algorithm {
	initial := time.Duration(poll.IntervalMs) * time.Millisecond
	maxRetries := poll.MaxRetries
	if maxRetries <= 0 {
		maxRetries = models.DefaultPollMaxRetries
	}
	return backoff.ExponentialBackoff(maxRetries, initial, initial*8)
}

func (s *Service) execWorkflow(ctx context.Context, r *models.Run, step models.Step, depth int) error {
	if r.CallDepth+1 > maxCallDepth {
		return gerror.NewErrValidationFailed("workflow call depth exceeded")
	}
	input, err := s.resolveInput(r, step.Input)
	if err != nil {
		return err
	}
	childPlan, ok := s.workflows[step.Workflow]
	if !ok {
		return gerror.NewErrNotFound(fmt.Sprintf("no workflow registered at path %q", step.Workflow))
	}
	normalised, err := plan.Normalize(childPlan)
	if err != nil {
		return err
	}
	// A run id is reserved and returned even fire-and-forget, so callers
	// can poll child workflows uniformly regardless of await mode.
	child, err := s.Start(ctx, models.NewResourceID(models.PlanKind), normalised, input, r.CallDepth+1)
	if err != nil {
		return err
	}

	if !step.AwaitOrDefault(true) {
		ref, _ := json.Marshal(map[string]string{"runId": child.GetID().String(), "status": string(child.Status)})
		r.Context.RecordStepOutput(step.ID, ref)
		return nil
	}

	poll := r.Plan.EffectiveWorkerPoll()
	if step.WorkerPoll != nil {
		poll = poll.Merge(*step.WorkerPoll)
	}
	out, err := s.pollWorkflow(ctx, r.GetRunID(), child.GetRunID(), poll)
	if err != nil {
		return err
	}
	r.Context.RecordStepOutput(step.ID, out)
	return nil
}

// pollWorkflow polls an awaited sub-workflow run the same way pollJob polls
// an awaited worker job, including the same cancellation check against the
// parent run.
func (s *Service) pollWorkflow(ctx context.Context, parentRunID, childRunID models.RunID, poll models.WorkerPollConfig) (json.RawMessage, error) {
	deadline := s.clk.Now().Add(time.Duration(poll.TimeoutMs) * time.Millisecond)
	alg := pollBackoff(poll)
	for attempt := 1; ; attempt++ {
		r, err := s.runs.Get(ctx, childRunID)
		if err != nil {
			return nil, err
		}
		if r.Status == models.RunStatusCompleted {
			return r.Context.Previous, nil
		}
		if r.Status == models.RunStatusFailed {
			msg := "workflow run failed"
			if r.RunError != nil {
				msg = r.RunError.Message
			}
			return nil, gerror.NewErrHandlerFailed(msg, nil)
		}
		if cancelled, err := s.runCancelled(ctx, parentRunID); err != nil {
			return nil, err
		} else if cancelled {
			return nil, errCancelled
		}
		if s.clk.Now().After(deadline) {
			return nil, gerror.NewErrTimeout("awaited workflow exceeded pollTimeoutMs")
		}
		next := alg(attempt, s.clk.Now())
		if next == nil {
			return nil, gerror.NewErrTimeout("awaited workflow exceeded maxRetries")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.clk.After(next.Sub(s.clk.Now())):
		}
	}
}

func (s *Service) execCondition(ctx context.Context, r *models.Run, step models.Step, depth int) (*pauseSignal, error) {
	branch, err := s.evalCondition(r, step)
	if err != nil {
		return nil, err
	}
	return s.execSteps(ctx, r, branch, depth)
}

func (s *Service) evalCondition(r *models.Run, step models.Step) ([]models.Step, error) {
	ok, err := s.evalWhen(r, step.If)
	if err != nil {
		return nil, err
	}
	if ok {
		return step.Then, nil
	}
	return step.Else, nil
}

func (s *Service) evalWhen(r *models.Run, w *models.WhenStep) (bool, error) {
	if w == nil {
		return false, gerror.NewErrValidationFailed("condition step missing if")
	}
	raw, ok := r.Context.Steps[w.StepID]
	if !ok {
		return false, gerror.NewErrValidationFailed(fmt.Sprintf("condition references unknown step id %q", w.StepID))
	}
	var v interface{}
	_ = json.Unmarshal(raw, &v)
	actual := getAtPath(v, w.Path)

	switch w.Op {
	case models.ConditionOpExists:
		return actual != nil, nil
	case models.ConditionOpNotExists:
		return actual == nil, nil
	case models.ConditionOpTruthy:
		return truthy(actual), nil
	case models.ConditionOpFalsy:
		return !truthy(actual), nil
	case models.ConditionOpEq, models.ConditionOpNeq:
		var want interface{}
		if len(w.Value) > 0 {
			_ = json.Unmarshal(w.Value, &want)
		}
		eq := reflect.DeepEqual(actual, want)
		if w.Op == models.ConditionOpEq {
			return eq, nil
		}
		return !eq, nil
	default:
		return false, gerror.NewErrValidationFailed(fmt.Sprintf("unknown condition op %q", w.Op))
	}
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	default:
		return true
	}
}

// execParallel runs step.Steps concurrently under the run's logical
// mutex. Each child executes against an isolated clone of the context so
// concurrent writers never race on the same map; results are merged back
// in declared child-index order once every child settles, giving
// context.previous the last-indexed child's output regardless of
// completion order.
func (s *Service) execParallel(ctx context.Context, r *models.Run, step models.Step, depth int) (*pauseSignal, error) {
	children := step.Steps
	baseAllLen := len(r.Context.All)
	baseErrLen := len(r.Context.Errors)

	type result struct {
		ctxOut models.Context
		pause  *pauseSignal
		err    error
	}
	results := make([]result, len(children))

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for i, child := range children {
		i, child := i, child
		childRun := &models.Run{Plan: r.Plan, Context: cloneContext(r.Context)}
		wg.Add(1)
		go func() {
			defer wg.Done()
			var pause *pauseSignal
			var err error
			if child.Type == models.StepTypeStatusUpdate {
				// Needs the sibling list to peek at the hook/sleep it
				// brackets, same as Drive's top-level dispatch.
				pause, err = s.execStatusUpdate(childRun, children, i)
			} else {
				pause, err = s.execStep(cctx, childRun, child, depth)
			}
			results[i] = result{ctxOut: childRun.Context, pause: pause, err: err}
			if err != nil && !r.Plan.ContinueOnError {
				cancel()
			}
		}()
	}
	wg.Wait()

	var firstErr error
	var firstPause *pauseSignal
	for i := range results {
		res := results[i]
		switch {
		case res.err != nil:
			if r.Plan.ContinueOnError {
				r.Context.RecordStepError(children[i].ID, res.err)
			} else if firstErr == nil {
				firstErr = res.err
			}
		case res.pause != nil:
			if firstPause == nil {
				firstPause = res.pause
			}
		default:
			mergeChildContext(r, res.ctxOut, baseAllLen, baseErrLen)
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return firstPause, nil
}

// mergeChildContext folds one successfully-completed parallel child's newly
// recorded step outputs into the parent context, sorted by step id — a
// child that itself produces more than one new named output is merged in
// step-id order, not in the order the child recorded them.
func mergeChildContext(r *models.Run, child models.Context, baseAllLen, baseErrLen int) {
	newKeys := make([]string, 0)
	for k := range child.Steps {
		if _, existed := r.Context.Steps[k]; !existed {
			newKeys = append(newKeys, k)
		}
	}
	sort.Strings(newKeys)
	for _, k := range newKeys {
		r.Context.RecordStepOutput(k, child.Steps[k])
	}
	if baseAllLen < len(child.All) && len(newKeys) == 0 {
		// A child with no step id still contributed unlabelled output(s);
		// fold them in for previous/all bookkeeping.
		for _, out := range child.All[baseAllLen:] {
			r.Context.RecordStepOutput("", out)
		}
	}
	if baseErrLen < len(child.Errors) {
		r.Context.Errors = append(r.Context.Errors, child.Errors[baseErrLen:]...)
	}
}

func cloneContext(c models.Context) models.Context {
	out := models.Context{
		Input:    c.Input,
		Previous: c.Previous,
		All:      append([]json.RawMessage{}, c.All...),
		Errors:   append([]models.StepError{}, c.Errors...),
		Steps:    make(map[string]json.RawMessage, len(c.Steps)),
	}
	for k, v := range c.Steps {
		out.Steps[k] = v
	}
	return out
}

// resolveInput implements templated input resolution, recursively
// walking the input tree so `_fromSteps`/`_path`/`_join` can appear nested
// inside a literal object while any other key is passed through unchanged.
func (s *Service) resolveInput(r *models.Run, raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw, nil
	}
	resolved, err := s.resolveValue(r, v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(resolved)
}

func (s *Service) resolveValue(r *models.Run, v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		if _, ok := val["_fromSteps"]; ok {
			return s.resolveTemplate(r, val)
		}
		out := make(map[string]interface{}, len(val))
		for k, child := range val {
			resolved, err := s.resolveValue(r, child)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, child := range val {
			resolved, err := s.resolveValue(r, child)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return val, nil
	}
}

func (s *Service) resolveTemplate(r *models.Run, obj map[string]interface{}) (interface{}, error) {
	idsRaw, _ := obj["_fromSteps"].([]interface{})
	ids := make([]string, 0, len(idsRaw))
	for _, x := range idsRaw {
		if str, ok := x.(string); ok {
			ids = append(ids, str)
		}
	}
	path, _ := obj["_path"].(string)
	join, hasJoin := obj["_join"].(string)

	values := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		raw, ok := r.Context.Steps[id]
		if !ok {
			return nil, gerror.NewErrValidationFailed(fmt.Sprintf("_fromSteps references unknown step id %q", id))
		}
		var out interface{}
		_ = json.Unmarshal(raw, &out)
		if path != "" {
			out = getAtPath(out, path)
		}
		values = append(values, out)
	}

	if hasJoin {
		parts := make([]string, len(values))
		for i, v := range values {
			parts[i] = fmt.Sprintf("%v", v)
		}
		return strings.Join(parts, join), nil
	}
	if len(values) == 1 {
		return values[0], nil
	}
	return values, nil
}

// getAtPath applies a dot-separated path to a decoded JSON value, used by
// both templating's `_path` and condition's `whenStep.path`.
func getAtPath(v interface{}, path string) interface{} {
	if path == "" {
		return v
	}
	cur := v
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}
