package models

import (
	"encoding/json"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// RunStatus is the lifecycle state of a single execution of a plan.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// IsTerminal returns true for completed/failed, from which a run can never
// transition away.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Run is the durable record of one execution of a plan. Context is
// embedded directly in the run so that a step completion and the status
// transition that follows it are persisted together, atomically, by the
// run registry.
type Run struct {
	BaseResource

	PlanID  ResourceID `json:"planId,omitempty" db:"plan_id"`
	Status  RunStatus  `json:"status" db:"status"`
	Context Context    `json:"context" db:"context"`

	// Plan is the normalised plan this run is executing, persisted alongside
	// the run itself so each short-lived request handler can reload it and
	// resume the interpreter without a separate plan-registry lookup: a
	// plan is submitted fresh with every start call rather than referenced
	// by id, so it must travel with the run or be lost between invocations.
	Plan Plan `json:"-" db:"plan"`

	// CurrentStep is the index, within Plan.Steps (the top-level normalised
	// step list), that the interpreter is at or resuming from. A step
	// nested inside a condition/parallel block does not get its own index:
	// the interpreter re-walks that top-level step's subtree on resume,
	// skipping any nested step whose id already has a recorded context
	// output.
	CurrentStep int `json:"currentStep" db:"current_step"`

	// WaitingHookToken is set while Status == paused on a hook step; it is
	// the token a Signal must present to resume this run.
	WaitingHookToken *string `json:"waitingHookToken,omitempty" db:"waiting_hook_token"`

	// WakeAt is set while Status == paused on a sleep step whose duration
	// was too long to block the current request handler for; a timer
	// service polls for paused runs whose WakeAt has passed and re-invokes
	// the interpreter.
	WakeAt *Time `json:"wakeAt,omitempty" db:"wake_at"`

	// HookDeadline is set alongside WaitingHookToken to the plan's
	// hookTimeout (default 7 days) from the moment the run paused; the timer
	// service fails the run with a timeout error once this passes without a
	// signal arriving.
	HookDeadline *Time `json:"hookDeadline,omitempty" db:"hook_deadline"`

	// RunError, when set, records the step that failed the run and why.
	RunError *RunError `json:"error,omitempty" db:"run_error"`

	// CancelRequested is set by Cancel and never cleared; it is a soft
	// cancellation token: running in-process steps
	// check it between steps and awaited worker/workflow polls check it
	// between attempts, both failing the run rather than continuing. There
	// is no remote cancel primitive, so a dispatched job already in flight
	// keeps running independently of this flag.
	CancelRequested bool `json:"cancelRequested,omitempty" db:"cancel_requested"`

	// CallDepth counts nesting of workflow-step-spawned child runs, so the
	// interpreter can bound recursion across the durable-run boundary. A
	// caller-submitted top-level run starts at 0; each workflow step
	// increments it for the child run it creates.
	CallDepth int `json:"callDepth,omitempty" db:"call_depth"`

	CreatedAt   Time  `json:"createdAt" db:"created_at"`
	UpdatedAt   Time  `json:"updatedAt" db:"updated_at"`
	CompletedAt *Time `json:"completedAt,omitempty" db:"completed_at"`
	ETag        ETag  `json:"-" db:"etag"`
}

// RunError records which step failed a run, and why.
type RunError struct {
	StepID  string `json:"stepId,omitempty"`
	Message string `json:"message"`
}

func (e *RunError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func NewRun(id RunID, planID ResourceID, plan Plan, now Time, input json.RawMessage, callDepth int) *Run {
	return &Run{
		BaseResource: *NewBaseResource(RunKind, id.ResourceID),
		PlanID:       planID,
		Plan:         plan,
		Status:       RunStatusPending,
		Context:      NewContext(input),
		CurrentStep:  0,
		CallDepth:    callDepth,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// GetRunID returns the resource id typed as a RunID, a convenience over
// GetID() for callers that need the typed wrapper (e.g. the interpreter).
func (r *Run) GetRunID() RunID { return RunID{ResourceID: r.GetID()} }

func (r *Run) GetCreatedAt() Time  { return r.CreatedAt }
func (r *Run) GetUpdatedAt() Time  { return r.UpdatedAt }
func (r *Run) SetUpdatedAt(t Time) { r.UpdatedAt = t }
func (r *Run) GetETag() ETag       { return r.ETag }
func (r *Run) SetETag(e ETag)      { r.ETag = e }

func (r *Run) Validate() error {
	var result *multierror.Error
	if err := r.BaseResource.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	if !r.PlanID.Valid() {
		result = multierror.Append(result, errors.New("error run must reference a valid plan id"))
	}
	switch r.Status {
	case RunStatusPending, RunStatusRunning, RunStatusPaused, RunStatusCompleted, RunStatusFailed:
	default:
		result = multierror.Append(result, errors.Errorf("error invalid run status %q", r.Status))
	}
	// A paused run is waiting on either a hook token or a pending timer;
	// the timer case carries no token, so absence alone is not a
	// validation failure here.
	return result.ErrorOrNil()
}
