package models

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// StepType is the tag of the Step variant union.
type StepType string

const (
	StepTypeAgent        StepType = "agent"
	StepTypeHook         StepType = "hook"
	StepTypeSleep        StepType = "sleep"
	StepTypeCondition    StepType = "condition"
	StepTypeParallel     StepType = "parallel"
	StepTypeWorker       StepType = "worker"
	StepTypeWorkflow     StepType = "workflow"
	StepTypeStatusUpdate StepType = "_statusUpdate"
)

// ConditionOp is one of the serialisable predicate operators a condition
// step's `if` may use.
type ConditionOp string

const (
	ConditionOpEq        ConditionOp = "eq"
	ConditionOpNeq       ConditionOp = "neq"
	ConditionOpTruthy    ConditionOp = "truthy"
	ConditionOpFalsy     ConditionOp = "falsy"
	ConditionOpExists    ConditionOp = "exists"
	ConditionOpNotExists ConditionOp = "notExists"
)

// WhenStep is the serialisable step-field predicate form of a condition's
// `if` — the only form that survives across a process boundary.
type WhenStep struct {
	StepID string          `json:"stepId"`
	Path   string          `json:"path,omitempty"`
	Op     ConditionOp     `json:"op"`
	Value  json.RawMessage `json:"value,omitempty"`
}

// WorkerPollConfig overrides the runtime's default poll cadence for an
// awaited worker or workflow step. Zero fields fall back to the
// next level: step > plan > runtime default.
type WorkerPollConfig struct {
	IntervalMs int `json:"intervalMs,omitempty"`
	TimeoutMs  int `json:"timeoutMs,omitempty"`
	MaxRetries int `json:"maxRetries,omitempty"`
}

const (
	DefaultPollIntervalMs = 3000
	DefaultPollTimeoutMs  = 600000
	DefaultPollMaxRetries = 200
)

// Merge returns a copy of d in which each non-zero field of override
// replaces the corresponding field of d, used to apply step>plan>runtime
// precedence.
func (d WorkerPollConfig) Merge(override WorkerPollConfig) WorkerPollConfig {
	out := d
	if override.IntervalMs != 0 {
		out.IntervalMs = override.IntervalMs
	}
	if override.TimeoutMs != 0 {
		out.TimeoutMs = override.TimeoutMs
	}
	if override.MaxRetries != 0 {
		out.MaxRetries = override.MaxRetries
	}
	return out
}

func DefaultWorkerPoll() WorkerPollConfig {
	return WorkerPollConfig{
		IntervalMs: DefaultPollIntervalMs,
		TimeoutMs:  DefaultPollTimeoutMs,
		MaxRetries: DefaultPollMaxRetries,
	}
}

// Step is one node of a plan. Rather than a sum type (Go has none), every
// variant's fields live on one struct with a Type discriminator; Validate
// checks that only the fields of the tagged variant are meaningful.
type Step struct {
	Type StepType `json:"type"`
	ID   string   `json:"id,omitempty"`

	// agent / worker / workflow
	Agent    string          `json:"agent,omitempty"`
	Worker   string          `json:"worker,omitempty"`
	Workflow string          `json:"workflow,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
	Await    *bool           `json:"await,omitempty"`

	// hook
	Token string `json:"token,omitempty"`

	// sleep
	Duration string `json:"duration,omitempty"`

	// condition
	If   *WhenStep `json:"if,omitempty"`
	Then []Step    `json:"then,omitempty"`
	Else []Step    `json:"else,omitempty"`

	// parallel
	Steps []Step `json:"steps,omitempty"`

	// worker / workflow poll override
	WorkerPoll *WorkerPollConfig `json:"workerPoll,omitempty"`

	// _statusUpdate (internal, injected by normalisation)
	StatusUpdate *StatusUpdatePayload `json:"statusUpdate,omitempty"`
}

// StatusUpdatePayload is the internal _statusUpdate step's payload.
type StatusUpdatePayload struct {
	Status    RunStatus `json:"status"`
	HookToken *string   `json:"hookToken,omitempty"`
}

// ApplyHookTokens fills in the Token field of every hook step whose id
// appears in tokens, when the step didn't already embed one inline — the
// hookTokens[stepId]=token path, distinct from a token embedded directly
// on the step by a plan builder. Recurses into condition/parallel children
// the same way normalisation does.
func (p *Plan) ApplyHookTokens(tokens map[string]string) {
	if len(tokens) == 0 {
		return
	}
	applyHookTokens(p.Steps, tokens)
}

func applyHookTokens(steps []Step, tokens map[string]string) {
	for i := range steps {
		s := &steps[i]
		switch s.Type {
		case StepTypeHook:
			if s.Token == "" && s.ID != "" {
				if tok, ok := tokens[s.ID]; ok && tok != "" {
					s.Token = tok
				}
			}
		case StepTypeCondition:
			applyHookTokens(s.Then, tokens)
			applyHookTokens(s.Else, tokens)
		case StepTypeParallel:
			applyHookTokens(s.Steps, tokens)
		}
	}
}

func (s Step) AwaitOrDefault(def bool) bool {
	if s.Await == nil {
		return def
	}
	return *s.Await
}

// ParseDuration interprets a sleep step's "1m"/"30s"-or-milliseconds
// duration form.
func (s Step) ParseDuration() (time.Duration, error) {
	if s.Duration == "" {
		return 0, errors.New("error sleep step must set duration")
	}
	if d, err := time.ParseDuration(s.Duration); err == nil {
		return d, nil
	}
	ms, err := strconv.ParseInt(s.Duration, 10, 64)
	if err != nil {
		return 0, errors.Errorf("error invalid sleep duration %q", s.Duration)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// Plan is the immutable, serialisable description of the steps a run
// executes.
type Plan struct {
	ID              string            `json:"id,omitempty"`
	Steps           []Step            `json:"steps"`
	HookTimeout     string            `json:"hookTimeout,omitempty"`
	ContinueOnError bool              `json:"continueOnError,omitempty"`
	Timeout         string            `json:"timeout,omitempty"`
	WorkerPoll      *WorkerPollConfig `json:"workerPoll,omitempty"`
}

const DefaultHookTimeout = 7 * 24 * time.Hour

func (p Plan) EffectiveWorkerPoll() WorkerPollConfig {
	base := DefaultWorkerPoll()
	if p.WorkerPoll != nil {
		base = base.Merge(*p.WorkerPoll)
	}
	return base
}

func (p Plan) EffectiveHookTimeout() (time.Duration, error) {
	if p.HookTimeout == "" {
		return DefaultHookTimeout, nil
	}
	return time.ParseDuration(p.HookTimeout)
}

// EffectiveTimeout parses the plan-level wall-clock bound; exceeding it
// fails the run. ok is false when the plan set no timeout at all, in which
// case a run's total wall-clock is unbounded.
func (p Plan) EffectiveTimeout() (d time.Duration, ok bool, err error) {
	if p.Timeout == "" {
		return 0, false, nil
	}
	d, err = time.ParseDuration(p.Timeout)
	return d, true, err
}

// Validate walks the plan tree checking step-id uniqueness and that every
// step tag is known — unknown kinds fail at plan submission, not at
// execution time.
func (p Plan) Validate() error {
	var result *multierror.Error
	if len(p.Steps) == 0 {
		result = multierror.Append(result, errors.New("error plan must have at least one step"))
	}
	seen := map[string]bool{}
	validateSteps(p.Steps, seen, &result)
	return result.ErrorOrNil()
}

func validateSteps(steps []Step, seen map[string]bool, result **multierror.Error) {
	for _, s := range steps {
		if s.ID != "" {
			if seen[s.ID] {
				*result = multierror.Append(*result, errors.Errorf("error duplicate step id %q", s.ID))
			}
			seen[s.ID] = true
		}
		switch s.Type {
		case StepTypeAgent:
			if s.Agent == "" {
				*result = multierror.Append(*result, errors.New("error agent step missing agent path"))
			}
		case StepTypeHook:
			if s.Token == "" {
				*result = multierror.Append(*result, errors.New("error hook step missing token"))
			}
		case StepTypeSleep:
			if s.Duration == "" {
				*result = multierror.Append(*result, errors.New("error sleep step missing duration"))
			}
		case StepTypeCondition:
			if s.If == nil {
				*result = multierror.Append(*result, errors.New("error condition step missing if"))
			}
			validateSteps(s.Then, seen, result)
			validateSteps(s.Else, seen, result)
		case StepTypeParallel:
			validateSteps(s.Steps, seen, result)
		case StepTypeWorker:
			if s.Worker == "" {
				*result = multierror.Append(*result, errors.New("error worker step missing worker id"))
			}
		case StepTypeWorkflow:
			if s.Workflow == "" {
				*result = multierror.Append(*result, errors.New("error workflow step missing workflow id"))
			}
		case StepTypeStatusUpdate:
			if s.StatusUpdate == nil {
				*result = multierror.Append(*result, errors.New("error _statusUpdate step missing payload"))
			}
		default:
			*result = multierror.Append(*result, errors.Errorf("error unknown step type %q", s.Type))
		}
	}
}
