package documents

import (
	"encoding/json"

	"github.com/flowbeaver/flowbeaver/common/models"
)

// Hook is the "is there a signal waiting" shape embedded in both the
// start and get-run responses.
type Hook struct {
	Token string `json:"token,omitempty"`
}

// RunDocument is the response body of POST /orchestrate and
// GET /orchestrate/{runId}.
type RunDocument struct {
	RunID  string           `json:"runId"`
	Status models.RunStatus `json:"status"`
	Result json.RawMessage  `json:"result,omitempty"`
	Error  *RunErrorDoc     `json:"error,omitempty"`
	Hook   *Hook            `json:"hook,omitempty"`
}

type RunErrorDoc struct {
	StepID  string `json:"stepId,omitempty"`
	Message string `json:"message"`
}

// NewRunDocument projects a models.Run into the wire shape. Result is the
// last successful step output (context.previous) once the run has reached
// a terminal state; it is omitted otherwise.
func NewRunDocument(r *models.Run) RunDocument {
	doc := RunDocument{
		RunID:  r.GetRunID().String(),
		Status: r.Status,
	}
	if r.Status.IsTerminal() && len(r.Context.Previous) > 0 {
		doc.Result = r.Context.Previous
	}
	if r.RunError != nil {
		doc.Error = &RunErrorDoc{StepID: r.RunError.StepID, Message: r.RunError.Message}
	}
	if r.WaitingHookToken != nil {
		doc.Hook = &Hook{Token: *r.WaitingHookToken}
	}
	return doc
}

// StartRunRequest is the body of POST /orchestrate. ExecutionID is
// accepted for caller bookkeeping but not otherwise interpreted by the
// runtime, which identifies runs by RunID. HookTokens maps a hook step's
// id to the token it should wait on — applied to the plan before
// normalisation/validation, so a hook step may omit an inline token and
// rely entirely on caller-supplied bookkeeping instead. Messages is
// accepted and ignored: chat transcripts have no role in step semantics.
type StartRunRequest struct {
	Config      models.Plan       `json:"config"`
	ExecutionID string            `json:"executionId,omitempty"`
	HookTokens  map[string]string `json:"hookTokens,omitempty"`
	Input       json.RawMessage   `json:"input,omitempty"`
	Messages    json.RawMessage   `json:"messages,omitempty"`
}

// SignalRequest is the body of POST /orchestrate/signal.
type SignalRequest struct {
	Token   string          `json:"token"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type SignalResponse struct {
	Success bool `json:"success"`
}
