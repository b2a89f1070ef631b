package models

import (
	"database/sql/driver"
	"encoding/json"
)

// StepError is an entry in Context.Errors, recorded only when the owning
// plan has continueOnError set.
type StepError struct {
	Step  string `json:"step"`
	Error string `json:"error"`
}

// Context is the per-run accumulative map of inputs and step outputs
// available to later steps. It is embedded in Run rather than stored
// separately so that a step completion and whatever run-status transition
// follows it persist in the same write.
type Context struct {
	Input    json.RawMessage            `json:"input"`
	Steps    map[string]json.RawMessage `json:"steps"`
	Previous json.RawMessage            `json:"previous,omitempty"`
	All      []json.RawMessage          `json:"all"`
	Errors   []StepError                `json:"errors,omitempty"`
}

func NewContext(input json.RawMessage) Context {
	return Context{
		Input: input,
		Steps: make(map[string]json.RawMessage),
		All:   make([]json.RawMessage, 0),
	}
}

// RecordStepOutput updates Steps, All and Previous together, keeping
// Previous equal to the last entry of All.
func (c *Context) RecordStepOutput(stepID string, output json.RawMessage) {
	if stepID != "" {
		if c.Steps == nil {
			c.Steps = make(map[string]json.RawMessage)
		}
		c.Steps[stepID] = output
	}
	c.All = append(c.All, output)
	c.Previous = output
}

// RecordStepError appends to Errors without touching Previous/All — used
// only when continueOnError allows a failed step's output to remain
// undefined while execution continues.
func (c *Context) RecordStepError(stepID string, err error) {
	c.Errors = append(c.Errors, StepError{Step: stepID, Error: err.Error()})
}

// Scan/Value let Context be stored as a single JSONB/TEXT column
// alongside the rest of the Run row, rather than normalised into a join.
func (c *Context) Scan(src interface{}) error {
	if src == nil {
		*c = NewContext(nil)
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return errInvalidContextScanType
	}
	if len(raw) == 0 {
		*c = NewContext(nil)
		return nil
	}
	return json.Unmarshal(raw, c)
}

func (c Context) Value() (driver.Value, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

var errInvalidContextScanType = &contextScanError{}

type contextScanError struct{}

func (e *contextScanError) Error() string {
	return "error scanning context: expected []byte or string"
}
