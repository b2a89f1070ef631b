package models

import (
	"database/sql/driver"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ResourceID is a globally unique, kind-prefixed identifier shared by every
// resource in the system (runs, jobs, plans). The string form is
// "<kind>:<uuid>" so ids are self-describing in logs and API responses
// without a lookup.
type ResourceID struct {
	kind ResourceKind
	id   uuid.UUID
}

// NewResourceID mints a fresh random ResourceID of the given kind.
func NewResourceID(kind ResourceKind) ResourceID {
	return ResourceID{kind: kind, id: uuid.New()}
}

// ParseResourceID parses a previously-formatted "<kind>:<uuid>" string,
// verifying it matches the expected kind.
func ParseResourceID(kind ResourceKind, str string) (ResourceID, error) {
	prefix := string(kind) + ":"
	if !strings.HasPrefix(str, prefix) {
		return ResourceID{}, fmt.Errorf("error parsing %s id: expected prefix %q in %q", kind, prefix, str)
	}
	parsed, err := uuid.Parse(strings.TrimPrefix(str, prefix))
	if err != nil {
		return ResourceID{}, fmt.Errorf("error parsing %s id: %w", kind, err)
	}
	return ResourceID{kind: kind, id: parsed}, nil
}

func (r ResourceID) Kind() ResourceKind {
	return r.kind
}

func (r ResourceID) String() string {
	if r.kind == "" && r.id == uuid.Nil {
		return ""
	}
	return fmt.Sprintf("%s:%s", r.kind, r.id)
}

// Valid returns true if the id has a kind and a non-nil uuid.
func (r ResourceID) Valid() bool {
	return r.kind != "" && r.id != uuid.Nil
}

func (r ResourceID) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", r.String())), nil
}

func (r *ResourceID) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*r = ResourceID{}
		return nil
	}
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return fmt.Errorf("error unmarshalling resource id: malformed value %q", s)
	}
	parsed, err := ParseResourceID(ResourceKind(parts[0]), s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

func (r ResourceID) Value() (driver.Value, error) {
	if !r.Valid() {
		return nil, nil
	}
	return r.String(), nil
}

func (r *ResourceID) Scan(src interface{}) error {
	if src == nil {
		*r = ResourceID{}
		return nil
	}
	s, ok := src.(string)
	if !ok {
		if b, ok2 := src.([]byte); ok2 {
			s = string(b)
		} else {
			return fmt.Errorf("error scanning resource id: expected string, got %#v", src)
		}
	}
	if s == "" {
		*r = ResourceID{}
		return nil
	}
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return fmt.Errorf("error scanning resource id: malformed value %q", s)
	}
	parsed, err := ParseResourceID(ResourceKind(parts[0]), s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

const (
	RunKind    ResourceKind = "run"
	JobKind    ResourceKind = "job"
	PlanKind   ResourceKind = "plan"
	SignalKind ResourceKind = "signal"
)

// RunID identifies a single execution of a plan.
type RunID struct{ ResourceID }

func NewRunID() RunID { return RunID{NewResourceID(RunKind)} }

func ParseRunID(str string) (RunID, error) {
	id, err := ParseResourceID(RunKind, str)
	return RunID{id}, err
}

// JobID identifies a durable worker job record.
type JobID struct{ ResourceID }

func NewJobID() JobID { return JobID{NewResourceID(JobKind)} }

func ParseJobID(str string) (JobID, error) {
	id, err := ParseResourceID(JobKind, str)
	return JobID{id}, err
}
