package models

import "encoding/json"

// Signal is an inbound resume of a paused hook. The registry never
// generates tokens itself — they arrive from the caller at start time or
// are produced by a plan's token function.
type Signal struct {
	Token     string          `json:"token"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt Time            `json:"createdAt"`
}
