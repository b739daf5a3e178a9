package schema

import "time"

// Event type constants for the published process event stream.
const (
	EventStatusChange   = "status_change"
	EventProgressUpdate = "progress_update"
	EventLogEntry       = "log_entry"
	EventResourceUpdate = "resource_update"
	EventError          = "error"
	EventCompletion     = "completion"
)

// ProcessEvent is the envelope published for every observable change.
// Events for a given process are published in the order its state actually
// transitioned.
type ProcessEvent struct {
	Type      string    `json:"type"`
	ProcessID string    `json:"processId"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusChangeData is the Data payload of a status_change event.
type StatusChangeData struct {
	From   ProcessStatus `json:"from"`
	To     ProcessStatus `json:"to"`
	Reason string        `json:"reason,omitempty"`
}
