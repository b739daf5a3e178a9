package streaming

import (
	"context"

	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/pkg/schema"
)

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	ProcessID  string   `json:"processId,omitempty"`
	EventTypes []string `json:"eventTypes,omitempty"`
}

// Matches reports whether the event passes the filter. A zero filter
// matches everything.
func (f EventFilter) Matches(e schema.ProcessEvent) bool {
	if f.ProcessID != "" && f.ProcessID != e.ProcessID {
		return false
	}
	if len(f.EventTypes) == 0 {
		return true
	}
	for _, t := range f.EventTypes {
		if t == e.Type {
			return true
		}
	}
	return false
}

// EventHub is the publish/subscribe contract between the engine and the
// external delivery layer. Publishing is fire-and-forget: a slow or failed
// subscriber must never block or fail the originating state transition.
type EventHub interface {
	Publish(ctx context.Context, event schema.ProcessEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan schema.ProcessEvent, func(), error)
}
