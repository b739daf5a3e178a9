package registry

import (
	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/pkg/schema"
)

// ValidProcessTransitions defines the allowed lifecycle edges for processes.
// Terminal states have no outgoing transitions.
var ValidProcessTransitions = map[schema.ProcessStatus][]schema.ProcessStatus{
	schema.ProcessStatusPending:   {schema.ProcessStatusRunning, schema.ProcessStatusCancelled},
	schema.ProcessStatusRunning:   {schema.ProcessStatusPaused, schema.ProcessStatusCompleted, schema.ProcessStatusFailed, schema.ProcessStatusCancelled},
	schema.ProcessStatusPaused:    {schema.ProcessStatusRunning, schema.ProcessStatusCancelled},
	schema.ProcessStatusCompleted: {},
	schema.ProcessStatusFailed:    {},
	schema.ProcessStatusCancelled: {},
}

func isValidTransition(from, to schema.ProcessStatus) bool {
	allowed, ok := ValidProcessTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

// checkTransition returns an INVALID_TRANSITION error for an illegal edge.
func checkTransition(processID string, from, to schema.ProcessStatus) error {
	if isValidTransition(from, to) {
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid process transition: %s -> %s", from, to).
		WithDetails(map[string]any{"processId": processID, "from": string(from), "to": string(to)})
}
