package schema

import "time"

// InteractionKind enumerates why a running process is asking for input.
type InteractionKind string

const (
	InteractionInputRequest  InteractionKind = "input_request"
	InteractionDecisionPoint InteractionKind = "decision_point"
	InteractionConfirmation  InteractionKind = "confirmation"
	InteractionBreakpoint    InteractionKind = "debug_breakpoint"
)

// InteractionOption is one selectable choice at an interaction point.
type InteractionOption struct {
	ID          string `json:"id"`
	Label       string `json:"label,omitempty"`
	Description string `json:"description,omitempty"`
}

// InteractionResolution records the (at most one) resolution of an interaction.
type InteractionResolution struct {
	Value      any       `json:"value"`
	ResolvedAt time.Time `json:"resolvedAt"`
	ResolvedBy string    `json:"resolvedBy,omitempty"`
}

// AgentInteraction is a human-in-the-loop pause point raised by a running
// process. An unresolved interaction past its timeout resolves to its
// default value, or fails the waiting step when no default is configured.
type AgentInteraction struct {
	ID           string                 `json:"id"`
	ProcessID    string                 `json:"processId"`
	AgentName    string                 `json:"agentName"`
	Kind         InteractionKind        `json:"kind"`
	Prompt       string                 `json:"prompt"`
	Options      []InteractionOption    `json:"options,omitempty"`
	DefaultValue any                    `json:"defaultValue,omitempty"`
	TimeoutAt    *time.Time             `json:"timeoutAt,omitempty"`
	CreatedAt    time.Time              `json:"createdAt"`
	Resolution   *InteractionResolution `json:"resolution,omitempty"`
}

// Resolved reports whether the interaction has been answered.
func (i *AgentInteraction) Resolved() bool { return i.Resolution != nil }

// Expired reports whether the interaction's timeout has passed unresolved.
func (i *AgentInteraction) Expired(now time.Time) bool {
	return i.Resolution == nil && i.TimeoutAt != nil && now.After(*i.TimeoutAt)
}
