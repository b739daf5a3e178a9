package schema

import (
	"encoding/json"
	"time"
)

// WorkflowDefinition is the JSON-serializable workflow graph supplied as the
// input payload of a workflow-type process.
type WorkflowDefinition struct {
	Nodes     []NodeDefinition `json:"nodes"`
	Variables map[string]any   `json:"variables,omitempty"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
}

// NodeType enumerates the kinds of nodes in a workflow graph.
type NodeType string

const (
	NodeTypeAgent    NodeType = "agent"
	NodeTypeTool     NodeType = "tool"
	NodeTypeDecision NodeType = "decision"
	NodeTypeParallel NodeType = "parallel"
	NodeTypeLoop     NodeType = "loop"
)

// NodeDefinition describes a single node in a workflow graph.
type NodeDefinition struct {
	ID        string            `json:"id"`
	Type      NodeType          `json:"type,omitempty"` // default: agent
	Prompt    string            `json:"prompt,omitempty"`
	Tool      string            `json:"tool,omitempty"`
	Params    json.RawMessage   `json:"params,omitempty"`
	DependsOn []string          `json:"dependsOn,omitempty"`
	Export    map[string]string `json:"export,omitempty"` // variable → jq expression over node output
	Retry     *RetryPolicy      `json:"retry,omitempty"`  // overrides the process-level policy
	TimeoutMs int64             `json:"timeout,omitempty"`
	Config    json.RawMessage   `json:"config,omitempty"` // type-specific config
}

// RetryPolicy configures retry behavior for a node or agent call.
type RetryPolicy struct {
	Max               int     `json:"max"`
	DelayMs           int64   `json:"delay,omitempty"`
	BackoffMultiplier float64 `json:"backoffMultiplier,omitempty"` // <=1 means linear
}

// DecisionConfig is the config block for decision-type nodes. When Prompt is
// set the node raises an AgentInteraction and stores the resolved value in
// Variable before the condition is evaluated.
type DecisionConfig struct {
	Condition string              `json:"condition"`
	Engine    string              `json:"engine,omitempty"` // cel (default) | expr
	OnTrue    []string            `json:"onTrue,omitempty"` // successor node IDs taken when true
	OnFalse   []string            `json:"onFalse,omitempty"`
	Prompt    string              `json:"prompt,omitempty"`
	Options   []InteractionOption `json:"options,omitempty"`
	Default   string              `json:"default,omitempty"`
	TimeoutMs int64               `json:"timeout,omitempty"`
	Variable  string              `json:"variable,omitempty"` // variables key for the resolved value
}

// ParallelConfig is the config block for parallel-type nodes.
type ParallelConfig struct {
	Children        []NodeDefinition `json:"children"`
	ContinueOnError bool             `json:"continueOnError,omitempty"`
}

// LoopConfig is the config block for loop-type nodes.
type LoopConfig struct {
	Body          []NodeDefinition `json:"body"`
	Condition     string           `json:"condition,omitempty"` // continue while true (CEL/expr)
	Engine        string           `json:"engine,omitempty"`
	MaxIterations int              `json:"maxIterations,omitempty"`
	Counter       string           `json:"counter,omitempty"` // loop counter key (default: node ID)
}

// NodeStatus represents the lifecycle state of a workflow node.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusReady     NodeStatus = "ready"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusWaiting   NodeStatus = "waiting_interaction"
	NodeStatusRetrying  NodeStatus = "retrying"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
)

// IsTerminal reports whether the node status has no outgoing transitions.
func (s NodeStatus) IsTerminal() bool {
	return s == NodeStatusCompleted || s == NodeStatusFailed || s == NodeStatusSkipped
}

// NodeState is the live execution state of one node.
type NodeState struct {
	NodeID       string          `json:"nodeId"`
	Status       NodeStatus      `json:"status"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	Error        string          `json:"error,omitempty"`
	RetryCount   int             `json:"retryCount"`
	Dependencies []string        `json:"dependencies,omitempty"`
	StartedAt    *time.Time      `json:"startedAt,omitempty"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	DurationMs   int64           `json:"durationMs,omitempty"`
}

// Checkpoint is a snapshot of workflow variables and loop counters taken
// after a node transition, enabling exact resumption.
type Checkpoint struct {
	NodeID    string          `json:"nodeId"`
	Timestamp time.Time       `json:"timestamp"`
	State     json.RawMessage `json:"state"`
}

// CheckpointState is the payload serialized into Checkpoint.State.
type CheckpointState struct {
	Variables    map[string]any `json:"variables"`
	LoopCounters map[string]int `json:"loopCounters,omitempty"`
}

// WorkflowState is the one-to-one companion to a workflow-type process.
// CurrentNode, when set, always references a key present in Nodes.
type WorkflowState struct {
	ProcessID           string                `json:"processId"`
	CurrentNode         string                `json:"currentNode,omitempty"`
	Nodes               map[string]*NodeState `json:"nodes"`
	Variables           map[string]any        `json:"variables"`
	ConditionalBranches map[string]bool       `json:"conditionalBranches,omitempty"`
	LoopCounters        map[string]int        `json:"loopCounters,omitempty"`
	PausePoint          string                `json:"pausePoint,omitempty"`
	Checkpoints         []Checkpoint          `json:"checkpoints,omitempty"`
}

// Snapshot builds a checkpoint capturing the current variables and loop
// counters. Maps are deep-copied through JSON so later mutation cannot
// alter history.
func (ws *WorkflowState) Snapshot(nodeID string, at time.Time) Checkpoint {
	payload, _ := json.Marshal(CheckpointState{
		Variables:    ws.Variables,
		LoopCounters: ws.LoopCounters,
	})
	return Checkpoint{NodeID: nodeID, Timestamp: at, State: payload}
}

// LatestCheckpoint returns the most recent checkpoint, or nil if none exist.
func (ws *WorkflowState) LatestCheckpoint() *Checkpoint {
	if len(ws.Checkpoints) == 0 {
		return nil
	}
	return &ws.Checkpoints[len(ws.Checkpoints)-1]
}
