package expressions

import (
	"encoding/json"
	"sync"

	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/pkg/schema"
)

// ScopeBuilder constructs evaluation scopes with proper variable isolation.
// It enforces:
//   - Node outputs are immutable after completion (frozen on insert).
//   - Workflow variables are last-write-wins (exports may overwrite).
//   - Loop variables (item, index) are scoped per iteration.
//   - Parallel branch scopes are isolated from sibling branches.
type ScopeBuilder struct {
	mu      sync.RWMutex
	nodes   map[string]any // node ID -> frozen output (deep-copied on insert)
	vars    map[string]any // workflow variables (exports)
	input   map[string]any // process input payload (immutable after init)
	process map[string]any // process metadata (immutable after init)

	// loop holds the current iteration variables, nil outside a loop.
	loop *LoopVars
}

// LoopVars holds the scoped variables for a single loop iteration.
type LoopVars struct {
	Item  any
	Index int
}

// NewScopeBuilder creates a ScopeBuilder initialized with process-level data.
// input and process are deep-copied to prevent external mutation.
func NewScopeBuilder(input, process map[string]any) *ScopeBuilder {
	return &ScopeBuilder{
		nodes:   make(map[string]any),
		vars:    make(map[string]any),
		input:   deepCopyMap(input),
		process: deepCopyMap(process),
	}
}

// AddNodeOutput registers a completed node's output, frozen at insertion.
// Re-registering a node ID is rejected: node outputs are immutable once the
// node completed.
func (sb *ScopeBuilder) AddNodeOutput(nodeID string, output json.RawMessage) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if _, exists := sb.nodes[nodeID]; exists {
		return schema.NewErrorf(schema.ErrCodeInterpolation,
			"node %q output already registered; node outputs are immutable after completion", nodeID)
	}

	if len(output) == 0 {
		sb.nodes[nodeID] = nil
		return nil
	}

	var parsed any
	if err := json.Unmarshal(output, &parsed); err != nil {
		return schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot parse node %q output: %s", nodeID, err.Error())
	}

	sb.nodes[nodeID] = deepCopyAny(parsed)
	return nil
}

// SetVar writes a workflow variable. Unlike node outputs these are
// last-write-wins: a later export may overwrite an earlier one.
func (sb *ScopeBuilder) SetVar(name string, value any) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.vars[name] = deepCopyAny(value)
}

// Vars returns a copy of the current workflow variables.
func (sb *ScopeBuilder) Vars() map[string]any {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return deepCopyMap(sb.vars)
}

// NodeOutput returns the frozen output of a completed node.
func (sb *ScopeBuilder) NodeOutput(nodeID string) (any, bool) {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	out, ok := sb.nodes[nodeID]
	return deepCopyAny(out), ok
}

// Data builds the evaluation map handed to expression engines. All values
// are copies so concurrent evaluation never observes builder mutation.
func (sb *ScopeBuilder) Data() map[string]any {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	data := map[string]any{
		"vars":    deepCopyMap(sb.vars),
		"nodes":   deepCopyMap(sb.nodes),
		"input":   deepCopyMap(sb.input),
		"process": sb.process,
	}
	if sb.loop != nil {
		data["loop"] = map[string]any{
			"item":  deepCopyAny(sb.loop.Item),
			"index": sb.loop.Index,
		}
	}
	return data
}

// WithLoopVars returns a child builder sharing the same state but carrying
// iteration-scoped loop variables.
func (sb *ScopeBuilder) WithLoopVars(item any, index int) *ScopeBuilder {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	return &ScopeBuilder{
		nodes:   sb.nodes,
		vars:    sb.vars,
		input:   sb.input,
		process: sb.process,
		loop: &LoopVars{
			Item:  deepCopyAny(item),
			Index: index,
		},
	}
}

// ForBranch returns an isolated child builder for a parallel branch. The
// child gets snapshots of node outputs and variables; branch-local writes do
// not leak to siblings until merged.
func (sb *ScopeBuilder) ForBranch() *ScopeBuilder {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	return &ScopeBuilder{
		nodes:   deepCopyMap(sb.nodes),
		vars:    deepCopyMap(sb.vars),
		input:   sb.input,
		process: sb.process,
		loop:    sb.loop,
	}
}

// MergeBranch folds a completed branch back into the parent. New node
// outputs are added (existing ones preserved per the immutability rule);
// branch variable writes overwrite parent values.
func (sb *ScopeBuilder) MergeBranch(branch *ScopeBuilder) {
	branch.mu.RLock()
	branchNodes := branch.nodes
	branchVars := branch.vars
	branch.mu.RUnlock()

	sb.mu.Lock()
	defer sb.mu.Unlock()

	for nodeID, output := range branchNodes {
		if _, exists := sb.nodes[nodeID]; !exists {
			sb.nodes[nodeID] = deepCopyAny(output)
		}
	}
	for name, value := range branchVars {
		sb.vars[name] = deepCopyAny(value)
	}
}

// --- deep copy utilities ---

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively copies maps and slices; primitives are value types.
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
