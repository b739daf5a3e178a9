package engine

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/pkg/schema"
)

// DAG is the in-memory graph representation of a workflow definition. Built
// once per run, used by the runner to determine dispatch order.
type DAG struct {
	Nodes   map[string]*schema.NodeDefinition // node ID → definition
	Edges   map[string][]string               // node ID → dependencies (dependsOn)
	Reverse map[string][]string               // node ID → dependents
	Sorted  []string                          // topological order
	Roots   []string                          // nodes with no dependencies
}

var validNodeTypes = map[schema.NodeType]bool{
	schema.NodeTypeAgent:    true,
	schema.NodeTypeTool:     true,
	schema.NodeTypeDecision: true,
	schema.NodeTypeParallel: true,
	schema.NodeTypeLoop:     true,
}

// ParseDAG parses a WorkflowDefinition into an executable DAG. It validates
// the definition, builds adjacency lists, performs a topological sort with
// Kahn's algorithm, and rejects cycles.
func ParseDAG(def *schema.WorkflowDefinition) (*DAG, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if len(def.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no nodes")
	}

	dag := &DAG{
		Nodes:   make(map[string]*schema.NodeDefinition, len(def.Nodes)),
		Edges:   make(map[string][]string, len(def.Nodes)),
		Reverse: make(map[string][]string, len(def.Nodes)),
	}

	// First pass: register nodes, default types, reject duplicates.
	seen := make(map[string]bool, len(def.Nodes))
	if err := registerNodes(def.Nodes, dag, seen); err != nil {
		return nil, err
	}

	// Second pass: type-specific config constraints.
	for _, node := range dag.Nodes {
		if err := validateNodeConfig(node); err != nil {
			return nil, err
		}
	}

	// Third pass: adjacency lists and dependency validation.
	for id, node := range dag.Nodes {
		depSeen := make(map[string]bool, len(node.DependsOn))
		deps := make([]string, 0, len(node.DependsOn))
		for _, dep := range node.DependsOn {
			if _, exists := dag.Nodes[dep]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %s depends on non-existent node: %s", id, dep)
			}
			if dep == id {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "node %s depends on itself", id)
			}
			if depSeen[dep] {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %s has duplicate dependency: %s", id, dep)
			}
			depSeen[dep] = true
			deps = append(deps, dep)
			dag.Reverse[dep] = append(dag.Reverse[dep], id)
		}
		dag.Edges[id] = deps
	}

	// Decision branch targets must exist.
	for id, node := range dag.Nodes {
		if node.Type != schema.NodeTypeDecision || len(node.Config) == 0 {
			continue
		}
		var cfg schema.DecisionConfig
		if err := json.Unmarshal(node.Config, &cfg); err != nil {
			continue // already validated in pass two
		}
		for _, target := range append(append([]string(nil), cfg.OnTrue...), cfg.OnFalse...) {
			if _, exists := dag.Nodes[target]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"decision node %s routes to non-existent node: %s", id, target)
			}
		}
	}

	// Kahn's algorithm: topological sort + cycle detection.
	inDegree := make(map[string]int, len(dag.Nodes))
	for id := range dag.Nodes {
		inDegree[id] = len(dag.Edges[id])
	}

	queue := make([]string, 0)
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)
	dag.Roots = append([]string(nil), queue...)

	sorted := make([]string, 0, len(dag.Nodes))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		dependents := append([]string(nil), dag.Reverse[node]...)
		sort.Strings(dependents)
		for _, dep := range dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(dag.Nodes) {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "workflow contains a cycle")
	}
	dag.Sorted = sorted

	return dag, nil
}

// registerNodes adds top-level nodes to the DAG and checks that every node
// ID, including IDs nested in parallel children and loop bodies, is unique
// across the whole definition.
func registerNodes(nodes []schema.NodeDefinition, dag *DAG, seen map[string]bool) error {
	for i := range nodes {
		node := &nodes[i]

		if node.ID == "" {
			return schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("node at index %d has empty ID", i))
		}
		if seen[node.ID] {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate node ID: %s", node.ID)
		}
		seen[node.ID] = true

		if node.Type == "" {
			node.Type = schema.NodeTypeAgent
		}
		if !validNodeTypes[node.Type] {
			return schema.NewErrorf(schema.ErrCodeValidation, "node %s has unknown type: %s", node.ID, node.Type)
		}

		dag.Nodes[node.ID] = node

		// Nested IDs share the namespace but are not scheduled at top level.
		if err := collectNestedIDs(node, seen); err != nil {
			return err
		}
	}
	return nil
}

func collectNestedIDs(node *schema.NodeDefinition, seen map[string]bool) error {
	var nested []schema.NodeDefinition
	switch node.Type {
	case schema.NodeTypeParallel:
		var cfg schema.ParallelConfig
		if len(node.Config) > 0 {
			if err := json.Unmarshal(node.Config, &cfg); err == nil {
				nested = cfg.Children
			}
		}
	case schema.NodeTypeLoop:
		var cfg schema.LoopConfig
		if len(node.Config) > 0 {
			if err := json.Unmarshal(node.Config, &cfg); err == nil {
				nested = cfg.Body
			}
		}
	default:
		return nil
	}

	for i := range nested {
		child := &nested[i]
		if child.ID == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "node %s has a child with empty ID", node.ID)
		}
		if seen[child.ID] {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate node ID: %s", child.ID)
		}
		seen[child.ID] = true
		if err := collectNestedIDs(child, seen); err != nil {
			return err
		}
	}
	return nil
}

// validateNodeConfig checks type-specific constraints on a node definition.
func validateNodeConfig(node *schema.NodeDefinition) error {
	switch node.Type {
	case schema.NodeTypeDecision:
		if len(node.Config) == 0 {
			return schema.NewErrorf(schema.ErrCodeValidation, "decision node %s has no config", node.ID)
		}
		var cfg schema.DecisionConfig
		if err := json.Unmarshal(node.Config, &cfg); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "decision node %s has invalid config: %v", node.ID, err)
		}
		if cfg.Condition == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "decision node %s has no condition", node.ID)
		}
		if cfg.Prompt != "" && cfg.Variable == "" {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"decision node %s has a prompt but no variable to store the resolution", node.ID)
		}

	case schema.NodeTypeParallel:
		if len(node.Config) == 0 {
			return schema.NewErrorf(schema.ErrCodeValidation, "parallel node %s has no config", node.ID)
		}
		var cfg schema.ParallelConfig
		if err := json.Unmarshal(node.Config, &cfg); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "parallel node %s has invalid config: %v", node.ID, err)
		}
		if len(cfg.Children) == 0 {
			return schema.NewErrorf(schema.ErrCodeValidation, "parallel node %s has no children", node.ID)
		}

	case schema.NodeTypeLoop:
		if len(node.Config) == 0 {
			return schema.NewErrorf(schema.ErrCodeValidation, "loop node %s has no config", node.ID)
		}
		var cfg schema.LoopConfig
		if err := json.Unmarshal(node.Config, &cfg); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "loop node %s has invalid config: %v", node.ID, err)
		}
		if cfg.MaxIterations <= 0 && cfg.Condition == "" {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"loop node %s must have maxIterations > 0 or a condition to prevent infinite loops", node.ID)
		}
		if len(cfg.Body) == 0 {
			return schema.NewErrorf(schema.ErrCodeValidation, "loop node %s has empty body", node.ID)
		}

	case schema.NodeTypeTool:
		if node.Tool == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "tool node %s has no tool name", node.ID)
		}

	case schema.NodeTypeAgent:
		if node.Prompt == "" {
			return schema.NewErrorf(schema.ErrCodeValidation, "agent node %s has no prompt", node.ID)
		}
	}

	return nil
}
