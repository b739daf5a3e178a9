package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/pkg/schema"
)

func defWithNodes(nodes ...schema.NodeDefinition) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{Nodes: nodes}
}

func agentNode(id string, deps ...string) schema.NodeDefinition {
	return schema.NodeDefinition{ID: id, Type: schema.NodeTypeAgent, Prompt: "do " + id, DependsOn: deps}
}

func TestParseDAGTopologicalOrder(t *testing.T) {
	dag, err := ParseDAG(defWithNodes(
		agentNode("c", "a", "b"),
		agentNode("a"),
		agentNode("b", "a"),
	))
	require.NoError(t, err)

	pos := make(map[string]int, len(dag.Sorted))
	for i, id := range dag.Sorted {
		pos[id] = i
	}
	assert.Less(t, pos["a"], pos["b"])
	assert.Less(t, pos["b"], pos["c"])
	assert.Equal(t, []string{"a"}, dag.Roots)
	assert.ElementsMatch(t, []string{"b", "c"}, dag.Reverse["a"])
}

func TestParseDAGDefaultsToAgentType(t *testing.T) {
	dag, err := ParseDAG(defWithNodes(schema.NodeDefinition{ID: "a", Prompt: "hello"}))
	require.NoError(t, err)
	assert.Equal(t, schema.NodeTypeAgent, dag.Nodes["a"].Type)
}

func TestParseDAGCycleDetection(t *testing.T) {
	tests := []struct {
		name string
		def  *schema.WorkflowDefinition
	}{
		{
			name: "two node cycle",
			def: defWithNodes(
				agentNode("a", "b"),
				agentNode("b", "a"),
			),
		},
		{
			name: "self dependency",
			def:  defWithNodes(agentNode("a", "a")),
		},
		{
			name: "three node cycle behind a root",
			def: defWithNodes(
				agentNode("root"),
				agentNode("a", "root", "c"),
				agentNode("b", "a"),
				agentNode("c", "b"),
			),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDAG(tt.def)
			require.Error(t, err)
			var ee *schema.EngineError
			require.ErrorAs(t, err, &ee)
			assert.Equal(t, schema.ErrCodeCycleDetected, ee.Code)
		})
	}
}

func TestParseDAGValidation(t *testing.T) {
	loopBody := mustJSON(t, map[string]any{
		"body":          []map[string]any{{"id": "b1", "prompt": "x"}},
		"maxIterations": 2,
	})

	tests := []struct {
		name string
		def  *schema.WorkflowDefinition
	}{
		{"no nodes", &schema.WorkflowDefinition{}},
		{"empty node id", defWithNodes(schema.NodeDefinition{Prompt: "x"})},
		{"duplicate id", defWithNodes(agentNode("a"), agentNode("a"))},
		{"unknown dependency", defWithNodes(agentNode("a", "ghost"))},
		{"duplicate dependency", defWithNodes(agentNode("a"), agentNode("b", "a", "a"))},
		{"unknown type", defWithNodes(schema.NodeDefinition{ID: "a", Type: "mystery"})},
		{"agent without prompt", defWithNodes(schema.NodeDefinition{ID: "a", Type: schema.NodeTypeAgent})},
		{"tool without tool name", defWithNodes(schema.NodeDefinition{ID: "a", Type: schema.NodeTypeTool})},
		{
			"decision without condition",
			defWithNodes(schema.NodeDefinition{ID: "d", Type: schema.NodeTypeDecision, Config: mustJSON(t, map[string]any{})}),
		},
		{
			"decision prompt without variable",
			defWithNodes(schema.NodeDefinition{ID: "d", Type: schema.NodeTypeDecision, Config: mustJSON(t, map[string]any{
				"condition": "true", "prompt": "pick one",
			})}),
		},
		{
			"decision branch target missing",
			defWithNodes(schema.NodeDefinition{ID: "d", Type: schema.NodeTypeDecision, Config: mustJSON(t, map[string]any{
				"condition": "true", "onTrue": []string{"ghost"},
			})}),
		},
		{
			"parallel without children",
			defWithNodes(schema.NodeDefinition{ID: "p", Type: schema.NodeTypeParallel, Config: mustJSON(t, map[string]any{})}),
		},
		{
			"loop without body",
			defWithNodes(schema.NodeDefinition{ID: "l", Type: schema.NodeTypeLoop, Config: mustJSON(t, map[string]any{
				"maxIterations": 3,
			})}),
		},
		{
			"loop without bound or condition",
			defWithNodes(schema.NodeDefinition{ID: "l", Type: schema.NodeTypeLoop, Config: mustJSON(t, map[string]any{
				"body": []map[string]any{{"id": "b1", "prompt": "x"}},
			})}),
		},
		{
			"nested child shadows top-level id",
			defWithNodes(
				agentNode("b1"),
				schema.NodeDefinition{ID: "l", Type: schema.NodeTypeLoop, Config: loopBody},
			),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDAG(tt.def)
			require.Error(t, err)
			var ee *schema.EngineError
			require.ErrorAs(t, err, &ee)
			assert.Equal(t, schema.ErrCodeValidation, ee.Code)
		})
	}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}
