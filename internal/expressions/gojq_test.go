package expressions

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/pkg/schema"
)

func TestGoJQEvaluate(t *testing.T) {
	eng := NewGoJQEngine()
	ctx := context.Background()

	tests := []struct {
		name string
		expr string
		data map[string]any
		want any
	}{
		{
			name: "field access",
			expr: `.nodes.fetch.url`,
			data: map[string]any{"nodes": map[string]any{"fetch": map[string]any{"url": "https://example.com"}}},
			want: "https://example.com",
		},
		{
			name: "array aggregation",
			expr: `.vars.scores | add`,
			data: map[string]any{"vars": map[string]any{"scores": []any{1, 2, 3}}},
			want: float64(6),
		},
		{
			name: "reshape object",
			expr: `{total: (.vars.items | length)}`,
			data: map[string]any{"vars": map[string]any{"items": []any{"a", "b"}}},
			want: map[string]any{"total": 2},
		},
		{
			name: "multiple outputs collected",
			expr: `.vars.items[]`,
			data: map[string]any{"vars": map[string]any{"items": []any{"a", "b"}}},
			want: []any{"a", "b"},
		},
		{
			name: "missing field is null",
			expr: `.vars.absent`,
			data: map[string]any{"vars": map[string]any{}},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := eng.Evaluate(ctx, tt.expr, tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGoJQProject(t *testing.T) {
	eng := NewGoJQEngine()
	ctx := context.Background()

	output := map[string]any{
		"results": []any{
			map[string]any{"name": "a", "score": 9},
			map[string]any{"name": "b", "score": 4},
		},
	}

	got, err := eng.Project(ctx, `[.results[] | select(.score > 5) | .name]`, output)
	require.NoError(t, err)
	assert.Equal(t, []any{"a"}, got)
}

func TestGoJQParseError(t *testing.T) {
	eng := NewGoJQEngine()
	_, err := eng.Evaluate(context.Background(), `.foo |`, nil)

	var ee *schema.EngineError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, schema.ErrCodeValidation, ee.Code)
}

func TestGoJQEnvIsBlocked(t *testing.T) {
	eng := NewGoJQEngine()
	got, err := eng.Evaluate(context.Background(), `$ENV | length`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 0, got)
}

func TestGoJQRuntimeError(t *testing.T) {
	eng := NewGoJQEngine()
	_, err := eng.Evaluate(context.Background(), `.vars | add`, map[string]any{
		"vars": map[string]any{"a": "x", "b": 1},
	})

	var ee *schema.EngineError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, schema.ErrCodeExecution, ee.Code)
}
