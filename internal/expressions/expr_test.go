package expressions

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/pkg/schema"
)

func TestExprEvaluate(t *testing.T) {
	eng := NewExprEngine()
	ctx := context.Background()

	tests := []struct {
		name string
		expr string
		data map[string]any
		want any
	}{
		{
			name: "arithmetic",
			expr: `vars.a + vars.b`,
			data: map[string]any{"vars": map[string]any{"a": 2, "b": 3}},
			want: 5,
		},
		{
			name: "array filter and count",
			expr: `len(filter(vars.items, # > 10))`,
			data: map[string]any{"vars": map[string]any{"items": []any{5, 12, 30}}},
			want: 2,
		},
		{
			name: "nil coalescing on undefined",
			expr: `vars.missing ?? "fallback"`,
			data: map[string]any{"vars": map[string]any{}},
			want: "fallback",
		},
		{
			name: "string helpers",
			expr: `upper(trim(input.name))`,
			data: map[string]any{"input": map[string]any{"name": "  ada "}},
			want: "ADA",
		},
		{
			name: "loop condition",
			expr: `loop.index < 3 && !nodes.check.done`,
			data: map[string]any{
				"loop":  map[string]any{"index": 1},
				"nodes": map[string]any{"check": map[string]any{"done": false}},
			},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := eng.Evaluate(ctx, tt.expr, tt.data)
			require.NoError(t, err)
			assert.EqualValues(t, tt.want, got)
		})
	}
}

func TestExprCompileError(t *testing.T) {
	eng := NewExprEngine()
	_, err := eng.Evaluate(context.Background(), `1 +`, nil)

	var ee *schema.EngineError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, schema.ErrCodeValidation, ee.Code)
}

func TestExprEmptyExpression(t *testing.T) {
	eng := NewExprEngine()
	_, err := eng.Evaluate(context.Background(), "", nil)

	var ee *schema.EngineError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, schema.ErrCodeValidation, ee.Code)
}
