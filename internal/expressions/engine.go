package expressions

import (
	"context"

	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/pkg/schema"
)

// Engine evaluates expressions within workflow nodes.
// Three implementations: CEL (conditions), Expr (logic), GoJQ (transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Engines bundles the three evaluators so callers can dispatch on the engine
// name declared in a node definition.
type Engines struct {
	CEL  *CELEngine
	Expr *ExprEngine
	JQ   *GoJQEngine
}

// NewEngines builds the full evaluator set.
func NewEngines() (*Engines, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Engines{
		CEL:  celEngine,
		Expr: NewExprEngine(),
		JQ:   NewGoJQEngine(),
	}, nil
}

// ForName returns the engine registered under name. The empty name selects
// CEL, the default condition engine.
func (e *Engines) ForName(name string) (Engine, error) {
	switch name {
	case "", "cel":
		return e.CEL, nil
	case "expr":
		return e.Expr, nil
	case "jq":
		return e.JQ, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown expression engine: %s", name)
	}
}

// EvaluateBool evaluates a condition with the named engine and coerces the
// result to a boolean. Non-boolean results are an error: conditions route
// control flow and must be unambiguous.
func (e *Engines) EvaluateBool(ctx context.Context, engineName, expression string, data map[string]any) (bool, error) {
	eng, err := e.ForName(engineName)
	if err != nil {
		return false, err
	}
	out, err := eng.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"condition %q evaluated to %T, want bool", expression, out).
			WithDetails(map[string]any{"expression": expression, "engine": engineName})
	}
	return b, nil
}
