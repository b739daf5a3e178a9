package expressions

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/pkg/schema"
)

// Interpolator resolves ${{...}} references in node prompts and params
// against a scope snapshot. Recognized namespaces:
//   - nodes.<id>.output[.<field>...]  output of a completed node
//   - vars.<name>                     workflow variable written by an export
//   - input.<field>                   process input payload
//   - process.<field>                 process metadata
//   - loop.item / loop.index          current loop iteration
type Interpolator struct{}

func NewInterpolator() *Interpolator {
	return &Interpolator{}
}

// Resolve interpolates ${{...}} tokens in raw JSON params and returns the
// resolved JSON bytes.
func (interp *Interpolator) Resolve(raw json.RawMessage, sb *ScopeBuilder) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	resolved, err := interp.ResolveString(string(raw), sb)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(resolved), nil
}

// ResolveString interpolates ${{...}} tokens in a string, such as an agent
// prompt. Resolved values are embedded inline: strings verbatim, everything
// else JSON-encoded.
func (interp *Interpolator) ResolveString(input string, sb *ScopeBuilder) (string, error) {
	var result strings.Builder
	result.Grow(len(input))

	data := sb.Data()

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "${{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		result.WriteString(input[i : i+idx])
		start := i + idx + 3 // skip "${{"

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return "", schema.NewError(schema.ErrCodeInterpolation, "unclosed ${{ expression")
		}
		end += start

		expr := strings.TrimSpace(input[start:end])
		if expr == "" {
			return "", schema.NewError(schema.ErrCodeInterpolation, "empty variable reference: ${{  }}")
		}
		if strings.Contains(expr, "${{") {
			return "", schema.NewError(schema.ErrCodeInterpolation,
				"nested interpolation not allowed: ${{...}} cannot contain ${{")
		}

		val, err := interp.resolveExpr(expr, data)
		if err != nil {
			return "", err
		}
		result.WriteString(marshalInline(val))

		i = end + 2 // skip "}}"
	}

	return result.String(), nil
}

// resolveExpr resolves a single path like "nodes.fetch.output.url".
func (interp *Interpolator) resolveExpr(expr string, data map[string]any) (any, error) {
	parts := strings.SplitN(expr, ".", 2)
	namespace := parts[0]

	switch namespace {
	case "nodes":
		return interp.resolveNodes(expr, data)
	case "vars":
		return interp.resolveNamespace(expr, data, "vars")
	case "input":
		return interp.resolveNamespace(expr, data, "input")
	case "process":
		return interp.resolveNamespace(expr, data, "process")
	case "loop":
		return interp.resolveLoop(expr, data)
	default:
		available := []string{"nodes", "vars", "input", "process", "loop"}
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"unknown namespace %q in ${{%s}}; available: %s", namespace, expr, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_namespaces": available})
	}
}

// resolveNodes resolves nodes.<id>.output[.<field>...] references.
func (interp *Interpolator) resolveNodes(expr string, data map[string]any) (any, error) {
	parts := strings.SplitN(expr, ".", 4) // [nodes, id, output, rest...]
	if len(parts) < 3 {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid node reference %q: expected nodes.<id>.output[.<field>]", expr).
			WithDetails(map[string]any{"expression": expr})
	}

	nodeID := parts[1]
	if parts[2] != "output" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid node reference %q: only 'output' property is supported (got %q)", expr, parts[2]).
			WithDetails(map[string]any{"expression": expr})
	}

	nodes, _ := data["nodes"].(map[string]any)
	output, ok := nodes[nodeID]
	if !ok {
		available := mapKeys(nodes)
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"node %q not found in ${{%s}}; available nodes: [%s]", nodeID, expr, strings.Join(available, ", ")).
			WithDetails(map[string]any{"expression": expr, "available_nodes": available})
	}

	if len(parts) == 3 {
		return output, nil
	}
	return traversePath(output, parts[3], expr)
}

// resolveNamespace resolves <namespace>.<field>[.<subfield>...] references.
func (interp *Interpolator) resolveNamespace(expr string, data map[string]any, namespace string) (any, error) {
	parts := strings.SplitN(expr, ".", 2)
	if len(parts) < 2 || parts[1] == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid reference %q: expected %s.<field>", expr, namespace).
			WithDetails(map[string]any{"expression": expr})
	}

	scope, _ := data[namespace].(map[string]any)
	if scope == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"cannot resolve %q: %s scope is empty", expr, namespace).
			WithDetails(map[string]any{"expression": expr})
	}

	fieldPath := parts[1]
	// Direct key lookup first, so keys containing dots resolve.
	if val, ok := scope[fieldPath]; ok {
		return val, nil
	}
	return traversePath(scope, fieldPath, expr)
}

// resolveLoop resolves loop.item and loop.index references.
func (interp *Interpolator) resolveLoop(expr string, data map[string]any) (any, error) {
	parts := strings.SplitN(expr, ".", 2)
	if len(parts) < 2 || parts[1] == "" {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"invalid loop reference %q: expected loop.item or loop.index", expr).
			WithDetails(map[string]any{"expression": expr})
	}

	loop, _ := data["loop"].(map[string]any)
	if loop == nil {
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"loop variable %q referenced outside of a loop context", expr).
			WithDetails(map[string]any{"expression": expr})
	}

	field := parts[1]
	switch {
	case field == "item":
		return loop["item"], nil
	case field == "index":
		return loop["index"], nil
	case strings.HasPrefix(field, "item."):
		return traversePath(loop["item"], strings.TrimPrefix(field, "item."), expr)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
			"unknown loop field %q in ${{%s}}; available: item, index", field, expr).
			WithDetails(map[string]any{"expression": expr, "available_fields": []string{"item", "index"}})
	}
}

// traversePath navigates into nested maps using a dot-delimited path.
func traversePath(root any, path, expr string) (any, error) {
	segments := strings.Split(path, ".")
	current := root

	for i, seg := range segments {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"empty segment in path %q at position %d", expr, i).
				WithDetails(map[string]any{"expression": expr})
		}

		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				availableKeys := mapKeys(v)
				return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
					"field %q not found in %q; available: [%s]", seg, expr, strings.Join(availableKeys, ", ")).
					WithDetails(map[string]any{"expression": expr, "available_fields": availableKeys})
			}
			current = val
		default:
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, expr, current).
				WithDetails(map[string]any{"expression": expr})
		}
	}

	return current, nil
}

// marshalInline converts a resolved value into its inline representation.
// Strings embed verbatim; complex types JSON-encode.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func mapKeys(m map[string]any) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HasInterpolation reports whether a blob contains any ${{...}} references.
func HasInterpolation(raw json.RawMessage) bool {
	return strings.Contains(string(raw), "${{")
}
