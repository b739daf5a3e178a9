package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/pkg/schema"
)

// Operation names accepted by the control plane.
const (
	OpStartProcess      = "start_process"
	OpControlProcess    = "control_process"
	OpQueryProcesses    = "query_processes"
	OpGetProcessLogs    = "get_process_logs"
	OpInteractWithAgent = "interact_with_agent"
)

// configurationSchema is shared by start_process and restart payloads.
const configurationDefs = `
    "configuration": {
      "type": "object",
      "properties": {
        "timeout": { "type": "integer", "minimum": 0 },
        "retryCount": { "type": "integer", "minimum": 0 },
        "retryDelay": { "type": "integer", "minimum": 0 },
        "backoffMultiplier": { "type": "number", "minimum": 0 },
        "maxMemory": { "type": "integer", "minimum": 0 },
        "maxCpu": { "type": "integer", "minimum": 0, "maximum": 100 },
        "autoRestart": { "type": "boolean" },
        "dependencies": { "type": "array", "items": { "type": "string", "minLength": 1 } },
        "scheduleExpression": { "type": "string", "minLength": 1 },
        "environment": { "type": "object", "additionalProperties": { "type": "string" } }
      },
      "additionalProperties": false
    }`

// Request schemas, embedded as constants to avoid filesystem dependencies.
var operationSchemas = map[string]string{
	OpStartProcess: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "type", "input"],
  "properties": {
    "name": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "type": { "type": "string", "enum": ["agent", "workflow", "analysis", "indexing", "custom"] },
    "priority": { "type": "string", "enum": ["low", "medium", "high", "critical"] },
    "configuration": { "$ref": "#/$defs/configuration" },
    "input": {},
    "tags": { "type": "array", "items": { "type": "string", "minLength": 1 } },
    "ownerId": { "type": "string" },
    "parentProcessId": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": false,
  "$defs": {` + configurationDefs + `
  }
}`,

	OpControlProcess: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["action", "processId"],
  "properties": {
    "action": { "type": "string", "enum": ["start", "stop", "pause", "resume", "cancel", "restart"] },
    "processId": { "type": "string", "minLength": 1 },
    "parameters": { "type": "object" },
    "force": { "type": "boolean" }
  },
  "additionalProperties": false
}`,

	OpQueryProcesses: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "processId": { "type": "string", "minLength": 1 },
    "filter": {
      "type": "object",
      "properties": {
        "status": { "type": "array", "items": { "type": "string", "enum": ["pending", "running", "paused", "completed", "failed", "cancelled"] } },
        "type": { "type": "array", "items": { "type": "string", "enum": ["agent", "workflow", "analysis", "indexing", "custom"] } },
        "priority": { "type": "array", "items": { "type": "string", "enum": ["low", "medium", "high", "critical"] } },
        "ownerId": { "type": "string" },
        "tags": { "type": "array", "items": { "type": "string" } },
        "createdAfter": { "type": "string", "format": "date-time" },
        "createdBefore": { "type": "string", "format": "date-time" },
        "limit": { "type": "integer", "minimum": 1 },
        "offset": { "type": "integer", "minimum": 0 },
        "sortBy": { "type": "string", "enum": ["createdAt", "updatedAt", "priority", "name"] },
        "sortOrder": { "type": "string", "enum": ["asc", "desc"] }
      },
      "additionalProperties": false
    }
  },
  "additionalProperties": false
}`,

	OpGetProcessLogs: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["processId"],
  "properties": {
    "processId": { "type": "string", "minLength": 1 },
    "level": { "type": "string", "enum": ["debug", "info", "warn", "error"] },
    "since": { "type": "string", "format": "date-time" },
    "tail": { "type": "integer", "minimum": 1 }
  },
  "additionalProperties": false
}`,

	OpInteractWithAgent: `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["processId", "agentName", "interactionType"],
  "properties": {
    "processId": { "type": "string", "minLength": 1 },
    "agentName": { "type": "string", "minLength": 1 },
    "interactionType": { "type": "string", "enum": ["input_request", "decision_point", "confirmation", "debug_breakpoint"] },
    "data": {}
  },
  "additionalProperties": false
}`,
}

// RequestValidator validates control-plane request payloads against
// pre-compiled JSON Schemas (Draft 2020-12). Safe for concurrent use.
type RequestValidator struct {
	schemas map[string]*jsonschema.Schema
}

// NewRequestValidator compiles the schema for every operation.
func NewRequestValidator() (*RequestValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	compiled := make(map[string]*jsonschema.Schema, len(operationSchemas))
	for op, raw := range operationSchemas {
		url := fmt.Sprintf("engine://schemas/%s.json", op)
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", op, err)
		}
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add %s schema resource: %w", op, err)
		}
		s, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", op, err)
		}
		compiled[op] = s
	}

	return &RequestValidator{schemas: compiled}, nil
}

// Operations returns the validated operation names.
func (v *RequestValidator) Operations() []string {
	ops := make([]string, 0, len(v.schemas))
	for op := range v.schemas {
		ops = append(ops, op)
	}
	return ops
}

// Validate checks a raw request payload against the operation's schema.
// An unknown operation is UNKNOWN_ACTION, a schema violation VALIDATION_ERROR.
func (v *RequestValidator) Validate(operation string, payload json.RawMessage) error {
	s, ok := v.schemas[operation]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeUnknownAction, "unknown operation: %s", operation)
	}

	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(payload)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "request payload is not valid JSON").WithCause(err)
	}

	if err := s.Validate(doc); err != nil {
		return toEngineError(err)
	}
	return nil
}

// toEngineError converts a jsonschema.ValidationError into an EngineError
// with one message per leaf violation.
func toEngineError(err error) *schema.EngineError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
