// Package handler is the control plane: it validates incoming operation
// requests, dispatches them to the registry, executor, interactions and
// scheduler, and wraps every outcome in a uniform response envelope.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/internal/engine"
	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/internal/interactions"
	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/internal/registry"
	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/internal/scheduler"
	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/internal/validation"
	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/pkg/schema"
)

// restartDelay separates the old process's teardown from its replacement's
// start, so watchers see the cancellation before the new record appears.
const restartDelay = 100 * time.Millisecond

// Response is the envelope every operation returns, success or failure.
type Response struct {
	ID        string          `json:"id"`
	RequestID string          `json:"requestId,omitempty"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     *ResponseError  `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ResponseError is the structured error carried by a failed response.
type ResponseError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Handler validates and dispatches control-plane operations. It never
// returns a Go error to the caller: every failure becomes a failed envelope.
type Handler struct {
	reg       *registry.Registry
	exec      *engine.Executor
	interact  *interactions.Manager
	sched     *scheduler.Scheduler // nil when scheduling is disabled
	validator *validation.RequestValidator
	logger    *slog.Logger

	sleepFn func(time.Duration)
}

// New wires a Handler over the engine components. sched may be nil; requests
// carrying a scheduleExpression are then rejected.
func New(reg *registry.Registry, exec *engine.Executor, interact *interactions.Manager, sched *scheduler.Scheduler, logger *slog.Logger) (*Handler, error) {
	validator, err := validation.NewRequestValidator()
	if err != nil {
		return nil, err
	}
	return &Handler{
		reg:       reg,
		exec:      exec,
		interact:  interact,
		sched:     sched,
		validator: validator,
		logger:    logger,
		sleepFn:   time.Sleep,
	}, nil
}

// Handle runs one operation. The payload is validated against the operation's
// schema before any state is touched, so a malformed request has no effect.
func (h *Handler) Handle(ctx context.Context, requestID, operation string, payload json.RawMessage) *Response {
	if err := h.validator.Validate(operation, payload); err != nil {
		return h.failure(requestID, operation, err)
	}

	var (
		data any
		err  error
	)
	switch operation {
	case validation.OpStartProcess:
		data, err = h.startProcess(ctx, payload)
	case validation.OpControlProcess:
		data, err = h.controlProcess(ctx, payload)
	case validation.OpQueryProcesses:
		data, err = h.queryProcesses(ctx, payload)
	case validation.OpGetProcessLogs:
		data, err = h.getProcessLogs(ctx, payload)
	case validation.OpInteractWithAgent:
		data, err = h.interactWithAgent(ctx, payload)
	default:
		err = schema.NewErrorf(schema.ErrCodeUnknownAction, "unknown operation: %s", operation)
	}
	if err != nil {
		return h.failure(requestID, operation, err)
	}
	return h.success(requestID, operation, data)
}

type startRequest struct {
	Name            string                 `json:"name"`
	Description     string                 `json:"description"`
	Type            schema.ProcessType     `json:"type"`
	Priority        schema.ProcessPriority `json:"priority"`
	Config          schema.ProcessConfig   `json:"configuration"`
	Input           json.RawMessage        `json:"input"`
	Tags            []string               `json:"tags"`
	OwnerID         string                 `json:"ownerId"`
	ParentProcessID string                 `json:"parentProcessId"`
}

// startProcess creates a process and hands it to the executor. When the
// configuration carries a scheduleExpression the record becomes a schedule
// template instead: it stays pending and the scheduler spawns fresh runs.
func (h *Handler) startProcess(ctx context.Context, payload json.RawMessage) (any, error) {
	var req startRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "malformed start_process payload").WithCause(err)
	}

	if req.Config.ScheduleExpression != "" {
		return h.registerSchedule(ctx, req)
	}

	proc, err := h.reg.Create(ctx, registry.CreateRequest{
		Name:            req.Name,
		Description:     req.Description,
		Type:            req.Type,
		Priority:        req.Priority,
		Config:          req.Config,
		Input:           req.Input,
		Tags:            req.Tags,
		OwnerID:         req.OwnerID,
		ParentProcessID: req.ParentProcessID,
	})
	if err != nil {
		return nil, err
	}

	// A failed start leaves the pending record in place for inspection.
	if err := h.exec.Start(ctx, proc.ID); err != nil {
		return nil, err
	}

	started, err := h.reg.Get(ctx, proc.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"processId": started.ID,
		"status":    started.Status,
	}, nil
}

func (h *Handler) registerSchedule(ctx context.Context, req startRequest) (any, error) {
	if h.sched == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "scheduling is not enabled")
	}
	template := req.Config
	template.ScheduleExpression = "" // spawned runs start immediately
	sched, err := h.sched.Register(ctx, schema.ProcessSchedule{
		Name:           req.Name,
		Type:           req.Type,
		Priority:       req.Priority,
		Config:         template,
		Input:          req.Input,
		OwnerID:        req.OwnerID,
		CronExpression: req.Config.ScheduleExpression,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"scheduleId": sched.ID,
		"scheduled":  true,
		"nextRunAt":  sched.NextRunAt,
	}, nil
}

// StartScheduled spawns one process from a schedule template and starts it.
// It satisfies scheduler.ProcessStarter.
func (h *Handler) StartScheduled(ctx context.Context, s schema.ProcessSchedule) (string, error) {
	proc, err := h.reg.Create(ctx, registry.CreateRequest{
		Name:     s.Name,
		Type:     s.Type,
		Priority: s.Priority,
		Config:   s.Config,
		Input:    s.Input,
		Tags:     []string{"scheduled"},
		OwnerID:  s.OwnerID,
	})
	if err != nil {
		return "", err
	}
	if err := h.exec.Start(ctx, proc.ID); err != nil {
		return proc.ID, err
	}
	return proc.ID, nil
}

type controlRequest struct {
	Action     string          `json:"action"`
	ProcessID  string          `json:"processId"`
	Parameters json.RawMessage `json:"parameters"`
	Force      bool            `json:"force"`
}

func (h *Handler) controlProcess(ctx context.Context, payload json.RawMessage) (any, error) {
	var req controlRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "malformed control_process payload").WithCause(err)
	}

	var err error
	processID := req.ProcessID
	switch req.Action {
	case "start":
		err = h.exec.Start(ctx, req.ProcessID)
	case "stop":
		err = h.exec.Cancel(ctx, req.ProcessID, false)
	case "pause":
		err = h.exec.Pause(ctx, req.ProcessID)
	case "resume":
		err = h.exec.Resume(ctx, req.ProcessID)
	case "cancel":
		err = h.exec.Cancel(ctx, req.ProcessID, req.Force)
	case "restart":
		processID, err = h.restart(ctx, req.ProcessID)
	default:
		err = schema.NewErrorf(schema.ErrCodeUnknownAction, "unknown control action: %s", req.Action)
	}
	if err != nil {
		return nil, err
	}

	proc, err := h.reg.Get(ctx, processID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"processId": processID,
		"action":    req.Action,
		"status":    proc.Status,
	}, nil
}

// restart force-cancels the process and spawns a fresh record from the same
// request fields. The replacement gets a new ID; the old record keeps its
// cancelled history.
func (h *Handler) restart(ctx context.Context, processID string) (string, error) {
	old, err := h.reg.Get(ctx, processID)
	if err != nil {
		return "", err
	}

	if !old.Status.IsTerminal() {
		if err := h.exec.Cancel(ctx, processID, true); err != nil {
			return "", err
		}
	}
	h.sleepFn(restartDelay)

	fresh, err := h.reg.Create(ctx, registry.CreateRequest{
		Name:            old.Name,
		Description:     old.Description,
		Type:            old.Type,
		Priority:        old.Priority,
		Config:          old.Config,
		Input:           old.Input,
		Tags:            old.Tags,
		OwnerID:         old.OwnerID,
		ParentProcessID: old.ParentProcessID,
	})
	if err != nil {
		return "", err
	}
	if err := h.exec.Start(ctx, fresh.ID); err != nil {
		return fresh.ID, err
	}
	return fresh.ID, nil
}

type queryRequest struct {
	ProcessID string                `json:"processId"`
	Filter    *schema.ProcessFilter `json:"filter"`
}

func (h *Handler) queryProcesses(ctx context.Context, payload json.RawMessage) (any, error) {
	var req queryRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "malformed query_processes payload").WithCause(err)
	}

	if req.ProcessID != "" {
		proc, err := h.reg.Get(ctx, req.ProcessID)
		if err != nil {
			return nil, err
		}
		data := map[string]any{"process": proc}
		if state, ok := h.exec.WorkflowState(req.ProcessID); ok {
			data["workflowState"] = state
		}
		return data, nil
	}

	var filter schema.ProcessFilter
	if req.Filter != nil {
		filter = *req.Filter
	}
	procs, total, err := h.reg.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"processes": procs,
		"total":     total,
		"stats":     h.reg.Stats(ctx),
	}, nil
}

type logsRequest struct {
	ProcessID string          `json:"processId"`
	Level     schema.LogLevel `json:"level"`
	Since     *time.Time      `json:"since"`
	Tail      int             `json:"tail"`
}

func (h *Handler) getProcessLogs(ctx context.Context, payload json.RawMessage) (any, error) {
	var req logsRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "malformed get_process_logs payload").WithCause(err)
	}
	if req.Level == "" {
		req.Level = schema.LogDebug
	}

	logs, total, err := h.reg.QueryLogs(ctx, req.ProcessID, req.Level, req.Since, req.Tail)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"logs":  logs,
		"total": total, // unfiltered count, so callers can tell logs were elided
	}, nil
}

type interactRequest struct {
	ProcessID       string                 `json:"processId"`
	AgentName       string                 `json:"agentName"`
	InteractionType schema.InteractionKind `json:"interactionType"`
	Data            json.RawMessage        `json:"data"`
}

// interactWithAgent resolves the oldest pending interaction matching
// (processId, agentName). When none is pending the request is recorded as a
// new unresolved interaction a waiting step can pick up later.
func (h *Handler) interactWithAgent(ctx context.Context, payload json.RawMessage) (any, error) {
	var req interactRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "malformed interact_with_agent payload").WithCause(err)
	}

	if _, err := h.reg.Get(ctx, req.ProcessID); err != nil {
		return nil, err
	}

	if req.InteractionType == schema.InteractionBreakpoint {
		// Breakpoints have no engine side: acknowledge and move on.
		return map[string]any{
			"processId":    req.ProcessID,
			"agentName":    req.AgentName,
			"acknowledged": true,
		}, nil
	}

	value, resolvedBy := interactionValue(req.Data, req.AgentName)

	if pending, ok := h.interact.OldestPending(req.ProcessID, req.AgentName); ok {
		if err := h.interact.Resolve(ctx, pending.ID, value, resolvedBy); err != nil {
			return nil, err
		}
		return map[string]any{
			"interactionId": pending.ID,
			"resolved":      true,
		}, nil
	}

	created, err := h.interact.Create(ctx, interactions.CreateRequest{
		ProcessID:    req.ProcessID,
		AgentName:    req.AgentName,
		Kind:         req.InteractionType,
		Prompt:       interactionPrompt(req.Data),
		DefaultValue: value,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"interactionId": created.ID,
		"resolved":      false,
	}, nil
}

// interactionValue extracts the resolution value from the request data. A
// data object with a "value" key resolves to that key; anything else is
// passed through whole.
func interactionValue(data json.RawMessage, fallbackBy string) (value any, resolvedBy string) {
	resolvedBy = fallbackBy
	if len(data) == 0 {
		return nil, resolvedBy
	}
	var decoded any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, resolvedBy
	}
	if obj, ok := decoded.(map[string]any); ok {
		if by, ok := obj["resolvedBy"].(string); ok && by != "" {
			resolvedBy = by
		}
		if v, ok := obj["value"]; ok {
			return v, resolvedBy
		}
	}
	return decoded, resolvedBy
}

func interactionPrompt(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return ""
	}
	if p, ok := obj["prompt"].(string); ok {
		return p
	}
	return ""
}

func (h *Handler) success(requestID, operation string, data any) *Response {
	raw, err := json.Marshal(data)
	if err != nil {
		return h.failure(requestID, operation,
			schema.NewError(schema.ErrCodeExecution, "marshal response data").WithCause(err))
	}
	return &Response{
		ID:        uuid.New().String(),
		RequestID: requestID,
		Success:   true,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}
}

func (h *Handler) failure(requestID, operation string, err error) *Response {
	respErr := &ResponseError{Code: schema.ErrCodeExecution, Message: err.Error()}
	var ee *schema.EngineError
	if errors.As(err, &ee) {
		respErr.Code = ee.Code
		respErr.Message = ee.Message
		respErr.Details = ee.Details
	}

	h.logger.Warn("operation failed",
		slog.String("operation", operation),
		slog.String("request_id", requestID),
		slog.String("code", respErr.Code),
		slog.String("error", err.Error()),
	)

	return &Response{
		ID:        uuid.New().String(),
		RequestID: requestID,
		Success:   false,
		Error:     respErr,
		Timestamp: time.Now().UTC(),
	}
}
