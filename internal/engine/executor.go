package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/internal/interactions"
	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/internal/registry"
	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/pkg/schema"
)

// ToolFunc executes one named tool invocation.
type ToolFunc func(ctx context.Context, params json.RawMessage) (json.RawMessage, error)

// ToolRegistry maps tool names to implementations. It satisfies ToolRunner.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]ToolFunc
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]ToolFunc)}
}

func (t *ToolRegistry) Register(name string, fn ToolFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tools[name] = fn
}

func (t *ToolRegistry) Invoke(ctx context.Context, tool string, params json.RawMessage) (json.RawMessage, error) {
	t.mu.RLock()
	fn, ok := t.tools[tool]
	t.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownAction, "unknown tool: %s", tool)
	}
	return fn(ctx, params)
}

var _ ToolRunner = (*ToolRegistry)(nil)

// ProcessHandler executes one analysis, indexing, or custom process to
// completion and returns its output.
type ProcessHandler func(ctx context.Context, proc *schema.Process) (json.RawMessage, error)

// runHandle tracks one active (or paused) execution.
type runHandle struct {
	cancel    context.CancelFunc
	run       *workflowRun // nil for non-workflow processes
	done      chan struct{}
	discarded atomic.Bool // set by force-cancel; late results are dropped
}

// Executor owns the running map: one active execution per process, different
// processes fully parallel. Paused workflow runs stay in the map so Resume
// can continue them from their latest checkpoint.
type Executor struct {
	reg      *registry.Registry
	runner   *Runner
	interact *interactions.Manager
	agent    AgentRuntime
	logger   *slog.Logger

	mu       sync.Mutex
	running  map[string]*runHandle
	handlers map[schema.ProcessType]ProcessHandler
}

func NewExecutor(reg *registry.Registry, runner *Runner, interact *interactions.Manager, agent AgentRuntime, logger *slog.Logger) *Executor {
	return &Executor{
		reg:      reg,
		runner:   runner,
		interact: interact,
		agent:    agent,
		logger:   logger,
		running:  make(map[string]*runHandle),
		handlers: make(map[schema.ProcessType]ProcessHandler),
	}
}

// RegisterHandler binds a handler to a process type. Workflow and agent
// types are built in and cannot be overridden.
func (x *Executor) RegisterHandler(t schema.ProcessType, h ProcessHandler) error {
	if t == schema.ProcessTypeWorkflow || t == schema.ProcessTypeAgent {
		return schema.NewErrorf(schema.ErrCodeValidation, "process type %s has a built-in executor", t)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.handlers[t] = h
	return nil
}

// Start begins executing a pending process. Validation and type dispatch
// happen before the pending→running transition, so a rejected start leaves
// the process pending. Execution itself is asynchronous.
func (x *Executor) Start(ctx context.Context, processID string) error {
	proc, err := x.reg.Get(ctx, processID)
	if err != nil {
		return err
	}

	switch proc.Type {
	case schema.ProcessTypeWorkflow:
		run, err := x.runner.NewRun(proc)
		if err != nil {
			return err
		}
		return x.launch(ctx, proc.ID, run, func(runCtx context.Context) {
			x.driveWorkflow(runCtx, proc.ID, run)
		})

	case schema.ProcessTypeAgent:
		return x.launch(ctx, proc.ID, nil, func(runCtx context.Context) {
			x.driveAgent(runCtx, proc)
		})

	default:
		x.mu.Lock()
		handler, ok := x.handlers[proc.Type]
		x.mu.Unlock()
		if !ok {
			return schema.NewErrorf(schema.ErrCodeUnknownProcessType, "no executor for process type: %s", proc.Type)
		}
		return x.launch(ctx, proc.ID, nil, func(runCtx context.Context) {
			x.driveHandler(runCtx, proc, handler)
		})
	}
}

// launch transitions the process to running, records the handle, and spawns
// the drive goroutine on a background-derived context so the caller's
// request context does not bound the execution.
func (x *Executor) launch(ctx context.Context, processID string, run *workflowRun, drive func(context.Context)) error {
	x.mu.Lock()
	if _, exists := x.running[processID]; exists {
		x.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeConflict, "process %s is already executing", processID)
	}
	x.mu.Unlock()

	if err := x.reg.Transition(ctx, processID, schema.ProcessStatusRunning, registry.TransitionPatch{}); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	handle := &runHandle{cancel: cancel, run: run, done: make(chan struct{})}

	x.mu.Lock()
	x.running[processID] = handle
	x.mu.Unlock()

	go func() {
		defer close(handle.done)
		drive(runCtx)
	}()
	return nil
}

// driveWorkflow runs one Execute pass and applies the outcome. A paused
// outcome keeps the handle and the run alive for Resume.
func (x *Executor) driveWorkflow(ctx context.Context, processID string, run *workflowRun) {
	outcome := x.runner.Execute(ctx, run)

	x.mu.Lock()
	handle := x.running[processID]
	x.mu.Unlock()
	if handle != nil && handle.discarded.Load() {
		x.drop(processID)
		return
	}

	bg := context.Background()
	switch outcome.Status {
	case schema.ProcessStatusPaused:
		if err := x.reg.Transition(bg, processID, schema.ProcessStatusPaused, registry.TransitionPatch{
			Reason: "pause requested at node " + outcome.PausePoint,
		}); err != nil {
			x.logger.Warn("pause transition failed", "processId", processID, "error", err)
		}
		// Handle retained: run resumes from its checkpoint.
		return

	case schema.ProcessStatusCompleted:
		if err := x.reg.Transition(bg, processID, schema.ProcessStatusCompleted, registry.TransitionPatch{
			Output: outcome.Output,
		}); err != nil {
			x.logger.Warn("completion transition failed", "processId", processID, "error", err)
		}

	case schema.ProcessStatusCancelled:
		if err := x.reg.Transition(bg, processID, schema.ProcessStatusCancelled, registry.TransitionPatch{
			Reason: "execution cancelled",
		}); err != nil && !isInvalidTransition(err) {
			x.logger.Warn("cancel transition failed", "processId", processID, "error", err)
		}

	default:
		if err := x.reg.Transition(bg, processID, schema.ProcessStatusFailed, registry.TransitionPatch{
			Error: processErrorFrom(outcome.Err),
		}); err != nil {
			x.logger.Warn("failure transition failed", "processId", processID, "error", err)
		}
	}

	x.interact.Drop(processID)
	x.drop(processID)
}

// driveAgent performs the single opaque runtime call with the process-level
// retry policy, then records output and a resource sample.
func (x *Executor) driveAgent(ctx context.Context, proc *schema.Process) {
	bg := context.Background()
	output, err := x.invokeAgent(ctx, proc)

	x.mu.Lock()
	handle := x.running[proc.ID]
	x.mu.Unlock()
	if handle != nil && handle.discarded.Load() {
		x.drop(proc.ID)
		return
	}

	if err != nil {
		status := schema.ProcessStatusFailed
		if errors.Is(err, context.Canceled) {
			status = schema.ProcessStatusCancelled
		}
		if terr := x.reg.Transition(bg, proc.ID, status, registry.TransitionPatch{
			Error: processErrorFrom(asEngineError(err, "")),
		}); terr != nil && !isInvalidTransition(terr) {
			x.logger.Warn("agent failure transition failed", "processId", proc.ID, "error", terr)
		}
	} else {
		if terr := x.reg.Transition(bg, proc.ID, schema.ProcessStatusCompleted, registry.TransitionPatch{
			Output: output,
		}); terr != nil {
			x.logger.Warn("agent completion transition failed", "processId", proc.ID, "error", terr)
		}
	}

	x.interact.Drop(proc.ID)
	x.drop(proc.ID)
}

type agentInput struct {
	Prompt string          `json:"prompt"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (x *Executor) invokeAgent(ctx context.Context, proc *schema.Process) (json.RawMessage, error) {
	if x.agent == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "no agent runtime configured")
	}
	var input agentInput
	if err := json.Unmarshal(proc.Input, &input); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse agent input: %v", err)
	}
	if input.Prompt == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "agent process requires input.prompt")
	}

	policy := schema.RetryPolicy{
		Max:               proc.Config.RetryCount,
		DelayMs:           proc.Config.RetryDelayMs,
		BackoffMultiplier: proc.Config.BackoffMultiplier,
	}
	if policy.Max <= 0 {
		policy.Max = 1
	}
	timeout := proc.Config.Timeout()
	if timeout <= 0 {
		timeout = DefaultAgentTimeout
	}

	var lastErr error
	for attempt := 0; attempt < policy.Max; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		result, err := x.agent.Generate(attemptCtx, AgentRequest{
			ProcessID: proc.ID,
			Prompt:    input.Prompt,
			Params:    input.Params,
			Env:       proc.Config.Environment,
		})
		cancel()
		if err == nil {
			x.recordAgentUsage(ctx, proc.ID, result)
			return result.Output, nil
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = schema.NewError(schema.ErrCodeTimeout, "agent call timed out").WithCause(err)
		}
		lastErr = err
		_ = x.reg.AppendLog(ctx, proc.ID, schema.LogEntry{
			Timestamp: time.Now().UTC(),
			Level:     schema.LogWarn,
			Message:   fmt.Sprintf("agent attempt %d/%d failed: %v", attempt+1, policy.Max, err),
			Source:    "executor",
		})
		if !IsRetryableError(err) || ctx.Err() != nil || attempt == policy.Max-1 {
			break
		}
		if waitErr := WaitForBackoff(ctx, ComputeBackoff(&policy, attempt)); waitErr != nil {
			break
		}
	}
	if ctx.Err() != nil && lastErr == nil {
		lastErr = ctx.Err()
	}
	return nil, lastErr
}

func (x *Executor) recordAgentUsage(ctx context.Context, processID string, result *AgentResult) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	_ = x.reg.AddResourceSample(ctx, processID, schema.ResourceSample{
		Timestamp: time.Now().UTC(),
		MemoryMB:  float64(mem.Alloc) / (1 << 20),
	})
	usage, _ := json.Marshal(map[string]any{
		"tokensUsed":   result.TokensUsed,
		"durationMs":   result.DurationMs,
		"finishReason": result.FinishReason,
	})
	_ = x.reg.AppendLog(ctx, processID, schema.LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     schema.LogInfo,
		Message:   "agent call finished",
		Source:    "executor",
		Data:      usage,
	})
}

func (x *Executor) driveHandler(ctx context.Context, proc *schema.Process, handler ProcessHandler) {
	bg := context.Background()
	output, err := handler(ctx, proc)

	x.mu.Lock()
	handle := x.running[proc.ID]
	x.mu.Unlock()
	if handle != nil && handle.discarded.Load() {
		x.drop(proc.ID)
		return
	}

	if err != nil {
		status := schema.ProcessStatusFailed
		if errors.Is(err, context.Canceled) {
			status = schema.ProcessStatusCancelled
		}
		if terr := x.reg.Transition(bg, proc.ID, status, registry.TransitionPatch{
			Error: processErrorFrom(asEngineError(err, "")),
		}); terr != nil && !isInvalidTransition(terr) {
			x.logger.Warn("handler failure transition failed", "processId", proc.ID, "error", terr)
		}
	} else {
		if terr := x.reg.Transition(bg, proc.ID, schema.ProcessStatusCompleted, registry.TransitionPatch{
			Output: output,
		}); terr != nil {
			x.logger.Warn("handler completion transition failed", "processId", proc.ID, "error", terr)
		}
	}
	x.drop(proc.ID)
}

// Pause requests a cooperative pause of a running workflow. In-flight nodes
// finish first; the paused transition happens when the run drains.
func (x *Executor) Pause(ctx context.Context, processID string) error {
	proc, err := x.reg.Get(ctx, processID)
	if err != nil {
		return err
	}
	if proc.Type != schema.ProcessTypeWorkflow {
		return schema.NewErrorf(schema.ErrCodeValidation, "process type %s cannot be paused", proc.Type)
	}
	if proc.Status != schema.ProcessStatusRunning {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot pause process in status %s", proc.Status)
	}

	x.mu.Lock()
	handle := x.running[processID]
	x.mu.Unlock()
	if handle == nil || handle.run == nil {
		return schema.NewErrorf(schema.ErrCodeConflict, "process %s has no active workflow run", processID)
	}
	handle.run.pauseRequested.Store(true)
	return nil
}

// Resume continues a paused workflow from its latest checkpoint.
func (x *Executor) Resume(ctx context.Context, processID string) error {
	proc, err := x.reg.Get(ctx, processID)
	if err != nil {
		return err
	}
	if proc.Status != schema.ProcessStatusPaused {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot resume process in status %s", proc.Status)
	}

	x.mu.Lock()
	handle := x.running[processID]
	x.mu.Unlock()
	if handle == nil || handle.run == nil {
		return schema.NewErrorf(schema.ErrCodeConflict, "process %s has no resumable run", processID)
	}

	select {
	case <-handle.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := x.reg.Transition(ctx, processID, schema.ProcessStatusRunning, registry.TransitionPatch{
		Reason: "resumed",
	}); err != nil {
		return err
	}

	run := handle.run
	run.prepareResume()

	runCtx, cancel := context.WithCancel(context.Background())
	next := &runHandle{cancel: cancel, run: run, done: make(chan struct{})}
	x.mu.Lock()
	x.running[processID] = next
	x.mu.Unlock()

	go func() {
		defer close(next.done)
		x.driveWorkflow(runCtx, processID, run)
	}()
	return nil
}

// Cancel stops a process. Cooperative cancel signals the run and lets the
// drive goroutine apply the terminal transition; force marks the process
// cancelled immediately and discards any late result.
func (x *Executor) Cancel(ctx context.Context, processID string, force bool) error {
	proc, err := x.reg.Get(ctx, processID)
	if err != nil {
		return err
	}
	if proc.Status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot cancel process in status %s", proc.Status)
	}

	x.mu.Lock()
	handle := x.running[processID]
	x.mu.Unlock()

	if handle == nil {
		// Pending, or paused with no retained run.
		return x.reg.Transition(ctx, processID, schema.ProcessStatusCancelled, registry.TransitionPatch{
			Reason: "cancelled before execution",
		})
	}

	if force {
		handle.discarded.Store(true)
		if err := x.reg.Transition(ctx, processID, schema.ProcessStatusCancelled, registry.TransitionPatch{
			Reason: "force cancelled",
		}); err != nil {
			return err
		}
		handle.cancel()
		x.interact.Drop(processID)
		return nil
	}

	if handle.run != nil {
		handle.run.cancelRequested.Store(true)
	}
	if proc.Status == schema.ProcessStatusPaused {
		// Nothing is executing; apply the transition directly.
		handle.discarded.Store(true)
		handle.cancel()
		x.interact.Drop(processID)
		x.drop(processID)
		return x.reg.Transition(ctx, processID, schema.ProcessStatusCancelled, registry.TransitionPatch{
			Reason: "cancelled while paused",
		})
	}
	handle.cancel()
	return nil
}

// WorkflowState returns a copy of the live workflow state when the
// executor holds a run for the process.
func (x *Executor) WorkflowState(processID string) (*schema.WorkflowState, bool) {
	x.mu.Lock()
	handle := x.running[processID]
	x.mu.Unlock()
	if handle == nil || handle.run == nil {
		return nil, false
	}
	return handle.run.State(), true
}

// ActiveCount reports how many processes currently hold a run handle.
func (x *Executor) ActiveCount() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.running)
}

// Shutdown cancels every active execution and waits for the drive
// goroutines to finish.
func (x *Executor) Shutdown(ctx context.Context) error {
	x.mu.Lock()
	handles := make([]*runHandle, 0, len(x.running))
	for _, h := range x.running {
		handles = append(handles, h)
	}
	x.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
	for _, h := range handles {
		select {
		case <-h.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (x *Executor) drop(processID string) {
	x.mu.Lock()
	delete(x.running, processID)
	x.mu.Unlock()
}

func processErrorFrom(err *schema.EngineError) *schema.ProcessError {
	if err == nil {
		return &schema.ProcessError{
			Code:      schema.ErrCodeExecution,
			Message:   "execution failed",
			Timestamp: time.Now().UTC(),
		}
	}
	pe := &schema.ProcessError{
		Code:      err.Code,
		Message:   err.Message,
		Timestamp: time.Now().UTC(),
	}
	if err.NodeID != "" {
		pe.Context = map[string]any{"nodeId": err.NodeID}
	}
	return pe
}

func isInvalidTransition(err error) bool {
	var ee *schema.EngineError
	return errors.As(err, &ee) && ee.Code == schema.ErrCodeInvalidTransition
}
