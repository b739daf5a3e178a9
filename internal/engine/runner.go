package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/internal/expressions"
	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/internal/interactions"
	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/internal/logging"
	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/internal/registry"
	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/pkg/schema"
)

// Runner executes workflow-type processes: it walks the DAG with ready-set
// scheduling, checkpoints after every node attempt, and supports cooperative
// pause and cancel.
type Runner struct {
	reg      *registry.Registry
	engines  *expressions.Engines
	interp   *expressions.Interpolator
	interact *interactions.Manager
	agent    AgentRuntime
	tools    ToolRunner
	pool     *WorkerPool
	logger   *slog.Logger
}

// NewRunner wires a Runner. agent and tools may be nil when the deployment
// has no such backend; nodes needing them then fail with EXECUTION_ERROR.
func NewRunner(reg *registry.Registry, engines *expressions.Engines, interact *interactions.Manager, agent AgentRuntime, tools ToolRunner, pool *WorkerPool, logger *slog.Logger) *Runner {
	return &Runner{
		reg:      reg,
		engines:  engines,
		interp:   expressions.NewInterpolator(),
		interact: interact,
		agent:    agent,
		tools:    tools,
		pool:     pool,
		logger:   logger,
	}
}

// workflowRun is the live handle of one workflow execution. It survives
// pauses: the executor keeps it until the process reaches a terminal state.
type workflowRun struct {
	processID string
	config    schema.ProcessConfig
	dag       *DAG
	state     *schema.WorkflowState
	scope     *expressions.ScopeBuilder

	mu            sync.Mutex // guards state and lastCompleted
	lastCompleted string

	pauseRequested  atomic.Bool
	cancelRequested atomic.Bool
}

// RunOutcome is the result of one Execute pass over a workflow.
type RunOutcome struct {
	Status     schema.ProcessStatus // completed | failed | paused | cancelled
	Output     json.RawMessage
	Err        *schema.EngineError
	PausePoint string
}

// NewRun parses the process input as a WorkflowDefinition and builds a fresh
// run with all nodes pending.
func (r *Runner) NewRun(proc *schema.Process) (*workflowRun, error) {
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(proc.Input, &def); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse workflow definition: %s", err.Error()).WithCause(err)
	}

	dag, err := ParseDAG(&def)
	if err != nil {
		return nil, err
	}

	state := &schema.WorkflowState{
		ProcessID:    proc.ID,
		Nodes:        make(map[string]*schema.NodeState, len(dag.Nodes)),
		Variables:    make(map[string]any, len(def.Variables)),
		LoopCounters: make(map[string]int),
	}
	for id, node := range dag.Nodes {
		state.Nodes[id] = &schema.NodeState{
			NodeID:       id,
			Status:       schema.NodeStatusPending,
			Dependencies: append([]string(nil), node.DependsOn...),
		}
	}

	scope := expressions.NewScopeBuilder(def.Variables, map[string]any{
		"processId": proc.ID,
		"name":      proc.Name,
		"type":      string(proc.Type),
		"ownerId":   proc.OwnerID,
	})
	for name, value := range def.Variables {
		scope.SetVar(name, value)
		state.Variables[name] = value
	}

	return &workflowRun{
		processID: proc.ID,
		config:    proc.Config,
		dag:       dag,
		state:     state,
		scope:     scope,
	}, nil
}

// prepareResume restores a paused run's scope from the latest checkpoint so
// the next Execute resumes with the checkpointed variables and loop counters
// and never re-executes completed nodes.
func (run *workflowRun) prepareResume() {
	run.mu.Lock()
	defer run.mu.Unlock()

	if cp := run.state.LatestCheckpoint(); cp != nil {
		var saved schema.CheckpointState
		if err := json.Unmarshal(cp.State, &saved); err == nil {
			run.state.Variables = saved.Variables
			if saved.LoopCounters != nil {
				run.state.LoopCounters = saved.LoopCounters
			}
			for name, value := range saved.Variables {
				run.scope.SetVar(name, value)
			}
		}
	}
	run.state.PausePoint = ""
	run.pauseRequested.Store(false)

	// Retrying and ready nodes from an interrupted pass go back to pending.
	for _, ns := range run.state.Nodes {
		switch ns.Status {
		case schema.NodeStatusReady, schema.NodeStatusRetrying, schema.NodeStatusRunning, schema.NodeStatusWaiting:
			ns.Status = schema.NodeStatusPending
		}
	}
}

// State returns a deep copy of the current workflow state.
func (run *workflowRun) State() *schema.WorkflowState {
	run.mu.Lock()
	defer run.mu.Unlock()

	raw, _ := json.Marshal(run.state)
	var cp schema.WorkflowState
	_ = json.Unmarshal(raw, &cp)
	return &cp
}

type nodeResult struct {
	nodeID string
	err    error
}

// Execute drives the run until it completes, fails, pauses, or is
// cancelled. It is single-flight per run: the executor never calls it
// concurrently for the same run.
func (r *Runner) Execute(ctx context.Context, run *workflowRun) *RunOutcome {
	// Buffered so node goroutines never block publishing their result.
	results := make(chan nodeResult, len(run.dag.Nodes))
	inFlight := 0
	var failure *schema.EngineError

	for {
		if failure == nil && !run.pauseRequested.Load() && ctx.Err() == nil {
			inFlight += r.dispatchReady(ctx, run, results)
		}
		if inFlight == 0 {
			break
		}

		res := <-results
		inFlight--
		if res.err != nil && failure == nil {
			failure = asEngineError(res.err, res.nodeID)
		}
	}

	return r.finish(ctx, run, failure)
}

// dispatchReady scans for schedulable nodes, applies the skip cascade, and
// submits every ready node to the pool. Returns how many were dispatched.
func (r *Runner) dispatchReady(ctx context.Context, run *workflowRun, results chan<- nodeResult) int {
	dispatched := 0

	// Fixpoint scan: marking one node skipped can make a later one skippable.
	for changed := true; changed; {
		changed = false
		for _, id := range run.dag.Sorted {
			run.mu.Lock()
			ns := run.state.Nodes[id]
			if ns.Status != schema.NodeStatusPending {
				run.mu.Unlock()
				continue
			}

			skip := false
			ready := true
			for _, dep := range run.dag.Edges[id] {
				switch run.state.Nodes[dep].Status {
				case schema.NodeStatusSkipped:
					skip = true
					ready = false
				case schema.NodeStatusCompleted:
					// satisfied
				default:
					ready = false
				}
			}

			if skip {
				ns.Status = schema.NodeStatusSkipped
				run.mu.Unlock()
				changed = true
				r.logNode(ctx, run, id, schema.LogInfo, "node skipped: dependency skipped")
				continue
			}
			if !ready {
				run.mu.Unlock()
				continue
			}

			ns.Status = schema.NodeStatusReady
			run.mu.Unlock()

			node := run.dag.Nodes[id]
			nodeID := id
			err := r.pool.Submit(ctx, func(nodeCtx context.Context) error {
				res := r.executeNode(nodeCtx, run, node)
				results <- res
				return res.err
			})
			if err != nil {
				run.mu.Lock()
				run.state.Nodes[nodeID].Status = schema.NodeStatusPending
				run.mu.Unlock()
				return dispatched
			}
			dispatched++
			changed = true
		}
	}

	return dispatched
}

// finish classifies the drained run into its outcome and performs the
// matching bookkeeping.
func (r *Runner) finish(ctx context.Context, run *workflowRun, failure *schema.EngineError) *RunOutcome {
	if ctx.Err() != nil || run.cancelRequested.Load() {
		return &RunOutcome{Status: schema.ProcessStatusCancelled}
	}

	if failure != nil {
		return &RunOutcome{Status: schema.ProcessStatusFailed, Err: failure}
	}

	run.mu.Lock()
	allTerminal := true
	for _, ns := range run.state.Nodes {
		if !ns.Status.IsTerminal() {
			allTerminal = false
			break
		}
	}
	lastCompleted := run.lastCompleted
	run.mu.Unlock()

	if !allTerminal && run.pauseRequested.Load() {
		run.mu.Lock()
		run.state.PausePoint = lastCompleted
		run.mu.Unlock()
		run.checkpoint(lastCompleted)
		return &RunOutcome{Status: schema.ProcessStatusPaused, PausePoint: lastCompleted}
	}

	return &RunOutcome{Status: schema.ProcessStatusCompleted, Output: r.buildOutput(run)}
}

// buildOutput assembles the workflow process output: final variables plus
// the output of every completed node.
func (r *Runner) buildOutput(run *workflowRun) json.RawMessage {
	run.mu.Lock()
	defer run.mu.Unlock()

	outputs := make(map[string]json.RawMessage)
	for id, ns := range run.state.Nodes {
		if ns.Status == schema.NodeStatusCompleted && len(ns.Output) > 0 {
			outputs[id] = ns.Output
		}
	}
	payload, _ := json.Marshal(map[string]any{
		"variables": run.state.Variables,
		"nodes":     outputs,
	})
	return payload
}

// executeNode runs one node through its retry policy. A checkpoint is
// appended after every attempt, before the result becomes observable.
func (r *Runner) executeNode(ctx context.Context, run *workflowRun, node *schema.NodeDefinition) nodeResult {
	ctx = logging.WithIDs(ctx, run.processID, node.ID, "")

	run.mu.Lock()
	ns := run.state.Nodes[node.ID]
	now := time.Now().UTC()
	ns.Status = schema.NodeStatusRunning
	ns.StartedAt = &now
	run.state.CurrentNode = node.ID
	run.mu.Unlock()

	policy := retryPolicyFor(node, run.config)
	maxAttempts := policy.Max
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		output, err := r.runNodeOnce(ctx, run, node)
		if err == nil {
			err = r.applyExports(ctx, run, node, output)
		}

		if err == nil {
			completedAt := time.Now().UTC()
			if addErr := run.scope.AddNodeOutput(node.ID, output); addErr != nil {
				err = addErr
			} else {
				run.mu.Lock()
				ns.Status = schema.NodeStatusCompleted
				ns.Output = output
				ns.Error = ""
				ns.CompletedAt = &completedAt
				ns.DurationMs = completedAt.Sub(*ns.StartedAt).Milliseconds()
				run.lastCompleted = node.ID
				run.mu.Unlock()

				run.checkpoint(node.ID)
				r.logNode(ctx, run, node.ID, schema.LogInfo, "node completed")
				return nodeResult{nodeID: node.ID}
			}
		}

		lastErr = err
		retryable := IsRetryableError(err) && attempt < maxAttempts-1 && ctx.Err() == nil

		run.mu.Lock()
		ns.RetryCount = attempt + 1
		ns.Error = err.Error()
		if retryable {
			ns.Status = schema.NodeStatusRetrying
		} else {
			ns.Status = schema.NodeStatusFailed
			completedAt := time.Now().UTC()
			ns.CompletedAt = &completedAt
		}
		run.mu.Unlock()

		run.checkpoint(node.ID)

		if retryable {
			r.logNode(ctx, run, node.ID, schema.LogWarn, "node attempt failed, retrying: "+err.Error())
			backoff := ComputeBackoff(policy, attempt)
			if waitErr := r.pool.Yield(ctx, func(c context.Context) error {
				return WaitForBackoff(c, backoff)
			}); waitErr != nil {
				break
			}
			run.mu.Lock()
			ns.Status = schema.NodeStatusRunning
			run.mu.Unlock()
			continue
		}

		r.logNode(ctx, run, node.ID, schema.LogError, "node failed: "+err.Error())
		break
	}

	return nodeResult{nodeID: node.ID, err: asEngineError(lastErr, node.ID)}
}

// runNodeOnce performs a single attempt, applying the per-attempt timeout
// for agent and tool nodes. Flow-control nodes manage their own deadlines.
func (r *Runner) runNodeOnce(ctx context.Context, run *workflowRun, node *schema.NodeDefinition) (json.RawMessage, error) {
	switch node.Type {
	case schema.NodeTypeAgent, schema.NodeTypeTool:
		attemptCtx := ctx
		timeout := time.Duration(node.TimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = run.config.Timeout()
		}
		if timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		if node.Type == schema.NodeTypeAgent {
			return r.runAgentNode(attemptCtx, run, node)
		}
		return r.runToolNode(attemptCtx, run, node)

	case schema.NodeTypeDecision:
		return r.runDecisionNode(ctx, run, node)
	case schema.NodeTypeParallel:
		return r.runParallelNode(ctx, run, node)
	case schema.NodeTypeLoop:
		return r.runLoopNode(ctx, run, node)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "node %s has unknown type: %s", node.ID, node.Type)
	}
}

func (r *Runner) runAgentNode(ctx context.Context, run *workflowRun, node *schema.NodeDefinition) (json.RawMessage, error) {
	if r.agent == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "no agent runtime configured")
	}

	prompt, err := r.interp.ResolveString(node.Prompt, r.nodeScope(run, node))
	if err != nil {
		return nil, err
	}
	params := node.Params
	if expressions.HasInterpolation(params) {
		params, err = r.interp.Resolve(params, r.nodeScope(run, node))
		if err != nil {
			return nil, err
		}
	}

	result, err := r.agent.Generate(ctx, AgentRequest{
		ProcessID: run.processID,
		NodeID:    node.ID,
		Prompt:    prompt,
		Params:    params,
		Env:       run.config.Environment,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "agent call for node %s timed out", node.ID).WithCause(err)
		}
		return nil, err
	}

	if result.TokensUsed > 0 {
		r.logNode(ctx, run, node.ID, schema.LogDebug, "agent call finished")
	}
	return result.Output, nil
}

func (r *Runner) runToolNode(ctx context.Context, run *workflowRun, node *schema.NodeDefinition) (json.RawMessage, error) {
	if r.tools == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "no tool runner configured")
	}

	params := node.Params
	if expressions.HasInterpolation(params) {
		var err error
		params, err = r.interp.Resolve(params, r.nodeScope(run, node))
		if err != nil {
			return nil, err
		}
	}

	output, err := r.tools.Invoke(ctx, node.Tool, params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "tool %s timed out", node.Tool).WithCause(err)
		}
		return nil, err
	}
	return output, nil
}

// applyExports runs each export's jq projection over the node output and
// writes the result into the workflow variables.
func (r *Runner) applyExports(ctx context.Context, run *workflowRun, node *schema.NodeDefinition, output json.RawMessage) error {
	if len(node.Export) == 0 {
		return nil
	}

	var parsed any
	if len(output) > 0 {
		if err := json.Unmarshal(output, &parsed); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"node %s output is not valid JSON, cannot export: %s", node.ID, err.Error()).WithCause(err)
		}
	}

	for name, expr := range node.Export {
		value, err := r.engines.JQ.Project(ctx, expr, parsed)
		if err != nil {
			return err
		}
		run.scope.SetVar(name, value)
		run.mu.Lock()
		run.state.Variables[name] = value
		run.mu.Unlock()
	}
	return nil
}

// checkpoint snapshots variables and loop counters into the state's
// checkpoint history.
func (run *workflowRun) checkpoint(nodeID string) {
	run.mu.Lock()
	defer run.mu.Unlock()
	run.state.Variables = run.scope.Vars()
	run.state.Checkpoints = append(run.state.Checkpoints, run.state.Snapshot(nodeID, time.Now().UTC()))
}

// nodeScope returns the scope builder evaluated against for a node. Loop
// bodies override this via iteration-scoped builders.
func (r *Runner) nodeScope(run *workflowRun, node *schema.NodeDefinition) *expressions.ScopeBuilder {
	return run.scope
}

func (r *Runner) logNode(ctx context.Context, run *workflowRun, nodeID string, level schema.LogLevel, msg string) {
	_ = r.reg.AppendLog(ctx, run.processID, schema.LogEntry{
		Level:   level,
		Message: msg,
		Source:  nodeID,
	})
}

// asEngineError normalizes any error into an EngineError carrying the
// failing node ID in both NodeID and Details.
func asEngineError(err error, nodeID string) *schema.EngineError {
	if err == nil {
		return nil
	}
	var ee *schema.EngineError
	if errors.As(err, &ee) {
		if ee.NodeID == "" {
			ee.NodeID = nodeID
		}
		return ee
	}
	if errors.Is(err, context.Canceled) {
		return schema.NewError(schema.ErrCodeCancelled, "node execution cancelled").WithNode(nodeID).WithCause(err)
	}
	return schema.NewErrorf(schema.ErrCodeNodeFailed, "node %s: %s", nodeID, err.Error()).WithNode(nodeID).WithCause(err)
}
