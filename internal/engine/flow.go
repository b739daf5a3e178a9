package engine

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/internal/expressions"
	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/internal/interactions"
	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/pkg/schema"
)

// runDecisionNode evaluates a decision's condition and skips the untaken
// branch. When the decision carries a prompt, the node suspends on an
// AgentInteraction first and the resolution is written into the workflow
// variables before the condition is evaluated.
func (r *Runner) runDecisionNode(ctx context.Context, run *workflowRun, node *schema.NodeDefinition) (json.RawMessage, error) {
	var cfg schema.DecisionConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decision node %s has invalid config: %v", node.ID, err)
	}

	if cfg.Prompt != "" {
		if err := r.awaitDecisionInput(ctx, run, node, &cfg); err != nil {
			return nil, err
		}
	}

	result, err := r.engines.EvaluateBool(ctx, cfg.Engine, cfg.Condition, run.scope.Data())
	if err != nil {
		return nil, err
	}

	untaken := cfg.OnTrue
	if result {
		untaken = cfg.OnFalse
	}

	run.mu.Lock()
	if run.state.ConditionalBranches == nil {
		run.state.ConditionalBranches = make(map[string]bool)
	}
	run.state.ConditionalBranches[node.ID] = result
	for _, target := range untaken {
		if ns, ok := run.state.Nodes[target]; ok && ns.Status == schema.NodeStatusPending {
			ns.Status = schema.NodeStatusSkipped
		}
	}
	run.mu.Unlock()

	for _, target := range untaken {
		r.logNode(ctx, run, target, schema.LogInfo, "node skipped: branch not taken")
	}

	return json.Marshal(map[string]bool{"condition": result})
}

// awaitDecisionInput raises an interaction, suspends the node, and writes
// the resolved (or defaulted) value into the configured variable.
func (r *Runner) awaitDecisionInput(ctx context.Context, run *workflowRun, node *schema.NodeDefinition, cfg *schema.DecisionConfig) error {
	if r.interact == nil {
		return schema.NewError(schema.ErrCodeExecution, "no interaction manager configured")
	}

	prompt, err := r.interp.ResolveString(cfg.Prompt, run.scope)
	if err != nil {
		return err
	}

	var defaultValue any
	if cfg.Default != "" {
		defaultValue = cfg.Default
	}
	it, err := r.interact.Create(ctx, interactions.CreateRequest{
		ProcessID:    run.processID,
		AgentName:    node.ID,
		Kind:         schema.InteractionDecisionPoint,
		Prompt:       prompt,
		Options:      cfg.Options,
		DefaultValue: defaultValue,
		Timeout:      time.Duration(cfg.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		return err
	}

	run.mu.Lock()
	run.state.Nodes[node.ID].Status = schema.NodeStatusWaiting
	run.mu.Unlock()
	r.logNode(ctx, run, node.ID, schema.LogInfo, "waiting for interaction: "+it.ID)

	// The pool slot is given back for the duration of the wait: a parked
	// interaction must not hold an execution slot.
	var res *schema.InteractionResolution
	awaitErr := r.pool.Yield(ctx, func(c context.Context) error {
		var err error
		res, err = r.interact.Await(c, it.ID)
		return err
	})

	run.mu.Lock()
	run.state.Nodes[node.ID].Status = schema.NodeStatusRunning
	run.mu.Unlock()

	if awaitErr != nil {
		return awaitErr
	}

	run.scope.SetVar(cfg.Variable, res.Value)
	run.mu.Lock()
	run.state.Variables[cfg.Variable] = res.Value
	run.mu.Unlock()
	return nil
}

// yieldFunc parks a wait. Tasks holding a pool slot pass pool.Yield so the
// slot frees up for the duration; goroutines outside the pool pass
// waitInPlace.
type yieldFunc func(ctx context.Context, wait func(ctx context.Context) error) error

func waitInPlace(ctx context.Context, wait func(ctx context.Context) error) error {
	return wait(ctx)
}

type childResult struct {
	childID string
	output  json.RawMessage
	branch  *expressions.ScopeBuilder
	err     error
}

// runParallelNode fans the children out, bounded by the worker pool where
// slots are free. The first failure cancels the remaining children unless
// continueOnError is set.
func (r *Runner) runParallelNode(ctx context.Context, run *workflowRun, node *schema.NodeDefinition) (json.RawMessage, error) {
	var cfg schema.ParallelConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parallel node %s has invalid config: %v", node.ID, err)
	}

	childCtx, cancelChildren := context.WithCancel(ctx)
	defer cancelChildren()

	results := make(chan childResult, len(cfg.Children))
	for i := range cfg.Children {
		child := &cfg.Children[i]
		if child.Type == "" {
			child.Type = schema.NodeTypeAgent
		}
		branch := run.scope.ForBranch()

		fn := func(c context.Context, yield yieldFunc) error {
			output, err := r.runLeaf(c, run, child, branch, yield)
			results <- childResult{childID: child.ID, output: output, branch: branch, err: err}
			return err
		}
		// Prefer a pool slot; fall back to a plain goroutine so a saturated
		// pool cannot deadlock a parent that already holds a slot.
		if !r.pool.TrySubmit(childCtx, func(c context.Context) error { return fn(c, r.pool.Yield) }) {
			go func() { _ = fn(childCtx, waitInPlace) }()
		}
	}

	outputs := make(map[string]json.RawMessage, len(cfg.Children))
	var firstErr error
	for range cfg.Children {
		res := <-results
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}
			if !cfg.ContinueOnError {
				cancelChildren()
			}
			continue
		}
		outputs[res.childID] = res.output
		run.scope.MergeBranch(res.branch)
	}

	if firstErr != nil && !cfg.ContinueOnError {
		return nil, firstErr
	}
	return json.Marshal(outputs)
}

// runLoopNode runs the body sequentially per iteration until the condition
// turns false or maxIterations is reached. The loop counter survives in
// LoopCounters so a resumed run continues where it stopped.
func (r *Runner) runLoopNode(ctx context.Context, run *workflowRun, node *schema.NodeDefinition) (json.RawMessage, error) {
	var cfg schema.LoopConfig
	if err := json.Unmarshal(node.Config, &cfg); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "loop node %s has invalid config: %v", node.ID, err)
	}

	counter := cfg.Counter
	if counter == "" {
		counter = node.ID
	}

	run.mu.Lock()
	iter := run.state.LoopCounters[counter]
	run.mu.Unlock()

	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if cfg.MaxIterations > 0 && iter >= cfg.MaxIterations {
			break
		}

		bodyScope := run.scope.ForBranch().WithLoopVars(iter, iter)
		if cfg.Condition != "" {
			proceed, err := r.engines.EvaluateBool(ctx, cfg.Engine, cfg.Condition, bodyScope.Data())
			if err != nil {
				return nil, err
			}
			if !proceed {
				break
			}
		}

		for i := range cfg.Body {
			body := &cfg.Body[i]
			if body.Type == "" {
				body.Type = schema.NodeTypeAgent
			}
			if _, err := r.runLeaf(ctx, run, body, bodyScope, r.pool.Yield); err != nil {
				return nil, err
			}
		}

		// Fold iteration variables back; body node outputs stay
		// iteration-scoped.
		for name, value := range bodyScope.Vars() {
			run.scope.SetVar(name, value)
		}

		iter++
		run.mu.Lock()
		run.state.LoopCounters[counter] = iter
		run.mu.Unlock()
		run.checkpoint(node.ID)
	}

	return json.Marshal(map[string]int{"iterations": iter})
}

// runLeaf executes an agent or tool node nested inside a parallel or loop
// node, against the given branch scope. Nested flow-control nodes are not
// supported.
func (r *Runner) runLeaf(ctx context.Context, run *workflowRun, node *schema.NodeDefinition, scope *expressions.ScopeBuilder, yield yieldFunc) (json.RawMessage, error) {
	if node.Type != schema.NodeTypeAgent && node.Type != schema.NodeTypeTool {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"node %s: nested %s nodes are not supported", node.ID, node.Type)
	}

	now := time.Now().UTC()
	run.mu.Lock()
	ns, ok := run.state.Nodes[node.ID]
	if !ok {
		ns = &schema.NodeState{NodeID: node.ID, Dependencies: append([]string(nil), node.DependsOn...)}
		run.state.Nodes[node.ID] = ns
	}
	ns.Status = schema.NodeStatusRunning
	ns.StartedAt = &now
	ns.CompletedAt = nil
	ns.Error = ""
	run.mu.Unlock()

	policy := retryPolicyFor(node, run.config)
	maxAttempts := policy.Max
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		output, err := r.runLeafOnce(ctx, run, node, scope)
		if err == nil {
			if addErr := scope.AddNodeOutput(node.ID, output); addErr == nil {
				if expErr := r.applyLeafExports(ctx, node, output, scope); expErr != nil {
					err = expErr
				}
			} else {
				err = addErr
			}
		}
		if err == nil {
			completedAt := time.Now().UTC()
			run.mu.Lock()
			ns.Status = schema.NodeStatusCompleted
			ns.Output = output
			ns.CompletedAt = &completedAt
			ns.DurationMs = completedAt.Sub(now).Milliseconds()
			run.mu.Unlock()
			return output, nil
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
		}
		run.mu.Unlock()

		if !retryable {
			break
		}
		backoff := ComputeBackoff(policy, attempt)
		if waitErr := yield(ctx, func(c context.Context) error {
			return WaitForBackoff(c, backoff)
		}); waitErr != nil {
			break
		}
	}

	return nil, asEngineError(lastErr, node.ID)
}

func (r *Runner) runLeafOnce(ctx context.Context, run *workflowRun, node *schema.NodeDefinition, scope *expressions.ScopeBuilder) (json.RawMessage, error) {
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

	if node.Type == schema.NodeTypeTool {
		if r.tools == nil {
			return nil, schema.NewError(schema.ErrCodeExecution, "no tool runner configured")
		}
		params := node.Params
		if expressions.HasInterpolation(params) {
			var err error
			params, err = r.interp.Resolve(params, scope)
			if err != nil {
				return nil, err
			}
		}
		output, err := r.tools.Invoke(attemptCtx, node.Tool, params)
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout, "tool %s timed out", node.Tool).WithCause(err)
		}
		return output, err
	}

	if r.agent == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "no agent runtime configured")
	}
	prompt, err := r.interp.ResolveString(node.Prompt, scope)
	if err != nil {
		return nil, err
	}
	params := node.Params
	if expressions.HasInterpolation(params) {
		params, err = r.interp.Resolve(params, scope)
		if err != nil {
			return nil, err
		}
	}
	result, err := r.agent.Generate(attemptCtx, AgentRequest{
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
	return result.Output, nil
}

// applyLeafExports projects exports into the branch scope only; the parent
// folds variables back when the branch merges.
func (r *Runner) applyLeafExports(ctx context.Context, node *schema.NodeDefinition, output json.RawMessage, scope *expressions.ScopeBuilder) error {
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
		scope.SetVar(name, value)
	}
	return nil
}
