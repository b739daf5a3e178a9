package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/internal/expressions"
	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/internal/interactions"
	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/internal/registry"
	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/pkg/schema"
)

// stubAgent scripts per-node behavior and records every call it receives.
type agentBehavior func(ctx context.Context, attempt int, req AgentRequest) (*AgentResult, error)

type stubAgent struct {
	mu       sync.Mutex
	calls    map[string]int
	prompts  map[string][]string
	behavior map[string]agentBehavior
}

func newStubAgent() *stubAgent {
	return &stubAgent{
		calls:    make(map[string]int),
		prompts:  make(map[string][]string),
		behavior: make(map[string]agentBehavior),
	}
}

func (s *stubAgent) on(nodeID string, fn agentBehavior) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.behavior[nodeID] = fn
}

func (s *stubAgent) callCount(nodeID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[nodeID]
}

func (s *stubAgent) Generate(ctx context.Context, req AgentRequest) (*AgentResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.calls[req.NodeID]++
	attempt := s.calls[req.NodeID]
	s.prompts[req.NodeID] = append(s.prompts[req.NodeID], req.Prompt)
	fn := s.behavior[req.NodeID]
	s.mu.Unlock()

	if fn != nil {
		return fn(ctx, attempt, req)
	}
	return &AgentResult{Output: json.RawMessage(fmt.Sprintf(`{"node":%q}`, req.NodeID))}, nil
}

type runnerHarness struct {
	reg      *registry.Registry
	runner   *Runner
	agent    *stubAgent
	tools    *ToolRegistry
	interact *interactions.Manager
}

func newRunnerHarness(t *testing.T) *runnerHarness {
	return newRunnerHarnessWithPool(t, 8)
}

func newRunnerHarnessWithPool(t *testing.T, poolSize int) *runnerHarness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engines, err := expressions.NewEngines()
	require.NoError(t, err)

	pool := NewWorkerPool(poolSize)
	t.Cleanup(pool.Shutdown)
	interact := interactions.NewManager(logger)
	t.Cleanup(interact.Close)

	agent := newStubAgent()
	tools := NewToolRegistry()
	reg := registry.New(nil, logger)
	return &runnerHarness{
		reg:      reg,
		runner:   NewRunner(reg, engines, interact, agent, tools, pool, logger),
		agent:    agent,
		tools:    tools,
		interact: interact,
	}
}

func (h *runnerHarness) newRun(t *testing.T, def schema.WorkflowDefinition, cfg schema.ProcessConfig) (*workflowRun, *schema.Process) {
	t.Helper()
	input, err := json.Marshal(def)
	require.NoError(t, err)
	proc, err := h.reg.Create(context.Background(), registry.CreateRequest{
		Name:   "wf-" + t.Name(),
		Type:   schema.ProcessTypeWorkflow,
		Config: cfg,
		Input:  input,
	})
	require.NoError(t, err)
	run, err := h.runner.NewRun(proc)
	require.NoError(t, err)
	return run, proc
}

func TestRunnerLinearWorkflowCompletes(t *testing.T) {
	h := newRunnerHarness(t)
	run, _ := h.newRun(t, schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			agentNode("a"),
			agentNode("b", "a"),
			agentNode("c", "b"),
		},
	}, schema.ProcessConfig{})

	outcome := h.runner.Execute(context.Background(), run)
	require.Equal(t, schema.ProcessStatusCompleted, outcome.Status)
	require.Nil(t, outcome.Err)

	state := run.State()
	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, schema.NodeStatusCompleted, state.Nodes[id].Status, id)
	}
	// One checkpoint per successful attempt.
	assert.Len(t, state.Checkpoints, 3)

	var output struct {
		Nodes map[string]json.RawMessage `json:"nodes"`
	}
	require.NoError(t, json.Unmarshal(outcome.Output, &output))
	assert.Len(t, output.Nodes, 3)
}

func TestRunnerRetriesThenSucceeds(t *testing.T) {
	h := newRunnerHarness(t)
	h.agent.on("b", func(ctx context.Context, attempt int, req AgentRequest) (*AgentResult, error) {
		if attempt <= 2 {
			return nil, schema.NewError(schema.ErrCodeExecution, "transient backend failure")
		}
		return &AgentResult{Output: json.RawMessage(`{"node":"b"}`)}, nil
	})

	run, _ := h.newRun(t, schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			agentNode("a"),
			agentNode("b", "a"),
			agentNode("c", "b"),
		},
	}, schema.ProcessConfig{RetryCount: 3, RetryDelayMs: 1})

	outcome := h.runner.Execute(context.Background(), run)
	require.Equal(t, schema.ProcessStatusCompleted, outcome.Status)

	state := run.State()
	assert.Equal(t, schema.NodeStatusCompleted, state.Nodes["b"].Status)
	assert.Equal(t, 2, state.Nodes["b"].RetryCount)
	assert.Equal(t, 3, h.agent.callCount("b"))

	// Two failed attempts for b, plus one successful attempt each for a, b, c.
	require.Len(t, state.Checkpoints, 5)
	perNode := map[string]int{}
	for _, cp := range state.Checkpoints {
		perNode[cp.NodeID]++
	}
	assert.Equal(t, map[string]int{"a": 1, "b": 3, "c": 1}, perNode)
}

func TestRunnerRetryExhaustionFailsWorkflow(t *testing.T) {
	h := newRunnerHarness(t)
	h.agent.on("b", func(ctx context.Context, attempt int, req AgentRequest) (*AgentResult, error) {
		return nil, schema.NewError(schema.ErrCodeExecution, "permanent outage")
	})

	run, _ := h.newRun(t, schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			agentNode("a"),
			agentNode("b", "a"),
			agentNode("c", "b"),
		},
	}, schema.ProcessConfig{RetryCount: 2, RetryDelayMs: 1})

	outcome := h.runner.Execute(context.Background(), run)
	require.Equal(t, schema.ProcessStatusFailed, outcome.Status)
	require.NotNil(t, outcome.Err)
	assert.Equal(t, "b", outcome.Err.NodeID)

	state := run.State()
	assert.Equal(t, schema.NodeStatusFailed, state.Nodes["b"].Status)
	assert.Equal(t, schema.NodeStatusPending, state.Nodes["c"].Status)
	assert.Equal(t, 2, h.agent.callCount("b"))
}

func TestRunnerValidationFailureDoesNotRetry(t *testing.T) {
	h := newRunnerHarness(t)
	h.agent.on("a", func(ctx context.Context, attempt int, req AgentRequest) (*AgentResult, error) {
		return nil, schema.NewError(schema.ErrCodeValidation, "malformed prompt")
	})

	run, _ := h.newRun(t, schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{agentNode("a")},
	}, schema.ProcessConfig{RetryCount: 3, RetryDelayMs: 1})

	outcome := h.runner.Execute(context.Background(), run)
	require.Equal(t, schema.ProcessStatusFailed, outcome.Status)
	assert.Equal(t, 1, h.agent.callCount("a"))
}

func TestRunnerInterpolatesPromptsAndParams(t *testing.T) {
	h := newRunnerHarness(t)
	h.agent.on("a", func(ctx context.Context, attempt int, req AgentRequest) (*AgentResult, error) {
		return &AgentResult{Output: json.RawMessage(`{"city":"Reykjavik"}`)}, nil
	})

	run, proc := h.newRun(t, schema.WorkflowDefinition{
		Variables: map[string]any{"greeting": "hello"},
		Nodes: []schema.NodeDefinition{
			agentNode("a"),
			{
				ID:        "b",
				Type:      schema.NodeTypeAgent,
				Prompt:    "${{vars.greeting}} from ${{nodes.a.output.city}} for ${{process.processId}}",
				DependsOn: []string{"a"},
			},
		},
	}, schema.ProcessConfig{})

	outcome := h.runner.Execute(context.Background(), run)
	require.Equal(t, schema.ProcessStatusCompleted, outcome.Status)

	h.agent.mu.Lock()
	prompt := h.agent.prompts["b"][0]
	h.agent.mu.Unlock()
	assert.Equal(t, "hello from Reykjavik for "+proc.ID, prompt)
}

func TestRunnerExportsFeedDownstreamNodes(t *testing.T) {
	h := newRunnerHarness(t)
	h.agent.on("a", func(ctx context.Context, attempt int, req AgentRequest) (*AgentResult, error) {
		return &AgentResult{Output: json.RawMessage(`{"items":[1,2,3],"label":"batch"}`)}, nil
	})

	run, _ := h.newRun(t, schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			{
				ID:     "a",
				Type:   schema.NodeTypeAgent,
				Prompt: "produce",
				Export: map[string]string{"count": ".items | length", "label": ".label"},
			},
			{
				ID:        "b",
				Type:      schema.NodeTypeAgent,
				Prompt:    "consume ${{vars.label}}",
				DependsOn: []string{"a"},
			},
		},
	}, schema.ProcessConfig{})

	outcome := h.runner.Execute(context.Background(), run)
	require.Equal(t, schema.ProcessStatusCompleted, outcome.Status)

	state := run.State()
	assert.Equal(t, "batch", state.Variables["label"])
	assert.Equal(t, float64(3), state.Variables["count"])

	h.agent.mu.Lock()
	prompt := h.agent.prompts["b"][0]
	h.agent.mu.Unlock()
	assert.Equal(t, "consume batch", prompt)
}

func TestRunnerToolNodes(t *testing.T) {
	h := newRunnerHarness(t)
	h.tools.Register("labeler", func(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
		var in struct{ Prefix, Value string }
		if err := json.Unmarshal(params, &in); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"text": in.Prefix + in.Value})
	})

	run, _ := h.newRun(t, schema.WorkflowDefinition{
		Variables: map[string]any{"x": "42"},
		Nodes: []schema.NodeDefinition{
			{
				ID:     "label",
				Type:   schema.NodeTypeTool,
				Tool:   "labeler",
				Params: json.RawMessage(`{"prefix": "x=", "value": "${{vars.x}}"}`),
				Export: map[string]string{"rendered": ".text"},
			},
		},
	}, schema.ProcessConfig{})

	outcome := h.runner.Execute(context.Background(), run)
	require.Equal(t, schema.ProcessStatusCompleted, outcome.Status)
	assert.Equal(t, "x=42", run.State().Variables["rendered"])
}

func TestRunnerUnknownToolFails(t *testing.T) {
	h := newRunnerHarness(t)
	run, _ := h.newRun(t, schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			{ID: "t", Type: schema.NodeTypeTool, Tool: "ghost"},
		},
	}, schema.ProcessConfig{})

	outcome := h.runner.Execute(context.Background(), run)
	require.Equal(t, schema.ProcessStatusFailed, outcome.Status)
	require.NotNil(t, outcome.Err)
}

func TestRunnerDecisionSkipsUntakenBranch(t *testing.T) {
	h := newRunnerHarness(t)
	run, _ := h.newRun(t, schema.WorkflowDefinition{
		Variables: map[string]any{"threshold": 10},
		Nodes: []schema.NodeDefinition{
			agentNode("prep"),
			{
				ID:        "gate",
				Type:      schema.NodeTypeDecision,
				DependsOn: []string{"prep"},
				Config: mustJSON(t, map[string]any{
					"condition": "vars.threshold > 5",
					"onTrue":    []string{"big"},
					"onFalse":   []string{"small"},
				}),
			},
			agentNode("big", "gate"),
			agentNode("small", "gate"),
			agentNode("after-small", "small"),
		},
	}, schema.ProcessConfig{})

	outcome := h.runner.Execute(context.Background(), run)
	require.Equal(t, schema.ProcessStatusCompleted, outcome.Status)

	state := run.State()
	assert.Equal(t, schema.NodeStatusCompleted, state.Nodes["big"].Status)
	assert.Equal(t, schema.NodeStatusSkipped, state.Nodes["small"].Status)
	// Skip cascades to descendants of the untaken branch.
	assert.Equal(t, schema.NodeStatusSkipped, state.Nodes["after-small"].Status)
	assert.Equal(t, map[string]bool{"gate": true}, state.ConditionalBranches)
	assert.Equal(t, 0, h.agent.callCount("small"))
	assert.Equal(t, 0, h.agent.callCount("after-small"))
}

func TestRunnerDecisionPromptWaitsForResolution(t *testing.T) {
	h := newRunnerHarness(t)
	run, proc := h.newRun(t, schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			{
				ID:   "approve",
				Type: schema.NodeTypeDecision,
				Config: mustJSON(t, map[string]any{
					"condition": `vars.choice == "yes"`,
					"prompt":    "proceed with deploy?",
					"variable":  "choice",
					"options": []map[string]string{
						{"id": "yes"}, {"id": "no"},
					},
					"onTrue":  []string{"deploy"},
					"onFalse": []string{"abort"},
				}),
			},
			agentNode("deploy", "approve"),
			agentNode("abort", "approve"),
		},
	}, schema.ProcessConfig{})

	done := make(chan *RunOutcome, 1)
	go func() { done <- h.runner.Execute(context.Background(), run) }()

	var pending *schema.AgentInteraction
	require.Eventually(t, func() bool {
		it, ok := h.interact.OldestPending(proc.ID, "approve")
		if ok {
			pending = it
		}
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "proceed with deploy?", pending.Prompt)
	require.NoError(t, h.interact.Resolve(context.Background(), pending.ID, "yes", "operator"))

	outcome := <-done
	require.Equal(t, schema.ProcessStatusCompleted, outcome.Status)

	state := run.State()
	assert.Equal(t, "yes", state.Variables["choice"])
	assert.Equal(t, schema.NodeStatusCompleted, state.Nodes["deploy"].Status)
	assert.Equal(t, schema.NodeStatusSkipped, state.Nodes["abort"].Status)
}

func TestRunnerParkedInteractionDoesNotHoldPoolSlot(t *testing.T) {
	h := newRunnerHarnessWithPool(t, 1)
	run1, proc1 := h.newRun(t, schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			{
				ID:   "gate",
				Type: schema.NodeTypeDecision,
				Config: mustJSON(t, map[string]any{
					"condition": `vars.choice == "go"`,
					"prompt":    "continue?",
					"variable":  "choice",
				}),
			},
		},
	}, schema.ProcessConfig{})

	done1 := make(chan *RunOutcome, 1)
	go func() { done1 <- h.runner.Execute(context.Background(), run1) }()

	var pending *schema.AgentInteraction
	require.Eventually(t, func() bool {
		it, ok := h.interact.OldestPending(proc1.ID, "gate")
		if ok {
			pending = it
		}
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	// With the only slot now yielded, an unrelated workflow must still run.
	run2, _ := h.newRun(t, schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{agentNode("solo")},
	}, schema.ProcessConfig{})

	done2 := make(chan *RunOutcome, 1)
	go func() { done2 <- h.runner.Execute(context.Background(), run2) }()
	select {
	case outcome := <-done2:
		require.Equal(t, schema.ProcessStatusCompleted, outcome.Status)
	case <-time.After(3 * time.Second):
		t.Fatal("workflow starved behind a parked interaction")
	}
	assert.Equal(t, 1, h.agent.callCount("solo"))

	require.NoError(t, h.interact.Resolve(context.Background(), pending.ID, "go", "operator"))
	outcome := <-done1
	require.Equal(t, schema.ProcessStatusCompleted, outcome.Status)
	assert.Equal(t, "go", run1.State().Variables["choice"])
}

func TestRunnerRetryBackoffDoesNotHoldPoolSlot(t *testing.T) {
	h := newRunnerHarnessWithPool(t, 1)

	inBackoff := make(chan struct{}, 1)
	unblock := make(chan struct{})
	h.agent.on("flaky", func(ctx context.Context, attempt int, req AgentRequest) (*AgentResult, error) {
		if attempt == 1 {
			select {
			case inBackoff <- struct{}{}:
			default:
			}
			return nil, schema.NewError(schema.ErrCodeExecution, "transient")
		}
		<-unblock
		return &AgentResult{Output: json.RawMessage(`{"ok":true}`)}, nil
	})

	run1, _ := h.newRun(t, schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{agentNode("flaky")},
	}, schema.ProcessConfig{RetryCount: 2, RetryDelayMs: 2000})

	done1 := make(chan *RunOutcome, 1)
	go func() { done1 <- h.runner.Execute(context.Background(), run1) }()
	<-inBackoff

	// flaky is sleeping out its retry delay; the slot must be free for others.
	run2, _ := h.newRun(t, schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{agentNode("solo")},
	}, schema.ProcessConfig{})

	done2 := make(chan *RunOutcome, 1)
	go func() { done2 <- h.runner.Execute(context.Background(), run2) }()
	select {
	case outcome := <-done2:
		require.Equal(t, schema.ProcessStatusCompleted, outcome.Status)
	case <-time.After(3 * time.Second):
		t.Fatal("workflow starved behind a retry backoff")
	}

	close(unblock)
	outcome := <-done1
	require.Equal(t, schema.ProcessStatusCompleted, outcome.Status)
	assert.Equal(t, 2, h.agent.callCount("flaky"))
}

func TestRunnerParallelFansOutAndMerges(t *testing.T) {
	h := newRunnerHarness(t)
	for _, id := range []string{"p1", "p2", "p3"} {
		childID := id
		h.agent.on(childID, func(ctx context.Context, attempt int, req AgentRequest) (*AgentResult, error) {
			return &AgentResult{Output: json.RawMessage(fmt.Sprintf(`{"child":%q}`, childID))}, nil
		})
	}

	run, _ := h.newRun(t, schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			{
				ID:   "fan",
				Type: schema.NodeTypeParallel,
				Config: mustJSON(t, map[string]any{
					"children": []map[string]any{
						{"id": "p1", "prompt": "one"},
						{"id": "p2", "prompt": "two"},
						{"id": "p3", "prompt": "three"},
					},
				}),
			},
			{
				ID:        "join",
				Type:      schema.NodeTypeAgent,
				Prompt:    "combine ${{nodes.p2.output.child}}",
				DependsOn: []string{"fan"},
			},
		},
	}, schema.ProcessConfig{})

	outcome := h.runner.Execute(context.Background(), run)
	require.Equal(t, schema.ProcessStatusCompleted, outcome.Status)

	state := run.State()
	var fanOut map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(state.Nodes["fan"].Output, &fanOut))
	assert.Len(t, fanOut, 3)

	h.agent.mu.Lock()
	prompt := h.agent.prompts["join"][0]
	h.agent.mu.Unlock()
	assert.Equal(t, "combine p2", prompt)
}

func TestRunnerParallelFirstFailureCancelsSiblings(t *testing.T) {
	h := newRunnerHarness(t)
	h.agent.on("fast", func(ctx context.Context, attempt int, req AgentRequest) (*AgentResult, error) {
		return nil, schema.NewError(schema.ErrCodeValidation, "bad child")
	})
	started := make(chan struct{}, 1)
	h.agent.on("slow", func(ctx context.Context, attempt int, req AgentRequest) (*AgentResult, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-ctx.Done():
			return nil, context.Canceled
		case <-time.After(5 * time.Second):
			return &AgentResult{Output: json.RawMessage(`{}`)}, nil
		}
	})

	run, _ := h.newRun(t, schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			{
				ID:   "fan",
				Type: schema.NodeTypeParallel,
				Config: mustJSON(t, map[string]any{
					"children": []map[string]any{
						{"id": "fast", "prompt": "fail"},
						{"id": "slow", "prompt": "hang"},
					},
				}),
			},
		},
	}, schema.ProcessConfig{})

	start := time.Now()
	outcome := h.runner.Execute(context.Background(), run)
	require.Equal(t, schema.ProcessStatusFailed, outcome.Status)
	assert.Less(t, time.Since(start), 3*time.Second, "sibling should be cancelled, not waited out")
}

func TestRunnerParallelContinueOnError(t *testing.T) {
	h := newRunnerHarness(t)
	h.agent.on("bad", func(ctx context.Context, attempt int, req AgentRequest) (*AgentResult, error) {
		return nil, schema.NewError(schema.ErrCodeValidation, "bad child")
	})

	run, _ := h.newRun(t, schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			{
				ID:   "fan",
				Type: schema.NodeTypeParallel,
				Config: mustJSON(t, map[string]any{
					"continueOnError": true,
					"children": []map[string]any{
						{"id": "bad", "prompt": "fail"},
						{"id": "good", "prompt": "work"},
					},
				}),
			},
		},
	}, schema.ProcessConfig{})

	outcome := h.runner.Execute(context.Background(), run)
	require.Equal(t, schema.ProcessStatusCompleted, outcome.Status)

	state := run.State()
	var fanOut map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(state.Nodes["fan"].Output, &fanOut))
	assert.Contains(t, fanOut, "good")
	assert.NotContains(t, fanOut, "bad")
	assert.Equal(t, schema.NodeStatusFailed, state.Nodes["bad"].Status)
}

func TestRunnerLoopRunsBoundedIterations(t *testing.T) {
	h := newRunnerHarness(t)
	h.agent.on("step", func(ctx context.Context, attempt int, req AgentRequest) (*AgentResult, error) {
		return &AgentResult{Output: json.RawMessage(fmt.Sprintf(`{"attempt":%d}`, attempt))}, nil
	})

	run, _ := h.newRun(t, schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			{
				ID:   "repeat",
				Type: schema.NodeTypeLoop,
				Config: mustJSON(t, map[string]any{
					"maxIterations": 3,
					"body": []map[string]any{
						{"id": "step", "prompt": "iteration ${{loop.index}}", "export": map[string]string{"last": ".attempt"}},
					},
				}),
			},
		},
	}, schema.ProcessConfig{})

	outcome := h.runner.Execute(context.Background(), run)
	require.Equal(t, schema.ProcessStatusCompleted, outcome.Status)

	state := run.State()
	assert.Equal(t, 3, h.agent.callCount("step"))
	assert.Equal(t, 3, state.LoopCounters["repeat"])
	assert.Equal(t, float64(3), state.Variables["last"])

	var out map[string]int
	require.NoError(t, json.Unmarshal(state.Nodes["repeat"].Output, &out))
	assert.Equal(t, 3, out["iterations"])

	h.agent.mu.Lock()
	prompts := append([]string(nil), h.agent.prompts["step"]...)
	h.agent.mu.Unlock()
	assert.Equal(t, []string{"iteration 0", "iteration 1", "iteration 2"}, prompts)
}

func TestRunnerLoopConditionStops(t *testing.T) {
	h := newRunnerHarness(t)
	h.agent.on("grow", func(ctx context.Context, attempt int, req AgentRequest) (*AgentResult, error) {
		return &AgentResult{Output: json.RawMessage(fmt.Sprintf(`{"n":%d}`, attempt))}, nil
	})

	run, _ := h.newRun(t, schema.WorkflowDefinition{
		Variables: map[string]any{"n": 0},
		Nodes: []schema.NodeDefinition{
			{
				ID:   "until",
				Type: schema.NodeTypeLoop,
				Config: mustJSON(t, map[string]any{
					"condition":     "vars.n < 2",
					"maxIterations": 10,
					"body": []map[string]any{
						{"id": "grow", "prompt": "bump", "export": map[string]string{"n": ".n"}},
					},
				}),
			},
		},
	}, schema.ProcessConfig{})

	outcome := h.runner.Execute(context.Background(), run)
	require.Equal(t, schema.ProcessStatusCompleted, outcome.Status)
	assert.Equal(t, 2, h.agent.callCount("grow"))
	assert.Equal(t, 2, run.State().LoopCounters["until"])
}

func TestRunnerPauseAndResume(t *testing.T) {
	h := newRunnerHarness(t)
	aStarted := make(chan struct{})
	aRelease := make(chan struct{})
	h.agent.on("a", func(ctx context.Context, attempt int, req AgentRequest) (*AgentResult, error) {
		close(aStarted)
		<-aRelease
		return &AgentResult{Output: json.RawMessage(`{"node":"a"}`)}, nil
	})

	run, _ := h.newRun(t, schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			agentNode("a"),
			agentNode("b", "a"),
		},
	}, schema.ProcessConfig{})

	done := make(chan *RunOutcome, 1)
	go func() { done <- h.runner.Execute(context.Background(), run) }()

	<-aStarted
	// Pause while a is in flight: a finishes, b must not start.
	run.pauseRequested.Store(true)
	close(aRelease)

	outcome := <-done
	require.Equal(t, schema.ProcessStatusPaused, outcome.Status)
	assert.Equal(t, "a", outcome.PausePoint)

	state := run.State()
	assert.Equal(t, "a", state.PausePoint)
	assert.Equal(t, schema.NodeStatusCompleted, state.Nodes["a"].Status)
	assert.Equal(t, schema.NodeStatusPending, state.Nodes["b"].Status)
	assert.Equal(t, 0, h.agent.callCount("b"))

	// Resume continues from the checkpoint and never replays a.
	run.prepareResume()
	outcome = h.runner.Execute(context.Background(), run)
	require.Equal(t, schema.ProcessStatusCompleted, outcome.Status)
	assert.Equal(t, 1, h.agent.callCount("a"))
	assert.Equal(t, 1, h.agent.callCount("b"))
	assert.Empty(t, run.State().PausePoint)
}

func TestRunnerCancelStopsScheduling(t *testing.T) {
	h := newRunnerHarness(t)
	aStarted := make(chan struct{})
	aRelease := make(chan struct{})
	h.agent.on("a", func(ctx context.Context, attempt int, req AgentRequest) (*AgentResult, error) {
		close(aStarted)
		<-aRelease
		return &AgentResult{Output: json.RawMessage(`{"node":"a"}`)}, nil
	})

	run, _ := h.newRun(t, schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			agentNode("a"),
			agentNode("b", "a"),
		},
	}, schema.ProcessConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan *RunOutcome, 1)
	go func() { done <- h.runner.Execute(ctx, run) }()

	<-aStarted
	run.cancelRequested.Store(true)
	cancel()
	close(aRelease)

	outcome := <-done
	require.Equal(t, schema.ProcessStatusCancelled, outcome.Status)
	assert.Equal(t, 0, h.agent.callCount("b"))
}

func TestRunnerAgentTimeoutBecomesTimeoutError(t *testing.T) {
	h := newRunnerHarness(t)
	h.agent.on("slow", func(ctx context.Context, attempt int, req AgentRequest) (*AgentResult, error) {
		select {
		case <-ctx.Done():
			return nil, context.DeadlineExceeded
		case <-time.After(5 * time.Second):
			return &AgentResult{Output: json.RawMessage(`{}`)}, nil
		}
	})

	run, _ := h.newRun(t, schema.WorkflowDefinition{
		Nodes: []schema.NodeDefinition{
			{ID: "slow", Type: schema.NodeTypeAgent, Prompt: "hang", TimeoutMs: 30},
		},
	}, schema.ProcessConfig{})

	outcome := h.runner.Execute(context.Background(), run)
	require.Equal(t, schema.ProcessStatusFailed, outcome.Status)
	require.NotNil(t, outcome.Err)

	var cause *schema.EngineError
	require.True(t, errors.As(outcome.Err, &cause))
	assert.Contains(t, run.State().Nodes["slow"].Error, "timed out")
}
