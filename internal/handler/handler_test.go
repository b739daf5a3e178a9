package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/internal/engine"
	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/internal/expressions"
	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/internal/interactions"
	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/internal/registry"
	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/internal/scheduler"
	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/pkg/schema"
)

type scriptedAgent struct {
	mu      sync.Mutex
	calls   int
	prompts []string
	fn      func(ctx context.Context, req engine.AgentRequest) (*engine.AgentResult, error)
}

func (a *scriptedAgent) Generate(ctx context.Context, req engine.AgentRequest) (*engine.AgentResult, error) {
	a.mu.Lock()
	a.calls++
	a.prompts = append(a.prompts, req.Prompt)
	fn := a.fn
	a.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(ctx, req)
	}
	return &engine.AgentResult{Output: json.RawMessage(`{"ok":true}`)}, nil
}

func (a *scriptedAgent) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type harness struct {
	h        *Handler
	reg      *registry.Registry
	exec     *engine.Executor
	interact *interactions.Manager
	sched    *scheduler.Scheduler
	agent    *scriptedAgent
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg := registry.New(nil, logger)
	engines, err := expressions.NewEngines()
	require.NoError(t, err)

	pool := engine.NewWorkerPool(8)
	t.Cleanup(pool.Shutdown)
	interact := interactions.NewManager(logger)
	t.Cleanup(interact.Close)

	agent := &scriptedAgent{}
	tools := engine.NewToolRegistry()
	runner := engine.NewRunner(reg, engines, interact, agent, tools, pool, logger)
	exec := engine.NewExecutor(reg, runner, interact, agent, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = exec.Shutdown(ctx)
	})

	sched := scheduler.New(nil, logger)

	h, err := New(reg, exec, interact, sched, logger)
	require.NoError(t, err)
	h.sleepFn = func(time.Duration) {} // restarts should not slow tests down

	return &harness{h: h, reg: reg, exec: exec, interact: interact, sched: sched, agent: agent}
}

func (hn *harness) handle(t *testing.T, op string, payload string) *Response {
	t.Helper()
	return hn.h.Handle(context.Background(), "req-"+t.Name(), op, json.RawMessage(payload))
}

func (hn *harness) data(t *testing.T, resp *Response) map[string]any {
	t.Helper()
	require.True(t, resp.Success, "expected success, got error: %+v", resp.Error)
	var data map[string]any
	require.NoError(t, json.Unmarshal(resp.Data, &data))
	return data
}

func (hn *harness) waitForStatus(t *testing.T, id string, want schema.ProcessStatus) *schema.Process {
	t.Helper()
	var proc *schema.Process
	require.Eventually(t, func() bool {
		p, err := hn.reg.Get(context.Background(), id)
		if err != nil {
			return false
		}
		proc = p
		return p.Status == want
	}, 3*time.Second, 5*time.Millisecond, "process %s never reached %s", id, want)
	return proc
}

func TestHandleEnvelopeShape(t *testing.T) {
	hn := newHarness(t)

	resp := hn.handle(t, "start_process", `{"name":"job","type":"agent","input":{"prompt":"hi"}}`)
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, "req-"+t.Name(), resp.RequestID)
	assert.True(t, resp.Success)
	assert.Nil(t, resp.Error)
	assert.False(t, resp.Timestamp.IsZero())

	bad := hn.handle(t, "start_process", `{"type":"agent"}`)
	assert.False(t, bad.Success)
	assert.Empty(t, bad.Data)
	require.NotNil(t, bad.Error)
	assert.Equal(t, schema.ErrCodeValidation, bad.Error.Code)
}

func TestHandleUnknownOperation(t *testing.T) {
	hn := newHarness(t)
	resp := hn.handle(t, "reticulate_splines", `{}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, schema.ErrCodeUnknownAction, resp.Error.Code)
}

func TestHandleValidationDetails(t *testing.T) {
	hn := newHarness(t)
	resp := hn.handle(t, "start_process", `{"name":"x","type":"mainframe","input":{}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, schema.ErrCodeValidation, resp.Error.Code)
	assert.NotEmpty(t, resp.Error.Details["violations"])
}

func TestStartAgentProcess(t *testing.T) {
	hn := newHarness(t)

	resp := hn.handle(t, "start_process",
		`{"name":"summarize","type":"agent","input":{"prompt":"summarize the report"}}`)
	data := hn.data(t, resp)
	id, _ := data["processId"].(string)
	require.NotEmpty(t, id)

	proc := hn.waitForStatus(t, id, schema.ProcessStatusCompleted)
	assert.JSONEq(t, `{"ok":true}`, string(proc.Output))
	assert.Equal(t, 1, hn.agent.callCount())
}

func TestStartProcessInvalidDefinitionKeepsRecord(t *testing.T) {
	hn := newHarness(t)

	// Workflow with a self-dependency fails DAG validation at start.
	resp := hn.handle(t, "start_process",
		`{"name":"bad","type":"workflow","input":{"nodes":[{"id":"a","type":"agent","prompt":"x","dependencies":["a"]}]}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, schema.ErrCodeCycleDetected, resp.Error.Code)

	// The pending record survives for inspection.
	procs, total, err := hn.reg.List(context.Background(), schema.ProcessFilter{})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, schema.ProcessStatusPending, procs[0].Status)
}

func TestStartWithScheduleRegistersTemplate(t *testing.T) {
	hn := newHarness(t)

	resp := hn.handle(t, "start_process",
		`{"name":"nightly","type":"agent","input":{"prompt":"sweep"},"configuration":{"scheduleExpression":"0 2 * * *"}}`)
	data := hn.data(t, resp)
	assert.Equal(t, true, data["scheduled"])
	assert.NotEmpty(t, data["scheduleId"])
	assert.NotEmpty(t, data["nextRunAt"])

	// No process was created or started; the scheduler owns the template.
	_, total, err := hn.reg.List(context.Background(), schema.ProcessFilter{})
	require.NoError(t, err)
	assert.Equal(t, 0, total)

	scheds := hn.sched.List()
	require.Len(t, scheds, 1)
	assert.Equal(t, "nightly", scheds[0].Name)
	assert.Empty(t, scheds[0].Config.ScheduleExpression)
}

func TestStartWithBadScheduleExpression(t *testing.T) {
	hn := newHarness(t)
	resp := hn.handle(t, "start_process",
		`{"name":"broken","type":"agent","input":{},"configuration":{"scheduleExpression":"whenever"}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, schema.ErrCodeValidation, resp.Error.Code)
}

func TestStartScheduledSpawnsTaggedProcess(t *testing.T) {
	hn := newHarness(t)

	id, err := hn.h.StartScheduled(context.Background(), schema.ProcessSchedule{
		Name:  "sweeper",
		Type:  schema.ProcessTypeAgent,
		Input: json.RawMessage(`{"prompt":"sweep"}`),
	})
	require.NoError(t, err)

	proc := hn.waitForStatus(t, id, schema.ProcessStatusCompleted)
	assert.Contains(t, proc.Tags, "scheduled")
}

func TestControlPauseAndResume(t *testing.T) {
	hn := newHarness(t)

	release := make(chan struct{})
	var once sync.Once
	hn.agent.fn = func(ctx context.Context, req engine.AgentRequest) (*engine.AgentResult, error) {
		if req.NodeID == "a" {
			once.Do(func() { <-release })
		}
		return &engine.AgentResult{Output: json.RawMessage(`{}`)}, nil
	}

	resp := hn.handle(t, "start_process",
		`{"name":"wf","type":"workflow","input":{"nodes":[
			{"id":"a","type":"agent","prompt":"one"},
			{"id":"b","type":"agent","prompt":"two","dependencies":["a"]}
		]}}`)
	data := hn.data(t, resp)
	id := data["processId"].(string)

	pauseResp := hn.handle(t, "control_process", fmt.Sprintf(`{"action":"pause","processId":"%s"}`, id))
	require.True(t, pauseResp.Success, "pause failed: %+v", pauseResp.Error)
	close(release)

	hn.waitForStatus(t, id, schema.ProcessStatusPaused)

	// Paused workflow state is queryable.
	q := hn.handle(t, "query_processes", fmt.Sprintf(`{"processId":"%s"}`, id))
	qdata := hn.data(t, q)
	state, ok := qdata["workflowState"].(map[string]any)
	require.True(t, ok, "paused process should expose workflow state")
	assert.Equal(t, "a", state["pausePoint"])

	resumeResp := hn.handle(t, "control_process", fmt.Sprintf(`{"action":"resume","processId":"%s"}`, id))
	require.True(t, resumeResp.Success, "resume failed: %+v", resumeResp.Error)

	hn.waitForStatus(t, id, schema.ProcessStatusCompleted)
	// Node a ran once in total across the pause.
	assert.Equal(t, 2, hn.agent.callCount())
}

func TestControlCancel(t *testing.T) {
	hn := newHarness(t)

	started := make(chan struct{})
	hn.agent.fn = func(ctx context.Context, req engine.AgentRequest) (*engine.AgentResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	resp := hn.handle(t, "start_process", `{"name":"stuck","type":"agent","input":{"prompt":"spin"}}`)
	id := hn.data(t, resp)["processId"].(string)
	<-started

	cancelResp := hn.handle(t, "control_process", fmt.Sprintf(`{"action":"cancel","processId":"%s","force":true}`, id))
	cdata := hn.data(t, cancelResp)
	assert.Equal(t, "cancel", cdata["action"])
	assert.Equal(t, string(schema.ProcessStatusCancelled), cdata["status"])
}

func TestControlCancelTerminalFails(t *testing.T) {
	hn := newHarness(t)

	resp := hn.handle(t, "start_process", `{"name":"quick","type":"agent","input":{"prompt":"x"}}`)
	id := hn.data(t, resp)["processId"].(string)
	hn.waitForStatus(t, id, schema.ProcessStatusCompleted)

	cancelResp := hn.handle(t, "control_process", fmt.Sprintf(`{"action":"cancel","processId":"%s"}`, id))
	require.NotNil(t, cancelResp.Error)
	assert.Equal(t, schema.ErrCodeInvalidTransition, cancelResp.Error.Code)
}

func TestControlRestartSpawnsNewProcess(t *testing.T) {
	hn := newHarness(t)

	resp := hn.handle(t, "start_process", `{"name":"job","type":"agent","input":{"prompt":"run"},"tags":["batch"]}`)
	oldID := hn.data(t, resp)["processId"].(string)
	hn.waitForStatus(t, oldID, schema.ProcessStatusCompleted)

	restartResp := hn.handle(t, "control_process", fmt.Sprintf(`{"action":"restart","processId":"%s"}`, oldID))
	rdata := hn.data(t, restartResp)
	newID := rdata["processId"].(string)
	assert.NotEqual(t, oldID, newID)

	fresh := hn.waitForStatus(t, newID, schema.ProcessStatusCompleted)
	assert.Equal(t, "job", fresh.Name)
	assert.Equal(t, []string{"batch"}, fresh.Tags)

	// The old record keeps its history.
	old, err := hn.reg.Get(context.Background(), oldID)
	require.NoError(t, err)
	assert.Equal(t, schema.ProcessStatusCompleted, old.Status)
}

func TestControlUnknownProcess(t *testing.T) {
	hn := newHarness(t)
	resp := hn.handle(t, "control_process", `{"action":"start","processId":"nope"}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, schema.ErrCodeNotFound, resp.Error.Code)
}

func TestQueryProcessesListAndStats(t *testing.T) {
	hn := newHarness(t)

	for i := 0; i < 3; i++ {
		resp := hn.handle(t, "start_process", fmt.Sprintf(`{"name":"job-%d","type":"agent","input":{"prompt":"x"}}`, i))
		id := hn.data(t, resp)["processId"].(string)
		hn.waitForStatus(t, id, schema.ProcessStatusCompleted)
	}

	resp := hn.handle(t, "query_processes", `{"filter":{"limit":2,"sortBy":"name","sortOrder":"asc"}}`)
	data := hn.data(t, resp)

	procs := data["processes"].([]any)
	assert.Len(t, procs, 2)
	assert.Equal(t, float64(3), data["total"])

	stats := data["stats"].(map[string]any)
	assert.Equal(t, float64(3), stats["total"])
}

func TestQueryProcessesFilterByStatus(t *testing.T) {
	hn := newHarness(t)

	resp := hn.handle(t, "start_process", `{"name":"done","type":"agent","input":{"prompt":"x"}}`)
	id := hn.data(t, resp)["processId"].(string)
	hn.waitForStatus(t, id, schema.ProcessStatusCompleted)

	q := hn.handle(t, "query_processes", `{"filter":{"status":["failed"]}}`)
	data := hn.data(t, q)
	assert.Equal(t, float64(0), data["total"])
}

func TestGetProcessLogsTail(t *testing.T) {
	hn := newHarness(t)
	ctx := context.Background()

	proc, err := hn.reg.Create(ctx, registry.CreateRequest{Name: "logged", Type: schema.ProcessTypeCustom})
	require.NoError(t, err)
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		level := schema.LogInfo
		if i == 4 {
			level = schema.LogError
		}
		require.NoError(t, hn.reg.AppendLog(ctx, proc.ID, schema.LogEntry{
			Timestamp: now.Add(time.Duration(i) * time.Second),
			Level:     level,
			Message:   fmt.Sprintf("line %d", i),
		}))
	}

	resp := hn.handle(t, "get_process_logs", fmt.Sprintf(`{"processId":"%s","tail":2}`, proc.ID))
	data := hn.data(t, resp)
	logs := data["logs"].([]any)
	require.Len(t, logs, 2)
	assert.Equal(t, "line 3", logs[0].(map[string]any)["message"])
	assert.Equal(t, "line 4", logs[1].(map[string]any)["message"])
	// Total reports the unfiltered count.
	assert.Equal(t, float64(5), data["total"])

	levelResp := hn.handle(t, "get_process_logs", fmt.Sprintf(`{"processId":"%s","level":"error"}`, proc.ID))
	levelData := hn.data(t, levelResp)
	assert.Len(t, levelData["logs"].([]any), 1)
	assert.Equal(t, float64(5), levelData["total"])
}

func TestInteractResolvesPendingDecision(t *testing.T) {
	hn := newHarness(t)
	ctx := context.Background()

	proc, err := hn.reg.Create(ctx, registry.CreateRequest{Name: "gated", Type: schema.ProcessTypeWorkflow})
	require.NoError(t, err)
	pending, err := hn.interact.Create(ctx, interactions.CreateRequest{
		ProcessID: proc.ID,
		AgentName: "approve",
		Kind:      schema.InteractionDecisionPoint,
		Prompt:    "ship it?",
	})
	require.NoError(t, err)

	resp := hn.handle(t, "interact_with_agent", fmt.Sprintf(
		`{"processId":"%s","agentName":"approve","interactionType":"decision_point","data":{"value":"yes","resolvedBy":"operator"}}`,
		proc.ID))
	data := hn.data(t, resp)
	assert.Equal(t, pending.ID, data["interactionId"])
	assert.Equal(t, true, data["resolved"])

	it, err := hn.interact.Get(ctx, pending.ID)
	require.NoError(t, err)
	require.NotNil(t, it.Resolution)
	assert.Equal(t, "yes", it.Resolution.Value)
	assert.Equal(t, "operator", it.Resolution.ResolvedBy)
}

func TestInteractWithoutPendingRecordsNew(t *testing.T) {
	hn := newHarness(t)
	ctx := context.Background()

	proc, err := hn.reg.Create(ctx, registry.CreateRequest{Name: "early", Type: schema.ProcessTypeWorkflow})
	require.NoError(t, err)

	resp := hn.handle(t, "interact_with_agent", fmt.Sprintf(
		`{"processId":"%s","agentName":"review","interactionType":"input_request","data":{"value":"use branch main","prompt":"which branch?"}}`,
		proc.ID))
	data := hn.data(t, resp)
	assert.Equal(t, false, data["resolved"])
	interactionID := data["interactionId"].(string)

	it, err := hn.interact.Get(ctx, interactionID)
	require.NoError(t, err)
	assert.Nil(t, it.Resolution)
	assert.Equal(t, "review", it.AgentName)
	assert.Equal(t, "which branch?", it.Prompt)
	assert.Equal(t, "use branch main", it.DefaultValue)
}

func TestInteractBreakpointIsAcknowledged(t *testing.T) {
	hn := newHarness(t)
	ctx := context.Background()

	proc, err := hn.reg.Create(ctx, registry.CreateRequest{Name: "dbg", Type: schema.ProcessTypeAgent})
	require.NoError(t, err)

	resp := hn.handle(t, "interact_with_agent", fmt.Sprintf(
		`{"processId":"%s","agentName":"dbg","interactionType":"debug_breakpoint"}`, proc.ID))
	data := hn.data(t, resp)
	assert.Equal(t, true, data["acknowledged"])
	assert.Empty(t, hn.interact.List(proc.ID))
}

func TestInteractUnknownProcess(t *testing.T) {
	hn := newHarness(t)
	resp := hn.handle(t, "interact_with_agent",
		`{"processId":"ghost","agentName":"a","interactionType":"confirmation"}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, schema.ErrCodeNotFound, resp.Error.Code)
}
