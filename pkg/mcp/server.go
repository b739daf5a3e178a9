// Package mcp exposes the engine's control-plane operations as MCP tools
// over stdio, so coding agents can start, steer, and observe processes.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/internal/handler"
	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/internal/streaming"
)

// ServerDeps holds the dependencies for creating a ProcmanServer.
type ServerDeps struct {
	Handler *handler.Handler
	Hub     streaming.EventHub
	Source  ProcessSource
	Logger  *slog.Logger
}

// ProcmanServer wraps an MCP server with the engine's tool handlers.
type ProcmanServer struct {
	handler   *handler.Handler
	hub       streaming.EventHub
	source    ProcessSource
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewProcmanServer creates a ProcmanServer with all five tools registered.
func NewProcmanServer(deps ServerDeps) *ProcmanServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &ProcmanServer{
		handler:  deps.Handler,
		hub:      deps.Hub,
		source:   deps.Source,
		sessions: NewSessionRegistry(),
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		"procman",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Procman orchestrates long-running processes and workflows. Use procman.start_process to launch work, procman.control_process to pause/resume/cancel/restart it, procman.query_processes to inspect state, procman.get_process_logs to read logs, and procman.interact_with_agent to answer decision points."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes.
func (s *ProcmanServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *ProcmanServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the owner-to-session registry.
func (s *ProcmanServer) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *ProcmanServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: startProcessTool(), Handler: s.handleStartProcess},
		{Tool: controlProcessTool(), Handler: s.handleControlProcess},
		{Tool: queryProcessesTool(), Handler: s.handleQueryProcesses},
		{Tool: getProcessLogsTool(), Handler: s.handleGetProcessLogs},
		{Tool: interactWithAgentTool(), Handler: s.handleInteractWithAgent},
	}
}

// --- Tool definitions ---

func startProcessTool() mcp.Tool {
	return mcp.NewTool("procman.start_process",
		mcp.WithDescription("Start a new process (agent, workflow, analysis, indexing, or custom). A configuration.scheduleExpression registers a recurring schedule instead of starting immediately"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Human-readable process name")),
		mcp.WithString("type", mcp.Required(),
			mcp.Enum("agent", "workflow", "analysis", "indexing", "custom"),
			mcp.Description("Process type"),
		),
		mcp.WithString("description", mcp.Description("Optional process description")),
		mcp.WithString("priority", mcp.Enum("low", "medium", "high", "critical"), mcp.Description("Scheduling priority (default: medium)")),
		mcp.WithObject("input", mcp.Required(), mcp.Description("Process input: a prompt/params object for agents, a node graph for workflows")),
		mcp.WithObject("configuration", mcp.Description("Execution configuration: timeout, retryCount, retryDelay, backoffMultiplier, dependencies, scheduleExpression, environment")),
		mcp.WithArray("tags", mcp.Description("Free-form tags for filtering")),
		mcp.WithString("ownerId", mcp.Description("ID of the owning agent, used for notification routing")),
		mcp.WithString("parentProcessId", mcp.Description("Parent process to link this one under")),
	)
}

func controlProcessTool() mcp.Tool {
	return mcp.NewTool("procman.control_process",
		mcp.WithDescription("Control a process lifecycle: start, stop, pause, resume, cancel, or restart"),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("start", "stop", "pause", "resume", "cancel", "restart"),
			mcp.Description("Lifecycle action to apply"),
		),
		mcp.WithString("processId", mcp.Required(), mcp.Description("Target process ID")),
		mcp.WithBoolean("force", mcp.Description("With cancel: discard in-flight work instead of waiting for it")),
		mcp.WithObject("parameters", mcp.Description("Action-specific parameters")),
	)
}

func queryProcessesTool() mcp.Tool {
	return mcp.NewTool("procman.query_processes",
		mcp.WithDescription("Query one process (with workflow state when applicable) or list processes with filters and aggregate stats"),
		mcp.WithString("processId", mcp.Description("Return this single process instead of a listing")),
		mcp.WithObject("filter", mcp.Description("Listing filter: status, type, priority, ownerId, tags, createdAfter, createdBefore, limit, offset, sortBy, sortOrder")),
	)
}

func getProcessLogsTool() mcp.Tool {
	return mcp.NewTool("procman.get_process_logs",
		mcp.WithDescription("Read a process's log entries, optionally filtered by minimum level and time, truncated to the last N entries"),
		mcp.WithString("processId", mcp.Required(), mcp.Description("Target process ID")),
		mcp.WithString("level", mcp.Enum("debug", "info", "warn", "error"), mcp.Description("Minimum log level (default: debug)")),
		mcp.WithString("since", mcp.Description("RFC 3339 lower bound on entry timestamps")),
		mcp.WithNumber("tail", mcp.Description("Return only the last N matching entries")),
	)
}

func interactWithAgentTool() mcp.Tool {
	return mcp.NewTool("procman.interact_with_agent",
		mcp.WithDescription("Answer a process's pending interaction (decision point, input request, confirmation) or record one for a step to pick up"),
		mcp.WithString("processId", mcp.Required(), mcp.Description("Target process ID")),
		mcp.WithString("agentName", mcp.Required(), mcp.Description("Interaction point name, usually the waiting node's ID")),
		mcp.WithString("interactionType", mcp.Required(),
			mcp.Enum("input_request", "decision_point", "confirmation", "debug_breakpoint"),
			mcp.Description("Kind of interaction"),
		),
		mcp.WithObject("data", mcp.Description("Resolution data; a {value: ...} key resolves with that value, resolvedBy attributes the answer")),
	)
}
