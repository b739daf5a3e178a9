package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/internal/validation"
)

// handleStartProcess launches a process or registers a schedule.
func (s *ProcmanServer) handleStartProcess(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, err := req.RequireString("name"); err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	if _, err := req.RequireString("type"); err != nil {
		return mcp.NewToolResultError("type is required"), nil
	}

	// Remember which session owns this process, for push notifications.
	if ownerID := req.GetString("ownerId", ""); ownerID != "" {
		s.captureSession(ctx, ownerID)
	}

	return s.dispatch(ctx, validation.OpStartProcess, req)
}

// handleControlProcess applies a lifecycle action.
func (s *ProcmanServer) handleControlProcess(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, err := req.RequireString("action"); err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}
	if _, err := req.RequireString("processId"); err != nil {
		return mcp.NewToolResultError("processId is required"), nil
	}
	return s.dispatch(ctx, validation.OpControlProcess, req)
}

// handleQueryProcesses returns one process or a filtered listing.
func (s *ProcmanServer) handleQueryProcesses(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.dispatch(ctx, validation.OpQueryProcesses, req)
}

// handleGetProcessLogs reads a process's log entries.
func (s *ProcmanServer) handleGetProcessLogs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, err := req.RequireString("processId"); err != nil {
		return mcp.NewToolResultError("processId is required"), nil
	}
	return s.dispatch(ctx, validation.OpGetProcessLogs, req)
}

// handleInteractWithAgent answers or records an interaction.
func (s *ProcmanServer) handleInteractWithAgent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if _, err := req.RequireString("processId"); err != nil {
		return mcp.NewToolResultError("processId is required"), nil
	}
	if _, err := req.RequireString("agentName"); err != nil {
		return mcp.NewToolResultError("agentName is required"), nil
	}
	if _, err := req.RequireString("interactionType"); err != nil {
		return mcp.NewToolResultError("interactionType is required"), nil
	}
	return s.dispatch(ctx, validation.OpInteractWithAgent, req)
}

// dispatch forwards the tool arguments as the operation payload. The handler
// validates them against the operation's schema, so the tool layer stays a
// thin transport.
func (s *ProcmanServer) dispatch(ctx context.Context, operation string, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := req.GetArguments()
	if args == nil {
		args = map[string]any{}
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	resp := s.handler.Handle(ctx, "mcp-"+uuid.New().String(), operation, payload)
	if !resp.Success {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %s", resp.Error.Code, resp.Error.Message)), nil
	}
	return marshalResult(resp)
}

// captureSession maps the owner ID to its current MCP session.
func (s *ProcmanServer) captureSession(ctx context.Context, ownerID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(ownerID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
