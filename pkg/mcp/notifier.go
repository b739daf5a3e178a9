package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/internal/streaming"
	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/pkg/schema"
)

// ProcessSource resolves a process ID to its record, for owner lookup.
// Satisfied by registry.Registry.
type ProcessSource interface {
	Get(ctx context.Context, id string) (*schema.Process, error)
}

// OwnerNotifier pushes notifications to connected process owners.
type OwnerNotifier interface {
	Notify(ctx context.Context, ownerID string, payload map[string]any) error
}

// MCPNotifier implements OwnerNotifier using MCP push notifications.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes via the MCP session.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the owner's session. Best-effort: a
// disconnected owner is not an error.
func (n *MCPNotifier) Notify(_ context.Context, ownerID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(ownerID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// EventPump forwards engine events to the owning agent's MCP session.
type EventPump struct {
	hub      streaming.EventHub
	source   ProcessSource
	notifier OwnerNotifier
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewEventPump wires an EventPump. Events whose process has no owner, or
// whose owner has no session, are skipped.
func NewEventPump(hub streaming.EventHub, source ProcessSource, notifier OwnerNotifier, logger *slog.Logger) *EventPump {
	return &EventPump{
		hub:      hub,
		source:   source,
		notifier: notifier,
		logger:   logger,
	}
}

// Start subscribes to the hub and forwards events until ctx is cancelled or
// Stop is called.
func (p *EventPump) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	events, unsubscribe, err := p.hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		cancel()
		return err
	}

	p.cancel = cancel
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				p.forward(ctx, ev)
			}
		}
	}()
	return nil
}

// Stop halts forwarding.
func (p *EventPump) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
}

func (p *EventPump) forward(ctx context.Context, ev schema.ProcessEvent) {
	proc, err := p.source.Get(ctx, ev.ProcessID)
	if err != nil || proc.OwnerID == "" {
		return
	}
	payload := map[string]any{
		"type":      ev.Type,
		"processId": ev.ProcessID,
		"data":      ev.Data,
		"timestamp": ev.Timestamp,
	}
	if err := p.notifier.Notify(ctx, proc.OwnerID, payload); err != nil {
		p.logger.Debug("notification dropped",
			slog.String("process_id", ev.ProcessID),
			slog.String("owner_id", proc.OwnerID),
			slog.String("error", err.Error()),
		)
	}
}
