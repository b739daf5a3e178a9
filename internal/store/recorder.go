package store

import (
	"context"
	"log/slog"

	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/internal/streaming"
	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/pkg/schema"
)

// ProcessSource supplies the current process record for snapshotting.
// Satisfied by registry.Registry.
type ProcessSource interface {
	Get(ctx context.Context, id string) (*schema.Process, error)
}

// Recorder subscribes to the event hub and writes history behind the live
// engine. Persistence failures are logged and dropped: the engine never
// blocks on the history store.
type Recorder struct {
	history *LibSQLHistory
	hub     streaming.EventHub
	source  ProcessSource
	logger  *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRecorder wires a Recorder over an opened history store.
func NewRecorder(history *LibSQLHistory, hub streaming.EventHub, source ProcessSource, logger *slog.Logger) *Recorder {
	return &Recorder{
		history: history,
		hub:     hub,
		source:  source,
		logger:  logger,
	}
}

// Start subscribes to the hub and begins recording until ctx is cancelled or
// Stop is called.
func (r *Recorder) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	events, unsubscribe, err := r.hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		cancel()
		return err
	}

	r.cancel = cancel
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				r.record(ctx, ev)
			}
		}
	}()
	return nil
}

// Stop halts recording and waits for the in-flight event to land.
func (r *Recorder) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

func (r *Recorder) record(ctx context.Context, ev schema.ProcessEvent) {
	if err := r.history.AppendEvent(ctx, ev); err != nil {
		r.logger.Warn("history event dropped",
			slog.String("process_id", ev.ProcessID),
			slog.String("event_type", ev.Type),
			slog.String("error", err.Error()),
		)
		return
	}

	// Status changes refresh the snapshot, so the stored row tracks the
	// record through to its terminal state.
	if ev.Type != schema.EventStatusChange && ev.Type != schema.EventCompletion {
		return
	}
	proc, err := r.source.Get(ctx, ev.ProcessID)
	if err != nil {
		return // evicted before the snapshot landed
	}
	if err := r.history.UpsertProcess(ctx, proc); err != nil {
		r.logger.Warn("history snapshot dropped",
			slog.String("process_id", ev.ProcessID),
			slog.String("error", err.Error()),
		)
	}
}
