// Package interactions tracks human-in-the-loop pause points raised by
// running processes and their at-most-once resolutions.
package interactions

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/pkg/schema"
)

// DefaultSweepInterval is how often the expiry sweeper scans for overdue
// interactions.
const DefaultSweepInterval = 1 * time.Second

// CreateRequest carries the fields of a new interaction.
type CreateRequest struct {
	ProcessID    string
	AgentName    string
	Kind         schema.InteractionKind
	Prompt       string
	Options      []schema.InteractionOption
	DefaultValue any
	Timeout      time.Duration // zero means no expiry
}

// Outcome is delivered to the waiting node when an interaction settles.
type Outcome struct {
	Resolution *schema.InteractionResolution
	Err        error // INTERACTION_EXPIRED when the timeout passed without a default
}

type pending struct {
	interaction *schema.AgentInteraction
	done        chan Outcome // closed after the single outcome is sent
	settled     bool
}

// Manager owns the interaction table. Resolution is at-most-once: the first
// Resolve wins, later calls get CONFLICT.
type Manager struct {
	mu      sync.Mutex
	items   map[string]*pending
	logger  *slog.Logger
	nowFn   func() time.Time
	stop    chan struct{}
	stopped sync.Once
}

// NewManager creates a Manager and starts its expiry sweeper.
func NewManager(logger *slog.Logger) *Manager {
	m := &Manager{
		items:  make(map[string]*pending),
		logger: logger,
		nowFn:  func() time.Time { return time.Now().UTC() },
		stop:   make(chan struct{}),
	}
	go m.sweepLoop(DefaultSweepInterval)
	return m
}

// Close stops the expiry sweeper.
func (m *Manager) Close() {
	m.stopped.Do(func() { close(m.stop) })
}

// Create registers a new unresolved interaction and returns a copy of it.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*schema.AgentInteraction, error) {
	if req.ProcessID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "interaction requires a process ID")
	}
	if req.Kind == "" {
		req.Kind = schema.InteractionInputRequest
	}

	now := m.nowFn()
	it := &schema.AgentInteraction{
		ID:           uuid.New().String(),
		ProcessID:    req.ProcessID,
		AgentName:    req.AgentName,
		Kind:         req.Kind,
		Prompt:       req.Prompt,
		Options:      req.Options,
		DefaultValue: req.DefaultValue,
		CreatedAt:    now,
	}
	if req.Timeout > 0 {
		at := now.Add(req.Timeout)
		it.TimeoutAt = &at
	}

	m.mu.Lock()
	m.items[it.ID] = &pending{
		interaction: it,
		done:        make(chan Outcome, 1),
	}
	m.mu.Unlock()

	cp := *it
	return &cp, nil
}

// Resolve answers an interaction. The option value is validated against the
// declared options when any exist. Resolving an already-settled interaction
// returns CONFLICT; resolving past the timeout returns INTERACTION_EXPIRED.
func (m *Manager) Resolve(ctx context.Context, id string, value any, resolvedBy string) error {
	m.mu.Lock()
	p, ok := m.items[id]
	if !ok {
		m.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeNotFound, "interaction not found: %s", id)
	}
	it := p.interaction

	if it.Resolved() {
		m.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeConflict, "interaction %s already resolved", id)
	}
	now := m.nowFn()
	if it.Expired(now) {
		m.mu.Unlock()
		// The sweeper will settle it; the caller just learns it was too late.
		return schema.NewErrorf(schema.ErrCodeInteractionExpired, "interaction %s expired at %s", id, it.TimeoutAt.Format(time.RFC3339))
	}

	if len(it.Options) > 0 {
		if choice, isString := value.(string); isString {
			if !hasOption(it.Options, choice) {
				m.mu.Unlock()
				return schema.NewErrorf(schema.ErrCodeValidation,
					"value %q is not one of the declared options", choice).
					WithDetails(map[string]any{"interactionId": id, "options": optionIDs(it.Options)})
			}
		}
	}

	res := &schema.InteractionResolution{
		Value:      value,
		ResolvedAt: now,
		ResolvedBy: resolvedBy,
	}
	it.Resolution = res
	p.settled = true
	done := p.done
	m.mu.Unlock()

	done <- Outcome{Resolution: res}
	close(done)
	return nil
}

// Await blocks until the interaction settles (resolved, expired, or the
// context is cancelled). The waiting workflow node calls this.
func (m *Manager) Await(ctx context.Context, id string) (*schema.InteractionResolution, error) {
	m.mu.Lock()
	p, ok := m.items[id]
	if !ok {
		m.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "interaction not found: %s", id)
	}
	// Already settled interactions answer immediately.
	if p.interaction.Resolved() {
		res := p.interaction.Resolution
		m.mu.Unlock()
		return res, nil
	}
	done := p.done
	m.mu.Unlock()

	select {
	case out, chOpen := <-done:
		if !chOpen {
			// Channel drained by an earlier waiter; re-read the table.
			return m.settled(id)
		}
		return out.Resolution, out.Err
	case <-ctx.Done():
		return nil, schema.NewError(schema.ErrCodeCancelled, "wait for interaction cancelled").WithCause(ctx.Err())
	}
}

func (m *Manager) settled(id string) (*schema.InteractionResolution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.items[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "interaction not found: %s", id)
	}
	if p.interaction.Resolution != nil {
		return p.interaction.Resolution, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeInteractionExpired, "interaction %s expired", id)
}

// Get returns a copy of an interaction.
func (m *Manager) Get(ctx context.Context, id string) (*schema.AgentInteraction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.items[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "interaction not found: %s", id)
	}
	cp := *p.interaction
	return &cp, nil
}

// OldestPending returns the oldest unresolved interaction for the given
// process, optionally narrowed by agent name.
func (m *Manager) OldestPending(processID, agentName string) (*schema.AgentInteraction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var oldest *schema.AgentInteraction
	now := m.nowFn()
	for _, p := range m.items {
		it := p.interaction
		if it.ProcessID != processID || it.Resolved() || it.Expired(now) {
			continue
		}
		if agentName != "" && it.AgentName != agentName {
			continue
		}
		if oldest == nil || it.CreatedAt.Before(oldest.CreatedAt) {
			oldest = it
		}
	}
	if oldest == nil {
		return nil, false
	}
	cp := *oldest
	return &cp, true
}

// List returns copies of all interactions for a process, oldest first.
func (m *Manager) List(processID string) []*schema.AgentInteraction {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*schema.AgentInteraction
	for _, p := range m.items {
		if p.interaction.ProcessID == processID {
			cp := *p.interaction
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Drop removes all interactions belonging to a process, settling any still
// pending with CANCELLED. Called when a process reaches a terminal state.
func (m *Manager) Drop(processID string) {
	m.mu.Lock()
	var settle []chan Outcome
	for id, p := range m.items {
		if p.interaction.ProcessID != processID {
			continue
		}
		if !p.settled {
			settle = append(settle, p.done)
		}
		delete(m.items, id)
	}
	m.mu.Unlock()

	for _, done := range settle {
		done <- Outcome{Err: schema.NewError(schema.ErrCodeCancelled, "process terminated")}
		close(done)
	}
}

// sweepLoop periodically settles expired interactions: with a default value
// the waiting node proceeds as if the default was chosen; without one, the
// waiter receives INTERACTION_EXPIRED.
func (m *Manager) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	now := m.nowFn()

	type settlement struct {
		done chan Outcome
		out  Outcome
		id   string
	}
	var settlements []settlement

	m.mu.Lock()
	for id, p := range m.items {
		it := p.interaction
		if p.settled || !it.Expired(now) {
			continue
		}
		p.settled = true
		if it.DefaultValue != nil {
			res := &schema.InteractionResolution{
				Value:      it.DefaultValue,
				ResolvedAt: now,
				ResolvedBy: "timeout-default",
			}
			it.Resolution = res
			settlements = append(settlements, settlement{done: p.done, out: Outcome{Resolution: res}, id: id})
		} else {
			settlements = append(settlements, settlement{
				done: p.done,
				out: Outcome{Err: schema.NewErrorf(schema.ErrCodeInteractionExpired,
					"interaction %s expired without resolution", id)},
				id: id,
			})
			// Keep the expired record; handlers report it as expired.
		}
	}
	m.mu.Unlock()

	for _, s := range settlements {
		s.done <- s.out
		close(s.done)
		if m.logger != nil {
			m.logger.Debug("interaction settled by sweeper", slog.String("interaction_id", s.id))
		}
	}
}

func hasOption(options []schema.InteractionOption, id string) bool {
	for _, o := range options {
		if o.ID == id {
			return true
		}
	}
	return false
}

func optionIDs(options []schema.InteractionOption) []string {
	ids := make([]string, len(options))
	for i, o := range options {
		ids[i] = o.ID
	}
	return ids
}
