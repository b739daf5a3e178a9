package registry

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/pkg/schema"
)

// Publisher is the event sink the registry emits lifecycle events through.
// Satisfied by streaming.EventHub.
type Publisher interface {
	Publish(ctx context.Context, event schema.ProcessEvent) error
}

// DefaultRetention is the default cap on retained terminal processes.
const DefaultRetention = 1000

// DefaultLogCap is the default cap on retained log entries per process.
const DefaultLogCap = 1000

// Registry is the in-memory store of canonical process records. It is the
// single source of truth: only the registry mutates a process's status and
// metadata; executors mutate output/logs/progress through its API.
type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	terminal []string // terminal process IDs in completion order, for eviction

	hub       Publisher
	logger    *slog.Logger
	retention int
	logCap    int
}

// entry serializes all access to a single process record, so control actions
// and executor progress on the same process are mutually exclusive while
// different processes proceed in parallel.
type entry struct {
	mu   sync.Mutex
	proc *schema.Process
}

// Option configures a Registry.
type Option func(*Registry)

// WithRetention caps how many terminal processes are retained before the
// oldest are evicted.
func WithRetention(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.retention = n
		}
	}
}

// WithLogCap caps how many log entries each process retains before the
// oldest are dropped.
func WithLogCap(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.logCap = n
		}
	}
}

// New creates a Registry publishing through the given hub.
func New(hub Publisher, logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		entries:   make(map[string]*entry),
		hub:       hub,
		logger:    logger,
		retention: DefaultRetention,
		logCap:    DefaultLogCap,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// CreateRequest carries the caller-supplied fields of a new process.
type CreateRequest struct {
	Name            string
	Description     string
	Type            schema.ProcessType
	Priority        schema.ProcessPriority
	Config          schema.ProcessConfig
	Input           json.RawMessage
	Tags            []string
	OwnerID         string
	ParentProcessID string
}

// Create registers a new pending process and returns a copy of the record.
// When ParentProcessID is set the child is linked into the parent's
// childProcessIds; this is the only point where that list grows.
func (r *Registry) Create(ctx context.Context, req CreateRequest) (*schema.Process, error) {
	if req.Name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "process name is required")
	}
	if req.Priority == "" {
		req.Priority = schema.PriorityMedium
	}

	now := time.Now().UTC()
	proc := &schema.Process{
		ID:              uuid.New().String(),
		Name:            req.Name,
		Description:     req.Description,
		Type:            req.Type,
		Status:          schema.ProcessStatusPending,
		Priority:        req.Priority,
		OwnerID:         req.OwnerID,
		ParentProcessID: req.ParentProcessID,
		Tags:            req.Tags,
		Config:          req.Config,
		Input:           req.Input,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	r.mu.Lock()
	if req.ParentProcessID != "" {
		parent, ok := r.entries[req.ParentProcessID]
		if !ok {
			r.mu.Unlock()
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "parent process not found: %s", req.ParentProcessID)
		}
		parent.mu.Lock()
		parent.proc.ChildProcessIDs = append(parent.proc.ChildProcessIDs, proc.ID)
		parent.mu.Unlock()
	}
	r.entries[proc.ID] = &entry{proc: proc}
	r.mu.Unlock()

	return cloneProcess(proc), nil
}

// Get returns a copy of the process record, or NOT_FOUND.
func (r *Registry) Get(ctx context.Context, id string) (*schema.Process, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneProcess(e.proc), nil
}

// TransitionPatch carries fields applied atomically with a transition.
type TransitionPatch struct {
	Output json.RawMessage
	Error  *schema.ProcessError
	Reason string
}

// Transition applies a lifecycle transition, enforcing the state machine and
// dependency gating. An illegal edge returns INVALID_TRANSITION and leaves
// the record (including updatedAt) unchanged. Every successful transition
// publishes a status_change event and stamps updatedAt; completedAt is set
// if and only if the new status is terminal.
func (r *Registry) Transition(ctx context.Context, id string, to schema.ProcessStatus, patch TransitionPatch) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	proc := e.proc
	from := proc.Status

	if err := checkTransition(id, from, to); err != nil {
		e.mu.Unlock()
		return err
	}

	// A process with unmet dependencies cannot enter running.
	if from == schema.ProcessStatusPending && to == schema.ProcessStatusRunning {
		if err := r.checkDependencies(proc); err != nil {
			e.mu.Unlock()
			return err
		}
	}

	now := time.Now().UTC()
	proc.Status = to
	proc.UpdatedAt = now
	if to == schema.ProcessStatusRunning && proc.StartedAt == nil {
		proc.StartedAt = &now
	}
	if to.IsTerminal() {
		proc.CompletedAt = &now
	}
	if patch.Output != nil {
		proc.Output = patch.Output
	}
	if patch.Error != nil {
		proc.Error = patch.Error
	}

	// Published under the entry lock: a racing mutation of the same process
	// must not reorder its events relative to the state transitions. Hub
	// delivery is non-blocking, so the lock is never held for a slow
	// subscriber.
	r.publish(ctx, schema.ProcessEvent{
		Type:      schema.EventStatusChange,
		ProcessID: id,
		Data:      schema.StatusChangeData{From: from, To: to, Reason: patch.Reason},
		Timestamp: now,
	})
	switch to {
	case schema.ProcessStatusCompleted:
		r.publish(ctx, schema.ProcessEvent{
			Type:      schema.EventCompletion,
			ProcessID: id,
			Data:      json.RawMessage(patch.Output),
			Timestamp: now,
		})
	case schema.ProcessStatusFailed:
		r.publish(ctx, schema.ProcessEvent{
			Type:      schema.EventError,
			ProcessID: id,
			Data:      patch.Error,
			Timestamp: now,
		})
	}
	e.mu.Unlock()

	if to.IsTerminal() {
		r.recordTerminal(id)
	}
	return nil
}

// checkDependencies enforces start gating: every configured dependency must
// be in terminal-success state.
func (r *Registry) checkDependencies(proc *schema.Process) error {
	for _, depID := range proc.Config.Dependencies {
		dep, err := r.lookup(depID)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeDependencyNotSatisfied,
				"dependency %s not found", depID).
				WithDetails(map[string]any{"processId": proc.ID, "dependency": depID})
		}
		dep.mu.Lock()
		status := dep.proc.Status
		dep.mu.Unlock()
		if status != schema.ProcessStatusCompleted {
			return schema.NewErrorf(schema.ErrCodeDependencyNotSatisfied,
				"dependency %s is %s, want completed", depID, status).
				WithDetails(map[string]any{"processId": proc.ID, "dependency": depID, "status": string(status)})
		}
	}
	return nil
}

// AppendLog appends an ordered log entry and publishes a log_entry event.
// Once the per-process cap is reached the oldest entry is dropped, so a
// long-running chatty process cannot grow memory without bound.
func (r *Registry) AppendLog(ctx context.Context, id string, entry schema.LogEntry) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	e.mu.Lock()
	if len(e.proc.Logs) >= r.logCap {
		e.proc.Logs = e.proc.Logs[1:]
	}
	e.proc.Logs = append(e.proc.Logs, entry)
	r.publish(ctx, schema.ProcessEvent{
		Type:      schema.EventLogEntry,
		ProcessID: id,
		Data:      entry,
		Timestamp: entry.Timestamp,
	})
	e.mu.Unlock()
	return nil
}

// SetProgress updates the progress indicator and publishes progress_update.
// Progress on a terminal process is discarded (late result from an
// abandoned call).
func (r *Registry) SetProgress(ctx context.Context, id string, p schema.Progress) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if e.proc.Status.IsTerminal() {
		e.mu.Unlock()
		return nil
	}
	if p.Total > 0 && p.Percentage == 0 {
		p.Percentage = float64(p.Current) / float64(p.Total) * 100
	}
	e.proc.Progress = &p
	e.proc.UpdatedAt = time.Now().UTC()
	r.publish(ctx, schema.ProcessEvent{
		Type:      schema.EventProgressUpdate,
		ProcessID: id,
		Data:      p,
		Timestamp: e.proc.UpdatedAt,
	})
	e.mu.Unlock()
	return nil
}

// AddResourceSample appends a resource usage sample and publishes
// resource_update.
func (r *Registry) AddResourceSample(ctx context.Context, id string, s schema.ResourceSample) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now().UTC()
	}
	e.mu.Lock()
	e.proc.Resources = append(e.proc.Resources, s)
	r.publish(ctx, schema.ProcessEvent{
		Type:      schema.EventResourceUpdate,
		ProcessID: id,
		Data:      s,
		Timestamp: s.Timestamp,
	})
	e.mu.Unlock()
	return nil
}

// SetOutput records the produced output payload. Output written after the
// process reached a terminal state (other than completed) is discarded.
func (r *Registry) SetOutput(ctx context.Context, id string, output json.RawMessage) error {
	e, err := r.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.proc.Status == schema.ProcessStatusCancelled || e.proc.Status == schema.ProcessStatusFailed {
		return nil
	}
	e.proc.Output = output
	e.proc.UpdatedAt = time.Now().UTC()
	return nil
}

// QueryLogs returns the log entries filtered by minimum level and timestamp
// lower bound, truncated to the last tail entries when tail > 0. The second
// return value is always the unfiltered count.
func (r *Registry) QueryLogs(ctx context.Context, id string, minLevel schema.LogLevel, since *time.Time, tail int) ([]schema.LogEntry, int, error) {
	e, err := r.lookup(id)
	if err != nil {
		return nil, 0, err
	}
	e.mu.Lock()
	logs := make([]schema.LogEntry, len(e.proc.Logs))
	copy(logs, e.proc.Logs)
	e.mu.Unlock()

	total := len(logs)
	filtered := logs[:0:0]
	for _, l := range logs {
		if minLevel != "" && !l.Level.AtLeast(minLevel) {
			continue
		}
		if since != nil && l.Timestamp.Before(*since) {
			continue
		}
		filtered = append(filtered, l)
	}
	if tail > 0 && len(filtered) > tail {
		filtered = filtered[len(filtered)-tail:]
	}
	return filtered, total, nil
}

// Stats derives aggregate statistics over all retained processes.
func (r *Registry) Stats(ctx context.Context) schema.ProcessStats {
	stats := schema.ProcessStats{
		ByStatus:   make(map[schema.ProcessStatus]int),
		ByType:     make(map[schema.ProcessType]int),
		ByPriority: make(map[schema.ProcessPriority]int),
	}

	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	hourAgo := time.Now().UTC().Add(-time.Hour)
	var durSum time.Duration
	var durCount int

	for _, e := range entries {
		e.mu.Lock()
		p := e.proc
		stats.Total++
		stats.ByStatus[p.Status]++
		stats.ByType[p.Type]++
		stats.ByPriority[p.Priority]++
		if p.Status == schema.ProcessStatusRunning {
			stats.Running++
		}
		if p.Status == schema.ProcessStatusCompleted && p.StartedAt != nil && p.CompletedAt != nil {
			durSum += p.CompletedAt.Sub(*p.StartedAt)
			durCount++
			if p.CompletedAt.After(hourAgo) {
				stats.CompletedLastHour++
			}
		}
		e.mu.Unlock()
	}

	if durCount > 0 {
		stats.AvgDurationMs = (durSum / time.Duration(durCount)).Milliseconds()
	}
	return stats
}

// --- internals ---

func (r *Registry) lookup(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "process not found: %s", id)
	}
	return e, nil
}

func (r *Registry) publish(ctx context.Context, event schema.ProcessEvent) {
	if r.hub == nil {
		return
	}
	// Fire-and-forget: delivery failure never fails the transition.
	if err := r.hub.Publish(ctx, event); err != nil && r.logger != nil {
		r.logger.Warn("event publish failed",
			slog.String("process_id", event.ProcessID),
			slog.String("event_type", event.Type),
			slog.String("error", err.Error()),
		)
	}
}

// recordTerminal tracks completion order and evicts the oldest terminal
// processes past the retention cap.
func (r *Registry) recordTerminal(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.terminal = append(r.terminal, id)
	for len(r.terminal) > r.retention {
		victim := r.terminal[0]
		r.terminal = r.terminal[1:]
		delete(r.entries, victim)
		if r.logger != nil {
			r.logger.Debug("evicted terminal process", slog.String("process_id", victim))
		}
	}
}

// cloneProcess deep-copies a process record so callers cannot mutate
// registry state through the returned pointer.
func cloneProcess(p *schema.Process) *schema.Process {
	cp := *p
	cp.ChildProcessIDs = append([]string(nil), p.ChildProcessIDs...)
	cp.Tags = append([]string(nil), p.Tags...)
	cp.Logs = append([]schema.LogEntry(nil), p.Logs...)
	cp.Resources = append([]schema.ResourceSample(nil), p.Resources...)
	cp.Input = append(json.RawMessage(nil), p.Input...)
	cp.Output = append(json.RawMessage(nil), p.Output...)
	if p.Progress != nil {
		prog := *p.Progress
		cp.Progress = &prog
	}
	if p.Error != nil {
		perr := *p.Error
		cp.Error = &perr
	}
	if p.Config.Dependencies != nil {
		cp.Config.Dependencies = append([]string(nil), p.Config.Dependencies...)
	}
	if p.Config.Environment != nil {
		env := make(map[string]string, len(p.Config.Environment))
		for k, v := range p.Config.Environment {
			env[k] = v
		}
		cp.Config.Environment = env
	}
	return &cp
}

// sortProcesses orders a listing in place by the given field and direction.
func sortProcesses(procs []*schema.Process, by schema.SortField, order string) {
	desc := order == "desc"
	less := func(i, j *schema.Process) bool {
		switch by {
		case schema.SortByUpdatedAt:
			return i.UpdatedAt.Before(j.UpdatedAt)
		case schema.SortByPriority:
			return i.Priority.Rank() < j.Priority.Rank()
		case schema.SortByName:
			return i.Name < j.Name
		default: // createdAt
			return i.CreatedAt.Before(j.CreatedAt)
		}
	}
	sort.SliceStable(procs, func(a, b int) bool {
		if desc {
			return less(procs[b], procs[a])
		}
		return less(procs[a], procs[b])
	})
}
