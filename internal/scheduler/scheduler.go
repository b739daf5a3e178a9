package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/pkg/schema"
)

// ProcessStarter creates and starts a fresh process from a schedule's
// template. Satisfied by the control-plane handler (avoids import cycle).
type ProcessStarter interface {
	StartScheduled(ctx context.Context, s schema.ProcessSchedule) (string, error)
}

const tickInterval = 60 * time.Second

// Scheduler fires ProcessSchedules on their cron expressions. Schedules
// live in memory; each firing creates a fresh process through the starter.
type Scheduler struct {
	starter ProcessStarter
	parser  cron.Parser
	logger  *slog.Logger
	nowFn   func() time.Time

	mu        sync.Mutex
	schedules map[string]*schema.ProcessSchedule
	cancel    context.CancelFunc
	done      chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // schedule IDs currently firing (dedup)
}

// New creates a Scheduler with the standard five-field cron parser.
func New(starter ProcessStarter, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		starter:   starter,
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:    logger,
		nowFn:     func() time.Time { return time.Now().UTC() },
		schedules: make(map[string]*schema.ProcessSchedule),
		inflight:  make(map[string]struct{}),
	}
}

// Register validates the cron expression, computes the first run, and adds
// the schedule. A zero ID is assigned.
func (s *Scheduler) Register(ctx context.Context, sched schema.ProcessSchedule) (*schema.ProcessSchedule, error) {
	if sched.Name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "schedule requires a name")
	}
	next, err := s.CalculateNextRun(sched.CronExpression, s.nowFn())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid cron expression %q: %v", sched.CronExpression, err)
	}

	if sched.ID == "" {
		sched.ID = uuid.New().String()
	}
	sched.Enabled = true
	sched.NextRunAt = &next
	sched.CreatedAt = s.nowFn()

	s.mu.Lock()
	s.schedules[sched.ID] = &sched
	s.mu.Unlock()

	cp := sched
	return &cp, nil
}

// Remove deletes a schedule.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "schedule not found: %s", id)
	}
	delete(s.schedules, id)
	return nil
}

// List returns copies of all schedules, ordered by creation time.
func (s *Scheduler) List() []*schema.ProcessSchedule {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*schema.ProcessSchedule, 0, len(s.schedules))
	for _, sched := range s.schedules {
		cp := *sched
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Start launches the background firing loop: one immediate tick, then one
// every minute.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every enabled schedule whose next run is due. Exported so a
// deployment can drive the scheduler from its own clock.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.nowFn()

	s.mu.Lock()
	due := make([]*schema.ProcessSchedule, 0)
	for _, sched := range s.schedules {
		if sched.Enabled && sched.NextRunAt != nil && !sched.NextRunAt.After(now) {
			due = append(due, sched)
		}
	}
	s.mu.Unlock()

	for _, sched := range due {
		if !s.tryAcquire(sched.ID) {
			continue // previous firing still in flight
		}
		s.fire(ctx, sched.ID, now)
		s.release(sched.ID)
	}
}

// fire starts one process from the schedule template and advances the
// schedule's bookkeeping.
func (s *Scheduler) fire(ctx context.Context, scheduleID string, now time.Time) {
	s.mu.Lock()
	sched, ok := s.schedules[scheduleID]
	if !ok {
		s.mu.Unlock()
		return
	}
	template := *sched
	s.mu.Unlock()

	processID, err := s.starter.StartScheduled(ctx, template)
	if err != nil {
		s.logger.Error("scheduled process failed to start",
			slog.String("schedule_id", scheduleID),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.Info("scheduled process started",
			slog.String("schedule_id", scheduleID),
			slog.String("process_id", processID),
		)
	}

	next, nerr := s.CalculateNextRun(template.CronExpression, now)

	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok = s.schedules[scheduleID]
	if !ok {
		return // removed while firing
	}
	sched.LastRunAt = &now
	sched.ExecutionCount++
	if nerr == nil {
		sched.NextRunAt = &next
	} else {
		sched.Enabled = false
	}
}

func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}

// CalculateNextRun computes the next firing time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the firing loop.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	s.logger.Info("scheduler stopped")
	return nil
}
