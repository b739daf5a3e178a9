package schema

import (
	"encoding/json"
	"time"
)

// ProcessType classifies what drives a process to completion.
type ProcessType string

const (
	ProcessTypeAgent    ProcessType = "agent"
	ProcessTypeWorkflow ProcessType = "workflow"
	ProcessTypeAnalysis ProcessType = "analysis"
	ProcessTypeIndexing ProcessType = "indexing"
	ProcessTypeCustom   ProcessType = "custom"
)

// ProcessStatus represents the lifecycle state of a process.
type ProcessStatus string

const (
	ProcessStatusPending   ProcessStatus = "pending"
	ProcessStatusRunning   ProcessStatus = "running"
	ProcessStatusPaused    ProcessStatus = "paused"
	ProcessStatusCompleted ProcessStatus = "completed"
	ProcessStatusFailed    ProcessStatus = "failed"
	ProcessStatusCancelled ProcessStatus = "cancelled"
)

// IsTerminal reports whether the status has no outgoing transitions.
func (s ProcessStatus) IsTerminal() bool {
	return s == ProcessStatusCompleted || s == ProcessStatusFailed || s == ProcessStatusCancelled
}

// ProcessPriority orders processes for scheduling and display.
type ProcessPriority string

const (
	PriorityLow      ProcessPriority = "low"
	PriorityMedium   ProcessPriority = "medium"
	PriorityHigh     ProcessPriority = "high"
	PriorityCritical ProcessPriority = "critical"
)

// priorityRank is used by sorted listings; higher runs first.
var priorityRank = map[ProcessPriority]int{
	PriorityLow:      0,
	PriorityMedium:   1,
	PriorityHigh:     2,
	PriorityCritical: 3,
}

// Rank returns the numeric ordering weight of the priority.
func (p ProcessPriority) Rank() int { return priorityRank[p] }

// ProcessConfig holds execution policy for a process.
type ProcessConfig struct {
	TimeoutMs          int64             `json:"timeout,omitempty"`
	RetryCount         int               `json:"retryCount,omitempty"`
	RetryDelayMs       int64             `json:"retryDelay,omitempty"`
	BackoffMultiplier  float64           `json:"backoffMultiplier,omitempty"`
	MaxMemoryMB        int               `json:"maxMemory,omitempty"`
	MaxCPUPercent      int               `json:"maxCpu,omitempty"`
	AutoRestart        bool              `json:"autoRestart,omitempty"`
	Dependencies       []string          `json:"dependencies,omitempty"`
	ScheduleExpression string            `json:"scheduleExpression,omitempty"`
	Environment        map[string]string `json:"environment,omitempty"`
}

// Timeout returns the configured timeout as a duration (0 = none).
func (c ProcessConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// RetryDelay returns the configured retry delay as a duration.
func (c ProcessConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

// LogLevel orders log entries by severity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

var logLevelRank = map[LogLevel]int{
	LogDebug: 0,
	LogInfo:  1,
	LogWarn:  2,
	LogError: 3,
}

// AtLeast reports whether the level is at or above min severity.
func (l LogLevel) AtLeast(min LogLevel) bool {
	return logLevelRank[l] >= logLevelRank[min]
}

// LogEntry is one ordered log line owned by a process.
type LogEntry struct {
	Timestamp time.Time       `json:"timestamp"`
	Level     LogLevel        `json:"level"`
	Message   string          `json:"message"`
	Source    string          `json:"source,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Progress is an optional completion indicator reported by executors.
type Progress struct {
	Current    int     `json:"current"`
	Total      int     `json:"total"`
	Percentage float64 `json:"percentage"`
	Message    string  `json:"message,omitempty"`
}

// ResourceSample is one point-in-time resource usage reading.
type ResourceSample struct {
	Timestamp  time.Time `json:"timestamp"`
	MemoryMB   float64   `json:"memoryMb"`
	CPUPercent float64   `json:"cpuPercent"`
}

// ProcessError is the terminal error recorded on a failed process.
type ProcessError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Stack     string         `json:"stack,omitempty"`
	Context   map[string]any `json:"context,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Process is the canonical record for one tracked unit of work.
// The identifier is immutable; status transitions follow the registry's
// state machine only.
type Process struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	Description     string           `json:"description,omitempty"`
	Type            ProcessType      `json:"type"`
	Status          ProcessStatus    `json:"status"`
	Priority        ProcessPriority  `json:"priority"`
	OwnerID         string           `json:"ownerId,omitempty"`
	ParentProcessID string           `json:"parentProcessId,omitempty"`
	ChildProcessIDs []string         `json:"childProcessIds,omitempty"`
	Tags            []string         `json:"tags,omitempty"`
	Config          ProcessConfig    `json:"configuration"`
	Input           json.RawMessage  `json:"input,omitempty"`
	Output          json.RawMessage  `json:"output,omitempty"`
	Logs            []LogEntry       `json:"logs,omitempty"`
	Resources       []ResourceSample `json:"resources,omitempty"`
	Progress        *Progress        `json:"progress,omitempty"`
	Error           *ProcessError    `json:"error,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	StartedAt       *time.Time       `json:"startedAt,omitempty"`
	CompletedAt     *time.Time       `json:"completedAt,omitempty"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// SortField enumerates supported listing sort keys.
type SortField string

const (
	SortByCreatedAt SortField = "createdAt"
	SortByUpdatedAt SortField = "updatedAt"
	SortByPriority  SortField = "priority"
	SortByName      SortField = "name"
)

// ProcessFilter selects and orders processes for listing.
type ProcessFilter struct {
	Status        []ProcessStatus   `json:"status,omitempty"`
	Type          []ProcessType     `json:"type,omitempty"`
	Priority      []ProcessPriority `json:"priority,omitempty"`
	OwnerID       string            `json:"ownerId,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
	CreatedAfter  *time.Time        `json:"createdAfter,omitempty"`
	CreatedBefore *time.Time        `json:"createdBefore,omitempty"`
	Limit         int               `json:"limit,omitempty"`
	Offset        int               `json:"offset,omitempty"`
	SortBy        SortField         `json:"sortBy,omitempty"`
	SortOrder     string            `json:"sortOrder,omitempty"` // asc | desc
}

// ProcessStats is an aggregate view over the registry.
type ProcessStats struct {
	Total             int                     `json:"total"`
	ByStatus          map[ProcessStatus]int   `json:"byStatus"`
	ByType            map[ProcessType]int     `json:"byType"`
	ByPriority        map[ProcessPriority]int `json:"byPriority"`
	Running           int                     `json:"running"`
	AvgDurationMs     int64                   `json:"avgDurationMs"`
	CompletedLastHour int                     `json:"completedLastHour"`
}

// ProcessSchedule is a recurring-process template bound to a cron expression.
type ProcessSchedule struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Type           ProcessType     `json:"type"`
	Priority       ProcessPriority `json:"priority"`
	Config         ProcessConfig   `json:"configuration"`
	Input          json.RawMessage `json:"input,omitempty"`
	OwnerID        string          `json:"ownerId,omitempty"`
	CronExpression string          `json:"cronExpression"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"lastRunAt,omitempty"`
	NextRunAt      *time.Time      `json:"nextRunAt,omitempty"`
	ExecutionCount int             `json:"executionCount"`
	CreatedAt      time.Time       `json:"createdAt"`
}
