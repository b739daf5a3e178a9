// Package store persists process history in libSQL. The engine itself is
// memory-first; this layer is a write-behind sink fed by the event hub, so a
// restart loses live runs but keeps their audit trail.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/pkg/schema"
)

// LibSQLHistory stores process snapshots and their event streams in a libSQL
// database (embedded SQLite fork).
type LibSQLHistory struct {
	db *sql.DB
}

// NewLibSQLHistory opens a libSQL database at the given path. The path should
// be a file URI, e.g. "file:/var/lib/procman/history.db".
func NewLibSQLHistory(dbPath string) (*LibSQLHistory, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs. Some return rows, so QueryRow swallows them.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLHistory{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLHistory) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLHistory) Close() error { return s.db.Close() }

// Migrate applies pending schema migrations.
func (s *LibSQLHistory) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// UpsertProcess writes the current snapshot of a process record. Called on
// every status change, so the stored row converges on the terminal state.
func (s *LibSQLHistory) UpsertProcess(ctx context.Context, proc *schema.Process) error {
	tags, err := nullableJSON(proc.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	procErr, err := nullableJSON(proc.Error)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO processes (id, name, type, status, priority, owner_id, tags, input, output, error, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   status=excluded.status, priority=excluded.priority, tags=excluded.tags,
		   output=excluded.output, error=excluded.error,
		   started_at=excluded.started_at, completed_at=excluded.completed_at, updated_at=excluded.updated_at`,
		proc.ID, proc.Name, string(proc.Type), string(proc.Status), string(proc.Priority),
		nullStr(proc.OwnerID), tags, nullRaw(proc.Input), nullRaw(proc.Output), procErr,
		proc.CreatedAt, nullTime(proc.StartedAt), nullTime(proc.CompletedAt), proc.UpdatedAt,
	)
	return err
}

// ProcessRecord is one persisted process snapshot.
type ProcessRecord struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Type        schema.ProcessType     `json:"type"`
	Status      schema.ProcessStatus   `json:"status"`
	Priority    schema.ProcessPriority `json:"priority"`
	OwnerID     string                 `json:"ownerId,omitempty"`
	Tags        []string               `json:"tags,omitempty"`
	Input       json.RawMessage        `json:"input,omitempty"`
	Output      json.RawMessage        `json:"output,omitempty"`
	Error       json.RawMessage        `json:"error,omitempty"`
	CreatedAt   time.Time              `json:"createdAt"`
	StartedAt   *time.Time             `json:"startedAt,omitempty"`
	CompletedAt *time.Time             `json:"completedAt,omitempty"`
	UpdatedAt   time.Time              `json:"updatedAt"`
}

// GetProcess returns one persisted snapshot, or STORE_ERROR/NOT_FOUND.
func (s *LibSQLHistory) GetProcess(ctx context.Context, id string) (*ProcessRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, type, status, priority, owner_id, tags, input, output, error, created_at, started_at, completed_at, updated_at
		 FROM processes WHERE id = ?`, id)
	rec, err := scanProcess(row)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "process history not found: %s", id)
	}
	return rec, err
}

// HistoryFilter selects persisted process snapshots.
type HistoryFilter struct {
	Status  []schema.ProcessStatus
	Type    []schema.ProcessType
	OwnerID string
	Since   *time.Time
	Limit   int
}

// ListProcesses returns snapshots matching the filter, newest first.
func (s *LibSQLHistory) ListProcesses(ctx context.Context, filter HistoryFilter) ([]*ProcessRecord, error) {
	var where []string
	var args []any

	if len(filter.Status) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Status))+")")
		for _, st := range filter.Status {
			args = append(args, string(st))
		}
	}
	if len(filter.Type) > 0 {
		where = append(where, "type IN ("+placeholders(len(filter.Type))+")")
		for _, t := range filter.Type {
			args = append(args, string(t))
		}
	}
	if filter.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, name, type, status, priority, owner_id, tags, input, output, error, created_at, started_at, completed_at, updated_at FROM processes`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*ProcessRecord
	for rows.Next() {
		rec, err := scanProcess(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// StoredEvent is one persisted process event with its storage sequence.
type StoredEvent struct {
	Sequence  int64           `json:"sequence"`
	ProcessID string          `json:"processId"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// AppendEvent persists one hub event under a per-process sequence.
func (s *LibSQLHistory) AppendEvent(ctx context.Context, event schema.ProcessEvent) error {
	data, err := nullableJSON(event.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	// MaxOpenConns is 1, so the read-then-insert pair cannot interleave with
	// another writer on this handle.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM process_events WHERE process_id = ?`,
		event.ProcessID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("next event sequence: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO process_events (process_id, event_type, data, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?)`,
		event.ProcessID, event.Type, data, event.Timestamp, seq,
	); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return tx.Commit()
}

// Events returns the persisted events of a process with sequence > since,
// in sequence order.
func (s *LibSQLHistory) Events(ctx context.Context, processID string, since int64) ([]*StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, process_id, event_type, data, timestamp
		 FROM process_events WHERE process_id = ? AND sequence > ? ORDER BY sequence ASC`,
		processID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*StoredEvent
	for rows.Next() {
		ev := &StoredEvent{}
		var data sql.NullString
		if err := rows.Scan(&ev.Sequence, &ev.ProcessID, &ev.Type, &data, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.Data = rawOrNil(data)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Vacuum reclaims space after history pruning.
func (s *LibSQLHistory) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// PruneBefore deletes snapshots and events older than the cutoff. Live
// (non-terminal) snapshots are kept regardless of age.
func (s *LibSQLHistory) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM processes WHERE updated_at < ? AND status IN ('completed', 'failed', 'cancelled')`,
		cutoff)
	if err != nil {
		return 0, err
	}
	pruned, _ := res.RowsAffected()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM process_events WHERE process_id NOT IN (SELECT id FROM processes) AND timestamp < ?`,
		cutoff); err != nil {
		return pruned, err
	}
	return pruned, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProcess(row rowScanner) (*ProcessRecord, error) {
	rec := &ProcessRecord{}
	var (
		typ, status, priority        string
		ownerID, tags, procErr       sql.NullString
		input, output                sql.NullString
		startedAt, completedAt       sql.NullTime
	)
	err := row.Scan(&rec.ID, &rec.Name, &typ, &status, &priority, &ownerID, &tags,
		&input, &output, &procErr, &rec.CreatedAt, &startedAt, &completedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.Type = schema.ProcessType(typ)
	rec.Status = schema.ProcessStatus(status)
	rec.Priority = schema.ProcessPriority(priority)
	rec.OwnerID = ownerID.String
	if tags.Valid && tags.String != "" {
		_ = json.Unmarshal([]byte(tags.String), &rec.Tags)
	}
	rec.Input = rawOrNil(input)
	rec.Output = rawOrNil(output)
	rec.Error = rawOrNil(procErr)
	if startedAt.Valid {
		rec.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		rec.CompletedAt = &completedAt.Time
	}
	return rec, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// nullableJSON marshals v, mapping nil and empty values to SQL NULL.
func nullableJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(data)
	if s == "null" || s == "[]" || s == "{}" {
		return nil, nil
	}
	return s, nil
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
