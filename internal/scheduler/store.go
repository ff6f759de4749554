package scheduler

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store persists ScheduledEvents and their ExecutionRecords in SQLite,
// applying its schema on open rather than via a separate migration step.
type Store struct {
	db           *sql.DB
	historyLimit int
}

// NewStore opens (creating if absent) the SQLite database at path and
// ensures its schema exists.
func NewStore(path string, historyLimit int) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	s := &Store{db: db, historyLimit: historyLimit}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			event_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			schedule_kind TEXT NOT NULL,
			spec TEXT NOT NULL,
			target_topic TEXT NOT NULL,
			payload TEXT,
			enabled INTEGER NOT NULL,
			expect_response INTEGER NOT NULL,
			response_timeout_s INTEGER NOT NULL,
			allow_overlap INTEGER NOT NULL,
			last_run TEXT,
			next_run TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL REFERENCES events(event_id) ON DELETE CASCADE,
			scheduled_at TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			status TEXT NOT NULL,
			detail TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_executions_event
			ON executions(event_id, started_at DESC);
	`)
	return err
}

// NewID returns a fresh UUIDv7 identifier, falling back to UUIDv4 if
// the v7 generator is unavailable.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func timeStr(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func nullableTimeStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: timeStr(*t), Valid: true}
}

func parseNullableTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

// CreateEvent inserts a new event, assigning EventID/CreatedAt/UpdatedAt.
func (s *Store) CreateEvent(ev *ScheduledEvent) error {
	now := time.Now().UTC()
	ev.EventID = NewID()
	ev.CreatedAt = now
	ev.UpdatedAt = now
	return s.upsert(ev)
}

// UpdateEvent persists changes to an existing event.
func (s *Store) UpdateEvent(ev *ScheduledEvent) error {
	ev.UpdatedAt = time.Now().UTC()
	return s.upsert(ev)
}

func (s *Store) upsert(ev *ScheduledEvent) error {
	_, err := s.db.Exec(`
		INSERT INTO events (event_id, name, schedule_kind, spec, target_topic, payload,
			enabled, expect_response, response_timeout_s, allow_overlap,
			last_run, next_run, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET
			name=excluded.name, schedule_kind=excluded.schedule_kind, spec=excluded.spec,
			target_topic=excluded.target_topic, payload=excluded.payload,
			enabled=excluded.enabled, expect_response=excluded.expect_response,
			response_timeout_s=excluded.response_timeout_s, allow_overlap=excluded.allow_overlap,
			last_run=excluded.last_run, next_run=excluded.next_run, updated_at=excluded.updated_at
	`,
		ev.EventID, ev.Name, string(ev.ScheduleKind), ev.Spec, ev.TargetTopic, string(ev.Payload),
		ev.Enabled, ev.ExpectResponse, ev.ResponseTimeoutS, ev.AllowOverlap,
		nullableTimeStr(ev.LastRun), nullableTimeStr(ev.NextRun), timeStr(ev.CreatedAt), timeStr(ev.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert event: %w", err)
	}
	return nil
}

// DeleteEvent removes an event and its execution history.
func (s *Store) DeleteEvent(eventID string) error {
	res, err := s.db.Exec(`DELETE FROM events WHERE event_id = ?`, eventID)
	if err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("event not found: %s", eventID)
	}
	return nil
}

// GetEvent returns one event by id.
func (s *Store) GetEvent(eventID string) (*ScheduledEvent, error) {
	row := s.db.QueryRow(`
		SELECT event_id, name, schedule_kind, spec, target_topic, payload,
			enabled, expect_response, response_timeout_s, allow_overlap,
			last_run, next_run, created_at, updated_at
		FROM events WHERE event_id = ?`, eventID)
	return scanEvent(row)
}

// ListEvents returns every event, ordered by name.
func (s *Store) ListEvents() ([]*ScheduledEvent, error) {
	rows, err := s.db.Query(`
		SELECT event_id, name, schedule_kind, spec, target_topic, payload,
			enabled, expect_response, response_timeout_s, allow_overlap,
			last_run, next_run, created_at, updated_at
		FROM events ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []*ScheduledEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*ScheduledEvent, error) {
	var ev ScheduledEvent
	var kind, payload, createdAt, updatedAt string
	var lastRun, nextRun sql.NullString

	err := row.Scan(&ev.EventID, &ev.Name, &kind, &ev.Spec, &ev.TargetTopic, &payload,
		&ev.Enabled, &ev.ExpectResponse, &ev.ResponseTimeoutS, &ev.AllowOverlap,
		&lastRun, &nextRun, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	ev.ScheduleKind = ScheduleKind(kind)
	if payload != "" {
		ev.Payload = json.RawMessage(payload)
	}
	ev.LastRun = parseNullableTime(lastRun)
	ev.NextRun = parseNullableTime(nextRun)
	ev.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	ev.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &ev, nil
}

// RecordExecution inserts an ExecutionRecord and prunes history beyond
// historyLimit for that event (§4.7 "bounded per-event history").
func (s *Store) RecordExecution(rec *ExecutionRecord) error {
	if rec.ID == "" {
		rec.ID = NewID()
	}
	_, err := s.db.Exec(`
		INSERT INTO executions (id, event_id, scheduled_at, started_at, finished_at, status, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			finished_at=excluded.finished_at, status=excluded.status, detail=excluded.detail
	`, rec.ID, rec.EventID, timeStr(rec.ScheduledAt), timeStr(rec.StartedAt),
		nullableTimeStr(rec.FinishedAt), string(rec.Status), rec.Detail)
	if err != nil {
		return fmt.Errorf("record execution: %w", err)
	}

	_, err = s.db.Exec(`
		DELETE FROM executions WHERE event_id = ? AND id NOT IN (
			SELECT id FROM executions WHERE event_id = ?
			ORDER BY started_at DESC LIMIT ?
		)`, rec.EventID, rec.EventID, s.historyLimit)
	if err != nil {
		return fmt.Errorf("prune executions: %w", err)
	}
	return nil
}

// ListExecutions returns an event's executions, most recent first.
func (s *Store) ListExecutions(eventID string, limit int) ([]*ExecutionRecord, error) {
	if limit <= 0 || limit > s.historyLimit {
		limit = s.historyLimit
	}
	rows, err := s.db.Query(`
		SELECT id, event_id, scheduled_at, started_at, finished_at, status, detail
		FROM executions WHERE event_id = ? ORDER BY started_at DESC LIMIT ?`, eventID, limit)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*ExecutionRecord
	for rows.Next() {
		var rec ExecutionRecord
		var scheduledAt, startedAt, status string
		var finishedAt sql.NullString
		var detail sql.NullString
		if err := rows.Scan(&rec.ID, &rec.EventID, &scheduledAt, &startedAt, &finishedAt, &status, &detail); err != nil {
			return nil, err
		}
		rec.ScheduledAt, _ = time.Parse(time.RFC3339Nano, scheduledAt)
		rec.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		rec.FinishedAt = parseNullableTime(finishedAt)
		rec.Status = ExecutionStatus(status)
		if detail.Valid {
			rec.Detail = detail.String
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}
