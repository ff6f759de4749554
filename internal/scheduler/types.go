// Package scheduler implements the Event Scheduler (§4.7): a store of
// ScheduledEvents (once/interval/cron), a worker pool that fires due
// events onto the bus, and a bounded per-event execution history. The
// timer-driven Start/Stop lifecycle and time.AfterFunc scheduling
// follow a ScheduledEvent/ExecutionRecord model throughout.
package scheduler

import (
	"encoding/json"
	"time"
)

// ScheduleKind selects how Spec is interpreted.
type ScheduleKind string

const (
	// KindOnce fires exactly once at the RFC3339 timestamp in Spec.
	KindOnce ScheduleKind = "once"
	// KindInterval fires every Spec seconds, starting from LastRun (or
	// CreatedAt if it has never fired).
	KindInterval ScheduleKind = "interval"
	// KindCron fires according to the standard five-field UTC cron
	// expression in Spec.
	KindCron ScheduleKind = "cron"
)

// ExecutionStatus is the terminal (or in-flight) state of one firing.
type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusCancelled ExecutionStatus = "cancelled"
)

// ScheduledEvent is one entry in the scheduler's store (§3).
type ScheduledEvent struct {
	EventID      string          `json:"event_id"`
	Name         string          `json:"name"`
	ScheduleKind ScheduleKind    `json:"schedule_kind"`
	Spec         string          `json:"spec"`
	TargetTopic  string          `json:"target_topic"`
	Payload      json.RawMessage `json:"payload,omitempty"`

	Enabled bool `json:"enabled"`

	// ExpectResponse, when true, makes a firing wait up to
	// ResponseTimeoutS for a correlated response on the bus before the
	// execution is recorded; otherwise the event fires-and-forgets.
	ExpectResponse   bool `json:"expect_response"`
	ResponseTimeoutS int  `json:"response_timeout_s"`

	// AllowOverlap, when false (the default), skips a firing that
	// would start while the previous execution of this same event is
	// still running.
	AllowOverlap bool `json:"allow_overlap"`

	LastRun *time.Time `json:"last_run,omitempty"`
	NextRun *time.Time `json:"next_run,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ExecutionRecord is one firing of a ScheduledEvent (§3).
type ExecutionRecord struct {
	ID          string          `json:"id"`
	EventID     string          `json:"event_id"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	Status      ExecutionStatus `json:"status"`
	Detail      string          `json:"detail,omitempty"`
}

// DefaultHistoryLimit caps the number of ExecutionRecords a single
// event retains; older records are evicted first (§4.7).
const DefaultHistoryLimit = 100

// DefaultWorkers is the fixed worker pool size when config leaves it
// unset (§4.7).
const DefaultWorkers = 10
