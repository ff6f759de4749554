package scheduler

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "scheduler.db"), 3)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateAndGetEvent(t *testing.T) {
	store := newTestStore(t)
	ev := &ScheduledEvent{
		Name:         "nightly-backup",
		ScheduleKind: KindInterval,
		Spec:         "3600",
		TargetTopic:  "alicia/scheduler/fire",
		Enabled:      true,
	}
	if err := store.CreateEvent(ev); err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	if ev.EventID == "" {
		t.Fatalf("expected EventID to be assigned")
	}

	got, err := store.GetEvent(ev.EventID)
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if got.Name != ev.Name || got.Spec != ev.Spec {
		t.Fatalf("round-trip mismatch: %+v vs %+v", got, ev)
	}
}

func TestListEventsOrderedByName(t *testing.T) {
	store := newTestStore(t)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		ev := &ScheduledEvent{Name: name, ScheduleKind: KindOnce, Spec: time.Now().Add(time.Hour).Format(time.RFC3339), TargetTopic: "x"}
		if err := store.CreateEvent(ev); err != nil {
			t.Fatalf("CreateEvent(%s): %v", name, err)
		}
	}
	events, err := store.ListEvents()
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Name != "alpha" || events[1].Name != "mid" || events[2].Name != "zeta" {
		t.Fatalf("expected alphabetical order, got %v %v %v", events[0].Name, events[1].Name, events[2].Name)
	}
}

func TestDeleteEventRemovesItAndHistory(t *testing.T) {
	store := newTestStore(t)
	ev := &ScheduledEvent{Name: "one-shot", ScheduleKind: KindOnce, Spec: time.Now().Add(time.Hour).Format(time.RFC3339), TargetTopic: "x"}
	if err := store.CreateEvent(ev); err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}
	if err := store.RecordExecution(&ExecutionRecord{EventID: ev.EventID, ScheduledAt: time.Now(), StartedAt: time.Now(), Status: StatusCompleted}); err != nil {
		t.Fatalf("RecordExecution: %v", err)
	}
	if err := store.DeleteEvent(ev.EventID); err != nil {
		t.Fatalf("DeleteEvent: %v", err)
	}
	if _, err := store.GetEvent(ev.EventID); err == nil {
		t.Fatalf("expected GetEvent to fail after delete")
	}
	execs, err := store.ListExecutions(ev.EventID, 0)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(execs) != 0 {
		t.Fatalf("expected execution history cascaded away, got %d", len(execs))
	}
}

// Testable property: per-event execution history never exceeds its
// configured limit, oldest evicted first.
func TestExecutionHistoryCapped(t *testing.T) {
	store := newTestStore(t) // historyLimit=3
	ev := &ScheduledEvent{Name: "frequent", ScheduleKind: KindInterval, Spec: "1", TargetTopic: "x"}
	if err := store.CreateEvent(ev); err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}

	base := time.Now()
	for i := 0; i < 10; i++ {
		rec := &ExecutionRecord{
			EventID:     ev.EventID,
			ScheduledAt: base.Add(time.Duration(i) * time.Second),
			StartedAt:   base.Add(time.Duration(i) * time.Second),
			Status:      StatusCompleted,
		}
		if err := store.RecordExecution(rec); err != nil {
			t.Fatalf("RecordExecution %d: %v", i, err)
		}
	}

	execs, err := store.ListExecutions(ev.EventID, 0)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(execs) != 3 {
		t.Fatalf("expected history capped at 3, got %d", len(execs))
	}
	// Most recent first, and the oldest ones must have been evicted.
	if !execs[0].StartedAt.After(execs[1].StartedAt) || !execs[1].StartedAt.After(execs[2].StartedAt) {
		t.Fatalf("expected descending start time order, got %+v", execs)
	}
}
