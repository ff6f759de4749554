package scheduler

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicia-project/alicia-core/internal/envelope"
)

// fakePublisher records every Publish call; Request is only exercised
// by expect_response events, which these tests don't use.
type fakePublisher struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakePublisher) Publish(ctx context.Context, topic string, msg envelope.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, topic)
	return nil
}

func (f *fakePublisher) Request(ctx context.Context, destTopic string, payload json.RawMessage, timeout time.Duration) (*envelope.Message, error) {
	return &envelope.Message{MessageType: envelope.TypeResponse}, nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestScheduler(t *testing.T) (*Scheduler, *Store, *fakePublisher) {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "scheduler.db"), 100)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	pub := &fakePublisher{}
	sched := New(nil, store, pub, "scheduler", 4)
	t.Cleanup(sched.Stop)
	return sched, store, pub
}

func TestTriggerFiresImmediatelyRegardlessOfSchedule(t *testing.T) {
	sched, store, pub := newTestScheduler(t)
	ctx := context.Background()

	ev := &ScheduledEvent{
		Name: "far-future", ScheduleKind: KindOnce,
		Spec: time.Now().Add(24 * time.Hour).Format(time.RFC3339), TargetTopic: "alicia/test/fire",
		Enabled: true,
	}
	if err := sched.CreateEvent(ctx, ev); err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}

	if err := sched.Trigger(ctx, ev.EventID); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	sched.wg.Wait()

	if pub.count() != 1 {
		t.Fatalf("expected exactly one publish from manual trigger, got %d", pub.count())
	}
	execs, err := store.ListExecutions(ev.EventID, 0)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(execs) != 1 || execs[0].Status != StatusCompleted {
		t.Fatalf("expected one completed execution, got %+v", execs)
	}
}

// Testable property: an overlapping firing of an AllowOverlap=false
// event is skipped rather than run concurrently.
func TestOverlapSkippedWhenDisallowed(t *testing.T) {
	sched, store, _ := newTestScheduler(t)
	ctx := context.Background()

	ev := &ScheduledEvent{
		Name: "serial-only", ScheduleKind: KindInterval, Spec: "60",
		TargetTopic: "alicia/test/fire", AllowOverlap: false, Enabled: true,
	}
	if err := store.CreateEvent(ev); err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}

	sched.mu.Lock()
	sched.running[ev.EventID] = true
	sched.mu.Unlock()

	sched.fire(ctx, ev.EventID, time.Now())

	sched.mu.Lock()
	stillRunning := sched.running[ev.EventID]
	sched.mu.Unlock()
	if !stillRunning {
		t.Fatalf("expected the pre-existing running flag to be left untouched by the skipped firing")
	}

	execs, err := store.ListExecutions(ev.EventID, 0)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(execs) != 1 || execs[0].Status != StatusCancelled {
		t.Fatalf("expected one cancelled execution recording the skip, got %+v", execs)
	}
}

func TestAllowOverlapPermitsConcurrentFiring(t *testing.T) {
	sched, store, pub := newTestScheduler(t)
	ctx := context.Background()

	ev := &ScheduledEvent{
		Name: "fan-out", ScheduleKind: KindInterval, Spec: "60",
		TargetTopic: "alicia/test/fire", AllowOverlap: true, Enabled: true,
	}
	if err := store.CreateEvent(ev); err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}

	sched.fire(ctx, ev.EventID, time.Now())
	sched.fire(ctx, ev.EventID, time.Now())

	if pub.count() != 2 {
		t.Fatalf("expected both overlapping firings to publish, got %d", pub.count())
	}
}

func TestDisabledEventDoesNotFire(t *testing.T) {
	sched, store, pub := newTestScheduler(t)
	ctx := context.Background()

	ev := &ScheduledEvent{
		Name: "off", ScheduleKind: KindInterval, Spec: "60",
		TargetTopic: "alicia/test/fire", Enabled: false,
	}
	if err := store.CreateEvent(ev); err != nil {
		t.Fatalf("CreateEvent: %v", err)
	}

	sched.fire(ctx, ev.EventID, time.Now())
	if pub.count() != 0 {
		t.Fatalf("expected a disabled event never to publish, got %d calls", pub.count())
	}
}
