package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alicia-project/alicia-core/internal/envelope"
)

// Publisher is the narrow slice of wrapper.Service the scheduler
// depends on, mirrored the way internal/voicerouter depends on a
// Resolver interface rather than importing internal/wrapper's
// concrete type directly.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg envelope.Message) error
	Request(ctx context.Context, destTopic string, payload json.RawMessage, timeout time.Duration) (*envelope.Message, error)
}

const defaultResponseTimeout = 10 * time.Second

// Scheduler drives ScheduledEvents to their TargetTopic on schedule, a
// fixed worker pool bounding concurrent firings (§4.7). A per-event
// time.AfterFunc timer drives the Start/Stop lifecycle; firing
// dispatches through the bounded worker pool and records an
// ExecutionRecord.
type Scheduler struct {
	logger    *slog.Logger
	store     *Store
	publisher Publisher
	source    string
	sem       chan struct{}

	mu      sync.Mutex
	timers  map[string]*time.Timer
	running map[string]bool
	wg      sync.WaitGroup
}

// New constructs a Scheduler. source names this process in envelopes
// it publishes (e.g. "scheduler"); workers bounds concurrent firings.
func New(logger *slog.Logger, store *Store, publisher Publisher, source string, workers int) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Scheduler{
		logger:    logger,
		store:     store,
		publisher: publisher,
		source:    source,
		sem:       make(chan struct{}, workers),
		timers:    make(map[string]*time.Timer),
		running:   make(map[string]bool),
	}
}

// Start loads every enabled event, catches up at most one missed
// firing per event (§4.7 "missed fires during downtime are logged and
// skipped except for the single most recent one"), and arms timers for
// their next run.
func (s *Scheduler) Start(ctx context.Context) error {
	events, err := s.store.ListEvents()
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}

	now := time.Now().UTC()
	for _, ev := range events {
		if !ev.Enabled {
			continue
		}
		if ev.NextRun != nil && ev.NextRun.Before(now) {
			missed := *ev.NextRun
			s.logger.Info("catching up missed firing", "event_id", ev.EventID, "name", ev.Name, "missed_at", missed)
			s.fireAsync(ctx, ev.EventID, missed)
		}
		s.arm(ctx, ev)
	}
	return nil
}

// Stop cancels every armed timer and waits for in-flight executions to
// finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// arm schedules ev's next firing and persists the computed NextRun.
func (s *Scheduler) arm(ctx context.Context, ev *ScheduledEvent) {
	next, ok, err := computeNextRun(ev, time.Now().UTC())
	if err != nil {
		s.logger.Error("compute next run failed", "event_id", ev.EventID, "error", err)
		return
	}
	if !ok {
		// "once" schedules that have already fired disable themselves.
		ev.Enabled = false
		ev.NextRun = nil
		if err := s.store.UpdateEvent(ev); err != nil {
			s.logger.Error("disable expired once event", "event_id", ev.EventID, "error", err)
		}
		return
	}
	ev.NextRun = &next
	if err := s.store.UpdateEvent(ev); err != nil {
		s.logger.Error("persist next run", "event_id", ev.EventID, "error", err)
	}

	delay := time.Until(next)
	if delay < 0 {
		delay = 0
	}
	eventID := ev.EventID
	timer := time.AfterFunc(delay, func() { s.onFire(ctx, eventID, next) })

	s.mu.Lock()
	s.timers[eventID] = timer
	s.mu.Unlock()
}

func (s *Scheduler) onFire(ctx context.Context, eventID string, scheduledAt time.Time) {
	s.fireAsync(ctx, eventID, scheduledAt)

	ev, err := s.store.GetEvent(eventID)
	if err != nil {
		s.logger.Error("reload event after firing", "event_id", eventID, "error", err)
		return
	}
	if ev.Enabled {
		s.arm(ctx, ev)
	}
}

// fireAsync dispatches one firing through the worker pool without
// blocking the caller (the caller may be a timer callback or Start's
// catch-up loop).
func (s *Scheduler) fireAsync(ctx context.Context, eventID string, scheduledAt time.Time) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}
		defer func() { <-s.sem }()
		s.fire(ctx, eventID, scheduledAt)
	}()
}

func (s *Scheduler) fire(ctx context.Context, eventID string, scheduledAt time.Time) {
	ev, err := s.store.GetEvent(eventID)
	if err != nil {
		s.logger.Error("load event to fire", "event_id", eventID, "error", err)
		return
	}
	if !ev.Enabled {
		return
	}

	if !ev.AllowOverlap {
		s.mu.Lock()
		if s.running[eventID] {
			s.mu.Unlock()
			s.logger.Warn("skipping overlapping firing", "event_id", eventID, "name", ev.Name)
			_ = s.store.RecordExecution(&ExecutionRecord{
				EventID: eventID, ScheduledAt: scheduledAt, StartedAt: time.Now().UTC(),
				Status: StatusCancelled, Detail: "skipped: previous execution still running",
			})
			return
		}
		s.running[eventID] = true
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.running, eventID)
			s.mu.Unlock()
		}()
	}

	s.execute(ctx, ev, scheduledAt)
}

func (s *Scheduler) execute(ctx context.Context, ev *ScheduledEvent, scheduledAt time.Time) {
	rec := &ExecutionRecord{
		EventID:     ev.EventID,
		ScheduledAt: scheduledAt,
		StartedAt:   time.Now().UTC(),
		Status:      StatusRunning,
	}
	_ = s.store.RecordExecution(rec)

	var execErr error
	if ev.ExpectResponse {
		timeout := time.Duration(ev.ResponseTimeoutS) * time.Second
		if timeout <= 0 {
			timeout = defaultResponseTimeout
		}
		resp, err := s.publisher.Request(ctx, ev.TargetTopic, ev.Payload, timeout)
		if err != nil {
			execErr = err
		} else if resp.MessageType == envelope.TypeError {
			execErr = fmt.Errorf("target returned an error response")
		}
	} else {
		msg := envelope.Message{
			MessageID:   envelope.NewMessageID(),
			Timestamp:   time.Now().UTC(),
			Source:      s.source,
			MessageType: envelope.TypeCommand,
			ContentType: "application/json",
			Payload:     ev.Payload,
			TTLSeconds:  60,
			Routing:     envelope.Routing{MaxHops: 16},
		}
		execErr = s.publisher.Publish(ctx, ev.TargetTopic, msg)
	}

	now := time.Now().UTC()
	rec.FinishedAt = &now
	if execErr != nil {
		rec.Status = StatusFailed
		rec.Detail = execErr.Error()
		s.logger.Error("event execution failed", "event_id", ev.EventID, "name", ev.Name, "error", execErr)
	} else {
		rec.Status = StatusCompleted
		s.logger.Info("event executed", "event_id", ev.EventID, "name", ev.Name)
	}
	_ = s.store.RecordExecution(rec)

	ev.LastRun = &now
	if err := s.store.UpdateEvent(ev); err != nil {
		s.logger.Error("persist last run", "event_id", ev.EventID, "error", err)
	}
}

// Trigger fires ev immediately and manually, outside its normal
// schedule (§4.7 "manual trigger").
func (s *Scheduler) Trigger(ctx context.Context, eventID string) error {
	if _, err := s.store.GetEvent(eventID); err != nil {
		return err
	}
	s.fireAsync(ctx, eventID, time.Now().UTC())
	return nil
}

// CreateEvent validates ev's schedule and persists it, computing an
// initial NextRun and arming a timer if enabled.
func (s *Scheduler) CreateEvent(ctx context.Context, ev *ScheduledEvent) error {
	if _, _, err := computeNextRun(ev, time.Now().UTC()); err != nil {
		return fmt.Errorf("invalid schedule: %w", err)
	}
	if ev.ResponseTimeoutS == 0 {
		ev.ResponseTimeoutS = int(defaultResponseTimeout.Seconds())
	}
	if err := s.store.CreateEvent(ev); err != nil {
		return err
	}
	if ev.Enabled {
		s.arm(ctx, ev)
	}
	return nil
}

// UpdateEvent replaces an existing event's fields and re-arms it.
func (s *Scheduler) UpdateEvent(ctx context.Context, ev *ScheduledEvent) error {
	if _, _, err := computeNextRun(ev, time.Now().UTC()); err != nil {
		return fmt.Errorf("invalid schedule: %w", err)
	}
	s.cancelTimer(ev.EventID)
	if err := s.store.UpdateEvent(ev); err != nil {
		return err
	}
	if ev.Enabled {
		s.arm(ctx, ev)
	}
	return nil
}

// DeleteEvent cancels ev's timer and removes it and its history.
func (s *Scheduler) DeleteEvent(eventID string) error {
	s.cancelTimer(eventID)
	return s.store.DeleteEvent(eventID)
}

func (s *Scheduler) cancelTimer(eventID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[eventID]; ok {
		t.Stop()
		delete(s.timers, eventID)
	}
}

// GetEvent, ListEvents, and ListExecutions pass straight through to
// the store for the HTTP layer.
func (s *Scheduler) GetEvent(eventID string) (*ScheduledEvent, error) { return s.store.GetEvent(eventID) }
func (s *Scheduler) ListEvents() ([]*ScheduledEvent, error)           { return s.store.ListEvents() }
func (s *Scheduler) ListExecutions(eventID string, limit int) ([]*ExecutionRecord, error) {
	return s.store.ListExecutions(eventID, limit)
}
