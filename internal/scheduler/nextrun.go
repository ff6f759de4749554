package scheduler

import (
	"fmt"
	"strconv"
	"time"
)

// computeNextRun returns the next fire time for event strictly after
// `after`, and false once a "once" event has already fired.
func computeNextRun(ev *ScheduledEvent, after time.Time) (time.Time, bool, error) {
	switch ev.ScheduleKind {
	case KindOnce:
		at, err := time.Parse(time.RFC3339, ev.Spec)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("once schedule: %w", err)
		}
		if !at.After(after) {
			return time.Time{}, false, nil
		}
		return at.UTC(), true, nil

	case KindInterval:
		secs, err := strconv.Atoi(ev.Spec)
		if err != nil || secs <= 0 {
			return time.Time{}, false, fmt.Errorf("interval schedule: invalid seconds %q", ev.Spec)
		}
		interval := time.Duration(secs) * time.Second
		base := ev.CreatedAt
		if ev.LastRun != nil {
			base = *ev.LastRun
		}
		next := base.Add(interval)
		if !next.After(after) {
			// Jump directly to the next future slot rather than
			// bursting through every missed tick.
			elapsed := after.Sub(base)
			ticks := elapsed/interval + 1
			next = base.Add(ticks * interval)
		}
		return next.UTC(), true, nil

	case KindCron:
		sched, err := parseCron(ev.Spec)
		if err != nil {
			return time.Time{}, false, err
		}
		next, ok := sched.Next(after)
		if !ok {
			return time.Time{}, false, fmt.Errorf("cron schedule: no match within horizon")
		}
		return next, true, nil

	default:
		return time.Time{}, false, fmt.Errorf("unknown schedule_kind %q", ev.ScheduleKind)
	}
}
