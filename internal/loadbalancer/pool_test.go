package loadbalancer

import (
	"testing"
	"time"
)

func newTestPool(t *testing.T, algo Algorithm) *Pool {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Algorithm = algo
	cfg.ProbeFailureThreshold = 3
	cfg.RequestFailureThreshold = 5
	cfg.RecoveryTimeout = 60 * time.Second
	return NewPool("dialog", cfg, nil)
}

// Testable property #5: round robin over a stable pool of size k
// selects each instance within any window of k selections.
func TestRoundRobinCoverage(t *testing.T) {
	p := newTestPool(t, AlgorithmRoundRobin)
	ids := []string{"a1", "a2", "a3"}
	for _, id := range ids {
		p.Upsert(id, id+":8080", 1, 100)
	}

	seen := map[string]bool{}
	for i := 0; i < len(ids); i++ {
		inst, err := p.Select(time.Now())
		if err != nil {
			t.Fatalf("select %d: %v", i, err)
		}
		seen[inst.InstanceID] = true
		p.Release(inst.InstanceID)
	}
	if len(seen) != len(ids) {
		t.Fatalf("expected every instance selected within one window, got %v", seen)
	}
}

// TestRoundRobinSkipsOpenBreaker mirrors the E4 scenario (§8): five
// consecutive request errors (not three) trip the breaker via
// RecordResult.
func TestRoundRobinSkipsOpenBreaker(t *testing.T) {
	p := newTestPool(t, AlgorithmRoundRobin)
	p.Upsert("a1", "a1:8080", 1, 100)
	p.Upsert("a2", "a2:8080", 1, 100)

	now := time.Now()
	for i := 0; i < 5; i++ {
		p.RecordResult("a1", false, 0, now)
	}
	if inst, _ := p.Get("a1"); inst.BreakerState != BreakerOpen {
		t.Fatalf("expected a1 breaker open, got %s", inst.BreakerState)
	}

	for i := 0; i < 4; i++ {
		inst, err := p.Select(now)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if inst.InstanceID != "a2" {
			t.Fatalf("expected a2 selected while a1 breaker open, got %s", inst.InstanceID)
		}
		p.Release(inst.InstanceID)
	}
}

// TestProbeFailureOpensBreakerAtThreeNotFive verifies §4.5's second,
// lower threshold: three consecutive failed /health probes trip the
// breaker via RecordProbeResult, independent of RecordResult's
// request-error counter — a fourth request failure is not needed.
func TestProbeFailureOpensBreakerAtThreeNotFive(t *testing.T) {
	p := newTestPool(t, AlgorithmRoundRobin)
	p.Upsert("a1", "a1:8080", 1, 100)

	now := time.Now()
	for i := 0; i < 2; i++ {
		p.RecordProbeResult("a1", false, 0, now)
	}
	if inst, _ := p.Get("a1"); inst.BreakerState != BreakerClosed {
		t.Fatalf("expected a1 breaker still closed after 2 probe failures, got %s", inst.BreakerState)
	}

	p.RecordProbeResult("a1", false, 0, now)
	if inst, _ := p.Get("a1"); inst.BreakerState != BreakerOpen {
		t.Fatalf("expected a1 breaker open after 3 consecutive probe failures, got %s", inst.BreakerState)
	}
}

// Testable property #4: after N consecutive failures the breaker is
// open and the balancer does not select that instance for at least
// recovery_timeout.
func TestBreakerRecovery(t *testing.T) {
	p := newTestPool(t, AlgorithmRoundRobin)
	p.Upsert("a1", "a1:8080", 1, 100)
	p.Upsert("a2", "a2:8080", 1, 100)

	start := time.Now()
	for i := 0; i < 5; i++ {
		p.RecordResult("a1", false, 0, start)
	}

	// Before recovery_timeout elapses, a1 stays ineligible.
	justBefore := start.Add(59 * time.Second)
	for i := 0; i < 2; i++ {
		inst, err := p.Select(justBefore)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if inst.InstanceID == "a1" {
			t.Fatalf("a1 selected before recovery_timeout elapsed")
		}
		p.Release(inst.InstanceID)
	}

	// After recovery_timeout, a1 becomes half_open and eligible for a
	// single trial request.
	after := start.Add(61 * time.Second)
	found := false
	for i := 0; i < 10 && !found; i++ {
		inst, err := p.Select(after)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if inst.InstanceID == "a1" {
			found = true
			p.RecordResult("a1", true, 5, after)
			p.Release("a1")
		} else {
			p.Release(inst.InstanceID)
		}
	}
	if !found {
		t.Fatal("a1 never became eligible after recovery_timeout")
	}
	if inst, _ := p.Get("a1"); inst.BreakerState != BreakerClosed {
		t.Fatalf("expected a1 closed after successful half-open trial, got %s", inst.BreakerState)
	}
}

// Testable property #6: weighted round robin over instances with
// weights w_i produces selection counts within ±1 of w_i*n/sum(w)
// across n selections.
func TestWeightedRoundRobinSmoothness(t *testing.T) {
	p := newTestPool(t, AlgorithmWeightedRoundRobin)
	p.Upsert("a1", "a1:8080", 5, 100)
	p.Upsert("a2", "a2:8080", 1, 100)
	p.Upsert("a3", "a3:8080", 1, 100)

	counts := map[string]int{}
	const n = 70 // multiple of total weight (7) for a clean expectation
	now := time.Now()
	for i := 0; i < n; i++ {
		inst, err := p.Select(now)
		if err != nil {
			t.Fatalf("select %d: %v", i, err)
		}
		counts[inst.InstanceID]++
		p.Release(inst.InstanceID)
	}

	expected := map[string]float64{"a1": 5.0 / 7.0 * n, "a2": 1.0 / 7.0 * n, "a3": 1.0 / 7.0 * n}
	for id, exp := range expected {
		diff := float64(counts[id]) - exp
		if diff < -1.0001 || diff > 1.0001 {
			t.Fatalf("instance %s: got %d selections, expected ~%.1f (±1)", id, counts[id], exp)
		}
	}

	// Smoothness: no instance should ever be selected twice in a row
	// when a lighter-weighted instance is still eligible and has a
	// nonpositive current weight deficit — verified indirectly by
	// checking a1 never receives a run of more than ceil(5/ (7-5+1)) in
	// this particular weight configuration. A simpler, robust check:
	// a2 and a3 (weight 1) are never starved across any 7-selection
	// window.
	window := 7
	fresh := newTestPool(t, AlgorithmWeightedRoundRobin)
	fresh.Upsert("a1", "a1:8080", 5, 100)
	fresh.Upsert("a2", "a2:8080", 1, 100)
	fresh.Upsert("a3", "a3:8080", 1, 100)
	seenInWindow := map[string]bool{}
	for i := 0; i < window; i++ {
		inst, _ := fresh.Select(now)
		seenInWindow[inst.InstanceID] = true
		fresh.Release(inst.InstanceID)
	}
	if len(seenInWindow) != 3 {
		t.Fatalf("expected all 3 instances selected within one %d-window, got %v", window, seenInWindow)
	}
}

func TestLeastConnectionsPrefersIdlest(t *testing.T) {
	p := newTestPool(t, AlgorithmLeastConnections)
	p.Upsert("a1", "a1:8080", 1, 100)
	p.Upsert("a2", "a2:8080", 1, 100)

	now := time.Now()

	// Equal inflight (both zero): tie-break picks the lexicographically
	// smaller instance_id, a1.
	first, err := p.Select(now)
	if err != nil {
		t.Fatal(err)
	}
	if first.InstanceID != "a1" {
		t.Fatalf("expected a1 on tie-break, got %s", first.InstanceID)
	}

	// a1 now has 1 in-flight, a2 has 0: least-connections must prefer a2.
	second, err := p.Select(now)
	if err != nil {
		t.Fatal(err)
	}
	if second.InstanceID != "a2" {
		t.Fatalf("expected a2 as the idler instance, got %s", second.InstanceID)
	}
}

func TestSelectBusyWhenAllAtCap(t *testing.T) {
	p := newTestPool(t, AlgorithmRoundRobin)
	p.Upsert("a1", "a1:8080", 1, 1)

	now := time.Now()
	if _, err := p.Select(now); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Select(now); err == nil {
		t.Fatal("expected ErrBusy when instance is at max_inflight")
	}
}

func TestSelectNoInstances(t *testing.T) {
	p := newTestPool(t, AlgorithmRoundRobin)
	if _, err := p.Select(time.Now()); err == nil {
		t.Fatal("expected ErrNoInstances for an empty pool")
	}
}
