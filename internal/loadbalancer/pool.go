package loadbalancer

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// Pool is the instance pool for one logical service name. A Balancer
// (below) owns one Pool per logical service.
type Pool struct {
	serviceName string
	cfg         Config
	logger      *slog.Logger

	mu      sync.RWMutex
	order   []string // instance_id, insertion order — round robin cursor walks this
	members map[string]*entry
	rrCursor int
}

// NewPool constructs an empty pool for serviceName.
func NewPool(serviceName string, cfg Config, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		serviceName: serviceName,
		cfg:         cfg,
		logger:      logger,
		members:     make(map[string]*entry),
	}
}

// Upsert adds a new instance or updates the address/weight/max-inflight
// of an existing one, preserving its observed health state (breaker,
// inflight, failure count) across registry refreshes.
func (p *Pool) Upsert(instanceID, address string, weight, maxInflight int) {
	if maxInflight <= 0 {
		maxInflight = p.cfg.MaxInflightDefault
	}
	if weight <= 0 {
		weight = 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.members[instanceID]
	if !ok {
		e = &entry{i: Instance{
			InstanceID:   instanceID,
			BreakerState: BreakerClosed,
		}}
		p.members[instanceID] = e
		p.order = append(p.order, instanceID)
	}

	e.mu.Lock()
	e.i.Address = address
	e.i.Weight = weight
	e.i.MaxInflight = maxInflight
	e.mu.Unlock()
}

// Remove drops an instance from the pool entirely (e.g. the registry
// reports it absent).
func (p *Pool) Remove(instanceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.members[instanceID]; !ok {
		return
	}
	delete(p.members, instanceID)
	for i, id := range p.order {
		if id == instanceID {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// Instances returns a snapshot of every pool member, sorted by
// instance_id for deterministic reads (§4.5 "selection determinism").
func (p *Pool) Instances() []Instance {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Instance, 0, len(p.members))
	for _, e := range p.members {
		e.mu.Lock()
		out = append(out, e.i)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

// eligible returns the candidate instance_ids in pool order, excluding
// any whose breaker is open and has not yet reached its recovery
// timeout. An open breaker past recovery_timeout transitions to
// half_open as a side effect of being considered here (§4.5).
func (p *Pool) eligible(now time.Time) []string {
	p.mu.RLock()
	order := append([]string(nil), p.order...)
	p.mu.RUnlock()

	out := make([]string, 0, len(order))
	for _, id := range order {
		p.mu.RLock()
		e := p.members[id]
		p.mu.RUnlock()
		if e == nil {
			continue
		}
		e.mu.Lock()
		if e.i.BreakerState == BreakerOpen && now.Sub(e.i.BreakerOpenedAt) >= p.cfg.RecoveryTimeout {
			e.i.BreakerState = BreakerHalfOpen
			p.logger.Info("breaker half-open", "service", p.serviceName, "instance", id)
		}
		state := e.i.BreakerState
		full := e.i.Inflight >= e.i.MaxInflight
		e.mu.Unlock()
		if state != BreakerOpen && !full {
			out = append(out, id)
		}
	}
	return out
}

// Select chooses an instance per the pool's algorithm and admits it
// (increments inflight). Callers must call Release when the request
// completes, and should call RecordResult to feed breaker state.
//
// A half_open instance, once selected, is the single trial request
// §4.5 describes ("the next request is admitted"); Select does not
// special-case this beyond treating half_open as eligible — at most
// one request can be inflight on a half_open instance at a time
// because Select marks it ineligible once its inflight count is
// nonzero, and a single failed half-open trial reopens the breaker
// regardless of either configured threshold (see recordOutcome).
func (p *Pool) Select(now time.Time) (Instance, error) {
	candidates := p.eligible(now)
	if len(candidates) == 0 {
		p.mu.RLock()
		empty := len(p.members) == 0
		p.mu.RUnlock()
		if empty {
			return Instance{}, ErrNoInstances{Service: p.serviceName}
		}
		return Instance{}, ErrBusy{Service: p.serviceName}
	}

	// A half_open instance only ever admits a single trial request at
	// a time (§4.5); filter out any half_open candidate already
	// in-flight.
	filtered := candidates[:0:0]
	for _, id := range candidates {
		p.mu.RLock()
		e := p.members[id]
		p.mu.RUnlock()
		e.mu.Lock()
		skip := e.i.BreakerState == BreakerHalfOpen && e.i.Inflight > 0
		e.mu.Unlock()
		if !skip {
			filtered = append(filtered, id)
		}
	}
	if len(filtered) == 0 {
		return Instance{}, ErrBusy{Service: p.serviceName}
	}

	var chosenID string
	switch p.cfg.Algorithm {
	case AlgorithmLeastConnections:
		chosenID = p.selectLeastConnections(filtered)
	case AlgorithmWeightedRoundRobin:
		chosenID = p.selectWeightedRoundRobin(filtered)
	case AlgorithmRandom:
		chosenID = filtered[rand.Intn(len(filtered))]
	default:
		chosenID = p.selectRoundRobin(filtered)
	}

	p.mu.RLock()
	e := p.members[chosenID]
	p.mu.RUnlock()
	e.mu.Lock()
	e.i.Inflight++
	inst := e.i
	e.mu.Unlock()
	return inst, nil
}

// selectRoundRobin rotates a cursor over the pool's full insertion
// order, skipping ineligible instances, so it satisfies testable
// property #5: every instance is selected within any window of k
// selections over a stable pool of size k.
func (p *Pool) selectRoundRobin(eligible []string) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	set := make(map[string]bool, len(eligible))
	for _, id := range eligible {
		set[id] = true
	}
	for i := 0; i < len(p.order); i++ {
		idx := (p.rrCursor + i) % len(p.order)
		if set[p.order[idx]] {
			p.rrCursor = (idx + 1) % len(p.order)
			return p.order[idx]
		}
	}
	// Fallback: eligible wasn't a subset of order (shouldn't happen).
	return eligible[0]
}

// selectLeastConnections picks the candidate with the fewest in-flight
// requests; ties broken by lower avg_rtt_ms, then instance_id (§4.5).
func (p *Pool) selectLeastConnections(eligible []string) string {
	type scored struct {
		id       string
		inflight int
		rtt      float64
	}
	scores := make([]scored, 0, len(eligible))
	for _, id := range eligible {
		p.mu.RLock()
		e := p.members[id]
		p.mu.RUnlock()
		e.mu.Lock()
		scores = append(scores, scored{id: id, inflight: e.i.Inflight, rtt: e.i.AvgRTTMs})
		e.mu.Unlock()
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].inflight != scores[j].inflight {
			return scores[i].inflight < scores[j].inflight
		}
		if scores[i].rtt != scores[j].rtt {
			return scores[i].rtt < scores[j].rtt
		}
		return scores[i].id < scores[j].id
	})
	return scores[0].id
}

// selectWeightedRoundRobin implements the classic smooth weighted
// round robin: current_weight += effective_weight for every
// candidate, pick the max, subtract the total from the winner (§4.5).
// Over n selections this yields counts within ±1 of w_i*n/sum(w)
// (testable property #6) and never bursts the heaviest instance.
func (p *Pool) selectWeightedRoundRobin(eligible []string) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := 0
	var bestID string
	bestWeight := -1 << 62
	for _, id := range eligible {
		e := p.members[id]
		e.mu.Lock()
		w := e.i.Weight
		if w <= 0 {
			w = 1
		}
		e.i.currentWeight += w
		total += w
		if e.i.currentWeight > bestWeight {
			bestWeight = e.i.currentWeight
			bestID = id
		}
		e.mu.Unlock()
	}

	best := p.members[bestID]
	best.mu.Lock()
	best.i.currentWeight -= total
	best.mu.Unlock()
	return bestID
}

// Release decrements an instance's inflight count after a request
// completes (success or failure).
func (p *Pool) Release(instanceID string) {
	p.mu.RLock()
	e, ok := p.members[instanceID]
	p.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	if e.i.Inflight > 0 {
		e.i.Inflight--
	}
	e.mu.Unlock()
}

// failureSource distinguishes the two independent failure counters
// §4.5 tracks per instance: probe failures (threshold 3) and request
// errors (threshold 5). The two counters are kept separate: a success
// resets only its own source's counter (a successful half-open trial
// resets both), and a probe failure never contributes toward the
// request-error trip count or vice versa.
type failureSource int

const (
	sourceRequest failureSource = iota
	sourceProbe
)

// RecordResult feeds a request outcome into an instance's circuit
// breaker (§4.5, §8 property #4, the E4 scenario's "five consecutive
// request errors"): RequestFailureThreshold consecutive request
// errors trips the breaker open.
func (p *Pool) RecordResult(instanceID string, ok bool, rttMs float64, now time.Time) {
	p.recordOutcome(instanceID, ok, rttMs, now, sourceRequest)
}

// RecordProbeResult feeds an HTTP /health probe outcome into the same
// breaker state machine, but against ProbeFailureThreshold's separate
// "three consecutive probes" trip condition (§4.5).
func (p *Pool) RecordProbeResult(instanceID string, ok bool, rttMs float64, now time.Time) {
	p.recordOutcome(instanceID, ok, rttMs, now, sourceProbe)
}

// recordOutcome is the shared breaker state machine for both failure
// sources: a success on a half_open instance closes it; a failure on
// a half_open instance reopens it and resets the recovery timer;
// otherwise consecutive failures of the given source are counted
// against that source's own threshold.
func (p *Pool) recordOutcome(instanceID string, ok bool, rttMs float64, now time.Time, src failureSource) {
	p.mu.RLock()
	e, found := p.members[instanceID]
	p.mu.RUnlock()
	if !found {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if rttMs > 0 {
		if e.i.AvgRTTMs == 0 {
			e.i.AvgRTTMs = rttMs
		} else {
			e.i.AvgRTTMs = e.i.AvgRTTMs*0.8 + rttMs*0.2
		}
	}

	threshold := p.cfg.RequestFailureThreshold
	if src == sourceProbe {
		threshold = p.cfg.ProbeFailureThreshold
	}

	switch e.i.BreakerState {
	case BreakerHalfOpen:
		if ok {
			e.i.BreakerState = BreakerClosed
			e.i.ConsecutiveFailures = 0
			e.i.ConsecutiveProbeFailures = 0
			p.logger.Info("breaker closed", "service", p.serviceName, "instance", instanceID)
		} else {
			e.i.BreakerState = BreakerOpen
			e.i.BreakerOpenedAt = now
			p.bumpFailureCount(&e.i, src)
			p.logger.Warn("breaker reopened", "service", p.serviceName, "instance", instanceID)
		}
	default:
		if ok {
			p.resetFailureCount(&e.i, src)
			if e.i.BreakerState == BreakerOpen {
				// A success arriving for an open-breaker instance (e.g. a
				// heartbeat-driven probe) is treated the same as a
				// successful half-open trial: close it.
				e.i.BreakerState = BreakerClosed
			}
		} else {
			count := p.bumpFailureCount(&e.i, src)
			if count >= threshold && e.i.BreakerState == BreakerClosed {
				e.i.BreakerState = BreakerOpen
				e.i.BreakerOpenedAt = now
				p.logger.Warn("breaker opened", "service", p.serviceName, "instance", instanceID,
					"source", srcLabel(src), "consecutive_failures", count)
			}
		}
	}
}

// bumpFailureCount increments the counter for src and returns its new
// value.
func (p *Pool) bumpFailureCount(i *Instance, src failureSource) int {
	if src == sourceProbe {
		i.ConsecutiveProbeFailures++
		return i.ConsecutiveProbeFailures
	}
	i.ConsecutiveFailures++
	return i.ConsecutiveFailures
}

// resetFailureCount zeroes the counter for src on a success.
func (p *Pool) resetFailureCount(i *Instance, src failureSource) {
	if src == sourceProbe {
		i.ConsecutiveProbeFailures = 0
		return
	}
	i.ConsecutiveFailures = 0
}

func srcLabel(src failureSource) string {
	if src == sourceProbe {
		return "probe"
	}
	return "request"
}

// Get returns a single instance's current record.
func (p *Pool) Get(instanceID string) (Instance, bool) {
	p.mu.RLock()
	e, ok := p.members[instanceID]
	p.mu.RUnlock()
	if !ok {
		return Instance{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.i, true
}

func (p *Pool) String() string {
	return fmt.Sprintf("pool(%s, %d instances)", p.serviceName, len(p.order))
}
