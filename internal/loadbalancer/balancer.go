package loadbalancer

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Balancer owns one Pool per logical service name and the background
// registry-refresh and health-probe loops that keep those pools
// current (§4.5).
type Balancer struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.RWMutex
	pools map[string]*Pool

	prober *Prober
}

// New constructs a Balancer. prober may be nil to disable HTTP health
// probing (e.g. in tests that only exercise selection algorithms).
func New(cfg Config, logger *slog.Logger, prober *Prober) *Balancer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Balancer{
		cfg:    cfg,
		logger: logger,
		pools:  make(map[string]*Pool),
		prober: prober,
	}
}

// PoolFor returns (creating if necessary) the pool for a logical
// service name.
func (b *Balancer) PoolFor(serviceName string) *Pool {
	b.mu.RLock()
	p, ok := b.pools[serviceName]
	b.mu.RUnlock()
	if ok {
		return p
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.pools[serviceName]; ok {
		return p
	}
	p = NewPool(serviceName, b.cfg, b.logger)
	b.pools[serviceName] = p
	return p
}

// Services lists every logical service name with a pool.
func (b *Balancer) Services() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.pools))
	for name := range b.pools {
		out = append(out, name)
	}
	return out
}

// Select is the admission entry point: choose and admit an instance
// for serviceName, per §4.5's "admission is never queued beyond the
// time needed to choose" — it returns immediately with ErrBusy rather
// than blocking when the pool is saturated.
func (b *Balancer) Select(serviceName string) (Instance, error) {
	return b.PoolFor(serviceName).Select(time.Now())
}

// Release and RecordResult forward to the named service's pool.
func (b *Balancer) Release(serviceName, instanceID string) {
	b.PoolFor(serviceName).Release(instanceID)
}

func (b *Balancer) RecordResult(serviceName, instanceID string, ok bool, rttMs float64) {
	b.PoolFor(serviceName).RecordResult(instanceID, ok, rttMs, time.Now())
}

// RecordProbeResult forwards a /health probe outcome to the named
// service's pool, tripping the breaker against the probe-specific
// threshold rather than the request-error one (§4.5).
func (b *Balancer) RecordProbeResult(serviceName, instanceID string, ok bool, rttMs float64) {
	b.PoolFor(serviceName).RecordProbeResult(instanceID, ok, rttMs, time.Now())
}

// Sync applies a fresh registry instance listing for serviceName:
// upserts every reported instance and removes any pool member the
// registry no longer lists (it has gone absent, not merely offline —
// an offline-but-not-absent instance already fails the registry's
// online-first capability filter and simply stops being reported here
// until it heartbeats again).
func (b *Balancer) Sync(serviceName string, instances []RegistryInstance) {
	pool := b.PoolFor(serviceName)

	seen := make(map[string]bool, len(instances))
	for _, ri := range instances {
		pool.Upsert(ri.InstanceID, ri.Address, ri.Weight, ri.MaxInflight)
		seen[ri.InstanceID] = true
	}
	for _, existing := range pool.Instances() {
		if !seen[existing.InstanceID] {
			pool.Remove(existing.InstanceID)
		}
	}
}

// RunProbeLoop periodically probes every pool member's /health
// endpoint until ctx is cancelled (§4.5 "performs an HTTP /health
// probe every 30s"). Three consecutive probe failures trip the
// breaker via RecordProbeResult, tracked separately from the five
// consecutive request errors that would trip it via RecordResult.
func (b *Balancer) RunProbeLoop(ctx context.Context) {
	if b.prober == nil {
		return
	}
	ticker := time.NewTicker(b.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.probeAll(ctx)
		}
	}
}

func (b *Balancer) probeAll(ctx context.Context) {
	b.mu.RLock()
	pools := make([]*Pool, 0, len(b.pools))
	for _, p := range b.pools {
		pools = append(pools, p)
	}
	b.mu.RUnlock()

	for _, pool := range pools {
		for _, inst := range pool.Instances() {
			inst := inst
			pool := pool
			go func() {
				ok, rtt := b.prober.Probe(ctx, inst.Address)
				pool.RecordProbeResult(inst.InstanceID, ok, rtt, time.Now())
			}()
		}
	}
}
