// Package loadbalancer implements the per-logical-service instance pool,
// selection algorithms, health-aware routing, and per-instance circuit
// breaker described in §4.5. The probe loop follows a watch-and-measure
// health-checking shape, and the pool's concurrency model follows
// internal/registry's fine-grained per-entry locking.
package loadbalancer

import (
	"sync"
	"time"
)

// BreakerState is a single instance's circuit-breaker state (§4.5).
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// Algorithm selects among several selectable per-service strategies
// (§4.5).
type Algorithm string

const (
	AlgorithmRoundRobin         Algorithm = "round_robin"
	AlgorithmLeastConnections   Algorithm = "least_connections"
	AlgorithmWeightedRoundRobin Algorithm = "weighted_round_robin"
	AlgorithmRandom             Algorithm = "random"
)

// Instance is one pool member: a service instance plus the balancer's
// observed health state for it. JSON tags match §4.5's
// "Instance record" literally.
type Instance struct {
	InstanceID          string       `json:"instance_id"`
	Address             string       `json:"address"`
	Weight              int          `json:"weight"`
	Inflight            int          `json:"inflight"`
	AvgRTTMs            float64      `json:"avg_rtt_ms"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	BreakerState        BreakerState `json:"breaker_state"`
	BreakerOpenedAt      time.Time    `json:"breaker_opened_at,omitempty"`

	// ConsecutiveProbeFailures counts consecutive failed /health probes
	// separately from ConsecutiveFailures' consecutive request errors
	// (§4.5: "three consecutive probes" vs "5 consecutive request
	// errors" are two distinct failure sources with two distinct
	// thresholds). Not part of the literal §4.5 record table, same as
	// MaxInflight below.
	ConsecutiveProbeFailures int `json:"consecutive_probe_failures,omitempty"`

	// MaxInflight bounds concurrent admissions to this instance
	// (§4.5 "Concurrency caps: per-instance max_inflight, default
	// 100"). Not part of the literal §4.5 record table but required by
	// the admission rule the same section states in prose.
	MaxInflight int `json:"max_inflight"`

	// currentWeight is the smooth-weighted-round-robin scratch value
	// (§4.5: "current weight += effective weight; pick max; subtract
	// total"). Never read outside the weightedRoundRobin selector.
	currentWeight int
}

// Config tunes breaker thresholds and probe cadence (§4.5 defaults).
// §4.5 gives the probe path and the request-result path distinct trip
// thresholds ("failing three consecutive probes or returning 5
// consecutive request errors"), so they are two separate fields rather
// than one shared counter.
type Config struct {
	Algorithm                Algorithm
	MaxInflightDefault       int
	ProbeInterval            time.Duration
	RecoveryTimeout          time.Duration
	ProbeFailureThreshold    int // consecutive failed /health probes to trip
	RequestFailureThreshold  int // consecutive request errors to trip
}

// DefaultConfig returns §4.5's literal defaults.
func DefaultConfig() Config {
	return Config{
		Algorithm:               AlgorithmRoundRobin,
		MaxInflightDefault:      100,
		ProbeInterval:           30 * time.Second,
		RecoveryTimeout:         60 * time.Second,
		ProbeFailureThreshold:   3,
		RequestFailureThreshold: 5,
	}
}

// ErrBusy is returned by Select when every instance in the pool is at
// its inflight cap or has an open breaker (§4.5 "the balancer returns
// busy to the caller").
type ErrBusy struct{ Service string }

func (e ErrBusy) Error() string { return "loadbalancer: " + e.Service + " busy" }

// ErrNoInstances is returned by Select when the pool for a logical
// service has no members at all.
type ErrNoInstances struct{ Service string }

func (e ErrNoInstances) Error() string { return "loadbalancer: no instances for " + e.Service }

// entry is an Instance plus the mutex guarding it, mirroring the
// registry's per-descriptor lock pattern (§5 shared-resource policy:
// "each guarded by their own fine-grained locks").
type entry struct {
	mu sync.Mutex
	i  Instance
}
