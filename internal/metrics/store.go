package metrics

import (
	"fmt"
	"sync"
	"time"
)

// Config tunes the store's ring capacity and retention (§4.6 defaults).
type Config struct {
	RingCapacity     int
	RetentionWindow  time.Duration
	AlertInterval    time.Duration
	SamplerInterval  time.Duration
}

// DefaultConfig returns §4.6's literal defaults.
func DefaultConfig() Config {
	return Config{
		RingCapacity:    1000,
		RetentionWindow: time.Hour,
		AlertInterval:   10 * time.Second,
		SamplerInterval: 60 * time.Second,
	}
}

type seriesKey struct {
	name string
	hash string
}

// Store is the Metrics Collector's time-series buffer: a ring per
// (metric_name, label_set_hash), queryable by aggregation (§4.6).
type Store struct {
	cfg  Config
	sink Sink

	mu     sync.RWMutex
	series map[seriesKey]*ring
}

// New constructs a Store. sink may be nil — the collector never
// requires one (§4.6 "the core never requires one").
func New(cfg Config, sink Sink) *Store {
	if sink == nil {
		sink = NoopSink{}
	}
	return &Store{cfg: cfg, sink: sink, series: make(map[seriesKey]*ring)}
}

// Ingest records a sample, pushing it into its series' ring and
// forwarding it to the configured sink (§4.6 "bus topic
// alicia/metrics/ingest ... or HTTP POST /metrics ... or the built-in
// sampler").
func (s *Store) Ingest(sample Sample) {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now().UTC()
	}
	key := seriesKey{name: sample.Name, hash: labelSetHash(sample.Labels)}

	s.mu.RLock()
	r, ok := s.series[key]
	s.mu.RUnlock()
	if !ok {
		s.mu.Lock()
		r, ok = s.series[key]
		if !ok {
			r = newRing(s.cfg.RingCapacity)
			s.series[key] = r
		}
		s.mu.Unlock()
	}
	r.push(sample)
	s.sink.Push(sample)
}

// IngestBatch records every sample in a batch message.
func (s *Store) IngestBatch(samples []Sample) {
	for _, sample := range samples {
		s.Ingest(sample)
	}
}

// Query returns the aggregate of a metric's samples within the last
// window (or the store's configured retention if window is zero),
// across every label set matching the given labels subset (an empty
// labels filter matches every series for that metric name).
func (s *Store) Query(name string, labels map[string]string, window time.Duration) Aggregation {
	if window <= 0 {
		window = s.cfg.RetentionWindow
	}
	since := time.Now().Add(-window)

	var all []Sample
	s.mu.RLock()
	for key, r := range s.series {
		if key.name != name {
			continue
		}
		all = append(all, r.snapshot(since)...)
	}
	s.mu.RUnlock()

	if len(labels) > 0 {
		filtered := all[:0:0]
		for _, sample := range all {
			if matchesLabels(sample.Labels, labels) {
				filtered = append(filtered, sample)
			}
		}
		all = filtered
	}

	return Aggregate(all)
}

func matchesLabels(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

// SeriesNames returns every distinct metric name currently tracked.
func (s *Store) SeriesNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	for key := range s.series {
		seen[key.name] = true
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	return out
}

// SeriesLen reports the current number of retained samples for a
// metric name's ring (sum across label sets) — used by tests asserting
// the capacity invariant (§8 property #8).
func (s *Store) SeriesLen(name string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for key, r := range s.series {
		if key.name == name {
			total += r.len()
		}
	}
	return total
}

// ErrUnknownMetric is returned by callers that need to distinguish "no
// samples" from "unknown metric name"; Query itself never returns an
// error (§8 property #8: an empty window must never error).
var ErrUnknownMetric = fmt.Errorf("metrics: unknown metric name")
