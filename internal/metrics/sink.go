package metrics

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink lets an implementation forward samples and alerts to an
// external time-series database (§4.6 "a sink interface ... lets an
// implementation forward samples/alerts ... the core never requires
// one").
type Sink interface {
	Push(Sample)
	PushAlert(event AlertEvent)
	Flush() error
}

// NoopSink discards everything; it is the zero-configuration default.
type NoopSink struct{}

func (NoopSink) Push(Sample)         {}
func (NoopSink) PushAlert(AlertEvent) {}
func (NoopSink) Flush() error         { return nil }

// PrometheusSink is the bundled Sink implementation: every ingested
// sample updates a dynamically-registered Prometheus gauge or counter
// vector, and the collector's /metrics/export scrape endpoint serves
// exactly what this sink has pushed. Grounded on the pack's
// promauto usage in Tutu-Engine-tutuengine/internal/infra/metrics,
// generalized from a fixed set of named metrics to arbitrary
// collector-ingested metric names by registering collectors lazily.
type PrometheusSink struct {
	registry *prometheus.Registry

	mu       sync.Mutex
	gauges   map[string]*prometheus.GaugeVec
	counters map[string]*prometheus.CounterVec
}

// NewPrometheusSink constructs a sink backed by a fresh registry (kept
// separate from the global default registry so the collector's
// dynamically-named metrics never collide with another package's
// promauto globals).
func NewPrometheusSink() *PrometheusSink {
	return &PrometheusSink{
		registry: prometheus.NewRegistry(),
		gauges:   make(map[string]*prometheus.GaugeVec),
		counters: make(map[string]*prometheus.CounterVec),
	}
}

// Registry exposes the underlying registry for wiring into
// promhttp.HandlerFor by the collector's HTTP Server.
func (p *PrometheusSink) Registry() *prometheus.Registry { return p.registry }

func (p *PrometheusSink) Push(s Sample) {
	labelNames := sortedKeys(s.Labels)

	p.mu.Lock()
	defer p.mu.Unlock()

	switch s.Kind {
	case KindCounter:
		vec, ok := p.counters[s.Name]
		if !ok {
			vec = prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "alicia",
				Subsystem: "metrics",
				Name:      sanitize(s.Name),
				Help:      "Collector-forwarded counter " + s.Name,
			}, labelNames)
			p.registry.MustRegister(vec)
			p.counters[s.Name] = vec
		}
		vec.With(s.Labels).Add(s.Value)
	default:
		vec, ok := p.gauges[s.Name]
		if !ok {
			vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "alicia",
				Subsystem: "metrics",
				Name:      sanitize(s.Name),
				Help:      "Collector-forwarded gauge " + s.Name,
			}, labelNames)
			p.registry.MustRegister(vec)
			p.gauges[s.Name] = vec
		}
		vec.With(s.Labels).Set(s.Value)
	}
}

func (p *PrometheusSink) PushAlert(event AlertEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	vec, ok := p.gauges["alert_firing"]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "alicia",
			Subsystem: "metrics",
			Name:      "alert_firing",
			Help:      "1 while the named alert rule is firing, 0 otherwise.",
		}, []string{"rule", "severity"})
		p.registry.MustRegister(vec)
		p.gauges["alert_firing"] = vec
	}
	value := 0.0
	if event.Firing {
		value = 1.0
	}
	vec.With(map[string]string{"rule": event.Rule, "severity": string(event.Severity)}).Set(value)
}

func (p *PrometheusSink) Flush() error { return nil }

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// sanitize replaces characters Prometheus metric names disallow
// (everything but [a-zA-Z0-9_:]) with underscores.
func sanitize(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == ':' {
			out[i] = c
		} else {
			out[i] = '_'
		}
	}
	return string(out)
}
