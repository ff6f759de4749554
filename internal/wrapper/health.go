package wrapper

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// atomicTime is a lock-free holder for a time.Time, used for the
// last-broker-event and last-flap timestamps the health endpoint reads
// from whatever goroutine last observed a broker state change.
type atomicTime struct {
	v atomic.Value // time.Time
}

func (a *atomicTime) Set(t time.Time) { a.v.Store(t) }

func (a *atomicTime) Get() (time.Time, bool) {
	v := a.v.Load()
	if v == nil {
		return time.Time{}, false
	}
	return v.(time.Time), true
}

// atomicBool is a lock-free boolean flag.
type atomicBool struct {
	v atomic.Bool
}

func (a *atomicBool) Set(b bool) { a.v.Store(b) }
func (a *atomicBool) Get() bool  { return a.v.Load() }
func (a *atomicBool) Swap(b bool) bool { return a.v.Swap(b) }

func incInflight(n *int64, delta int64) {
	atomic.AddInt64(n, delta)
}

// healthResponse is the JSON body of GET /health, matching §4.1.
type healthResponse struct {
	ServiceName         string   `json:"service_name"`
	Status              Status   `json:"status"`
	UptimeSeconds        float64  `json:"uptime_seconds"`
	LastBrokerEventAgeS float64  `json:"last_broker_event_age_s"`
	Inflight            int64    `json:"inflight"`
	SubscribedTopics    []string `json:"subscribed_topics"`
	PublishedTopics     []string `json:"published_topics"`
}

// startHealthServer starts the /health HTTP endpoint in a background
// goroutine. Bind failures are logged, not fatal: a service that can't
// bind its health port still serves the bus.
func (s *Service) startHealthServer() {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)

	s.health = &http.Server{
		Addr:    s.cfg.Health.Bind,
		Handler: mux,
	}

	go func() {
		if err := s.health.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("health server failed", "error", err)
		}
	}()
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := s.snapshotHealth()
	w.Header().Set("Content-Type", "application/json")
	if resp.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// snapshotHealth computes the current health verdict. degraded is
// returned when the broker connection flapped in the last minute but is
// currently up; unhealthy when not currently connected or a registered
// readiness check fails (§4.1).
func (s *Service) snapshotHealth() healthResponse {
	status := StatusHealthy

	for _, rc := range s.readiness {
		if err := rc.fn(); err != nil {
			status = StatusUnhealthy
			break
		}
	}

	if !s.connected.Get() {
		status = StatusUnhealthy
	} else if status != StatusUnhealthy {
		if flapped, ok := s.flapped.Get(); ok && time.Since(flapped) < time.Minute {
			status = StatusDegraded
		}
	}

	var lastEventAge float64
	if last, ok := s.lastEvent.Get(); ok {
		lastEventAge = time.Since(last).Seconds()
	}

	s.mu.Lock()
	subs := make([]string, 0, len(s.handlers)+1)
	subs = append(subs, HeartbeatTopic)
	for _, h := range s.handlers {
		subs = append(subs, h.filter)
	}
	pubs := make([]string, 0, len(s.publishedTopics))
	for t := range s.publishedTopics {
		pubs = append(pubs, t)
	}
	s.mu.Unlock()

	return healthResponse{
		ServiceName:         s.cfg.Service.Name,
		Status:              status,
		UptimeSeconds:       time.Since(s.startedAt).Seconds(),
		LastBrokerEventAgeS: lastEventAge,
		Inflight:            atomic.LoadInt64(&s.inflight),
		SubscribedTopics:    subs,
		PublishedTopics:     pubs,
	}
}
