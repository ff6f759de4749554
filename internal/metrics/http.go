package metrics

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes the collector's HTTP surface: POST /metrics (§4.6
// ingest), GET /metrics/{name} (aggregation query), GET /alerts (rule
// listing), plus /metrics/export for the Prometheus sink's own scrape
// endpoint when one is configured.
type Server struct {
	store  *Store
	alerts *AlertEngine
	sink   *PrometheusSink // nil if no Prometheus sink is wired
}

// NewServer constructs a Server. sink may be nil.
func NewServer(store *Store, alerts *AlertEngine, sink *PrometheusSink) *Server {
	return &Server{store: store, alerts: alerts, sink: sink}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Post("/metrics", s.handleIngest)
	r.Get("/metrics/{name}", s.handleQuery)
	r.Get("/alerts", s.handleListAlerts)
	r.Post("/alerts", s.handleSetAlert)
	r.Delete("/alerts/{name}", s.handleDeleteAlert)

	if s.sink != nil {
		r.Handle("/metrics/export", promhttp.HandlerFor(s.sink.Registry(), promhttp.HandlerOpts{}))
	}

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleIngest accepts either a single Sample object or a JSON array
// of Samples (§4.6 "one MetricSample or a batch per message").
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": "bad_request"})
		return
	}

	var batch []Sample
	if err := json.Unmarshal(body, &batch); err == nil {
		s.store.IngestBatch(batch)
		writeJSON(w, http.StatusOK, map[string]int{"ingested": len(batch)})
		return
	}

	var single Sample
	if err := json.Unmarshal(body, &single); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": "bad_request"})
		return
	}
	s.store.Ingest(single)
	writeJSON(w, http.StatusOK, map[string]int{"ingested": 1})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	window := time.Duration(0)
	if windowS := r.URL.Query().Get("window_s"); windowS != "" {
		if secs, err := strconv.Atoi(windowS); err == nil {
			window = time.Duration(secs) * time.Second
		}
	}

	writeJSON(w, http.StatusOK, s.store.Query(name, nil, window))
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.alerts.Rules())
}

func (s *Server) handleSetAlert(w http.ResponseWriter, r *http.Request) {
	var rule AlertRule
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": "bad_request"})
		return
	}
	s.alerts.SetRule(rule)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleDeleteAlert(w http.ResponseWriter, r *http.Request) {
	s.alerts.RemoveRule(chi.URLParam(r, "name"))
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
