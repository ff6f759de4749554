package loadbalancer

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server exposes the balancer's pool state and a selection endpoint
// callers may poll instead of embedding the Balancer directly (e.g. a
// caller process in another language).
type Server struct {
	bal *Balancer
}

// NewServer constructs a Server around bal.
func NewServer(bal *Balancer) *Server {
	return &Server{bal: bal}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/pools", s.handleListPools)
	r.Get("/pools/{service}", s.handlePoolInstances)
	r.Post("/pools/{service}/select", s.handleSelect)
	r.Post("/pools/{service}/release/{instance}", s.handleRelease)
	r.Post("/pools/{service}/result/{instance}", s.handleRecordResult)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.bal.Services())
}

func (s *Server) handlePoolInstances(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	writeJSON(w, http.StatusOK, s.bal.PoolFor(service).Instances())
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	inst, err := s.bal.Select(service)
	if err != nil {
		switch err.(type) {
		case ErrNoInstances:
			writeJSON(w, http.StatusNotFound, map[string]string{"reason": "not_found"})
		default:
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"reason": "busy"})
		}
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	instance := chi.URLParam(r, "instance")
	s.bal.Release(service, instance)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type resultRequest struct {
	OK     bool    `json:"ok"`
	RTTMs  float64 `json:"rtt_ms"`
}

func (s *Server) handleRecordResult(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	instance := chi.URLParam(r, "instance")
	var req resultRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": "bad_request"})
		return
	}
	s.bal.RecordResult(service, instance, req.OK, req.RTTMs)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
