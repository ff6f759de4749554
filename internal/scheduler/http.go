package scheduler

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server exposes the scheduler's operational API (§4.7): CRUD over
// events, manual trigger, and execution history listing.
type Server struct {
	sched *Scheduler
}

// NewServer constructs a Server over sched.
func NewServer(sched *Scheduler) *Server {
	return &Server{sched: sched}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/events", s.handleList)
	r.Post("/events", s.handleCreate)
	r.Get("/events/{id}", s.handleGet)
	r.Put("/events/{id}", s.handleUpdate)
	r.Delete("/events/{id}", s.handleDelete)
	r.Post("/events/{id}/trigger", s.handleTrigger)
	r.Get("/events/{id}/executions", s.handleExecutions)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	events, err := s.sched.ListEvents()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"reason": "internal"})
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var ev ScheduledEvent
	if !decodeBody(w, r, &ev) {
		return
	}
	if err := s.sched.CreateEvent(r.Context(), &ev); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": "bad_request", "detail": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	ev, err := s.sched.GetEvent(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"reason": "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var ev ScheduledEvent
	if !decodeBody(w, r, &ev) {
		return
	}
	ev.EventID = chi.URLParam(r, "id")
	if err := s.sched.UpdateEvent(r.Context(), &ev); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": "bad_request", "detail": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.DeleteEvent(chi.URLParam(r, "id")); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"reason": "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.Trigger(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"reason": "not_found"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"triggered": true})
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	execs, err := s.sched.ListExecutions(chi.URLParam(r, "id"), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"reason": "internal"})
		return
	}
	writeJSON(w, http.StatusOK, execs)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": "bad_request"})
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": "bad_request"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
