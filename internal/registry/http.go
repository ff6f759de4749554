package registry

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// VerifyFunc authenticates a bearer token and returns the subject
// (service_name) it was issued to. Injected so the registry package
// never imports the security gateway's concrete token format directly
// — only cmd/registry wires the two together.
type VerifyFunc func(token string) (subject string, err error)

// Server serves the registry's HTTP read surface plus the Discovery-only
// write API (§4.3).
type Server struct {
	reg    *Registry
	verify VerifyFunc
	// writerSubject is the only token subject permitted to call the
	// write endpoints — "discovery" per §4.3.
	writerSubject string
}

// NewServer constructs a Server. verify may be nil in tests, in which
// case write endpoints are unauthenticated (never do this in production;
// cmd/registry always wires a real verifier).
func NewServer(reg *Registry, verify VerifyFunc, writerSubject string) *Server {
	if writerSubject == "" {
		writerSubject = "discovery"
	}
	return &Server{reg: reg, verify: verify, writerSubject: writerSubject}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/devices", s.handleListDevices)
	r.Get("/services", s.handleListServices)
	r.Get("/services/by-capability/{cap}", s.handleByCapability)
	r.Get("/services/{service_name}/instances", s.handleInstances)

	r.Group(func(r chi.Router) {
		r.Use(s.requireWriter)
		r.Post("/services/register", s.handleRegister)
		r.Post("/services/heartbeat", s.handleHeartbeat)
		r.Post("/services/unregister", s.handleUnregister)
		r.Post("/devices/register", s.handleRegisterDevice)
	})

	return r
}

func (s *Server) requireWriter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.verify == nil {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		subject, err := s.verify(token)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"reason": "unauthorized"})
			return
		}
		if subject != s.writerSubject {
			writeJSON(w, http.StatusForbidden, map[string]string{"reason": "forbidden"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.Devices())
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.Services())
}

func (s *Server) handleByCapability(w http.ResponseWriter, r *http.Request) {
	cap := chi.URLParam(r, "cap")
	writeJSON(w, http.StatusOK, s.reg.LookupByCapability(cap))
}

func (s *Server) handleInstances(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "service_name")
	writeJSON(w, http.StatusOK, s.reg.ServiceInstances(name))
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": "bad_request"})
		return
	}
	if err := ValidateServiceDescriptor(body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": "bad_request", "detail": err.Error()})
		return
	}
	var desc ServiceDescriptor
	if err := json.Unmarshal(body, &desc); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": "bad_request"})
		return
	}
	if err := s.reg.Register(desc); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"reason": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type heartbeatRequest struct {
	InstanceID string `json:"instance_id"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": "bad_request"})
		return
	}
	if err := s.reg.Heartbeat(req.InstanceID); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"reason": "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type unregisterRequest struct {
	InstanceID string `json:"instance_id"`
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	var req unregisterRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": "bad_request"})
		return
	}
	s.reg.Unregister(req.InstanceID)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": "bad_request"})
		return
	}
	if err := ValidateDeviceDescriptor(body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": "bad_request", "detail": err.Error()})
		return
	}
	var desc DeviceDescriptor
	if err := json.Unmarshal(body, &desc); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"reason": "bad_request"})
		return
	}
	s.reg.RegisterDevice(desc)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func decodeBody(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
