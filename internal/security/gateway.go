package security

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Gateway exposes the admission HTTP API: POST /auth/service,
// POST /auth/verify, POST /keys/rotate (§4.2).
type Gateway struct {
	ca      *CA
	signer  *TokenSigner
	keys    *KeyRing
	tokenTTL time.Duration
	logger  *slog.Logger

	limiter *ipRateLimiter

	mu          sync.Mutex
	sensitive   map[string]string // topic prefix -> owning service_name
}

// NewGateway constructs a Gateway. tokenTTL is the lifetime of issued
// bearer tokens (§6 default 3600s via security.token_ttl_s).
func NewGateway(ca *CA, signer *TokenSigner, keys *KeyRing, tokenTTL time.Duration, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		ca:        ca,
		signer:    signer,
		keys:      keys,
		tokenTTL:  tokenTTL,
		logger:    logger,
		limiter:   newIPRateLimiter(10, time.Minute),
		sensitive: make(map[string]string),
	}
}

// Handler returns the chi router serving the admission API.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Post("/auth/service", g.handleAuthService)
	r.Post("/auth/verify", g.handleAuthVerify)
	r.Post("/keys/rotate", g.handleKeysRotate)
	r.Post("/topics/declare", g.handleDeclareTopics)

	return r
}

type authServiceResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
	TokenType string `json:"token_type"`
}

func (g *Gateway) handleAuthService(w http.ResponseWriter, r *http.Request) {
	if !g.limiter.Allow(clientIP(r)) {
		writeAuthError(w, http.StatusTooManyRequests)
		return
	}

	certPEM, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		writeAuthError(w, http.StatusBadRequest)
		return
	}

	serviceName, err := g.ca.VerifyServiceCert(certPEM)
	if err != nil {
		g.logger.Warn("service auth denied", "remote_addr", clientIP(r), "error", err)
		writeAuthError(w, http.StatusUnauthorized)
		return
	}

	token, claims, err := g.signer.Issue(serviceName, ScopesForService(serviceName), g.tokenTTL)
	if err != nil {
		g.logger.Error("token issue failed", "error", err)
		writeAuthError(w, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, authServiceResponse{
		Token:     token,
		ExpiresAt: time.Unix(claims.ExpiresAt, 0).UTC().Format(time.RFC3339),
		TokenType: "bearer",
	})
}

type authVerifyRequest struct {
	Token string `json:"token"`
}

type authVerifyResponse struct {
	Valid     bool     `json:"valid"`
	Subject   string   `json:"subject,omitempty"`
	Scopes    []string `json:"scopes,omitempty"`
	ExpiresAt string   `json:"expires_at,omitempty"`
}

func (g *Gateway) handleAuthVerify(w http.ResponseWriter, r *http.Request) {
	var req authVerifyRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 8*1024)).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, authVerifyResponse{Valid: false})
		return
	}

	claims, err := g.signer.Verify(req.Token, time.Now())
	if err != nil {
		writeJSON(w, http.StatusOK, authVerifyResponse{Valid: false})
		return
	}

	writeJSON(w, http.StatusOK, authVerifyResponse{
		Valid:     true,
		Subject:   claims.Subject,
		Scopes:    claims.Scopes,
		ExpiresAt: time.Unix(claims.ExpiresAt, 0).UTC().Format(time.RFC3339),
	})
}

type keysRotateResponse struct {
	KeyID          string `json:"key_id"`
	GracePeriodSec int    `json:"grace_period_s"`
}

func (g *Gateway) handleKeysRotate(w http.ResponseWriter, r *http.Request) {
	keyID := g.keys.Rotate()
	g.logger.Info("message key rotated", "key_id", keyID)
	writeJSON(w, http.StatusOK, keysRotateResponse{
		KeyID:          keyID,
		GracePeriodSec: int(g.keys.gracePeriod.Seconds()),
	})
}

type declareTopicsRequest struct {
	ServiceName string   `json:"service_name"`
	Topics      []string `json:"sensitive_topics"`
}

// handleDeclareTopics implements §4.2's registration-time policy:
// "services declare which of their topics carry sensitive payloads at
// registration; the gateway rejects registrations whose declared
// topics conflict with another live registration."
func (g *Gateway) handleDeclareTopics(w http.ResponseWriter, r *http.Request) {
	var req declareTopicsRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 16*1024)).Decode(&req); err != nil {
		writeAuthError(w, http.StatusBadRequest)
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, topic := range req.Topics {
		if owner, exists := g.sensitive[topic]; exists && owner != req.ServiceName {
			writeJSON(w, http.StatusConflict, map[string]string{
				"reason": "topic_conflict",
				"topic":  topic,
				"owner":  owner,
			})
			return
		}
	}
	for _, topic := range req.Topics {
		g.sensitive[topic] = req.ServiceName
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func clientIP(r *http.Request) string {
	if idx := strings.LastIndex(r.RemoteAddr, ":"); idx > 0 {
		return r.RemoteAddr[:idx]
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeAuthError always reports the generic invalid_credential reason
// externally (§4.2 "auth failures are reported with generic reasons");
// detail goes to the logger call at the point of failure, never here.
func writeAuthError(w http.ResponseWriter, status int) {
	writeJSON(w, status, map[string]string{"reason": "invalid_credential"})
}

// ipRateLimiter is a fixed-window per-IP limiter: at most max requests
// per window, reset when the window elapses. Good enough for the
// admission endpoint's abuse-resistance goal without pulling in a
// dedicated rate-limiting dependency that nothing else in the gateway
// needs.
type ipRateLimiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	hits   map[string]*windowCount
}

type windowCount struct {
	count int
	resetAt time.Time
}

func newIPRateLimiter(max int, window time.Duration) *ipRateLimiter {
	return &ipRateLimiter{max: max, window: window, hits: make(map[string]*windowCount)}
}

func (l *ipRateLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	wc, ok := l.hits[ip]
	if !ok || now.After(wc.resetAt) {
		wc = &windowCount{count: 0, resetAt: now.Add(l.window)}
		l.hits[ip] = wc
	}
	wc.count++
	return wc.count <= l.max
}
