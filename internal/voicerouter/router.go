// Package voicerouter implements the Voice Router (§4.4): a
// session-scoped state machine that orchestrates a voice command
// through speech-to-text, dialog, and text-to-speech capabilities
// looked up from the registry, enforcing an overall deadline split into
// sub-budgets per hop. It is the canonical multi-hop, session-scoped
// request the substrate was built to carry (§1), adapted from
// the teacher's envelope/request-response idiom in internal/wrapper
// rather than any single teacher file — the state machine itself has
// no analogue in the teacher, which is a single-process assistant with
// no multi-hop session concept.
package voicerouter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alicia-project/alicia-core/internal/envelope"
	"github.com/alicia-project/alicia-core/internal/wrapper"
)

// Bus topics the router owns (§4.4).
const (
	TopicRoute  = "alicia/voice/command/route"
	TopicCancel = "alicia/voice/command/cancel"
	TopicResult = "alicia/voice/command/result"
	TopicState  = "alicia/voice/session/state"
)

// Capability names looked up from the registry per pipeline step.
const (
	CapabilitySTT     = "speech_to_text"
	CapabilityDialog  = "dialog"
	CapabilityTTS     = "text_to_speech"
)

// Publisher is the subset of *wrapper.Service the router needs. Kept
// as an interface so tests can drive the pipeline without a live
// broker connection.
type Publisher interface {
	Publish(ctx context.Context, topic string, msg envelope.Message) error
	Request(ctx context.Context, destTopic string, payload json.RawMessage, timeout time.Duration) (*envelope.Message, error)
}

// Config holds the Voice Router's tunables, sourced from
// config.VoiceRouterConfig (§4.4's named defaults).
type Config struct {
	DefaultDeadline     time.Duration
	MaxDeadline         time.Duration
	ConfidenceThreshold float64

	STTBudgetFraction float64
	AIBudgetFraction  float64
	TTSSafetyMargin   time.Duration

	RetryMinRemainingFraction float64

	JanitorInterval time.Duration
}

// DefaultConfig returns §4.4's literal defaults.
func DefaultConfig() Config {
	return Config{
		DefaultDeadline:           8000 * time.Millisecond,
		MaxDeadline:               15000 * time.Millisecond,
		ConfidenceThreshold:       0.55,
		STTBudgetFraction:         0.4,
		AIBudgetFraction:          0.4,
		TTSSafetyMargin:           200 * time.Millisecond,
		RetryMinRemainingFraction: 0.25,
		JanitorInterval:           time.Second,
	}
}

// Router is the Voice Router's in-process state.
type Router struct {
	pub      Publisher
	resolver Resolver
	cfg      Config
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// New constructs a Router. pub is usually a *wrapper.Service; resolver
// is usually a *RegistryResolver pointed at the registry's HTTP bind.
func New(pub Publisher, resolver Resolver, cfg Config, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		pub:      pub,
		resolver: resolver,
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*sessionState),
	}
}

// Attach registers the route and cancel handlers on svc.
func (r *Router) Attach(svc *wrapper.Service) error {
	if err := svc.RegisterHandler(TopicRoute, r.handleRoute); err != nil {
		return err
	}
	return svc.RegisterHandler(TopicCancel, r.handleCancel)
}

// RunJanitor reaps sessions whose deadline plus one second has passed,
// until ctx is cancelled (testable property: sessions never accumulate
// past deadline+1s).
func (r *Router) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reapExpired(time.Now())
		}
	}
}

func (r *Router) reapExpired(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, st := range r.sessions {
		if now.After(st.session.Deadline.Add(time.Second)) {
			delete(r.sessions, id)
		}
	}
}

// SessionCount reports how many sessions the router currently tracks.
// Exposed for tests and the health surface.
func (r *Router) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

type routeRequest struct {
	SessionID  string `json:"session_id,omitempty"`
	AudioBytes string `json:"audio_bytes"`
	Locale     string `json:"locale"`
	DeadlineMS int    `json:"deadline_ms,omitempty"`
}

type cancelRequest struct {
	SessionID string `json:"session_id"`
}

func (r *Router) handleRoute(ctx context.Context, msg envelope.Message) (*envelope.Message, error) {
	var req routeRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return nil, fmt.Errorf("voicerouter: bad route payload: %w", err)
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	deadlineMS := req.DeadlineMS
	if deadlineMS <= 0 {
		deadlineMS = int(r.cfg.DefaultDeadline / time.Millisecond)
	}
	if max := int(r.cfg.MaxDeadline / time.Millisecond); deadlineMS > max {
		deadlineMS = max
	}

	now := time.Now()
	deadline := now.Add(time.Duration(deadlineMS) * time.Millisecond)

	sessCtx, cancel := context.WithDeadline(context.Background(), deadline)
	st := &sessionState{
		session: Session{SessionID: sessionID, State: StateInit, StartedAt: now, Deadline: deadline},
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	r.mu.Lock()
	r.sessions[sessionID] = st
	r.mu.Unlock()

	r.runPipeline(sessCtx, st, msg, req)
	return nil, nil
}

func (r *Router) handleCancel(ctx context.Context, msg envelope.Message) (*envelope.Message, error) {
	var req cancelRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return nil, fmt.Errorf("voicerouter: bad cancel payload: %w", err)
	}

	r.mu.Lock()
	st, ok := r.sessions[req.SessionID]
	r.mu.Unlock()
	if !ok {
		return nil, nil
	}

	if st.isTerminal() || st.finished() {
		return nil, nil
	}

	st.setState(StateCancelled)
	st.cancel()
	return nil, nil
}
