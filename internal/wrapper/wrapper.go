// Package wrapper implements the Service Wrapper every substrate
// process embeds: it owns the broker connection, dispatches inbound
// messages to registered handlers, runs the heartbeat loop, and serves
// the HTTP health endpoint. The connect/subscribe/dispatch shape is
// generalized into a handler-registry and request/response waiter
// model shared by every process.
package wrapper

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alicia-project/alicia-core/internal/aclfile"
	"github.com/alicia-project/alicia-core/internal/config"
	"github.com/alicia-project/alicia-core/internal/envelope"
	"github.com/alicia-project/alicia-core/internal/transport/mqtt"
)

// HeartbeatTopic is the well-known topic every service publishes its
// liveness beacon to (§4.1, §4.3).
const HeartbeatTopic = "alicia/system/discovery/heartbeat"

// RegisterTopic and UnregisterTopic are the discovery lifecycle topics.
// Shutdown publishes an offline event to UnregisterTopic; Start does
// not publish to RegisterTopic.
const (
	RegisterTopic   = "alicia/system/discovery/register"
	UnregisterTopic = "alicia/system/discovery/unregister"
	LoopTopic       = "alicia/system/routing/loop"
)

// Status is the health endpoint's coarse verdict.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Handler processes a single inbound message. Returning a non-nil
// *envelope.Message causes the wrapper to publish it as the response
// when the inbound message was a request; for any other message type
// the returned response, if any, is ignored.
type Handler func(ctx context.Context, msg envelope.Message) (*envelope.Message, error)

// ReadinessCheck reports whether the service is fit to serve traffic.
// A non-nil error marks the health endpoint unhealthy. Registered via
// [WithReadinessCheck]; a service with none is healthy whenever the
// broker connection is up.
type ReadinessCheck func() error

// Option configures a Service before Start.
type Option func(*Service)

// WithReadinessCheck attaches an additional readiness check consulted
// by the health endpoint.
func WithReadinessCheck(name string, check ReadinessCheck) Option {
	return func(s *Service) {
		s.readiness = append(s.readiness, namedCheck{name: name, fn: check})
	}
}

// WithACL enables defense-in-depth topic enforcement (§6 "ACL file
// restricts topic prefixes per principal"): acl is consulted on every
// Publish and subscription even when the broker already enforces its
// own ACLs, so a misconfigured broker never silently widens a
// service's reach.
func WithACL(acl *aclfile.File) Option {
	return func(s *Service) { s.acl = acl }
}

type namedCheck struct {
	name string
	fn   ReadinessCheck
}

type waiter struct {
	ch        chan envelope.Message
	createdAt time.Time
	timeout   time.Duration
}

type handlerEntry struct {
	filter string
	fn     Handler
}

// Service is the Service Wrapper. Zero value is not usable; construct
// with [New].
type Service struct {
	cfg    config.Config
	logger *slog.Logger
	conn   mqtt.Conn

	mu       sync.Mutex
	handlers []handlerEntry
	waiters  map[string]*waiter

	inflight   int64
	startedAt  time.Time
	lastEvent  atomicTime
	flapped    atomicTime
	connected  atomicBool
	shutdownCh chan struct{}
	drainWG    sync.WaitGroup

	health *http.Server

	readiness []namedCheck

	acl *aclfile.File

	publishedTopics map[string]struct{}
}

// New constructs a Service for the named component. It does not dial
// the broker; call [Service.Start] to do that.
func New(cfg config.Config, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		cfg:             cfg,
		logger:          logger,
		waiters:         make(map[string]*waiter),
		shutdownCh:      make(chan struct{}),
		publishedTopics: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// RegisterHandler dispatches inbound messages whose topic matches the
// MQTT wildcard filter to fn. Exactly one handler may be registered per
// filter; registering the same filter twice returns an error (§4.1).
// Must be called before Start.
func (s *Service) RegisterHandler(filter string, fn Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.handlers {
		if h.filter == filter {
			return fmt.Errorf("wrapper: handler already registered for filter %q", filter)
		}
	}
	s.handlers = append(s.handlers, handlerEntry{filter: filter, fn: fn})
	return nil
}

// Start connects to the broker, subscribes to the baseline topic set
// (the heartbeat topic plus every registered handler filter), launches
// the heartbeat loop, and serves the health endpoint. It returns once
// the initial connection attempt succeeds or DefaultConnectTimeout
// elapses.
func (s *Service) Start(ctx context.Context) error {
	s.startedAt = time.Now()
	s.lastEvent.Set(s.startedAt)

	filters := s.baselineFilters()

	conn, err := mqtt.Connect(ctx, s.cfg.MQTT, s.logger,
		mqtt.WithClientID(s.cfg.Service.Name+"-"+s.cfg.Service.InstanceID),
		mqtt.WithWill(s.serviceTopic("offline")),
		mqtt.WithOnConnectionUp(func() {
			s.connected.Set(true)
			s.lastEvent.Set(time.Now())
			if err := s.subscribe(context.Background(), filters); err != nil {
				s.logger.Error("resubscribe failed", "error", err)
			}
		}),
		mqtt.WithOnConnectError(func(err error) {
			wasConnected := s.connected.Swap(false)
			if wasConnected {
				s.flapped.Set(time.Now())
			}
			s.logger.Warn("broker connect error", "error", err)
		}),
		mqtt.WithOnMessage(s.dispatch),
	)
	if err != nil {
		return fmt.Errorf("wrapper start: %w", err)
	}
	s.conn = conn

	connectCtx, cancel := context.WithTimeout(ctx, mqtt.DefaultConnectTimeout)
	defer cancel()
	if err := conn.AwaitConnection(connectCtx); err != nil {
		return fmt.Errorf("wrapper start: broker unreachable: %w", err)
	}

	go s.heartbeatLoop(ctx)
	s.startHealthServer()

	return nil
}

func (s *Service) baselineFilters() []string {
	set := map[string]struct{}{HeartbeatTopic: {}}
	s.mu.Lock()
	for _, h := range s.handlers {
		set[h.filter] = struct{}{}
	}
	s.mu.Unlock()

	filters := make([]string, 0, len(set))
	for f := range set {
		filters = append(filters, f)
	}
	return filters
}

func (s *Service) subscribe(ctx context.Context, filters []string) error {
	if s.acl != nil {
		allowed := filters[:0]
		for _, f := range filters {
			if s.acl.AllowsSubscribe(s.cfg.Service.Name, f) {
				allowed = append(allowed, f)
			} else {
				s.logger.Warn("acl: subscribe denied", "filter", f)
			}
		}
		filters = allowed
	}
	if len(filters) == 0 {
		return nil
	}
	return s.conn.Subscribe(ctx, filters...)
}

// Publish fills in source/timestamp/message_id when absent, validates
// the envelope, and publishes it at the QoS §4.1 requires for its
// message_type.
func (s *Service) Publish(ctx context.Context, topic string, msg envelope.Message) error {
	if msg.MessageID == "" {
		msg.MessageID = envelope.NewMessageID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.Source == "" {
		msg.Source = s.cfg.Service.Name
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("wrapper publish: %w", err)
	}
	if s.acl != nil && !s.acl.AllowsPublish(s.cfg.Service.Name, topic) {
		return fmt.Errorf("wrapper publish: %w: %s may not publish to %s", ErrForbidden, s.cfg.Service.Name, topic)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("wrapper publish: marshal: %w", err)
	}

	qos := mqtt.QoSForType(string(msg.MessageType))
	if err := s.conn.Publish(ctx, topic, body, qos, false); err != nil {
		return err
	}

	s.mu.Lock()
	s.publishedTopics[topic] = struct{}{}
	s.mu.Unlock()
	return nil
}

// Request publishes a request envelope to destTopic and blocks until a
// response with a matching correlation_id arrives or timeout elapses.
// Concurrent Requests are independent: each registers its own one-shot
// waiter keyed by the generated message_id.
func (s *Service) Request(ctx context.Context, destTopic string, payload json.RawMessage, timeout time.Duration) (*envelope.Message, error) {
	req := envelope.Message{
		MessageID:   envelope.NewMessageID(),
		Timestamp:   time.Now().UTC(),
		Source:      s.cfg.Service.Name,
		MessageType: envelope.TypeRequest,
		ContentType: "application/json",
		Payload:     payload,
		TTLSeconds:  int(timeout.Seconds()) + 1,
		Routing:     envelope.Routing{MaxHops: 16},
	}

	w := &waiter{ch: make(chan envelope.Message, 1), createdAt: time.Now(), timeout: timeout}
	s.mu.Lock()
	s.waiters[req.MessageID] = w
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiters, req.MessageID)
		s.mu.Unlock()
	}()

	if err := s.Publish(ctx, destTopic, req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-w.ch:
		return &resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("wrapper request: %w", ErrRequestTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.shutdownCh:
		return nil, ErrShuttingDown
	}
}

// ErrRequestTimeout is returned by Request when no response arrives
// within the given timeout.
var ErrRequestTimeout = fmt.Errorf("request timed out")

// ErrShuttingDown is returned by in-flight Requests when Shutdown is
// called before a response arrives.
var ErrShuttingDown = fmt.Errorf("service shutting down")

// ErrForbidden is returned by Publish when the wrapper's ACL (§6, see
// [WithACL]) denies the topic to this service's principal.
var ErrForbidden = fmt.Errorf("forbidden")

// dispatch is the wrapper's single entry point for inbound broker
// messages: it decodes the envelope, applies TTL/loop/malformed
// handling, resolves waiters, and fans out to registered handlers with
// panic recovery translated into the error taxonomy (§4.1 failure
// semantics).
func (s *Service) dispatch(m mqtt.InboundMessage) {
	s.lastEvent.Set(time.Now())

	var msg envelope.Message
	if err := json.Unmarshal(m.Payload, &msg); err != nil {
		s.logger.Warn("dropping malformed envelope", "topic", m.Topic, "error", err)
		return
	}
	if err := msg.Validate(); err != nil {
		s.logger.Warn("dropping invalid envelope", "topic", m.Topic, "error", err)
		return
	}
	if msg.Expired(time.Now()) {
		s.logger.Debug("dropping expired envelope", "topic", m.Topic, "message_id", msg.MessageID)
		return
	}
	if msg.LoopDetected() {
		s.logger.Warn("dropping envelope: loop detected", "topic", m.Topic, "message_id", msg.MessageID)
		loopEvt := envelope.Message{
			MessageType: envelope.TypeError,
			Source:      s.cfg.Service.Name,
			ContentType: "application/json",
		}
		_ = s.Publish(context.Background(), LoopTopic, loopEvt)
		return
	}

	if msg.MessageType == envelope.TypeResponse && msg.CorrelationID != "" {
		s.mu.Lock()
		w, ok := s.waiters[msg.CorrelationID]
		s.mu.Unlock()
		if ok {
			select {
			case w.ch <- msg:
			default:
			}
			return
		}
	}

	handler, ok := s.matchHandler(m.Topic)
	if !ok {
		return
	}

	s.drainWG.Add(1)
	incInflight(&s.inflight, 1)
	go func() {
		defer s.drainWG.Done()
		defer incInflight(&s.inflight, -1)
		s.runHandler(handler, msg, m.Topic)
	}()
}

func (s *Service) runHandler(h Handler, msg envelope.Message, topic string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic", "topic", topic, "panic", r)
			if msg.MessageType == envelope.TypeRequest {
				errResp := envelope.NewError(s.cfg.Service.Name, &msg, envelope.ReasonInternal, "internal error")
				_ = s.Publish(context.Background(), s.responseTopic(msg), errResp)
			}
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	resp, err := h(ctx, msg)
	if err != nil {
		s.logger.Warn("handler error", "topic", topic, "error", err)
		if msg.MessageType == envelope.TypeRequest {
			errResp := envelope.NewError(s.cfg.Service.Name, &msg, envelope.ReasonUpstreamError, err.Error())
			_ = s.Publish(context.Background(), s.responseTopic(msg), errResp)
		}
		return
	}
	if resp != nil && msg.MessageType == envelope.TypeRequest {
		if resp.CorrelationID == "" {
			resp.CorrelationID = msg.MessageID
		}
		_ = s.Publish(ctx, s.responseTopic(msg), *resp)
	}
}

// responseTopic derives the reply topic for a request. Services that
// need a different convention publish their own response directly and
// may ignore the handler's returned envelope by returning nil.
func (s *Service) responseTopic(req envelope.Message) string {
	return req.Source + "/response"
}

func (s *Service) matchHandler(topic string) (Handler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range s.handlers {
		if topicMatches(h.filter, topic) {
			return h.fn, true
		}
	}
	return nil, false
}

// topicMatches implements MQTT wildcard matching for '+' (single
// level) and '#' (multi level, trailing only).
func topicMatches(filter, topic string) bool {
	fParts := strings.Split(filter, "/")
	tParts := strings.Split(topic, "/")

	for i, fp := range fParts {
		if fp == "#" {
			return true
		}
		if i >= len(tParts) {
			return false
		}
		if fp == "+" {
			continue
		}
		if fp != tParts[i] {
			return false
		}
	}
	return len(fParts) == len(tParts)
}

func (s *Service) serviceTopic(suffix string) string {
	return fmt.Sprintf("alicia/system/service/%s/%s", s.cfg.Service.Name, suffix)
}

// Shutdown stops accepting new work, waits up to grace for in-flight
// handlers to drain, publishes a final service.offline event, and
// disconnects from the broker (§4.1).
func (s *Service) Shutdown(ctx context.Context, grace time.Duration) error {
	close(s.shutdownCh)

	drained := make(chan struct{})
	go func() {
		s.drainWG.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(grace):
		s.logger.Warn("shutdown grace period elapsed with handlers still in flight")
	}

	offline := envelope.Message{
		MessageType: envelope.TypeEvent,
		Source:      s.cfg.Service.Name,
		ContentType: "application/json",
	}
	_ = s.Publish(ctx, UnregisterTopic, offline)

	if s.health != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = s.health.Shutdown(shutdownCtx)
	}

	if s.conn != nil {
		return s.conn.Disconnect(ctx)
	}
	return nil
}
