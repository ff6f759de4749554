// Package envelope defines the Message that every substrate service
// publishes and receives, plus the validation the wrapper applies
// before a message is dispatched to a handler.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type identifies what kind of message an envelope carries.
type Type string

const (
	TypeRequest   Type = "request"
	TypeResponse  Type = "response"
	TypeEvent     Type = "event"
	TypeCommand   Type = "command"
	TypeHeartbeat Type = "heartbeat"
	TypeError     Type = "error"
)

// Priority is a routing hint only; it never changes delivery order on
// the broker itself.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Reason enumerates the error taxonomy of §7. Every error Message's
// Payload carries one of these under the "reason" key.
type Reason string

const (
	ReasonBadRequest         Reason = "bad_request"
	ReasonUnauthorized       Reason = "unauthorized"
	ReasonForbidden          Reason = "forbidden"
	ReasonNotFound           Reason = "not_found"
	ReasonTimeout            Reason = "timeout"
	ReasonTimeoutSTT         Reason = "timeout_stt"
	ReasonTimeoutAI          Reason = "timeout_ai"
	ReasonTimeoutTTS         Reason = "timeout_tts"
	ReasonTimeoutGeneric     Reason = "timeout_generic"
	ReasonServiceUnavailable Reason = "service_unavailable"
	ReasonOverloaded         Reason = "overloaded"
	ReasonUpstreamError      Reason = "upstream_error"
	ReasonDecryptFailed      Reason = "decrypt_failed"
	ReasonPolicyDenied       Reason = "policy_denied"
	ReasonInternal           Reason = "internal"
)

// Security describes the optional encryption block carried by an
// envelope whose payload is classified sensitive (§4.2).
type Security struct {
	Encryption string `json:"encryption"` // always "aes-256-gcm" today
	KeyID      string `json:"key_id"`
	Nonce      string `json:"nonce"` // base64, 96 bits decoded
	Signature  string `json:"signature,omitempty"`
}

// Routing tracks hop count and path for loop detection (§4.1, testable
// property #2).
type Routing struct {
	Hops    int      `json:"hops"`
	MaxHops int      `json:"max_hops"`
	Route   []string `json:"route,omitempty"`
}

// Message is the bus envelope. Fields absent from the wire payload are
// the Go zero value and must be treated as "absent", never as a valid
// value of that type.
type Message struct {
	MessageID     string          `json:"message_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Source        string          `json:"source"`
	Destination   string          `json:"destination"`
	MessageType   Type            `json:"message_type"`
	Priority      Priority        `json:"priority,omitempty"`
	TTLSeconds    int             `json:"ttl_seconds"`
	ContentType   string          `json:"content_type,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Security      *Security       `json:"security,omitempty"`
	Routing       Routing         `json:"routing"`
}

// NewMessageID returns a fresh UUIDv4 message id.
func NewMessageID() string {
	return uuid.NewString()
}

// Expired reports whether the message's TTL has elapsed as of now.
func (m *Message) Expired(now time.Time) bool {
	if m.TTLSeconds <= 0 {
		return false
	}
	return now.After(m.Timestamp.Add(time.Duration(m.TTLSeconds) * time.Second))
}

// LoopDetected reports whether the envelope has exhausted its hop
// budget (§4.1 "hops ≥ max_hops → drop").
func (m *Message) LoopDetected() bool {
	if m.Routing.MaxHops <= 0 {
		return false
	}
	return m.Routing.Hops >= m.Routing.MaxHops
}

// AdvanceHop returns a copy of the message with Hops incremented and
// the given service name appended to the route, for forwarding along a
// routed chain. The original message is not mutated.
func (m Message) AdvanceHop(service string) Message {
	next := m
	next.Routing.Hops = m.Routing.Hops + 1
	route := make([]string, len(m.Routing.Route), len(m.Routing.Route)+1)
	copy(route, m.Routing.Route)
	next.Routing.Route = append(route, service)
	return next
}

// Validate checks the structural invariants described in §3:
// responses must carry a correlation id, message type must be one of
// the known values, and ttl must be non-negative.
func (m *Message) Validate() error {
	if m.MessageID == "" {
		return fmt.Errorf("%w: missing message_id", ErrBadEnvelope)
	}
	switch m.MessageType {
	case TypeRequest, TypeResponse, TypeEvent, TypeCommand, TypeHeartbeat, TypeError:
	default:
		return fmt.Errorf("%w: unknown message_type %q", ErrBadEnvelope, m.MessageType)
	}
	if m.MessageType == TypeResponse && m.CorrelationID == "" {
		return fmt.Errorf("%w: response missing correlation_id", ErrBadEnvelope)
	}
	if m.TTLSeconds < 0 {
		return fmt.Errorf("%w: negative ttl_seconds", ErrBadEnvelope)
	}
	if m.Routing.MaxHops < 0 || m.Routing.Hops < 0 {
		return fmt.Errorf("%w: negative hop count", ErrBadEnvelope)
	}
	return nil
}

// ErrBadEnvelope is wrapped by every Validate failure so callers can
// test with errors.Is and map straight to the bad_request taxonomy
// entry (§7).
var ErrBadEnvelope = fmt.Errorf("bad_request")

// NewError builds a response-shaped error envelope replying to req,
// with reason and userMessage encoded in the payload as
// {"status":"failed","reason":...,"user_message":...}.
func NewError(source string, req *Message, reason Reason, userMessage string) Message {
	payload, _ := json.Marshal(map[string]string{
		"status":       "failed",
		"reason":       string(reason),
		"user_message": userMessage,
	})
	msg := Message{
		MessageID:   NewMessageID(),
		Timestamp:   time.Now().UTC(),
		Source:      source,
		MessageType: TypeError,
		TTLSeconds:  30,
		ContentType: "application/json",
		Payload:     payload,
	}
	if req != nil {
		msg.CorrelationID = req.MessageID
		msg.Destination = req.Source
		msg.Routing = req.Routing
	}
	return msg
}
