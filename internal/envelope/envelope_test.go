package envelope

import (
	"errors"
	"testing"
	"time"
)

func TestValidate_ResponseRequiresCorrelationID(t *testing.T) {
	m := &Message{MessageID: "a", MessageType: TypeResponse}
	err := m.Validate()
	if !errors.Is(err, ErrBadEnvelope) {
		t.Fatalf("expected ErrBadEnvelope, got %v", err)
	}
}

func TestValidate_UnknownType(t *testing.T) {
	m := &Message{MessageID: "a", MessageType: "bogus"}
	if err := m.Validate(); !errors.Is(err, ErrBadEnvelope) {
		t.Fatalf("expected ErrBadEnvelope, got %v", err)
	}
}

func TestValidate_OK(t *testing.T) {
	m := &Message{MessageID: "a", MessageType: TypeEvent}
	if err := m.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestExpired(t *testing.T) {
	now := time.Now()
	m := &Message{Timestamp: now.Add(-10 * time.Second), TTLSeconds: 5}
	if !m.Expired(now) {
		t.Fatal("expected expired message")
	}

	m2 := &Message{Timestamp: now, TTLSeconds: 0}
	if m2.Expired(now.Add(time.Hour)) {
		t.Fatal("ttl_seconds=0 should never expire")
	}
}

func TestLoopDetected(t *testing.T) {
	m := &Message{Routing: Routing{Hops: 3, MaxHops: 3}}
	if !m.LoopDetected() {
		t.Fatal("expected loop detected when hops == max_hops")
	}

	m2 := &Message{Routing: Routing{Hops: 2, MaxHops: 3}}
	if m2.LoopDetected() {
		t.Fatal("did not expect loop detected when hops < max_hops")
	}
}

func TestAdvanceHop_DoesNotMutateOriginal(t *testing.T) {
	orig := Message{Routing: Routing{Hops: 0, MaxHops: 5, Route: []string{"gateway"}}}
	next := orig.AdvanceHop("registry")

	if orig.Routing.Hops != 0 {
		t.Fatalf("original hops mutated: %d", orig.Routing.Hops)
	}
	if len(orig.Routing.Route) != 1 {
		t.Fatalf("original route mutated: %v", orig.Routing.Route)
	}
	if next.Routing.Hops != 1 {
		t.Fatalf("next hops = %d, want 1", next.Routing.Hops)
	}
	if len(next.Routing.Route) != 2 || next.Routing.Route[1] != "registry" {
		t.Fatalf("next route = %v", next.Routing.Route)
	}
}

func TestNewError_CopiesCorrelationAndRouting(t *testing.T) {
	req := &Message{
		MessageID: "req-1",
		Source:    "caller",
		Routing:   Routing{Hops: 2, MaxHops: 10},
	}
	errMsg := NewError("voicerouter", req, ReasonTimeoutAI, "timed out")

	if errMsg.CorrelationID != "req-1" {
		t.Errorf("CorrelationID = %q, want req-1", errMsg.CorrelationID)
	}
	if errMsg.Destination != "caller" {
		t.Errorf("Destination = %q, want caller", errMsg.Destination)
	}
	if errMsg.Routing.Hops != 2 {
		t.Errorf("Routing.Hops = %d, want 2", errMsg.Routing.Hops)
	}
	if err := errMsg.Validate(); err != nil {
		t.Fatalf("generated error envelope failed validation: %v", err)
	}
}
