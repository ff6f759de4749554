package voicerouter

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicia-project/alicia-core/internal/envelope"
)

// fakeResolver maps a capability name directly to a topic of the same
// name, so fakePublisher can dispatch on capability without any extra
// indirection.
type fakeResolver struct {
	missing map[string]bool
}

func (f *fakeResolver) Resolve(ctx context.Context, capability string) (Endpoint, error) {
	if f.missing[capability] {
		return Endpoint{}, ErrNoCandidate
	}
	return Endpoint{InstanceID: "i1", Topic: capability}, nil
}

type requestFunc func(callNum int, payload json.RawMessage) (*envelope.Message, error)

// fakePublisher implements Publisher. Request dispatches on destTopic
// to a configured requestFunc; Publish just records every message.
type fakePublisher struct {
	mu        sync.Mutex
	handlers  map[string]requestFunc
	calls     map[string]int
	published []topicMsg
}

type topicMsg struct {
	topic string
	msg   envelope.Message
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{handlers: map[string]requestFunc{}, calls: map[string]int{}}
}

func (f *fakePublisher) on(topic string, fn requestFunc) {
	f.handlers[topic] = fn
}

func (f *fakePublisher) Publish(ctx context.Context, topic string, msg envelope.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, topicMsg{topic: topic, msg: msg})
	return nil
}

func (f *fakePublisher) Request(ctx context.Context, destTopic string, payload json.RawMessage, timeout time.Duration) (*envelope.Message, error) {
	f.mu.Lock()
	fn, ok := f.handlers[destTopic]
	f.calls[destTopic]++
	call := f.calls[destTopic]
	f.mu.Unlock()
	if !ok {
		return nil, wrapperTimeout()
	}
	return fn(call, payload)
}

func wrapperTimeout() error {
	return contextDeadlineErr{}
}

type contextDeadlineErr struct{}

func (contextDeadlineErr) Error() string { return "request timed out" }

func (f *fakePublisher) transitions() []State {
	f.mu.Lock()
	defer f.mu.Unlock()
	var states []State
	for _, tm := range f.published {
		if tm.topic != TopicState {
			continue
		}
		var body map[string]string
		_ = json.Unmarshal(tm.msg.Payload, &body)
		states = append(states, State(body["state"]))
	}
	return states
}

func (f *fakePublisher) results() []envelope.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []envelope.Message
	for _, tm := range f.published {
		if tm.topic == TopicResult {
			out = append(out, tm.msg)
		}
	}
	return out
}

func successResponses(pub *fakePublisher) {
	pub.on(CapabilitySTT, func(call int, payload json.RawMessage) (*envelope.Message, error) {
		body, _ := json.Marshal(sttResponsePayload{Transcript: "turn on the lights", Confidence: 0.9})
		return &envelope.Message{MessageType: envelope.TypeResponse, Payload: body}, nil
	})
	pub.on(CapabilityDialog, func(call int, payload json.RawMessage) (*envelope.Message, error) {
		body, _ := json.Marshal(aiResponsePayload{ReplyText: "turning on the lights"})
		return &envelope.Message{MessageType: envelope.TypeResponse, Payload: body}, nil
	})
	pub.on(CapabilityTTS, func(call int, payload json.RawMessage) (*envelope.Message, error) {
		body, _ := json.Marshal(ttsResponsePayload{AudioBytes: "base64audio"})
		return &envelope.Message{MessageType: envelope.TypeResponse, Payload: body}, nil
	})
}

func newTestRouter(pub *fakePublisher, resolver Resolver) *Router {
	cfg := DefaultConfig()
	return New(pub, resolver, cfg, nil)
}

func routeMsg(payload routeRequest) envelope.Message {
	body, _ := json.Marshal(payload)
	return envelope.Message{MessageID: "req-1", Source: "client", MessageType: envelope.TypeRequest, Payload: body}
}

func TestRouter_HappyPath(t *testing.T) {
	pub := newFakePublisher()
	successResponses(pub)
	r := newTestRouter(pub, &fakeResolver{})

	msg := routeMsg(routeRequest{AudioBytes: "abc", Locale: "en-US"})
	if _, err := r.handleRoute(context.Background(), msg); err != nil {
		t.Fatalf("handleRoute: %v", err)
	}

	results := pub.results()
	if len(results) != 1 {
		t.Fatalf("expected 1 result message, got %d", len(results))
	}
	var body map[string]string
	_ = json.Unmarshal(results[0].Payload, &body)
	if body["status"] != "ok" || body["audio_bytes"] != "base64audio" || body["reply_text"] != "turning on the lights" {
		t.Fatalf("unexpected result payload: %+v", body)
	}

	wantStates := []State{StateSTTPending, StateAIPending, StateTTSPending, StateDone}
	gotStates := pub.transitions()
	if len(gotStates) != len(wantStates) {
		t.Fatalf("transitions = %v, want %v", gotStates, wantStates)
	}
	for i, s := range wantStates {
		if gotStates[i] != s {
			t.Fatalf("transitions[%d] = %v, want %v", i, gotStates[i], s)
		}
	}
}

func TestRouter_LowConfidenceFails(t *testing.T) {
	pub := newFakePublisher()
	pub.on(CapabilitySTT, func(call int, payload json.RawMessage) (*envelope.Message, error) {
		body, _ := json.Marshal(sttResponsePayload{Transcript: "huh", Confidence: 0.2})
		return &envelope.Message{MessageType: envelope.TypeResponse, Payload: body}, nil
	})
	r := newTestRouter(pub, &fakeResolver{})

	msg := routeMsg(routeRequest{AudioBytes: "abc", Locale: "en-US"})
	_, _ = r.handleRoute(context.Background(), msg)

	results := pub.results()
	if len(results) != 1 || results[0].MessageType != envelope.TypeError {
		t.Fatalf("expected one error result, got %+v", results)
	}
	var body map[string]string
	_ = json.Unmarshal(results[0].Payload, &body)
	if body["reason"] != "low_confidence" {
		t.Fatalf("reason = %q, want low_confidence", body["reason"])
	}
}

func TestRouter_RetriesOnceOnServiceUnavailable(t *testing.T) {
	pub := newFakePublisher()
	pub.on(CapabilitySTT, func(call int, payload json.RawMessage) (*envelope.Message, error) {
		if call == 1 {
			errBody, _ := json.Marshal(errorPayload{Reason: "service_unavailable"})
			return &envelope.Message{MessageType: envelope.TypeError, Payload: errBody}, nil
		}
		body, _ := json.Marshal(sttResponsePayload{Transcript: "lights on", Confidence: 0.9})
		return &envelope.Message{MessageType: envelope.TypeResponse, Payload: body}, nil
	})
	pub.on(CapabilityDialog, func(call int, payload json.RawMessage) (*envelope.Message, error) {
		body, _ := json.Marshal(aiResponsePayload{ReplyText: "ok"})
		return &envelope.Message{MessageType: envelope.TypeResponse, Payload: body}, nil
	})
	pub.on(CapabilityTTS, func(call int, payload json.RawMessage) (*envelope.Message, error) {
		body, _ := json.Marshal(ttsResponsePayload{AudioBytes: "audio"})
		return &envelope.Message{MessageType: envelope.TypeResponse, Payload: body}, nil
	})
	r := newTestRouter(pub, &fakeResolver{})

	msg := routeMsg(routeRequest{AudioBytes: "abc", Locale: "en-US"})
	_, _ = r.handleRoute(context.Background(), msg)

	results := pub.results()
	if len(results) != 1 {
		t.Fatalf("expected one terminal result after retry, got %+v", results)
	}
	var body map[string]string
	_ = json.Unmarshal(results[0].Payload, &body)
	if body["status"] != "ok" {
		t.Fatalf("expected eventual success after retry, got %+v", body)
	}
}

func TestRouter_NoCandidateIsServiceUnavailable(t *testing.T) {
	pub := newFakePublisher()
	r := newTestRouter(pub, &fakeResolver{missing: map[string]bool{CapabilitySTT: true}})

	msg := routeMsg(routeRequest{AudioBytes: "abc", Locale: "en-US"})
	_, _ = r.handleRoute(context.Background(), msg)

	results := pub.results()
	if len(results) != 1 || results[0].MessageType != envelope.TypeError {
		t.Fatalf("expected an error result, got %+v", results)
	}
	var body map[string]string
	_ = json.Unmarshal(results[0].Payload, &body)
	if body["reason"] != "service_unavailable" {
		t.Fatalf("reason = %q, want service_unavailable", body["reason"])
	}
}

func TestJanitor_ReapsSessionsPastDeadline(t *testing.T) {
	r := newTestRouter(newFakePublisher(), &fakeResolver{})
	r.mu.Lock()
	r.sessions["stale"] = &sessionState{
		session: Session{SessionID: "stale", Deadline: time.Now().Add(-5 * time.Second)},
		cancel:  func() {},
		done:    make(chan struct{}),
	}
	r.sessions["fresh"] = &sessionState{
		session: Session{SessionID: "fresh", Deadline: time.Now().Add(time.Minute)},
		cancel:  func() {},
		done:    make(chan struct{}),
	}
	r.mu.Unlock()

	r.reapExpired(time.Now())

	if r.SessionCount() != 1 {
		t.Fatalf("expected stale session reaped, SessionCount = %d", r.SessionCount())
	}
}
