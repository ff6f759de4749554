package wrapper

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicia-project/alicia-core/internal/aclfile"
	"github.com/alicia-project/alicia-core/internal/config"
	"github.com/alicia-project/alicia-core/internal/envelope"
	"github.com/alicia-project/alicia-core/internal/transport/mqtt"
)

// fakeConn is an in-memory mqtt.Conn double: Publish appends to a log
// instead of touching a broker, letting tests assert what the wrapper
// would have sent.
type fakeConn struct {
	mu        sync.Mutex
	published []published
}

type published struct {
	topic string
	qos   mqtt.QoS
}

func (f *fakeConn) Publish(_ context.Context, topic string, _ []byte, qos mqtt.QoS, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{topic: topic, qos: qos})
	return nil
}

func (f *fakeConn) Subscribe(context.Context, ...string) error  { return nil }
func (f *fakeConn) Disconnect(context.Context) error            { return nil }
func (f *fakeConn) AwaitConnection(context.Context) error       { return nil }

func (f *fakeConn) last() published {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.published) == 0 {
		return published{}
	}
	return f.published[len(f.published)-1]
}

func newTestService() (*Service, *fakeConn) {
	cfg := config.Default()
	cfg.Service.Name = "testsvc"
	cfg.Service.InstanceID = "i1"
	s := New(*cfg, nil)
	fc := &fakeConn{}
	s.conn = fc
	s.connected.Set(true)
	s.startedAt = time.Now()
	return s, fc
}

func TestPublish_FillsDefaultsAndValidates(t *testing.T) {
	s, fc := newTestService()
	msg := envelope.Message{MessageType: envelope.TypeEvent}
	if err := s.Publish(context.Background(), "alicia/test/topic", msg); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if fc.last().topic != "alicia/test/topic" {
		t.Fatalf("published topic = %q", fc.last().topic)
	}
	if fc.last().qos != mqtt.QoSAtMostOnce {
		t.Fatalf("event should publish at QoS 0, got %v", fc.last().qos)
	}
}

func TestPublish_RequestUsesQoS1(t *testing.T) {
	s, fc := newTestService()
	msg := envelope.Message{MessageType: envelope.TypeRequest}
	if err := s.Publish(context.Background(), "alicia/test/req", msg); err != nil {
		t.Fatalf("Publish() error: %v", err)
	}
	if fc.last().qos != mqtt.QoSAtLeastOnce {
		t.Fatalf("request should publish at QoS 1, got %v", fc.last().qos)
	}
}

func TestRegisterHandler_DuplicateFilterFails(t *testing.T) {
	s, _ := newTestService()
	h := func(context.Context, envelope.Message) (*envelope.Message, error) { return nil, nil }
	if err := s.RegisterHandler("alicia/test/+", h); err != nil {
		t.Fatalf("first RegisterHandler: %v", err)
	}
	if err := s.RegisterHandler("alicia/test/+", h); err == nil {
		t.Fatal("expected duplicate filter registration to fail")
	}
}

func TestTopicMatches(t *testing.T) {
	cases := []struct {
		filter, topic string
		want          bool
	}{
		{"alicia/system/discovery/heartbeat", "alicia/system/discovery/heartbeat", true},
		{"alicia/system/+/heartbeat", "alicia/system/discovery/heartbeat", true},
		{"alicia/system/#", "alicia/system/discovery/heartbeat", true},
		{"alicia/system/+/heartbeat", "alicia/system/discovery/heartbeat/extra", false},
		{"alicia/system/discovery/heartbeat", "alicia/system/discovery/other", false},
	}
	for _, c := range cases {
		if got := topicMatches(c.filter, c.topic); got != c.want {
			t.Errorf("topicMatches(%q, %q) = %v, want %v", c.filter, c.topic, got, c.want)
		}
	}
}

func TestDispatch_DropsMalformedEnvelope(t *testing.T) {
	s, _ := newTestService()
	called := false
	_ = s.RegisterHandler("alicia/test/+", func(context.Context, envelope.Message) (*envelope.Message, error) {
		called = true
		return nil, nil
	})
	s.dispatch(mqtt.InboundMessage{Topic: "alicia/test/a", Payload: []byte("not json")})
	time.Sleep(20 * time.Millisecond)
	if called {
		t.Fatal("handler should not run for malformed envelope")
	}
}

func TestDispatch_DropsExpiredEnvelope(t *testing.T) {
	s, _ := newTestService()
	called := false
	_ = s.RegisterHandler("alicia/test/+", func(context.Context, envelope.Message) (*envelope.Message, error) {
		called = true
		return nil, nil
	})
	msg := envelope.Message{
		MessageID:   "m1",
		MessageType: envelope.TypeEvent,
		Timestamp:   time.Now().Add(-time.Hour),
		TTLSeconds:  5,
	}
	body, _ := json.Marshal(msg)
	s.dispatch(mqtt.InboundMessage{Topic: "alicia/test/a", Payload: body})
	time.Sleep(20 * time.Millisecond)
	if called {
		t.Fatal("handler should not run for expired envelope")
	}
}

func TestDispatch_LoopDetectedEmitsLoopEvent(t *testing.T) {
	s, fc := newTestService()
	msg := envelope.Message{
		MessageID:   "m1",
		MessageType: envelope.TypeEvent,
		Timestamp:   time.Now(),
		Routing:     envelope.Routing{Hops: 3, MaxHops: 3},
	}
	body, _ := json.Marshal(msg)
	s.dispatch(mqtt.InboundMessage{Topic: "alicia/test/a", Payload: body})
	if fc.last().topic != LoopTopic {
		t.Fatalf("expected loop event on %s, got %s", LoopTopic, fc.last().topic)
	}
}

func TestDispatch_ResolvesRequestWaiter(t *testing.T) {
	s, _ := newTestService()
	w := &waiter{ch: make(chan envelope.Message, 1), createdAt: time.Now(), timeout: time.Second}
	s.waiters["req-1"] = w

	resp := envelope.Message{
		MessageID:     "resp-1",
		MessageType:   envelope.TypeResponse,
		CorrelationID: "req-1",
		Timestamp:     time.Now(),
	}
	body, _ := json.Marshal(resp)
	s.dispatch(mqtt.InboundMessage{Topic: "testsvc/response", Payload: body})

	select {
	case got := <-w.ch:
		if got.MessageID != "resp-1" {
			t.Fatalf("got message_id %q, want resp-1", got.MessageID)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never resolved")
	}
}

func TestDispatch_HandlerPanicProducesErrorResponse(t *testing.T) {
	s, fc := newTestService()
	_ = s.RegisterHandler("alicia/test/+", func(context.Context, envelope.Message) (*envelope.Message, error) {
		panic("boom")
	})

	req := envelope.Message{
		MessageID:   "req-9",
		MessageType: envelope.TypeRequest,
		Source:      "caller",
		Timestamp:   time.Now(),
	}
	body, _ := json.Marshal(req)
	s.dispatch(mqtt.InboundMessage{Topic: "alicia/test/a", Payload: body})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if fc.last().topic == "caller/response" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected an error response published to caller/response after handler panic")
}

func TestSnapshotHealth_UnhealthyWhenDisconnected(t *testing.T) {
	s, _ := newTestService()
	s.connected.Set(false)
	h := s.snapshotHealth()
	if h.Status != StatusUnhealthy {
		t.Fatalf("Status = %v, want unhealthy", h.Status)
	}
}

func TestSnapshotHealth_DegradedAfterRecentFlap(t *testing.T) {
	s, _ := newTestService()
	s.flapped.Set(time.Now())
	h := s.snapshotHealth()
	if h.Status != StatusDegraded {
		t.Fatalf("Status = %v, want degraded", h.Status)
	}
}

func TestSnapshotHealth_UnhealthyWhenReadinessFails(t *testing.T) {
	cfg := config.Default()
	cfg.Service.Name = "testsvc"
	s := New(*cfg, nil, WithReadinessCheck("store", func() error { return errReadinessFailed }))
	s.connected.Set(true)
	h := s.snapshotHealth()
	if h.Status != StatusUnhealthy {
		t.Fatalf("Status = %v, want unhealthy", h.Status)
	}
}

var errReadinessFailed = &readinessError{"store not ready"}

type readinessError struct{ msg string }

func (e *readinessError) Error() string { return e.msg }

func TestShutdown_PublishesOfflineEvent(t *testing.T) {
	s, fc := newTestService()
	if err := s.Shutdown(context.Background(), 100*time.Millisecond); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if fc.last().topic != UnregisterTopic {
		t.Fatalf("expected offline event on %s, got %s", UnregisterTopic, fc.last().topic)
	}
}

func TestPublish_ACLDeniesOutOfPrincipalTopic(t *testing.T) {
	cfg := config.Default()
	cfg.Service.Name = "testsvc"
	acl := &aclfile.File{Principals: []aclfile.Principal{
		{Name: "testsvc", Publish: []string{"alicia/testsvc/#"}},
	}}
	s := New(*cfg, nil, WithACL(acl))
	fc := &fakeConn{}
	s.conn = fc
	s.connected.Set(true)

	if err := s.Publish(context.Background(), "alicia/testsvc/status", envelope.Message{MessageType: envelope.TypeEvent}); err != nil {
		t.Fatalf("Publish() within ACL scope: %v", err)
	}
	if err := s.Publish(context.Background(), "alicia/other/status", envelope.Message{MessageType: envelope.TypeEvent}); err == nil {
		t.Fatal("expected Publish outside ACL scope to fail")
	}
}
