// Package mqtt adapts the Eclipse Paho v2 autopaho client into the
// small [Conn] interface the service wrapper depends on. Keeping this
// behind an interface, rather than the wrapper importing paho types
// directly, lets wrapper tests fake the broker entirely.
package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/alicia-project/alicia-core/internal/config"
)

// QoS is the delivery guarantee requested for a publish.
type QoS byte

const (
	QoSAtMostOnce  QoS = 0
	QoSAtLeastOnce QoS = 1
)

// InboundMessage is a single message delivered by the broker.
type InboundMessage struct {
	Topic   string
	Payload []byte
}

// Conn is the subset of an MQTT client the service wrapper needs: it
// can publish, subscribe, tell the caller when connectivity changes,
// and disconnect cleanly. The autopaho-backed implementation below is
// the only production implementation; tests may supply a fake.
type Conn interface {
	Publish(ctx context.Context, topic string, payload []byte, qos QoS, retain bool) error
	Subscribe(ctx context.Context, filters ...string) error
	Disconnect(ctx context.Context) error
	// AwaitConnection blocks until the connection is up or ctx expires.
	AwaitConnection(ctx context.Context) error
}

// Option configures a Connection before it dials.
type Option func(*connectOptions)

type connectOptions struct {
	onConnectionUp func()
	onConnectError func(error)
	onMessage      func(InboundMessage)
	willTopic      string
	clientID       string
}

// WithOnConnectionUp registers a callback invoked every time the
// connection comes up, including reconnects — subscriptions are not
// preserved across reconnects by autopaho, so the wrapper uses this
// hook to resubscribe (§4.1 "Subscriptions are re-established on
// reconnect").
func WithOnConnectionUp(fn func()) Option {
	return func(o *connectOptions) { o.onConnectionUp = fn }
}

// WithOnConnectError registers a callback invoked on connection
// failures (used for the wrapper's health degradation tracking).
func WithOnConnectError(fn func(error)) Option {
	return func(o *connectOptions) { o.onConnectError = fn }
}

// WithOnMessage registers the inbound message callback.
func WithOnMessage(fn func(InboundMessage)) Option {
	return func(o *connectOptions) { o.onMessage = fn }
}

// WithWill sets the last-will topic; the will payload is always
// "offline" with QoS 1 and retain, matching the teacher's availability
// convention in internal/mqtt/publisher.go.
func WithWill(topic string) Option {
	return func(o *connectOptions) { o.willTopic = topic }
}

// WithClientID overrides the autopaho-generated client id.
func WithClientID(id string) Option {
	return func(o *connectOptions) { o.clientID = id }
}

// connection wraps an autopaho.ConnectionManager to satisfy Conn.
type connection struct {
	cm     *autopaho.ConnectionManager
	logger *slog.Logger
}

// Connect dials the broker described by cfg and returns once the
// connection attempt has been scheduled (not necessarily established —
// call AwaitConnection to block for that). Reconnection and
// will-message delivery are handled by autopaho. This package sets no
// reconnect backoff (no base, cap or jitter), so autopaho's default
// reconnect backoff applies.
func Connect(ctx context.Context, cfg config.MQTTConfig, logger *slog.Logger, opts ...Option) (Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}

	o := &connectOptions{}
	for _, opt := range opts {
		opt(o)
	}

	brokerURL, err := url.Parse(cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("parse mqtt broker url: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: cfg.Username,
		ConnectPassword: []byte(cfg.Password),
		OnConnectionUp: func(_ *autopaho.ConnectionManager, _ *paho.Connack) {
			logger.Info("mqtt connected", "broker", cfg.URL())
			if o.onConnectionUp != nil {
				o.onConnectionUp()
			}
		},
		OnConnectError: func(err error) {
			logger.Warn("mqtt connection error", "error", err)
			if o.onConnectError != nil {
				o.onConnectError(err)
			}
		},
		ClientConfig: paho.ClientConfig{
			ClientID: o.clientID,
		},
	}

	if o.willTopic != "" {
		pahoCfg.WillMessage = &paho.WillMessage{
			Topic:   o.willTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		}
	}

	if cfg.TLS {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	if o.onMessage != nil {
		cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
			o.onMessage(InboundMessage{Topic: pr.Packet.Topic, Payload: pr.Packet.Payload})
			return true, nil
		})
	}

	return &connection{cm: cm, logger: logger}, nil
}

func (c *connection) Publish(ctx context.Context, topic string, payload []byte, qos QoS, retain bool) error {
	_, err := c.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     byte(qos),
		Retain:  retain,
	})
	if err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

func (c *connection) Subscribe(ctx context.Context, filters ...string) error {
	subs := make([]paho.SubscribeOptions, 0, len(filters))
	for _, f := range filters {
		subs = append(subs, paho.SubscribeOptions{Topic: f, QoS: 1})
	}
	if _, err := c.cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: subs}); err != nil {
		return fmt.Errorf("mqtt subscribe %v: %w", filters, err)
	}
	return nil
}

func (c *connection) Disconnect(ctx context.Context) error {
	return c.cm.Disconnect(ctx)
}

func (c *connection) AwaitConnection(ctx context.Context) error {
	return c.cm.AwaitConnection(ctx)
}

// QoSForType returns the required QoS for a bus message type per
// §4.1: request/response/command get at-least-once delivery,
// heartbeat/event get at-most-once.
func QoSForType(messageType string) QoS {
	switch messageType {
	case "request", "response", "command":
		return QoSAtLeastOnce
	default:
		return QoSAtMostOnce
	}
}

// DefaultConnectTimeout bounds the initial AwaitConnection call made by
// a service at startup (§6 exit code 2: "broker unreachable after
// startup grace (default 30s)").
const DefaultConnectTimeout = 30 * time.Second
