// Package discovery implements the Discovery service (§4.3): it
// consumes the three bus discovery topics and forwards validated
// events to the registry's write API over HTTP, authenticated with a
// bearer token scoped to the "discovery" subject. TTL eviction is
// owned by the registry process itself (see
// internal/registry.RunTTLSweepLoop) rather than round-tripped through
// Discovery on every tick — simpler and race-free since the registry
// already holds the descriptor locks it needs, and §4.3's outcome
// ("stale entries offline") is identical either way.
package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alicia-project/alicia-core/internal/envelope"
	"github.com/alicia-project/alicia-core/internal/httpkit"
	"github.com/alicia-project/alicia-core/internal/wrapper"
)

const (
	TopicRegister   = "alicia/system/discovery/register"
	TopicUnregister = "alicia/system/discovery/unregister"
	TopicHeartbeat  = "alicia/system/discovery/heartbeat"
)

// Forwarder forwards validated discovery events to the registry's HTTP
// write API.
type Forwarder struct {
	client      *http.Client
	registryURL string
	token       string
	logger      *slog.Logger
}

// New constructs a Forwarder. token is the bearer token issued to the
// "discovery" subject by the security gateway at startup.
func New(registryURL, token string, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		client:      httpkit.NewClient(httpkit.WithTimeout(5 * time.Second)),
		registryURL: registryURL,
		token:       token,
		logger:      logger,
	}
}

// Attach registers the three discovery handlers on svc.
func (f *Forwarder) Attach(svc *wrapper.Service) error {
	if err := svc.RegisterHandler(TopicRegister, f.handleRegister); err != nil {
		return err
	}
	if err := svc.RegisterHandler(TopicUnregister, f.handleUnregister); err != nil {
		return err
	}
	if err := svc.RegisterHandler(TopicHeartbeat, f.handleHeartbeat); err != nil {
		return err
	}
	return nil
}

func (f *Forwarder) handleRegister(ctx context.Context, msg envelope.Message) (*envelope.Message, error) {
	return nil, f.post(ctx, "/services/register", msg.Payload)
}

func (f *Forwarder) handleUnregister(ctx context.Context, msg envelope.Message) (*envelope.Message, error) {
	return nil, f.post(ctx, "/services/unregister", msg.Payload)
}

func (f *Forwarder) handleHeartbeat(ctx context.Context, msg envelope.Message) (*envelope.Message, error) {
	return nil, f.post(ctx, "/services/heartbeat", msg.Payload)
}

func (f *Forwarder) post(ctx context.Context, path string, payload json.RawMessage) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.registryURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("discovery: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+f.token)

	resp, err := f.client.Do(req)
	if err != nil {
		f.logger.Warn("discovery: forward failed", "path", path, "error", err)
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode >= 300 {
		f.logger.Warn("discovery: registry rejected event", "path", path, "status", resp.StatusCode)
		return fmt.Errorf("discovery: registry returned %d for %s", resp.StatusCode, path)
	}
	return nil
}
