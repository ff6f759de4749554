package wrapper

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/alicia-project/alicia-core/internal/envelope"
)

// heartbeatPayload is the JSON body published on [HeartbeatTopic]
// every interval (§4.1).
type heartbeatPayload struct {
	ServiceName string `json:"service_name"`
	InstanceID  string `json:"instance_id"`
	Timestamp   time.Time `json:"timestamp"`
	Inflight    int64  `json:"inflight"`
	Health      Status `json:"health"`
}

// heartbeatLoop runs for the service's lifetime, publishing on its own
// ticker so a saturated handler pool never starves it (§4.1: "must
// continue to publish even while handlers are saturated, scheduled on a
// dedicated worker").
func (s *Service) heartbeatLoop(ctx context.Context) {
	interval := time.Duration(s.cfg.Heartbeat.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.publishHeartbeat(ctx)

	for {
		select {
		case <-ticker.C:
			s.publishHeartbeat(ctx)
		case <-ctx.Done():
			return
		case <-s.shutdownCh:
			return
		}
	}
}

func (s *Service) publishHeartbeat(ctx context.Context) {
	snap := s.snapshotHealth()
	payload := heartbeatPayload{
		ServiceName: s.cfg.Service.Name,
		InstanceID:  s.cfg.Service.InstanceID,
		Timestamp:   time.Now().UTC(),
		Inflight:    atomic.LoadInt64(&s.inflight),
		Health:      snap.Status,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("marshal heartbeat", "error", err)
		return
	}

	msg := envelope.Message{
		MessageType: envelope.TypeHeartbeat,
		Source:      s.cfg.Service.Name,
		ContentType: "application/json",
		Payload:     body,
		TTLSeconds:  heartbeatIntervalSeconds(s) * 4,
	}
	if err := s.Publish(ctx, HeartbeatTopic, msg); err != nil {
		s.logger.Warn("publish heartbeat failed", "error", err)
	}
}

func heartbeatIntervalSeconds(s *Service) int {
	if s.cfg.Heartbeat.IntervalSeconds <= 0 {
		return 15
	}
	return s.cfg.Heartbeat.IntervalSeconds
}
