package metrics

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alicia-project/alicia-core/internal/envelope"
	"github.com/alicia-project/alicia-core/internal/wrapper"
)

// TopicIngest is the bus topic the collector accepts samples on, as an
// alternative to the HTTP POST /metrics ingest path (§4.6 "a bus topic
// alicia/metrics/ingest ... or HTTP POST /metrics ... or the built-in
// sampler").
const TopicIngest = "alicia/metrics/ingest"

// Attach registers the bus ingest handler on svc.
func Attach(svc *wrapper.Service, store *Store) error {
	return svc.RegisterHandler(TopicIngest, func(ctx context.Context, msg envelope.Message) (*envelope.Message, error) {
		var batch []Sample
		if err := json.Unmarshal(msg.Payload, &batch); err == nil {
			store.IngestBatch(batch)
			return nil, nil
		}
		var single Sample
		if err := json.Unmarshal(msg.Payload, &single); err != nil {
			return nil, fmt.Errorf("metrics: bad ingest payload: %w", err)
		}
		store.Ingest(single)
		return nil, nil
	})
}

// BusPublisher adapts a *wrapper.Service to the AlertEngine's Publisher
// interface, routing firing/cleared edges to the two well-known bus
// topics §6 names.
type BusPublisher struct {
	Svc *wrapper.Service
}

const (
	topicAlertActive  = "alicia/alerts/active"
	topicAlertCleared = "alicia/alerts/cleared"
)

func (p BusPublisher) PublishAlert(ctx context.Context, event AlertEvent) error {
	topic := topicAlertCleared
	if event.Firing {
		topic = topicAlertActive
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("metrics: marshal alert event: %w", err)
	}
	return p.Svc.Publish(ctx, topic, envelope.Message{
		MessageType: envelope.TypeEvent,
		ContentType: "application/json",
		Payload:     body,
	})
}
