package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ariefcatur/go-bookstore-orders/internal/orders"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

const envelopeVersion = 1

// EventPublisher turns lifecycle events into v1 envelopes keyed by order id.
type EventPublisher struct {
	Producer *Producer
	Service  string
}

func (p *EventPublisher) Publish(ctx context.Context, ev orders.Event) error {
	topic := orders.TopicFor(ev.Type)
	if topic == "" {
		return fmt.Errorf("no topic for event type %q", ev.Type)
	}
	payload, err := json.Marshal(ev.Payload())
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	env := orders.Envelope{
		EventID:       uuid.NewString(),
		EventType:     ev.Type,
		EventVersion:  envelopeVersion,
		OccurredAt:    ev.OccurredAt.UTC(),
		Producer:      p.Service,
		CorrelationID: ev.OrderID,
		Payload:       payload,
	}
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return p.Producer.Publish(ctx, topic, orders.PartitionKey(ev.OrderID), value,
		kafka.Header{Key: "x-event-type", Value: []byte(ev.Type)},
		kafka.Header{Key: "x-event-version", Value: []byte(strconv.Itoa(envelopeVersion))},
	)
}

var _ orders.EventPublisher = (*EventPublisher)(nil)
