package bus

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/tripstack/trip-service/internal/event"
)

// envelope is the wire format written to the topic. Field order is fixed so
// downstream consumers get a stable shape across event types.
type envelope struct {
	ID            string                 `json:"id"`
	OccurredAt    time.Time              `json:"occurred_at"`
	AggregateID   string                 `json:"aggregate_id,omitempty"`
	TenantID      string                 `json:"tenant_id,omitempty"`
	TypeName      string                 `json:"type_name"`
	SchemaID      string                 `json:"schema_id,omitempty"`
	SchemaVersion int                    `json:"schema_version,omitempty"`
	ContentHash   string                 `json:"content_hash"`
	Payload       map[string]interface{} `json:"payload"`
}

// KafkaPublisher writes events to a Kafka topic. The aggregate id keys the
// message for partition ordering (falling back to the event id), and the
// event id rides in a header as the consumer-side deduplication key.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(w *kafka.Writer) *KafkaPublisher {
	return &KafkaPublisher{writer: w}
}

func (p *KafkaPublisher) Publish(ctx context.Context, events []event.Event) error {
	if len(events) == 0 {
		return ErrEmptyBatch
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		value, err := json.Marshal(envelope{
			ID:            e.ID,
			OccurredAt:    e.OccurredAt,
			AggregateID:   e.AggregateID,
			TenantID:      e.TenantID,
			TypeName:      e.TypeName,
			SchemaID:      e.SchemaID,
			SchemaVersion: e.SchemaVersion,
			ContentHash:   e.ContentHash,
			Payload:       e.Payload,
		})
		if err != nil {
			// A payload we cannot serialize will never serialize; do not retry.
			return Permanent(err)
		}
		key := e.AggregateID
		if key == "" {
			key = e.ID
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(key),
			Value: value,
			Time:  e.OccurredAt,
			Headers: []kafka.Header{
				{Key: "event_id", Value: []byte(e.ID)},
				{Key: "type_name", Value: []byte(e.TypeName)},
				{Key: "tenant_id", Value: []byte(e.TenantID)},
				{Key: "content_hash", Value: []byte(e.ContentHash)},
			},
		})
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		if isPermanentKafkaErr(err) {
			return Permanent(err)
		}
		return err
	}
	return nil
}

// isPermanentKafkaErr classifies broker responses that no retry can fix,
// e.g. a message rejected as too large. Network-level errors stay transient.
func isPermanentKafkaErr(err error) bool {
	var ke kafka.Error
	if errors.As(err, &ke) {
		return !ke.Temporary() && !ke.Timeout()
	}
	return false
}
