package bus

import (
	"context"

	"go.uber.org/zap"

	"github.com/tripstack/trip-service/internal/event"
)

// LogPublisher is the reference adapter: it logs every event instead of
// sending it anywhere. Useful for local runs and as the no-dependency
// implementation of the publish contract.
type LogPublisher struct {
	log *zap.SugaredLogger
}

func NewLogPublisher(log *zap.SugaredLogger) *LogPublisher {
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(ctx context.Context, events []event.Event) error {
	if len(events) == 0 {
		return ErrEmptyBatch
	}
	for _, e := range events {
		p.log.Infow("publish",
			"event_id", e.ID,
			"type", e.TypeName,
			"tenant", e.TenantID,
			"aggregate", e.AggregateID,
			"hash", e.ContentHash,
		)
	}
	return nil
}
