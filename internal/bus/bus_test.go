package bus

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tripstack/trip-service/internal/event"
	"github.com/tripstack/trip-service/internal/logger"
)

func TestPermanentClassification(t *testing.T) {
	base := errors.New("payload rejected")

	assert.False(t, IsPermanent(base))
	assert.True(t, IsPermanent(Permanent(base)))
	assert.Nil(t, Permanent(nil))

	// classification survives wrapping
	wrapped := fmt.Errorf("publish: %w", Permanent(base))
	assert.True(t, IsPermanent(wrapped))
	assert.ErrorIs(t, wrapped, base)
}

func TestLogPublisher(t *testing.T) {
	p := NewLogPublisher(logger.NewNop())

	err := p.Publish(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyBatch)

	e := event.New("trip.created", "t1", "agg", map[string]interface{}{"stops": []string{"A"}})
	assert.NoError(t, p.Publish(context.Background(), []event.Event{e}))
}
