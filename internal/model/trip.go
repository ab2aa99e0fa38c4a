package model

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tripstack/trip-service/internal/event"
)

// Trip is the demo aggregate exercising the delivery pipeline.
type Trip struct {
	ID        string          `gorm:"primaryKey;size:36"`
	TenantID  string          `gorm:"size:64;not null;index"`
	Name      string          `gorm:"size:128;not null"`
	Stops     string          `gorm:"type:jsonb;not null;default:'[]'"`
	Fare      decimal.Decimal `gorm:"type:numeric(20,8);not null;default:'0'"`
	Version   uint64          `gorm:"not null;default:0"`
	CreatedAt time.Time       `gorm:"autoCreateTime"`
	UpdatedAt time.Time       `gorm:"autoUpdateTime"`
}

func (Trip) TableName() string { return "trip" }

// StopList decodes the stored stops column.
func (t *Trip) StopList() []string {
	var stops []string
	_ = json.Unmarshal([]byte(t.Stops), &stops)
	return stops
}

// SetStops encodes stops into the jsonb column.
func (t *Trip) SetStops(stops []string) {
	b, _ := json.Marshal(stops)
	t.Stops = string(b)
}

// RaiseCreated registers a trip.created event with the active unit of work.
// Without one the call is a no-op, so the aggregate works in isolation.
func (t *Trip) RaiseCreated(ctx context.Context) {
	event.Raise(ctx, event.New("trip.created", t.TenantID, t.ID, map[string]interface{}{
		"name":  t.Name,
		"stops": t.StopList(),
		"fare":  t.Fare.String(),
	}))
}

// RaiseStopAdded registers a trip.stop_added event.
func (t *Trip) RaiseStopAdded(ctx context.Context, stop string) {
	event.Raise(ctx, event.New("trip.stop_added", t.TenantID, t.ID, map[string]interface{}{
		"stop":  stop,
		"stops": t.StopList(),
	}))
}
