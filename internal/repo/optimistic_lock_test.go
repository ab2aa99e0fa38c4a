package repo

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/tripstack/trip-service/internal/logger"
	"github.com/tripstack/trip-service/internal/model"
)

func TestOptimisticLock_ConcurrentTripUpdate(t *testing.T) {
	db, _ := gorm.Open(sqlite.Open("file:optlock?mode=memory&cache=shared"), &gorm.Config{})
	_ = db.AutoMigrate(&model.Trip{})

	seed := &model.Trip{ID: "trip-1", TenantID: "t1", Name: "coastal", Fare: decimal.NewFromInt(10)}
	seed.SetStops([]string{"A"})
	db.Create(seed)

	repo := NewRepository(db, nil, logger.NewNop())

	// both writers read the same version before either updates, so exactly
	// one version check can win
	var barrier sync.WaitGroup
	barrier.Add(2)

	wg := sync.WaitGroup{}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = db.Transaction(func(tx *gorm.DB) error {
				trip, err := repo.GetTripForUpdate(context.Background(), tx, "t1", "trip-1")
				if err != nil {
					barrier.Done()
					return err
				}
				barrier.Done()
				barrier.Wait()
				trip.SetStops(append(trip.StopList(), "B"))
				return repo.UpdateTrip(context.Background(), tx, trip, trip.Version)
			})
		}()
	}
	wg.Wait()

	var final model.Trip
	assert.NoError(t, db.First(&final, "id = ?", "trip-1").Error)

	// only one writer may win a version
	assert.Len(t, final.StopList(), 2, "exactly one concurrent update should apply")
	assert.EqualValues(t, 1, final.Version)
}

func TestUpdateTrip_StaleVersionReturnsConflict(t *testing.T) {
	db, _ := gorm.Open(sqlite.Open("file:staleversion?mode=memory&cache=shared"), &gorm.Config{})
	_ = db.AutoMigrate(&model.Trip{})

	seed := &model.Trip{ID: "trip-1", TenantID: "t1", Name: "coastal", Fare: decimal.NewFromInt(10)}
	seed.SetStops([]string{"A"})
	db.Create(seed)

	repo := NewRepository(db, nil, logger.NewNop())
	ctx := context.Background()

	trip, err := repo.GetTrip(ctx, "t1", "trip-1")
	assert.NoError(t, err)
	assert.NoError(t, repo.UpdateTrip(ctx, db, trip, trip.Version))

	// a second writer holding the old version must lose with the sentinel
	assert.ErrorIs(t, repo.UpdateTrip(ctx, db, trip, trip.Version), ErrVersionConflict)
}
