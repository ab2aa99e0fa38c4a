package projector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/tripstack/trip-service/internal/bus"
	"github.com/tripstack/trip-service/internal/event"
	"github.com/tripstack/trip-service/internal/logger"
	"github.com/tripstack/trip-service/internal/model"
	"github.com/tripstack/trip-service/internal/repo"
)

// countingBus records how often each event id was published and lets tests
// script failures per event.
type countingBus struct {
	mu     sync.Mutex
	counts map[string]int
	fail   func(e event.Event) error
}

func newCountingBus(fail func(e event.Event) error) *countingBus {
	return &countingBus{counts: map[string]int{}, fail: fail}
}

func (b *countingBus) Publish(ctx context.Context, events []event.Event) error {
	if len(events) == 0 {
		return bus.ErrEmptyBatch
	}
	b.mu.Lock()
	for _, e := range events {
		b.counts[e.ID]++
	}
	b.mu.Unlock()
	if b.fail != nil {
		for _, e := range events {
			if err := b.fail(e); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *countingBus) countOf(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[id]
}

func newTestStore(t *testing.T) (*repo.Repository, *gorm.DB) {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(&model.OutboxRecord{}))
	return repo.NewRepository(db, nil, logger.NewNop()), db
}

// fetchRecord reads one row into a fresh struct; a reused dest would carry the
// previous primary key into the next First query.
func fetchRecord(t *testing.T, db *gorm.DB, id string) model.OutboxRecord {
	t.Helper()
	var rec model.OutboxRecord
	assert.NoError(t, db.First(&rec, "id = ?", id).Error)
	return rec
}

func seedRecord(t *testing.T, db *gorm.DB, id, tenant string, retries int) {
	t.Helper()
	rec := model.OutboxRecord{
		ID:          id,
		TenantID:    tenant,
		AggregateID: "agg-" + id,
		TypeName:    "trip.created",
		Payload:     `{"stops":["A","B","C"]}`,
		ContentHash: "hash-" + id,
		Status:      model.StatusNew,
		RetryCount:  retries,
	}
	assert.NoError(t, db.Create(&rec).Error)
}

func TestSweepOnce_DeliversBatch(t *testing.T) {
	r, db := newTestStore(t)
	b := newCountingBus(nil)
	p := New(r, b, Config{BatchSize: 10, MaxRetries: 5}, logger.NewNop())

	for i := 0; i < 3; i++ {
		seedRecord(t, db, fmt.Sprintf("evt-%d", i), "t1", 0)
	}

	n, err := p.SweepOnce(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 3, n)

	var sent int64
	db.Model(&model.OutboxRecord{}).Where("status = ?", model.StatusSent).Count(&sent)
	assert.EqualValues(t, 3, sent)
	for i := 0; i < 3; i++ {
		assert.Equal(t, 1, b.countOf(fmt.Sprintf("evt-%d", i)))
	}

	// terminal rows are excluded from the next sweep
	n, err = p.SweepOnce(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSweepOnce_LastRetryMovesToErr(t *testing.T) {
	r, db := newTestStore(t)
	b := newCountingBus(func(event.Event) error { return errors.New("broker down") })
	p := New(r, b, Config{BatchSize: 10, MaxRetries: 5}, logger.NewNop())

	seedRecord(t, db, "evt-dying", "t1", 4)

	_, err := p.SweepOnce(context.Background())
	assert.NoError(t, err)

	rec := fetchRecord(t, db, "evt-dying")
	assert.Equal(t, model.StatusErr, rec.Status)
	assert.Equal(t, 5, rec.RetryCount)
}

func TestSweepOnce_TransientFailureIncrementsRetry(t *testing.T) {
	r, db := newTestStore(t)
	b := newCountingBus(func(event.Event) error { return errors.New("broker down") })
	p := New(r, b, Config{BatchSize: 10, MaxRetries: 5}, logger.NewNop())

	seedRecord(t, db, "evt-flaky", "t1", 0)

	_, err := p.SweepOnce(context.Background())
	assert.NoError(t, err)

	rec := fetchRecord(t, db, "evt-flaky")
	assert.Equal(t, model.StatusNew, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)
}

func TestSweepOnce_PermanentFailureShortCircuits(t *testing.T) {
	r, db := newTestStore(t)
	b := newCountingBus(func(event.Event) error { return bus.Permanent(errors.New("payload rejected")) })
	p := New(r, b, Config{BatchSize: 10, MaxRetries: 5}, logger.NewNop())

	seedRecord(t, db, "evt-bad", "t1", 0)

	_, err := p.SweepOnce(context.Background())
	assert.NoError(t, err)

	rec := fetchRecord(t, db, "evt-bad")
	// straight to ERR without burning the retry budget
	assert.Equal(t, model.StatusErr, rec.Status)
	assert.Equal(t, 1, rec.RetryCount)
}

func TestSweepOnce_OneFailureDoesNotBlockOthers(t *testing.T) {
	r, db := newTestStore(t)
	b := newCountingBus(func(e event.Event) error {
		if e.ID == "evt-bad" {
			return bus.Permanent(errors.New("payload rejected"))
		}
		return nil
	})
	p := New(r, b, Config{BatchSize: 10, MaxRetries: 5}, logger.NewNop())

	seedRecord(t, db, "evt-bad", "t1", 0)
	seedRecord(t, db, "evt-good", "t1", 0)

	_, err := p.SweepOnce(context.Background())
	assert.NoError(t, err)

	assert.Equal(t, model.StatusSent, fetchRecord(t, db, "evt-good").Status)
	assert.Equal(t, model.StatusErr, fetchRecord(t, db, "evt-bad").Status)
}

func TestTwoWorkers_EachRecordClaimedOnce(t *testing.T) {
	r, db := newTestStore(t)
	b := newCountingBus(nil)

	for i := 0; i < 10; i++ {
		seedRecord(t, db, fmt.Sprintf("evt-%02d", i), "t1", 0)
	}

	p1 := New(r, b, Config{BatchSize: 5, MaxRetries: 5}, logger.NewNop())
	p2 := New(r, b, Config{BatchSize: 5, MaxRetries: 5}, logger.NewNop())

	var wg sync.WaitGroup
	for _, p := range []*Projector{p1, p2} {
		wg.Add(1)
		go func(p *Projector) {
			defer wg.Done()
			_, err := p.SweepOnce(context.Background())
			assert.NoError(t, err)
		}(p)
	}
	wg.Wait()

	var sent int64
	db.Model(&model.OutboxRecord{}).Where("status = ?", model.StatusSent).Count(&sent)
	assert.EqualValues(t, 10, sent)

	// no record was published twice
	for i := 0; i < 10; i++ {
		assert.Equal(t, 1, b.countOf(fmt.Sprintf("evt-%02d", i)))
	}
}

func TestShardedSweep_CoversAllTenantsWithoutOverlap(t *testing.T) {
	r, db := newTestStore(t)
	b := newCountingBus(nil)

	tenants := []string{"alpha", "beta", "gamma", "delta"}
	for i, tenant := range tenants {
		seedRecord(t, db, fmt.Sprintf("evt-%d", i), tenant, 0)
	}

	for shard := 0; shard < 2; shard++ {
		p := New(r, b, Config{Shards: 2, ShardIndex: shard, BatchSize: 10, MaxRetries: 5}, logger.NewNop())
		_, err := p.SweepOnce(context.Background())
		assert.NoError(t, err)
	}

	var sent int64
	db.Model(&model.OutboxRecord{}).Where("status = ?", model.StatusSent).Count(&sent)
	assert.EqualValues(t, 4, sent)
	for i := range tenants {
		assert.Equal(t, 1, b.countOf(fmt.Sprintf("evt-%d", i)))
	}
}

func TestTenantBucket_StableAndInRange(t *testing.T) {
	for _, tenant := range []string{"alpha", "beta", "gamma", ""} {
		first := tenantBucket(tenant, 4)
		assert.Equal(t, first, tenantBucket(tenant, 4))
		assert.GreaterOrEqual(t, first, 0)
		assert.Less(t, first, 4)
	}
}

func TestRun_StopsCooperatively(t *testing.T) {
	r, _ := newTestStore(t)
	b := newCountingBus(nil)
	p := New(r, b, Config{BatchSize: 10, PollInterval: 10 * time.Millisecond, IdleInterval: 10 * time.Millisecond}, logger.NewNop())

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	time.Sleep(30 * time.Millisecond)
	p.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("projector did not stop")
	}
}

func TestRun_HonorsContextCancel(t *testing.T) {
	r, _ := newTestStore(t)
	p := New(r, newCountingBus(nil), Config{IdleInterval: 10 * time.Millisecond}, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("projector did not stop on cancel")
	}
}
