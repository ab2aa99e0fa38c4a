package projector

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tripstack/trip-service/internal/bus"
	"github.com/tripstack/trip-service/internal/event"
	"github.com/tripstack/trip-service/internal/model"
	"github.com/tripstack/trip-service/internal/repo"
)

// Config tunes one projector shard.
type Config struct {
	// Shards and ShardIndex select which hash bucket of tenants this instance
	// sweeps. With Shards <= 1 the instance sweeps every tenant.
	Shards     int
	ShardIndex int
	// TenantIDs pins the instance to an explicit tenant list, overriding
	// bucket discovery.
	TenantIDs []string

	BatchSize      int
	MaxRetries     int
	PollInterval   time.Duration
	IdleInterval   time.Duration
	PublishTimeout time.Duration
}

func (c *Config) normalize() {
	if c.Shards <= 0 {
		c.Shards = 1
	}
	if c.ShardIndex < 0 || c.ShardIndex >= c.Shards {
		c.ShardIndex = 0
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.IdleInterval <= 0 {
		c.IdleInterval = 5 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
}

// Projector sweeps undelivered outbox records for its tenant shard and
// guarantees their eventual delivery, independent of the unit of work's
// immediate attempt.
type Projector struct {
	repo      repo.RepositoryInterface
	publisher bus.Publisher
	cfg       Config
	log       *zap.SugaredLogger

	stop     chan struct{}
	stopOnce sync.Once
}

func New(r repo.RepositoryInterface, p bus.Publisher, cfg Config, logger *zap.SugaredLogger) *Projector {
	cfg.normalize()
	return &Projector{repo: r, publisher: p, cfg: cfg, log: logger, stop: make(chan struct{})}
}

// Run polls until ctx is cancelled or Stop is called. The stop is
// cooperative: an in-flight batch always finishes before the loop exits.
func (p *Projector) Run(ctx context.Context) error {
	p.log.Infof("projector shard %d/%d started (batch=%d, max_retries=%d)",
		p.cfg.ShardIndex, p.cfg.Shards, p.cfg.BatchSize, p.cfg.MaxRetries)
	for {
		n, err := p.SweepOnce(ctx)
		if err != nil {
			p.log.Errorf("sweep: %v", err)
		}

		// Short interval while a backlog is likely, longer when idle.
		interval := p.cfg.PollInterval
		if n == 0 {
			interval = p.cfg.IdleInterval
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-p.stop:
			timer.Stop()
			p.log.Info("projector stopped")
			return nil
		case <-timer.C:
		}
	}
}

// Stop requests a cooperative shutdown.
func (p *Projector) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// SweepOnce claims and processes one batch, returning the number of claimed
// records.
func (p *Projector) SweepOnce(ctx context.Context) (int, error) {
	tenants, err := p.shardTenants(ctx)
	if err != nil {
		return 0, err
	}
	if tenants != nil && len(tenants) == 0 {
		return 0, nil
	}
	return p.repo.ClaimPending(ctx, tenants, p.cfg.BatchSize, func(recs []model.OutboxRecord) []repo.ClaimResult {
		return p.deliver(ctx, recs)
	})
}

// shardTenants returns the tenant filter for this instance: the pinned list,
// the discovered tenants hashing into this bucket, or nil for "all tenants"
// when running unsharded.
func (p *Projector) shardTenants(ctx context.Context) ([]string, error) {
	if len(p.cfg.TenantIDs) > 0 {
		return p.cfg.TenantIDs, nil
	}
	if p.cfg.Shards <= 1 {
		return nil, nil
	}
	pending, err := p.repo.PendingTenants(ctx)
	if err != nil {
		return nil, err
	}
	mine := make([]string, 0, len(pending))
	for _, t := range pending {
		if tenantBucket(t, p.cfg.Shards) == p.cfg.ShardIndex {
			mine = append(mine, t)
		}
	}
	return mine, nil
}

func tenantBucket(tenantID string, shards int) int {
	h := fnv.New32a()
	h.Write([]byte(tenantID))
	return int(h.Sum32() % uint32(shards))
}

// deliver attempts each claimed record independently and concurrently. One
// record's failure never blocks the rest of the batch.
func (p *Projector) deliver(ctx context.Context, recs []model.OutboxRecord) []repo.ClaimResult {
	results := make([]repo.ClaimResult, len(recs))
	var wg sync.WaitGroup
	for i := range recs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = p.deliverOne(ctx, recs[i])
		}(i)
	}
	wg.Wait()
	return results
}

func (p *Projector) deliverOne(ctx context.Context, rec model.OutboxRecord) repo.ClaimResult {
	actx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	defer cancel()

	err := p.publisher.Publish(actx, []event.Event{recordToEvent(rec)})
	if err == nil {
		return repo.ClaimResult{ID: rec.ID, Outcome: repo.OutcomeDelivered}
	}

	// Permanent failures short-circuit: retrying cannot help. Transient
	// failures burn one retry; exhausting the budget is itself the ERR
	// transition, not a separate error kind.
	if bus.IsPermanent(err) || rec.RetryCount+1 >= p.cfg.MaxRetries {
		p.log.Warnf("record %s failed permanently after %d retries: %v", rec.ID, rec.RetryCount+1, err)
		return repo.ClaimResult{ID: rec.ID, Outcome: repo.OutcomeFailed}
	}
	p.log.Debugf("record %s publish failed (retry %d): %v", rec.ID, rec.RetryCount+1, err)
	return repo.ClaimResult{ID: rec.ID, Outcome: repo.OutcomeRetry}
}

// recordToEvent rebuilds the wire event from a stored row. The content hash
// is carried over, never recomputed.
func recordToEvent(rec model.OutboxRecord) event.Event {
	var payload map[string]interface{}
	_ = json.Unmarshal([]byte(rec.Payload), &payload)
	return event.Event{
		ID:            rec.ID,
		OccurredAt:    rec.CreatedAt.UTC(),
		AggregateID:   rec.AggregateID,
		TenantID:      rec.TenantID,
		TypeName:      rec.TypeName,
		SchemaID:      rec.SchemaID,
		SchemaVersion: rec.SchemaVersion,
		ContentHash:   rec.ContentHash,
		Payload:       payload,
	}
}
