package uow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/tripstack/trip-service/internal/bus"
	"github.com/tripstack/trip-service/internal/event"
	"github.com/tripstack/trip-service/internal/model"
	"github.com/tripstack/trip-service/internal/repo"
	"github.com/tripstack/trip-service/internal/schema"
)

// ErrStorage marks a failure of the durable commit path. Nothing was
// persisted; the whole operation can be retried at the application level.
var ErrStorage = errors.New("storage failure")

// ErrFinished is returned when Commit or Rollback is called twice.
var ErrFinished = errors.New("unit of work already finished")

// RetryConfig bounds the best-effort immediate publish after commit.
type RetryConfig struct {
	MaxAttempts    int
	BaseBackoff    time.Duration
	AttemptTimeout time.Duration
}

func (c *RetryConfig) normalize() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 100 * time.Millisecond
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 5 * time.Second
	}
}

// Manager creates units of work sharing one database, schema resolver and
// bus adapter.
type Manager struct {
	db        *gorm.DB
	repo      repo.RepositoryInterface
	resolver  schema.Resolver
	publisher bus.Publisher
	retry     RetryConfig
	log       *zap.SugaredLogger
}

func NewManager(db *gorm.DB, r repo.RepositoryInterface, resolver schema.Resolver, p bus.Publisher, retry RetryConfig, logger *zap.SugaredLogger) *Manager {
	retry.normalize()
	return &Manager{db: db, repo: r, resolver: resolver, publisher: p, retry: retry, log: logger}
}

// UnitOfWork is a single transaction boundary. Not safe for concurrent use;
// one logical operation owns it from Begin to Commit/Rollback.
type UnitOfWork struct {
	m        *Manager
	tx       *gorm.DB
	registry *event.Registry
	done     bool
}

// Begin opens a transaction and binds a fresh event registry to the returned
// context. Aggregates raise events through that context; business writes go
// through Tx().
func (m *Manager) Begin(ctx context.Context) (*UnitOfWork, context.Context, error) {
	tx := m.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, ctx, fmt.Errorf("%w: begin: %v", ErrStorage, tx.Error)
	}
	reg := event.NewRegistry()
	u := &UnitOfWork{m: m, tx: tx, registry: reg}
	return u, event.Into(ctx, reg), nil
}

// Tx exposes the active transaction for business writes.
func (u *UnitOfWork) Tx() *gorm.DB { return u.tx }

// Commit drains the registry, persists one outbox record per event inside the
// same transaction, commits durably, and then attempts a bounded best-effort
// publish. A storage failure is fatal and surfaced; a publish failure is not —
// undelivered rows stay NEW for the projector.
func (u *UnitOfWork) Commit(ctx context.Context) error {
	if u.done {
		return ErrFinished
	}
	u.done = true

	events := u.registry.Drain()

	// Flush phase: local writes only, no external I/O before commit.
	recs := make([]model.OutboxRecord, 0, len(events))
	resolved := make([]event.Event, 0, len(events))
	for _, e := range events {
		if e.SchemaID == "" {
			ref, err := u.m.resolver.Resolve(e.TypeName)
			if err != nil {
				u.tx.Rollback()
				return fmt.Errorf("%w: resolve schema for %s: %v", ErrStorage, e.TypeName, err)
			}
			if !ref.IsZero() {
				e = e.WithSchema(ref.ID, ref.Version)
			}
		}
		payload, err := e.PayloadJSON()
		if err != nil {
			u.tx.Rollback()
			return fmt.Errorf("%w: encode payload for %s: %v", ErrStorage, e.ID, err)
		}
		recs = append(recs, model.OutboxRecord{
			ID:            e.ID,
			TenantID:      e.TenantID,
			AggregateID:   e.AggregateID,
			TypeName:      e.TypeName,
			SchemaID:      e.SchemaID,
			SchemaVersion: e.SchemaVersion,
			Payload:       string(payload),
			ContentHash:   e.ContentHash,
			Status:        model.StatusNew,
			RetryCount:    0,
		})
		resolved = append(resolved, e)
	}
	if err := u.m.repo.CreateOutboxRecords(ctx, u.tx, recs); err != nil {
		u.tx.Rollback()
		return fmt.Errorf("%w: persist outbox: %v", ErrStorage, err)
	}

	if err := u.tx.Commit().Error; err != nil {
		u.tx.Rollback()
		return fmt.Errorf("%w: commit: %v", ErrStorage, err)
	}

	if len(resolved) > 0 {
		u.m.publishImmediate(ctx, resolved)
	}
	return nil
}

// Rollback discards the transaction and every buffered event.
func (u *UnitOfWork) Rollback() error {
	if u.done {
		return nil
	}
	u.done = true
	u.registry.Drain()
	return u.tx.Rollback().Error
}

// Immediate-publish retry states.
const (
	stateAttempting = iota
	stateSucceeded
	stateExhausted
)

func (m *Manager) publishImmediate(ctx context.Context, events []event.Event) {
	state := stateAttempting
	attempt := 0

	for state == stateAttempting {
		actx, cancel := context.WithTimeout(ctx, m.retry.AttemptTimeout)
		err := m.publisher.Publish(actx, events)
		cancel()

		if err == nil {
			state = stateSucceeded
			break
		}

		attempt++
		if bus.IsPermanent(err) || attempt >= m.retry.MaxAttempts {
			state = stateExhausted
			m.log.Warnf("immediate publish deferred to projector after %d attempt(s): %v", attempt, err)
			break
		}
		if err := sleepBackoff(ctx, m.retry.BaseBackoff, attempt-1); err != nil {
			state = stateExhausted
			break
		}
	}

	if state != stateSucceeded {
		return
	}
	ids := make([]string, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.ID)
	}
	if err := m.repo.MarkSent(ctx, ids); err != nil {
		// Rows stay NEW; the projector republishes and downstream consumers
		// dedupe on the event id.
		m.log.Warnf("mark sent after immediate publish: %v", err)
	}
}

// sleepBackoff waits base * 2^attempt, honoring context cancellation.
func sleepBackoff(ctx context.Context, base time.Duration, attempt int) error {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 32 {
		attempt = 32
	}
	timer := time.NewTimer(base * (1 << attempt))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
