package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tripstack/trip-service/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrNotRequeueable is returned when a manual requeue targets a row that is
// not in ERR state.
var ErrNotRequeueable = errors.New("record is not in ERR state")

// ErrVersionConflict is returned when an optimistic update lost against a
// concurrent writer.
var ErrVersionConflict = errors.New("version conflict")

// Outcome is the result of one delivery attempt on a claimed record.
type Outcome int

const (
	OutcomeDelivered Outcome = iota // NEW -> SENT
	OutcomeRetry                    // stays NEW, retry_count += 1
	OutcomeFailed                   // NEW -> ERR, retry_count += 1
)

// ClaimResult pairs a claimed record id with its delivery outcome.
type ClaimResult struct {
	ID      string
	Outcome Outcome
}

// ClaimFunc processes a claimed batch and reports per-record outcomes.
// Records omitted from the result keep status NEW untouched.
type ClaimFunc func(records []model.OutboxRecord) []ClaimResult

// RepositoryInterface restricts Repo methods for unit-test mocks.
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB
	CreateTrip(ctx context.Context, tx *gorm.DB, t *model.Trip) error
	GetTripForUpdate(ctx context.Context, tx *gorm.DB, tenantID, tripID string) (*model.Trip, error)
	UpdateTrip(ctx context.Context, tx *gorm.DB, t *model.Trip, oldVersion uint64) error
	GetTrip(ctx context.Context, tenantID, tripID string) (*model.Trip, error)
	CreateOutboxRecords(ctx context.Context, tx *gorm.DB, recs []model.OutboxRecord) error
	ClaimPending(ctx context.Context, tenants []string, limit int, fn ClaimFunc) (int, error)
	MarkSent(ctx context.Context, ids []string) error
	PendingTenants(ctx context.Context) ([]string, error)
	ListFailed(ctx context.Context, tenantID string, limit int) ([]model.OutboxRecord, error)
	RequeueFailed(ctx context.Context, id string) error
	CacheTrip(ctx context.Context, t *model.Trip) error
	GetCachedTrip(ctx context.Context, tenantID, tripID string) (*model.Trip, error)
}

// Repository implements RepositoryInterface on gorm + redis.
type Repository struct {
	db      *gorm.DB
	rdb     *redis.Client
	log     *zap.SugaredLogger
	claimMu sync.Mutex
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, rdb *redis.Client, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, rdb: rdb, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// CreateTrip inserts a new trip row.
func (r *Repository) CreateTrip(ctx context.Context, tx *gorm.DB, t *model.Trip) error {
	return tx.WithContext(ctx).Create(t).Error
}

// GetTripForUpdate locks the trip row for the current transaction.
func (r *Repository) GetTripForUpdate(ctx context.Context, tx *gorm.DB, tenantID, tripID string) (*model.Trip, error) {
	var t model.Trip
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND tenant_id = ?", tripID, tenantID).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTrip writes trip state with an optimistic version check.
func (r *Repository) UpdateTrip(ctx context.Context, tx *gorm.DB, t *model.Trip, oldVersion uint64) error {
	res := tx.WithContext(ctx).
		Model(&model.Trip{}).
		Where("id = ? AND version = ?", t.ID, oldVersion).
		Updates(map[string]interface{}{
			"name":       t.Name,
			"stops":      t.Stops,
			"fare":       t.Fare,
			"version":    oldVersion + 1,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// GetTrip reads a trip without locking.
func (r *Repository) GetTrip(ctx context.Context, tenantID, tripID string) (*model.Trip, error) {
	var t model.Trip
	err := r.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", tripID, tenantID).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateOutboxRecords inserts outbox rows inside the caller's transaction.
// The primary key equals the event id, so re-inserting the same event is a
// no-op rather than a duplicate row.
func (r *Repository) CreateOutboxRecords(ctx context.Context, tx *gorm.DB, recs []model.OutboxRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&recs).Error
}

// ClaimPending selects up to limit NEW records for the given tenants (all
// tenants when the slice is empty), hands them to fn and applies the returned
// outcomes in the same transaction. On Postgres the selection uses FOR UPDATE
// SKIP LOCKED so concurrent claimers operate on disjoint rows; other dialects
// have no skip-locked support and claims are serialized in-process instead.
func (r *Repository) ClaimPending(ctx context.Context, tenants []string, limit int, fn ClaimFunc) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	if r.db.Dialector.Name() != "postgres" {
		r.claimMu.Lock()
		defer r.claimMu.Unlock()
	}

	claimed := 0
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("status = ?", model.StatusNew)
		if len(tenants) > 0 {
			q = q.Where("tenant_id IN ?", tenants)
		}
		if r.db.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		var recs []model.OutboxRecord
		if err := q.Order("created_at").Limit(limit).Find(&recs).Error; err != nil {
			return err
		}
		if len(recs) == 0 {
			return nil
		}
		claimed = len(recs)

		for _, res := range fn(recs) {
			var err error
			switch res.Outcome {
			case OutcomeDelivered:
				err = tx.Model(&model.OutboxRecord{}).
					Where("id = ? AND status = ?", res.ID, model.StatusNew).
					Update("status", model.StatusSent).Error
			case OutcomeRetry:
				err = tx.Model(&model.OutboxRecord{}).
					Where("id = ? AND status = ?", res.ID, model.StatusNew).
					Update("retry_count", gorm.Expr("retry_count + 1")).Error
			case OutcomeFailed:
				err = tx.Model(&model.OutboxRecord{}).
					Where("id = ? AND status = ?", res.ID, model.StatusNew).
					Updates(map[string]interface{}{
						"status":      model.StatusErr,
						"retry_count": gorm.Expr("retry_count + 1"),
					}).Error
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return claimed, nil
}

// MarkSent flips records to SENT after the unit of work's immediate publish
// succeeded. Only rows still NEW are touched; a projector that won the row in
// the meantime keeps its result.
func (r *Repository) MarkSent(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&model.OutboxRecord{}).
		Where("id IN ? AND status = ?", ids, model.StatusNew).
		Update("status", model.StatusSent).Error
}

// PendingTenants lists tenants that currently have undelivered records.
func (r *Repository) PendingTenants(ctx context.Context) ([]string, error) {
	var tenants []string
	err := r.db.WithContext(ctx).Model(&model.OutboxRecord{}).
		Where("status = ?", model.StatusNew).
		Distinct("tenant_id").
		Pluck("tenant_id", &tenants).Error
	return tenants, err
}

// ListFailed returns ERR records for operator inspection.
func (r *Repository) ListFailed(ctx context.Context, tenantID string, limit int) ([]model.OutboxRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	q := r.db.WithContext(ctx).Where("status = ?", model.StatusErr)
	if tenantID != "" {
		q = q.Where("tenant_id = ?", tenantID)
	}
	var recs []model.OutboxRecord
	err := q.Order("created_at").Limit(limit).Find(&recs).Error
	return recs, err
}

// RequeueFailed moves one ERR record back to NEW. This is the manual operator
// action; retry_count is kept, it never decreases.
func (r *Repository) RequeueFailed(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Model(&model.OutboxRecord{}).
		Where("id = ? AND status = ?", id, model.StatusErr).
		Update("status", model.StatusNew)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotRequeueable
	}
	return nil
}

// CacheTrip writes a trip summary to Redis.
func (r *Repository) CacheTrip(ctx context.Context, t *model.Trip) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, tripCacheKey(t.TenantID, t.ID), b, 5*time.Minute).Err()
}

// GetCachedTrip reads a trip summary from Redis.
func (r *Repository) GetCachedTrip(ctx context.Context, tenantID, tripID string) (*model.Trip, error) {
	b, err := r.rdb.Get(ctx, tripCacheKey(tenantID, tripID)).Bytes()
	if err != nil {
		return nil, err
	}
	var t model.Trip
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func tripCacheKey(tenantID, tripID string) string {
	return fmt.Sprintf("trip:%s:%s", tenantID, tripID)
}
