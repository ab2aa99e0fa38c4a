package service

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/tripstack/trip-service/internal/model"
	"github.com/tripstack/trip-service/internal/repo"
	"github.com/tripstack/trip-service/internal/uow"
)

// ErrEmptyName means a trip was submitted without a name.
var ErrEmptyName = errors.New("trip name must not be empty")

// ErrEmptyStop means an empty stop was submitted.
var ErrEmptyStop = errors.New("stop must not be empty")

// TripService glues the trip aggregate to the unit of work. Callers only ever
// see the durability outcome of the business write; delivery state of raised
// events never surfaces here.
type TripService struct {
	uow  *uow.Manager
	repo repo.RepositoryInterface
	log  *zap.SugaredLogger
}

// NewTripService returns TripService.
func NewTripService(m *uow.Manager, r repo.RepositoryInterface, logger *zap.SugaredLogger) *TripService {
	return &TripService{uow: m, repo: r, log: logger}
}

// CreateTrip persists a new trip and raises trip.created.
func (s *TripService) CreateTrip(ctx context.Context, tenantID, name string, stops []string, fare decimal.Decimal) (*model.Trip, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	u, ctx, err := s.uow.Begin(ctx)
	if err != nil {
		return nil, err
	}

	t := &model.Trip{ID: uuid.NewString(), TenantID: tenantID, Name: name, Fare: fare}
	t.SetStops(stops)
	if err := s.repo.CreateTrip(ctx, u.Tx(), t); err != nil {
		_ = u.Rollback()
		return nil, err
	}
	t.RaiseCreated(ctx)

	if err := u.Commit(ctx); err != nil {
		return nil, err
	}
	if err := s.repo.CacheTrip(ctx, t); err != nil {
		s.log.Warn(err)
	}
	return t, nil
}

// AddStop appends a stop to an existing trip and raises trip.stop_added.
func (s *TripService) AddStop(ctx context.Context, tenantID, tripID, stop string) (*model.Trip, error) {
	if stop == "" {
		return nil, ErrEmptyStop
	}
	u, ctx, err := s.uow.Begin(ctx)
	if err != nil {
		return nil, err
	}

	t, err := s.repo.GetTripForUpdate(ctx, u.Tx(), tenantID, tripID)
	if err != nil {
		_ = u.Rollback()
		return nil, err
	}
	t.SetStops(append(t.StopList(), stop))
	if err := s.repo.UpdateTrip(ctx, u.Tx(), t, t.Version); err != nil {
		_ = u.Rollback()
		return nil, err
	}
	t.RaiseStopAdded(ctx, stop)

	if err := u.Commit(ctx); err != nil {
		return nil, err
	}
	t.Version++
	if err := s.repo.CacheTrip(ctx, t); err != nil {
		s.log.Warn(err)
	}
	return t, nil
}

// GetTrip reads a trip, cache first.
func (s *TripService) GetTrip(ctx context.Context, tenantID, tripID string) (*model.Trip, error) {
	if t, err := s.repo.GetCachedTrip(ctx, tenantID, tripID); err == nil {
		return t, nil
	}
	t, err := s.repo.GetTrip(ctx, tenantID, tripID)
	if err != nil {
		return nil, err
	}
	if err := s.repo.CacheTrip(ctx, t); err != nil {
		s.log.Warn(err)
	}
	return t, nil
}

// ListFailedEvents lists ERR outbox records for operators.
func (s *TripService) ListFailedEvents(ctx context.Context, tenantID string, limit int) ([]model.OutboxRecord, error) {
	return s.repo.ListFailed(ctx, tenantID, limit)
}

// RequeueEvent moves one ERR record back to NEW.
func (s *TripService) RequeueEvent(ctx context.Context, id string) error {
	return s.repo.RequeueFailed(ctx, id)
}

// Repo exposes underlying repository (unit tests helper).
func (s *TripService) Repo() repo.RepositoryInterface {
	return s.repo
}
