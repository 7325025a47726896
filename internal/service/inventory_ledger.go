package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"booking-service/internal/models"
	"booking-service/internal/store"
	"booking-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// InventoryLedger guards unit capacity. Every reserve is checked against
// all days of the window at once by the backend.
type InventoryLedger struct {
	backend LedgerBackend
	logger  *zap.Logger
}

// NewInventoryLedger creates a ledger over the given backend
func NewInventoryLedger(backend LedgerBackend) *InventoryLedger {
	return &InventoryLedger{
		backend: backend,
		logger:  util.GetLogger(),
	}
}

// Reserve holds quantity of unit for window on behalf of bookingID
func (l *InventoryLedger) Reserve(ctx context.Context, unit *models.BookableUnit, window models.Window, quantity int, bookingID string) (*models.Reservation, error) {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.Reserve", "unit_id", unit.ID, "window", window.String())
	defer span.End()

	if quantity < 1 {
		return nil, invalid("quantity", "must be at least 1")
	}

	start := time.Now()
	defer func() {
		util.InventoryReserveLatency.Observe(time.Since(start).Seconds())
	}()

	res := &models.Reservation{
		ID:        uuid.New().String(),
		UnitID:    unit.ID,
		BookingID: bookingID,
		StartDate: window.Start,
		Days:      window.Days,
		Quantity:  quantity,
	}

	ok, remaining, err := l.backend.ReserveCapacity(ctx, unit, res)
	if err != nil {
		util.InventoryReservationsFailed.WithLabelValues("error").Inc()
		util.RecordError(span, err)
		return nil, fmt.Errorf("failed to reserve capacity: %w", err)
	}
	if !ok {
		util.InventoryReservationsFailed.WithLabelValues("insufficient_capacity").Inc()
		l.logger.Info("Reservation rejected",
			zap.String("unit_id", unit.ID),
			zap.String("window", window.String()),
			zap.Int("requested", quantity),
			zap.Int("remaining", remaining))
		return nil, &UnavailableError{UnitID: unit.ID, Requested: quantity, Remaining: remaining}
	}

	l.logger.Debug("Capacity reserved",
		zap.String("reservation_id", res.ID),
		zap.String("unit_id", unit.ID),
		zap.Int("remaining", remaining))
	return res, nil
}

// Release gives a reservation's capacity back. It reports false when the
// reservation had already been released.
func (l *InventoryLedger) Release(ctx context.Context, reservationID string) (bool, error) {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.Release", "reservation_id", reservationID)
	defer span.End()

	released, err := l.backend.ReleaseCapacity(ctx, reservationID)
	if err != nil {
		util.InventoryReleasesTotal.WithLabelValues("error").Inc()
		util.RecordError(span, err)
		return false, mapStoreError(err)
	}

	if released {
		util.InventoryReleasesTotal.WithLabelValues("released").Inc()
	} else {
		util.InventoryReleasesTotal.WithLabelValues("noop").Inc()
	}
	return released, nil
}

// Finalize makes a held reservation permanent
func (l *InventoryLedger) Finalize(ctx context.Context, reservationID string) error {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.Finalize", "reservation_id", reservationID)
	defer span.End()

	if err := l.backend.FinalizeCapacity(ctx, reservationID); err != nil {
		util.RecordError(span, err)
		return mapStoreError(err)
	}
	return nil
}

// Remaining returns how many units can still be reserved for the whole
// window, or models.UnlimitedCapacity.
func (l *InventoryLedger) Remaining(ctx context.Context, unit *models.BookableUnit, window models.Window) (int, error) {
	ctx, span := util.StartSpan(ctx, "InventoryLedger.Remaining", "unit_id", unit.ID)
	defer span.End()

	return l.backend.RemainingCapacity(ctx, unit, window)
}

// Reservation returns the current state of a reservation handle
func (l *InventoryLedger) Reservation(ctx context.Context, reservationID string) (*models.Reservation, error) {
	res, err := l.backend.GetReservation(ctx, reservationID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return res, nil
}

// mapStoreError translates repository sentinels into service errors
func mapStoreError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, store.ErrReservationReleased),
		errors.Is(err, store.ErrStaleState),
		errors.Is(err, store.ErrActiveSession):
		return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
	}
	return err
}
