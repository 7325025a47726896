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
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BookingManager owns the booking lifecycle: it prices and creates
// bookings and keeps them in step with their capacity reservations.
type BookingManager struct {
	units    UnitCatalog
	bookings BookingRepository
	ledger   *InventoryLedger
	payments *PaymentReconciler
	events   EventPublisher
	logger   *zap.Logger
	now      func() time.Time
}

// NewBookingManager creates a new booking manager. UsePayments must be
// called before bookings are created.
func NewBookingManager(units UnitCatalog, bookings BookingRepository, ledger *InventoryLedger, events EventPublisher) *BookingManager {
	return &BookingManager{
		units:    units,
		bookings: bookings,
		ledger:   ledger,
		events:   events,
		logger:   util.GetLogger(),
		now:      time.Now,
	}
}

// UsePayments attaches the reconciler that opens and closes payment sessions
func (m *BookingManager) UsePayments(p *PaymentReconciler) {
	m.payments = p
}

// CreateBookingRequest represents a request to book a unit
type CreateBookingRequest struct {
	CustomerID string `json:"-"`
	UnitID     string `json:"unit_id" binding:"required"`
	StartDate  string `json:"start_date" binding:"required"`
	Days       int    `json:"days" binding:"required,min=1"`
	Quantity   int    `json:"quantity" binding:"required,min=1"`
	Notes      string `json:"notes"`
}

// CreateBookingResponse is returned to the customer after booking
type CreateBookingResponse struct {
	Booking   *models.Booking        `json:"booking"`
	Payment   *models.PaymentSession `json:"payment"`
	Remaining int                    `json:"remaining"`
}

// Availability describes free capacity of a unit for a window
type Availability struct {
	UnitID    string          `json:"unit_id"`
	StartDate string          `json:"start_date"`
	Days      int             `json:"days"`
	Total     int             `json:"total"`
	Remaining int             `json:"remaining"`
	Unlimited bool            `json:"unlimited"`
	Price     decimal.Decimal `json:"price_per_day"`
}

// CreateBooking reserves capacity, records a pending booking and opens its
// payment session
func (m *BookingManager) CreateBooking(ctx context.Context, req *CreateBookingRequest) (*CreateBookingResponse, error) {
	ctx, span := util.StartSpan(ctx, "BookingManager.CreateBooking", "unit_id", req.UnitID)
	defer span.End()

	window, err := m.validate(req)
	if err != nil {
		util.BookingsFailedTotal.WithLabelValues("invalid_request").Inc()
		return nil, err
	}

	unit, err := m.units.GetUnit(ctx, req.UnitID)
	if err != nil {
		util.BookingsFailedTotal.WithLabelValues("unknown_unit").Inc()
		return nil, mapStoreError(err)
	}

	bookingID := uuid.New().String()
	reservation, err := m.ledger.Reserve(ctx, unit, window, req.Quantity, bookingID)
	if err != nil {
		util.BookingsFailedTotal.WithLabelValues("unavailable").Inc()
		return nil, err
	}

	booking := &models.Booking{
		ID:            bookingID,
		UnitID:        unit.ID,
		CustomerID:    req.CustomerID,
		Quantity:      req.Quantity,
		StartDate:     window.Start,
		Days:          window.Days,
		Price:         calculatePrice(unit, window, req.Quantity),
		Status:        models.BookingStatusPending,
		ReservationID: reservation.ID,
		Notes:         req.Notes,
	}

	audit := &models.AuditEvent{
		Actor:       Actor{ID: req.CustomerID, Role: RoleCustomer}.String(),
		SubjectType: models.SubjectBooking,
		SubjectID:   booking.ID,
		ToState:     string(models.BookingStatusPending),
		Reason:      "booking created",
		EvidenceRef: reservation.ID,
	}

	if err := m.bookings.CreateBooking(ctx, booking, audit); err != nil {
		util.BookingsFailedTotal.WithLabelValues("db_error").Inc()
		util.RecordError(span, err)
		m.releaseReservation(ctx, reservation.ID)
		return nil, fmt.Errorf("failed to create booking: %w", err)
	}

	session, err := m.payments.OpenSession(ctx, booking)
	if err != nil {
		util.BookingsFailedTotal.WithLabelValues("payment_session").Inc()
		if _, cerr := m.Cancel(ctx, booking.ID, SystemActor, "payment session could not be opened"); cerr != nil {
			m.logger.Error("Failed to cancel booking without payment session",
				zap.String("booking_id", booking.ID),
				zap.Error(cerr))
		}
		return nil, fmt.Errorf("failed to open payment session: %w", err)
	}

	util.BookingsCreatedTotal.Inc()
	m.logger.Info("Booking created",
		zap.String("booking_id", booking.ID),
		zap.String("unit_id", unit.ID),
		zap.String("window", window.String()),
		zap.String("reference", session.ReferenceNumber))

	m.publish(ctx, booking, models.EventTypeBookingCreated, "")

	remaining, err := m.ledger.Remaining(ctx, unit, window)
	if err != nil {
		m.logger.Warn("Failed to read remaining capacity", zap.Error(err))
	}

	return &CreateBookingResponse{
		Booking:   booking,
		Payment:   session,
		Remaining: remaining,
	}, nil
}

func (m *BookingManager) validate(req *CreateBookingRequest) (models.Window, error) {
	if req.CustomerID == "" {
		return models.Window{}, invalid("customer_id", "is required")
	}
	if req.UnitID == "" {
		return models.Window{}, invalid("unit_id", "is required")
	}
	if req.Quantity < 1 {
		return models.Window{}, invalid("quantity", "must be at least 1")
	}
	if req.Days < 1 {
		return models.Window{}, invalid("days", "must be at least 1")
	}

	window, err := models.ParseWindow(req.StartDate, req.Days)
	if err != nil {
		return models.Window{}, invalid("start_date", err.Error())
	}
	if window.Start.Before(models.TruncateDay(m.now())) {
		return models.Window{}, invalid("start_date", "must not be in the past")
	}
	return window, nil
}

// calculatePrice is price per day x days x quantity
func calculatePrice(unit *models.BookableUnit, window models.Window, quantity int) decimal.Decimal {
	return unit.PricePerDay.Mul(decimal.NewFromInt(int64(window.Days * quantity)))
}

// Confirm moves a pending booking to confirmed and finalizes its
// reservation. Confirming an already confirmed booking is a no-op.
func (m *BookingManager) Confirm(ctx context.Context, bookingID string) (*models.Booking, error) {
	ctx, span := util.StartSpan(ctx, "BookingManager.Confirm", "booking_id", bookingID)
	defer span.End()

	booking, err := m.bookings.TransitionBooking(ctx, models.BookingTransition{
		BookingID: bookingID,
		From:      []models.BookingStatus{models.BookingStatusPending},
		To:        models.BookingStatusConfirmed,
	}, &models.AuditEvent{
		Actor:       SystemActor.String(),
		SubjectType: models.SubjectBooking,
		SubjectID:   bookingID,
		FromState:   string(models.BookingStatusPending),
		ToState:     string(models.BookingStatusConfirmed),
		Reason:      "payment completed",
	})
	if errors.Is(err, store.ErrStaleState) {
		current, gerr := m.GetBooking(ctx, bookingID)
		if gerr != nil {
			return nil, gerr
		}
		if current.Status == models.BookingStatusConfirmed {
			return current, nil
		}
		return nil, fmt.Errorf("%w: booking %s is %s", ErrInvalidTransition, bookingID, current.Status)
	}
	if err != nil {
		util.RecordError(span, err)
		return nil, mapStoreError(err)
	}

	if err := m.ledger.Finalize(ctx, booking.ReservationID); err != nil {
		m.logger.Error("Failed to finalize reservation",
			zap.String("booking_id", bookingID),
			zap.String("reservation_id", booking.ReservationID),
			zap.Error(err))
	}

	util.BookingsConfirmedTotal.Inc()
	m.logger.Info("Booking confirmed", zap.String("booking_id", bookingID))
	m.publish(ctx, booking, models.EventTypeBookingConfirmed, "")
	return booking, nil
}

// Cancel cancels a booking and releases its capacity. Pending bookings may
// be cancelled by their owner, an admin or the system; confirmed ones only
// by an admin. Cancelling a cancelled booking is a no-op.
func (m *BookingManager) Cancel(ctx context.Context, bookingID string, actor Actor, reason string) (*models.Booking, error) {
	ctx, span := util.StartSpan(ctx, "BookingManager.Cancel", "booking_id", bookingID)
	defer span.End()

	current, err := m.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	switch current.Status {
	case models.BookingStatusCancelled:
		return current, nil
	case models.BookingStatusCompleted:
		return nil, fmt.Errorf("%w: booking %s is completed", ErrInvalidTransition, bookingID)
	case models.BookingStatusPending:
		owner := actor.Role == RoleCustomer && actor.ID == current.CustomerID
		if !owner && !actor.IsAdmin() && actor.Role != RoleSystem {
			return nil, ErrUnauthorized
		}
		// the payment session decides races with an arriving payment
		if err := m.payments.CloseForBooking(ctx, bookingID, actor, reason); err != nil {
			return nil, err
		}
	case models.BookingStatusConfirmed:
		if !actor.IsAdmin() {
			return nil, ErrUnauthorized
		}
	}

	if reason == "" {
		reason = "cancelled by " + string(actor.Role)
	}

	booking, err := m.bookings.TransitionBooking(ctx, models.BookingTransition{
		BookingID:    bookingID,
		From:         []models.BookingStatus{current.Status},
		To:           models.BookingStatusCancelled,
		CancelReason: reason,
	}, &models.AuditEvent{
		Actor:       actor.String(),
		SubjectType: models.SubjectBooking,
		SubjectID:   bookingID,
		FromState:   string(current.Status),
		ToState:     string(models.BookingStatusCancelled),
		Reason:      reason,
	})
	if errors.Is(err, store.ErrStaleState) {
		latest, gerr := m.GetBooking(ctx, bookingID)
		if gerr != nil {
			return nil, gerr
		}
		if latest.Status == models.BookingStatusCancelled {
			return latest, nil
		}
		return nil, fmt.Errorf("%w: booking %s is now %s", ErrInvalidTransition, bookingID, latest.Status)
	}
	if err != nil {
		util.RecordError(span, err)
		return nil, mapStoreError(err)
	}

	m.releaseReservation(ctx, booking.ReservationID)

	util.BookingsCancelledTotal.WithLabelValues(string(actor.Role)).Inc()
	m.logger.Info("Booking cancelled",
		zap.String("booking_id", bookingID),
		zap.String("actor", actor.String()),
		zap.String("reason", reason))
	m.publish(ctx, booking, models.EventTypeBookingCancelled, reason)
	return booking, nil
}

// Complete marks a confirmed booking as fulfilled
func (m *BookingManager) Complete(ctx context.Context, bookingID string, actor Actor) (*models.Booking, error) {
	ctx, span := util.StartSpan(ctx, "BookingManager.Complete", "booking_id", bookingID)
	defer span.End()

	if !actor.IsAdmin() && actor.Role != RoleSystem {
		return nil, ErrUnauthorized
	}

	booking, err := m.bookings.TransitionBooking(ctx, models.BookingTransition{
		BookingID: bookingID,
		From:      []models.BookingStatus{models.BookingStatusConfirmed},
		To:        models.BookingStatusCompleted,
	}, &models.AuditEvent{
		Actor:       actor.String(),
		SubjectType: models.SubjectBooking,
		SubjectID:   bookingID,
		FromState:   string(models.BookingStatusConfirmed),
		ToState:     string(models.BookingStatusCompleted),
		Reason:      "booking fulfilled",
	})
	if errors.Is(err, store.ErrStaleState) {
		current, gerr := m.GetBooking(ctx, bookingID)
		if gerr != nil {
			return nil, gerr
		}
		if current.Status == models.BookingStatusCompleted {
			return current, nil
		}
		return nil, fmt.Errorf("%w: booking %s is %s", ErrInvalidTransition, bookingID, current.Status)
	}
	if err != nil {
		return nil, mapStoreError(err)
	}

	util.BookingsCompletedTotal.Inc()
	m.publish(ctx, booking, models.EventTypeBookingCompleted, "")
	return booking, nil
}

// GetBooking retrieves a booking by ID
func (m *BookingManager) GetBooking(ctx context.Context, bookingID string) (*models.Booking, error) {
	booking, err := m.bookings.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return booking, nil
}

// ListCustomerBookings retrieves a customer's bookings, newest first
func (m *BookingManager) ListCustomerBookings(ctx context.Context, customerID string) ([]models.Booking, error) {
	return m.bookings.GetBookingsByCustomer(ctx, customerID)
}

// Availability reports how much of a unit is free for the given window
func (m *BookingManager) Availability(ctx context.Context, unitID, startDate string, days int) (*Availability, error) {
	ctx, span := util.StartSpan(ctx, "BookingManager.Availability", "unit_id", unitID)
	defer span.End()

	if days < 1 {
		days = 1
	}
	window, err := models.ParseWindow(startDate, days)
	if err != nil {
		return nil, invalid("start_date", err.Error())
	}

	unit, err := m.units.GetUnit(ctx, unitID)
	if err != nil {
		return nil, mapStoreError(err)
	}

	remaining, err := m.ledger.Remaining(ctx, unit, window)
	if err != nil {
		return nil, err
	}

	return &Availability{
		UnitID:    unit.ID,
		StartDate: startDate,
		Days:      window.Days,
		Total:     unit.TotalQuantity,
		Remaining: remaining,
		Unlimited: unit.Unlimited(),
		Price:     unit.PricePerDay,
	}, nil
}

func (m *BookingManager) releaseReservation(ctx context.Context, reservationID string) {
	if _, err := m.ledger.Release(ctx, reservationID); err != nil {
		m.logger.Error("Failed to release reservation",
			zap.String("reservation_id", reservationID),
			zap.Error(err))
	}
}

func (m *BookingManager) publish(ctx context.Context, b *models.Booking, eventType, reason string) {
	event := &models.BookingEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: eventType,
			Timestamp: time.Now().UTC(),
		},
		BookingID:  b.ID,
		UnitID:     b.UnitID,
		CustomerID: b.CustomerID,
		Quantity:   b.Quantity,
		StartDate:  b.Window().DayKeys()[0],
		Days:       b.Days,
		Price:      b.Price,
		Status:     b.Status,
		Reason:     reason,
	}

	if err := m.events.PublishBookingEvent(ctx, event); err != nil {
		m.logger.Error("Failed to publish booking event",
			zap.String("event_type", eventType),
			zap.String("booking_id", b.ID),
			zap.Error(err))
	}
}
