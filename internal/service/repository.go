package service

import (
	"context"
	"time"

	"booking-service/internal/models"
)

// UnitCatalog resolves bookable units
type UnitCatalog interface {
	GetUnit(ctx context.Context, id string) (*models.BookableUnit, error)
}

// LedgerBackend persists capacity counters. Implementations must make
// ReserveCapacity atomic across every day of the reservation window.
type LedgerBackend interface {
	ReserveCapacity(ctx context.Context, unit *models.BookableUnit, res *models.Reservation) (ok bool, remaining int, err error)
	ReleaseCapacity(ctx context.Context, reservationID string) (released bool, err error)
	FinalizeCapacity(ctx context.Context, reservationID string) error
	RemainingCapacity(ctx context.Context, unit *models.BookableUnit, window models.Window) (int, error)
	GetReservation(ctx context.Context, id string) (*models.Reservation, error)
}

// BookingRepository persists bookings. Every write carries the audit event
// to store with it.
type BookingRepository interface {
	CreateBooking(ctx context.Context, b *models.Booking, ev *models.AuditEvent) error
	GetBooking(ctx context.Context, id string) (*models.Booking, error)
	GetBookingsByCustomer(ctx context.Context, customerID string) ([]models.Booking, error)
	TransitionBooking(ctx context.Context, t models.BookingTransition, ev *models.AuditEvent) (*models.Booking, error)
}

// PaymentRepository persists payment sessions and uploaded receipts
type PaymentRepository interface {
	CreatePaymentSession(ctx context.Context, p *models.PaymentSession, ev *models.AuditEvent) error
	GetPaymentSession(ctx context.Context, id string) (*models.PaymentSession, error)
	GetPaymentSessionByReference(ctx context.Context, reference string) (*models.PaymentSession, error)
	GetActivePaymentSession(ctx context.Context, bookingID string) (*models.PaymentSession, error)
	GetLatestPaymentSession(ctx context.Context, bookingID string) (*models.PaymentSession, error)
	TransitionPaymentSession(ctx context.Context, t models.PaymentTransition, ev *models.AuditEvent) (*models.PaymentSession, error)
	ListExpiredPendingSessions(ctx context.Context, cutoff time.Time, limit int) ([]models.PaymentSession, error)
	ListUnsettledSessions(ctx context.Context, cutoff time.Time, limit int) ([]models.PaymentSession, error)
	SaveReceiptImage(ctx context.Context, img *models.ReceiptImage) error
	GetReceiptImage(ctx context.Context, sessionID string) (*models.ReceiptImage, error)
}

// AuditRepository is the append-only audit log
type AuditRepository interface {
	AppendAuditEvent(ctx context.Context, ev *models.AuditEvent) error
	ListAuditEvents(ctx context.Context, subjectID string) ([]models.AuditEvent, error)
	HasAuditEvidence(ctx context.Context, subjectID, evidenceRef string) (bool, error)
	PurgeAuditEvents(ctx context.Context, cutoff time.Time, ev *models.AuditEvent) (int64, error)
}

// EventPublisher fans domain events out to notification consumers
type EventPublisher interface {
	PublishBookingEvent(ctx context.Context, event *models.BookingEvent) error
	PublishPaymentEvent(ctx context.Context, event *models.PaymentEvent) error
}

// EventDeduper marks gateway events already being handled. A held claim is
// a hint only; the audit log decides whether an event was applied.
type EventDeduper interface {
	ClaimEvent(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ForgetEvent(ctx context.Context, key string) error
}

// Locker elects a single replica for periodic work
type Locker interface {
	AcquireLock(ctx context.Context, lockKey, token string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey, token string) error
}

// Store is everything the services need from one persistence backend
type Store interface {
	UnitCatalog
	BookingRepository
	PaymentRepository
	AuditRepository
}
