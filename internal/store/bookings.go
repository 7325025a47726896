package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"booking-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// CreateBooking inserts a booking and its audit record in one transaction
func (s *Store) CreateBooking(ctx context.Context, b *models.Booking, ev *models.AuditEvent) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		query := `
			INSERT INTO bookings (id, unit_id, customer_id, quantity, start_date, days, price, status, reservation_id, notes)
			VALUES ($1, $2, $3, $4, $5::date, $6, $7, $8, $9, $10)
			RETURNING version, created_at, updated_at`

		if err := tx.QueryRowxContext(ctx, query,
			b.ID, b.UnitID, b.CustomerID, b.Quantity, b.Window().DayKeys()[0], b.Days,
			b.Price, b.Status, b.ReservationID, b.Notes,
		).Scan(&b.Version, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return fmt.Errorf("failed to insert booking: %w", err)
		}

		return insertAudit(ctx, tx, ev)
	})
}

// GetBooking retrieves a booking by ID
func (s *Store) GetBooking(ctx context.Context, id string) (*models.Booking, error) {
	var b models.Booking
	err := s.db.GetContext(ctx, &b, "SELECT * FROM bookings WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("booking %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// GetBookingsByCustomer retrieves bookings for a customer, newest first
func (s *Store) GetBookingsByCustomer(ctx context.Context, customerID string) ([]models.Booking, error) {
	var bookings []models.Booking
	err := s.db.SelectContext(ctx, &bookings,
		"SELECT * FROM bookings WHERE customer_id = $1 ORDER BY created_at DESC", customerID)
	return bookings, err
}

// TransitionBooking moves a booking to t.To only if it is still in one of
// t.From. The audit record is written in the same transaction. ErrStaleState
// is returned when the booking exists but has already moved on.
func (s *Store) TransitionBooking(ctx context.Context, t models.BookingTransition, ev *models.AuditEvent) (*models.Booking, error) {
	var b models.Booking

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		from := make([]string, len(t.From))
		for i, st := range t.From {
			from[i] = string(st)
		}

		err := tx.GetContext(ctx, &b, `
			UPDATE bookings
			SET status = $1,
			    cancel_reason = CASE WHEN $2::text = '' THEN cancel_reason ELSE $2::text END,
			    version = version + 1,
			    updated_at = NOW()
			WHERE id = $3 AND status = ANY($4::text[])
			RETURNING *`,
			t.To, t.CancelReason, t.BookingID, pq.Array(from))
		if errors.Is(err, sql.ErrNoRows) {
			var exists bool
			if err := tx.GetContext(ctx, &exists, "SELECT EXISTS(SELECT 1 FROM bookings WHERE id = $1)", t.BookingID); err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("booking %s: %w", t.BookingID, ErrNotFound)
			}
			return fmt.Errorf("booking %s: %w", t.BookingID, ErrStaleState)
		}
		if err != nil {
			return fmt.Errorf("failed to update booking status: %w", err)
		}

		return insertAudit(ctx, tx, ev)
	})
	if err != nil {
		return nil, err
	}
	return &b, nil
}
