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

var errCapacityExceeded = errors.New("capacity exceeded")

// reserveDayQuery increments one day's counter only while it stays within
// the unit's total. No row is returned when the day is full.
const reserveDayQuery = `
	INSERT INTO unit_day_usage (unit_id, day, reserved)
	SELECT $1, $2::date, $3::int WHERE $3::int <= $4::int
	ON CONFLICT (unit_id, day) DO UPDATE
	SET reserved = unit_day_usage.reserved + EXCLUDED.reserved
	WHERE unit_day_usage.reserved + EXCLUDED.reserved <= $4::int
	RETURNING reserved`

// ReserveCapacity records res and adds its quantity to every day of its
// window in one transaction. Days are locked in ascending order so that
// overlapping multi-day reservations cannot deadlock each other.
// It returns false with the current remaining capacity when any day is full.
func (s *Store) ReserveCapacity(ctx context.Context, unit *models.BookableUnit, res *models.Reservation) (bool, int, error) {
	window := res.Window()
	peak := 0

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		query := `
			INSERT INTO reservations (id, unit_id, booking_id, start_date, days, quantity, status)
			VALUES ($1, $2, $3, $4::date, $5, $6, $7)
			RETURNING created_at, updated_at`

		if err := tx.QueryRowxContext(ctx, query,
			res.ID, res.UnitID, res.BookingID, window.DayKeys()[0], res.Days, res.Quantity, models.ReservationHeld,
		).Scan(&res.CreatedAt, &res.UpdatedAt); err != nil {
			return fmt.Errorf("failed to insert reservation: %w", err)
		}

		if unit.Unlimited() {
			return nil
		}

		for _, day := range window.DayKeys() {
			var reserved int
			err := tx.QueryRowxContext(ctx, reserveDayQuery, unit.ID, day, res.Quantity, unit.TotalQuantity).Scan(&reserved)
			if errors.Is(err, sql.ErrNoRows) {
				return errCapacityExceeded
			}
			if err != nil {
				return fmt.Errorf("failed to reserve %s on %s: %w", unit.ID, day, err)
			}
			if reserved > peak {
				peak = reserved
			}
		}
		return nil
	})

	if errors.Is(err, errCapacityExceeded) {
		remaining, rerr := s.RemainingCapacity(ctx, unit, window)
		if rerr != nil {
			return false, 0, rerr
		}
		return false, remaining, nil
	}
	if err != nil {
		return false, 0, err
	}

	res.Status = models.ReservationHeld
	if unit.Unlimited() {
		return true, models.UnlimitedCapacity, nil
	}
	return true, unit.TotalQuantity - peak, nil
}

// ReleaseCapacity marks the reservation released and gives its quantity back.
// Releasing an already released reservation returns false without error.
func (s *Store) ReleaseCapacity(ctx context.Context, reservationID string) (bool, error) {
	released := false

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var res models.Reservation
		err := tx.GetContext(ctx, &res, `
			UPDATE reservations SET status = $1, updated_at = NOW()
			WHERE id = $2 AND status IN ($3, $4)
			RETURNING *`,
			models.ReservationReleased, reservationID, models.ReservationHeld, models.ReservationFinalized)
		if errors.Is(err, sql.ErrNoRows) {
			_, lerr := lookupReservationStatus(ctx, tx, reservationID)
			return lerr
		}
		if err != nil {
			return fmt.Errorf("failed to release reservation: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE unit_day_usage SET reserved = reserved - $1
			WHERE unit_id = $2 AND day = ANY($3::date[])`,
			res.Quantity, res.UnitID, pq.Array(res.Window().DayKeys())); err != nil {
			return fmt.Errorf("failed to return capacity: %w", err)
		}

		released = true
		return nil
	})

	return released, err
}

// FinalizeCapacity turns a held reservation into a permanent one. Capacity
// accounting is unchanged.
func (s *Store) FinalizeCapacity(ctx context.Context, reservationID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE reservations SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3`,
		models.ReservationFinalized, reservationID, models.ReservationHeld)
	if err != nil {
		return fmt.Errorf("failed to finalize reservation: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		return nil
	}

	status, err := lookupReservationStatus(ctx, s.db, reservationID)
	if err != nil {
		return err
	}
	if status == models.ReservationReleased {
		return fmt.Errorf("reservation %s: %w", reservationID, ErrReservationReleased)
	}
	return nil
}

// RemainingCapacity returns how many more units can be reserved across the
// whole window.
func (s *Store) RemainingCapacity(ctx context.Context, unit *models.BookableUnit, window models.Window) (int, error) {
	if unit.Unlimited() {
		return models.UnlimitedCapacity, nil
	}

	var peak int
	err := s.db.GetContext(ctx, &peak, `
		SELECT COALESCE(MAX(reserved), 0) FROM unit_day_usage
		WHERE unit_id = $1 AND day = ANY($2::date[])`,
		unit.ID, pq.Array(window.DayKeys()))
	if err != nil {
		return 0, fmt.Errorf("failed to read capacity: %w", err)
	}

	remaining := unit.TotalQuantity - peak
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// GetReservation retrieves a reservation by ID
func (s *Store) GetReservation(ctx context.Context, id string) (*models.Reservation, error) {
	var res models.Reservation
	err := s.db.GetContext(ctx, &res, "SELECT * FROM reservations WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reservation %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func lookupReservationStatus(ctx context.Context, q sqlx.QueryerContext, id string) (models.ReservationStatus, error) {
	var status models.ReservationStatus
	err := sqlx.GetContext(ctx, q, &status, "SELECT status FROM reservations WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("reservation %s: %w", id, ErrNotFound)
	}
	return status, err
}
