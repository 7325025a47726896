package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"booking-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const activeSessionIndex = "ux_payment_sessions_active_booking"

// CreatePaymentSession inserts a session and its audit record. A second
// active session for the same booking fails with ErrActiveSession.
func (s *Store) CreatePaymentSession(ctx context.Context, p *models.PaymentSession, ev *models.AuditEvent) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		query := `
			INSERT INTO payment_sessions (id, booking_id, amount, reference_number, payment_code, status, evidence, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING version, updated_at`

		err := tx.QueryRowxContext(ctx, query,
			p.ID, p.BookingID, p.Amount, p.ReferenceNumber, p.PaymentCode, p.Status, jsonOrEmpty(p.Evidence), p.CreatedAt,
		).Scan(&p.Version, &p.UpdatedAt)

		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" && pqErr.Constraint == activeSessionIndex {
			return fmt.Errorf("booking %s: %w", p.BookingID, ErrActiveSession)
		}
		if err != nil {
			return fmt.Errorf("failed to insert payment session: %w", err)
		}

		return insertAudit(ctx, tx, ev)
	})
}

// GetPaymentSession retrieves a session by ID
func (s *Store) GetPaymentSession(ctx context.Context, id string) (*models.PaymentSession, error) {
	var p models.PaymentSession
	err := s.db.GetContext(ctx, &p, "SELECT * FROM payment_sessions WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPaymentSessionByReference retrieves a session by its reference number
func (s *Store) GetPaymentSessionByReference(ctx context.Context, reference string) (*models.PaymentSession, error) {
	var p models.PaymentSession
	err := s.db.GetContext(ctx, &p, "SELECT * FROM payment_sessions WHERE reference_number = $1", reference)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment %s: %w", reference, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetActivePaymentSession retrieves the pending or in-review session of a booking
func (s *Store) GetActivePaymentSession(ctx context.Context, bookingID string) (*models.PaymentSession, error) {
	var p models.PaymentSession
	err := s.db.GetContext(ctx, &p, `
		SELECT * FROM payment_sessions
		WHERE booking_id = $1 AND status IN ($2, $3)`,
		bookingID, models.PaymentStatusPending, models.PaymentStatusPendingReview)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active payment for booking %s: %w", bookingID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetLatestPaymentSession retrieves the most recently opened session of a booking
func (s *Store) GetLatestPaymentSession(ctx context.Context, bookingID string) (*models.PaymentSession, error) {
	var p models.PaymentSession
	err := s.db.GetContext(ctx, &p, `
		SELECT * FROM payment_sessions
		WHERE booking_id = $1
		ORDER BY created_at DESC
		LIMIT 1`,
		bookingID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("payment for booking %s: %w", bookingID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// TransitionPaymentSession is the compare-and-swap at the heart of payment
// reconciliation: the row is updated only while its status is one of t.From.
// Empty evidence and a nil completion time keep the stored values.
func (s *Store) TransitionPaymentSession(ctx context.Context, t models.PaymentTransition, ev *models.AuditEvent) (*models.PaymentSession, error) {
	var p models.PaymentSession

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		from := make([]string, len(t.From))
		for i, st := range t.From {
			from[i] = string(st)
		}

		var evidence interface{}
		if len(t.Evidence) > 0 {
			evidence = []byte(t.Evidence)
		}

		err := tx.GetContext(ctx, &p, `
			UPDATE payment_sessions
			SET status = $1,
			    channel = CASE WHEN $2::text = '' THEN channel ELSE $2::text END,
			    failure_reason = CASE WHEN $3::text = '' THEN failure_reason ELSE $3::text END,
			    evidence = COALESCE($4::jsonb, evidence),
			    completed_at = COALESCE($5::timestamptz, completed_at),
			    version = version + 1,
			    updated_at = NOW()
			WHERE id = $6 AND status = ANY($7::text[])
			RETURNING *`,
			t.To, t.Channel, t.FailureReason, evidence, t.CompletedAt, t.SessionID, pq.Array(from))
		if errors.Is(err, sql.ErrNoRows) {
			var exists bool
			if err := tx.GetContext(ctx, &exists, "SELECT EXISTS(SELECT 1 FROM payment_sessions WHERE id = $1)", t.SessionID); err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("payment %s: %w", t.SessionID, ErrNotFound)
			}
			return fmt.Errorf("payment %s: %w", t.SessionID, ErrStaleState)
		}
		if err != nil {
			return fmt.Errorf("failed to update payment status: %w", err)
		}

		return insertAudit(ctx, tx, ev)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListExpiredPendingSessions returns pending sessions created before cutoff, oldest first
func (s *Store) ListExpiredPendingSessions(ctx context.Context, cutoff time.Time, limit int) ([]models.PaymentSession, error) {
	var sessions []models.PaymentSession
	err := s.db.SelectContext(ctx, &sessions, `
		SELECT * FROM payment_sessions
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3`,
		models.PaymentStatusPending, cutoff, limit)
	return sessions, err
}

// ListUnsettledSessions returns terminal sessions last changed before cutoff
// whose booking is still pending
func (s *Store) ListUnsettledSessions(ctx context.Context, cutoff time.Time, limit int) ([]models.PaymentSession, error) {
	var sessions []models.PaymentSession
	err := s.db.SelectContext(ctx, &sessions, `
		SELECT ps.* FROM payment_sessions ps
		JOIN bookings b ON b.id = ps.booking_id
		WHERE ps.status IN ($1, $2, $3) AND b.status = $4 AND ps.updated_at < $5
		ORDER BY ps.updated_at
		LIMIT $6`,
		models.PaymentStatusCompleted, models.PaymentStatusFailed, models.PaymentStatusRejected,
		models.BookingStatusPending, cutoff, limit)
	return sessions, err
}

// SaveReceiptImage stores the latest receipt uploaded for a session
func (s *Store) SaveReceiptImage(ctx context.Context, img *models.ReceiptImage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO receipt_images (session_id, mime_type, sha256, data, uploaded_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id) DO UPDATE
		SET mime_type = EXCLUDED.mime_type, sha256 = EXCLUDED.sha256,
		    data = EXCLUDED.data, uploaded_at = EXCLUDED.uploaded_at`,
		img.SessionID, img.MimeType, img.SHA256, img.Data, img.UploadedAt)
	if err != nil {
		return fmt.Errorf("failed to save receipt image: %w", err)
	}
	return nil
}

// GetReceiptImage retrieves the stored receipt of a session
func (s *Store) GetReceiptImage(ctx context.Context, sessionID string) (*models.ReceiptImage, error) {
	var img models.ReceiptImage
	err := s.db.GetContext(ctx, &img, "SELECT * FROM receipt_images WHERE session_id = $1", sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("receipt for payment %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &img, nil
}

func jsonOrEmpty(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}
