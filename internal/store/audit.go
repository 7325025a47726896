package store

import (
	"context"
	"fmt"
	"time"

	"booking-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// AppendAuditEvent records a standalone audit event
func (s *Store) AppendAuditEvent(ctx context.Context, ev *models.AuditEvent) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		return insertAudit(ctx, tx, ev)
	})
}

// ListAuditEvents retrieves the audit history of a subject, oldest first
func (s *Store) ListAuditEvents(ctx context.Context, subjectID string) ([]models.AuditEvent, error) {
	var events []models.AuditEvent
	err := s.db.SelectContext(ctx, &events,
		"SELECT * FROM audit_events WHERE subject_id = $1 ORDER BY occurred_at, id", subjectID)
	return events, err
}

// HasAuditEvidence reports whether evidenceRef was already recorded for the subject
func (s *Store) HasAuditEvidence(ctx context.Context, subjectID, evidenceRef string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM audit_events WHERE subject_id = $1 AND evidence_ref = $2)",
		subjectID, evidenceRef)
	return exists, err
}

// PurgeAuditEvents deletes events older than cutoff and records the purge
// itself in the same transaction.
func (s *Store) PurgeAuditEvents(ctx context.Context, cutoff time.Time, ev *models.AuditEvent) (int64, error) {
	var purged int64

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, "DELETE FROM audit_events WHERE occurred_at < $1", cutoff)
		if err != nil {
			return fmt.Errorf("failed to purge audit events: %w", err)
		}
		purged, _ = result.RowsAffected()

		ev.EvidenceRef = fmt.Sprintf("purged:%d", purged)
		return insertAudit(ctx, tx, ev)
	})

	return purged, err
}
