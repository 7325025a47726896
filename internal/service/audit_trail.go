package service

import (
	"context"
	"fmt"
	"time"

	"booking-service/internal/models"
	"booking-service/internal/util"

	"go.uber.org/zap"
)

// AuditTrail is the append-only record of every booking and payment
// transition. Transition records are written by the repositories together
// with the change itself; AuditTrail covers standalone records and reads.
type AuditTrail struct {
	repo      AuditRepository
	retention time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// NewAuditTrail creates an audit trail keeping events for retention
func NewAuditTrail(repo AuditRepository, retention time.Duration) *AuditTrail {
	return &AuditTrail{
		repo:      repo,
		retention: retention,
		logger:    util.GetLogger(),
		now:       time.Now,
	}
}

// Record appends a standalone audit event
func (a *AuditTrail) Record(ctx context.Context, ev *models.AuditEvent) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = a.now().UTC()
	}
	if err := a.repo.AppendAuditEvent(ctx, ev); err != nil {
		return fmt.Errorf("failed to record audit event: %w", err)
	}
	return nil
}

// History returns every event of a subject, oldest first
func (a *AuditTrail) History(ctx context.Context, subjectID string) ([]models.AuditEvent, error) {
	return a.repo.ListAuditEvents(ctx, subjectID)
}

// HasEvidence reports whether evidenceRef was already recorded for the subject
func (a *AuditTrail) HasEvidence(ctx context.Context, subjectID, evidenceRef string) (bool, error) {
	if evidenceRef == "" {
		return false, nil
	}
	return a.repo.HasAuditEvidence(ctx, subjectID, evidenceRef)
}

// Purge deletes events older than before. The purge is itself audited.
func (a *AuditTrail) Purge(ctx context.Context, actor Actor, before time.Time) (int64, error) {
	ctx, span := util.StartSpan(ctx, "AuditTrail.Purge")
	defer span.End()

	if !actor.IsAdmin() {
		return 0, ErrUnauthorized
	}
	if before.IsZero() {
		before = a.now().Add(-a.retention)
	}
	if !before.Before(a.now()) {
		return 0, invalid("before", "must be in the past")
	}

	ev := &models.AuditEvent{
		OccurredAt:  a.now().UTC(),
		Actor:       actor.String(),
		SubjectType: models.SubjectAudit,
		SubjectID:   "audit_events",
		Reason:      "retention purge before " + before.UTC().Format(time.RFC3339),
	}

	purged, err := a.repo.PurgeAuditEvents(ctx, before, ev)
	if err != nil {
		util.RecordError(span, err)
		return 0, fmt.Errorf("failed to purge audit events: %w", err)
	}

	a.logger.Info("Audit events purged",
		zap.Int64("purged", purged),
		zap.Time("before", before),
		zap.String("actor", actor.String()))
	return purged, nil
}
