package service

import (
	"context"
	"testing"
	"time"

	"booking-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPurgeRequiresAdmin(t *testing.T) {
	f := newFixture(t)

	_, err := f.audit.Purge(context.Background(), SystemActor, time.Time{})

	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestPurgeRemovesOldEventsAndRecordsItself(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := f.clock.Now()

	require.NoError(t, f.audit.Record(ctx, &models.AuditEvent{
		OccurredAt:  now.AddDate(-2, 0, 0),
		Actor:       "system",
		SubjectType: models.SubjectBooking,
		SubjectID:   "bk-old",
		ToState:     "cancelled",
	}))
	require.NoError(t, f.audit.Record(ctx, &models.AuditEvent{
		Actor:       "system",
		SubjectType: models.SubjectBooking,
		SubjectID:   "bk-new",
		ToState:     "pending",
	}))

	purged, err := f.audit.Purge(ctx, Actor{ID: "admin-1", Role: RoleAdmin}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	old, err := f.audit.History(ctx, "bk-old")
	require.NoError(t, err)
	assert.Empty(t, old)

	recent, err := f.audit.History(ctx, "bk-new")
	require.NoError(t, err)
	assert.Len(t, recent, 1)

	self, err := f.audit.History(ctx, "audit_events")
	require.NoError(t, err)
	require.Len(t, self, 1)
	assert.Equal(t, "purged:1", self[0].EvidenceRef)
	assert.Equal(t, "admin:admin-1", self[0].Actor)
}

func TestPurgeRejectsFutureCutoff(t *testing.T) {
	f := newFixture(t)

	_, err := f.audit.Purge(context.Background(), Actor{ID: "admin-1", Role: RoleAdmin}, f.clock.Now().Add(time.Hour))

	assert.ErrorIs(t, err, ErrValidation)
}
