package store

import (
	"context"
	"testing"
	"time"

	"booking-service/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStoreWithDB(sqlx.NewDb(db, "postgres")), mock
}

func testUnit(total int) *models.BookableUnit {
	return &models.BookableUnit{
		ID:            "tent-l",
		Name:          "Large tent",
		Type:          models.UnitTypeEquipment,
		TotalQuantity: total,
		PricePerDay:   decimal.NewFromInt(150),
	}
}

func testReservation(days int) *models.Reservation {
	return &models.Reservation{
		ID:        "res-1",
		UnitID:    "tent-l",
		BookingID: "bk-1",
		StartDate: time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC),
		Days:      days,
		Quantity:  1,
	}
}

func TestReserveCapacity(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO reservations").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	mock.ExpectQuery("INSERT INTO unit_day_usage").
		WithArgs("tent-l", "2030-06-01", 1, 2).
		WillReturnRows(sqlmock.NewRows([]string{"reserved"}).AddRow(1))
	mock.ExpectQuery("INSERT INTO unit_day_usage").
		WithArgs("tent-l", "2030-06-02", 1, 2).
		WillReturnRows(sqlmock.NewRows([]string{"reserved"}).AddRow(2))
	mock.ExpectCommit()

	res := testReservation(2)
	ok, remaining, err := s.ReserveCapacity(context.Background(), testUnit(2), res)

	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, remaining)
	assert.Equal(t, models.ReservationHeld, res.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveCapacityDayFullRollsBack(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO reservations").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	mock.ExpectQuery("INSERT INTO unit_day_usage").
		WillReturnRows(sqlmock.NewRows([]string{"reserved"}).AddRow(1))
	mock.ExpectQuery("INSERT INTO unit_day_usage").
		WillReturnRows(sqlmock.NewRows([]string{"reserved"}))
	mock.ExpectRollback()
	mock.ExpectQuery("SELECT COALESCE").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(2))

	ok, remaining, err := s.ReserveCapacity(context.Background(), testUnit(2), testReservation(2))

	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, remaining)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveCapacityUnlimitedSkipsCounters(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO reservations").
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	mock.ExpectCommit()

	unit := testUnit(0)
	unit.Type = models.UnitTypeService

	ok, remaining, err := s.ReserveCapacity(context.Background(), unit, testReservation(3))

	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.UnlimitedCapacity, remaining)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseCapacityTwiceIsNoop(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE reservations").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT status FROM reservations").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("released"))
	mock.ExpectCommit()

	released, err := s.ReleaseCapacity(context.Background(), "res-1")

	require.NoError(t, err)
	assert.False(t, released)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseCapacityReturnsDays(t *testing.T) {
	s, mock := newMockStore(t)
	start := time.Date(2030, 6, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE reservations").
		WillReturnRows(sqlmock.NewRows([]string{"id", "unit_id", "booking_id", "start_date", "days", "quantity", "status"}).
			AddRow("res-1", "tent-l", "bk-1", start, 2, 1, "released"))
	mock.ExpectExec("UPDATE unit_day_usage").
		WithArgs(1, "tent-l", pq.Array([]string{"2030-06-01", "2030-06-02"})).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	released, err := s.ReleaseCapacity(context.Background(), "res-1")

	require.NoError(t, err)
	assert.True(t, released)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizeReleasedReservationFails(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE reservations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM reservations").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("released"))

	err := s.FinalizeCapacity(context.Background(), "res-1")

	assert.ErrorIs(t, err, ErrReservationReleased)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalizeTwiceIsNoop(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec("UPDATE reservations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM reservations").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("finalized"))

	assert.NoError(t, s.FinalizeCapacity(context.Background(), "res-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreatePaymentSessionActiveConflict(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO payment_sessions").
		WillReturnError(&pq.Error{Code: "23505", Constraint: activeSessionIndex})
	mock.ExpectRollback()

	err := s.CreatePaymentSession(context.Background(), &models.PaymentSession{
		ID:              "ps-2",
		BookingID:       "bk-1",
		Amount:          decimal.NewFromInt(300),
		ReferenceNumber: "PAY-20300601-abc",
		Status:          models.PaymentStatusPending,
	}, &models.AuditEvent{Actor: "system", SubjectType: models.SubjectPayment, SubjectID: "ps-2"})

	assert.ErrorIs(t, err, ErrActiveSession)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionPaymentSessionStale(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE payment_sessions").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	_, err := s.TransitionPaymentSession(context.Background(), models.PaymentTransition{
		SessionID: "ps-1",
		From:      []models.PaymentStatus{models.PaymentStatusPending},
		To:        models.PaymentStatusCompleted,
		Channel:   models.ChannelWebhook,
	}, &models.AuditEvent{Actor: "gateway", SubjectType: models.SubjectPayment, SubjectID: "ps-1"})

	assert.ErrorIs(t, err, ErrStaleState)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionPaymentSessionWritesAudit(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE payment_sessions").
		WillReturnRows(sqlmock.NewRows([]string{"id", "booking_id", "amount", "reference_number", "status", "channel", "evidence", "version", "completed_at"}).
			AddRow("ps-1", "bk-1", "300.00", "PAY-1", "completed", "webhook", []byte(`{"transactionId":"tx-1"}`), 2, now))
	mock.ExpectQuery("INSERT INTO audit_events").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectCommit()

	ev := &models.AuditEvent{
		Actor:       "gateway",
		SubjectType: models.SubjectPayment,
		SubjectID:   "ps-1",
		FromState:   "pending",
		ToState:     "completed",
		EvidenceRef: "tx-1",
	}
	session, err := s.TransitionPaymentSession(context.Background(), models.PaymentTransition{
		SessionID:   "ps-1",
		From:        []models.PaymentStatus{models.PaymentStatusPending},
		To:          models.PaymentStatusCompleted,
		Channel:     models.ChannelWebhook,
		Evidence:    []byte(`{"transactionId":"tx-1"}`),
		CompletedAt: &now,
	}, ev)

	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, session.Status)
	assert.True(t, decimal.NewFromInt(300).Equal(session.Amount))
	assert.Equal(t, int64(7), ev.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionBookingNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE bookings").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	_, err := s.TransitionBooking(context.Background(), models.BookingTransition{
		BookingID: "missing",
		From:      []models.BookingStatus{models.BookingStatusPending},
		To:        models.BookingStatusConfirmed,
	}, nil)

	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPurgeAuditEventsRecordsItself(t *testing.T) {
	s, mock := newMockStore(t)
	cutoff := time.Now().AddDate(-1, 0, 0)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM audit_events").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectQuery("INSERT INTO audit_events").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(42))
	mock.ExpectCommit()

	ev := &models.AuditEvent{Actor: "admin-1", SubjectType: models.SubjectAudit, SubjectID: "audit_events"}
	purged, err := s.PurgeAuditEvents(context.Background(), cutoff, ev)

	require.NoError(t, err)
	assert.Equal(t, int64(3), purged)
	assert.Equal(t, "purged:3", ev.EvidenceRef)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUnitNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT \\* FROM bookable_units").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.GetUnit(context.Background(), "nope")

	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListUnsettledSessionsSelectsPendingBookings(t *testing.T) {
	s, mock := newMockStore(t)
	cutoff := time.Date(2030, 5, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT ps\\.\\* FROM payment_sessions ps\\s+JOIN bookings b ON b\\.id = ps\\.booking_id").
		WithArgs("completed", "failed", "rejected", "pending", cutoff, 50).
		WillReturnRows(sqlmock.NewRows([]string{"id", "booking_id", "amount", "reference_number", "status"}).
			AddRow("ps-1", "bk-1", "300.00", "PAY-1", "completed"))

	sessions, err := s.ListUnsettledSessions(context.Background(), cutoff, 50)

	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "bk-1", sessions[0].BookingID)
	assert.Equal(t, models.PaymentStatusCompleted, sessions[0].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetLatestPaymentSessionNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT \\* FROM payment_sessions\\s+WHERE booking_id = \\$1\\s+ORDER BY created_at DESC").
		WithArgs("bk-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.GetLatestPaymentSession(context.Background(), "bk-1")

	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
