package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"booking-service/internal/models"
	"booking-service/internal/store/memstore"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu       sync.Mutex
	bookings []models.BookingEvent
	payments []models.PaymentEvent
}

func (p *recordingPublisher) PublishBookingEvent(_ context.Context, e *models.BookingEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bookings = append(p.bookings, *e)
	return nil
}

func (p *recordingPublisher) PublishPaymentEvent(_ context.Context, e *models.PaymentEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payments = append(p.payments, *e)
	return nil
}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.bookings {
		if e.EventType == eventType {
			n++
		}
	}
	for _, e := range p.payments {
		if e.EventType == eventType {
			n++
		}
	}
	return n
}

func (p *recordingPublisher) lastPayment(eventType string) *models.PaymentEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.payments) - 1; i >= 0; i-- {
		if p.payments[i].EventType == eventType {
			e := p.payments[i]
			return &e
		}
	}
	return nil
}

type stubVerifier struct {
	mu     sync.Mutex
	result *models.ReceiptVerification
	err    error
	calls  int
}

func (v *stubVerifier) Verify(_ context.Context, _ []byte, _ string, _ decimal.Decimal, _ string) (*models.ReceiptVerification, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	return v.result, v.err
}

func (v *stubVerifier) returns(result *models.ReceiptVerification, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.result, v.err = result, err
}

type fixture struct {
	store    *memstore.Store
	ledger   *InventoryLedger
	audit    *AuditTrail
	bookings *BookingManager
	payments *PaymentReconciler
	events   *recordingPublisher
	verifier *stubVerifier
	clock    *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithBookings(t, nil)
}

// newFixtureWithBookings lets wrap replace the booking repository the
// booking manager writes through.
func newFixtureWithBookings(t *testing.T, wrap func(*memstore.Store) BookingRepository) *fixture {
	t.Helper()

	st := memstore.New()
	st.AddUnit(models.BookableUnit{
		ID:            "tent",
		Name:          "Party tent",
		Type:          models.UnitTypeEquipment,
		TotalQuantity: 2,
		PricePerDay:   decimal.NewFromInt(150),
	})
	st.AddUnit(models.BookableUnit{
		ID:          "catering",
		Name:        "Catering crew",
		Type:        models.UnitTypeService,
		PricePerDay: decimal.RequireFromString("25.50"),
	})

	clock := &fakeClock{now: time.Date(2030, 5, 1, 9, 0, 0, 0, time.UTC)}
	st.SetClock(clock.Now)
	events := &recordingPublisher{}
	verifier := &stubVerifier{}

	ledger := NewInventoryLedger(st)
	audit := NewAuditTrail(st, 365*24*time.Hour)
	audit.now = clock.Now

	var bookingRepo BookingRepository = st
	if wrap != nil {
		bookingRepo = wrap(st)
	}
	bookings := NewBookingManager(st, bookingRepo, ledger, events)
	bookings.now = clock.Now

	payments := NewPaymentReconciler(st, audit, bookings, verifier, events, ReconcilerConfig{
		AmountTolerance:      decimal.Zero,
		MinReceiptConfidence: 0.7,
		PaymentTimeout:       15 * time.Minute,
		VerifyTimeout:        time.Second,
		SweepBatchSize:       50,
	})
	payments.now = clock.Now
	bookings.UsePayments(payments)

	return &fixture{
		store:    st,
		ledger:   ledger,
		audit:    audit,
		bookings: bookings,
		payments: payments,
		events:   events,
		verifier: verifier,
		clock:    clock,
	}
}

func (f *fixture) book(t *testing.T, unitID, date string, days, quantity int) *CreateBookingResponse {
	t.Helper()
	resp, err := f.bookings.CreateBooking(context.Background(), &CreateBookingRequest{
		CustomerID: "cust-1",
		UnitID:     unitID,
		StartDate:  date,
		Days:       days,
		Quantity:   quantity,
	})
	require.NoError(t, err)
	return resp
}

func (f *fixture) booking(t *testing.T, id string) *models.Booking {
	t.Helper()
	b, err := f.bookings.GetBooking(context.Background(), id)
	require.NoError(t, err)
	return b
}

func (f *fixture) session(t *testing.T, reference string) *models.PaymentSession {
	t.Helper()
	s, err := f.payments.GetSession(context.Background(), reference)
	require.NoError(t, err)
	return s
}

func (f *fixture) reservation(t *testing.T, id string) *models.Reservation {
	t.Helper()
	r, err := f.ledger.Reservation(context.Background(), id)
	require.NoError(t, err)
	return r
}

func gatewaySuccess(session *models.PaymentSession, txID string) *models.GatewayEvent {
	return &models.GatewayEvent{
		ReferenceNumber: session.ReferenceNumber,
		Amount:          session.Amount,
		Status:          "success",
		TransactionID:   txID,
		Timestamp:       time.Now().UTC(),
	}
}
