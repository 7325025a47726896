package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"booking-service/internal/models"
	"booking-service/internal/service"
	"booking-service/internal/store/memstore"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testJWTSecret     = "jwt-test-secret"
	testWebhookSecret = "webhook-test-secret"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00\x1f\x15\xc4\x89")

// echoVerifier confirms whatever it is asked to confirm
type echoVerifier struct{}

func (echoVerifier) Verify(_ context.Context, _ []byte, _ string, amount decimal.Decimal, reference string) (*models.ReceiptVerification, error) {
	return &models.ReceiptVerification{
		Success:            true,
		ExtractedAmount:    amount,
		ExtractedReference: reference,
		Confidence:         0.99,
	}, nil
}

type testServer struct {
	router   *gin.Engine
	handler  *Handler
	store    *memstore.Store
	payments *service.PaymentReconciler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := memstore.New()
	st.AddUnit(models.BookableUnit{
		ID:            "tent",
		Name:          "Party tent",
		Type:          models.UnitTypeEquipment,
		TotalQuantity: 2,
		PricePerDay:   decimal.NewFromInt(150),
	})

	events := service.NopPublisher{}
	audit := service.NewAuditTrail(st, 365*24*time.Hour)
	bookings := service.NewBookingManager(st, st, service.NewInventoryLedger(st), events)
	payments := service.NewPaymentReconciler(st, audit, bookings, echoVerifier{}, events, service.ReconcilerConfig{
		MinReceiptConfidence: 0.7,
		PaymentTimeout:       15 * time.Minute,
	})
	bookings.UsePayments(payments)

	h := NewHandler(bookings, payments, audit, Config{
		JWTSecret:       testJWTSecret,
		WebhookSecret:   testWebhookSecret,
		WebhookMaxSkew:  5 * time.Minute,
		MaxReceiptBytes: 1 << 10,
	})
	router := gin.New()
	h.SetupRoutes(router)

	return &testServer{router: router, handler: h, store: st, payments: payments}
}

func token(t *testing.T, subject string, role service.Role) string {
	t.Helper()
	tok, err := NewToken(testJWTSecret, subject, role, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) webhook(t *testing.T, payload []byte, signature string, ts time.Time) *httptest.ResponseRecorder {
	t.Helper()
	stamp := strconv.FormatInt(ts.Unix(), 10)
	if signature == "" {
		signature = SignWebhook(testWebhookSecret, stamp, payload)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhook", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", signature)
	req.Header.Set("X-Signature-Timestamp", stamp)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) receipt(t *testing.T, reference, bearer string, image []byte, expectedAmount string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("receipt", "receipt.png")
	require.NoError(t, err)
	_, err = part.Write(image)
	require.NoError(t, err)
	if expectedAmount != "" {
		require.NoError(t, mw.WriteField("expectedAmount", expectedAmount))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/"+reference+"/receipt", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+bearer)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func tomorrow() string {
	return time.Now().UTC().AddDate(0, 0, 1).Format("2006-01-02")
}

func (s *testServer) createBooking(t *testing.T, bearer string, quantity int) service.CreateBookingResponse {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/v1/bookings", bearer, gin.H{
		"unit_id":    "tent",
		"start_date": tomorrow(),
		"days":       2,
		"quantity":   quantity,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp service.CreateBookingResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	s.handler.AddReadinessCheck("postgres", func(context.Context) error { return errors.New("down") })
	w = s.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "postgres")
}

func TestCreateBookingRequiresToken(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/v1/bookings", "", gin.H{"unit_id": "tent"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	forged, err := NewToken("other-secret", "alice", service.RoleAdmin, time.Hour)
	require.NoError(t, err)
	w = s.do(t, http.MethodPost, "/api/v1/bookings", forged, gin.H{"unit_id": "tent"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateBookingAndCapacityConflict(t *testing.T) {
	s := newTestServer(t)
	alice := token(t, "alice", service.RoleCustomer)

	resp := s.createBooking(t, alice, 2)
	assert.Equal(t, "alice", resp.Booking.CustomerID)
	assert.Equal(t, models.BookingStatusPending, resp.Booking.Status)
	assert.Equal(t, models.PaymentStatusPending, resp.Payment.Status)
	assert.True(t, resp.Booking.Price.Equal(decimal.NewFromInt(600)))

	w := s.do(t, http.MethodPost, "/api/v1/bookings", token(t, "bob", service.RoleCustomer), gin.H{
		"unit_id":    "tent",
		"start_date": tomorrow(),
		"days":       1,
		"quantity":   1,
	})
	require.Equal(t, http.StatusConflict, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, float64(0), body["remaining"])
}

func TestCreateBookingValidation(t *testing.T) {
	s := newTestServer(t)
	alice := token(t, "alice", service.RoleCustomer)

	w := s.do(t, http.MethodPost, "/api/v1/bookings", alice, gin.H{"unit_id": "tent", "start_date": tomorrow(), "days": 0, "quantity": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/bookings", alice, gin.H{"unit_id": "tent", "start_date": "2001-01-01", "days": 1, "quantity": 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "start_date")

	w = s.do(t, http.MethodPost, "/api/v1/bookings", alice, gin.H{"unit_id": "nope", "start_date": tomorrow(), "days": 1, "quantity": 1})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestBookingsAreVisibleToOwnerOnly(t *testing.T) {
	s := newTestServer(t)
	alice := token(t, "alice", service.RoleCustomer)
	resp := s.createBooking(t, alice, 1)

	w := s.do(t, http.MethodGet, "/api/v1/bookings/"+resp.Booking.ID, alice, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/bookings/"+resp.Booking.ID, token(t, "bob", service.RoleCustomer), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/bookings/"+resp.Booking.ID, token(t, "ops", service.RoleAdmin), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/payments/"+resp.Payment.ReferenceNumber, token(t, "bob", service.RoleCustomer), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/bookings", alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), resp.Booking.ID)
}

func TestCancelBookingRestoresAvailability(t *testing.T) {
	s := newTestServer(t)
	alice := token(t, "alice", service.RoleCustomer)
	resp := s.createBooking(t, alice, 2)

	w := s.do(t, http.MethodPost, "/api/v1/bookings/"+resp.Booking.ID+"/cancel", token(t, "bob", service.RoleCustomer), gin.H{"reason": "mine now"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/bookings/"+resp.Booking.ID+"/cancel", alice, gin.H{"reason": "plans changed"})
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/units/tent/availability?start_date="+tomorrow()+"&days=2", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var availability service.Availability
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &availability))
	assert.Equal(t, 2, availability.Remaining)

	w = s.do(t, http.MethodGet, "/api/v1/payments/"+resp.Payment.ReferenceNumber, alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"failed"`)
}

func TestCancelAfterCompletedPaymentConflicts(t *testing.T) {
	s := newTestServer(t)
	alice := token(t, "alice", service.RoleCustomer)
	resp := s.createBooking(t, alice, 1)

	_, err := s.store.TransitionPaymentSession(context.Background(), models.PaymentTransition{
		SessionID: resp.Payment.ID,
		From:      []models.PaymentStatus{models.PaymentStatusPending},
		To:        models.PaymentStatusCompleted,
		Channel:   models.ChannelWebhook,
	}, nil)
	require.NoError(t, err)

	w := s.do(t, http.MethodPost, "/api/v1/bookings/"+resp.Booking.ID+"/cancel", alice, gin.H{"reason": "plans changed"})
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())

	w = s.do(t, http.MethodGet, "/api/v1/bookings/"+resp.Booking.ID, alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"pending"`)
}

func TestAvailabilityBadInput(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/api/v1/units/tent/availability?start_date=tomorrow", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/v1/units/tent/availability?start_date="+tomorrow()+"&days=x", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhookConfirmsBooking(t *testing.T) {
	s := newTestServer(t)
	alice := token(t, "alice", service.RoleCustomer)
	resp := s.createBooking(t, alice, 1)

	payload, err := json.Marshal(models.GatewayEvent{
		ReferenceNumber: resp.Payment.ReferenceNumber,
		Amount:          resp.Payment.Amount,
		Status:          "success",
		TransactionID:   "tx-100",
		Timestamp:       time.Now().UTC(),
	})
	require.NoError(t, err)

	w := s.webhook(t, payload, "", time.Now())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"outcome":"applied"`)

	w = s.webhook(t, payload, "", time.Now())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"completed"`)

	w = s.do(t, http.MethodGet, "/api/v1/bookings/"+resp.Booking.ID, alice, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"confirmed"`)
}

func TestWebhookRejections(t *testing.T) {
	s := newTestServer(t)
	valid := []byte(`{"referenceNumber":"PAY-UNKNOWN","amount":"10","status":"success","transactionId":"tx-1"}`)

	tests := []struct {
		name      string
		payload   []byte
		signature string
		ts        time.Time
		want      int
	}{
		{name: "bad signature", payload: valid, signature: "deadbeef", ts: time.Now(), want: http.StatusUnauthorized},
		{name: "stale timestamp", payload: valid, ts: time.Now().Add(-time.Hour), want: http.StatusUnauthorized},
		{name: "malformed body", payload: []byte(`{"referenceNumber":`), ts: time.Now(), want: http.StatusBadRequest},
		{name: "missing reference", payload: []byte(`{"status":"success"}`), ts: time.Now(), want: http.StatusBadRequest},
		{name: "unknown reference", payload: valid, ts: time.Now(), want: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.webhook(t, tt.payload, tt.signature, tt.ts)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestReceiptUploadCompletesPayment(t *testing.T) {
	s := newTestServer(t)
	alice := token(t, "alice", service.RoleCustomer)
	resp := s.createBooking(t, alice, 1)

	w := s.receipt(t, resp.Payment.ReferenceNumber, alice, pngHeader, resp.Payment.Amount.String())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var result service.PaymentResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, models.PaymentStatusCompleted, result.Session.Status)
	assert.Equal(t, service.OutcomeApplied, result.Outcome)

	admin := token(t, "ops", service.RoleAdmin)
	w = s.do(t, http.MethodGet, "/api/v1/admin/payments/"+resp.Payment.ReferenceNumber+"/receipt", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.Equal(t, pngHeader, w.Body.Bytes())
}

func TestReceiptUploadMismatchGoesToReviewThenApprove(t *testing.T) {
	s := newTestServer(t)
	alice := token(t, "alice", service.RoleCustomer)
	admin := token(t, "ops", service.RoleAdmin)
	resp := s.createBooking(t, alice, 1)
	ref := resp.Payment.ReferenceNumber

	w := s.receipt(t, ref, alice, pngHeader, "1.00")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"pending_review"`)

	w = s.receipt(t, ref, alice, pngHeader, "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/admin/payments/"+ref+"/review", alice, gin.H{"action": "approve"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/admin/payments/"+ref+"/review", admin, gin.H{"action": "maybe"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/admin/payments/"+ref+"/review", admin, gin.H{"action": "approve", "notes": "bank statement checked"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"completed"`)

	w = s.do(t, http.MethodGet, "/api/v1/bookings/"+resp.Booking.ID, alice, nil)
	assert.Contains(t, w.Body.String(), `"status":"confirmed"`)

	w = s.do(t, http.MethodGet, "/api/v1/admin/audit/"+resp.Payment.ID, admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"evidence_ref":"review:ops"`)
	assert.Contains(t, w.Body.String(), `"actor":"admin:ops"`)
}

func TestReceiptUploadRejectsBadFiles(t *testing.T) {
	s := newTestServer(t)
	alice := token(t, "alice", service.RoleCustomer)
	resp := s.createBooking(t, alice, 1)
	ref := resp.Payment.ReferenceNumber

	w := s.receipt(t, ref, alice, []byte("%PDF-1.7 not an image"), "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = s.receipt(t, ref, alice, append(append([]byte{}, pngHeader...), make([]byte, 2<<10)...), "")
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	w = s.receipt(t, ref, alice, pngHeader, "ten")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminCompleteSweepAndPurge(t *testing.T) {
	s := newTestServer(t)
	alice := token(t, "alice", service.RoleCustomer)
	admin := token(t, "ops", service.RoleAdmin)
	resp := s.createBooking(t, alice, 1)

	w := s.do(t, http.MethodPost, "/api/v1/admin/bookings/"+resp.Booking.ID+"/complete", admin, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/admin/payments/sweep", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"expired":0}`, w.Body.String())

	w = s.do(t, http.MethodPost, "/api/v1/admin/audit/purge", admin, gin.H{"before": time.Now().Add(time.Hour)})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/admin/audit/purge", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"purged":0}`, w.Body.String())

	w = s.do(t, http.MethodPost, "/api/v1/admin/audit/purge", alice, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestVerifySignature(t *testing.T) {
	now := time.Unix(1_900_000_000, 0)
	body := []byte(`{"a":1}`)
	stamp := strconv.FormatInt(now.Unix(), 10)
	sig := SignWebhook("s3cret", stamp, body)

	assert.NoError(t, verifySignature("s3cret", sig, stamp, body, time.Minute, now))
	assert.Error(t, verifySignature("s3cret", sig, stamp, []byte(`{"a":2}`), time.Minute, now))
	assert.Error(t, verifySignature("other", sig, stamp, body, time.Minute, now))
	assert.Error(t, verifySignature("", sig, stamp, body, time.Minute, now))
	assert.Error(t, verifySignature("s3cret", sig, stamp, body, time.Minute, now.Add(2*time.Minute)))
	assert.Error(t, verifySignature("s3cret", sig, "", body, time.Minute, now))
}
