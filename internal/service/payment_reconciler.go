package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"booking-service/internal/models"
	"booking-service/internal/store"
	"booking-service/internal/util"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// maxCASAttempts bounds how often an event is re-evaluated after losing a
// status compare-and-swap to a concurrent producer.
const maxCASAttempts = 3

// settleGrace is how long a terminal session may sit next to a pending
// booking before the sweep settles it again.
const settleGrace = time.Minute

// ReceiptVerifier extracts payment details from an uploaded receipt image
type ReceiptVerifier interface {
	Verify(ctx context.Context, image []byte, mimeType string, expectedAmount decimal.Decimal, expectedReference string) (*models.ReceiptVerification, error)
}

// ReconcilerConfig holds the reconciliation rules
type ReconcilerConfig struct {
	AmountTolerance      decimal.Decimal
	MinReceiptConfidence float64
	PaymentTimeout       time.Duration
	VerifyTimeout        time.Duration
	SweepBatchSize       int
	DedupeTTL            time.Duration
}

// Outcome tells the caller what an incoming payment event did
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeRecorded  Outcome = "recorded"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeLate      Outcome = "late_payment"
)

// PaymentResult is the state of a session after an event was handled
type PaymentResult struct {
	Session      *models.PaymentSession      `json:"payment"`
	Outcome      Outcome                     `json:"outcome"`
	Verification *models.ReceiptVerification `json:"verification,omitempty"`
	Issues       []string                    `json:"issues,omitempty"`
}

// ReceiptUpload is a receipt image submitted by the payer
type ReceiptUpload struct {
	Actor          Actor
	Image          []byte
	MimeType       string
	ExpectedAmount *decimal.Decimal
}

// ReviewDecision is an admin's verdict on a session under review
type ReviewDecision struct {
	Action string `json:"action" binding:"required,oneof=approve reject"`
	Notes  string `json:"notes"`
}

// PaymentReconciler drives every payment session to exactly one terminal
// state, whichever of webhook, receipt, reviewer or timeout gets there
// first. Only the caller whose compare-and-swap wins touches the booking.
type PaymentReconciler struct {
	payments PaymentRepository
	audit    *AuditTrail
	bookings *BookingManager
	verifier ReceiptVerifier
	events   EventPublisher
	dedupe   EventDeduper
	cfg      ReconcilerConfig
	logger   *zap.Logger
	now      func() time.Time
}

// NewPaymentReconciler creates a new payment reconciler
func NewPaymentReconciler(
	payments PaymentRepository,
	audit *AuditTrail,
	bookings *BookingManager,
	verifier ReceiptVerifier,
	events EventPublisher,
	cfg ReconcilerConfig,
) *PaymentReconciler {
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = 10 * time.Second
	}
	if cfg.PaymentTimeout <= 0 {
		cfg.PaymentTimeout = 15 * time.Minute
	}
	if cfg.SweepBatchSize <= 0 {
		cfg.SweepBatchSize = 100
	}
	return &PaymentReconciler{
		payments: payments,
		audit:    audit,
		bookings: bookings,
		verifier: verifier,
		events:   events,
		cfg:      cfg,
		logger:   util.GetLogger(),
		now:      time.Now,
	}
}

// UseDeduper enables claim tracking for redelivered gateway events
func (r *PaymentReconciler) UseDeduper(d EventDeduper) {
	r.dedupe = d
}

// OpenSession creates the pending payment session of a new booking
func (r *PaymentReconciler) OpenSession(ctx context.Context, booking *models.Booking) (*models.PaymentSession, error) {
	ctx, span := util.StartSpan(ctx, "PaymentReconciler.OpenSession", "booking_id", booking.ID)
	defer span.End()

	now := r.now().UTC()
	session := &models.PaymentSession{
		ID:              uuid.New().String(),
		BookingID:       booking.ID,
		Amount:          booking.Price,
		ReferenceNumber: newReferenceNumber(now),
		PaymentCode:     newPaymentCode(),
		Status:          models.PaymentStatusPending,
		CreatedAt:       now,
	}

	err := r.payments.CreatePaymentSession(ctx, session, &models.AuditEvent{
		Actor:       SystemActor.String(),
		SubjectType: models.SubjectPayment,
		SubjectID:   session.ID,
		ToState:     string(models.PaymentStatusPending),
		Reason:      "payment session opened",
		EvidenceRef: session.ReferenceNumber,
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, mapStoreError(err)
	}

	util.PaymentSessionsOpenedTotal.Inc()
	r.logger.Info("Payment session opened",
		zap.String("booking_id", booking.ID),
		zap.String("reference", session.ReferenceNumber),
		zap.String("amount", session.Amount.String()))

	r.publish(ctx, session, booking.CustomerID, models.EventTypePaymentOpened, "")
	return session, nil
}

// HandleWebhook applies a gateway notification
func (r *PaymentReconciler) HandleWebhook(ctx context.Context, ev *models.GatewayEvent) (*PaymentResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentReconciler.HandleWebhook", "reference", ev.ReferenceNumber)
	defer span.End()

	if strings.TrimSpace(ev.ReferenceNumber) == "" {
		return nil, invalid("referenceNumber", "is required")
	}
	succeeded, known := classifyGatewayStatus(ev.Status)
	if !known {
		return nil, invalid("status", fmt.Sprintf("unknown gateway status %q", ev.Status))
	}
	if ev.Amount.IsNegative() {
		return nil, invalid("amount", "must not be negative")
	}

	evidenceRef := gatewayEvidenceRef(ev)
	claimed := false
	if r.dedupe != nil && evidenceRef != "" {
		first, err := r.dedupe.ClaimEvent(ctx, "webhook:"+evidenceRef, r.cfg.DedupeTTL)
		if err != nil {
			r.logger.Warn("Webhook dedupe unavailable", zap.Error(err))
		} else if first {
			claimed = true
		} else {
			// a claim can outlive a crashed delivery, so the audit log decides
			r.logger.Debug("Webhook claim already held, checking audit log",
				zap.String("reference", ev.ReferenceNumber),
				zap.String("evidence", evidenceRef))
		}
	}

	result, err := r.applyGatewayEvent(ctx, ev, succeeded, evidenceRef)
	if err != nil {
		util.PaymentEventsTotal.WithLabelValues(string(models.ChannelWebhook), "error").Inc()
		util.RecordError(span, err)
		if claimed {
			if ferr := r.dedupe.ForgetEvent(ctx, "webhook:"+evidenceRef); ferr != nil {
				r.logger.Warn("Failed to drop webhook claim", zap.Error(ferr))
			}
		}
		return nil, err
	}

	util.PaymentEventsTotal.WithLabelValues(string(models.ChannelWebhook), string(result.Outcome)).Inc()
	return result, nil
}

func (r *PaymentReconciler) applyGatewayEvent(ctx context.Context, ev *models.GatewayEvent, succeeded bool, evidenceRef string) (*PaymentResult, error) {
	evidence, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to encode gateway evidence: %w", err)
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		session, err := r.GetSession(ctx, ev.ReferenceNumber)
		if err != nil {
			return nil, err
		}

		seen, err := r.audit.HasEvidence(ctx, session.ID, evidenceRef)
		if err != nil {
			return nil, fmt.Errorf("failed to check gateway event: %w", err)
		}
		if seen {
			util.PaymentDuplicateEventsTotal.WithLabelValues(string(models.ChannelWebhook)).Inc()
			r.logger.Info("Gateway event already applied",
				zap.String("reference", session.ReferenceNumber),
				zap.String("evidence", evidenceRef))
			r.resettle(ctx, session)
			return &PaymentResult{Session: session, Outcome: OutcomeDuplicate}, nil
		}

		matches := r.amountMatches(ev.Amount, session.Amount)
		var to models.PaymentStatus
		var reason string

		switch session.Status {
		case models.PaymentStatusPending:
			switch {
			case !succeeded:
				to, reason = models.PaymentStatusFailed, gatewayFailureReason(ev)
			case matches:
				to, reason = models.PaymentStatusCompleted, "gateway settlement"
			default:
				to, reason = models.PaymentStatusPendingReview, fmt.Sprintf("amount mismatch: paid %s, expected %s", ev.Amount, session.Amount)
			}
		case models.PaymentStatusPendingReview:
			if !succeeded || !matches {
				return r.recordNoop(ctx, session, models.ChannelWebhook, GatewayActor, OutcomeRecorded, "gateway evidence added to review", evidenceRef), nil
			}
			to, reason = models.PaymentStatusCompleted, "gateway settlement during review"
		case models.PaymentStatusFailed, models.PaymentStatusRejected:
			r.resettle(ctx, session)
			if succeeded {
				return r.recordLatePayment(ctx, session, ev.Amount, models.ChannelWebhook, evidenceRef), nil
			}
			return r.recordNoop(ctx, session, models.ChannelWebhook, GatewayActor, OutcomeDuplicate, "gateway event on closed session", evidenceRef), nil
		default:
			r.resettle(ctx, session)
			return r.recordNoop(ctx, session, models.ChannelWebhook, GatewayActor, OutcomeDuplicate, "gateway event on completed session", evidenceRef), nil
		}

		updated, err := r.transition(ctx, session, to, models.ChannelWebhook, GatewayActor, reason, evidence, evidenceRef)
		if errors.Is(err, store.ErrStaleState) {
			continue
		}
		if err != nil {
			return nil, err
		}

		r.settle(ctx, updated)
		return &PaymentResult{Session: updated, Outcome: OutcomeApplied}, nil
	}

	return nil, fmt.Errorf("%w: payment %s kept changing under the gateway event", ErrInvalidTransition, ev.ReferenceNumber)
}

// SubmitReceipt verifies an uploaded receipt. The session leaves pending
// before the verifier is called, so the timeout sweep never races it.
func (r *PaymentReconciler) SubmitReceipt(ctx context.Context, reference string, upload ReceiptUpload) (*PaymentResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentReconciler.SubmitReceipt", "reference", reference)
	defer span.End()

	if len(upload.Image) == 0 {
		return nil, invalid("receipt", "is empty")
	}

	sum := sha256.Sum256(upload.Image)
	digest := hex.EncodeToString(sum[:])
	evidenceRef := "receipt:" + digest
	actor := upload.Actor
	if actor.Role == "" {
		actor = Actor{Role: RoleCustomer}
	}

	held, result, err := r.holdForReceipt(ctx, reference, actor, evidenceRef)
	if err != nil || result != nil {
		return result, err
	}

	if err := r.payments.SaveReceiptImage(ctx, &models.ReceiptImage{
		SessionID:  held.ID,
		MimeType:   upload.MimeType,
		SHA256:     digest,
		Data:       upload.Image,
		UploadedAt: r.now().UTC(),
	}); err != nil {
		r.logger.Error("Failed to store receipt image",
			zap.String("reference", reference),
			zap.Error(err))
	}

	verification, issues := r.verifyReceipt(ctx, held, upload)

	evidence, err := json.Marshal(receiptEvidence{
		SHA256:         digest,
		MimeType:       upload.MimeType,
		ExpectedAmount: upload.ExpectedAmount,
		Verification:   verification,
		Issues:         issues,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode receipt evidence: %w", err)
	}

	to, reason := models.PaymentStatusCompleted, "receipt verified"
	if len(issues) > 0 {
		to, reason = models.PaymentStatusPendingReview, "receipt needs review: "+strings.Join(issues, "; ")
	}

	updated, err := r.transition(ctx, held, to, models.ChannelReceipt, actor, reason, evidence, evidenceRef)
	if errors.Is(err, store.ErrStaleState) {
		// a webhook or reviewer decided while the receipt was being verified
		current, gerr := r.GetSession(ctx, reference)
		if gerr != nil {
			return nil, gerr
		}
		util.PaymentDuplicateEventsTotal.WithLabelValues(string(models.ChannelReceipt)).Inc()
		return &PaymentResult{Session: current, Outcome: OutcomeDuplicate, Verification: verification, Issues: issues}, nil
	}
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	outcome := OutcomeApplied
	if to == models.PaymentStatusPendingReview {
		outcome = OutcomeRecorded
	}
	util.PaymentEventsTotal.WithLabelValues(string(models.ChannelReceipt), string(outcome)).Inc()

	r.settle(ctx, updated)
	return &PaymentResult{Session: updated, Outcome: outcome, Verification: verification, Issues: issues}, nil
}

// holdForReceipt moves a pending session to pending_review before the
// verifier runs. A non-nil result is the final answer for a receipt that
// was not taken in for verification.
func (r *PaymentReconciler) holdForReceipt(ctx context.Context, reference string, actor Actor, evidenceRef string) (*models.PaymentSession, *PaymentResult, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		session, err := r.GetSession(ctx, reference)
		if err != nil {
			return nil, nil, err
		}

		switch session.Status {
		case models.PaymentStatusCompleted:
			util.PaymentDuplicateEventsTotal.WithLabelValues(string(models.ChannelReceipt)).Inc()
			r.resettle(ctx, session)
			return nil, &PaymentResult{Session: session, Outcome: OutcomeDuplicate}, nil
		case models.PaymentStatusPendingReview:
			return nil, nil, ErrReviewInProgress
		case models.PaymentStatusFailed, models.PaymentStatusRejected:
			r.resettle(ctx, session)
			return nil, nil, ErrSessionClosed
		}

		held, err := r.cas(ctx, session, models.PaymentStatusPendingReview, models.ChannelReceipt, actor, "receipt received, verifying", nil, evidenceRef)
		if errors.Is(err, store.ErrStaleState) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		return held, nil, nil
	}
	return nil, nil, fmt.Errorf("%w: payment %s kept changing under the receipt", ErrInvalidTransition, reference)
}

type receiptEvidence struct {
	SHA256         string                      `json:"sha256"`
	MimeType       string                      `json:"mimeType"`
	ExpectedAmount *decimal.Decimal            `json:"expectedAmount,omitempty"`
	Verification   *models.ReceiptVerification `json:"verification,omitempty"`
	Issues         []string                    `json:"issues,omitempty"`
}

// verifyReceipt runs the external verifier and lists every reason the
// receipt cannot be accepted automatically
func (r *PaymentReconciler) verifyReceipt(ctx context.Context, session *models.PaymentSession, upload ReceiptUpload) (*models.ReceiptVerification, []string) {
	var issues []string
	if upload.ExpectedAmount != nil && !r.amountMatches(*upload.ExpectedAmount, session.Amount) {
		issues = append(issues, fmt.Sprintf("payer expected %s but the session amount is %s", upload.ExpectedAmount, session.Amount))
	}

	if r.verifier == nil {
		return nil, append(issues, "no receipt verifier configured")
	}

	vctx, cancel := context.WithTimeout(ctx, r.cfg.VerifyTimeout)
	defer cancel()

	start := time.Now()
	result, err := r.verifier.Verify(vctx, upload.Image, upload.MimeType, session.Amount, session.ReferenceNumber)
	util.ReceiptVerificationLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		util.ReceiptVerificationErrors.Inc()
		r.logger.Warn("Receipt verification failed",
			zap.String("reference", session.ReferenceNumber),
			zap.Error(err))
		return nil, append(issues, "verification unavailable: "+err.Error())
	}

	if !result.Success {
		issues = append(issues, "verifier did not confirm the receipt")
		issues = append(issues, result.Issues...)
	}
	if !r.amountMatches(result.ExtractedAmount, session.Amount) {
		issues = append(issues, fmt.Sprintf("receipt amount %s does not match %s", result.ExtractedAmount, session.Amount))
	}
	if !sameReference(result.ExtractedReference, session.ReferenceNumber) {
		issues = append(issues, fmt.Sprintf("receipt reference %q does not match", result.ExtractedReference))
	}
	if result.Confidence < r.cfg.MinReceiptConfidence {
		issues = append(issues, fmt.Sprintf("confidence %.2f below %.2f", result.Confidence, r.cfg.MinReceiptConfidence))
	}
	return result, issues
}

// ReviewPayment applies an admin's approve or reject decision
func (r *PaymentReconciler) ReviewPayment(ctx context.Context, reference string, actor Actor, decision ReviewDecision) (*PaymentResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentReconciler.ReviewPayment", "reference", reference)
	defer span.End()

	if !actor.IsAdmin() {
		return nil, ErrUnauthorized
	}

	var to models.PaymentStatus
	reason := decision.Notes
	switch decision.Action {
	case "approve":
		to = models.PaymentStatusCompleted
		if reason == "" {
			reason = "approved by reviewer"
		}
	case "reject":
		to = models.PaymentStatusRejected
		if reason == "" {
			reason = "rejected by reviewer"
		}
	default:
		return nil, invalid("action", "must be approve or reject")
	}
	evidenceRef := "review:" + actor.ID

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		session, err := r.GetSession(ctx, reference)
		if err != nil {
			return nil, err
		}

		switch session.Status {
		case models.PaymentStatusPending:
			return nil, ErrNotUnderReview
		case models.PaymentStatusCompleted, models.PaymentStatusFailed, models.PaymentStatusRejected:
			r.resettle(ctx, session)
			return r.recordNoop(ctx, session, models.ChannelReview, actor, OutcomeDuplicate, "review on closed session", evidenceRef), nil
		}

		evidence, err := json.Marshal(map[string]interface{}{
			"review": map[string]interface{}{
				"actor":      actor.String(),
				"action":     decision.Action,
				"notes":      decision.Notes,
				"reviewedAt": r.now().UTC(),
			},
			"original": originalEvidence(session.Evidence),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to encode review evidence: %w", err)
		}

		updated, err := r.transition(ctx, session, to, models.ChannelReview, actor, reason, evidence, evidenceRef)
		if errors.Is(err, store.ErrStaleState) {
			continue
		}
		if err != nil {
			util.RecordError(span, err)
			return nil, err
		}

		util.PaymentEventsTotal.WithLabelValues(string(models.ChannelReview), decision.Action).Inc()
		r.settle(ctx, updated)
		return &PaymentResult{Session: updated, Outcome: OutcomeApplied}, nil
	}

	return nil, fmt.Errorf("%w: payment %s kept changing under review", ErrInvalidTransition, reference)
}

// SweepExpired fails pending sessions older than the payment timeout and
// cancels their bookings. Sessions that received evidence have already
// left pending and are skipped. Terminal sessions whose booking is still
// pending are settled again. The count is of sessions expired.
func (r *PaymentReconciler) SweepExpired(ctx context.Context) (int, error) {
	ctx, span := util.StartSpan(ctx, "PaymentReconciler.SweepExpired")
	defer span.End()

	cutoff := r.now().Add(-r.cfg.PaymentTimeout)
	sessions, err := r.payments.ListExpiredPendingSessions(ctx, cutoff, r.cfg.SweepBatchSize)
	if err != nil {
		util.RecordError(span, err)
		return 0, fmt.Errorf("failed to list expired sessions: %w", err)
	}

	expired := 0
	for i := range sessions {
		session := &sessions[i]
		updated, err := r.transition(ctx, session, models.PaymentStatusFailed, models.ChannelTimeout, SystemActor, "timeout", nil, "")
		if errors.Is(err, store.ErrStaleState) {
			continue
		}
		if err != nil {
			r.logger.Error("Failed to expire payment session",
				zap.String("reference", session.ReferenceNumber),
				zap.Error(err))
			continue
		}

		expired++
		util.TimeoutSweepExpiredTotal.Inc()
		r.settle(ctx, updated)
	}

	if expired > 0 {
		r.logger.Info("Expired payment sessions", zap.Int("count", expired))
	}

	unsettled, err := r.payments.ListUnsettledSessions(ctx, r.now().Add(-settleGrace), r.cfg.SweepBatchSize)
	if err != nil {
		util.RecordError(span, err)
		return expired, fmt.Errorf("failed to list unsettled sessions: %w", err)
	}
	for i := range unsettled {
		r.resettle(ctx, &unsettled[i])
	}
	return expired, nil
}

// CloseForBooking ends the active session of a booking being cancelled.
// It never calls back into the booking manager. An error wrapping
// ErrInvalidTransition means the payment completed first, whether or not
// the booking has been confirmed yet.
func (r *PaymentReconciler) CloseForBooking(ctx context.Context, bookingID string, actor Actor, reason string) error {
	if reason == "" {
		reason = "booking cancelled"
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		session, err := r.payments.GetActivePaymentSession(ctx, bookingID)
		if errors.Is(err, store.ErrNotFound) {
			return r.checkClosedSession(ctx, bookingID)
		}
		if err != nil {
			return err
		}

		to := models.PaymentStatusFailed
		if session.Status == models.PaymentStatusPendingReview {
			to = models.PaymentStatusRejected
		}

		_, err = r.transition(ctx, session, to, models.ChannelSystem, actor, reason, nil, "")
		if errors.Is(err, store.ErrStaleState) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: payment for booking %s kept changing", ErrInvalidTransition, bookingID)
}

// checkClosedSession refuses to cancel a booking whose latest payment
// completed but has not confirmed it yet.
func (r *PaymentReconciler) checkClosedSession(ctx context.Context, bookingID string) error {
	latest, err := r.payments.GetLatestPaymentSession(ctx, bookingID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if latest.Status == models.PaymentStatusCompleted {
		return fmt.Errorf("%w: payment %s already completed", ErrInvalidTransition, latest.ReferenceNumber)
	}
	return nil
}

// GetSession retrieves a session by reference number
func (r *PaymentReconciler) GetSession(ctx context.Context, reference string) (*models.PaymentSession, error) {
	session, err := r.payments.GetPaymentSessionByReference(ctx, reference)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return session, nil
}

// ReceiptImage returns the last receipt uploaded for a session
func (r *PaymentReconciler) ReceiptImage(ctx context.Context, reference string) (*models.ReceiptImage, error) {
	session, err := r.GetSession(ctx, reference)
	if err != nil {
		return nil, err
	}
	img, err := r.payments.GetReceiptImage(ctx, session.ID)
	if err != nil {
		return nil, mapStoreError(err)
	}
	return img, nil
}

// cas moves session from its observed status to `to`, writing the audit
// event in the same transaction. store.ErrStaleState is returned unwrapped.
func (r *PaymentReconciler) cas(ctx context.Context, session *models.PaymentSession, to models.PaymentStatus, channel models.Channel, actor Actor, reason string, evidence types.JSONText, evidenceRef string) (*models.PaymentSession, error) {
	t := models.PaymentTransition{
		SessionID: session.ID,
		From:      []models.PaymentStatus{session.Status},
		To:        to,
		Channel:   channel,
		Evidence:  evidence,
	}
	switch to {
	case models.PaymentStatusFailed, models.PaymentStatusRejected:
		t.FailureReason = reason
	case models.PaymentStatusCompleted:
		completed := r.now().UTC()
		t.CompletedAt = &completed
	}

	updated, err := r.payments.TransitionPaymentSession(ctx, t, &models.AuditEvent{
		Actor:       actor.String(),
		SubjectType: models.SubjectPayment,
		SubjectID:   session.ID,
		FromState:   string(session.Status),
		ToState:     string(to),
		Reason:      reason,
		EvidenceRef: evidenceRef,
	})
	if errors.Is(err, store.ErrStaleState) {
		return nil, err
	}
	if err != nil {
		return nil, mapStoreError(err)
	}

	util.PaymentTransitionsTotal.WithLabelValues(string(session.Status), string(to), string(channel)).Inc()
	r.logger.Info("Payment transition",
		zap.String("reference", session.ReferenceNumber),
		zap.String("from", string(session.Status)),
		zap.String("to", string(to)),
		zap.String("channel", string(channel)),
		zap.String("actor", actor.String()))
	return updated, nil
}

// transition is cas followed by the matching payment event
func (r *PaymentReconciler) transition(ctx context.Context, session *models.PaymentSession, to models.PaymentStatus, channel models.Channel, actor Actor, reason string, evidence types.JSONText, evidenceRef string) (*models.PaymentSession, error) {
	updated, err := r.cas(ctx, session, to, channel, actor, reason, evidence, evidenceRef)
	if err != nil {
		return nil, err
	}

	eventType := map[models.PaymentStatus]string{
		models.PaymentStatusCompleted:     models.EventTypePaymentCompleted,
		models.PaymentStatusFailed:        models.EventTypePaymentFailed,
		models.PaymentStatusPendingReview: models.EventTypePaymentPendingReview,
		models.PaymentStatusRejected:      models.EventTypePaymentRejected,
	}[to]
	r.publish(ctx, updated, "", eventType, reason)
	return updated, nil
}

// settle applies a terminal session to its booking. Booking transitions
// are compare-and-swaps, so settling a session twice changes nothing. On
// error the booking stays pending until resettle picks it up.
func (r *PaymentReconciler) settle(ctx context.Context, session *models.PaymentSession) error {
	switch session.Status {
	case models.PaymentStatusCompleted:
		_, err := r.bookings.Confirm(ctx, session.BookingID)
		if errors.Is(err, ErrInvalidTransition) {
			// the booking was cancelled while the payment was in flight
			r.recordLatePayment(ctx, session, session.Amount, session.Channel, "paid-after-cancel:"+session.ID)
			return nil
		}
		if err != nil {
			r.logger.Error("Failed to confirm booking",
				zap.String("booking_id", session.BookingID),
				zap.String("reference", session.ReferenceNumber),
				zap.Error(err))
			return err
		}
	case models.PaymentStatusFailed, models.PaymentStatusRejected:
		reason := fmt.Sprintf("payment %s: %s", session.Status, session.FailureReason)
		if _, err := r.bookings.Cancel(ctx, session.BookingID, SystemActor, reason); err != nil {
			r.logger.Error("Failed to cancel booking",
				zap.String("booking_id", session.BookingID),
				zap.String("reference", session.ReferenceNumber),
				zap.Error(err))
			return err
		}
	}
	return nil
}

// resettle settles a terminal session again if its booking is still pending
func (r *PaymentReconciler) resettle(ctx context.Context, session *models.PaymentSession) {
	if !session.Status.Terminal() {
		return
	}
	booking, err := r.bookings.GetBooking(ctx, session.BookingID)
	if err != nil {
		r.logger.Warn("Failed to load booking for settlement check",
			zap.String("booking_id", session.BookingID),
			zap.Error(err))
		return
	}
	if booking.Status != models.BookingStatusPending {
		return
	}

	r.logger.Warn("Settling payment left unsettled",
		zap.String("booking_id", session.BookingID),
		zap.String("reference", session.ReferenceNumber),
		zap.String("status", string(session.Status)))
	if err := r.settle(ctx, session); err == nil {
		util.PaymentSettlementRepairsTotal.WithLabelValues(string(session.Status)).Inc()
	}
}

// recordNoop audits an event that did not change the session
func (r *PaymentReconciler) recordNoop(ctx context.Context, session *models.PaymentSession, channel models.Channel, actor Actor, outcome Outcome, reason, evidenceRef string) *PaymentResult {
	if err := r.audit.Record(ctx, &models.AuditEvent{
		Actor:       actor.String(),
		SubjectType: models.SubjectPayment,
		SubjectID:   session.ID,
		FromState:   string(session.Status),
		ToState:     string(session.Status),
		Reason:      reason,
		EvidenceRef: evidenceRef,
	}); err != nil {
		r.logger.Error("Failed to audit ignored payment event", zap.Error(err))
	}

	if outcome == OutcomeDuplicate {
		util.PaymentDuplicateEventsTotal.WithLabelValues(string(channel)).Inc()
	}
	r.logger.Info("Payment event ignored",
		zap.String("reference", session.ReferenceNumber),
		zap.String("status", string(session.Status)),
		zap.String("reason", reason))
	return &PaymentResult{Session: session, Outcome: outcome}
}

// recordLatePayment flags money that arrived for a session that can no
// longer use it, so that it can be refunded.
func (r *PaymentReconciler) recordLatePayment(ctx context.Context, session *models.PaymentSession, amount decimal.Decimal, channel models.Channel, evidenceRef string) *PaymentResult {
	reason := fmt.Sprintf("late_payment: %s received via %s", amount, channel)
	if err := r.audit.Record(ctx, &models.AuditEvent{
		Actor:       GatewayActor.String(),
		SubjectType: models.SubjectPayment,
		SubjectID:   session.ID,
		FromState:   string(session.Status),
		ToState:     string(session.Status),
		Reason:      reason,
		EvidenceRef: evidenceRef,
	}); err != nil {
		r.logger.Error("Failed to audit late payment", zap.Error(err))
	}

	util.PaymentDuplicateEventsTotal.WithLabelValues(string(channel)).Inc()
	r.logger.Warn("Late payment needs refund",
		zap.String("reference", session.ReferenceNumber),
		zap.String("amount", amount.String()),
		zap.String("status", string(session.Status)))

	r.publish(ctx, session, "", models.EventTypePaymentLate, reason)
	return &PaymentResult{Session: session, Outcome: OutcomeLate}
}

func (r *PaymentReconciler) publish(ctx context.Context, session *models.PaymentSession, customerID, eventType, reason string) {
	if eventType == "" {
		return
	}
	if customerID == "" {
		if booking, err := r.bookings.GetBooking(ctx, session.BookingID); err == nil {
			customerID = booking.CustomerID
		}
	}

	event := &models.PaymentEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: eventType,
			Timestamp: time.Now().UTC(),
		},
		SessionID:       session.ID,
		BookingID:       session.BookingID,
		CustomerID:      customerID,
		ReferenceNumber: session.ReferenceNumber,
		Amount:          session.Amount,
		Status:          session.Status,
		Channel:         session.Channel,
		Reason:          reason,
	}

	if err := r.events.PublishPaymentEvent(ctx, event); err != nil {
		r.logger.Error("Failed to publish payment event",
			zap.String("event_type", eventType),
			zap.String("reference", session.ReferenceNumber),
			zap.Error(err))
	}
}

func (r *PaymentReconciler) amountMatches(got, want decimal.Decimal) bool {
	return got.Sub(want).Abs().LessThanOrEqual(r.cfg.AmountTolerance)
}

// classifyGatewayStatus maps a gateway status string to success or failure
func classifyGatewayStatus(status string) (succeeded, known bool) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "success", "succeeded", "successful", "paid", "completed", "settled", "capture":
		return true, true
	case "failed", "failure", "declined", "denied", "expired", "cancelled", "canceled", "error", "deny", "expire", "cancel":
		return false, true
	}
	return false, false
}

func gatewayFailureReason(ev *models.GatewayEvent) string {
	return "gateway reported " + strings.ToLower(strings.TrimSpace(ev.Status))
}

func gatewayEvidenceRef(ev *models.GatewayEvent) string {
	switch {
	case ev.TransactionID != "":
		return "tx:" + ev.TransactionID
	case ev.EventID != "":
		return "event:" + ev.EventID
	}
	return ""
}

func originalEvidence(raw types.JSONText) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return json.RawMessage(raw)
}
