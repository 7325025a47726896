package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"booking-service/internal/models"
	"booking-service/internal/store"
)

func (s *Store) CreateBooking(_ context.Context, b *models.Booking, ev *models.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.bookings[b.ID]; exists {
		return fmt.Errorf("booking %s already exists", b.ID)
	}
	now := s.now().UTC()
	b.Version = 1
	b.CreatedAt, b.UpdatedAt = now, now
	s.bookings[b.ID] = *b
	s.appendAudit(ev)
	return nil
}

func (s *Store) GetBooking(_ context.Context, id string) (*models.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return nil, fmt.Errorf("booking %s: %w", id, store.ErrNotFound)
	}
	return &b, nil
}

func (s *Store) GetBookingsByCustomer(_ context.Context, customerID string) ([]models.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Booking
	for _, b := range s.bookings {
		if b.CustomerID == customerID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) TransitionBooking(_ context.Context, t models.BookingTransition, ev *models.AuditEvent) (*models.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bookings[t.BookingID]
	if !ok {
		return nil, fmt.Errorf("booking %s: %w", t.BookingID, store.ErrNotFound)
	}
	if !containsBookingStatus(t.From, b.Status) {
		return nil, fmt.Errorf("booking %s: %w", t.BookingID, store.ErrStaleState)
	}

	b.Status = t.To
	if t.CancelReason != "" {
		b.CancelReason = t.CancelReason
	}
	b.Version++
	b.UpdatedAt = s.now().UTC()
	s.bookings[b.ID] = b
	s.appendAudit(ev)
	return &b, nil
}

func (s *Store) CreatePaymentSession(_ context.Context, p *models.PaymentSession, ev *models.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.sessions {
		if existing.ReferenceNumber == p.ReferenceNumber {
			return fmt.Errorf("reference %s already exists", p.ReferenceNumber)
		}
		if existing.BookingID == p.BookingID && existing.Status.Active() {
			return fmt.Errorf("booking %s: %w", p.BookingID, store.ErrActiveSession)
		}
	}

	p.Version = 1
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now().UTC()
	}
	p.UpdatedAt = p.CreatedAt
	if len(p.Evidence) == 0 {
		p.Evidence = []byte("{}")
	}
	s.sessions[p.ID] = *p
	s.appendAudit(ev)
	return nil
}

func (s *Store) GetPaymentSession(_ context.Context, id string) (*models.PaymentSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("payment %s: %w", id, store.ErrNotFound)
	}
	return &p, nil
}

func (s *Store) GetPaymentSessionByReference(_ context.Context, reference string) (*models.PaymentSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.sessions {
		if p.ReferenceNumber == reference {
			return &p, nil
		}
	}
	return nil, fmt.Errorf("payment %s: %w", reference, store.ErrNotFound)
}

func (s *Store) GetActivePaymentSession(_ context.Context, bookingID string) (*models.PaymentSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.sessions {
		if p.BookingID == bookingID && p.Status.Active() {
			return &p, nil
		}
	}
	return nil, fmt.Errorf("active payment for booking %s: %w", bookingID, store.ErrNotFound)
}

func (s *Store) GetLatestPaymentSession(_ context.Context, bookingID string) (*models.PaymentSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *models.PaymentSession
	for _, p := range s.sessions {
		if p.BookingID != bookingID {
			continue
		}
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) {
			p := p
			latest = &p
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("payment for booking %s: %w", bookingID, store.ErrNotFound)
	}
	return latest, nil
}

func (s *Store) TransitionPaymentSession(_ context.Context, t models.PaymentTransition, ev *models.AuditEvent) (*models.PaymentSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.sessions[t.SessionID]
	if !ok {
		return nil, fmt.Errorf("payment %s: %w", t.SessionID, store.ErrNotFound)
	}
	if !containsPaymentStatus(t.From, p.Status) {
		return nil, fmt.Errorf("payment %s: %w", t.SessionID, store.ErrStaleState)
	}

	p.Status = t.To
	if t.Channel != "" {
		p.Channel = t.Channel
	}
	if t.FailureReason != "" {
		p.FailureReason = t.FailureReason
	}
	if len(t.Evidence) > 0 {
		p.Evidence = t.Evidence
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		p.CompletedAt = &completed
	}
	p.Version++
	p.UpdatedAt = s.now().UTC()
	s.sessions[p.ID] = p
	s.appendAudit(ev)
	return &p, nil
}

func (s *Store) ListExpiredPendingSessions(_ context.Context, cutoff time.Time, limit int) ([]models.PaymentSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.PaymentSession
	for _, p := range s.sessions {
		if p.Status == models.PaymentStatusPending && p.CreatedAt.Before(cutoff) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListUnsettledSessions(_ context.Context, cutoff time.Time, limit int) ([]models.PaymentSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.PaymentSession
	for _, p := range s.sessions {
		if !p.Status.Terminal() || !p.UpdatedAt.Before(cutoff) {
			continue
		}
		if b, ok := s.bookings[p.BookingID]; ok && b.Status == models.BookingStatusPending {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) SaveReceiptImage(_ context.Context, img *models.ReceiptImage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts[img.SessionID] = *img
	return nil
}

func (s *Store) GetReceiptImage(_ context.Context, sessionID string) (*models.ReceiptImage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	img, ok := s.receipts[sessionID]
	if !ok {
		return nil, fmt.Errorf("receipt for payment %s: %w", sessionID, store.ErrNotFound)
	}
	return &img, nil
}

func (s *Store) AppendAuditEvent(_ context.Context, ev *models.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendAudit(ev)
	return nil
}

func (s *Store) ListAuditEvents(_ context.Context, subjectID string) ([]models.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AuditEvent
	for _, ev := range s.audit {
		if ev.SubjectID == subjectID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *Store) HasAuditEvidence(_ context.Context, subjectID, evidenceRef string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.audit {
		if ev.SubjectID == subjectID && ev.EvidenceRef == evidenceRef {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) PurgeAuditEvents(_ context.Context, cutoff time.Time, ev *models.AuditEvent) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.audit[:0]
	var purged int64
	for _, existing := range s.audit {
		if existing.OccurredAt.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, existing)
	}
	s.audit = kept

	ev.EvidenceRef = fmt.Sprintf("purged:%d", purged)
	s.appendAudit(ev)
	return purged, nil
}

func containsBookingStatus(set []models.BookingStatus, s models.BookingStatus) bool {
	for _, candidate := range set {
		if candidate == s {
			return true
		}
	}
	return false
}

func containsPaymentStatus(set []models.PaymentStatus, s models.PaymentStatus) bool {
	for _, candidate := range set {
		if candidate == s {
			return true
		}
	}
	return false
}
