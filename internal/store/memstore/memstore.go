// Package memstore keeps every repository in process memory. It backs the
// service and API tests and single-node development runs.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"booking-service/internal/models"
	"booking-service/internal/store"
)

type Store struct {
	mu sync.Mutex

	units        map[string]models.BookableUnit
	reservations map[string]models.Reservation
	usage        map[string]map[string]int // unit -> day -> reserved
	bookings     map[string]models.Booking
	sessions     map[string]models.PaymentSession
	receipts     map[string]models.ReceiptImage
	audit        []models.AuditEvent
	nextAuditID  int64
	now          func() time.Time
}

// New creates an empty store
func New() *Store {
	return &Store{
		units:        make(map[string]models.BookableUnit),
		reservations: make(map[string]models.Reservation),
		usage:        make(map[string]map[string]int),
		bookings:     make(map[string]models.Booking),
		sessions:     make(map[string]models.PaymentSession),
		receipts:     make(map[string]models.ReceiptImage),
		now:          time.Now,
	}
}

// SetClock replaces the clock used for row timestamps
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// AddUnit registers a bookable unit
func (s *Store) AddUnit(unit models.BookableUnit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if unit.CreatedAt.IsZero() {
		unit.CreatedAt = s.now().UTC()
	}
	s.units[unit.ID] = unit
}

func (s *Store) GetUnit(_ context.Context, id string) (*models.BookableUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	unit, ok := s.units[id]
	if !ok {
		return nil, fmt.Errorf("unit %s: %w", id, store.ErrNotFound)
	}
	return &unit, nil
}

func (s *Store) ListUnits(_ context.Context) ([]models.BookableUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	units := make([]models.BookableUnit, 0, len(s.units))
	for _, u := range s.units {
		units = append(units, u)
	}
	sort.Slice(units, func(i, j int) bool { return units[i].ID < units[j].ID })
	return units, nil
}

// appendAudit must be called with mu held
func (s *Store) appendAudit(ev *models.AuditEvent) {
	if ev == nil {
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = s.now().UTC()
	}
	s.nextAuditID++
	ev.ID = s.nextAuditID
	s.audit = append(s.audit, *ev)
}
