package memstore

import (
	"context"
	"fmt"

	"booking-service/internal/models"
	"booking-service/internal/store"
)

// ReserveCapacity checks every day of the window and only then increments them
func (s *Store) ReserveCapacity(_ context.Context, unit *models.BookableUnit, res *models.Reservation) (bool, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.reservations[res.ID]; exists {
		return false, 0, fmt.Errorf("reservation %s already exists", res.ID)
	}

	days := res.Window().DayKeys()
	remaining := models.UnlimitedCapacity

	if !unit.Unlimited() {
		counters := s.usage[unit.ID]
		if counters == nil {
			counters = make(map[string]int)
			s.usage[unit.ID] = counters
		}

		peak := 0
		for _, day := range days {
			if counters[day]+res.Quantity > unit.TotalQuantity {
				return false, s.remainingLocked(unit, days), nil
			}
			if counters[day]+res.Quantity > peak {
				peak = counters[day] + res.Quantity
			}
		}
		for _, day := range days {
			counters[day] += res.Quantity
		}
		remaining = unit.TotalQuantity - peak
	}

	now := s.now().UTC()
	res.Status = models.ReservationHeld
	res.CreatedAt, res.UpdatedAt = now, now
	s.reservations[res.ID] = *res
	return true, remaining, nil
}

func (s *Store) ReleaseCapacity(_ context.Context, reservationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.reservations[reservationID]
	if !ok {
		return false, fmt.Errorf("reservation %s: %w", reservationID, store.ErrNotFound)
	}
	if res.Status == models.ReservationReleased {
		return false, nil
	}

	if counters := s.usage[res.UnitID]; counters != nil {
		if unit, ok := s.units[res.UnitID]; !ok || !unit.Unlimited() {
			for _, day := range res.Window().DayKeys() {
				counters[day] -= res.Quantity
			}
		}
	}

	res.Status = models.ReservationReleased
	res.UpdatedAt = s.now().UTC()
	s.reservations[reservationID] = res
	return true, nil
}

func (s *Store) FinalizeCapacity(_ context.Context, reservationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.reservations[reservationID]
	if !ok {
		return fmt.Errorf("reservation %s: %w", reservationID, store.ErrNotFound)
	}
	switch res.Status {
	case models.ReservationReleased:
		return fmt.Errorf("reservation %s: %w", reservationID, store.ErrReservationReleased)
	case models.ReservationHeld:
		res.Status = models.ReservationFinalized
		res.UpdatedAt = s.now().UTC()
		s.reservations[reservationID] = res
	}
	return nil
}

func (s *Store) RemainingCapacity(_ context.Context, unit *models.BookableUnit, window models.Window) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remainingLocked(unit, window.DayKeys()), nil
}

func (s *Store) GetReservation(_ context.Context, id string) (*models.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.reservations[id]
	if !ok {
		return nil, fmt.Errorf("reservation %s: %w", id, store.ErrNotFound)
	}
	return &res, nil
}

// Reserved returns the counter for one unit day
func (s *Store) Reserved(unitID, day string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage[unitID][day]
}

func (s *Store) remainingLocked(unit *models.BookableUnit, days []string) int {
	if unit.Unlimited() {
		return models.UnlimitedCapacity
	}
	peak := 0
	for _, day := range days {
		if used := s.usage[unit.ID][day]; used > peak {
			peak = used
		}
	}
	if remaining := unit.TotalQuantity - peak; remaining > 0 {
		return remaining
	}
	return 0
}
