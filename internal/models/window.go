package models

import (
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// Window is a span of whole days starting at Start (UTC midnight)
type Window struct {
	Start time.Time `json:"start"`
	Days  int       `json:"days"`
}

// NewWindow truncates start to its UTC day and validates the length.
func NewWindow(start time.Time, days int) (Window, error) {
	if days < 1 {
		return Window{}, fmt.Errorf("window must cover at least one day, got %d", days)
	}
	if start.IsZero() {
		return Window{}, fmt.Errorf("window start date is required")
	}
	return Window{Start: TruncateDay(start), Days: days}, nil
}

// ParseWindow parses a YYYY-MM-DD date into a window.
func ParseWindow(date string, days int) (Window, error) {
	start, err := time.ParseInLocation(dateLayout, date, time.UTC)
	if err != nil {
		return Window{}, fmt.Errorf("invalid date %q: %w", date, err)
	}
	return NewWindow(start, days)
}

// End is the first day after the window.
func (w Window) End() time.Time {
	return w.Start.AddDate(0, 0, w.Days)
}

// Dates lists every day the window covers, ascending.
func (w Window) Dates() []time.Time {
	dates := make([]time.Time, 0, w.Days)
	for i := 0; i < w.Days; i++ {
		dates = append(dates, w.Start.AddDate(0, 0, i))
	}
	return dates
}

// DayKeys lists the window days as YYYY-MM-DD strings, ascending.
func (w Window) DayKeys() []string {
	keys := make([]string, 0, w.Days)
	for _, d := range w.Dates() {
		keys = append(keys, d.Format(dateLayout))
	}
	return keys
}

// Overlaps reports whether the two windows share at least one day.
func (w Window) Overlaps(other Window) bool {
	return w.Start.Before(other.End()) && other.Start.Before(w.End())
}

func (w Window) String() string {
	return fmt.Sprintf("%s+%dd", w.Start.Format(dateLayout), w.Days)
}

// TruncateDay returns midnight UTC of t's calendar day.
func TruncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
