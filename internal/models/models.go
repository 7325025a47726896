package models

import (
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
)

// UnitType distinguishes open-capacity services from finite equipment
type UnitType string

const (
	UnitTypeService   UnitType = "service"
	UnitTypeEquipment UnitType = "equipment"
)

// BookableUnit represents a service or equipment item that can be booked
type BookableUnit struct {
	ID            string          `db:"id" json:"id"`
	Name          string          `db:"name" json:"name"`
	Type          UnitType        `db:"unit_type" json:"unit_type"`
	TotalQuantity int             `db:"total_quantity" json:"total_quantity"`
	PricePerDay   decimal.Decimal `db:"price_per_day" json:"price_per_day"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

// Unlimited reports whether the unit has no capacity bound.
func (u *BookableUnit) Unlimited() bool {
	return u.Type == UnitTypeService && u.TotalQuantity <= 0
}

// Booking represents a customer's hold on a unit for a time window
type Booking struct {
	ID            string          `db:"id" json:"id"`
	UnitID        string          `db:"unit_id" json:"unit_id"`
	CustomerID    string          `db:"customer_id" json:"customer_id"`
	Quantity      int             `db:"quantity" json:"quantity"`
	StartDate     time.Time       `db:"start_date" json:"start_date"`
	Days          int             `db:"days" json:"days"`
	Price         decimal.Decimal `db:"price" json:"price"`
	Status        BookingStatus   `db:"status" json:"status"`
	ReservationID string          `db:"reservation_id" json:"reservation_id"`
	Notes         string          `db:"notes" json:"notes,omitempty"`
	CancelReason  string          `db:"cancel_reason" json:"cancel_reason,omitempty"`
	Version       int64           `db:"version" json:"version"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updated_at"`
}

// Window returns the booked time window
func (b *Booking) Window() Window {
	return Window{Start: b.StartDate, Days: b.Days}
}

// Reservation is a capacity hold tied to a booking
type Reservation struct {
	ID        string            `db:"id" json:"id"`
	UnitID    string            `db:"unit_id" json:"unit_id"`
	BookingID string            `db:"booking_id" json:"booking_id"`
	StartDate time.Time         `db:"start_date" json:"start_date"`
	Days      int               `db:"days" json:"days"`
	Quantity  int               `db:"quantity" json:"quantity"`
	Status    ReservationStatus `db:"status" json:"status"`
	CreatedAt time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt time.Time         `db:"updated_at" json:"updated_at"`
}

// Window returns the reserved time window
func (r *Reservation) Window() Window {
	return Window{Start: r.StartDate, Days: r.Days}
}

// PaymentSession is the authoritative record of one payment attempt
type PaymentSession struct {
	ID              string          `db:"id" json:"id"`
	BookingID       string          `db:"booking_id" json:"booking_id"`
	Amount          decimal.Decimal `db:"amount" json:"amount"`
	ReferenceNumber string          `db:"reference_number" json:"reference_number"`
	PaymentCode     string          `db:"payment_code" json:"payment_code"`
	Status          PaymentStatus   `db:"status" json:"status"`
	Channel         Channel         `db:"channel" json:"channel,omitempty"`
	FailureReason   string          `db:"failure_reason" json:"failure_reason,omitempty"`
	Evidence        types.JSONText  `db:"evidence" json:"evidence,omitempty"`
	Version         int64           `db:"version" json:"version"`
	CreatedAt       time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updated_at"`
	CompletedAt     *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
}

// AuditEvent is an immutable record of a state transition
type AuditEvent struct {
	ID          int64       `db:"id" json:"id"`
	OccurredAt  time.Time   `db:"occurred_at" json:"occurred_at"`
	Actor       string      `db:"actor" json:"actor"`
	SubjectType SubjectType `db:"subject_type" json:"subject_type"`
	SubjectID   string      `db:"subject_id" json:"subject_id"`
	FromState   string      `db:"from_state" json:"from_state"`
	ToState     string      `db:"to_state" json:"to_state"`
	Reason      string      `db:"reason" json:"reason,omitempty"`
	EvidenceRef string      `db:"evidence_ref" json:"evidence_ref,omitempty"`
}

// ReceiptImage is the uploaded receipt kept for manual review
type ReceiptImage struct {
	SessionID  string    `db:"session_id" json:"session_id"`
	MimeType   string    `db:"mime_type" json:"mime_type"`
	SHA256     string    `db:"sha256" json:"sha256"`
	Data       []byte    `db:"data" json:"-"`
	UploadedAt time.Time `db:"uploaded_at" json:"uploaded_at"`
}

// BookingTransition describes a conditional booking status change
type BookingTransition struct {
	BookingID    string
	From         []BookingStatus
	To           BookingStatus
	CancelReason string
}

// PaymentTransition describes a conditional payment status change
type PaymentTransition struct {
	SessionID     string
	From          []PaymentStatus
	To            PaymentStatus
	Channel       Channel
	FailureReason string
	Evidence      types.JSONText
	CompletedAt   *time.Time
}

// Booking statuses
type BookingStatus string

const (
	BookingStatusPending   BookingStatus = "pending"
	BookingStatusConfirmed BookingStatus = "confirmed"
	BookingStatusCancelled BookingStatus = "cancelled"
	BookingStatusCompleted BookingStatus = "completed"
)

// Terminal reports whether no further transition is allowed.
func (s BookingStatus) Terminal() bool {
	return s == BookingStatusCancelled || s == BookingStatusCompleted
}

// Reservation statuses
type ReservationStatus string

const (
	ReservationHeld      ReservationStatus = "held"
	ReservationFinalized ReservationStatus = "finalized"
	ReservationReleased  ReservationStatus = "released"
)

// Payment statuses
type PaymentStatus string

const (
	PaymentStatusPending       PaymentStatus = "pending"
	PaymentStatusCompleted     PaymentStatus = "completed"
	PaymentStatusFailed        PaymentStatus = "failed"
	PaymentStatusPendingReview PaymentStatus = "pending_review"
	PaymentStatusRejected      PaymentStatus = "rejected"
)

// Terminal reports whether no further transition is allowed.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusRejected:
		return true
	}
	return false
}

// Active reports whether the session still blocks a new one for its booking.
func (s PaymentStatus) Active() bool {
	return s == PaymentStatusPending || s == PaymentStatusPendingReview
}

// Channel identifies which producer drove a payment transition
type Channel string

const (
	ChannelWebhook Channel = "webhook"
	ChannelReceipt Channel = "receipt"
	ChannelReview  Channel = "manual_review"
	ChannelTimeout Channel = "timeout"
	ChannelSystem  Channel = "system"
)

// Audit subject types
type SubjectType string

const (
	SubjectBooking     SubjectType = "booking"
	SubjectPayment     SubjectType = "payment"
	SubjectReservation SubjectType = "reservation"
	SubjectAudit       SubjectType = "audit"
)

// UnlimitedCapacity is reported as remaining capacity for unbounded units
const UnlimitedCapacity = -1
