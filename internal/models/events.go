package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event types
const (
	EventTypeBookingCreated   = "BOOKING_CREATED"
	EventTypeBookingConfirmed = "BOOKING_CONFIRMED"
	EventTypeBookingCancelled = "BOOKING_CANCELLED"
	EventTypeBookingCompleted = "BOOKING_COMPLETED"

	EventTypePaymentOpened        = "PAYMENT_OPENED"
	EventTypePaymentCompleted     = "PAYMENT_COMPLETED"
	EventTypePaymentFailed        = "PAYMENT_FAILED"
	EventTypePaymentPendingReview = "PAYMENT_PENDING_REVIEW"
	EventTypePaymentRejected      = "PAYMENT_REJECTED"
	EventTypePaymentLate          = "PAYMENT_LATE"

	EventTypeGatewayPayment = "GATEWAY_PAYMENT"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// BookingEvent is published on every booking status change
type BookingEvent struct {
	BaseEvent
	BookingID  string          `json:"booking_id"`
	UnitID     string          `json:"unit_id"`
	CustomerID string          `json:"customer_id"`
	Quantity   int             `json:"quantity"`
	StartDate  string          `json:"start_date"`
	Days       int             `json:"days"`
	Price      decimal.Decimal `json:"price"`
	Status     BookingStatus   `json:"status"`
	Reason     string          `json:"reason,omitempty"`
}

// PaymentEvent is published on every payment session status change.
// CustomerID lets downstream notifiers reach the payer.
type PaymentEvent struct {
	BaseEvent
	SessionID       string          `json:"session_id"`
	BookingID       string          `json:"booking_id"`
	CustomerID      string          `json:"customer_id"`
	ReferenceNumber string          `json:"reference_number"`
	Amount          decimal.Decimal `json:"amount"`
	Status          PaymentStatus   `json:"status"`
	Channel         Channel         `json:"channel,omitempty"`
	Reason          string          `json:"reason,omitempty"`
}

// GatewayEvent is a gateway payment notification, delivered either to the
// webhook endpoint or through the gateway events topic
type GatewayEvent struct {
	EventID         string          `json:"eventId,omitempty"`
	ReferenceNumber string          `json:"referenceNumber"`
	Amount          decimal.Decimal `json:"amount"`
	Status          string          `json:"status"`
	TransactionID   string          `json:"transactionId"`
	Timestamp       time.Time       `json:"timestamp"`
}
