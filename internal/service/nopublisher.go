package service

import (
	"context"

	"booking-service/internal/models"
)

// NopPublisher drops every event. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) PublishBookingEvent(context.Context, *models.BookingEvent) error { return nil }

func (NopPublisher) PublishPaymentEvent(context.Context, *models.PaymentEvent) error { return nil }
