package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"booking-service/internal/models"
	"booking-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher publishes booking and payment events to Kafka, keyed by
// booking so a consumer sees one booking's history in order
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// PublishBookingEvent publishes a booking status change
func (ep *EventPublisher) PublishBookingEvent(ctx context.Context, event *models.BookingEvent) error {
	return ep.producer.PublishEvent(ctx, bookingKey(event.BookingID), event.EventType, event)
}

// PublishPaymentEvent publishes a payment session status change
func (ep *EventPublisher) PublishPaymentEvent(ctx context.Context, event *models.PaymentEvent) error {
	return ep.producer.PublishEvent(ctx, bookingKey(event.BookingID), event.EventType, event)
}

func bookingKey(bookingID string) string {
	return "booking-" + bookingID
}

// EventHandler handles incoming gateway events
type EventHandler struct {
	onGatewayPayment func(context.Context, *models.GatewayEvent) error
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{}
}

// OnGatewayPayment registers a handler for gateway payment notifications
func (eh *EventHandler) OnGatewayPayment(handler func(context.Context, *models.GatewayEvent) error) {
	eh.onGatewayPayment = handler
}

// HandleMessage routes messages to the registered handler. Gateways that
// relay their webhook body verbatim carry no event_type, so a bare payload
// with a reference number is treated as a gateway payment too.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}
	eventType := baseEvent.EventType
	if eventType == "" {
		eventType = headerValue(msg, "event_type")
	}

	switch eventType {
	case models.EventTypeGatewayPayment, "":
		var event models.GatewayEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			return fmt.Errorf("failed to unmarshal gateway event: %w", err)
		}
		if event.ReferenceNumber == "" {
			util.GetLogger().Warn("Dropping gateway event without reference",
				zap.Int64("offset", msg.Offset))
			return nil
		}
		if event.EventID == "" {
			event.EventID = baseEvent.EventID
		}
		if eh.onGatewayPayment != nil {
			return eh.onGatewayPayment(ctx, &event)
		}

	default:
		util.GetLogger().Debug("Unhandled event type", zap.String("event_type", eventType))
	}

	return nil
}

func headerValue(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
