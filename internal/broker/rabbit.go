package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"booking-service/internal/models"

	amqp "github.com/rabbitmq/amqp091-go"
)

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// RabbitPublisher publishes domain events to a durable topic exchange.
// Routing keys look like "booking.confirmed" or "payment.pending_review".
type RabbitPublisher struct {
	conn     *amqp.Connection
	ch       amqpChannel
	exchange string
}

// NewRabbitPublisher dials the broker and declares the exchange
func NewRabbitPublisher(url, exchange string) (*RabbitPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &RabbitPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

// PublishBookingEvent publishes a booking status change
func (p *RabbitPublisher) PublishBookingEvent(ctx context.Context, event *models.BookingEvent) error {
	return p.publish(ctx, routingKey("booking", string(event.Status)), event.EventID, event)
}

// PublishPaymentEvent publishes a payment session status change
func (p *RabbitPublisher) PublishPaymentEvent(ctx context.Context, event *models.PaymentEvent) error {
	key := routingKey("payment", string(event.Status))
	if event.EventType == models.EventTypePaymentLate {
		key = "payment.late"
	}
	return p.publish(ctx, key, event.EventID, event)
}

func (p *RabbitPublisher) publish(ctx context.Context, key, messageID string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	err = p.ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to rabbitmq: %w", err)
	}
	return nil
}

// Close closes the channel and connection
func (p *RabbitPublisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func routingKey(subject, status string) string {
	return subject + "." + strings.ToLower(status)
}
