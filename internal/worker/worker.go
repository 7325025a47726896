package worker

import (
	"context"
	"errors"
	"time"

	"booking-service/internal/broker"
	"booking-service/internal/models"
	"booking-service/internal/service"
	"booking-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WebhookHandler applies gateway payment notifications
type WebhookHandler interface {
	HandleWebhook(ctx context.Context, ev *models.GatewayEvent) (*service.PaymentResult, error)
}

// Expirer fails payment sessions that ran out of time
type Expirer interface {
	SweepExpired(ctx context.Context) (int, error)
}

// GatewayWorker feeds gateway events from Kafka into the webhook path
type GatewayWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	webhooks     WebhookHandler
	logger       *zap.Logger
}

// NewGatewayWorker creates a new gateway worker
func NewGatewayWorker(consumer *broker.Consumer, webhooks WebhookHandler) *GatewayWorker {
	w := &GatewayWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		webhooks:     webhooks,
		logger:       util.GetLogger().With(zap.String("worker", "gateway")),
	}
	w.eventHandler.OnGatewayPayment(w.handleGatewayPayment)
	return w
}

// Start blocks consuming until ctx is done
func (w *GatewayWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting gateway worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the gateway worker
func (w *GatewayWorker) Stop() error {
	w.logger.Info("Stopping gateway worker")
	return w.consumer.Close()
}

// handleGatewayPayment returns nil for events that can never succeed so the
// consumer commits past them. Anything else is left uncommitted.
func (w *GatewayWorker) handleGatewayPayment(ctx context.Context, ev *models.GatewayEvent) error {
	result, err := w.webhooks.HandleWebhook(ctx, ev)
	switch {
	case errors.Is(err, service.ErrValidation), errors.Is(err, service.ErrNotFound):
		w.logger.Warn("Dropping gateway event",
			zap.String("reference", ev.ReferenceNumber),
			zap.Error(err))
		return nil
	case err != nil:
		return err
	}

	w.logger.Info("Gateway event processed",
		zap.String("reference", ev.ReferenceNumber),
		zap.String("outcome", string(result.Outcome)),
		zap.String("status", string(result.Session.Status)))
	return nil
}

const sweepLockKey = "payment-timeout-sweep"

// TimeoutSweeper periodically fails expired payment sessions. With a
// locker configured only the replica holding the lock sweeps a given tick.
type TimeoutSweeper struct {
	expirer  Expirer
	locker   service.Locker
	interval time.Duration
	token    string
	logger   *zap.Logger
}

// NewTimeoutSweeper creates a sweeper. locker may be nil for a single replica.
func NewTimeoutSweeper(expirer Expirer, locker service.Locker, interval time.Duration) *TimeoutSweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &TimeoutSweeper{
		expirer:  expirer,
		locker:   locker,
		interval: interval,
		token:    uuid.New().String(),
		logger:   util.GetLogger().With(zap.String("worker", "timeout-sweeper")),
	}
}

// Start runs a sweep every interval until ctx is done
func (s *TimeoutSweeper) Start(ctx context.Context) error {
	s.logger.Info("Starting timeout sweeper", zap.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping timeout sweeper")
			return ctx.Err()
		case <-ticker.C:
			if _, _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("Timeout sweep failed", zap.Error(err))
			}
		}
	}
}

// RunOnce sweeps if this replica wins the tick. ran is false when another
// replica holds the lock.
func (s *TimeoutSweeper) RunOnce(ctx context.Context) (ran bool, expired int, err error) {
	if s.locker != nil {
		acquired, err := s.locker.AcquireLock(ctx, sweepLockKey, s.token, s.interval)
		if err != nil {
			return false, 0, err
		}
		if !acquired {
			s.logger.Debug("Sweep lock held by another replica")
			return false, 0, nil
		}
		defer func() {
			if rerr := s.locker.ReleaseLock(context.WithoutCancel(ctx), sweepLockKey, s.token); rerr != nil {
				s.logger.Warn("Failed to release sweep lock", zap.Error(rerr))
			}
		}()
	}

	expired, err = s.expirer.SweepExpired(ctx)
	return true, expired, err
}
