package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"booking-service/config"
	"booking-service/internal/api"
	"booking-service/internal/broker"
	"booking-service/internal/ocr"
	"booking-service/internal/redisclient"
	"booking-service/internal/service"
	"booking-service/internal/store"
	"booking-service/internal/util"
	"booking-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const serviceName = "booking-service"

func main() {
	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, serviceName); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting booking service")

	tp, err := util.InitTracer(serviceName, cfg.Server.Env, cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	if cfg.Database.Migrate {
		if err := db.Migrate(context.Background()); err != nil {
			logger.Fatal("Failed to migrate database", zap.Error(err))
		}
	}
	logger.Info("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	var ledgerBackend service.LedgerBackend = db
	if cfg.Business.LedgerBackend == "redis" {
		ledgerBackend = redisClient
	}
	logger.Info("Capacity ledger selected", zap.String("backend", cfg.Business.LedgerBackend))

	publisher, closePublisher := newPublisher(cfg, logger)
	defer closePublisher()

	verifier := ocr.NewClient(cfg.OCR.URL, cfg.OCR.APIKey, cfg.OCR.Timeout)

	audit := service.NewAuditTrail(db, cfg.Security.AuditRetainAfter)
	ledger := service.NewInventoryLedger(ledgerBackend)
	bookings := service.NewBookingManager(db, db, ledger, publisher)
	payments := service.NewPaymentReconciler(db, audit, bookings, verifier, publisher, service.ReconcilerConfig{
		AmountTolerance:      cfg.Business.AmountTolerance,
		MinReceiptConfidence: cfg.Business.MinReceiptConfidence,
		PaymentTimeout:       cfg.Business.PaymentTimeout,
		VerifyTimeout:        cfg.OCR.Timeout,
		SweepBatchSize:       cfg.Business.SweepBatchSize,
		DedupeTTL:            cfg.Business.WebhookDedupeTTL,
	})
	payments.UseDeduper(redisClient)
	bookings.UsePayments(payments)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	var workers sync.WaitGroup

	sweeper := worker.NewTimeoutSweeper(payments, redisClient, cfg.Business.SweepInterval)
	workers.Add(1)
	go func() {
		defer workers.Done()
		if err := sweeper.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Timeout sweeper error", zap.Error(err))
		}
	}()

	var gatewayWorker *worker.GatewayWorker
	if cfg.Kafka.TopicGateway != "" {
		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicGateway, cfg.Kafka.ConsumerGroup)
		gatewayWorker = worker.NewGatewayWorker(consumer, payments)
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := gatewayWorker.Start(workerCtx); err != nil && err != context.Canceled {
				logger.Error("Gateway worker error", zap.Error(err))
			}
		}()
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	handler := api.NewHandler(bookings, payments, audit, api.Config{
		JWTSecret:       cfg.Security.JWTSecret,
		WebhookSecret:   cfg.Security.WebhookSecret,
		WebhookMaxSkew:  cfg.Security.WebhookMaxSkew,
		MaxReceiptBytes: cfg.Business.MaxReceiptBytes,
		CORSOrigins:     cfg.Server.CORSOrigins,
	})
	handler.AddReadinessCheck("postgres", db.Ping)
	handler.AddReadinessCheck("redis", redisClient.Ping)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if gatewayWorker != nil {
		if err := gatewayWorker.Stop(); err != nil {
			logger.Error("Error stopping gateway worker", zap.Error(err))
		}
	}
	workers.Wait()

	logger.Info("Server exited")
}

// newPublisher picks the domain event transport. A broker that cannot be
// reached at startup degrades to dropping events rather than blocking bookings.
func newPublisher(cfg *config.Config, logger *zap.Logger) (service.EventPublisher, func()) {
	switch cfg.Business.NotifyBackend {
	case "rabbitmq":
		pub, err := broker.NewRabbitPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange)
		if err != nil {
			logger.Error("RabbitMQ unavailable, domain events disabled", zap.Error(err))
			return service.NopPublisher{}, func() {}
		}
		logger.Info("RabbitMQ publisher initialized", zap.String("exchange", cfg.RabbitMQ.Exchange))
		return pub, func() { _ = pub.Close() }
	case "none":
		return service.NopPublisher{}, func() {}
	default:
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents)
		logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicEvents))
		return broker.NewEventPublisher(producer), func() { _ = producer.Close() }
	}
}
