package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BookingsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bookings_created_total",
		Help: "Total number of bookings created",
	})

	BookingsConfirmedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bookings_confirmed_total",
		Help: "Total number of bookings confirmed after payment",
	})

	BookingsCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bookings_completed_total",
		Help: "Total number of bookings completed",
	})

	BookingsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bookings_failed_total",
		Help: "Total number of booking requests that could not be created",
	}, []string{"reason"})

	BookingsCancelledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bookings_cancelled_total",
		Help: "Total number of cancelled bookings",
	}, []string{"actor"})

	InventoryReserveLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "inventory_reserve_latency_seconds",
		Help:    "Latency of inventory reservation operations",
		Buckets: prometheus.DefBuckets,
	})

	InventoryReservationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_reservations_failed_total",
		Help: "Total number of failed inventory reservations",
	}, []string{"reason"})

	InventoryReleasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_releases_total",
		Help: "Total number of reservation release calls",
	}, []string{"result"})

	PaymentSessionsOpenedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payment_sessions_opened_total",
		Help: "Total number of payment sessions opened",
	})

	PaymentEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_events_total",
		Help: "Payment events received per channel and outcome",
	}, []string{"channel", "outcome"})

	PaymentTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_transitions_total",
		Help: "Applied payment session transitions",
	}, []string{"from", "to", "channel"})

	PaymentDuplicateEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_duplicate_events_total",
		Help: "Payment events suppressed as duplicates or late arrivals",
	}, []string{"channel"})

	PaymentSettlementRepairsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_settlement_repairs_total",
		Help: "Terminal payment sessions whose booking had to be settled again",
	}, []string{"status"})

	ReceiptVerificationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "receipt_verification_latency_seconds",
		Help:    "Latency of external receipt verification calls",
		Buckets: prometheus.DefBuckets,
	})

	ReceiptVerificationErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "receipt_verification_errors_total",
		Help: "Receipt verification calls that failed and were routed to review",
	})

	TimeoutSweepExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "timeout_sweep_expired_total",
		Help: "Payment sessions failed by the timeout sweep",
	})

	WebhookSignatureFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "webhook_signature_failures_total",
		Help: "Webhook deliveries rejected for a bad or stale signature",
	})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
