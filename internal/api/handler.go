package api

import (
	"context"
	"net/http"
	"time"

	"booking-service/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds the HTTP layer settings
type Config struct {
	JWTSecret       string
	WebhookSecret   string
	WebhookMaxSkew  time.Duration
	MaxReceiptBytes int64
	CORSOrigins     []string
}

// ReadinessCheck reports whether a dependency can serve traffic
type ReadinessCheck func(ctx context.Context) error

// Handler contains HTTP handlers
type Handler struct {
	bookings *service.BookingManager
	payments *service.PaymentReconciler
	audit    *service.AuditTrail
	cfg      Config
	checks   map[string]ReadinessCheck
	now      func() time.Time
}

// NewHandler creates a new HTTP handler
func NewHandler(bookings *service.BookingManager, payments *service.PaymentReconciler, audit *service.AuditTrail, cfg Config) *Handler {
	if cfg.MaxReceiptBytes <= 0 {
		cfg.MaxReceiptBytes = 5 << 20
	}
	if cfg.WebhookMaxSkew <= 0 {
		cfg.WebhookMaxSkew = 5 * time.Minute
	}
	return &Handler{
		bookings: bookings,
		payments: payments,
		audit:    audit,
		cfg:      cfg,
		checks:   make(map[string]ReadinessCheck),
		now:      time.Now,
	}
}

// AddReadinessCheck registers a dependency probed by /ready
func (h *Handler) AddReadinessCheck(name string, check ReadinessCheck) {
	h.checks[name] = check
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(corsMiddleware(h.cfg.CORSOrigins))

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	v1.POST("/payments/webhook", webhookSignature(h.cfg.WebhookSecret, h.cfg.WebhookMaxSkew, h.now), h.handleWebhook)
	v1.GET("/units/:id/availability", h.getAvailability)

	authed := v1.Group("", authMiddleware(h.cfg.JWTSecret))
	{
		authed.POST("/bookings", h.createBooking)
		authed.GET("/bookings", h.listBookings)
		authed.GET("/bookings/:id", h.getBooking)
		authed.POST("/bookings/:id/cancel", h.cancelBooking)

		authed.GET("/payments/:reference", h.getPayment)
		authed.POST("/payments/:reference/receipt", h.submitReceipt)
	}

	admin := authed.Group("/admin", requireRole(service.RoleAdmin))
	{
		admin.POST("/bookings/:id/complete", h.completeBooking)
		admin.POST("/payments/:reference/review", h.reviewPayment)
		admin.GET("/payments/:reference/receipt", h.getReceiptImage)
		admin.POST("/payments/sweep", h.sweepPayments)
		admin.GET("/audit/:subject", h.auditHistory)
		admin.POST("/audit/purge", h.purgeAudit)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   h.now().Unix(),
	})
}

// readinessCheck probes every registered dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}

	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"failed": failed,
			"time":   h.now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   h.now().Unix(),
	})
}
