package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"booking-service/internal/service"
	"booking-service/internal/util"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	actorKey      = "actor"
	rawBodyKey    = "raw_body"
	maxWebhookLen = 1 << 20
)

// Claims are the JWT claims the service reads
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// NewToken signs an HS256 token for subject with role
func NewToken(secret, subject string, role service.Role, ttl time.Duration) (string, error) {
	claims := Claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func parseToken(secret, raw string) (*Claims, error) {
	if secret == "" {
		return nil, errors.New("jwt secret not configured")
	}
	tok, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := tok.Claims.(*Claims)
	if !ok || !tok.Valid || claims.Subject == "" {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// authMiddleware requires a valid bearer token and stores the caller's actor
func authMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := parseToken(secret, strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		role := service.Role(claims.Role)
		if role != service.RoleAdmin {
			role = service.RoleCustomer
		}
		c.Set(actorKey, service.Actor{ID: claims.Subject, Role: role})
		c.Next()
	}
}

// requireRole rejects callers without the given role. Must run after authMiddleware.
func requireRole(role service.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		if actorFrom(c).Role != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

func actorFrom(c *gin.Context) service.Actor {
	if v, ok := c.Get(actorKey); ok {
		if actor, ok := v.(service.Actor); ok {
			return actor
		}
	}
	return service.Actor{}
}

// webhookSignature checks X-Signature, the hex HMAC-SHA256 of
// "<timestamp>.<body>", and rejects timestamps outside maxSkew.
func webhookSignature(secret string, maxSkew time.Duration, now func() time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := readAllLimited(c.Request.Body, maxWebhookLen)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		if err := verifySignature(secret, c.GetHeader("X-Signature"), c.GetHeader("X-Signature-Timestamp"), body, maxSkew, now()); err != nil {
			util.WebhookSignatureFailures.Inc()
			util.GetLogger().Warn("Rejected webhook delivery",
				zap.String("remote", c.ClientIP()),
				zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": service.ErrInvalidSignature.Error()})
			return
		}

		c.Set(rawBodyKey, body)
		c.Next()
	}
}

func verifySignature(secret, signature, timestamp string, body []byte, maxSkew time.Duration, now time.Time) error {
	if secret == "" {
		return errors.New("webhook secret not configured")
	}
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return errors.New("missing or malformed timestamp")
	}
	if skew := now.Sub(time.Unix(ts, 0)); skew > maxSkew || skew < -maxSkew {
		return errors.New("timestamp outside allowed skew")
	}

	got, err := hex.DecodeString(signature)
	if err != nil || len(got) == 0 {
		return errors.New("missing or malformed signature")
	}
	if !hmac.Equal(got, signPayload(secret, timestamp, body)) {
		return errors.New("signature mismatch")
	}
	return nil
}

func signPayload(secret, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}

// SignWebhook returns the X-Signature value for body sent at timestamp
func SignWebhook(secret, timestamp string, body []byte) string {
	return hex.EncodeToString(signPayload(secret, timestamp, body))
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
		cfg.AllowCredentials = true
	}
	return cors.New(cfg)
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		util.HTTPRequestDuration.WithLabelValues(c.Request.Method, path, status).Observe(duration)
		util.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
	}
}
