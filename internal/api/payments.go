package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"booking-service/internal/models"
	"booking-service/internal/service"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

var receiptTypes = []string{"image/jpeg", "image/png", "image/webp", "image/gif", "image/heic", "image/heif"}

// handleWebhook applies a signed gateway notification. Duplicates are
// answered with 200 so the gateway stops retrying.
func (h *Handler) handleWebhook(c *gin.Context) {
	raw, _ := c.Get(rawBodyKey)
	body, _ := raw.([]byte)

	var ev models.GatewayEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		bindError(c, err)
		return
	}

	result, err := h.payments.HandleWebhook(c.Request.Context(), &ev)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"reference": result.Session.ReferenceNumber,
		"status":    result.Session.Status,
		"outcome":   result.Outcome,
	})
}

func (h *Handler) getPayment(c *gin.Context) {
	session, ok := h.loadOwnedSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, session)
}

// submitReceipt accepts a multipart "receipt" image for verification
func (h *Handler) submitReceipt(c *gin.Context) {
	session, ok := h.loadOwnedSession(c)
	if !ok {
		return
	}

	file, header, err := c.Request.FormFile("receipt")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "receipt file is required"})
		return
	}
	defer file.Close()

	if header.Size > h.cfg.MaxReceiptBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "receipt exceeds size limit"})
		return
	}
	image, err := readAllLimited(file, h.cfg.MaxReceiptBytes)
	if errors.Is(err, errTooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "receipt exceeds size limit"})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read receipt"})
		return
	}

	mime := mimetype.Detect(image)
	if !mimetype.EqualsAny(mime.String(), receiptTypes...) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":    "unsupported receipt type",
			"detected": mime.String(),
		})
		return
	}

	upload := service.ReceiptUpload{
		Actor:    actorFrom(c),
		Image:    image,
		MimeType: mime.String(),
	}
	if raw := c.PostForm("expectedAmount"); raw != "" {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "field": "expectedAmount"})
			return
		}
		upload.ExpectedAmount = &amount
	}

	result, err := h.payments.SubmitReceipt(c.Request.Context(), session.ReferenceNumber, upload)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) reviewPayment(c *gin.Context) {
	var decision service.ReviewDecision
	if err := c.ShouldBindJSON(&decision); err != nil {
		bindError(c, err)
		return
	}

	result, err := h.payments.ReviewPayment(c.Request.Context(), c.Param("reference"), actorFrom(c), decision)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) getReceiptImage(c *gin.Context) {
	img, err := h.payments.ReceiptImage(c.Request.Context(), c.Param("reference"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("X-Receipt-SHA256", img.SHA256)
	c.Data(http.StatusOK, img.MimeType, img.Data)
}

func (h *Handler) sweepPayments(c *gin.Context) {
	expired, err := h.payments.SweepExpired(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"expired": expired})
}

// loadOwnedSession resolves :reference and checks the caller owns its booking
func (h *Handler) loadOwnedSession(c *gin.Context) (*models.PaymentSession, bool) {
	session, err := h.payments.GetSession(c.Request.Context(), c.Param("reference"))
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	if _, ok := h.loadOwnedBooking(c, session.BookingID); !ok {
		return nil, false
	}
	return session, true
}
