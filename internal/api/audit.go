package api

import (
	"net/http"
	"time"

	"booking-service/internal/models"

	"github.com/gin-gonic/gin"
)

type purgeRequest struct {
	Before *time.Time `json:"before"`
}

func (h *Handler) auditHistory(c *gin.Context) {
	events, err := h.audit.History(c.Request.Context(), c.Param("subject"))
	if err != nil {
		writeError(c, err)
		return
	}
	if events == nil {
		events = []models.AuditEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"subject": c.Param("subject"), "events": events})
}

// purgeAudit deletes audit events older than "before", or older than the
// retention period when it is omitted
func (h *Handler) purgeAudit(c *gin.Context) {
	var req purgeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, err)
			return
		}
	}

	var before time.Time
	if req.Before != nil {
		before = *req.Before
	}

	purged, err := h.audit.Purge(c.Request.Context(), actorFrom(c), before)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purged": purged})
}
