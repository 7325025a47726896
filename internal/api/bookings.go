package api

import (
	"net/http"
	"strconv"

	"booking-service/internal/models"
	"booking-service/internal/service"

	"github.com/gin-gonic/gin"
)

type cancelRequest struct {
	Reason string `json:"reason"`
}

// createBooking handles booking creation for the calling customer
func (h *Handler) createBooking(c *gin.Context) {
	var req service.CreateBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	req.CustomerID = actorFrom(c).ID

	resp, err := h.bookings.CreateBooking(c.Request.Context(), &req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

func (h *Handler) listBookings(c *gin.Context) {
	bookings, err := h.bookings.ListCustomerBookings(c.Request.Context(), actorFrom(c).ID)
	if err != nil {
		writeError(c, err)
		return
	}
	if bookings == nil {
		bookings = []models.Booking{}
	}
	c.JSON(http.StatusOK, gin.H{"bookings": bookings})
}

// getBooking handles get booking by ID
func (h *Handler) getBooking(c *gin.Context) {
	booking, ok := h.loadOwnedBooking(c, c.Param("id"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, booking)
}

func (h *Handler) cancelBooking(c *gin.Context) {
	var req cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, err)
			return
		}
	}

	booking, err := h.bookings.Cancel(c.Request.Context(), c.Param("id"), actorFrom(c), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, booking)
}

func (h *Handler) completeBooking(c *gin.Context) {
	booking, err := h.bookings.Complete(c.Request.Context(), c.Param("id"), actorFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, booking)
}

// getAvailability reports remaining capacity of a unit for a window
func (h *Handler) getAvailability(c *gin.Context) {
	days := 1
	if raw := c.Query("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid days"})
			return
		}
		days = n
	}

	availability, err := h.bookings.Availability(c.Request.Context(), c.Param("id"), c.Query("start_date"), days)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, availability)
}

// loadOwnedBooking writes the error response itself when ok is false.
// Customers see only their own bookings; a foreign id reads as not found.
func (h *Handler) loadOwnedBooking(c *gin.Context, bookingID string) (*models.Booking, bool) {
	booking, err := h.bookings.GetBooking(c.Request.Context(), bookingID)
	if err != nil {
		writeError(c, err)
		return nil, false
	}
	actor := actorFrom(c)
	if !actor.IsAdmin() && booking.CustomerID != actor.ID {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
		return nil, false
	}
	return booking, true
}
