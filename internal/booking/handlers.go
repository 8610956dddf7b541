package booking

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stayza/stayza/internal/auth"
	"github.com/stayza/stayza/internal/quote"
)

// Handler provides HTTP endpoints for booking operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new booking handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up booking routes. All are authenticated.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/bookings", h.CreateBooking)
	r.POST("/bookings/blocks", h.CreateBlock)
	r.GET("/bookings/:id", h.GetBooking)
	r.GET("/bookings/:id/payment", h.GetPayment)
	r.GET("/bookings/:id/ledger", h.GetLedger)
	r.GET("/bookings/:id/windows", h.GetWindows)
	r.GET("/bookings/:id/cancel-preview", h.PreviewCancellation)
	r.POST("/bookings/:id/cancel", h.CancelBooking)
	r.POST("/bookings/:id/checkin", h.ConfirmCheckIn)
	r.POST("/bookings/:id/checkout", h.CheckOut)
	r.POST("/bookings/:id/dispute", h.OpenDispute)
	r.POST("/bookings/:id/damage-claim", h.FileDamageClaim)
	r.GET("/customers/:id/bookings", h.ListByCustomer)
	r.GET("/realtors/:id/bookings", h.ListByRealtor)
	r.GET("/realtors/:id/releases", h.RealtorReleases)
}

// RegisterQuoteRoutes sets up the quote preview. It needs no actor, so
// it is mounted outside the authenticated group.
func (h *Handler) RegisterQuoteRoutes(r gin.IRoutes) {
	r.POST("/quotes/preview", h.PreviewQuote)
}

// RegisterAdminRoutes sets up admin-only booking routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/bookings/:id/resolve", h.ResolveDispute)
}

// CreateBooking handles POST /v1/bookings
func (h *Handler) CreateBooking(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	b, p, err := h.service.Create(c.Request.Context(), auth.ActorID(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"booking": b, "payment": p})
}

// CreateBlock handles POST /v1/bookings/blocks
func (h *Handler) CreateBlock(c *gin.Context) {
	var req BlockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	b, err := h.service.CreateBlock(c.Request.Context(), auth.ActorID(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"booking": b})
}

// GetBooking handles GET /v1/bookings/:id
func (h *Handler) GetBooking(c *gin.Context) {
	b, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"booking": b})
}

// GetPayment handles GET /v1/bookings/:id/payment
func (h *Handler) GetPayment(c *gin.Context) {
	p, err := h.service.GetPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// GetLedger handles GET /v1/bookings/:id/ledger
func (h *Handler) GetLedger(c *gin.Context) {
	events, err := h.service.Timeline(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// GetWindows handles GET /v1/bookings/:id/windows
func (h *Handler) GetWindows(c *gin.Context) {
	w, err := h.service.Windows(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

// PreviewCancellation handles GET /v1/bookings/:id/cancel-preview
func (h *Handler) PreviewCancellation(c *gin.Context) {
	calc, err := h.service.PreviewCancellation(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, calc)
}

// CancelBooking handles POST /v1/bookings/:id/cancel
func (h *Handler) CancelBooking(c *gin.Context) {
	b, err := h.service.Cancel(c.Request.Context(), c.Param("id"), auth.ActorID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"booking": b})
}

// ConfirmCheckIn handles POST /v1/bookings/:id/checkin
func (h *Handler) ConfirmCheckIn(c *gin.Context) {
	b, err := h.service.ConfirmCheckIn(c.Request.Context(), c.Param("id"), auth.ActorID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"booking": b})
}

// CheckOut handles POST /v1/bookings/:id/checkout
func (h *Handler) CheckOut(c *gin.Context) {
	b, err := h.service.CheckOut(c.Request.Context(), c.Param("id"), auth.ActorID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"booking": b})
}

// OpenDispute handles POST /v1/bookings/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	var req struct {
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "A dispute reason is required",
		})
		return
	}

	b, err := h.service.OpenGuestDispute(c.Request.Context(), c.Param("id"), auth.ActorID(c), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"booking": b})
}

// FileDamageClaim handles POST /v1/bookings/:id/damage-claim
func (h *Handler) FileDamageClaim(c *gin.Context) {
	var req DamageClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Claim amount and reason are required",
		})
		return
	}

	b, err := h.service.FileDamageClaim(c.Request.Context(), c.Param("id"), auth.ActorID(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"booking": b})
}

// ResolveDispute handles POST /v1/admin/bookings/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	b, err := h.service.ResolveDispute(c.Request.Context(), c.Param("id"), auth.ActorID(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"booking": b})
}

// PreviewQuote handles POST /v1/quotes/preview
func (h *Handler) PreviewQuote(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "propertyId, checkIn and checkOut are required",
		})
		return
	}

	q, err := h.service.PreviewQuote(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quote": q})
}

// RealtorReleases handles GET /v1/realtors/:id/releases. Defaults to
// the trailing calendar month when no range is given.
func (h *Handler) RealtorReleases(c *gin.Context) {
	realtorID := c.Param("id")
	if auth.ActorRole(c) != "admin" && auth.ActorID(c) != realtorID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "releases are visible to the realtor and admins only",
		})
		return
	}

	to := time.Now().UTC()
	from := to.AddDate(0, -1, 0)
	if raw := c.Query("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "from must be RFC3339",
			})
			return
		}
		from = t
	}
	if raw := c.Query("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": "to must be RFC3339",
			})
			return
		}
		to = t
	}

	total, err := h.service.RealtorReleases(c.Request.Context(), realtorID, from, to)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"realtorId": realtorID,
		"from":      from,
		"to":        to,
		"released":  total,
	})
}

// ListByCustomer handles GET /v1/customers/:id/bookings
func (h *Handler) ListByCustomer(c *gin.Context) {
	bookings, err := h.service.ListByCustomer(c.Request.Context(), c.Param("id"), parseLimit(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bookings": bookings, "count": len(bookings)})
}

// ListByRealtor handles GET /v1/realtors/:id/bookings
func (h *Handler) ListByRealtor(c *gin.Context) {
	bookings, err := h.service.ListByRealtor(c.Request.Context(), c.Param("id"), parseLimit(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bookings": bookings, "count": len(bookings)})
}

func parseLimit(c *gin.Context) int {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	return limit
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrBookingNotFound), errors.Is(err, ErrPaymentNotFound),
		errors.Is(err, ErrPropertyNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, ErrInvalidDates), errors.Is(err, ErrClaimTooLarge),
		errors.Is(err, quote.ErrInvalidNights), errors.Is(err, quote.ErrInvalidPrice):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": err.Error(),
		})
	case errors.Is(err, ErrDatesUnavailable), errors.Is(err, ErrInvalidStatus),
		errors.Is(err, ErrAlreadyFinalized), errors.Is(err, ErrWindowClosed),
		errors.Is(err, ErrCancelTooLate), errors.Is(err, ErrAmountMismatch),
		errors.Is(err, ErrConcurrentUpdate):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "conflict",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Something went wrong",
		})
	}
}
