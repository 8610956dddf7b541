package property

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stayza/stayza/internal/booking"
	"github.com/stayza/stayza/internal/money"
	"github.com/stayza/stayza/internal/validation"
)

// Handler exposes the catalog over HTTP. Reads are public; writes come
// from the listing system and are admin-only.
type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/properties/:id", h.GetProperty)
}

func (h *Handler) RegisterAdminRoutes(r gin.IRoutes) {
	r.PUT("/properties", h.UpsertProperty)
	r.GET("/properties", h.ListProperties)
}

// GetProperty handles GET /v1/properties/:id
func (h *Handler) GetProperty(c *gin.Context) {
	p, err := h.store.Property(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Property not found",
		})
		return
	}
	c.JSON(http.StatusOK, propertyJSON(p))
}

// UpsertRequest mirrors what the listing system pushes into the catalog.
type UpsertRequest struct {
	ID              string `json:"id" binding:"required"`
	RealtorID       string `json:"realtorId" binding:"required"`
	NightlyPrice    int64  `json:"nightlyPrice" binding:"required"`
	CleaningFee     int64  `json:"cleaningFee"`
	SecurityDeposit int64  `json:"securityDeposit"`
	Currency        string `json:"currency" binding:"required"`
	Active          bool   `json:"active"`
}

// UpsertProperty handles PUT /v1/admin/properties
func (h *Handler) UpsertProperty(c *gin.Context) {
	var req UpsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidID("id", req.ID),
		validation.ValidID("realtorId", req.RealtorID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
		})
		return
	}
	if req.NightlyPrice <= 0 || req.CleaningFee < 0 || req.SecurityDeposit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "nightlyPrice must be positive; fees must not be negative",
		})
		return
	}
	if !validation.IsValidCurrency(req.Currency) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_currency",
			"message": "currency must be a 3-letter code",
		})
		return
	}

	p := &booking.Property{
		ID:              req.ID,
		RealtorID:       req.RealtorID,
		NightlyPrice:    money.Amount(req.NightlyPrice),
		CleaningFee:     money.Amount(req.CleaningFee),
		SecurityDeposit: money.Amount(req.SecurityDeposit),
		Currency:        req.Currency,
		Active:          req.Active,
	}
	if err := h.store.Upsert(c.Request.Context(), p); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "upsert_failed",
			"message": "Failed to store property",
		})
		return
	}
	c.JSON(http.StatusOK, propertyJSON(p))
}

// ListProperties handles GET /v1/admin/properties
func (h *Handler) ListProperties(c *gin.Context) {
	props, err := h.store.List(c.Request.Context(), 200)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list properties",
		})
		return
	}
	out := make([]gin.H, len(props))
	for i, p := range props {
		out[i] = propertyJSON(p)
	}
	c.JSON(http.StatusOK, gin.H{"properties": out})
}

func propertyJSON(p *booking.Property) gin.H {
	return gin.H{
		"id":              p.ID,
		"realtorId":       p.RealtorID,
		"nightlyPrice":    int64(p.NightlyPrice),
		"cleaningFee":     int64(p.CleaningFee),
		"securityDeposit": int64(p.SecurityDeposit),
		"currency":        p.Currency,
		"active":          p.Active,
	}
}
