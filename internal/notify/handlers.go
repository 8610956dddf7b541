package notify

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stayza/stayza/internal/auth"
	"github.com/stayza/stayza/internal/idgen"
	"github.com/stayza/stayza/internal/security"
)

// Handler provides HTTP endpoints for subscription management.
type Handler struct {
	store Store
}

// NewHandler creates a new notification subscription handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up subscription routes. The authenticated actor
// owns the subscriptions they create.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.POST("/notifications/subscriptions", h.CreateSubscription)
	r.GET("/notifications/subscriptions", h.ListSubscriptions)
	r.DELETE("/notifications/subscriptions/:subscriptionId", h.DeleteSubscription)
}

// CreateSubscriptionRequest registers a webhook target.
type CreateSubscriptionRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events" binding:"required"`
}

// CreateSubscription handles POST /notifications/subscriptions
func (h *Handler) CreateSubscription(c *gin.Context) {
	ownerID := auth.ActorID(c)

	var req CreateSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if err := security.ValidateCallbackURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	events := make([]EventType, len(req.Events))
	for i, e := range req.Events {
		events[i] = EventType(e)
	}

	secret := idgen.Hex(32)
	sub := &Subscription{
		ID:        idgen.WithPrefix("sub_"),
		OwnerID:   ownerID,
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: time.Now(),
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create subscription",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"subscription": gin.H{
			"id":        sub.ID,
			"url":       sub.URL,
			"events":    sub.Events,
			"active":    sub.Active,
			"createdAt": sub.CreatedAt,
		},
		"secret": secret, // Only shown once!
		"usage": gin.H{
			"signature": "Verify with HMAC-SHA256(payload, secret)",
			"header":    "X-Stayza-Signature",
		},
	})
}

// ListSubscriptions handles GET /notifications/subscriptions
func (h *Handler) ListSubscriptions(c *gin.Context) {
	subs, err := h.store.GetByOwner(c.Request.Context(), auth.ActorID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list subscriptions",
		})
		return
	}

	// Don't expose secrets
	out := make([]gin.H, len(subs))
	for i, sub := range subs {
		out[i] = gin.H{
			"id":          sub.ID,
			"url":         sub.URL,
			"events":      sub.Events,
			"active":      sub.Active,
			"createdAt":   sub.CreatedAt,
			"lastSuccess": sub.LastSuccess,
			"lastError":   sub.LastError,
		}
	}

	c.JSON(http.StatusOK, gin.H{"subscriptions": out})
}

// DeleteSubscription handles DELETE /notifications/subscriptions/:subscriptionId
func (h *Handler) DeleteSubscription(c *gin.Context) {
	id := c.Param("subscriptionId")

	sub, err := h.store.Get(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Subscription not found",
		})
		return
	}
	if sub.OwnerID != auth.ActorID(c) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Not your subscription",
		})
		return
	}

	if err := h.store.Delete(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete subscription",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
