package settlement

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/stayza/stayza/internal/gateway"
)

const maxWebhookBody = 1 << 20 // 1MB

// Handler exposes the inbound webhook endpoint and the operator views
// over the settlement journal.
type Handler struct {
	worker *Worker
	secret string
}

func NewHandler(worker *Worker, webhookSecret string) *Handler {
	return &Handler{worker: worker, secret: webhookSecret}
}

// RegisterRoutes mounts the provider-facing webhook endpoint. It must
// sit outside authentication; the HMAC signature is the auth.
func (h *Handler) RegisterRoutes(r gin.IRoutes) {
	r.POST("/webhooks/gateway", h.handleWebhook)
}

// RegisterAdminRoutes mounts the operator views.
func (h *Handler) RegisterAdminRoutes(r gin.IRoutes) {
	r.GET("/settlement/webhooks", h.listWebhooks)
	r.GET("/settlement/escalations", h.listEscalations)
}

func (h *Handler) handleWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_body",
			"message": "could not read request body",
		})
		return
	}

	if !gateway.VerifySignature(h.secret, body, c.GetHeader(gateway.SignatureHeader)) {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "invalid_signature",
			"message": "webhook signature verification failed",
		})
		return
	}

	evt, err := gateway.ParseEvent(body)
	if errors.Is(err, gateway.ErrUnknownEvent) {
		// Acknowledge so the provider stops redelivering event types the
		// engine does not act on.
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "malformed_payload",
			"message": err.Error(),
		})
		return
	}

	rec, err := h.worker.Process(c.Request.Context(), evt, body)
	if err != nil {
		// Non-2xx so the provider redelivers; the failure is journaled.
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "processing_failed",
			"message": "event journaled, retry welcome",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": strings.ToLower(rec.Status)})
}

func (h *Handler) listWebhooks(c *gin.Context) {
	events, err := h.worker.Events(parseLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to list webhook events",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func (h *Handler) listEscalations(c *gin.Context) {
	transfers, err := h.worker.Escalated(parseLimit(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to list escalated transfers",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transfers": transfers, "count": len(transfers)})
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
