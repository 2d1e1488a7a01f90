package webhooks

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

const maxWebhookBody = 1 << 20

// Marker flags a call as confirmed by an authenticated webhook.
type Marker interface {
	MarkWebhookVerified(callID string) error
}

// Handler provides the inbound webhook endpoint and the delivery log.
type Handler struct {
	secret string
	marker Marker
	store  Store
}

// NewHandler creates a new webhook handler.
func NewHandler(secret string, marker Marker, store Store) *Handler {
	return &Handler{secret: secret, marker: marker, store: store}
}

// RegisterRoutes sets up webhook routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/provider", h.Receive)
	r.GET("/webhooks/deliveries", h.ListDeliveries)
}

type inboundWebhook struct {
	CallID string `json:"callId"`
}

// Receive handles POST /v1/webhooks/provider. The signature covers the raw
// body, so it is read before any decoding.
func (h *Handler) Receive(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		inboundTotal.WithLabelValues("bad_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Failed to read body"})
		return
	}
	if !Verify(body, c.GetHeader(HeaderSignature), h.secret) {
		inboundTotal.WithLabelValues("unauthorized").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature", "message": "Webhook signature does not match"})
		return
	}

	var in inboundWebhook
	if err := json.Unmarshal(body, &in); err != nil || in.CallID == "" {
		inboundTotal.WithLabelValues("bad_request").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "callId is required"})
		return
	}
	if err := h.marker.MarkWebhookVerified(in.CallID); err != nil {
		inboundTotal.WithLabelValues("unknown_call").Inc()
		c.JSON(http.StatusNotFound, gin.H{"error": "call_not_found", "message": err.Error()})
		return
	}

	inboundTotal.WithLabelValues("verified").Inc()
	c.JSON(http.StatusOK, gin.H{"callId": in.CallID, "verified": true, "authenticated": h.secret != ""})
}

// ListDeliveries handles GET /v1/webhooks/deliveries?callId=&limit=
func (h *Handler) ListDeliveries(c *gin.Context) {
	var (
		deliveries []*Delivery
		err        error
	)
	if callID := c.Query("callId"); callID != "" {
		deliveries, err = h.store.ListByCall(c.Request.Context(), callID)
	} else {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		deliveries, err = h.store.ListRecent(c.Request.Context(), limit)
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed", "message": "Failed to list deliveries"})
		return
	}
	if deliveries == nil {
		deliveries = []*Delivery{}
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": deliveries, "count": len(deliveries)})
}
