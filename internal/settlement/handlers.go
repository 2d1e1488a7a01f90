package settlement

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/assured/internal/paywall"
	"github.com/mbd888/assured/internal/validation"
)

// Handler serves the read-side views and the paid resource.
type Handler struct {
	orch *Orchestrator
}

// NewHandler creates a new settlement handler.
func NewHandler(orch *Orchestrator) *Handler {
	return &Handler{orch: orch}
}

// RegisterRoutes sets up the paid route and the views.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/paid/:serviceId", validation.ServiceParamMiddleware(), paywall.Handler(h.orch))
	r.GET("/services", h.ListServices)
	r.GET("/services/:serviceId/requirement", validation.ServiceParamMiddleware(), h.GetRequirement)
	r.GET("/transcripts", h.ListTranscripts)
	r.GET("/transcripts/:callId", h.GetTranscript)
	r.GET("/summary", h.GetSummary)
}

// ListServices handles GET /v1/services
func (h *Handler) ListServices(c *gin.Context) {
	offerings := h.orch.Catalog().List()
	c.JSON(http.StatusOK, gin.H{"services": offerings, "count": len(offerings), "mode": h.orch.Mode(), "signer": h.orch.Signer()})
}

// GetRequirement handles GET /v1/services/:serviceId/requirement. The quote
// is not recorded as pending.
func (h *Handler) GetRequirement(c *gin.Context) {
	req, err := h.orch.Quote(c.Request.Context(), c.Param("serviceId"))
	if errors.Is(err, paywall.ErrUnknownService) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_service", "message": "Service not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to build requirement"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"requirement": req})
}

// ListTranscripts handles GET /v1/transcripts
func (h *Handler) ListTranscripts(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	ts := h.orch.Recent(limit)
	c.JSON(http.StatusOK, gin.H{"transcripts": ts, "count": len(ts)})
}

// GetTranscript handles GET /v1/transcripts/:callId
func (h *Handler) GetTranscript(c *gin.Context) {
	t, err := h.orch.Transcript(c.Param("callId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Transcript not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transcript": t})
}

// GetSummary handles GET /v1/summary
func (h *Handler) GetSummary(c *gin.Context) {
	s, err := h.orch.Summary(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to build summary"})
		return
	}
	c.JSON(http.StatusOK, s)
}
