package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler exposes reconciliation reports.
type Handler struct {
	runner *Runner
}

// NewHandler creates a new reconciliation handler.
func NewHandler(runner *Runner) *Handler {
	return &Handler{runner: runner}
}

// RegisterRoutes sets up reconciliation routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/reconciliation", h.GetLast)
	r.POST("/reconciliation/run", h.RunNow)
}

// GetLast handles GET /v1/reconciliation
func (h *Handler) GetLast(c *gin.Context) {
	rep := h.runner.Last()
	if rep == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No reconciliation run yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": rep})
}

// RunNow handles POST /v1/reconciliation/run
func (h *Handler) RunNow(c *gin.Context) {
	rep, err := h.runner.Run(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": rep})
}
