package reputation

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/assured/internal/usdc"
	"github.com/mbd888/assured/internal/validation"
)

// Handler provides HTTP endpoints for reputation and bonds.
type Handler struct {
	registry *Registry
}

// NewHandler creates a new reputation handler.
func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

// RegisterRoutes sets up public reputation endpoints.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/reputation", h.ListReputation)
	r.GET("/services/:serviceId/reputation", validation.ServiceParamMiddleware(), h.GetReputation)
}

// RegisterProtectedRoutes sets up bond endpoints that need the caller identity.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/services/:serviceId/bond/deposit", validation.ServiceParamMiddleware(), h.BondDeposit)
	r.POST("/services/:serviceId/bond/withdraw", validation.ServiceParamMiddleware(), h.BondWithdraw)
}

// GetReputation handles GET /v1/services/:serviceId/reputation
func (h *Handler) GetReputation(c *gin.Context) {
	rec, found, err := h.registry.Lookup(c.Request.Context(), c.Param("serviceId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load reputation"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reputation": rec.Stats(), "found": found})
}

// ListReputation handles GET /v1/reputation
func (h *Handler) ListReputation(c *gin.Context) {
	stats, err := h.registry.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list reputation"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"services": stats, "count": len(stats)})
}

// BondRequest carries a decimal amount ("1.50").
type BondRequest struct {
	Amount string `json:"amount" binding:"required"`
}

// BondDeposit handles POST /v1/services/:serviceId/bond/deposit
func (h *Handler) BondDeposit(c *gin.Context) {
	h.bond(c, h.registry.BondDeposit)
}

// BondWithdraw handles POST /v1/services/:serviceId/bond/withdraw
func (h *Handler) BondWithdraw(c *gin.Context) {
	h.bond(c, h.registry.BondWithdraw)
}

type bondOp func(ctx context.Context, serviceID, caller string, amount int64) (*Record, error)

func (h *Handler) bond(c *gin.Context, op bondOp) {
	var req BondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "amount is required"})
		return
	}
	amount, err := usdc.ParseMinor(req.Amount)
	if err != nil || amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "amount must be a positive decimal"})
		return
	}
	caller := c.GetString("identity")
	if caller == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing_identity", "message": "X-Identity header is required"})
		return
	}

	rec, err := op(c.Request.Context(), c.Param("serviceId"), caller, amount)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrUnauthorized):
			status, code = http.StatusForbidden, "unauthorized"
		case errors.Is(err, ErrInsufficientBond):
			status, code = http.StatusConflict, "insufficient_bond"
		case errors.Is(err, ErrInvalidAmount):
			status, code = http.StatusBadRequest, "invalid_amount"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reputation": rec.Stats(), "bond": usdc.FormatMinor(rec.BondBalance)})
}
