package policy

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/assured/internal/paywall"
)

// Quoter builds a service's current requirement without reserving it.
type Quoter interface {
	Quote(ctx context.Context, serviceID string) (*paywall.Requirement, error)
}

// Handler evaluates policies against live requirements, for dry runs.
type Handler struct {
	quoter Quoter
	reader ReputationReader
}

// NewHandler creates a new policy handler.
func NewHandler(quoter Quoter, reader ReputationReader) *Handler {
	return &Handler{quoter: quoter, reader: reader}
}

// RegisterRoutes sets up policy routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/policy/check", h.CheckHandler)
}

// CheckRequest names a service and the policy to test.
type CheckRequest struct {
	ServiceID string `json:"serviceId" binding:"required"`
	Policy    Policy `json:"policy"`
}

// CheckResult is the outcome of a dry-run evaluation.
type CheckResult struct {
	Allowed     bool                 `json:"allowed"`
	Violation   *Violation           `json:"violation,omitempty"`
	Requirement *paywall.Requirement `json:"requirement"`
}

// Check runs the evaluation and returns the result without side effects.
func (h *Handler) Check(ctx context.Context, serviceID string, p Policy) (*CheckResult, error) {
	req, err := h.quoter.Quote(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	res := &CheckResult{Allowed: true, Requirement: req}
	if err := Evaluate(ctx, p, req, h.reader); err != nil {
		v, ok := AsViolation(err)
		if !ok {
			return nil, err
		}
		res.Allowed = false
		res.Violation = v
	}
	return res, nil
}

// CheckHandler handles POST /v1/policy/check
func (h *Handler) CheckHandler(c *gin.Context) {
	var req CheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "serviceId and policy are required"})
		return
	}
	res, err := h.Check(c.Request.Context(), req.ServiceID, req.Policy)
	switch {
	case errors.Is(err, ErrInvalidPolicy):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_policy", "message": err.Error()})
		return
	case errors.Is(err, paywall.ErrUnknownService):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_service", "message": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to evaluate policy"})
		return
	}
	c.JSON(http.StatusOK, res)
}
