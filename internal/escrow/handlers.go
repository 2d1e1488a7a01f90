package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/assured/internal/ledger"
	"github.com/mbd888/assured/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/calls/:callId", h.GetCall)
	r.GET("/services/:serviceId/calls", validation.ServiceParamMiddleware(), h.ListCalls)
}

// RegisterProtectedRoutes sets up routes that need the caller identity.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/calls", h.InitPayment)
	r.POST("/calls/:callId/fulfill", h.Fulfill)
	r.POST("/calls/:callId/fulfill-partial", h.FulfillPartial)
	r.POST("/calls/:callId/dispute", h.RaiseDispute)
	r.POST("/calls/:callId/settle", h.Settle)
}

// InitPayment handles POST /v1/calls. The payer is the caller identity.
func (h *Handler) InitPayment(c *gin.Context) {
	var req InitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	req.Payer = c.GetString("identity")

	if errs := validation.Validate(
		validation.Required("payer", req.Payer),
		validation.Identity("provider", req.Provider),
		validation.ServiceID("serviceId", req.ServiceID),
		validation.Positive("amount", req.Amount),
		validation.MaxLength("callId", req.CallID, 128),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}

	call, err := h.service.InitPayment(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"call": call})
}

// GetCall handles GET /v1/calls/:callId
func (h *Handler) GetCall(c *gin.Context) {
	call, err := h.service.Get(c.Request.Context(), c.Param("callId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"call": call})
}

// ListCalls handles GET /v1/services/:serviceId/calls
func (h *Handler) ListCalls(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	calls, err := h.service.ListByService(c.Request.Context(), c.Param("serviceId"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list calls"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"calls": calls, "count": len(calls)})
}

// Fulfill handles POST /v1/calls/:callId/fulfill
func (h *Handler) Fulfill(c *gin.Context) {
	var req FulfillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "responseHash is required"})
		return
	}
	call, err := h.service.Fulfill(c.Request.Context(), c.Param("callId"), c.GetString("identity"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"call": call})
}

// FulfillPartial handles POST /v1/calls/:callId/fulfill-partial
func (h *Handler) FulfillPartial(c *gin.Context) {
	var req PartialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "chunkHash is required"})
		return
	}
	call, chunk, err := h.service.FulfillPartial(c.Request.Context(), c.Param("callId"), c.GetString("identity"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"call": call, "chunk": chunk})
}

// RaiseDispute handles POST /v1/calls/:callId/dispute
func (h *Handler) RaiseDispute(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "kind is required"})
		return
	}
	call, err := h.service.RaiseDispute(c.Request.Context(), c.Param("callId"), c.GetString("identity"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"call": call})
}

// Settle handles POST /v1/calls/:callId/settle. Anyone may trigger
// settlement; the outcome is decided by the call state alone.
func (h *Handler) Settle(c *gin.Context) {
	call, err := h.service.Settle(c.Request.Context(), c.Param("callId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"call": call})
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	body := gin.H{}
	switch {
	case errors.Is(err, ErrCallNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrUnauthorized):
		status, code = http.StatusForbidden, "unauthorized"
	case errors.Is(err, ErrCallExists):
		status, code = http.StatusConflict, "call_exists"
	case errors.Is(err, ErrInvalidStatus):
		status, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, ErrDisputeWindowClosed):
		status, code = http.StatusConflict, "dispute_window_closed"
	case errors.Is(err, ErrDisputeWindowOpen):
		status, code = http.StatusConflict, "dispute_window_open"
	case errors.Is(err, ErrUnitsExceeded):
		status, code = http.StatusConflict, "units_exceeded"
	case errors.Is(err, ErrInvalidEvidence):
		status, code = http.StatusBadRequest, "invalid_evidence"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidUnits),
		errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrSignatureTooLong):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		status, code = http.StatusPaymentRequired, "insufficient_balance"
		body["remediation"] = "Deposit funds to your custody account before paying"
	}
	body["error"] = code
	body["message"] = err.Error()
	c.JSON(status, body)
}
