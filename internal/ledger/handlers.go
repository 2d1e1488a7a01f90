package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/assured/internal/usdc"
)

// Handler provides HTTP endpoints for custody balances.
type Handler struct {
	ledger       *Ledger
	allowDeposit bool
	logger       *slog.Logger
}

// NewHandler creates a new ledger handler. allowDeposit enables the
// development faucet endpoint.
func NewHandler(ledger *Ledger, allowDeposit bool, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, allowDeposit: allowDeposit, logger: logger}
}

// RegisterRoutes sets up ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/:owner/balance", h.GetBalance)
	r.GET("/accounts/:owner/history", h.GetHistory)
	if h.allowDeposit {
		r.POST("/accounts/:owner/deposits", h.Deposit)
	}
}

// GetBalance handles GET /accounts/:owner/balance
func (h *Handler) GetBalance(c *gin.Context) {
	bal, err := h.ledger.GetBalance(c.Request.Context(), c.Param("owner"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "balance_error", "message": "Failed to retrieve balance"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"balance":   bal,
		"available": usdc.FormatMinor(bal.Available),
		"escrowed":  usdc.FormatMinor(bal.Escrowed),
	})
}

// GetHistory handles GET /accounts/:owner/history
func (h *Handler) GetHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	entries, err := h.ledger.GetHistory(c.Request.Context(), c.Param("owner"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger_error", "message": "Failed to retrieve ledger history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// DepositRequest credits an owner in development mode.
type DepositRequest struct {
	Amount    string `json:"amount" binding:"required"`
	Reference string `json:"reference"`
}

// Deposit handles POST /accounts/:owner/deposits
func (h *Handler) Deposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "amount is required"})
		return
	}
	amount, err := usdc.ParseMinor(req.Amount)
	if err != nil || amount <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "amount must be a positive decimal"})
		return
	}

	owner := c.Param("owner")
	if err := h.ledger.Deposit(c.Request.Context(), owner, amount, req.Reference); err != nil {
		if errors.Is(err, ErrInvalidAmount) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
			return
		}
		h.logger.Error("deposit failed", "owner", owner, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "deposit_failed", "message": "Failed to record deposit"})
		return
	}

	bal, _ := h.ledger.GetBalance(c.Request.Context(), owner)
	c.JSON(http.StatusCreated, gin.H{"balance": bal})
}
