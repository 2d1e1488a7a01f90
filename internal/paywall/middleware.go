package paywall

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/assured/internal/logging"
)

// Gate issues requirements and turns receipts into paid responses.
type Gate interface {
	Issue(ctx context.Context, serviceID string) (*Requirement, error)
	Deliver(ctx context.Context, serviceID string, receipt *Receipt) (*Paid, error)
}

// Paid is a delivered response plus its settlement attestation.
type Paid struct {
	ContentType string
	Body        []byte
	Settlement  SettlementResponse
}

const receiptKey = "payment_receipt"

// Handler serves a paid resource keyed by the :serviceId route param.
// Without HeaderPayment it answers 402 with a fresh requirement; with one it
// delivers through the gate and attaches HeaderPaymentResponse.
func Handler(gate Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		serviceID := c.Param("serviceId")

		receipt, err := DecodeReceipt(c.GetHeader(HeaderPayment))
		if errors.Is(err, ErrMissingReceipt) {
			paymentRequired(c, gate, serviceID)
			return
		}
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_payment_receipt",
				"message": err.Error(),
			})
			return
		}
		if receipt.ServiceID != "" && receipt.ServiceID != serviceID {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_payment_receipt",
				"message": "receipt is for a different service",
			})
			return
		}
		c.Set(receiptKey, receipt)

		paid, err := gate.Deliver(ctx, serviceID, receipt)
		if err != nil {
			logging.L(ctx).Warn("paid delivery failed", "serviceId", serviceID, "callId", receipt.CallID, "error", err)
			writeGateError(c, err)
			return
		}

		header, err := EncodeSettlement(paid.Settlement)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to encode settlement"})
			return
		}
		c.Header(HeaderPaymentResponse, header)
		contentType := paid.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		c.Data(http.StatusOK, contentType, paid.Body)
	}
}

func paymentRequired(c *gin.Context, gate Gate, serviceID string) {
	req, err := gate.Issue(c.Request.Context(), serviceID)
	if err != nil {
		writeGateError(c, err)
		return
	}
	c.Header(HeaderPaymentRequired, "true")
	c.AbortWithStatusJSON(http.StatusPaymentRequired, req)
}

func writeGateError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	body := gin.H{}
	switch {
	case errors.Is(err, ErrUnknownService):
		status, code = http.StatusNotFound, "unknown_service"
	case errors.Is(err, ErrMalformedReceipt):
		status, code = http.StatusBadRequest, "invalid_payment_receipt"
	case errors.Is(err, ErrPaymentRejected):
		status, code = http.StatusPaymentRequired, "payment_rejected"
	case errors.Is(err, ErrInsufficientFunds):
		status, code = http.StatusPaymentRequired, "insufficient_balance"
		body["remediation"] = "Deposit funds to the payer custody account and retry"
	case errors.Is(err, ErrInvalidTransition):
		status, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, ErrLedgerUnavailable):
		status, code = http.StatusServiceUnavailable, "ledger_unavailable"
		body["remediation"] = "Retry the request; the escrow remains open for a later settlement pass"
	}
	body["error"] = code
	body["message"] = err.Error()
	c.AbortWithStatusJSON(status, body)
}

// GetReceipt returns the decoded receipt of a paid request, if any.
func GetReceipt(c *gin.Context) *Receipt {
	if v, ok := c.Get(receiptKey); ok {
		if r, ok := v.(*Receipt); ok {
			return r
		}
	}
	return nil
}
