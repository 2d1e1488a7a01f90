package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/assured/internal/client"
	"github.com/mbd888/assured/internal/logging"
	"github.com/mbd888/assured/internal/metrics"
	"github.com/mbd888/assured/internal/policy"
	"github.com/mbd888/assured/internal/usdc"
)

// IdentityHeader carries the caller identity on /v1 routes.
const IdentityHeader = client.IdentityHeader

// loopbackBaseURL is never dialled; routerTransport answers every request.
const loopbackBaseURL = "http://assured.loopback"

// DefaultRunPolicy gates operator runs that do not send their own policy.
var DefaultRunPolicy = policy.Policy{MaxPrice: policy.Float(0.05), RequireSLA: true}

// RunRequest selects a catalog service and optionally overrides the policy.
type RunRequest struct {
	ServiceID string         `json:"serviceId" binding:"required"`
	Policy    *policy.Policy `json:"policy"`
}

// routerTransport serves client requests from the router itself.
type routerTransport struct {
	handler http.Handler
}

func (t routerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body == nil {
		req.Body = http.NoBody
	}
	w := httptest.NewRecorder()
	t.handler.ServeHTTP(w, req)
	resp := w.Result()
	resp.Request = req
	return resp, nil
}

// operatorRunHandler handles POST /v1/operator/run: one full client flow
// (probe, policy, escrow, paid retry, verification) as the operator payer.
func (s *Server) operatorRunHandler(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "serviceId is required"})
		return
	}
	if _, ok := s.orch.Catalog().Get(req.ServiceID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_service", "message": "Service not found"})
		return
	}
	p := DefaultRunPolicy
	if req.Policy != nil {
		p = *req.Policy
	}
	if err := p.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_policy", "message": err.Error()})
		return
	}

	ctx := c.Request.Context()
	payer := s.payer.Address()

	if s.cfg.LedgerMode() {
		ok, bal, err := s.ledger.HasAtLeast(ctx, payer, s.cfg.MinCustodyBalance)
		if err != nil {
			metrics.OperatorRunsTotal.WithLabelValues("error").Inc()
			logging.L(ctx).Error("custody balance check failed", "payer", payer, "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "ledger_unavailable", "message": "Could not read custody balance"})
			return
		}
		if !ok {
			metrics.OperatorRunsTotal.WithLabelValues("insufficient_balance").Inc()
			c.JSON(http.StatusPaymentRequired, gin.H{
				"error":     "insufficient_custody_balance",
				"message":   "Operator payer custody balance is below the run minimum",
				"available": usdc.FormatMinor(bal.Available),
				"required":  usdc.FormatMinor(s.cfg.MinCustodyBalance),
				"remediation": fmt.Sprintf("deposit at least %s %s with POST /v1/ledger/accounts/%s/deposits or raise PAYER_FUNDING",
					usdc.FormatMinor(s.cfg.MinCustodyBalance-bal.Available), s.cfg.Currency, payer),
			})
			return
		}
	}

	res, err := client.NewPayer(client.Config{
		BaseURL:    loopbackBaseURL,
		Signer:     s.payer,
		Ledger:     s.cfg.LedgerMode(),
		Policy:     p,
		Reputation: s.reputation,
		HTTPClient: s.loopback,
	}).Pay(ctx, req.ServiceID)

	if v, ok := policy.AsViolation(err); ok {
		metrics.OperatorRunsTotal.WithLabelValues("rejected").Inc()
		c.JSON(http.StatusForbidden, gin.H{"error": "policy_violation", "clause": v.Clause, "message": v.Error()})
		return
	}
	switch {
	case errors.Is(err, client.ErrMirrorRejected):
		metrics.OperatorRunsTotal.WithLabelValues("rejected").Inc()
		c.JSON(http.StatusForbidden, gin.H{"error": "mirror_rejected", "message": err.Error()})
		return
	case err != nil:
		metrics.OperatorRunsTotal.WithLabelValues("error").Inc()
		logging.L(ctx).Warn("operator run failed", "serviceId", req.ServiceID, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "run_failed", "message": err.Error()})
		return
	}

	result := "verified"
	if !res.Verified {
		result = "unverified"
	}
	metrics.OperatorRunsTotal.WithLabelValues(result).Inc()
	logging.L(ctx).Info("operator run complete",
		"serviceId", req.ServiceID,
		"callId", res.CallID,
		"outcome", res.Settlement.Outcome,
		"verified", res.Verified,
	)
	c.JSON(http.StatusOK, gin.H{"payer": payer, "result": res})
}
