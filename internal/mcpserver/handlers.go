package mcpserver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mbd888/assured/internal/paywall"
	"github.com/mbd888/assured/internal/policy"
	"github.com/mbd888/assured/internal/reputation"
	"github.com/mbd888/assured/internal/settlement"
	"github.com/mbd888/assured/internal/trust"
	"github.com/mbd888/assured/internal/usdc"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client   *AssuredClient
	defaults policy.Policy
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *AssuredClient, defaults policy.Policy) *Handlers {
	return &Handlers{client: client, defaults: defaults}
}

// HandleGetPaymentRequirement returns a formatted quote.
func (h *Handlers) HandleGetPaymentRequirement(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	serviceID := req.GetString("service_id", "")
	if serviceID == "" {
		return mcp.NewToolResultError("service_id is required"), nil
	}
	r, err := h.client.GetRequirement(ctx, serviceID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get requirement: %v", err)), nil
	}
	return mcp.NewToolResultText(formatRequirement(r)), nil
}

// HandleCheckPolicy dry-runs a policy built from the tool arguments over
// the configured defaults.
func (h *Handlers) HandleCheckPolicy(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	serviceID := req.GetString("service_id", "")
	if serviceID == "" {
		return mcp.NewToolResultError("service_id is required"), nil
	}

	p := h.defaults
	args := req.GetArguments()
	if _, ok := args["max_price"]; ok {
		p.MaxPrice = policy.Float(req.GetFloat("max_price", 0))
	}
	if _, ok := args["min_reputation"]; ok {
		p.MinReputation = req.GetFloat("min_reputation", 0)
	}
	if _, ok := args["require_sla"]; ok {
		p.RequireSLA = req.GetBool("require_sla", false)
	}
	if _, ok := args["sla_p95_max_ms"]; ok {
		p.SLAP95MaxMs = policy.Float(req.GetFloat("sla_p95_max_ms", 0))
	}
	if err := p.Validate(); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	res, err := h.client.CheckPolicy(ctx, serviceID, p)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check policy: %v", err)), nil
	}

	var sb strings.Builder
	if res.Allowed {
		fmt.Fprintf(&sb, "Policy allows paying %s.\n", serviceID)
	} else {
		fmt.Fprintf(&sb, "Policy REJECTS %s.\n", serviceID)
		if res.Violation != nil {
			fmt.Fprintf(&sb, "  Clause: %s\n  Detail: %s\n", res.Violation.Clause, res.Violation.Detail)
		}
	}
	if res.Requirement != nil {
		fmt.Fprintf(&sb, "\n%s", formatRequirement(res.Requirement))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetServiceStats returns registry stats for one or all services.
func (h *Handlers) HandleGetServiceStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	serviceID := req.GetString("service_id", "")
	if serviceID == "" {
		all, err := h.client.ListServiceStats(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list service stats: %v", err)), nil
		}
		if len(all) == 0 {
			return mcp.NewToolResultText("No service has settled a call yet."), nil
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, "%d service(s):\n", len(all))
		for _, s := range all {
			sb.WriteString("\n")
			sb.WriteString(formatStats(s, true))
		}
		return mcp.NewToolResultText(sb.String()), nil
	}

	st, err := h.client.GetServiceStats(ctx, serviceID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get service stats: %v", err)), nil
	}
	return mcp.NewToolResultText(formatStats(st.Reputation, st.Found)), nil
}

// HandleGetCallTranscript returns a formatted call transcript.
func (h *Handlers) HandleGetCallTranscript(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	callID := req.GetString("call_id", "")
	if callID == "" {
		return mcp.NewToolResultError("call_id is required"), nil
	}
	t, err := h.client.GetTranscript(ctx, callID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get transcript: %v", err)), nil
	}
	return mcp.NewToolResultText(formatTranscript(t)), nil
}

// HandleVerifyTrace checks an attestation without contacting the server.
func (h *Handlers) HandleVerifyTrace(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	callID := req.GetString("call_id", "")
	hash := req.GetString("response_hash", "")
	sig := req.GetString("signature", "")
	signer := req.GetString("signer", "")
	deliveredAt := int64(req.GetFloat("delivered_at", 0))
	if callID == "" || hash == "" || sig == "" || signer == "" || deliveredAt <= 0 {
		return mcp.NewToolResultError("call_id, response_hash, delivered_at, signature and signer are required"), nil
	}

	checks := []trust.Check{trust.CheckTrace(callID, hash, deliveredAt, sig, signer)}
	if _, ok := req.GetArguments()["payload"]; ok {
		checks = append(checks, trust.CheckPayloadHash([]byte(req.GetString("payload", "")), hash))
	}

	var sb strings.Builder
	if trust.AllOK(checks) {
		sb.WriteString("VERIFIED\n")
	} else {
		sb.WriteString("FAILED\n")
	}
	for _, c := range checks {
		status := "ok"
		if !c.OK {
			status = "FAIL"
		}
		fmt.Fprintf(&sb, "  %-16s %s", c.Name, status)
		if c.Detail != "" {
			fmt.Fprintf(&sb, " (%s)", c.Detail)
		}
		sb.WriteString("\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// --- formatting ---

func formatRequirement(r *paywall.Requirement) string {
	ext := r.Extension
	var sb strings.Builder
	fmt.Fprintf(&sb, "Service: %s\n", ext.ServiceID)
	fmt.Fprintf(&sb, "  Price:          %s %s on %s\n", r.Price, r.Currency, r.Network)
	fmt.Fprintf(&sb, "  Recipient:      %s\n", r.Recipient)
	fmt.Fprintf(&sb, "  SLA:            %d ms\n", ext.SLAMs)
	fmt.Fprintf(&sb, "  Dispute window: %d s\n", ext.DisputeWindowS)
	if ext.Stream {
		fmt.Fprintf(&sb, "  Stream:         %d units\n", ext.TotalUnits)
	}
	if ext.AltService != "" {
		fmt.Fprintf(&sb, "  Alternative:    %s\n", ext.AltService)
	}
	if ext.HasBond != nil {
		bond := "none"
		if *ext.HasBond && ext.BondBalance != nil {
			bond = usdc.FormatMinor(*ext.BondBalance) + " USDC"
		}
		fmt.Fprintf(&sb, "  Bond:           %s\n", bond)
	}
	if ext.SLAP95Ms != nil {
		fmt.Fprintf(&sb, "  P95 latency:    %.0f ms\n", *ext.SLAP95Ms)
	}
	if len(ext.Mirrors) > 0 {
		checks := trust.CheckMirrors(ext.ServiceID, ext.Mirrors, r.Recipient)
		fmt.Fprintf(&sb, "  Mirrors:        %d (signatures valid: %t)\n", len(ext.Mirrors), trust.AllOK(checks))
	}
	return sb.String()
}

func formatStats(s reputation.Stats, found bool) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Service: %s\n", s.ServiceID)
	if !found {
		sb.WriteString("  No settled calls yet (score defaults to 1.00)\n")
		return sb.String()
	}
	fmt.Fprintf(&sb, "  Score:    %.2f\n", s.Score)
	fmt.Fprintf(&sb, "  Outcomes: ok %.2f, late %.2f, disputed %.2f\n", s.OK, s.Late, s.Disputed)
	if s.HasBond {
		fmt.Fprintf(&sb, "  Bond:     %s USDC\n", usdc.FormatMinor(s.BondBalance))
	} else {
		sb.WriteString("  Bond:     none\n")
	}
	if s.LatencySampleCount > 0 {
		fmt.Fprintf(&sb, "  Latency:  EWMA %.0f ms, P95 %.0f ms over %d samples\n", s.EWMALatencyMs, s.P95EstimateMs, s.LatencySampleCount)
	}
	return sb.String()
}

func formatTranscript(t *settlement.Transcript) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Call %s (%s, %s mode)\n", t.CallID, t.ServiceID, t.Mode)
	fmt.Fprintf(&sb, "  Amount:    %s USDC\n", usdc.FormatMinor(t.Amount))
	if t.Payer != "" {
		fmt.Fprintf(&sb, "  Payer:     %s\n", t.Payer)
	}
	fmt.Fprintf(&sb, "  Outcome:   %s\n", t.Outcome)
	fmt.Fprintf(&sb, "  Delivered: %t, SLA missed: %t, latency %d ms\n", t.Delivered, t.SLAMissed, t.LatencyMs)
	fmt.Fprintf(&sb, "  Webhook:   verified=%t\n", t.WebhookVerified)
	if t.Trace != nil {
		fmt.Fprintf(&sb, "  Trace:     hash %s at %s by %s\n", t.Trace.ResponseHash,
			time.UnixMilli(t.Trace.DeliveredAt).UTC().Format(time.RFC3339Nano), t.Trace.Signer)
	}
	if len(t.Stream) > 0 {
		fmt.Fprintf(&sb, "  Stream (%d/%d units):\n", len(t.Stream), t.TotalUnits)
		for _, c := range t.Stream {
			fmt.Fprintf(&sb, "    #%d %s value %s\n", c.Seq, c.Hash, usdc.FormatMinor(c.Value))
		}
	}
	if t.Tx.Init != "" || len(t.Tx.Fulfill) > 0 || t.Tx.Settle != "" {
		sb.WriteString("  Ledger:\n")
		if t.Tx.Init != "" {
			fmt.Fprintf(&sb, "    init    %s\n", t.Tx.Init)
		}
		for _, ref := range t.Tx.Fulfill {
			fmt.Fprintf(&sb, "    fulfill %s\n", ref)
		}
		if t.Tx.Dispute != "" {
			fmt.Fprintf(&sb, "    dispute %s\n", t.Tx.Dispute)
		}
		if t.Tx.Settle != "" {
			fmt.Fprintf(&sb, "    settle  %s\n", t.Tx.Settle)
		}
	}
	return sb.String()
}
