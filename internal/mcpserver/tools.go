package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions. Descriptions are what the model reads to decide which
// tool to use.

var ToolGetPaymentRequirement = mcp.NewTool("get_payment_requirement",
	mcp.WithDescription(
		"Get the current payment requirement for a paid service: price in USDC, recipient, "+
			"SLA in milliseconds, dispute window, signed mirrors and any bond or latency hints. "+
			"The quote is not reserved."),
	mcp.WithString("service_id",
		mcp.Required(),
		mcp.Description("Service id, e.g. 'weather' or 'quotes-stream'")),
)

var ToolCheckPolicy = mcp.NewTool("check_policy",
	mcp.WithDescription(
		"Dry-run a client policy against a service before paying. "+
			"Reports whether payment would be allowed and, if not, which clause failed "+
			"(max_price, require_sla, min_reputation, sla_p95_max_ms)."),
	mcp.WithString("service_id",
		mcp.Required(),
		mcp.Description("Service id to evaluate")),
	mcp.WithNumber("max_price",
		mcp.Description("Maximum price in USDC (e.g. 0.05)")),
	mcp.WithNumber("min_reputation",
		mcp.Description("Minimum reputation score in [0,1]. Services with no history score 1.")),
	mcp.WithBoolean("require_sla",
		mcp.Description("Require a positive SLA")),
	mcp.WithNumber("sla_p95_max_ms",
		mcp.Description("Maximum acceptable P95 latency estimate in milliseconds")),
)

var ToolGetServiceStats = mcp.NewTool("get_service_stats",
	mcp.WithDescription(
		"Get reputation counters, score, bond balance and latency estimates for a service. "+
			"Omit service_id to list every service with history."),
	mcp.WithString("service_id",
		mcp.Description("Service id; empty lists all services")),
)

var ToolGetCallTranscript = mcp.NewTool("get_call_transcript",
	mcp.WithDescription(
		"Get the transcript of a paid call: requirement snapshot, ledger transaction references, "+
			"delivery trace, stream timeline, SLA result and settlement outcome."),
	mcp.WithString("call_id",
		mcp.Required(),
		mcp.Description("The call id from the payment receipt")),
)

var ToolVerifyTrace = mcp.NewTool("verify_trace",
	mcp.WithDescription(
		"Verify a delivery attestation offline: the provider's ed25519 signature over "+
			"(call id, response hash, delivery time) and, when a payload is given, that it hashes to the attested hash."),
	mcp.WithString("call_id", mcp.Required(), mcp.Description("Call id")),
	mcp.WithString("response_hash", mcp.Required(), mcp.Description("Hex SHA-256 of the response")),
	mcp.WithNumber("delivered_at", mcp.Required(), mcp.Description("Delivery time in unix milliseconds")),
	mcp.WithString("signature", mcp.Required(), mcp.Description("Base58 trace signature")),
	mcp.WithString("signer", mcp.Required(), mcp.Description("Base58 provider public key")),
	mcp.WithString("payload", mcp.Description("Optional response body to hash")),
)
