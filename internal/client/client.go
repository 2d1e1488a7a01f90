// Package client is the paying side of the protocol: probe a service, check
// the requirement and the client's policy, lock escrow, retry with the
// receipt and verify what comes back.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mbd888/assured/internal/auth"
	"github.com/mbd888/assured/internal/escrow"
	"github.com/mbd888/assured/internal/idgen"
	"github.com/mbd888/assured/internal/paywall"
	"github.com/mbd888/assured/internal/policy"
	"github.com/mbd888/assured/internal/settlement"
	"github.com/mbd888/assured/internal/trust"
)

var (
	ErrUnexpectedStatus = errors.New("client: unexpected response status")
	ErrMirrorRejected   = errors.New("client: mirror signature check failed")
	ErrSignerRequired   = errors.New("client: ledger mode needs a signer")
)

// IdentityHeader carries the caller identity on protected routes.
const IdentityHeader = auth.HeaderIdentity

// Config configures a Payer.
type Config struct {
	BaseURL string // e.g. "http://localhost:8080"
	// Signer authenticates requests and names the payer. Required for
	// Ledger, which locks the payer's custody.
	Signer *trust.Signer
	// Identity names the payer in receipts when there is no Signer.
	Identity string
	// Ledger makes the payer lock escrow before retrying. Without it the
	// receipt alone is sent, as the mock executor expects.
	Ledger     bool
	Policy     policy.Policy
	Reputation policy.ReputationReader // defaults to the server's registry view
	HTTPClient *http.Client
	Now        func() time.Time
}

// Payer runs the client flow.
type Payer struct {
	cfg    Config
	http   *http.Client
	reader policy.ReputationReader
	now    func() time.Time
}

// NewPayer creates a payer.
func NewPayer(cfg Config) *Payer {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if cfg.Signer != nil {
		cfg.Identity = cfg.Signer.Address()
	}
	p := &Payer{cfg: cfg, http: hc, now: now, reader: cfg.Reputation}
	if p.reader == nil {
		p.reader = &HTTPReputation{BaseURL: cfg.BaseURL, HTTPClient: hc}
	}
	return p
}

// Result is the outcome of one paid call.
type Result struct {
	CallID      string                      `json:"callId"`
	Requirement *paywall.Requirement        `json:"requirement"`
	Settlement  *paywall.SettlementResponse `json:"settlement"`
	Body        []byte                      `json:"-"`
	Checks      []trust.Check               `json:"checks"`
	Verified    bool                        `json:"verified"`
}

// apiError represents an error response from the server.
type apiError struct {
	Error       string `json:"error"`
	Message     string `json:"message"`
	Remediation string `json:"remediation,omitempty"`
}

func (p *Payer) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	u, err := url.JoinPath(p.cfg.BaseURL, path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	var data []byte
	if body != nil {
		data, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.cfg.Signer != nil {
		auth.Sign(req, p.cfg.Signer, data, p.now())
	}
	return req, nil
}

func (p *Payer) do(req *http.Request) (*http.Response, []byte, error) {
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}
	return resp, body, nil
}

func statusError(code int, body []byte) error {
	var apiErr apiError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
		msg := apiErr.Message
		if apiErr.Remediation != "" {
			msg += " (" + apiErr.Remediation + ")"
		}
		return fmt.Errorf("%w (%d %s): %s", ErrUnexpectedStatus, code, apiErr.Error, msg)
	}
	return fmt.Errorf("%w (%d): %s", ErrUnexpectedStatus, code, string(body))
}

func paidPath(serviceID string) string {
	return "/v1/paid/" + url.PathEscape(serviceID)
}

// Probe fetches the current payment requirement for serviceID.
func (p *Payer) Probe(ctx context.Context, serviceID string) (*paywall.Requirement, error) {
	req, err := p.newRequest(ctx, http.MethodGet, paidPath(serviceID), nil)
	if err != nil {
		return nil, err
	}
	resp, body, err := p.do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, statusError(resp.StatusCode, body)
	}
	var r paywall.Requirement
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", paywall.ErrInvalidRequirement, err)
	}
	return &r, nil
}

// Pay runs the whole flow for serviceID. Policy violations come back as
// *policy.Violation before any funds move. A delivered response whose
// attestation does not verify is returned with Verified=false.
func (p *Payer) Pay(ctx context.Context, serviceID string) (*Result, error) {
	reqDoc, err := p.Probe(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	if err := reqDoc.Validate(); err != nil {
		return nil, err
	}
	if reqDoc.Extension.ServiceID != serviceID {
		return nil, fmt.Errorf("%w: requirement is for %q", paywall.ErrInvalidRequirement, reqDoc.Extension.ServiceID)
	}

	mirrorChecks := trust.CheckMirrors(serviceID, reqDoc.Extension.Mirrors, reqDoc.Recipient)
	if !trust.AllOK(mirrorChecks) {
		return nil, ErrMirrorRejected
	}

	if err := policy.Evaluate(ctx, p.cfg.Policy, reqDoc, p.reader); err != nil {
		return nil, err
	}

	callID := idgen.CallID(serviceID, p.now())
	receipt := paywall.Receipt{CallID: callID, Payer: p.cfg.Identity, ServiceID: serviceID}
	if p.cfg.Ledger {
		ref, err := p.lock(ctx, callID, reqDoc)
		if err != nil {
			return nil, err
		}
		receipt.TxRef = ref
	}

	res, err := p.Retry(ctx, serviceID, receipt)
	if err != nil {
		return nil, err
	}
	res.Requirement = reqDoc
	res.Checks = append(mirrorChecks, res.Checks...)
	res.Checks = append(res.Checks, signerCheck(res.Settlement.Signer, reqDoc.Recipient))
	res.Verified = trust.AllOK(res.Checks)
	return res, nil
}

// lock initialises the escrow call the provider will fulfill.
func (p *Payer) lock(ctx context.Context, callID string, r *paywall.Requirement) (string, error) {
	if p.cfg.Signer == nil {
		return "", ErrSignerRequired
	}
	price, err := r.PriceMinor()
	if err != nil {
		return "", err
	}
	totalUnits := 1
	if r.Extension.Stream {
		totalUnits = r.Extension.TotalUnits
	}
	req, err := p.newRequest(ctx, http.MethodPost, "/v1/escrow/calls", escrow.InitRequest{
		CallID:         callID,
		Provider:       r.Recipient,
		ServiceID:      r.Extension.ServiceID,
		Amount:         price,
		SLAMs:          r.Extension.SLAMs,
		DisputeWindowS: r.Extension.DisputeWindowS,
		TotalUnits:     totalUnits,
	})
	if err != nil {
		return "", err
	}
	resp, body, err := p.do(req)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusCreated {
		return "", statusError(resp.StatusCode, body)
	}
	return "escrow/" + callID + "/init", nil
}

// Retry sends the paid request and verifies the settlement attestation.
func (p *Payer) Retry(ctx context.Context, serviceID string, receipt paywall.Receipt) (*Result, error) {
	header, err := paywall.EncodeReceipt(receipt)
	if err != nil {
		return nil, err
	}
	req, err := p.newRequest(ctx, http.MethodGet, paidPath(serviceID), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(paywall.HeaderPayment, header)
	resp, body, err := p.do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, body)
	}
	s, err := paywall.DecodeSettlement(resp.Header.Get(paywall.HeaderPaymentResponse))
	if err != nil {
		return nil, err
	}
	if s.CallID != receipt.CallID {
		return nil, fmt.Errorf("%w: settlement for %q", paywall.ErrMalformedResponse, s.CallID)
	}

	checks := []trust.Check{trust.CheckTrace(s.CallID, s.ResponseHash, s.FulfilledAt, s.TraceSig, s.Signer)}
	checks = append(checks, payloadChecks(s, body)...)
	return &Result{
		CallID:     receipt.CallID,
		Settlement: s,
		Body:       body,
		Checks:     checks,
		Verified:   trust.AllOK(checks),
	}, nil
}

// payloadChecks verifies a whole body against the attested hash, or every
// chunk of a stream envelope against its own trace.
func payloadChecks(s *paywall.SettlementResponse, body []byte) []trust.Check {
	if trust.HashHex(body) == s.ResponseHash {
		return []trust.Check{trust.CheckPayloadHash(body, s.ResponseHash)}
	}
	var env settlement.StreamEnvelope
	if err := json.Unmarshal(body, &env); err != nil || len(env.Chunks) == 0 || env.CallID != s.CallID {
		return []trust.Check{trust.CheckPayloadHash(body, s.ResponseHash)}
	}
	checks := make([]trust.Check, 0, 2*len(env.Chunks)+1)
	for _, c := range env.Chunks {
		checks = append(checks,
			trust.CheckPayloadHash(c.Data, c.Hash),
			trust.CheckTrace(s.CallID, c.Hash, c.DeliveredAt, c.Signature, s.Signer),
		)
	}
	last := env.Chunks[len(env.Chunks)-1]
	final := trust.Check{Name: trust.CheckResponseHash, OK: last.Hash == s.ResponseHash}
	if !final.OK {
		final.Detail = "final chunk differs from attested hash"
	}
	return append(checks, final)
}

func signerCheck(signer, recipient string) trust.Check {
	c := trust.Check{Name: "signer", OK: signer != "" && signer == recipient}
	if !c.OK {
		c.Detail = "attestation not signed by the advertised recipient"
	}
	return c
}
