// Package paywall implements the HTTP 402 leg of the assured payment
// protocol: the payment requirement document handed to unpaid probes, the
// base64 receipt header a paying client retries with, and the settlement
// header returned alongside the paid response.
package paywall

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mbd888/assured/internal/trust"
	"github.com/mbd888/assured/internal/usdc"
	"github.com/mbd888/assured/internal/validation"
)

// Header names.
const (
	HeaderPayment         = "X-Payment"
	HeaderPaymentResponse = "X-Payment-Response"
	HeaderPaymentRequired = "X-Payment-Required"
)

// Errors
var (
	ErrMissingReceipt     = errors.New("paywall: payment receipt missing")
	ErrMalformedReceipt   = errors.New("paywall: payment receipt malformed")
	ErrMalformedResponse  = errors.New("paywall: settlement header malformed")
	ErrInvalidRequirement = errors.New("paywall: payment requirement invalid")

	// Errors a Gate returns, mapped to HTTP statuses by the middleware.
	ErrUnknownService    = errors.New("paywall: unknown service")
	ErrPaymentRejected   = errors.New("paywall: payment rejected")
	ErrLedgerUnavailable = errors.New("paywall: ledger unavailable")
	ErrInvalidTransition = errors.New("paywall: call cannot accept this step")
	ErrInsufficientFunds = errors.New("paywall: insufficient custodial balance")
)

// Requirement is the document an unpaid probe receives with status 402.
type Requirement struct {
	Price     string    `json:"price"`
	Currency  string    `json:"currency"`
	Network   string    `json:"network"`
	Recipient string    `json:"recipient"`
	Extension Extension `json:"extension"`
}

// Extension is the assured namespace of the requirement.
type Extension struct {
	ServiceID            string         `json:"serviceId"`
	SLAMs                int64          `json:"slaMs"`
	DisputeWindowS       int64          `json:"disputeWindowS"`
	EscrowProgramRef     string         `json:"escrowProgramRef"`
	ReputationProgramRef string         `json:"reputationProgramRef"`
	AltService           string         `json:"altService,omitempty"`
	SigAlg               string         `json:"sigAlg"`
	Stream               bool           `json:"stream,omitempty"`
	TotalUnits           int            `json:"totalUnits,omitempty"`
	Mirrors              []trust.Mirror `json:"mirrors,omitempty"`
	HasBond              *bool          `json:"hasBond,omitempty"`
	BondBalance          *int64         `json:"bondBalance,omitempty"`
	SLAP95Ms             *float64       `json:"slaP95Ms,omitempty"`
}

// PriceMinor returns the quoted price in minor units.
func (r *Requirement) PriceMinor() (int64, error) {
	return usdc.ParseMinor(r.Price)
}

// Validate rejects schema violations. A client must not pay against an
// invalid requirement.
func (r *Requirement) Validate() error {
	var problems []string
	if p, err := r.PriceMinor(); err != nil || p <= 0 {
		problems = append(problems, "price must be a positive decimal")
	}
	if r.Currency == "" {
		problems = append(problems, "currency is required")
	}
	if r.Network == "" {
		problems = append(problems, "network is required")
	}
	if !validation.IsValidIdentity(r.Recipient) {
		problems = append(problems, "recipient must be a base58 public key")
	}
	ext := r.Extension
	if !validation.IsValidServiceID(ext.ServiceID) {
		problems = append(problems, "extension.serviceId is invalid")
	}
	if ext.SLAMs <= 0 {
		problems = append(problems, "extension.slaMs must be positive")
	}
	if ext.DisputeWindowS < 0 {
		problems = append(problems, "extension.disputeWindowS must not be negative")
	}
	if ext.SigAlg != trust.SigAlg {
		problems = append(problems, "extension.sigAlg must be "+trust.SigAlg)
	}
	if ext.Stream && ext.TotalUnits < 1 {
		problems = append(problems, "extension.totalUnits must be positive for streams")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRequirement, strings.Join(problems, "; "))
	}
	return nil
}

// Receipt is the proof of payment a client retries with.
type Receipt struct {
	CallID    string `json:"callId"`
	TxRef     string `json:"txRef,omitempty"`
	Payer     string `json:"payer,omitempty"`
	ServiceID string `json:"serviceId,omitempty"`
}

// SettlementResponse is returned in HeaderPaymentResponse with a paid response.
type SettlementResponse struct {
	CallID       string `json:"callId"`
	ResponseHash string `json:"responseHash"`
	FulfilledAt  int64  `json:"fulfilledAt"` // unix millis, the signed trace timestamp
	Mode         string `json:"mode"`
	Outcome      string `json:"outcome,omitempty"`
	TraceSig     string `json:"traceSig,omitempty"`
	Signer       string `json:"signer,omitempty"`
	TxRef        string `json:"txRef,omitempty"`
}

// EncodeReceipt renders r for HeaderPayment.
func EncodeReceipt(r Receipt) (string, error) {
	return encodeHeader(r)
}

// DecodeReceipt parses HeaderPayment. An empty header is ErrMissingReceipt.
func DecodeReceipt(header string) (*Receipt, error) {
	if strings.TrimSpace(header) == "" {
		return nil, ErrMissingReceipt
	}
	var r Receipt
	if err := decodeHeader(header, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReceipt, err)
	}
	if r.CallID == "" || len(r.CallID) > 128 {
		return nil, fmt.Errorf("%w: callId is required", ErrMalformedReceipt)
	}
	return &r, nil
}

// EncodeSettlement renders s for HeaderPaymentResponse.
func EncodeSettlement(s SettlementResponse) (string, error) {
	return encodeHeader(s)
}

// DecodeSettlement parses HeaderPaymentResponse.
func DecodeSettlement(header string) (*SettlementResponse, error) {
	var s SettlementResponse
	if err := decodeHeader(header, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if s.CallID == "" || s.ResponseHash == "" {
		return nil, fmt.Errorf("%w: callId and responseHash are required", ErrMalformedResponse)
	}
	return &s, nil
}

func encodeHeader(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// decodeHeader accepts standard or URL-safe base64, padded or not.
func decodeHeader(header string, v any) error {
	header = strings.TrimSpace(header)
	var raw []byte
	var err error
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if raw, err = enc.DecodeString(header); err == nil {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("not base64: %w", err)
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("not json: %w", err)
	}
	return nil
}
