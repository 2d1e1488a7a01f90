// Package settlement is the off-ledger coordinator between the paywall and
// the escrow program. It issues payment requirements, pairs paid retries
// with their probes, drives fulfillment through an Executor and keeps a
// bounded transcript of every call for read-side views.
package settlement

import (
	"errors"
	"time"

	"github.com/mbd888/assured/internal/paywall"
	"github.com/mbd888/assured/internal/reputation"
)

var (
	ErrTranscriptNotFound = errors.New("transcript not found")
	ErrReceiptMismatch    = errors.New("receipt does not match escrow call")
)

// Execution modes.
const (
	ModeMock   = "mock"
	ModeLedger = "ledger"
)

// Transcript outcomes.
const (
	OutcomePending  = "pending"
	OutcomeReleased = "released"
	OutcomeRefunded = "refunded"
)

// TxRefs mirrors the ledger transaction references for one call.
type TxRefs struct {
	Init    string   `json:"init,omitempty"`
	Fulfill []string `json:"fulfill,omitempty"`
	Dispute string   `json:"dispute,omitempty"`
	Settle  string   `json:"settle,omitempty"`
}

// Trace is the delivery attestation handed to the client.
type Trace struct {
	ResponseHash string `json:"responseHash"`
	Signature    string `json:"signature"`
	Signer       string `json:"signer"`
	DeliveredAt  int64  `json:"deliveredAt"` // unix millis
}

// ChunkRecord is one released unit of a streamed call.
type ChunkRecord struct {
	Seq           int    `json:"seq"`
	Hash          string `json:"hash"`
	Signature     string `json:"signature"`
	DeliveredAt   int64  `json:"deliveredAt"`
	Units         int    `json:"units"`
	UnitsReleased int    `json:"unitsReleased"`
	Value         int64  `json:"value"`
	TxRef         string `json:"txRef,omitempty"`
}

// Transcript is the off-ledger mirror of one call. The ledger stays
// authoritative; the transcript adds local fields (trace, timeline, webhook
// flag) and is what the read-side views serve.
type Transcript struct {
	CallID          string               `json:"callId"`
	ServiceID       string               `json:"serviceId"`
	Mode            string               `json:"mode"`
	Payer           string               `json:"payer,omitempty"`
	Amount          int64                `json:"amount"`
	Requirement     *paywall.Requirement `json:"requirement,omitempty"`
	IssuedAt        *time.Time           `json:"issuedAt,omitempty"`
	ReceiptHeader   string               `json:"receiptHeader,omitempty"`
	StartTs         time.Time            `json:"startTs"`
	Tx              TxRefs               `json:"tx"`
	Trace           *Trace               `json:"trace,omitempty"`
	Stream          []ChunkRecord        `json:"stream,omitempty"`
	TotalUnits      int                  `json:"totalUnits"`
	SLAMissed       bool                 `json:"slaMissed"`
	LatencyMs       int64                `json:"latencyMs"`
	Reputation      *reputation.Stats    `json:"reputation,omitempty"`
	WebhookVerified bool                 `json:"webhookVerified"`
	Outcome         string               `json:"outcome"`
	Delivered       bool                 `json:"delivered"`
	UpdatedAt       time.Time            `json:"updatedAt"`

	payload     []byte
	contentType string
	settlement  paywall.SettlementResponse
}

func (t *Transcript) clone() *Transcript {
	cp := *t
	if t.Requirement != nil {
		req := *t.Requirement
		cp.Requirement = &req
	}
	if t.Trace != nil {
		tr := *t.Trace
		cp.Trace = &tr
	}
	if t.Reputation != nil {
		st := *t.Reputation
		cp.Reputation = &st
	}
	cp.Tx.Fulfill = append([]string(nil), t.Tx.Fulfill...)
	cp.Stream = append([]ChunkRecord(nil), t.Stream...)
	return &cp
}

// Summary is the aggregate read model.
type Summary struct {
	Mode     string             `json:"mode"`
	Services []reputation.Stats `json:"services"`
	Calls    int                `json:"calls"`
	Outcomes map[string]int     `json:"outcomes"`
	Pending  map[string]int     `json:"pendingRequirements"`
}

// Event is published to live subscribers whenever a transcript changes.
type Event struct {
	Type       string      `json:"type"`
	CallID     string      `json:"callId"`
	ServiceID  string      `json:"serviceId"`
	Outcome    string      `json:"outcome"`
	Transcript *Transcript `json:"transcript"`
}

// Event types.
const (
	EventDelivered = "call.delivered"
	EventSettled   = "call.settled"
)

// Publisher receives transcript events. Implementations must not block.
type Publisher interface {
	Publish(ev Event)
}
