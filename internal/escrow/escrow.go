// Package escrow holds payment for a single service call until delivery is
// settled.
//
// Flow:
//  1. InitPayment locks the payer's amount in custody (Initialized)
//  2. The provider records delivery, whole (Fulfill) or in chunks (FulfillPartial)
//  3. The payer may raise a dispute while the dispute window is open
//  4. Settle releases the amount to the provider, or refunds the payer when
//     the call was disputed, and reports the outcome exactly once
package escrow

import (
	"context"
	"errors"
	"time"
)

var (
	ErrCallNotFound        = errors.New("escrow call not found")
	ErrCallExists          = errors.New("escrow call already exists")
	ErrInvalidStatus       = errors.New("invalid call status for this operation")
	ErrUnauthorized        = errors.New("not authorized for this call")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrInvalidRequest      = errors.New("invalid request")
	ErrInvalidUnits        = errors.New("units must be positive")
	ErrUnitsExceeded       = errors.New("units exceed total units")
	ErrSignatureTooLong    = errors.New("signature exceeds maximum length")
	ErrInvalidEvidence     = errors.New("evidence kind not valid for call state")
	ErrDisputeWindowClosed = errors.New("dispute window closed")
	ErrDisputeWindowOpen   = errors.New("dispute window still open")
)

// MaxSignatureLen bounds provider and reporter signatures.
const MaxSignatureLen = 128

// Status is the lifecycle state of a call. Status only moves forward.
type Status string

const (
	StatusInitialized        Status = "initialized"
	StatusPartiallyFulfilled Status = "partially_fulfilled"
	StatusFulfilled          Status = "fulfilled"
	StatusDisputed           Status = "disputed"
	StatusSettled            Status = "settled"
)

// Outcome records how a settled call resolved.
type Outcome string

const (
	OutcomeNone     Outcome = ""
	OutcomeReleased Outcome = "released"
	OutcomeRefunded Outcome = "refunded"
)

// EvidenceKind classifies an SLA violation.
type EvidenceKind string

const (
	EvidenceLate         EvidenceKind = "LATE"
	EvidenceNoResponse   EvidenceKind = "NO_RESPONSE"
	EvidenceBadProof     EvidenceKind = "BAD_PROOF"
	EvidenceMismatchHash EvidenceKind = "MISMATCH_HASH"
)

// Valid reports whether k is a known evidence kind.
func (k EvidenceKind) Valid() bool {
	switch k {
	case EvidenceLate, EvidenceNoResponse, EvidenceBadProof, EvidenceMismatchHash:
		return true
	}
	return false
}

// Evidence is one dispute record attached to a call.
type Evidence struct {
	Kind        EvidenceKind `json:"kind"`
	Detail      string       `json:"detail,omitempty"`
	ReporterSig string       `json:"reporterSig,omitempty"`
	RaisedAt    time.Time    `json:"raisedAt"`
}

// Chunk is the audit record of one FulfillPartial call.
type Chunk struct {
	Seq           int       `json:"seq"`
	Hash          string    `json:"hash"`
	Units         int       `json:"units"`
	UnitsReleased int       `json:"unitsReleased"`
	Value         int64     `json:"value"`
	ProviderSig   string    `json:"providerSig,omitempty"`
	DeliveredAt   time.Time `json:"deliveredAt"`
}

// Call is the escrow record for one payment attempt.
type Call struct {
	ID             string     `json:"callId"`
	Payer          string     `json:"payer"`
	Provider       string     `json:"provider"`
	ServiceID      string     `json:"serviceId"`
	Amount         int64      `json:"amount"`
	StartTs        time.Time  `json:"startTs"`
	SLAMs          int64      `json:"slaMs"`
	DisputeWindowS int64      `json:"disputeWindowS"`
	Status         Status     `json:"status"`
	TotalUnits     int        `json:"totalUnits"`
	UnitsReleased  int        `json:"unitsReleased"`
	DeliveredAt    *time.Time `json:"deliveredTs,omitempty"`
	ResponseHash   string     `json:"responseHash,omitempty"`
	ProviderSig    string     `json:"providerSignature,omitempty"`
	Disputed       bool       `json:"disputed"`
	Evidence       []Evidence `json:"evidence,omitempty"`
	Chunks         []Chunk    `json:"chunks,omitempty"`
	Outcome        Outcome    `json:"outcome,omitempty"`
	SettledAt      *time.Time `json:"settledAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// IsTerminal returns true once the call is settled.
func (c *Call) IsTerminal() bool {
	return c.Status == StatusSettled
}

// FullyDelivered reports whether every unit has been released.
func (c *Call) FullyDelivered() bool {
	return c.DeliveredAt != nil && c.UnitsReleased >= c.TotalUnits
}

// LatencyMs returns delivery latency relative to StartTs.
func (c *Call) LatencyMs() (int64, bool) {
	if c.DeliveredAt == nil {
		return 0, false
	}
	return c.DeliveredAt.Sub(c.StartTs).Milliseconds(), true
}

// MissedSLA reports whether delivery latency reached the SLA. The boundary
// counts as a miss.
func (c *Call) MissedSLA() bool {
	lat, ok := c.LatencyMs()
	return ok && lat >= c.SLAMs
}

// HasEvidence reports whether evidence of kind was recorded.
func (c *Call) HasEvidence(kind EvidenceKind) bool {
	for _, e := range c.Evidence {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

// DisputeWindowEnd returns the instant the dispute window closes, measured
// from the latest delivery.
func (c *Call) DisputeWindowEnd() (time.Time, bool) {
	if c.DeliveredAt == nil {
		return time.Time{}, false
	}
	return c.DeliveredAt.Add(time.Duration(c.DisputeWindowS) * time.Second), true
}

func (c *Call) clone() *Call {
	cp := *c
	if c.Evidence != nil {
		cp.Evidence = append([]Evidence(nil), c.Evidence...)
	}
	if c.Chunks != nil {
		cp.Chunks = append([]Chunk(nil), c.Chunks...)
	}
	if c.DeliveredAt != nil {
		t := *c.DeliveredAt
		cp.DeliveredAt = &t
	}
	if c.SettledAt != nil {
		t := *c.SettledAt
		cp.SettledAt = &t
	}
	return &cp
}

// AmountForUnits returns the value of units [start, start+units) when amount
// is split evenly over totalUnits. The remainder goes one minor unit at a
// time to the earliest units, so 100 over 3 units is 34, 33, 33.
func AmountForUnits(amount int64, totalUnits, start, units int) int64 {
	if totalUnits <= 0 || units <= 0 || start < 0 || start >= totalUnits {
		return 0
	}
	if start+units > totalUnits {
		units = totalUnits - start
	}
	total := int64(totalUnits)
	base := amount / total
	rem := int(amount % total)

	value := base * int64(units)
	if start < rem {
		extra := rem - start
		if extra > units {
			extra = units
		}
		value += int64(extra)
	}
	return value
}

// WindowBoundary decides whether the instant the dispute window ends still
// belongs to the window.
type WindowBoundary string

const (
	BoundaryInclusive WindowBoundary = "inclusive"
	BoundaryExclusive WindowBoundary = "exclusive"
)

// inWindow reports whether now falls inside a window ending at end.
func (b WindowBoundary) inWindow(now, end time.Time) bool {
	if b == BoundaryExclusive {
		return now.Before(end)
	}
	return !now.After(end)
}

// Store persists escrow calls.
type Store interface {
	Create(ctx context.Context, call *Call) error
	Get(ctx context.Context, id string) (*Call, error)
	Update(ctx context.Context, call *Call) error
	ListByService(ctx context.Context, serviceID string, limit int) ([]*Call, error)
	ListSettleable(ctx context.Context, limit int) ([]*Call, error)
}

// LedgerService abstracts custody so escrow doesn't import ledger.
type LedgerService interface {
	EscrowLock(ctx context.Context, owner string, amount int64, reference string) error
	ReleaseEscrow(ctx context.Context, payer, provider string, amount int64, reference string) error
	RefundEscrow(ctx context.Context, payer string, amount int64, reference string) error
}

// Settlement is reported once when a call reaches Settled.
type Settlement struct {
	CallID    string
	ServiceID string
	Provider  string
	Payer     string
	Amount    int64
	Outcome   Outcome
	MissedSLA bool
	Late      bool // LATE evidence was recorded
	LatencyMs int64
	Delivered bool
}

// SettlementRecorder receives terminal outcomes (reputation, bond slash).
type SettlementRecorder interface {
	RecordSettlement(ctx context.Context, s Settlement) error
}

// InitRequest contains the parameters for InitPayment.
type InitRequest struct {
	CallID         string `json:"callId" binding:"required"`
	Payer          string `json:"payer"`
	Provider       string `json:"provider" binding:"required"`
	ServiceID      string `json:"serviceId" binding:"required"`
	Amount         int64  `json:"amount"`
	SLAMs          int64  `json:"slaMs"`
	DisputeWindowS int64  `json:"disputeWindowS"`
	TotalUnits     int    `json:"totalUnits"`
}

// FulfillRequest records whole delivery.
type FulfillRequest struct {
	ResponseHash string    `json:"responseHash" binding:"required"`
	DeliveredAt  time.Time `json:"deliveredAt"`
	ProviderSig  string    `json:"providerSignature"`
}

// PartialRequest records delivery of some units.
type PartialRequest struct {
	ChunkHash   string    `json:"chunkHash" binding:"required"`
	Units       int       `json:"units"`
	DeliveredAt time.Time `json:"deliveredAt"`
	ProviderSig string    `json:"providerSignature"`
}

// DisputeRequest contains the parameters for RaiseDispute.
type DisputeRequest struct {
	Kind        EvidenceKind `json:"kind" binding:"required"`
	ReasonHash  string       `json:"reasonHash"`
	ReporterSig string       `json:"reporterSignature"`
}

// MultiRecorder fans a settlement out to several recorders. Every recorder
// runs; failures are joined.
type MultiRecorder []SettlementRecorder

// RecordSettlement implements SettlementRecorder.
func (m MultiRecorder) RecordSettlement(ctx context.Context, s Settlement) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.RecordSettlement(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
