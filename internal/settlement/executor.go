package settlement

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/assured/internal/escrow"
	"github.com/mbd888/assured/internal/idgen"
	"github.com/mbd888/assured/internal/logging"
	"github.com/mbd888/assured/internal/trust"
)

// Executor performs the escrow transitions of one call. It is chosen once
// at startup: LedgerExecutor drives the escrow program, MockExecutor keeps
// the same contract in memory without moving funds.
type Executor interface {
	Mode() string
	// Begin binds a paid retry to its escrow call and reports where delivery
	// should resume.
	Begin(ctx context.Context, req BeginRequest) (*Begun, error)
	Fulfill(ctx context.Context, callID string, d Delivery) (txRef string, err error)
	FulfillPartial(ctx context.Context, callID string, d Delivery, units int) (txRef string, err error)
	// ConcedeLate records the provider's own SLA breach before delivery.
	ConcedeLate(ctx context.Context, callID string) (txRef string, err error)
	Settle(ctx context.Context, callID string) (*Settled, error)
}

// BeginRequest describes what the gate expects the escrow call to hold.
type BeginRequest struct {
	CallID         string
	ServiceID      string
	Payer          string
	TxRef          string
	Amount         int64
	SLAMs          int64
	DisputeWindowS int64
	TotalUnits     int
	Baseline       time.Time
}

// Begun is the escrow call as the executor found or created it.
type Begun struct {
	StartTs       time.Time
	Payer         string
	UnitsReleased int
	TxRef         string
}

// Delivery is one attested release.
type Delivery struct {
	Hash        string
	DeliveredAt time.Time
	Signature   string
}

// Settled reports a settlement attempt. Done is false while the dispute
// window keeps the call open.
type Settled struct {
	Done    bool
	Outcome string
	TxRef   string
}

func ledgerTxRef(callID, op string, n int) string {
	ref := "escrow/" + callID + "/" + op
	if n > 0 {
		ref += "/" + strconv.Itoa(n)
	}
	return ref
}

func concessionReason(callID string) string {
	return trust.HashHex([]byte("sla-breach|" + callID))
}

// LedgerExecutor signs escrow transitions as the provider.
type LedgerExecutor struct {
	escrow   *escrow.Service
	provider string
}

// NewLedgerExecutor creates an executor acting as provider on svc.
func NewLedgerExecutor(svc *escrow.Service, provider string) *LedgerExecutor {
	return &LedgerExecutor{escrow: svc, provider: provider}
}

func (e *LedgerExecutor) Mode() string { return ModeLedger }

// Begin requires the payer to have initialised the call against this
// provider with the quoted terms.
func (e *LedgerExecutor) Begin(ctx context.Context, req BeginRequest) (*Begun, error) {
	call, err := e.escrow.Get(ctx, req.CallID)
	if err != nil {
		return nil, err
	}
	switch {
	case call.ServiceID != req.ServiceID:
		return nil, fmt.Errorf("%w: call is for service %q", ErrReceiptMismatch, call.ServiceID)
	case call.Provider != e.provider:
		return nil, fmt.Errorf("%w: call pays a different provider", ErrReceiptMismatch)
	case call.Amount != req.Amount:
		return nil, fmt.Errorf("%w: locked %d, quoted %d", ErrReceiptMismatch, call.Amount, req.Amount)
	case call.TotalUnits != req.TotalUnits:
		return nil, fmt.Errorf("%w: call has %d units, service delivers %d", ErrReceiptMismatch, call.TotalUnits, req.TotalUnits)
	case req.Payer != "" && call.Payer != req.Payer:
		return nil, fmt.Errorf("%w: payer differs", ErrReceiptMismatch)
	}
	if call.Status != escrow.StatusInitialized && call.Status != escrow.StatusPartiallyFulfilled {
		return nil, fmt.Errorf("%w: call is %s", escrow.ErrInvalidStatus, call.Status)
	}
	ref := req.TxRef
	if ref == "" {
		ref = ledgerTxRef(call.ID, "init", 0)
	}
	return &Begun{StartTs: call.StartTs, Payer: call.Payer, UnitsReleased: call.UnitsReleased, TxRef: ref}, nil
}

func (e *LedgerExecutor) Fulfill(ctx context.Context, callID string, d Delivery) (string, error) {
	_, err := e.escrow.Fulfill(ctx, callID, e.provider, escrow.FulfillRequest{
		ResponseHash: d.Hash,
		DeliveredAt:  d.DeliveredAt,
		ProviderSig:  d.Signature,
	})
	if err != nil {
		return "", err
	}
	return ledgerTxRef(callID, "fulfill", 0), nil
}

func (e *LedgerExecutor) FulfillPartial(ctx context.Context, callID string, d Delivery, units int) (string, error) {
	call, chunk, err := e.escrow.FulfillPartial(ctx, callID, e.provider, escrow.PartialRequest{
		ChunkHash:   d.Hash,
		Units:       units,
		DeliveredAt: d.DeliveredAt,
		ProviderSig: d.Signature,
	})
	if err != nil {
		return "", err
	}
	return ledgerTxRef(call.ID, "fulfill", chunk.Seq), nil
}

func (e *LedgerExecutor) ConcedeLate(ctx context.Context, callID string) (string, error) {
	_, err := e.escrow.RaiseDispute(ctx, callID, e.provider, escrow.DisputeRequest{
		Kind:       escrow.EvidenceLate,
		ReasonHash: concessionReason(callID),
	})
	if err != nil {
		return "", err
	}
	return ledgerTxRef(callID, "dispute", 0), nil
}

func (e *LedgerExecutor) Settle(ctx context.Context, callID string) (*Settled, error) {
	call, err := e.escrow.Settle(ctx, callID)
	if err != nil {
		if isWindowOpen(err) {
			return &Settled{Outcome: OutcomePending}, nil
		}
		return nil, err
	}
	return &Settled{Done: true, Outcome: string(call.Outcome), TxRef: ledgerTxRef(callID, "settle", 0)}, nil
}

// MockExecutor mirrors the escrow contract without custody. Settlements are
// still reported to the recorder so reputation moves the same way.
type MockExecutor struct {
	mu       sync.Mutex
	calls    map[string]*mockCall
	provider string
	recorder escrow.SettlementRecorder
	now      func() time.Time
}

type mockCall struct {
	serviceID   string
	payer       string
	amount      int64
	slaMs       int64
	start       time.Time
	total       int
	released    int
	deliveredAt *time.Time
	late        bool
	outcome     string
	settleRef   string
}

// NewMockExecutor creates an in-memory executor acting as provider.
func NewMockExecutor(provider string) *MockExecutor {
	return &MockExecutor{
		calls:    make(map[string]*mockCall),
		provider: provider,
		now:      time.Now,
	}
}

// WithRecorder sets the settlement recorder.
func (e *MockExecutor) WithRecorder(r escrow.SettlementRecorder) *MockExecutor {
	e.recorder = r
	return e
}

// WithClock sets the clock (for testing).
func (e *MockExecutor) WithClock(now func() time.Time) *MockExecutor {
	e.now = now
	return e
}

func (e *MockExecutor) Mode() string { return ModeMock }

func mockTxRef() string {
	return "mock_" + idgen.Hex(16)
}

func (e *MockExecutor) Begin(_ context.Context, req BeginRequest) (*Begun, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if c, ok := e.calls[req.CallID]; ok {
		if c.serviceID != req.ServiceID {
			return nil, fmt.Errorf("%w: call is for service %q", ErrReceiptMismatch, c.serviceID)
		}
		if c.outcome != "" || c.late || c.released == c.total {
			return nil, fmt.Errorf("%w: call already delivered", escrow.ErrInvalidStatus)
		}
		return &Begun{StartTs: c.start, Payer: c.payer, UnitsReleased: c.released, TxRef: req.TxRef}, nil
	}

	start := req.Baseline
	if start.IsZero() {
		start = e.now()
	}
	payer := req.Payer
	if payer == "" {
		payer = "mock-payer"
	}
	total := max(req.TotalUnits, 1)
	e.calls[req.CallID] = &mockCall{
		serviceID: req.ServiceID,
		payer:     payer,
		amount:    req.Amount,
		slaMs:     req.SLAMs,
		start:     start,
		total:     total,
	}
	ref := req.TxRef
	if ref == "" {
		ref = mockTxRef()
	}
	return &Begun{StartTs: start, Payer: payer, TxRef: ref}, nil
}

func (e *MockExecutor) get(callID string) (*mockCall, error) {
	c, ok := e.calls[callID]
	if !ok {
		return nil, escrow.ErrCallNotFound
	}
	if c.outcome != "" {
		return nil, fmt.Errorf("%w: call already settled", escrow.ErrInvalidStatus)
	}
	return c, nil
}

func (e *MockExecutor) Fulfill(_ context.Context, callID string, d Delivery) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, err := e.get(callID)
	if err != nil {
		return "", err
	}
	if c.released > 0 || c.late {
		return "", fmt.Errorf("%w: cannot fulfill", escrow.ErrInvalidStatus)
	}
	at := d.DeliveredAt
	c.deliveredAt = &at
	c.released = c.total
	return mockTxRef(), nil
}

func (e *MockExecutor) FulfillPartial(_ context.Context, callID string, d Delivery, units int) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, err := e.get(callID)
	if err != nil {
		return "", err
	}
	if units <= 0 {
		return "", escrow.ErrInvalidUnits
	}
	if c.late {
		return "", fmt.Errorf("%w: call is disputed", escrow.ErrInvalidStatus)
	}
	if c.released+units > c.total {
		return "", escrow.ErrUnitsExceeded
	}
	at := d.DeliveredAt
	c.deliveredAt = &at
	c.released += units
	return mockTxRef(), nil
}

func (e *MockExecutor) ConcedeLate(_ context.Context, callID string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, err := e.get(callID)
	if err != nil {
		return "", err
	}
	c.late = true
	return mockTxRef(), nil
}

// Settle resolves at once: refunded when lateness was conceded, released
// once every unit is delivered. A settled call returns its first result.
func (e *MockExecutor) Settle(ctx context.Context, callID string) (*Settled, error) {
	e.mu.Lock()
	c, ok := e.calls[callID]
	if !ok {
		e.mu.Unlock()
		return nil, escrow.ErrCallNotFound
	}
	if c.outcome != "" {
		res := &Settled{Done: true, Outcome: c.outcome, TxRef: c.settleRef}
		e.mu.Unlock()
		return res, nil
	}
	switch {
	case c.late:
		c.outcome = OutcomeRefunded
	case c.released == c.total:
		c.outcome = OutcomeReleased
	default:
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: nothing to settle yet", escrow.ErrInvalidStatus)
	}
	c.settleRef = mockTxRef()
	rec := escrow.Settlement{
		CallID:    callID,
		ServiceID: c.serviceID,
		Provider:  e.provider,
		Payer:     c.payer,
		Amount:    c.amount,
		Outcome:   escrow.Outcome(c.outcome),
		Late:      c.late,
	}
	if c.deliveredAt != nil {
		rec.Delivered = true
		rec.LatencyMs = c.deliveredAt.Sub(c.start).Milliseconds()
		rec.MissedSLA = rec.LatencyMs >= c.slaMs
	}
	res := &Settled{Done: true, Outcome: c.outcome, TxRef: c.settleRef}
	e.mu.Unlock()

	if e.recorder != nil {
		if err := e.recorder.RecordSettlement(ctx, rec); err != nil {
			logging.L(ctx).Error("settlement recorder failed", "callId", callID, "outcome", res.Outcome, "error", err)
		}
	}
	return res, nil
}

var (
	_ Executor = (*LedgerExecutor)(nil)
	_ Executor = (*MockExecutor)(nil)
)
