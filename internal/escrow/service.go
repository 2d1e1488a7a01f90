package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/assured/internal/syncutil"
	"github.com/mbd888/assured/internal/traces"
	"go.opentelemetry.io/otel/codes"
)

// Service implements the escrow state machine.
type Service struct {
	store    Store
	ledger   LedgerService
	recorder SettlementRecorder
	boundary WindowBoundary
	now      func() time.Time
	logger   *slog.Logger
	locks    syncutil.ShardedMutex
}

// NewService creates a new escrow service.
func NewService(store Store, ledger LedgerService) *Service {
	return &Service{
		store:    store,
		ledger:   ledger,
		boundary: BoundaryInclusive,
		now:      time.Now,
		logger:   slog.Default(),
	}
}

// WithRecorder adds the terminal-outcome hook (reputation and bond).
func (s *Service) WithRecorder(r SettlementRecorder) *Service {
	s.recorder = r
	return s
}

// WithBoundary sets the dispute window end policy.
func (s *Service) WithBoundary(b WindowBoundary) *Service {
	if b == BoundaryExclusive || b == BoundaryInclusive {
		s.boundary = b
	}
	return s
}

// WithClock overrides time.Now.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithLogger sets the logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// Now returns the service clock reading.
func (s *Service) Now() time.Time {
	return s.now()
}

// InitPayment creates the call in Initialized state and locks amount from
// the payer's custody balance.
func (s *Service) InitPayment(ctx context.Context, req InitRequest) (*Call, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.InitPayment",
		traces.CallID(req.CallID), traces.ServiceID(req.ServiceID), traces.Amount(req.Amount))
	defer span.End()

	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.CallID == "" || req.Payer == "" || req.Provider == "" || req.ServiceID == "" {
		return nil, fmt.Errorf("%w: callId, payer, provider and serviceId are required", ErrInvalidRequest)
	}
	if req.Payer == req.Provider {
		return nil, fmt.Errorf("%w: payer and provider must differ", ErrInvalidRequest)
	}
	if req.SLAMs <= 0 || req.DisputeWindowS < 0 {
		return nil, fmt.Errorf("%w: slaMs must be positive and disputeWindowS non-negative", ErrInvalidRequest)
	}
	if req.TotalUnits <= 0 {
		req.TotalUnits = 1
	}

	unlock := s.locks.Lock(req.CallID)
	defer unlock()

	if _, err := s.store.Get(ctx, req.CallID); err == nil {
		return nil, ErrCallExists
	} else if !errors.Is(err, ErrCallNotFound) {
		return nil, err
	}

	now := s.now()
	call := &Call{
		ID:             req.CallID,
		Payer:          req.Payer,
		Provider:       req.Provider,
		ServiceID:      req.ServiceID,
		Amount:         req.Amount,
		StartTs:        now,
		SLAMs:          req.SLAMs,
		DisputeWindowS: req.DisputeWindowS,
		Status:         StatusInitialized,
		TotalUnits:     req.TotalUnits,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.ledger.EscrowLock(ctx, call.Payer, call.Amount, call.ID); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to lock escrow funds: %w", err)
	}
	if err := s.store.Create(ctx, call); err != nil {
		// Best-effort refund if the record could not be written.
		_ = s.ledger.RefundEscrow(ctx, call.Payer, call.Amount, call.ID)
		return nil, fmt.Errorf("failed to create call record: %w", err)
	}

	transitionsTotal.WithLabelValues(string(StatusInitialized)).Inc()
	return call.clone(), nil
}

// Fulfill records whole delivery. Valid only from Initialized.
func (s *Service) Fulfill(ctx context.Context, callID, caller string, req FulfillRequest) (*Call, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Fulfill", traces.CallID(callID))
	defer span.End()

	if req.ResponseHash == "" {
		return nil, fmt.Errorf("%w: responseHash is required", ErrInvalidRequest)
	}
	if len(req.ProviderSig) > MaxSignatureLen {
		return nil, ErrSignatureTooLong
	}

	unlock := s.locks.Lock(callID)
	defer unlock()

	call, err := s.store.Get(ctx, callID)
	if err != nil {
		return nil, err
	}
	if caller != call.Provider {
		return nil, ErrUnauthorized
	}
	if call.Status != StatusInitialized {
		return nil, fmt.Errorf("%w: cannot fulfill a %s call", ErrInvalidStatus, call.Status)
	}

	delivered, err := s.deliveryTime(call, req.DeliveredAt)
	if err != nil {
		return nil, err
	}

	call.DeliveredAt = &delivered
	call.ResponseHash = req.ResponseHash
	call.ProviderSig = req.ProviderSig
	call.UnitsReleased = call.TotalUnits
	call.Status = StatusFulfilled
	call.UpdatedAt = s.now()

	if err := s.store.Update(ctx, call); err != nil {
		return nil, fmt.Errorf("failed to update call: %w", err)
	}
	transitionsTotal.WithLabelValues(string(StatusFulfilled)).Inc()
	return call.clone(), nil
}

// FulfillPartial records delivery of req.Units units. The call moves to
// Fulfilled once every unit is released.
func (s *Service) FulfillPartial(ctx context.Context, callID, caller string, req PartialRequest) (*Call, *Chunk, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.FulfillPartial", traces.CallID(callID), traces.Units(req.Units))
	defer span.End()

	if req.Units <= 0 {
		return nil, nil, ErrInvalidUnits
	}
	if req.ChunkHash == "" {
		return nil, nil, fmt.Errorf("%w: chunkHash is required", ErrInvalidRequest)
	}
	if len(req.ProviderSig) > MaxSignatureLen {
		return nil, nil, ErrSignatureTooLong
	}

	unlock := s.locks.Lock(callID)
	defer unlock()

	call, err := s.store.Get(ctx, callID)
	if err != nil {
		return nil, nil, err
	}
	if caller != call.Provider {
		return nil, nil, ErrUnauthorized
	}
	if call.Status != StatusInitialized && call.Status != StatusPartiallyFulfilled {
		return nil, nil, fmt.Errorf("%w: cannot release units on a %s call", ErrInvalidStatus, call.Status)
	}
	if call.UnitsReleased+req.Units > call.TotalUnits {
		return nil, nil, fmt.Errorf("%w: %d released + %d requested > %d", ErrUnitsExceeded,
			call.UnitsReleased, req.Units, call.TotalUnits)
	}

	delivered, err := s.deliveryTime(call, req.DeliveredAt)
	if err != nil {
		return nil, nil, err
	}

	chunk := Chunk{
		Seq:           len(call.Chunks) + 1,
		Hash:          req.ChunkHash,
		Units:         req.Units,
		UnitsReleased: call.UnitsReleased + req.Units,
		Value:         AmountForUnits(call.Amount, call.TotalUnits, call.UnitsReleased, req.Units),
		ProviderSig:   req.ProviderSig,
		DeliveredAt:   delivered,
	}
	call.Chunks = append(call.Chunks, chunk)
	call.UnitsReleased = chunk.UnitsReleased
	call.DeliveredAt = &delivered
	call.ResponseHash = req.ChunkHash
	call.ProviderSig = req.ProviderSig
	if call.UnitsReleased == call.TotalUnits {
		call.Status = StatusFulfilled
	} else {
		call.Status = StatusPartiallyFulfilled
	}
	call.UpdatedAt = s.now()

	if err := s.store.Update(ctx, call); err != nil {
		return nil, nil, fmt.Errorf("failed to update call: %w", err)
	}
	chunksTotal.Inc()
	transitionsTotal.WithLabelValues(string(call.Status)).Inc()
	return call.clone(), &chunk, nil
}

// deliveryTime defaults a zero timestamp to now and keeps the delivery
// timeline monotonic.
func (s *Service) deliveryTime(call *Call, at time.Time) (time.Time, error) {
	if at.IsZero() {
		at = s.now()
	}
	if at.Before(call.StartTs) {
		return time.Time{}, fmt.Errorf("%w: deliveredAt precedes call start", ErrInvalidRequest)
	}
	if call.DeliveredAt != nil && at.Before(*call.DeliveredAt) {
		return time.Time{}, fmt.Errorf("%w: deliveredAt precedes previous chunk", ErrInvalidRequest)
	}
	return at, nil
}

// RaiseDispute attaches evidence and moves the call to Disputed. After full
// delivery it is accepted only inside the dispute window; before delivery it
// is accepted at any time. Settled calls reject disputes.
//
// The payer may raise any kind. The provider may only concede its own
// breach (LATE or NO_RESPONSE).
func (s *Service) RaiseDispute(ctx context.Context, callID, caller string, req DisputeRequest) (*Call, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RaiseDispute", traces.CallID(callID))
	defer span.End()

	if !req.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown evidence kind %q", ErrInvalidRequest, req.Kind)
	}
	if len(req.ReporterSig) > MaxSignatureLen {
		return nil, ErrSignatureTooLong
	}

	unlock := s.locks.Lock(callID)
	defer unlock()

	call, err := s.store.Get(ctx, callID)
	if err != nil {
		return nil, err
	}
	if !mayDispute(call, caller, req.Kind) {
		return nil, ErrUnauthorized
	}
	if call.IsTerminal() {
		return nil, fmt.Errorf("%w: call already settled", ErrInvalidStatus)
	}

	now := s.now()
	full := call.FullyDelivered()
	if full {
		end, _ := call.DisputeWindowEnd()
		if !s.boundary.inWindow(now, end) {
			return nil, ErrDisputeWindowClosed
		}
	}
	if err := checkEvidence(call, req.Kind, full, now); err != nil {
		return nil, err
	}

	call.Evidence = append(call.Evidence, Evidence{
		Kind:        req.Kind,
		Detail:      req.ReasonHash,
		ReporterSig: req.ReporterSig,
		RaisedAt:    now,
	})
	call.Disputed = true
	call.Status = StatusDisputed
	call.UpdatedAt = now

	if err := s.store.Update(ctx, call); err != nil {
		return nil, fmt.Errorf("failed to update call: %w", err)
	}
	disputesTotal.WithLabelValues(string(req.Kind)).Inc()
	transitionsTotal.WithLabelValues(string(StatusDisputed)).Inc()
	return call.clone(), nil
}

func mayDispute(call *Call, caller string, kind EvidenceKind) bool {
	switch caller {
	case call.Payer:
		return true
	case call.Provider:
		return kind == EvidenceLate || kind == EvidenceNoResponse
	}
	return false
}

func checkEvidence(call *Call, kind EvidenceKind, full bool, now time.Time) error {
	switch kind {
	case EvidenceLate:
		elapsed := now.Sub(call.StartTs).Milliseconds()
		if lat, ok := call.LatencyMs(); ok && full {
			elapsed = lat
		}
		if elapsed < call.SLAMs {
			return fmt.Errorf("%w: latency %dms within SLA %dms", ErrInvalidEvidence, elapsed, call.SLAMs)
		}
	case EvidenceNoResponse:
		if full {
			return fmt.Errorf("%w: response already delivered", ErrInvalidEvidence)
		}
	case EvidenceBadProof, EvidenceMismatchHash:
		if call.DeliveredAt == nil {
			return fmt.Errorf("%w: nothing delivered yet", ErrInvalidEvidence)
		}
	}
	return nil
}

// Settle resolves the call. Undisputed fully delivered calls release at once;
// disputed or partially delivered calls wait for the dispute window after the
// latest delivery; disputed calls with no delivery refund at once. Settling a
// Settled call is a no-op that returns the record.
func (s *Service) Settle(ctx context.Context, callID string) (*Call, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Settle", traces.CallID(callID))
	defer span.End()
	start := time.Now()

	unlock := s.locks.Lock(callID)
	defer unlock()

	call, err := s.store.Get(ctx, callID)
	if err != nil {
		return nil, err
	}
	if call.IsTerminal() {
		return call, nil
	}

	outcome, err := s.evaluate(call)
	if err != nil {
		return nil, err
	}

	switch outcome {
	case OutcomeReleased:
		err = s.ledger.ReleaseEscrow(ctx, call.Payer, call.Provider, call.Amount, call.ID)
	case OutcomeRefunded:
		err = s.ledger.RefundEscrow(ctx, call.Payer, call.Amount, call.ID)
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		settlementFailures.Inc()
		return nil, fmt.Errorf("failed to settle escrow funds: %w", err)
	}

	now := s.now()
	call.Status = StatusSettled
	call.Outcome = outcome
	call.SettledAt = &now
	call.UpdatedAt = now
	if err := s.store.Update(ctx, call); err != nil {
		return nil, fmt.Errorf("failed to update call: %w", err)
	}

	span.SetAttributes(traces.Outcome(string(outcome)))
	settlementsTotal.WithLabelValues(string(outcome)).Inc()
	settleDuration.Observe(time.Since(start).Seconds())
	transitionsTotal.WithLabelValues(string(StatusSettled)).Inc()

	if s.recorder != nil {
		lat, delivered := call.LatencyMs()
		rec := Settlement{
			CallID:    call.ID,
			ServiceID: call.ServiceID,
			Provider:  call.Provider,
			Payer:     call.Payer,
			Amount:    call.Amount,
			Outcome:   outcome,
			MissedSLA: call.MissedSLA(),
			Late:      call.HasEvidence(EvidenceLate),
			LatencyMs: lat,
			Delivered: delivered,
		}
		if err := s.recorder.RecordSettlement(ctx, rec); err != nil {
			s.logger.Error("settlement recorder failed", "callId", call.ID, "outcome", outcome, "error", err)
		}
	}
	return call.clone(), nil
}

// evaluate decides the settlement outcome or why the call cannot settle yet.
func (s *Service) evaluate(call *Call) (Outcome, error) {
	now := s.now()
	windowElapsed := func() bool {
		end, ok := call.DisputeWindowEnd()
		return ok && !s.boundary.inWindow(now, end)
	}

	switch call.Status {
	case StatusInitialized:
		return OutcomeNone, fmt.Errorf("%w: nothing delivered", ErrInvalidStatus)
	case StatusFulfilled:
		if !call.Disputed {
			return OutcomeReleased, nil
		}
	case StatusPartiallyFulfilled:
		if !windowElapsed() {
			return OutcomeNone, ErrDisputeWindowOpen
		}
		return OutcomeReleased, nil
	case StatusDisputed:
		if call.DeliveredAt == nil {
			return OutcomeRefunded, nil
		}
		if !windowElapsed() {
			return OutcomeNone, ErrDisputeWindowOpen
		}
		return OutcomeRefunded, nil
	}
	return OutcomeNone, fmt.Errorf("%w: %s", ErrInvalidStatus, call.Status)
}

// Ready reports whether Settle would act on call now.
func (s *Service) Ready(call *Call) bool {
	if call.IsTerminal() {
		return false
	}
	_, err := s.evaluate(call)
	return err == nil
}

// Get returns a call by id.
func (s *Service) Get(ctx context.Context, callID string) (*Call, error) {
	return s.store.Get(ctx, callID)
}

// ListByService returns recent calls for a service.
func (s *Service) ListByService(ctx context.Context, serviceID string, limit int) ([]*Call, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListByService(ctx, serviceID, limit)
}

// ListSettleable returns non-terminal calls past Initialized.
func (s *Service) ListSettleable(ctx context.Context, limit int) ([]*Call, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListSettleable(ctx, limit)
}
