package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/assured/internal/circuitbreaker"
	"github.com/mbd888/assured/internal/escrow"
	"github.com/mbd888/assured/internal/paywall"
	"github.com/mbd888/assured/internal/reputation"
	"github.com/mbd888/assured/internal/retry"
	"github.com/mbd888/assured/internal/syncutil"
	"github.com/mbd888/assured/internal/traces"
	"github.com/mbd888/assured/internal/trust"
	"github.com/mbd888/assured/internal/usdc"
	"go.opentelemetry.io/otel/codes"
)

// Options configure an Orchestrator.
type Options struct {
	Currency            string
	Network             string
	EscrowProgramID     string
	ReputationProgramID string

	// AutoSettle settles inline after delivery. Without it, ledger-mode
	// calls are left for the escrow timer. Mock mode always settles inline.
	AutoSettle bool
	ChunkDelay time.Duration

	TranscriptRingSize int
	PendingPerService  int
	Retry              retry.Policy
	BreakerThreshold   int
	BreakerOpenFor     time.Duration
}

// Orchestrator implements paywall.Gate on top of an Executor.
type Orchestrator struct {
	catalog     *Catalog
	signer      *trust.Signer
	executor    Executor
	registry    *reputation.Registry
	opts        Options
	pending     *pendingQueue
	transcripts *transcriptStore
	locks       *syncutil.ContextShardedMutex
	breaker     *circuitbreaker.Breaker
	publisher   Publisher
	logger      *slog.Logger
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

// New creates an orchestrator. registry may be nil, in which case
// requirements carry no bond or latency hints.
func New(catalog *Catalog, signer *trust.Signer, executor Executor, registry *reputation.Registry, opts Options) *Orchestrator {
	if opts.TranscriptRingSize <= 0 {
		opts.TranscriptRingSize = 200
	}
	if opts.BreakerThreshold <= 0 {
		opts.BreakerThreshold = 5
	}
	if opts.BreakerOpenFor <= 0 {
		opts.BreakerOpenFor = 30 * time.Second
	}
	o := &Orchestrator{
		catalog:     catalog,
		signer:      signer,
		executor:    executor,
		registry:    registry,
		opts:        opts,
		pending:     newPendingQueue(opts.PendingPerService),
		transcripts: newTranscriptStore(opts.TranscriptRingSize),
		locks:       syncutil.NewContextShardedMutex(),
		breaker:     circuitbreaker.New(opts.BreakerThreshold, opts.BreakerOpenFor),
		logger:      slog.Default(),
		now:         time.Now,
		sleep:       sleepContext,
	}
	o.opts.Retry.OnRetry = func(attempt int, err error) {
		ledgerRetries.Inc()
		o.logger.Warn("ledger call failed, retrying", "attempt", attempt, "error", err)
	}
	return o
}

// WithPublisher sets the live event publisher.
func (o *Orchestrator) WithPublisher(p Publisher) *Orchestrator {
	o.publisher = p
	return o
}

// WithLogger sets the logger.
func (o *Orchestrator) WithLogger(l *slog.Logger) *Orchestrator {
	o.logger = l
	return o
}

// WithClock sets the clock (for testing).
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Close stops the pending queue owner.
func (o *Orchestrator) Close() {
	o.pending.Close()
}

// Mode returns the executor mode.
func (o *Orchestrator) Mode() string {
	return o.executor.Mode()
}

// Catalog returns the offerings behind the gate.
func (o *Orchestrator) Catalog() *Catalog {
	return o.catalog
}

// Signer returns the provider signer address.
func (o *Orchestrator) Signer() string {
	return o.signer.Address()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Quote builds the current requirement for serviceID without reserving it.
func (o *Orchestrator) Quote(ctx context.Context, serviceID string) (*paywall.Requirement, error) {
	off, ok := o.catalog.Get(serviceID)
	if !ok {
		return nil, paywall.ErrUnknownService
	}
	req := &paywall.Requirement{
		Price:     usdc.FormatMinor(off.Price),
		Currency:  o.opts.Currency,
		Network:   o.opts.Network,
		Recipient: o.signer.Address(),
		Extension: paywall.Extension{
			ServiceID:            off.ID,
			SLAMs:                off.SLAMs,
			DisputeWindowS:       off.DisputeWindowS,
			EscrowProgramRef:     o.opts.EscrowProgramID,
			ReputationProgramRef: o.opts.ReputationProgramID,
			AltService:           off.AltService,
			SigAlg:               trust.SigAlg,
			Stream:               off.Stream,
			Mirrors:              o.signer.SignMirrors(off.ID, off.Mirrors),
		},
	}
	if off.Stream {
		req.Extension.TotalUnits = off.TotalUnits()
	}
	if o.registry != nil {
		rec, found, err := o.registry.Lookup(ctx, serviceID)
		switch {
		case err != nil:
			o.logger.Warn("reputation lookup failed, quoting without hints", "serviceId", serviceID, "error", err)
		case found:
			hasBond, bond := rec.HasBond(), rec.BondBalance
			req.Extension.HasBond = &hasBond
			req.Extension.BondBalance = &bond
			if rec.LatencySampleCount > 0 {
				p95 := rec.P95EstimateMs
				req.Extension.SLAP95Ms = &p95
			}
		}
	}
	return req, nil
}

// Issue quotes serviceID and records the requirement as pending so the
// paid retry can be paired with it.
func (o *Orchestrator) Issue(ctx context.Context, serviceID string) (*paywall.Requirement, error) {
	req, err := o.Quote(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	snapshot := *req
	if err := o.pending.Push(ctx, serviceID, pendingEntry{Requirement: &snapshot, IssuedAt: o.now()}); err != nil {
		return nil, err
	}
	requirementsIssued.WithLabelValues(serviceID).Inc()
	return req, nil
}

func (o *Orchestrator) shouldSettle() bool {
	return o.opts.AutoSettle || o.executor.Mode() == ModeMock
}

// ledgerCall runs fn with in-request retries behind the per-service breaker.
func (o *Orchestrator) ledgerCall(ctx context.Context, serviceID string, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, o.opts.Retry, func(ctx context.Context) error {
		err := o.breaker.Execute(serviceID, isTransient, func() error { return fn(ctx) })
		if err != nil && !isTransient(err) {
			return retry.Permanent(err)
		}
		return err
	})
}

// Deliver turns a paid retry into a delivered, attested response. Calls are
// serialized per call id; a call that was already delivered returns its
// cached payload without touching the executor again.
func (o *Orchestrator) Deliver(ctx context.Context, serviceID string, receipt *paywall.Receipt) (_ *paywall.Paid, retErr error) {
	ctx, span := traces.StartSpan(ctx, "settlement.Deliver",
		traces.CallID(receipt.CallID), traces.ServiceID(serviceID), traces.Mode(o.executor.Mode()))
	defer func() {
		if retErr != nil {
			span.RecordError(retErr)
			span.SetStatus(codes.Error, retErr.Error())
			deliveriesTotal.WithLabelValues(serviceID, resultLabel(retErr)).Inc()
		}
		span.End()
	}()

	off, ok := o.catalog.Get(serviceID)
	if !ok {
		return nil, paywall.ErrUnknownService
	}

	unlock, err := o.locks.LockContext(ctx, receipt.CallID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	t, existing := o.transcripts.get(receipt.CallID)
	if existing && t.ServiceID != serviceID {
		return nil, errors.Join(paywall.ErrPaymentRejected, ErrReceiptMismatch)
	}
	if existing && t.Delivered {
		deliveriesTotal.WithLabelValues(serviceID, "redelivered").Inc()
		return t.paid(), nil
	}

	var entry pendingEntry
	var popped bool
	if !existing {
		if entry, popped, err = o.pending.PopOldest(ctx, serviceID); err != nil {
			return nil, err
		}
	}

	var begun *Begun
	err = o.ledgerCall(ctx, serviceID, func(ctx context.Context) error {
		b, err := o.executor.Begin(ctx, BeginRequest{
			CallID:         receipt.CallID,
			ServiceID:      serviceID,
			Payer:          receipt.Payer,
			TxRef:          receipt.TxRef,
			Amount:         off.Price,
			SLAMs:          off.SLAMs,
			DisputeWindowS: off.DisputeWindowS,
			TotalUnits:     off.TotalUnits(),
			Baseline:       entry.IssuedAt,
		})
		begun = b
		return err
	})
	if err != nil {
		if popped {
			if rqErr := o.pending.Requeue(context.WithoutCancel(ctx), serviceID, entry); rqErr != nil {
				o.logger.Warn("failed to requeue pending requirement", "serviceId", serviceID, "error", rqErr)
			}
		}
		return nil, classify(err)
	}

	if !existing {
		t, err = o.newTranscript(ctx, off, receipt, begun, entry, popped)
		if err != nil {
			return nil, err
		}
		o.transcripts.save(t)
	}

	if err := o.sleep(ctx, off.Delay); err != nil {
		return nil, err
	}
	chunks := off.Respond(receipt.CallID)

	elapsed := o.now().Sub(t.StartTs)
	switch {
	case elapsed.Milliseconds() >= off.SLAMs && begun.UnitsReleased == 0:
		err = o.deliverLate(ctx, off, t, chunks, elapsed)
	case off.Stream:
		err = o.deliverStream(ctx, off, t, chunks, begun.UnitsReleased)
	default:
		err = o.deliverWhole(ctx, off, t, chunks[0])
	}
	if err != nil {
		return nil, err
	}
	deliveryDuration.WithLabelValues(serviceID).Observe(o.now().Sub(t.StartTs).Seconds())
	deliveriesTotal.WithLabelValues(serviceID, "delivered").Inc()
	o.publish(EventDelivered, t)

	if o.shouldSettle() {
		if err := o.settle(ctx, t); err != nil {
			return nil, err
		}
	}
	final, ok := o.transcripts.get(t.CallID)
	if !ok {
		final = t
	}
	return final.paid(), nil
}

func (o *Orchestrator) newTranscript(ctx context.Context, off *Offering, receipt *paywall.Receipt, begun *Begun, entry pendingEntry, popped bool) (*Transcript, error) {
	header, err := paywall.EncodeReceipt(*receipt)
	if err != nil {
		return nil, err
	}
	t := &Transcript{
		CallID:        receipt.CallID,
		ServiceID:     off.ID,
		Mode:          o.executor.Mode(),
		Payer:         begun.Payer,
		Amount:        off.Price,
		ReceiptHeader: header,
		StartTs:       begun.StartTs,
		Tx:            TxRefs{Init: begun.TxRef},
		TotalUnits:    off.TotalUnits(),
		Outcome:       OutcomePending,
		UpdatedAt:     o.now(),
	}
	if popped {
		issued := entry.IssuedAt
		t.Requirement = entry.Requirement
		t.IssuedAt = &issued
	} else if t.Requirement, err = o.Quote(ctx, off.ID); err != nil {
		return nil, err
	}
	return t, nil
}

// attest hashes and signs data as delivered now. The trace carries
// millisecond precision; the returned time is the exact delivery instant.
func (o *Orchestrator) attest(callID string, data []byte) (Trace, time.Time) {
	hash := trust.HashHex(data)
	now := o.now()
	at := now.UnixMilli()
	return Trace{
		ResponseHash: hash,
		Signature:    o.signer.SignTrace(callID, hash, at),
		Signer:       o.signer.Address(),
		DeliveredAt:  at,
	}, now
}

func (o *Orchestrator) deliverWhole(ctx context.Context, off *Offering, t *Transcript, body []byte) error {
	tr, at := o.attest(t.CallID, body)
	var ref string
	err := o.ledgerCall(ctx, off.ID, func(ctx context.Context) error {
		r, err := o.executor.Fulfill(ctx, t.CallID, Delivery{
			Hash:        tr.ResponseHash,
			DeliveredAt: at,
			Signature:   tr.Signature,
		})
		ref = r
		return err
	})
	if err != nil {
		return classify(err)
	}
	t.Trace = &tr
	t.Tx.Fulfill = append(t.Tx.Fulfill, ref)
	t.LatencyMs = tr.DeliveredAt - t.StartTs.UnixMilli()
	t.setPayload(off.contentType(), body)
	t.UpdatedAt = o.now()
	o.transcripts.save(t)
	return nil
}

// deliverStream releases chunks from index from onward, one unit each and
// strictly in order.
func (o *Orchestrator) deliverStream(ctx context.Context, off *Offering, t *Transcript, chunks [][]byte, from int) error {
	for i := from; i < len(chunks); i++ {
		if i > from {
			if err := o.sleep(ctx, o.opts.ChunkDelay); err != nil {
				o.transcripts.save(t)
				return err
			}
		}
		tr, at := o.attest(t.CallID, chunks[i])
		var ref string
		err := o.ledgerCall(ctx, off.ID, func(ctx context.Context) error {
			r, err := o.executor.FulfillPartial(ctx, t.CallID, Delivery{
				Hash:        tr.ResponseHash,
				DeliveredAt: at,
				Signature:   tr.Signature,
			}, 1)
			ref = r
			return err
		})
		if err != nil {
			o.transcripts.save(t)
			return classify(err)
		}
		t.Stream = append(t.Stream, ChunkRecord{
			Seq:           i + 1,
			Hash:          tr.ResponseHash,
			Signature:     tr.Signature,
			DeliveredAt:   tr.DeliveredAt,
			Units:         1,
			UnitsReleased: i + 1,
			Value:         escrow.AmountForUnits(t.Amount, len(chunks), i, 1),
			TxRef:         ref,
		})
		t.Tx.Fulfill = append(t.Tx.Fulfill, ref)
		t.Trace = &tr
		t.LatencyMs = tr.DeliveredAt - t.StartTs.UnixMilli()
		t.UpdatedAt = o.now()
		o.transcripts.save(t)
	}
	t.setPayload("application/json", streamEnvelope(t.CallID, t.Stream, chunks))
	t.UpdatedAt = o.now()
	o.transcripts.save(t)
	return nil
}

// deliverLate handles a call whose SLA already lapsed before delivery: the
// provider concedes LATE so the escrow refunds, and the payload is still
// handed over with its attestation.
func (o *Orchestrator) deliverLate(ctx context.Context, off *Offering, t *Transcript, chunks [][]byte, elapsed time.Duration) error {
	var ref string
	err := o.ledgerCall(ctx, off.ID, func(ctx context.Context) error {
		r, err := o.executor.ConcedeLate(ctx, t.CallID)
		ref = r
		return err
	})
	if err != nil {
		return classify(err)
	}
	slaBreachesTotal.WithLabelValues(off.ID).Inc()
	o.logger.Warn("sla breached, conceding", "callId", t.CallID, "serviceId", off.ID,
		"elapsedMs", elapsed.Milliseconds(), "slaMs", off.SLAMs)

	t.Tx.Dispute = ref
	t.SLAMissed = true
	t.LatencyMs = elapsed.Milliseconds()
	if off.Stream {
		for i, c := range chunks {
			tr, _ := o.attest(t.CallID, c)
			t.Stream = append(t.Stream, ChunkRecord{
				Seq: i + 1, Hash: tr.ResponseHash, Signature: tr.Signature,
				DeliveredAt: tr.DeliveredAt, Units: 1, UnitsReleased: i + 1,
			})
			t.Trace = &tr
		}
		t.setPayload("application/json", streamEnvelope(t.CallID, t.Stream, chunks))
	} else {
		tr, _ := o.attest(t.CallID, chunks[0])
		t.Trace = &tr
		t.setPayload(off.contentType(), chunks[0])
	}
	t.UpdatedAt = o.now()
	o.transcripts.save(t)
	return nil
}

func (o *Orchestrator) settle(ctx context.Context, t *Transcript) error {
	var res *Settled
	err := o.ledgerCall(ctx, t.ServiceID, func(ctx context.Context) error {
		r, err := o.executor.Settle(ctx, t.CallID)
		res = r
		return err
	})
	if err != nil {
		o.logger.Error("inline settlement failed", "callId", t.CallID, "error", err)
		return classify(err)
	}
	if !res.Done {
		return nil
	}
	o.transcripts.update(t.CallID, func(st *Transcript) {
		st.Tx.Settle = res.TxRef
		st.Outcome = res.Outcome
		st.UpdatedAt = o.now()
	})
	return nil
}

// RecordSettlement mirrors a terminal escrow outcome into the transcript.
// It is part of the escrow recorder chain, so it also sees settlements made
// by the timer.
func (o *Orchestrator) RecordSettlement(ctx context.Context, s escrow.Settlement) error {
	var stats *reputation.Stats
	if o.registry != nil {
		if rec, found, err := o.registry.Lookup(ctx, s.ServiceID); err == nil && found {
			st := rec.Stats()
			stats = &st
		}
	}
	t, ok := o.transcripts.update(s.CallID, func(t *Transcript) {
		t.Outcome = string(s.Outcome)
		t.SLAMissed = t.SLAMissed || s.MissedSLA || s.Late
		if stats != nil {
			t.Reputation = stats
		}
		t.UpdatedAt = o.now()
	})
	if ok {
		o.publish(EventSettled, t)
	}
	return nil
}

// Transcript returns the transcript for callID.
func (o *Orchestrator) Transcript(callID string) (*Transcript, error) {
	t, ok := o.transcripts.get(callID)
	if !ok {
		return nil, ErrTranscriptNotFound
	}
	return t, nil
}

// Recent returns up to n transcripts, newest first.
func (o *Orchestrator) Recent(n int) []*Transcript {
	return o.transcripts.recent(n)
}

// MarkWebhookVerified flags that an authenticated webhook named callID.
func (o *Orchestrator) MarkWebhookVerified(callID string) error {
	t, ok := o.transcripts.update(callID, func(t *Transcript) {
		t.WebhookVerified = true
		t.UpdatedAt = o.now()
	})
	if !ok {
		return ErrTranscriptNotFound
	}
	o.publish(EventDelivered, t)
	return nil
}

// Summary aggregates service stats and the transcript ring.
func (o *Orchestrator) Summary(ctx context.Context) (*Summary, error) {
	s := &Summary{
		Mode:     o.executor.Mode(),
		Services: []reputation.Stats{},
		Outcomes: map[string]int{},
	}
	if o.registry != nil {
		stats, err := o.registry.List(ctx)
		if err != nil {
			return nil, err
		}
		s.Services = stats
	}
	for _, t := range o.transcripts.recent(0) {
		s.Outcomes[t.Outcome]++
	}
	s.Calls = o.transcripts.count()
	pending, err := o.pending.Counts(ctx)
	if err != nil {
		return nil, err
	}
	s.Pending = pending
	return s, nil
}

func (o *Orchestrator) publish(typ string, t *Transcript) {
	if o.publisher == nil {
		return
	}
	o.publisher.Publish(Event{Type: typ, CallID: t.CallID, ServiceID: t.ServiceID, Outcome: t.Outcome, Transcript: t})
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, paywall.ErrPaymentRejected), errors.Is(err, paywall.ErrUnknownService):
		return "rejected"
	default:
		return "failed"
	}
}

func (o *Offering) contentType() string {
	if o.ContentType == "" {
		return "application/json"
	}
	return o.ContentType
}

func (t *Transcript) setPayload(contentType string, body []byte) {
	t.contentType = contentType
	t.payload = body
	t.Delivered = true
}

// paid renders the cached payload with the current settlement state.
func (t *Transcript) paid() *paywall.Paid {
	s := paywall.SettlementResponse{
		CallID:  t.CallID,
		Mode:    t.Mode,
		Outcome: t.Outcome,
		TxRef:   t.Tx.Settle,
	}
	if s.TxRef == "" && len(t.Tx.Fulfill) > 0 {
		s.TxRef = t.Tx.Fulfill[len(t.Tx.Fulfill)-1]
	}
	if t.Trace != nil {
		s.ResponseHash = t.Trace.ResponseHash
		s.FulfilledAt = t.Trace.DeliveredAt
		s.TraceSig = t.Trace.Signature
		s.Signer = t.Trace.Signer
	}
	return &paywall.Paid{ContentType: t.contentType, Body: t.payload, Settlement: s}
}

// StreamEnvelope is the body of a streamed response: every released chunk
// with its own attestation.
type StreamEnvelope struct {
	CallID string        `json:"callId"`
	Chunks []StreamChunk `json:"chunks"`
}

// StreamChunk carries one chunk's bytes and trace.
type StreamChunk struct {
	Seq         int    `json:"seq"`
	Hash        string `json:"hash"`
	Signature   string `json:"signature"`
	DeliveredAt int64  `json:"deliveredAt"`
	Data        []byte `json:"data"`
}

func streamEnvelope(callID string, records []ChunkRecord, chunks [][]byte) []byte {
	env := StreamEnvelope{CallID: callID, Chunks: make([]StreamChunk, 0, len(records))}
	for _, r := range records {
		if r.Seq < 1 || r.Seq > len(chunks) {
			continue
		}
		env.Chunks = append(env.Chunks, StreamChunk{
			Seq:         r.Seq,
			Hash:        r.Hash,
			Signature:   r.Signature,
			DeliveredAt: r.DeliveredAt,
			Data:        chunks[r.Seq-1],
		})
	}
	b, _ := json.Marshal(env)
	return b
}
