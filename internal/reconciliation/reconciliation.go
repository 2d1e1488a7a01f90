// Package reconciliation compares the off-ledger transcripts with the escrow
// calls they mirror. The escrow ledger is authoritative: drift is reported,
// and a transcript whose call has settled differently is repaired from the
// ledger when repair is enabled.
package reconciliation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/assured/internal/escrow"
	"github.com/mbd888/assured/internal/settlement"
)

// Drift kinds.
const (
	KindMissingCall     = "missing_call"
	KindOutcomeMismatch = "outcome_mismatch"
)

// Transcripts is the off-ledger side: the orchestrator.
type Transcripts interface {
	Recent(n int) []*settlement.Transcript
	RecordSettlement(ctx context.Context, s escrow.Settlement) error
}

// Calls is the ledger side: the escrow service.
type Calls interface {
	Get(ctx context.Context, callID string) (*escrow.Call, error)
}

// Drift is one transcript that disagrees with its escrow call.
type Drift struct {
	Kind              string `json:"kind"`
	CallID            string `json:"callId"`
	ServiceID         string `json:"serviceId"`
	TranscriptOutcome string `json:"transcriptOutcome"`
	LedgerOutcome     string `json:"ledgerOutcome,omitempty"`
	Repaired          bool   `json:"repaired"`
}

// Report is the result of one run.
type Report struct {
	Checked    int       `json:"checked"`
	Drifts     []Drift   `json:"drifts"`
	Errors     int       `json:"errors"`
	RanAt      time.Time `json:"ranAt"`
	DurationMs int64     `json:"durationMs"`
}

// Runner checks the most recent transcripts.
type Runner struct {
	transcripts Transcripts
	calls       Calls
	window      int
	repair      bool
	logger      *slog.Logger
	now         func() time.Time

	mu   sync.Mutex
	last *Report
}

// NewRunner creates a runner over the newest 200 transcripts, repairing drift.
func NewRunner(transcripts Transcripts, calls Calls, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		transcripts: transcripts,
		calls:       calls,
		window:      200,
		repair:      true,
		logger:      logger,
		now:         time.Now,
	}
}

// WithWindow sets how many recent transcripts a run inspects.
func (r *Runner) WithWindow(n int) *Runner {
	if n > 0 {
		r.window = n
	}
	return r
}

// WithRepair enables or disables repairing drifted outcomes.
func (r *Runner) WithRepair(repair bool) *Runner {
	r.repair = repair
	return r
}

// WithClock sets the clock (for testing).
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

func ledgerOutcome(c *escrow.Call) string {
	if c.Outcome == escrow.OutcomeNone {
		return settlement.OutcomePending
	}
	return string(c.Outcome)
}

// Run checks every ledger-mode transcript in the window. Mock transcripts
// have no escrow call and are skipped. Lookup failures are counted, not
// returned; a run only fails when ctx is done.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	start := r.now()
	rep := &Report{Drifts: []Drift{}, RanAt: start}
	kinds := map[string]int{KindMissingCall: 0, KindOutcomeMismatch: 0}

	for _, t := range r.transcripts.Recent(r.window) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if t.Mode != settlement.ModeLedger {
			continue
		}
		rep.Checked++

		call, err := r.calls.Get(ctx, t.CallID)
		if errors.Is(err, escrow.ErrCallNotFound) {
			rep.Drifts = append(rep.Drifts, Drift{
				Kind:              KindMissingCall,
				CallID:            t.CallID,
				ServiceID:         t.ServiceID,
				TranscriptOutcome: t.Outcome,
			})
			kinds[KindMissingCall]++
			continue
		}
		if err != nil {
			rep.Errors++
			errorsTotal.Inc()
			r.logger.Warn("reconciliation lookup failed", "callId", t.CallID, "error", err)
			continue
		}

		want := ledgerOutcome(call)
		if t.Outcome == want {
			continue
		}
		d := Drift{
			Kind:              KindOutcomeMismatch,
			CallID:            t.CallID,
			ServiceID:         t.ServiceID,
			TranscriptOutcome: t.Outcome,
			LedgerOutcome:     want,
		}
		kinds[KindOutcomeMismatch]++
		if r.repair && call.IsTerminal() {
			lat, _ := call.LatencyMs()
			err := r.transcripts.RecordSettlement(ctx, escrow.Settlement{
				CallID:    call.ID,
				ServiceID: call.ServiceID,
				Provider:  call.Provider,
				Payer:     call.Payer,
				Amount:    call.Amount,
				Outcome:   call.Outcome,
				MissedSLA: call.MissedSLA(),
				Late:      call.HasEvidence(escrow.EvidenceLate),
				LatencyMs: lat,
				Delivered: call.FullyDelivered(),
			})
			if err == nil {
				d.Repaired = true
				repairedTotal.Inc()
			}
		}
		rep.Drifts = append(rep.Drifts, d)
	}

	for kind, n := range kinds {
		driftGauge.WithLabelValues(kind).Set(float64(n))
	}
	elapsed := r.now().Sub(start)
	runDuration.Observe(elapsed.Seconds())
	rep.DurationMs = elapsed.Milliseconds()

	if len(rep.Drifts) > 0 {
		r.logger.Warn("reconciliation found drift", "checked", rep.Checked, "drifts", len(rep.Drifts))
	}

	r.mu.Lock()
	r.last = rep
	r.mu.Unlock()
	return rep, nil
}

// Last returns the most recent report, or nil before the first run.
func (r *Runner) Last() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}
