package reputation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mbd888/assured/internal/escrow"
	"github.com/mbd888/assured/internal/traces"
)

// Slash modes.
const (
	SlashFixed        = "fixed"
	SlashProportional = "proportional"
)

// SlashPolicy sizes the bond slash applied when a call is refunded.
type SlashPolicy struct {
	Mode   string
	Amount int64 // fixed mode, minor units
	BPS    int64 // proportional mode, basis points of the call amount
}

// AmountFor returns the slash for a refunded call of callAmount.
func (p SlashPolicy) AmountFor(callAmount int64) int64 {
	if p.Mode == SlashProportional {
		return callAmount * p.BPS / 10_000
	}
	return p.Amount
}

// Registry is the reputation and bond service.
type Registry struct {
	repo   Repository
	slash  SlashPolicy
	logger *slog.Logger
}

// NewRegistry creates a registry over repo.
func NewRegistry(repo Repository, slash SlashPolicy, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{repo: repo, slash: slash, logger: logger}
}

// Lookup returns the record for serviceID, or found=false when the service
// has no history.
func (r *Registry) Lookup(ctx context.Context, serviceID string) (*Record, bool, error) {
	rec, err := r.repo.Get(ctx, serviceID)
	if errors.Is(err, ErrNotFound) {
		return NewRecord(serviceID), false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// Score returns the service score; unseen services score 1.
func (r *Registry) Score(ctx context.Context, serviceID string) (float64, bool, error) {
	rec, found, err := r.Lookup(ctx, serviceID)
	if err != nil {
		return 0, false, err
	}
	return rec.Score(), found, nil
}

// P95 returns the P95 latency estimate if any sample was recorded.
func (r *Registry) P95(ctx context.Context, serviceID string) (float64, bool, error) {
	rec, _, err := r.Lookup(ctx, serviceID)
	if err != nil {
		return 0, false, err
	}
	return rec.P95EstimateMs, rec.LatencySampleCount > 0, nil
}

// List returns stats for every known service.
func (r *Registry) List(ctx context.Context) ([]Stats, error) {
	recs, err := r.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Stats, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Stats())
	}
	return out, nil
}

// UpdateWeighted adds weight (clamped to [0,1]) to the outcome counter.
func (r *Registry) UpdateWeighted(ctx context.Context, serviceID string, outcome Outcome, weight float64) (*Record, error) {
	rec, err := r.repo.ApplyWeightedOutcome(ctx, serviceID, outcome, weight)
	if err != nil {
		return nil, err
	}
	outcomesTotal.WithLabelValues(string(outcome)).Inc()
	return rec, nil
}

// UpdateLatency folds one delivery latency sample into the estimators.
func (r *Registry) UpdateLatency(ctx context.Context, serviceID string, sampleMs int64) (*Record, error) {
	rec, err := r.repo.Mutate(ctx, serviceID, func(rec *Record) error {
		rec.applyLatency(sampleMs)
		return nil
	})
	if err != nil {
		return nil, err
	}
	latencyObserved.Observe(float64(sampleMs))
	return rec, nil
}

// BondDeposit adds to the bond. The first depositor becomes the owner.
func (r *Registry) BondDeposit(ctx context.Context, serviceID, caller string, amount int64) (*Record, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return r.repo.Mutate(ctx, serviceID, func(rec *Record) error {
		if rec.Owner == "" {
			rec.Owner = caller
		}
		if rec.Owner != caller {
			return ErrUnauthorized
		}
		rec.BondBalance += amount
		return nil
	})
}

// BondWithdraw removes from the bond; it never drives the balance negative.
func (r *Registry) BondWithdraw(ctx context.Context, serviceID, caller string, amount int64) (*Record, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return r.repo.Mutate(ctx, serviceID, func(rec *Record) error {
		if rec.Owner == "" || rec.Owner != caller {
			return ErrUnauthorized
		}
		if amount > rec.BondBalance {
			return fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientBond, rec.BondBalance, amount)
		}
		rec.BondBalance -= amount
		return nil
	})
}

// BondSlash clamps the bond to max(0, bond-amount). It is applied at most
// once per callID and is only reached from refund settlement.
func (r *Registry) BondSlash(ctx context.Context, callID, serviceID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, nil
	}
	applied, err := r.repo.Slash(ctx, callID, serviceID, amount)
	if err != nil {
		return 0, err
	}
	bondSlashedTotal.Add(float64(applied))
	bondSlashesTotal.Inc()
	return applied, nil
}

// RecordSettlement applies one terminal outcome. Releases count OK, or LATE
// when delivery missed the SLA. Refunds count DISPUTED, plus LATE when LATE
// evidence was recorded, and slash the bond.
func (r *Registry) RecordSettlement(ctx context.Context, s escrow.Settlement) error {
	ctx, span := traces.StartSpan(ctx, "reputation.RecordSettlement",
		traces.CallID(s.CallID), traces.ServiceID(s.ServiceID), traces.Outcome(string(s.Outcome)))
	defer span.End()

	switch s.Outcome {
	case escrow.OutcomeReleased:
		outcome := OutcomeOK
		if s.MissedSLA {
			outcome = OutcomeLate
		}
		if _, err := r.UpdateWeighted(ctx, s.ServiceID, outcome, 1); err != nil {
			return err
		}
	case escrow.OutcomeRefunded:
		if _, err := r.UpdateWeighted(ctx, s.ServiceID, OutcomeDisputed, 1); err != nil {
			return err
		}
		if s.Late {
			if _, err := r.UpdateWeighted(ctx, s.ServiceID, OutcomeLate, 1); err != nil {
				return err
			}
		}
		applied, err := r.BondSlash(ctx, s.CallID, s.ServiceID, r.slash.AmountFor(s.Amount))
		if err != nil {
			return err
		}
		r.logger.Info("bond slashed", "callId", s.CallID, "serviceId", s.ServiceID, "amount", applied)
	default:
		return fmt.Errorf("%w: %q", ErrInvalidOutcome, s.Outcome)
	}

	if s.Delivered {
		if _, err := r.UpdateLatency(ctx, s.ServiceID, s.LatencyMs); err != nil {
			return err
		}
	}
	return nil
}

var _ escrow.SettlementRecorder = (*Registry)(nil)
