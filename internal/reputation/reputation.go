// Package reputation aggregates settled call outcomes per service, tracks
// delivery latency and holds the provider's slashable bond.
package reputation

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"
)

var (
	ErrNotFound         = errors.New("reputation record not found")
	ErrInsufficientBond = errors.New("withdraw exceeds bond balance")
	ErrInvalidAmount    = errors.New("amount must be positive")
	ErrUnauthorized     = errors.New("only the bond owner may do this")
	ErrInvalidOutcome   = errors.New("unknown outcome")
)

// Outcome is the terminal classification of one call.
type Outcome string

const (
	OutcomeOK       Outcome = "OK"
	OutcomeLate     Outcome = "LATE"
	OutcomeDisputed Outcome = "DISPUTED"
)

const (
	// EWMAAlpha is the latency smoothing factor.
	EWMAAlpha = 0.2
	// ReservoirSize bounds the recent samples kept for the P95 estimate.
	ReservoirSize = 100
)

// Record is the per-service reputation account.
type Record struct {
	ServiceID          string    `json:"serviceId"`
	Owner              string    `json:"owner,omitempty"`
	OK                 float64   `json:"ok"`
	Late               float64   `json:"late"`
	Disputed           float64   `json:"disputed"`
	BondBalance        int64     `json:"bondBalance"`
	EWMALatencyMs      float64   `json:"ewmaLatencyMs"`
	P95EstimateMs      float64   `json:"p95EstimateMs"`
	LatencySampleCount int64     `json:"latencySampleCount"`
	Samples            []int64   `json:"-"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// NewRecord returns an empty record for serviceID.
func NewRecord(serviceID string) *Record {
	return &Record{ServiceID: serviceID}
}

// Score is ok / (ok+late+disputed), or 1 with no history.
func (r *Record) Score() float64 {
	total := r.OK + r.Late + r.Disputed
	if total <= 0 {
		return 1
	}
	s := r.OK / total
	return math.Max(0, math.Min(1, s))
}

// HasBond reports a positive bond balance.
func (r *Record) HasBond() bool {
	return r.BondBalance > 0
}

func (r *Record) clone() *Record {
	cp := *r
	cp.Samples = append([]int64(nil), r.Samples...)
	return &cp
}

// applyWeighted adds a clamped weight to the outcome counter.
func (r *Record) applyWeighted(outcome Outcome, weight float64) error {
	w := clampWeight(weight)
	switch outcome {
	case OutcomeOK:
		r.OK += w
	case OutcomeLate:
		r.Late += w
	case OutcomeDisputed:
		r.Disputed += w
	default:
		return ErrInvalidOutcome
	}
	return nil
}

// applyLatency folds one sample into the EWMA and the P95 reservoir.
func (r *Record) applyLatency(sampleMs int64) {
	if sampleMs < 0 {
		sampleMs = 0
	}
	if r.LatencySampleCount == 0 {
		r.EWMALatencyMs = float64(sampleMs)
	} else {
		r.EWMALatencyMs = EWMAAlpha*float64(sampleMs) + (1-EWMAAlpha)*r.EWMALatencyMs
	}
	r.Samples = append(r.Samples, sampleMs)
	if len(r.Samples) > ReservoirSize {
		r.Samples = r.Samples[len(r.Samples)-ReservoirSize:]
	}
	r.P95EstimateMs = percentile(r.Samples, 0.95)
	r.LatencySampleCount++
}

// percentile is the nearest-rank percentile of samples.
func percentile(samples []int64, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]int64(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	rank := int(math.Ceil(p * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return float64(sorted[rank-1])
}

func clampWeight(w float64) float64 {
	if math.IsNaN(w) || w < 0 {
		return 0
	}
	if w > 1 {
		return 1
	}
	return w
}

// Stats is the read model served to clients and dashboards.
type Stats struct {
	ServiceID          string  `json:"serviceId"`
	OK                 float64 `json:"ok"`
	Late               float64 `json:"late"`
	Disputed           float64 `json:"disputed"`
	Score              float64 `json:"score"`
	HasBond            bool    `json:"hasBond"`
	BondBalance        int64   `json:"bondBalance"`
	EWMALatencyMs      float64 `json:"ewmaLatencyMs"`
	P95EstimateMs      float64 `json:"p95EstimateMs"`
	LatencySampleCount int64   `json:"latencySampleCount"`
}

// Stats returns the read model for r.
func (r *Record) Stats() Stats {
	return Stats{
		ServiceID:          r.ServiceID,
		OK:                 r.OK,
		Late:               r.Late,
		Disputed:           r.Disputed,
		Score:              r.Score(),
		HasBond:            r.HasBond(),
		BondBalance:        r.BondBalance,
		EWMALatencyMs:      r.EWMALatencyMs,
		P95EstimateMs:      r.P95EstimateMs,
		LatencySampleCount: r.LatencySampleCount,
	}
}

// Repository stores reputation records. Mutate runs fn on the current
// record (created empty when absent) and persists the result atomically.
type Repository interface {
	Get(ctx context.Context, serviceID string) (*Record, error)
	Upsert(ctx context.Context, r *Record) error
	ApplyWeightedOutcome(ctx context.Context, serviceID string, outcome Outcome, weight float64) (*Record, error)
	Mutate(ctx context.Context, serviceID string, fn func(*Record) error) (*Record, error)
	// Slash reduces the bond by up to amount, once per callID, and returns
	// the amount actually slashed.
	Slash(ctx context.Context, callID, serviceID string, amount int64) (int64, error)
	List(ctx context.Context) ([]*Record, error)
}
