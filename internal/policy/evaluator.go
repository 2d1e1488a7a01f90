package policy

import (
	"context"
	"fmt"

	"github.com/mbd888/assured/internal/paywall"
	"github.com/mbd888/assured/internal/usdc"
	"github.com/prometheus/client_golang/prometheus"
)

var rejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "assured",
	Subsystem: "policy",
	Name:      "rejections_total",
	Help:      "Payments refused before they were attempted, by clause.",
}, []string{"clause"})

func init() {
	prometheus.MustRegister(rejectionsTotal)
}

// ReputationReader reads registry estimates. found=false means the service
// has no recorded history.
type ReputationReader interface {
	Score(ctx context.Context, serviceID string) (score float64, found bool, err error)
	P95(ctx context.Context, serviceID string) (p95Ms float64, found bool, err error)
}

// Evaluate checks req against p in clause order and returns the first
// *Violation. Read failures reject too; nothing is paid on doubt.
func Evaluate(ctx context.Context, p Policy, req *paywall.Requirement, reader ReputationReader) error {
	if err := evaluate(ctx, p, req, reader); err != nil {
		if v, ok := AsViolation(err); ok {
			rejectionsTotal.WithLabelValues(v.Clause).Inc()
		}
		return err
	}
	return nil
}

func evaluate(ctx context.Context, p Policy, req *paywall.Requirement, reader ReputationReader) error {
	if req == nil {
		return &Violation{Clause: ClauseRequirement, Detail: "no payment requirement"}
	}
	if err := p.Validate(); err != nil {
		return err
	}
	serviceID := req.Extension.ServiceID

	price, err := req.PriceMinor()
	if err != nil {
		return &Violation{Clause: ClauseMaxPrice, Detail: fmt.Sprintf("unparseable price %q", req.Price)}
	}
	if p.MaxPrice != nil && price > p.maxPriceMinor() {
		return &Violation{Clause: ClauseMaxPrice, Detail: fmt.Sprintf("price %s exceeds max %s",
			usdc.FormatMinor(price), usdc.FormatMinor(p.maxPriceMinor()))}
	}

	if p.RequireSLA && req.Extension.SLAMs <= 0 {
		return &Violation{Clause: ClauseRequireSLA, Detail: "no SLA advertised"}
	}

	if p.MinReputation > 0 {
		if reader == nil {
			return &Violation{Clause: ClauseMinReputation, Detail: "no reputation source"}
		}
		score, found, err := reader.Score(ctx, serviceID)
		if err != nil {
			return &Violation{Clause: ClauseMinReputation, Detail: "reputation unavailable: " + err.Error()}
		}
		if !found {
			score = 1
		}
		if score < p.MinReputation {
			return &Violation{Clause: ClauseMinReputation, Detail: fmt.Sprintf("score %.3f below %.3f", score, p.MinReputation)}
		}
	}

	if p.SLAP95MaxMs != nil {
		if reader == nil {
			return &Violation{Clause: ClauseSLAP95MaxMs, Detail: "no latency source"}
		}
		p95, found, err := reader.P95(ctx, serviceID)
		if err != nil {
			return &Violation{Clause: ClauseSLAP95MaxMs, Detail: "latency unavailable: " + err.Error()}
		}
		if found && p95 > *p.SLAP95MaxMs {
			return &Violation{Clause: ClauseSLAP95MaxMs, Detail: fmt.Sprintf("p95 %.0fms exceeds %.0fms", p95, *p.SLAP95MaxMs)}
		}
	}
	return nil
}
