package reputation

import "github.com/prometheus/client_golang/prometheus"

var (
	outcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "assured",
		Subsystem: "reputation",
		Name:      "outcomes_total",
		Help:      "Weighted outcome updates by outcome.",
	}, []string{"outcome"})

	bondSlashesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "assured",
		Subsystem: "reputation",
		Name:      "bond_slashes_total",
		Help:      "Bond slash operations applied.",
	})

	bondSlashedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "assured",
		Subsystem: "reputation",
		Name:      "bond_slashed_minor_total",
		Help:      "Total bond slashed in minor units.",
	})

	latencyObserved = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "assured",
		Subsystem: "reputation",
		Name:      "delivery_latency_ms",
		Help:      "Delivery latency samples in milliseconds.",
		Buckets:   []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000},
	})
)

func init() {
	prometheus.MustRegister(
		outcomesTotal,
		bondSlashesTotal,
		bondSlashedTotal,
		latencyObserved,
	)
}
