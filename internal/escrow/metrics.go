package escrow

import "github.com/prometheus/client_golang/prometheus"

var (
	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "assured",
		Subsystem: "escrow",
		Name:      "transitions_total",
		Help:      "Escrow state transitions by target status.",
	}, []string{"status"})

	settlementsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "assured",
		Subsystem: "escrow",
		Name:      "settlements_total",
		Help:      "Settled calls by outcome.",
	}, []string{"outcome"}) // "released", "refunded"

	settlementFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "assured",
		Subsystem: "escrow",
		Name:      "settlement_failures_total",
		Help:      "Settle calls that failed to move custody funds.",
	})

	disputesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "assured",
		Subsystem: "escrow",
		Name:      "disputes_total",
		Help:      "Disputes raised by evidence kind.",
	}, []string{"kind"})

	chunksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "assured",
		Subsystem: "escrow",
		Name:      "chunks_total",
		Help:      "Partial fulfillment chunks recorded.",
	})

	settleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "assured",
		Subsystem: "escrow",
		Name:      "settle_duration_seconds",
		Help:      "Time spent in Settle including custody movement.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		transitionsTotal,
		settlementsTotal,
		settlementFailures,
		disputesTotal,
		chunksTotal,
		settleDuration,
	)
}
