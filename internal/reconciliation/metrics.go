package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	driftGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "assured",
		Subsystem: "reconciliation",
		Name:      "drifts",
		Help:      "Transcripts disagreeing with their escrow call in the last run, by kind.",
	}, []string{"kind"})

	repairedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "assured",
		Subsystem: "reconciliation",
		Name:      "repaired_total",
		Help:      "Transcript outcomes overwritten from the escrow ledger.",
	})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "assured",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	errorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "assured",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Escrow lookups that failed during reconciliation.",
	})
)

func init() {
	prometheus.MustRegister(driftGauge, repairedTotal, runDuration, errorsTotal)
}
