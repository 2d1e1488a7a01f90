package settlement

import "github.com/prometheus/client_golang/prometheus"

var (
	requirementsIssued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "assured",
		Subsystem: "settlement",
		Name:      "requirements_issued_total",
		Help:      "Payment requirements issued to unpaid probes.",
	}, []string{"service"})

	deliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "assured",
		Subsystem: "settlement",
		Name:      "deliveries_total",
		Help:      "Paid deliveries by result.",
	}, []string{"service", "result"}) // "delivered", "redelivered", "rejected", "failed"

	slaBreachesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "assured",
		Subsystem: "settlement",
		Name:      "sla_breaches_total",
		Help:      "Deliveries that exceeded the advertised SLA.",
	}, []string{"service"})

	deliveryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "assured",
		Subsystem: "settlement",
		Name:      "delivery_duration_seconds",
		Help:      "Time from call start to final release.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2, 5, 10},
	}, []string{"service"})

	ledgerRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "assured",
		Subsystem: "settlement",
		Name:      "ledger_retries_total",
		Help:      "Ledger calls retried within a request.",
	})
)

func init() {
	prometheus.MustRegister(
		requirementsIssued,
		deliveriesTotal,
		slaBreachesTotal,
		deliveryDuration,
		ledgerRetries,
	)
}
