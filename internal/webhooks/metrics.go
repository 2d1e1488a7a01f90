package webhooks

import "github.com/prometheus/client_golang/prometheus"

var (
	emitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "assured",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	emitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "assured",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook deliveries that exhausted their retries, by event type.",
	}, []string{"event_type"})

	inboundTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "assured",
		Subsystem: "webhook",
		Name:      "inbound_total",
		Help:      "Inbound provider webhooks by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(emitTotal, emitErrors, inboundTotal)
}
