package webhook

import "github.com/prometheus/client_golang/prometheus"

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_webhook_requests_total",
			Help: "Total webhook ingress requests by outcome.",
		},
		[]string{"outcome"},
	)

	deliveriesProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_webhook_deliveries_processed_total",
			Help: "Per-PR event applications by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal, deliveriesProcessedTotal)
}

func recordOutcome(outcome string) {
	requestsTotal.WithLabelValues(outcome).Inc()
}

func recordDelivery(result string) {
	deliveriesProcessedTotal.WithLabelValues(result).Inc()
}
