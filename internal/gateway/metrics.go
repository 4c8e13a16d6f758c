package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("govcore.gateway")

var (
	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "govcore_gateway_decisions_total",
		Help: "Permission decisions by outcome and reason",
	}, []string{"outcome", "reason"})

	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "govcore_gateway_cache_hits_total",
		Help: "Permission requests answered from the decision cache",
	})

	escalationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "govcore_gateway_escalation_seconds",
		Help:    "Time spent waiting on the central authority",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})

	enginesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "govcore_gateway_engines",
		Help: "Registered engines",
	})
)

func observeDecision(granted bool, reason string) {
	outcome := "denied"
	if granted {
		outcome = "granted"
	}
	decisionsTotal.WithLabelValues(outcome, reason).Inc()
}
