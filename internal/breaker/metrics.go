package breaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	loopBlocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "govcore_breaker_loop_blocks_total",
		Help: "Emissions blocked by the loop guard",
	}, []string{"type"})

	safetyBreaksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "govcore_breaker_safety_breaks_total",
		Help: "Safety breaks engaged, by cause",
	}, []string{"cause"})

	riskGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "govcore_breaker_risk",
		Help: "Most recent risk score",
	})

	safeModeGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "govcore_breaker_safe_mode",
		Help: "1 while safe mode is active",
	})
)
