package adaptive

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/anthropics/governance-core/internal/domain"
)

var (
	sensitivityGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "govcore_adaptive_sensitivity",
		Help: "Current loop guard sensitivity",
	})
	debounceGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "govcore_adaptive_debounce_ms",
		Help: "Current debounce applied to restricted engines",
	})
	evolutionGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "govcore_adaptive_evolution_score",
		Help: "Current evolution score",
	})
)

func publishGauges(p domain.Parameters) {
	sensitivityGauge.Set(p.Sensitivity)
	debounceGauge.Set(float64(p.DebounceMs))
	evolutionGauge.Set(p.EvolutionScore)
}
