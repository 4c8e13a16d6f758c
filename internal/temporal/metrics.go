package temporal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var anomaliesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "govcore_temporal_anomalies_total",
	Help: "Timing anomalies detected per scope",
}, []string{"scope"})
