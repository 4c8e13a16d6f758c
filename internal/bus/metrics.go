package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "govcore_bus_published_total",
		Help: "Events published on the bus by type",
	}, []string{"type"})

	handlerErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "govcore_bus_handler_errors_total",
		Help: "Handler failures isolated during dispatch by event type",
	}, []string{"type"})

	guardedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "govcore_bus_guarded_total",
		Help: "Events refused by the pre-dispatch guard by type",
	}, []string{"type"})

	subscriptionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "govcore_bus_subscriptions",
		Help: "Live subscriptions across all buses in the process",
	})
)
