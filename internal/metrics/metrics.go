package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	BarsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "emabot_bars_total", Help: "Bars received from the live stream"},
		[]string{"symbol"},
	)
	TriggersSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "emabot_triggers_skipped_total", Help: "Triggers dropped as duplicate or while a cycle was in flight"},
		[]string{"symbol"},
	)
	CyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "emabot_cycles_total", Help: "Decision cycles by outcome"},
		[]string{"symbol", "result"},
	)
	SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "emabot_signals_total", Help: "Crossover signals seen on the latest bar"},
		[]string{"symbol", "signal"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "emabot_orders_total", Help: "Orders submitted"},
		[]string{"symbol", "side", "type"},
	)
	CycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "emabot_cycle_duration_seconds", Help: "Wall time of one decision cycle", Buckets: prometheus.DefBuckets},
		[]string{"symbol"},
	)
)

func init() {
	prometheus.MustRegister(BarsTotal, TriggersSkipped, CyclesTotal, SignalsTotal, OrdersTotal, CycleDuration)
}

func Handler() http.Handler {
	return promhttp.Handler()
}
