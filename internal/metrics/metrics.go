// Package metrics registers the process's prometheus collectors. The
// teacher's go.mod declares prometheus/client_golang but never imports it
// anywhere in its own tree; this package is where this rewrite wires it in
// for real, covering the orchestrator and engine's observable counters.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric this process exposes on /metrics.
type Registry struct {
	reg *prometheus.Registry

	ActiveInstances   prometheus.Gauge
	BarsProcessed     *prometheus.CounterVec
	OrdersSubmitted   *prometheus.CounterVec
	OrderSubmitErrors *prometheus.CounterVec
	ReconcileMismatch *prometheus.CounterVec
	QueueRetries      *prometheus.CounterVec
	CompileFailures   prometheus.Counter
	BarProcessSeconds *prometheus.HistogramVec
}

// NewRegistry constructs and registers all collectors against a fresh
// prometheus registry (not the global default, so tests can build as many
// independent Registries as they like).
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		ActiveInstances: factory.NewGauge(prometheus.GaugeOpts{
			Name: "orchestrator_active_instances",
			Help: "Number of strategy instances currently ACTIVE.",
		}),
		BarsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_bars_processed_total",
			Help: "Bars handed to engine.ProcessBar, by symbol and timeframe.",
		}, []string{"symbol", "timeframe"}),
		OrdersSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_orders_submitted_total",
			Help: "Orders submitted via the broker façade, by symbol and side.",
		}, []string{"symbol", "side"}),
		OrderSubmitErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_order_submit_errors_total",
			Help: "Order submission failures, by symbol and error kind.",
		}, []string{"symbol", "kind"}),
		ReconcileMismatch: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_reconcile_mismatches_total",
			Help: "Times broker-truth reconciliation diverged from local state.",
		}, []string{"symbol"}),
		QueueRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchestrator_operation_queue_retries_total",
			Help: "Operation-queue retry attempts, by symbol.",
		}, []string{"symbol"}),
		CompileFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchestrator_compile_failures_total",
			Help: "Strategy documents that failed to compile.",
		}),
		BarProcessSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchestrator_bar_process_seconds",
			Help:    "Wall-clock time to run engine.ProcessBar.",
			Buckets: prometheus.DefBuckets,
		}, []string{"symbol"}),
	}
}

// Handler returns the HTTP handler to mount at /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
