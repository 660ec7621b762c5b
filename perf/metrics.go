package perf

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics mirrors the pool's aggregates as Prometheus collectors.
type Metrics struct {
	Spawned      prometheus.Counter
	Active       prometheus.Gauge
	Finished     prometheus.Counter
	Errored      prometheus.Counter
	Messages     prometheus.Counter
	StartLatency prometheus.Histogram
}

// NewMetrics builds and registers the pool collectors. Passing nil uses the
// default registerer; tests pass their own registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		Spawned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ocppsim_perf_sessions_spawned_total",
			Help: "Sessions admitted by the load pool scheduler.",
		}),
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ocppsim_perf_sessions_active",
			Help: "Sessions currently in a non-terminal state.",
		}),
		Finished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ocppsim_perf_sessions_finished_total",
			Help: "Sessions that completed the full charge sequence.",
		}),
		Errored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ocppsim_perf_sessions_errored_total",
			Help: "Sessions that ended in the error state.",
		}),
		Messages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ocppsim_perf_messages_total",
			Help: "Protocol messages exchanged by pool sessions.",
		}),
		StartLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ocppsim_perf_start_transaction_seconds",
			Help:    "StartTransaction round-trip latency.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
	}
	reg.MustRegister(m.Spawned, m.Active, m.Finished, m.Errored, m.Messages, m.StartLatency)
	return m
}
