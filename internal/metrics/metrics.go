// Package metrics defines the Prometheus collectors for the job pipeline
// and the cache. All collectors are registered on a private registry so
// tests can construct isolated instances.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the pipeline records into.
type Metrics struct {
	registry *prometheus.Registry

	JobsEnqueued  *prometheus.CounterVec
	JobsCompleted *prometheus.CounterVec
	JobsFailed    *prometheus.CounterVec
	JobsTimedOut  *prometheus.CounterVec
	JobsInFlight  prometheus.Gauge
	JobLatency    *prometheus.HistogramVec

	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	RealtimeClients prometheus.Gauge
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		JobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventcore_jobs_enqueued_total",
			Help: "Jobs accepted into the queue, by type.",
		}, []string{"type"}),
		JobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventcore_jobs_completed_total",
			Help: "Jobs that reached completed status, by type.",
		}, []string{"type"}),
		JobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventcore_jobs_failed_total",
			Help: "Jobs that reached failed status, by type.",
		}, []string{"type"}),
		JobsTimedOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventcore_jobs_timed_out_total",
			Help: "Jobs force-failed by the per-job timeout, by type.",
		}, []string{"type"}),
		JobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eventcore_jobs_in_flight",
			Help: "Jobs currently being processed by the worker loop.",
		}),
		JobLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "eventcore_job_latency_seconds",
			Help:    "Wall-clock time from claim to terminal status, by type.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		}, []string{"type"}),

		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventcore_cache_hits_total",
			Help: "Cache hits, by tier (memory|store).",
		}, []string{"tier"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "eventcore_cache_misses_total",
			Help: "Cache misses, by tier (memory|store).",
		}, []string{"tier"}),

		RealtimeClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eventcore_realtime_clients",
			Help: "Connected realtime websocket clients.",
		}),
	}

	m.registry.MustRegister(
		m.JobsEnqueued, m.JobsCompleted, m.JobsFailed, m.JobsTimedOut,
		m.JobsInFlight, m.JobLatency,
		m.CacheHits, m.CacheMisses,
		m.RealtimeClients,
	)
	return m
}

// Handler returns the HTTP handler serving the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
