// Package metrics holds the Prometheus collectors of the relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector, registered on its own registry so tests can
// build as many instances as they like.
type Metrics struct {
	Registry *prometheus.Registry

	// Upstream HTTP
	UpstreamRequests *prometheus.CounterVec
	UpstreamDuration *prometheus.HistogramVec
	LimiterWait      *prometheus.HistogramVec
	LimiterBackoffs  *prometheus.CounterVec

	// Cache
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	// Streaming
	UpstreamSessions prometheus.Gauge
	UpstreamFrames   *prometheus.CounterVec
	Broadcasts       *prometheus.CounterVec
	DroppedClients   prometheus.Counter
	Clients          prometheus.Gauge
}

// New creates and registers the collectors under the given namespace.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		UpstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "requests_total",
			Help:      "Upstream HTTP requests by method and status class",
		}, []string{"method", "status"}),
		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "request_duration_seconds",
			Help:      "Upstream HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		LimiterWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for a limiter slot",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15},
		}, []string{"rule"}),
		LimiterBackoffs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "backoffs_total",
			Help:      "HTTP 429 responses that paused a rule",
		}, []string{"rule"}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Cache hits by operation",
		}, []string{"op"}),
		CacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Cache misses by operation",
		}, []string{"op"}),
		UpstreamSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "upstream_sessions",
			Help:      "Open upstream WebSocket sessions",
		}),
		UpstreamFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "upstream_messages_total",
			Help:      "Upstream messages by topic family",
		}, []string{"topic"}),
		Broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "broadcasts_total",
			Help:      "Events broadcast to downstream clients by type",
		}, []string{"type"}),
		DroppedClients: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "dropped_clients_total",
			Help:      "Downstream clients dropped for being slow or failing a send",
		}),
		Clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "clients",
			Help:      "Attached downstream clients",
		}),
	}

	reg.MustRegister(
		m.UpstreamRequests,
		m.UpstreamDuration,
		m.LimiterWait,
		m.LimiterBackoffs,
		m.CacheHits,
		m.CacheMisses,
		m.UpstreamSessions,
		m.UpstreamFrames,
		m.Broadcasts,
		m.DroppedClients,
		m.Clients,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}
