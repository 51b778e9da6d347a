package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the Prometheus metrics of the graph service and its clients.
// Each collector owns a private registry so tests can build as many as they like.
type Collector struct {
	registry *prometheus.Registry

	ChangesApplied *prometheus.CounterVec
	Snapshots      *prometheus.CounterVec
	Mutations      *prometheus.CounterVec
	MutationTime   *prometheus.HistogramVec
	LiveClients    prometheus.Gauge
	Notifications  *prometheus.CounterVec
}

// NewCollector creates a collector with all metrics registered under namespace.
func NewCollector(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		ChangesApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changes_applied_total",
			Help:      "Live-change events seen by a synchronizer, by entity and outcome.",
		}, []string{"entity", "outcome"}),
		Snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "Snapshot loads, by status.",
		}, []string{"status"}),
		Mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutations_total",
			Help:      "Mutation requests, by operation and status.",
		}, []string{"operation", "status"}),
		MutationTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mutation_duration_seconds",
			Help:      "Mutation request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		LiveClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_clients",
			Help:      "Open live-change websocket connections.",
		}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "User-facing notifications, by level.",
		}, []string{"level"}),
	}
	c.registry.MustRegister(
		c.ChangesApplied,
		c.Snapshots,
		c.Mutations,
		c.MutationTime,
		c.LiveClients,
		c.Notifications,
	)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the collector's metrics in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
