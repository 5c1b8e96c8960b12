// Package metrics exposes orchestrator metrics on a private Prometheus
// registry. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "siterecovery"

// Metrics holds all Prometheus metrics
type Metrics struct {
	SyncCycles       *prometheus.CounterVec
	RecoveryPoints   *prometheus.CounterVec
	PrunedPoints     prometheus.Counter
	DegradedCycles   prometheus.Counter
	StagedBytes      prometheus.Counter
	ReplicationLag   *prometheus.GaugeVec
	Failovers        *prometheus.CounterVec
	FailoverDuration prometheus.Histogram
	Requests         *prometheus.CounterVec
	RequestLatency   *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates and registers all metrics on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		SyncCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_cycles_total",
				Help:      "Replication cycles by result",
			},
			[]string{"result"},
		),
		RecoveryPoints: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recovery_points_committed_total",
				Help:      "Recovery points committed by consistency",
			},
			[]string{"consistency"},
		),
		PrunedPoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_points_pruned_total",
			Help:      "Recovery points dropped after retention",
		}),
		DegradedCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_degraded_total",
			Help:      "App-consistent cycles that fell back to crash consistency",
		}),
		StagedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "staged_bytes_total",
			Help:      "Compressed bytes written to staging storage",
		}),
		ReplicationLag: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "replication_lag_seconds",
				Help:      "Age of the newest recovery point per protected item",
			},
			[]string{"item_id"},
		),
		Failovers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "failovers_total",
				Help:      "Failovers by result",
			},
			[]string{"result"},
		),
		FailoverDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "failover_duration_seconds",
			Help:      "Wall time of failover attempts",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Management API requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Management API latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.SyncCycles,
		m.RecoveryPoints,
		m.PrunedPoints,
		m.DegradedCycles,
		m.StagedBytes,
		m.ReplicationLag,
		m.Failovers,
		m.FailoverDuration,
		m.Requests,
		m.RequestLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the /metrics handler
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCycle counts a replication cycle outcome.
func (m *Metrics) ObserveCycle(result string) {
	if m == nil {
		return
	}
	m.SyncCycles.WithLabelValues(result).Inc()
}

// ObservePoint counts a committed recovery point.
func (m *Metrics) ObservePoint(consistency string) {
	if m == nil {
		return
	}
	m.RecoveryPoints.WithLabelValues(consistency).Inc()
}

// ObserveStaged counts bytes written to staging storage.
func (m *Metrics) ObserveStaged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.StagedBytes.Add(float64(n))
}

// ObservePruned counts pruned recovery points.
func (m *Metrics) ObservePruned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.PrunedPoints.Add(float64(n))
}

// ObserveDegraded counts a degraded cycle.
func (m *Metrics) ObserveDegraded() {
	if m == nil {
		return
	}
	m.DegradedCycles.Inc()
}

// SetLag records an item's replication lag.
func (m *Metrics) SetLag(itemID string, lag time.Duration) {
	if m == nil {
		return
	}
	m.ReplicationLag.WithLabelValues(itemID).Set(lag.Seconds())
}

// ForgetItem drops per-item series once an item stops replicating.
func (m *Metrics) ForgetItem(itemID string) {
	if m == nil {
		return
	}
	m.ReplicationLag.DeleteLabelValues(itemID)
}

// ObserveFailover records a failover attempt.
func (m *Metrics) ObserveFailover(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.Failovers.WithLabelValues(result).Inc()
	m.FailoverDuration.Observe(took.Seconds())
}

// ObserveRequest records an API request.
func (m *Metrics) ObserveRequest(method, route string, status int, took time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.RequestLatency.WithLabelValues(method, route).Observe(took.Seconds())
}
