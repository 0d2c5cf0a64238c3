// Package metrics holds the Prometheus collectors for refresh cycles, upstream
// calls and the published snapshot.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "cforg"

// Cycle outcomes.
const (
	OutcomeCommitted = "committed"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// Metrics groups every collector. A nil *Metrics is valid and records nothing,
// so components can be built without a registry in tests.
type Metrics struct {
	cyclesTotal      *prometheus.CounterVec
	cycleDuration    prometheus.Histogram
	lastSuccess      prometheus.Gauge
	upstreamRequests *prometheus.CounterVec
	upstreamRetries  *prometheus.CounterVec
	poolInflight     prometheus.Gauge
	snapshotRows     *prometheus.GaugeVec
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		cyclesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Refresh cycles by outcome.",
		}, []string{"outcome"}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of refresh cycles.",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 2400, 3600},
		}),
		lastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last committed snapshot.",
		}),
		upstreamRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Upstream fetches by kind and outcome.",
		}, []string{"kind", "outcome"}),
		upstreamRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_retries_total",
			Help:      "Retries after transient upstream failures.",
		}, []string{"kind"}),
		poolInflight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_inflight",
			Help:      "Fetches currently running in the worker pool.",
		}),
		snapshotRows: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_rows",
			Help:      "Rows per table in the published snapshot.",
		}, []string{"table"}),
	}
}

// ObserveCycle records one finished cycle.
func (m *Metrics) ObserveCycle(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.cyclesTotal.WithLabelValues(outcome).Inc()
	if outcome == OutcomeSkipped {
		return
	}
	m.cycleDuration.Observe(d.Seconds())
	if outcome == OutcomeCommitted {
		m.lastSuccess.SetToCurrentTime()
	}
}

// UpstreamRequest counts one upstream fetch by outcome ("ok", "transient", "permanent").
func (m *Metrics) UpstreamRequest(kind, outcome string) {
	if m == nil {
		return
	}
	m.upstreamRequests.WithLabelValues(kind, outcome).Inc()
}

// UpstreamRetry counts one retry.
func (m *Metrics) UpstreamRetry(kind string) {
	if m == nil {
		return
	}
	m.upstreamRetries.WithLabelValues(kind).Inc()
}

// PoolStarted and PoolDone track in-flight pool work.
func (m *Metrics) PoolStarted() {
	if m == nil {
		return
	}
	m.poolInflight.Inc()
}

func (m *Metrics) PoolDone() {
	if m == nil {
		return
	}
	m.poolInflight.Dec()
}

// SnapshotRows sets the row gauges after a commit.
func (m *Metrics) SnapshotRows(counts map[string]int) {
	if m == nil {
		return
	}
	for table, n := range counts {
		m.snapshotRows.WithLabelValues(table).Set(float64(n))
	}
}
