package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Metrics holds the pipeline's Prometheus collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	observationsWritten  *prometheus.CounterVec
	observationsRejected *prometheus.CounterVec
	sourceFailures       *prometheus.CounterVec
	stageDuration        *prometheus.HistogramVec
	indexValue           *prometheus.GaugeVec
	alertEvents          *prometheus.CounterVec
	runs                 *prometheus.CounterVec
	lastRun              prometheus.Gauge
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		observationsWritten: f.NewCounterVec(prometheus.CounterOpts{
			Name: "macro_observations_written_total",
			Help: "Observations inserted or revised, by source",
		}, []string{"source"}),
		observationsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "macro_observations_rejected_total",
			Help: "Observations rejected by validation, by source",
		}, []string{"source"}),
		sourceFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "macro_source_failures_total",
			Help: "Sources that failed a run",
		}, []string{"source"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "macro_stage_duration_seconds",
			Help:    "Pipeline stage wall time",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"stage"}),
		indexValue: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "macro_index_value",
			Help: "Latest defined composite index value",
		}, []string{"index", "regime"}),
		alertEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "macro_alert_events_total",
			Help: "Alert events emitted, by kind",
		}, []string{"kind"}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "macro_runs_total",
			Help: "Pipeline runs by final status",
		}, []string{"status"}),
		lastRun: f.NewGauge(prometheus.GaugeOpts{
			Name: "macro_last_run_timestamp_seconds",
			Help: "Unix time of the last finished run",
		}),
	}
}

// ObservationsWritten adds n written rows for source.
func (m *Metrics) ObservationsWritten(source string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.observationsWritten.WithLabelValues(source).Add(float64(n))
}

// ObservationsRejected adds n rejected rows for source.
func (m *Metrics) ObservationsRejected(source string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.observationsRejected.WithLabelValues(source).Add(float64(n))
}

// SourceFailed counts one failed source.
func (m *Metrics) SourceFailed(source string) {
	if m == nil {
		return
	}
	m.sourceFailures.WithLabelValues(source).Inc()
}

// StageDuration observes a stage's wall time.
func (m *Metrics) StageDuration(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// IndexValue sets the latest value of an index. The regime label replaces any previous one.
func (m *Metrics) IndexValue(index, regime string, v float64) {
	if m == nil {
		return
	}
	m.indexValue.DeletePartialMatch(prometheus.Labels{"index": index})
	m.indexValue.WithLabelValues(index, regime).Set(v)
}

// AlertEvent counts an emitted alert event.
func (m *Metrics) AlertEvent(kind string) {
	if m == nil {
		return
	}
	m.alertEvents.WithLabelValues(kind).Inc()
}

// RunFinished records a run's final status.
func (m *Metrics) RunFinished(status string, at time.Time) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
	m.lastRun.Set(float64(at.Unix()))
}

// Gatherer exposes the registry for tests and handlers.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Push sends the registry to a Pushgateway. Batch runs exit before a scrape would happen.
func (m *Metrics) Push(ctx context.Context, url, job string) error {
	if m == nil || url == "" {
		return nil
	}
	if err := push.New(url, job).Gatherer(m.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
