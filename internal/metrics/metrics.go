// Package metrics defines the client's Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus metrics for refreshes, steps and operations.
// A nil *Metrics records nothing.
type Metrics struct {
	refreshTotal    *prometheus.CounterVec
	refreshDuration prometheus.Histogram
	snapshotBlock   prometheus.Gauge
	stepsTotal      *prometheus.CounterVec
	operationsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers the metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		refreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amm_refresh_total",
			Help: "State refreshes, labeled by result.",
		}, []string{"result"}),
		refreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "amm_refresh_duration_seconds",
			Help:    "Time taken to read a full block-pinned snapshot.",
			Buckets: prometheus.DefBuckets,
		}),
		snapshotBlock: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "amm_snapshot_block",
			Help: "Block number of the cached pool snapshot.",
		}),
		stepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amm_steps_total",
			Help: "Operation steps, labeled by step kind and outcome.",
		}, []string{"kind", "result"}),
		operationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amm_operations_total",
			Help: "Operations reaching a terminal phase, labeled by operation kind and phase.",
		}, []string{"kind", "result"}),
	}
	reg.MustRegister(m.refreshTotal, m.refreshDuration, m.snapshotBlock, m.stepsTotal, m.operationsTotal)
	return m
}

// ObserveRefresh records one refresh attempt.
func (m *Metrics) ObserveRefresh(err error, took time.Duration, block uint64) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.refreshTotal.WithLabelValues(result).Inc()
	m.refreshDuration.Observe(took.Seconds())
	if err == nil {
		m.snapshotBlock.Set(float64(block))
	}
}

// ObserveStep records a step outcome such as "confirmed", "reverted" or "skipped".
func (m *Metrics) ObserveStep(kind, result string) {
	if m == nil {
		return
	}
	m.stepsTotal.WithLabelValues(kind, result).Inc()
}

// ObserveOperation records an operation reaching a terminal phase.
func (m *Metrics) ObserveOperation(kind, result string) {
	if m == nil {
		return
	}
	m.operationsTotal.WithLabelValues(kind, result).Inc()
}
