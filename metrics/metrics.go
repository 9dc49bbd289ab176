// Package metrics holds the Prometheus collectors exported by the point
// ledger. A nil *Metrics is valid and records nothing, so components can be
// constructed without metrics in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
)

const (
	namespace = "points"

	ResultSuccess = "success"
	ResultError   = "error"
)

// Metrics groups every collector the engine updates.
type Metrics struct {
	operations    *prometheus.CounterVec
	operationTime *prometheus.HistogramVec
	pointsMoved   *prometheus.CounterVec
	sweepRuns     *prometheus.CounterVec
	sweepExpired  prometheus.Counter
	sweepFailures prometheus.Counter
	sweepDuration prometheus.Histogram
	notifications prometheus.Counter
	repairs       prometheus.Counter
}

// New registers the collectors on reg. Passing prometheus.DefaultRegisterer
// exposes them on the default /metrics handler.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Ledger operations by operation and result",
		}, []string{"operation", "result"}),
		operationTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Ledger operation latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		pointsMoved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "moved_total",
			Help:      "Points moved by entry type",
		}, []string{"type"}),
		sweepRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_runs_total",
			Help:      "Expiry sweeps by result",
		}, []string{"result"}),
		sweepExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_expired_entries_total",
			Help:      "Entries expired by sweeps",
		}),
		sweepFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_user_failures_total",
			Help:      "Per-user failures skipped during sweeps",
		}),
		sweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Expiry sweep duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		notifications: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expiry_notifications_total",
			Help:      "Expiry notifications emitted",
		}),
		repairs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "balance_repairs_total",
			Help:      "Balance aggregates rebuilt from entries after a stale read",
		}),
	}
}

// ObserveOperation records one ledger operation.
func (m *Metrics) ObserveOperation(op string, started time.Time, err error) {
	if m == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultError
	}
	m.operations.WithLabelValues(op, result).Inc()
	m.operationTime.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

// AddPoints records points moved by an entry of the given type.
func (m *Metrics) AddPoints(entryType string, amount decimal.Decimal) {
	if m == nil {
		return
	}
	f, _ := amount.Abs().Float64()
	m.pointsMoved.WithLabelValues(entryType).Add(f)
}

// ObserveSweep records a completed sweep.
func (m *Metrics) ObserveSweep(started time.Time, expired, failures int, err error) {
	if m == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultError
	}
	m.sweepRuns.WithLabelValues(result).Inc()
	m.sweepExpired.Add(float64(expired))
	m.sweepFailures.Add(float64(failures))
	m.sweepDuration.Observe(time.Since(started).Seconds())
}

// AddNotifications records emitted expiry notifications.
func (m *Metrics) AddNotifications(n int) {
	if m == nil {
		return
	}
	m.notifications.Add(float64(n))
}

// IncRepairs records a balance rebuild.
func (m *Metrics) IncRepairs() {
	if m == nil {
		return
	}
	m.repairs.Inc()
}
