package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

const namespace = "payouts"

// Metrics tracks payment engine metrics on its own registry
type Metrics struct {
	registry *prometheus.Registry

	enqueuedPayments  prometheus.Counter
	completedPayments prometheus.Counter
	failedPayments    prometheus.Counter
	retriedPayments   prometheus.Counter
	paymentDuration   prometheus.Histogram

	monitorTransactions *prometheus.CounterVec
	recurringPayments   *prometheus.CounterVec
	lowBalanceAlerts    prometheus.Counter
	sweepsSkipped       *prometheus.CounterVec
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		enqueuedPayments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enqueued_payments_total",
			Help:      "Total task payments enqueued",
		}),
		completedPayments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completed_payments_total",
			Help:      "Total task payments confirmed on chain",
		}),
		failedPayments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failed_payments_total",
			Help:      "Total task payments moved to the dead letter queue",
		}),
		retriedPayments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retried_payments_total",
			Help:      "Total task payment attempts rescheduled after a transient failure",
		}),
		paymentDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payment_duration_seconds",
			Help:      "Task payment execution time in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 160, 320},
		}),
		monitorTransactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_transactions_total",
			Help:      "Pending transactions checked by the confirmation monitor, by outcome",
		}, []string{"result"}),
		recurringPayments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recurring_payments_total",
			Help:      "Recurring payments handled by the scheduler, by outcome",
		}, []string{"result"}),
		lowBalanceAlerts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "low_balance_alerts_total",
			Help:      "Total low balance alerts emitted",
		}),
		sweepsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_skipped_total",
			Help:      "Sweeps skipped because another instance held the lock",
		}, []string{"sweep"}),
	}

	m.registry.MustRegister(
		m.enqueuedPayments,
		m.completedPayments,
		m.failedPayments,
		m.retriedPayments,
		m.paymentDuration,
		m.monitorTransactions,
		m.recurringPayments,
		m.lowBalanceAlerts,
		m.sweepsSkipped,
	)
	return m
}

// IncrementEnqueuedPayments increments the enqueued payments counter
func (m *Metrics) IncrementEnqueuedPayments() {
	m.enqueuedPayments.Inc()
}

// RecordCompletedPayment counts a confirmed payment and its execution time
func (m *Metrics) RecordCompletedPayment(d time.Duration) {
	m.completedPayments.Inc()
	m.paymentDuration.Observe(d.Seconds())
}

// IncrementFailedPayments increments the failed payments counter
func (m *Metrics) IncrementFailedPayments() {
	m.failedPayments.Inc()
}

// IncrementRetriedPayments increments the retried payments counter
func (m *Metrics) IncrementRetriedPayments() {
	m.retriedPayments.Inc()
}

// RecordMonitorResult counts one monitor outcome: confirmed, failed, pending, error, escalated
func (m *Metrics) RecordMonitorResult(result string, n int) {
	if n > 0 {
		m.monitorTransactions.WithLabelValues(result).Add(float64(n))
	}
}

// RecordRecurringResult counts scheduler outcomes: processed, paused, failed
func (m *Metrics) RecordRecurringResult(result string, n int) {
	if n > 0 {
		m.recurringPayments.WithLabelValues(result).Add(float64(n))
	}
}

// IncrementLowBalanceAlerts increments the low balance alerts counter
func (m *Metrics) IncrementLowBalanceAlerts() {
	m.lowBalanceAlerts.Inc()
}

// IncrementSweepsSkipped counts a sweep skipped on a busy lock
func (m *Metrics) IncrementSweepsSkipped(sweep string) {
	m.sweepsSkipped.WithLabelValues(sweep).Inc()
}

// Registry exposes the registry for tests and extra collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// GetSnapshot returns a snapshot of all counters keyed by short name.
// Labelled counters are keyed name.label, histograms report their sample count.
func (m *Metrics) GetSnapshot() map[string]int64 {
	out := make(map[string]int64)
	families, err := m.registry.Gather()
	if err != nil {
		return out
	}
	for _, mf := range families {
		name := strings.TrimPrefix(mf.GetName(), namespace+"_")
		name = strings.TrimSuffix(name, "_total")
		for _, metric := range mf.GetMetric() {
			key := name
			for _, lp := range metric.GetLabel() {
				key += "." + lp.GetValue()
			}
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				out[key] = int64(metric.GetCounter().GetValue())
			case dto.MetricType_HISTOGRAM:
				out[key+"_count"] = int64(metric.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}
