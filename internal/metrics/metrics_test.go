package metrics

import (
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_IncrementEnqueuedPayments(t *testing.T) {
	m := NewMetrics()
	m.IncrementEnqueuedPayments()

	snapshot := m.GetSnapshot()
	if snapshot["enqueued_payments"] != 1 {
		t.Errorf("expected enqueued_payments 1, got %d", snapshot["enqueued_payments"])
	}
}

func TestMetrics_RecordCompletedPayment(t *testing.T) {
	m := NewMetrics()
	m.RecordCompletedPayment(3 * time.Second)

	snapshot := m.GetSnapshot()
	if snapshot["completed_payments"] != 1 {
		t.Errorf("expected completed_payments 1, got %d", snapshot["completed_payments"])
	}
	if snapshot["payment_duration_seconds_count"] != 1 {
		t.Errorf("expected payment_duration_seconds_count 1, got %d", snapshot["payment_duration_seconds_count"])
	}
}

func TestMetrics_LabelledCounters(t *testing.T) {
	m := NewMetrics()
	m.RecordRecurringResult("processed", 2)
	m.RecordRecurringResult("paused", 1)
	m.RecordRecurringResult("failed", 0)
	m.RecordMonitorResult("confirmed", 3)
	m.IncrementSweepsSkipped("recurring")

	snapshot := m.GetSnapshot()
	assert.Equal(t, int64(2), snapshot["recurring_payments.processed"])
	assert.Equal(t, int64(1), snapshot["recurring_payments.paused"])
	_, hasFailed := snapshot["recurring_payments.failed"]
	assert.False(t, hasFailed)
	assert.Equal(t, int64(3), snapshot["monitor_transactions.confirmed"])
	assert.Equal(t, int64(1), snapshot["sweeps_skipped.recurring"])
}

func TestMetrics_ConcurrentAccess(t *testing.T) {
	m := NewMetrics()
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.IncrementEnqueuedPayments()
			m.IncrementFailedPayments()
			m.IncrementRetriedPayments()
			m.IncrementLowBalanceAlerts()
		}()
	}
	wg.Wait()

	assert.Equal(t, float64(100), testutil.ToFloat64(m.enqueuedPayments))
	assert.Equal(t, float64(100), testutil.ToFloat64(m.failedPayments))

	snapshot := m.GetSnapshot()
	assert.Equal(t, int64(100), snapshot["retried_payments"])
	assert.Equal(t, int64(100), snapshot["low_balance_alerts"])
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics()
	m.IncrementEnqueuedPayments()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "payouts_enqueued_payments_total 1")
}
