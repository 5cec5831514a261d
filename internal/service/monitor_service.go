package service

import (
	"context"
	"fmt"
	"log/slog"
	"payout-engine/internal/alerts"
	"payout-engine/internal/chain"
	"payout-engine/internal/metrics"
	"payout-engine/internal/models"
	"payout-engine/internal/obs"
	"payout-engine/internal/repository"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MonitorConfig configures the confirmation monitor
type MonitorConfig struct {
	Interval     time.Duration
	Window       time.Duration
	QueryTimeout time.Duration
}

// SweepResult summarizes one monitor pass
type SweepResult struct {
	Checked      int `json:"checked"`
	Confirmed    int `json:"confirmed"`
	Failed       int `json:"failed"`
	StillPending int `json:"still_pending"`
	Errors       int `json:"errors"`
	Escalated    int `json:"escalated"`
}

// ConfirmationMonitor reconciles PENDING transactions against the chain
type ConfirmationMonitor struct {
	ledger  repository.LedgerRepository
	chain   chain.Client
	alerts  alerts.Sink
	metrics *metrics.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
	cfg     MonitorConfig
	now     func() time.Time
}

// NewConfirmationMonitor creates a monitor; zero config values take the defaults
func NewConfirmationMonitor(ledger repository.LedgerRepository, client chain.Client, sink alerts.Sink,
	metrics *metrics.Metrics, logger *slog.Logger, cfg MonitorConfig) *ConfirmationMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 15 * time.Second
	}
	return &ConfirmationMonitor{
		ledger:  ledger,
		chain:   client,
		alerts:  sink,
		metrics: metrics,
		logger:  logger,
		tracer:  obs.Tracer("payouts/monitor"),
		cfg:     cfg,
		now:     time.Now,
	}
}

// Run sweeps every interval until ctx is cancelled
func (m *ConfirmationMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error("confirmation sweep failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep checks every PENDING transaction inside the window once, then
// escalates older ones that were never escalated. Per-transaction errors
// are counted and never abort the sweep.
func (m *ConfirmationMonitor) Sweep(ctx context.Context) (SweepResult, error) {
	ctx, span := m.tracer.Start(ctx, "monitor.sweep")
	defer span.End()

	var res SweepResult
	since := m.now().Add(-m.cfg.Window)

	pending, err := m.ledger.ListPendingTransactions(ctx, since)
	if err != nil {
		return res, fmt.Errorf("failed to list pending transactions: %w", err)
	}

	for _, tx := range pending {
		res.Checked++
		m.check(ctx, tx, &res)
	}

	m.escalateStale(ctx, since, &res)

	span.SetAttributes(
		attribute.Int("monitor.checked", res.Checked),
		attribute.Int("monitor.confirmed", res.Confirmed),
		attribute.Int("monitor.failed", res.Failed),
	)
	m.metrics.RecordMonitorResult("confirmed", res.Confirmed)
	m.metrics.RecordMonitorResult("failed", res.Failed)
	m.metrics.RecordMonitorResult("pending", res.StillPending)
	m.metrics.RecordMonitorResult("error", res.Errors)
	m.metrics.RecordMonitorResult("escalated", res.Escalated)

	m.logger.Info("confirmation sweep finished",
		"checked", res.Checked, "confirmed", res.Confirmed, "failed", res.Failed,
		"still_pending", res.StillPending, "errors", res.Errors, "escalated", res.Escalated)
	return res, nil
}

func (m *ConfirmationMonitor) check(ctx context.Context, tx *models.BlockchainTransaction, res *SweepResult) {
	qctx, cancel := context.WithTimeout(ctx, m.cfg.QueryTimeout)
	st, err := m.chain.GetTransactionStatus(qctx, tx.TxHash)
	cancel()
	if err != nil {
		res.Errors++
		m.logger.Warn("transaction status check failed", "tx_hash", tx.TxHash, "err", err)
		return
	}

	switch {
	case st.Failed:
		reason := st.Reason
		if reason == "" {
			reason = chain.ErrTransactionFailed.Error()
		}
		if _, err := m.ledger.FailTransaction(ctx, tx.TxHash, reason); err != nil {
			res.Errors++
			m.logger.Error("error failing transaction", "tx_hash", tx.TxHash, "err", err)
			return
		}
		res.Failed++
		m.logger.Warn("transaction failed on chain", "tx_hash", tx.TxHash, "task_id", tx.TaskID, "reason", reason)

	case st.Confirmed && st.BlockNumber > 0:
		c := models.Confirmation{BlockNumber: st.BlockNumber, Confirmations: st.Confirmations, ConfirmedAt: m.now()}
		if _, err := m.ledger.ConfirmTransaction(ctx, tx.TxHash, c); err != nil {
			res.Errors++
			m.logger.Error("error confirming transaction", "tx_hash", tx.TxHash, "err", err)
			return
		}
		res.Confirmed++
		m.logger.Info("transaction confirmed", "tx_hash", tx.TxHash, "task_id", tx.TaskID, "block", st.BlockNumber)

	default:
		res.StillPending++
	}
}

// escalateStale hands transactions stuck PENDING past the window to manual
// review. Status is left alone; escalated_at keeps the alert to one per tx.
func (m *ConfirmationMonitor) escalateStale(ctx context.Context, before time.Time, res *SweepResult) {
	stale, err := m.ledger.ListStalePendingTransactions(ctx, before)
	if err != nil {
		res.Errors++
		m.logger.Error("failed to list stale transactions", "err", err)
		return
	}

	for _, tx := range stale {
		alert := models.Alert{
			Type:      models.AlertStalePendingTx,
			ProjectID: tx.ProjectID,
			Message:   "transaction pending beyond monitor window, manual review required",
			Fields: map[string]string{
				"tx_hash":      tx.TxHash,
				"task_id":      tx.TaskID,
				"submitted_at": tx.SubmittedAt.UTC().Format(time.RFC3339),
			},
			At: m.now(),
		}
		if err := m.alerts.Emit(ctx, alert); err != nil {
			res.Errors++
			m.logger.Error("emit alert failed", "alert", string(alert.Type), "tx_hash", tx.TxHash, "err", err)
			continue
		}
		if err := m.ledger.MarkTransactionEscalated(ctx, tx.TxHash, m.now()); err != nil {
			res.Errors++
			m.logger.Error("error marking transaction escalated", "tx_hash", tx.TxHash, "err", err)
			continue
		}
		res.Escalated++
	}
}
