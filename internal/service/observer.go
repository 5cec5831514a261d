package service

import (
	"context"
	"errors"
	"log/slog"
	"payout-engine/internal/alerts"
	"payout-engine/internal/metrics"
	"payout-engine/internal/models"
	"time"
)

// JobObserver is notified synchronously after a payment job reaches a
// terminal state. tx is the confirmed transaction on completion.
type JobObserver interface {
	OnCompleted(ctx context.Context, job *models.PaymentJob, tx *models.BlockchainTransaction)
	OnFailed(ctx context.Context, job *models.PaymentJob, err error)
}

// MetricsObserver records terminal job outcomes
type MetricsObserver struct {
	metrics *metrics.Metrics
}

func NewMetricsObserver(m *metrics.Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) OnCompleted(ctx context.Context, job *models.PaymentJob, tx *models.BlockchainTransaction) {
	start := job.CreatedAt
	if job.LeasedAt != nil {
		start = *job.LeasedAt
	}
	o.metrics.RecordCompletedPayment(time.Since(start))
}

func (o *MetricsObserver) OnFailed(ctx context.Context, job *models.PaymentJob, err error) {
	o.metrics.IncrementFailedPayments()
}

// AlertObserver raises TASK_PAYMENT_FAILED for jobs that end in the dead letter queue
type AlertObserver struct {
	sink   alerts.Sink
	logger *slog.Logger
}

func NewAlertObserver(sink alerts.Sink, logger *slog.Logger) *AlertObserver {
	return &AlertObserver{sink: sink, logger: logger}
}

func (o *AlertObserver) OnCompleted(ctx context.Context, job *models.PaymentJob, tx *models.BlockchainTransaction) {
}

func (o *AlertObserver) OnFailed(ctx context.Context, job *models.PaymentJob, err error) {
	alert := models.Alert{
		Type:      models.AlertTaskPaymentFailed,
		ProjectID: job.ProjectID,
		Message:   "task payment failed",
		Fields: map[string]string{
			"task_id": job.TaskID,
			"job_id":  job.ID,
			"error":   err.Error(),
		},
		At: time.Now(),
	}
	var unrecorded *UnrecordedTransferError
	if errors.As(err, &unrecorded) {
		alert.Message = "task payment sent but not recorded, reconcile manually"
		alert.Fields["tx_hash"] = unrecorded.TxHash
	}
	if emitErr := o.sink.Emit(ctx, alert); emitErr != nil {
		o.logger.Error("emit alert failed", "alert", string(alert.Type), "job_id", job.ID, "err", emitErr)
	}
}
