package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"payout-engine/internal/chain"
	"payout-engine/internal/metrics"
	"payout-engine/internal/models"
	"payout-engine/internal/obs"
	"payout-engine/internal/repository"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	errAlreadyPaid = errors.New("task already paid")
	errTaskBusy    = errors.New("task payment in progress by another job")
	// errUnrecorded is terminal: the transfer left the escrow but its ledger
	// row could not be written, so a retry would pay twice.
	errUnrecorded = errors.New("transfer submitted but not recorded")
)

// UnrecordedTransferError carries the hash of a transfer that was sent but
// never written to the ledger. The task stays PROCESSING under the dead job
// until someone reconciles it by hand.
type UnrecordedTransferError struct {
	TxHash string
	Err    error
}

func (e *UnrecordedTransferError) Error() string {
	return fmt.Sprintf("%v: tx %s: %v", errUnrecorded, e.TxHash, e.Err)
}

func (e *UnrecordedTransferError) Is(target error) bool { return target == errUnrecorded }

func (e *UnrecordedTransferError) Unwrap() error { return e.Err }

// WorkerConfig configures the payment worker pool
type WorkerConfig struct {
	Concurrency   int
	LeaseDuration time.Duration
	PollInterval  time.Duration
	StatusTimeout time.Duration
	Retry         RetryPolicy
}

// WorkerService executes task payment jobs from the queue
type WorkerService struct {
	jobs      repository.JobRepository
	ledger    repository.LedgerRepository
	chain     chain.Client
	guard     *TaskGuard
	metrics   *metrics.Metrics
	logger    *slog.Logger
	tracer    trace.Tracer
	cfg       WorkerConfig
	observers []JobObserver
}

// NewWorkerService creates a new worker service
func NewWorkerService(jobs repository.JobRepository, ledger repository.LedgerRepository, client chain.Client,
	metrics *metrics.Metrics, logger *slog.Logger, cfg WorkerConfig, observers ...JobObserver) *WorkerService {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.StatusTimeout <= 0 {
		cfg.StatusTimeout = 15 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	return &WorkerService{
		jobs:      jobs,
		ledger:    ledger,
		chain:     client,
		guard:     NewTaskGuard(),
		metrics:   metrics,
		logger:    logger,
		tracer:    obs.Tracer("payouts/worker"),
		cfg:       cfg,
		observers: observers,
	}
}

// Run starts the worker pool and blocks until ctx is cancelled and every
// in-flight job has finished.
func (s *WorkerService) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			s.ProcessJobs(ctx, worker)
		}(i)
	}
	s.logger.Info("payment workers started", "concurrency", s.cfg.Concurrency)
	wg.Wait()
	s.logger.Info("payment workers stopped")
	return nil
}

// ProcessJobs continuously leases and processes jobs until ctx is cancelled
func (s *WorkerService) ProcessJobs(ctx context.Context, worker int) {
	for {
		if ctx.Err() != nil {
			return
		}

		processed, err := s.ProcessNext(ctx)
		if err != nil {
			s.logger.Error("error leasing job", "worker", worker, "err", err)
		}
		if processed {
			continue
		}

		// no job available
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.PollInterval):
		}
	}
}

// ProcessNext leases one job and runs it to its next state. It reports
// whether a job was leased.
func (s *WorkerService) ProcessNext(ctx context.Context) (bool, error) {
	job, err := s.jobs.LeaseJob(ctx, s.cfg.LeaseDuration)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	s.logger.Info("job leased", "job_id", job.ID, "task_id", job.TaskID, "attempt", job.Attempts)

	// a leased job runs to completion even if the pool is shutting down
	s.processJob(context.WithoutCancel(ctx), job)
	return true, nil
}

// processJob processes a single job
func (s *WorkerService) processJob(ctx context.Context, job *models.PaymentJob) {
	ctx, span := s.tracer.Start(ctx, "payment.process", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("task.id", job.TaskID),
		attribute.Int("job.attempt", job.Attempts),
	))
	defer span.End()

	release, holder, ok := s.guard.TryAcquire(job.TaskID, job.ID)
	if !ok {
		if holder == job.ID {
			// lease expired under a live local worker; that worker settles the row
			s.logger.Warn("job already running in this process", "job_id", job.ID)
			return
		}
		s.skipJob(ctx, job, fmt.Sprintf("task held by job %s", holder))
		return
	}
	defer release()

	tx, err := s.execute(ctx, job)
	switch {
	case err == nil:
		s.completeJob(ctx, job, tx)
	case errors.Is(err, errAlreadyPaid), errors.Is(err, errTaskBusy):
		s.skipJob(ctx, job, err.Error())
	case errors.Is(err, chain.ErrTransactionFailed), errors.Is(err, errUnrecorded):
		span.SetStatus(codes.Error, err.Error())
		s.failJob(ctx, job, tx, err)
	default:
		span.RecordError(err)
		s.handleJobFailure(ctx, job, tx, err)
	}
}

// execute runs the payment steps. The returned transaction is the one
// submitted or resumed for this task, if any.
func (s *WorkerService) execute(ctx context.Context, job *models.PaymentJob) (*models.BlockchainTransaction, error) {
	claimed, err := s.ledger.ClaimTaskPayment(ctx, job.TaskID, job.ID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		task, err := s.ledger.GetTask(ctx, job.TaskID)
		if err != nil {
			return nil, fmt.Errorf("failed to read task: %w", err)
		}
		if task.PaymentStatus == models.PaymentPaid {
			return nil, errAlreadyPaid
		}
		return nil, fmt.Errorf("%w %s", errTaskBusy, task.PaymentJobID)
	}

	// an earlier attempt may have submitted before timing out; resume it
	tx, err := s.ledger.GetActiveTaskTransaction(ctx, job.TaskID)
	if err != nil {
		return nil, err
	}

	if tx != nil && tx.Status == models.TxConfirmed {
		c := models.Confirmation{ConfirmedAt: time.Now(), Confirmations: tx.Confirmations}
		if tx.BlockNumber != nil {
			c.BlockNumber = *tx.BlockNumber
		}
		if _, err := s.ledger.ConfirmTransaction(ctx, tx.TxHash, c); err != nil {
			return tx, err
		}
		return tx, nil
	}

	if tx == nil {
		tx, err = s.submit(ctx, job)
		if err != nil {
			return tx, err
		}
	} else {
		s.logger.Info("resuming submitted transfer", "job_id", job.ID, "task_id", job.TaskID, "tx_hash", tx.TxHash)
	}

	conf, err := s.chain.AwaitConfirmation(ctx, tx.TxHash)
	if err != nil {
		return tx, fmt.Errorf("await confirmation: %w", err)
	}

	c := models.Confirmation{BlockNumber: conf.BlockNumber, Confirmations: conf.Confirmations, ConfirmedAt: time.Now()}
	if _, err := s.ledger.ConfirmTransaction(ctx, tx.TxHash, c); err != nil {
		return tx, err
	}
	tx.Status = models.TxConfirmed
	tx.BlockNumber = &c.BlockNumber
	tx.Confirmations = c.Confirmations
	tx.ConfirmedAt = &c.ConfirmedAt
	return tx, nil
}

// submit sends the transfer and records it PENDING once the chain accepted it
func (s *WorkerService) submit(ctx context.Context, job *models.PaymentJob) (*models.BlockchainTransaction, error) {
	sub, err := s.chain.SubmitTransfer(ctx, chain.TransferRequest{
		FromAddress:  job.EscrowAddress,
		EncryptedKey: job.EscrowKeyMaterial,
		ToAddress:    job.DestinationWallet,
		Amount:       job.Amount,
		Note:         "Payment for task " + job.TaskID,
	})
	if err != nil {
		return nil, fmt.Errorf("submit transfer: %w", err)
	}

	tx := &models.BlockchainTransaction{
		ID:          uuid.New().String(),
		TxHash:      sub.TxHash,
		Type:        models.TxTaskPayment,
		Amount:      job.Amount,
		Fee:         sub.Fee,
		FromAddress: job.EscrowAddress,
		ToAddress:   job.DestinationWallet,
		ProjectID:   job.ProjectID,
		TaskID:      job.TaskID,
		Status:      models.TxPending,
		SubmittedAt: time.Now(),
	}

	for i := 0; i < 3; i++ {
		if err = s.ledger.CreateTransaction(ctx, tx); err == nil {
			s.logger.Info("transfer submitted", "job_id", job.ID, "task_id", job.TaskID, "tx_hash", tx.TxHash)
			return tx, nil
		}
		time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
	}
	s.logger.Error("transfer submitted but not recorded", "job_id", job.ID, "task_id", job.TaskID, "tx_hash", sub.TxHash, "err", err)
	return nil, &UnrecordedTransferError{TxHash: sub.TxHash, Err: err}
}

func (s *WorkerService) completeJob(ctx context.Context, job *models.PaymentJob, tx *models.BlockchainTransaction) {
	if err := s.jobs.CompleteJob(ctx, job.ID); err != nil {
		s.logger.Error("error completing job", "job_id", job.ID, "err", err)
		return
	}
	s.logger.Info("task payment confirmed", "job_id", job.ID, "task_id", job.TaskID, "tx_hash", tx.TxHash)
	for _, o := range s.observers {
		o.OnCompleted(ctx, job, tx)
	}
}

// skipJob completes a job that must not pay: the task is paid or owned by another job
func (s *WorkerService) skipJob(ctx context.Context, job *models.PaymentJob, reason string) {
	if err := s.jobs.CompleteJob(ctx, job.ID); err != nil {
		s.logger.Error("error completing skipped job", "job_id", job.ID, "err", err)
		return
	}
	s.logger.Info("job skipped", "job_id", job.ID, "task_id", job.TaskID, "reason", reason)
}

// handleJobFailure reschedules a transient failure or fails the job once attempts are exhausted
func (s *WorkerService) handleJobFailure(ctx context.Context, job *models.PaymentJob, tx *models.BlockchainTransaction, cause error) {
	policy := s.cfg.Retry
	if job.MaxAttempts > 0 {
		policy.MaxAttempts = job.MaxAttempts
	}

	delay, ok := policy.NextRetryDelay(job.Attempts)
	if !ok {
		s.failJob(ctx, job, tx, cause)
		return
	}

	if err := s.jobs.RescheduleJob(ctx, job.ID, time.Now().Add(delay), cause.Error()); err != nil {
		s.logger.Error("error rescheduling job", "job_id", job.ID, "err", err)
		return
	}

	s.metrics.IncrementRetriedPayments()
	s.logger.Warn("payment attempt failed, retrying",
		"job_id", job.ID, "task_id", job.TaskID, "attempt", job.Attempts, "max_attempts", policy.MaxAttempts,
		"retry_in", delay.String(), "err", cause)
}

// failJob is the terminal path. A recorded transfer gets one last status
// check so a late confirmation is settled instead of failed.
func (s *WorkerService) failJob(ctx context.Context, job *models.PaymentJob, tx *models.BlockchainTransaction, cause error) {
	if tx != nil && tx.Status == models.TxPending && !errors.Is(cause, chain.ErrTransactionFailed) {
		if s.settleIfConfirmed(ctx, job, tx) {
			return
		}
	}

	if tx != nil {
		if _, err := s.ledger.FailTransaction(ctx, tx.TxHash, cause.Error()); err != nil {
			s.logger.Error("error failing transaction", "job_id", job.ID, "tx_hash", tx.TxHash, "err", err)
		}
	}
	// an unrecorded transfer keeps the task claimed so no later job can pay it again
	if !errors.Is(cause, errUnrecorded) {
		if err := s.ledger.FailTaskPayment(ctx, job.TaskID, job.ID); err != nil {
			s.logger.Error("error failing task payment", "job_id", job.ID, "task_id", job.TaskID, "err", err)
		}
	}

	if err := s.jobs.MoveToDeadLetterQueue(ctx, job, cause.Error()); err != nil {
		s.logger.Error("error moving job to DLQ", "job_id", job.ID, "err", err)
		return
	}

	s.logger.Error("task payment failed, job moved to dead letter queue",
		"job_id", job.ID, "task_id", job.TaskID, "attempts", job.Attempts, "err", cause)
	for _, o := range s.observers {
		o.OnFailed(ctx, job, cause)
	}
}

func (s *WorkerService) settleIfConfirmed(ctx context.Context, job *models.PaymentJob, tx *models.BlockchainTransaction) bool {
	qctx, cancel := context.WithTimeout(ctx, s.cfg.StatusTimeout)
	defer cancel()

	st, err := s.chain.GetTransactionStatus(qctx, tx.TxHash)
	if err != nil || !st.Confirmed || st.BlockNumber == 0 {
		return false
	}

	c := models.Confirmation{BlockNumber: st.BlockNumber, Confirmations: st.Confirmations, ConfirmedAt: time.Now()}
	if _, err := s.ledger.ConfirmTransaction(ctx, tx.TxHash, c); err != nil {
		s.logger.Error("error confirming late transaction", "job_id", job.ID, "tx_hash", tx.TxHash, "err", err)
		return false
	}
	tx.Status = models.TxConfirmed
	tx.BlockNumber = &c.BlockNumber
	tx.Confirmations = c.Confirmations
	tx.ConfirmedAt = &c.ConfirmedAt
	s.completeJob(ctx, job, tx)
	return true
}
