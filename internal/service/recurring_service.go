package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"payout-engine/internal/alerts"
	"payout-engine/internal/chain"
	"payout-engine/internal/lock"
	"payout-engine/internal/metrics"
	"payout-engine/internal/models"
	"payout-engine/internal/obs"
	"payout-engine/internal/repository"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SchedulerConfig configures the recurring payment scheduler
type SchedulerConfig struct {
	Interval             time.Duration
	BalanceCheckInterval time.Duration
	LockKey              string
	LockTTL              time.Duration
	Decimals             int32
}

// BatchResult summarizes one recurring payment sweep. Skipped is set when
// another instance held the sweep lock; Aborted counts the due payments left
// untouched after the lock was lost mid-sweep.
type BatchResult struct {
	Processed int  `json:"processed"`
	Paused    int  `json:"paused"`
	Failed    int  `json:"failed"`
	Total     int  `json:"total"`
	Aborted   int  `json:"aborted,omitempty"`
	Skipped   bool `json:"skipped,omitempty"`
}

// BalanceCheckResult summarizes one low balance sweep
type BalanceCheckResult struct {
	Checked int  `json:"checked"`
	Low     int  `json:"low"`
	Errors  int  `json:"errors"`
	Skipped bool `json:"skipped,omitempty"`
}

type outcome int

const (
	outcomeProcessed outcome = iota
	outcomePaused
	outcomeFailed
)

// RecurringScheduler pays due salary obligations and watches escrow balances
type RecurringScheduler struct {
	ledger  repository.LedgerRepository
	chain   chain.Client
	locker  lock.Locker
	alerts  alerts.Sink
	metrics *metrics.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
	cfg     SchedulerConfig
	now     func() time.Time
}

// NewRecurringScheduler creates a scheduler; zero config values take the defaults
func NewRecurringScheduler(ledger repository.LedgerRepository, client chain.Client, locker lock.Locker,
	sink alerts.Sink, metrics *metrics.Metrics, logger *slog.Logger, cfg SchedulerConfig) *RecurringScheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.BalanceCheckInterval <= 0 {
		cfg.BalanceCheckInterval = 6 * time.Hour
	}
	if cfg.LockKey == "" {
		cfg.LockKey = "recurring-payments"
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Hour
	}
	return &RecurringScheduler{
		ledger:  ledger,
		chain:   client,
		locker:  locker,
		alerts:  sink,
		metrics: metrics,
		logger:  logger,
		tracer:  obs.Tracer("payouts/scheduler"),
		cfg:     cfg,
		now:     time.Now,
	}
}

// Run drives both sweeps on their intervals until ctx is cancelled. Each
// sweep runs once at start.
func (s *RecurringScheduler) Run(ctx context.Context) error {
	batchTicker := time.NewTicker(s.cfg.Interval)
	defer batchTicker.Stop()
	balanceTicker := time.NewTicker(s.cfg.BalanceCheckInterval)
	defer balanceTicker.Stop()

	s.runBatch(ctx)
	s.runBalanceCheck(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-batchTicker.C:
			s.runBatch(ctx)
		case <-balanceTicker.C:
			s.runBalanceCheck(ctx)
		}
	}
}

func (s *RecurringScheduler) runBatch(ctx context.Context) {
	if _, err := s.RunRecurringPaymentsBatch(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("recurring payment batch failed", "err", err)
	}
}

func (s *RecurringScheduler) runBalanceCheck(ctx context.Context) {
	if _, err := s.RunLowBalanceCheck(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("low balance check failed", "err", err)
	}
}

// sweepHold is a held sweep lock kept alive by a background refresher
type sweepHold struct {
	lost atomic.Bool
	stop chan struct{}
	done chan struct{}
}

// Lost reports whether a refresh found the lock taken by another owner
func (h *sweepHold) Lost() bool {
	return h.lost.Load()
}

// acquire takes the sweep lock and refreshes it every TTL/3 until release.
// ok is false when another holder has it.
func (s *RecurringScheduler) acquire(ctx context.Context, key string) (hold *sweepHold, release func(), ok bool, err error) {
	lease, err := s.locker.Acquire(ctx, key, s.cfg.LockTTL)
	if errors.Is(err, lock.ErrNotAcquired) {
		s.metrics.IncrementSweepsSkipped(key)
		s.logger.Info("sweep skipped, lock held elsewhere", "lock", key)
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}

	hold = &sweepHold{stop: make(chan struct{}), done: make(chan struct{})}
	go s.refresh(context.WithoutCancel(ctx), key, lease, hold)

	return hold, func() {
		close(hold.stop)
		<-hold.done
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("error releasing lock", "lock", key, "err", err)
		}
	}, true, nil
}

func (s *RecurringScheduler) refresh(ctx context.Context, key string, lease lock.Lease, hold *sweepHold) {
	defer close(hold.done)
	ticker := time.NewTicker(s.cfg.LockTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-hold.stop:
			return
		case <-ticker.C:
			ok, err := lease.Refresh(ctx)
			if err != nil {
				// transient; the next tick retries before the hold expires
				s.logger.Warn("error refreshing lock", "lock", key, "err", err)
				continue
			}
			if !ok {
				hold.lost.Store(true)
				s.logger.Error("sweep lock lost, stopping sweep", "lock", key)
				return
			}
		}
	}
}

// RunRecurringPaymentsBatch pays every due ACTIVE recurring payment once.
// Only a failing selection query returns an error; per-payment failures are
// counted in the result.
func (s *RecurringScheduler) RunRecurringPaymentsBatch(ctx context.Context) (BatchResult, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.recurring_batch")
	defer span.End()

	var res BatchResult
	hold, release, ok, err := s.acquire(ctx, s.cfg.LockKey)
	if err != nil {
		return res, err
	}
	if !ok {
		res.Skipped = true
		return res, nil
	}
	defer release()

	now := s.now()
	due, err := s.ledger.ListDueRecurringPayments(ctx, now)
	if err != nil {
		return res, fmt.Errorf("failed to list due recurring payments: %w", err)
	}
	res.Total = len(due)

	for i, rp := range due {
		if hold.Lost() {
			res.Aborted = len(due) - i
			s.logger.Error("recurring payment batch aborted, lock lost", "remaining", res.Aborted)
			break
		}
		switch s.processPayment(ctx, rp, now) {
		case outcomeProcessed:
			res.Processed++
		case outcomePaused:
			res.Paused++
		case outcomeFailed:
			res.Failed++
		}
	}

	span.SetAttributes(
		attribute.Int("recurring.total", res.Total),
		attribute.Int("recurring.processed", res.Processed),
	)
	s.metrics.RecordRecurringResult("processed", res.Processed)
	s.metrics.RecordRecurringResult("paused", res.Paused)
	s.metrics.RecordRecurringResult("failed", res.Failed)
	s.logger.Info("recurring payment batch finished",
		"total", res.Total, "processed", res.Processed, "paused", res.Paused, "failed", res.Failed, "aborted", res.Aborted)
	return res, nil
}

// processPayment checks preconditions in order, pausing on the first that
// fails, then pays and advances the schedule.
func (s *RecurringScheduler) processPayment(ctx context.Context, rp *models.RecurringPayment, now time.Time) outcome {
	log := s.logger.With("recurring_payment_id", rp.ID, "project_id", rp.ProjectID)

	escrow, err := s.ledger.GetProjectEscrow(ctx, rp.ProjectID)
	if err != nil {
		log.Error("error reading escrow", "err", err)
		return outcomeFailed
	}
	if escrow == nil {
		s.pause(ctx, rp, models.PauseNoEscrow)
		return outcomePaused
	}

	balance, err := s.chain.GetBalance(ctx, escrow.EscrowAddress)
	if err != nil {
		s.pause(ctx, rp, err.Error())
		return outcomeFailed
	}
	if err := s.ledger.UpdateEscrowBalance(ctx, rp.ProjectID, balance); err != nil {
		log.Warn("error refreshing cached escrow balance", "err", err)
	}
	if balance < rp.Amount {
		s.pause(ctx, rp, models.PauseInsufficientBalance)
		s.metrics.IncrementLowBalanceAlerts()
		s.emit(ctx, models.Alert{
			Type:      models.AlertLowBalance,
			ProjectID: rp.ProjectID,
			Message:   "escrow balance too low for recurring payment",
			Fields: map[string]string{
				"recurring_payment_id": rp.ID,
				"balance":              models.FormatAmount(balance, s.cfg.Decimals),
				"required":             models.FormatAmount(rp.Amount, s.cfg.Decimals),
			},
			At: now,
		})
		return outcomePaused
	}

	wallet, err := s.ledger.GetPayeeWallet(ctx, rp.UserRoleID)
	if err != nil {
		log.Error("error reading payee wallet", "err", err)
		return outcomeFailed
	}
	if wallet == "" {
		s.pause(ctx, rp, models.PauseNoWallet)
		return outcomePaused
	}

	next, err := models.NextPaymentDate(rp.NextPaymentDate, rp.Frequency)
	if err != nil {
		s.pause(ctx, rp, err.Error())
		return outcomeFailed
	}

	sub, err := s.chain.SubmitTransfer(ctx, chain.TransferRequest{
		FromAddress:  escrow.EscrowAddress,
		EncryptedKey: escrow.EncryptedKeyMaterial,
		ToAddress:    wallet,
		Amount:       rp.Amount,
		Note:         "Salary payment " + rp.ID,
	})
	if err != nil {
		log.Warn("salary transfer submission failed", "err", err)
		s.pause(ctx, rp, err.Error())
		return outcomeFailed
	}

	tx := &models.BlockchainTransaction{
		ID:                 uuid.New().String(),
		TxHash:             sub.TxHash,
		Type:               models.TxSalaryPayment,
		Amount:             rp.Amount,
		Fee:                sub.Fee,
		FromAddress:        escrow.EscrowAddress,
		ToAddress:          wallet,
		ProjectID:          rp.ProjectID,
		RecurringPaymentID: rp.ID,
		Status:             models.TxConfirmed,
		SubmittedAt:        now,
	}

	conf, err := s.chain.AwaitConfirmation(ctx, sub.TxHash)
	switch {
	case errors.Is(err, chain.ErrTransactionFailed):
		tx.Status = models.TxFailed
		tx.ErrorMessage = err.Error()
		if err := s.ledger.CreateTransaction(ctx, tx); err != nil {
			log.Error("error recording failed salary transfer", "tx_hash", tx.TxHash, "err", err)
		}
		s.pause(ctx, rp, err.Error())
		return outcomeFailed
	case err != nil:
		// the transfer is out; the monitor settles it and the schedule still advances
		log.Warn("salary transfer unconfirmed, recording as pending", "tx_hash", tx.TxHash, "err", err)
		tx.Status = models.TxPending
	default:
		confirmedAt := s.now()
		block := conf.BlockNumber
		tx.BlockNumber = &block
		tx.Confirmations = conf.Confirmations
		tx.ConfirmedAt = &confirmedAt
	}

	if err := s.ledger.ApplyRecurringPayment(ctx, rp, tx, next, now); err != nil {
		log.Error("salary transfer sent but ledger update failed", "tx_hash", tx.TxHash, "err", err)
		// keep the obligation from paying again before someone reconciles it
		s.pause(ctx, rp, fmt.Sprintf("ledger update failed after transfer %s", tx.TxHash))
		return outcomeFailed
	}

	log.Info("recurring payment processed", "tx_hash", tx.TxHash, "amount", rp.Amount, "next_payment_date", next.Format(time.RFC3339))
	return outcomeProcessed
}

func (s *RecurringScheduler) pause(ctx context.Context, rp *models.RecurringPayment, reason string) {
	if err := s.ledger.PauseRecurringPayment(ctx, rp.ID, reason); err != nil {
		s.logger.Error("error pausing recurring payment", "recurring_payment_id", rp.ID, "err", err)
		return
	}
	s.logger.Warn("recurring payment paused", "recurring_payment_id", rp.ID, "project_id", rp.ProjectID, "reason", reason)
	s.emit(ctx, models.Alert{
		Type:      models.AlertRecurringPaused,
		ProjectID: rp.ProjectID,
		Message:   "recurring payment paused: " + reason,
		Fields: map[string]string{
			"recurring_payment_id": rp.ID,
			"reason":               reason,
		},
		At: s.now(),
	})
}

func (s *RecurringScheduler) emit(ctx context.Context, alert models.Alert) {
	if err := s.alerts.Emit(ctx, alert); err != nil {
		s.logger.Error("emit alert failed", "alert", string(alert.Type), "project_id", alert.ProjectID, "err", err)
	}
}

// RunLowBalanceCheck re-reads the live balance of every watched escrow,
// refreshes the cache and alerts on balances below the project minimum.
func (s *RecurringScheduler) RunLowBalanceCheck(ctx context.Context) (BalanceCheckResult, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.balance_check")
	defer span.End()

	var res BalanceCheckResult
	_, release, ok, err := s.acquire(ctx, s.cfg.LockKey+":balances")
	if err != nil {
		return res, err
	}
	if !ok {
		res.Skipped = true
		return res, nil
	}
	defer release()

	watched, err := s.ledger.ListBalanceWatchProjects(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to list balance watch projects: %w", err)
	}

	for _, w := range watched {
		res.Checked++
		balance, err := s.chain.GetBalance(ctx, w.EscrowAddress)
		if err != nil {
			res.Errors++
			s.logger.Warn("balance read failed", "project_id", w.ProjectID, "err", err)
			continue
		}
		if err := s.ledger.UpdateEscrowBalance(ctx, w.ProjectID, balance); err != nil {
			s.logger.Warn("error refreshing cached escrow balance", "project_id", w.ProjectID, "err", err)
		}
		if balance >= w.MinimumBalance {
			continue
		}

		res.Low++
		s.metrics.IncrementLowBalanceAlerts()
		s.emit(ctx, models.Alert{
			Type:      models.AlertLowBalance,
			ProjectID: w.ProjectID,
			Message:   fmt.Sprintf("escrow balance of %s below minimum", w.ProjectName),
			Fields: map[string]string{
				"balance": models.FormatAmount(balance, s.cfg.Decimals),
				"minimum": models.FormatAmount(w.MinimumBalance, s.cfg.Decimals),
			},
			At: s.now(),
		})
	}

	s.logger.Info("low balance check finished", "checked", res.Checked, "low", res.Low, "errors", res.Errors)
	return res, nil
}
