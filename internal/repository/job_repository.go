package repository

import (
	"context"
	"errors"
	"payout-engine/internal/models"
	"time"
)

var (
	// ErrNotFound is returned when a row looked up by id does not exist
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a guarded update lost a race with another writer
	ErrConflict = errors.New("concurrent update conflict")
)

// JobRepository defines the durable payment job queue
type JobRepository interface {
	CreateJob(ctx context.Context, job *models.PaymentJob) error
	GetJobByID(ctx context.Context, id string) (*models.PaymentJob, error)
	ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.PaymentJob, error)
	LeaseJob(ctx context.Context, leaseDuration time.Duration) (*models.PaymentJob, error)
	CompleteJob(ctx context.Context, id string) error
	RescheduleJob(ctx context.Context, id string, runAfter time.Time, lastError string) error
	MoveToDeadLetterQueue(ctx context.Context, job *models.PaymentJob, failureReason string) error
	ListDeadLetterJobs(ctx context.Context) ([]*models.DeadLetterJob, error)
}

// LedgerRepository defines the ledger operations the payment engine needs.
// Every status transition is a guarded update so the worker pool, the
// confirmation monitor and the scheduler can overlap safely.
type LedgerRepository interface {
	GetTask(ctx context.Context, id string) (*models.Task, error)
	// ClaimTaskPayment moves a task to PROCESSING for jobID. It succeeds for
	// UNPAID and FAILED tasks and for tasks already claimed by the same job.
	ClaimTaskPayment(ctx context.Context, taskID, jobID string) (bool, error)
	// FailTaskPayment marks a task FAILED if jobID still owns it and it is not PAID.
	FailTaskPayment(ctx context.Context, taskID, jobID string) error

	GetProject(ctx context.Context, id string) (*models.Project, error)
	GetProjectEscrow(ctx context.Context, projectID string) (*models.ProjectEscrow, error)
	UpdateEscrowBalance(ctx context.Context, projectID string, balance int64) error
	ListBalanceWatchProjects(ctx context.Context) ([]*models.BalanceWatch, error)
	GetPayeeWallet(ctx context.Context, userRoleID string) (string, error)

	CreateTransaction(ctx context.Context, tx *models.BlockchainTransaction) error
	GetTransactionByHash(ctx context.Context, txHash string) (*models.BlockchainTransaction, error)
	// GetActiveTaskTransaction returns the non-FAILED task payment for taskID, or nil.
	GetActiveTaskTransaction(ctx context.Context, taskID string) (*models.BlockchainTransaction, error)
	// ConfirmTransaction moves a PENDING transaction to CONFIRMED. A linked task
	// becomes PAID and the project's released funds grow by the amount, once.
	ConfirmTransaction(ctx context.Context, txHash string, c models.Confirmation) (bool, error)
	// FailTransaction moves a PENDING transaction to FAILED and a linked,
	// unpaid task to FAILED.
	FailTransaction(ctx context.Context, txHash, errorMessage string) (bool, error)
	ListPendingTransactions(ctx context.Context, since time.Time) ([]*models.BlockchainTransaction, error)
	ListStalePendingTransactions(ctx context.Context, before time.Time) ([]*models.BlockchainTransaction, error)
	MarkTransactionEscalated(ctx context.Context, txHash string, at time.Time) error
	ListTransactions(ctx context.Context, from, to time.Time) ([]*models.BlockchainTransaction, error)

	ListDueRecurringPayments(ctx context.Context, now time.Time) ([]*models.RecurringPayment, error)
	PauseRecurringPayment(ctx context.Context, id, reason string) error
	// ApplyRecurringPayment records a salary transfer and advances the schedule
	// in one transaction. ErrConflict means the payment changed since it was read.
	ApplyRecurringPayment(ctx context.Context, rp *models.RecurringPayment, tx *models.BlockchainTransaction, next, paidAt time.Time) error
}
