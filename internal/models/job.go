package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the state of a payment job in the queue
type JobStatus string

const (
	StatusPending JobStatus = "PENDING"
	StatusRunning JobStatus = "RUNNING"
	StatusDone    JobStatus = "DONE"
	StatusFailed  JobStatus = "FAILED"
)

// ErrInvalidJob is returned for malformed payment jobs; they never enter the queue.
var ErrInvalidJob = errors.New("invalid payment job")

// PaymentJob is one queued task payment. The payment fields are reconstructible
// from Task + ProjectEscrow; the rest is queue bookkeeping.
type PaymentJob struct {
	ID                string    `json:"id"`
	TaskID            string    `json:"task_id"`
	ProjectID         string    `json:"project_id"`
	DestinationWallet string    `json:"destination_wallet"`
	Amount            int64     `json:"amount"`
	EscrowAddress     string    `json:"escrow_address"`
	EscrowKeyMaterial string    `json:"-"`
	Status            JobStatus `json:"status"`
	Attempts          int       `json:"attempts"`
	MaxAttempts       int       `json:"max_attempts"`
	RunAfter          time.Time `json:"run_after"`
	LastError         string    `json:"last_error,omitempty"`

	LeasedAt       *time.Time `json:"leased_at,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// EnqueuePaymentRequest is the input of the enqueue entry point
type EnqueuePaymentRequest struct {
	TaskID            string `json:"task_id"`
	ProjectID         string `json:"project_id"`
	DestinationWallet string `json:"destination_wallet"`
	Amount            int64  `json:"amount"`
	EscrowAddress     string `json:"escrow_address"`
	EscrowKeyMaterial string `json:"escrow_key_material"`
}

// Validate rejects requests with missing fields or a non-positive amount.
func (r *EnqueuePaymentRequest) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"task_id", r.TaskID},
		{"project_id", r.ProjectID},
		{"destination_wallet", r.DestinationWallet},
		{"escrow_address", r.EscrowAddress},
		{"escrow_key_material", r.EscrowKeyMaterial},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalidJob, f.name)
		}
	}
	if r.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidJob)
	}
	return nil
}

// DeadLetterJob represents a payment job that exhausted its attempts
type DeadLetterJob struct {
	ID            string    `json:"id"`
	JobID         string    `json:"job_id"`
	TaskID        string    `json:"task_id"`
	ProjectID     string    `json:"project_id"`
	Amount        int64     `json:"amount"`
	Attempts      int       `json:"attempts"`
	FailureReason string    `json:"failure_reason"`
	FailedAt      time.Time `json:"failed_at"`
}
