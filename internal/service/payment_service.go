package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"payout-engine/internal/metrics"
	"payout-engine/internal/models"
	"payout-engine/internal/repository"

	"github.com/google/uuid"
)

var (
	ErrJobNotFound = errors.New("job not found")
)

// PaymentService is the enqueue side of the payment job queue
type PaymentService struct {
	repo        repository.JobRepository
	metrics     *metrics.Metrics
	logger      *slog.Logger
	maxAttempts int
}

// NewPaymentService creates a new payment service
func NewPaymentService(repo repository.JobRepository, metrics *metrics.Metrics, logger *slog.Logger, maxAttempts int) *PaymentService {
	if maxAttempts <= 0 {
		maxAttempts = DefaultRetryPolicy().MaxAttempts
	}
	return &PaymentService{
		repo:        repo,
		metrics:     metrics,
		logger:      logger,
		maxAttempts: maxAttempts,
	}
}

// EnqueuePayment validates a task payment and writes it to the queue.
// Malformed requests return ErrInvalidJob and never enter the queue.
func (s *PaymentService) EnqueuePayment(ctx context.Context, req *models.EnqueuePaymentRequest) (*models.PaymentJob, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	job := &models.PaymentJob{
		ID:                uuid.New().String(),
		TaskID:            req.TaskID,
		ProjectID:         req.ProjectID,
		DestinationWallet: req.DestinationWallet,
		Amount:            req.Amount,
		EscrowAddress:     req.EscrowAddress,
		EscrowKeyMaterial: req.EscrowKeyMaterial,
		Status:            models.StatusPending,
		MaxAttempts:       s.maxAttempts,
	}

	if err := s.repo.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	s.metrics.IncrementEnqueuedPayments()
	s.logger.Info("payment job enqueued", "job_id", job.ID, "task_id", job.TaskID, "project_id", job.ProjectID, "amount", job.Amount)

	return job, nil
}

// GetJob retrieves a job by ID
func (s *PaymentService) GetJob(ctx context.Context, id string) (*models.PaymentJob, error) {
	job, err := s.repo.GetJobByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListJobsByStatus retrieves jobs by status
func (s *PaymentService) ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.PaymentJob, error) {
	jobs, err := s.repo.ListJobsByStatus(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// ListDeadLetterJobs retrieves all dead letter jobs
func (s *PaymentService) ListDeadLetterJobs(ctx context.Context) ([]*models.DeadLetterJob, error) {
	dlqJobs, err := s.repo.ListDeadLetterJobs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letter jobs: %w", err)
	}
	return dlqJobs, nil
}
