package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"payout-engine/internal/metrics"
	"payout-engine/internal/models"
	"payout-engine/internal/repository"
	"testing"
	"time"
)

// mockRepository is a mock implementation of JobRepository
type mockRepository struct {
	jobs           map[string]*models.PaymentJob
	dlqJobs        []*models.DeadLetterJob
	createJobError error
	getJobError    error
	listJobsError  error
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		jobs:    make(map[string]*models.PaymentJob),
		dlqJobs: make([]*models.DeadLetterJob, 0),
	}
}

func (m *mockRepository) CreateJob(ctx context.Context, job *models.PaymentJob) error {
	if m.createJobError != nil {
		return m.createJobError
	}
	m.jobs[job.ID] = job
	return nil
}

func (m *mockRepository) GetJobByID(ctx context.Context, id string) (*models.PaymentJob, error) {
	if m.getJobError != nil {
		return nil, m.getJobError
	}
	job, exists := m.jobs[id]
	if !exists {
		return nil, repository.ErrNotFound
	}
	return job, nil
}

func (m *mockRepository) ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.PaymentJob, error) {
	if m.listJobsError != nil {
		return nil, m.listJobsError
	}
	var result []*models.PaymentJob
	for _, job := range m.jobs {
		if job.Status == status {
			result = append(result, job)
		}
	}
	return result, nil
}

func (m *mockRepository) LeaseJob(ctx context.Context, leaseDuration time.Duration) (*models.PaymentJob, error) {
	return nil, nil
}

func (m *mockRepository) CompleteJob(ctx context.Context, id string) error {
	if job, exists := m.jobs[id]; exists {
		job.Status = models.StatusDone
		return nil
	}
	return repository.ErrNotFound
}

func (m *mockRepository) RescheduleJob(ctx context.Context, id string, runAfter time.Time, lastError string) error {
	if job, exists := m.jobs[id]; exists {
		job.Status = models.StatusPending
		job.RunAfter = runAfter
		job.LastError = lastError
		return nil
	}
	return repository.ErrNotFound
}

func (m *mockRepository) MoveToDeadLetterQueue(ctx context.Context, job *models.PaymentJob, failureReason string) error {
	m.dlqJobs = append(m.dlqJobs, &models.DeadLetterJob{
		ID:            "dlq_" + job.ID,
		JobID:         job.ID,
		TaskID:        job.TaskID,
		ProjectID:     job.ProjectID,
		Amount:        job.Amount,
		Attempts:      job.Attempts,
		FailureReason: failureReason,
		FailedAt:      time.Now(),
	})
	delete(m.jobs, job.ID)
	return nil
}

func (m *mockRepository) ListDeadLetterJobs(ctx context.Context) ([]*models.DeadLetterJob, error) {
	return m.dlqJobs, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func validRequest() *models.EnqueuePaymentRequest {
	return &models.EnqueuePaymentRequest{
		TaskID:            "task-1",
		ProjectID:         "project-1",
		DestinationWallet: "wallet-1",
		Amount:            500,
		EscrowAddress:     "escrow-1",
		EscrowKeyMaterial: "enc-key",
	}
}

func TestPaymentService_EnqueuePayment_Success(t *testing.T) {
	repo := newMockRepository()
	m := metrics.NewMetrics()
	service := NewPaymentService(repo, m, discardLogger(), 0)

	job, err := service.EnqueuePayment(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if job.ID == "" {
		t.Fatal("expected job id to be assigned")
	}
	if _, exists := repo.jobs[job.ID]; !exists {
		t.Error("expected job to be written to the queue")
	}
	if job.Status != models.StatusPending {
		t.Errorf("expected status PENDING, got %s", job.Status)
	}
	if job.MaxAttempts != 3 {
		t.Errorf("expected max_attempts 3, got %d", job.MaxAttempts)
	}
	if job.Amount != 500 {
		t.Errorf("expected amount 500, got %d", job.Amount)
	}
	if m.GetSnapshot()["enqueued_payments"] != 1 {
		t.Errorf("expected enqueued_payments 1, got %d", m.GetSnapshot()["enqueued_payments"])
	}
}

func TestPaymentService_EnqueuePayment_RejectsMalformed(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *models.EnqueuePaymentRequest)
	}{
		{"missing task", func(r *models.EnqueuePaymentRequest) { r.TaskID = "" }},
		{"missing wallet", func(r *models.EnqueuePaymentRequest) { r.DestinationWallet = " " }},
		{"missing key material", func(r *models.EnqueuePaymentRequest) { r.EscrowKeyMaterial = "" }},
		{"zero amount", func(r *models.EnqueuePaymentRequest) { r.Amount = 0 }},
		{"negative amount", func(r *models.EnqueuePaymentRequest) { r.Amount = -5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMockRepository()
			service := NewPaymentService(repo, metrics.NewMetrics(), discardLogger(), 3)

			req := validRequest()
			tt.mutate(req)

			_, err := service.EnqueuePayment(context.Background(), req)
			if !errors.Is(err, models.ErrInvalidJob) {
				t.Errorf("expected ErrInvalidJob, got %v", err)
			}
			if len(repo.jobs) != 0 {
				t.Error("malformed job must not enter the queue")
			}
		})
	}
}

func TestPaymentService_EnqueuePayment_RepositoryError(t *testing.T) {
	repo := newMockRepository()
	repo.createJobError = errors.New("database locked")
	service := NewPaymentService(repo, metrics.NewMetrics(), discardLogger(), 3)

	_, err := service.EnqueuePayment(context.Background(), validRequest())
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestPaymentService_GetJob(t *testing.T) {
	repo := newMockRepository()
	repo.jobs["job-1"] = &models.PaymentJob{ID: "job-1", TaskID: "task-1", Status: models.StatusPending}
	service := NewPaymentService(repo, metrics.NewMetrics(), discardLogger(), 3)

	job, err := service.GetJob(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if job.TaskID != "task-1" {
		t.Errorf("expected task_id task-1, got %s", job.TaskID)
	}

	_, err = service.GetJob(context.Background(), "missing")
	if err != ErrJobNotFound {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestPaymentService_ListJobsByStatus(t *testing.T) {
	repo := newMockRepository()
	repo.jobs["job-1"] = &models.PaymentJob{ID: "job-1", Status: models.StatusPending}
	repo.jobs["job-2"] = &models.PaymentJob{ID: "job-2", Status: models.StatusDone}
	repo.jobs["job-3"] = &models.PaymentJob{ID: "job-3", Status: models.StatusPending}
	service := NewPaymentService(repo, metrics.NewMetrics(), discardLogger(), 3)

	jobs, err := service.ListJobsByStatus(context.Background(), models.StatusPending)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("expected 2 pending jobs, got %d", len(jobs))
	}

	repo.listJobsError = errors.New("boom")
	if _, err := service.ListJobsByStatus(context.Background(), models.StatusPending); err == nil {
		t.Error("expected error")
	}
}

func TestPaymentService_ListDeadLetterJobs(t *testing.T) {
	repo := newMockRepository()
	job := &models.PaymentJob{ID: "job-1", TaskID: "task-1", Attempts: 3}
	repo.jobs["job-1"] = job
	repo.MoveToDeadLetterQueue(context.Background(), job, "exhausted")
	service := NewPaymentService(repo, metrics.NewMetrics(), discardLogger(), 3)

	dlq, err := service.ListDeadLetterJobs(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(dlq) != 1 || dlq[0].JobID != "job-1" {
		t.Errorf("expected job-1 in dead letter queue, got %+v", dlq)
	}
}
