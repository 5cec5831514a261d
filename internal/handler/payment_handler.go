package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"payout-engine/internal/metrics"
	"payout-engine/internal/models"
	"payout-engine/internal/service"
	"strings"
)

// Sweeper runs the scheduler sweeps on demand
type Sweeper interface {
	RunRecurringPaymentsBatch(ctx context.Context) (service.BatchResult, error)
	RunLowBalanceCheck(ctx context.Context) (service.BalanceCheckResult, error)
}

// PaymentHandler handles HTTP requests for the payout engine
type PaymentHandler struct {
	payments *service.PaymentService
	sweeper  Sweeper
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewPaymentHandler creates a new payment handler
func NewPaymentHandler(payments *service.PaymentService, sweeper Sweeper, metrics *metrics.Metrics, logger *slog.Logger) *PaymentHandler {
	return &PaymentHandler{
		payments: payments,
		sweeper:  sweeper,
		metrics:  metrics,
		logger:   logger,
	}
}

// Register installs the routes on mux
func (h *PaymentHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/payments", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			h.EnqueuePayment(w, r)
		case http.MethodGet:
			h.ListPayments(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/payments/", h.GetPayment)
	mux.HandleFunc("/dlq", h.GetDeadLetterQueue)
	mux.HandleFunc("/recurring/run", h.RunRecurring)
	mux.HandleFunc("/balances/check", h.CheckBalances)
	mux.HandleFunc("/stats", h.GetStats)
	mux.Handle("/metrics", h.metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
}

// EnqueuePayment handles POST /payments
func (h *PaymentHandler) EnqueuePayment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req models.EnqueuePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	job, err := h.payments.EnqueuePayment(r.Context(), &req)
	if err != nil {
		if errors.Is(err, models.ErrInvalidJob) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("error enqueuing payment", "task_id", req.TaskID, "err", err)
		http.Error(w, "failed to enqueue payment", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusCreated, job)
}

// GetPayment handles GET /payments/{jobId}
func (h *PaymentHandler) GetPayment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/payments/")
	if id == "" || id == r.URL.Path {
		http.Error(w, "job id is required", http.StatusBadRequest)
		return
	}

	job, err := h.payments.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrJobNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		h.logger.Error("error getting job", "job_id", id, "err", err)
		http.Error(w, "failed to retrieve job", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, job)
}

// ListPayments handles GET /payments?status=
func (h *PaymentHandler) ListPayments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	statusStr := r.URL.Query().Get("status")
	if statusStr == "" {
		http.Error(w, "status query parameter is required", http.StatusBadRequest)
		return
	}

	status := models.JobStatus(strings.ToUpper(statusStr))
	if status != models.StatusPending && status != models.StatusRunning &&
		status != models.StatusDone && status != models.StatusFailed {
		http.Error(w, "invalid status", http.StatusBadRequest)
		return
	}

	jobs, err := h.payments.ListJobsByStatus(r.Context(), status)
	if err != nil {
		h.logger.Error("error listing jobs", "status", string(status), "err", err)
		http.Error(w, "failed to list jobs", http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []*models.PaymentJob{}
	}

	h.writeJSON(w, http.StatusOK, jobs)
}

// GetDeadLetterQueue handles GET /dlq
func (h *PaymentHandler) GetDeadLetterQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	dlqJobs, err := h.payments.ListDeadLetterJobs(r.Context())
	if err != nil {
		h.logger.Error("error listing dead letter jobs", "err", err)
		http.Error(w, "failed to retrieve dead letter queue", http.StatusInternalServerError)
		return
	}
	if dlqJobs == nil {
		dlqJobs = []*models.DeadLetterJob{}
	}

	h.writeJSON(w, http.StatusOK, dlqJobs)
}

// RunRecurring handles POST /recurring/run
func (h *PaymentHandler) RunRecurring(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	res, err := h.sweeper.RunRecurringPaymentsBatch(r.Context())
	if err != nil {
		h.logger.Error("recurring payment batch failed", "err", err)
		http.Error(w, "recurring payment batch failed", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, res)
}

// CheckBalances handles POST /balances/check
func (h *PaymentHandler) CheckBalances(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	res, err := h.sweeper.RunLowBalanceCheck(r.Context())
	if err != nil {
		h.logger.Error("low balance check failed", "err", err)
		http.Error(w, "low balance check failed", http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, res)
}

// GetStats handles GET /stats
func (h *PaymentHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.writeJSON(w, http.StatusOK, h.metrics.GetSnapshot())
}

func (h *PaymentHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("error encoding response", "err", err)
	}
}
