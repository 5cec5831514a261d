package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"payout-engine/internal/models"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// SQLRepository implements JobRepository and LedgerRepository on database/sql.
// SQLite is the default; Postgres is reached through the pgx stdlib driver.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// NewSQLRepository opens the database and initializes the schema
func NewSQLRepository(driver, dsn string) (*SQLRepository, error) {
	switch driver {
	case "", DriverSQLite:
		driver = DriverSQLite
		if !strings.Contains(dsn, "?") {
			dsn += "?_journal_mode=WAL&_timeout=5000&_txlock=immediate"
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	repo := &SQLRepository{db: db, driver: driver}
	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return repo, nil
}

// Close closes the database connection
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// DB exposes the underlying handle for the surrounding CRUD layer and tests
func (r *SQLRepository) DB() *sql.DB {
	return r.db
}

// rebind rewrites ? placeholders into $n for Postgres
func (r *SQLRepository) rebind(query string) string {
	if r.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS payment_jobs (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		destination_wallet TEXT NOT NULL,
		amount BIGINT NOT NULL,
		escrow_address TEXT NOT NULL,
		escrow_key_material TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		run_after BIGINT NOT NULL,
		last_error TEXT,
		leased_at BIGINT,
		lease_expires_at BIGINT,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_payment_jobs_status ON payment_jobs(status, run_after)`,
	`CREATE INDEX IF NOT EXISTS idx_payment_jobs_task ON payment_jobs(task_id)`,
	`CREATE TABLE IF NOT EXISTS dead_letter_jobs (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		amount BIGINT NOT NULL,
		attempts INTEGER NOT NULL,
		failure_reason TEXT NOT NULL,
		failed_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		released_funds BIGINT NOT NULL DEFAULT 0,
		minimum_balance BIGINT,
		escrow_funded INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS project_escrows (
		project_id TEXT PRIMARY KEY,
		escrow_address TEXT NOT NULL,
		encrypted_key_material TEXT NOT NULL,
		current_balance BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		project_id TEXT NOT NULL,
		payment_status TEXT NOT NULL DEFAULT 'UNPAID',
		payment_tx_hash TEXT,
		payment_job_id TEXT,
		updated_at BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		wallet_address TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS user_roles (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		project_id TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS recurring_payments (
		id TEXT PRIMARY KEY,
		user_role_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		amount BIGINT NOT NULL,
		frequency TEXT NOT NULL,
		start_date BIGINT NOT NULL,
		end_date BIGINT,
		next_payment_date BIGINT NOT NULL,
		last_paid_date BIGINT,
		total_paid BIGINT NOT NULL DEFAULT 0,
		payment_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		pause_reason TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_recurring_due ON recurring_payments(status, next_payment_date)`,
	`CREATE TABLE IF NOT EXISTS blockchain_transactions (
		id TEXT PRIMARY KEY,
		tx_hash TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL,
		amount BIGINT NOT NULL,
		fee BIGINT NOT NULL DEFAULT 0,
		from_address TEXT NOT NULL,
		to_address TEXT NOT NULL,
		project_id TEXT NOT NULL,
		task_id TEXT,
		recurring_payment_id TEXT,
		status TEXT NOT NULL,
		block_number BIGINT,
		confirmations INTEGER NOT NULL DEFAULT 0,
		error_message TEXT,
		submitted_at BIGINT NOT NULL,
		confirmed_at BIGINT,
		escalated_at BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tx_status_submitted ON blockchain_transactions(status, submitted_at)`,
	// at most one non-FAILED task payment per task
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_tx_task_active ON blockchain_transactions(task_id)
		WHERE type = 'TASK_PAYMENT' AND status <> 'FAILED'`,
	`CREATE TABLE IF NOT EXISTS sweep_locks (
		lock_key TEXT PRIMARY KEY,
		token TEXT NOT NULL,
		expires_at BIGINT NOT NULL
	)`,
}

// initSchema initializes the database schema
func (r *SQLRepository) initSchema() error {
	for _, stmt := range schema {
		if _, err := r.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

const jobColumns = `id, task_id, project_id, destination_wallet, amount, escrow_address, escrow_key_material,
	status, attempts, max_attempts, run_after, last_error, leased_at, lease_expires_at, created_at, updated_at`

func scanJob(s rowScanner) (*models.PaymentJob, error) {
	var job models.PaymentJob
	var lastError sql.NullString
	var leasedAt, leaseExpiresAt sql.NullInt64
	var runAfter, createdAt, updatedAt int64

	err := s.Scan(
		&job.ID,
		&job.TaskID,
		&job.ProjectID,
		&job.DestinationWallet,
		&job.Amount,
		&job.EscrowAddress,
		&job.EscrowKeyMaterial,
		&job.Status,
		&job.Attempts,
		&job.MaxAttempts,
		&runAfter,
		&lastError,
		&leasedAt,
		&leaseExpiresAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.LastError = lastError.String
	job.RunAfter = time.Unix(runAfter, 0)
	job.CreatedAt = time.Unix(createdAt, 0)
	job.UpdatedAt = time.Unix(updatedAt, 0)
	job.LeasedAt = unixPtr(leasedAt)
	job.LeaseExpiresAt = unixPtr(leaseExpiresAt)
	return &job, nil
}

// CreateJob writes a new PENDING job
func (r *SQLRepository) CreateJob(ctx context.Context, job *models.PaymentJob) error {
	query := `
		INSERT INTO payment_jobs (id, task_id, project_id, destination_wallet, amount, escrow_address,
			escrow_key_material, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.RunAfter.IsZero() {
		job.RunAfter = now
	}

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		job.ID,
		job.TaskID,
		job.ProjectID,
		job.DestinationWallet,
		job.Amount,
		job.EscrowAddress,
		job.EscrowKeyMaterial,
		job.Status,
		job.Attempts,
		job.MaxAttempts,
		job.RunAfter.Unix(),
		job.CreatedAt.Unix(),
		job.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetJobByID retrieves a job by ID
func (r *SQLRepository) GetJobByID(ctx context.Context, id string) (*models.PaymentJob, error) {
	query := `SELECT ` + jobColumns + ` FROM payment_jobs WHERE id = ?`

	job, err := scanJob(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListJobsByStatus retrieves all jobs with a specific status
func (r *SQLRepository) ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.PaymentJob, error) {
	query := `SELECT ` + jobColumns + ` FROM payment_jobs WHERE status = ? ORDER BY created_at ASC`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), status)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.PaymentJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}
	return jobs, nil
}

// LeaseJob leases the oldest runnable job and counts the attempt. A job is
// runnable when it is PENDING and due, or RUNNING with an expired lease.
// Returns nil when nothing is runnable or another worker won the row.
func (r *SQLRepository) LeaseJob(ctx context.Context, leaseDuration time.Duration) (*models.PaymentJob, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	nowUnix := now.Unix()
	expiresAt := now.Add(leaseDuration)

	query := `SELECT ` + jobColumns + ` FROM payment_jobs
		WHERE (status = 'PENDING' AND run_after <= ?) OR (status = 'RUNNING' AND lease_expires_at < ?)
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`

	job, err := scanJob(tx.QueryRowContext(ctx, r.rebind(query), nowUnix, nowUnix))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find leasable job: %w", err)
	}

	updateQuery := `
		UPDATE payment_jobs
		SET status = 'RUNNING', attempts = attempts + 1, leased_at = ?, lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND COALESCE(lease_expires_at, 0) = ?
	`
	var prevExpiry int64
	if job.LeaseExpiresAt != nil {
		prevExpiry = job.LeaseExpiresAt.Unix()
	}
	res, err := tx.ExecContext(ctx, r.rebind(updateQuery),
		nowUnix, expiresAt.Unix(), nowUnix, job.ID, job.Status, prevExpiry)
	if err != nil {
		return nil, fmt.Errorf("failed to update job lease: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	job.Status = models.StatusRunning
	job.Attempts++
	job.LeasedAt = &now
	job.LeaseExpiresAt = &expiresAt
	job.UpdatedAt = now
	return job, nil
}

// CompleteJob marks a job DONE
func (r *SQLRepository) CompleteJob(ctx context.Context, id string) error {
	query := `UPDATE payment_jobs SET status = 'DONE', last_error = NULL, updated_at = ? WHERE id = ?`

	if _, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().Unix(), id); err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	return nil
}

// RescheduleJob returns a job to PENDING for another attempt after runAfter
func (r *SQLRepository) RescheduleJob(ctx context.Context, id string, runAfter time.Time, lastError string) error {
	query := `
		UPDATE payment_jobs
		SET status = 'PENDING', run_after = ?, last_error = ?, leased_at = NULL, lease_expires_at = NULL, updated_at = ?
		WHERE id = ?
	`

	if _, err := r.db.ExecContext(ctx, r.rebind(query), runAfter.Unix(), lastError, time.Now().Unix(), id); err != nil {
		return fmt.Errorf("failed to reschedule job: %w", err)
	}
	return nil
}

// MoveToDeadLetterQueue moves a job to the dead letter queue
func (r *SQLRepository) MoveToDeadLetterQueue(ctx context.Context, job *models.PaymentJob, failureReason string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	insertQuery := `
		INSERT INTO dead_letter_jobs (id, job_id, task_id, project_id, amount, attempts, failure_reason, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, r.rebind(insertQuery),
		uuid.New().String(),
		job.ID,
		job.TaskID,
		job.ProjectID,
		job.Amount,
		job.Attempts,
		failureReason,
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert into dead letter queue: %w", err)
	}

	_, err = tx.ExecContext(ctx, r.rebind("DELETE FROM payment_jobs WHERE id = ?"), job.ID)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListDeadLetterJobs retrieves all dead letter jobs
func (r *SQLRepository) ListDeadLetterJobs(ctx context.Context) ([]*models.DeadLetterJob, error) {
	query := `
		SELECT id, job_id, task_id, project_id, amount, attempts, failure_reason, failed_at
		FROM dead_letter_jobs
		ORDER BY failed_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letter jobs: %w", err)
	}
	defer rows.Close()

	var dlqJobs []*models.DeadLetterJob
	for rows.Next() {
		var dlqJob models.DeadLetterJob
		var failedAt int64

		err := rows.Scan(
			&dlqJob.ID,
			&dlqJob.JobID,
			&dlqJob.TaskID,
			&dlqJob.ProjectID,
			&dlqJob.Amount,
			&dlqJob.Attempts,
			&dlqJob.FailureReason,
			&failedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter job: %w", err)
		}

		dlqJob.FailedAt = time.Unix(failedAt, 0)
		dlqJobs = append(dlqJobs, &dlqJob)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate dead letter jobs: %w", err)
	}
	return dlqJobs, nil
}

func unixPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}

func nullUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
