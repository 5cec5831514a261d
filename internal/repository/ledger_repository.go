package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"payout-engine/internal/models"
	"time"
)

// GetTask retrieves the payment columns of a task
func (r *SQLRepository) GetTask(ctx context.Context, id string) (*models.Task, error) {
	query := `SELECT id, project_id, payment_status, payment_tx_hash, payment_job_id, updated_at FROM tasks WHERE id = ?`

	var task models.Task
	var txHash, jobID sql.NullString
	var updatedAt int64
	err := r.db.QueryRowContext(ctx, r.rebind(query), id).Scan(
		&task.ID, &task.ProjectID, &task.PaymentStatus, &txHash, &jobID, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	task.PaymentTxHash = txHash.String
	task.PaymentJobID = jobID.String
	task.UpdatedAt = time.Unix(updatedAt, 0)
	return &task, nil
}

// ClaimTaskPayment moves a task into PROCESSING for the given job
func (r *SQLRepository) ClaimTaskPayment(ctx context.Context, taskID, jobID string) (bool, error) {
	query := `
		UPDATE tasks
		SET payment_status = 'PROCESSING', payment_job_id = ?, updated_at = ?
		WHERE id = ?
		  AND (payment_status IN ('UNPAID', 'FAILED')
		       OR (payment_status = 'PROCESSING' AND payment_job_id = ?))
	`
	res, err := r.db.ExecContext(ctx, r.rebind(query), jobID, time.Now().Unix(), taskID, jobID)
	if err != nil {
		return false, fmt.Errorf("failed to claim task payment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim task payment: %w", err)
	}
	return n == 1, nil
}

// FailTaskPayment marks a task FAILED if the job still owns it
func (r *SQLRepository) FailTaskPayment(ctx context.Context, taskID, jobID string) error {
	query := `
		UPDATE tasks SET payment_status = 'FAILED', updated_at = ?
		WHERE id = ? AND payment_job_id = ? AND payment_status <> 'PAID'
	`
	if _, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().Unix(), taskID, jobID); err != nil {
		return fmt.Errorf("failed to mark task payment failed: %w", err)
	}
	return nil
}

// GetProject retrieves a project
func (r *SQLRepository) GetProject(ctx context.Context, id string) (*models.Project, error) {
	query := `SELECT id, name, released_funds, minimum_balance, escrow_funded FROM projects WHERE id = ?`

	var p models.Project
	var minBalance sql.NullInt64
	var funded int
	err := r.db.QueryRowContext(ctx, r.rebind(query), id).Scan(&p.ID, &p.Name, &p.ReleasedFunds, &minBalance, &funded)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	if minBalance.Valid {
		v := minBalance.Int64
		p.MinimumBalance = &v
	}
	p.EscrowFunded = funded == 1
	return &p, nil
}

// GetProjectEscrow returns the escrow of a project, or nil when it has none
func (r *SQLRepository) GetProjectEscrow(ctx context.Context, projectID string) (*models.ProjectEscrow, error) {
	query := `SELECT project_id, escrow_address, encrypted_key_material, current_balance FROM project_escrows WHERE project_id = ?`

	var e models.ProjectEscrow
	err := r.db.QueryRowContext(ctx, r.rebind(query), projectID).Scan(
		&e.ProjectID, &e.EscrowAddress, &e.EncryptedKeyMaterial, &e.CurrentBalance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get project escrow: %w", err)
	}
	return &e, nil
}

// UpdateEscrowBalance refreshes the cached escrow balance from a chain read
func (r *SQLRepository) UpdateEscrowBalance(ctx context.Context, projectID string, balance int64) error {
	query := `UPDATE project_escrows SET current_balance = ? WHERE project_id = ?`
	if _, err := r.db.ExecContext(ctx, r.rebind(query), balance, projectID); err != nil {
		return fmt.Errorf("failed to update escrow balance: %w", err)
	}
	return nil
}

// ListBalanceWatchProjects lists funded projects with a configured minimum balance
func (r *SQLRepository) ListBalanceWatchProjects(ctx context.Context) ([]*models.BalanceWatch, error) {
	query := `
		SELECT p.id, p.name, e.escrow_address, p.minimum_balance
		FROM projects p
		JOIN project_escrows e ON e.project_id = p.id
		WHERE p.minimum_balance IS NOT NULL AND p.escrow_funded = 1
		ORDER BY p.id
	`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query balance watch projects: %w", err)
	}
	defer rows.Close()

	var out []*models.BalanceWatch
	for rows.Next() {
		var w models.BalanceWatch
		if err := rows.Scan(&w.ProjectID, &w.ProjectName, &w.EscrowAddress, &w.MinimumBalance); err != nil {
			return nil, fmt.Errorf("failed to scan balance watch project: %w", err)
		}
		out = append(out, &w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate balance watch projects: %w", err)
	}
	return out, nil
}

// GetPayeeWallet returns the wallet of the user behind a role, "" when unset
func (r *SQLRepository) GetPayeeWallet(ctx context.Context, userRoleID string) (string, error) {
	query := `
		SELECT u.wallet_address
		FROM user_roles ur
		JOIN users u ON u.id = ur.user_id
		WHERE ur.id = ?
	`
	var wallet sql.NullString
	err := r.db.QueryRowContext(ctx, r.rebind(query), userRoleID).Scan(&wallet)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get payee wallet: %w", err)
	}
	return wallet.String, nil
}

const txColumns = `id, tx_hash, type, amount, fee, from_address, to_address, project_id, task_id,
	recurring_payment_id, status, block_number, confirmations, error_message, submitted_at, confirmed_at, escalated_at`

func scanTransaction(s rowScanner) (*models.BlockchainTransaction, error) {
	var tx models.BlockchainTransaction
	var taskID, recurringID, errMsg sql.NullString
	var blockNumber, confirmedAt, escalatedAt sql.NullInt64
	var submittedAt int64

	err := s.Scan(
		&tx.ID,
		&tx.TxHash,
		&tx.Type,
		&tx.Amount,
		&tx.Fee,
		&tx.FromAddress,
		&tx.ToAddress,
		&tx.ProjectID,
		&taskID,
		&recurringID,
		&tx.Status,
		&blockNumber,
		&tx.Confirmations,
		&errMsg,
		&submittedAt,
		&confirmedAt,
		&escalatedAt,
	)
	if err != nil {
		return nil, err
	}

	tx.TaskID = taskID.String
	tx.RecurringPaymentID = recurringID.String
	tx.ErrorMessage = errMsg.String
	if blockNumber.Valid {
		b := uint64(blockNumber.Int64)
		tx.BlockNumber = &b
	}
	tx.SubmittedAt = time.Unix(submittedAt, 0)
	tx.ConfirmedAt = unixPtr(confirmedAt)
	tx.EscalatedAt = unixPtr(escalatedAt)
	return &tx, nil
}

const insertTransactionQuery = `
	INSERT INTO blockchain_transactions (id, tx_hash, type, amount, fee, from_address, to_address, project_id,
		task_id, recurring_payment_id, status, block_number, confirmations, error_message, submitted_at, confirmed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *SQLRepository) insertTransaction(ctx context.Context, ex execer, tx *models.BlockchainTransaction) error {
	var blockNumber any
	if tx.BlockNumber != nil {
		blockNumber = int64(*tx.BlockNumber)
	}
	_, err := ex.ExecContext(ctx, r.rebind(insertTransactionQuery),
		tx.ID,
		tx.TxHash,
		tx.Type,
		tx.Amount,
		tx.Fee,
		tx.FromAddress,
		tx.ToAddress,
		tx.ProjectID,
		nullString(tx.TaskID),
		nullString(tx.RecurringPaymentID),
		tx.Status,
		blockNumber,
		tx.Confirmations,
		nullString(tx.ErrorMessage),
		tx.SubmittedAt.Unix(),
		nullUnix(tx.ConfirmedAt),
	)
	return err
}

// CreateTransaction records a submitted transfer
func (r *SQLRepository) CreateTransaction(ctx context.Context, tx *models.BlockchainTransaction) error {
	if err := r.insertTransaction(ctx, r.db, tx); err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

// GetTransactionByHash retrieves a transaction by its chain hash
func (r *SQLRepository) GetTransactionByHash(ctx context.Context, txHash string) (*models.BlockchainTransaction, error) {
	query := `SELECT ` + txColumns + ` FROM blockchain_transactions WHERE tx_hash = ?`

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, r.rebind(query), txHash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return tx, nil
}

// GetActiveTaskTransaction returns the non-FAILED task payment of a task, or nil
func (r *SQLRepository) GetActiveTaskTransaction(ctx context.Context, taskID string) (*models.BlockchainTransaction, error) {
	query := `SELECT ` + txColumns + ` FROM blockchain_transactions
		WHERE task_id = ? AND type = 'TASK_PAYMENT' AND status <> 'FAILED'`

	tx, err := scanTransaction(r.db.QueryRowContext(ctx, r.rebind(query), taskID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get task transaction: %w", err)
	}
	return tx, nil
}

// ConfirmTransaction confirms a PENDING transaction and settles its task
func (r *SQLRepository) ConfirmTransaction(ctx context.Context, txHash string, c models.Confirmation) (bool, error) {
	dbtx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer dbtx.Rollback()

	res, err := dbtx.ExecContext(ctx, r.rebind(`
		UPDATE blockchain_transactions
		SET status = 'CONFIRMED', block_number = ?, confirmations = ?, confirmed_at = ?
		WHERE tx_hash = ? AND status = 'PENDING'
	`), int64(c.BlockNumber), c.Confirmations, c.ConfirmedAt.Unix(), txHash)
	if err != nil {
		return false, fmt.Errorf("failed to confirm transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to confirm transaction: %w", err)
	}

	tx, err := scanTransaction(dbtx.QueryRowContext(ctx,
		r.rebind(`SELECT `+txColumns+` FROM blockchain_transactions WHERE tx_hash = ?`), txHash))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("failed to reload transaction: %w", err)
	}

	if tx.Status == models.TxConfirmed && tx.TaskID != "" {
		if err := r.settleTask(ctx, dbtx, tx); err != nil {
			return false, err
		}
	}

	if err := dbtx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return n == 1, nil
}

// settleTask marks the task PAID and releases the funds on the project, only
// on the task's transition into PAID.
func (r *SQLRepository) settleTask(ctx context.Context, ex execer, tx *models.BlockchainTransaction) error {
	res, err := ex.ExecContext(ctx, r.rebind(`
		UPDATE tasks SET payment_status = 'PAID', payment_tx_hash = ?, updated_at = ?
		WHERE id = ? AND payment_status <> 'PAID'
	`), tx.TxHash, time.Now().Unix(), tx.TaskID)
	if err != nil {
		return fmt.Errorf("failed to mark task paid: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark task paid: %w", err)
	}
	if n == 0 {
		return nil
	}
	_, err = ex.ExecContext(ctx, r.rebind(`UPDATE projects SET released_funds = released_funds + ? WHERE id = ?`),
		tx.Amount, tx.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to release project funds: %w", err)
	}
	return nil
}

// FailTransaction fails a PENDING transaction and its unpaid task
func (r *SQLRepository) FailTransaction(ctx context.Context, txHash, errorMessage string) (bool, error) {
	dbtx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer dbtx.Rollback()

	res, err := dbtx.ExecContext(ctx, r.rebind(`
		UPDATE blockchain_transactions SET status = 'FAILED', error_message = ?
		WHERE tx_hash = ? AND status = 'PENDING'
	`), errorMessage, txHash)
	if err != nil {
		return false, fmt.Errorf("failed to fail transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to fail transaction: %w", err)
	}

	if n == 1 {
		_, err = dbtx.ExecContext(ctx, r.rebind(`
			UPDATE tasks SET payment_status = 'FAILED', updated_at = ?
			WHERE payment_status <> 'PAID'
			  AND id = (SELECT task_id FROM blockchain_transactions WHERE tx_hash = ?)
		`), time.Now().Unix(), txHash)
		if err != nil {
			return false, fmt.Errorf("failed to mark task failed: %w", err)
		}
	}

	if err := dbtx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return n == 1, nil
}

func (r *SQLRepository) listTransactions(ctx context.Context, query string, args ...any) ([]*models.BlockchainTransaction, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []*models.BlockchainTransaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}
	return out, nil
}

// ListPendingTransactions lists PENDING transactions submitted at or after since
func (r *SQLRepository) ListPendingTransactions(ctx context.Context, since time.Time) ([]*models.BlockchainTransaction, error) {
	return r.listTransactions(ctx, `SELECT `+txColumns+` FROM blockchain_transactions
		WHERE status = 'PENDING' AND submitted_at >= ? ORDER BY submitted_at ASC`, since.Unix())
}

// ListStalePendingTransactions lists PENDING transactions submitted before
// before that have not been escalated yet
func (r *SQLRepository) ListStalePendingTransactions(ctx context.Context, before time.Time) ([]*models.BlockchainTransaction, error) {
	return r.listTransactions(ctx, `SELECT `+txColumns+` FROM blockchain_transactions
		WHERE status = 'PENDING' AND submitted_at < ? AND escalated_at IS NULL ORDER BY submitted_at ASC`, before.Unix())
}

// MarkTransactionEscalated records that a stale transaction was handed to manual review
func (r *SQLRepository) MarkTransactionEscalated(ctx context.Context, txHash string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, r.rebind(`UPDATE blockchain_transactions SET escalated_at = ? WHERE tx_hash = ?`),
		at.Unix(), txHash)
	if err != nil {
		return fmt.Errorf("failed to mark transaction escalated: %w", err)
	}
	return nil
}

// ListTransactions lists transactions submitted in [from, to)
func (r *SQLRepository) ListTransactions(ctx context.Context, from, to time.Time) ([]*models.BlockchainTransaction, error) {
	return r.listTransactions(ctx, `SELECT `+txColumns+` FROM blockchain_transactions
		WHERE submitted_at >= ? AND submitted_at < ? ORDER BY submitted_at ASC`, from.Unix(), to.Unix())
}

const recurringColumns = `id, user_role_id, project_id, amount, frequency, start_date, end_date, next_payment_date,
	last_paid_date, total_paid, payment_count, status, pause_reason`

func scanRecurring(s rowScanner) (*models.RecurringPayment, error) {
	var rp models.RecurringPayment
	var endDate, lastPaid sql.NullInt64
	var pauseReason sql.NullString
	var startDate, nextDate int64

	err := s.Scan(
		&rp.ID,
		&rp.UserRoleID,
		&rp.ProjectID,
		&rp.Amount,
		&rp.Frequency,
		&startDate,
		&endDate,
		&nextDate,
		&lastPaid,
		&rp.TotalPaid,
		&rp.PaymentCount,
		&rp.Status,
		&pauseReason,
	)
	if err != nil {
		return nil, err
	}
	rp.StartDate = time.Unix(startDate, 0).UTC()
	rp.NextPaymentDate = time.Unix(nextDate, 0).UTC()
	rp.EndDate = unixPtr(endDate)
	rp.LastPaidDate = unixPtr(lastPaid)
	rp.PauseReason = pauseReason.String
	return &rp, nil
}

// ListDueRecurringPayments lists ACTIVE payments due at now whose end date has not passed
func (r *SQLRepository) ListDueRecurringPayments(ctx context.Context, now time.Time) ([]*models.RecurringPayment, error) {
	query := `SELECT ` + recurringColumns + ` FROM recurring_payments
		WHERE status = 'ACTIVE' AND next_payment_date <= ?
		  AND (end_date IS NULL OR end_date >= next_payment_date)
		ORDER BY next_payment_date ASC, id ASC`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query due recurring payments: %w", err)
	}
	defer rows.Close()

	var out []*models.RecurringPayment
	for rows.Next() {
		rp, err := scanRecurring(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recurring payment: %w", err)
		}
		out = append(out, rp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate recurring payments: %w", err)
	}
	return out, nil
}

// PauseRecurringPayment pauses a payment with a reason; it stays paused until reactivated externally
func (r *SQLRepository) PauseRecurringPayment(ctx context.Context, id, reason string) error {
	_, err := r.db.ExecContext(ctx, r.rebind(`UPDATE recurring_payments SET status = 'PAUSED', pause_reason = ? WHERE id = ?`),
		reason, id)
	if err != nil {
		return fmt.Errorf("failed to pause recurring payment: %w", err)
	}
	return nil
}

// ApplyRecurringPayment records a salary transfer and advances the schedule atomically
func (r *SQLRepository) ApplyRecurringPayment(ctx context.Context, rp *models.RecurringPayment, tx *models.BlockchainTransaction, next, paidAt time.Time) error {
	dbtx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer dbtx.Rollback()

	res, err := dbtx.ExecContext(ctx, r.rebind(`
		UPDATE recurring_payments
		SET next_payment_date = ?, last_paid_date = ?, total_paid = total_paid + ?, payment_count = payment_count + 1
		WHERE id = ? AND status = 'ACTIVE' AND next_payment_date = ?
	`), next.Unix(), paidAt.Unix(), rp.Amount, rp.ID, rp.NextPaymentDate.Unix())
	if err != nil {
		return fmt.Errorf("failed to advance recurring payment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to advance recurring payment: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}

	if err := r.insertTransaction(ctx, dbtx, tx); err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}

	_, err = dbtx.ExecContext(ctx, r.rebind(`UPDATE projects SET released_funds = released_funds + ? WHERE id = ?`),
		rp.Amount, rp.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to release project funds: %w", err)
	}

	_, err = dbtx.ExecContext(ctx, r.rebind(`UPDATE project_escrows SET current_balance = current_balance - ? WHERE project_id = ?`),
		rp.Amount, rp.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to decrement escrow balance: %w", err)
	}

	if err := dbtx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
