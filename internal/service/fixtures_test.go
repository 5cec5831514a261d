package service

import (
	"context"
	"fmt"
	"path/filepath"
	"payout-engine/internal/chain"
	"payout-engine/internal/repository"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeChain is an in-memory chain. Submitted transfers debit the sender's
// balance; queued errors are consumed one per call.
type fakeChain struct {
	mu sync.Mutex

	balances     map[string]int64
	balanceErrs  map[string]error
	submitErrs   []error
	submitErrFor map[string]error // by destination address
	awaitErrs    []error
	statuses     map[string]*chain.Status
	statusErrs   map[string]error
	onAwait      func(txHash string) // runs before the confirmation is returned

	submitted []chain.TransferRequest
	awaited   []string
	nextHash  int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		balances:     make(map[string]int64),
		balanceErrs:  make(map[string]error),
		submitErrFor: make(map[string]error),
		statuses:     make(map[string]*chain.Status),
		statusErrs:   make(map[string]error),
	}
}

func (c *fakeChain) SubmitTransfer(ctx context.Context, req chain.TransferRequest) (*chain.Submission, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.submitErrs) > 0 {
		err := c.submitErrs[0]
		c.submitErrs = c.submitErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if err := c.submitErrFor[req.ToAddress]; err != nil {
		return nil, err
	}

	c.nextHash++
	c.submitted = append(c.submitted, req)
	c.balances[req.FromAddress] -= req.Amount
	return &chain.Submission{TxHash: fmt.Sprintf("0xtx%d", c.nextHash), Fee: 1}, nil
}

func (c *fakeChain) AwaitConfirmation(ctx context.Context, txHash string) (*chain.Confirmation, error) {
	c.mu.Lock()
	hook := c.onAwait
	c.mu.Unlock()
	if hook != nil {
		hook(txHash)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.awaited = append(c.awaited, txHash)
	if len(c.awaitErrs) > 0 {
		err := c.awaitErrs[0]
		c.awaitErrs = c.awaitErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &chain.Confirmation{BlockNumber: 100, Confirmations: 1}, nil
}

func (c *fakeChain) GetTransactionStatus(ctx context.Context, txHash string) (*chain.Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.statusErrs[txHash]; err != nil {
		return nil, err
	}
	if st, ok := c.statuses[txHash]; ok {
		return st, nil
	}
	return &chain.Status{}, nil
}

func (c *fakeChain) GetBalance(ctx context.Context, address string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.balanceErrs[address]; err != nil {
		return 0, err
	}
	return c.balances[address], nil
}

func (c *fakeChain) submissions() []chain.TransferRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]chain.TransferRequest, len(c.submitted))
	copy(out, c.submitted)
	return out
}

// ledger fixtures on a temp SQLite database

func newTestStore(t *testing.T) *repository.SQLRepository {
	t.Helper()
	return openTestStore(t, filepath.Join(t.TempDir(), "payouts.db"))
}

// openTestStore opens a handle on path; two handles on one file stand in for
// two engine processes sharing a ledger
func openTestStore(t *testing.T, path string) *repository.SQLRepository {
	t.Helper()
	repo, err := repository.NewSQLRepository(repository.DriverSQLite, path)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func mustExec(t *testing.T, repo *repository.SQLRepository, query string, args ...any) {
	t.Helper()
	_, err := repo.DB().Exec(query, args...)
	require.NoError(t, err)
}

func seedProject(t *testing.T, repo *repository.SQLRepository, id string, minBalance *int64) {
	t.Helper()
	mustExec(t, repo, `INSERT INTO projects (id, name, minimum_balance, escrow_funded) VALUES (?, ?, ?, 1)`,
		id, "Project "+id, minBalance)
	mustExec(t, repo, `INSERT INTO project_escrows (project_id, escrow_address, encrypted_key_material, current_balance)
		VALUES (?, ?, 'enc-key', 0)`, id, "escrow-"+id)
}

func seedTask(t *testing.T, repo *repository.SQLRepository, id, projectID string) {
	t.Helper()
	mustExec(t, repo, `INSERT INTO tasks (id, project_id) VALUES (?, ?)`, id, projectID)
}

func seedPayee(t *testing.T, repo *repository.SQLRepository, roleID, projectID, wallet string) {
	t.Helper()
	userID := "user-" + roleID
	var w any
	if wallet != "" {
		w = wallet
	}
	mustExec(t, repo, `INSERT INTO users (id, wallet_address) VALUES (?, ?)`, userID, w)
	mustExec(t, repo, `INSERT INTO user_roles (id, user_id, project_id) VALUES (?, ?, ?)`, roleID, userID, projectID)
}

func seedRecurring(t *testing.T, repo *repository.SQLRepository, id, roleID, projectID string, amount int64, freq string, next time.Time) {
	t.Helper()
	mustExec(t, repo, `INSERT INTO recurring_payments (id, user_role_id, project_id, amount, frequency, start_date,
		next_payment_date) VALUES (?, ?, ?, ?, ?, ?, ?)`, id, roleID, projectID, amount, freq, next.Unix(), next.Unix())
}

type recurringRow struct {
	Status       string
	PauseReason  string
	NextPayment  time.Time
	TotalPaid    int64
	PaymentCount int
}

func loadRecurring(t *testing.T, repo *repository.SQLRepository, id string) recurringRow {
	t.Helper()
	var row recurringRow
	var next int64
	var reason *string
	err := repo.DB().QueryRow(`SELECT status, pause_reason, next_payment_date, total_paid, payment_count
		FROM recurring_payments WHERE id = ?`, id).Scan(&row.Status, &reason, &next, &row.TotalPaid, &row.PaymentCount)
	require.NoError(t, err)
	if reason != nil {
		row.PauseReason = *reason
	}
	row.NextPayment = time.Unix(next, 0).UTC()
	return row
}

func countTransactions(t *testing.T, repo *repository.SQLRepository, where string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, repo.DB().QueryRow(`SELECT COUNT(*) FROM blockchain_transactions WHERE `+where, args...).Scan(&n))
	return n
}
