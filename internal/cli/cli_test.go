package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"payout-engine/internal/models"
	"payout-engine/internal/service"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "payouts.yaml")
	body := "database:\n  driver: sqlite3\n  dsn: " + filepath.Join(dir, "payouts.db") + "\nlog:\n  level: error\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := BuildCLI()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCLI_EnqueueAndList(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, "-c", cfg, "enqueue", "--task", "t1", "--project", "p1", "--wallet", "w1",
		"--amount", "12.5", "--escrow", "escrow-p1", "--key", "enc-key")
	require.NoError(t, err)

	var job models.PaymentJob
	require.NoError(t, json.Unmarshal([]byte(out), &job))
	assert.Equal(t, int64(12500000), job.Amount)
	assert.Equal(t, models.StatusPending, job.Status)

	out, err = run(t, "-c", cfg, "jobs", "--status", "pending")
	require.NoError(t, err)
	var jobs []models.PaymentJob
	require.NoError(t, json.Unmarshal([]byte(out), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)

	out, err = run(t, "-c", cfg, "dlq")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, out)
}

func TestCLI_EnqueueRejectsBadAmount(t *testing.T) {
	cfg := writeConfig(t)

	_, err := run(t, "-c", cfg, "enqueue", "--task", "t1", "--project", "p1", "--wallet", "w1",
		"--amount", "0.0000001", "--escrow", "escrow-p1", "--key", "enc-key")
	assert.ErrorContains(t, err, "decimals")

	_, err = run(t, "-c", cfg, "enqueue", "--task", "t1")
	assert.Error(t, err)
}

func TestCLI_RecurringRunOnEmptyLedger(t *testing.T) {
	cfg := writeConfig(t)

	out, err := run(t, "-c", cfg, "recurring", "run")
	require.NoError(t, err)

	var res service.BatchResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, service.BatchResult{}, res)
}

func TestCLI_Export(t *testing.T) {
	cfg := writeConfig(t)
	dest := filepath.Join(t.TempDir(), "ledger.xlsx")

	out, err := run(t, "-c", cfg, "export", "--out", dest, "--from", "2025-01-01", "--to", "2025-02-01")
	require.NoError(t, err)
	assert.Contains(t, out, "exported 0 transactions")
	assert.FileExists(t, dest)

	_, err = run(t, "-c", cfg, "export", "--out", dest, "--from", "2025-02-01", "--to", "2025-01-01")
	assert.ErrorContains(t, err, "--from must be before --to")
}
