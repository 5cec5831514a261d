// Package report exports the transaction ledger for reconciliation against
// chain history.
package report

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"payout-engine/internal/models"
	"sort"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

const (
	transactionsSheet = "Transactions"
	summarySheet      = "Summary"
)

var transactionHeaders = []string{
	"tx_hash", "type", "status", "project_id", "task_id", "recurring_payment_id",
	"amount", "fee", "from_address", "to_address", "block_number", "confirmations",
	"submitted_at", "confirmed_at", "error_message",
}

var summaryHeaders = []string{"project_id", "confirmed_count", "confirmed_amount", "pending_count", "pending_amount", "failed_count"}

// TransactionLister is the ledger read the export needs
type TransactionLister interface {
	ListTransactions(ctx context.Context, from, to time.Time) ([]*models.BlockchainTransaction, error)
}

// ExportLedger writes the transactions submitted in [from, to) to an XLSX file at outPath
func ExportLedger(ctx context.Context, src TransactionLister, from, to time.Time, decimals int32, outPath string) (int, error) {
	if strings.TrimSpace(outPath) == "" {
		return 0, fmt.Errorf("output path is empty")
	}
	txs, err := src.ListTransactions(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("failed to list transactions: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create output directory: %w", err)
	}
	out, err := os.Create(outPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create export file: %w", err)
	}
	defer out.Close()

	if err := WriteLedger(out, txs, decimals); err != nil {
		return 0, err
	}
	return len(txs), nil
}

// WriteLedger renders txs as a workbook with a Transactions sheet and a
// per-project Summary sheet. Amounts are written as decimal strings.
func WriteLedger(w io.Writer, txs []*models.BlockchainTransaction, decimals int32) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	def := f.GetSheetName(0)
	if def == "" {
		def = "Sheet1"
	}
	if err := f.SetSheetName(def, transactionsSheet); err != nil {
		return err
	}
	if _, err := f.NewSheet(summarySheet); err != nil {
		return err
	}
	f.SetActiveSheet(0)

	if err := writeTransactions(f, txs, decimals); err != nil {
		return fmt.Errorf("failed to write transactions sheet: %w", err)
	}
	if err := writeSummary(f, txs, decimals); err != nil {
		return fmt.Errorf("failed to write summary sheet: %w", err)
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}

func writeTransactions(f *excelize.File, txs []*models.BlockchainTransaction, decimals int32) error {
	sw, err := f.NewStreamWriter(transactionsSheet)
	if err != nil {
		return err
	}
	if err := sw.SetRow("A1", toRow(transactionHeaders)); err != nil {
		return err
	}

	for i, tx := range txs {
		var block any = ""
		if tx.BlockNumber != nil {
			block = *tx.BlockNumber
		}
		confirmedAt := ""
		if tx.ConfirmedAt != nil {
			confirmedAt = tx.ConfirmedAt.UTC().Format(time.RFC3339)
		}
		row := []any{
			tx.TxHash,
			string(tx.Type),
			string(tx.Status),
			tx.ProjectID,
			tx.TaskID,
			tx.RecurringPaymentID,
			models.FormatAmount(tx.Amount, decimals),
			models.FormatAmount(tx.Fee, decimals),
			tx.FromAddress,
			tx.ToAddress,
			block,
			tx.Confirmations,
			tx.SubmittedAt.UTC().Format(time.RFC3339),
			confirmedAt,
			tx.ErrorMessage,
		}
		axis, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := sw.SetRow(axis, row); err != nil {
			return err
		}
	}
	return sw.Flush()
}

type projectTotals struct {
	confirmedCount  int
	confirmedAmount int64
	pendingCount    int
	pendingAmount   int64
	failedCount     int
}

func writeSummary(f *excelize.File, txs []*models.BlockchainTransaction, decimals int32) error {
	totals := make(map[string]*projectTotals)
	for _, tx := range txs {
		t, ok := totals[tx.ProjectID]
		if !ok {
			t = &projectTotals{}
			totals[tx.ProjectID] = t
		}
		switch tx.Status {
		case models.TxConfirmed:
			t.confirmedCount++
			t.confirmedAmount += tx.Amount
		case models.TxPending:
			t.pendingCount++
			t.pendingAmount += tx.Amount
		case models.TxFailed:
			t.failedCount++
		}
	}

	projects := make([]string, 0, len(totals))
	for id := range totals {
		projects = append(projects, id)
	}
	sort.Strings(projects)

	sw, err := f.NewStreamWriter(summarySheet)
	if err != nil {
		return err
	}
	if err := sw.SetRow("A1", toRow(summaryHeaders)); err != nil {
		return err
	}
	for i, id := range projects {
		t := totals[id]
		axis, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := []any{
			id,
			t.confirmedCount,
			models.FormatAmount(t.confirmedAmount, decimals),
			t.pendingCount,
			models.FormatAmount(t.pendingAmount, decimals),
			t.failedCount,
		}
		if err := sw.SetRow(axis, row); err != nil {
			return err
		}
	}
	return sw.Flush()
}

func toRow(values []string) []any {
	row := make([]any, len(values))
	for i, v := range values {
		row[i] = v
	}
	return row
}
