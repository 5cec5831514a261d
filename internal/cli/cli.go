// Package cli is the operator command line for the payout engine.
//
//	payctl enqueue --task T --project P --wallet W --amount 12.5 --escrow E --key K
//	payctl jobs --status PENDING
//	payctl dlq
//	payctl recurring run
//	payctl balances check
//	payctl export --out ledger.xlsx --from 2025-01-01 --to 2025-02-01
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"payout-engine/internal/app"
	"payout-engine/internal/config"
	"payout-engine/internal/models"
	"payout-engine/internal/obs"
	"payout-engine/internal/report"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const dateLayout = "2006-01-02"

// BuildCLI returns the root command
func BuildCLI() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "payctl",
		Short:         "Operate the escrow payout engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultPath, "config file path")

	open := func(cmd *cobra.Command) (*app.App, error) {
		cfg, err := config.Load(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		logger := obs.NewLogger(cmd.ErrOrStderr(), obs.ServiceName("payctl"), cfg.Log.Level)
		return app.New(cmd.Context(), cfg, logger)
	}

	rootCmd.AddCommand(
		buildEnqueueCommand(open),
		buildJobsCommand(open),
		buildDLQCommand(open),
		buildRecurringCommand(open),
		buildBalancesCommand(open),
		buildExportCommand(open),
	)
	return rootCmd
}

type opener func(cmd *cobra.Command) (*app.App, error)

// withApp opens the engine for one command and closes it afterwards
func withApp(open opener, fn func(cmd *cobra.Command, a *app.App) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := open(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, a)
	}
}

func buildEnqueueCommand(open opener) *cobra.Command {
	var req models.EnqueuePaymentRequest
	var amount string

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a task payment",
		RunE: withApp(open, func(cmd *cobra.Command, a *app.App) error {
			units, err := models.ParseAmount(amount, a.Config.Chain.Decimals)
			if err != nil {
				return err
			}
			req.Amount = units

			job, err := a.Payments.EnqueuePayment(cmd.Context(), &req)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		}),
	}

	cmd.Flags().StringVar(&req.TaskID, "task", "", "task id")
	cmd.Flags().StringVar(&req.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&req.DestinationWallet, "wallet", "", "destination wallet address")
	cmd.Flags().StringVar(&amount, "amount", "", "amount in asset units, e.g. 12.5")
	cmd.Flags().StringVar(&req.EscrowAddress, "escrow", "", "project escrow address")
	cmd.Flags().StringVar(&req.EscrowKeyMaterial, "key", "", "encrypted escrow key material")
	for _, f := range []string{"task", "project", "wallet", "amount", "escrow", "key"} {
		_ = cmd.MarkFlagRequired(f)
	}
	return cmd
}

func buildJobsCommand(open opener) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List payment jobs by status",
		RunE: withApp(open, func(cmd *cobra.Command, a *app.App) error {
			jobs, err := a.Payments.ListJobsByStatus(cmd.Context(), models.JobStatus(strings.ToUpper(status)))
			if err != nil {
				return err
			}
			if jobs == nil {
				jobs = []*models.PaymentJob{}
			}
			return printJSON(cmd.OutOrStdout(), jobs)
		}),
	}
	cmd.Flags().StringVar(&status, "status", string(models.StatusPending), "job status")
	return cmd
}

func buildDLQCommand(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "dlq",
		Short: "List payment jobs in the dead letter queue",
		RunE: withApp(open, func(cmd *cobra.Command, a *app.App) error {
			jobs, err := a.Payments.ListDeadLetterJobs(cmd.Context())
			if err != nil {
				return err
			}
			if jobs == nil {
				jobs = []*models.DeadLetterJob{}
			}
			return printJSON(cmd.OutOrStdout(), jobs)
		}),
	}
}

func buildRecurringCommand(open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recurring",
		Short: "Recurring payment operations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run one recurring payment batch now",
		RunE: withApp(open, func(cmd *cobra.Command, a *app.App) error {
			res, err := a.Scheduler.RunRecurringPaymentsBatch(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		}),
	})
	return cmd
}

func buildBalancesCommand(open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balances",
		Short: "Escrow balance operations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Run the low balance check now",
		RunE: withApp(open, func(cmd *cobra.Command, a *app.App) error {
			res, err := a.Scheduler.RunLowBalanceCheck(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		}),
	})
	return cmd
}

func buildExportCommand(open opener) *cobra.Command {
	var out, fromStr, toStr string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the transaction ledger to XLSX",
		RunE: withApp(open, func(cmd *cobra.Command, a *app.App) error {
			from, to, err := parseRange(fromStr, toStr)
			if err != nil {
				return err
			}
			n, err := report.ExportLedger(cmd.Context(), a.Store, from, to, a.Config.Chain.Decimals, out)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d transactions to %s\n", n, out)
			return nil
		}),
	}
	cmd.Flags().StringVar(&out, "out", "ledger.xlsx", "output file")
	cmd.Flags().StringVar(&fromStr, "from", "", "first day, YYYY-MM-DD (default: 30 days ago)")
	cmd.Flags().StringVar(&toStr, "to", "", "day after the last day, YYYY-MM-DD (default: tomorrow)")
	return cmd
}

func parseRange(fromStr, toStr string) (time.Time, time.Time, error) {
	today := time.Now().UTC().Truncate(24 * time.Hour)
	from, to := today.AddDate(0, 0, -30), today.AddDate(0, 0, 1)

	var err error
	if fromStr != "" {
		if from, err = time.Parse(dateLayout, fromStr); err != nil {
			return from, to, fmt.Errorf("invalid --from: %w", err)
		}
	}
	if toStr != "" {
		if to, err = time.Parse(dateLayout, toStr); err != nil {
			return from, to, fmt.Errorf("invalid --to: %w", err)
		}
	}
	if !from.Before(to) {
		return from, to, fmt.Errorf("--from must be before --to")
	}
	return from, to, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Execute runs the CLI with signal-aware context and exits non-zero on error
func Execute(ctx context.Context) {
	if err := BuildCLI().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
