package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/kursadbilgin/settlement-engine/internal/domain"
	"github.com/kursadbilgin/settlement-engine/internal/service"
	"github.com/spf13/cobra"
)

type batchService interface {
	CreateMonthlyBatch(ctx context.Context, businessID string, year, month int) (string, error)
	ProcessMonthlyBatches(ctx context.Context, year, month int) (*service.MonthlyProcessingResult, error)
}

type deadlineService interface {
	ForceDeadline(ctx context.Context, batchID string) (*service.ForceDeadlineResult, error)
}

type paymentService interface {
	ProcessMonthlyPayments(ctx context.Context, year, month int) (*service.PaymentRunResult, error)
	GetMonthlyPaymentStats(ctx context.Context, year, month int) (*domain.MonthlyPaymentStats, error)
}

type adminServices struct {
	batches  batchService
	deadline deadlineService
	payments paymentService
	now      func() time.Time
}

type connectFunc func(cmd *cobra.Command) (*adminServices, func() error, error)

type cli struct {
	connect  connectFunc
	services *adminServices
	closer   func() error
}

// newRootCmd returns the command tree and a cleanup that releases whatever
// the connected command opened.
func newRootCmd(connect connectFunc) (*cobra.Command, func() error) {
	c := &cli{connect: connect}

	root := &cobra.Command{
		Use:           "billing-admin",
		Short:         "Operate monthly billing batches and customer payouts",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			services, closer, err := c.connect(cmd)
			if err != nil {
				return err
			}
			c.services, c.closer = services, closer
			return nil
		},
	}
	root.PersistentFlags().String("env-file", ".env", "Path to a .env file loaded before the environment")
	root.PersistentFlags().String("log-level", "", "Override LOG_LEVEL")

	root.AddCommand(c.createBatchCmd())
	root.AddCommand(c.processBatchesCmd())
	root.AddCommand(c.forceDeadlineCmd())
	root.AddCommand(c.runPaymentsCmd())
	root.AddCommand(c.paymentStatsCmd())

	return root, c.close
}

func (c *cli) close() error {
	if c.closer == nil {
		return nil
	}
	closer := c.closer
	c.closer = nil
	return closer()
}

// addPeriodFlags registers --year and --month. Both default to the previous
// calendar month.
func addPeriodFlags(cmd *cobra.Command) {
	cmd.Flags().Int("year", 0, "Billing year (default: year of the previous month)")
	cmd.Flags().Int("month", 0, "Billing month 1-12 (default: previous month)")
}

func (c *cli) period(cmd *cobra.Command) (int, int) {
	year, _ := cmd.Flags().GetInt("year")
	month, _ := cmd.Flags().GetInt("month")

	now := time.Now
	if c.services.now != nil {
		now = c.services.now
	}
	prev := domain.PeriodOf(now()).Previous()

	if year == 0 {
		year = prev.Year
	}
	if month == 0 {
		month = prev.Month
	}
	return year, month
}

func (c *cli) createBatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create-batch",
		Short: "Create (or look up) the billing batch of one business for a month",
		RunE: func(cmd *cobra.Command, args []string) error {
			businessID, _ := cmd.Flags().GetString("business")
			year, month := c.period(cmd)

			batchID, err := c.services.batches.CreateMonthlyBatch(cmd.Context(), businessID, year, month)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{"batchId": batchID})
		},
	}
	cmd.Flags().String("business", "", "Business id")
	_ = cmd.MarkFlagRequired("business")
	addPeriodFlags(cmd)
	return cmd
}

func (c *cli) processBatchesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process-batches",
		Short: "Roll up every active business and open review windows",
		RunE: func(cmd *cobra.Command, args []string) error {
			year, month := c.period(cmd)
			result, err := c.services.batches.ProcessMonthlyBatches(cmd.Context(), year, month)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	addPeriodFlags(cmd)
	return cmd
}

func (c *cli) forceDeadlineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "force-deadline <batch-id>",
		Short: "Auto-approve a batch's pending verifications now and advance it to payment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := c.services.deadline.ForceDeadline(cmd.Context(), strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
}

func (c *cli) runPaymentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run-payments",
		Short: "Pay out approved verifications of a month",
		RunE: func(cmd *cobra.Command, args []string) error {
			year, month := c.period(cmd)
			result, err := c.services.payments.ProcessMonthlyPayments(cmd.Context(), year, month)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			if result.FailedPayments > 0 {
				return fmt.Errorf("%d of %d payouts failed", result.FailedPayments, result.ProcessedPayments)
			}
			return nil
		},
	}
	addPeriodFlags(cmd)
	return cmd
}

func (c *cli) paymentStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payment-stats",
		Short: "Show live payout statistics for a month",
		RunE: func(cmd *cobra.Command, args []string) error {
			year, month := c.period(cmd)
			stats, err := c.services.payments.GetMonthlyPaymentStats(cmd.Context(), year, month)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"batchMonth":            stats.BatchMonth,
				"approvedVerifications": stats.ApprovedVerifications,
				"pendingVerifications":  stats.PendingVerifications,
				"paidVerifications":     stats.PaidVerifications,
				"paidAmount":            stats.PaidAmount.StringFixed(2),
				"pendingAmount":         stats.PendingAmount.StringFixed(2),
				"uniqueCustomers":       stats.UniqueCustomers,
			})
		},
	}
	addPeriodFlags(cmd)
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
