package cli

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"tool_broker/internal/billing"
	"tool_broker/internal/models"
	"tool_broker/internal/queue"
)

func newWorkerCmd(open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Drain the usage and deduction queues until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, open, func(ctx context.Context, app *App) error {
				if app.UsageWorker == nil && app.DeductionWorker == nil {
					return fmt.Errorf("no queue is enabled (USAGE_QUEUE_ENABLED, DEDUCTION_QUEUE_ENABLED)")
				}

				ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
				defer stop()

				if app.UsageWorker != nil {
					app.UsageWorker.Start(ctx)
					app.logger.Info("Usage worker started")
				}
				if app.DeductionWorker != nil {
					app.DeductionWorker.Start(ctx)
					app.logger.Info("Deduction worker started")
				}

				<-ctx.Done()
				app.logger.Info("Shutting down workers...")

				if app.UsageWorker != nil {
					_ = app.UsageWorker.Stop()
				}
				if app.DeductionWorker != nil {
					_ = app.DeductionWorker.Stop()
				}
				return nil
			})
		},
	}
}

// deadLetterSource is the dead letter view of a queue worker
type deadLetterSource[T any] interface {
	GetQueueLength(ctx context.Context) (int, error)
	GetDeadLetterItems(ctx context.Context, maxItems int) ([]queue.DeadLetter[T], error)
	RetryDeadLetterItem(ctx context.Context, id string) error
}

func newDeadLettersCmd(open Opener) *cobra.Command {
	var (
		limit int
		retry string
	)

	cmd := &cobra.Command{
		Use:       "dead-letters <usage|deductions>",
		Short:     "Inspect or retry items that exhausted their retries",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"usage", "deductions"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, open, func(ctx context.Context, app *App) error {
				out := cmd.OutOrStdout()
				switch args[0] {
				case "usage":
					if app.UsageWorker == nil {
						break
					}
					return showDeadLetters[*models.UsageRecord](ctx, out, app.UsageWorker, limit, retry, func(r *models.UsageRecord) string {
						return fmt.Sprintf("usage %s (%s)", r.ID, r.ToolID)
					})
				case "deductions":
					if app.DeductionWorker == nil {
						break
					}
					return showDeadLetters[*billing.Deduction](ctx, out, app.DeductionWorker, limit, retry, func(d *billing.Deduction) string {
						return fmt.Sprintf("%.6f from %s", d.Amount, d.PayerID)
					})
				default:
					return fmt.Errorf("unknown queue %q, expected usage or deductions", args[0])
				}
				return fmt.Errorf("the %s queue is not enabled", args[0])
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of items to list")
	cmd.Flags().StringVar(&retry, "retry", "", "Re-enqueue the item with this id")
	return cmd
}

func showDeadLetters[T any](ctx context.Context, out io.Writer, src deadLetterSource[T], limit int, retry string, describe func(T) string) error {
	if retry != "" {
		if err := src.RetryDeadLetterItem(ctx, retry); err != nil {
			return err
		}
		fmt.Fprintf(out, "re-enqueued %s\n", retry)
		return nil
	}

	pending, err := src.GetQueueLength(ctx)
	if err != nil {
		return err
	}
	letters, err := src.GetDeadLetterItems(ctx, limit)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "pending: %d\n", pending)
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFAILED AT\tITEM\tERROR")
	for _, letter := range letters {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", letter.ID, letter.FailedAt.Format(time.RFC3339), describe(letter.Item), letter.Error)
	}
	return w.Flush()
}
