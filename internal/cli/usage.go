package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newUsageCmd(open Opener) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "usage <user-id>",
		Short: "List a user's most recent usage records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}

			return withApp(cmd, open, func(ctx context.Context, app *App) error {
				records, err := app.Usage.ListByUser(ctx, userID, limit)
				if err != nil {
					return fmt.Errorf("failed to list usage: %w", err)
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "TIME\tTOOL\tPURPOSE\tPAYER\tTOTAL\tFAILED")
				for _, r := range records {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.6f\t%t\n",
						r.Timestamp.Format(time.RFC3339), r.ToolID, r.Purpose, r.PayerID, r.TotalCost, r.IsFailed)
				}
				if err := w.Flush(); err != nil {
					return err
				}

				spent, err := app.Usage.SpentByPayer(ctx, userID)
				if err != nil {
					return fmt.Errorf("failed to sum spending: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "total spent: %.6f\n", spent)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of records")
	return cmd
}
