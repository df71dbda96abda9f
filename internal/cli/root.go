// Package cli implements the broker operator commands.
package cli

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// NewRootCmd creates the broker command tree. Every command opens its own App.
func NewRootCmd(open Opener) *cobra.Command {
	root := &cobra.Command{
		Use:   "broker",
		Short: "Tool broker operator CLI",
		Long:  "broker resolves provider tools and credentials, estimates and records metered usage, and manages credit balances.",
		// SilenceUsage prevents printing usage on every error
		SilenceUsage: true,
	}

	root.AddCommand(newToolsCmd(open))
	root.AddCommand(newEstimateCmd(open))
	root.AddCommand(newResolveCmd(open))
	root.AddCommand(newRecordCmd(open))
	root.AddCommand(newAskCmd(open))
	root.AddCommand(newUserCmd(open))
	root.AddCommand(newBalanceCmd(open))
	root.AddCommand(newCreditsCmd(open))
	root.AddCommand(newSponsorCmd(open))
	root.AddCommand(newUsageCmd(open))
	root.AddCommand(newWorkerCmd(open))
	root.AddCommand(newDeadLettersCmd(open))
	root.AddCommand(newMigrateCmd(open))

	return root
}

// withApp opens the App for the duration of run
func withApp(cmd *cobra.Command, open Opener, run func(ctx context.Context, app *App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	app, err := open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(ctx); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
		}
	}()

	return run(ctx, app)
}

func parseUserID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid user id %q: %w", raw, err)
	}
	return id, nil
}
