package cli

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"tool_broker/internal/access"
	"tool_broker/internal/models"
)

func newUserCmd(open Opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}
	cmd.AddCommand(newUserCreateCmd(open))
	return cmd
}

func newUserCreateCmd(open Opener) *cobra.Command {
	var (
		name    string
		credits float64
		keys    []string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user with optional provider keys and starting credits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			user := &models.User{CreditBalance: credits}
			if name != "" {
				user.FullName = &name
			}
			for _, pair := range keys {
				providerID, token, ok := strings.Cut(pair, "=")
				if !ok {
					return fmt.Errorf("invalid --key %q, expected provider=token", pair)
				}
				if err := access.SetCredential(user, providerID, token); err != nil {
					return err
				}
			}

			return withApp(cmd, open, func(ctx context.Context, app *App) error {
				if err := app.Users.Save(ctx, user); err != nil {
					return fmt.Errorf("failed to save user: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), user.ID)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Full name")
	cmd.Flags().Float64Var(&credits, "credits", 0, "Starting credit balance")
	cmd.Flags().StringArrayVar(&keys, "key", nil, "Provider key as provider=token; repeatable")
	return cmd
}

func newBalanceCmd(open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "balance <user-id>",
		Short: "Show a user's credit balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}

			return withApp(cmd, open, func(ctx context.Context, app *App) error {
				user, err := app.Users.Get(ctx, userID)
				if err != nil {
					return fmt.Errorf("failed to load user %s: %w", userID, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%.6f\n", user.CreditBalance)
				return nil
			})
		},
	}
}

func newCreditsCmd(open Opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Manage credit balances",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "add <user-id> <amount>",
		Short: "Top up a user's credit balance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			amount, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("invalid amount %q: %w", args[1], err)
			}

			return withApp(cmd, open, func(ctx context.Context, app *App) error {
				if app.Credits == nil {
					return fmt.Errorf("credits are disabled (CREDITS_ENABLED=false)")
				}
				balance, err := app.Credits.AddCredits(ctx, userID, amount)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%.6f\n", balance)
				return nil
			})
		},
	})
	return cmd
}

func newSponsorCmd(open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "sponsor <sponsor-id> <receiver-id>",
		Short: "Let a receiver use the sponsor's provider keys",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sponsorID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			receiverID, err := parseUserID(args[1])
			if err != nil {
				return err
			}
			if sponsorID == receiverID {
				return fmt.Errorf("a user cannot sponsor themselves")
			}

			return withApp(cmd, open, func(ctx context.Context, app *App) error {
				for _, userID := range []uuid.UUID{sponsorID, receiverID} {
					if _, err := app.Users.Get(ctx, userID); err != nil {
						return fmt.Errorf("failed to load user %s: %w", userID, err)
					}
				}

				existing, err := app.Sponsorships.GetByReceiverID(ctx, receiverID, 1)
				if err != nil {
					return err
				}
				if len(existing) > 0 && existing[0].SponsorID != sponsorID {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s is already sponsored by %s, which takes precedence\n",
						receiverID, existing[0].SponsorID)
				}

				now := time.Now().UTC()
				err = app.Sponsorships.Create(ctx, &models.Sponsorship{
					SponsorID:   sponsorID,
					ReceiverID:  receiverID,
					SponsoredAt: now,
					AcceptedAt:  &now,
				})
				if err != nil {
					return fmt.Errorf("failed to create sponsorship: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s sponsors %s\n", sponsorID, receiverID)
				return nil
			})
		},
	}
}
