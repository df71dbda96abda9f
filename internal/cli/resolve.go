package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"tool_broker/internal/access"
	"tool_broker/internal/models"
	"tool_broker/internal/toolchoice"
)

type resolveFlags struct {
	defaultTool string
	choice      string
}

func (f *resolveFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.defaultTool, "default", "", "Default tool id for the purpose")
	cmd.Flags().StringVar(&f.choice, "choice", "", "The user's chosen tool id for the purpose")
}

// resolver builds the tool choice resolver for one invoking user
func (f *resolveFlags) resolver(ctx context.Context, app *App, userID uuid.UUID, purpose models.Purpose) (*toolchoice.Resolver, *models.ExternalTool, error) {
	invoker, err := app.Users.Get(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load user %s: %w", userID, err)
	}

	var defaultTool *models.ExternalTool
	if f.defaultTool != "" {
		tool, err := app.Catalog.GetTool(f.defaultTool)
		if err != nil {
			return nil, nil, err
		}
		defaultTool = &tool
	}

	tokens := access.NewTokenResolver(invoker, app.Users, app.Sponsorships)
	resolver := toolchoice.New(app.Catalog, tokens,
		toolchoice.WithCredits(app.Config.Billing.CreditsEnabled),
		toolchoice.WithUserChoice(func(p models.Purpose) string {
			if p == purpose {
				return f.choice
			}
			return ""
		}),
	)
	return resolver, defaultTool, nil
}

func newResolveCmd(open Opener) *cobra.Command {
	var flags resolveFlags

	cmd := &cobra.Command{
		Use:   "resolve <user-id> <purpose>",
		Short: "Show which tool and credential a user would get for a purpose",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			purpose, err := models.ParsePurpose(args[1])
			if err != nil {
				return err
			}

			return withApp(cmd, open, func(ctx context.Context, app *App) error {
				resolver, defaultTool, err := flags.resolver(ctx, app, userID, purpose)
				if err != nil {
					return err
				}

				candidates := resolver.GetPrioritizedTools(purpose, defaultTool)
				ids := make([]string, len(candidates))
				for i, tool := range candidates {
					ids[i] = tool.ID
				}

				configured, err := resolver.RequireTool(ctx, purpose, defaultTool)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "candidates:   %s\n", strings.Join(ids, ", "))
				fmt.Fprintf(out, "tool:         %s (%s)\n", configured.Definition.ID, configured.Definition.Provider.Name)
				fmt.Fprintf(out, "credential:   %s\n", maskToken(configured.Token))
				fmt.Fprintf(out, "payer:        %s\n", configured.PayerID)
				fmt.Fprintf(out, "sponsored:    %t\n", configured.PayerID != userID)
				fmt.Fprintf(out, "uses credits: %t\n", configured.UsesCredits)
				return nil
			})
		},
	}

	flags.register(cmd)
	return cmd
}

// maskToken keeps only enough of a credential to recognize it
func maskToken(token string) string {
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + strings.Repeat("*", len(token)-8) + token[len(token)-4:]
}
