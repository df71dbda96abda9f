package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"tool_broker/internal/instrument"
	"tool_broker/internal/models"
)

// newAskCmd sends one prompt through the resolved chat tool, metered and charged
func newAskCmd(open Opener) *cobra.Command {
	var (
		flags     resolveFlags
		purpose   string
		maxTokens int
		chatID    string
	)

	cmd := &cobra.Command{
		Use:   "ask <user-id> <prompt>",
		Short: "Send a prompt to the tool resolved for a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			p, err := models.ParsePurpose(purpose)
			if err != nil {
				return err
			}

			return withApp(cmd, open, func(ctx context.Context, app *App) error {
				resolver, defaultTool, err := flags.resolver(ctx, app, userID, p)
				if err != nil {
					return err
				}
				configured, err := resolver.RequireTool(ctx, p, defaultTool)
				if err != nil {
					return err
				}

				client, err := app.Providers.ClientFor(configured)
				if err != nil {
					return err
				}

				opts := []instrument.Option{instrument.WithMetrics(app.Metrics)}
				if chatID != "" {
					opts = append(opts, instrument.WithChatID(chatID))
				}
				meter := instrument.NewMeter(configured, app.Spending, app.Tracking, userID, opts...)

				resp, err := instrument.WrapChatClient(client, meter).Chat().Completions().Create(ctx, instrument.ChatCompletionRequest{
					Model:     configured.Definition.ID,
					Messages:  []instrument.ChatMessage{{Role: "user", Content: args[1]}},
					MaxTokens: maxTokens,
				})
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintln(out, resp.Content)
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %d input, %d output tokens\n",
					configured.Definition.ID, resp.Usage.InputTokens, resp.Usage.OutputTokens)
				return nil
			})
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&purpose, "purpose", string(models.PurposeChat), "Purpose to resolve the tool for")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 512, "Maximum output tokens")
	cmd.Flags().StringVar(&chatID, "chat-id", "", "Chat the call belongs to")
	return cmd
}
