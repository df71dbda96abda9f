package cli

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"tool_broker/internal/billing"
	"tool_broker/internal/models"
)

func newToolsCmd(open Opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List catalog tools in fallback order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rawPurpose, _ := cmd.Flags().GetString("purpose")

			return withApp(cmd, open, func(ctx context.Context, app *App) error {
				tools := app.Catalog.Tools()
				if rawPurpose != "" {
					purpose, err := models.ParsePurpose(rawPurpose)
					if err != nil {
						return err
					}
					tools = app.Catalog.ToolsFor(purpose)
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tPROVIDER\tPURPOSES")
				for _, tool := range tools {
					purposes := make([]string, len(tool.Purposes))
					for i, p := range tool.Purposes {
						purposes[i] = string(p)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\n", tool.ID, tool.Provider.ID, strings.Join(purposes, ","))
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().String("purpose", "", "Only tools serving this purpose")
	return cmd
}

func newEstimateCmd(open Opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "estimate <tool-id>",
		Short: "Show the pre-flight minimum cost of a call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			in := billing.PreFlight{}
			in.InputText, _ = flags.GetString("text")
			in.MaxOutputTokens, _ = flags.GetInt("max-output-tokens")
			in.SearchTokens, _ = flags.GetInt("search-tokens")
			in.RuntimeSeconds, _ = flags.GetFloat64("runtime")
			in.InputImageSizes, _ = flags.GetStringSlice("input-image")
			in.OutputImageSizes, _ = flags.GetStringSlice("output-image")
			in.APICalls, _ = flags.GetInt("api-calls")

			return withApp(cmd, open, func(ctx context.Context, app *App) error {
				tool, err := app.Catalog.GetTool(args[0])
				if err != nil {
					return err
				}

				in.CharsPerToken = app.Config.Billing.CharsPerToken
				minimum := tool.CostEstimate.MinimumFor(in)
				fee := app.Config.Billing.MaintenanceFee

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "tool:             %s\n", tool.ID)
				fmt.Fprintf(out, "minimum cost:     %.6f\n", minimum)
				fmt.Fprintf(out, "maintenance fee:  %.6f\n", fee)
				fmt.Fprintf(out, "required balance: %.6f\n", minimum+fee)
				return nil
			})
		},
	}

	flags := cmd.Flags()
	flags.String("text", "", "Input text of the call")
	flags.Int("max-output-tokens", 0, "Maximum output tokens requested")
	flags.Int("search-tokens", 0, "Expected search tokens")
	flags.Float64("runtime", 0, "Expected runtime in seconds")
	flags.StringSlice("input-image", nil, "Size of an input image (e.g. 1024x1024, 2k); repeatable")
	flags.StringSlice("output-image", nil, "Size of a generated image; repeatable")
	flags.Int("api-calls", 0, "Number of flat-priced API calls")
	return cmd
}
