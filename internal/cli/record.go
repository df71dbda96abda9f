package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"tool_broker/internal/billing"
	"tool_broker/internal/instrument"
	"tool_broker/internal/models"
	"tool_broker/internal/usage"
)

// errReportedFailure stands in for the provider error of a call reported as failed
var errReportedFailure = errors.New("call reported as failed")

type recordFlags struct {
	resolveFlags
	inputTokens   int
	outputTokens  int
	searchTokens  int
	inputImages   []string
	outputImages  []string
	remoteRuntime float64
	chatID        string
	failed        bool
}

func (f *recordFlags) kind() instrument.Kind {
	switch {
	case len(f.inputImages) > 0 || len(f.outputImages) > 0:
		return instrument.KindImage
	case f.inputTokens > 0 || f.outputTokens > 0 || f.searchTokens > 0:
		return instrument.KindText
	default:
		return instrument.KindAPICall
	}
}

func (f *recordFlags) preFlight(kind instrument.Kind) billing.PreFlight {
	in := billing.PreFlight{
		MaxOutputTokens:  f.outputTokens,
		SearchTokens:     f.searchTokens,
		InputImageSizes:  f.inputImages,
		OutputImageSizes: f.outputImages,
	}
	if kind == instrument.KindAPICall {
		in.APICalls = 1
	}
	return in
}

func (f *recordFlags) usage() instrument.Usage {
	u := instrument.Usage{
		Text: usage.TextUsage{
			InputTokens:  f.inputTokens,
			OutputTokens: f.outputTokens,
			SearchTokens: f.searchTokens,
		},
		Image: usage.ImageUsage{
			InputImageSizes:  f.inputImages,
			OutputImageSizes: f.outputImages,
			InputTokens:      f.inputTokens,
			OutputTokens:     f.outputTokens,
		},
	}
	if f.remoteRuntime > 0 {
		remote := f.remoteRuntime
		u.RemoteRuntimeSeconds = &remote
	}
	return u
}

// newRecordCmd meters a call that happened outside the broker, through the
// same admission, tracking and deduction path as an instrumented client.
func newRecordCmd(open Opener) *cobra.Command {
	var flags recordFlags

	cmd := &cobra.Command{
		Use:   "record <user-id> <purpose>",
		Short: "Meter and charge a call reported out of band",
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
				configured, err := resolver.RequireTool(ctx, purpose, defaultTool)
				if err != nil {
					return err
				}

				opts := []instrument.Option{instrument.WithMetrics(app.Metrics)}
				if flags.chatID != "" {
					opts = append(opts, instrument.WithChatID(flags.chatID))
				}
				meter := instrument.NewMeter(configured, app.Spending, app.Tracking, userID, opts...)

				kind := flags.kind()
				_, err = instrument.Run(ctx, meter, kind, flags.preFlight(kind),
					func(context.Context) (struct{}, error) {
						if flags.failed {
							return struct{}{}, errReportedFailure
						}
						return struct{}{}, nil
					},
					func(struct{}) instrument.Usage {
						return flags.usage()
					},
				)

				out := cmd.OutOrStdout()
				switch {
				case errors.Is(err, errReportedFailure):
					fmt.Fprintf(out, "recorded failed %s call to %s\n", kind, configured.Definition.ID)
					return nil
				case err != nil:
					return err
				}

				fmt.Fprintf(out, "recorded %s call to %s for payer %s\n", kind, configured.Definition.ID, configured.PayerID)
				if configured.UsesCredits {
					payer, err := app.Users.Get(ctx, configured.PayerID)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "payer balance: %.6f\n", payer.CreditBalance)
				}
				return nil
			})
		},
	}

	flags.register(cmd)
	f := cmd.Flags()
	f.IntVar(&flags.inputTokens, "input-tokens", 0, "Input tokens consumed")
	f.IntVar(&flags.outputTokens, "output-tokens", 0, "Output tokens produced")
	f.IntVar(&flags.searchTokens, "search-tokens", 0, "Search tokens consumed")
	f.StringSliceVar(&flags.inputImages, "input-image", nil, "Size of an input image; repeatable")
	f.StringSliceVar(&flags.outputImages, "output-image", nil, "Size of a generated image; repeatable")
	f.Float64Var(&flags.remoteRuntime, "remote-runtime", 0, "Runtime in seconds reported by the provider")
	f.StringVar(&flags.chatID, "chat-id", "", "Chat the call belongs to")
	f.BoolVar(&flags.failed, "failed", false, "Record the call as failed (tracked, not charged)")
	return cmd
}
