package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCmd(open Opener) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the Postgres tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, open, func(ctx context.Context, app *App) error {
				if app.DB == nil {
					return errors.New("migrate needs a Postgres database; set DATABASE_URL")
				}
				if err := app.DB.Migrate(ctx); err != nil {
					return err
				}
				if err := app.DB.Health(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
				return nil
			})
		},
	}
}
