package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newMigrateCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply session database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// force migrations regardless of database.auto_migrate
			opts := *root
			opts.forceMigrate = true
			return withApp(cmd, &opts, func(a *app) error {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Migrated %s database %s\n", a.cfg.Database.Type, a.cfg.Database.DSN)
				return nil
			})
		},
	}
}
