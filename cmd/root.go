package cmd

import "github.com/spf13/cobra"

type rootOptions struct {
	configPath string
	logLevel   string

	forceMigrate bool
}

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "medcore",
		Short:         "Multi-agent reasoning core for healthcare administrative queries",
		Long:          "medcore routes a query to research, document, transcription and billing agents, reasons over their findings and keeps a per-session audit trail.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default: ./config.yaml, then the user config dir)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level")

	rootCmd.AddCommand(
		newVersionCmd(),
		newQueryCmd(opts),
		newSessionCmd(opts),
		newMigrateCmd(opts),
	)

	return rootCmd
}
