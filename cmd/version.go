package cmd

import (
	"fmt"

	"github.com/Galdaer/portfolio-sub000/medcore"
	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), medcore.Version)
			return err
		},
	}
}
