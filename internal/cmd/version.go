package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quayside/stackpilot/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the agent version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "stackpilot %s (%s)\n", version.Version, version.Commit)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
