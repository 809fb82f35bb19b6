package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var deployVersion string

var deployCmd = &cobra.Command{
	Use:   "deploy <archive>",
	Short: "Deploy a local bundle archive, bypassing the update server",
	Long: `Run the mutation half of the pipeline against a bundle archive already on
disk: backup, extract, load images, preflight, start, verify. No manifest is
consulted and nothing is downloaded.

Pass --version to record the bundle's version as the deployed version; without
it the recorded version is left untouched.`,
	Args: cobra.ExactArgs(1),
	RunE: runDeploy,
}

func init() {
	rootCmd.AddCommand(deployCmd)
	deployCmd.Flags().StringVar(&deployVersion, "version", "", "Version carried by the archive")
}

func runDeploy(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := newEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	out, err := e.orch.DeployArchive(ctx, args[0], deployVersion)
	if err != nil {
		return err
	}
	if out.Degraded {
		fmt.Fprintln(cmd.OutOrStdout(), "deployed (health verification timed out)")
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), "deployed")
	return nil
}
