package cmd

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quayside/stackpilot/internal/deploy"
)

var (
	upgradeFull  bool
	upgradeForce bool
	upgradeCheck bool
)

var upgradeCmd = &cobra.Command{
	Use:   "upgrade",
	Short: "Check the update server and deploy the newest version",
	Long: `Ask the update server for the current manifest and, when the deployed
version is behind, run the full pipeline: download, backup, extract, load
images, preflight, start, verify.

Exits with code 2 when no update is available so calling scripts can branch.`,
	RunE: runUpgrade,
}

func init() {
	rootCmd.AddCommand(upgradeCmd)
	upgradeCmd.Flags().BoolVar(&upgradeFull, "full", false, "Always fetch the full bundle, never the incremental one")
	upgradeCmd.Flags().BoolVar(&upgradeForce, "force", false, "Redeploy even when already at the manifest version")
	upgradeCmd.Flags().BoolVar(&upgradeCheck, "check", false, "Only report whether an update is available, mutate nothing")
}

func runUpgrade(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	e, err := newEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	out, err := e.orch.Run(ctx, deploy.RunOptions{
		ForceFull: upgradeFull,
		Force:     upgradeForce,
		CheckOnly: upgradeCheck,
	})
	if err != nil {
		return err
	}
	if out.UpToDate {
		return errNoUpdate
	}
	if upgradeCheck {
		fmt.Fprintf(cmd.OutOrStdout(), "update available: %s -> %s\n",
			orNone(out.FromVersion), out.ToVersion)
		return nil
	}

	if _, gcErr := e.dl.GC(ctx, cfg.Download.KeepArtifacts); gcErr != nil {
		log.Warn().Err(gcErr).Msg("artifact retention pass failed")
	}
	if out.Degraded {
		fmt.Fprintf(cmd.OutOrStdout(),
			"deployed %s (health verification timed out, check `stackpilot status`)\n", out.ToVersion)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deployed %s\n", out.ToVersion)
	return nil
}

func orNone(v string) string {
	if v == "" {
		return "none"
	}
	return v
}
