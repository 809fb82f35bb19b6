package cmd

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rollbackForce bool

var rollbackCmd = &cobra.Command{
	Use:   "rollback <backup-id>",
	Short: "Restore a backup archive over the current deployment",
	Long: `Stop the stack if it is running, restore the named backup over the
persistent data directories, and start the stack again. Any pending scheduled
deployment is cancelled first: it was planned against state that no longer
exists.

Restoring a backup taken at a different version than the currently deployed
one requires --force.`,
	Args: cobra.ExactArgs(1),
	RunE: runRollback,
}

func init() {
	rootCmd.AddCommand(rollbackCmd)
	rollbackCmd.Flags().BoolVar(&rollbackForce, "force", false, "Restore even when the backup's version differs from the deployed one")
}

func runRollback(cmd *cobra.Command, args []string) error {
	id := args[0]
	ctx := cmd.Context()
	e, err := newEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	cancelled, err := e.sched.CancelPending(ctx)
	if err != nil {
		return err
	}
	if cancelled > 0 {
		log.Info().Int64("count", cancelled).Msg("cancelled pending scheduled deployment")
	}

	running, err := e.stack.IsRunning(ctx)
	if err != nil {
		return err
	}
	if running {
		if err := e.stack.Stop(ctx); err != nil {
			return err
		}
	}

	rec, err := e.st.GetBackupRecord(ctx, id)
	if err != nil {
		return fmt.Errorf("backup %s: %w", id, err)
	}
	if err := e.backups.Restore(ctx, id, rollbackForce); err != nil {
		return err
	}
	if rec.DeployedVersion != "" && rec.DeployedVersion != "unknown" {
		if err := e.st.SetDeployedVersion(ctx, rec.DeployedVersion); err != nil {
			return err
		}
	}

	if err := e.stack.Up(ctx); err != nil {
		return fmt.Errorf("backup restored but stack failed to start: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "rolled back to backup %s (v%s)\n", id, rec.DeployedVersion)
	return nil
}
