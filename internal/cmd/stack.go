package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the deployed stack",
	RunE:  stackAction(func(e *engine, cmd *cobra.Command) error { return e.stack.Up(cmd.Context()) }),
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the stack and wait until every container has exited",
	RunE:  stackAction(func(e *engine, cmd *cobra.Command) error { return e.stack.Stop(cmd.Context()) }),
}

var restartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the stack",
	RunE:  stackAction(func(e *engine, cmd *cobra.Command) error { return e.stack.Restart(cmd.Context()) }),
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the deployed version and per-container state",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(startCmd, stopCmd, restartCmd, statusCmd)
}

func stackAction(fn func(*engine, *cobra.Command) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		e, err := newEngine(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer e.Close()
		return fn(e, cmd)
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	e, err := newEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	version, err := e.st.DeployedVersion(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deployed version: %s\n\n", orNone(version))

	containers, err := e.stack.Status(ctx)
	if err != nil {
		return err
	}
	if len(containers) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "stack is not running")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERVICE\tNAME\tSTATE\tSTATUS")
	for _, c := range containers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.Service, c.Name, c.State, c.Status)
	}
	return w.Flush()
}
