package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quayside/stackpilot/internal/metrics"
)

var delayUnit string

var autoUpgradeCmd = &cobra.Command{
	Use:   "auto-upgrade-deploy",
	Short: "Manage deferred deployment runs",
}

var autoUpgradeRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduler loop until interrupted",
	Long: `Poll the persisted schedule and fire any due deployment task through the
same pipeline the upgrade command uses. Also serves the Prometheus metrics
endpoint while running.`,
	RunE: runAutoUpgradeLoop,
}

var autoUpgradeDelayCmd = &cobra.Command{
	Use:   "delay <n>",
	Short: "Schedule a deployment n units from now",
	Long: `Persist a deployment task due after the given delay. At most one pending
task exists at a time; scheduling a new one cancels the previous one. The task
fires from a running scheduler loop, not from this command.`,
	Args: cobra.ExactArgs(1),
	RunE: runAutoUpgradeDelay,
}

var autoUpgradeStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List scheduled deployment tasks, newest first",
	RunE:  runAutoUpgradeStatus,
}

var autoUpgradeCancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel the pending scheduled deployment, if any",
	RunE:  runAutoUpgradeCancel,
}

func init() {
	rootCmd.AddCommand(autoUpgradeCmd)
	autoUpgradeCmd.AddCommand(autoUpgradeRunCmd, autoUpgradeDelayCmd, autoUpgradeStatusCmd, autoUpgradeCancelCmd)
	autoUpgradeDelayCmd.Flags().StringVar(&delayUnit, "unit", "hours", "Delay unit: minutes, hours or days")
}

func runAutoUpgradeLoop(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	e, err := newEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	go metrics.SampleAgentProcess(ctx, 30*time.Second)
	go serveMetrics(ctx, cfg.Metrics.Addr)

	log.Info().Str("metrics", cfg.Metrics.Addr).Dur("poll", e.sched.Poll).Msg("scheduler running")
	if err := e.sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("scheduler stopped")
	return nil
}

func serveMetrics(ctx context.Context, addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Str("addr", addr).Msg("metrics endpoint failed")
	}
}

func runAutoUpgradeDelay(cmd *cobra.Command, args []string) error {
	n, err := strconv.Atoi(args[0])
	if err != nil || n <= 0 {
		return fmt.Errorf("delay must be a positive integer, got %q", args[0])
	}
	var unit time.Duration
	switch delayUnit {
	case "minutes":
		unit = time.Minute
	case "hours":
		unit = time.Hour
	case "days":
		unit = 24 * time.Hour
	default:
		return fmt.Errorf("unknown unit %q, want minutes, hours or days", delayUnit)
	}

	ctx := cmd.Context()
	e, err := newEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	task, err := e.sched.ScheduleDeploy(ctx, time.Now().Add(time.Duration(n)*unit), "")
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deployment %s scheduled for %s\n",
		task.ID, task.ScheduledAt.Local().Format(time.DateTime))
	return nil
}

func runAutoUpgradeStatus(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	e, err := newEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	tasks, err := e.sched.Status(ctx)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no scheduled tasks")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tDUE\tDETAILS")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			t.ID, t.Status, t.ScheduledAt.Local().Format(time.DateTime), t.Details)
	}
	return w.Flush()
}

func runAutoUpgradeCancel(cmd *cobra.Command, _ []string) error {
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
	if cancelled == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "nothing pending")
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "cancelled %d pending task(s)\n", cancelled)
	return nil
}
