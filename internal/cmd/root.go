// Package cmd holds the stackpilot command tree.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quayside/stackpilot/internal/config"
	"github.com/quayside/stackpilot/internal/version"
)

// Exit codes consumed by calling scripts.
const (
	ExitOK       = 0
	ExitFailure  = 1
	ExitNoUpdate = 2
)

// errNoUpdate signals a clean "nothing to do" outcome that scripts branch on.
var errNoUpdate = errors.New("no update available")

var (
	flagConfig   string
	flagWorkdir  string
	flagLogLevel string
	flagLogJSON  bool

	cfg config.Config
)

var rootCmd = &cobra.Command{
	Use:           "stackpilot",
	Short:         "Fleet agent managing a versioned docker-compose service bundle",
	Version:       fmt.Sprintf("%s (%s)", version.Version, version.Commit),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(flagConfig)
		if err != nil {
			return err
		}
		if flagWorkdir != "" {
			cfg.Deploy.WorkDir = flagWorkdir
		}
		if flagLogLevel != "" {
			cfg.Log.Level = flagLogLevel
		}
		if flagLogJSON {
			cfg.Log.Format = "json"
		}
		setupLogging(cfg.Log)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "stackpilot.toml", "Path to the agent config file")
	rootCmd.PersistentFlags().StringVar(&flagWorkdir, "workdir", "", "Working directory of the deployment (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&flagLogJSON, "log-json", false, "Emit JSON logs instead of console output")
}

func setupLogging(lc config.Log) {
	level, err := zerolog.ParseLevel(lc.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if lc.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly})
}

// Execute runs the command tree and returns the process exit code.
func Execute(ctx context.Context) int {
	err := rootCmd.ExecuteContext(ctx)
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, errNoUpdate):
		fmt.Fprintln(os.Stdout, "already up to date")
		return ExitNoUpdate
	default:
		log.Error().Err(err).Msg("command failed")
		return ExitFailure
	}
}
