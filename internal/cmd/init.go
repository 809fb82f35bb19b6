package cmd

import (
	"errors"
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quayside/stackpilot/internal/layout"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Prepare a working directory for deployments",
	Long: `Create the canonical directory layout under the working directory and,
unless one already exists, write a starter config file next to it. Safe to run
repeatedly; existing files are never touched.`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, _ []string) error {
	lay := layout.New(cfg.Deploy.WorkDir)
	if err := lay.EnsureDirs(); err != nil {
		return fmt.Errorf("create layout: %w", err)
	}
	log.Info().Str("workdir", lay.Root).Msg("working directory initialized")

	if err := writeStarterConfig(flagConfig); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\n", lay.Root)
	return nil
}

// writeStarterConfig writes the built-in defaults as a config file, but only
// when no file exists at path.
func writeStarterConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		log.Debug().Str("path", path).Msg("config already present, leaving it alone")
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	b, err := toml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	log.Info().Str("path", path).Msg("starter config written")
	return nil
}
