package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config is the agent configuration loaded from stackpilot.toml.
type Config struct {
	Server    Server    `toml:"server"`
	Deploy    Deploy    `toml:"deploy"`
	Download  Download  `toml:"download"`
	Backup    Backup    `toml:"backup"`
	Lifecycle Lifecycle `toml:"lifecycle"`
	Log       Log       `toml:"log"`
	Metrics   Metrics   `toml:"metrics"`
}

// Server describes how to reach the central update service.
type Server struct {
	BaseURL      string `toml:"base_url"`
	ManifestPath string `toml:"manifest_path"`
	ReportPath   string `toml:"report_path"`
	AuthToken    string `toml:"auth_token"`
}

type Deploy struct {
	WorkDir string `toml:"work_dir"`
	// Project is the compose project name the stack runs under.
	Project string `toml:"project"`
	// DockerHost overrides DOCKER_HOST when set.
	DockerHost string `toml:"docker_host"`
	// Strict turns soft preflight warnings (port conflicts) into fatal
	// errors. Used for unattended runs.
	Strict bool `toml:"strict"`
}

type Download struct {
	Timeout       string `toml:"timeout"`
	RetryMax      int    `toml:"retry_max"`
	ChunkBytes    int    `toml:"chunk_bytes"`
	CheckpointPct int    `toml:"checkpoint_pct"`
	// KeepArtifacts is how many completed artifacts survive the retention
	// pass after a successful deployment.
	KeepArtifacts int `toml:"keep_artifacts"`
}

type Backup struct {
	Keep int `toml:"keep"`
}

type Lifecycle struct {
	HealthTimeout  string `toml:"health_timeout"`
	HealthInterval string `toml:"health_interval"`
	StopTimeout    string `toml:"stop_timeout"`
}

type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // console|json
}

// Metrics configures the Prometheus endpoint served by the long-running
// scheduler command.
type Metrics struct {
	Addr string `toml:"addr"`
}

// Default returns the built-in configuration used when no file is present.
func Default() Config {
	return Config{
		Server: Server{
			ManifestPath: "/api/v1/manifest",
			ReportPath:   "/api/v1/report",
		},
		Deploy: Deploy{WorkDir: ".", Project: "stackpilot"},
		Download: Download{
			Timeout:       "30m",
			RetryMax:      4,
			ChunkBytes:    1 << 20,
			CheckpointPct: 10,
			KeepArtifacts: 3,
		},
		Backup: Backup{Keep: 5},
		Lifecycle: Lifecycle{
			HealthTimeout:  "3m",
			HealthInterval: "5s",
			StopTimeout:    "60s",
		},
		Log:     Log{Level: "info", Format: "console"},
		Metrics: Metrics{Addr: ":9465"},
	}
}

// Load reads a TOML config file over the defaults. A missing file is not an
// error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := toml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Duration parses a duration field, falling back to def when empty or bad.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return def
}
