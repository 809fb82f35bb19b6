package cmd

import (
	"context"
	"os"

	"github.com/quayside/stackpilot/internal/archive"
	"github.com/quayside/stackpilot/internal/backup"
	"github.com/quayside/stackpilot/internal/config"
	"github.com/quayside/stackpilot/internal/deploy"
	"github.com/quayside/stackpilot/internal/dockerx"
	"github.com/quayside/stackpilot/internal/download"
	"github.com/quayside/stackpilot/internal/images"
	"github.com/quayside/stackpilot/internal/layout"
	"github.com/quayside/stackpilot/internal/lifecycle"
	"github.com/quayside/stackpilot/internal/manifest"
	"github.com/quayside/stackpilot/internal/preflight"
	"github.com/quayside/stackpilot/internal/report"
	"github.com/quayside/stackpilot/internal/store"
)

// engine wires every component for one working directory. Commands build it
// in RunE and close it on return.
type engine struct {
	cfg config.Config
	lay layout.Layout

	st      *store.Store
	docker  *dockerx.Client
	stack   *lifecycle.Controller
	backups *backup.Manager
	dl      *download.Manager
	orch    *deploy.Orchestrator
	sched   *deploy.Scheduler
}

func newEngine(ctx context.Context, cfg config.Config) (*engine, error) {
	lay := layout.New(cfg.Deploy.WorkDir)

	// The bundle ships a .env consumed by compose; the agent reads it too so
	// values like the auth token need not be duplicated into the config file.
	config.LoadDotEnvIfPresent(lay.EnvPath())
	if cfg.Server.AuthToken == "" {
		cfg.Server.AuthToken = os.Getenv("STACKPILOT_AUTH_TOKEN")
	}

	st, err := store.Open(ctx, lay.StorePath())
	if err != nil {
		return nil, err
	}

	docker, err := dockerx.New(cfg.Deploy.DockerHost)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	stack := lifecycle.NewController(docker, lay, cfg.Deploy.Project)
	stack.HealthTimeout = config.Duration(cfg.Lifecycle.HealthTimeout, stack.HealthTimeout)
	stack.HealthInterval = config.Duration(cfg.Lifecycle.HealthInterval, stack.HealthInterval)
	stack.StopTimeout = config.Duration(cfg.Lifecycle.StopTimeout, stack.StopTimeout)

	backups := backup.NewManager(st, lay, stack)

	dl := download.NewManager(st, download.Options{
		Dir:           lay.DownloadsDir(),
		ChunkBytes:    cfg.Download.ChunkBytes,
		CheckpointPct: cfg.Download.CheckpointPct,
		RetryMax:      cfg.Download.RetryMax,
		Timeout:       config.Duration(cfg.Download.Timeout, 0),
	})

	client := manifest.NewClient(cfg.Server.BaseURL, cfg.Server.ManifestPath, cfg.Server.AuthToken)
	resolver := manifest.NewResolver(client, func() bool {
		return lay.HasMeaningfulState()
	})

	// An unsupported host architecture must not block commands that never
	// load images; the error surfaces on first use instead.
	arch, archErr := images.HostArch()

	orch := &deploy.Orchestrator{
		Store:     st,
		Layout:    lay,
		Resolver:  resolver,
		Downloads: dl,
		Extract:   archive.Extract,
		LoadImages: func(ctx context.Context, dir string) ([]images.LoadedImage, error) {
			if archErr != nil {
				return nil, archErr
			}
			return images.Load(ctx, docker, dir, arch)
		},
		Preflight: preflight.NewChecker(docker, lay),
		Backups:   backups,
		Stack:     stack,
		Reporter:  report.NewReporter(cfg.Server.BaseURL, cfg.Server.ReportPath, cfg.Server.AuthToken),
		Strict:    cfg.Deploy.Strict,
		AuthToken: cfg.Server.AuthToken,
	}

	return &engine{
		cfg:     cfg,
		lay:     lay,
		st:      st,
		docker:  docker,
		stack:   stack,
		backups: backups,
		dl:      dl,
		orch:    orch,
		sched:   deploy.NewScheduler(st, orch),
	}, nil
}

func (e *engine) Close() {
	if e.docker != nil {
		_ = e.docker.Close()
	}
	if e.st != nil {
		_ = e.st.Close()
	}
}
