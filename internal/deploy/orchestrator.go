// Package deploy composes the engine's components into the end-to-end
// deployment pipeline and its delayed-execution scheduler.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"

	"github.com/rs/zerolog/log"

	"github.com/quayside/stackpilot/internal/download"
	"github.com/quayside/stackpilot/internal/images"
	"github.com/quayside/stackpilot/internal/layout"
	"github.com/quayside/stackpilot/internal/lifecycle"
	"github.com/quayside/stackpilot/internal/manifest"
	"github.com/quayside/stackpilot/internal/metrics"
	"github.com/quayside/stackpilot/internal/preflight"
	"github.com/quayside/stackpilot/internal/report"
	"github.com/quayside/stackpilot/internal/store"
)

// Resolver decides whether an update is needed and which variant to fetch.
type Resolver interface {
	Resolve(ctx context.Context, currentVersion string) (*manifest.Decision, error)
}

// Downloader fetches one artifact to disk, verified.
type Downloader interface {
	Fetch(ctx context.Context, spec download.Spec) (string, error)
}

// Extractor normalizes a downloaded bundle into the canonical layout.
type Extractor func(archivePath, targetRoot string) (layout.Layout, error)

// ImageLoader loads the host-architecture image bundles from dir.
type ImageLoader func(ctx context.Context, dir string) ([]images.LoadedImage, error)

// Preflighter validates the environment before the stack starts.
type Preflighter interface {
	Check(ctx context.Context) (*preflight.Report, error)
}

// Backups is the cold-backup surface the pipeline needs.
type Backups interface {
	Backup(ctx context.Context, kind store.BackupKind) (*store.BackupRecord, error)
	Latest(ctx context.Context) (*store.BackupRecord, error)
}

// Stack controls the compose stack.
type Stack interface {
	Up(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning(ctx context.Context) (bool, error)
	WaitHealthy(ctx context.Context) error
}

// Orchestrator runs the check → download → backup → extract → load →
// preflight → start → verify pipeline, one run at a time per working
// directory.
type Orchestrator struct {
	Store      *store.Store
	Layout     layout.Layout
	Resolver   Resolver
	Downloads  Downloader
	Extract    Extractor
	LoadImages ImageLoader
	Preflight  Preflighter
	Backups    Backups
	Stack      Stack
	Reporter   *report.Reporter

	// Strict turns soft preflight warnings (port conflicts) into failures.
	// Set for non-interactive runs where nobody can act on a warning.
	Strict bool

	// AuthToken is attached to api-method artifact downloads.
	AuthToken string
}

// RunOptions tune one pipeline run.
type RunOptions struct {
	ForceFull bool // ignore the incremental variant
	Force     bool // redeploy even when already up to date
	CheckOnly bool // stop after the version decision, mutate nothing
}

// Run executes the full pipeline. The returned Outcome is always non-nil;
// the error mirrors Outcome.Err for callers that only care about success.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (*Outcome, error) {
	lock, err := Acquire(o.Layout)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	out := &Outcome{State: StateIdle, LastStage: StateIdle}

	current, err := o.Store.DeployedVersion(ctx)
	if err != nil {
		return o.fail(ctx, out, err)
	}
	out.FromVersion = current

	o.enter(out, StateChecking)
	decision, err := o.Resolver.Resolve(ctx, current)
	if err != nil {
		return o.fail(ctx, out, err)
	}
	if decision.UpToDate && !opts.Force {
		out.State = StateDone
		out.UpToDate = true
		log.Info().Str("version", current).Msg("deployment up to date")
		metrics.IncPipelineRun("up-to-date")
		return out, nil
	}

	m := decision.Manifest
	out.ToVersion = m.Version
	pkg, variant := decision.Package, decision.Variant
	if opts.ForceFull || pkg == nil {
		pkg, variant = m.Packages.Full, manifest.VariantFull
	}
	if pkg == nil {
		return o.fail(ctx, out, fmt.Errorf("%w: no usable package", manifest.ErrManifestInvalid))
	}
	if opts.CheckOnly {
		out.State = StateDone
		log.Info().Str("from", current).Str("to", m.Version).Msg("update available")
		return out, nil
	}

	o.enter(out, StateDownloading)
	artifact, err := o.Downloads.Fetch(ctx, download.Spec{
		ArtifactName: artifactName(pkg.URL, m.Version, variant),
		URL:          pkg.URL,
		SHA256:       pkg.Hash,
		Size:         pkg.Size,
		AttachAuth:   pkg.DownloadMethod == manifest.MethodAPI,
		AuthToken:    o.AuthToken,
	})
	if err != nil {
		// Nothing has mutated yet; the whole pipeline is safe to retry.
		switch {
		case errors.Is(err, download.ErrIntegrityMismatch):
			metrics.IncDownloadFailure("integrity")
		case errors.Is(err, download.ErrTransientNetwork):
			metrics.IncDownloadFailure("network")
		}
		return o.fail(ctx, out, err)
	}

	return o.apply(ctx, out, artifact, m.Version)
}

// DeployArchive runs the mutation half of the pipeline against a local
// bundle, bypassing manifest resolution and download. targetVersion may be
// empty when the bundle's version is unknown; the recorded deployed version
// is then left untouched.
func (o *Orchestrator) DeployArchive(ctx context.Context, archivePath, targetVersion string) (*Outcome, error) {
	lock, err := Acquire(o.Layout)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	out := &Outcome{State: StateIdle, LastStage: StateIdle}
	current, err := o.Store.DeployedVersion(ctx)
	if err != nil {
		return o.fail(ctx, out, err)
	}
	out.FromVersion = current
	out.ToVersion = targetVersion

	return o.apply(ctx, out, archivePath, targetVersion)
}

// apply is the shared mutation pipeline from DecidingBackup through
// Verifying.
func (o *Orchestrator) apply(ctx context.Context, out *Outcome, artifactPath, targetVersion string) (*Outcome, error) {
	o.enter(out, StateDecidingBackup)
	running, err := o.Stack.IsRunning(ctx)
	if err != nil {
		return o.fail(ctx, out, err)
	}
	// A running stack is always stopped and backed up: live data could be
	// mid-write. Only a stopped, never-deployed workdir may skip.
	needBackup := running || o.Layout.HasMeaningfulState()

	if running {
		o.enter(out, StateStopping)
		if err := o.Stack.Stop(ctx); err != nil {
			return o.fail(ctx, out, err)
		}
	}
	if needBackup {
		o.enter(out, StateBackingUp)
		rec, err := o.Backups.Backup(ctx, store.BackupPreUpgrade)
		if err != nil {
			return o.fail(ctx, out, err)
		}
		out.BackupID = rec.ID
		metrics.IncBackup(string(store.BackupPreUpgrade))
	} else {
		out.BackupSkipped = true
		log.Info().Msg("first install detected, skipping backup")
	}

	o.enter(out, StateExtracting)
	out.mutated = true
	if _, err := o.Extract(artifactPath, o.Layout.Root); err != nil {
		return o.fail(ctx, out, err)
	}

	o.enter(out, StateLoadingImages)
	if _, err := o.LoadImages(ctx, o.Layout.ImagesPath()); err != nil {
		return o.fail(ctx, out, err)
	}

	o.enter(out, StatePreflighting)
	rep, err := o.Preflight.Check(ctx)
	if err != nil {
		return o.fail(ctx, out, err)
	}
	for _, p := range rep.Conflicts() {
		log.Warn().Uint16("port", p.HostPort).Str("service", p.Service).
			Uint16("suggested", p.Suggested).Msg("host port already bound")
	}
	if err := rep.Err(o.Strict); err != nil {
		return o.fail(ctx, out, err)
	}

	o.enter(out, StateStarting)
	if err := o.Stack.Up(ctx); err != nil {
		return o.fail(ctx, out, err)
	}
	if targetVersion != "" {
		if err := o.Store.SetDeployedVersion(ctx, targetVersion); err != nil {
			return o.fail(ctx, out, err)
		}
		metrics.SetDeployedVersion(targetVersion)
	}

	o.enter(out, StateVerifying)
	if err := o.Stack.WaitHealthy(ctx); err != nil {
		if !errors.Is(err, lifecycle.ErrHealthCheckTimeout) {
			return o.fail(ctx, out, err)
		}
		// The stack is up but not yet confirmed healthy. The deployment
		// stands; reverting a started stack over a slow health check would
		// cause more harm than the wait.
		out.Degraded = true
		log.Warn().Err(err).Msg("health verification timed out, reporting degraded success")
	}

	out.State = StateDone
	details := "deployed"
	outcome := "success"
	if out.Degraded {
		details = "deployed, health verification timed out"
		outcome = "degraded"
	}
	o.Reporter.Publish(ctx, report.Result{
		FromVersion: out.FromVersion,
		ToVersion:   out.ToVersion,
		Status:      report.StatusSuccess,
		Details:     details,
	})
	metrics.IncPipelineRun(outcome)
	log.Info().Str("from", out.FromVersion).Str("to", out.ToVersion).
		Bool("degraded", out.Degraded).Msg("deployment complete")
	return out, nil
}

func (o *Orchestrator) enter(out *Outcome, s State) {
	out.LastStage = s
	metrics.ObserveStage(string(s))
	log.Debug().Str("stage", string(s)).Msg("pipeline stage")
}

// fail finalizes the run. Failures after the on-disk mutation began carry a
// pointer to the newest live backup for manual recovery; restore is never
// invoked automatically.
func (o *Orchestrator) fail(ctx context.Context, out *Outcome, err error) (*Outcome, error) {
	out.Err = err
	out.State = StateFailed
	if errors.Is(err, context.Canceled) {
		out.State = StateCancelled
	}

	details := fmt.Sprintf("stage %s: %v", out.LastStage, err)
	if out.mutated {
		if rec, lerr := o.Backups.Latest(ctx); lerr == nil && rec != nil {
			out.RecoveryBackupID = rec.ID
			details += fmt.Sprintf("; filesystem mutation had begun, restore manually from backup %s (%s)",
				rec.ID, path.Base(rec.FilePath))
		} else {
			details += "; filesystem mutation had begun and no backup is available"
		}
	}

	o.Reporter.Publish(ctx, report.Result{
		FromVersion: out.FromVersion,
		ToVersion:   out.ToVersion,
		Status:      report.StatusFailed,
		Details:     details,
	})
	metrics.IncPipelineRun("failed")
	log.Error().Err(err).Str("stage", string(out.LastStage)).Msg("deployment failed")
	return out, err
}

// artifactName derives a stable local file name for a package URL.
func artifactName(rawURL, version string, variant manifest.Variant) string {
	fallback := fmt.Sprintf("bundle_%s_%s.tar.gz", variant, version)
	u, err := url.Parse(rawURL)
	if err != nil {
		return fallback
	}
	base := path.Base(u.Path)
	if base == "" || base == "." || base == "/" {
		return fallback
	}
	return fmt.Sprintf("%s_%s_%s", variant, version, base)
}
