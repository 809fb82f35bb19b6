package deploy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quayside/stackpilot/internal/download"
	"github.com/quayside/stackpilot/internal/images"
	"github.com/quayside/stackpilot/internal/layout"
	"github.com/quayside/stackpilot/internal/lifecycle"
	"github.com/quayside/stackpilot/internal/manifest"
	"github.com/quayside/stackpilot/internal/preflight"
	"github.com/quayside/stackpilot/internal/store"
)

// ---- fakes -------------------------------------------------------------

type fakeResolver struct {
	decision *manifest.Decision
	err      error
}

func (f *fakeResolver) Resolve(ctx context.Context, current string) (*manifest.Decision, error) {
	return f.decision, f.err
}

type fakeDownloader struct {
	path  string
	err   error
	calls int
	spec  download.Spec
}

func (f *fakeDownloader) Fetch(ctx context.Context, spec download.Spec) (string, error) {
	f.calls++
	f.spec = spec
	return f.path, f.err
}

type fakeStack struct {
	running    bool
	healthyErr error
	upErr      error
	calls      *[]string
}

func (f *fakeStack) record(op string) {
	if f.calls != nil {
		*f.calls = append(*f.calls, op)
	}
}
func (f *fakeStack) Up(ctx context.Context) error {
	f.record("up")
	if f.upErr == nil {
		f.running = true
	}
	return f.upErr
}
func (f *fakeStack) Stop(ctx context.Context) error {
	f.record("stop")
	f.running = false
	return nil
}
func (f *fakeStack) IsRunning(ctx context.Context) (bool, error) { return f.running, nil }
func (f *fakeStack) WaitHealthy(ctx context.Context) error {
	f.record("verify")
	return f.healthyErr
}

type fakeBackups struct {
	err    error
	latest *store.BackupRecord
	calls  *[]string
	taken  []store.BackupKind
}

func (f *fakeBackups) Backup(ctx context.Context, kind store.BackupKind) (*store.BackupRecord, error) {
	if f.calls != nil {
		*f.calls = append(*f.calls, "backup")
	}
	if f.err != nil {
		return nil, f.err
	}
	f.taken = append(f.taken, kind)
	rec := &store.BackupRecord{ID: "backup-1", Kind: kind, FilePath: "/backups/b.tar.gz"}
	f.latest = rec
	return rec, nil
}

func (f *fakeBackups) Latest(ctx context.Context) (*store.BackupRecord, error) {
	return f.latest, nil
}

type fakePreflight struct{ report *preflight.Report }

func (f *fakePreflight) Check(ctx context.Context) (*preflight.Report, error) {
	if f.report != nil {
		return f.report, nil
	}
	return &preflight.Report{
		RuntimeOK: true, ComposeOK: true, DiskOK: true, MemOK: true, DirsCreated: true,
	}, nil
}

// ---- harness -----------------------------------------------------------

type harness struct {
	orch    *Orchestrator
	st      *store.Store
	lay     layout.Layout
	stack   *fakeStack
	backups *fakeBackups
	dl      *fakeDownloader
	calls   []string

	extracted int
	loaded    int
}

func newHarness(t *testing.T, decision *manifest.Decision) *harness {
	t.Helper()
	h := &harness{}
	h.lay = layout.New(t.TempDir())

	st, err := store.Open(context.Background(), h.lay.StorePath())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	h.st = st

	h.stack = &fakeStack{calls: &h.calls}
	h.backups = &fakeBackups{calls: &h.calls}
	h.dl = &fakeDownloader{path: "/downloads/bundle.tar.gz"}

	h.orch = &Orchestrator{
		Store:     st,
		Layout:    h.lay,
		Resolver:  &fakeResolver{decision: decision},
		Downloads: h.dl,
		Extract: func(archivePath, targetRoot string) (layout.Layout, error) {
			h.calls = append(h.calls, "extract")
			h.extracted++
			return layout.New(targetRoot), nil
		},
		LoadImages: func(ctx context.Context, dir string) ([]images.LoadedImage, error) {
			h.calls = append(h.calls, "load")
			h.loaded++
			return []images.LoadedImage{{Ref: "web:1.3.0-amd64", Canonical: "web:1.3.0"}}, nil
		},
		Preflight: &fakePreflight{},
		Backups:   h.backups,
		Stack:     h.stack,
	}
	return h
}

func updateTo(version string) *manifest.Decision {
	return &manifest.Decision{
		Manifest: &manifest.Manifest{
			Version: version,
			Packages: manifest.Packages{
				Full: &manifest.Package{
					URL: "https://cdn.example.com/bundles/" + version + ".tar.gz",
					Hash: "ab", Size: 10, DownloadMethod: manifest.MethodAPI,
				},
			},
		},
		Variant: manifest.VariantFull,
	}
}

// withPackage mirrors real resolver output, where Decision.Package points at
// the chosen variant.
func withPackage(d *manifest.Decision) *manifest.Decision {
	d.Package = d.Manifest.Packages.Full
	return d
}

// ---- tests -------------------------------------------------------------

func TestRunUpToDateTriggersNothing(t *testing.T) {
	h := newHarness(t, &manifest.Decision{UpToDate: true, Manifest: &manifest.Manifest{Version: "1.2.0"}})
	require.NoError(t, h.st.SetDeployedVersion(context.Background(), "1.2.0"))

	out, err := h.orch.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.True(t, out.UpToDate)
	assert.Equal(t, StateDone, out.State)
	assert.Zero(t, h.dl.calls)
	assert.Zero(t, h.extracted)
}

func TestRunFirstInstallSkipsBackup(t *testing.T) {
	h := newHarness(t, withPackage(updateTo("1.3.0")))

	out, err := h.orch.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, StateDone, out.State)
	assert.True(t, out.BackupSkipped)
	assert.Empty(t, out.BackupID)
	assert.NotContains(t, h.calls, "backup")
	assert.NotContains(t, h.calls, "stop")

	version, err := h.st.DeployedVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.3.0", version, "version advanced only by the mutation")
}

func TestRunningUpgradeStopsThenBacksUp(t *testing.T) {
	h := newHarness(t, withPackage(updateTo("1.3.0")))
	h.stack.running = true
	require.NoError(t, h.st.SetDeployedVersion(context.Background(), "1.2.0"))

	out, err := h.orch.Run(context.Background(), RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, StateDone, out.State)
	assert.Equal(t, "backup-1", out.BackupID)
	assert.Equal(t, []store.BackupKind{store.BackupPreUpgrade}, h.backups.taken)
	assert.Equal(t, []string{"stop", "backup", "extract", "load", "up", "verify"}, h.calls,
		"a live stack is stopped before backup, and backup precedes any mutation")
	assert.Equal(t, "1.2.0", out.FromVersion)
	assert.Equal(t, "1.3.0", out.ToVersion)
}

func TestStoppedWithStateStillBacksUp(t *testing.T) {
	h := newHarness(t, withPackage(updateTo("1.3.0")))
	require.NoError(t, h.lay.EnsureDirs())
	require.NoError(t, os.WriteFile(h.lay.ComposeFile(), []byte("services: {}"), 0o644))

	out, err := h.orch.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.False(t, out.BackupSkipped)
	assert.Contains(t, h.calls, "backup")
	assert.NotContains(t, h.calls, "stop")
}

func TestDownloadFailureLeavesVersionAndDisk(t *testing.T) {
	h := newHarness(t, withPackage(updateTo("1.3.0")))
	require.NoError(t, h.st.SetDeployedVersion(context.Background(), "1.2.0"))
	h.dl.err = download.ErrIntegrityMismatch

	out, err := h.orch.Run(context.Background(), RunOptions{})
	assert.ErrorIs(t, err, download.ErrIntegrityMismatch)
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, StateDownloading, out.LastStage)
	assert.Zero(t, h.extracted, "no mutation before a verified artifact")
	assert.Empty(t, out.RecoveryBackupID, "no recovery pointer when nothing mutated")

	version, err := h.st.DeployedVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", version)
}

func TestFailureAfterExtractionPointsAtBackup(t *testing.T) {
	h := newHarness(t, withPackage(updateTo("1.3.0")))
	h.stack.running = true
	h.orch.LoadImages = func(ctx context.Context, dir string) ([]images.LoadedImage, error) {
		return nil, images.ErrNoMatchingImages
	}

	out, err := h.orch.Run(context.Background(), RunOptions{})
	assert.ErrorIs(t, err, images.ErrNoMatchingImages)
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, StateLoadingImages, out.LastStage)
	assert.Equal(t, "backup-1", out.RecoveryBackupID,
		"post-mutation failures carry a manual recovery pointer")
	assert.NotContains(t, h.calls, "restore", "rollback is never automatic")

	version, err := h.st.DeployedVersion(context.Background())
	require.NoError(t, err)
	assert.Empty(t, version, "version never advances on a failed run")
}

func TestHealthTimeoutIsDegradedSuccess(t *testing.T) {
	h := newHarness(t, withPackage(updateTo("1.3.0")))
	h.stack.healthyErr = lifecycle.ErrHealthCheckTimeout

	out, err := h.orch.Run(context.Background(), RunOptions{})
	require.NoError(t, err, "health timeout does not fail the run")
	assert.Equal(t, StateDone, out.State)
	assert.True(t, out.Degraded)

	version, err := h.st.DeployedVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.3.0", version, "version advanced: Starting succeeded")
}

func TestStrictModePortConflictFails(t *testing.T) {
	h := newHarness(t, withPackage(updateTo("1.3.0")))
	h.orch.Strict = true
	h.orch.Preflight = &fakePreflight{report: &preflight.Report{
		RuntimeOK: true, ComposeOK: true, DiskOK: true, MemOK: true, DirsCreated: true,
		Ports: []preflight.PortCheck{{Service: "web", HostPort: 8080, InUse: true, Suggested: 8081}},
	}}

	out, err := h.orch.Run(context.Background(), RunOptions{})
	require.Error(t, err)
	assert.Equal(t, StatePreflighting, out.LastStage)
	assert.NotContains(t, h.calls, "up")
}

func TestCheckOnlyMutatesNothing(t *testing.T) {
	h := newHarness(t, withPackage(updateTo("1.3.0")))

	out, err := h.orch.Run(context.Background(), RunOptions{CheckOnly: true})
	require.NoError(t, err)
	assert.Equal(t, StateDone, out.State)
	assert.Equal(t, "1.3.0", out.ToVersion)
	assert.Zero(t, h.dl.calls)
	assert.Zero(t, h.extracted)
}

func TestForceFullIgnoresIncremental(t *testing.T) {
	d := updateTo("1.3.0")
	d.Manifest.Packages.Incremental = &manifest.Package{
		URL: "https://cdn.example.com/inc.tar.gz", Hash: "cd", Size: 2, DownloadMethod: manifest.MethodDirect,
	}
	d.Package = d.Manifest.Packages.Incremental
	d.Variant = manifest.VariantIncremental
	h := newHarness(t, d)

	_, err := h.orch.Run(context.Background(), RunOptions{ForceFull: true})
	require.NoError(t, err)
	assert.Contains(t, h.dl.spec.URL, "1.3.0.tar.gz")
	assert.True(t, h.dl.spec.AttachAuth, "api method attaches the session header")
}

func TestDirectMethodOmitsAuth(t *testing.T) {
	d := updateTo("1.3.0")
	d.Manifest.Packages.Full.DownloadMethod = manifest.MethodDirect
	h := newHarness(t, withPackage(d))
	h.orch.AuthToken = "tok"

	_, err := h.orch.Run(context.Background(), RunOptions{})
	require.NoError(t, err)
	assert.False(t, h.dl.spec.AttachAuth)
}

func TestRunRefusesLockedWorkdir(t *testing.T) {
	h := newHarness(t, withPackage(updateTo("1.3.0")))

	lock, err := Acquire(h.lay)
	require.NoError(t, err)
	defer lock.Release()

	_, err = h.orch.Run(context.Background(), RunOptions{})
	assert.ErrorIs(t, err, ErrLocked)
}

func TestStaleLockIsReplaced(t *testing.T) {
	lay := layout.New(t.TempDir())
	require.NoError(t, os.WriteFile(lay.LockPath(), []byte(`{"pid": 999999999}`), 0o644))

	lock, err := Acquire(lay)
	require.NoError(t, err, "a dead holder's lock is stale")
	lock.Release()
	_, statErr := os.Stat(lay.LockPath())
	assert.True(t, os.IsNotExist(statErr))
}

func TestDeployArchiveWithoutVersionKeepsRecorded(t *testing.T) {
	h := newHarness(t, withPackage(updateTo("9.9.9")))
	require.NoError(t, h.st.SetDeployedVersion(context.Background(), "1.2.0"))

	out, err := h.orch.DeployArchive(context.Background(), filepath.Join(t.TempDir(), "b.tar.gz"), "")
	require.NoError(t, err)
	assert.Equal(t, StateDone, out.State)
	assert.Zero(t, h.dl.calls, "local archives bypass download")

	version, err := h.st.DeployedVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", version)
}

func TestSchedulerRunsDueTaskOnce(t *testing.T) {
	h := newHarness(t, withPackage(updateTo("1.3.0")))
	s := NewScheduler(h.st, h.orch)

	_, err := s.ScheduleDeploy(context.Background(), time.Now().Add(-time.Second), "1.3.0")
	require.NoError(t, err)

	ran, err := s.RunDue(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)

	ran, err = s.RunDue(context.Background())
	require.NoError(t, err)
	assert.False(t, ran, "completed task does not fire again")

	tasks, err := s.Status(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, tasks)
	assert.Equal(t, store.ScheduleCompleted, tasks[0].Status)
	assert.Contains(t, tasks[0].Details, "1.3.0")
}

func TestSchedulerNotDueYet(t *testing.T) {
	h := newHarness(t, withPackage(updateTo("1.3.0")))
	s := NewScheduler(h.st, h.orch)

	_, err := s.ScheduleDeploy(context.Background(), time.Now().Add(time.Hour), "1.3.0")
	require.NoError(t, err)

	ran, err := s.RunDue(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Zero(t, h.extracted)
}

func TestSchedulerSinglePendingInvariant(t *testing.T) {
	h := newHarness(t, withPackage(updateTo("1.3.0")))
	s := NewScheduler(h.st, h.orch)

	first, err := s.ScheduleDeploy(context.Background(), time.Now().Add(time.Hour), "1.3.0")
	require.NoError(t, err)
	second, err := s.ScheduleDeploy(context.Background(), time.Now().Add(2*time.Hour), "1.4.0")
	require.NoError(t, err)

	tasks, err := s.Status(context.Background())
	require.NoError(t, err)
	byID := map[string]store.ScheduleStatus{}
	for _, task := range tasks {
		byID[task.ID] = task.Status
	}
	assert.Equal(t, store.ScheduleCancelled, byID[first.ID])
	assert.Equal(t, store.SchedulePending, byID[second.ID])
}

func TestSchedulerLockedWorkdirLeavesTaskPending(t *testing.T) {
	h := newHarness(t, withPackage(updateTo("1.3.0")))
	s := NewScheduler(h.st, h.orch)

	_, err := s.ScheduleDeploy(context.Background(), time.Now().Add(-time.Second), "1.3.0")
	require.NoError(t, err)

	// A manual run holds the workdir when the tick fires.
	lock, err := Acquire(h.orch.Layout)
	require.NoError(t, err)

	ran, err := s.RunDue(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)

	tasks, err := s.Status(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, tasks)
	assert.Equal(t, store.SchedulePending, tasks[0].Status,
		"a held lock defers the task instead of failing it")

	// Next tick after the manual run finished.
	lock.Release()
	ran, err = s.RunDue(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)

	tasks, err = s.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, store.ScheduleCompleted, tasks[0].Status)
}

func TestSchedulerFailedRunRecordsFailure(t *testing.T) {
	h := newHarness(t, withPackage(updateTo("1.3.0")))
	h.dl.err = download.ErrTransientNetwork
	s := NewScheduler(h.st, h.orch)

	_, err := s.ScheduleDeploy(context.Background(), time.Now().Add(-time.Second), "1.3.0")
	require.NoError(t, err)

	ran, err := s.RunDue(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)

	tasks, err := s.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, store.ScheduleFailed, tasks[0].Status)
	assert.Contains(t, tasks[0].Details, "network")
}
