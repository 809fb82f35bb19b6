package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"

	"github.com/quayside/stackpilot/internal/metrics"
	"github.com/quayside/stackpilot/internal/store"
)

var (
	// ErrTransientNetwork marks a mid-stream interruption. The task is left
	// resumable; a subsequent Start picks up at the last byte offset.
	ErrTransientNetwork = errors.New("transient network failure")

	// ErrIntegrityMismatch marks a content-hash mismatch after a complete
	// download. The partial file is retained for a manual retry decision.
	ErrIntegrityMismatch = errors.New("artifact integrity mismatch")

	// ErrNotCompleted marks a transfer that ended cooperatively (paused or
	// cancelled) before completion. The partial file is resumable, but the
	// artifact must not be consumed.
	ErrNotCompleted = errors.New("download not completed")

	errPaused    = errors.New("download paused")
	errCancelled = errors.New("download cancelled")
)

// Spec describes one artifact to download.
type Spec struct {
	ArtifactName string
	URL          string
	SHA256       string
	Size         int64
	// AttachAuth is set for "api" download methods; "direct" URLs (object
	// storage) must be fetched without the session header.
	AttachAuth bool
	AuthToken  string
}

// Options tunes the manager. Zero values get sensible defaults.
type Options struct {
	Dir           string // destination directory for artifacts
	ChunkBytes    int
	CheckpointPct int // persist a checkpoint every N percent
	RetryMax      int
	Timeout       time.Duration // per-request transport timeout
}

// Manager owns download tasks and their in-memory progress. It is the sole
// writer of persisted DownloadTask rows.
type Manager struct {
	st   *store.Store
	opts Options
	bc   *Broadcaster

	mu     sync.Mutex
	active map[string]*Task
}

// Task is a handle on one running or finished download.
type Task struct {
	ID   string
	Spec Spec
	Dest string

	cancel context.CancelFunc
	pause  func()
	done   chan struct{}

	mu       sync.Mutex
	progress Progress
	err      error
}

func NewManager(st *store.Store, opts Options) *Manager {
	if opts.ChunkBytes <= 0 {
		opts.ChunkBytes = 1 << 20
	}
	if opts.CheckpointPct <= 0 {
		opts.CheckpointPct = 10
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 4
	}
	return &Manager{st: st, opts: opts, bc: NewBroadcaster(16), active: make(map[string]*Task)}
}

// Subscribe attaches a progress observer (terminal display, checkpoint
// writer, tests). Multiple observers never contend with each other.
func (m *Manager) Subscribe() (<-chan Progress, func()) { return m.bc.Subscribe() }

// Progress returns a read-only snapshot for a task id.
func (m *Manager) Progress(taskID string) (Progress, bool) {
	m.mu.Lock()
	t, ok := m.active[taskID]
	m.mu.Unlock()
	if !ok {
		return Progress{}, false
	}
	return t.Snapshot(), true
}

// Start begins (or resumes) downloading spec in the background and returns
// the task handle. If a persisted task for the same URL exists and is not
// completed, the download resumes under its original id.
func (m *Manager) Start(ctx context.Context, spec Spec) (*Task, error) {
	if err := os.MkdirAll(m.opts.Dir, 0o755); err != nil {
		return nil, err
	}
	dest := filepath.Join(m.opts.Dir, spec.ArtifactName)

	id, err := m.resolveTaskID(ctx, spec)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	pauseCtx, pause := context.WithCancel(context.Background())
	t := &Task{
		ID: id, Spec: spec, Dest: dest,
		cancel: cancel, pause: pause,
		done: make(chan struct{}),
	}

	m.mu.Lock()
	if _, running := m.active[id]; running {
		m.mu.Unlock()
		cancel()
		pause()
		return nil, fmt.Errorf("download %s already running", id)
	}
	m.active[id] = t
	m.mu.Unlock()

	go func() {
		defer close(t.done)
		err := m.run(runCtx, pauseCtx, t)
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
		m.mu.Lock()
		delete(m.active, id)
		m.mu.Unlock()
	}()
	return t, nil
}

// Fetch runs a download to completion and returns the verified artifact
// path. Pause and cancel are clean outcomes for Wait observers, but a Fetch
// caller consumes the file, so anything short of a completed, hash-verified
// task is surfaced as ErrNotCompleted.
func (m *Manager) Fetch(ctx context.Context, spec Spec) (string, error) {
	t, err := m.Start(ctx, spec)
	if err != nil {
		return "", err
	}
	if err := t.Wait(); err != nil {
		return "", err
	}
	if status := t.Snapshot().Status; status != store.DownloadCompleted {
		return "", fmt.Errorf("%w: task %s ended %s", ErrNotCompleted, t.ID, status)
	}
	return t.Dest, nil
}

// Pause requests a cooperative stop at the next chunk boundary. The task is
// checkpointed as paused and can be resumed with another Start call.
func (m *Manager) Pause(taskID string) bool {
	m.mu.Lock()
	t, ok := m.active[taskID]
	m.mu.Unlock()
	if ok {
		t.pause()
	}
	return ok
}

// Cancel stops the task at the next chunk boundary. The partial file is kept
// so a later Start can resume rather than refetch.
func (m *Manager) Cancel(taskID string) bool {
	m.mu.Lock()
	t, ok := m.active[taskID]
	m.mu.Unlock()
	if ok {
		t.cancel()
	}
	return ok
}

// Wait blocks until the task finishes and returns its terminal error.
func (t *Task) Wait() error {
	<-t.done
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Snapshot returns the latest in-memory progress.
func (t *Task) Snapshot() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

func (t *Task) setProgress(p Progress) {
	t.mu.Lock()
	t.progress = p
	t.mu.Unlock()
}

// resolveTaskID reuses the persisted task row for this URL when one exists
// and is still resumable, so pause/resume cycles keep a single record.
func (m *Manager) resolveTaskID(ctx context.Context, spec Spec) (string, error) {
	existing, err := m.st.FindDownloadTaskByURL(ctx, spec.URL)
	if err != nil {
		return "", err
	}
	if existing != nil && existing.Status != store.DownloadCompleted {
		return existing.ID, nil
	}
	id := uuid.NewString()
	task := &store.DownloadTask{
		ID:           id,
		ArtifactName: spec.ArtifactName,
		SourceURL:    spec.URL,
		TotalSize:    spec.Size,
		Status:       store.DownloadPending,
	}
	if err := m.st.CreateDownloadTask(ctx, task); err != nil {
		return "", err
	}
	return id, nil
}

func (m *Manager) run(ctx, pauseCtx context.Context, t *Task) error {
	started := time.Now()

	offset := existingBytes(t.Dest)
	resp, offset, err := m.open(ctx, t.Spec, offset)
	if err != nil {
		_ = m.st.CheckpointDownloadTask(ctx, t.ID, offset, t.Spec.Size, store.DownloadPaused)
		return fmt.Errorf("%w: %v", ErrTransientNetwork, err)
	}
	defer resp.Body.Close()

	total := t.Spec.Size
	if total <= 0 && resp.ContentLength > 0 {
		total = offset + resp.ContentLength
	}
	_ = m.st.CheckpointDownloadTask(ctx, t.ID, offset, total, store.DownloadRunning)

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if offset == 0 {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	out, err := os.OpenFile(t.Dest, flags, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	copyErr := m.copyLoop(ctx, pauseCtx, t, resp.Body, out, offset, total, started)
	downloaded := existingBytes(t.Dest)
	elapsed := time.Since(started).Seconds()
	avg := 0.0
	if elapsed > 0 {
		avg = float64(downloaded-offset) / elapsed
	}

	switch {
	case errors.Is(copyErr, errPaused):
		_ = m.st.CheckpointDownloadTask(context.WithoutCancel(ctx), t.ID, downloaded, total, store.DownloadPaused)
		m.publish(t, downloaded, total, 0, avg, store.DownloadPaused)
		return nil
	// A cancel that lands mid-read surfaces as a context error from the body
	// rather than at the chunk boundary; both are the same outcome.
	case errors.Is(copyErr, errCancelled), errors.Is(copyErr, context.Canceled):
		_ = m.st.CheckpointDownloadTask(context.WithoutCancel(ctx), t.ID, downloaded, total, store.DownloadCancelled)
		m.publish(t, downloaded, total, 0, avg, store.DownloadCancelled)
		return nil
	case copyErr != nil:
		// Mid-stream interruption: leave the task resumable.
		_ = m.st.CheckpointDownloadTask(context.WithoutCancel(ctx), t.ID, downloaded, total, store.DownloadPaused)
		m.publish(t, downloaded, total, 0, avg, store.DownloadPaused)
		return fmt.Errorf("%w: %v", ErrTransientNetwork, copyErr)
	}

	if t.Spec.SHA256 != "" {
		if err := VerifySHA256(t.Dest, t.Spec.SHA256); err != nil {
			// Keep the partial file; an operator may want to inspect it or
			// retry against a re-published artifact.
			_ = m.st.FinalizeDownloadTask(context.WithoutCancel(ctx), t.ID, store.DownloadFailed, downloaded, avg, elapsed)
			m.publish(t, downloaded, total, 0, avg, store.DownloadFailed)
			return fmt.Errorf("%w: %v", ErrIntegrityMismatch, err)
		}
	}

	if err := m.st.FinalizeDownloadTask(context.WithoutCancel(ctx), t.ID, store.DownloadCompleted, downloaded, avg, elapsed); err != nil {
		return err
	}
	m.publish(t, downloaded, total, 0, avg, store.DownloadCompleted)
	log.Info().Str("task", t.ID).Str("artifact", t.Spec.ArtifactName).
		Int64("bytes", downloaded).Dur("elapsed", time.Since(started)).
		Msg("download completed")
	return nil
}

// open issues the (optionally ranged) request. When the server ignores the
// range header the download restarts from zero.
func (m *Manager) open(ctx context.Context, spec Spec, offset int64) (*http.Response, int64, error) {
	client := retryablehttp.NewClient()
	client.RetryMax = m.opts.RetryMax
	client.RetryWaitMin = 250 * time.Millisecond
	client.RetryWaitMax = 4 * time.Second
	client.Logger = nil
	if m.opts.Timeout > 0 {
		client.HTTPClient.Timeout = m.opts.Timeout
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, spec.URL, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("User-Agent", "stackpilot-agent")
	if spec.AttachAuth && spec.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+spec.AuthToken)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, offset, err
	}
	switch resp.StatusCode {
	case http.StatusPartialContent:
		return resp, offset, nil
	case http.StatusOK:
		if offset > 0 {
			log.Debug().Str("url", spec.URL).Msg("server ignored range request, restarting from zero")
		}
		return resp, 0, nil
	default:
		_ = resp.Body.Close()
		return nil, offset, fmt.Errorf("http error: %s", resp.Status)
	}
}

func (m *Manager) copyLoop(ctx, pauseCtx context.Context, t *Task, src io.Reader, dst *os.File, offset, total int64, started time.Time) error {
	if offset == 0 {
		if err := dst.Truncate(0); err != nil {
			return err
		}
	}

	buf := make([]byte, m.opts.ChunkBytes)
	downloaded := offset
	lastCheckpoint := offset
	step := int64(0)
	if total > 0 {
		step = total * int64(m.opts.CheckpointPct) / 100
	}
	windowStart := time.Now()
	windowBytes := int64(0)
	instant := 0.0

	for {
		// Cooperative stop points: only between chunk writes, never
		// mid-write, so the partial file stays consistent.
		select {
		case <-ctx.Done():
			return errCancelled
		case <-pauseCtx.Done():
			return errPaused
		default:
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return err
			}
			downloaded += int64(n)
			windowBytes += int64(n)
			metrics.AddDownloadedBytes(int64(n))

			if w := time.Since(windowStart); w >= 500*time.Millisecond {
				instant = float64(windowBytes) / w.Seconds()
				windowStart = time.Now()
				windowBytes = 0
			}
			elapsed := time.Since(started).Seconds()
			avg := 0.0
			if elapsed > 0 {
				avg = float64(downloaded-offset) / elapsed
			}
			m.publish(t, downloaded, total, instant, avg, store.DownloadRunning)

			if step > 0 && downloaded-lastCheckpoint >= step {
				_ = m.st.CheckpointDownloadTask(ctx, t.ID, downloaded, total, store.DownloadRunning)
				lastCheckpoint = downloaded
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

func (m *Manager) publish(t *Task, downloaded, total int64, instant, avg float64, status store.DownloadStatus) {
	eta := 0.0
	if avg > 0 && total > downloaded {
		eta = float64(total-downloaded) / avg
	}
	p := Progress{
		TaskID:       t.ID,
		ArtifactName: t.Spec.ArtifactName,
		Downloaded:   downloaded,
		Total:        total,
		InstantSpeed: instant,
		AverageSpeed: avg,
		ETASeconds:   eta,
		Status:       status,
		At:           time.Now(),
	}
	t.setProgress(p)
	m.bc.Publish(p)
}

func existingBytes(path string) int64 {
	st, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return st.Size()
}
