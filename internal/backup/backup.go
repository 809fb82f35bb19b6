// Package backup creates and restores cold backups of the deployment's
// persistent directories. Backups are cold only: the stack must be fully
// stopped so the archived data directory is never mid-write.
package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/quayside/stackpilot/internal/layout"
	"github.com/quayside/stackpilot/internal/store"
)

var (
	// ErrStackRunning means a cold operation was requested while stack
	// containers are still live.
	ErrStackRunning = errors.New("backup: stack must be stopped")

	// ErrArchiveMissing means the record exists but its archive file was
	// removed out of band.
	ErrArchiveMissing = errors.New("backup: archive file missing")

	// ErrVersionMismatch means the backup was taken at a different deployed
	// version; restoring it requires force.
	ErrVersionMismatch = errors.New("backup: deployed version differs from backup")
)

// StackProber reports whether any stack container is live.
type StackProber interface {
	IsRunning(ctx context.Context) (bool, error)
}

// Manager owns the backup archives and their records for one working
// directory.
type Manager struct {
	st    *store.Store
	lay   layout.Layout
	stack StackProber
}

func NewManager(st *store.Store, lay layout.Layout, stack StackProber) *Manager {
	return &Manager{st: st, lay: lay, stack: stack}
}

// Backup archives exactly the persistent directories (data, app) into the
// backups directory and records the result. The record is written only after
// the archive file is fully on disk.
func (m *Manager) Backup(ctx context.Context, kind store.BackupKind) (*store.BackupRecord, error) {
	if err := m.requireStopped(ctx); err != nil {
		return nil, err
	}

	version, err := m.st.DeployedVersion(ctx)
	if err != nil {
		return nil, err
	}
	if version == "" {
		version = "unknown"
	}

	if err := os.MkdirAll(m.lay.BackupsDir(), 0o755); err != nil {
		return nil, err
	}
	name := fmt.Sprintf("backup_%s_v%s_%s.tar.gz", kind, version,
		time.Now().UTC().Format("20060102T150405"))
	dest := filepath.Join(m.lay.BackupsDir(), name)
	for i := 1; ; i++ {
		if _, err := os.Stat(dest); os.IsNotExist(err) {
			break
		}
		dest = filepath.Join(m.lay.BackupsDir(),
			fmt.Sprintf("%s_%d.tar.gz", strings.TrimSuffix(name, ".tar.gz"), i))
	}
	name = filepath.Base(dest)

	// Write to a temp file first so a crash never leaves a half-written
	// archive under the final name.
	tmp := dest + ".tmp"
	if err := archiveDirs(tmp, m.lay.ServiceRoot(), m.lay.PersistentDirs()); err != nil {
		_ = os.Remove(tmp)
		return nil, fmt.Errorf("backup: write archive: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return nil, err
	}

	info, err := os.Stat(dest)
	if err != nil {
		return nil, err
	}
	rec := &store.BackupRecord{
		ID:              uuid.NewString(),
		FilePath:        dest,
		DeployedVersion: version,
		Kind:            kind,
		Status:          store.BackupCompleted,
		SizeBytes:       info.Size(),
	}
	if err := m.st.CreateBackupRecord(ctx, rec); err != nil {
		return nil, err
	}
	log.Info().Str("id", rec.ID).Str("file", name).Int64("bytes", rec.SizeBytes).
		Msg("backup written")
	return rec, nil
}

// Restore extracts the named backup over the persistent directories,
// overwriting their contents. The stack must be stopped and stays stopped;
// restarting is the caller's responsibility.
//
// Restoring a backup taken at a version other than the currently deployed
// one is usually operator error and requires force.
func (m *Manager) Restore(ctx context.Context, id string, force bool) error {
	rec, err := m.st.GetBackupRecord(ctx, id)
	if err != nil {
		return err
	}
	if rec.Status != store.BackupCompleted {
		return fmt.Errorf("%w: %s (%s)", ErrArchiveMissing, rec.FilePath, rec.Status)
	}
	if err := m.requireStopped(ctx); err != nil {
		return err
	}
	if !force {
		current, err := m.st.DeployedVersion(ctx)
		if err != nil {
			return err
		}
		if current != "" && current != rec.DeployedVersion {
			return fmt.Errorf("%w: backup v%s, deployed v%s",
				ErrVersionMismatch, rec.DeployedVersion, current)
		}
	}

	if err := extractArchive(rec.FilePath, m.lay.ServiceRoot()); err != nil {
		return fmt.Errorf("backup: restore %s: %w", id, err)
	}
	log.Info().Str("id", id).Str("version", rec.DeployedVersion).Msg("backup restored")
	return nil
}

// List returns all records, newest first, with liveness re-derived.
func (m *Manager) List(ctx context.Context) ([]store.BackupRecord, error) {
	return m.st.ListBackupRecords(ctx)
}

// Latest returns the newest live record, or nil.
func (m *Manager) Latest(ctx context.Context) (*store.BackupRecord, error) {
	return m.st.LatestBackupRecord(ctx)
}

// Prune keeps the newest keep live archives and removes the rest, files and
// records both. Records whose archives already vanished are dropped too.
// Never called automatically.
func (m *Manager) Prune(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	records, err := m.st.ListBackupRecords(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	live := 0
	for _, rec := range records {
		if rec.Status == store.BackupCompleted {
			live++
			if live <= keep {
				continue
			}
			if err := os.Remove(rec.FilePath); err != nil && !os.IsNotExist(err) {
				return removed, err
			}
		}
		if err := m.st.DeleteBackupRecord(ctx, rec.ID); err != nil {
			return removed, err
		}
		log.Debug().Str("id", rec.ID).Str("file", rec.FilePath).Msg("pruned backup")
		removed++
	}
	return removed, nil
}

func (m *Manager) requireStopped(ctx context.Context) error {
	running, err := m.stack.IsRunning(ctx)
	if err != nil {
		return err
	}
	if running {
		return ErrStackRunning
	}
	return nil
}
