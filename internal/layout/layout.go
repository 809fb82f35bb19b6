package layout

import (
	"os"
	"path/filepath"
)

// Canonical on-disk deployment layout, relative to the working directory.
// Extracted bundles are always normalized into this structure regardless of
// how upstream packaged them.
const (
	// ServiceDir is the canonical subdirectory holding the service bundle.
	ServiceDir = "service"

	// Marker is the compose descriptor that identifies a service bundle.
	Marker = "docker-compose.yml"

	// EnvFile is the compose environment file shipped with the bundle.
	EnvFile = ".env"

	DataDir   = "data"
	AppDir    = "app"
	ConfigDir = "config"
	ImagesDir = "images"
	LogsDir   = "logs"
)

// Layout resolves canonical paths under a working directory.
type Layout struct {
	Root string
}

func New(root string) Layout { return Layout{Root: root} }

// ServiceRoot is the directory that holds the normalized bundle.
func (l Layout) ServiceRoot() string { return filepath.Join(l.Root, ServiceDir) }

func (l Layout) ComposeFile() string { return filepath.Join(l.ServiceRoot(), Marker) }
func (l Layout) EnvPath() string     { return filepath.Join(l.ServiceRoot(), EnvFile) }
func (l Layout) DataPath() string    { return filepath.Join(l.ServiceRoot(), DataDir) }
func (l Layout) AppPath() string     { return filepath.Join(l.ServiceRoot(), AppDir) }
func (l Layout) ConfigPath() string  { return filepath.Join(l.ServiceRoot(), ConfigDir) }
func (l Layout) ImagesPath() string  { return filepath.Join(l.ServiceRoot(), ImagesDir) }
func (l Layout) LogsPath() string    { return filepath.Join(l.ServiceRoot(), LogsDir) }

// BackupsDir is where cold backup archives are written.
func (l Layout) BackupsDir() string { return filepath.Join(l.Root, "backups") }

// DownloadsDir holds in-flight and completed artifact downloads.
func (l Layout) DownloadsDir() string { return filepath.Join(l.Root, "downloads") }

// StorePath is the persisted store database file.
func (l Layout) StorePath() string { return filepath.Join(l.Root, "stackpilot.db") }

// LockPath is the per-workdir pipeline lock file.
func (l Layout) LockPath() string { return filepath.Join(l.Root, ".stackpilot.lock") }

// PersistentDirs are the subdirectories extraction must never delete and
// backup must archive.
func (l Layout) PersistentDirs() []string {
	return []string{l.DataPath(), l.AppPath()}
}

// importantMarkers are the paths whose presence means the deployment already
// holds meaningful state worth protecting with a backup.
func (l Layout) importantMarkers() []string {
	return []string{
		l.ComposeFile(),
		l.EnvPath(),
		l.DataPath(),
		l.ConfigPath(),
		l.LogsPath(),
	}
}

// HasMeaningfulState reports whether any important marker path exists. A
// working directory with none of them is a first-time install and the
// pre-upgrade backup step can be skipped.
func (l Layout) HasMeaningfulState() bool {
	for _, p := range l.importantMarkers() {
		if _, err := os.Stat(p); err == nil {
			return true
		}
	}
	return false
}

// EnsureDirs creates the directories the engine needs. Non-destructive.
func (l Layout) EnsureDirs() error {
	dirs := []string{
		l.ServiceRoot(),
		l.DataPath(),
		l.AppPath(),
		l.ConfigPath(),
		l.ImagesPath(),
		l.LogsPath(),
		l.BackupsDir(),
		l.DownloadsDir(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	return nil
}
