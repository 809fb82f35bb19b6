package deploy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quayside/stackpilot/internal/layout"
)

// ErrLocked means another pipeline run holds the working directory. A manual
// trigger racing a scheduled one must not mutate the same deployment.
var ErrLocked = errors.New("deploy: working directory locked by another run")

type lockInfo struct {
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Lock is a held working-directory lock.
type Lock struct {
	path string
}

// Acquire takes the per-workdir lock. A lock file left by a dead process is
// treated as stale and replaced.
func Acquire(lay layout.Layout) (*Lock, error) {
	path := lay.LockPath()
	if err := os.MkdirAll(lay.Root, 0o755); err != nil {
		return nil, err
	}
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			info := lockInfo{PID: os.Getpid(), AcquiredAt: time.Now().UTC()}
			if err := json.NewEncoder(f).Encode(info); err != nil {
				f.Close()
				_ = os.Remove(path)
				return nil, err
			}
			if err := f.Close(); err != nil {
				_ = os.Remove(path)
				return nil, err
			}
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}

		var info lockInfo
		b, rerr := os.ReadFile(path)
		if rerr == nil && json.Unmarshal(b, &info) == nil && isProcessAlive(info.PID) {
			return nil, fmt.Errorf("%w (pid %d since %s)", ErrLocked, info.PID,
				info.AcquiredAt.Format(time.RFC3339))
		}
		log.Warn().Str("lock", path).Int("pid", info.PID).Msg("removing stale lock")
		_ = os.Remove(path)
	}
	return nil, ErrLocked
}

// Release drops the lock.
func (l *Lock) Release() {
	if l != nil {
		_ = os.Remove(l.path)
	}
}

func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 checks for existence without sending anything.
	return p.Signal(syscall.Signal(0)) == nil
}
