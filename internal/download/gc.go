package download

import (
	"context"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/quayside/stackpilot/internal/store"
)

// GC removes completed artifact files beyond the newest keep, records
// included, and drops cancelled tasks along with their partial files.
// Running, paused and failed tasks are never touched: their partial files
// are the resume state.
func (m *Manager) GC(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	tasks, err := m.st.ListDownloadTasks(ctx)
	if err != nil {
		return 0, err
	}

	removed := 0
	completed := 0
	for _, t := range tasks {
		switch t.Status {
		case store.DownloadCompleted:
			completed++
			if completed <= keep {
				continue
			}
		case store.DownloadCancelled:
		default:
			continue
		}

		dest := filepath.Join(m.opts.Dir, t.ArtifactName)
		if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
			return removed, err
		}
		if err := m.st.DeleteDownloadTask(ctx, t.ID); err != nil {
			return removed, err
		}
		log.Debug().Str("id", t.ID).Str("artifact", t.ArtifactName).Msg("pruned artifact")
		removed++
	}
	return removed, nil
}
