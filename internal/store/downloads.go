package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// DownloadStatus is persisted in download_tasks.status.
type DownloadStatus string

const (
	DownloadPending   DownloadStatus = "pending"
	DownloadRunning   DownloadStatus = "running"
	DownloadPaused    DownloadStatus = "paused"
	DownloadCompleted DownloadStatus = "completed"
	DownloadFailed    DownloadStatus = "failed"
	DownloadCancelled DownloadStatus = "cancelled"
)

// DownloadTask is the persisted record of one artifact download. It is
// written at coarse checkpoints only; live progress stays in memory with the
// download manager.
type DownloadTask struct {
	ID              string
	ArtifactName    string
	SourceURL       string
	TotalSize       int64
	DownloadedSize  int64
	Status          DownloadStatus
	AverageSpeed    float64 // bytes/sec over the task lifetime
	DurationSeconds float64
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

// CreateDownloadTask inserts a new task record.
func (s *Store) CreateDownloadTask(ctx context.Context, t *DownloadTask) error {
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = DownloadPending
	}
	return s.write(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO download_tasks
			 (id, artifact_name, source_url, total_size, downloaded_size, status,
			  average_speed, duration_seconds, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.ArtifactName, t.SourceURL, t.TotalSize, t.DownloadedSize,
			string(t.Status), t.AverageSpeed, t.DurationSeconds, t.CreatedAt, t.UpdatedAt)
		return err
	})
}

// CheckpointDownloadTask persists a coarse progress checkpoint.
func (s *Store) CheckpointDownloadTask(ctx context.Context, id string, downloaded, total int64, status DownloadStatus) error {
	return s.write(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE download_tasks
			 SET downloaded_size = ?, total_size = ?, status = ?, updated_at = ?
			 WHERE id = ?`,
			downloaded, total, string(status), time.Now().UTC(), id)
		return err
	})
}

// FinalizeDownloadTask records the terminal state and aggregate statistics.
// Called exactly once per task lifecycle end.
func (s *Store) FinalizeDownloadTask(ctx context.Context, id string, status DownloadStatus, downloaded int64, avgSpeed, durationSec float64) error {
	return s.write(ctx, func(ctx context.Context) error {
		now := time.Now().UTC()
		var completed any
		if status == DownloadCompleted {
			completed = now
		}
		_, err := s.db.ExecContext(ctx,
			`UPDATE download_tasks
			 SET downloaded_size = ?, status = ?, average_speed = ?,
			     duration_seconds = ?, updated_at = ?, completed_at = ?
			 WHERE id = ?`,
			downloaded, string(status), avgSpeed, durationSec, now, completed, id)
		return err
	})
}

// GetDownloadTask loads one task by id.
func (s *Store) GetDownloadTask(ctx context.Context, id string) (*DownloadTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, artifact_name, source_url, total_size, downloaded_size, status,
		        average_speed, duration_seconds, created_at, updated_at, completed_at
		 FROM download_tasks WHERE id = ?`, id)
	return scanDownloadTask(row)
}

// FindDownloadTaskByURL returns the most recent task for a source URL, used
// to resume an interrupted download under its original task id.
func (s *Store) FindDownloadTaskByURL(ctx context.Context, url string) (*DownloadTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, artifact_name, source_url, total_size, downloaded_size, status,
		        average_speed, duration_seconds, created_at, updated_at, completed_at
		 FROM download_tasks WHERE source_url = ?
		 ORDER BY created_at DESC LIMIT 1`, url)
	t, err := scanDownloadTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// ListDownloadTasks returns all task records, newest first.
func (s *Store) ListDownloadTasks(ctx context.Context) ([]DownloadTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, artifact_name, source_url, total_size, downloaded_size, status,
		        average_speed, duration_seconds, created_at, updated_at, completed_at
		 FROM download_tasks ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DownloadTask
	for rows.Next() {
		t, err := scanDownloadTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// DeleteDownloadTask removes a task record; used only by explicit artifact
// retention, never during a transfer.
func (s *Store) DeleteDownloadTask(ctx context.Context, id string) error {
	return s.write(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM download_tasks WHERE id = ?`, id)
		return err
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDownloadTask(row rowScanner) (*DownloadTask, error) {
	var t DownloadTask
	var status string
	var completed sql.NullTime
	err := row.Scan(&t.ID, &t.ArtifactName, &t.SourceURL, &t.TotalSize,
		&t.DownloadedSize, &status, &t.AverageSpeed, &t.DurationSeconds,
		&t.CreatedAt, &t.UpdatedAt, &completed)
	if err != nil {
		return nil, err
	}
	t.Status = DownloadStatus(status)
	if completed.Valid {
		ct := completed.Time
		t.CompletedAt = &ct
	}
	return &t, nil
}
