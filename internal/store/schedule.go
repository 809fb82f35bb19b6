package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// TaskType identifies what a scheduled task will run.
type TaskType string

const (
	TaskUpgradeDeploy TaskType = "upgrade-deploy"
)

// ScheduleStatus is persisted in scheduled_tasks.status.
type ScheduleStatus string

const (
	SchedulePending    ScheduleStatus = "Pending"
	ScheduleInProgress ScheduleStatus = "InProgress"
	ScheduleCompleted  ScheduleStatus = "Completed"
	ScheduleFailed     ScheduleStatus = "Failed"
	ScheduleCancelled  ScheduleStatus = "Cancelled"
)

// ScheduledTask is a deferred deployment run.
type ScheduledTask struct {
	ID            string
	TaskType      TaskType
	TargetVersion string
	ScheduledAt   time.Time
	Status        ScheduleStatus
	Details       string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CreateScheduledTask inserts a new Pending task. In the same transaction it
// cancels every prior Pending task of the same type, so at most one Pending
// task per type can ever exist.
func (s *Store) CreateScheduledTask(ctx context.Context, t *ScheduledTask) error {
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	t.Status = SchedulePending
	return s.write(ctx, func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx,
			`UPDATE scheduled_tasks SET status = ?, updated_at = ?
			 WHERE task_type = ? AND status = ?`,
			string(ScheduleCancelled), now, string(t.TaskType), string(SchedulePending)); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO scheduled_tasks
			 (id, task_type, target_version, scheduled_at, status, details, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, string(t.TaskType), t.TargetVersion, t.ScheduledAt.UTC(),
			string(t.Status), t.Details, t.CreatedAt, t.UpdatedAt); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// UpdateScheduledTaskStatus moves a task to a new status, recording details
// (e.g. a failure message).
func (s *Store) UpdateScheduledTaskStatus(ctx context.Context, id string, status ScheduleStatus, details string) error {
	return s.write(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE scheduled_tasks SET status = ?, details = ?, updated_at = ?
			 WHERE id = ?`,
			string(status), details, time.Now().UTC(), id)
		return err
	})
}

// PendingScheduledTask returns the single Pending task of the given type, or
// nil when none exists.
func (s *Store) PendingScheduledTask(ctx context.Context, tt TaskType) (*ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, task_type, target_version, scheduled_at, status, details, created_at, updated_at
		 FROM scheduled_tasks WHERE task_type = ? AND status = ?
		 ORDER BY created_at DESC LIMIT 1`,
		string(tt), string(SchedulePending))
	t, err := scanScheduledTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// CancelPendingScheduledTasks cancels all Pending tasks of the given type
// and reports how many were affected.
func (s *Store) CancelPendingScheduledTasks(ctx context.Context, tt TaskType) (int64, error) {
	var n int64
	err := s.write(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE scheduled_tasks SET status = ?, updated_at = ?
			 WHERE task_type = ? AND status = ?`,
			string(ScheduleCancelled), time.Now().UTC(), string(tt), string(SchedulePending))
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return n, err
}

// ListScheduledTasks returns all tasks newest-first.
func (s *Store) ListScheduledTasks(ctx context.Context) ([]ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_type, target_version, scheduled_at, status, details, created_at, updated_at
		 FROM scheduled_tasks ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ScheduledTask
	for rows.Next() {
		t, err := scanScheduledTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func scanScheduledTask(row rowScanner) (*ScheduledTask, error) {
	var t ScheduledTask
	var tt, status string
	err := row.Scan(&t.ID, &tt, &t.TargetVersion, &t.ScheduledAt, &status,
		&t.Details, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.TaskType = TaskType(tt)
	t.Status = ScheduleStatus(status)
	return &t, nil
}
