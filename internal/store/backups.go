package store

import (
	"context"
	"os"
	"time"
)

// BackupKind distinguishes why a backup was taken.
type BackupKind string

const (
	BackupManual     BackupKind = "manual"
	BackupPreUpgrade BackupKind = "pre-upgrade"
	BackupScheduled  BackupKind = "scheduled"
)

// BackupStatus is stored but re-derived at read time: external cleanup tools
// may delete archive files without touching the store.
type BackupStatus string

const (
	BackupCompleted BackupStatus = "completed"
	BackupFailed    BackupStatus = "failed"
	BackupMissing   BackupStatus = "missing"
)

// BackupRecord is the persisted record of one cold backup archive.
type BackupRecord struct {
	ID              string
	FilePath        string
	DeployedVersion string
	Kind            BackupKind
	Status          BackupStatus
	SizeBytes       int64
	CreatedAt       time.Time
}

// CreateBackupRecord inserts a record. The backup manager only calls this
// after the archive file has been fully written.
func (s *Store) CreateBackupRecord(ctx context.Context, r *BackupRecord) error {
	r.CreatedAt = time.Now().UTC()
	if r.Status == "" {
		r.Status = BackupCompleted
	}
	return s.write(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO backup_records
			 (id, file_path, deployed_version, kind, status, size_bytes, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.FilePath, r.DeployedVersion, string(r.Kind), string(r.Status),
			r.SizeBytes, r.CreatedAt)
		return err
	})
}

// GetBackupRecord loads one record with liveness re-checked.
func (s *Store) GetBackupRecord(ctx context.Context, id string) (*BackupRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, file_path, deployed_version, kind, status, size_bytes, created_at
		 FROM backup_records WHERE id = ?`, id)
	var r BackupRecord
	var kind, status string
	if err := row.Scan(&r.ID, &r.FilePath, &r.DeployedVersion, &kind, &status,
		&r.SizeBytes, &r.CreatedAt); err != nil {
		return nil, err
	}
	r.Kind = BackupKind(kind)
	r.Status = deriveBackupStatus(BackupStatus(status), r.FilePath)
	return &r, nil
}

// ListBackupRecords returns all records newest-first, each with its status
// re-derived from file existence.
func (s *Store) ListBackupRecords(ctx context.Context) ([]BackupRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, file_path, deployed_version, kind, status, size_bytes, created_at
		 FROM backup_records ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BackupRecord
	for rows.Next() {
		var r BackupRecord
		var kind, status string
		if err := rows.Scan(&r.ID, &r.FilePath, &r.DeployedVersion, &kind, &status,
			&r.SizeBytes, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Kind = BackupKind(kind)
		r.Status = deriveBackupStatus(BackupStatus(status), r.FilePath)
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestBackupRecord returns the newest live record, or nil when none exist.
func (s *Store) LatestBackupRecord(ctx context.Context) (*BackupRecord, error) {
	records, err := s.ListBackupRecords(ctx)
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].Status == BackupCompleted {
			return &records[i], nil
		}
	}
	return nil, nil
}

// DeleteBackupRecord removes a record; used only by the explicit retention
// operation, never automatically.
func (s *Store) DeleteBackupRecord(ctx context.Context, id string) error {
	return s.write(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM backup_records WHERE id = ?`, id)
		return err
	})
}

func deriveBackupStatus(stored BackupStatus, path string) BackupStatus {
	if stored == BackupFailed {
		return BackupFailed
	}
	if _, err := os.Stat(path); err != nil {
		return BackupMissing
	}
	return BackupCompleted
}
