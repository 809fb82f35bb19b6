package store

import (
	"context"
	"database/sql"
	"errors"
)

const keyDeployedVersion = "deployed_version"

// DeployedVersion returns the version of the service bundle currently on
// disk, or "" when nothing has been deployed yet.
func (s *Store) DeployedVersion(ctx context.Context) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM meta WHERE key = ?`, keyDeployedVersion).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return v, nil
}

// SetDeployedVersion records the deployed bundle version. Only the
// orchestrator calls this, and only after extraction and image load have
// both succeeded; a bare download must never advance it.
func (s *Store) SetDeployedVersion(ctx context.Context, version string) error {
	return s.write(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO meta (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			keyDeployedVersion, version)
		return err
	})
}
