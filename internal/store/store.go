package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite "modernc.org/sqlite"
)

const driverName = "stackpilot-sqlite"

func init() {
	sql.Register(driverName, &sqlite.Driver{})
}

// Store is the shared persisted store for deployment metadata, download
// tasks, backup records and scheduled tasks. Reads may run concurrently;
// writes are serialized behind a single connection and wrapped in a bounded
// retry policy (see retry.go), which is why callers are expected to write at
// coarse checkpoints rather than per event.
type Store struct {
	db    *sql.DB
	retry RetryPolicy
}

// Open opens (creating if needed) the store database at path. Local files
// get WAL and a busy timeout for predictable behavior when a manual command
// races the scheduler.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := strings.TrimSpace(path)
	if dsn == "" {
		return nil, errors.New("store path is required")
	}
	if dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(filepath.Clean(dsn)), 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
		dsn = "file:" + filepath.Clean(dsn)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// Single connection keeps the single-writer discipline and avoids
	// SQLITE_BUSY between the pool's own connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}
	if dsn != ":memory:" {
		var mode string
		if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&mode); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
		var busy int
		if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busy); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set busy timeout: %w", err)
		}
	}

	s := &Store{db: db, retry: DefaultRetryPolicy()}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// write runs fn under the store's retry policy.
func (s *Store) write(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.retry.Do(ctx, fn)
}

func (s *Store) migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
