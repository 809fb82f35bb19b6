package store

// Schema is applied idempotently on open. Additive changes only; the store
// file outlives engine upgrades.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS download_tasks (
		id               TEXT PRIMARY KEY,
		artifact_name    TEXT NOT NULL,
		source_url       TEXT NOT NULL,
		total_size       INTEGER NOT NULL DEFAULT 0,
		downloaded_size  INTEGER NOT NULL DEFAULT 0,
		status           TEXT NOT NULL,
		average_speed    REAL NOT NULL DEFAULT 0,
		duration_seconds REAL NOT NULL DEFAULT 0,
		created_at       TIMESTAMP NOT NULL,
		updated_at       TIMESTAMP NOT NULL,
		completed_at     TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_download_tasks_status ON download_tasks(status)`,
	`CREATE TABLE IF NOT EXISTS backup_records (
		id               TEXT PRIMARY KEY,
		file_path        TEXT NOT NULL,
		deployed_version TEXT NOT NULL,
		kind             TEXT NOT NULL,
		status           TEXT NOT NULL,
		size_bytes       INTEGER NOT NULL DEFAULT 0,
		created_at       TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_backup_records_created ON backup_records(created_at)`,
	`CREATE TABLE IF NOT EXISTS scheduled_tasks (
		id             TEXT PRIMARY KEY,
		task_type      TEXT NOT NULL,
		target_version TEXT NOT NULL DEFAULT '',
		scheduled_at   TIMESTAMP NOT NULL,
		status         TEXT NOT NULL,
		details        TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMP NOT NULL,
		updated_at     TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_status ON scheduled_tasks(task_type, status)`,
}
