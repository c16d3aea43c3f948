package eventstore

import (
	"context"
	"database/sql"
	"fmt"
)

// migrations are applied in order; PRAGMA user_version records how many ran.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		job_id        TEXT PRIMARY KEY,
		kind          TEXT NOT NULL,
		content_id    TEXT NOT NULL,
		content_type  TEXT,
		chapter_index INTEGER,
		voice         TEXT,
		created_at    TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS job_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id     TEXT NOT NULL REFERENCES jobs(job_id) ON DELETE CASCADE,
		status     TEXT NOT NULL,
		progress   INTEGER NOT NULL,
		message    TEXT,
		payload    BLOB,
		created_at TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_job_events_job ON job_events(job_id, id);
	CREATE INDEX IF NOT EXISTS idx_jobs_content ON jobs(content_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);`,
}

func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version)
	return version, err
}

func migrate(ctx context.Context, db *sql.DB) error {
	version, err := schemaVersion(ctx, db)
	if err != nil {
		return err
	}
	for i := version; i < len(migrations); i++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		// PRAGMA does not take bind parameters.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}
