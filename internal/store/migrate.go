package store

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one forward-only schema step, applied inside its own
// transaction. The server refuses to start if the persisted version is
// newer than the highest version it knows how to apply.
type migration struct {
	version int
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS schema_version (
				version INTEGER PRIMARY KEY,
				applied_at TIMESTAMP NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS feeds (
				id TEXT PRIMARY KEY,
				url TEXT NOT NULL UNIQUE,
				original_title TEXT NOT NULL DEFAULT '',
				title_override TEXT,
				author TEXT NOT NULL DEFAULT '',
				site_link TEXT NOT NULL DEFAULT '',
				category_tags TEXT NOT NULL DEFAULT '',
				itunes_id TEXT,
				pocketcasts_show_uuid TEXT,
				slug TEXT NOT NULL UNIQUE,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS episodes (
				id TEXT PRIMARY KEY,
				feed_id TEXT NOT NULL REFERENCES feeds(id) ON DELETE CASCADE,
				guid TEXT NOT NULL,
				title TEXT NOT NULL DEFAULT '',
				audio_url TEXT NOT NULL DEFAULT '',
				transcript_url TEXT,
				transcript_mime TEXT,
				pocketcasts_transcript_url TEXT,
				published_at TIMESTAMP,
				duration_seconds INTEGER NOT NULL DEFAULT 0,
				audio_path TEXT,
				transcript_path TEXT,
				transcript_source TEXT,
				transcript_model TEXT,
				status TEXT NOT NULL DEFAULT 'new',
				transcript_checked_at TIMESTAMP,
				next_transcript_retry_at TIMESTAMP,
				transcript_failure_reason TEXT,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL,
				UNIQUE(feed_id, guid)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_episodes_status ON episodes(status)`,
			`CREATE INDEX IF NOT EXISTS idx_episodes_retry ON episodes(status, next_transcript_retry_at)`,
			`CREATE TABLE IF NOT EXISTS jobs (
				id TEXT PRIMARY KEY,
				episode_id TEXT NOT NULL REFERENCES episodes(id) ON DELETE CASCADE,
				kind TEXT NOT NULL,
				priority INTEGER NOT NULL DEFAULT 10,
				status TEXT NOT NULL DEFAULT 'queued',
				attempts INTEGER NOT NULL DEFAULT 0,
				max_attempts INTEGER NOT NULL DEFAULT 3,
				scheduled_at TIMESTAMP NOT NULL,
				started_at TIMESTAMP,
				completed_at TIMESTAMP,
				progress_percent INTEGER NOT NULL DEFAULT 0,
				progress_updated_at TIMESTAMP,
				error_message TEXT,
				error_reason TEXT,
				assigned_node_id TEXT,
				claimed_at TIMESTAMP,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(kind, status, priority, created_at, id)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_episode_kind ON jobs(episode_id, kind, status)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_running ON jobs(status, assigned_node_id, started_at)`,
			`CREATE TABLE IF NOT EXISTS nodes (
				id TEXT PRIMARY KEY,
				display_name TEXT NOT NULL,
				url TEXT,
				api_key_hash TEXT NOT NULL,
				declared_model TEXT,
				status TEXT NOT NULL DEFAULT 'offline',
				last_heartbeat TIMESTAMP,
				current_job_id TEXT,
				priority INTEGER NOT NULL DEFAULT 10,
				persistent INTEGER NOT NULL DEFAULT 0,
				pod_id TEXT,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS pod_setup_states (
				instance_id TEXT PRIMARY KEY,
				pod_id TEXT,
				persistent INTEGER NOT NULL DEFAULT 0,
				phase TEXT NOT NULL DEFAULT 'creating',
				step_log TEXT NOT NULL DEFAULT '[]',
				error_message TEXT,
				created_at TIMESTAMP NOT NULL,
				updated_at TIMESTAMP NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS embeddings (
				episode_id TEXT NOT NULL REFERENCES episodes(id) ON DELETE CASCADE,
				segment_start REAL NOT NULL,
				segment_end REAL NOT NULL,
				vector BLOB NOT NULL,
				text_hash TEXT NOT NULL,
				model_name TEXT NOT NULL,
				created_at TIMESTAMP NOT NULL,
				PRIMARY KEY (episode_id, segment_start, segment_end)
			)`,
			`CREATE VIRTUAL TABLE IF NOT EXISTS episode_fts USING fts5(
				episode_id UNINDEXED,
				title,
				transcript_text
			)`,
		},
	},
}

// migrate applies every migration whose version exceeds the currently
// persisted one, each in its own transaction, in strict order.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL
	)`); err != nil {
		return fmt.Errorf("ensure schema_version: %w", err)
	}

	current, err := s.currentVersion(ctx)
	if err != nil {
		return err
	}

	highest := 0
	for _, m := range migrations {
		if m.version > highest {
			highest = m.version
		}
	}
	if current > highest {
		return fmt.Errorf("database schema version %d is newer than this binary understands (max %d)", current, highest)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *Store) currentVersion(ctx context.Context) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_version ORDER BY version DESC LIMIT 1`).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("exec %q: %w", stmt, err)
			}
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO schema_version (version, applied_at) VALUES (?, datetime('now'))`, m.version)
		return err
	})
}
