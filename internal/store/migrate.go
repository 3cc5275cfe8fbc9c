package store

import (
	"context"
	"fmt"
	"log/slog"
)

// migrations apply in strict order; index+1 is the schema version after the
// migration runs. Each migration runs in its own transaction.
var migrations = []string{
	// 1: core entities
	`
	CREATE TABLE feeds (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		url              TEXT NOT NULL UNIQUE,
		title            TEXT NOT NULL DEFAULT '',
		title_override   TEXT NOT NULL DEFAULT '',
		author           TEXT NOT NULL DEFAULT '',
		link             TEXT NOT NULL DEFAULT '',
		categories       TEXT NOT NULL DEFAULT '',
		itunes_id        INTEGER,
		pocketcasts_uuid TEXT NOT NULL DEFAULT '',
		created_at       INTEGER NOT NULL,
		updated_at       INTEGER NOT NULL
	);

	CREATE TABLE episodes (
		id                        INTEGER PRIMARY KEY AUTOINCREMENT,
		feed_id                   INTEGER NOT NULL REFERENCES feeds(id) ON DELETE CASCADE,
		guid                      TEXT NOT NULL,
		title                     TEXT NOT NULL DEFAULT '',
		audio_url                 TEXT NOT NULL DEFAULT '',
		transcript_url            TEXT NOT NULL DEFAULT '',
		transcript_mime           TEXT NOT NULL DEFAULT '',
		external_transcript_url   TEXT NOT NULL DEFAULT '',
		published_at              INTEGER,
		duration_seconds          INTEGER NOT NULL DEFAULT 0,
		audio_path                TEXT NOT NULL DEFAULT '',
		transcript_path           TEXT NOT NULL DEFAULT '',
		transcript_source         TEXT NOT NULL DEFAULT '',
		transcript_model          TEXT NOT NULL DEFAULT '',
		status                    TEXT NOT NULL DEFAULT 'new',
		transcript_checked_at     INTEGER,
		next_transcript_retry_at  INTEGER,
		transcript_failure_reason TEXT NOT NULL DEFAULT '',
		created_at                INTEGER NOT NULL,
		updated_at                INTEGER NOT NULL,
		UNIQUE (feed_id, guid)
	);
	CREATE INDEX idx_episodes_status ON episodes(status);
	CREATE INDEX idx_episodes_retry ON episodes(status, next_transcript_retry_at);

	CREATE TABLE jobs (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		episode_id       INTEGER NOT NULL REFERENCES episodes(id) ON DELETE CASCADE,
		kind             TEXT NOT NULL,
		priority         INTEGER NOT NULL DEFAULT 10,
		status           TEXT NOT NULL DEFAULT 'queued',
		attempts         INTEGER NOT NULL DEFAULT 0,
		max_attempts     INTEGER NOT NULL DEFAULT 3,
		scheduled_at     INTEGER,
		started_at       INTEGER,
		completed_at     INTEGER,
		progress_percent INTEGER NOT NULL DEFAULT 0,
		error_message    TEXT NOT NULL DEFAULT '',
		failure_reason   TEXT NOT NULL DEFAULT '',
		assigned_node_id TEXT,
		claimed_at       INTEGER,
		created_at       INTEGER NOT NULL
	);
	CREATE INDEX idx_jobs_claim ON jobs(kind, status, priority, created_at, id);
	CREATE INDEX idx_jobs_episode ON jobs(episode_id, kind, status);
	CREATE INDEX idx_jobs_node ON jobs(assigned_node_id, status);

	CREATE TABLE nodes (
		id              TEXT PRIMARY KEY,
		name            TEXT NOT NULL,
		url             TEXT NOT NULL DEFAULT '',
		api_key_hash    TEXT NOT NULL,
		model           TEXT NOT NULL DEFAULT '',
		backend         TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL DEFAULT 'offline',
		last_heartbeat  INTEGER,
		current_job_id  INTEGER,
		priority        INTEGER NOT NULL DEFAULT 10,
		ephemeral       INTEGER NOT NULL DEFAULT 0,
		instance_id     TEXT NOT NULL DEFAULT '',
		created_at      INTEGER NOT NULL,
		updated_at      INTEGER NOT NULL
	);

	CREATE TABLE pod_setup_states (
		instance_id TEXT PRIMARY KEY,
		pod_id      TEXT NOT NULL DEFAULT '',
		persistent  INTEGER NOT NULL DEFAULT 0,
		phase       TEXT NOT NULL DEFAULT 'creating',
		steps       TEXT NOT NULL DEFAULT '[]',
		error       TEXT NOT NULL DEFAULT '',
		created_at  INTEGER NOT NULL,
		updated_at  INTEGER NOT NULL
	);
	`,

	// 2: embeddings
	`
	CREATE TABLE embeddings (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		episode_id    INTEGER NOT NULL REFERENCES episodes(id) ON DELETE CASCADE,
		segment_start REAL NOT NULL,
		segment_end   REAL NOT NULL,
		text_hash     TEXT NOT NULL,
		model_name    TEXT NOT NULL,
		vector        BLOB NOT NULL,
		created_at    INTEGER NOT NULL,
		UNIQUE (episode_id, segment_start, segment_end)
	);
	CREATE INDEX idx_embeddings_episode ON embeddings(episode_id);
	`,

	// 3: full-text search over episode titles and transcripts
	`
	CREATE TABLE episode_search (
		episode_id INTEGER PRIMARY KEY REFERENCES episodes(id) ON DELETE CASCADE,
		title      TEXT NOT NULL DEFAULT '',
		transcript TEXT NOT NULL DEFAULT ''
	);

	CREATE VIRTUAL TABLE episode_search_fts USING fts5(
		title, transcript,
		content='episode_search',
		content_rowid='episode_id'
	);

	CREATE TRIGGER episode_search_ai AFTER INSERT ON episode_search BEGIN
		INSERT INTO episode_search_fts(rowid, title, transcript)
		VALUES (new.episode_id, new.title, new.transcript);
	END;
	CREATE TRIGGER episode_search_ad AFTER DELETE ON episode_search BEGIN
		INSERT INTO episode_search_fts(episode_search_fts, rowid, title, transcript)
		VALUES ('delete', old.episode_id, old.title, old.transcript);
	END;
	CREATE TRIGGER episode_search_au AFTER UPDATE ON episode_search BEGIN
		INSERT INTO episode_search_fts(episode_search_fts, rowid, title, transcript)
		VALUES ('delete', old.episode_id, old.title, old.transcript);
		INSERT INTO episode_search_fts(rowid, title, transcript)
		VALUES (new.episode_id, new.title, new.transcript);
	END;
	`,
}

// migrate brings the schema to the current version. It refuses to start when
// the on-disk version is newer than this build understands.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("failed to create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_version`).Scan(&version)
	if err != nil {
		// No row yet: fresh database.
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (0)`); err != nil {
			return fmt.Errorf("failed to seed schema_version: %w", err)
		}
		version = 0
	}

	if version > len(migrations) {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, len(migrations))
	}

	for i := version; i < len(migrations); i++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to apply migration %d: %w", i+1, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE schema_version SET version = ?`, i+1); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", i+1, err)
		}
		slog.Info("Applied migration", "version", i+1)
	}

	return nil
}
