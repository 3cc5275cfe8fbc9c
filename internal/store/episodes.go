package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"podscribe/internal/pipeline"
)

// ErrInvalidTransition is returned when a status update would violate the
// episode state machine. This is a programming error, never swallowed.
var ErrInvalidTransition = errors.New("store: invalid episode status transition")

const episodeColumns = `id, feed_id, guid, title, audio_url, transcript_url, transcript_mime,
	external_transcript_url, published_at, duration_seconds, audio_path, transcript_path,
	transcript_source, transcript_model, status, transcript_checked_at,
	next_transcript_retry_at, transcript_failure_reason, created_at, updated_at`

func scanEpisode(row interface{ Scan(...any) error }) (*Episode, error) {
	var e Episode
	var publishedAt, checkedAt, retryAt sql.NullInt64
	var status string
	var createdAt, updatedAt int64
	err := row.Scan(&e.ID, &e.FeedID, &e.GUID, &e.Title, &e.AudioURL, &e.TranscriptURL,
		&e.TranscriptMIME, &e.ExternalTranscriptURL, &publishedAt, &e.DurationSeconds,
		&e.AudioPath, &e.TranscriptPath, &e.TranscriptSource, &e.TranscriptModel,
		&status, &checkedAt, &retryAt, &e.TranscriptFailureReason, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan episode: %w", err)
	}
	e.PublishedAt = scanTime(publishedAt)
	e.TranscriptCheckedAt = scanTime(checkedAt)
	e.NextTranscriptRetryAt = scanTime(retryAt)
	e.Status = pipeline.Status(status)
	e.CreatedAt = scanTimeValue(createdAt)
	e.UpdatedAt = scanTimeValue(updatedAt)
	return &e, nil
}

// CreateEpisode inserts a new episode in status "new". Duplicate
// (feed, guid) pairs return ErrConflict via the unique index.
func (s *Store) CreateEpisode(ctx context.Context, e *Episode) error {
	now := time.Now().UTC()
	if e.Status == "" {
		e.Status = pipeline.StatusNew
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO episodes (feed_id, guid, title, audio_url, transcript_url, transcript_mime,
			external_transcript_url, published_at, duration_seconds, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.FeedID, e.GUID, e.Title, e.AudioURL, e.TranscriptURL, e.TranscriptMIME,
		e.ExternalTranscriptURL, nullTime(e.PublishedAt), e.DurationSeconds,
		string(e.Status), timeVal(now), timeVal(now))
	if err != nil {
		return fmt.Errorf("failed to insert episode: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read episode id: %w", err)
	}
	e.ID = id
	e.CreatedAt = now
	e.UpdatedAt = now
	return nil
}

// GetEpisode returns an episode by id.
func (s *Store) GetEpisode(ctx context.Context, id int64) (*Episode, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+episodeColumns+` FROM episodes WHERE id = ?`, id)
	return scanEpisode(row)
}

// GetEpisodeByGUID returns an episode by its (feed, guid) key.
func (s *Store) GetEpisodeByGUID(ctx context.Context, feedID int64, guid string) (*Episode, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+episodeColumns+` FROM episodes WHERE feed_id = ? AND guid = ?`, feedID, guid)
	return scanEpisode(row)
}

// ListEpisodesByFeed returns all episodes of a feed, newest first.
func (s *Store) ListEpisodesByFeed(ctx context.Context, feedID int64) ([]*Episode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+episodeColumns+` FROM episodes
		WHERE feed_id = ?
		ORDER BY published_at DESC, id DESC`, feedID)
	if err != nil {
		return nil, fmt.Errorf("failed to list episodes: %w", err)
	}
	defer rows.Close()
	return collectEpisodes(rows)
}

// ListEpisodesByStatus returns all episodes in the given status.
func (s *Store) ListEpisodesByStatus(ctx context.Context, status pipeline.Status) ([]*Episode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+episodeColumns+` FROM episodes WHERE status = ? ORDER BY id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list episodes by status: %w", err)
	}
	defer rows.Close()
	return collectEpisodes(rows)
}

// ListTranscriptRetryDue returns awaiting_transcript episodes whose next
// retry time has passed.
func (s *Store) ListTranscriptRetryDue(ctx context.Context, now time.Time) ([]*Episode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+episodeColumns+` FROM episodes
		WHERE status = ? AND next_transcript_retry_at IS NOT NULL AND next_transcript_retry_at <= ?
		ORDER BY next_transcript_retry_at`, string(pipeline.StatusAwaitingTranscript), timeVal(now))
	if err != nil {
		return nil, fmt.Errorf("failed to list retry-due episodes: %w", err)
	}
	defer rows.Close()
	return collectEpisodes(rows)
}

func collectEpisodes(rows *sql.Rows) ([]*Episode, error) {
	var episodes []*Episode
	for rows.Next() {
		e, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		episodes = append(episodes, e)
	}
	return episodes, rows.Err()
}

// TransitionEpisode moves an episode to a new status, enforcing the state
// machine in a single compare-and-set statement. The mutate callback adjusts
// the in-memory episode before the write so path/source columns travel with
// the status.
func (s *Store) TransitionEpisode(ctx context.Context, e *Episode, to pipeline.Status) error {
	if !pipeline.CanTransition(e.Status, to) {
		return fmt.Errorf("%w: %s -> %s (episode %d)", ErrInvalidTransition, e.Status, to, e.ID)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE episodes
		SET status = ?, audio_path = ?, transcript_path = ?, transcript_source = ?,
		    transcript_model = ?, transcript_checked_at = ?, next_transcript_retry_at = ?,
		    transcript_failure_reason = ?, external_transcript_url = ?, audio_url = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(to), e.AudioPath, e.TranscriptPath, e.TranscriptSource,
		e.TranscriptModel, nullTime(e.TranscriptCheckedAt), nullTime(e.NextTranscriptRetryAt),
		e.TranscriptFailureReason, e.ExternalTranscriptURL, e.AudioURL, timeVal(now),
		e.ID, string(e.Status))
	if err != nil {
		return fmt.Errorf("failed to transition episode %d: %w", e.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Someone else moved the episode first; reload and report.
		return fmt.Errorf("%w: episode %d changed concurrently", ErrInvalidTransition, e.ID)
	}
	e.Status = to
	e.UpdatedAt = now
	return nil
}

// RecordTranscriptCheck persists transcript bookkeeping (checked-at, next
// retry, failure reason) without touching the status. Used when a retry
// leaves the episode in the same state.
func (s *Store) RecordTranscriptCheck(ctx context.Context, e *Episode) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE episodes
		SET transcript_checked_at = ?, next_transcript_retry_at = ?,
		    transcript_failure_reason = ?, updated_at = ?
		WHERE id = ?`,
		nullTime(e.TranscriptCheckedAt), nullTime(e.NextTranscriptRetryAt),
		e.TranscriptFailureReason, timeVal(time.Now().UTC()), e.ID)
	if err != nil {
		return fmt.Errorf("failed to record transcript check: %w", err)
	}
	return nil
}

// UpdateEpisodeAudioURL refreshes the cached enclosure URL (premium feeds
// rotate signed URLs).
func (s *Store) UpdateEpisodeAudioURL(ctx context.Context, id int64, audioURL string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE episodes SET audio_url = ?, updated_at = ? WHERE id = ?`,
		audioURL, timeVal(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("failed to update episode audio url: %w", err)
	}
	return nil
}

// UpdateEpisodeExternalTranscriptURL caches a third-party transcript URL
// discovered during feed enrichment.
func (s *Store) UpdateEpisodeExternalTranscriptURL(ctx context.Context, id int64, url string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE episodes SET external_transcript_url = ?, updated_at = ? WHERE id = ?`,
		url, timeVal(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("failed to update external transcript url: %w", err)
	}
	return nil
}

// ClearEpisodeAudio drops the local audio path after the file is deleted.
// Only completed episodes may shed their audio; the audio_url is kept.
func (s *Store) ClearEpisodeAudio(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE episodes SET audio_path = '', updated_at = ?
		WHERE id = ? AND status = ?`,
		timeVal(time.Now().UTC()), id, string(pipeline.StatusCompleted))
	if err != nil {
		return fmt.Errorf("failed to clear episode audio: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: audio may only be deleted from completed episodes", ErrInvalidTransition)
	}
	return nil
}
