package store

import (
	"context"
	"fmt"
)

// IndexEpisodeText upserts the searchable text for an episode; the FTS
// triggers keep the index in sync.
func (s *Store) IndexEpisodeText(ctx context.Context, episodeID int64, title, transcript string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO episode_search (episode_id, title, transcript)
		VALUES (?, ?, ?)
		ON CONFLICT (episode_id) DO UPDATE SET
			title = excluded.title,
			transcript = excluded.transcript`,
		episodeID, title, transcript)
	if err != nil {
		return fmt.Errorf("failed to index episode text: %w", err)
	}
	return nil
}

// SearchHit is one full-text search result.
type SearchHit struct {
	EpisodeID int64   `json:"episode_id"`
	Title     string  `json:"title"`
	Snippet   string  `json:"snippet"`
	Rank      float64 `json:"rank"`
}

// SearchEpisodes runs a full-text query over titles and transcripts.
func (s *Store) SearchEpisodes(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT rowid, title, snippet(episode_search_fts, 1, '<b>', '</b>', '…', 24), rank
		FROM episode_search_fts
		WHERE episode_search_fts MATCH ?
		ORDER BY rank
		LIMIT ?`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search episodes: %w", err)
	}
	defer rows.Close()

	var hits []SearchHit
	for rows.Next() {
		var h SearchHit
		if err := rows.Scan(&h.EpisodeID, &h.Title, &h.Snippet, &h.Rank); err != nil {
			return nil, fmt.Errorf("failed to scan search hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
