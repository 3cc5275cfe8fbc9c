package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const feedColumns = `id, url, title, title_override, author, link, categories,
	itunes_id, pocketcasts_uuid, created_at, updated_at`

func scanFeed(row interface{ Scan(...any) error }) (*Feed, error) {
	var f Feed
	var itunesID sql.NullInt64
	var createdAt, updatedAt int64
	err := row.Scan(&f.ID, &f.URL, &f.Title, &f.TitleOverride, &f.Author, &f.Link,
		&f.Categories, &itunesID, &f.PocketCastsUUID, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan feed: %w", err)
	}
	if itunesID.Valid {
		f.ITunesID = &itunesID.Int64
	}
	f.CreatedAt = scanTimeValue(createdAt)
	f.UpdatedAt = scanTimeValue(updatedAt)
	return &f, nil
}

// CreateFeed inserts a new feed. The URL must be unique.
func (s *Store) CreateFeed(ctx context.Context, f *Feed) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO feeds (url, title, title_override, author, link, categories, itunes_id, pocketcasts_uuid, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.URL, f.Title, f.TitleOverride, f.Author, f.Link, f.Categories,
		nullableInt64(f.ITunesID), f.PocketCastsUUID, timeVal(now), timeVal(now))
	if err != nil {
		return fmt.Errorf("failed to insert feed: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read feed id: %w", err)
	}
	f.ID = id
	f.CreatedAt = now
	f.UpdatedAt = now
	return nil
}

// GetFeed returns a feed by id.
func (s *Store) GetFeed(ctx context.Context, id int64) (*Feed, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+feedColumns+` FROM feeds WHERE id = ?`, id)
	return scanFeed(row)
}

// GetFeedByURL returns a feed by its unique URL.
func (s *Store) GetFeedByURL(ctx context.Context, url string) (*Feed, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+feedColumns+` FROM feeds WHERE url = ?`, url)
	return scanFeed(row)
}

// ListFeeds returns all feeds ordered by display title.
func (s *Store) ListFeeds(ctx context.Context) ([]*Feed, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+feedColumns+` FROM feeds
		ORDER BY COALESCE(NULLIF(title_override, ''), title)`)
	if err != nil {
		return nil, fmt.Errorf("failed to list feeds: %w", err)
	}
	defer rows.Close()

	var feeds []*Feed
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		feeds = append(feeds, f)
	}
	return feeds, rows.Err()
}

// UpdateFeed persists mutable feed attributes (titles, metadata, cached
// external identifiers).
func (s *Store) UpdateFeed(ctx context.Context, f *Feed) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE feeds
		SET title = ?, title_override = ?, author = ?, link = ?, categories = ?,
		    itunes_id = ?, pocketcasts_uuid = ?, updated_at = ?
		WHERE id = ?`,
		f.Title, f.TitleOverride, f.Author, f.Link, f.Categories,
		nullableInt64(f.ITunesID), f.PocketCastsUUID, timeVal(now), f.ID)
	if err != nil {
		return fmt.Errorf("failed to update feed: %w", err)
	}
	f.UpdatedAt = now
	return nil
}

// DeleteFeed removes the feed row; episodes and their jobs cascade. Files on
// disk are the caller's responsibility (they move to trash first).
func (s *Store) DeleteFeed(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM feeds WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete feed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
