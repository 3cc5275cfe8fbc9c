// Package discovery adds and refreshes podcast feeds: URL resolution,
// RSS ingestion, episode dedup, transcript-source enrichment and seeding of
// the transcript-first pipeline.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"podscribe/internal/cache"
	"podscribe/internal/config"
	"podscribe/internal/pipeline"
	"podscribe/internal/queue"
	"podscribe/internal/store"
)

// maxFeedBytes bounds one RSS document fetch.
const maxFeedBytes = 32 << 20

// Pauser holds a worker pool still while a batch of episodes lands. The
// transcript-download gate in the workers package satisfies it.
type Pauser interface {
	Pause() (release func())
}

// Service discovers feeds and episodes.
type Service struct {
	store  *store.Store
	queue  *queue.Queue
	cache  *cache.Lookup
	client *http.Client
	cfg    *config.Config
	gate   Pauser
}

// New creates the discovery service. gate pauses the transcript worker pool
// while a refresh inserts episodes, so a batch lands before workers start
// picking it apart.
func New(s *store.Store, q *queue.Queue, lookupCache *cache.Lookup,
	client *http.Client, cfg *config.Config, gate Pauser) *Service {
	if client == nil {
		client = &http.Client{}
	}
	return &Service{store: s, queue: q, cache: lookupCache, client: client, cfg: cfg, gate: gate}
}

// AddFeed subscribes to a feed. Apple Podcasts page URLs are resolved to
// their RSS feed first. Returns the created feed with its first batch of
// episodes already queued.
func (s *Service) AddFeed(ctx context.Context, rawURL, titleOverride string) (*store.Feed, error) {
	feedURL := strings.TrimSpace(rawURL)
	if feedURL == "" {
		return nil, fmt.Errorf("feed url is required")
	}

	var itunesID *int64
	if IsAppleURL(feedURL) {
		resolved, id, err := s.ResolveAppleURL(ctx, feedURL)
		if err != nil {
			return nil, err
		}
		slog.Info("Resolved Apple Podcasts URL", "url", rawURL, "feed_url", resolved)
		feedURL = resolved
		itunesID = id
	}

	if existing, err := s.store.GetFeedByURL(ctx, feedURL); err == nil {
		return existing, fmt.Errorf("feed already subscribed: %s", existing.DisplayTitle())
	}

	if err := s.validateFeedURL(ctx, feedURL); err != nil {
		return nil, err
	}
	parsed, err := s.fetchFeed(ctx, feedURL)
	if err != nil {
		return nil, err
	}

	feed := &store.Feed{
		URL:           feedURL,
		Title:         parsed.Title,
		TitleOverride: titleOverride,
		Author:        parsed.Author,
		Link:          parsed.Link,
		Categories:    strings.Join(parsed.Categories, ", "),
		ITunesID:      itunesID,
	}
	if err := s.store.CreateFeed(ctx, feed); err != nil {
		return nil, err
	}

	added, err := s.ingestItems(ctx, feed, parsed.Items)
	if err != nil {
		return feed, err
	}
	slog.Info("Feed added", "feed_id", feed.ID, "title", feed.DisplayTitle(), "episodes", added)
	return feed, nil
}

// RefreshFeed re-fetches a feed and ingests anything new.
func (s *Service) RefreshFeed(ctx context.Context, feedID int64) (int, error) {
	feed, err := s.store.GetFeed(ctx, feedID)
	if err != nil {
		return 0, err
	}
	parsed, err := s.fetchFeed(ctx, feed.URL)
	if err != nil {
		return 0, err
	}

	// Keep upstream metadata fresh; the override is the user's.
	if parsed.Title != "" && parsed.Title != feed.Title {
		feed.Title = parsed.Title
	}
	feed.Author = parsed.Author
	feed.Link = parsed.Link
	feed.Categories = strings.Join(parsed.Categories, ", ")
	if err := s.store.UpdateFeed(ctx, feed); err != nil {
		return 0, err
	}

	added, err := s.ingestItems(ctx, feed, parsed.Items)
	if err != nil {
		return added, err
	}
	if added > 0 {
		slog.Info("Feed refreshed", "feed_id", feed.ID, "new_episodes", added)
	}
	return added, nil
}

// RefreshAll refreshes every subscribed feed, continuing past individual
// failures.
func (s *Service) RefreshAll(ctx context.Context) (int, error) {
	feeds, err := s.store.ListFeeds(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, feed := range feeds {
		added, err := s.RefreshFeed(ctx, feed.ID)
		if err != nil {
			slog.Error("Feed refresh failed", "feed_id", feed.ID, "url", feed.URL, "error", err)
			continue
		}
		total += added
	}
	return total, nil
}

// ingestItems inserts unseen episodes and seeds the transcript pipeline.
// The transcript worker gate stays held until the whole batch is in, so
// enrichment finishes before the first fetch runs.
func (s *Service) ingestItems(ctx context.Context, feed *store.Feed, items []ParsedItem) (int, error) {
	release := s.gate.Pause()
	defer release()

	external := s.externalTranscripts(ctx, feed)

	added := 0
	for _, item := range items {
		if _, err := s.store.GetEpisodeByGUID(ctx, feed.ID, item.GUID); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return added, err
		}

		ep := &store.Episode{
			FeedID:          feed.ID,
			GUID:            item.GUID,
			Title:           item.Title,
			AudioURL:        item.AudioURL,
			TranscriptURL:   item.TranscriptURL,
			TranscriptMIME:  item.TranscriptMIME,
			PublishedAt:     item.PublishedAt,
			DurationSeconds: item.DurationSeconds,
			Status:          pipeline.StatusNew,
		}
		if match := matchEpisode(external, item.Title, item.PublishedAt); match != nil {
			ep.ExternalTranscriptURL = match.TranscriptURL
		}
		if err := s.store.CreateEpisode(ctx, ep); err != nil {
			return added, err
		}
		if _, err := s.queue.Enqueue(ctx, ep.ID, queue.KindTranscriptDownload, queue.DiscoveryPriority); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

// externalTranscripts pulls the Pocket Casts episode listing for a feed,
// resolving and caching its show uuid on first use. Enrichment is best
// effort; a catalog outage never blocks ingestion.
func (s *Service) externalTranscripts(ctx context.Context, feed *store.Feed) []pocketCastsEpisode {
	uuid := feed.PocketCastsUUID
	if uuid == "" {
		found, err := s.lookupPocketCastsUUID(ctx, feed.DisplayTitle())
		if err != nil {
			slog.Warn("Pocket Casts lookup failed", "feed_id", feed.ID, "error", err)
			return nil
		}
		if found == "" {
			return nil
		}
		uuid = found
		feed.PocketCastsUUID = uuid
		if err := s.store.UpdateFeed(ctx, feed); err != nil {
			slog.Error("Failed to cache pocket casts uuid", "feed_id", feed.ID, "error", err)
		}
	}

	episodes, err := s.fetchPocketCastsEpisodes(ctx, uuid)
	if err != nil {
		slog.Warn("Pocket Casts listing failed", "feed_id", feed.ID, "error", err)
		return nil
	}
	return episodes
}

// validateFeedURL checks the URL answers before a row is committed. Servers
// that reject HEAD get the benefit of the doubt; the GET decides.
func (s *Service) validateFeedURL(ctx context.Context, feedURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, feedURL, nil)
	if err != nil {
		return fmt.Errorf("invalid feed url: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("feed url unreachable: %w", err)
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusMethodNotAllowed:
		return nil
	case resp.StatusCode >= 400:
		return fmt.Errorf("feed url returned %d", resp.StatusCode)
	}
	return nil
}

func (s *Service) fetchFeed(ctx context.Context, feedURL string) (*ParsedFeed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed fetch returned %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read feed: %w", err)
	}
	return ParseFeed(data)
}
