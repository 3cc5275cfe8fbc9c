package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// applePodcastID extracts the numeric id from an Apple Podcasts page URL.
var applePodcastID = regexp.MustCompile(`/id(\d+)`)

// IsAppleURL reports whether the URL points at an Apple Podcasts page
// rather than an RSS feed.
func IsAppleURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return host == "podcasts.apple.com" || host == "itunes.apple.com"
}

type itunesLookupResponse struct {
	Results []struct {
		FeedURL  string `json:"feedUrl"`
		TrackID  int64  `json:"trackId"`
		Kind     string `json:"kind"`
	} `json:"results"`
}

// ResolveAppleURL turns an Apple Podcasts page URL into the underlying RSS
// feed URL via the iTunes lookup API. Results are cached.
func (s *Service) ResolveAppleURL(ctx context.Context, raw string) (feedURL string, itunesID *int64, err error) {
	m := applePodcastID.FindStringSubmatch(raw)
	if m == nil {
		return "", nil, fmt.Errorf("no podcast id in apple url %s", raw)
	}
	id, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return "", nil, fmt.Errorf("invalid podcast id in apple url: %w", err)
	}

	cacheKey := "itunes:feed:" + m[1]
	if cached, ok := s.cache.Get(ctx, cacheKey); ok {
		return cached, &id, nil
	}

	lookupURL := fmt.Sprintf("%s?id=%d&entity=podcast", s.cfg.ITunesLookupURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lookupURL, nil)
	if err != nil {
		return "", nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("failed to call itunes lookup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("itunes lookup returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", nil, fmt.Errorf("failed to read itunes response: %w", err)
	}
	var decoded itunesLookupResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", nil, fmt.Errorf("failed to decode itunes response: %w", err)
	}

	for _, result := range decoded.Results {
		if result.FeedURL != "" {
			s.cache.Set(ctx, cacheKey, result.FeedURL)
			return result.FeedURL, &id, nil
		}
	}
	return "", nil, fmt.Errorf("itunes lookup for id %d has no feed url", id)
}
