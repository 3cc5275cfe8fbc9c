package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode"
)

// matchWindow is how far apart publish timestamps may sit for two listings
// to count as the same episode.
const matchWindow = 24 * time.Hour

type pocketCastsSearchResponse struct {
	Podcasts []struct {
		UUID   string `json:"uuid"`
		Title  string `json:"title"`
		Author string `json:"author"`
	} `json:"podcasts"`
}

type pocketCastsEpisode struct {
	UUID          string `json:"uuid"`
	Title         string `json:"title"`
	Published     string `json:"published"`
	TranscriptURL string `json:"transcript_url"`
}

type pocketCastsShowResponse struct {
	Podcast struct {
		UUID     string               `json:"uuid"`
		Episodes []pocketCastsEpisode `json:"episodes"`
	} `json:"podcast"`
}

// lookupPocketCastsUUID finds the Pocket Casts show uuid for a feed title.
// Results are cached; a cached empty string remembers a miss.
func (s *Service) lookupPocketCastsUUID(ctx context.Context, title string) (string, error) {
	cacheKey := "pocketcasts:uuid:" + normalizeTitle(title)
	if cached, ok := s.cache.Get(ctx, cacheKey); ok {
		return cached, nil
	}

	payload, err := json.Marshal(map[string]string{"term": title})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.cfg.PocketCastsBaseURL+"/discover/search", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to search pocket casts: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("pocket casts search returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	var decoded pocketCastsSearchResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("failed to decode pocket casts search: %w", err)
	}

	want := normalizeTitle(title)
	for _, p := range decoded.Podcasts {
		if normalizeTitle(p.Title) == want {
			s.cache.Set(ctx, cacheKey, p.UUID)
			return p.UUID, nil
		}
	}
	s.cache.Set(ctx, cacheKey, "")
	return "", nil
}

// fetchPocketCastsEpisodes lists a show's episodes with transcript URLs.
func (s *Service) fetchPocketCastsEpisodes(ctx context.Context, uuid string) ([]pocketCastsEpisode, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.cfg.PocketCastsBaseURL+"/podcast/full/"+uuid, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pocket casts show: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pocket casts show returned %d", resp.StatusCode)
	}

	var decoded pocketCastsShowResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode pocket casts show: %w", err)
	}
	return decoded.Podcast.Episodes, nil
}

// matchEpisode finds the Pocket Casts listing for a feed item: normalised
// titles must match (or one contain the other) and publish times must sit
// within a day of each other.
func matchEpisode(candidates []pocketCastsEpisode, title string, publishedAt *time.Time) *pocketCastsEpisode {
	want := normalizeTitle(title)
	if want == "" {
		return nil
	}
	for i := range candidates {
		got := normalizeTitle(candidates[i].Title)
		if got == "" {
			continue
		}
		if got != want && !strings.Contains(got, want) && !strings.Contains(want, got) {
			continue
		}
		if publishedAt != nil {
			published, err := time.Parse(time.RFC3339, candidates[i].Published)
			if err == nil {
				diff := published.Sub(*publishedAt)
				if diff < 0 {
					diff = -diff
				}
				if diff > matchWindow {
					continue
				}
			}
		}
		return &candidates[i]
	}
	return nil
}

// normalizeTitle lowercases and strips everything but letters and digits so
// punctuation and spacing differences between catalogs cancel out.
func normalizeTitle(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
