package providers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"podscribe/internal/queue"
	"podscribe/internal/store"
	"podscribe/internal/transcripts"
)

// maxTranscriptBytes bounds how much transcript content one fetch may read.
const maxTranscriptBytes = 16 << 20

// Podcasting20 fetches publisher-provided transcripts advertised via the
// <podcast:transcript> RSS tag.
type Podcasting20 struct {
	client *http.Client
}

// NewPodcasting20 creates the Podcasting 2.0 provider.
func NewPodcasting20(client *http.Client) *Podcasting20 {
	return &Podcasting20{client: client}
}

// Name identifies the provider in logs.
func (p *Podcasting20) Name() string { return "podcast2.0" }

// CanProvide reports whether the feed item advertised a transcript URL.
func (p *Podcasting20) CanProvide(episode *store.Episode, _ *store.Feed) bool {
	return episode.TranscriptURL != ""
}

// Fetch downloads and decodes the advertised transcript.
func (p *Podcasting20) Fetch(ctx context.Context, episode *store.Episode, _ *store.Feed) Result {
	body, contentType, result := fetchURL(ctx, p.client, episode.TranscriptURL)
	if result != nil {
		return *result
	}

	mime := episode.TranscriptMIME
	if mime == "" {
		mime = contentType
	}

	segments, tag, err := decodeByMIME(body, mime, episode.TranscriptURL)
	if err != nil {
		return Temporary(queue.ReasonTranscriptRequestError, err)
	}
	if len(segments) == 0 {
		return Temporary(queue.ReasonTranscriptNotFound,
			fmt.Errorf("transcript at %s decoded to no segments", episode.TranscriptURL))
	}

	slog.Info("Publisher transcript fetched",
		"episode_id", episode.ID, "source", tag, "segments", len(segments))
	return Found(&transcripts.Transcript{
		Title:    episode.Title,
		Source:   tag,
		Segments: segments,
	}, tag)
}

// decodeByMIME picks a decoder from the MIME hint (falling back to the URL
// extension) and returns the segments plus the source tag.
func decodeByMIME(content, mime, url string) ([]transcripts.Segment, string, error) {
	kind := normalizeMIME(mime, url)
	switch kind {
	case "vtt":
		segs, err := transcripts.ParseVTT(content)
		return segs, "podcast2.0:vtt", err
	case "srt":
		segs, err := transcripts.ParseSRT(content)
		return segs, "podcast2.0:srt", err
	case "json":
		segs, err := transcripts.ParseJSON(content)
		return segs, "podcast2.0:json", err
	case "html":
		return transcripts.ParseText(stripHTML(content)), "podcast2.0:html", nil
	default:
		return transcripts.ParseText(content), "podcast2.0:text", nil
	}
}

func normalizeMIME(mime, url string) string {
	m := strings.ToLower(mime)
	switch {
	case strings.Contains(m, "vtt"):
		return "vtt"
	case strings.Contains(m, "srt"), strings.Contains(m, "subrip"):
		return "srt"
	case strings.Contains(m, "json"):
		return "json"
	case strings.Contains(m, "html"):
		return "html"
	}
	u := strings.ToLower(url)
	switch {
	case strings.HasSuffix(u, ".vtt"):
		return "vtt"
	case strings.HasSuffix(u, ".srt"):
		return "srt"
	case strings.HasSuffix(u, ".json"):
		return "json"
	case strings.HasSuffix(u, ".html"), strings.HasSuffix(u, ".htm"):
		return "html"
	}
	return "text"
}

// stripHTML drops tags and unescapes the handful of entities that matter
// for transcript text.
func stripHTML(content string) string {
	var b strings.Builder
	inTag := false
	for _, r := range content {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
			b.WriteByte('\n')
		case !inTag:
			b.WriteRune(r)
		}
	}
	out := b.String()
	for entity, repl := range map[string]string{
		"&amp;": "&", "&lt;": "<", "&gt;": ">", "&quot;": `"`, "&#39;": "'", "&nbsp;": " ",
	} {
		out = strings.ReplaceAll(out, entity, repl)
	}
	return out
}

// fetchURL performs the shared GET with the provider failure taxonomy:
// 403/429 are soft "not ready" errors, 404 is soft "not found", everything
// else transient is a request error.
func fetchURL(ctx context.Context, client *http.Client, url string) (string, string, *Result) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		r := Temporary(queue.ReasonTranscriptRequestError, fmt.Errorf("failed to create request: %w", err))
		return "", "", &r
	}

	resp, err := client.Do(req)
	if err != nil {
		r := Temporary(queue.ReasonTranscriptRequestError, fmt.Errorf("failed to fetch %s: %w", url, err))
		return "", "", &r
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusTooManyRequests:
		r := Temporary(queue.ReasonTranscriptForbidden, fmt.Errorf("transcript fetch got %d from %s", resp.StatusCode, url))
		return "", "", &r
	case resp.StatusCode == http.StatusNotFound:
		r := Temporary(queue.ReasonTranscriptNotFound, fmt.Errorf("transcript fetch got 404 from %s", url))
		return "", "", &r
	case resp.StatusCode != http.StatusOK:
		r := Temporary(queue.ReasonTranscriptRequestError, fmt.Errorf("transcript fetch got %d from %s", resp.StatusCode, url))
		return "", "", &r
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTranscriptBytes))
	if err != nil {
		r := Temporary(queue.ReasonTranscriptRequestError, fmt.Errorf("failed to read transcript body: %w", err))
		return "", "", &r
	}
	return string(body), resp.Header.Get("Content-Type"), nil
}
