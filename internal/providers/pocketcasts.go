package providers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"podscribe/internal/queue"
	"podscribe/internal/store"
	"podscribe/internal/transcripts"
)

// PocketCasts fetches transcripts discovered through the Pocket Casts
// catalog. The URL is resolved at discovery time and stored on the episode;
// the provider only performs the fetch.
type PocketCasts struct {
	client *http.Client
}

// NewPocketCasts creates the Pocket Casts provider.
func NewPocketCasts(client *http.Client) *PocketCasts {
	return &PocketCasts{client: client}
}

func (p *PocketCasts) Name() string { return "pocketcasts" }

// CanProvide reports whether discovery resolved a Pocket Casts transcript
// URL for the episode.
func (p *PocketCasts) CanProvide(episode *store.Episode, _ *store.Feed) bool {
	return episode.ExternalTranscriptURL != ""
}

// Fetch downloads the resolved transcript. Pocket Casts serves VTT; anything
// else is decoded by content type as a fallback.
func (p *PocketCasts) Fetch(ctx context.Context, episode *store.Episode, _ *store.Feed) Result {
	body, contentType, result := fetchURL(ctx, p.client, episode.ExternalTranscriptURL)
	if result != nil {
		return *result
	}

	var segments []transcripts.Segment
	var err error
	if normalizeMIME(contentType, episode.ExternalTranscriptURL) == "text" {
		segments, err = transcripts.ParseVTT(body)
	} else {
		segments, _, err = decodeByMIME(body, contentType, episode.ExternalTranscriptURL)
	}
	if err != nil {
		return Temporary(queue.ReasonTranscriptRequestError, err)
	}
	if len(segments) == 0 {
		return Temporary(queue.ReasonTranscriptNotFound,
			fmt.Errorf("transcript at %s decoded to no segments", episode.ExternalTranscriptURL))
	}

	slog.Info("Pocket Casts transcript fetched",
		"episode_id", episode.ID, "segments", len(segments))
	return Found(&transcripts.Transcript{
		Title:    episode.Title,
		Source:   "pocketcasts",
		Segments: segments,
	}, "pocketcasts")
}
