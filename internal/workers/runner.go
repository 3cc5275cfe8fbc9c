package workers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"podscribe/internal/asr"
	"podscribe/internal/config"
	"podscribe/internal/embeddings"
	"podscribe/internal/providers"
	"podscribe/internal/queue"
	"podscribe/internal/storage"
	"podscribe/internal/store"
)

// Runner holds the shared dependencies of all job handlers.
type Runner struct {
	store    *store.Store
	queue    *queue.Queue
	layout   *storage.Layout
	chain    *providers.Chain
	backend  asr.Backend
	embedder embeddings.Embedder
	client   *http.Client
	cfg      *config.Config
}

// NewRunner wires the job handlers.
func NewRunner(s *store.Store, q *queue.Queue, layout *storage.Layout,
	chain *providers.Chain, backend asr.Backend, embedder embeddings.Embedder,
	client *http.Client, cfg *config.Config) *Runner {
	if client == nil {
		client = &http.Client{}
	}
	return &Runner{
		store: s, queue: q, layout: layout, chain: chain,
		backend: backend, embedder: embedder, client: client, cfg: cfg,
	}
}

// Register attaches every handler to the pool with its concurrency bound.
// Transcription and embedding are deliberately single-worker: one saturates
// the backend, and embeddings write large rows.
func (r *Runner) Register(p *Pool) {
	p.Register(queue.KindTranscriptDownload, r.cfg.MaxTranscriptDownloadWorkers, r.HandleTranscriptDownload)
	p.Register(queue.KindDownload, r.cfg.MaxConcurrentDownloads, r.HandleDownload)
	p.Register(queue.KindTranscribe, 1, r.HandleTranscribe)
	p.Register(queue.KindEmbed, 1, r.HandleEmbed)
}

// episodeForJob loads the job's episode. A missing episode (feed deleted
// while the job sat queued) is reported as handled so the job completes.
func (r *Runner) episodeForJob(ctx context.Context, job *queue.Job) (*store.Episode, bool, error) {
	ep, err := r.store.GetEpisode(ctx, job.EpisodeID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			slog.Warn("Job references deleted episode", "job_id", job.ID, "episode_id", job.EpisodeID)
			return nil, false, nil
		}
		return nil, false, err
	}
	return ep, true, nil
}

// feedSlug resolves the storage slug for an episode's feed.
func (r *Runner) feedSlug(ctx context.Context, ep *store.Episode) (*store.Feed, string, error) {
	feed, err := r.store.GetFeed(ctx, ep.FeedID)
	if err != nil {
		return nil, "", err
	}
	return feed, storage.Slugify(feed.DisplayTitle()), nil
}

func nowUTC() time.Time { return time.Now().UTC() }
