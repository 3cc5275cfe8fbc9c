// Package scheduler runs the hourly transcript retry pass: episodes waiting
// on an external transcript either get another check queued or age out into
// the audio pipeline.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"podscribe/internal/config"
	"podscribe/internal/pipeline"
	"podscribe/internal/queue"
	"podscribe/internal/store"
)

// Scheduler re-drives awaiting_transcript episodes.
type Scheduler struct {
	store *store.Store
	queue *queue.Queue
	cfg   *config.Config
}

// New creates the scheduler.
func New(s *store.Store, q *queue.Queue, cfg *config.Config) *Scheduler {
	return &Scheduler{store: s, queue: q, cfg: cfg}
}

// Run ticks until the context ends. One pass also runs immediately so a
// restart does not postpone due retries by an hour.
func (s *Scheduler) Run(ctx context.Context) {
	if err := s.Sweep(ctx); err != nil {
		slog.Error("Transcript retry sweep failed", "error", err)
	}

	ticker := time.NewTicker(s.cfg.RetrySchedulerEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				slog.Error("Transcript retry sweep failed", "error", err)
			}
		}
	}
}

// Sweep processes every episode whose retry timer has expired: episodes
// still inside the retry window get another transcript check, the rest age
// out to needs_audio and rest there until someone asks for the audio.
func (s *Scheduler) Sweep(ctx context.Context) error {
	now := time.Now().UTC()
	due, err := s.store.ListTranscriptRetryDue(ctx, now)
	if err != nil {
		return err
	}

	retried, agedOut := 0, 0
	for _, ep := range due {
		if pipeline.AgedOut(ep.PublishedAt, now, s.cfg.TranscriptRetryDays) {
			ep.NextTranscriptRetryAt = nil
			if err := s.store.TransitionEpisode(ctx, ep, pipeline.StatusNeedsAudio); err != nil {
				slog.Error("Failed to age out episode", "episode_id", ep.ID, "error", err)
				continue
			}
			agedOut++
			continue
		}

		if _, err := s.queue.Enqueue(ctx, ep.ID, queue.KindTranscriptDownload, queue.DefaultPriority); err != nil {
			slog.Error("Failed to enqueue transcript retry", "episode_id", ep.ID, "error", err)
			continue
		}
		retried++
	}

	if retried > 0 || agedOut > 0 {
		slog.Info("Transcript retry sweep finished", "retried", retried, "aged_out", agedOut)
	}
	return nil
}
