package workers

import (
	"context"
	"log/slog"

	"podscribe/internal/pipeline"
	"podscribe/internal/providers"
	"podscribe/internal/queue"
	"podscribe/internal/storage"
	"podscribe/internal/store"
	"podscribe/internal/transcripts"
)

// HandleTranscriptDownload tries the external transcript providers for an
// episode before any audio is touched. A hit completes the episode outright;
// a soft miss schedules a retry or falls back to the audio pipeline. The job
// itself completes on every policy outcome: the check was performed.
func (r *Runner) HandleTranscriptDownload(ctx context.Context, job *queue.Job) error {
	ep, ok, err := r.episodeForJob(ctx, job)
	if err != nil || !ok {
		return err
	}
	if ep.Status != pipeline.StatusNew && ep.Status != pipeline.StatusAwaitingTranscript {
		slog.Debug("Episode past transcript stage, skipping",
			"episode_id", ep.ID, "status", ep.Status)
		return nil
	}

	feed, slug, err := r.feedSlug(ctx, ep)
	if err != nil {
		return err
	}

	result := r.chain.Fetch(ctx, ep, feed)
	now := nowUTC()
	checked := now
	ep.TranscriptCheckedAt = &checked

	switch result.Outcome {
	case providers.OutcomeFound:
		return r.saveExternalTranscript(ctx, ep, slug, result)

	case providers.OutcomeTemporary:
		decision := pipeline.DecideTranscriptRetry(ep.PublishedAt, now, r.cfg.TranscriptRetryDays)
		ep.TranscriptFailureReason = string(result.Reason)
		slog.Info("Transcript not available yet",
			"episode_id", ep.ID, "reason", result.Reason, "next", decision.Status, "error", result.Err)
		return r.settleWithoutTranscript(ctx, ep, job, decision)

	default:
		// No provider covers this one. A recent episode waits in case a
		// transcript gets published; past the unavailable-age window it goes
		// to the audio pipeline.
		decision := pipeline.DecideTranscriptRetry(ep.PublishedAt, now, r.cfg.TranscriptUnavailableAgeDays)
		return r.settleWithoutTranscript(ctx, ep, job, decision)
	}
}

// settleWithoutTranscript lands a no-transcript outcome: the episode either
// keeps (or enters) its waiting state with the next retry recorded, or falls
// back to needs_audio with the download queued.
func (r *Runner) settleWithoutTranscript(ctx context.Context, ep *store.Episode, job *queue.Job, decision pipeline.RetryDecision) error {
	ep.NextTranscriptRetryAt = decision.NextRetryAt
	if decision.Status == ep.Status {
		return r.store.RecordTranscriptCheck(ctx, ep)
	}
	if err := r.store.TransitionEpisode(ctx, ep, decision.Status); err != nil {
		return err
	}
	if decision.Status == pipeline.StatusNeedsAudio {
		_, err := r.queue.Enqueue(ctx, ep.ID, queue.KindDownload, job.Priority)
		return err
	}
	return nil
}

// saveExternalTranscript persists a provider transcript and completes the
// episode without ever downloading audio.
func (r *Runner) saveExternalTranscript(ctx context.Context, ep *store.Episode, slug string, result providers.Result) error {
	t := result.Transcript
	if t.Title == "" {
		t.Title = ep.Title
	}

	filename := storage.EpisodeFilename(ep.PublishedAt, ep.Title, "md")
	path, err := r.layout.WriteTranscript(slug, filename, transcripts.Markdown(t))
	if err != nil {
		return err
	}

	ep.TranscriptPath = path
	ep.TranscriptSource = result.SourceTag
	ep.TranscriptModel = t.Model
	ep.TranscriptFailureReason = ""
	ep.NextTranscriptRetryAt = nil
	if err := r.store.TransitionEpisode(ctx, ep, pipeline.StatusCompleted); err != nil {
		return err
	}

	if err := r.store.IndexEpisodeText(ctx, ep.ID, ep.Title, t.Text()); err != nil {
		slog.Error("Failed to index transcript text", "episode_id", ep.ID, "error", err)
	}
	if _, err := r.queue.Enqueue(ctx, ep.ID, queue.KindEmbed, queue.DefaultPriority); err != nil {
		slog.Error("Failed to enqueue embed job", "episode_id", ep.ID, "error", err)
	}

	slog.Info("Episode completed from external transcript",
		"episode_id", ep.ID, "source", result.SourceTag, "path", path)
	return nil
}
