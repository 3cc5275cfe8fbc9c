package workers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"podscribe/internal/asr"
	"podscribe/internal/pipeline"
	"podscribe/internal/queue"
	"podscribe/internal/storage"
	"podscribe/internal/store"
	"podscribe/internal/transcripts"
)

// HandleTranscribe runs the local ASR backend over the downloaded audio.
// Re-transcribing a completed episode is legal and wipes its old embeddings
// first, since the new segment spans invalidate them wholesale.
func (r *Runner) HandleTranscribe(ctx context.Context, job *queue.Job) error {
	ep, ok, err := r.episodeForJob(ctx, job)
	if err != nil || !ok {
		return err
	}
	if ep.AudioPath == "" {
		return Fail(queue.ReasonTranscribeFailed, fmt.Errorf("episode %d has no audio on disk", ep.ID))
	}

	switch ep.Status {
	case pipeline.StatusAudioReady:
		if err := r.store.TransitionEpisode(ctx, ep, pipeline.StatusTranscribing); err != nil {
			return err
		}
	case pipeline.StatusCompleted:
		if err := r.store.TransitionEpisode(ctx, ep, pipeline.StatusTranscribing); err != nil {
			return err
		}
		if err := r.store.DeleteEmbeddings(ctx, ep.ID); err != nil {
			return err
		}
	case pipeline.StatusTranscribing:
		// Retried job; the episode already moved.
	default:
		slog.Debug("Episode not ready for transcription, skipping",
			"episode_id", ep.ID, "status", ep.Status)
		return nil
	}

	opts := asr.Options{}
	threshold := time.Duration(r.cfg.WhisperChunkThresholdMinutes) * time.Minute
	if ep.DurationSeconds > 0 && time.Duration(ep.DurationSeconds)*time.Second > threshold {
		opts.ChunkHint = threshold
	}
	progress := r.queue.NewProgress(job.ID)
	opts.Progress = func(pct int) { _ = progress.Report(ctx, pct) }

	t, err := r.backend.Transcribe(ctx, ep.AudioPath, opts)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return r.transcribeFailed(ctx, job, ep, err)
	}
	t.Title = ep.Title

	_, slug, err := r.feedSlug(ctx, ep)
	if err != nil {
		return err
	}
	filename := storage.EpisodeFilename(ep.PublishedAt, ep.Title, "md")
	path, err := r.layout.WriteTranscript(slug, filename, transcripts.Markdown(t))
	if err != nil {
		return err
	}

	ep.TranscriptPath = path
	ep.TranscriptSource = t.Source
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

	slog.Info("Episode transcribed", "episode_id", ep.ID,
		"backend", r.backend.Name(), "model", t.Model, "segments", len(t.Segments))
	return nil
}

func (r *Runner) transcribeFailed(ctx context.Context, job *queue.Job, ep *store.Episode, cause error) error {
	if job.Attempts >= job.MaxAttempts {
		ep.TranscriptFailureReason = string(queue.ReasonTranscribeFailed)
		if terr := r.store.TransitionEpisode(ctx, ep, pipeline.StatusFailed); terr != nil {
			slog.Error("Failed to mark episode failed", "episode_id", ep.ID, "error", terr)
		}
	}
	return Fail(queue.ReasonTranscribeFailed, cause)
}
