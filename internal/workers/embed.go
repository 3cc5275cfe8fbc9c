package workers

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"podscribe/internal/embeddings"
	"podscribe/internal/queue"
	"podscribe/internal/store"
	"podscribe/internal/transcripts"
)

// embedBatchSize bounds one Embed call.
const embedBatchSize = 64

// HandleEmbed vectorises a completed transcript phrase by phrase. Upserts
// are keyed by span and content hash, so re-running the job after a partial
// failure only embeds what is missing or changed.
func (r *Runner) HandleEmbed(ctx context.Context, job *queue.Job) error {
	ep, ok, err := r.episodeForJob(ctx, job)
	if err != nil || !ok {
		return err
	}
	if ep.TranscriptPath == "" {
		slog.Warn("Embed job for episode without transcript", "episode_id", ep.ID)
		return nil
	}

	content, err := os.ReadFile(ep.TranscriptPath)
	if err != nil {
		return Fail(queue.ReasonUnknown, fmt.Errorf("failed to read transcript: %w", err))
	}
	t, err := transcripts.ParseMarkdown(string(content))
	if err != nil {
		return Fail(queue.ReasonUnknown, err)
	}

	phrases := embeddings.MergePhrases(t.Segments)
	if len(phrases) == 0 {
		slog.Warn("Transcript produced no phrases to embed", "episode_id", ep.ID)
		return nil
	}

	progress := r.queue.NewProgress(job.ID)
	for offset := 0; offset < len(phrases); offset += embedBatchSize {
		end := offset + embedBatchSize
		if end > len(phrases) {
			end = len(phrases)
		}
		batch := phrases[offset:end]

		texts := make([]string, len(batch))
		for i, p := range batch {
			texts[i] = p.Text
		}
		vectors, err := r.embedder.Embed(ctx, texts)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return Fail(queue.ReasonUnknown, fmt.Errorf("failed to embed batch: %w", err))
		}

		for i, p := range batch {
			rec := &store.EmbeddingRecord{
				EpisodeID:    ep.ID,
				SegmentStart: p.Start,
				SegmentEnd:   p.End,
				TextHash:     embeddings.TextHash(p.Text),
				ModelName:    r.embedder.ModelName(),
				Vector:       vectors[i],
			}
			if err := r.store.UpsertEmbedding(ctx, rec); err != nil {
				return Fail(queue.ReasonUnknown, err)
			}
		}
		_ = progress.Report(ctx, end*100/len(phrases))
	}

	slog.Info("Episode embedded", "episode_id", ep.ID,
		"phrases", len(phrases), "model", r.embedder.ModelName())
	return nil
}
