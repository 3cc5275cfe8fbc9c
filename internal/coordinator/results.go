package coordinator

import (
	"context"
	"fmt"
	"log/slog"

	"podscribe/internal/pipeline"
	"podscribe/internal/queue"
	"podscribe/internal/storage"
	"podscribe/internal/store"
	"podscribe/internal/transcripts"
)

// CompletionRequest is the transcript payload a node posts when done.
type CompletionRequest struct {
	Segments []transcripts.Segment `json:"segments"`
	Model    string                `json:"model,omitempty"`
	Backend  string                `json:"backend,omitempty"`
}

// MarkTranscribing advances the job's episode into transcribing. Called when
// a remote node claims the job.
func (c *Coordinator) MarkTranscribing(ctx context.Context, job *queue.Job) error {
	ep, err := c.store.GetEpisode(ctx, job.EpisodeID)
	if err != nil {
		return err
	}
	switch ep.Status {
	case pipeline.StatusAudioReady, pipeline.StatusCompleted:
		return c.store.TransitionEpisode(ctx, ep, pipeline.StatusTranscribing)
	default:
		return nil
	}
}

// Complete ingests a finished remote transcription: the transcript lands on
// disk, the episode completes and an embed job is queued. The node returns
// to the online pool.
func (c *Coordinator) Complete(ctx context.Context, node *store.Node, jobID int64, req CompletionRequest) error {
	job, err := c.JobForNode(ctx, node, jobID)
	if err != nil {
		return err
	}
	if job.Kind != queue.KindTranscribe {
		return fmt.Errorf("job %d is not a transcription job", jobID)
	}
	if len(req.Segments) == 0 {
		return fmt.Errorf("completion for job %d carries no segments", jobID)
	}

	ep, err := c.store.GetEpisode(ctx, job.EpisodeID)
	if err != nil {
		return err
	}
	feed, err := c.store.GetFeed(ctx, ep.FeedID)
	if err != nil {
		return err
	}

	backend := req.Backend
	if backend == "" {
		backend = node.Backend
	}
	model := req.Model
	if model == "" {
		model = node.Model
	}
	t := &transcripts.Transcript{
		Title:    ep.Title,
		Source:   backend,
		Model:    model,
		Segments: req.Segments,
	}

	slug := storage.Slugify(feed.DisplayTitle())
	filename := storage.EpisodeFilename(ep.PublishedAt, ep.Title, "md")
	path, err := c.layout.WriteTranscript(slug, filename, transcripts.Markdown(t))
	if err != nil {
		return err
	}

	ep.TranscriptPath = path
	ep.TranscriptSource = t.Source
	ep.TranscriptModel = t.Model
	ep.TranscriptFailureReason = ""
	ep.NextTranscriptRetryAt = nil
	if ep.Status == pipeline.StatusTranscribing {
		if err := c.store.TransitionEpisode(ctx, ep, pipeline.StatusCompleted); err != nil {
			return err
		}
	}

	if err := c.store.IndexEpisodeText(ctx, ep.ID, ep.Title, t.Text()); err != nil {
		slog.Error("Failed to index transcript text", "episode_id", ep.ID, "error", err)
	}
	if _, err := c.queue.Enqueue(ctx, ep.ID, queue.KindEmbed, queue.DefaultPriority); err != nil {
		slog.Error("Failed to enqueue embed job", "episode_id", ep.ID, "error", err)
	}

	if err := c.queue.Complete(ctx, jobID); err != nil {
		return err
	}
	if err := c.store.UpdateNodeCurrentJob(ctx, node.ID, nil); err != nil {
		slog.Error("Failed to clear node job", "node_id", node.ID, "error", err)
	}
	if err := c.store.UpdateNodeStatus(ctx, node.ID, store.NodeOnline); err != nil {
		slog.Error("Failed to mark node online", "node_id", node.ID, "error", err)
	}

	slog.Info("Remote transcription ingested", "job_id", jobID,
		"episode_id", ep.ID, "node_id", node.ID, "segments", len(req.Segments))
	return nil
}

// Fail records a remote transcription failure. The queue decides between
// requeue and terminal; a terminal failure also fails the episode.
func (c *Coordinator) Fail(ctx context.Context, node *store.Node, jobID int64, message string) error {
	job, err := c.JobForNode(ctx, node, jobID)
	if err != nil {
		return err
	}

	if err := c.queue.Fail(ctx, jobID, queue.ReasonTranscribeFailed, message); err != nil {
		return err
	}

	if job.Attempts >= job.MaxAttempts {
		if ep, err := c.store.GetEpisode(ctx, job.EpisodeID); err == nil &&
			ep.Status == pipeline.StatusTranscribing {
			ep.TranscriptFailureReason = string(queue.ReasonTranscribeFailed)
			if terr := c.store.TransitionEpisode(ctx, ep, pipeline.StatusFailed); terr != nil {
				slog.Error("Failed to mark episode failed", "episode_id", ep.ID, "error", terr)
			}
		}
	}

	if err := c.store.UpdateNodeCurrentJob(ctx, node.ID, nil); err != nil {
		slog.Error("Failed to clear node job", "node_id", node.ID, "error", err)
	}
	return c.store.UpdateNodeStatus(ctx, node.ID, store.NodeOnline)
}
