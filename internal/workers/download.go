package workers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"

	"podscribe/internal/discovery"
	"podscribe/internal/pipeline"
	"podscribe/internal/queue"
	"podscribe/internal/storage"
	"podscribe/internal/store"
)

// maxRefreshFeedBytes bounds the feed re-fetch done to recover a rotated
// enclosure URL.
const maxRefreshFeedBytes = 32 << 20

// HandleDownload streams the episode enclosure to a temp file and moves it
// into place atomically. Failures requeue with backoff until attempts run
// out; the episode only turns failed on the final attempt.
func (r *Runner) HandleDownload(ctx context.Context, job *queue.Job) error {
	ep, ok, err := r.episodeForJob(ctx, job)
	if err != nil || !ok {
		return err
	}
	if ep.AudioURL == "" {
		return Fail(queue.ReasonDownloadFailed, fmt.Errorf("episode %d has no audio url", ep.ID))
	}

	// Retried jobs find the episode already in downloading.
	if ep.Status != pipeline.StatusDownloading {
		if err := r.store.TransitionEpisode(ctx, ep, pipeline.StatusDownloading); err != nil {
			return err
		}
	}

	feed, slug, err := r.feedSlug(ctx, ep)
	if err != nil {
		return err
	}

	audioPath, err := r.downloadAudio(ctx, job, ep, slug)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Premium hosts rotate signed enclosure URLs, so a 403 often just
		// means the cached URL expired. Refresh it from the feed once and
		// retry before counting the failure.
		refreshed, rerr := r.refreshAudioURL(ctx, feed, ep)
		if rerr != nil {
			slog.Warn("Failed to refresh enclosure url",
				"episode_id", ep.ID, "feed_id", feed.ID, "error", rerr)
		}
		if refreshed {
			audioPath, err = r.downloadAudio(ctx, job, ep, slug)
		}
		if err != nil {
			return r.downloadFailed(ctx, job, ep, err)
		}
	}

	ep.AudioPath = audioPath
	if err := r.store.TransitionEpisode(ctx, ep, pipeline.StatusAudioReady); err != nil {
		return err
	}
	if _, err := r.queue.Enqueue(ctx, ep.ID, queue.KindTranscribe, job.Priority); err != nil {
		return err
	}

	slog.Info("Episode audio downloaded", "episode_id", ep.ID, "path", audioPath)
	return nil
}

// downloadFailed marks the episode failed when no attempts remain, then
// reports the failure for requeue-or-terminate accounting.
func (r *Runner) downloadFailed(ctx context.Context, job *queue.Job, ep *store.Episode, cause error) error {
	if job.Attempts >= job.MaxAttempts {
		ep.TranscriptFailureReason = string(queue.ReasonDownloadFailed)
		if terr := r.store.TransitionEpisode(ctx, ep, pipeline.StatusFailed); terr != nil {
			slog.Error("Failed to mark episode failed", "episode_id", ep.ID, "error", terr)
		}
	}
	return Fail(queue.ReasonDownloadFailed, cause)
}

// refreshAudioURL re-reads the feed looking for a new enclosure URL for the
// episode. Reports whether the stored URL changed.
func (r *Runner) refreshAudioURL(ctx context.Context, feed *store.Feed, ep *store.Episode) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create feed request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to fetch feed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("feed fetch got %d from %s", resp.StatusCode, feed.URL)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRefreshFeedBytes))
	if err != nil {
		return false, fmt.Errorf("failed to read feed: %w", err)
	}

	parsed, err := discovery.ParseFeed(data)
	if err != nil {
		return false, err
	}
	for _, item := range parsed.Items {
		if item.GUID != ep.GUID {
			continue
		}
		if item.AudioURL == "" || item.AudioURL == ep.AudioURL {
			return false, nil
		}
		if err := r.store.UpdateEpisodeAudioURL(ctx, ep.ID, item.AudioURL); err != nil {
			return false, err
		}
		ep.AudioURL = item.AudioURL
		slog.Info("Refreshed rotated enclosure url", "episode_id", ep.ID)
		return true, nil
	}
	return false, nil
}

func (r *Runner) downloadAudio(ctx context.Context, job *queue.Job, ep *store.Episode, slug string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.AudioURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create download request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download audio: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("audio download got %d from %s", resp.StatusCode, ep.AudioURL)
	}

	tmp, err := r.layout.TempFile("audio-*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	progress := r.queue.NewProgress(job.ID)
	written, err := copyWithProgress(ctx, tmp, resp.Body, resp.ContentLength, func(pct int) {
		_ = progress.Report(ctx, pct)
	})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("failed to write audio: %w", err)
	}
	if resp.ContentLength > 0 && written != resp.ContentLength {
		return "", fmt.Errorf("audio download truncated: got %d of %d bytes", written, resp.ContentLength)
	}

	filename := storage.EpisodeFilename(ep.PublishedAt, ep.Title, audioExt(ep.AudioURL, resp.Header.Get("Content-Type")))
	return r.layout.FinalizeAudio(slug, filename, tmpPath)
}

// copyWithProgress copies src to dst, reporting percentage when the total is
// known. It checks the context between chunks so cancellation is prompt.
func copyWithProgress(ctx context.Context, dst io.Writer, src io.Reader, total int64, report func(int)) (int64, error) {
	buf := make([]byte, 256*1024)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return written, werr
			}
			written += int64(n)
			if total > 0 && report != nil {
				report(int(written * 100 / total))
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// audioExt picks the stored file extension from the URL path, falling back
// to the response content type, then mp3.
func audioExt(audioURL, contentType string) string {
	if u, err := url.Parse(audioURL); err == nil {
		if ext := strings.TrimPrefix(path.Ext(u.Path), "."); ext != "" && len(ext) <= 4 {
			return strings.ToLower(ext)
		}
	}
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		switch mediaType {
		case "audio/mpeg":
			return "mp3"
		case "audio/mp4", "audio/x-m4a":
			return "m4a"
		case "audio/ogg":
			return "ogg"
		case "audio/wav", "audio/x-wav":
			return "wav"
		case "audio/aac":
			return "aac"
		}
	}
	return "mp3"
}
