package endpoints

import (
	"net/http"
	"time"

	"podscribe/internal/queue"
	"podscribe/internal/store"

	"github.com/gin-gonic/gin"
)

// enqueueForEpisode is the shared shape of the three manual enqueue
// endpoints: look the episode up, enqueue the kind, return the job.
func enqueueForEpisode(s *store.Store, q *queue.Queue, kind queue.Kind, check func(*store.Episode) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := pathID(c, "id")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid episode id"})
			return
		}
		ep, err := s.GetEpisode(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Episode not found"})
			return
		}
		if check != nil {
			if msg := check(ep); msg != "" {
				c.JSON(http.StatusConflict, gin.H{"error": msg})
				return
			}
		}
		job, err := q.Enqueue(c.Request.Context(), ep.ID, kind, queue.DefaultPriority)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to enqueue job"})
			return
		}
		c.JSON(http.StatusAccepted, job)
	}
}

// HandleProcessEpisode enqueues an audio download for the episode.
func HandleProcessEpisode(s *store.Store, q *queue.Queue) gin.HandlerFunc {
	return enqueueForEpisode(s, q, queue.KindDownload, func(ep *store.Episode) string {
		if ep.AudioURL == "" {
			return "episode has no audio enclosure"
		}
		return ""
	})
}

// HandleTranscribeEpisode enqueues a transcription. The audio must already be
// on disk; a completed episode re-enters transcription.
func HandleTranscribeEpisode(s *store.Store, q *queue.Queue) gin.HandlerFunc {
	return enqueueForEpisode(s, q, queue.KindTranscribe, func(ep *store.Episode) string {
		if ep.AudioPath == "" {
			return "episode audio is not downloaded"
		}
		return ""
	})
}

// HandleTranscriptDownloadEpisode enqueues an external transcript fetch.
func HandleTranscriptDownloadEpisode(s *store.Store, q *queue.Queue) gin.HandlerFunc {
	return enqueueForEpisode(s, q, queue.KindTranscriptDownload, nil)
}

// HandleQueueStatus reports job counts grouped by kind and status, plus the
// age of the oldest queued job per kind.
func HandleQueueStatus(q *queue.Queue) gin.HandlerFunc {
	return func(c *gin.Context) {
		counts, err := q.StatusCounts(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to count jobs"})
			return
		}
		oldest, err := q.OldestQueuedAt(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read queue ages"})
			return
		}
		ages := make(map[queue.Kind]string, len(oldest))
		for kind, at := range oldest {
			ages[kind] = time.Since(at).Round(time.Second).String()
		}
		c.JSON(http.StatusOK, gin.H{"jobs": counts, "oldest_queued_age": ages})
	}
}
