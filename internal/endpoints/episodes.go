package endpoints

import (
	"errors"
	"net/http"
	"os"
	"strconv"

	"podscribe/internal/store"
	"podscribe/internal/transcripts"

	"github.com/gin-gonic/gin"
)

// HandleGetTranscript serves an episode's transcript, converted to the
// requested format (?format=md|txt|srt|vtt|json, default md).
func HandleGetTranscript(s *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := pathID(c, "id")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid episode id"})
			return
		}
		format, err := transcripts.ParseFormat(c.Query("format"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		ep, err := s.GetEpisode(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Episode not found"})
			return
		}
		if ep.TranscriptPath == "" {
			c.JSON(http.StatusNotFound, gin.H{"error": "Episode has no transcript"})
			return
		}

		raw, err := os.ReadFile(ep.TranscriptPath)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read transcript"})
			return
		}
		t, err := transcripts.ParseMarkdown(string(raw))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to parse transcript"})
			return
		}
		out, err := transcripts.Render(t, format)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.Data(http.StatusOK, format.ContentType(), []byte(out))
	}
}

// HandleDeleteAudio removes a completed episode's audio file and clears its
// audio path. The transcript and the original audio_url are kept.
func HandleDeleteAudio(s *store.Store) gin.HandlerFunc {
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
		if ep.AudioPath == "" {
			c.JSON(http.StatusNotFound, gin.H{"error": "Episode has no audio file"})
			return
		}

		if err := s.ClearEpisodeAudio(c.Request.Context(), id); err != nil {
			if errors.Is(err, store.ErrInvalidTransition) {
				c.JSON(http.StatusConflict, gin.H{"error": "Audio may only be deleted from completed episodes"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to clear episode audio"})
			return
		}
		if err := os.Remove(ep.AudioPath); err != nil && !os.IsNotExist(err) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to remove audio file"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": true})
	}
}

// HandleSearch runs a full-text query over episode titles and transcripts.
func HandleSearch(s *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		query := c.Query("q")
		if query == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "q is required"})
			return
		}
		limit := 20
		if raw := c.Query("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				limit = n
			}
		}
		hits, err := s.SearchEpisodes(c.Request.Context(), query, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Search failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"results": hits})
	}
}
