package endpoints

import (
	"errors"
	"log/slog"
	"net/http"

	"podscribe/internal/coordinator"
	"podscribe/internal/store"

	"github.com/gin-gonic/gin"
)

// RegisterNodeResponse carries the one-time plaintext api key; it is never
// persisted or logged.
type RegisterNodeResponse struct {
	NodeID string `json:"node_id"`
	APIKey string `json:"api_key"`
}

// HandleRegisterNode registers a transcriber node and issues its api key.
func HandleRegisterNode(coord *coordinator.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req coordinator.RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid registration body"})
			return
		}
		node, apiKey, err := coord.Register(c.Request.Context(), req)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, RegisterNodeResponse{NodeID: node.ID, APIKey: apiKey})
	}
}

// HandleListNodes returns all registered nodes ordered by priority.
func HandleListNodes(s *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		nodes, err := s.ListNodes(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list nodes"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"nodes": nodes})
	}
}

// HandleNodeHeartbeat records a node check-in.
func HandleNodeHeartbeat(coord *coordinator.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		node, ok := currentNode(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		var req coordinator.HeartbeatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid heartbeat body"})
			return
		}
		if err := coord.Heartbeat(c.Request.Context(), node, req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// HandleNodeClaim hands the node the next transcription job. 204 means the
// queue is empty, 409 means a higher-priority node should claim instead.
func HandleNodeClaim(coord *coordinator.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		node, ok := currentNode(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		job, err := coord.Claim(c.Request.Context(), node)
		if err != nil {
			if errors.Is(err, coordinator.ErrNotEligible) {
				c.JSON(http.StatusConflict, gin.H{"error": "A higher-priority node is online"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to claim job"})
			return
		}
		if job == nil {
			c.Status(http.StatusNoContent)
			return
		}
		if err := coord.MarkTranscribing(c.Request.Context(), job); err != nil {
			// The claim stands; the episode catches up on completion.
			slog.Warn("Failed to advance episode on remote claim", "job_id", job.ID, "error", err)
		}
		c.JSON(http.StatusOK, job)
	}
}

// HandleJobAudio streams the audio file of a job to its assigned node. The
// response is a byte stream; the file is never buffered whole.
func HandleJobAudio(coord *coordinator.Coordinator, s *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		node, ok := currentNode(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		jobID, err := pathID(c, "job_id")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
			return
		}
		job, err := coord.JobForNode(c.Request.Context(), node, jobID)
		if err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": "Job is not assigned to this node"})
			return
		}
		ep, err := s.GetEpisode(c.Request.Context(), job.EpisodeID)
		if err != nil || ep.AudioPath == "" {
			c.JSON(http.StatusNotFound, gin.H{"error": "Audio not available"})
			return
		}
		c.File(ep.AudioPath)
	}
}

// HandleJobComplete ingests a finished remote transcription.
func HandleJobComplete(coord *coordinator.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		node, ok := currentNode(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		jobID, err := pathID(c, "job_id")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
			return
		}
		var req coordinator.CompletionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid completion body"})
			return
		}
		if err := coord.Complete(c.Request.Context(), node, jobID, req); err != nil {
			if errors.Is(err, coordinator.ErrUnauthorized) {
				c.JSON(http.StatusForbidden, gin.H{"error": "Job is not assigned to this node"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// FailJobRequest is the body a node posts when a transcription fails.
type FailJobRequest struct {
	Error string `json:"error"`
}

// HandleJobFail records a remote transcription failure.
func HandleJobFail(coord *coordinator.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		node, ok := currentNode(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		jobID, err := pathID(c, "job_id")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
			return
		}
		var req FailJobRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid failure body"})
			return
		}
		if err := coord.Fail(c.Request.Context(), node, jobID, req.Error); err != nil {
			if errors.Is(err, coordinator.ErrUnauthorized) {
				c.JSON(http.StatusForbidden, gin.H{"error": "Job is not assigned to this node"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record job failure"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// HandleJobRelease returns an unfinished job to the queue without burning an
// attempt. Nodes use this on graceful shutdown.
func HandleJobRelease(coord *coordinator.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		node, ok := currentNode(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		jobID, err := pathID(c, "job_id")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
			return
		}
		if err := coord.Release(c.Request.Context(), node, jobID); err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
}

// HandleRequestTermination deregisters the calling node: its jobs are
// released and, for ephemeral nodes, the backing instance is torn down.
func HandleRequestTermination(coord *coordinator.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		node, ok := currentNode(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		if err := coord.Deregister(c.Request.Context(), node); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to deregister node"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "terminating"})
	}
}
