package endpoints

import (
	"context"
	"errors"
	"net/http"

	"podscribe/internal/coordinator"
	"podscribe/internal/store"

	"github.com/gin-gonic/gin"
)

// PodProvisioner defines the provisioning operations the runpod endpoints
// need.
type PodProvisioner interface {
	Provision(ctx context.Context, persistent bool) (string, error)
	Terminate(ctx context.Context, instanceID string) error
}

// CreatePodRequest is the body for starting an ephemeral transcriber.
type CreatePodRequest struct {
	Persistent bool `json:"persistent,omitempty"`
}

// HandleCreatePod starts the async provisioning pipeline and returns the
// instance id immediately; progress is visible through the setup-status
// endpoint.
func HandleCreatePod(p PodProvisioner) gin.HandlerFunc {
	return func(c *gin.Context) {
		if p == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Provisioning is not configured"})
			return
		}
		var req CreatePodRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
				return
			}
		}
		instanceID, err := p.Provision(c.Request.Context(), req.Persistent)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"instance_id": instanceID})
	}
}

// HandleDeletePod tears an instance down. A registered node is deregistered
// through the coordinator (which also terminates the instance); an instance
// that never registered is terminated directly.
func HandleDeletePod(coord *coordinator.Coordinator, s *store.Store, p PodProvisioner) gin.HandlerFunc {
	return func(c *gin.Context) {
		instanceID := c.Param("instance_id")
		if instanceID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "instance id is required"})
			return
		}

		if node, err := s.GetNodeByInstance(c.Request.Context(), instanceID); err == nil {
			if err := coord.Deregister(c.Request.Context(), node); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to deregister node"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"terminated": true})
			return
		}

		if p == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Provisioning is not configured"})
			return
		}
		if err := p.Terminate(c.Request.Context(), instanceID); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		if err := s.DeleteSetupState(c.Request.Context(), instanceID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete setup state"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"terminated": true})
	}
}

// HandleSetupStatus reports where an instance is in its provisioning
// pipeline.
func HandleSetupStatus(s *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		state, err := s.GetSetupState(c.Request.Context(), c.Param("instance_id"))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "Unknown instance"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load setup state"})
			return
		}
		c.JSON(http.StatusOK, state)
	}
}
