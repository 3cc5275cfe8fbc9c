package endpoints

import (
	"podscribe/internal/config"
	"podscribe/internal/coordinator"
	"podscribe/internal/queue"
	"podscribe/internal/storage"
	"podscribe/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps carries everything the HTTP surface is wired to. Provisioner may be
// nil when no provider credentials are configured.
type Deps struct {
	Store       *store.Store
	Queue       *queue.Queue
	Coordinator *coordinator.Coordinator
	Discovery   FeedService
	Provisioner PodProvisioner
	Layout      *storage.Layout
	Cfg         *config.Config
}

// SetupRoutes configures all API routes
func SetupRoutes(r *gin.Engine, d Deps) {
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API group with common middleware
	api := r.Group("/api")
	{
		// Health check endpoint
		api.GET("/health", func(c *gin.Context) {
			c.JSON(200, gin.H{
				"status":  "healthy",
				"service": "podscribe",
			})
		})

		// Feed management
		feeds := api.Group("/feeds")
		{
			feeds.GET("", HandleListFeeds(d.Store))
			feeds.POST("", HandleAddFeed(d.Discovery))
			feeds.DELETE("/:id", HandleDeleteFeed(d.Store, d.Layout))
			feeds.POST("/:id/refresh", HandleRefreshFeed(d.Discovery))
			feeds.GET("/:id/episodes", HandleListFeedEpisodes(d.Store, d.Queue))
		}

		// Episode access
		episodes := api.Group("/episodes")
		{
			episodes.GET("/:id/transcript", HandleGetTranscript(d.Store))
			episodes.DELETE("/:id/audio", HandleDeleteAudio(d.Store))
		}

		api.GET("/search", HandleSearch(d.Store))

		// Manual queue control
		queueGroup := api.Group("/queue")
		{
			queueGroup.GET("/status", HandleQueueStatus(d.Queue))
			queueGroup.POST("/episodes/:id/process", HandleProcessEpisode(d.Store, d.Queue))
			queueGroup.POST("/episodes/:id/transcribe", HandleTranscribeEpisode(d.Store, d.Queue))
			queueGroup.POST("/episodes/:id/transcript-download", HandleTranscriptDownloadEpisode(d.Store, d.Queue))
		}

		// Node coordination. Registration is gated by the network secret;
		// everything else by the per-node api key.
		nodes := api.Group("/nodes")
		{
			nodes.GET("", HandleListNodes(d.Store))
			nodes.POST("/register",
				NetworkSecretMiddleware(d.Cfg.RunpodNetworkSecret),
				HandleRegisterNode(d.Coordinator))

			authed := nodes.Group("", NodeAuthMiddleware(d.Coordinator))
			{
				authed.POST("/:id/heartbeat", HandleNodeHeartbeat(d.Coordinator))
				authed.POST("/:id/claim", HandleNodeClaim(d.Coordinator))
				authed.POST("/:id/request-termination", HandleRequestTermination(d.Coordinator))
				authed.GET("/jobs/:job_id/audio", HandleJobAudio(d.Coordinator, d.Store))
				authed.POST("/jobs/:job_id/complete", HandleJobComplete(d.Coordinator))
				authed.POST("/jobs/:job_id/fail", HandleJobFail(d.Coordinator))
				authed.POST("/jobs/:job_id/release", HandleJobRelease(d.Coordinator))
			}
		}

		// Ephemeral GPU instances
		runpod := api.Group("/runpod")
		{
			runpod.POST("/pods", HandleCreatePod(d.Provisioner))
			runpod.DELETE("/pods/:instance_id", HandleDeletePod(d.Coordinator, d.Store, d.Provisioner))
			runpod.GET("/pods/:instance_id/setup-status", HandleSetupStatus(d.Store))
		}
	}
}
