package endpoints

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"podscribe/internal/queue"
	"podscribe/internal/storage"
	"podscribe/internal/store"

	"github.com/gin-gonic/gin"
)

// FeedService defines the discovery operations the feed endpoints need.
type FeedService interface {
	AddFeed(ctx context.Context, url, titleOverride string) (*store.Feed, error)
	RefreshFeed(ctx context.Context, feedID int64) (int, error)
}

// AddFeedRequest is the body for subscribing to a feed.
type AddFeedRequest struct {
	URL   string `json:"url" binding:"required"`
	Title string `json:"title,omitempty"`
}

// HandleAddFeed subscribes to a feed by URL. Apple Podcasts page URLs are
// accepted and resolved to their RSS feed.
func HandleAddFeed(svc FeedService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req AddFeedRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
			return
		}

		feed, err := svc.AddFeed(c.Request.Context(), req.URL, req.Title)
		if err != nil {
			// A duplicate subscription returns the existing feed.
			if feed != nil {
				c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "feed": feed})
				return
			}
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, feed)
	}
}

// HandleListFeeds returns every subscribed feed.
func HandleListFeeds(s *store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		feeds, err := s.ListFeeds(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list feeds"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"feeds": feeds})
	}
}

// episodeView decorates an episode with the error of its newest failed job.
type episodeView struct {
	*store.Episode
	LastError string `json:"last_error,omitempty"`
}

// HandleListFeedEpisodes returns a feed's episodes, newest first.
func HandleListFeedEpisodes(s *store.Store, q *queue.Queue) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := pathID(c, "id")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid feed id"})
			return
		}
		if _, err := s.GetFeed(c.Request.Context(), id); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Feed not found"})
			return
		}
		episodes, err := s.ListEpisodesByFeed(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list episodes"})
			return
		}
		ids := make([]int64, len(episodes))
		for i, ep := range episodes {
			ids[i] = ep.ID
		}
		lastErrors, err := q.LastErrors(c.Request.Context(), ids)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list episodes"})
			return
		}
		views := make([]episodeView, len(episodes))
		for i, ep := range episodes {
			views[i] = episodeView{Episode: ep, LastError: lastErrors[ep.ID]}
		}
		c.JSON(http.StatusOK, gin.H{"episodes": views})
	}
}

// HandleRefreshFeed re-fetches one feed and ingests new episodes.
func HandleRefreshFeed(svc FeedService) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := pathID(c, "id")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid feed id"})
			return
		}
		added, err := svc.RefreshFeed(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "Feed not found"})
				return
			}
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"new_episodes": added})
	}
}

// HandleDeleteFeed moves the feed's files to trash and deletes its rows.
// Episodes and jobs cascade in the store.
func HandleDeleteFeed(s *store.Store, layout *storage.Layout) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := pathID(c, "id")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid feed id"})
			return
		}
		feed, err := s.GetFeed(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "Feed not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load feed"})
			return
		}

		trashPath, err := layout.TrashFeed(storage.Slugify(feed.DisplayTitle()), feed.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to move feed files to trash"})
			return
		}
		if err := s.DeleteFeed(c.Request.Context(), id); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete feed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": true, "trash_path": trashPath})
	}
}

func pathID(c *gin.Context, name string) (int64, error) {
	return strconv.ParseInt(c.Param(name), 10, 64)
}
