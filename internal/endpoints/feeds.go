package endpoints

import (
	"context"
	"net/http"
	"time"

	"forgecast/internal/discovery"
	"forgecast/internal/storagefs"
	"forgecast/internal/store"

	"github.com/gin-gonic/gin"
)

// FeedStore is the subset of *store.Store feed handlers need.
type FeedStore interface {
	GetFeed(ctx context.Context, id string) (*store.Feed, error)
	ListFeeds(ctx context.Context) ([]*store.Feed, error)
	DeleteFeed(ctx context.Context, id string) error
	SetFeedTitleOverride(ctx context.Context, id, override string) error
	RenameFeedSlug(ctx context.Context, id, newSlug string) error
}

// Layout is the subset of *storagefs.Layout the feed handlers need.
type Layout interface {
	MoveToTrash(feedSlug, feedID string, ts time.Time) error
	RenameFeed(oldSlug, newSlug string) error
}

type addFeedRequest struct {
	URL string `json:"url" binding:"required"`
}

// HandleAddFeed implements POST /api/feeds.
func HandleAddFeed(d *discovery.Driver) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req addFeedRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "url is required"})
			return
		}

		feed, err := d.AddFeed(c.Request.Context(), req.URL)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, feed)
	}
}

// HandleListFeeds implements GET /api/feeds.
func HandleListFeeds(s FeedStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		feeds, err := s.ListFeeds(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list feeds"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"feeds": feeds})
	}
}

// HandleDeleteFeed implements DELETE /api/feeds/{id}: moves the feed's
// on-disk directory to trash before removing the row.
func HandleDeleteFeed(s FeedStore, layout Layout) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		ctx := c.Request.Context()

		feed, err := s.GetFeed(ctx, id)
		if err != nil {
			if err == store.ErrNotFound {
				c.JSON(http.StatusNotFound, gin.H{"error": "feed not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load feed"})
			return
		}

		if err := layout.MoveToTrash(feed.Slug, feed.ID, time.Now().UTC()); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to trash feed files"})
			return
		}
		if err := s.DeleteFeed(ctx, id); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete feed"})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

type renameFeedRequest struct {
	Title string `json:"title" binding:"required"`
}

// HandleRenameFeed implements PATCH /api/feeds/{id}: renames the on-disk
// directory atomically, then sets the display title override and records
// the new slug.
func HandleRenameFeed(s FeedStore, layout Layout) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req renameFeedRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "title is required"})
			return
		}

		id := c.Param("id")
		ctx := c.Request.Context()
		feed, err := s.GetFeed(ctx, id)
		if err != nil {
			if err == store.ErrNotFound {
				c.JSON(http.StatusNotFound, gin.H{"error": "feed not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load feed"})
			return
		}

		newSlug := storagefs.SanitizeTitle(req.Title)
		if err := layout.RenameFeed(feed.Slug, newSlug); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to rename feed directory"})
			return
		}
		if err := s.SetFeedTitleOverride(ctx, id, req.Title); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to set title"})
			return
		}
		if err := s.RenameFeedSlug(ctx, id, newSlug); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record new slug"})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// HandleRefreshFeed implements POST /api/feeds/{id}/refresh.
func HandleRefreshFeed(d *discovery.Driver) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := d.Refresh(c.Request.Context(), id); err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	}
}
