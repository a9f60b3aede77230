package endpoints

import (
	"context"
	"net/http"

	"forgecast/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// QueueStore is the subset of *store.Store the queue handlers need.
type QueueStore interface {
	Enqueue(ctx context.Context, id, episodeID, kind string, priority, maxAttempts int) (*store.Job, error)
	QueueStatusCounts(ctx context.Context) ([]store.QueueStatusCount, error)
}

func enqueueHandler(s QueueStore, kind string, priority, maxAttempts int) gin.HandlerFunc {
	return func(c *gin.Context) {
		episodeID := c.Param("id")
		job, err := s.Enqueue(c.Request.Context(), uuid.New().String(), episodeID, kind, priority, maxAttempts)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue job"})
			return
		}
		c.JSON(http.StatusCreated, job)
	}
}

// HandleEnqueueDownload implements POST /api/queue/episodes/{id}/process.
func HandleEnqueueDownload(s QueueStore, maxAttempts int) gin.HandlerFunc {
	return enqueueHandler(s, store.JobKindDownload, 5, maxAttempts)
}

// HandleEnqueueTranscribe implements POST /api/queue/episodes/{id}/transcribe.
func HandleEnqueueTranscribe(s QueueStore, maxAttempts int) gin.HandlerFunc {
	return enqueueHandler(s, store.JobKindTranscribe, 10, maxAttempts)
}

// HandleEnqueueTranscriptDownload implements
// POST /api/queue/episodes/{id}/transcript-download.
func HandleEnqueueTranscriptDownload(s QueueStore, maxAttempts int) gin.HandlerFunc {
	return enqueueHandler(s, store.JobKindTranscriptDownload, 1, maxAttempts)
}

// HandleQueueStatus implements GET /api/queue/status.
func HandleQueueStatus(s QueueStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		counts, err := s.QueueStatusCounts(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load queue status"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"counts": counts})
	}
}
