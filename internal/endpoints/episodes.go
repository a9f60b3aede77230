package endpoints

import (
	"context"
	"net/http"
	"os"

	"forgecast/internal/episode"
	"forgecast/internal/store"
	"forgecast/internal/transcriptfmt"

	"github.com/gin-gonic/gin"
)

// EpisodeStore is the subset of *store.Store episode handlers need.
type EpisodeStore interface {
	GetEpisode(ctx context.Context, id string) (*store.Episode, error)
}

// HandleGetTranscript implements GET /api/episodes/{id}/transcript.
// Returns the stored markdown converted to the requested format.
func HandleGetTranscript(s EpisodeStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		ep, err := s.GetEpisode(c.Request.Context(), id)
		if err != nil {
			if err == store.ErrNotFound {
				c.JSON(http.StatusNotFound, gin.H{"error": "episode not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load episode"})
			return
		}
		if !ep.TranscriptPath.Valid {
			c.JSON(http.StatusNotFound, gin.H{"error": "no transcript for this episode"})
			return
		}

		raw, err := os.ReadFile(ep.TranscriptPath.String)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read transcript"})
			return
		}

		format := transcriptfmt.Format(c.DefaultQuery("format", string(transcriptfmt.FormatMarkdown)))
		body, mimeType, err := transcriptfmt.Convert(string(raw), format)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.Data(http.StatusOK, mimeType, []byte(body))
	}
}

// HandleDeleteAudio implements DELETE /api/episodes/{id}/audio.
func HandleDeleteAudio(machine *episode.Machine) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if err := machine.DeleteAudio(c.Request.Context(), id); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete audio"})
			return
		}
		c.Status(http.StatusNoContent)
	}
}
