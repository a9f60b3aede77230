package auth

import (
	"errors"

	"forgecast/internal/node"

	"github.com/gin-gonic/gin"
)

// NodeKeyMiddleware validates the X-Node-Id/X-Transcriber-Key header pair
// against the coordinator's stored api-key hash, always on for
// node-scoped routes regardless of ADMIN_AUTH_ENABLED. Kept as a header
// pair rather than a path param so it applies uniformly to both the
// node-id-scoped routes (/api/nodes/{id}/...) and the job-scoped routes
// (/api/nodes/jobs/{job_id}/...) that carry no node id in the path.
func NodeKeyMiddleware(coord *node.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		nodeID := c.GetHeader("X-Node-Id")
		apiKey := c.GetHeader("X-Transcriber-Key")
		if nodeID == "" || apiKey == "" {
			c.JSON(401, gin.H{"error": "missing X-Node-Id or X-Transcriber-Key header"})
			c.Abort()
			return
		}

		n, err := coord.Authenticate(c.Request.Context(), nodeID, apiKey)
		if err != nil {
			if errors.Is(err, node.ErrUnauthorized) {
				c.JSON(401, gin.H{"error": "invalid node credentials"})
			} else {
				c.JSON(500, gin.H{"error": "authentication failed"})
			}
			c.Abort()
			return
		}
		c.Set("node_id", n.ID)
		c.Next()
	}
}
