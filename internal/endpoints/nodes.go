package endpoints

import (
	"errors"
	"net/http"

	"forgecast/internal/node"
	"forgecast/internal/store"

	"github.com/gin-gonic/gin"
)

type registerNodeRequest struct {
	DisplayName   string `json:"display_name" binding:"required"`
	DeclaredModel string `json:"declared_model"`
	URL           string `json:"url"`
	Priority      int    `json:"priority"`
}

// HandleRegisterNode implements POST /api/nodes/register.
func HandleRegisterNode(coord *node.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerNodeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "display_name is required"})
			return
		}
		id, apiKey, err := coord.Register(c.Request.Context(), req.DisplayName, req.DeclaredModel, req.URL, req.Priority)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to register node"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"id": id, "api_key": apiKey})
	}
}

type heartbeatRequest struct {
	ClaimedJobIDs []string `json:"claimed_job_ids"`
}

// HandleHeartbeat implements POST /api/nodes/{id}/heartbeat.
func HandleHeartbeat(coord *node.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req heartbeatRequest
		_ = c.ShouldBindJSON(&req) // empty body is valid (no claims to report)

		nodeID := c.Param("id")
		if err := coord.Heartbeat(c.Request.Context(), nodeID, req.ClaimedJobIDs); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "heartbeat failed"})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

type claimRequest struct {
	Kind string `json:"kind" binding:"required"`
}

// HandleClaim implements POST /api/nodes/{id}/claim.
func HandleClaim(coord *node.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req claimRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "kind is required"})
			return
		}
		nodeID := c.Param("id")
		job, err := coord.Claim(c.Request.Context(), nodeID, req.Kind)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "claim failed"})
			return
		}
		if job == nil {
			c.Status(http.StatusNoContent)
			return
		}
		c.JSON(http.StatusOK, job)
	}
}

// HandleStreamAudio implements GET /api/nodes/jobs/{job_id}/audio. Streams
// the file directly to the response body; never buffers it in memory.
func HandleStreamAudio(coord *node.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("job_id")
		nodeID := c.GetString("node_id")

		f, size, err := coord.StreamAudio(c.Request.Context(), jobID, nodeID)
		if err != nil {
			if errors.Is(err, node.ErrUnauthorized) {
				c.JSON(http.StatusForbidden, gin.H{"error": "job not assigned to this node"})
				return
			}
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		defer f.Close()

		c.DataFromReader(http.StatusOK, size, "application/octet-stream", f, nil)
	}
}

type completeRequest struct {
	Content string `json:"content" binding:"required"`
	Source  string `json:"source" binding:"required"`
	Model   string `json:"model"`
}

// HandleCompleteJob implements POST /api/nodes/jobs/{job_id}/complete.
func HandleCompleteJob(coord *node.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req completeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "content and source are required"})
			return
		}
		jobID := c.Param("job_id")
		nodeID := c.GetString("node_id")

		if err := coord.Complete(c.Request.Context(), jobID, nodeID, req.Content, req.Source, req.Model); err != nil {
			if errors.Is(err, node.ErrUnauthorized) {
				c.JSON(http.StatusForbidden, gin.H{"error": "job not assigned to this node"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to complete job"})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

type failRequest struct {
	Reason  string `json:"reason" binding:"required"`
	Message string `json:"message"`
}

// HandleFailJob implements POST /api/nodes/jobs/{job_id}/fail.
func HandleFailJob(coord *node.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req failRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "reason is required"})
			return
		}
		jobID := c.Param("job_id")
		nodeID := c.GetString("node_id")

		if err := coord.Fail(c.Request.Context(), jobID, nodeID, store.FailureReason(req.Reason), req.Message); err != nil {
			if errors.Is(err, node.ErrUnauthorized) {
				c.JSON(http.StatusForbidden, gin.H{"error": "job not assigned to this node"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fail job"})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// HandleReleaseJob implements POST /api/nodes/jobs/{job_id}/release.
func HandleReleaseJob(coord *node.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("job_id")
		nodeID := c.GetString("node_id")

		if err := coord.Release(c.Request.Context(), jobID, nodeID); err != nil {
			if errors.Is(err, node.ErrUnauthorized) {
				c.JSON(http.StatusForbidden, gin.H{"error": "job not assigned to this node"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to release job"})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// HandleRequestTermination implements POST /api/nodes/{id}/request-termination.
func HandleRequestTermination(coord *node.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		nodeID := c.Param("id")
		if err := coord.RequestTermination(c.Request.Context(), nodeID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to terminate node"})
			return
		}
		c.Status(http.StatusNoContent)
	}
}
