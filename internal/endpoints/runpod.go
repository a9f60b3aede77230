package endpoints

import (
	"net/http"

	"forgecast/internal/provision"

	"github.com/gin-gonic/gin"
)

type createPodRequest struct {
	Persistent bool `json:"persistent"`
}

// HandleCreatePod implements POST /api/runpod/pods.
func HandleCreatePod(p *provision.Provisioner) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createPodRequest
		_ = c.ShouldBindJSON(&req) // empty body defaults to non-persistent

		instanceID, err := p.Create(c.Request.Context(), req.Persistent)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start pod creation"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"instance_id": instanceID})
	}
}

// HandleListPods implements GET /api/runpod/pods.
func HandleListPods(p *provision.Provisioner) gin.HandlerFunc {
	return func(c *gin.Context) {
		states, err := p.List(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list pods"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"pods": states})
	}
}

// HandleGetSetupStatus implements
// GET /api/runpod/pods/{instance_id}/setup-status.
func HandleGetSetupStatus(p *provision.Provisioner) gin.HandlerFunc {
	return func(c *gin.Context) {
		instanceID := c.Param("instance_id")
		states, err := p.List(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load setup status"})
			return
		}
		for _, s := range states {
			if s.InstanceID == instanceID {
				c.JSON(http.StatusOK, s)
				return
			}
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "setup state not found"})
	}
}

// HandleTerminatePod implements DELETE /api/runpod/pods/{id}. id is the
// provider pod id, not the instance id.
func HandleTerminatePod(p *provision.Provisioner) gin.HandlerFunc {
	return func(c *gin.Context) {
		podID := c.Param("id")
		if err := p.Terminate(c.Request.Context(), podID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to terminate pod"})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

type setPersistentRequest struct {
	Persistent bool `json:"persistent"`
}

// HandleSetPodPersistent implements
// PATCH /api/runpod/pods/{instance_id}/persistent.
func HandleSetPodPersistent(p *provision.Provisioner) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req setPersistentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "persistent is required"})
			return
		}
		instanceID := c.Param("instance_id")
		if err := p.SetPersistent(c.Request.Context(), instanceID, req.Persistent); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update pod"})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

type reportPhaseRequest struct {
	Phase string `json:"phase" binding:"required"`
	Note  string `json:"note"`
}

// HandleReportSetupPhase implements
// POST /api/runpod/pods/{instance_id}/setup-status. The provisioned pod
// itself calls this as it works through installing/smoke_testing/
// registering so an operator can observe stuck setups.
func HandleReportSetupPhase(p *provision.Provisioner) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req reportPhaseRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "phase is required"})
			return
		}
		instanceID := c.Param("instance_id")
		if err := p.ReportPhase(c.Request.Context(), instanceID, req.Phase, req.Note); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record phase"})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// HandleSmokeTestPassed implements
// POST /api/runpod/pods/{instance_id}/smoke-test-passed.
func HandleSmokeTestPassed(p *provision.Provisioner) gin.HandlerFunc {
	return func(c *gin.Context) {
		instanceID := c.Param("instance_id")
		if err := p.SmokeTestPassed(c.Request.Context(), instanceID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record smoke test"})
			return
		}
		c.Status(http.StatusNoContent)
	}
}
