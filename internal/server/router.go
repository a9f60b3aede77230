// Package server wires the HTTP surface: route table, CORS, and the
// graceful-shutdown HTTP server wrapper. Routes live here; handler
// bodies live in internal/endpoints.
package server

import (
	"net/http"
	"os"

	"forgecast/internal/auth"
	"forgecast/internal/discovery"
	"forgecast/internal/endpoints"
	"forgecast/internal/episode"
	"forgecast/internal/node"
	"forgecast/internal/provision"
	"forgecast/internal/storagefs"
	"forgecast/internal/store"

	"github.com/gin-gonic/gin"
)

// Deps collects every component the route table binds to.
type Deps struct {
	Store       *store.Store
	Discovery   *discovery.Driver
	Episode     *episode.Machine
	Node        *node.Coordinator
	Provisioner *provision.Provisioner
	Layout      *storagefs.Layout

	DefaultMaxAttempts int

	AdminAuthEnabled bool
	Auth0            gin.HandlerFunc // nil when admin auth is disabled
}

// NewRouter builds the gin engine with every route wired to its handler:
// gin.Logger, gin.Recovery, a permissive CORS middleware, then the
// admin, queue, runpod, and node route groups.
func NewRouter(d Deps) *gin.Engine {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())

	api := r.Group("/api")

	api.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "forgecast"})
	})

	admin := api.Group("")
	if d.AdminAuthEnabled && d.Auth0 != nil {
		admin.Use(d.Auth0)
	}

	feeds := admin.Group("/feeds")
	{
		feeds.POST("", endpoints.HandleAddFeed(d.Discovery))
		feeds.GET("", endpoints.HandleListFeeds(d.Store))
		feeds.DELETE("/:id", endpoints.HandleDeleteFeed(d.Store, d.Layout))
		feeds.PATCH("/:id", endpoints.HandleRenameFeed(d.Store, d.Layout))
		feeds.POST("/:id/refresh", endpoints.HandleRefreshFeed(d.Discovery))
	}

	episodes := admin.Group("/episodes")
	{
		episodes.GET("/:id/transcript", endpoints.HandleGetTranscript(d.Store))
		episodes.DELETE("/:id/audio", endpoints.HandleDeleteAudio(d.Episode))
	}

	queue := admin.Group("/queue")
	{
		queue.POST("/episodes/:id/process", endpoints.HandleEnqueueDownload(d.Store, d.DefaultMaxAttempts))
		queue.POST("/episodes/:id/transcribe", endpoints.HandleEnqueueTranscribe(d.Store, d.DefaultMaxAttempts))
		queue.POST("/episodes/:id/transcript-download", endpoints.HandleEnqueueTranscriptDownload(d.Store, d.DefaultMaxAttempts))
		queue.GET("/status", endpoints.HandleQueueStatus(d.Store))
	}

	runpod := admin.Group("/runpod")
	{
		runpod.POST("/pods", endpoints.HandleCreatePod(d.Provisioner))
		runpod.GET("/pods", endpoints.HandleListPods(d.Provisioner))
		runpod.DELETE("/pods/:id", endpoints.HandleTerminatePod(d.Provisioner))
		runpod.PATCH("/pods/:instance_id/persistent", endpoints.HandleSetPodPersistent(d.Provisioner))
		runpod.GET("/pods/:instance_id/setup-status", endpoints.HandleGetSetupStatus(d.Provisioner))
		// The pod's own bootstrap script calls these two as it works
		// through installing/smoke_testing/registering; no admin auth.
		runpod.POST("/pods/:instance_id/setup-status", endpoints.HandleReportSetupPhase(d.Provisioner))
		runpod.POST("/pods/:instance_id/smoke-test-passed", endpoints.HandleSmokeTestPassed(d.Provisioner))
	}

	// Node registration has no credentials yet; every other node route
	// requires the X-Node-Id/X-Transcriber-Key pair regardless of
	// ADMIN_AUTH_ENABLED.
	api.POST("/nodes/register", endpoints.HandleRegisterNode(d.Node))

	nodeKeyed := api.Group("/nodes")
	nodeKeyed.Use(auth.NodeKeyMiddleware(d.Node))
	{
		nodeKeyed.POST("/:id/heartbeat", endpoints.HandleHeartbeat(d.Node))
		nodeKeyed.POST("/:id/claim", endpoints.HandleClaim(d.Node))
		nodeKeyed.POST("/:id/request-termination", endpoints.HandleRequestTermination(d.Node))
		nodeKeyed.GET("/jobs/:job_id/audio", endpoints.HandleStreamAudio(d.Node))
		nodeKeyed.POST("/jobs/:job_id/complete", endpoints.HandleCompleteJob(d.Node))
		nodeKeyed.POST("/jobs/:job_id/fail", endpoints.HandleFailJob(d.Node))
		nodeKeyed.POST("/jobs/:job_id/release", endpoints.HandleReleaseJob(d.Node))
	}

	return r
}

// corsMiddleware allows the admin frontend to call the API from a
// different origin.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Node-Id, X-Transcriber-Key")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
