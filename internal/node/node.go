// Package node implements the remote node coordinator: worker
// registration, api-key issuance, a heartbeat cache that never blocks on
// the store, stale-node detection, remote-claim delegation, audio
// streaming, transcript completion, and node-initiated termination.
package node

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"forgecast/internal/episode"
	"forgecast/internal/offsite"
	"forgecast/internal/store"
	"forgecast/internal/storagefs"

	"github.com/google/uuid"
)

// Store is the subset of *store.Store the coordinator needs.
type Store interface {
	CreateNode(ctx context.Context, n *store.Node) error
	GetNode(ctx context.Context, id string) (*store.Node, error)
	ListNodes(ctx context.Context) ([]*store.Node, error)
	ListOnlineNodesByModel(ctx context.Context, model string) ([]*store.Node, error)
	SetNodeStatus(ctx context.Context, id, status string) error
	FlushHeartbeats(ctx context.Context, timestamps map[string]time.Time) error
	MarkStaleNodesOffline(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteNode(ctx context.Context, id string) error

	GetJob(ctx context.Context, id string) (*store.Job, error)
	ClaimRemote(ctx context.Context, kind, nodeID string) (*store.Job, error)
	Complete(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID string, reason store.FailureReason, message string) error
	Release(ctx context.Context, jobID string) error
	ReleaseAllForNode(ctx context.Context, nodeID string) (int64, error)
	ResyncJobToNode(ctx context.Context, jobID, nodeID string) error
	ReleaseJobIfNotIn(ctx context.Context, nodeID string, claimedIDs []string) error
	Enqueue(ctx context.Context, id, episodeID, kind string, priority, maxAttempts int) (*store.Job, error)

	GetEpisode(ctx context.Context, id string) (*store.Episode, error)
	GetFeed(ctx context.Context, id string) (*store.Feed, error)
	IndexEpisodeFTS(ctx context.Context, episodeID, title, transcriptText string) error
}

// Provisioner is the provisioning boundary the coordinator calls into when a node
// requests its own termination and it was backed by a provisioned pod.
// Terminate is responsible for tearing down the pod itself and clearing
// any provisioning state it owns for that pod.
type Provisioner interface {
	Terminate(ctx context.Context, podID string) error
}

// ErrUnauthorized is returned when an api key fails to authenticate, or a
// node acts on a job it doesn't own.
var ErrUnauthorized = fmt.Errorf("node: unauthorized")

// heartbeatEntry is the in-memory, non-authoritative record of a node's
// last-seen time and the jobs it last reported holding.
type heartbeatEntry struct {
	lastSeen  time.Time
	claimedAt []string
}

// Coordinator is the single process-wide node coordinator.
type Coordinator struct {
	store       Store
	machine     *episode.Machine
	layout      *storagefs.Layout
	provisioner Provisioner
	mirror      offsite.Mirror
	newID       func() string
	maxAttempts int

	staleTimeout  time.Duration
	flushInterval time.Duration
	sweepInterval time.Duration

	mu         sync.Mutex
	heartbeats map[string]heartbeatEntry
}

// Options configures a Coordinator.
type Options struct {
	MaxAttempts   int
	StaleTimeout  time.Duration // NODE_HEARTBEAT_TIMEOUT_SECONDS
	FlushInterval time.Duration // NODE_HEARTBEAT_FLUSH_INTERVAL_SECONDS
	SweepInterval time.Duration // defaults to 30s
}

// New builds a Coordinator. provisioner may be nil if no pod was ever
// provisioned for a node (e.g. a manually registered remote worker).
func New(s Store, machine *episode.Machine, layout *storagefs.Layout, provisioner Provisioner, opts Options) *Coordinator {
	if opts.SweepInterval == 0 {
		opts.SweepInterval = 30 * time.Second
	}
	return &Coordinator{
		store:         s,
		machine:       machine,
		layout:        layout,
		provisioner:   provisioner,
		newID:         func() string { return uuid.New().String() },
		maxAttempts:   opts.MaxAttempts,
		staleTimeout:  opts.StaleTimeout,
		flushInterval: opts.FlushInterval,
		sweepInterval: opts.SweepInterval,
		heartbeats:    make(map[string]heartbeatEntry),
	}
}

// SetMirror attaches the optional offsite mirror; called once at boot
// after construction since the mirror itself may fail to initialize and
// the coordinator must still come up without one.
func (c *Coordinator) SetMirror(m offsite.Mirror) {
	c.mirror = m
}

// newAPIKey generates a 32-byte random secret, hex-encoded. Returned to
// the caller exactly once; only its hash is persisted.
func newAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func hashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// Register creates a new node record, offline until its first heartbeat,
// and returns its id plus a one-time api key.
func (c *Coordinator) Register(ctx context.Context, displayName, declaredModel, url string, priority int) (nodeID, apiKey string, err error) {
	apiKey, err = newAPIKey()
	if err != nil {
		return "", "", err
	}

	n := &store.Node{
		ID:          uuid.New().String(),
		DisplayName: displayName,
		APIKeyHash:  hashAPIKey(apiKey),
		Status:      store.NodeStatusOffline,
		Priority:    priority,
	}
	if declaredModel != "" {
		n.DeclaredModel.String, n.DeclaredModel.Valid = declaredModel, true
	}
	if url != "" {
		n.URL.String, n.URL.Valid = url, true
	}

	if err := c.store.CreateNode(ctx, n); err != nil {
		return "", "", fmt.Errorf("register node: %w", err)
	}
	return n.ID, apiKey, nil
}

// Authenticate verifies the X-Transcriber-Key header against the
// persisted hash, constant-time to avoid a timing side-channel.
func (c *Coordinator) Authenticate(ctx context.Context, nodeID, apiKey string) (*store.Node, error) {
	n, err := c.store.GetNode(ctx, nodeID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("authenticate node: %w", err)
	}
	given := hashAPIKey(apiKey)
	if subtle.ConstantTimeCompare([]byte(given), []byte(n.APIKeyHash)) != 1 {
		return nil, ErrUnauthorized
	}
	return n, nil
}

// Heartbeat records the node's timestamp in memory (never touching the
// store on the hot path), then reconciles assignment drift against what
// the node reports holding.
func (c *Coordinator) Heartbeat(ctx context.Context, nodeID string, claimedJobIDs []string) error {
	c.mu.Lock()
	c.heartbeats[nodeID] = heartbeatEntry{lastSeen: time.Now().UTC(), claimedAt: claimedJobIDs}
	c.mu.Unlock()

	for _, jobID := range claimedJobIDs {
		j, err := c.store.GetJob(ctx, jobID)
		if err != nil {
			if err == store.ErrNotFound {
				continue
			}
			return fmt.Errorf("load reported job %s: %w", jobID, err)
		}
		if j.Status == store.JobStatusQueued || !j.AssignedNodeID.Valid {
			if err := c.store.ResyncJobToNode(ctx, jobID, nodeID); err != nil && err != store.ErrConflict {
				slog.Warn("node: resync failed", "node_id", nodeID, "job_id", jobID, "error", err)
			}
		}
	}

	if err := c.store.ReleaseJobIfNotIn(ctx, nodeID, claimedJobIDs); err != nil {
		return fmt.Errorf("release orphaned assignments for %s: %w", nodeID, err)
	}
	return nil
}

// StaleSweep marks offline any node whose in-memory heartbeat has aged
// past staleTimeout. Run every sweepInterval.
func (c *Coordinator) StaleSweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-c.staleTimeout)

	c.mu.Lock()
	var stale []string
	for id, hb := range c.heartbeats {
		if hb.lastSeen.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	c.mu.Unlock()

	for _, id := range stale {
		if err := c.store.SetNodeStatus(ctx, id, store.NodeStatusOffline); err != nil {
			slog.Error("node: mark stale offline failed", "node_id", id, "error", err)
		}
	}
	// Persisted fallback covers nodes that never heartbeat after a
	// server restart (no in-memory entry to go stale in the first place).
	if _, err := c.store.MarkStaleNodesOffline(ctx, cutoff); err != nil {
		slog.Error("node: persisted stale sweep failed", "error", err)
	}
}

// FlushHeartbeats batch-persists the in-memory cache every flushInterval
// and marks each reporting node online.
func (c *Coordinator) FlushHeartbeats(ctx context.Context) {
	c.mu.Lock()
	snapshot := make(map[string]time.Time, len(c.heartbeats))
	for id, hb := range c.heartbeats {
		snapshot[id] = hb.lastSeen
	}
	c.mu.Unlock()

	if len(snapshot) == 0 {
		return
	}
	if err := c.store.FlushHeartbeats(ctx, snapshot); err != nil {
		slog.Error("node: flush heartbeats failed", "error", err)
		return
	}
	for id := range snapshot {
		if err := c.store.SetNodeStatus(ctx, id, store.NodeStatusOnline); err != nil {
			slog.Error("node: mark online after flush failed", "node_id", id, "error", err)
		}
	}
}

// Run drives the background stale-sweep and heartbeat-flush loops until
// ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	sweepTicker := time.NewTicker(c.sweepInterval)
	defer sweepTicker.Stop()
	flushTicker := time.NewTicker(c.flushInterval)
	defer flushTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweepTicker.C:
			c.StaleSweep(ctx)
		case <-flushTicker.C:
			c.FlushHeartbeats(ctx)
		}
	}
}

// Claim pulls the next eligible job for a node. store.ClaimRemote already
// enforces that Download and TranscriptDownload never go to remote nodes;
// for Transcribe the coordinator additionally defers this node's pull
// when a better-ranked compatible node is online and idle — lower
// priority number first, earliest last heartbeat breaking ties — so work
// lands on the preferred node even though nodes pull rather than being
// pushed to.
func (c *Coordinator) Claim(ctx context.Context, nodeID, kind string) (*store.Job, error) {
	if kind == store.JobKindTranscribe {
		yield, err := c.shouldYieldClaim(ctx, nodeID)
		if err != nil {
			return nil, err
		}
		if yield {
			return nil, nil
		}
	}

	job, err := c.store.ClaimRemote(ctx, kind, nodeID)
	if err != nil {
		return nil, fmt.Errorf("remote claim: %w", err)
	}
	if job != nil {
		if err := c.store.SetNodeStatus(ctx, nodeID, store.NodeStatusBusy); err != nil {
			slog.Warn("node: mark busy failed", "node_id", nodeID, "error", err)
		}
	}
	return job, nil
}

// shouldYieldClaim reports whether a better-ranked node should get the
// next Transcribe job instead of this one: some other node with a
// compatible declared model is online (idle, not busy) and either
// carries a strictly lower priority number, or ties on priority but has
// the earlier last heartbeat — the load-spreading tie-break, so the pull
// order stays deterministic instead of racing.
func (c *Coordinator) shouldYieldClaim(ctx context.Context, nodeID string) (bool, error) {
	n, err := c.store.GetNode(ctx, nodeID)
	if err != nil {
		if err == store.ErrNotFound {
			return false, ErrUnauthorized
		}
		return false, fmt.Errorf("load claiming node: %w", err)
	}

	eligible, err := c.store.ListOnlineNodesByModel(ctx, n.DeclaredModel.String)
	if err != nil {
		return false, fmt.Errorf("list eligible nodes: %w", err)
	}
	for _, other := range eligible {
		if other.ID == nodeID || other.Status != store.NodeStatusOnline {
			continue
		}
		if other.Priority < n.Priority {
			return true, nil
		}
		if other.Priority == n.Priority && heartbeatBefore(other, n) {
			return true, nil
		}
	}
	return false, nil
}

// heartbeatBefore reports whether a's persisted heartbeat predates b's.
// A node that has never flushed a heartbeat sorts last; identical
// timestamps fall back to id order so the ordering is total.
func heartbeatBefore(a, b *store.Node) bool {
	switch {
	case !a.LastHeartbeat.Valid:
		return false
	case !b.LastHeartbeat.Valid:
		return true
	case a.LastHeartbeat.Time.Equal(b.LastHeartbeat.Time):
		return a.ID < b.ID
	default:
		return a.LastHeartbeat.Time.Before(b.LastHeartbeat.Time)
	}
}

// StreamAudio opens an episode's local audio file for streaming to the
// node assigned to jobID, verifying ownership first. Callers must Close
// the returned reader. Never reads the whole file into memory; the
// caller is expected to io.Copy straight to the response body.
func (c *Coordinator) StreamAudio(ctx context.Context, jobID, nodeID string) (io.ReadCloser, int64, error) {
	job, err := c.authorizeJob(ctx, jobID, nodeID)
	if err != nil {
		return nil, 0, err
	}
	ep, err := c.store.GetEpisode(ctx, job.EpisodeID)
	if err != nil {
		return nil, 0, fmt.Errorf("load episode for stream: %w", err)
	}
	if !ep.AudioPath.Valid {
		return nil, 0, fmt.Errorf("episode %s has no local audio", ep.ID)
	}

	f, err := os.Open(ep.AudioPath.String)
	if err != nil {
		return nil, 0, fmt.Errorf("open audio file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat audio file: %w", err)
	}
	return f, info.Size(), nil
}

// Complete accepts a node's submitted transcript, finalizes the episode,
// marks the job complete, and enqueues the follow-on Embed job.
func (c *Coordinator) Complete(ctx context.Context, jobID, nodeID, content, source, model string) error {
	job, err := c.authorizeJob(ctx, jobID, nodeID)
	if err != nil {
		return err
	}
	ep, err := c.store.GetEpisode(ctx, job.EpisodeID)
	if err != nil {
		return fmt.Errorf("load episode: %w", err)
	}
	feed, err := c.store.GetFeed(ctx, ep.FeedID)
	if err != nil {
		return fmt.Errorf("load feed: %w", err)
	}

	publishedAt := time.Now().UTC()
	if ep.PublishedAt.Valid {
		publishedAt = ep.PublishedAt.Time
	}
	path, err := c.layout.WriteTranscript(feed.Slug, publishedAt, ep.Title, content)
	if err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	if err := c.machine.TranscriptFound(ctx, ep.ID, path, source, model); err != nil {
		return fmt.Errorf("advance episode: %w", err)
	}
	if err := c.store.IndexEpisodeFTS(ctx, ep.ID, ep.Title, content); err != nil {
		return fmt.Errorf("index fts: %w", err)
	}
	if rel, relErr := filepath.Rel(c.layout.StoragePath, path); relErr == nil {
		offsite.MirrorAsync(c.mirror, path, rel)
	}
	if err := c.store.Complete(ctx, jobID); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if _, err := c.store.Enqueue(ctx, c.newID(), ep.ID, store.JobKindEmbed, 10, c.maxAttempts); err != nil {
		return fmt.Errorf("enqueue embed: %w", err)
	}
	if err := c.store.SetNodeStatus(ctx, nodeID, store.NodeStatusOnline); err != nil {
		slog.Warn("node: mark online after complete failed", "node_id", nodeID, "error", err)
	}
	return nil
}

// Fail records a node-reported job failure under the categorical
// taxonomy. When the failure exhausts the job's attempts, the episode is
// marked failed too so the user-facing status reflects it.
func (c *Coordinator) Fail(ctx context.Context, jobID, nodeID string, reason store.FailureReason, message string) error {
	if _, err := c.authorizeJob(ctx, jobID, nodeID); err != nil {
		return err
	}
	if err := c.store.Fail(ctx, jobID, reason, message); err != nil {
		return fmt.Errorf("fail job: %w", err)
	}

	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("reload failed job: %w", err)
	}
	if job.Status == store.JobStatusFailed {
		if err := c.machine.TranscribeFailed(ctx, job.EpisodeID, string(reason)); err != nil {
			slog.Warn("node: mark episode failed", "episode_id", job.EpisodeID, "error", err)
		}
	}

	if err := c.store.SetNodeStatus(ctx, nodeID, store.NodeStatusOnline); err != nil {
		slog.Warn("node: mark online after fail failed", "node_id", nodeID, "error", err)
	}
	return nil
}

// Release implements the graceful-release endpoint for a node giving up
// a job without it counting against attempts.
func (c *Coordinator) Release(ctx context.Context, jobID, nodeID string) error {
	if _, err := c.authorizeJob(ctx, jobID, nodeID); err != nil {
		return err
	}
	if err := c.store.Release(ctx, jobID); err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	return nil
}

// RequestTermination is the pod-initiated teardown path: release every
// job the node holds, terminate its backing pod if any, delete the
// ephemeral node record and its setup state.
func (c *Coordinator) RequestTermination(ctx context.Context, nodeID string) error {
	n, err := c.store.GetNode(ctx, nodeID)
	if err != nil {
		return fmt.Errorf("load node for termination: %w", err)
	}

	if _, err := c.store.ReleaseAllForNode(ctx, nodeID); err != nil {
		return fmt.Errorf("release node jobs: %w", err)
	}

	if n.PodID.Valid && c.provisioner != nil {
		if err := c.provisioner.Terminate(ctx, n.PodID.String); err != nil {
			slog.Error("node: terminate backing pod failed", "node_id", nodeID, "pod_id", n.PodID.String, "error", err)
		}
	}

	if err := c.store.DeleteNode(ctx, nodeID); err != nil {
		return fmt.Errorf("delete node: %w", err)
	}

	c.mu.Lock()
	delete(c.heartbeats, nodeID)
	c.mu.Unlock()

	return nil
}

func (c *Coordinator) authorizeJob(ctx context.Context, jobID, nodeID string) (*store.Job, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("load job: %w", err)
	}
	if !job.AssignedNodeID.Valid || job.AssignedNodeID.String != nodeID {
		return nil, ErrUnauthorized
	}
	return job, nil
}
