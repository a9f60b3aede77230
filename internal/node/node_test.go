package node

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"forgecast/internal/episode"
	"forgecast/internal/store"
	"forgecast/internal/storagefs"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(context.Background(), filepath.Join(dir, "test.db"), 1, 4)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestCoordinator(t *testing.T, s *store.Store) *Coordinator {
	t.Helper()
	dir := t.TempDir()
	layout := storagefs.New(dir, filepath.Join(dir, "tmp"))
	machine := episode.New(s, episode.Policy{UnavailableAgeDays: 14, RetryDays: 14})
	return New(s, machine, layout, nil, Options{
		MaxAttempts:   3,
		StaleTimeout:  time.Minute,
		FlushInterval: time.Hour,
		SweepInterval: time.Hour,
	})
}

func seedFeedAndEpisode(t *testing.T, s *store.Store) (*store.Feed, *store.Episode) {
	t.Helper()
	ctx := context.Background()

	feed := &store.Feed{
		ID:            uuid.New().String(),
		URL:           "https://example.com/feed.xml",
		OriginalTitle: "Test Feed",
		Slug:          "test-feed",
	}
	require.NoError(t, s.CreateFeed(ctx, feed))

	ep := &store.Episode{
		ID:     uuid.New().String(),
		FeedID: feed.ID,
		GUID:   "episode-1",
		Title:  "Episode One",
		Status: store.EpisodeStatusAudioReady,
	}
	require.NoError(t, s.CreateEpisode(ctx, ep))
	return feed, ep
}

func TestRegisterAndAuthenticate(t *testing.T) {
	s := newTestStore(t)
	c := newTestCoordinator(t, s)
	ctx := context.Background()

	nodeID, apiKey, err := c.Register(ctx, "gpu-box-1", "large-v3", "http://10.0.0.5:9000", 5)
	require.NoError(t, err)
	require.NotEmpty(t, nodeID)
	require.NotEmpty(t, apiKey)

	n, err := c.Authenticate(ctx, nodeID, apiKey)
	require.NoError(t, err)
	assert.Equal(t, "gpu-box-1", n.DisplayName)
	assert.Equal(t, store.NodeStatusOffline, n.Status)

	_, err = c.Authenticate(ctx, nodeID, "wrong-key")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestHeartbeatMarksOnlineAfterFlush(t *testing.T) {
	s := newTestStore(t)
	c := newTestCoordinator(t, s)
	ctx := context.Background()

	nodeID, _, err := c.Register(ctx, "node-a", "", "", 1)
	require.NoError(t, err)

	require.NoError(t, c.Heartbeat(ctx, nodeID, nil))
	c.FlushHeartbeats(ctx)

	n, err := s.GetNode(ctx, nodeID)
	require.NoError(t, err)
	assert.Equal(t, store.NodeStatusOnline, n.Status)
	assert.True(t, n.LastHeartbeat.Valid)
}

func TestHeartbeatResyncsLostAssignment(t *testing.T) {
	s := newTestStore(t)
	c := newTestCoordinator(t, s)
	ctx := context.Background()
	_, ep := seedFeedAndEpisode(t, s)

	nodeID, _, err := c.Register(ctx, "node-a", "", "", 1)
	require.NoError(t, err)

	job, err := s.Enqueue(ctx, uuid.New().String(), ep.ID, store.JobKindTranscribe, 10, 3)
	require.NoError(t, err)
	claimed, err := s.ClaimRemote(ctx, store.JobKindTranscribe, nodeID)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// Simulate the assignment having been cleared (e.g. a prior release
	// race) while the node still reports holding it.
	_, err = s.DB().ExecContext(ctx, `UPDATE jobs SET assigned_node_id = NULL WHERE id = ?`, job.ID)
	require.NoError(t, err)

	require.NoError(t, c.Heartbeat(ctx, nodeID, []string{job.ID}))

	j, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, nodeID, j.AssignedNodeID.String)
}

func TestHeartbeatReleasesJobsNotReported(t *testing.T) {
	s := newTestStore(t)
	c := newTestCoordinator(t, s)
	ctx := context.Background()
	_, ep := seedFeedAndEpisode(t, s)

	nodeID, _, err := c.Register(ctx, "node-a", "", "", 1)
	require.NoError(t, err)

	job, err := s.Enqueue(ctx, uuid.New().String(), ep.ID, store.JobKindTranscribe, 10, 3)
	require.NoError(t, err)
	_, err = s.ClaimRemote(ctx, store.JobKindTranscribe, nodeID)
	require.NoError(t, err)

	// Node restarted and lost its prefetch state: reports nothing held.
	require.NoError(t, c.Heartbeat(ctx, nodeID, nil))

	j, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusQueued, j.Status)
	assert.False(t, j.AssignedNodeID.Valid)
}

func TestClaimNeverAssignsLocalOnlyKinds(t *testing.T) {
	s := newTestStore(t)
	c := newTestCoordinator(t, s)
	ctx := context.Background()
	_, ep := seedFeedAndEpisode(t, s)

	nodeID, _, err := c.Register(ctx, "node-a", "", "", 1)
	require.NoError(t, err)

	_, err = s.Enqueue(ctx, uuid.New().String(), ep.ID, store.JobKindDownload, 1, 3)
	require.NoError(t, err)

	job, err := c.Claim(ctx, nodeID, store.JobKindDownload)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestCompleteFinalizesEpisodeAndEnqueuesEmbed(t *testing.T) {
	s := newTestStore(t)
	c := newTestCoordinator(t, s)
	ctx := context.Background()
	_, ep := seedFeedAndEpisode(t, s)

	nodeID, _, err := c.Register(ctx, "node-a", "", "", 1)
	require.NoError(t, err)

	_, err = s.Enqueue(ctx, uuid.New().String(), ep.ID, store.JobKindTranscribe, 10, 3)
	require.NoError(t, err)
	job, err := s.ClaimRemote(ctx, store.JobKindTranscribe, nodeID)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, c.Complete(ctx, job.ID, nodeID, "hello world", "local-whisper", "large-v3"))

	updated, err := s.GetEpisode(ctx, ep.ID)
	require.NoError(t, err)
	assert.Equal(t, store.EpisodeStatusCompleted, updated.Status)
	assert.True(t, updated.TranscriptPath.Valid)

	completedJob, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusCompleted, completedJob.Status)

	embedCount, err := s.CountQueuedByKind(ctx, store.JobKindEmbed)
	require.NoError(t, err)
	assert.Equal(t, 1, embedCount)
}

func TestCompleteRejectsWrongNode(t *testing.T) {
	s := newTestStore(t)
	c := newTestCoordinator(t, s)
	ctx := context.Background()
	_, ep := seedFeedAndEpisode(t, s)

	nodeA, _, err := c.Register(ctx, "node-a", "", "", 1)
	require.NoError(t, err)

	_, err = s.Enqueue(ctx, uuid.New().String(), ep.ID, store.JobKindTranscribe, 10, 3)
	require.NoError(t, err)
	job, err := s.ClaimRemote(ctx, store.JobKindTranscribe, nodeA)
	require.NoError(t, err)

	err = c.Complete(ctx, job.ID, "some-other-node", "x", "local-whisper", "large-v3")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestRequestTerminationReleasesJobsAndDeletesNode(t *testing.T) {
	s := newTestStore(t)
	c := newTestCoordinator(t, s)
	ctx := context.Background()
	_, ep := seedFeedAndEpisode(t, s)

	nodeID, _, err := c.Register(ctx, "node-a", "", "", 1)
	require.NoError(t, err)

	_, err = s.Enqueue(ctx, uuid.New().String(), ep.ID, store.JobKindTranscribe, 10, 3)
	require.NoError(t, err)
	job, err := s.ClaimRemote(ctx, store.JobKindTranscribe, nodeID)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, c.RequestTermination(ctx, nodeID))

	j, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusQueued, j.Status)

	_, err = s.GetNode(ctx, nodeID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestClaimYieldsToHigherPriorityIdleNode(t *testing.T) {
	s := newTestStore(t)
	c := newTestCoordinator(t, s)
	ctx := context.Background()
	_, ep := seedFeedAndEpisode(t, s)

	fastNode, _, err := c.Register(ctx, "fast-gpu", "whisper", "", 1)
	require.NoError(t, err)
	slowNode, _, err := c.Register(ctx, "slow-gpu", "whisper", "", 10)
	require.NoError(t, err)
	require.NoError(t, s.SetNodeStatus(ctx, fastNode, store.NodeStatusOnline))
	require.NoError(t, s.SetNodeStatus(ctx, slowNode, store.NodeStatusOnline))

	_, err = s.Enqueue(ctx, uuid.New().String(), ep.ID, store.JobKindTranscribe, 10, 3)
	require.NoError(t, err)

	// The slow node yields while the fast one is idle.
	job, err := c.Claim(ctx, slowNode, store.JobKindTranscribe)
	require.NoError(t, err)
	assert.Nil(t, job)

	// Once the fast node is busy, the slow one may claim.
	require.NoError(t, s.SetNodeStatus(ctx, fastNode, store.NodeStatusBusy))
	job, err = c.Claim(ctx, slowNode, store.JobKindTranscribe)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, slowNode, job.AssignedNodeID.String)
}

func TestFailMarksEpisodeFailedOnFinalAttempt(t *testing.T) {
	s := newTestStore(t)
	c := newTestCoordinator(t, s)
	ctx := context.Background()
	_, ep := seedFeedAndEpisode(t, s)

	nodeID, _, err := c.Register(ctx, "node-a", "", "", 1)
	require.NoError(t, err)

	_, err = s.Enqueue(ctx, uuid.New().String(), ep.ID, store.JobKindTranscribe, 10, 1)
	require.NoError(t, err)
	job, err := s.ClaimRemote(ctx, store.JobKindTranscribe, nodeID)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, c.Fail(ctx, job.ID, nodeID, store.ReasonTranscribeFailed, "backend crashed"))

	j, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusFailed, j.Status)

	updated, err := s.GetEpisode(ctx, ep.ID)
	require.NoError(t, err)
	assert.Equal(t, store.EpisodeStatusFailed, updated.Status)
}

func TestClaimTieBreaksByEarliestHeartbeat(t *testing.T) {
	s := newTestStore(t)
	c := newTestCoordinator(t, s)
	ctx := context.Background()
	_, ep := seedFeedAndEpisode(t, s)

	first, _, err := c.Register(ctx, "gpu-a", "whisper", "", 5)
	require.NoError(t, err)
	second, _, err := c.Register(ctx, "gpu-b", "whisper", "", 5)
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, s.FlushHeartbeats(ctx, map[string]time.Time{
		first:  now.Add(-time.Minute),
		second: now,
	}))
	require.NoError(t, s.SetNodeStatus(ctx, first, store.NodeStatusOnline))
	require.NoError(t, s.SetNodeStatus(ctx, second, store.NodeStatusOnline))

	_, err = s.Enqueue(ctx, uuid.New().String(), ep.ID, store.JobKindTranscribe, 10, 3)
	require.NoError(t, err)

	// Equal priority: the node with the later heartbeat yields to the
	// earlier one.
	job, err := c.Claim(ctx, second, store.JobKindTranscribe)
	require.NoError(t, err)
	assert.Nil(t, job)

	job, err = c.Claim(ctx, first, store.JobKindTranscribe)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, first, job.AssignedNodeID.String)
}
