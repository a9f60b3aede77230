package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), filepath.Join(dir, "test.db"), 1, 4)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedFeedAndEpisode(t *testing.T, s *Store) (*Feed, *Episode) {
	t.Helper()
	ctx := context.Background()

	// URL and slug are both unique columns, and several tests seed more
	// than one feed into the same store.
	feedID := uuid.New().String()
	feed := &Feed{
		ID:            feedID,
		URL:           "https://example.com/" + feedID + "/feed.xml",
		OriginalTitle: "Test Feed",
		Slug:          "test-feed-" + feedID,
	}
	require.NoError(t, s.CreateFeed(ctx, feed))

	ep := &Episode{
		ID:     uuid.New().String(),
		FeedID: feed.ID,
		GUID:   "episode-1",
		Title:  "Episode One",
		Status: EpisodeStatusNew,
	}
	require.NoError(t, s.CreateEpisode(ctx, ep))
	return feed, ep
}

func TestMigrateIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	s1, err := Open(context.Background(), path, 1, 2)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(context.Background(), path, 1, 2)
	require.NoError(t, err)
	defer s2.Close()

	v, err := s2.currentVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestEnqueueIsNoOpForActiveJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, ep := seedFeedAndEpisode(t, s)

	first, err := s.Enqueue(ctx, uuid.New().String(), ep.ID, JobKindTranscriptDownload, 1, 3)
	require.NoError(t, err)

	second, err := s.Enqueue(ctx, uuid.New().String(), ep.ID, JobKindTranscriptDownload, 1, 3)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)

	var count int
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE episode_id = ?`, ep.ID).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestClaimLocalIsAtomicAndOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, ep := seedFeedAndEpisode(t, s)

	lowPriority, err := s.Enqueue(ctx, uuid.New().String(), ep.ID, JobKindDownload, 10, 3)
	require.NoError(t, err)
	_ = lowPriority

	// A second episode's higher-priority job should claim first.
	_, ep2 := seedFeedAndEpisode(t, s)
	highPriority, err := s.Enqueue(ctx, uuid.New().String(), ep2.ID, JobKindDownload, 1, 3)
	require.NoError(t, err)

	claimed, err := s.ClaimLocal(ctx, JobKindDownload)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, highPriority.ID, claimed.ID)
	assert.Equal(t, JobStatusRunning, claimed.Status)
	assert.Equal(t, LocalNodeID, claimed.AssignedNodeID.String)
	assert.True(t, claimed.StartedAt.Valid)
	assert.Equal(t, 1, claimed.Attempts)
}

func TestClaimLocalReturnsNilWhenEmpty(t *testing.T) {
	s := newTestStore(t)
	claimed, err := s.ClaimLocal(context.Background(), JobKindDownload)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestClaimConcurrencyDeliversEachJobExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const numJobs = 20
	for i := 0; i < numJobs; i++ {
		_, ep := seedFeedAndEpisode(t, s)
		_, err := s.Enqueue(ctx, uuid.New().String(), ep.ID, JobKindDownload, 10, 3)
		require.NoError(t, err)
	}

	const numClaimers = 10
	results := make(chan *Job, numJobs)
	errCh := make(chan error, numClaimers)
	done := make(chan struct{})

	for i := 0; i < numClaimers; i++ {
		go func() {
			for {
				select {
				case <-done:
					return
				default:
				}
				j, err := s.ClaimLocal(ctx, JobKindDownload)
				if err != nil {
					errCh <- err
					return
				}
				if j == nil {
					return
				}
				results <- j
			}
		}()
	}

	seen := make(map[string]bool)
	for len(seen) < numJobs {
		select {
		case j := <-results:
			assert.False(t, seen[j.ID], "job %s delivered twice", j.ID)
			seen[j.ID] = true
		case err := <-errCh:
			t.Fatalf("claimer error: %v", err)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out with %d/%d jobs claimed", len(seen), numJobs)
		}
	}
	close(done)
	assert.Len(t, seen, numJobs)
}

func TestFailTransitionsToQueuedThenFailedAtMaxAttempts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, ep := seedFeedAndEpisode(t, s)

	jobID := uuid.New().String()
	_, err := s.Enqueue(ctx, jobID, ep.ID, JobKindDownload, 10, 2)
	require.NoError(t, err)

	claimed, err := s.ClaimLocal(ctx, JobKindDownload)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, s.Fail(ctx, claimed.ID, ReasonDownloadFailed, "boom"))
	j, err := s.GetJob(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusQueued, j.Status)
	assert.Equal(t, 1, j.Attempts)

	// Skip past the requeue backoff so the next claim sees the job.
	_, err = s.db.ExecContext(ctx, `UPDATE jobs SET scheduled_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-time.Minute), claimed.ID)
	require.NoError(t, err)

	claimed2, err := s.ClaimLocal(ctx, JobKindDownload)
	require.NoError(t, err)
	require.NotNil(t, claimed2)
	assert.Equal(t, 2, claimed2.Attempts)

	require.NoError(t, s.Fail(ctx, claimed2.ID, ReasonDownloadFailed, "boom again"))
	j2, err := s.GetJob(ctx, claimed2.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, j2.Status)
}

func TestCompleteIsTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, ep := seedFeedAndEpisode(t, s)

	_, err := s.Enqueue(ctx, uuid.New().String(), ep.ID, JobKindDownload, 10, 3)
	require.NoError(t, err)
	claimed, err := s.ClaimLocal(ctx, JobKindDownload)
	require.NoError(t, err)

	require.NoError(t, s.Complete(ctx, claimed.ID))
	// A second completion is a no-op, not an error: status stays completed.
	require.NoError(t, s.Complete(ctx, claimed.ID))

	j, err := s.GetJob(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusCompleted, j.Status)
	assert.False(t, j.AssignedNodeID.Valid)
}

func TestReclaimStuckUsesStartedAtNotClaimedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, ep := seedFeedAndEpisode(t, s)

	jobID := uuid.New().String()
	_, err := s.Enqueue(ctx, jobID, ep.ID, JobKindTranscribe, 10, 3)
	require.NoError(t, err)

	claimed, err := s.ClaimLocal(ctx, JobKindTranscribe)
	require.NoError(t, err)

	past := time.Now().UTC().Add(-time.Hour)
	_, err = s.db.ExecContext(ctx, `UPDATE jobs SET started_at = ? WHERE id = ?`, past, claimed.ID)
	require.NoError(t, err)

	requeued, failedCount, err := s.ReclaimStuck(ctx, time.Now().UTC().Add(-30*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, requeued)
	assert.EqualValues(t, 0, failedCount)

	j, err := s.GetJob(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusQueued, j.Status)
}

func TestReclaimStuckFailsWhenAttemptsExhausted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, ep := seedFeedAndEpisode(t, s)

	jobID := uuid.New().String()
	_, err := s.Enqueue(ctx, jobID, ep.ID, JobKindTranscribe, 10, 1)
	require.NoError(t, err)

	claimed, err := s.ClaimLocal(ctx, JobKindTranscribe)
	require.NoError(t, err)
	require.Equal(t, 1, claimed.Attempts)

	past := time.Now().UTC().Add(-time.Hour)
	_, err = s.db.ExecContext(ctx, `UPDATE jobs SET started_at = ? WHERE id = ?`, past, claimed.ID)
	require.NoError(t, err)

	_, failedCount, err := s.ReclaimStuck(ctx, time.Now().UTC().Add(-30*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, failedCount)

	j, err := s.GetJob(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, j.Status)
	assert.Equal(t, string(ReasonMaxAttemptsExceeded), j.ErrorReason.String)
}

func TestResetOnBootKeepsRemoteAssignments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, ep := seedFeedAndEpisode(t, s)

	localJobID := uuid.New().String()
	_, err := s.Enqueue(ctx, localJobID, ep.ID, JobKindDownload, 10, 3)
	require.NoError(t, err)
	localClaimed, err := s.ClaimLocal(ctx, JobKindDownload)
	require.NoError(t, err)

	_, ep2 := seedFeedAndEpisode(t, s)
	remoteJobID := uuid.New().String()
	_, err = s.Enqueue(ctx, remoteJobID, ep2.ID, JobKindTranscribe, 10, 3)
	require.NoError(t, err)
	remoteClaimed, err := s.ClaimRemote(ctx, JobKindTranscribe, "node-123")
	require.NoError(t, err)

	n, err := s.ResetOnBoot(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	lj, err := s.GetJob(ctx, localClaimed.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusQueued, lj.Status)

	rj, err := s.GetJob(ctx, remoteClaimed.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusRunning, rj.Status)
}

func TestClaimRemoteNeverAssignsDownloadOrTranscriptDownload(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, ep := seedFeedAndEpisode(t, s)

	_, err := s.Enqueue(ctx, uuid.New().String(), ep.ID, JobKindDownload, 1, 3)
	require.NoError(t, err)

	claimed, err := s.ClaimRemote(ctx, JobKindDownload, "node-1")
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestEmbeddingUpsertIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, ep := seedFeedAndEpisode(t, s)

	rec := &EmbeddingRecord{
		EpisodeID:    ep.ID,
		SegmentStart: 0,
		SegmentEnd:   1.5,
		Vector:       []float32{1, 0, 0},
		TextHash:     "abc123",
		ModelName:    "test-model",
	}
	require.NoError(t, s.UpsertEmbedding(ctx, rec))
	require.NoError(t, s.UpsertEmbedding(ctx, rec))

	all, err := s.ListEmbeddingsForEpisode(ctx, ep.ID)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestNearestNeighborsRanksBySimilarity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, ep := seedFeedAndEpisode(t, s)

	require.NoError(t, s.UpsertEmbedding(ctx, &EmbeddingRecord{
		EpisodeID: ep.ID, SegmentStart: 0, SegmentEnd: 1, Vector: []float32{1, 0}, TextHash: "a", ModelName: "m",
	}))
	require.NoError(t, s.UpsertEmbedding(ctx, &EmbeddingRecord{
		EpisodeID: ep.ID, SegmentStart: 1, SegmentEnd: 2, Vector: []float32{0, 1}, TextHash: "b", ModelName: "m",
	}))

	results, err := s.NearestNeighbors(ctx, ep.ID, []float32{1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].Embedding.TextHash)
	assert.InDelta(t, 1.0, results[0].Score, 0.001)
}

func TestUpdateProgressIsMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, ep := seedFeedAndEpisode(t, s)

	_, err := s.Enqueue(ctx, uuid.New().String(), ep.ID, JobKindTranscribe, 10, 3)
	require.NoError(t, err)
	claimed, err := s.ClaimLocal(ctx, JobKindTranscribe)
	require.NoError(t, err)

	require.NoError(t, s.UpdateProgress(ctx, claimed.ID, 40))
	require.NoError(t, s.UpdateProgress(ctx, claimed.ID, 10)) // ignored, would regress

	j, err := s.GetJob(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, j.ProgressPercent)
}

func TestFailSchedulesExponentialBackoff(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, ep := seedFeedAndEpisode(t, s)

	_, err := s.Enqueue(ctx, uuid.New().String(), ep.ID, JobKindDownload, 10, 3)
	require.NoError(t, err)
	claimed, err := s.ClaimLocal(ctx, JobKindDownload)
	require.NoError(t, err)

	before := time.Now().UTC()
	require.NoError(t, s.Fail(ctx, claimed.ID, ReasonDownloadFailed, "403"))

	j, err := s.GetJob(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusQueued, j.Status)
	assert.WithinDuration(t, before.Add(5*time.Minute), j.ScheduledAt, 10*time.Second)

	// Not claimable until the backoff elapses.
	next, err := s.ClaimLocal(ctx, JobKindDownload)
	require.NoError(t, err)
	assert.Nil(t, next)
}
