package worker

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"forgecast/internal/episode"
	"forgecast/internal/storagefs"
	"forgecast/internal/store"
	"forgecast/internal/transcript"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEpisodeJobs backs both the handler's store surface and the episode
// state machine, recording every transition.
type fakeEpisodeJobs struct {
	episode *store.Episode
	feed    *store.Feed

	status        string
	nextRetryAt   *time.Time
	failureReason *string

	completedPath   string
	completedSource string
	completedModel  string

	enqueuedKinds []string
	ftsIndexed    bool
}

func (f *fakeEpisodeJobs) GetEpisode(ctx context.Context, id string) (*store.Episode, error) {
	return f.episode, nil
}

func (f *fakeEpisodeJobs) GetFeed(ctx context.Context, id string) (*store.Feed, error) {
	return f.feed, nil
}

func (f *fakeEpisodeJobs) Enqueue(ctx context.Context, id, episodeID, kind string, priority, maxAttempts int) (*store.Job, error) {
	f.enqueuedKinds = append(f.enqueuedKinds, kind)
	return &store.Job{ID: id, EpisodeID: episodeID, Kind: kind}, nil
}

func (f *fakeEpisodeJobs) IndexEpisodeFTS(ctx context.Context, episodeID, title, transcriptText string) error {
	f.ftsIndexed = true
	return nil
}

func (f *fakeEpisodeJobs) UpdateEpisodeStatus(ctx context.Context, id, status string, nextRetryAt *time.Time, failureReason *string) error {
	f.status = status
	f.nextRetryAt = nextRetryAt
	f.failureReason = failureReason
	return nil
}

func (f *fakeEpisodeJobs) CompleteEpisodeTranscript(ctx context.Context, id, transcriptPath, source, model string) error {
	f.status = store.EpisodeStatusCompleted
	f.completedPath = transcriptPath
	f.completedSource = source
	f.completedModel = model
	return nil
}

func (f *fakeEpisodeJobs) SetEpisodeAudioPath(ctx context.Context, id, audioPath string) error {
	return nil
}

func (f *fakeEpisodeJobs) ClearEpisodeAudio(ctx context.Context, id string) error {
	return nil
}

// stubProvider returns a fixed outcome, standing in for the HTTP-backed
// providers.
type stubProvider struct {
	applies bool
	outcome transcript.Outcome
}

func (p *stubProvider) CanProvide(ep *store.Episode, feed *store.Feed) bool { return p.applies }

func (p *stubProvider) Fetch(ctx context.Context, ep *store.Episode, feed *store.Feed) (transcript.Outcome, error) {
	return p.outcome, nil
}

func newTranscriptDownloadFixture(t *testing.T, publishedAgo time.Duration, provider transcript.Provider) (*TranscriptDownloadHandler, *fakeEpisodeJobs) {
	t.Helper()
	fs := &fakeEpisodeJobs{
		feed: &store.Feed{ID: "f1", Slug: "my-show"},
		episode: &store.Episode{
			ID:     "ep1",
			FeedID: "f1",
			Title:  "Episode One",
			Status: store.EpisodeStatusNew,
			PublishedAt: sql.NullTime{
				Time:  time.Now().UTC().Add(-publishedAgo),
				Valid: true,
			},
		},
	}

	dir := t.TempDir()
	h := &TranscriptDownloadHandler{
		Store:       fs,
		Chain:       transcript.NewChain(provider),
		Machine:     episode.New(fs, episode.Policy{UnavailableAgeDays: 14, RetryDays: 14}),
		Layout:      storagefs.New(dir, filepath.Join(dir, "tmp")),
		NewID:       func() string { return "new-id" },
		MaxAttempts: 3,
	}
	return h, fs
}

func TestTranscriptDownloadFoundCompletesAndEnqueuesEmbed(t *testing.T) {
	provider := &stubProvider{applies: true, outcome: transcript.Outcome{
		Kind:      transcript.OutcomeFound,
		Content:   "WEBVTT\n\ntranscript body",
		SourceTag: "podcast2.0:vtt",
	}}
	h, fs := newTranscriptDownloadFixture(t, 2*24*time.Hour, provider)

	err := h.Handle(context.Background(), &store.Job{ID: "j1", EpisodeID: "ep1"})
	require.NoError(t, err)

	assert.Equal(t, store.EpisodeStatusCompleted, fs.status)
	assert.Equal(t, "podcast2.0:vtt", fs.completedSource)
	assert.Equal(t, []string{store.JobKindEmbed}, fs.enqueuedKinds)
	assert.True(t, fs.ftsIndexed)

	content, err := os.ReadFile(fs.completedPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "transcript body")
}

func TestTranscriptDownloadNoProviderKeepsFreshEpisodeWaiting(t *testing.T) {
	// No provider applies (no publisher URL, no cached third-party URL)
	// and the episode is two days old: it waits rather than giving up.
	h, fs := newTranscriptDownloadFixture(t, 2*24*time.Hour, &stubProvider{applies: false})

	err := h.Handle(context.Background(), &store.Job{ID: "j1", EpisodeID: "ep1"})
	require.NoError(t, err)

	assert.Equal(t, store.EpisodeStatusAwaitingTranscript, fs.status)
	require.NotNil(t, fs.nextRetryAt)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), *fs.nextRetryAt, 5*time.Second)
	assert.Empty(t, fs.enqueuedKinds)
}

func TestTranscriptDownloadNoProviderAgesOutOldEpisode(t *testing.T) {
	h, fs := newTranscriptDownloadFixture(t, 30*24*time.Hour, &stubProvider{applies: false})

	err := h.Handle(context.Background(), &store.Job{ID: "j1", EpisodeID: "ep1"})
	require.NoError(t, err)

	assert.Equal(t, store.EpisodeStatusNeedsAudio, fs.status)
	assert.Nil(t, fs.nextRetryAt)
}

func TestTranscriptDownloadSoftErrorAppliesRetryPolicy(t *testing.T) {
	provider := &stubProvider{applies: true, outcome: transcript.Outcome{
		Kind:          transcript.OutcomeTemporaryError,
		TemporaryKind: transcript.TemporaryErrorForbidden,
	}}
	h, fs := newTranscriptDownloadFixture(t, 2*24*time.Hour, provider)

	err := h.Handle(context.Background(), &store.Job{ID: "j1", EpisodeID: "ep1"})
	require.NoError(t, err)

	assert.Equal(t, store.EpisodeStatusAwaitingTranscript, fs.status)
	require.NotNil(t, fs.failureReason)
	assert.Equal(t, string(store.ReasonTranscriptForbidden), *fs.failureReason)
}
