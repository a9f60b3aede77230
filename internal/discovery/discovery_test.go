package discovery

import (
	"context"
	"fmt"
	"testing"
	"time"

	"forgecast/internal/store"
	"forgecast/internal/worker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	feeds      map[string]*store.Feed
	feedsByURL map[string]string
	episodes   map[string]*store.Episode
	jobs       []string
	nextErr    error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		feeds:      map[string]*store.Feed{},
		feedsByURL: map[string]string{},
		episodes:   map[string]*store.Episode{},
	}
}

func (f *fakeStore) CreateFeed(ctx context.Context, feed *store.Feed) error {
	f.feeds[feed.ID] = feed
	f.feedsByURL[feed.URL] = feed.ID
	return nil
}

func (f *fakeStore) GetFeed(ctx context.Context, id string) (*store.Feed, error) {
	feed, ok := f.feeds[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return feed, nil
}

func (f *fakeStore) GetFeedByURL(ctx context.Context, url string) (*store.Feed, error) {
	id, ok := f.feedsByURL[url]
	if !ok {
		return nil, store.ErrNotFound
	}
	return f.feeds[id], nil
}

func (f *fakeStore) ListFeeds(ctx context.Context) ([]*store.Feed, error) {
	var out []*store.Feed
	for _, feed := range f.feeds {
		out = append(out, feed)
	}
	return out, nil
}

func (f *fakeStore) RefreshFeedMeta(ctx context.Context, id, originalTitle, author, siteLink, categoryTags string) error {
	feed := f.feeds[id]
	feed.OriginalTitle, feed.Author, feed.SiteLink, feed.CategoryTags = originalTitle, author, siteLink, categoryTags
	return nil
}

func (f *fakeStore) CacheITunesID(ctx context.Context, id, itunesID string) error {
	f.feeds[id].ITunesID.String, f.feeds[id].ITunesID.Valid = itunesID, true
	return nil
}

func (f *fakeStore) CachePocketCastsShowUUID(ctx context.Context, id, showUUID string) error {
	f.feeds[id].PocketCastsShowUUID.String, f.feeds[id].PocketCastsShowUUID.Valid = showUUID, true
	return nil
}

func (f *fakeStore) GetEpisodeByGUID(ctx context.Context, feedID, guid string) (*store.Episode, error) {
	for _, ep := range f.episodes {
		if ep.FeedID == feedID && ep.GUID == guid {
			return ep, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) CreateEpisode(ctx context.Context, e *store.Episode) error {
	f.episodes[e.ID] = e
	return nil
}

func (f *fakeStore) ListEpisodesMissingPodcastingTranscript(ctx context.Context, feedID string) ([]*store.Episode, error) {
	var out []*store.Episode
	for _, ep := range f.episodes {
		if ep.FeedID == feedID && !ep.TranscriptURL.Valid {
			out = append(out, ep)
		}
	}
	return out, nil
}

func (f *fakeStore) SetEpisodePocketCastsTranscriptURL(ctx context.Context, id, url string) error {
	f.episodes[id].PocketCastsTranscriptURL.String, f.episodes[id].PocketCastsTranscriptURL.Valid = url, true
	return nil
}

func (f *fakeStore) Enqueue(ctx context.Context, id, episodeID, kind string, priority, maxAttempts int) (*store.Job, error) {
	f.jobs = append(f.jobs, episodeID)
	return &store.Job{ID: id, EpisodeID: episodeID, Kind: kind}, nil
}

type fakeParser struct {
	feed *ParsedFeed
	err  error
}

func (p *fakeParser) FetchAndParse(ctx context.Context, url string) (*ParsedFeed, error) {
	return p.feed, p.err
}

type fakeApple struct {
	rssURL, itunesID string
	err              error
}

func (a *fakeApple) ResolveToRSS(ctx context.Context, appleURL string) (string, string, error) {
	return a.rssURL, a.itunesID, a.err
}

type fakePocketCasts struct {
	showUUID string
	matchURL string
	matched  bool
}

func (p *fakePocketCasts) LookupShowUUID(ctx context.Context, feedURL string) (string, error) {
	return p.showUUID, nil
}

func (p *fakePocketCasts) MatchEpisodeTranscript(ctx context.Context, showUUID, title string, publishedAt time.Time) (string, bool, error) {
	return p.matchURL, p.matched, nil
}

func newIDGen(prefix string) IDGenerator {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}

func TestAddFeedIngestsItemsAndEnqueues(t *testing.T) {
	fs := newFakeStore()
	parser := &fakeParser{feed: &ParsedFeed{
		OriginalTitle: "Show Title",
		Items: []FeedItem{
			{GUID: "guid-1", Title: "Ep 1", AudioURL: "https://a/1.mp3"},
			{GUID: "guid-2", Title: "Ep 2", AudioURL: "https://a/2.mp3"},
		},
	}}
	d := &Driver{Store: fs, Parser: parser, NewID: newIDGen("id"), MaxAttempts: 3}

	feed, err := d.AddFeed(context.Background(), "https://example.com/feed.xml")
	require.NoError(t, err)
	assert.Equal(t, "Show Title", feed.OriginalTitle)
	assert.Len(t, fs.episodes, 2)
	assert.Len(t, fs.jobs, 2)
}

func TestAddFeedDedupesExistingFeed(t *testing.T) {
	fs := newFakeStore()
	fs.feeds["existing"] = &store.Feed{ID: "existing", URL: "https://example.com/feed.xml"}
	fs.feedsByURL["https://example.com/feed.xml"] = "existing"
	parser := &fakeParser{feed: &ParsedFeed{}}
	d := &Driver{Store: fs, Parser: parser, NewID: newIDGen("id")}

	feed, err := d.AddFeed(context.Background(), "https://example.com/feed.xml")
	require.NoError(t, err)
	assert.Equal(t, "existing", feed.ID)
}

func TestAddFeedResolvesAppleURL(t *testing.T) {
	fs := newFakeStore()
	parser := &fakeParser{feed: &ParsedFeed{OriginalTitle: "Resolved Show"}}
	apple := &fakeApple{rssURL: "https://real.example.com/feed.xml", itunesID: "12345"}
	d := &Driver{Store: fs, Parser: parser, Apple: apple, NewID: newIDGen("id")}

	feed, err := d.AddFeed(context.Background(), "https://podcasts.apple.com/us/podcast/show/id12345")
	require.NoError(t, err)
	assert.Equal(t, "https://real.example.com/feed.xml", feed.URL)
	assert.Equal(t, "12345", feed.ITunesID.String)
}

func TestRefreshSkipsKnownEpisodesAndEnriches(t *testing.T) {
	fs := newFakeStore()
	fs.feeds["f1"] = &store.Feed{ID: "f1", URL: "https://example.com/feed.xml"}
	fs.feedsByURL["https://example.com/feed.xml"] = "f1"
	fs.episodes["e1"] = &store.Episode{ID: "e1", FeedID: "f1", GUID: "guid-1", Title: "Ep 1"}

	parser := &fakeParser{feed: &ParsedFeed{
		Items: []FeedItem{{GUID: "guid-1", Title: "Ep 1"}},
	}}
	pc := &fakePocketCasts{showUUID: "show-uuid", matchURL: "https://pc.example.com/t.vtt", matched: true}
	d := &Driver{Store: fs, Parser: parser, PocketCasts: pc, NewID: newIDGen("id")}

	err := d.Refresh(context.Background(), "f1")
	require.NoError(t, err)
	assert.Empty(t, fs.jobs, "no new episode, nothing enqueued")
	assert.Equal(t, "show-uuid", fs.feeds["f1"].PocketCastsShowUUID.String)
	assert.Equal(t, "https://pc.example.com/t.vtt", fs.episodes["e1"].PocketCastsTranscriptURL.String)
}

func TestRefreshAcquiresAndReleasesPause(t *testing.T) {
	fs := newFakeStore()
	fs.feeds["f1"] = &store.Feed{ID: "f1", URL: "https://example.com/feed.xml"}
	parser := &fakeParser{feed: &ParsedFeed{}}
	pause := worker.NewPausePool()
	d := &Driver{Store: fs, Parser: parser, Pause: pause, NewID: newIDGen("id")}

	require.NoError(t, d.Refresh(context.Background(), "f1"))

	done := make(chan struct{})
	go func() {
		pause.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pause pool left held after Refresh returned")
	}
}

func TestAddFeedRunsPocketCastsEnrichment(t *testing.T) {
	fs := newFakeStore()
	parser := &fakeParser{feed: &ParsedFeed{
		OriginalTitle: "Show Title",
		Items:         []FeedItem{{GUID: "guid-1", Title: "Ep 1", AudioURL: "https://a/1.mp3"}},
	}}
	pc := &fakePocketCasts{showUUID: "show-uuid", matchURL: "https://pc.example.com/t.vtt", matched: true}
	d := &Driver{Store: fs, Parser: parser, PocketCasts: pc, NewID: newIDGen("id"), MaxAttempts: 3}

	feed, err := d.AddFeed(context.Background(), "https://example.com/feed.xml")
	require.NoError(t, err)

	assert.Equal(t, "show-uuid", fs.feeds[feed.ID].PocketCastsShowUUID.String)
	for _, ep := range fs.episodes {
		assert.Equal(t, "https://pc.example.com/t.vtt", ep.PocketCastsTranscriptURL.String)
	}
}
