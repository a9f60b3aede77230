// Package discovery implements the feed discovery driver: add/
// refresh orchestration, dedup-by-guid episode insertion, Pocket-Casts
// feed-scope enrichment, and the reference-counted pause hook around the
// transcript-download pool.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"forgecast/internal/store"
	"forgecast/internal/storagefs"
	"forgecast/internal/worker"
)

// Store is the subset of *store.Store the driver needs.
type Store interface {
	CreateFeed(ctx context.Context, f *store.Feed) error
	GetFeed(ctx context.Context, id string) (*store.Feed, error)
	GetFeedByURL(ctx context.Context, url string) (*store.Feed, error)
	ListFeeds(ctx context.Context) ([]*store.Feed, error)
	RefreshFeedMeta(ctx context.Context, id, originalTitle, author, siteLink, categoryTags string) error
	CacheITunesID(ctx context.Context, id, itunesID string) error
	CachePocketCastsShowUUID(ctx context.Context, id, showUUID string) error

	GetEpisodeByGUID(ctx context.Context, feedID, guid string) (*store.Episode, error)
	CreateEpisode(ctx context.Context, e *store.Episode) error
	ListEpisodesMissingPodcastingTranscript(ctx context.Context, feedID string) ([]*store.Episode, error)
	SetEpisodePocketCastsTranscriptURL(ctx context.Context, id, url string) error

	Enqueue(ctx context.Context, id, episodeID, kind string, priority, maxAttempts int) (*store.Job, error)
}

// FeedItem is one entry found while parsing a feed, already normalized
// out of whatever RSS/Podcasting-2.0 XML shape the source used.
type FeedItem struct {
	GUID            string
	Title           string
	AudioURL        string
	TranscriptURL   string
	TranscriptMIME  string
	PublishedAt     time.Time
	DurationSeconds int
}

// ParsedFeed is the normalized result of fetching and parsing a feed URL.
type ParsedFeed struct {
	OriginalTitle string
	Author        string
	SiteLink      string
	CategoryTags  string
	Items         []FeedItem
}

// FeedParser validates (HTTP HEAD) and parses (XML) a feed URL — the
// pluggable collaborator boundary between the driver and whatever
// actually speaks RSS/Podcasting-2.0.
type FeedParser interface {
	FetchAndParse(ctx context.Context, url string) (*ParsedFeed, error)
}

// AppleResolver resolves an Apple-podcasts URL to the feed's actual RSS
// URL and iTunes id.
type AppleResolver interface {
	ResolveToRSS(ctx context.Context, appleURL string) (rssURL, itunesID string, err error)
}

// PocketCastsLookup implements the feed-scope enrichment step: resolving
// a show's external id, then matching individual episodes.
type PocketCastsLookup interface {
	LookupShowUUID(ctx context.Context, feedURL string) (string, error)
	MatchEpisodeTranscript(ctx context.Context, showUUID, title string, publishedAt time.Time) (url string, ok bool, err error)
}

// IDGenerator produces ids for new feeds, episodes, and jobs.
type IDGenerator func() string

// Driver orchestrates feed add/refresh.
type Driver struct {
	Store       Store
	Parser      FeedParser
	Apple       AppleResolver     // optional; nil if no Apple URL ever needs resolving
	PocketCasts PocketCastsLookup // optional; nil disables enrichment
	Layout      *storagefs.Layout
	Pause       *worker.PausePool
	NewID       IDGenerator
	MaxAttempts int
}

func isApplePodcastsURL(url string) bool {
	return strings.Contains(url, "podcasts.apple.com")
}

// AddFeed resolves (if needed), validates, and stores a new feed, then
// runs an immediate refresh to pull its current episodes.
func (d *Driver) AddFeed(ctx context.Context, inputURL string) (*store.Feed, error) {
	feedURL := inputURL
	var itunesID string

	if isApplePodcastsURL(inputURL) {
		if d.Apple == nil {
			return nil, fmt.Errorf("apple-podcasts url given but no resolver configured")
		}
		rssURL, id, err := d.Apple.ResolveToRSS(ctx, inputURL)
		if err != nil {
			return nil, fmt.Errorf("resolve apple podcasts url: %w", err)
		}
		feedURL, itunesID = rssURL, id
	}

	if existing, err := d.Store.GetFeedByURL(ctx, feedURL); err == nil {
		return existing, nil
	} else if err != store.ErrNotFound {
		return nil, fmt.Errorf("check existing feed: %w", err)
	}

	parsed, err := d.Parser.FetchAndParse(ctx, feedURL)
	if err != nil {
		return nil, fmt.Errorf("fetch and validate feed: %w", err)
	}

	feed := &store.Feed{
		ID:            d.NewID(),
		URL:           feedURL,
		OriginalTitle: parsed.OriginalTitle,
		Author:        parsed.Author,
		SiteLink:      parsed.SiteLink,
		CategoryTags:  parsed.CategoryTags,
		Slug:          storagefs.SanitizeTitle(parsed.OriginalTitle),
	}
	if itunesID != "" {
		feed.ITunesID.String, feed.ITunesID.Valid = itunesID, true
	}
	if err := d.Store.CreateFeed(ctx, feed); err != nil {
		return nil, fmt.Errorf("create feed: %w", err)
	}
	if d.Layout != nil {
		if err := d.Layout.EnsureFeedDirs(feed.Slug); err != nil {
			return nil, fmt.Errorf("ensure feed dirs: %w", err)
		}
	}

	if d.Pause != nil {
		d.Pause.Acquire()
		defer d.Pause.Release()
	}
	if err := d.ingest(ctx, feed, parsed); err != nil {
		return nil, err
	}
	if d.PocketCasts != nil {
		d.enrichPocketCasts(ctx, feed)
	}
	return feed, nil
}

// Refresh re-fetches a known feed, updates its metadata, ingests any new
// episodes, and runs Pocket-Casts enrichment.
func (d *Driver) Refresh(ctx context.Context, feedID string) error {
	feed, err := d.Store.GetFeed(ctx, feedID)
	if err != nil {
		return fmt.Errorf("load feed: %w", err)
	}

	if d.Pause != nil {
		d.Pause.Acquire()
		defer d.Pause.Release()
	}

	parsed, err := d.Parser.FetchAndParse(ctx, feed.URL)
	if err != nil {
		return fmt.Errorf("fetch and validate feed: %w", err)
	}

	if err := d.Store.RefreshFeedMeta(ctx, feed.ID, parsed.OriginalTitle, parsed.Author, parsed.SiteLink, parsed.CategoryTags); err != nil {
		return fmt.Errorf("refresh feed meta: %w", err)
	}

	if err := d.ingest(ctx, feed, parsed); err != nil {
		return err
	}

	if d.PocketCasts != nil {
		d.enrichPocketCasts(ctx, feed)
	}
	return nil
}

// ingest inserts new episodes (deduped by guid) and enqueues a
// TranscriptDownload per new episode at top priority.
func (d *Driver) ingest(ctx context.Context, feed *store.Feed, parsed *ParsedFeed) error {
	for _, item := range parsed.Items {
		if _, err := d.Store.GetEpisodeByGUID(ctx, feed.ID, item.GUID); err == nil {
			continue // already known
		} else if err != store.ErrNotFound {
			return fmt.Errorf("check existing episode: %w", err)
		}

		ep := &store.Episode{
			ID:              d.NewID(),
			FeedID:          feed.ID,
			GUID:            item.GUID,
			Title:           item.Title,
			AudioURL:        item.AudioURL,
			DurationSeconds: item.DurationSeconds,
			Status:          store.EpisodeStatusNew,
		}
		if !item.PublishedAt.IsZero() {
			ep.PublishedAt.Time, ep.PublishedAt.Valid = item.PublishedAt, true
		}
		if item.TranscriptURL != "" {
			ep.TranscriptURL.String, ep.TranscriptURL.Valid = item.TranscriptURL, true
			ep.TranscriptMIME.String, ep.TranscriptMIME.Valid = item.TranscriptMIME, true
		}
		if err := d.Store.CreateEpisode(ctx, ep); err != nil {
			return fmt.Errorf("create episode: %w", err)
		}

		if _, err := d.Store.Enqueue(ctx, d.NewID(), ep.ID, store.JobKindTranscriptDownload, 1, d.MaxAttempts); err != nil {
			return fmt.Errorf("enqueue transcript download: %w", err)
		}
	}
	return nil
}

// enrichPocketCasts resolves (and caches) the show's external id, then
// matches individual episodes by normalized-title
// similarity within a 24h publish window. Best-effort: failures are
// logged, never bubble up and fail the whole refresh.
func (d *Driver) enrichPocketCasts(ctx context.Context, feed *store.Feed) {
	showUUID := feed.PocketCastsShowUUID.String
	if showUUID == "" {
		uuid, err := d.PocketCasts.LookupShowUUID(ctx, feed.URL)
		if err != nil || uuid == "" {
			if err != nil {
				slog.Warn("discovery: pocketcasts show lookup failed", "feed_id", feed.ID, "error", err)
			}
			return
		}
		if err := d.Store.CachePocketCastsShowUUID(ctx, feed.ID, uuid); err != nil {
			slog.Warn("discovery: cache show uuid failed", "feed_id", feed.ID, "error", err)
		}
		showUUID = uuid
	}

	candidates, err := d.Store.ListEpisodesMissingPodcastingTranscript(ctx, feed.ID)
	if err != nil {
		slog.Warn("discovery: list enrichment candidates failed", "feed_id", feed.ID, "error", err)
		return
	}

	for _, ep := range candidates {
		publishedAt := time.Now().UTC()
		if ep.PublishedAt.Valid {
			publishedAt = ep.PublishedAt.Time
		}
		url, ok, err := d.PocketCasts.MatchEpisodeTranscript(ctx, showUUID, ep.Title, publishedAt)
		if err != nil {
			slog.Warn("discovery: pocketcasts match failed", "episode_id", ep.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		if err := d.Store.SetEpisodePocketCastsTranscriptURL(ctx, ep.ID, url); err != nil {
			slog.Warn("discovery: set pocketcasts transcript url failed", "episode_id", ep.ID, "error", err)
		}
	}
}

// PollAll refreshes every known feed, used by the server's periodic
// discovery loop (FEED_POLL_INTERVAL_SECONDS).
func (d *Driver) PollAll(ctx context.Context) {
	feeds, err := d.Store.ListFeeds(ctx)
	if err != nil {
		slog.Error("discovery: list feeds for poll failed", "error", err)
		return
	}
	for _, f := range feeds {
		if err := d.Refresh(ctx, f.ID); err != nil {
			slog.Error("discovery: refresh failed", "feed_id", f.ID, "error", err)
		}
	}
}
