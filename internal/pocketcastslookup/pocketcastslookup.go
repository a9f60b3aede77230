// Package pocketcastslookup implements discovery.PocketCastsLookup: the
// feed-scope enrichment step that resolves a show's PocketCasts id and
// then matches individual episodes to a cached transcript URL by
// normalized-title similarity plus a published_at window. This package
// talks to the public discover/search API the same way
// internal/applelookup talks to Apple's.
package pocketcastslookup

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"forgecast/internal/discovery"

	"github.com/go-resty/resty/v2"
)

const matchWindow = 24 * time.Hour

// Client resolves PocketCasts show/episode metadata via its public
// discover and episode-search endpoints.
type Client struct {
	http    *resty.Client
	baseURL string
}

// New builds a Client. client should already carry the shared
// timeout/retry policy (see internal/httpclient).
func New(client *resty.Client) *Client {
	return &Client{http: client, baseURL: "https://api.pocketcasts.com"}
}

type searchResponse struct {
	Podcasts []struct {
		UUID  string `json:"uuid"`
		Title string `json:"title"`
	} `json:"podcasts"`
}

// LookupShowUUID resolves feedURL to its PocketCasts show uuid via the
// discover search endpoint, matching on feed URL.
func (c *Client) LookupShowUUID(ctx context.Context, feedURL string) (string, error) {
	var result searchResponse
	resp, err := c.http.R().SetContext(ctx).
		SetQueryParam("q", feedURL).
		SetResult(&result).
		Get(c.baseURL + "/discover/search")
	if err != nil {
		return "", fmt.Errorf("pocketcastslookup: search request failed: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("pocketcastslookup: search status %d", resp.StatusCode())
	}
	if len(result.Podcasts) == 0 || result.Podcasts[0].UUID == "" {
		return "", fmt.Errorf("pocketcastslookup: no show found for %q", feedURL)
	}
	return result.Podcasts[0].UUID, nil
}

type episodeSearchResponse struct {
	Episodes []struct {
		Title         string `json:"title"`
		PublishedAt   string `json:"published"`
		TranscriptURL string `json:"transcript_url"`
	} `json:"episodes"`
}

// MatchEpisodeTranscript lists the show's episodes and matches title by
// normalized similarity, accepting only a candidate whose published_at
// falls within matchWindow of publishedAt.
func (c *Client) MatchEpisodeTranscript(ctx context.Context, showUUID, title string, publishedAt time.Time) (string, bool, error) {
	var result episodeSearchResponse
	resp, err := c.http.R().SetContext(ctx).
		SetResult(&result).
		Get(c.baseURL + "/podcast/full/" + showUUID)
	if err != nil {
		return "", false, fmt.Errorf("pocketcastslookup: episode list request failed: %w", err)
	}
	if resp.IsError() {
		return "", false, fmt.Errorf("pocketcastslookup: episode list status %d", resp.StatusCode())
	}

	normalizedTitle := normalizeTitle(title)
	for _, ep := range result.Episodes {
		if ep.TranscriptURL == "" {
			continue
		}
		if normalizeTitle(ep.Title) != normalizedTitle {
			continue
		}
		epPublished, err := time.Parse(time.RFC3339, ep.PublishedAt)
		if err != nil {
			continue
		}
		if math.Abs(publishedAt.Sub(epPublished).Hours()) > matchWindow.Hours() {
			continue
		}
		return ep.TranscriptURL, true, nil
	}
	return "", false, nil
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// normalizeTitle lowercases and collapses runs of non-alphanumerics so
// minor punctuation/whitespace differences between two platforms'
// listings of the same episode don't block a match.
func normalizeTitle(title string) string {
	lowered := strings.ToLower(strings.TrimSpace(title))
	return strings.Trim(nonAlnum.ReplaceAllString(lowered, "-"), "-")
}

var _ discovery.PocketCastsLookup = (*Client)(nil)
