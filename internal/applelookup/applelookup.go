// Package applelookup implements discovery.AppleResolver: resolving an
// Apple Podcasts catalog URL to the show's actual RSS feed URL and
// iTunes id via Apple's public iTunes Lookup API.
package applelookup

import (
	"context"
	"fmt"
	"regexp"

	"forgecast/internal/discovery"

	"github.com/go-resty/resty/v2"
)

var idPattern = regexp.MustCompile(`/id(\d+)`)

// Client resolves Apple-podcasts URLs via the iTunes Lookup API.
type Client struct {
	http    *resty.Client
	baseURL string
}

// New builds a Client. client should already carry the shared
// timeout/retry policy (see internal/httpclient).
func New(client *resty.Client) *Client {
	return &Client{http: client, baseURL: "https://itunes.apple.com/lookup"}
}

type lookupResponse struct {
	ResultCount int `json:"resultCount"`
	Results     []struct {
		FeedURL string `json:"feedUrl"`
	} `json:"results"`
}

// ResolveToRSS extracts the numeric Apple id from appleURL and looks up
// its feedUrl.
func (c *Client) ResolveToRSS(ctx context.Context, appleURL string) (rssURL, itunesID string, err error) {
	m := idPattern.FindStringSubmatch(appleURL)
	if m == nil {
		return "", "", fmt.Errorf("applelookup: no podcast id found in %q", appleURL)
	}
	itunesID = m[1]

	var result lookupResponse
	resp, err := c.http.R().SetContext(ctx).
		SetQueryParams(map[string]string{"id": itunesID, "entity": "podcast"}).
		SetResult(&result).
		Get(c.baseURL)
	if err != nil {
		return "", "", fmt.Errorf("applelookup: request failed: %w", err)
	}
	if resp.IsError() {
		return "", "", fmt.Errorf("applelookup: status %d", resp.StatusCode())
	}
	if result.ResultCount == 0 || result.Results[0].FeedURL == "" {
		return "", "", fmt.Errorf("applelookup: no feed url for id %s", itunesID)
	}
	return result.Results[0].FeedURL, itunesID, nil
}

var _ discovery.AppleResolver = (*Client)(nil)
