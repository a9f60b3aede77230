// Package feedparser implements the feed-fetching collaborator the
// discovery driver and the Download handler call into: HTTP HEAD
// validation, RSS 2.0 + iTunes + Podcasting-2.0 XML decoding, and item
// lookup for the audio-URL-refresh path.
package feedparser

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"forgecast/internal/discovery"
	"forgecast/internal/store"

	"github.com/go-resty/resty/v2"
)

type rssDocument struct {
	XMLName xml.Name   `xml:"rss"`
	Channel rssChannel `xml:"channel"`
}

// Struct tags with a namespace URI before the space only match elements
// declared under that exact xmlns (the standard way feeds bind
// itunes:/podcast: prefixes); plain tags match by local name regardless
// of namespace, so the bare fallback fields also catch the prefixed
// element unless the namespaced field is declared first and wins.
type rssChannel struct {
	Title        string       `xml:"title"`
	Link         string       `xml:"link"`
	ITunesAuthor string       `xml:"http://www.itunes.com/dtds/podcast-1.0.dtd author"`
	BareAuthor   string       `xml:"author"`
	Category     rssITunesCat `xml:"http://www.itunes.com/dtds/podcast-1.0.dtd category"`
	BareCategory string       `xml:"category"`
	Items        []rssItem    `xml:"item"`
}

type rssITunesCat struct {
	Text string `xml:"text,attr"`
}

type rssItem struct {
	Title          string         `xml:"title"`
	GUID           rssGUID        `xml:"guid"`
	PubDate        string         `xml:"pubDate"`
	Enclosure      rssEnclosure   `xml:"enclosure"`
	ITunesDuration string         `xml:"http://www.itunes.com/dtds/podcast-1.0.dtd duration"`
	Transcript     *rssTranscript `xml:"https://podcastindex.org/namespace/1.0 transcript"`
}

type rssGUID struct {
	Value string `xml:",chardata"`
}

type rssEnclosure struct {
	URL string `xml:"url,attr"`
}

type rssTranscript struct {
	URL  string `xml:"url,attr"`
	Type string `xml:"type,attr"`
}

// Client wraps a resty client for feed fetch/validate/parse.
type Client struct {
	http *resty.Client
}

// New builds a feed-fetching Client. client should already carry the
// shared timeout/retry policy (see internal/httpclient).
func New(client *resty.Client) *Client {
	return &Client{http: client}
}

// FetchAndParse implements discovery.FeedParser: HEAD to validate
// reachability, then GET and decode the RSS body.
func (c *Client) FetchAndParse(ctx context.Context, url string) (*discovery.ParsedFeed, error) {
	headResp, err := c.http.R().SetContext(ctx).Head(url)
	if err != nil {
		return nil, fmt.Errorf("validate feed url: %w", err)
	}
	if headResp.IsError() && headResp.StatusCode() != http.StatusMethodNotAllowed {
		return nil, fmt.Errorf("validate feed url: status %d", headResp.StatusCode())
	}

	resp, err := c.http.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch feed: status %d", resp.StatusCode())
	}

	doc, err := decodeRSS(resp.Body())
	if err != nil {
		return nil, fmt.Errorf("parse feed xml: %w", err)
	}

	return toParsedFeed(doc), nil
}

// ResolveAudioURL implements worker.FeedResolver: re-fetches the feed and
// returns the matching item's current enclosure URL, since premium feeds
// rotate signed URLs between discovery and download.
func (c *Client) ResolveAudioURL(ctx context.Context, feed *store.Feed, episodeGUID string) (string, error) {
	resp, err := c.http.R().SetContext(ctx).Get(feed.URL)
	if err != nil {
		return "", fmt.Errorf("refetch feed: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("refetch feed: status %d", resp.StatusCode())
	}
	doc, err := decodeRSS(resp.Body())
	if err != nil {
		return "", fmt.Errorf("parse refetched feed: %w", err)
	}
	for _, item := range doc.Channel.Items {
		if item.GUID.Value == episodeGUID {
			return item.Enclosure.URL, nil
		}
	}
	return "", fmt.Errorf("episode %s no longer present in feed", episodeGUID)
}

func decodeRSS(body []byte) (*rssDocument, error) {
	var doc rssDocument
	if err := xml.NewDecoder(strings.NewReader(string(body))).Decode(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func toParsedFeed(doc *rssDocument) *discovery.ParsedFeed {
	author := doc.Channel.ITunesAuthor
	if author == "" {
		author = doc.Channel.BareAuthor
	}
	category := doc.Channel.Category.Text
	if category == "" {
		category = doc.Channel.BareCategory
	}

	pf := &discovery.ParsedFeed{
		OriginalTitle: doc.Channel.Title,
		Author:        author,
		SiteLink:      doc.Channel.Link,
		CategoryTags:  category,
	}
	for _, item := range doc.Channel.Items {
		fi := discovery.FeedItem{
			GUID:            item.GUID.Value,
			Title:           item.Title,
			AudioURL:        item.Enclosure.URL,
			PublishedAt:     parsePubDate(item.PubDate),
			DurationSeconds: parseITunesDuration(item.ITunesDuration),
		}
		if item.Transcript != nil {
			fi.TranscriptURL = item.Transcript.URL
			fi.TranscriptMIME = item.Transcript.Type
		}
		pf.Items = append(pf.Items, fi)
	}
	return pf
}

var pubDateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02T15:04:05Z07:00",
}

func parsePubDate(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	for _, layout := range pubDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}

// parseITunesDuration accepts either a bare second count or HH:MM:SS /
// MM:SS, both seen in the wild for <itunes:duration>.
func parseITunesDuration(raw string) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return secs
	}
	parts := strings.Split(raw, ":")
	total := 0
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0
		}
		total = total*60 + n
	}
	return total
}

var _ discovery.FeedParser = (*Client)(nil)
