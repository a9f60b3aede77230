package transcript

import (
	"context"
	"net/http"

	"forgecast/internal/store"

	"github.com/go-resty/resty/v2"
)

// PocketCastsProvider looks up a cached third-party transcript URL
// resolved during feed enrichment (internal/discovery). Tried second, only
// when the Podcasting-2.0 URL was absent or failed.
type PocketCastsProvider struct {
	client *resty.Client
}

// NewPocketCastsProvider wraps client for PocketCasts fetches.
func NewPocketCastsProvider(client *resty.Client) *PocketCastsProvider {
	return &PocketCastsProvider{client: client}
}

func (p *PocketCastsProvider) CanProvide(episode *store.Episode, feed *store.Feed) bool {
	return episode.PocketCastsTranscriptURL.Valid && episode.PocketCastsTranscriptURL.String != ""
}

func (p *PocketCastsProvider) Fetch(ctx context.Context, episode *store.Episode, feed *store.Feed) (Outcome, error) {
	resp, err := p.client.R().SetContext(ctx).Get(episode.PocketCastsTranscriptURL.String)
	if err != nil {
		return Outcome{Kind: OutcomeTemporaryError, TemporaryKind: TemporaryErrorRequestFailed}, nil
	}

	switch {
	case resp.StatusCode() == http.StatusForbidden:
		return Outcome{Kind: OutcomeTemporaryError, TemporaryKind: TemporaryErrorForbidden}, nil
	case resp.StatusCode() == http.StatusNotFound:
		return Outcome{Kind: OutcomeTemporaryError, TemporaryKind: TemporaryErrorNotFound}, nil
	case resp.StatusCode() >= 400:
		return Outcome{Kind: OutcomeTemporaryError, TemporaryKind: TemporaryErrorRequestFailed}, nil
	}

	return Outcome{
		Kind:      OutcomeFound,
		Content:   string(resp.Body()),
		SourceTag: "pocketcasts",
	}, nil
}

var _ Provider = (*PocketCastsProvider)(nil)
