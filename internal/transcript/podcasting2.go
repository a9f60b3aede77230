package transcript

import (
	"context"
	"net/http"

	"forgecast/internal/store"

	"github.com/go-resty/resty/v2"
)

// Podcasting2Provider fetches the transcript at an episode's
// Podcasting-2.0 <podcast:transcript> URL. Always tried first: it's
// publisher-provided and carries no rate limits or auth of its own.
type Podcasting2Provider struct {
	client *resty.Client
}

// NewPodcasting2Provider wraps client for Podcasting-2.0 fetches.
func NewPodcasting2Provider(client *resty.Client) *Podcasting2Provider {
	return &Podcasting2Provider{client: client}
}

func (p *Podcasting2Provider) CanProvide(episode *store.Episode, feed *store.Feed) bool {
	return episode.TranscriptURL.Valid && episode.TranscriptURL.String != ""
}

func (p *Podcasting2Provider) Fetch(ctx context.Context, episode *store.Episode, feed *store.Feed) (Outcome, error) {
	resp, err := p.client.R().SetContext(ctx).Get(episode.TranscriptURL.String)
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

	mime := episode.TranscriptMIME.String
	if mime == "" {
		mime = resp.Header().Get("Content-Type")
	}

	return Outcome{
		Kind:      OutcomeFound,
		Content:   string(resp.Body()),
		SourceTag: MIMEToSourceTag(mime),
	}, nil
}

var _ Provider = (*Podcasting2Provider)(nil)
