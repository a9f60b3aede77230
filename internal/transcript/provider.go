// Package transcript implements the provider-polymorphism chain that
// resolves an episode's transcript without ever touching audio: a
// Podcasting-2.0 URL fetcher first, then a PocketCasts look-up. Each
// provider wraps its own resty client and returns one of three outcomes;
// the first Found wins.
package transcript

import (
	"context"
	"strings"

	"forgecast/internal/store"
)

// OutcomeKind tags which of the three outcomes a provider returned.
type OutcomeKind int

const (
	// OutcomeNotApplicable means this provider has nothing to offer for
	// this episode (e.g. no transcript_url set); the chain tries the next.
	OutcomeNotApplicable OutcomeKind = iota
	// OutcomeFound means the transcript content was retrieved.
	OutcomeFound
	// OutcomeTemporaryError means a soft failure occurred (403/404/
	// connection error); the episode state machine applies retry policy.
	OutcomeTemporaryError
)

// TemporaryErrorKind classifies a soft failure for the retry and
// failure-reason mapping.
type TemporaryErrorKind int

const (
	TemporaryErrorForbidden TemporaryErrorKind = iota
	TemporaryErrorNotFound
	TemporaryErrorRequestFailed
)

// Outcome is the tagged sum a Provider.Fetch returns.
type Outcome struct {
	Kind          OutcomeKind
	Content       string
	SourceTag     string
	TemporaryKind TemporaryErrorKind
}

// Provider resolves a transcript for an episode without downloading audio.
type Provider interface {
	// CanProvide reports whether this provider might have a transcript
	// for the episode, before any network call is made.
	CanProvide(episode *store.Episode, feed *store.Feed) bool
	// Fetch attempts to retrieve the transcript. Only called when
	// CanProvide returned true.
	Fetch(ctx context.Context, episode *store.Episode, feed *store.Feed) (Outcome, error)
}

// Chain is the immutable, priority-ordered list of providers consulted
// for every TranscriptDownload job, built once at boot.
type Chain struct {
	providers []Provider
}

// NewChain builds a chain in the given priority order (earlier wins).
func NewChain(providers ...Provider) *Chain {
	return &Chain{providers: providers}
}

// Resolve runs the chain in order and returns the first Found outcome.
// If every applicable provider returns TemporaryError, the first such
// error is returned (callers apply retry policy against it). If no
// provider is applicable, OutcomeNotApplicable is returned.
func (c *Chain) Resolve(ctx context.Context, episode *store.Episode, feed *store.Feed) (Outcome, error) {
	var firstTemp *Outcome

	for _, p := range c.providers {
		if !p.CanProvide(episode, feed) {
			continue
		}
		outcome, err := p.Fetch(ctx, episode, feed)
		if err != nil {
			return Outcome{}, err
		}
		switch outcome.Kind {
		case OutcomeFound:
			return outcome, nil
		case OutcomeTemporaryError:
			if firstTemp == nil {
				o := outcome
				firstTemp = &o
			}
		}
	}

	if firstTemp != nil {
		return *firstTemp, nil
	}
	return Outcome{Kind: OutcomeNotApplicable}, nil
}

// MIMEToSourceTag maps a Podcasting-2.0 transcript MIME type to the
// source tag recorded on the episode.
func MIMEToSourceTag(mime string) string {
	switch {
	case strings.Contains(mime, "vtt"):
		return "podcast2.0:vtt"
	case strings.Contains(mime, "srt"):
		return "podcast2.0:srt"
	case strings.Contains(mime, "json"):
		return "podcast2.0:json"
	case strings.Contains(mime, "html"):
		return "podcast2.0:html"
	default:
		return "podcast2.0:text"
	}
}
