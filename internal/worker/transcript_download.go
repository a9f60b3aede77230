package worker

import (
	"context"
	"fmt"
	"time"

	"forgecast/internal/episode"
	"forgecast/internal/store"
	"forgecast/internal/storagefs"
	"forgecast/internal/transcript"
)

// EpisodeJobs is the store surface the handlers need beyond the Queue
// interface: episode/feed lookups and job enqueueing for follow-on work.
type EpisodeJobs interface {
	GetEpisode(ctx context.Context, id string) (*store.Episode, error)
	GetFeed(ctx context.Context, id string) (*store.Feed, error)
	Enqueue(ctx context.Context, id, episodeID, kind string, priority, maxAttempts int) (*store.Job, error)
	IndexEpisodeFTS(ctx context.Context, episodeID, title, transcriptText string) error
}

// IDGenerator produces ids for newly enqueued follow-on jobs.
type IDGenerator func() string

// TranscriptDownloadHandler runs the provider chain, writes the result,
// or applies the episode retry policy on a soft failure.
type TranscriptDownloadHandler struct {
	Store       EpisodeJobs
	Chain       *transcript.Chain
	Machine     *episode.Machine
	Layout      *storagefs.Layout
	NewID       IDGenerator
	MaxAttempts int
}

func (h *TranscriptDownloadHandler) Handle(ctx context.Context, job *store.Job) error {
	ep, err := h.Store.GetEpisode(ctx, job.EpisodeID)
	if err != nil {
		return Fail(store.ReasonUnknown, fmt.Errorf("load episode: %w", err))
	}
	feed, err := h.Store.GetFeed(ctx, ep.FeedID)
	if err != nil {
		return Fail(store.ReasonUnknown, fmt.Errorf("load feed: %w", err))
	}

	outcome, err := h.Chain.Resolve(ctx, ep, feed)
	if err != nil {
		return Fail(store.ReasonTranscriptRequestError, err)
	}

	switch outcome.Kind {
	case transcript.OutcomeFound:
		publishedAt := time.Now().UTC()
		if ep.PublishedAt.Valid {
			publishedAt = ep.PublishedAt.Time
		}
		path, err := h.Layout.WriteTranscript(feed.Slug, publishedAt, ep.Title, outcome.Content)
		if err != nil {
			return Fail(store.ReasonUnknown, fmt.Errorf("write transcript: %w", err))
		}
		if err := h.Machine.TranscriptFound(ctx, ep.ID, path, outcome.SourceTag, ""); err != nil {
			return Fail(store.ReasonUnknown, fmt.Errorf("advance episode: %w", err))
		}
		if err := h.Store.IndexEpisodeFTS(ctx, ep.ID, ep.Title, outcome.Content); err != nil {
			return Fail(store.ReasonUnknown, fmt.Errorf("index fts: %w", err))
		}
		if _, err := h.Store.Enqueue(ctx, h.NewID(), ep.ID, store.JobKindEmbed, 10, h.MaxAttempts); err != nil {
			return Fail(store.ReasonUnknown, fmt.Errorf("enqueue embed: %w", err))
		}
		return nil

	case transcript.OutcomeTemporaryError:
		reasonStr := temporaryErrorReason(outcome.TemporaryKind)
		publishedAt := time.Now()
		if ep.PublishedAt.Valid {
			publishedAt = ep.PublishedAt.Time
		}
		if err := h.Machine.TranscriptSoftError(ctx, ep.ID, publishedAt, reasonStr); err != nil {
			return Fail(store.ReasonUnknown, fmt.Errorf("apply retry policy: %w", err))
		}
		// A soft provider failure is not a queue-level failure: the
		// episode has already been routed to awaiting_transcript or
		// needs_audio, so the job itself completes without retry.
		return nil

	default: // NotApplicable
		publishedAt := time.Now().UTC()
		if ep.PublishedAt.Valid {
			publishedAt = ep.PublishedAt.Time
		}
		if err := h.Machine.NoTranscriptSource(ctx, ep.ID, publishedAt); err != nil {
			return Fail(store.ReasonUnknown, fmt.Errorf("apply no-source policy: %w", err))
		}
		return nil
	}
}

func temporaryErrorReason(kind transcript.TemporaryErrorKind) string {
	switch kind {
	case transcript.TemporaryErrorForbidden:
		return string(store.ReasonTranscriptForbidden)
	case transcript.TemporaryErrorNotFound:
		return string(store.ReasonTranscriptNotFound)
	default:
		return string(store.ReasonTranscriptRequestError)
	}
}

var _ Handler = (*TranscriptDownloadHandler)(nil)
