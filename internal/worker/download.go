package worker

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"forgecast/internal/episode"
	"forgecast/internal/offsite"
	"forgecast/internal/store"
	"forgecast/internal/storagefs"

	"github.com/go-resty/resty/v2"
)

// FeedResolver refreshes a premium feed's signed audio URL by re-parsing
// the feed, since such URLs can expire between discovery and download.
type FeedResolver interface {
	ResolveAudioURL(ctx context.Context, feed *store.Feed, episodeGUID string) (string, error)
}

// DownloadHandler refreshes the audio URL, streams to a temp path,
// verifies the download is non-empty, and moves it atomically into place.
type DownloadHandler struct {
	Store       EpisodeJobs
	Client      *resty.Client
	Resolver    FeedResolver
	Machine     *episode.Machine
	Layout      *storagefs.Layout
	Mirror      offsite.Mirror // optional; nil disables offsite mirroring
	NewID       IDGenerator
	MaxAttempts int
}

func (h *DownloadHandler) Handle(ctx context.Context, job *store.Job) error {
	ep, err := h.Store.GetEpisode(ctx, job.EpisodeID)
	if err != nil {
		return Fail(store.ReasonUnknown, fmt.Errorf("load episode: %w", err))
	}
	feed, err := h.Store.GetFeed(ctx, ep.FeedID)
	if err != nil {
		return Fail(store.ReasonUnknown, fmt.Errorf("load feed: %w", err))
	}

	if err := h.Machine.StartDownload(ctx, ep.ID); err != nil {
		return Fail(store.ReasonUnknown, fmt.Errorf("transition to downloading: %w", err))
	}

	audioURL := ep.AudioURL
	if h.Resolver != nil {
		if refreshed, err := h.Resolver.ResolveAudioURL(ctx, feed, ep.GUID); err == nil && refreshed != "" {
			audioURL = refreshed
		}
	}

	tmp, err := h.Layout.NewTempFile("download-*" + filepath.Ext(audioURL))
	if err != nil {
		return Fail(store.ReasonDownloadFailed, fmt.Errorf("create temp file: %w", err))
	}
	tmpPath := tmp.Name()
	tmp.Close()

	resp, err := h.Client.R().SetContext(ctx).SetOutput(tmpPath).Get(audioURL)
	if err != nil {
		return Fail(store.ReasonDownloadFailed, fmt.Errorf("download audio: %w", err))
	}
	if resp.IsError() {
		return Fail(store.ReasonDownloadFailed, fmt.Errorf("download audio: status %d", resp.StatusCode()))
	}
	if err := storagefs.CopyNonEmpty(tmpPath); err != nil {
		return Fail(store.ReasonDownloadFailed, err)
	}

	publishedAt := time.Now().UTC()
	if ep.PublishedAt.Valid {
		publishedAt = ep.PublishedAt.Time
	}
	ext := filepath.Ext(audioURL)
	if ext == "" {
		ext = ".mp3"
	}

	finalPath, err := h.Layout.MoveAudioIntoPlace(feed.Slug, tmpPath, publishedAt, ep.Title, ext)
	if err != nil {
		return Fail(store.ReasonDownloadFailed, fmt.Errorf("move audio into place: %w", err))
	}

	if err := h.Machine.DownloadSucceeded(ctx, ep.ID, finalPath); err != nil {
		return Fail(store.ReasonUnknown, fmt.Errorf("advance episode: %w", err))
	}
	if rel, err := filepath.Rel(h.Layout.StoragePath, finalPath); err == nil {
		offsite.MirrorAsync(h.Mirror, finalPath, rel)
	}

	if _, err := h.Store.Enqueue(ctx, h.NewID(), ep.ID, store.JobKindTranscribe, 10, h.MaxAttempts); err != nil {
		return Fail(store.ReasonUnknown, fmt.Errorf("enqueue transcribe: %w", err))
	}
	return nil
}

var _ Handler = (*DownloadHandler)(nil)
