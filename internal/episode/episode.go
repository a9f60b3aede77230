// Package episode implements the transcript-first pipeline state machine
// over episodes: transition decisions and the retry policy for soft
// transcript failures. The transitions themselves are pure functions;
// persistence is delegated to the Store interface.
package episode

import (
	"context"
	"time"

	"forgecast/internal/store"
)

// Store is the subset of store.Store that the state machine needs,
// narrowed so callers can supply a test double without pulling in sqlite.
type Store interface {
	GetEpisode(ctx context.Context, id string) (*store.Episode, error)
	UpdateEpisodeStatus(ctx context.Context, id, status string, nextRetryAt *time.Time, failureReason *string) error
	CompleteEpisodeTranscript(ctx context.Context, id, transcriptPath, source, model string) error
	SetEpisodeAudioPath(ctx context.Context, id, audioPath string) error
	ClearEpisodeAudio(ctx context.Context, id string) error
}

// Policy carries the configurable ages that drive transcript retry
// decisions.
type Policy struct {
	UnavailableAgeDays int
	RetryDays          int
}

// Machine advances episodes through the transcript-first pipeline.
type Machine struct {
	store  Store
	policy Policy
}

// New builds a state machine bound to store and policy.
func New(s Store, policy Policy) *Machine {
	return &Machine{store: s, policy: policy}
}

// TranscriptFound marks an episode completed from a resolved transcript,
// whether from a provider (TranscriptDownload) or local ASR (Transcribe).
func (m *Machine) TranscriptFound(ctx context.Context, episodeID, transcriptPath, source, model string) error {
	return m.store.CompleteEpisodeTranscript(ctx, episodeID, transcriptPath, source, model)
}

// TranscriptSoftError applies the retry policy for a soft provider
// failure (403/404/not-yet-available): episodes younger than RetryDays
// go to awaiting_transcript with a 24h retry deadline; older episodes go
// straight to needs_audio.
func (m *Machine) TranscriptSoftError(ctx context.Context, episodeID string, publishedAt time.Time, reason string) error {
	age := time.Since(publishedAt)
	retryWindow := time.Duration(m.policy.RetryDays) * 24 * time.Hour

	if age < retryWindow {
		next := time.Now().UTC().Add(24 * time.Hour)
		return m.store.UpdateEpisodeStatus(ctx, episodeID, store.EpisodeStatusAwaitingTranscript, &next, &reason)
	}
	return m.store.UpdateEpisodeStatus(ctx, episodeID, store.EpisodeStatusNeedsAudio, nil, &reason)
}

// NoTranscriptSource handles an episode no provider can serve at all (no
// publisher URL, no cached third-party URL). Young episodes wait in
// awaiting_transcript, since a later feed refresh or enrichment pass may
// still surface a source; only episodes past UnavailableAgeDays give up
// and move to needs_audio.
func (m *Machine) NoTranscriptSource(ctx context.Context, episodeID string, publishedAt time.Time) error {
	age := time.Since(publishedAt)
	window := time.Duration(m.policy.UnavailableAgeDays) * 24 * time.Hour

	if age < window {
		next := time.Now().UTC().Add(24 * time.Hour)
		reason := string(store.ReasonTranscriptNotFound)
		return m.store.UpdateEpisodeStatus(ctx, episodeID, store.EpisodeStatusAwaitingTranscript, &next, &reason)
	}
	return m.store.UpdateEpisodeStatus(ctx, episodeID, store.EpisodeStatusNeedsAudio, nil, nil)
}

// AgeOut moves an awaiting_transcript episode to needs_audio once it has
// passed UnavailableAgeDays without a transcript ever appearing, or once
// the retry scheduler finds it past its retry window with nothing
// further to try.
func (m *Machine) AgeOut(ctx context.Context, episodeID string) error {
	return m.store.UpdateEpisodeStatus(ctx, episodeID, store.EpisodeStatusNeedsAudio, nil, nil)
}

// StartDownload transitions an episode to downloading, the entry point
// for the Download job handler.
func (m *Machine) StartDownload(ctx context.Context, episodeID string) error {
	return m.store.UpdateEpisodeStatus(ctx, episodeID, store.EpisodeStatusDownloading, nil, nil)
}

// DownloadSucceeded records the audio path and moves the episode to
// audio_ready; the caller enqueues the follow-on Transcribe job.
func (m *Machine) DownloadSucceeded(ctx context.Context, episodeID, audioPath string) error {
	return m.store.SetEpisodeAudioPath(ctx, episodeID, audioPath)
}

// DownloadFailed marks an episode failed after the Download handler
// exhausts its retries.
func (m *Machine) DownloadFailed(ctx context.Context, episodeID, reason string) error {
	return m.store.UpdateEpisodeStatus(ctx, episodeID, store.EpisodeStatusFailed, nil, &reason)
}

// StartTranscribe transitions audio_ready -> transcribing (also used for
// a user-triggered re-transcription from completed).
func (m *Machine) StartTranscribe(ctx context.Context, episodeID string) error {
	return m.store.UpdateEpisodeStatus(ctx, episodeID, store.EpisodeStatusTranscribing, nil, nil)
}

// TranscribeFailed marks an episode failed after the Transcribe handler
// gives up (backend crash, exhausted retries).
func (m *Machine) TranscribeFailed(ctx context.Context, episodeID, reason string) error {
	return m.store.UpdateEpisodeStatus(ctx, episodeID, store.EpisodeStatusFailed, nil, &reason)
}

// RetryFromFailed re-enters the pipeline at downloading after a user
// explicitly retries a failed episode.
func (m *Machine) RetryFromFailed(ctx context.Context, episodeID string) error {
	return m.store.UpdateEpisodeStatus(ctx, episodeID, store.EpisodeStatusDownloading, nil, nil)
}

// DeleteAudio clears the local audio file reference. Only valid once an
// episode is completed; the store enforces that precondition in its
// WHERE clause, so this is a no-op if called early.
func (m *Machine) DeleteAudio(ctx context.Context, episodeID string) error {
	return m.store.ClearEpisodeAudio(ctx, episodeID)
}
