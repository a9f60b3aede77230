package worker

import (
	"context"
	"fmt"
	"time"

	"forgecast/internal/episode"
	"forgecast/internal/store"
	"forgecast/internal/storagefs"
)

// Segment is one ASR-produced span of transcript text.
type Segment struct {
	Start float64
	End   float64
	Text  string
}

// ASRBackend drives the external speech-recognition engine. The engine
// itself is out of scope; this interface is what a local handler and a
// remote node's own copy both call through. Engine names the engine
// family ("whisper" or "parakeet") recorded as the episode's
// transcript_source; ModelName names the specific checkpoint recorded
// as transcript_model.
type ASRBackend interface {
	Engine() string
	ModelName() string
	TranscribeChunk(ctx context.Context, audioPath string, chunkStart, chunkEnd time.Duration) ([]Segment, error)
}

// TranscribeHandler chunks long audio, drives the ASR backend, reports
// throttled progress, and writes the resulting transcript.
type TranscribeHandler struct {
	Store          EpisodeJobs
	Queue          Queue
	Backend        ASRBackend
	Machine        *episode.Machine
	Layout         *storagefs.Layout
	NewID          IDGenerator
	MaxAttempts    int
	ChunkThreshold time.Duration
	ChunkSize      time.Duration
	AudioDuration  func(path string) (time.Duration, error)
}

func (h *TranscribeHandler) Handle(ctx context.Context, job *store.Job) error {
	ep, err := h.Store.GetEpisode(ctx, job.EpisodeID)
	if err != nil {
		return Fail(store.ReasonUnknown, fmt.Errorf("load episode: %w", err))
	}
	feed, err := h.Store.GetFeed(ctx, ep.FeedID)
	if err != nil {
		return Fail(store.ReasonUnknown, fmt.Errorf("load feed: %w", err))
	}
	if !ep.AudioPath.Valid {
		return Fail(store.ReasonTranscribeFailed, fmt.Errorf("episode %s has no local audio", ep.ID))
	}

	if err := h.Machine.StartTranscribe(ctx, ep.ID); err != nil {
		return Fail(store.ReasonUnknown, fmt.Errorf("transition to transcribing: %w", err))
	}

	duration, err := h.AudioDuration(ep.AudioPath.String)
	if err != nil {
		return Fail(store.ReasonTranscribeFailed, fmt.Errorf("probe audio duration: %w", err))
	}

	chunks := planChunks(duration, h.ChunkThreshold, h.ChunkSize)

	var allSegments []Segment
	var lastProgress time.Time
	for i, c := range chunks {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		segs, err := h.Backend.TranscribeChunk(ctx, ep.AudioPath.String, c.start, c.end)
		if err != nil {
			return Fail(store.ReasonTranscribeFailed, fmt.Errorf("transcribe chunk %d: %w", i, err))
		}
		allSegments = append(allSegments, segs...)

		// Throttled: at most one write per 5s, plus the final 100%.
		percent := int(float64(i+1) / float64(len(chunks)) * 100)
		if percent == 100 || time.Since(lastProgress) >= 5*time.Second {
			if err := h.Queue.UpdateProgress(ctx, job.ID, percent); err != nil {
				return Fail(store.ReasonUnknown, fmt.Errorf("report progress: %w", err))
			}
			lastProgress = time.Now()
		}
	}

	content := renderTranscriptMarkdown(ep.Title, h.Backend.Engine(), h.Backend.ModelName(), allSegments)

	publishedAt := time.Now().UTC()
	if ep.PublishedAt.Valid {
		publishedAt = ep.PublishedAt.Time
	}
	path, err := h.Layout.WriteTranscript(feed.Slug, publishedAt, ep.Title, content)
	if err != nil {
		return Fail(store.ReasonTranscribeFailed, fmt.Errorf("write transcript: %w", err))
	}

	if err := h.Machine.TranscriptFound(ctx, ep.ID, path, h.Backend.Engine(), h.Backend.ModelName()); err != nil {
		return Fail(store.ReasonUnknown, fmt.Errorf("advance episode: %w", err))
	}
	if err := h.Store.IndexEpisodeFTS(ctx, ep.ID, ep.Title, content); err != nil {
		return Fail(store.ReasonUnknown, fmt.Errorf("index fts: %w", err))
	}
	if _, err := h.Store.Enqueue(ctx, h.NewID(), ep.ID, store.JobKindEmbed, 10, h.MaxAttempts); err != nil {
		return Fail(store.ReasonUnknown, fmt.Errorf("enqueue embed: %w", err))
	}
	return nil
}

type chunkWindow struct {
	start, end time.Duration
}

// planChunks splits duration into ChunkSize windows once it exceeds
// ChunkThreshold; short audio gets a single whole-file window.
func planChunks(duration, threshold, size time.Duration) []chunkWindow {
	if duration <= threshold {
		return []chunkWindow{{0, duration}}
	}
	var out []chunkWindow
	for start := time.Duration(0); start < duration; start += size {
		end := start + size
		if end > duration {
			end = duration
		}
		out = append(out, chunkWindow{start, end})
	}
	return out
}

func renderTranscriptMarkdown(title, source, model string, segments []Segment) string {
	out := fmt.Sprintf("---\ntitle: %s\nsource: %s\nmodel: %s\n---\n\n", title, source, model)
	for _, s := range segments {
		out += fmt.Sprintf("[%s] %s\n", formatTimestamp(s.Start), s.Text)
	}
	return out
}

func formatTimestamp(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second))
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

var _ Handler = (*TranscribeHandler)(nil)
