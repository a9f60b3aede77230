package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"forgecast/internal/store"
)

// Embedder generates a dense vector for a phrase. The embedding model
// itself is an external collaborator; this interface is its lifecycle
// boundary.
type Embedder interface {
	ModelName() string
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Embeddings is the store surface the embed handler needs.
type Embeddings interface {
	ListEmbeddingsForEpisode(ctx context.Context, episodeID string) ([]*store.EmbeddingRecord, error)
	UpsertEmbedding(ctx context.Context, e *store.EmbeddingRecord) error
}

const (
	maxPhraseChars = 200
	pauseThreshold = 1.5 // seconds
)

// EmbedHandler merges word-level segments into phrase boundaries, embeds
// each phrase, and upserts keyed by (episode, span, hash).
type EmbedHandler struct {
	Segments   func(ctx context.Context, episodeID string) ([]Segment, error)
	Embeddings Embeddings
	Embedder   Embedder
}

func (h *EmbedHandler) Handle(ctx context.Context, job *store.Job) error {
	segments, err := h.Segments(ctx, job.EpisodeID)
	if err != nil {
		return Fail(store.ReasonUnknown, fmt.Errorf("load segments: %w", err))
	}

	phrases := mergePhrases(segments)

	for _, ph := range phrases {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		vector, err := h.Embedder.Embed(ctx, ph.Text)
		if err != nil {
			return Fail(store.ReasonUnknown, fmt.Errorf("embed phrase: %w", err))
		}

		record := &store.EmbeddingRecord{
			EpisodeID:    job.EpisodeID,
			SegmentStart: ph.Start,
			SegmentEnd:   ph.End,
			Vector:       vector,
			TextHash:     textHash(ph.Text),
			ModelName:    h.Embedder.ModelName(),
		}
		if err := h.Embeddings.UpsertEmbedding(ctx, record); err != nil {
			return Fail(store.ReasonUnknown, fmt.Errorf("upsert embedding: %w", err))
		}
	}
	return nil
}

// mergePhrases merges word-level segments at sentence punctuation, pauses
// exceeding pauseThreshold, or once a phrase reaches maxPhraseChars.
func mergePhrases(segments []Segment) []Segment {
	var phrases []Segment
	var cur Segment
	open := false

	flush := func() {
		if open {
			cur.Text = strings.TrimSpace(cur.Text)
			if cur.Text != "" {
				phrases = append(phrases, cur)
			}
			open = false
		}
	}

	for _, s := range segments {
		if open {
			gap := s.Start - cur.End
			if gap > pauseThreshold || len(cur.Text)+len(s.Text)+1 > maxPhraseChars {
				flush()
			}
		}
		if !open {
			cur = Segment{Start: s.Start, End: s.End, Text: s.Text}
			open = true
		} else {
			cur.End = s.End
			cur.Text += " " + s.Text
		}

		if endsSentence(s.Text) {
			flush()
		}
	}
	flush()

	return phrases
}

func endsSentence(text string) bool {
	text = strings.TrimSpace(text)
	return strings.HasSuffix(text, ".") || strings.HasSuffix(text, "?") || strings.HasSuffix(text, "!")
}

func textHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

var _ Handler = (*EmbedHandler)(nil)
