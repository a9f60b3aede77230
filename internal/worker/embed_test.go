package worker

import (
	"context"
	"testing"

	"forgecast/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergePhrasesSplitsOnSentencePunctuation(t *testing.T) {
	segments := []Segment{
		{Start: 0, End: 0.5, Text: "Hello"},
		{Start: 0.5, End: 1.0, Text: "world."},
		{Start: 1.0, End: 1.5, Text: "Next"},
		{Start: 1.5, End: 2.0, Text: "phrase."},
	}

	phrases := mergePhrases(segments)
	require.Len(t, phrases, 2)
	assert.Equal(t, "Hello world.", phrases[0].Text)
	assert.Equal(t, "Next phrase.", phrases[1].Text)
}

func TestMergePhrasesSplitsOnLongPause(t *testing.T) {
	segments := []Segment{
		{Start: 0, End: 0.5, Text: "Hello"},
		{Start: 3.0, End: 3.5, Text: "world"},
	}

	phrases := mergePhrases(segments)
	require.Len(t, phrases, 2)
	assert.Equal(t, "Hello", phrases[0].Text)
	assert.Equal(t, "world", phrases[1].Text)
}

type fakeEmbedder struct{ calls int }

func (f *fakeEmbedder) ModelName() string { return "fake-embed-v1" }
func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	return []float32{1, 0, 0}, nil
}

type fakeEmbeddings struct{ upserts []*store.EmbeddingRecord }

func (f *fakeEmbeddings) ListEmbeddingsForEpisode(ctx context.Context, episodeID string) ([]*store.EmbeddingRecord, error) {
	return f.upserts, nil
}
func (f *fakeEmbeddings) UpsertEmbedding(ctx context.Context, e *store.EmbeddingRecord) error {
	f.upserts = append(f.upserts, e)
	return nil
}

func TestEmbedHandlerUpsertsOnePerPhrase(t *testing.T) {
	embedder := &fakeEmbedder{}
	embeddings := &fakeEmbeddings{}

	h := &EmbedHandler{
		Segments: func(ctx context.Context, episodeID string) ([]Segment, error) {
			return []Segment{
				{Start: 0, End: 0.5, Text: "Hello"},
				{Start: 0.5, End: 1.0, Text: "world."},
			}, nil
		},
		Embeddings: embeddings,
		Embedder:   embedder,
	}

	job := &store.Job{ID: "job-1", EpisodeID: "ep-1"}
	require.NoError(t, h.Handle(context.Background(), job))

	assert.Equal(t, 1, embedder.calls)
	require.Len(t, embeddings.upserts, 1)
	assert.Equal(t, "ep-1", embeddings.upserts[0].EpisodeID)
}
