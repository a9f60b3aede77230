package transcript

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"forgecast/internal/store"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainResolveFirstFoundWins(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/vtt")
		w.Write([]byte("WEBVTT\n\ntranscript body"))
	}))
	defer srv.Close()

	p2 := NewPodcasting2Provider(resty.New())
	pc := NewPocketCastsProvider(resty.New())
	chain := NewChain(p2, pc)

	episode := &store.Episode{
		TranscriptURL: sqlString(srv.URL),
	}
	feed := &store.Feed{}

	outcome, err := chain.Resolve(context.Background(), episode, feed)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFound, outcome.Kind)
	assert.Equal(t, "podcast2.0:vtt", outcome.SourceTag)
	assert.Contains(t, outcome.Content, "transcript body")
}

func TestChainResolveFallsThroughOn404(t *testing.T) {
	notFound := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer notFound.Close()

	found := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pocketcasts transcript"))
	}))
	defer found.Close()

	p2 := NewPodcasting2Provider(resty.New())
	pc := NewPocketCastsProvider(resty.New())
	chain := NewChain(p2, pc)

	episode := &store.Episode{
		TranscriptURL:            sqlString(notFound.URL),
		PocketCastsTranscriptURL: sqlString(found.URL),
	}
	feed := &store.Feed{}

	outcome, err := chain.Resolve(context.Background(), episode, feed)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFound, outcome.Kind)
	assert.Equal(t, "pocketcasts", outcome.SourceTag)
}

func TestChainResolveNotApplicableWhenNoURLs(t *testing.T) {
	chain := NewChain(NewPodcasting2Provider(resty.New()), NewPocketCastsProvider(resty.New()))

	outcome, err := chain.Resolve(context.Background(), &store.Episode{}, &store.Feed{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotApplicable, outcome.Kind)
}

func TestChainResolveReturnsTemporaryErrorWhenAllFail(t *testing.T) {
	forbidden := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer forbidden.Close()

	chain := NewChain(NewPodcasting2Provider(resty.New()))

	episode := &store.Episode{TranscriptURL: sqlString(forbidden.URL)}
	outcome, err := chain.Resolve(context.Background(), episode, &store.Feed{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeTemporaryError, outcome.Kind)
	assert.Equal(t, TemporaryErrorForbidden, outcome.TemporaryKind)
}

func TestMIMEToSourceTag(t *testing.T) {
	assert.Equal(t, "podcast2.0:vtt", MIMEToSourceTag("text/vtt"))
	assert.Equal(t, "podcast2.0:srt", MIMEToSourceTag("application/x-srt"))
	assert.Equal(t, "podcast2.0:json", MIMEToSourceTag("application/json"))
	assert.Equal(t, "podcast2.0:html", MIMEToSourceTag("text/html"))
	assert.Equal(t, "podcast2.0:text", MIMEToSourceTag("text/plain"))
}
