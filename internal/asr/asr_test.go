package asr

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"forgecast/internal/httpclient"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranscribeChunk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transcribe", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "large-v3", r.FormValue("model"))
		assert.Equal(t, "0.000000", r.FormValue("chunk_start_seconds"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"segments":[{"start":0,"end":1.5,"text":"hello"}]}`))
	}))
	defer srv.Close()

	audioPath := filepath.Join(t.TempDir(), "clip.wav")
	require.NoError(t, os.WriteFile(audioPath, []byte("fake audio"), 0o644))

	c := New(httpclient.New(httpclient.DefaultOptions()), srv.URL, "whisper", "large-v3")
	assert.Equal(t, "whisper", c.Engine())
	assert.Equal(t, "large-v3", c.ModelName())

	segments, err := c.TranscribeChunk(t.Context(), audioPath, 0, 30*time.Minute)
	require.NoError(t, err)
	require.Len(t, segments, 1)
	assert.Equal(t, "hello", segments[0].Text)
	assert.Equal(t, 1.5, segments[0].End)
}
