package offsite

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMirror struct {
	calledLocal, calledKey string
	err                    error
}

func (f *fakeMirror) MirrorFile(ctx context.Context, localPath, remoteKey string) error {
	f.calledLocal, f.calledKey = localPath, remoteKey
	return f.err
}

func TestNewReturnsNilForEmptyBackend(t *testing.T) {
	m, err := New(context.Background(), "", S3Config{}, "")
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	_, err := New(context.Background(), "dropbox", S3Config{}, "")
	assert.Error(t, err)
}

func TestContentTypeForKnownExtension(t *testing.T) {
	assert.Equal(t, "text/plain; charset=utf-8", contentTypeFor("transcript.txt"))
	assert.Equal(t, "application/octet-stream", contentTypeFor("episode.unknownext"))
}

func TestOpenLocalReturnsSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	f, size, err := openLocal(path)
	require.NoError(t, err)
	defer f.Close()
	assert.EqualValues(t, 5, size)
}

func TestMirrorAsyncDoesNothingForNilMirror(t *testing.T) {
	MirrorAsync(nil, "x", "y") // must not panic
}
