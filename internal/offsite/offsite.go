// Package offsite implements the optional best-effort cloud mirror:
// a copy of finalized transcript/audio files pushed to
// S3/R2 or Google Drive after the local filesystem write already
// succeeded. The local filesystem remains the source of truth; mirror
// failures are logged and never block or unwind the primary write.
package offsite

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
)

// Mirror copies a locally-finalized file offsite under remoteKey. It is
// always best-effort: callers log and move on when it errors.
type Mirror interface {
	MirrorFile(ctx context.Context, localPath, remoteKey string) error
}

// New builds the configured backend, or (nil, nil) if no offsite backend
// is configured.
func New(ctx context.Context, backend string, s3cfg S3Config, gdriveFolderID string) (Mirror, error) {
	switch backend {
	case "":
		return nil, nil
	case "s3":
		return NewS3Mirror(ctx, s3cfg)
	case "gdrive":
		return NewGDriveMirror(ctx, gdriveFolderID)
	default:
		return nil, fmt.Errorf("offsite: unknown backend %q", backend)
	}
}

// MirrorAsync runs m.MirrorFile on a background goroutine and logs the
// outcome, for callers on a request or job-handler path who must not
// block their own completion on a best-effort offsite copy.
func MirrorAsync(m Mirror, localPath, remoteKey string) {
	if m == nil {
		return
	}
	go func() {
		if err := m.MirrorFile(context.Background(), localPath, remoteKey); err != nil {
			slog.Warn("offsite: mirror failed", "local_path", localPath, "remote_key", remoteKey, "error", err)
		}
	}()
}

func contentTypeFor(path string) string {
	ct := mime.TypeByExtension(filepath.Ext(path))
	if ct == "" {
		ct = "application/octet-stream"
	}
	return ct
}

func openLocal(path string) (*os.File, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open local file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat local file: %w", err)
	}
	return f, info.Size(), nil
}
