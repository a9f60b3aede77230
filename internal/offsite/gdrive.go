package offsite

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"
)

// GDriveMirror mirrors files into a Google Drive folder using the
// process's default credentials (a service account in production).
type GDriveMirror struct {
	drive    *drive.Service
	folderID string
}

// NewGDriveMirror builds a GDriveMirror. folderID may be empty, in which
// case files land in the service account's root Drive.
func NewGDriveMirror(ctx context.Context, folderID string) (*GDriveMirror, error) {
	creds, err := google.FindDefaultCredentials(ctx, drive.DriveFileScope)
	if err != nil {
		return nil, fmt.Errorf("offsite: find default google credentials: %w", err)
	}

	svc, err := drive.NewService(ctx, option.WithCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("offsite: create drive service: %w", err)
	}

	slog.Info("offsite: gdrive mirror initialized", "folder_id", folderID)
	return &GDriveMirror{drive: svc, folderID: folderID}, nil
}

// MirrorFile uploads a local file to Drive, named remoteKey.
func (m *GDriveMirror) MirrorFile(ctx context.Context, localPath, remoteKey string) error {
	f, _, err := openLocal(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	meta := &drive.File{Name: remoteKey}
	if m.folderID != "" {
		meta.Parents = []string{m.folderID}
	}

	created, err := m.drive.Files.Create(meta).Media(f).Fields("id").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("offsite: create drive file %s: %w", remoteKey, err)
	}
	slog.Info("offsite: mirrored to gdrive", "name", remoteKey, "id", created.Id)
	return nil
}
