package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Feed is a subscription source, identified by its URL.
type Feed struct {
	ID                  string
	URL                 string
	OriginalTitle       string
	TitleOverride       sql.NullString
	Author              string
	SiteLink            string
	CategoryTags        string
	ITunesID            sql.NullString
	PocketCastsShowUUID sql.NullString
	Slug                string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// DisplayTitle returns the user override if present, else the original.
func (f *Feed) DisplayTitle() string {
	if f.TitleOverride.Valid && f.TitleOverride.String != "" {
		return f.TitleOverride.String
	}
	return f.OriginalTitle
}

const feedColumns = `id, url, original_title, title_override, author, site_link, category_tags,
	itunes_id, pocketcasts_show_uuid, slug, created_at, updated_at`

func scanFeed(row interface{ Scan(...any) error }) (*Feed, error) {
	var f Feed
	err := row.Scan(&f.ID, &f.URL, &f.OriginalTitle, &f.TitleOverride, &f.Author, &f.SiteLink,
		&f.CategoryTags, &f.ITunesID, &f.PocketCastsShowUUID, &f.Slug, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// CreateFeed inserts a new feed row.
func (s *Store) CreateFeed(ctx context.Context, f *Feed) error {
	now := time.Now().UTC()
	f.CreatedAt, f.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feeds (`+feedColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.URL, f.OriginalTitle, f.TitleOverride, f.Author, f.SiteLink, f.CategoryTags,
		f.ITunesID, f.PocketCastsShowUUID, f.Slug, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert feed: %w", err)
	}
	return nil
}

// GetFeed fetches a feed by id.
func (s *Store) GetFeed(ctx context.Context, id string) (*Feed, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+feedColumns+` FROM feeds WHERE id = ?`, id)
	f, err := scanFeed(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get feed: %w", err)
	}
	return f, nil
}

// GetFeedByURL fetches a feed by its unique URL.
func (s *Store) GetFeedByURL(ctx context.Context, url string) (*Feed, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+feedColumns+` FROM feeds WHERE url = ?`, url)
	f, err := scanFeed(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get feed by url: %w", err)
	}
	return f, nil
}

// ListFeeds returns every feed, ordered by creation time.
func (s *Store) ListFeeds(ctx context.Context) ([]*Feed, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+feedColumns+` FROM feeds ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list feeds: %w", err)
	}
	defer rows.Close()

	var out []*Feed
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, fmt.Errorf("scan feed: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// RenameFeedSlug updates the slug after a display-title driven rename.
// The caller is responsible for renaming the on-disk directories first.
func (s *Store) RenameFeedSlug(ctx context.Context, id, newSlug string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE feeds SET slug = ?, updated_at = ? WHERE id = ?`, newSlug, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("rename feed slug: %w", err)
	}
	return nil
}

// RefreshFeedMeta updates the fields that change across a discovery
// refresh pass (title, author, site link, categories) without touching
// the user's title override, slug, or cached external ids.
func (s *Store) RefreshFeedMeta(ctx context.Context, id, originalTitle, author, siteLink, categoryTags string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE feeds SET original_title = ?, author = ?, site_link = ?, category_tags = ?, updated_at = ?
		WHERE id = ?`,
		originalTitle, author, siteLink, categoryTags, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("refresh feed meta: %w", err)
	}
	return nil
}

// SetFeedTitleOverride sets or clears (empty string) the user's display
// title override.
func (s *Store) SetFeedTitleOverride(ctx context.Context, id, override string) error {
	var val sql.NullString
	if override != "" {
		val = sql.NullString{String: override, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE feeds SET title_override = ?, updated_at = ? WHERE id = ?`, val, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set feed title override: %w", err)
	}
	return nil
}

// CachePocketCastsShowUUID records the external show id resolved during
// feed-scope PocketCasts enrichment, so later refreshes skip the show
// look-up.
func (s *Store) CachePocketCastsShowUUID(ctx context.Context, id, showUUID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE feeds SET pocketcasts_show_uuid = ?, updated_at = ? WHERE id = ?`, showUUID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("cache pocketcasts show uuid: %w", err)
	}
	return nil
}

// CacheITunesID records the iTunes id resolved when an Apple-podcasts
// URL was used to add the feed.
func (s *Store) CacheITunesID(ctx context.Context, id, itunesID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE feeds SET itunes_id = ?, updated_at = ? WHERE id = ?`, itunesID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("cache itunes id: %w", err)
	}
	return nil
}

// DeleteFeed removes the feed row; episodes and jobs cascade via FK.
// Callers must move files to trash before calling this.
func (s *Store) DeleteFeed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM feeds WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete feed: %w", err)
	}
	return nil
}
