package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Episode status values, per the transcript-first pipeline state machine.
const (
	EpisodeStatusNew                = "new"
	EpisodeStatusAwaitingTranscript = "awaiting_transcript"
	EpisodeStatusNeedsAudio         = "needs_audio"
	EpisodeStatusDownloading        = "downloading"
	EpisodeStatusAudioReady         = "audio_ready"
	EpisodeStatusTranscribing       = "transcribing"
	EpisodeStatusCompleted          = "completed"
	EpisodeStatusFailed             = "failed"
)

// Episode is one item in a feed, unique per (feed_id, guid).
type Episode struct {
	ID                       string
	FeedID                   string
	GUID                     string
	Title                    string
	AudioURL                 string
	TranscriptURL            sql.NullString
	TranscriptMIME           sql.NullString
	PocketCastsTranscriptURL sql.NullString
	PublishedAt              sql.NullTime
	DurationSeconds          int
	AudioPath                sql.NullString
	TranscriptPath           sql.NullString
	TranscriptSource         sql.NullString
	TranscriptModel          sql.NullString
	Status                   string
	TranscriptCheckedAt      sql.NullTime
	NextTranscriptRetryAt    sql.NullTime
	TranscriptFailureReason  sql.NullString
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

const episodeColumns = `id, feed_id, guid, title, audio_url, transcript_url, transcript_mime,
	pocketcasts_transcript_url, published_at, duration_seconds, audio_path, transcript_path,
	transcript_source, transcript_model, status, transcript_checked_at, next_transcript_retry_at,
	transcript_failure_reason, created_at, updated_at`

func scanEpisode(row interface{ Scan(...any) error }) (*Episode, error) {
	var e Episode
	err := row.Scan(&e.ID, &e.FeedID, &e.GUID, &e.Title, &e.AudioURL, &e.TranscriptURL,
		&e.TranscriptMIME, &e.PocketCastsTranscriptURL, &e.PublishedAt, &e.DurationSeconds,
		&e.AudioPath, &e.TranscriptPath, &e.TranscriptSource, &e.TranscriptModel, &e.Status,
		&e.TranscriptCheckedAt, &e.NextTranscriptRetryAt, &e.TranscriptFailureReason,
		&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// CreateEpisode inserts a new episode. A duplicate (feed_id, guid) fails
// with a unique-constraint error; callers dedup before calling this.
func (s *Store) CreateEpisode(ctx context.Context, e *Episode) error {
	now := time.Now().UTC()
	e.CreatedAt, e.UpdatedAt = now, now
	if e.Status == "" {
		e.Status = EpisodeStatusNew
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO episodes (`+episodeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.FeedID, e.GUID, e.Title, e.AudioURL, e.TranscriptURL, e.TranscriptMIME,
		e.PocketCastsTranscriptURL, e.PublishedAt, e.DurationSeconds, e.AudioPath, e.TranscriptPath,
		e.TranscriptSource, e.TranscriptModel, e.Status, e.TranscriptCheckedAt,
		e.NextTranscriptRetryAt, e.TranscriptFailureReason, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert episode: %w", err)
	}
	return nil
}

// GetEpisode fetches an episode by id.
func (s *Store) GetEpisode(ctx context.Context, id string) (*Episode, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+episodeColumns+` FROM episodes WHERE id = ?`, id)
	e, err := scanEpisode(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get episode: %w", err)
	}
	return e, nil
}

// GetEpisodeByGUID fetches an episode by its (feed_id, guid) pair, used
// by the discovery driver to dedup incoming feed items.
func (s *Store) GetEpisodeByGUID(ctx context.Context, feedID, guid string) (*Episode, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+episodeColumns+` FROM episodes WHERE feed_id = ? AND guid = ?`, feedID, guid)
	e, err := scanEpisode(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get episode by guid: %w", err)
	}
	return e, nil
}

// ListEpisodesByFeed returns every episode belonging to a feed.
func (s *Store) ListEpisodesByFeed(ctx context.Context, feedID string) ([]*Episode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+episodeColumns+` FROM episodes WHERE feed_id = ? ORDER BY published_at DESC`, feedID)
	if err != nil {
		return nil, fmt.Errorf("list episodes: %w", err)
	}
	defer rows.Close()

	var out []*Episode
	for rows.Next() {
		e, err := scanEpisode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan episode: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListEpisodesAwaitingRetry returns episodes in awaiting_transcript whose
// next_transcript_retry_at has passed, for the retry scheduler.
func (s *Store) ListEpisodesAwaitingRetry(ctx context.Context, now time.Time) ([]*Episode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+episodeColumns+` FROM episodes
		 WHERE status = ? AND next_transcript_retry_at IS NOT NULL AND next_transcript_retry_at <= ?
		 ORDER BY next_transcript_retry_at ASC`,
		EpisodeStatusAwaitingTranscript, now)
	if err != nil {
		return nil, fmt.Errorf("list episodes awaiting retry: %w", err)
	}
	defer rows.Close()

	var out []*Episode
	for rows.Next() {
		e, err := scanEpisode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan episode: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdateEpisodeStatus transitions an episode's status and, optionally,
// its retry bookkeeping fields in one statement.
func (s *Store) UpdateEpisodeStatus(ctx context.Context, id, status string, nextRetryAt *time.Time, failureReason *string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE episodes
		SET status = ?, next_transcript_retry_at = ?, transcript_failure_reason = ?,
		    transcript_checked_at = ?, updated_at = ?
		WHERE id = ?`,
		status, nullableTime(nextRetryAt), nullableString(failureReason), time.Now().UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update episode status: %w", err)
	}
	return nil
}

// CompleteEpisodeTranscript marks an episode completed with a resolved
// transcript, whether from a provider or from local transcription.
func (s *Store) CompleteEpisodeTranscript(ctx context.Context, id, transcriptPath, source, model string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE episodes
		SET status = ?, transcript_path = ?, transcript_source = ?, transcript_model = ?,
		    transcript_checked_at = ?, updated_at = ?
		WHERE id = ?`,
		EpisodeStatusCompleted, transcriptPath, source, model, now, now, id)
	if err != nil {
		return fmt.Errorf("complete episode transcript: %w", err)
	}
	return nil
}

// SetEpisodeAudioPath records a successful download and moves the
// episode to audio_ready.
func (s *Store) SetEpisodeAudioPath(ctx context.Context, id, audioPath string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE episodes SET status = ?, audio_path = ?, updated_at = ? WHERE id = ?`,
		EpisodeStatusAudioReady, audioPath, now, id)
	if err != nil {
		return fmt.Errorf("set episode audio path: %w", err)
	}
	return nil
}

// ClearEpisodeAudio clears audio_path without touching audio_url, only
// permitted once an episode is completed.
func (s *Store) ClearEpisodeAudio(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE episodes SET audio_path = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		time.Now().UTC(), id, EpisodeStatusCompleted)
	if err != nil {
		return fmt.Errorf("clear episode audio: %w", err)
	}
	return nil
}

// SetEpisodePocketCastsTranscriptURL records the third-party transcript
// URL resolved during feed-scope PocketCasts enrichment, matched by
// normalized-title similarity within a 24h publish window.
func (s *Store) SetEpisodePocketCastsTranscriptURL(ctx context.Context, id, url string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE episodes SET pocketcasts_transcript_url = ?, updated_at = ? WHERE id = ?`,
		url, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set episode pocketcasts transcript url: %w", err)
	}
	return nil
}

// ListEpisodesMissingPodcastingTranscript returns episodes in a feed
// that have no Podcasting-2.0 transcript URL, candidates for PocketCasts
// enrichment matching.
func (s *Store) ListEpisodesMissingPodcastingTranscript(ctx context.Context, feedID string) ([]*Episode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+episodeColumns+` FROM episodes
		WHERE feed_id = ? AND (transcript_url IS NULL OR transcript_url = '')`, feedID)
	if err != nil {
		return nil, fmt.Errorf("list episodes missing podcasting transcript: %w", err)
	}
	defer rows.Close()

	var out []*Episode
	for rows.Next() {
		e, err := scanEpisode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan episode: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdateEpisodeAudioURL refreshes a premium feed's signed audio URL.
func (s *Store) UpdateEpisodeAudioURL(ctx context.Context, id, audioURL string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE episodes SET audio_url = ?, updated_at = ? WHERE id = ?`, audioURL, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update episode audio url: %w", err)
	}
	return nil
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullableString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
