package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Job kinds.
const (
	JobKindTranscriptDownload = "TranscriptDownload"
	JobKindDownload           = "Download"
	JobKindTranscribe         = "Transcribe"
	JobKindEmbed              = "Embed"
)

// Job statuses.
const (
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// FailureReason is the categorical failure taxonomy. Never a bare string
// elsewhere in the codebase.
type FailureReason string

const (
	ReasonDownloadFailed         FailureReason = "download_failed"
	ReasonTranscriptForbidden    FailureReason = "transcript_forbidden"
	ReasonTranscriptNotFound     FailureReason = "transcript_not_found"
	ReasonTranscriptRequestError FailureReason = "transcript_request_error"
	ReasonTranscribeFailed       FailureReason = "transcribe_failed"
	ReasonUnknown                FailureReason = "unknown"
	ReasonMaxAttemptsExceeded    FailureReason = "max_attempts_exceeded_timed_out_repeatedly"
)

// LocalNodeID is the sentinel assigned_node_id for jobs claimed by an
// in-process worker rather than a remote node.
const LocalNodeID = "local"

// backoffSchedule gives the delay before a requeued job becomes
// claimable again, indexed by attempts-already-made (1-based). Matches
// the 5/25/125 minute progression from the download-retry scenario: each
// step is 5x the last.
var backoffSchedule = []time.Duration{
	5 * time.Minute,
	25 * time.Minute,
	125 * time.Minute,
}

// backoffForAttempt returns the delay before a job that has failed
// `attempts` times may be claimed again. Attempts beyond the schedule
// reuse its last entry rather than growing unbounded.
func backoffForAttempt(attempts int) time.Duration {
	if attempts < 1 {
		return 0
	}
	idx := attempts - 1
	if idx >= len(backoffSchedule) {
		idx = len(backoffSchedule) - 1
	}
	return backoffSchedule[idx]
}

// Job is one unit of work against an episode.
type Job struct {
	ID                string
	EpisodeID         string
	Kind              string
	Priority          int
	Status            string
	Attempts          int
	MaxAttempts       int
	ScheduledAt       time.Time
	StartedAt         sql.NullTime
	CompletedAt       sql.NullTime
	ProgressPercent   int
	ProgressUpdatedAt sql.NullTime
	ErrorMessage      sql.NullString
	ErrorReason       sql.NullString
	AssignedNodeID    sql.NullString
	ClaimedAt         sql.NullTime
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

const jobColumns = `id, episode_id, kind, priority, status, attempts, max_attempts, scheduled_at,
	started_at, completed_at, progress_percent, progress_updated_at, error_message, error_reason,
	assigned_node_id, claimed_at, created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	err := row.Scan(&j.ID, &j.EpisodeID, &j.Kind, &j.Priority, &j.Status, &j.Attempts,
		&j.MaxAttempts, &j.ScheduledAt, &j.StartedAt, &j.CompletedAt, &j.ProgressPercent,
		&j.ProgressUpdatedAt, &j.ErrorMessage, &j.ErrorReason, &j.AssignedNodeID, &j.ClaimedAt,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// Enqueue inserts a new queued job, unless an active (queued or running)
// job of the same (episode_id, kind) already exists, in which case it
// returns that job unchanged and inserts nothing.
func (s *Store) Enqueue(ctx context.Context, id, episodeID, kind string, priority, maxAttempts int) (*Job, error) {
	var existing *Job
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT `+jobColumns+` FROM jobs
			WHERE episode_id = ? AND kind = ? AND status IN (?, ?)
			LIMIT 1`, episodeID, kind, JobStatusQueued, JobStatusRunning)
		j, err := scanJob(row)
		if err == nil {
			existing = j
			return nil
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("check existing job: %w", err)
		}

		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO jobs (id, episode_id, kind, priority, status, attempts, max_attempts,
				scheduled_at, progress_percent, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?, 0, ?, ?)`,
			id, episodeID, kind, priority, JobStatusQueued, maxAttempts, now, now, now)
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	if s.enqueueNotifier != nil {
		s.enqueueNotifier(kind)
	}
	return s.GetJob(ctx, id)
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ClaimLocal atomically claims the next queued job of kind for an
// in-process worker. Returns (nil, nil) if no job is claimable.
func (s *Store) ClaimLocal(ctx context.Context, kind string) (*Job, error) {
	return s.claim(ctx, kind, LocalNodeID)
}

// ClaimRemote atomically claims the next queued job of kind for a remote
// node. Download and TranscriptDownload never go to remote nodes; any
// further eligibility filtering (declared model, node priority) is the
// node coordinator's responsibility before it calls this.
func (s *Store) ClaimRemote(ctx context.Context, kind, nodeID string) (*Job, error) {
	if kind == JobKindDownload || kind == JobKindTranscriptDownload {
		return nil, nil
	}
	return s.claim(ctx, kind, nodeID)
}

// claim is a single UPDATE whose WHERE subselects the top-of-queue row
// by (priority ASC, created_at ASC, id ASC) and whose RETURNING hands
// back the claimed row — no select-then-update from the application, so
// two concurrent claimers can never both win the same job.
func (s *Store) claim(ctx context.Context, kind, assignNodeID string) (*Job, error) {
	now := time.Now().UTC()
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = ?, started_at = ?, attempts = attempts + 1, progress_percent = 0,
		    assigned_node_id = ?, claimed_at = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE kind = ? AND status = ? AND scheduled_at <= ?
			ORDER BY priority ASC, created_at ASC, id ASC
			LIMIT 1
		)
		RETURNING `+jobColumns,
		JobStatusRunning, now, assignNodeID, now, now,
		kind, JobStatusQueued, now)

	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return j, nil
}

// UpdateProgress sets progress_percent for a running job. Callers (the
// worker handlers) are responsible for throttling to at most one update
// per 5 seconds, plus the final 100%; the store itself only enforces
// monotonic non-decrease.
func (s *Store) UpdateProgress(ctx context.Context, jobID string, percent int) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET progress_percent = ?, progress_updated_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND progress_percent <= ?`,
		percent, now, now, jobID, JobStatusRunning, percent)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return nil
}

// Complete transitions a running job to completed. A second completion
// of an already-terminal job is a no-op.
func (s *Store) Complete(ctx context.Context, jobID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, completed_at = ?, assigned_node_id = NULL, claimed_at = ?,
		    progress_percent = 100, updated_at = ?
		WHERE id = ? AND status = ?`,
		JobStatusCompleted, now, sql.NullTime{}, now, jobID, JobStatusRunning)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// Fail transitions a running job back to queued (if attempts remain) or
// to failed (terminal), recording the categorical reason.
func (s *Store) Fail(ctx context.Context, jobID string, reason FailureReason, message string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID)
		j, err := scanJob(row)
		if err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return fmt.Errorf("load job for fail: %w", err)
		}

		now := time.Now().UTC()
		nextStatus := JobStatusQueued
		nextScheduledAt := now
		if j.Attempts >= j.MaxAttempts {
			nextStatus = JobStatusFailed
		} else {
			nextScheduledAt = now.Add(backoffForAttempt(j.Attempts))
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = ?, error_message = ?, error_reason = ?, assigned_node_id = NULL,
			    claimed_at = NULL, scheduled_at = ?, updated_at = ?
			WHERE id = ?`,
			nextStatus, message, string(reason), nextScheduledAt, now, jobID)
		if err != nil {
			return fmt.Errorf("fail job: %w", err)
		}
		return nil
	})
}

// Release transitions a running job back to queued without incrementing
// attempts — the graceful-shutdown path.
func (s *Store) Release(ctx context.Context, jobID string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, assigned_node_id = NULL, claimed_at = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		JobStatusQueued, now, jobID, JobStatusRunning)
	if err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	return nil
}

// ReleaseAllForNode releases every job currently assigned to a node,
// used on node termination and on heartbeat-driven stale-assignment
// cleanup.
func (s *Store) ReleaseAllForNode(ctx context.Context, nodeID string) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, assigned_node_id = NULL, claimed_at = NULL, updated_at = ?
		WHERE assigned_node_id = ? AND status = ?`,
		JobStatusQueued, now, nodeID, JobStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("release all for node: %w", err)
	}
	return res.RowsAffected()
}

// ResyncJobToNode restores a lost assignment: sets assigned_node_id for
// a job the node's heartbeat claims to hold but the store shows as
// unassigned. Never reassigns an active job away from its current owner.
func (s *Store) ResyncJobToNode(ctx context.Context, jobID, nodeID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET assigned_node_id = ?, updated_at = ?
		WHERE id = ? AND status = ? AND (assigned_node_id IS NULL OR assigned_node_id = ?)`,
		nodeID, time.Now().UTC(), jobID, JobStatusRunning, nodeID)
	if err != nil {
		return fmt.Errorf("resync job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// ReleaseJobIfNotIn releases jobs assigned to nodeID that are not present
// in claimedIDs: a node that restarted lost its prefetch state, so jobs
// it no longer reports holding go back to the queue.
func (s *Store) ReleaseJobIfNotIn(ctx context.Context, nodeID string, claimedIDs []string) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM jobs WHERE assigned_node_id = ? AND status = ?`, nodeID, JobStatusRunning)
	if err != nil {
		return fmt.Errorf("list node jobs: %w", err)
	}
	claimedSet := make(map[string]bool, len(claimedIDs))
	for _, id := range claimedIDs {
		claimedSet[id] = true
	}
	var toRelease []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan node job id: %w", err)
		}
		if !claimedSet[id] {
			toRelease = append(toRelease, id)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	for _, id := range toRelease {
		if err := s.Release(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// ResetOnBoot resets running jobs to queued on server restart, but only
// for local or unassigned jobs. Remote-assigned jobs keep their state:
// the owning node's next heartbeat either resyncs them or releases them.
func (s *Store) ResetOnBoot(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, assigned_node_id = NULL, claimed_at = NULL, updated_at = ?
		WHERE status = ? AND (assigned_node_id = ? OR assigned_node_id IS NULL)`,
		JobStatusQueued, now, JobStatusRunning, LocalNodeID)
	if err != nil {
		return 0, fmt.Errorf("reset on boot: %w", err)
	}
	return res.RowsAffected()
}

// ReclaimStuck is the periodic reclamation pass: running jobs whose
// started_at predates the deadline either fail permanently (attempts
// exhausted) or return to queued. Uses started_at, never claimed_at, so
// repeated claim/fail cycles cannot reset the deadline.
func (s *Store) ReclaimStuck(ctx context.Context, deadline time.Time) (requeued, failedCount int64, err error) {
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()

		res, ferr := tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = ?, error_message = ?, error_reason = ?, assigned_node_id = NULL,
			    claimed_at = NULL, updated_at = ?
			WHERE status = ? AND assigned_node_id IS NOT NULL AND started_at < ? AND attempts >= max_attempts`,
			JobStatusFailed, "max attempts exceeded (timed out repeatedly)", string(ReasonMaxAttemptsExceeded),
			now, JobStatusRunning, deadline)
		if ferr != nil {
			return fmt.Errorf("reclaim fail pass: %w", ferr)
		}
		failedCount, ferr = res.RowsAffected()
		if ferr != nil {
			return ferr
		}

		res, ferr = tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = ?, assigned_node_id = NULL, claimed_at = NULL, updated_at = ?
			WHERE status = ? AND started_at < ?`,
			JobStatusQueued, now, JobStatusRunning, deadline)
		if ferr != nil {
			return fmt.Errorf("reclaim requeue pass: %w", ferr)
		}
		requeued, ferr = res.RowsAffected()
		return ferr
	})
	return requeued, failedCount, err
}

// QueueStatusCounts returns counts by (kind, status) for the admin
// /api/queue/status endpoint.
type QueueStatusCount struct {
	Kind   string
	Status string
	Count  int
}

func (s *Store) QueueStatusCounts(ctx context.Context) ([]QueueStatusCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, status, COUNT(*) FROM jobs GROUP BY kind, status ORDER BY kind, status`)
	if err != nil {
		return nil, fmt.Errorf("queue status counts: %w", err)
	}
	defer rows.Close()

	var out []QueueStatusCount
	for rows.Next() {
		var c QueueStatusCount
		if err := rows.Scan(&c.Kind, &c.Status, &c.Count); err != nil {
			return nil, fmt.Errorf("scan queue status count: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountQueuedByKind reports the current backlog depth for a kind, used
// by the provisioner's auto-scale trigger.
func (s *Store) CountQueuedByKind(ctx context.Context, kind string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE kind = ? AND status = ?`, kind, JobStatusQueued).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count queued by kind: %w", err)
	}
	return n, nil
}
