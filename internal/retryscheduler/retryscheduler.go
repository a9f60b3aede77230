// Package retryscheduler implements the transcript retry scheduler: an hourly
// sweep of episodes sitting in awaiting_transcript past their retry
// deadline, re-enqueuing a TranscriptDownload attempt or, once an
// episode has outlived the unavailable-age window, aging it out to
// needs_audio via the episode state machine.
package retryscheduler

import (
	"context"
	"log/slog"
	"time"

	"forgecast/internal/episode"
	"forgecast/internal/store"
)

// Store is the subset of *store.Store the scheduler needs.
type Store interface {
	ListEpisodesAwaitingRetry(ctx context.Context, now time.Time) ([]*store.Episode, error)
	Enqueue(ctx context.Context, id, episodeID, kind string, priority, maxAttempts int) (*store.Job, error)
}

// IDGenerator produces ids for the jobs this sweep enqueues.
type IDGenerator func() string

// Scheduler runs the periodic sweep.
type Scheduler struct {
	store       Store
	machine     *episode.Machine
	newID       IDGenerator
	maxAttempts int
	unavailable time.Duration
	interval    time.Duration
}

// Options configures a Scheduler.
type Options struct {
	UnavailableAgeDays int
	MaxAttempts        int
	Interval           time.Duration // defaults to 1h
}

// New builds a Scheduler.
func New(s Store, machine *episode.Machine, newID IDGenerator, opts Options) *Scheduler {
	interval := opts.Interval
	if interval == 0 {
		interval = time.Hour
	}
	return &Scheduler{
		store:       s,
		machine:     machine,
		newID:       newID,
		maxAttempts: opts.MaxAttempts,
		unavailable: time.Duration(opts.UnavailableAgeDays) * 24 * time.Hour,
		interval:    interval,
	}
}

// Sweep runs one pass: every awaiting_transcript episode past its
// next_transcript_retry_at is either re-enqueued for another
// TranscriptDownload attempt, or aged out to needs_audio if it has
// outlived the unavailable-age window entirely.
func (s *Scheduler) Sweep(ctx context.Context) error {
	now := time.Now().UTC()
	due, err := s.store.ListEpisodesAwaitingRetry(ctx, now)
	if err != nil {
		return err
	}

	for _, ep := range due {
		if ep.PublishedAt.Valid && now.Sub(ep.PublishedAt.Time) >= s.unavailable {
			if err := s.machine.AgeOut(ctx, ep.ID); err != nil {
				slog.Error("retryscheduler: age out failed", "episode_id", ep.ID, "error", err)
			}
			continue
		}
		if _, err := s.store.Enqueue(ctx, s.newID(), ep.ID, store.JobKindTranscriptDownload, 1, s.maxAttempts); err != nil {
			slog.Error("retryscheduler: re-enqueue failed", "episode_id", ep.ID, "error", err)
		}
	}
	return nil
}

// Run drives Sweep on a ticker until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				slog.Error("retryscheduler: sweep failed", "error", err)
			}
		}
	}
}
