// Package worker runs the bounded, per-kind job pools described in the
// worker pool component: one goroutine per pool slot, each polling the
// SQL queue instead of reading from an in-memory channel, mirroring the
// codebase's channel-loop worker shape elsewhere in the pipeline.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"forgecast/internal/store"
)

const pollInterval = 5 * time.Second

// Queue is the subset of *store.Store a pool and its handlers need to
// claim, report on, and settle jobs.
type Queue interface {
	ClaimLocal(ctx context.Context, kind string) (*store.Job, error)
	UpdateProgress(ctx context.Context, jobID string, percent int) error
	Complete(ctx context.Context, jobID string) error
	Fail(ctx context.Context, jobID string, reason store.FailureReason, message string) error
	Release(ctx context.Context, jobID string) error
}

// Waker lets a pool skip its poll sleep when notified of fresh work.
// internal/notify.Bus satisfies this.
type Waker interface {
	Subscribe(ctx context.Context, kind string) (<-chan struct{}, func())
}

// Pool runs a fixed number of goroutines, all claiming and executing
// jobs of one kind.
type Pool struct {
	Kind    string
	Slots   int
	Queue   Queue
	Handler Handler
	Pause   *PausePool
	Waker   Waker // optional; nil disables early-wake

	// OnTerminal, if set, runs after a failure that exhausted the job's
	// attempts (this claim was the last one), letting the caller push the
	// episode into its failed state.
	OnTerminal func(ctx context.Context, job *store.Job, reason store.FailureReason, message string)
}

// Run blocks until ctx is cancelled, then waits up to grace for
// in-flight handlers to finish before returning. Jobs still running past
// grace are left running at the database level; the reclaim sweep will
// eventually recover them — the pool itself cannot forcibly abort a
// handler goroutine without a handler-level cancellation checkpoint.
func (p *Pool) Run(ctx context.Context, grace time.Duration) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for i := 0; i < p.Slots; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p.loop(ctx)
			}()
		}
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(grace):
		slog.Warn("worker pool shutdown grace period elapsed", "kind", p.Kind)
	}
}

func (p *Pool) loop(ctx context.Context) {
	var wake <-chan struct{}
	var cancelWake func()
	if p.Waker != nil {
		wake, cancelWake = p.Waker.Subscribe(ctx, p.Kind)
		defer cancelWake()
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if p.Pause != nil {
			p.Pause.Wait()
		}

		job, err := p.Queue.ClaimLocal(ctx, p.Kind)
		if err != nil {
			slog.Error("worker: claim failed", "kind", p.Kind, "error", err)
			job = nil
		}

		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-wake:
			case <-time.After(pollInterval):
			}
			continue
		}

		p.execute(ctx, job)
	}
}

func (p *Pool) execute(ctx context.Context, job *store.Job) {
	err := p.Handler.Handle(ctx, job)
	if err == nil {
		if cerr := p.Queue.Complete(ctx, job.ID); cerr != nil {
			slog.Error("worker: complete failed", "kind", p.Kind, "job_id", job.ID, "error", cerr)
		}
		return
	}

	if ctx.Err() != nil {
		// Shutting down mid-handler: release rather than count it as a
		// real failure against attempts.
		if rerr := p.Queue.Release(ctx, job.ID); rerr != nil {
			slog.Error("worker: release on shutdown failed", "kind", p.Kind, "job_id", job.ID, "error", rerr)
		}
		return
	}

	reason, msg := classify(err)
	slog.Warn("worker: job failed", "kind", p.Kind, "job_id", job.ID, "reason", reason, "error", msg)
	if ferr := p.Queue.Fail(ctx, job.ID, reason, msg); ferr != nil {
		slog.Error("worker: fail failed", "kind", p.Kind, "job_id", job.ID, "error", ferr)
		return
	}
	// The claim already incremented attempts, so attempts == max on the
	// final permitted try.
	if job.Attempts >= job.MaxAttempts && p.OnTerminal != nil {
		p.OnTerminal(ctx, job, reason, msg)
	}
}
