package worker

import (
	"context"

	"forgecast/internal/store"
)

// HandlerError carries the categorical failure reason a stage handler
// wants recorded on the job. A handler that returns a plain error
// instead is recorded under ReasonUnknown.
type HandlerError struct {
	Reason store.FailureReason
	Err    error
}

func (e *HandlerError) Error() string { return e.Err.Error() }
func (e *HandlerError) Unwrap() error { return e.Err }

// Fail wraps err with a categorical reason for a handler to return.
func Fail(reason store.FailureReason, err error) error {
	return &HandlerError{Reason: reason, Err: err}
}

// classify extracts (reason, message) from a handler's returned error.
func classify(err error) (store.FailureReason, string) {
	if he, ok := err.(*HandlerError); ok {
		return he.Reason, he.Err.Error()
	}
	return store.ReasonUnknown, err.Error()
}

// Handler executes a single job's stage logic end to end: all I/O,
// throttled progress reporting, episode-state advancement, and
// follow-on enqueue. The pool calls Complete on a nil return and Fail
// (with the classified reason) otherwise.
type Handler interface {
	Handle(ctx context.Context, job *store.Job) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job *store.Job) error

func (f HandlerFunc) Handle(ctx context.Context, job *store.Job) error { return f(ctx, job) }
