package store

import "errors"

// ErrNotFound is returned by single-row lookups that match no row.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when an operation would violate a uniqueness
// or state invariant (e.g. completing an already-completed job twice is
// not an error, but claiming a job someone else just claimed is).
var ErrConflict = errors.New("store: conflict")
