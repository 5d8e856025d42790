package common

import "errors"

// --- Error Definitions ---

var (
	// ErrIO is returned when a device read, write, truncate or flush fails,
	// including short reads.
	ErrIO = errors.New("i/o error")
	// ErrIntegrityViolated is returned when an internal invariant check fails.
	// It indicates a bug or on-disk corruption and must not be ignored.
	ErrIntegrityViolated = errors.New("integrity violated")
	// ErrNotImplemented marks reserved code paths.
	ErrNotImplemented = errors.New("not implemented")
	// ErrKeyNotFound is the normal outcome of a lookup that found nothing.
	ErrKeyNotFound = errors.New("key not found")

	ErrPageNotFound    = errors.New("page not found in cache")
	ErrLimitsReached   = errors.New("node key range exhausted")
	ErrDuplicateKey    = errors.New("key already exists")
	ErrCursorAttached  = errors.New("page has attached cursors")
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrInvalidFile     = errors.New("invalid database file")
	ErrJournalMismatch = errors.New("journal belongs to a different environment")
	ErrClosed          = errors.New("environment is closed")
)
