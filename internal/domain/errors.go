package domain

import "errors"

// Sentinel errors for the orchestration core. Callers branch with errors.Is;
// wrapping sites add context with fmt.Errorf("...: %w", err).
var (
	// ErrNotFound marks lookups for unknown operations, subscriptions,
	// connections or jobs. Surfaced, never retried.
	ErrNotFound = errors.New("not found")

	// ErrStateConflict marks an operation attempted in an illegal state,
	// e.g. retrying a non-failed sync operation.
	ErrStateConflict = errors.New("state conflict")

	// ErrValidation marks malformed or missing trigger input.
	ErrValidation = errors.New("validation failed")
)
