package models

import "errors"

// Core error taxonomy. Handlers map these to HTTP statuses; services wrap
// them with context via fmt.Errorf("...: %w", err).
var (
	// ErrNotFound covers missing sessions, memory artifacts, and
	// owner/session mismatches.
	ErrNotFound = errors.New("not found")

	// ErrUnknownAgent is returned when dispatch is asked for a category
	// outside the fixed specialist set.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrGenerationFailure wraps errors and timeouts from the underlying
	// completion capability.
	ErrGenerationFailure = errors.New("generation failed")

	// ErrSessionBusy signals a concurrent generation already in flight
	// for the same session.
	ErrSessionBusy = errors.New("session busy")

	// ErrStorageFailure signals the persistence layer was unavailable.
	ErrStorageFailure = errors.New("storage failure")
)
