package store

import "errors"

// Sentinel errors for store and storage operations.
var (
	// ErrSessionExists is returned by InsertIfAbsent when the session ID is
	// already present.
	ErrSessionExists = errors.New("session already exists")

	// ErrSessionNotFound is returned when the session ID is unknown.
	ErrSessionNotFound = errors.New("session not found")

	// ErrIssueBusy is returned by InsertIfAbsent when the issue already has
	// a live session. At most one live session per issue.
	ErrIssueBusy = errors.New("issue already has a live session")

	// ErrStorageUnavailable is surfaced after persistence retries are
	// exhausted. Never fatal to a session; callers record a warning.
	ErrStorageUnavailable = errors.New("session storage unavailable")
)
