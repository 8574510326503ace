package domain

import "errors"

// Error taxonomy shared by the session, dispatch and API layers. Callers
// classify with errors.Is; messages are wrapped with context via %w.
var (
	// ErrInvalidArgument marks malformed or missing caller input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotStarted means the operation needs a live client and there is none.
	ErrNotStarted = errors.New("session not started")
	// ErrNotReady means a client exists but has not reached the ready state.
	ErrNotReady = errors.New("session not ready")
	// ErrMediaFetch marks a failed remote media download.
	ErrMediaFetch = errors.New("media fetch failed")
	// ErrAuthFailure means the platform rejected the stored credentials.
	ErrAuthFailure = errors.New("authentication failed")
	// ErrSessionNotFound is returned by read-only queries for unknown ids.
	ErrSessionNotFound = errors.New("session not found")
)
