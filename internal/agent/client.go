// Package agent defines the capability interface of a platform automation
// client. The orchestrator only talks to this interface; concrete clients
// live elsewhere (see package bridge).
package agent

import "context"

// Client is one automation client bound to one session.
//
// Events must deliver lifecycle notifications in the order they occur and
// is closed after Destroy returns.
type Client interface {
	// Initialize starts (or resumes) the platform session.
	Initialize(ctx context.Context) error

	// Destroy tears the client down. The client must not be reused.
	Destroy(ctx context.Context) error

	// Logout signs the session out on the platform side.
	Logout(ctx context.Context) error

	// SendMessage delivers payload to a normalized target.
	SendMessage(ctx context.Context, target string, payload Payload, opts SendOptions) (SentMessage, error)

	// Events returns the lifecycle event stream.
	Events() <-chan Event
}

// Factory builds a new client for the session id whose authentication
// material lives in authDir.
type Factory func(id, authDir string) (Client, error)

// SendOptions carries optional per-send settings.
type SendOptions struct {
	Caption string `json:"caption,omitempty"`
}

// SentMessage identifies a message accepted by the platform.
type SentMessage struct {
	ID string `json:"id"`
}
