// Package domain contains core domain types for the relay application.
package domain

import "time"

// Status is the lifecycle state of a session.
type Status string

// Lifecycle states. The authenticated-but-not-ready phase is folded into
// StatusInitializing.
const (
	StatusDown         Status = "down"
	StatusInitializing Status = "initializing"
	StatusQR           Status = "qr"
	StatusReady        Status = "ready"
	StatusDisconnected Status = "disconnected"
	StatusReconnecting Status = "reconnecting"
)

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusDown, StatusInitializing, StatusQR, StatusReady, StatusDisconnected, StatusReconnecting:
		return true
	}
	return false
}

// SessionInfo is a point-in-time snapshot of a session record.
type SessionInfo struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
}

// PersistedSession is the durable view of a session kept in the store.
type PersistedSession struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
