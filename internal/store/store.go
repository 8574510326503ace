// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/relay/internal/domain"
)

// Repository persists session records and broadcast history.
type Repository interface {
	// UpsertSession creates a session row or updates its status.
	UpsertSession(ctx context.Context, id string, status domain.Status) error

	// DeleteSession removes a session row and its broadcast history.
	DeleteSession(ctx context.Context, id string) error

	// ListSessions returns all persisted sessions ordered by creation time.
	ListSessions(ctx context.Context) ([]domain.PersistedSession, error)

	// RecordBroadcast stores a finished broadcast run.
	RecordBroadcast(ctx context.Context, run *domain.BroadcastRun) error

	// ListBroadcasts returns the most recent runs for a session, newest first.
	ListBroadcasts(ctx context.Context, sessionID string, limit int) ([]*domain.BroadcastRun, error)

	// PruneBroadcasts deletes runs that finished before the cutoff.
	PruneBroadcasts(ctx context.Context, olderThan time.Duration) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
