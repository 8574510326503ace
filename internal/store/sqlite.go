package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/relay/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

var _ Repository = (*SQLiteStore)(nil)

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS broadcast_runs (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		total INTEGER NOT NULL,
		succeeded INTEGER NOT NULL,
		failed INTEGER NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL,
		results_json TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_broadcast_runs_session ON broadcast_runs(session_id, finished_at);
	CREATE INDEX IF NOT EXISTS idx_broadcast_runs_finished ON broadcast_runs(finished_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// UpsertSession creates a session row or updates its status.
func (s *SQLiteStore) UpsertSession(ctx context.Context, id string, status domain.Status) error {
	query := `
	INSERT INTO sessions (id, status, created_at, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		status = excluded.status,
		updated_at = excluded.updated_at`

	now := time.Now().UnixMilli()
	if _, err := s.db.ExecContext(ctx, query, id, string(status), now, now); err != nil {
		return fmt.Errorf("upsert session %s: %w", id, err)
	}
	return nil
}

// DeleteSession removes a session row and its broadcast history.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete session: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM broadcast_runs WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete broadcast runs for %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete session: %w", err)
	}
	return nil
}

// ListSessions returns all persisted sessions ordered by creation time.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]domain.PersistedSession, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, status, created_at, updated_at FROM sessions ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var sessions []domain.PersistedSession
	for rows.Next() {
		var ps domain.PersistedSession
		var status string
		var createdAt, updatedAt int64
		if err := rows.Scan(&ps.ID, &status, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		ps.Status = domain.Status(status)
		ps.CreatedAt = time.UnixMilli(createdAt)
		ps.UpdatedAt = time.UnixMilli(updatedAt)
		sessions = append(sessions, ps)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// RecordBroadcast stores a finished broadcast run.
func (s *SQLiteStore) RecordBroadcast(ctx context.Context, run *domain.BroadcastRun) error {
	results, err := json.Marshal(run.Results)
	if err != nil {
		return fmt.Errorf("marshal broadcast results: %w", err)
	}

	query := `
	INSERT INTO broadcast_runs (id, session_id, kind, total, succeeded, failed, started_at, finished_at, results_json)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		run.ID, run.SessionID, string(run.Kind),
		run.Total, run.Succeeded, run.Failed,
		run.StartedAt.UnixMilli(), run.FinishedAt.UnixMilli(),
		string(results),
	)
	if err != nil {
		return fmt.Errorf("insert broadcast run %s: %w", run.ID, err)
	}
	return nil
}

// ListBroadcasts returns the most recent runs for a session, newest first.
func (s *SQLiteStore) ListBroadcasts(ctx context.Context, sessionID string, limit int) ([]*domain.BroadcastRun, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, session_id, kind, total, succeeded, failed, started_at, finished_at, results_json
		FROM broadcast_runs WHERE session_id = ?
		ORDER BY finished_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query broadcast runs: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close broadcast rows", "error", closeErr)
		}
	}()

	var runs []*domain.BroadcastRun
	for rows.Next() {
		var run domain.BroadcastRun
		var kind, results string
		var startedAt, finishedAt int64
		if err := rows.Scan(
			&run.ID, &run.SessionID, &kind,
			&run.Total, &run.Succeeded, &run.Failed,
			&startedAt, &finishedAt, &results,
		); err != nil {
			return nil, fmt.Errorf("scan broadcast row: %w", err)
		}
		run.Kind = domain.BroadcastKind(kind)
		run.StartedAt = time.UnixMilli(startedAt)
		run.FinishedAt = time.UnixMilli(finishedAt)
		if err := json.Unmarshal([]byte(results), &run.Results); err != nil {
			return nil, fmt.Errorf("decode results of run %s: %w", run.ID, err)
		}
		runs = append(runs, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate broadcast runs: %w", err)
	}
	return runs, nil
}

// PruneBroadcasts deletes runs that finished before now-olderThan.
func (s *SQLiteStore) PruneBroadcasts(ctx context.Context, olderThan time.Duration) (int64, error) {
	threshold := time.Now().Add(-olderThan).UnixMilli()
	result, err := s.db.ExecContext(ctx, `DELETE FROM broadcast_runs WHERE finished_at < ?`, threshold)
	if err != nil {
		return 0, fmt.Errorf("prune broadcast runs: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
