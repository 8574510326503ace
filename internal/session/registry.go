// Package session tracks automation sessions and drives their lifecycle.
//
// The Registry is the single source of truth for which sessions exist and
// what state they are in. The Controller reacts to agent client events and
// is the only writer of session status.
package session

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/relay/internal/agent"
	"github.com/ashureev/relay/internal/domain"
	"github.com/ashureev/relay/internal/events"
	"github.com/ashureev/relay/internal/identity"
	"github.com/ashureev/relay/internal/shared"
)

// Store is the persistence mirror used by the registry.
type Store interface {
	UpsertSession(ctx context.Context, id string, status domain.Status) error
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context) ([]domain.PersistedSession, error)
}

const (
	persistAttempts  = 3
	persistBaseDelay = 50 * time.Millisecond
	persistTimeout   = 5 * time.Second
)

// Record binds a session id to its current client and status.
type Record struct {
	id string

	// op serializes start, logout and delete for this session so at most
	// one live client exists at a time.
	op sync.Mutex

	mu      sync.Mutex
	client  agent.Client
	status  domain.Status
	qr      string
	stop    context.CancelFunc
	removed bool
}

// ID returns the session identifier.
func (r *Record) ID() string { return r.id }

// Snapshot returns the record's current client and status.
func (r *Record) Snapshot() (agent.Client, domain.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.client, r.status
}

func (r *Record) isRemoved() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removed
}

// Registry maps session ids to records.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record

	auth  AuthStore
	bus   events.Publisher
	store Store
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore mirrors session creation, status and deletion into s.
func WithStore(s Store) Option {
	return func(r *Registry) { r.store = s }
}

// NewRegistry creates an empty registry.
func NewRegistry(auth AuthStore, bus events.Publisher, opts ...Option) *Registry {
	r := &Registry{
		records: make(map[string]*Record),
		auth:    auth,
		bus:     bus,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create ensures a record exists for id. It is idempotent.
func (r *Registry) Create(id string) (domain.SessionInfo, error) {
	if err := identity.Validate(id); err != nil {
		return domain.SessionInfo{}, err
	}
	rec := r.Lookup(id)
	_, status := rec.Snapshot()
	return domain.SessionInfo{ID: id, Status: status}, nil
}

// Lookup returns the record for id, creating a default one if absent.
func (r *Registry) Lookup(id string) *Record {
	r.mu.RLock()
	rec, ok := r.records[id]
	r.mu.RUnlock()
	if ok {
		return rec
	}

	r.mu.Lock()
	rec, ok = r.records[id]
	if !ok {
		rec = &Record{id: id, status: domain.StatusDown}
		r.records[id] = rec
	}
	r.mu.Unlock()

	if !ok {
		slog.Info("Session created", "session_id", id)
		r.persist(id, domain.StatusDown)
	}
	return rec
}

// Get returns the record for id without creating one.
func (r *Registry) Get(id string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	return rec, ok
}

// List returns a snapshot of all sessions ordered by id.
func (r *Registry) List() []domain.SessionInfo {
	r.mu.RLock()
	recs := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	out := make([]domain.SessionInfo, 0, len(recs))
	for _, rec := range recs {
		_, status := rec.Snapshot()
		out = append(out, domain.SessionInfo{ID: rec.id, Status: status})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Status returns the current status of id.
func (r *Registry) Status(id string) (domain.Status, bool) {
	rec, ok := r.Get(id)
	if !ok {
		return "", false
	}
	_, status := rec.Snapshot()
	return status, true
}

// QR returns the pending login code image of id, if any.
func (r *Registry) QR(id string) (string, bool) {
	rec, ok := r.Get(id)
	if !ok {
		return "", false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.qr, rec.qr != ""
}

// Delete destroys any live client, wipes the session's authentication
// material and forgets the record. Unknown ids succeed trivially.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := identity.Validate(id); err != nil {
		return err
	}

	if rec, ok := r.Get(id); ok {
		rec.op.Lock()
		defer rec.op.Unlock()
		if client := r.detach(rec, domain.StatusDown); client != nil {
			destroyQuietly(ctx, id, client)
		}
	}

	if err := r.auth.Remove(id); err != nil {
		return err
	}

	r.mu.Lock()
	if rec, ok := r.records[id]; ok {
		rec.mu.Lock()
		rec.removed = true
		rec.mu.Unlock()
		delete(r.records, id)
	}
	r.mu.Unlock()

	if r.store != nil {
		err := shared.RetryOnConflict(ctx, persistAttempts, persistBaseDelay, func(ctx context.Context) error {
			return r.store.DeleteSession(ctx, id)
		})
		if err != nil {
			slog.Warn("Failed to delete persisted session", "session_id", id, "error", err)
		}
	}

	slog.Info("Session deleted", "session_id", id)
	return nil
}

// Restore re-creates records for every persisted session with status down.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	persisted, err := r.store.ListSessions(ctx)
	if err != nil {
		return 0, err
	}
	for _, ps := range persisted {
		if identity.Validate(ps.ID) != nil {
			slog.Warn("Skipping persisted session with invalid id", "session_id", ps.ID)
			continue
		}
		r.Lookup(ps.ID)
		if ps.Status != domain.StatusDown {
			r.persist(ps.ID, domain.StatusDown)
		}
	}
	return len(persisted), nil
}

// attach installs client as the record's live client.
func (r *Registry) attach(rec *Record, client agent.Client, stop context.CancelFunc) {
	rec.mu.Lock()
	rec.client = client
	rec.stop = stop
	rec.qr = ""
	rec.mu.Unlock()
	r.setStatus(rec, client, domain.StatusInitializing)
}

// detach clears the record's client, stops its supervisor and moves the
// record to status. The previous client is returned for teardown.
func (r *Registry) detach(rec *Record, status domain.Status) agent.Client {
	rec.mu.Lock()
	client := rec.client
	if rec.stop != nil {
		rec.stop()
	}
	rec.client, rec.stop, rec.qr = nil, nil, ""
	changed := rec.status != status
	rec.status = status
	if changed {
		r.publish(events.StatusChanged(rec.id, status))
	}
	rec.mu.Unlock()
	if changed {
		r.persist(rec.id, status)
	}
	return client
}

// setStatus moves rec to status if client is still the record's live
// client. It reports whether the transition happened.
func (r *Registry) setStatus(rec *Record, client agent.Client, status domain.Status) bool {
	return r.transition(rec, client, status)
}

// transition is setStatus guarded by the current status: when from is not
// empty, rec must be in one of those states. The status event is published
// under the record lock so observers see transitions in the order they were
// applied.
func (r *Registry) transition(rec *Record, client agent.Client, to domain.Status, from ...domain.Status) bool {
	rec.mu.Lock()
	if rec.client != client || (len(from) > 0 && !slices.Contains(from, rec.status)) {
		rec.mu.Unlock()
		return false
	}
	rec.status = to
	if to == domain.StatusReady {
		rec.qr = ""
	}
	r.publish(events.StatusChanged(rec.id, to))
	rec.mu.Unlock()

	r.persist(rec.id, to)
	return true
}

// setQR caches a rendered login code and moves rec to the qr state.
func (r *Registry) setQR(rec *Record, client agent.Client, png string) bool {
	rec.mu.Lock()
	if rec.client != client {
		rec.mu.Unlock()
		return false
	}
	rec.qr = png
	changed := rec.status != domain.StatusQR
	if changed {
		rec.status = domain.StatusQR
		r.publish(events.StatusChanged(rec.id, domain.StatusQR))
	}
	r.publish(events.LoginCode(rec.id, png))
	rec.mu.Unlock()

	if changed {
		r.persist(rec.id, domain.StatusQR)
	}
	return true
}

func (r *Registry) publish(e events.Event) {
	if r.bus != nil {
		r.bus.Publish(e)
	}
}

func (r *Registry) persist(id string, status domain.Status) {
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	err := shared.RetryOnConflict(ctx, persistAttempts, persistBaseDelay, func(ctx context.Context) error {
		return r.store.UpsertSession(ctx, id, status)
	})
	if err != nil {
		slog.Warn("Failed to persist session status", "session_id", id, "status", status, "error", err)
	}
}

func destroyQuietly(ctx context.Context, id string, client agent.Client) {
	if err := client.Destroy(ctx); err != nil {
		slog.Debug("Client destroy failed", "session_id", id, "error", err)
	}
}
