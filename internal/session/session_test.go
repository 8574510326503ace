package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/relay/internal/agent"
	"github.com/ashureev/relay/internal/agent/agenttest"
	"github.com/ashureev/relay/internal/domain"
	"github.com/ashureev/relay/internal/events"
)

type harness struct {
	ctrl    *Controller
	reg     *Registry
	bus     *events.Bus
	factory *agenttest.Factory
	auth    *DirStore
	sub     <-chan events.Event
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	auth, err := NewDirStore(t.TempDir())
	require.NoError(t, err)

	bus := events.NewBus()
	sub, unsub := bus.Subscribe(256)
	t.Cleanup(unsub)

	factory := &agenttest.Factory{}
	reg := NewRegistry(auth, bus, opts...)
	ctrl := NewController(reg, bus, ControllerConfig{
		Factory:        factory.New,
		ReconnectDelay: 10 * time.Millisecond,
		EncodeQR:       func(code string) (string, error) { return "png:" + code, nil },
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		ctrl.Shutdown(ctx)
	})
	return &harness{ctrl: ctrl, reg: reg, bus: bus, factory: factory, auth: auth, sub: sub}
}

// waitStatus blocks until id reaches want.
func (h *harness) waitStatus(t *testing.T, id string, want domain.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		got, _ := h.reg.Status(id)
		return got == want
	}, 2*time.Second, 5*time.Millisecond, "waiting for %s to become %s", id, want)
}

// statuses drains status events for id until n have been seen.
func (h *harness) statuses(t *testing.T, id string, n int) []domain.Status {
	t.Helper()
	var out []domain.Status
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case e := <-h.sub:
			if e.SessionID == id && e.Kind == events.KindStatus {
				out = append(out, e.Status)
			}
		case <-deadline:
			t.Fatalf("timed out after statuses %v", out)
		}
	}
	return out
}

func (h *harness) startReady(t *testing.T, id string) *agenttest.Client {
	t.Helper()
	_, err := h.ctrl.Start(context.Background(), id)
	require.NoError(t, err)
	client := h.factory.Last()
	require.NotNil(t, client)
	require.Eventually(t, func() bool { return client.InitCalls() == 1 }, time.Second, 5*time.Millisecond)
	client.Emit(agent.Event{Type: agent.EventReady})
	h.waitStatus(t, id, domain.StatusReady)
	return client
}

func TestRegistry_CreateIsIdempotent(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < 3; i++ {
		info, err := h.reg.Create("alpha")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusDown, info.Status)
	}

	assert.Equal(t, []domain.SessionInfo{{ID: "alpha", Status: domain.StatusDown}}, h.reg.List())
}

func TestRegistry_CreateRejectsInvalidID(t *testing.T) {
	h := newHarness(t)

	for _, id := range []string{"", "../escape", "a b"} {
		_, err := h.reg.Create(id)
		assert.ErrorIs(t, err, domain.ErrInvalidArgument, id)
	}
	assert.Empty(t, h.reg.List())
}

func TestRegistry_LookupCreatesDefault(t *testing.T) {
	h := newHarness(t)

	rec := h.reg.Lookup("implicit")
	client, status := rec.Snapshot()
	assert.Nil(t, client)
	assert.Equal(t, domain.StatusDown, status)
	assert.Len(t, h.reg.List(), 1)
}

func TestRegistry_DeleteUnknownSucceeds(t *testing.T) {
	h := newHarness(t)
	assert.NoError(t, h.reg.Delete(context.Background(), "ghost"))
}

func TestController_StartTransitionsToInitializing(t *testing.T) {
	h := newHarness(t)
	_, err := h.reg.Create("s1")
	require.NoError(t, err)

	info, err := h.ctrl.Start(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInitializing, info.Status)

	assert.Equal(t, []domain.Status{domain.StatusInitializing}, h.statuses(t, "s1", 1))

	client := h.factory.Last()
	require.Eventually(t, func() bool { return client.InitCalls() == 1 }, time.Second, 5*time.Millisecond)
	assert.DirExists(t, client.AuthDir)
	assert.Equal(t, h.auth.Path("s1"), client.AuthDir)
}

func TestController_QRThenReady(t *testing.T) {
	h := newHarness(t)
	_, err := h.ctrl.Start(context.Background(), "s1")
	require.NoError(t, err)
	client := h.factory.Last()

	client.Emit(agent.Event{Type: agent.EventQRCode, QR: "code-1"})
	h.waitStatus(t, "s1", domain.StatusQR)

	png, ok := h.reg.QR("s1")
	require.True(t, ok)
	assert.Equal(t, "png:code-1", png)

	client.Emit(agent.Event{Type: agent.EventAuthenticated})
	client.Emit(agent.Event{Type: agent.EventReady})
	h.waitStatus(t, "s1", domain.StatusReady)

	_, ok = h.reg.QR("s1")
	assert.False(t, ok, "ready must clear the pending login code")

	want := []domain.Status{domain.StatusInitializing, domain.StatusQR, domain.StatusInitializing, domain.StatusReady}
	assert.Equal(t, want, h.statuses(t, "s1", len(want)))
}

func TestController_QRPublishesImage(t *testing.T) {
	h := newHarness(t)
	_, err := h.ctrl.Start(context.Background(), "s1")
	require.NoError(t, err)
	h.factory.Last().Emit(agent.Event{Type: agent.EventQRCode, QR: "abc"})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-h.sub:
			if e.Kind == events.KindQR {
				assert.Equal(t, "s1", e.SessionID)
				assert.Equal(t, "png:abc", e.QR)
				return
			}
		case <-deadline:
			t.Fatal("no qr event published")
		}
	}
}

func TestController_DisconnectReconnects(t *testing.T) {
	h := newHarness(t)
	client := h.startReady(t, "s1")
	require.Equal(t, []domain.Status{domain.StatusInitializing, domain.StatusReady}, h.statuses(t, "s1", 2))

	client.Emit(agent.Event{Type: agent.EventDisconnected, Reason: "NAVIGATION"})

	want := []domain.Status{domain.StatusDisconnected, domain.StatusReconnecting, domain.StatusInitializing}
	assert.Equal(t, want, h.statuses(t, "s1", 3))
	require.Eventually(t, func() bool { return client.InitCalls() == 2 }, time.Second, 5*time.Millisecond)
	assert.Len(t, h.factory.Clients(), 1, "reconnect must reuse the same client")

	client.Emit(agent.Event{Type: agent.EventReady})
	h.waitStatus(t, "s1", domain.StatusReady)
}

func TestController_ReconnectIsUnbounded(t *testing.T) {
	h := newHarness(t)
	var failing atomic.Bool
	failing.Store(true)
	h.factory.Setup = func(c *agenttest.Client) {
		c.InitFunc = func(call int) error {
			if call > 1 && failing.Load() {
				return errors.New("network unreachable")
			}
			return nil
		}
	}
	client := h.startReady(t, "s1")

	// A single disconnect keeps the session retrying on its own.
	client.Emit(agent.Event{Type: agent.EventDisconnected, Reason: "lost"})
	require.Eventually(t, func() bool { return client.InitCalls() >= 5 }, 2*time.Second, 5*time.Millisecond)

	failing.Store(false)
	h.waitStatus(t, "s1", domain.StatusInitializing)
	client.Emit(agent.Event{Type: agent.EventReady})
	h.waitStatus(t, "s1", domain.StatusReady)
	assert.Len(t, h.factory.Clients(), 1)
}

func TestController_AuthFailureIsTerminal(t *testing.T) {
	h := newHarness(t)
	client := h.startReady(t, "s1")

	client.Emit(agent.Event{Type: agent.EventAuthFailure, Reason: "bad creds"})
	h.waitStatus(t, "s1", domain.StatusDisconnected)
	client.Emit(agent.Event{Type: agent.EventDisconnected, Reason: "LOGOUT"})

	time.Sleep(50 * time.Millisecond)
	status, _ := h.reg.Status("s1")
	assert.Equal(t, domain.StatusDisconnected, status)
	assert.Equal(t, 1, client.InitCalls())
}

func TestController_DisconnectAfterLogoutStaysDown(t *testing.T) {
	h := newHarness(t)
	client := h.startReady(t, "s1")

	_, err := h.ctrl.Logout(context.Background(), "s1")
	require.NoError(t, err)
	client.Emit(agent.Event{Type: agent.EventDisconnected, Reason: "LOGOUT"})

	time.Sleep(50 * time.Millisecond)
	status, _ := h.reg.Status("s1")
	assert.Equal(t, domain.StatusDisconnected, status)
	assert.Equal(t, 1, client.InitCalls())
}

func TestController_InitializeFailureMarksDown(t *testing.T) {
	h := newHarness(t)
	h.factory.Setup = func(c *agenttest.Client) {
		c.InitFunc = func(int) error { return errors.New("browser crashed") }
	}
	_, err := h.ctrl.Start(context.Background(), "s1")
	require.NoError(t, err)
	h.waitStatus(t, "s1", domain.StatusDown)
}

func TestController_StartResumesExistingClient(t *testing.T) {
	h := newHarness(t)
	client := h.startReady(t, "s1")

	info, err := h.ctrl.Start(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReady, info.Status)
	assert.Len(t, h.factory.Clients(), 1)
	assert.Equal(t, 2, client.InitCalls())
	assert.Equal(t, 0, client.DestroyCalls())
}

func TestController_StartReplacesClientWhenResumeFails(t *testing.T) {
	h := newHarness(t)
	first := h.startReady(t, "s1")
	first.InitFunc = func(int) error { return errors.New("target closed") }

	info, err := h.ctrl.Start(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInitializing, info.Status)

	require.Len(t, h.factory.Clients(), 2)
	assert.Equal(t, 1, first.DestroyCalls())

	// Events from the replaced client are ignored.
	first.Emit(agent.Event{Type: agent.EventReady})
	time.Sleep(20 * time.Millisecond)
	status, _ := h.reg.Status("s1")
	assert.Equal(t, domain.StatusInitializing, status)
}

func TestController_ConcurrentStartKeepsOneClient(t *testing.T) {
	h := newHarness(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.ctrl.Start(context.Background(), "s1")
		}()
	}
	wg.Wait()

	assert.Len(t, h.factory.Clients(), 1)
}

func TestController_LogoutRequiresClient(t *testing.T) {
	h := newHarness(t)
	_, err := h.reg.Create("s1")
	require.NoError(t, err)

	_, err = h.ctrl.Logout(context.Background(), "s1")
	assert.ErrorIs(t, err, domain.ErrNotStarted)
}

func TestController_Logout(t *testing.T) {
	h := newHarness(t)
	client := h.startReady(t, "s1")

	info, err := h.ctrl.Logout(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDisconnected, info.Status)
	assert.Equal(t, 1, client.LogoutCalls())
	status, _ := h.reg.Status("s1")
	assert.Equal(t, domain.StatusDisconnected, status)
}

func TestController_DeleteDestroysClientAndStorage(t *testing.T) {
	h := newHarness(t)
	client := h.startReady(t, "s1")
	client.DestroyErr = errors.New("already gone")

	marker := filepath.Join(h.auth.Path("s1"), "session.json")
	require.NoError(t, os.WriteFile(marker, []byte("{}"), 0o600))

	require.NoError(t, h.ctrl.Delete(context.Background(), "s1"))

	assert.Equal(t, 1, client.DestroyCalls())
	assert.NoDirExists(t, h.auth.Path("s1"))
	assert.Empty(t, h.reg.List())

	_, err := h.ctrl.ReadyClient("s1")
	assert.ErrorIs(t, err, domain.ErrNotStarted)
}

func TestController_ReadyClientPreconditions(t *testing.T) {
	h := newHarness(t)

	_, err := h.ctrl.ReadyClient("s1")
	assert.ErrorIs(t, err, domain.ErrNotStarted)

	_, err = h.ctrl.Start(context.Background(), "s1")
	require.NoError(t, err)
	_, err = h.ctrl.ReadyClient("s1")
	assert.ErrorIs(t, err, domain.ErrNotReady)

	h.factory.Last().Emit(agent.Event{Type: agent.EventReady})
	h.waitStatus(t, "s1", domain.StatusReady)
	client, err := h.ctrl.ReadyClient("s1")
	require.NoError(t, err)
	assert.Same(t, h.factory.Last(), client)
}

func TestController_LogEvents(t *testing.T) {
	h := newHarness(t)
	_, err := h.ctrl.Start(context.Background(), "s1")
	require.NoError(t, err)
	client := h.factory.Last()

	client.Emit(agent.Event{Type: agent.EventLoadingProgress, Percent: 42, Message: "WhatsApp"})
	client.Emit(agent.Event{Type: agent.EventMessage, From: "123@c.us", Ack: 1})

	var lines []string
	deadline := time.After(2 * time.Second)
	for len(lines) < 2 {
		select {
		case e := <-h.sub:
			if e.Kind == events.KindLog {
				lines = append(lines, e.Line)
			}
		case <-deadline:
			t.Fatalf("timed out, got %v", lines)
		}
	}
	assert.Equal(t, []string{"[loading] 42% WhatsApp", "[message] from 123@c.us (ack:1)"}, lines)
}

type memStore struct {
	mu       sync.Mutex
	sessions map[string]domain.Status
}

func (m *memStore) UpsertSession(_ context.Context, id string, status domain.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id] = status
	return nil
}

func (m *memStore) DeleteSession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *memStore) ListSessions(_ context.Context) ([]domain.PersistedSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.PersistedSession
	for id, st := range m.sessions {
		out = append(out, domain.PersistedSession{ID: id, Status: st})
	}
	return out, nil
}

func (m *memStore) get(id string) (domain.Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sessions[id]
	return st, ok
}

func TestRegistry_PersistsAndRestores(t *testing.T) {
	store := &memStore{sessions: map[string]domain.Status{"old": domain.StatusReady}}
	h := newHarness(t, WithStore(store))

	n, err := h.reg.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []domain.SessionInfo{{ID: "old", Status: domain.StatusDown}}, h.reg.List())
	st, _ := store.get("old")
	assert.Equal(t, domain.StatusDown, st)

	h.startReady(t, "fresh")
	require.Eventually(t, func() bool {
		st, ok := store.get("fresh")
		return ok && st == domain.StatusReady
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, h.reg.Delete(context.Background(), "fresh"))
	_, ok := store.get("fresh")
	assert.False(t, ok)
}
