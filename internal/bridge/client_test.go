package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/relay/internal/agent"
)

// fakeBridge is a scripted bridge endpoint.
type fakeBridge struct {
	t     *testing.T
	dials atomic.Int32

	mu       sync.Mutex
	commands []map[string]any
	conn     *websocket.Conn
	// dropAfterInit closes the socket right after answering initialize.
	dropAfterInit bool
}

func (b *fakeBridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.dials.Add(1)
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		b.t.Errorf("accept: %v", err)
		return
	}
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var cmd map[string]any
		if err := json.Unmarshal(data, &cmd); err != nil {
			b.t.Errorf("decode: %v", err)
			return
		}
		b.mu.Lock()
		b.commands = append(b.commands, cmd)
		drop := b.dropAfterInit
		b.mu.Unlock()

		reply := map[string]any{"type": "result", "requestId": cmd["requestId"], "ok": true}
		switch cmd["type"] {
		case "initialize":
			write(ctx, conn, map[string]any{"type": "qr", "qr": "login-code"})
			write(ctx, conn, map[string]any{"type": "loading", "percent": 50, "message": "syncing"})
			write(ctx, conn, map[string]any{"type": "ready"})
			write(ctx, conn, reply)
			if drop {
				b.mu.Lock()
				b.dropAfterInit = false
				b.mu.Unlock()
				_ = conn.Close(websocket.StatusGoingAway, "bye")
				return
			}
		case "send":
			if cmd["to"] == "fail@c.us" {
				reply["ok"] = false
				reply["error"] = "number not registered"
			} else {
				reply["messageId"] = "wamid-1"
			}
			write(ctx, conn, reply)
		default:
			write(ctx, conn, reply)
		}
	}
}

func (b *fakeBridge) sent() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]map[string]any(nil), b.commands...)
}

func write(ctx context.Context, conn *websocket.Conn, v any) {
	data, _ := json.Marshal(v)
	_ = conn.Write(ctx, websocket.MessageText, data)
}

type recordingLauncher struct {
	StaticLauncher
	released atomic.Int32
}

func (l *recordingLauncher) Release(context.Context, string) error {
	l.released.Add(1)
	return nil
}

func newBridge(t *testing.T) (*fakeBridge, *recordingLauncher) {
	t.Helper()
	b := &fakeBridge{t: t}
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)
	tmpl := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sessions/{id}"
	return b, &recordingLauncher{StaticLauncher: StaticLauncher{Template: tmpl}}
}

func nextEvent(t *testing.T, c *Client) agent.Event {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		require.True(t, ok, "event stream closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return agent.Event{}
	}
}

func TestStaticLauncher_Endpoint(t *testing.T) {
	got, err := StaticLauncher{Template: "ws://bridge:3011/sessions/{id}"}.Endpoint(context.Background(), "shop a", "")
	require.NoError(t, err)
	assert.Equal(t, "ws://bridge:3011/sessions/shop%20a", got)

	_, err = StaticLauncher{Template: "ftp://x/{id}"}.Endpoint(context.Background(), "a", "")
	assert.Error(t, err)
}

func TestClient_InitializeStreamsEvents(t *testing.T) {
	b, l := newBridge(t)
	c := New("shop", "/auth/shop", Options{Launcher: l, ChromiumPath: "/usr/bin/chromium"})
	t.Cleanup(func() { _ = c.Destroy(context.Background()) })

	require.NoError(t, c.Initialize(context.Background()))

	assert.Equal(t, agent.Event{Type: agent.EventQRCode, QR: "login-code"}, nextEvent(t, c))
	assert.Equal(t, agent.Event{Type: agent.EventLoadingProgress, Percent: 50, Message: "syncing"}, nextEvent(t, c))
	assert.Equal(t, agent.EventReady, nextEvent(t, c).Type)

	cmds := b.sent()
	require.Len(t, cmds, 1)
	assert.Equal(t, "initialize", cmds[0]["type"])
	assert.Equal(t, "/auth/shop", cmds[0]["authDir"])
	assert.Equal(t, "/usr/bin/chromium", cmds[0]["executablePath"])
	assert.NotEmpty(t, cmds[0]["requestId"])
}

func TestClient_SendMessage(t *testing.T) {
	b, l := newBridge(t)
	c := New("shop", "", Options{Launcher: l})
	t.Cleanup(func() { _ = c.Destroy(context.Background()) })
	require.NoError(t, c.Initialize(context.Background()))

	sent, err := c.SendMessage(context.Background(), "1@c.us", agent.Text("hi"), agent.SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, "wamid-1", sent.ID)

	_, err = c.SendMessage(context.Background(), "fail@c.us", agent.Location{Latitude: 1, Longitude: 2}, agent.SendOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "number not registered")

	cmds := b.sent()
	require.Len(t, cmds, 3)
	assert.Equal(t, "text", cmds[1]["kind"])
	assert.Equal(t, "hi", cmds[1]["content"])
	assert.Equal(t, "location", cmds[2]["kind"])
	assert.Equal(t, map[string]any{"latitude": 1.0, "longitude": 2.0}, cmds[2]["content"])
}

func TestClient_NotConnected(t *testing.T) {
	_, l := newBridge(t)
	c := New("shop", "", Options{Launcher: l})
	_, err := c.SendMessage(context.Background(), "1@c.us", agent.Text("hi"), agent.SendOptions{})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClient_SocketLossEmitsDisconnectAndRedials(t *testing.T) {
	b, l := newBridge(t)
	b.dropAfterInit = true
	c := New("shop", "", Options{Launcher: l})
	t.Cleanup(func() { _ = c.Destroy(context.Background()) })

	require.NoError(t, c.Initialize(context.Background()))
	for {
		ev := nextEvent(t, c)
		if ev.Type == agent.EventDisconnected {
			assert.Equal(t, ErrConnLost.Error(), ev.Reason)
			break
		}
	}

	require.NoError(t, c.Initialize(context.Background()))
	assert.Equal(t, int32(2), b.dials.Load())
}

func TestClient_DestroyClosesEventsAndReleases(t *testing.T) {
	b, l := newBridge(t)
	c := New("shop", "", Options{Launcher: l})
	require.NoError(t, c.Initialize(context.Background()))

	require.NoError(t, c.Destroy(context.Background()))
	assert.Equal(t, int32(1), l.released.Load())

	// Drain buffered events; the stream must end.
	deadline := time.After(2 * time.Second)
	for open := true; open; {
		select {
		case _, open = <-c.Events():
		case <-deadline:
			t.Fatal("event stream not closed")
		}
	}

	assert.ErrorIs(t, c.Initialize(context.Background()), ErrClosed)
	cmds := b.sent()
	assert.Equal(t, "destroy", cmds[len(cmds)-1]["type"])

	// Second destroy is harmless.
	assert.NoError(t, c.Destroy(context.Background()))
}
