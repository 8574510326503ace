package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/relay/internal/domain"
	"github.com/ashureev/relay/internal/events"
)

func dial(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, ws.Write(context.Background(), websocket.MessageText, data))
}

func recv(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := ws.Read(ctx)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestHub_JoinSendsCurrentState(t *testing.T) {
	h := NewHub(func(id string) (domain.Status, string, bool) {
		return domain.StatusQR, "cG5n", id == "shop"
	}, []string{"*"}, false)
	ws := dial(t, h)

	send(t, ws, inbound{Type: "join", ID: "shop"})
	assert.Equal(t, map[string]any{"event": "status", "id": "shop", "status": "qr"}, recv(t, ws))
	assert.Equal(t, map[string]any{"event": "qr", "id": "shop", "qr": "cG5n"}, recv(t, ws))
}

func TestHub_RelaysRoomEventsOnly(t *testing.T) {
	h := NewHub(nil, []string{"*"}, false)
	ws := dial(t, h)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	in := make(chan events.Event, 4)
	go h.Run(ctx, in)

	send(t, ws, inbound{Type: "join", ID: "a"})
	require.Eventually(t, func() bool { return h.RoomSize("a") == 1 }, time.Second, 5*time.Millisecond)

	in <- events.Event{SessionID: "b", Kind: events.KindLog, Line: "[ready] client is ready"}
	in <- events.Event{SessionID: "a", Kind: events.KindLog, Line: "[auth] authenticated"}
	in <- events.Event{SessionID: "a", Kind: events.KindStatus, Status: domain.StatusReady}

	assert.Equal(t, map[string]any{"event": "log", "id": "a", "line": "[auth] authenticated"}, recv(t, ws))
	assert.Equal(t, map[string]any{"event": "status", "id": "a", "status": "ready"}, recv(t, ws))
}

func TestHub_PingPong(t *testing.T) {
	ws := dial(t, NewHub(nil, []string{"*"}, false))
	send(t, ws, inbound{Type: "ping"})
	assert.Equal(t, map[string]any{"type": "pong"}, recv(t, ws))
}

func TestHub_LeaveAndDisconnectEmptyRooms(t *testing.T) {
	h := NewHub(nil, []string{"*"}, false)
	ws := dial(t, h)

	send(t, ws, inbound{Type: "join", ID: "a"})
	send(t, ws, inbound{Type: "join", ID: "b"})
	require.Eventually(t, func() bool { return h.RoomSize("a") == 1 && h.RoomSize("b") == 1 }, time.Second, 5*time.Millisecond)

	send(t, ws, inbound{Type: "leave", ID: "a"})
	require.Eventually(t, func() bool { return h.RoomSize("a") == 0 }, time.Second, 5*time.Millisecond)

	require.NoError(t, ws.Close(websocket.StatusNormalClosure, "done"))
	require.Eventually(t, func() bool { return h.RoomSize("b") == 0 }, time.Second, 5*time.Millisecond)
}

func TestHub_CheckOrigin(t *testing.T) {
	h := NewHub(nil, []string{"https://app.example.com"}, false)

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, h.checkOrigin(r))

	r.Header.Set("Origin", "https://app.example.com")
	assert.True(t, h.checkOrigin(r))

	h.isDev = true
	r.Header.Set("Origin", "https://evil.example.com")
	assert.True(t, h.checkOrigin(r))
}
