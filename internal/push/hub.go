// Package push relays status events to websocket observers grouped in
// per-session rooms.
package push

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/relay/internal/domain"
	"github.com/ashureev/relay/internal/events"
	"github.com/ashureev/relay/internal/middleware"
)

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
)

// StateFunc reports the current status and pending login code of a session.
type StateFunc func(id string) (status domain.Status, qr string, ok bool)

// Frame is the outbound message shape.
type Frame struct {
	Event  string        `json:"event"`
	ID     string        `json:"id"`
	Status domain.Status `json:"status,omitempty"`
	QR     string        `json:"qr,omitempty"`
	Line   string        `json:"line,omitempty"`
}

type inbound struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// observer is one websocket connection.
type observer struct {
	ws   *websocket.Conn
	send chan []byte
}

// Hub tracks observers by room and fans bus events out to them.
type Hub struct {
	state          StateFunc
	allowedOrigins []string
	isDev          bool

	mu    sync.RWMutex
	rooms map[string]map[*observer]struct{}
}

// NewHub creates a hub.
func NewHub(state StateFunc, allowedOrigins []string, isDev bool) *Hub {
	return &Hub{
		state:          state,
		allowedOrigins: allowedOrigins,
		isDev:          isDev,
		rooms:          make(map[string]map[*observer]struct{}),
	}
}

// Run relays events until ctx is done or the channel closes.
func (h *Hub) Run(ctx context.Context, in <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			h.Broadcast(ev)
		}
	}
}

// Broadcast delivers ev to every observer in its session's room.
func (h *Hub) Broadcast(ev events.Event) {
	data, err := json.Marshal(frameFor(ev))
	if err != nil {
		slog.Warn("Failed to encode push frame", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for o := range h.rooms[ev.SessionID] {
		o.enqueue(data)
	}
}

// RoomSize returns the number of observers in a room.
func (h *Hub) RoomSize(id string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[id])
}

func frameFor(ev events.Event) Frame {
	f := Frame{Event: string(ev.Kind), ID: ev.SessionID}
	switch ev.Kind {
	case events.KindStatus:
		f.Status = ev.Status
	case events.KindQR:
		f.QR = ev.QR
	case events.KindLog:
		f.Line = ev.Line
	}
	return f
}

func (o *observer) enqueue(data []byte) {
	select {
	case o.send <- data:
	default:
		slog.Debug("Push observer too slow, dropping frame")
	}
}

// ServeHTTP implements http.Handler for the push websocket.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "bye"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	o := &observer{ws: ws, send: make(chan []byte, sendBuffer)}
	defer h.leaveAll(o)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		h.writeLoop(ctx, o)
	}()

	h.readLoop(ctx, o)
	cancel()
	wg.Wait()
}

func (h *Hub) readLoop(ctx context.Context, o *observer) {
	for {
		_, data, err := o.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("Push websocket closed by client")
			} else if ctx.Err() == nil {
				slog.Debug("Push websocket read error", "error", err)
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("Ignoring malformed push message", "error", err)
			continue
		}

		switch msg.Type {
		case "join":
			if msg.ID == "" {
				continue
			}
			h.join(o, msg.ID)
		case "leave":
			h.leave(o, msg.ID)
		case "ping":
			h.sendFrame(o, map[string]string{"type": "pong"})
		}
	}
}

func (h *Hub) writeLoop(ctx context.Context, o *observer) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-o.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := o.ws.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					slog.Debug("Push websocket write error", "error", err)
				}
				return
			}
		}
	}
}

// join adds o to a room and sends the session's current state.
func (h *Hub) join(o *observer, id string) {
	h.mu.Lock()
	room, ok := h.rooms[id]
	if !ok {
		room = make(map[*observer]struct{})
		h.rooms[id] = room
	}
	room[o] = struct{}{}
	h.mu.Unlock()
	slog.Debug("Push observer joined", "session_id", id)

	if h.state == nil {
		return
	}
	status, qr, ok := h.state(id)
	if !ok {
		return
	}
	h.sendFrame(o, Frame{Event: string(events.KindStatus), ID: id, Status: status})
	if status == domain.StatusQR && qr != "" {
		h.sendFrame(o, Frame{Event: string(events.KindQR), ID: id, QR: qr})
	}
}

func (h *Hub) leave(o *observer, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[id]; ok {
		delete(room, o)
		if len(room) == 0 {
			delete(h.rooms, id)
		}
	}
}

func (h *Hub) leaveAll(o *observer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, room := range h.rooms {
		delete(room, o)
		if len(room) == 0 {
			delete(h.rooms, id)
		}
	}
}

func (h *Hub) sendFrame(o *observer, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to encode push frame", "error", err)
		return
	}
	o.enqueue(data)
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || middleware.OriginAllowed(h.allowedOrigins, origin) {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigins)
	return false
}
