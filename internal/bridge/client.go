// Package bridge implements agent.Client on top of an external browser
// automation bridge reached over a websocket.
//
// The wire protocol is JSON text frames. Commands carry a requestId and
// are answered by a "result" frame with the same id; every other inbound
// frame is a lifecycle event whose type matches agent.EventType.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ashureev/relay/internal/agent"
)

// Client errors.
var (
	ErrClosed       = errors.New("bridge client closed")
	ErrNotConnected = errors.New("bridge not connected")
	ErrConnLost     = errors.New("bridge connection lost")
)

const (
	defaultCallTimeout = 2 * time.Minute
	defaultDialTimeout = 30 * time.Second
	destroyTimeout     = 10 * time.Second
	readLimit          = 64 << 20
	eventBuffer        = 64
)

// Options configures bridge clients.
type Options struct {
	Launcher      Launcher
	ChromiumPath  string
	ChromiumFlags string
	DialTimeout   time.Duration
	CallTimeout   time.Duration
}

// NewFactory returns an agent.Factory producing bridge clients.
func NewFactory(opts Options) agent.Factory {
	return func(id, authDir string) (agent.Client, error) {
		if opts.Launcher == nil {
			return nil, errors.New("bridge: launcher is required")
		}
		return New(id, authDir, opts), nil
	}
}

type result struct {
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	MessageID string `json:"messageId,omitempty"`
}

type command struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`

	SessionID     string `json:"sessionId,omitempty"`
	AuthDir       string `json:"authDir,omitempty"`
	Executable    string `json:"executablePath,omitempty"`
	ChromiumFlags string `json:"chromiumFlags,omitempty"`

	To      string `json:"to,omitempty"`
	Kind    string `json:"kind,omitempty"`
	Content any    `json:"content,omitempty"`
	Caption string `json:"caption,omitempty"`
}

type inbound struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	result
}

// Client is a websocket-backed agent.Client.
type Client struct {
	id      string
	authDir string
	opts    Options

	events    chan agent.Event
	done      chan struct{}
	closeOnce sync.Once
	emitMu    sync.Mutex
	emitDone  bool

	mu      sync.Mutex
	conn    *websocket.Conn
	cancel  context.CancelFunc
	pending map[string]chan result
}

var _ agent.Client = (*Client)(nil)

// New creates a client for session id. Nothing is dialed until Initialize.
func New(id, authDir string, opts Options) *Client {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	return &Client{
		id:      id,
		authDir: authDir,
		opts:    opts,
		events:  make(chan agent.Event, eventBuffer),
		done:    make(chan struct{}),
		pending: make(map[string]chan result),
	}
}

// Events implements agent.Client.
func (c *Client) Events() <-chan agent.Event { return c.events }

// Initialize dials the bridge if there is no live connection and asks it
// to start the platform session.
func (c *Client) Initialize(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	if err := c.connect(ctx); err != nil {
		return err
	}
	_, err := c.call(ctx, command{
		Type:          "initialize",
		SessionID:     c.id,
		AuthDir:       c.authDir,
		Executable:    c.opts.ChromiumPath,
		ChromiumFlags: c.opts.ChromiumFlags,
	})
	return err
}

// Logout implements agent.Client.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.call(ctx, command{Type: "logout"})
	return err
}

// SendMessage implements agent.Client.
func (c *Client) SendMessage(ctx context.Context, target string, payload agent.Payload, opts agent.SendOptions) (agent.SentMessage, error) {
	cmd := command{Type: "send", To: target, Kind: payload.Kind(), Caption: opts.Caption}
	switch p := payload.(type) {
	case agent.Text:
		cmd.Content = string(p)
	default:
		cmd.Content = p
	}
	res, err := c.call(ctx, cmd)
	if err != nil {
		return agent.SentMessage{}, err
	}
	return agent.SentMessage{ID: res.MessageID}, nil
}

// Destroy asks the bridge to shut the session down, closes the socket,
// releases the endpoint and closes the event stream.
func (c *Client) Destroy(ctx context.Context) error {
	var errs []error

	c.mu.Lock()
	connected := c.conn != nil
	c.mu.Unlock()
	if connected {
		callCtx, cancel := context.WithTimeout(ctx, destroyTimeout)
		if _, err := c.call(callCtx, command{Type: "destroy"}); err != nil && !errors.Is(err, ErrConnLost) {
			errs = append(errs, err)
		}
		cancel()
	}

	c.closeOnce.Do(func() { close(c.done) })
	c.disconnect(websocket.StatusNormalClosure, "client destroyed")

	if err := c.opts.Launcher.Release(ctx, c.id); err != nil {
		errs = append(errs, fmt.Errorf("release bridge: %w", err))
	}

	c.emitMu.Lock()
	if !c.emitDone {
		c.emitDone = true
		close(c.events)
	}
	c.emitMu.Unlock()

	return errors.Join(errs...)
}

func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	endpoint, err := c.opts.Launcher.Endpoint(ctx, c.id, c.authDir)
	if err != nil {
		return fmt.Errorf("resolve bridge endpoint: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial bridge %s: %w", endpoint, err)
	}
	conn.SetReadLimit(readLimit)

	readCtx, readCancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.conn != nil || c.isClosed() {
		c.mu.Unlock()
		readCancel()
		_ = conn.Close(websocket.StatusNormalClosure, "duplicate connection")
		if c.isClosed() {
			return ErrClosed
		}
		return nil
	}
	c.conn = conn
	c.cancel = readCancel
	c.mu.Unlock()

	slog.Info("Bridge connected", "session_id", c.id, "endpoint", endpoint)
	go c.readLoop(readCtx, conn)
	return nil
}

// disconnect drops the current connection and fails in-flight calls.
func (c *Client) disconnect(code websocket.StatusCode, reason string) {
	c.mu.Lock()
	conn, cancel := c.conn, c.cancel
	c.conn, c.cancel = nil, nil
	pending := c.pending
	c.pending = make(map[string]chan result)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close(code, reason)
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.lost(conn, err)
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Malformed bridge frame", "session_id", c.id, "error", err)
			continue
		}

		if msg.Type == "result" {
			c.resolve(msg.RequestID, msg.result)
			continue
		}

		var ev agent.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			slog.Warn("Malformed bridge event", "session_id", c.id, "type", msg.Type, "error", err)
			continue
		}
		c.emit(ev)
	}
}

// lost handles a read failure on conn. A socket that drops while still
// current surfaces as a disconnected event so the supervisor reconnects.
func (c *Client) lost(conn *websocket.Conn, err error) {
	c.mu.Lock()
	current := c.conn == conn
	c.mu.Unlock()
	if !current {
		return
	}
	c.disconnect(websocket.StatusGoingAway, "read failed")
	if c.isClosed() {
		return
	}
	slog.Warn("Bridge connection lost", "session_id", c.id, "error", err)
	c.emit(agent.Event{Type: agent.EventDisconnected, Reason: ErrConnLost.Error()})
}

func (c *Client) resolve(requestID string, res result) {
	c.mu.Lock()
	ch, ok := c.pending[requestID]
	delete(c.pending, requestID)
	c.mu.Unlock()
	if !ok {
		slog.Debug("Unmatched bridge result", "session_id", c.id, "request_id", requestID)
		return
	}
	ch <- res
}

func (c *Client) call(ctx context.Context, cmd command) (result, error) {
	if c.isClosed() {
		return result{}, ErrClosed
	}

	cmd.RequestID = uuid.NewString()
	data, err := json.Marshal(cmd)
	if err != nil {
		return result{}, fmt.Errorf("encode %s: %w", cmd.Type, err)
	}

	ch := make(chan result, 1)
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return result{}, ErrNotConnected
	}
	c.pending[cmd.RequestID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, cmd.RequestID)
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return result{}, fmt.Errorf("write %s: %w", cmd.Type, err)
	}

	select {
	case res, ok := <-ch:
		if !ok {
			return result{}, ErrConnLost
		}
		if !res.OK {
			return res, fmt.Errorf("bridge %s: %s", cmd.Type, res.Error)
		}
		return res, nil
	case <-ctx.Done():
		return result{}, fmt.Errorf("%s: %w", cmd.Type, ctx.Err())
	}
}

func (c *Client) emit(ev agent.Event) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if c.emitDone {
		return
	}
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Client) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
