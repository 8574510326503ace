// Package agenttest provides a scriptable in-memory agent.Client for tests.
package agenttest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ashureev/relay/internal/agent"
)

// ErrDestroyed is returned by calls made after Destroy.
var ErrDestroyed = errors.New("client destroyed")

// Sent records one SendMessage call.
type Sent struct {
	Target  string
	Payload agent.Payload
	Options agent.SendOptions
}

// Client is a fake agent.Client. Hooks may be set before the client is
// handed to the code under test.
type Client struct {
	ID      string
	AuthDir string

	// InitFunc, when set, decides the result of each Initialize call.
	InitFunc func(call int) error
	// SendFunc, when set, decides the result of each SendMessage call.
	SendFunc func(call int, target string, payload agent.Payload) (agent.SentMessage, error)
	// DestroyErr is returned from Destroy (after teardown still happens).
	DestroyErr error
	// LogoutErr is returned from Logout.
	LogoutErr error

	mu       sync.Mutex
	events   chan agent.Event
	closed   bool
	inits    int
	destroys int
	logouts  int
	sends    int
	sent     []Sent
}

// NewClient returns a fake with a buffered event stream.
func NewClient(id, authDir string) *Client {
	return &Client{ID: id, AuthDir: authDir, events: make(chan agent.Event, 64)}
}

var _ agent.Client = (*Client)(nil)

// Initialize implements agent.Client.
func (c *Client) Initialize(_ context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	c.inits++
	call, fn := c.inits, c.InitFunc
	c.mu.Unlock()
	if fn != nil {
		return fn(call)
	}
	return nil
}

// Destroy implements agent.Client.
func (c *Client) Destroy(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroys++
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return c.DestroyErr
}

// Logout implements agent.Client.
func (c *Client) Logout(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.logouts++
	return c.LogoutErr
}

// SendMessage implements agent.Client.
func (c *Client) SendMessage(_ context.Context, target string, payload agent.Payload, opts agent.SendOptions) (agent.SentMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return agent.SentMessage{}, ErrDestroyed
	}
	c.sends++
	call, fn := c.sends, c.SendFunc
	c.sent = append(c.sent, Sent{Target: target, Payload: payload, Options: opts})
	c.mu.Unlock()
	if fn != nil {
		return fn(call, target, payload)
	}
	return agent.SentMessage{ID: fmt.Sprintf("msg-%d", call)}, nil
}

// Events implements agent.Client.
func (c *Client) Events() <-chan agent.Event { return c.events }

// Emit pushes ev onto the event stream. It is a no-op after Destroy.
func (c *Client) Emit(ev agent.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- ev
}

// InitCalls returns the number of Initialize calls.
func (c *Client) InitCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inits
}

// DestroyCalls returns the number of Destroy calls.
func (c *Client) DestroyCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.destroys
}

// LogoutCalls returns the number of Logout calls.
func (c *Client) LogoutCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logouts
}

// Sent returns a copy of all recorded sends.
func (c *Client) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// Factory hands out fake clients and remembers them in creation order.
type Factory struct {
	// Setup, when set, configures each client before it is returned.
	Setup func(c *Client)
	// Err makes New fail.
	Err error

	mu      sync.Mutex
	clients []*Client
}

// New implements agent.Factory.
func (f *Factory) New(id, authDir string) (agent.Client, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	c := NewClient(id, authDir)
	if f.Setup != nil {
		f.Setup(c)
	}
	f.mu.Lock()
	f.clients = append(f.clients, c)
	f.mu.Unlock()
	return c, nil
}

// Clients returns every client created so far.
func (f *Factory) Clients() []*Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Client(nil), f.clients...)
}

// Last returns the most recently created client, or nil.
func (f *Factory) Last() *Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.clients) == 0 {
		return nil
	}
	return f.clients[len(f.clients)-1]
}
