package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/relay/internal/agent"
	"github.com/ashureev/relay/internal/domain"
	"github.com/ashureev/relay/internal/events"
	"github.com/ashureev/relay/internal/identity"
	"github.com/ashureev/relay/internal/qr"
)

// DefaultReconnectDelay is the pause between an unexpected disconnect and
// the re-initialization attempt.
const DefaultReconnectDelay = 2 * time.Second

// QREncoder renders a login code as a base64 PNG.
type QREncoder func(code string) (string, error)

// ControllerConfig configures a Controller.
type ControllerConfig struct {
	Factory        agent.Factory
	ReconnectDelay time.Duration
	// EncodeQR defaults to qr.EncodeBase64.
	EncodeQR QREncoder
}

// Controller drives each session's lifecycle state machine.
//
// Every client gets two goroutines: a watcher that consumes the client's
// event stream in order, and a supervisor that performs delayed
// re-initialization after unexpected disconnects. Sessions never share a
// lock, so they progress independently.
type Controller struct {
	reg            *Registry
	bus            events.Publisher
	factory        agent.Factory
	encodeQR       QREncoder
	reconnectDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewController creates a controller over reg publishing to bus.
func NewController(reg *Registry, bus events.Publisher, cfg ControllerConfig) *Controller {
	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	enc := cfg.EncodeQR
	if enc == nil {
		enc = qr.EncodeBase64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		reg:            reg,
		bus:            bus,
		factory:        cfg.Factory,
		encodeQR:       enc,
		reconnectDelay: delay,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Registry returns the registry the controller drives.
func (c *Controller) Registry() *Registry { return c.reg }

// Create registers id without starting it.
func (c *Controller) Create(id string) (domain.SessionInfo, error) { return c.reg.Create(id) }

// List returns every known session.
func (c *Controller) List() []domain.SessionInfo { return c.reg.List() }

// Status returns the current status of id.
func (c *Controller) Status(id string) (domain.Status, bool) { return c.reg.Status(id) }

// QR returns the pending login code image of id, if any.
func (c *Controller) QR(id string) (string, bool) { return c.reg.QR(id) }

// Start brings a session up. If a client already exists it is resumed in
// place; if resuming fails the old client is destroyed and a fresh one is
// created. The returned status is the state right after the call, usually
// initializing: readiness is reported asynchronously via the event bus.
func (c *Controller) Start(ctx context.Context, id string) (domain.SessionInfo, error) {
	if err := identity.Validate(id); err != nil {
		return domain.SessionInfo{}, err
	}

	rec := c.lockRecord(id)
	defer rec.op.Unlock()

	if existing, _ := rec.Snapshot(); existing != nil {
		err := existing.Initialize(ctx)
		if err == nil {
			_, status := rec.Snapshot()
			return domain.SessionInfo{ID: id, Status: status}, nil
		}
		slog.Warn("Resume failed, replacing client", "session_id", id, "error", err)
		c.log(id, fmt.Sprintf("[resume-error] %v", err))
		rec.mu.Lock()
		if rec.stop != nil {
			rec.stop()
		}
		rec.client, rec.stop = nil, nil
		rec.mu.Unlock()
		destroyQuietly(ctx, id, existing)
	}

	authDir, err := c.reg.auth.Prepare(id)
	if err != nil {
		return domain.SessionInfo{}, err
	}
	client, err := c.factory(id, authDir)
	if err != nil {
		return domain.SessionInfo{}, fmt.Errorf("create client for %s: %w", id, err)
	}

	runCtx, stop := context.WithCancel(c.ctx)
	reconnect := make(chan struct{}, 1)
	c.reg.attach(rec, client, stop)
	slog.Info("Session starting", "session_id", id)

	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		c.watch(rec, client, reconnect)
	}()
	go func() {
		defer c.wg.Done()
		c.supervise(runCtx, rec, client, reconnect)
	}()
	go func() {
		defer c.wg.Done()
		if err := client.Initialize(runCtx); err != nil {
			if errors.Is(err, context.Canceled) && runCtx.Err() != nil {
				return
			}
			slog.Error("Client initialize failed", "session_id", id, "error", err)
			if c.reg.setStatus(rec, client, domain.StatusDown) {
				c.log(id, fmt.Sprintf("[init-error] %v", err))
			}
		}
	}()

	return domain.SessionInfo{ID: id, Status: domain.StatusInitializing}, nil
}

// Logout signs the session out and marks it disconnected.
func (c *Controller) Logout(ctx context.Context, id string) (domain.SessionInfo, error) {
	if err := identity.Validate(id); err != nil {
		return domain.SessionInfo{}, err
	}
	rec := c.lockRecord(id)
	defer rec.op.Unlock()

	client, _ := rec.Snapshot()
	if client == nil {
		return domain.SessionInfo{}, fmt.Errorf("%w: %s", domain.ErrNotStarted, id)
	}
	if err := client.Logout(ctx); err != nil {
		return domain.SessionInfo{}, fmt.Errorf("logout %s: %w", id, err)
	}
	c.reg.setStatus(rec, client, domain.StatusDisconnected)
	c.log(id, "[logout] logged out")
	slog.Info("Session logged out", "session_id", id)
	return domain.SessionInfo{ID: id, Status: domain.StatusDisconnected}, nil
}

// Delete tears the session down and removes its stored credentials.
func (c *Controller) Delete(ctx context.Context, id string) error {
	return c.reg.Delete(ctx, id)
}

// ReadyClient returns the live client of id if the session is ready.
func (c *Controller) ReadyClient(id string) (agent.Client, error) {
	client, status := c.reg.Lookup(id).Snapshot()
	if client == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotStarted, id)
	}
	if status != domain.StatusReady {
		return nil, fmt.Errorf("%w: %s is %s", domain.ErrNotReady, id, status)
	}
	return client, nil
}

// Shutdown destroys every live client and waits for session goroutines to
// exit or ctx to expire.
func (c *Controller) Shutdown(ctx context.Context) {
	c.reg.mu.RLock()
	recs := make([]*Record, 0, len(c.reg.records))
	for _, rec := range c.reg.records {
		recs = append(recs, rec)
	}
	c.reg.mu.RUnlock()

	for _, rec := range recs {
		rec.op.Lock()
		if client := c.reg.detach(rec, domain.StatusDown); client != nil {
			destroyQuietly(ctx, rec.id, client)
		}
		rec.op.Unlock()
	}
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("Session shutdown timed out", "error", ctx.Err())
	}
}

// lockRecord returns the live record of id with its op lock held. A record
// deleted while we waited for the lock is replaced by a fresh one.
func (c *Controller) lockRecord(id string) *Record {
	for {
		rec := c.reg.Lookup(id)
		rec.op.Lock()
		if !rec.isRemoved() {
			return rec
		}
		rec.op.Unlock()
	}
}

// watch consumes client events in order until the stream closes.
func (c *Controller) watch(rec *Record, client agent.Client, reconnect chan<- struct{}) {
	for ev := range client.Events() {
		c.handle(rec, client, ev, reconnect)
	}
	slog.Debug("Client event stream closed", "session_id", rec.id)
}

func (c *Controller) handle(rec *Record, client agent.Client, ev agent.Event, reconnect chan<- struct{}) {
	if current, _ := rec.Snapshot(); current != client {
		return
	}
	id := rec.id

	switch ev.Type {
	case agent.EventQRCode:
		png, err := c.encodeQR(ev.QR)
		if err != nil {
			slog.Error("Failed to render login code", "session_id", id, "error", err)
			c.log(id, fmt.Sprintf("[qr-error] %v", err))
			return
		}
		if c.reg.setQR(rec, client, png) {
			c.log(id, "[qr] QR code generated")
		}

	case agent.EventLoadingProgress:
		c.log(id, fmt.Sprintf("[loading] %d%% %s", ev.Percent, ev.Message))

	case agent.EventAuthenticated:
		c.reg.transition(rec, client, domain.StatusInitializing, domain.StatusQR)
		c.log(id, "[auth] authenticated")

	case agent.EventReady:
		if c.reg.setStatus(rec, client, domain.StatusReady) {
			c.log(id, "[ready] client is ready")
			slog.Info("Session ready", "session_id", id)
		}

	case agent.EventDisconnected:
		// Only a live or starting session reconnects. Logout and auth
		// failure already left it disconnected and stay that way.
		if !c.reg.transition(rec, client, domain.StatusDisconnected,
			domain.StatusReady, domain.StatusInitializing, domain.StatusQR) {
			return
		}
		c.log(id, fmt.Sprintf("[disconnect] %s", ev.Reason))
		slog.Warn("Session disconnected", "session_id", id, "reason", ev.Reason)
		if c.reg.setStatus(rec, client, domain.StatusReconnecting) {
			requeue(reconnect)
		}

	case agent.EventAuthFailure:
		if c.reg.setStatus(rec, client, domain.StatusDisconnected) {
			c.log(id, fmt.Sprintf("[auth-failure] %s", ev.Reason))
			slog.Warn("Session authentication failed", "session_id", id, "reason", ev.Reason, "error", domain.ErrAuthFailure)
		}

	case agent.EventStateChange:
		c.log(id, fmt.Sprintf("[state] %s", ev.State))

	case agent.EventMessage:
		c.log(id, fmt.Sprintf("[message] from %s (ack:%d)", ev.From, ev.Ack))

	case agent.EventMessageAck:
		c.log(id, fmt.Sprintf("[ack] to %s ack=%d", ev.To, ev.Ack))

	default:
		slog.Debug("Ignoring unknown client event", "session_id", id, "type", ev.Type)
	}
}

// supervise re-initializes the client after each disconnect notification.
// Retries are unbounded: a failed attempt either surfaces as another
// disconnect event from the client or, when Initialize itself fails, puts
// the session back into reconnecting for the next round.
func (c *Controller) supervise(ctx context.Context, rec *Record, client agent.Client, reconnect chan struct{}) {
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reconnect:
		}

		timer.Reset(c.reconnectDelay)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if !c.reg.transition(rec, client, domain.StatusInitializing, domain.StatusReconnecting) {
			continue
		}
		slog.Info("Reconnecting session", "session_id", rec.id)
		if err := client.Initialize(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("Reconnect attempt failed", "session_id", rec.id, "error", err)
			c.log(rec.id, fmt.Sprintf("[reconnect-error] %v", err))
			if c.reg.transition(rec, client, domain.StatusReconnecting, domain.StatusInitializing) {
				requeue(reconnect)
			}
		}
	}
}

// requeue schedules a reconnect unless one is already pending.
func requeue(reconnect chan<- struct{}) {
	select {
	case reconnect <- struct{}{}:
	default:
	}
}

func (c *Controller) log(id, line string) {
	if c.bus != nil {
		c.bus.Publish(events.LogLine(id, line))
	}
}
