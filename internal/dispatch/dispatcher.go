// Package dispatch executes outbound message operations against ready
// sessions: single sends (text, media, location) and paced broadcasts.
//
// Callers must not issue overlapping send operations for the same session;
// nothing here serializes them.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ashureev/relay/internal/agent"
	"github.com/ashureev/relay/internal/domain"
	"github.com/ashureev/relay/internal/media"
)

// Default pacing.
const (
	DefaultMediaItemGap   = 350 * time.Millisecond
	DefaultTextDelay      = 2000 * time.Millisecond
	DefaultMediaDelay     = 2500 * time.Millisecond
	defaultHistoryTimeout = 5 * time.Second
)

// Sessions resolves the live client of a ready session.
type Sessions interface {
	ReadyClient(id string) (agent.Client, error)
}

// Resolver turns media specs into sendable media objects.
type Resolver interface {
	Resolve(ctx context.Context, spec media.Spec) (*agent.Media, error)
}

// History persists broadcast runs.
type History interface {
	RecordBroadcast(ctx context.Context, run *domain.BroadcastRun) error
	ListBroadcasts(ctx context.Context, sessionID string, limit int) ([]*domain.BroadcastRun, error)
}

// Dispatcher implements the send and broadcast operations.
type Dispatcher struct {
	sessions Sessions
	resolver Resolver
	history  History

	mediaItemGap time.Duration
	textDelay    time.Duration
	mediaDelay   time.Duration

	ratePerSec float64
	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPacing overrides the gap between items of one media send and the
// default inter-recipient delays of text and media broadcasts.
func WithPacing(mediaItemGap, textDelay, mediaDelay time.Duration) Option {
	return func(d *Dispatcher) {
		d.mediaItemGap = mediaItemGap
		d.textDelay = textDelay
		d.mediaDelay = mediaDelay
	}
}

// WithRateLimit caps sends per session per second. Zero disables it.
func WithRateLimit(perSec float64) Option {
	return func(d *Dispatcher) { d.ratePerSec = perSec }
}

// WithHistory records every broadcast run.
func WithHistory(h History) Option {
	return func(d *Dispatcher) { d.history = h }
}

// New creates a dispatcher.
func New(sessions Sessions, resolver Resolver, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sessions:     sessions,
		resolver:     resolver,
		mediaItemGap: DefaultMediaItemGap,
		textDelay:    DefaultTextDelay,
		mediaDelay:   DefaultMediaDelay,
		limiters:     make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SendResult identifies one delivered message.
type SendResult struct {
	ID        string `json:"id"`
	To        string `json:"to"`
	MessageID string `json:"messageId"`
}

// SendText sends message to a single target.
func (d *Dispatcher) SendText(ctx context.Context, id, to, message string) (SendResult, error) {
	client, err := d.sessions.ReadyClient(id)
	if err != nil {
		return SendResult{}, err
	}
	if to == "" || message == "" {
		return SendResult{}, fmt.Errorf("%w: to and message required", domain.ErrInvalidArgument)
	}
	target, err := NormalizeTarget(to)
	if err != nil {
		return SendResult{}, err
	}

	msgID, err := d.send(ctx, id, client, target, agent.Text(message), agent.SendOptions{})
	if err != nil {
		return SendResult{}, err
	}
	return SendResult{ID: id, To: target, MessageID: msgID}, nil
}

// MediaRequest is a single- or multi-item media send to one target.
type MediaRequest struct {
	To    string
	Items []media.Spec
}

// MediaItemResult is the outcome of one item of a media send.
type MediaItemResult struct {
	MessageID string `json:"messageId"`
	Filename  string `json:"filename,omitempty"`
}

// MediaResult is the outcome of SendMedia. Results follow input order.
type MediaResult struct {
	ID      string            `json:"id"`
	To      string            `json:"to"`
	Count   int               `json:"count"`
	Results []MediaItemResult `json:"results"`
}

// SendMedia sends the items sequentially to one target with a small gap
// between them. The first failing item aborts the call; later items are
// not attempted.
func (d *Dispatcher) SendMedia(ctx context.Context, id string, req MediaRequest) (MediaResult, error) {
	client, err := d.sessions.ReadyClient(id)
	if err != nil {
		return MediaResult{}, err
	}
	if req.To == "" {
		return MediaResult{}, fmt.Errorf("%w: to required", domain.ErrInvalidArgument)
	}
	if len(req.Items) == 0 {
		return MediaResult{}, fmt.Errorf("%w: at least one media item required", domain.ErrInvalidArgument)
	}
	target, err := NormalizeTarget(req.To)
	if err != nil {
		return MediaResult{}, err
	}

	results := make([]MediaItemResult, 0, len(req.Items))
	for i, spec := range req.Items {
		m, err := d.resolver.Resolve(ctx, spec)
		if err != nil {
			return MediaResult{}, fmt.Errorf("media item %d: %w", i, err)
		}
		msgID, err := d.send(ctx, id, client, target, m, agent.SendOptions{Caption: spec.Caption})
		if err != nil {
			return MediaResult{}, fmt.Errorf("media item %d: %w", i, err)
		}
		results = append(results, MediaItemResult{MessageID: msgID, Filename: spec.Filename})

		if i < len(req.Items)-1 {
			if err := pause(ctx, d.mediaItemGap); err != nil {
				return MediaResult{}, err
			}
		}
	}
	return MediaResult{ID: id, To: target, Count: len(results), Results: results}, nil
}

// LocationRequest describes a location pin. Lat and Lng are pointers so a
// missing coordinate can be told apart from zero.
type LocationRequest struct {
	To          string
	Lat         *float64
	Lng         *float64
	Description string
}

// SendLocation sends a location pin to one target.
func (d *Dispatcher) SendLocation(ctx context.Context, id string, req LocationRequest) (SendResult, error) {
	client, err := d.sessions.ReadyClient(id)
	if err != nil {
		return SendResult{}, err
	}
	if req.To == "" {
		return SendResult{}, fmt.Errorf("%w: to required", domain.ErrInvalidArgument)
	}
	if !finite(req.Lat) || !finite(req.Lng) {
		return SendResult{}, fmt.Errorf("%w: lat and lng must be numbers", domain.ErrInvalidArgument)
	}
	if math.Abs(*req.Lat) > 90 || math.Abs(*req.Lng) > 180 {
		return SendResult{}, fmt.Errorf("%w: lat must be within ±90 and lng within ±180", domain.ErrInvalidArgument)
	}
	target, err := NormalizeTarget(req.To)
	if err != nil {
		return SendResult{}, err
	}

	loc := agent.Location{Latitude: *req.Lat, Longitude: *req.Lng, Description: req.Description}
	msgID, err := d.send(ctx, id, client, target, loc, agent.SendOptions{})
	if err != nil {
		return SendResult{}, err
	}
	return SendResult{ID: id, To: target, MessageID: msgID}, nil
}

// send applies the session rate limit and delivers one payload.
func (d *Dispatcher) send(ctx context.Context, id string, client agent.Client, target string, payload agent.Payload, opts agent.SendOptions) (string, error) {
	if lim := d.limiter(id); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limit wait: %w", err)
		}
	}
	sent, err := client.SendMessage(ctx, target, payload, opts)
	if err != nil {
		slog.Debug("Send failed", "session_id", id, "target", target, "kind", payload.Kind(), "error", err)
		return "", fmt.Errorf("send %s to %s: %w", payload.Kind(), target, err)
	}
	return sent.ID, nil
}

func (d *Dispatcher) limiter(id string) *rate.Limiter {
	if d.ratePerSec <= 0 {
		return nil
	}
	d.limitersMu.Lock()
	defer d.limitersMu.Unlock()
	lim, ok := d.limiters[id]
	if !ok {
		burst := int(math.Ceil(d.ratePerSec))
		lim = rate.NewLimiter(rate.Limit(d.ratePerSec), burst)
		d.limiters[id] = lim
	}
	return lim
}

// Forget drops per-session state kept by the dispatcher.
func (d *Dispatcher) Forget(id string) {
	d.limitersMu.Lock()
	delete(d.limiters, id)
	d.limitersMu.Unlock()
}

func finite(f *float64) bool {
	return f != nil && !math.IsNaN(*f) && !math.IsInf(*f, 0)
}

// pause waits for d or until ctx is done.
func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
