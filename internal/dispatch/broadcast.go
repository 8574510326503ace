package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/relay/internal/agent"
	"github.com/ashureev/relay/internal/domain"
	"github.com/ashureev/relay/internal/media"
)

// DefaultHistoryLimit bounds History when the caller passes no limit.
const DefaultHistoryLimit = 20

// BroadcastText sends message to every target in order, pausing between
// recipients. A nil delay uses the default text pacing.
//
// Per-recipient failures are recorded in the run and do not stop it.
// Only invalid input and an unready session at the start abort the call.
func (d *Dispatcher) BroadcastText(ctx context.Context, id string, targets []string, message string, delay *time.Duration) (*domain.BroadcastRun, error) {
	if _, err := d.sessions.ReadyClient(id); err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: targets must be a non-empty list", domain.ErrInvalidArgument)
	}
	if message == "" {
		return nil, fmt.Errorf("%w: message required", domain.ErrInvalidArgument)
	}

	return d.broadcast(ctx, id, domain.BroadcastText, targets, pick(delay, d.textDelay), agent.Text(message), agent.SendOptions{}), nil
}

// BroadcastMedia resolves spec once and sends it to every target in order.
// A nil delay uses the default media pacing.
func (d *Dispatcher) BroadcastMedia(ctx context.Context, id string, targets []string, spec media.Spec, delay *time.Duration) (*domain.BroadcastRun, error) {
	if _, err := d.sessions.ReadyClient(id); err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: targets must be a non-empty list", domain.ErrInvalidArgument)
	}
	m, err := d.resolver.Resolve(ctx, spec)
	if err != nil {
		return nil, err
	}

	return d.broadcast(ctx, id, domain.BroadcastMedia, targets, pick(delay, d.mediaDelay), m, agent.SendOptions{Caption: spec.Caption}), nil
}

// History returns recent broadcast runs for a session, newest first.
func (d *Dispatcher) History(ctx context.Context, id string, limit int) ([]*domain.BroadcastRun, error) {
	if d.history == nil {
		return []*domain.BroadcastRun{}, nil
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return d.history.ListBroadcasts(ctx, id, limit)
}

type recipient struct {
	raw    string
	target string
	err    error
}

// recipients normalizes targets and drops duplicates, keeping the first
// occurrence of each address.
func recipients(targets []string) []recipient {
	seen := make(map[string]struct{}, len(targets))
	out := make([]recipient, 0, len(targets))
	for _, raw := range targets {
		target, err := NormalizeTarget(raw)
		key := target
		if err != nil {
			key = "!" + raw
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, recipient{raw: raw, target: target, err: err})
	}
	return out
}

func (d *Dispatcher) broadcast(ctx context.Context, id string, kind domain.BroadcastKind, targets []string, delay time.Duration, payload agent.Payload, opts agent.SendOptions) *domain.BroadcastRun {
	run := &domain.BroadcastRun{
		ID:        uuid.NewString(),
		SessionID: id,
		Kind:      kind,
		StartedAt: time.Now().UTC(),
	}

	list := recipients(targets)
	run.Results = make([]domain.BroadcastResult, 0, len(list))
	slog.Info("Broadcast started", "session_id", id, "run_id", run.ID, "kind", kind, "recipients", len(list), "delay", delay)

	for i, r := range list {
		run.Results = append(run.Results, d.deliver(ctx, id, r, payload, opts))
		if i < len(list)-1 {
			if err := pause(ctx, delay); err != nil {
				// Remaining recipients fail fast on the cancelled context.
				delay = 0
			}
		}
	}

	run.FinishedAt = time.Now().UTC()
	run.Tally()
	slog.Info("Broadcast finished", "session_id", id, "run_id", run.ID, "succeeded", run.Succeeded, "failed", run.Failed)
	d.record(run)
	return run
}

func (d *Dispatcher) deliver(ctx context.Context, id string, r recipient, payload agent.Payload, opts agent.SendOptions) domain.BroadcastResult {
	if r.err != nil {
		return domain.BroadcastResult{To: r.raw, Error: r.err.Error()}
	}
	if err := ctx.Err(); err != nil {
		return domain.BroadcastResult{To: r.target, Error: err.Error()}
	}
	client, err := d.sessions.ReadyClient(id)
	if err != nil {
		return domain.BroadcastResult{To: r.target, Error: err.Error()}
	}
	msgID, err := d.send(ctx, id, client, r.target, payload, opts)
	if err != nil {
		return domain.BroadcastResult{To: r.target, Error: err.Error()}
	}
	return domain.BroadcastResult{To: r.target, OK: true, MessageID: msgID}
}

func (d *Dispatcher) record(run *domain.BroadcastRun) {
	if d.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultHistoryTimeout)
	defer cancel()
	if err := d.history.RecordBroadcast(ctx, run); err != nil {
		slog.Warn("Failed to record broadcast", "session_id", run.SessionID, "run_id", run.ID, "error", err)
	}
}

func pick(override *time.Duration, def time.Duration) time.Duration {
	if override == nil {
		return def
	}
	if *override < 0 {
		return 0
	}
	return *override
}
