// Package retention prunes broadcast history on a cron schedule.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const pruneTimeout = time.Minute

// Store deletes broadcast runs older than a cutoff.
type Store interface {
	PruneBroadcasts(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Pruner runs PruneBroadcasts on a schedule.
type Pruner struct {
	store     Store
	retention time.Duration
	schedule  cron.Schedule

	mu sync.Mutex
	c  *cron.Cron
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New validates spec (standard cron syntax, optional seconds field, or a
// descriptor such as "@hourly") and returns an unstarted pruner.
func New(store Store, retention time.Duration, spec string) (*Pruner, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be > 0, got %s", retention)
	}
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse prune schedule %q: %w", spec, err)
	}
	return &Pruner{store: store, retention: retention, schedule: schedule}, nil
}

// Start begins the schedule. Calling Start twice is a no-op.
func (p *Pruner) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.c != nil {
		return
	}
	p.c = cron.New(cron.WithParser(parser))
	p.c.Schedule(p.schedule, cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), pruneTimeout)
		defer cancel()
		_, _ = p.RunOnce(ctx)
	}))
	p.c.Start()
	slog.Info("History pruner started", "retention", p.retention)
}

// Stop halts the schedule and waits for a running prune to finish.
func (p *Pruner) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.c == nil {
		return
	}
	<-p.c.Stop().Done()
	p.c = nil
	slog.Info("History pruner stopped")
}

// RunOnce prunes immediately.
func (p *Pruner) RunOnce(ctx context.Context) (int64, error) {
	n, err := p.store.PruneBroadcasts(ctx, p.retention)
	if err != nil {
		slog.Error("Failed to prune broadcast history", "error", err)
		return 0, err
	}
	if n > 0 {
		slog.Info("Pruned broadcast history", "deleted", n, "retention", p.retention)
	}
	return n, nil
}
