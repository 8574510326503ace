package container

import (
	"context"
	"log/slog"
	"time"
)

const reaperInterval = 5 * time.Minute

// ActiveFunc reports whether a session still owns a live agent.
type ActiveFunc func(id string) bool

// sessionLister is the part of DockerLauncher the reaper needs.
type sessionLister interface {
	ManagedSessions(ctx context.Context) ([]string, error)
	Release(ctx context.Context, id string) error
}

// StartReaper runs a background goroutine that periodically removes bridge
// containers whose session no longer has a live agent, such as those left
// behind by a crash.
func StartReaper(ctx context.Context, l *DockerLauncher, active ActiveFunc) {
	startReaper(ctx, l, reaperInterval, active)
}

func startReaper(ctx context.Context, l sessionLister, interval time.Duration, active ActiveFunc) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Bridge reaper started", "interval", interval)

		for {
			select {
			case <-ticker.C:
				reapOrphans(ctx, l, active)
			case <-ctx.Done():
				slog.Info("Bridge reaper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func reapOrphans(ctx context.Context, l sessionLister, active ActiveFunc) int {
	ids, err := l.ManagedSessions(ctx)
	if err != nil {
		slog.Error("Bridge reaper failed to list containers", "error", err)
		return 0
	}

	reaped := 0
	for _, id := range ids {
		if active(id) {
			continue
		}
		slog.Info("Bridge reaper removing orphaned container", "session_id", id)
		if err := l.Release(ctx, id); err != nil {
			slog.Error("Bridge reaper failed to remove container", "session_id", id, "error", err)
			continue
		}
		reaped++
	}
	if reaped > 0 {
		slog.Info("Bridge reaper cleanup completed", "removed", reaped)
	}
	return reaped
}
