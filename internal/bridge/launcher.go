package bridge

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Launcher resolves the websocket endpoint of the bridge that serves a
// session, starting it first if needed.
type Launcher interface {
	// Endpoint returns a ws:// or wss:// URL for session id.
	Endpoint(ctx context.Context, id, authDir string) (string, error)
	// Release frees whatever Endpoint acquired for id.
	Release(ctx context.Context, id string) error
}

// StaticLauncher points every session at an already running bridge. The
// template may contain {id}, replaced by the path-escaped session id.
type StaticLauncher struct {
	Template string
}

// Endpoint implements Launcher.
func (l StaticLauncher) Endpoint(_ context.Context, id, _ string) (string, error) {
	raw := strings.ReplaceAll(l.Template, "{id}", url.PathEscape(id))
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse bridge url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" && u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("bridge url %q: unsupported scheme %q", raw, u.Scheme)
	}
	return u.String(), nil
}

// Release implements Launcher. Static bridges are not owned by us.
func (StaticLauncher) Release(context.Context, string) error { return nil }
