package container

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var dockerName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]+$`)

func TestContainerName(t *testing.T) {
	a := containerName("shop:1")
	b := containerName("shop-1")
	assert.Regexp(t, dockerName, a)
	assert.NotEqual(t, a, b, "distinct ids must not collide")
	assert.Equal(t, a, containerName("shop:1"))
}

func TestEndpointURL(t *testing.T) {
	assert.Equal(t, "ws://172.28.0.5:3011/sessions/shop%201", endpointURL("172.28.0.5:3011", "shop 1"))
}

func TestEnv(t *testing.T) {
	l := &DockerLauncher{cfg: Config{Port: 3011, ChromiumPath: "/usr/bin/chromium"}}
	env := l.env("shop")
	assert.Contains(t, env, "SESSION_ID=shop")
	assert.Contains(t, env, "AUTH_DIR="+authMountPath)
	assert.Contains(t, env, "BRIDGE_PORT=3011")
	assert.Contains(t, env, "CHROMIUM_PATH=/usr/bin/chromium")
	for _, kv := range env {
		assert.NotContains(t, kv, "CHROMIUM_FLAGS")
	}
}

type fakeLister struct {
	mu       sync.Mutex
	ids      []string
	listErr  error
	released []string
}

func (f *fakeLister) ManagedSessions(context.Context) ([]string, error) {
	return f.ids, f.listErr
}

func (f *fakeLister) Release(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, id)
	return nil
}

func (f *fakeLister) releasedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.released...)
}

func TestReapOrphans(t *testing.T) {
	l := &fakeLister{ids: []string{"live", "orphan", "gone"}}
	n := reapOrphans(context.Background(), l, func(id string) bool { return id == "live" })
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"orphan", "gone"}, l.releasedIDs())

	l = &fakeLister{listErr: errors.New("daemon down")}
	assert.Zero(t, reapOrphans(context.Background(), l, func(string) bool { return false }))
}

func TestStartReaper_StopsOnCancel(t *testing.T) {
	l := &fakeLister{ids: []string{"orphan"}}
	ctx, cancel := context.WithCancel(context.Background())
	startReaper(ctx, l, 5*time.Millisecond, func(string) bool { return false })

	require.Eventually(t, func() bool { return len(l.releasedIDs()) > 0 }, time.Second, 5*time.Millisecond)
	cancel()
}
