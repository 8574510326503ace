// Package container runs automation bridges as Docker containers, one per
// messaging session.
package container

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

const (
	// Container configuration.
	authMountPath   = "/data/auth"
	stopTimeoutSecs = 10

	// Resource limits. Chromium needs more headroom than most workloads.
	memoryLimitBytes = 1024 * 1024 * 1024 // 1GiB
	cpuQuota         = 100000             // 1 CPU
	pidsLimit        = 512

	// Labels identifying managed bridge containers.
	labelManaged = "relay.managed"
	labelSession = "relay.session"

	createRetryAttempts = 20
	createRetryDelay    = 250 * time.Millisecond

	readyTimeout  = 30 * time.Second
	readyInterval = 250 * time.Millisecond
)

// Config describes how bridge containers are run.
type Config struct {
	Image         string
	Network       string
	Subnet        string
	Port          int
	Runtime       string // "" = default (runc), "runsc" = gVisor
	ChromiumPath  string
	ChromiumFlags string
}

// DockerLauncher starts a bridge container per session and resolves its
// websocket endpoint on the bridge network.
type DockerLauncher struct {
	cli *client.Client
	cfg Config

	netMu sync.Mutex
	netID string
}

// NewDockerLauncher creates a Docker-backed bridge launcher.
func NewDockerLauncher(cfg Config) (*DockerLauncher, error) {
	if cfg.Image == "" {
		return nil, errors.New("bridge image is required")
	}
	if cfg.Network == "" {
		return nil, errors.New("bridge network is required")
	}
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid bridge port %d", cfg.Port)
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if cfg.Runtime != "" {
		slog.Info("Docker client initialized", "runtime", cfg.Runtime, "image", cfg.Image)
	} else {
		slog.Info("Docker client initialized", "runtime", "default", "image", cfg.Image)
	}
	return &DockerLauncher{cli: cli, cfg: cfg}, nil
}

// Close releases the Docker client.
func (l *DockerLauncher) Close() error {
	return l.cli.Close()
}

// Ping checks that the Docker daemon is reachable.
func (l *DockerLauncher) Ping(ctx context.Context) error {
	if _, err := l.cli.Ping(ctx); err != nil {
		return fmt.Errorf("ping docker: %w", err)
	}
	return nil
}

// Endpoint ensures the bridge container for id is running and returns its
// websocket URL.
func (l *DockerLauncher) Endpoint(ctx context.Context, id, authDir string) (string, error) {
	if _, err := l.EnsureNetwork(ctx); err != nil {
		return "", err
	}
	containerID, err := l.ensureContainer(ctx, id, authDir)
	if err != nil {
		return "", err
	}

	inspect, err := l.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("inspect container %s: %w", containerID, err)
	}
	var ip string
	if inspect.NetworkSettings != nil {
		if ep, ok := inspect.NetworkSettings.Networks[l.cfg.Network]; ok && ep != nil {
			ip = ep.IPAddress
		}
	}
	if ip == "" {
		return "", fmt.Errorf("container %s has no address on network %s", containerID, l.cfg.Network)
	}

	addr := net.JoinHostPort(ip, strconv.Itoa(l.cfg.Port))
	if err := waitListening(ctx, addr); err != nil {
		return "", fmt.Errorf("bridge %s not ready: %w", containerName(id), err)
	}
	return endpointURL(addr, id), nil
}

// Release stops and removes the bridge container for id.
func (l *DockerLauncher) Release(ctx context.Context, id string) error {
	return l.StopContainer(ctx, containerName(id))
}

func (l *DockerLauncher) ensureContainer(ctx context.Context, id, authDir string) (string, error) {
	name := containerName(id)

	inspect, err := l.cli.ContainerInspect(ctx, name)
	if err == nil {
		if inspect.State != nil && inspect.State.Running {
			slog.Info("Bridge container already running", "container_id", inspect.ID, "session_id", id)
			return inspect.ID, nil
		}
		slog.Info("Restarting stopped bridge container", "container_id", inspect.ID, "session_id", id)
		if err := l.cli.ContainerStart(ctx, inspect.ID, container.StartOptions{}); err != nil {
			return "", fmt.Errorf("restart container %s: %w", inspect.ID, err)
		}
		return inspect.ID, nil
	}
	if !errdefs.IsNotFound(err) {
		return "", fmt.Errorf("inspect container %s: %w", name, err)
	}

	hostAuthDir, err := filepath.Abs(authDir)
	if err != nil {
		return "", fmt.Errorf("resolve auth dir: %w", err)
	}

	slog.Info("Creating bridge container", "session_id", id, "name", name, "auth_dir", hostAuthDir)

	config := &container.Config{
		Image: l.cfg.Image,
		Env:   l.env(id),
		Labels: map[string]string{
			labelManaged: "true",
			labelSession: id,
		},
	}
	hostConfig := &container.HostConfig{
		Runtime:     l.cfg.Runtime,
		NetworkMode: container.NetworkMode(l.cfg.Network),
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: hostAuthDir,
			Target: authMountPath,
		}},
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
		ShmSize: 256 * 1024 * 1024,
	}

	var resp container.CreateResponse
	var createErr error
	for i := 0; i < createRetryAttempts; i++ {
		resp, createErr = l.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
		if createErr == nil {
			break
		}

		errStr := strings.ToLower(createErr.Error())
		if !strings.Contains(errStr, "is already in use") && !strings.Contains(errStr, "conflict") {
			return "", fmt.Errorf("create container: %w", createErr)
		}

		// A delayed Release can leave the old named container briefly.
		slog.Warn("Container name conflict during create, retrying",
			"session_id", id,
			"container_name", name,
			"attempt", i+1,
			"error", createErr,
		)
		if err := l.StopContainer(ctx, name); err != nil {
			slog.Warn("Failed to stop conflicting container before retry", "container_name", name, "error", err)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(createRetryDelay):
		}
	}
	if createErr != nil {
		return "", fmt.Errorf("create container after retries: %w", createErr)
	}

	if err := l.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := l.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil && !errors.Is(removeErr, context.Canceled) {
			slog.Warn("Failed to remove container after start failure", "container_id", resp.ID, "error", removeErr)
		}
		return "", fmt.Errorf("start container %s: %w", resp.ID, err)
	}

	slog.Info("Bridge container created and started", "container_id", resp.ID, "session_id", id)
	return resp.ID, nil
}

func (l *DockerLauncher) env(id string) []string {
	env := []string{
		"SESSION_ID=" + id,
		"AUTH_DIR=" + authMountPath,
		"BRIDGE_PORT=" + strconv.Itoa(l.cfg.Port),
	}
	if l.cfg.ChromiumPath != "" {
		env = append(env, "CHROMIUM_PATH="+l.cfg.ChromiumPath)
	}
	if l.cfg.ChromiumFlags != "" {
		env = append(env, "CHROMIUM_FLAGS="+l.cfg.ChromiumFlags)
	}
	return env
}

// StopContainer stops and removes a container by id or name.
// It is idempotent and handles concurrent calls gracefully.
func (l *DockerLauncher) StopContainer(ctx context.Context, ref string) error {
	slog.Info("Stopping container", "container", ref)

	_, err := l.cli.ContainerInspect(ctx, ref)
	if err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Container already removed", "container", ref)
			return nil
		}
		return fmt.Errorf("inspect container %s: %w", ref, err)
	}

	timeout := stopTimeoutSecs
	if err := l.cli.ContainerStop(ctx, ref, container.StopOptions{Timeout: &timeout}); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Container already stopped/removed", "container", ref)
		} else if ctx.Err() != nil {
			slog.Debug("Context canceled during stop, continuing with force removal", "container", ref)
		} else {
			slog.Debug("Container stop returned error, continuing to remove", "container", ref, "error", err)
		}
	}

	if err := l.cli.ContainerRemove(ctx, ref, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			slog.Debug("Container already removed", "container", ref)
			return nil
		}
		if strings.Contains(err.Error(), "is already in progress") {
			slog.Debug("Container removal already in progress", "container", ref)
			return nil
		}
		if ctx.Err() != nil {
			slog.Debug("Context canceled during remove, container may still be removed", "container", ref, "error", err)
			return nil
		}
		return fmt.Errorf("remove container %s: %w", ref, err)
	}

	slog.Info("Container stopped and removed", "container", ref)
	return nil
}

// ManagedSessions returns the session ids of all bridge containers this
// launcher owns, running or not.
func (l *DockerLauncher) ManagedSessions(ctx context.Context) ([]string, error) {
	list, err := l.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", labelManaged+"=true")),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	ids := make([]string, 0, len(list))
	for _, c := range list {
		if id := c.Labels[labelSession]; id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// EnsureNetwork creates the bridge network if it doesn't exist.
func (l *DockerLauncher) EnsureNetwork(ctx context.Context) (string, error) {
	l.netMu.Lock()
	defer l.netMu.Unlock()
	if l.netID != "" {
		return l.netID, nil
	}

	networks, err := l.cli.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return "", fmt.Errorf("list networks: %w", err)
	}
	for _, nw := range networks {
		if nw.Name == l.cfg.Network {
			slog.Info("Bridge network already exists", "network_id", nw.ID)
			l.netID = nw.ID
			return nw.ID, nil
		}
	}

	opts := network.CreateOptions{Driver: "bridge"}
	if l.cfg.Subnet != "" {
		opts.IPAM = &network.IPAM{Config: []network.IPAMConfig{{Subnet: l.cfg.Subnet}}}
	}
	createResp, err := l.cli.NetworkCreate(ctx, l.cfg.Network, opts)
	if err != nil {
		return "", fmt.Errorf("create network %s: %w", l.cfg.Network, err)
	}

	slog.Info("Bridge network created", "network_id", createResp.ID, "subnet", l.cfg.Subnet)
	l.netID = createResp.ID
	return createResp.ID, nil
}

// containerName maps a session id onto a valid, unique container name.
func containerName(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	sum := sha256.Sum256([]byte(id))
	return "relay-bridge-" + b.String() + "-" + hex.EncodeToString(sum[:4])
}

func endpointURL(addr, id string) string {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/sessions/" + id}
	return u.String()
}

// waitListening polls addr until it accepts TCP connections.
func waitListening(ctx context.Context, addr string) error {
	ctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()

	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn.Close()
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-time.After(readyInterval):
		}
	}
}

func ptr[T any](v T) *T {
	return &v
}
