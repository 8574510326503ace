package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashureev/relay/internal/api"
	"github.com/ashureev/relay/internal/bridge"
	"github.com/ashureev/relay/internal/config"
	"github.com/ashureev/relay/internal/container"
	"github.com/ashureev/relay/internal/dispatch"
	"github.com/ashureev/relay/internal/domain"
	"github.com/ashureev/relay/internal/events"
	"github.com/ashureev/relay/internal/media"
	"github.com/ashureev/relay/internal/middleware"
	"github.com/ashureev/relay/internal/push"
	"github.com/ashureev/relay/internal/retention"
	"github.com/ashureev/relay/internal/session"
	"github.com/ashureev/relay/internal/store"
)

// maxBodyBytes bounds JSON request bodies, which may carry base64 media.
const maxBodyBytes = 25 << 20

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and session supervisor",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// loadConfig reads .env and the configuration, then applies the log level.
func loadConfig() (*config.Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	level, _ := cfg.SlogLevel()
	logLevel.Set(level)
	return cfg, nil
}

//nolint:gocognit,funlen // Startup wiring is intentionally sequential to keep dependency setup explicit.
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	slog.Info("Starting server", "port", cfg.Port, "bridge_mode", cfg.Bridge.Mode, "dev", cfg.IsDevelopment(), "version", Version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	auth, err := session.NewDirStore(cfg.SessionsDir)
	if err != nil {
		return err
	}

	checks := map[string]api.Pinger{"database": repo}

	var launcher bridge.Launcher
	switch cfg.Bridge.Mode {
	case config.BridgeDocker:
		dl, err := container.NewDockerLauncher(container.Config{
			Image:         cfg.Bridge.Image,
			Network:       cfg.Bridge.Network,
			Subnet:        cfg.Bridge.Subnet,
			Port:          cfg.Bridge.Port,
			Runtime:       cfg.Bridge.Runtime,
			ChromiumPath:  cfg.Bridge.ChromiumPath,
			ChromiumFlags: cfg.Bridge.ChromiumFlags,
		})
		if err != nil {
			return fmt.Errorf("initialize bridge launcher: %w", err)
		}
		defer func() {
			if closeErr := dl.Close(); closeErr != nil {
				slog.Debug("Failed to close docker client", "error", closeErr)
			}
		}()
		networkID, err := dl.EnsureNetwork(ctx)
		if err != nil {
			return fmt.Errorf("ensure bridge network: %w", err)
		}
		slog.Info("Bridge network ready", "network_id", networkID)
		checks["docker"] = dl
		launcher = dl
	default:
		launcher = bridge.StaticLauncher{Template: cfg.Bridge.URL}
		slog.Info("Using static bridge", "url", cfg.Bridge.URL)
	}

	// Initialize services.
	bus := events.NewBus()
	reg := session.NewRegistry(auth, bus, session.WithStore(repo))
	restored, err := reg.Restore(ctx)
	if err != nil {
		slog.Warn("Failed to restore sessions", "error", err)
	} else {
		slog.Info("Sessions restored", "count", restored)
	}

	ctrl := session.NewController(reg, bus, session.ControllerConfig{
		Factory: bridge.NewFactory(bridge.Options{
			Launcher:      launcher,
			ChromiumPath:  cfg.Bridge.ChromiumPath,
			ChromiumFlags: cfg.Bridge.ChromiumFlags,
		}),
		ReconnectDelay: cfg.Pacing.ReconnectDelay,
	})

	if dl, ok := launcher.(*container.DockerLauncher); ok {
		container.StartReaper(ctx, dl, func(id string) bool {
			status, ok := ctrl.Status(id)
			return ok && status != domain.StatusDown
		})
	}

	resolver := media.NewResolver(
		media.WithHTTPClient(&http.Client{Timeout: cfg.Media.FetchTimeout}),
		media.WithMaxBytes(cfg.Media.MaxBytes),
	)
	dispatcher := dispatch.New(ctrl, resolver,
		dispatch.WithPacing(cfg.Pacing.MediaItemGap, cfg.Pacing.BroadcastTextDelay, cfg.Pacing.BroadcastMediaDelay),
		dispatch.WithRateLimit(cfg.SendRatePerSec),
		dispatch.WithHistory(repo),
	)

	pruner, err := retention.New(repo, cfg.History.Retention, cfg.History.PruneSchedule)
	if err != nil {
		return err
	}
	pruner.Start()
	defer pruner.Stop()

	hub := push.NewHub(func(id string) (domain.Status, string, bool) {
		status, ok := ctrl.Status(id)
		qr, _ := ctrl.QR(id)
		return status, qr, ok
	}, cfg.AllowedOrigins, cfg.IsDevelopment())
	sub, unsubscribe := bus.Subscribe(1024)
	defer unsubscribe()
	go hub.Run(ctx, sub)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(middleware.BodyLimit(maxBodyBytes))

	api.NewSessionHandler(ctrl, dispatcher, checks).RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws", hub.ServeHTTP)

	// Broadcasts can run for minutes, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	notify(daemon.SdNotifyReady)

	// Wait for shutdown signal.
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}
	stop()

	notify(daemon.SdNotifyStopping)
	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	ctrl.Shutdown(shutdownCtx)

	slog.Info("Server stopped successfully")
	return nil
}

// notify reports state to systemd when running under a notify unit.
func notify(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		slog.Warn("Failed to notify systemd", "state", state, "error", err)
		return
	}
	if sent {
		slog.Debug("Notified systemd", "state", state)
	}
}
