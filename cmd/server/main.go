// Middleman - local daemon supervising LLM agent subprocesses and
// multiplexing their event streams to UI clients.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/ashureev/middleman/internal/api"
	"github.com/ashureev/middleman/internal/bridge"
	"github.com/ashureev/middleman/internal/config"
	"github.com/ashureev/middleman/internal/history"
	"github.com/ashureev/middleman/internal/hub"
	"github.com/ashureev/middleman/internal/middleware"
	"github.com/ashureev/middleman/internal/persist"
	"github.com/ashureev/middleman/internal/runtime"
	"github.com/ashureev/middleman/internal/store"
	"github.com/ashureev/middleman/internal/swarm"
	"github.com/ashureev/middleman/internal/ws"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

// Exit codes: 0 normal stop, 1 fatal error, 2 port unavailable after the
// fallback attempt.
const (
	exitFatal       = 1
	exitPortInUse   = 2
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(exitFatal)
	}

	slog.Info("Starting daemon", "port", cfg.Port, "data_dir", cfg.DataDir, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.RegistryPath())
	if err != nil {
		slog.Error("Failed to initialize registry database", "error", err)
		os.Exit(exitFatal)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close registry", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Registry health check failed", "error", err)
		os.Exit(exitFatal)
	}

	transcripts, err := persist.NewTranscripts(cfg.SessionsDir(), logger)
	if err != nil {
		slog.Error("Failed to initialize transcripts", "error", err)
		os.Exit(exitFatal)
	}

	eventHub := hub.New(cfg.Capacity.SubscriberQueue, logger)
	histStore := history.New(cfg.Capacity.HistoryPerAgent)
	spawner := &runtime.ExecSpawner{
		Command: cfg.Runtime.Command,
		ScanBuf: cfg.Capacity.RuntimeScanBuf,
		Logger:  logger,
	}

	mgr := swarm.New(swarm.Options{
		Config:      cfg,
		Logger:      logger,
		Hub:         eventHub,
		History:     histStore,
		Registry:    repo,
		Transcripts: transcripts,
		Spawner:     spawner,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The actor outlives the signal context so shutdown can still drain
	// sessions through it.
	actorCtx, stopActor := context.WithCancel(context.Background())
	defer stopActor()
	go mgr.Run(actorCtx)

	if err := mgr.Boot(ctx); err != nil {
		slog.Error("Failed to restore registry", "error", err)
		os.Exit(exitFatal)
	}

	// Channel bridge: outbound replies plus Slack/Telegram inbound.
	channelBridge := bridge.New(mgr, cfg, logger)
	mgr.SetPoster(channelBridge)
	applyPersistedIntegrations(ctx, cfg, channelBridge, logger)
	defer channelBridge.Stop()

	// HTTP surface.
	wsHandler := ws.NewHandler(mgr, nil, cfg, logger)
	apiHandler := api.NewHandler(cfg, mgr, channelBridge, nil, logger)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(middleware.Loopback)

	apiHandler.RegisterRoutes(r)
	r.Get("/ws", wsHandler.ServeHTTP)

	srv := &http.Server{
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		// Streaming connections need no write deadline.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ln, addr, err := listenWithFallback(cfg.Port)
	if err != nil {
		slog.Error("Port unavailable", "port", cfg.Port, "error", err)
		os.Exit(exitPortInUse)
	}
	srv.Addr = addr

	go func() {
		slog.Info("Server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(exitFatal)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-mgr.Fatal():
		slog.Error("Supervisor failed, shutting down", "error", err)
		shutdownHTTP(srv)
		os.Exit(exitFatal)
	}
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	mgr.Shutdown(shutdownCtx)
	stopActor()
	shutdownHTTP(srv)

	slog.Info("Daemon stopped")
}

// listenWithFallback binds the configured port, trying the next port
// once before giving up.
func listenWithFallback(port string) (net.Listener, string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:"+port)
	if err == nil {
		return ln, ln.Addr().String(), nil
	}

	n, convErr := strconv.Atoi(port)
	if convErr != nil {
		return nil, "", err
	}
	fallback := strconv.Itoa(n + 1)
	slog.Warn("Port unavailable, trying fallback", "port", port, "fallback", fallback)
	ln, fbErr := net.Listen("tcp", "127.0.0.1:"+fallback)
	if fbErr != nil {
		return nil, "", fmt.Errorf("port %s and fallback %s unavailable: %w", port, fallback, fbErr)
	}
	return ln, ln.Addr().String(), nil
}

func shutdownHTTP(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
}

// applyPersistedIntegrations loads the stored Slack/Telegram profiles
// and starts whichever are enabled.
func applyPersistedIntegrations(ctx context.Context, cfg *config.Config, b *bridge.Bridge, logger *slog.Logger) {
	var slackProfile bridge.SlackProfile
	if err := persist.ReadJSON(filepath.Join(cfg.IntegrationsDir(), "slack.json"), &slackProfile); err == nil {
		b.ApplySlack(ctx, slackProfile)
	} else if !os.IsNotExist(err) {
		logger.Warn("failed to load slack profile", "error", err)
	}

	var telegramProfile bridge.TelegramProfile
	if err := persist.ReadJSON(filepath.Join(cfg.IntegrationsDir(), "telegram.json"), &telegramProfile); err == nil {
		b.ApplyTelegram(ctx, telegramProfile)
	} else if !os.IsNotExist(err) {
		logger.Warn("failed to load telegram profile", "error", err)
	}
}
