// 浮生十梦 - daily trial game server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/fusheng-game/fusheng/internal/ai"
	"github.com/fusheng-game/fusheng/internal/api"
	"github.com/fusheng-game/fusheng/internal/config"
	"github.com/fusheng-game/fusheng/internal/game"
	"github.com/fusheng-game/fusheng/internal/hub"
	"github.com/fusheng-game/fusheng/internal/identity"
	"github.com/fusheng-game/fusheng/internal/judge"
	"github.com/fusheng-game/fusheng/internal/middleware"
	"github.com/fusheng-game/fusheng/internal/monitor"
	"github.com/fusheng-game/fusheng/internal/session"
	"github.com/fusheng-game/fusheng/internal/store"
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
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize services.
	gameHub := hub.New()
	sessions := session.New(repo, session.WithNotifier(gameHub))

	router := ai.NewRouter(cfg.Providers, cfg.DefaultProvider)
	if len(cfg.Providers) == 0 {
		slog.Warn("No AI providers configured, generation will fail until a key is set")
	} else {
		router.Validate(ctx)
	}

	compliance := judge.New(router, sessions, cfg.CheatCheckModel)

	var reward game.RewardPolicy
	if cfg.IssueCodes {
		reward = game.CodeIssuer{}
		slog.Info("Settlement will issue redemption codes")
	}
	processor := game.New(sessions, router, compliance, gameHub, reward)

	// Initialize handlers.
	baseHandler := api.NewHandler(sessions, processor, gameHub, cfg.AdminToken, cfg.FrontendURL)
	wsHandler := api.NewWebSocketHandler(sessions, processor, gameHub, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	baseHandler.RegisterRoutes(r)
	baseHandler.RegisterAdminRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/game", wsHandler.ServeHTTP)

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		// Turn fan-out rides long-lived websockets, so no write timeout.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start background workers.
	sessions.StartFlushLoop(ctx, cfg.FlushInterval)
	monitor.StartComplianceWorker(ctx, sessions, compliance, cfg.MonitorInterval)
	slog.Info("Background workers started", "flush_interval", cfg.FlushInterval, "monitor_interval", cfg.MonitorInterval)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	gameHub.CloseAll()
	sessions.Flush(context.Background())

	slog.Info("Server stopped successfully")
}
