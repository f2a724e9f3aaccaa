// councild serves the deliberation API: it fans questions out to a
// council of LLM endpoints, runs cross-review, peer ranking, and
// moderator synthesis, and streams progress to clients.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/decideplease/councild/pkg/api"
	"github.com/decideplease/councild/pkg/config"
	"github.com/decideplease/councild/pkg/council"
	"github.com/decideplease/councild/pkg/database"
	"github.com/decideplease/councild/pkg/dispatch"
	"github.com/decideplease/councild/pkg/llm"
	"github.com/decideplease/councild/pkg/store"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting councild", "http_port", cfg.HTTPPort)

	ctx := context.Background()

	// Database with embedded migrations.
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	st := store.NewStore(dbClient.DB())

	// One-time startup cleanup: a crash mid-deliberation must not leave
	// partial answers readable.
	removed, err := st.CleanupIncomplete(ctx)
	if err != nil {
		slog.Error("Startup cleanup failed", "error", err)
		os.Exit(1)
	}
	if removed > 0 {
		slog.Info("Removed incomplete answers from prior run", "count", removed)
	}

	upstream := llm.NewClient(cfg.UpstreamURL, cfg.UpstreamAPIKey, llm.Options{
		RequestTimeout: cfg.RequestTimeout,
		ConnectTimeout: cfg.ConnectTimeout,
	})
	defer upstream.Close()

	scheduler := council.NewScheduler(upstream, st, st)
	dispatcher := dispatch.NewDispatcher(st, scheduler, cfg.MaxQuestionLength)

	httpServer := api.NewServer(dbClient, st, dispatcher)
	go func() {
		if err := httpServer.Start(":" + cfg.HTTPPort); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()
	slog.Info("HTTP server listening", "addr", ":"+cfg.HTTPPort)

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("Shutdown signal received", "signal", sig.String())

	// Stop the dispatcher first: running deliberations are cancelled,
	// refunds issued, sentinels posted.
	dispatcher.Stop()

	httpShutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
