package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/giygas/zulip-exporter/config"
	"github.com/giygas/zulip-exporter/data"
	"github.com/giygas/zulip-exporter/handlers"
	"github.com/giygas/zulip-exporter/health"
	"github.com/giygas/zulip-exporter/logging"
	"github.com/giygas/zulip-exporter/metrics"
	"github.com/giygas/zulip-exporter/scheduler"
	"github.com/giygas/zulip-exporter/scraper"
	"github.com/giygas/zulip-exporter/server"
	"github.com/giygas/zulip-exporter/snapshot"
	"github.com/giygas/zulip-exporter/zulip"
	"github.com/joho/godotenv"
)

// loadEnv reads .env from the working directory, then from the executable's directory
func loadEnv() {
	if err := godotenv.Load(); err == nil {
		return
	}

	ex, err := os.Executable()
	if err != nil {
		slog.Warn("Failed to get executable path, using process environment only", "error", err)
		return
	}

	if err := godotenv.Load(filepath.Join(filepath.Dir(ex), ".env")); err != nil {
		slog.Debug("No .env file found, using process environment only")
	}
}

func main() {
	loadEnv()

	if err := config.ValidateAllEnvVars(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logging.InitLogger(logging.Options{
		LogDir:         cfg.LogDir,
		Env:            cfg.Env,
		LogLevel:       cfg.LogLevel,
		RetentionWeeks: cfg.LogRetentionWeeks,
		MaxFileSize:    cfg.MaxLogFileSize,
	})
	defer logging.DefaultLoggingService.Close()

	logging.Info("Starting Zulip exporter",
		"env", cfg.Env.String(),
		"zulip_url", cfg.ZulipURL,
		"collect_presence", cfg.CollectPresence,
		"presence_concurrency", cfg.PresenceConcurrency,
		"scrape_timeout", cfg.ScrapeTimeout.String(),
	)

	client := zulip.NewClient(zulip.Options{
		BaseURL:            cfg.ZulipURL,
		Email:              cfg.ZulipEmail,
		APIKey:             cfg.ZulipAPIKey,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		RequestTimeout:     cfg.RequestTimeout,
		RateLimit:          cfg.RateLimit,
		RateBurst:          cfg.RateBurst,
	})

	status := data.NewStatusContainer()

	fetcher := snapshot.NewFetcher(client, snapshot.FetcherOptions{
		CollectPresence:     cfg.CollectPresence,
		PresenceConcurrency: cfg.PresenceConcurrency,
	})
	scr := scraper.New(fetcher, status, cfg.ScrapeTimeout)

	sched := scheduler.NewScheduler(client, status, cfg.HealthCheckInterval)
	if err := sched.Start(); err != nil {
		logging.Error("Failed to start scheduler", "error", err)
		os.Exit(1)
	}

	handler := handlers.NewHTTPHandler(scr, health.NewHealthChecker(status), metrics.Registry)
	srv := server.NewServer(cfg, handler)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case sig := <-quit:
		logging.Info("Received shutdown signal", "signal", sig.String())
	case err := <-serverErr:
		logging.Error("Server failed to start", "error", err)
		sched.Stop()
		logging.DefaultLoggingService.Close()
		os.Exit(1)
	}

	sched.Stop()

	// A scrape in flight may need the whole scrape timeout to finish
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ScrapeTimeout+5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logging.Error("Server shutdown failed", "error", err)
	}
}
