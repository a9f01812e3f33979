// Kestrel - Business credit monitoring that deploys in 60 seconds.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/monitor"
	"github.com/opensource-finance/kestrel/internal/notify"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Scorer. Band or weight misconfiguration is fatal here,
	// before any request is accepted.
	scorer, err := scoring.NewScorer(cfg.Scoring)
	if err != nil {
		slog.Error("failed to initialize scorer", "error", err)
		os.Exit(1)
	}
	slog.Info("scorer initialized",
		"validity_days", cfg.Scoring.ValidityDays,
	)

	// Initialize custom condition engine (CEL)
	conditions, err := monitor.NewConditionEngine()
	if err != nil {
		slog.Error("failed to initialize condition engine", "error", err)
		os.Exit(1)
	}

	// Initialize Notification Scheduler
	scheduler := notify.NewScheduler(repo, busImpl)

	// Initialize Monitoring Evaluator
	evaluator := monitor.NewEvaluator(repo, cacheImpl, conditions, monitor.NewGenerator(), scheduler)
	slog.Info("monitoring evaluator initialized")

	// Tenants to process (comma-separated, empty = global subscription)
	var tenantIDs []string
	if envTenants := os.Getenv("KESTREL_TENANTS"); envTenants != "" {
		for _, t := range strings.Split(envTenants, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tenantIDs = append(tenantIDs, t)
			}
		}
	}

	// Initialize async Worker consuming observations
	asyncWorker := worker.NewWorker(busImpl, evaluator, scheduler)
	if err := asyncWorker.Start(worker.Config{TenantIDs: tenantIDs}); err != nil {
		slog.Error("failed to start async worker", "error", err)
		os.Exit(1)
	}

	// Initialize cron-driven queue flusher
	flusher := notify.NewFlusher(scheduler, tenantIDs)
	if err := flusher.Start(); err != nil {
		slog.Error("failed to start notification flusher", "error", err)
		os.Exit(1)
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, scorer, scheduler, conditions, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop flusher and worker first
	flusher.Stop()
	if err := asyncWorker.Stop(); err != nil {
		slog.Error("failed to stop async worker", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🦅 KESTREL                  ║")
	fmt.Println("  ║      Business Credit Monitoring           ║")
	fmt.Println("  ║       Eyes on every counterparty.         ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /scores                        - Compute a credit score")
	fmt.Println("    GET  /scores/{id}                   - Get score result by ID")
	fmt.Println("    GET  /businesses/{id}/scores        - Score history for a business")
	fmt.Println("    GET  /businesses/{id}/scores/latest - Latest score snapshot")
	fmt.Println("    POST /profiles                      - Create a monitoring profile")
	fmt.Println("    GET  /profiles                      - List monitoring profiles")
	fmt.Println("    PUT  /profiles/{businessId}         - Update a monitoring profile")
	fmt.Println("    POST /observations                  - Submit a monitoring observation")
	fmt.Println("    GET  /alerts                        - List alerts")
	fmt.Println("    POST /alerts/{id}/read              - Mark alert as read")
	fmt.Println("    POST /alerts/{id}/acknowledge       - Acknowledge an alert")
	fmt.Println("    POST /notifications/flush           - Flush the pending queue")
	fmt.Println("    GET  /health                        - Health check")
	fmt.Println()
}
