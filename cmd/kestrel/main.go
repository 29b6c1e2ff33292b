// Kestrel - Batch fraud scoring with an auditable trail.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/analysis"
	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/audit"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/feedback"
	"github.com/opensource-finance/kestrel/internal/inference"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/worker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg, err := domain.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"remote_inference", cfg.Scoring.RemoteInference,
	)

	if !cfg.Tracing.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type, "two_phase", cfg.Cache.EnableTwoPhase)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	m := metrics.New()

	// Initialize rule catalog: built-ins first, then external sources
	engine, err := rules.NewEngine()
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}

	store, err := rules.NewStore(engine, m, ruleSources(cfg.Rules, repo)...)
	if err != nil {
		slog.Error("failed to build built-in catalog", "error", err)
		os.Exit(1)
	}

	// An unavailable source at startup leaves the built-in catalog active.
	if _, err := store.Reload(ctx); err != nil {
		slog.Warn("starting with built-in rules only", "error", err)
	}
	slog.Info("rule catalog initialized",
		"version", store.Current().Version(),
		"rules_count", store.Current().Len(),
	)

	provider := inference.New(cfg.Scoring, busImpl, cacheImpl, cfg.Cache.SignalTTL)
	slog.Info("inference provider initialized", "provider", provider.Name())

	recorder := audit.NewRecorder(repo)
	analyzer := analysis.NewAnalyzer(cfg.Scoring, analysis.Deps{
		Rules:    store,
		Provider: provider,
		Recorder: recorder,
		Bus:      busImpl,
		Metrics:  m,
	})
	reconciler := feedback.NewReconciler(repo, m)

	// Pro tier: batches submitted with ?async=true are analyzed here.
	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, analyzer)
		if err := asyncWorker.Start(worker.Config{TenantIDs: cfg.Worker.Tenants}); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "tenant_count", len(cfg.Worker.Tenants))
		}
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Analyzer:   analyzer,
		Recorder:   recorder,
		Reconciler: reconciler,
		Rules:      store,
		Repo:       repo,
		Cache:      cacheImpl,
		Bus:        busImpl,
		Metrics:    m,
	}, Version)

	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready", "addr", srv.Addr())

	printBanner(cfg, Version)

	<-ctx.Done()
	stop()
	slog.Info("shutting down")

	// Stop async worker first so in-flight batches finish
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if os.Getenv("KESTREL_DEBUG") == "true" {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// ruleSources lists the external rule sources in merge order. The file
// source comes last so it overrides persisted rules with the same id.
func ruleSources(cfg domain.RulesConfig, repo domain.Repository) []rules.Source {
	var sources []rules.Source
	if cfg.FromRepository {
		sources = append(sources, &rules.RepositorySource{Repo: repo})
	}
	if cfg.File != "" {
		sources = append(sources, &rules.FileSource{Path: cfg.File})
	}
	return sources
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  KESTREL - batch fraud scoring")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /analyze                       - Score a batch of transactions")
	fmt.Println("    GET  /executions/{id}               - Get an execution record")
	fmt.Println("    GET  /executions/{id}/transactions  - List scored transactions")
	fmt.Println("    GET  /executions/{id}/verify        - Re-derive and compare an execution")
	fmt.Println("    POST /feedback                      - Submit analyst feedback")
	fmt.Println("    GET  /feedback/{executionId}        - List feedback")
	fmt.Println("    GET  /feedback/{executionId}/summary - Feedback by decision")
	fmt.Println("    GET  /feedback/{executionId}/latest  - Latest feedback per transaction")
	fmt.Println("    GET  /rules                         - Current rule catalog")
	fmt.Println("    POST /rules                         - Create an external rule")
	fmt.Println("    POST /rules/reload                  - Reload rules from sources")
	fmt.Println("    GET  /health, /ready, /metrics      - Operations")
	fmt.Println()
}
