package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/forgecrew/forgecrew/internal/adapter/agentcli"
	"github.com/forgecrew/forgecrew/internal/adapter/gitcli"
	"github.com/forgecrew/forgecrew/internal/adapter/httpapi"
	fcnats "github.com/forgecrew/forgecrew/internal/adapter/nats"
	"github.com/forgecrew/forgecrew/internal/adapter/otel"
	"github.com/forgecrew/forgecrew/internal/adapter/postgres"
	"github.com/forgecrew/forgecrew/internal/adapter/ristretto"
	"github.com/forgecrew/forgecrew/internal/adapter/workspacefs"
	"github.com/forgecrew/forgecrew/internal/adapter/ws"
	"github.com/forgecrew/forgecrew/internal/config"
	"github.com/forgecrew/forgecrew/internal/git"
	"github.com/forgecrew/forgecrew/internal/logger"
	"github.com/forgecrew/forgecrew/internal/resilience"
	"github.com/forgecrew/forgecrew/internal/service"
)

const version = "0.1.0"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "admin" {
		if err := runAdmin(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		return
	}

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := logger.New(cfg.Logging)
	slog.SetDefault(log)
	log.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"pg_max_conns", cfg.Postgres.MaxConns,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Observability ---
	if cfg.Otel.Enabled {
		shutdown, err := otel.Setup(ctx, cfg.Otel, cfg.Logging.Service, version)
		if err != nil {
			return fmt.Errorf("otel: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(sctx); err != nil {
				log.Warn("otel shutdown", "error", err)
			}
		}()
	}

	// --- Infrastructure ---
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	log.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	log.Info("migrations applied")

	store := postgres.NewStore(pool)
	eventStore := postgres.NewEventStore(pool)

	notif, err := fcnats.Connect(cfg.NATS.URL, log)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = notif.Close() }()

	projCache, err := ristretto.New(cfg.Cache.MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}

	// --- Services ---
	hub := ws.NewHub(log)

	secrets, err := service.NewSecretsDetectionService(log)
	if err != nil {
		return fmt.Errorf("secrets detection: %w", err)
	}
	events := service.NewEventLog(eventStore, projCache, hub, secrets, cfg.Cache, log)

	gitPool := git.NewPool(cfg.Workspace.MaxConcurrent)
	gitProvider := gitcli.NewProvider(gitPool)
	provisioner := workspacefs.NewProvisioner(cfg.Workspace, gitPool, store, log)

	schema, err := service.NewSchemaValidationService(map[string]json.RawMessage{
		service.BreakdownContract: json.RawMessage(service.BreakdownSchema),
	})
	if err != nil {
		return fmt.Errorf("schema contracts: %w", err)
	}

	creds, err := service.NewCredentialService(store, cfg.Credential, log)
	if err != nil {
		return fmt.Errorf("credentials: %w", err)
	}

	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	deps := &service.PhaseDeps{
		Cfg:        cfg,
		Store:      store,
		Events:     events,
		Exec:       agentcli.New(cfg.Agent, log),
		Breaker:    breaker,
		Supervisor: service.NewExecutionSupervisor(cfg.Supervisor, provisioner, log),
		Schema:     schema,
		Secrets:    secrets,
		Git:        gitProvider,
		Workspace:  provisioner,
		Merge:      service.NewMergeService(gitProvider, provisioner, log),
		Log:        log,
	}

	coord := service.NewCoordinator(cfg, deps,
		service.NewRetryService(cfg.Retry, log),
		service.NewCostBudgetService(cfg.Budget, log),
		creds, notif)

	// --- HTTP ---
	handlers := httpapi.NewHandlers(coord, events, store, eventStore, breaker, hub, log)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           httpapi.NewRouter(handlers, cfg.Server),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Info("starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
