package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nidhogg/overseer/internal/api"
	"github.com/nidhogg/overseer/internal/audit"
	"github.com/nidhogg/overseer/internal/clock"
	"github.com/nidhogg/overseer/internal/config"
	"github.com/nidhogg/overseer/internal/delegate"
	"github.com/nidhogg/overseer/internal/escalation"
	"github.com/nidhogg/overseer/internal/fleet"
	"github.com/nidhogg/overseer/internal/health"
	"github.com/nidhogg/overseer/internal/notify"
	"github.com/nidhogg/overseer/internal/orchestrator"
	"github.com/nidhogg/overseer/internal/sandbox"
	"github.com/nidhogg/overseer/internal/scoring"
	"github.com/nidhogg/overseer/internal/store"
	"github.com/nidhogg/overseer/internal/team"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	logger.Info("Starting Overseer...")

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/overseer.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}
	logger.Info("Config loaded", zap.String("path", cfgPath))

	// Repository: PostgreSQL when configured and reachable, in-memory otherwise
	var repo fleet.Repository
	var pg *store.Postgres
	repoKind := "memory"
	if cfg.Database.Postgres.DSN != "" {
		ps, pgErr := store.NewPostgres(cfg.Database.Postgres.DSN, logger)
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, falling back to in-memory state", zap.Error(pgErr))
		} else {
			if mErr := ps.Migrate(context.Background(), "migrations"); mErr != nil {
				logger.Fatal("migration failed", zap.Error(mErr))
			}
			pg = ps
			repo = ps
			repoKind = "postgres"
		}
	}
	if repo == nil {
		repo = store.NewMemory(logger)
	}

	// Audit trail: Redis Streams when configured, in-process buffer otherwise
	var auditor audit.Sink
	var events audit.Reader
	var feed audit.Feed
	var stream *audit.Stream
	auditKind := "memory"
	if cfg.Database.Redis.URL != "" {
		st, sErr := audit.NewStream(cfg.Database.Redis.URL, logger)
		if sErr != nil {
			logger.Warn("Redis unavailable, audit trail stays in-process", zap.Error(sErr))
		} else {
			stream = st
			auditor, events, feed = st, st, st
			auditKind = "redis-stream"
		}
	}
	if auditor == nil {
		mem := audit.NewMemory(logger)
		auditor, events, feed = mem, mem, mem
	}

	// Notification gateway
	senders := notify.NewRegistry(logger)
	senders.Register(notify.NewLog(logger))
	if cfg.Notify.Slack.Enabled && cfg.Notify.Slack.BotToken != "" {
		senders.Register(notify.NewSlack(cfg.Notify.Slack.BotToken, cfg.Notify.Slack.Channel, logger))
	}
	if cfg.Notify.Discord.Enabled && cfg.Notify.Discord.BotToken != "" {
		discord, dErr := notify.NewDiscord(cfg.Notify.Discord.BotToken, cfg.Notify.Discord.Channel, logger)
		if dErr != nil {
			logger.Warn("Discord unavailable", zap.Error(dErr))
		} else {
			senders.Register(discord)
		}
	}

	// Sandbox runner
	var invoker sandbox.Invoker = sandbox.Nop{}
	if cfg.Sandbox.RunnerURL != "" {
		invoker = sandbox.NewHTTP(cfg.Sandbox.RunnerURL, logger)
	} else {
		logger.Warn("no sandbox runner configured, executions are no-ops")
	}

	// Orchestration core
	scores := scoring.NewEngine(cfg.Scheduler, logger)
	delegator := delegate.NewEngine(repo, scores, cfg.Scheduler, logger)
	escalator := escalation.NewManager(repo, logger)
	registry := orchestrator.NewRegistry(repo, delegator, escalator, invoker, scores, auditor, cfg.Scheduler, logger)
	summarizer := orchestrator.NewSummarizer(repo, scores, senders, logger)
	coordinator := team.NewCoordinator(repo, registry, senders, auditor, cfg.Scheduler, logger)
	dispatcher := health.NewDispatcher(repo, escalator, registry, senders, auditor, logger)
	monitor := health.NewMonitor(repo, dispatcher, nil, cfg.Scheduler, logger)

	// Shared clock drives the health cycle, negotiation deadlines, and the
	// daily digest
	ticker := clock.New(30*time.Second, logger)
	ticker.AddListener(monitor)
	ticker.AddListener(coordinator)
	ticker.AddListener(summarizer)
	ticker.Start()

	// Pick up work that was pending at the last shutdown
	if err := registry.ResumeAll(context.Background()); err != nil {
		logger.Warn("resume pass failed", zap.Error(err))
	}

	// Build HTTP handler
	handler := api.NewHandler(repo, registry, coordinator, escalator, monitor,
		summarizer, senders, events, feed, repoKind, auditKind, logger)

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	if port == "0" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("Overseer listening", zap.String("port", port), zap.String("repository", repoKind))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Overseer...")
	ticker.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
	if stream != nil {
		stream.Close()
	}
	if pg != nil {
		pg.Close()
	}
}
