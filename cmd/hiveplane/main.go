// Hiveplane control-plane server — multi-tenant agent workspaces, chat
// routing, plan execution, and the durable event stream behind them.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hiveplane/hiveplane/pkg/agent"
	"github.com/hiveplane/hiveplane/pkg/api"
	"github.com/hiveplane/hiveplane/pkg/approval"
	"github.com/hiveplane/hiveplane/pkg/bus"
	"github.com/hiveplane/hiveplane/pkg/cache"
	"github.com/hiveplane/hiveplane/pkg/cleanup"
	"github.com/hiveplane/hiveplane/pkg/config"
	"github.com/hiveplane/hiveplane/pkg/contextstore"
	"github.com/hiveplane/hiveplane/pkg/database"
	"github.com/hiveplane/hiveplane/pkg/masking"
	"github.com/hiveplane/hiveplane/pkg/outbox"
	"github.com/hiveplane/hiveplane/pkg/services"
	"github.com/hiveplane/hiveplane/pkg/stream"
	"github.com/hiveplane/hiveplane/pkg/version"
	"github.com/hiveplane/hiveplane/pkg/workspace"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func setupLogging() {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	handler := slog.Handler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	if os.Getenv("LOG_FORMAT") == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}

func main() {
	configPath := flag.String("config", getEnv("CONFIG_PATH", ""), "Path to configuration file (optional)")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, continuing with existing environment")
	}
	setupLogging()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	slog.Info("Starting "+version.Full(), "port", cfg.Server.Port)

	// Database (runs migrations on startup).
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
	slog.Info("Connected to PostgreSQL")

	// Cache: Redis when configured, in-memory otherwise.
	var cacheClient cache.Client
	if cfg.Redis.Addr != "" {
		redisClient, err := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			slog.Error("Failed to connect to Redis", "addr", cfg.Redis.Addr, "error", err)
			os.Exit(1)
		}
		cacheClient = redisClient
		slog.Info("Connected to Redis", "addr", cfg.Redis.Addr)
	} else {
		cacheClient = cache.NewMemoryClient()
		slog.Info("Using in-memory cache (no Redis configured)")
	}

	// Stream broker with cache-backed replay buffer.
	buffer := stream.NewReplayBuffer(cacheClient, cfg.Stream.EventBufferSize, cfg.Stream.EventTTL)
	broker := stream.NewBroker(cfg.Stream, buffer)
	broker.StartHeartbeat(ctx)

	// Transactional outbox + publisher pump.
	outboxRepo := outbox.NewRepository(dbClient, cfg.Outbox)
	outboxMetrics := outbox.NewMetrics(prometheus.DefaultRegisterer)
	publisher := outbox.NewPublisher(outboxRepo, broker, cfg.Outbox, outboxMetrics)
	publisher.Start(ctx)

	// Agent runtime: shared bus, LLM client, embeddings.
	agentBus := bus.New(cfg.Bus)
	llmClient := agent.NewOpenAIClient(cfg.LLM)
	embedder := contextstore.NewOpenAIEmbedder(llmClient.Raw(), cfg.LLM.EmbeddingModel, cfg.Context.EmbeddingDim)

	spaces := workspace.NewManager(workspace.Deps{
		DB:       dbClient,
		Cache:    cacheClient,
		Bus:      agentBus,
		LLM:      llmClient,
		Embedder: embedder,
		Repo:     workspace.NewSQLAgentRepo(dbClient),
		Config:   cfg,
	})

	approvals := approval.NewManager(dbClient, outboxRepo, broker, cfg.Approval)

	// Background retention sweeper for aged events and resolved approvals.
	retention := cleanup.NewService(cfg.Retention, cleanup.NewSQLStore(dbClient))
	retention.Start(ctx)

	projectService := services.NewProjectService(dbClient)
	sessionService := services.NewSessionService(dbClient)
	messageService := services.NewMessageService(dbClient, outboxRepo, spaces, sessionService, masking.NewService())
	planService := services.NewPlanService(dbClient, outboxRepo, approvals, spaces, sessionService, cfg.Executor)
	slog.Info("Services initialized")

	httpServer := api.NewServer(api.Deps{
		Config:    cfg,
		DB:        dbClient,
		Broker:    broker,
		Spaces:    spaces,
		Approvals: approvals,
		Outbox:    outboxRepo,
		Projects:  projectService,
		Sessions:  sessionService,
		Messages:  messageService,
		Plans:     planService,
	})

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Server.Port
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Graceful shutdown: stop accepting requests, flush the outbox pump,
	// drop stream connections, tear down workspaces, then the bus.
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	retention.Stop()
	publisher.Stop()
	broker.Close()
	spaces.CleanupAll(shutdownCtx)
	agentBus.Cleanup()

	slog.Info("Shutdown complete")
}
