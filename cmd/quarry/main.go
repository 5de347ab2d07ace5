// Quarry research-assistant backend: HTTP API, queue workers, and the
// Redis-backed job event bus in one process.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/quarry-ai/quarry/pkg/agent"
	"github.com/quarry-ai/quarry/pkg/api"
	"github.com/quarry-ai/quarry/pkg/config"
	"github.com/quarry-ai/quarry/pkg/database"
	"github.com/quarry-ai/quarry/pkg/events"
	"github.com/quarry-ai/quarry/pkg/llm"
	"github.com/quarry-ai/quarry/pkg/queue"
	"github.com/quarry-ai/quarry/pkg/services"
	"github.com/quarry-ai/quarry/pkg/tools"
)

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	podID := resolvePodID()
	slog.Info("Starting quarry", "pod_id", podID, "port", cfg.Server.Port)

	ctx := context.Background()

	// Database
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

	// Redis event bus
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		slog.Error("Failed to connect to Redis", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}
	pingCancel()
	defer func() {
		if err := rdb.Close(); err != nil {
			slog.Error("Error closing Redis client", "error", err)
		}
	}()
	bus := events.NewPublisher(rdb)
	slog.Info("Connected to Redis", "addr", cfg.Redis.Addr)

	// Domain services
	jobService := services.NewJobService(dbClient)
	threadService := services.NewThreadService(dbClient)
	resourceService := services.NewResourceService(dbClient)
	findingService := services.NewFindingService(dbClient)
	notificationService := services.NewNotificationService(dbClient)
	slog.Info("Services initialized")

	// LLM client and agent loop
	llmClient, err := llm.NewAnthropicClient(llm.AnthropicConfig{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		VisionModel: cfg.LLM.VisionModel,
		MaxTokens:   cfg.LLM.MaxTokens,
		MaxRetries:  cfg.LLM.MaxRetries,
		RetryDelay:  cfg.LLM.RetryDelay,
	})
	if err != nil {
		slog.Error("Failed to initialize LLM client", "error", err)
		os.Exit(1)
	}

	registry := tools.NewRegistry()
	loop := agent.New(llmClient, registry, agent.Config{
		MaxIterations:  cfg.LLM.MaxIterations,
		EnableThinking: cfg.LLM.EnableThinking,
		ThinkingBudget: cfg.LLM.ThinkingBudget,
	})

	// Optional capabilities. A nil capability removes its tools from the
	// model's view; document search needs an external vector store and is
	// absent until one is wired in.
	caps := queue.Capabilities{Vision: llmClient}
	if searcher := tools.NewHTTPWebSearcher("", cfg.WebSearchAPIKey); searcher != nil {
		caps.WebSearch = searcher
	}

	runner := queue.NewRunner(
		jobService, threadService, resourceService, findingService,
		notificationService, bus, loop, caps)

	// Worker pool starts before the HTTP server so submitted jobs have
	// somewhere to go.
	workerPool := queue.NewWorkerPool(podID, jobService, &cfg.Queue, runner)
	workerPool.Start(ctx)

	httpServer := api.NewServer(
		&cfg.Server, dbClient, bus, workerPool, runner,
		jobService, threadService, notificationService)

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()

	slog.Info("Quarry started", "pod_id", podID, "workers", cfg.Queue.WorkerCount)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Stop the HTTP surface first so no new jobs arrive while the pool
	// drains.
	httpCtx, httpCancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	poolCtx, poolCancel := context.WithTimeout(ctx, cfg.Queue.GracefulShutdownTimeout)
	defer poolCancel()
	done := make(chan struct{})
	go func() {
		workerPool.Stop()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Worker pool stopped gracefully")
	case <-poolCtx.Done():
		slog.Warn("Shutdown timeout exceeded, interrupted jobs stay claimable")
	}

	slog.Info("Shutdown complete")
}
