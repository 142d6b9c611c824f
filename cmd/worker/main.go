package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/narrativekit/canon-engine/internal/config"
	"github.com/narrativekit/canon-engine/internal/logger"
	"github.com/narrativekit/canon-engine/internal/services"
	"github.com/narrativekit/canon-engine/internal/services/events"
	"github.com/narrativekit/canon-engine/internal/services/queue"
	"github.com/narrativekit/canon-engine/internal/storage"
	"github.com/narrativekit/canon-engine/internal/worker"
	"github.com/narrativekit/canon-engine/pkg/draft"
	"github.com/narrativekit/canon-engine/pkg/extract"
)

func main() {
	cfg := config.Load()
	log := logger.Setup(cfg)

	if err := cfg.Validate(); err != nil {
		log.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	log.Info("Starting Canon Engine Worker",
		"environment", cfg.Environment,
		"redis_addr", cfg.RedisAddr)

	queueClient, err := queue.NewClient(cfg.RedisAddr, log)
	if err != nil {
		log.Error("Failed to create queue client", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := queueClient.Close(); err != nil {
			log.Error("Error closing queue client", "error", err)
		}
	}()

	turnQueue := queue.NewTurnQueue(queueClient)
	log.Info("Queue service initialized successfully")

	store, err := storage.NewSQLiteStore(cfg.DBPath, log)
	if err != nil {
		log.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("Error closing store", "error", err)
		}
	}()
	storeCtx, storeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer storeCancel()
	if err := store.Ping(storeCtx); err != nil {
		log.Error("Failed to connect to store", "error", err)
		os.Exit(1)
	}
	log.Info("Store connection established", "db_path", cfg.DBPath)

	var llmService services.LLMService
	switch cfg.LLMProvider {
	case config.ProviderAnthropic:
		llmService = services.NewAnthropicService(cfg.LLMAPIKey, cfg.LLMModel, log)
		log.Info("Using Anthropic LLM provider")
	case config.ProviderOpenAI:
		llmService = services.NewOpenAIService(cfg.LLMAPIKey, cfg.LLMBaseURL, cfg.LLMModel, log)
		log.Info("Using OpenAI-compatible LLM provider")
	default:
		log.Error("Invalid LLM provider specified",
			"provider", cfg.LLMProvider,
			"supported", []string{config.ProviderOpenAI, config.ProviderAnthropic})
		os.Exit(1)
	}

	initCtx, initCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer initCancel()
	if err := llmService.InitModel(initCtx, cfg.LLMModel); err != nil {
		log.Error("Failed to initialize LLM model", "error", err, "model", cfg.LLMModel)
		os.Exit(1)
	}
	log.Info("LLM service initialized successfully", "model", cfg.LLMModel)

	// Separate Redis client for story locking and pub/sub
	// (separate from queue client to avoid connection conflicts)
	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
	})
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pingCancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		log.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			log.Error("Failed to close Redis client", "error", err)
		}
	}()

	extractor := extract.NewExtractor(llmService, cfg.ExtractorRetryCount, log)
	processor := worker.NewTurnProcessor(store, extractor, log).
		WithTurnTimeout(cfg.TurnTimeout).
		WithCache(storage.NewStateCache(cfg.RedisAddr, log)).
		WithBroadcaster(events.NewBroadcaster(redisClient, log))
	if draft.ShouldFilter(cfg.ContentRating) {
		processor = processor.WithContentFilter(draft.NewContentFilter())
		log.Info("Content filter enabled", "rating", cfg.ContentRating)
	}

	w := worker.New(turnQueue, processor, redisClient, log, os.Getenv("WORKER_ID"))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := w.Start(); err != nil {
			log.Error("Worker error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("Worker started, waiting for turn tasks...")

	<-quit
	log.Info("Worker shutdown signal received")

	w.Stop()

	// Give the worker time to finish the current turn
	time.Sleep(2 * time.Second)

	log.Info("Worker exited")
}
