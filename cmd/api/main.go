package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/narrativekit/canon-engine/internal/config"
	"github.com/narrativekit/canon-engine/internal/handlers"
	"github.com/narrativekit/canon-engine/internal/logger"
	"github.com/narrativekit/canon-engine/internal/middleware"
	"github.com/narrativekit/canon-engine/internal/services"
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

	log.Info("Starting Canon Engine API",
		"port", cfg.Port,
		"environment", cfg.Environment,
		"llm_provider", cfg.LLMProvider,
		"model", cfg.LLMModel)

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

	store, err := storage.NewSQLiteStore(cfg.DBPath, log)
	if err != nil {
		log.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	storeCtx, storeCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer storeCancel()
	if err := store.Ping(storeCtx); err != nil {
		log.Error("Failed to connect to store", "error", err)
		os.Exit(1)
	}
	log.Info("Store connection established", "db_path", cfg.DBPath)

	modelCtx, modelCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer modelCancel()
	if err := llmService.InitModel(modelCtx, cfg.LLMModel); err != nil {
		log.Error("Failed to initialize LLM model", "error", err, "model", cfg.LLMModel)
		os.Exit(1)
	}

	extractor := extract.NewExtractor(llmService, cfg.ExtractorRetryCount, log)
	processor := worker.NewTurnProcessor(store, extractor, log).
		WithTurnTimeout(cfg.TurnTimeout)
	if draft.ShouldFilter(cfg.ContentRating) {
		processor = processor.WithContentFilter(draft.NewContentFilter())
		log.Info("Content filter enabled", "rating", cfg.ContentRating)
	}

	// The snapshot cache is optional; the engine serves from the
	// durable store when Redis is down.
	var cache *storage.StateCache
	if cfg.RedisAddr != "" {
		cache = storage.NewStateCache(cfg.RedisAddr, log)
		cacheCtx, cacheCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := cache.WaitForConnection(cacheCtx); err != nil {
			log.Warn("Redis unavailable, running without snapshot cache", "error", err)
			cache = nil
		} else {
			processor = processor.WithCache(cache)
			log.Info("Snapshot cache enabled", "redis_addr", cfg.RedisAddr)
		}
		cacheCancel()
	}

	mux := http.NewServeMux()

	var cacheChecker storage.HealthChecker
	if cache != nil {
		cacheChecker = cache
	}
	mux.Handle("/v1/health", handlers.NewHealthHandler(store, cacheChecker, log))
	mux.Handle("/state/", handlers.NewStateHandler(processor, log))
	mux.Handle("/draft/process", handlers.NewDraftHandler(processor, log))
	mux.Handle("/events/", handlers.NewEventsHandler(store, log))
	mux.Handle("/rag/query", handlers.NewRAGHandler(cfg.RAGIndexBaseDir, log))

	handler := middleware.Logger(mux)
	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     handler,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Info("Server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Server is shutting down...")

	processor.CancelInFlight()

	if cache != nil {
		if err := cache.Close(); err != nil {
			log.Error("Error closing cache connection", "error", err)
		}
	}
	if err := store.Close(); err != nil {
		log.Error("Error closing store", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	log.Info("Server exited")
}
