package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/docuflow/backend/internal/api/handlers"
	"github.com/docuflow/backend/internal/cache/redis"
	"github.com/docuflow/backend/internal/generation"
	"github.com/docuflow/backend/internal/ingestion"
	"github.com/docuflow/backend/internal/llm"
	"github.com/docuflow/backend/internal/metrics"
	"github.com/docuflow/backend/internal/middleware/ratelimit"
	"github.com/docuflow/backend/internal/middleware/security"
	"github.com/docuflow/backend/internal/middleware/validation"
	"github.com/docuflow/backend/internal/orchestrator"
	"github.com/docuflow/backend/internal/retrieval"
	"github.com/docuflow/backend/internal/storage/sqlite"
	"github.com/docuflow/backend/internal/tokens"
	"github.com/docuflow/backend/internal/vector/milvus"
	"github.com/docuflow/backend/pkg/config"
	appLogger "github.com/docuflow/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting DocuFlow API Server")
	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	if err := sqliteClient.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	milvusClient, err := milvus.NewClient(
		cfg.Milvus.Endpoint,
		cfg.Milvus.CollectionName,
		cfg.Milvus.VectorDim,
		cfg.Milvus.TimeoutSec,
	)
	if err != nil {
		appLogger.Fatal("Failed to create Milvus client", zap.Error(err))
	}
	defer milvusClient.Close()

	if err := milvusClient.EnsureCollection(context.Background()); err != nil {
		appLogger.Fatal("Failed to ensure collection", zap.Error(err))
	}

	var cacheClient *redis.Client
	if cfg.Redis.Enabled {
		cacheClient, err = redis.NewClient(
			cfg.Redis.Host,
			cfg.Redis.Port,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.TTLHours,
		)
		if err != nil {
			appLogger.Warn("Redis unavailable, running without embedding cache", zap.Error(err))
			cacheClient = nil
		}
	}
	defer cacheClient.Close()

	llmClient := llm.NewClient(llm.Config{
		APIKey:               cfg.LLM.APIKey,
		Model:                cfg.LLM.Model,
		EmbeddingModel:       cfg.LLM.EmbeddingModel,
		Temperature:          cfg.LLM.Temperature,
		MaxTokens:            cfg.LLM.MaxTokens,
		CompletionTimeoutSec: cfg.LLM.CompletionTimeoutSec,
		EmbeddingTimeoutSec:  cfg.LLM.EmbeddingTimeoutSec,
	})

	counter := tokens.NewCounter("cl100k_base")

	chunker := ingestion.NewChunker(
		cfg.Ingestion.MaxChunkTokens,
		cfg.Ingestion.OverlapTokens,
		cfg.Ingestion.MinChunkTokens,
		counter,
	)

	pipeline := ingestion.NewPipeline(sqliteClient, milvusClient, llmClient, cacheClient, chunker, ingestion.Config{
		EmbedBatchSize:   cfg.Ingestion.EmbedBatchSize,
		EmbedParallelism: cfg.Ingestion.EmbedParallelism,
	})

	retriever := retrieval.NewRetriever(llmClient, milvusClient, sqliteClient, cacheClient, retrieval.Config{
		CandidateMultiplier: cfg.Retrieval.CandidateMultiplier,
		MinLexicalPool:      cfg.Retrieval.MinLexicalPool,
		VectorWeight:        cfg.Retrieval.VectorWeight,
		LexicalWeight:       cfg.Retrieval.LexicalWeight,
		DiversityThreshold:  cfg.Retrieval.DiversityThreshold,
	})

	assembler := generation.NewAssembler(counter)
	generator := generation.NewGenerator(llmClient, counter, generation.Config{
		PromptTokenCeiling:  cfg.Generation.PromptTokenCeiling,
		PromptCostPer1K:     cfg.LLM.PromptCostPer1K,
		CompletionCostPer1K: cfg.LLM.CompletionCostPer1K,
	})

	runner := generation.NewService(retriever, assembler, generator,
		cfg.Retrieval.DefaultTopK, cfg.Generation.ContextTokens)

	orch := orchestrator.New(sqliteClient, runner, orchestrator.Config{
		Workers:           cfg.Orchestrator.Workers,
		MaxAttempts:       cfg.Orchestrator.MaxAttempts,
		RetryInitialDelay: time.Duration(cfg.Orchestrator.RetryInitialDelayMS) * time.Millisecond,
		RetryMaxDelay:     time.Duration(cfg.Orchestrator.RetryMaxDelayMS) * time.Millisecond,
		JobTimeout:        time.Duration(cfg.Orchestrator.JobTimeoutSec) * time.Second,
	})
	orch.Start()
	defer orch.Stop()

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{
		IsDevelopment: cfg.Logging.Level == "debug",
	}))
	app.Use(validation.Middleware(validation.Config{
		MaxBodyBytes: cfg.Server.BodyLimit,
	}))

	limiter := ratelimit.New(ratelimit.Config{RequestsPerMinute: 300})

	documentHandler := handlers.NewDocumentHandler(sqliteClient, pipeline)
	elementHandler := handlers.NewElementHandler(sqliteClient)
	executionHandler := handlers.NewExecutionHandler(sqliteClient, orch)
	wsHandler := handlers.NewWebSocketHandler(orch)

	api := app.Group("/api/v1", limiter.Middleware())

	api.Post("/documents/upload", documentHandler.Upload)
	api.Get("/documents/:id", documentHandler.GetDocument)

	api.Post("/projects/:id/elements", elementHandler.CreateElement)
	api.Get("/projects/:id/elements", elementHandler.ListElements)
	api.Post("/projects/:id/elements/execute-all", executionHandler.ExecuteAll)
	api.Get("/projects/:id/elements/execute-all-status", executionHandler.ExecuteAllStatus)

	api.Post("/elements/:id/execute", executionHandler.ExecuteSingle)
	api.Post("/executions/:id/cancel", executionHandler.CancelExecution)
	api.Get("/generations/:id", executionHandler.GetGeneration)

	api.Use("/executions/:id/stream", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	api.Get("/executions/:id/stream", websocket.New(wsHandler.StreamExecution))

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	api.Get("/ready", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ready",
		})
	})

	app.Get("/metrics", metrics.MetricsHandler())

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	app.Shutdown()
	appLogger.Info("Server stopped")
}
