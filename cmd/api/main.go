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
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/studygraph/backend/internal/api/handlers"
	"github.com/studygraph/backend/internal/cache/redis"
	"github.com/studygraph/backend/internal/embedding"
	"github.com/studygraph/backend/internal/events"
	"github.com/studygraph/backend/internal/extraction"
	"github.com/studygraph/backend/internal/ingestion"
	"github.com/studygraph/backend/internal/kg/extract"
	"github.com/studygraph/backend/internal/kg/merge"
	"github.com/studygraph/backend/internal/kg/neo4j"
	"github.com/studygraph/backend/internal/llm"
	"github.com/studygraph/backend/internal/metrics"
	"github.com/studygraph/backend/internal/middleware/ratelimit"
	"github.com/studygraph/backend/internal/middleware/security"
	"github.com/studygraph/backend/internal/middleware/validation"
	"github.com/studygraph/backend/internal/storage/sqlite"
	"github.com/studygraph/backend/internal/vector/milvus"
	"github.com/studygraph/backend/pkg/config"
	appLogger "github.com/studygraph/backend/pkg/logger"
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

	appLogger.Info("Starting StudyGraph API Server")

	metrics.Init()

	sqliteClient, err := sqlite.NewClient(cfg.SQLite.Path)
	if err != nil {
		appLogger.Fatal("Failed to create SQLite client", zap.Error(err))
	}
	defer sqliteClient.Close()

	err = sqliteClient.InitSchema()
	if err != nil {
		appLogger.Fatal("Failed to initialize schema", zap.Error(err))
	}

	// graph store: neo4j when configured, in-memory otherwise
	var graphStore merge.Store
	if cfg.Neo4j.Enabled {
		neo4jClient, err := neo4j.NewClient(
			cfg.Neo4j.URI,
			cfg.Neo4j.Username,
			cfg.Neo4j.Password,
		)
		if err != nil {
			appLogger.Fatal("Failed to create Neo4j client", zap.Error(err))
		}
		defer neo4jClient.Close(context.Background())
		graphStore = neo4jClient
	} else {
		appLogger.Warn("Neo4j disabled, knowledge graph held in memory only")
		graphStore = merge.NewMemoryStore()
	}

	// vector index is optional
	var vectorIndex ingestion.VectorIndex
	if cfg.Milvus.Endpoint != "" {
		milvusClient, err := milvus.NewClient(
			cfg.Milvus.Endpoint,
			cfg.Milvus.CollectionName,
			cfg.Embedding.Dimension,
		)
		if err != nil {
			appLogger.Fatal("Failed to create Milvus client", zap.Error(err))
		}
		defer milvusClient.Close()

		err = milvusClient.CreateCollection(context.Background())
		if err != nil {
			appLogger.Fatal("Failed to create collection", zap.Error(err))
		}
		vectorIndex = milvusClient
	} else {
		appLogger.Warn("Milvus endpoint not configured, vector indexing disabled")
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			appLogger.Fatal("Failed to create Redis client", zap.Error(err))
		}
		defer redisClient.Close()
	}

	llmClient := llm.NewClient(llm.Config{
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     time.Duration(cfg.LLM.TimeoutSec) * time.Second,
	})

	// embedding adapters in preference order: hosted API, then a local
	// OpenAI-compatible server
	var adapters []embedding.Adapter
	if cfg.Embedding.APIKey != "" {
		adapters = append(adapters, embedding.NewOpenAI(embedding.OpenAIConfig{
			APIKey:    cfg.Embedding.APIKey,
			Model:     cfg.Embedding.Model,
			Dimension: cfg.Embedding.Dimension,
			Timeout:   time.Duration(cfg.Embedding.TimeoutSec) * time.Second,
		}))
	}
	if cfg.Embedding.LocalBaseURL != "" {
		adapters = append(adapters, embedding.NewLocal(embedding.OpenAIConfig{
			BaseURL:   cfg.Embedding.LocalBaseURL,
			Model:     cfg.Embedding.LocalModel,
			Dimension: cfg.Embedding.Dimension,
			Timeout:   time.Duration(cfg.Embedding.TimeoutSec) * time.Second,
		}))
	}

	if redisClient != nil {
		for i, adapter := range adapters {
			adapters[i] = embedding.WithCache(adapter, redisClient)
		}
	}
	registry := embedding.NewRegistry(adapters...)

	// a wrong dimension would poison the vector index; an unreachable
	// backend only degrades jobs, which re-select adapters as they run
	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = registry.Validate(startupCtx)
	startupCancel()
	if err != nil {
		appLogger.Fatal("Embedding backend misconfigured", zap.Error(err))
	}

	// text extraction: external scraper when configured, local fallback
	// otherwise
	var textExtractor extraction.Extractor
	if cfg.Scraper.BaseURL != "" {
		textExtractor = extraction.NewScraperClient(extraction.ScraperConfig{
			BaseURL: cfg.Scraper.BaseURL,
			Timeout: time.Duration(cfg.Scraper.TimeoutSec) * time.Second,
		})
	} else {
		appLogger.Warn("Scraper not configured, binary document formats unavailable")
		textExtractor = extraction.NewLocalExtractor()
	}

	graphExtractors := []extract.Extractor{
		extract.NewLLMExtractor(llmClient),
		extract.NewProseExtractor(),
	}

	bus := events.NewBus()
	merger := merge.NewEngine(graphStore)

	coordinator, err := ingestion.NewCoordinator(
		sqliteClient,
		textExtractor,
		registry,
		graphExtractors,
		merger,
		bus,
		vectorIndex,
		ingestion.Config{
			ChunkSize:    cfg.Pipeline.ChunkSize,
			ChunkOverlap: cfg.Pipeline.ChunkOverlap,
			Workers:      cfg.Pipeline.Workers,
			MaxChunks:    cfg.Pipeline.MaxChunks,
		},
	)
	if err != nil {
		appLogger.Fatal("Failed to create coordinator", zap.Error(err))
	}
	defer coordinator.Close()

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(logger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Owner-ID",
		AllowMethods: "GET, POST, OPTIONS",
	}))
	app.Use(security.HeadersMiddleware(security.HeadersConfig{}))
	app.Use(ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: 120,
		Logger:               appLogger.GetLogger(),
	}).Middleware())
	app.Use(validation.Middleware(validation.Config{
		MaxDocumentSize: cfg.Server.BodyLimit,
		Logger:          appLogger.GetLogger(),
	}))

	var jobCache handlers.JobCache
	if redisClient != nil {
		jobCache = redisClient
	}

	ingestHandler := handlers.NewIngestHandler(coordinator)
	statusHandler := handlers.NewStatusHandler(sqliteClient, jobCache)
	streamHandler := handlers.NewStreamHandler(bus, sqliteClient, sqliteClient)
	wsHandler := handlers.NewWebSocketHandler(bus, sqliteClient, sqliteClient)

	api := app.Group("/api/v1")

	api.Post("/ingest", ingestHandler.HandleIngest)
	api.Get("/jobs/:id", statusHandler.HandleGetJob)
	api.Get("/jobs/:id/chunks", statusHandler.HandleListChunks)
	api.Get("/jobs/:id/events", streamHandler.HandleStream)
	api.Post("/jobs/:id/cancel", ingestHandler.HandleCancel)
	api.Post("/jobs/:id/reprocess", ingestHandler.HandleReprocess)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/jobs/:id", websocket.New(wsHandler.HandleConnection))

	app.Get("/metrics", metrics.MetricsHandler())

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"time":   time.Now().Unix(),
		})
	})

	api.Get("/ready", func(c *fiber.Ctx) error {
		adapter, err := registry.Select(c.Context())
		if err != nil {
			return c.JSON(fiber.Map{
				"status":   "degraded",
				"embedder": "",
			})
		}
		return c.JSON(fiber.Map{
			"status":   "ready",
			"embedder": adapter.Name(),
		})
	})

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
