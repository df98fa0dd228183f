package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"knowledgeroute/internal/config"
	"knowledgeroute/internal/database"
	"knowledgeroute/internal/handlers"
	"knowledgeroute/internal/health"
	"knowledgeroute/internal/jobs"
	"knowledgeroute/internal/logging"
	"knowledgeroute/internal/middleware"
	"knowledgeroute/internal/security"
	"knowledgeroute/internal/services"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found or error loading it: %v", err)
	}

	logging.Init()
	log.Println("🚀 Starting KnowledgeRoute...")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}
	log.Printf("📋 Configuration: store=%s queue=%s async=%v streaming=%v policy=%s",
		cfg.StoreBackend, cfg.QueueBackend, cfg.AsyncEvaluation, cfg.StreamingClassification, cfg.StoragePolicy)

	repo, err := openRepository(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to initialize storage: %v", err)
	}

	queue, err := openQueue(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to initialize evaluation queue: %v", err)
	}

	// Metrics share the default registry so /metrics serves both HTTP and pipeline series
	metrics := services.NewPipelineMetrics(prometheus.DefaultRegisterer)

	// AI providers
	healthService := health.NewService(cfg.HealthFailureThreshold, cfg.HealthCooldown)
	primary := services.NewOpenAICompatibleProvider(services.OpenAIProviderConfig{
		Name:              cfg.ProviderName,
		BaseURL:           cfg.ProviderBaseURL,
		APIKey:            cfg.ProviderAPIKey,
		Model:             cfg.ProviderModel,
		RequestsPerSecond: cfg.ProviderRPS,
		Burst:             cfg.ProviderBurst,
		GenerateTimeout:   cfg.GenerateTimeout,
		StreamTimeout:     cfg.StreamTimeout,
	})

	var fallback services.AIProvider
	if cfg.HasFallback() {
		fallback = services.NewOpenAICompatibleProvider(services.OpenAIProviderConfig{
			Name:            cfg.FallbackName,
			BaseURL:         cfg.FallbackBaseURL,
			APIKey:          cfg.FallbackAPIKey,
			Model:           cfg.FallbackModel,
			GenerateTimeout: cfg.FallbackTimeout,
			StreamTimeout:   cfg.FallbackTimeout,
		})
		log.Printf("✅ Fallback provider configured: %s (%s)", cfg.FallbackName, cfg.FallbackModel)
	} else {
		log.Println("⚠️  No fallback provider configured, rate-limited calls fail after retries")
	}

	ai := services.NewDegradationController(primary, fallback, services.DegradationConfig{
		RetryDelays:            cfg.RetryDelays,
		FallbackTimeout:        cfg.FallbackTimeout,
		FallbackEmbeddingModel: cfg.FallbackEmbeddingModel,
	}, healthService, metrics)

	// Caches
	classificationCache := services.NewClassificationCache(cfg.ClassificationCacheTTL, cfg.ClassificationCacheSize, metrics)
	if err := classificationCache.Start(cfg.CacheSweepInterval); err != nil {
		log.Fatalf("❌ Failed to start classification cache sweep: %v", err)
	}
	registry := services.NewAgentRegistryCache(repo, cfg.RegistryCacheTTL, metrics)

	defaultIslands, err := services.LoadDefaultIslands(cfg.DefaultIslandsFile)
	if err != nil {
		log.Fatalf("❌ Failed to load default islands: %v", err)
	}
	log.Printf("🏝️  Loaded %d default island templates", len(defaultIslands))

	// Content acquisition
	guard := security.NewURLGuard(cfg.AllowPrivateURLs)
	if cfg.AllowPrivateURLs {
		log.Println("⚠️  [SECURITY] Private network URLs allowed for media and link fetches")
	}
	media := services.NewMediaIngestionPipeline(services.NewHTTPMediaFetcher(guard), services.MediaConfig{
		MaxBytes:     cfg.MediaMaxBytes,
		FetchTimeout: cfg.MediaFetchTimeout,
		MaxRedirects: cfg.MediaMaxRedirects,
	}, metrics)

	var links *services.LinkEnricher
	if cfg.LinkEnrichment {
		links = services.NewLinkEnricher(guard, services.LinkEnricherConfig{
			MaxBytes: cfg.LinkMaxBytes,
			Timeout:  cfg.LinkFetchTimeout,
		})
		log.Println("🔗 Link enrichment enabled")
	}

	relevance := services.NewRelevanceEngine(ai, services.NewStoragePolicy(cfg.StoragePolicy), cfg.EmbeddingModel, metrics)

	orchestrator := services.NewDistributionOrchestrator(services.OrchestratorDeps{
		Repo:           repo,
		Registry:       registry,
		Cache:          classificationCache,
		Classifier:     services.NewClassifier(ai),
		Media:          media,
		Links:          links,
		Relevance:      relevance,
		Queue:          queue,
		DefaultIslands: defaultIslands,
		Metrics:        metrics,
	})

	// Background jobs
	jobScheduler := jobs.NewJobScheduler()
	jobScheduler.Register("provider_health", jobs.NewProviderHealthChecker(healthService, cfg.HealthCheckInterval))
	if cfg.AsyncEvaluation {
		jobScheduler.Register("evaluation_queue", jobs.NewEvaluationQueueConsumer(queue, orchestrator, cfg.QueuePollWait))
	}
	if err := jobScheduler.Start(); err != nil {
		log.Fatalf("❌ Failed to start job scheduler: %v", err)
	}

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "KnowledgeRoute v1.0",
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  5 * time.Minute,
		BodyLimit:    4 * 1024 * 1024, // submissions reference media by URL
		Immutable:    true,            // handler values outlive the request in caches and the memory store
	})

	app.Use(recover.New())
	app.Use(logger.New())

	prom := fiberprometheus.New("knowledgeroute")
	prom.RegisterAt(app, "/metrics")
	app.Use(prom.Middleware)
	log.Println("📊 Prometheus metrics endpoint enabled at /metrics")

	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		allowedOrigins = "http://localhost:5173,http://localhost:3000"
		log.Println("⚠️  ALLOWED_ORIGINS not set, using development defaults")
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,X-User-ID",
		AllowCredentials: allowedOrigins != "*",
	}))

	rateLimitConfig := middleware.LoadRateLimitConfig()
	log.Printf("🛡️  [RATE-LIMIT] Global=%d/min, Distribute=%d/min", rateLimitConfig.GlobalAPIMax, rateLimitConfig.DistributeMax)
	app.Use("/api", middleware.GlobalAPIRateLimiter(rateLimitConfig))
	app.Use("/api/distributions", middleware.DistributeRateLimiter(rateLimitConfig))

	app.Get("/health", handlers.NewHealthHandler(healthService, jobScheduler, classificationCache).Handle)

	distributionHandler := handlers.NewDistributionHandler(orchestrator, registry, repo, handlers.DistributionHandlerConfig{
		AsyncAllowed:     cfg.AsyncEvaluation,
		StreamingDefault: cfg.StreamingClassification,
	})
	distributionHandler.RegisterRoutes(app.Group("/api"))

	log.Printf("✅ Server ready on port %s", cfg.Port)
	log.Printf("📡 Health check: http://localhost:%s/health", cfg.Port)

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("\n🛑 Shutting down server...")

		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️ Error shutting down server: %v", err)
		}
	}()

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}

	jobScheduler.Stop()

	if err := classificationCache.Stop(); err != nil {
		log.Printf("⚠️ Error stopping cache sweep: %v", err)
	}
	if err := queue.Close(); err != nil {
		log.Printf("⚠️ Error closing evaluation queue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := repo.Close(ctx); err != nil {
		log.Printf("⚠️ Error closing storage: %v", err)
	}
	log.Println("👋 Shutdown complete")
}

// openRepository connects the configured store and prepares its schema
func openRepository(cfg *config.Config) (database.Repository, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch cfg.StoreBackend {
	case config.StoreSQL:
		db, err := database.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.Initialize(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
		return database.NewSQLRepository(db), nil

	case config.StoreMongo:
		mongodb, err := database.NewMongoDB(cfg.MongoURI)
		if err != nil {
			return nil, err
		}
		if err := mongodb.Initialize(ctx); err != nil {
			mongodb.Close(ctx)
			return nil, fmt.Errorf("failed to create indexes: %w", err)
		}
		return database.NewMongoRepository(mongodb), nil

	default:
		log.Println("⚠️  Using in-memory storage, data is lost on restart")
		return database.NewMemoryRepository(), nil
	}
}

// openQueue connects the configured evaluation queue
func openQueue(cfg *config.Config) (services.TaskQueue, error) {
	if strings.EqualFold(cfg.QueueBackend, config.QueueRedis) {
		queue, err := services.NewRedisTaskQueue(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		queue.SetLease(cfg.QueueLease)
		return queue, nil
	}
	queue := services.NewMemoryTaskQueue()
	queue.SetLease(cfg.QueueLease)
	return queue, nil
}
