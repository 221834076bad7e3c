package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"healthguard/internal/config"
	"healthguard/internal/database"
	"healthguard/internal/handlers"
	"healthguard/internal/jobs"
	"healthguard/internal/llm"
	"healthguard/internal/logging"
	"healthguard/internal/middleware"
	"healthguard/internal/services"
	"healthguard/internal/storage"
	"healthguard/pkg/auth"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Initialize structured logging (JSON in production, text in dev)
	logging.Init()

	log.Println("🚀 Starting HealthGuard Server...")

	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found or error loading it: %v", err)
	} else {
		log.Println("✅ .env file loaded successfully")
	}

	// Load configuration
	cfg := config.Load()
	log.Printf("📋 Configuration loaded (Port: %s)", cfg.Port)

	// Initialize SQLite session index
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("❌ Failed to open session index: %v", err)
	}
	defer db.Close()

	if err := db.Initialize(); err != nil {
		log.Fatalf("❌ Failed to initialize session index: %v", err)
	}

	// Pick the blob store: MongoDB when configured, local filesystem otherwise
	var store storage.Store
	storageDriver := "local"
	if cfg.MongoURI != "" {
		log.Println("🔗 Connecting to MongoDB...")
		mongoDB, err := database.NewMongoDB(cfg.MongoURI)
		if err != nil {
			log.Fatalf("❌ Failed to connect to MongoDB: %v", err)
		}
		defer mongoDB.Close(context.Background())

		if err := mongoDB.Initialize(context.Background()); err != nil {
			log.Fatalf("❌ Failed to initialize MongoDB: %v", err)
		}
		store = storage.NewMongoStore(mongoDB)
		storageDriver = "mongodb"
		log.Println("✅ MongoDB blob store connected")
	} else {
		localStore, err := storage.NewLocalStore(cfg.StoragePath)
		if err != nil {
			log.Fatalf("❌ Failed to initialize local blob store: %v", err)
		}
		store = localStore
		log.Printf("✅ Local blob store at %s", cfg.StoragePath)
	}

	// Redis backs the session leases; without it leases fall back to
	// in-process locking, which only covers a single instance.
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("❌ Invalid REDIS_URL: %v", err)
		}
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Printf("⚠️  Redis unreachable: %v (leases fall back to in-process locks)", err)
		} else {
			log.Println("✅ Redis connected")
		}
		defer rdb.Close()
	} else {
		log.Println("⚠️  REDIS_URL not set, session leases are in-process only")
	}

	// LLM provider
	provider := llm.New(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel)
	if provider.Configured() {
		log.Printf("✅ LLM provider configured (model: %s)", cfg.LLMModel)
	} else {
		log.Println("⚠️  LLM_BASE_URL not set, running with canned replies and keyword routing")
	}

	// Agent prompts (defaults merged with the optional YAML overrides)
	prompts, err := config.LoadAgentPrompts(cfg.AgentConfigPath)
	if err != nil {
		log.Fatalf("❌ Failed to load agent prompts: %v", err)
	}

	// Prometheus metrics
	services.InitMetrics()

	// Services
	sessionService := services.NewSessionService(db, store)
	leaseService := services.NewLeaseService(rdb, cfg.LeaseTTL)
	routerService := services.NewRouterService(provider, prompts.Router)
	contextService := services.NewContextBuilderService(store, cfg.HistoryLimit, cfg.ContextBudgetBytes, cfg.MemoryLookbackDays)
	dispatcher := services.NewAgentDispatcher(provider, prompts)
	chatService := services.NewChatService(sessionService, leaseService, routerService,
		dispatcher, contextService, cfg.GenerationTimeout, cfg.StreamEmitGrace)
	consolidationService := services.NewConsolidationService(store, sessionService, provider, contextService)
	log.Println("✅ Services initialized")

	// JWT verification for locally issued tokens. A nil verifier triggers
	// the development bypass in the auth middleware.
	var verifier *auth.TokenVerifier
	if cfg.JWTSecret != "" {
		verifier, err = auth.NewTokenVerifier(cfg.JWTSecret)
		if err != nil {
			log.Fatalf("❌ Failed to initialize token verifier: %v", err)
		}
		log.Println("✅ JWT verification enabled")
	} else if !cfg.DevMode {
		log.Fatal("❌ JWT_SECRET is required outside dev mode (set DEV_MODE=true to run without auth)")
	}

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "HealthGuard v1.0",
		ReadTimeout:  300 * time.Second,
		WriteTimeout: 300 * time.Second, // streaming replies can run for minutes
		IdleTimeout:  300 * time.Second,
		BodyLimit:    10 * 1024 * 1024, // 10MB for messages with attachments
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New())

	// Prometheus metrics middleware
	prometheus := fiberprometheus.New("healthguard")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)
	log.Println("📊 Prometheus metrics endpoint enabled at /metrics")

	// Load rate limiting configuration
	rateLimitConfig := middleware.LoadRateLimitConfig()
	log.Printf("🛡️  [RATE-LIMIT] Loaded config: Global=%d/min, Chat=%d/min, Consolidate=%d/min",
		rateLimitConfig.GlobalAPIMax,
		rateLimitConfig.ChatMax,
		rateLimitConfig.ConsolidateMax,
	)

	// CORS configuration with environment-based origins
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		allowedOrigins = "http://localhost:5173,http://localhost:3000"
		log.Println("⚠️  ALLOWED_ORIGINS not set, using development defaults")
	}

	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     "GET,POST,DELETE,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization",
		AllowCredentials: allowedOrigins != "*",
	}))

	// Global API rate limiter
	app.Use("/api", middleware.GlobalAPIRateLimiter(rateLimitConfig))

	// Handlers
	healthHandler := handlers.NewHealthHandler(db, storageDriver)
	chatHandler := handlers.NewChatHandler(chatService)
	sessionHandler := handlers.NewSessionHandler(sessionService)
	memoryHandler := handlers.NewMemoryHandler(consolidationService, cfg.MemoryLookbackDays)

	// Routes
	app.Get("/health", healthHandler.Handle)

	api := app.Group("/api", middleware.LocalAuthMiddleware(verifier))

	api.Post("/chat/message", middleware.ChatRateLimiter(rateLimitConfig), chatHandler.SendMessage)

	api.Get("/sessions", sessionHandler.List)
	api.Get("/sessions/active", sessionHandler.GetActive)
	api.Get("/sessions/:id", sessionHandler.Get)

	api.Get("/memory/profile", memoryHandler.GetProfile)
	api.Get("/memory/daily/:date", memoryHandler.GetDaily)
	api.Get("/memory/recent", memoryHandler.GetRecent)
	api.Post("/memory/consolidate/:date", middleware.ConsolidateRateLimiter(rateLimitConfig), memoryHandler.ConsolidateDate)
	api.Post("/memory/consolidate", middleware.ConsolidateRateLimiter(rateLimitConfig), memoryHandler.ConsolidateAuto)

	// Nightly consolidation job
	jobScheduler := jobs.NewJobScheduler()
	consolidationJob := jobs.NewConsolidationJob(sessionService, consolidationService, cfg.MemoryLookbackDays)
	cronSpec := fmt.Sprintf("0 %d * * *", cfg.ConsolidateHourUTC)
	if err := jobScheduler.Register("memory-consolidation", cronSpec, consolidationJob); err != nil {
		log.Fatalf("❌ Failed to register consolidation job: %v", err)
	}
	jobScheduler.Start()
	log.Printf("🕐 Background jobs: memory consolidation (daily %02d:00 UTC)", cfg.ConsolidateHourUTC)

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("\n🛑 Shutting down server...")

		jobScheduler.Stop()

		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️ Error shutting down server: %v", err)
		}
	}()

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}
}
