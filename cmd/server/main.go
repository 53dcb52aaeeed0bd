package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/mallardlabs/matsledger/internal/audit"
	"github.com/mallardlabs/matsledger/internal/config"
	"github.com/mallardlabs/matsledger/internal/database"
	"github.com/mallardlabs/matsledger/internal/database/listener"
	"github.com/mallardlabs/matsledger/internal/handlers"
	mW "github.com/mallardlabs/matsledger/internal/middleware"
	"github.com/mallardlabs/matsledger/internal/services"
	"github.com/mallardlabs/matsledger/internal/spool"
	"github.com/spf13/viper"
)

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")
	viper.BindEnv("database.statement_timeout", "DATABASE_STATEMENT_TIMEOUT")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")

	viper.BindEnv("harvest.batch_size", "HARVEST_BATCH_SIZE")
	viper.BindEnv("harvest.flush_interval", "HARVEST_FLUSH_INTERVAL")
	viper.BindEnv("harvest.max_flush_retries", "HARVEST_MAX_FLUSH_RETRIES")
	viper.BindEnv("harvest.retry_backoff", "HARVEST_RETRY_BACKOFF")
	viper.BindEnv("harvest.max_replay_attempts", "HARVEST_MAX_REPLAY_ATTEMPTS")
	viper.BindEnv("harvest.async_flush", "HARVEST_ASYNC_FLUSH")
	viper.BindEnv("harvest.spool_path", "HARVEST_SPOOL_PATH")
	viper.BindEnv("harvest.tracked_kinds", "HARVEST_TRACKED_KINDS")
	viper.BindEnv("ledger.reward_item", "LEDGER_REWARD_ITEM")
	viper.BindEnv("link.relink_policy", "LINK_RELINK_POLICY")
	viper.BindEnv("cache.ttl", "CACHE_TTL")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	cfg := config.LoadPipelineConfig()
	dbConfig := database.GetConfig()

	secret := viper.GetString("jwt.secret_key")
	if secret == "" {
		log.Fatal("JWT_SECRET_KEY must be set")
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Initialize storage
	db := database.InitDatabase()
	defer db.Close()

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	batchSpool, err := spool.Open(cfg.SpoolPath)
	if err != nil {
		log.Fatalf("Failed to open spool: %v", err)
	}
	defer batchSpool.Close()

	auditLogger := audit.NewAuditLogger()

	// Harvest pipeline
	flusher := services.NewBatchFlusher(db, cfg.StoreTimeout)
	dispatcher := services.NewFlushDispatcher(flusher, batchSpool, auditLogger, services.DispatcherConfig{
		MaxRetries:        cfg.MaxFlushRetries,
		Backoff:           cfg.RetryBackoff,
		Async:             cfg.AsyncFlush,
		QueueDepth:        cfg.QueueDepth,
		MaxReplayAttempts: cfg.MaxReplayAttempts,
	})
	dispatcher.Start(ctx)

	collector := services.NewEventCollector(dispatcher, cfg.BatchSize)
	collector.StartTicker(ctx, cfg.FlushInterval)

	// Ledger and linking
	ledger := services.NewLedgerService(db, cfg.StoreTimeout, auditLogger)
	linker := services.NewAccountLinker(db, ledger, cfg.RelinkPolicy, cfg.StoreTimeout, auditLogger)

	cache := services.NewBalanceCache(redisClient, cfg.CacheKeyPrefix, cfg.CacheTTL)
	display := services.NewBalanceDisplay(redisClient, cfg.DisplayChannel, cfg.CurrencyName)

	gameService := services.NewGameEventService(collector, ledger, cache, display, cfg.TrackedKinds, cfg.RewardItem, cfg.CurrencyName)
	commands := services.NewCommandDispatcher(linker, ledger, cache, display, cfg.CurrencyName)
	gameHandler := handlers.NewGameHandler(gameService, commands)

	balanceListener := listener.NewBalanceListener(dbConfig.ConnString(), func(ctx context.Context, n listener.BalanceNotification) {
		gameService.Refresh(ctx, n.ActorID, n.Balance)
	})
	balanceListener.Start(ctx)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"https://*", "http://*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]string{"status": "healthy", "redis": "up"}
		if err := db.PingContext(r.Context()); err != nil {
			status["status"] = "degraded"
		}
		if redisClient == nil {
			status["redis"] = "absent"
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status)
	})

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mW.HostAuth([]byte(secret)))
		gameHandler.Routes(r)
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	// Buffered harvests go out before the worker stops.
	if err := collector.Close(shutdownCtx); err != nil {
		log.Printf("Final harvest flush failed: %v", err)
	}
	dispatcher.Stop()
	balanceListener.Stop()
	stop()

	log.Println("Server stopped")
}
