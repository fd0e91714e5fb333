package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/retailmon/market-scraper/internal/browser"
	"github.com/retailmon/market-scraper/internal/connector"
	"github.com/retailmon/market-scraper/internal/database"
	"github.com/retailmon/market-scraper/internal/market-scraper/api"
	"github.com/retailmon/market-scraper/internal/market-scraper/config"
	"github.com/retailmon/market-scraper/internal/market-scraper/events"
	"github.com/retailmon/market-scraper/internal/market-scraper/jobs"
	"github.com/retailmon/market-scraper/internal/market-scraper/scraper"
	"github.com/retailmon/market-scraper/internal/metrics"
	"github.com/retailmon/market-scraper/internal/ratelimit"
	"github.com/retailmon/market-scraper/internal/storage"
)

const (
	staleJobCutoff   = time.Hour
	rawDataRetention = 90 * 24 * time.Hour
)

func main() {
	// Setup logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Local overrides, ignored when the file is absent
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database connection
	db, err := database.New(ctx, database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Name,
		MaxConns: cfg.Database.MaxConns,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Browser setup
	browserOpts := browser.DefaultOptions()
	browserOpts.Headless = cfg.Browser.Headless
	browserOpts.Timeout = cfg.Browser.Timeout
	browserOpts.ProxyServer = cfg.Browser.Proxy

	b, err := browser.New(browserOpts)
	if err != nil {
		logger.Error("failed to initialize browser", "error", err)
		os.Exit(1)
	}
	defer b.Close()

	// Session cookies survive restarts on disk
	store, err := storage.NewSessionStore(cfg.Scraper.SessionsPath)
	if err != nil {
		logger.Error("failed to open session store", "error", err)
		os.Exit(1)
	}

	// Prometheus registry
	m := metrics.New()

	// Initialize event publisher with database (for transactional outbox)
	publisher := events.NewPublisher(db, logger)

	// Initialize Redis client for Relay
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	// Test Redis connection
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}

	// Initialize and start Relay for outbox processing
	relay := database.NewRelay(db, redisClient, logger, database.RelayConfig{
		PollInterval: 5 * time.Second,
		BatchSize:    100,
	})
	go func() {
		if err := relay.Start(ctx); err != nil && err != context.Canceled {
			logger.Error("relay stopped with error", "error", err)
		}
	}()

	// Initialize services
	limiter := ratelimit.NewPerRetailer(cfg.Scraper.RateLimitMin, cfg.Scraper.RateLimitMax)
	scraperService := scraper.NewService(connector.WrapSession(b), db, store, publisher, m, cfg.Scraper.MaxReviews, logger)
	jobManager := jobs.NewManager(db, scraperService, limiter, m, jobs.Config{
		PollInterval:     cfg.Scraper.PollInterval,
		ScrapeInterval:   cfg.Scraper.ScrapeInterval,
		ScheduleInterval: cfg.Scraper.ScheduleInterval,
		BatchSize:        cfg.Scraper.BatchSize,
		MaxAttempts:      cfg.Scraper.MaxAttempts,
		CollectReviews:   cfg.Scraper.CollectReviews,
	}, logger)

	// Start job worker and scheduler
	go jobManager.StartWorker(ctx)
	go jobManager.StartScheduler(ctx)

	// Periodic maintenance: reap dead jobs, trim old snapshot payloads
	go runMaintenance(ctx, db, jobManager, logger)

	// Initialize API handlers
	handlers := api.NewHandlers(db, scraperService, jobManager, publisher, store, logger)

	// Setup Chi router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "https://localhost:*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		// Check outbox status
		pendingCount, _ := relay.GetPendingCount(context.Background())
		deadLetterCount, _ := relay.GetDeadLetterCount(context.Background())

		health := map[string]interface{}{
			"status": "ok",
			"outbox": map[string]interface{}{
				"pending":     pendingCount,
				"dead_letter": deadLetterCount,
			},
		}

		status := http.StatusOK
		if pendingCount > 1000 {
			health["status"] = "warning"
			health["message"] = "High number of pending outbox events"
		}
		if deadLetterCount > 100 {
			health["status"] = "error"
			health["message"] = "High number of dead letter events"
			status = http.StatusServiceUnavailable
		}

		w.WriteHeader(status)
		json.NewEncoder(w).Encode(health)
	})

	// Prometheus metrics
	r.Method(http.MethodGet, "/metrics", m.Handler())

	// API Routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/listings", func(r chi.Router) {
			r.Post("/", handlers.CreateListing)
			r.Get("/", handlers.ListListings)
			r.Get("/{listingID}", handlers.GetListing)
			r.Delete("/{listingID}", handlers.DeleteListing)
			r.Get("/{listingID}/snapshots", handlers.ListingSnapshots)
			r.Get("/{listingID}/reviews", handlers.ListingReviews)
			r.Get("/{listingID}/insights", handlers.ListingInsights)
			r.Post("/{listingID}/scrape", handlers.ScrapeListing)
		})

		r.Post("/scrape", handlers.ScrapeURL)

		r.Get("/jobs", handlers.ListJobs)
		r.Get("/jobs/{jobID}", handlers.GetJob)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", handlers.GetSessions)
			r.Put("/{retailer}", handlers.PutSession)
			r.Delete("/{retailer}", handlers.DeleteSession)
		})

		// Stats endpoint
		r.Get("/stats", handlers.GetStats)
	})

	// Start server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	logger.Info("server starting", "port", cfg.Server.Port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}

// runMaintenance fails jobs whose worker died and prunes raw snapshot
// payloads past retention. Runs hourly until the context is cancelled.
func runMaintenance(ctx context.Context, db *database.DB, jobManager *jobs.Manager, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := jobManager.FailStaleJobs(ctx, staleJobCutoff); err != nil {
				logger.Error("failed to reap stale jobs", "error", err)
			} else if n > 0 {
				logger.Warn("reaped stale jobs", "count", n)
			}

			if n, err := db.PruneSnapshotRawData(ctx, rawDataRetention); err != nil {
				logger.Error("failed to prune snapshot raw data", "error", err)
			} else if n > 0 {
				logger.Info("pruned snapshot raw data", "rows", n)
			}
		}
	}
}
