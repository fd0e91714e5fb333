package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/retailmon/market-scraper/internal/browser"
	"github.com/retailmon/market-scraper/internal/config"
	"github.com/retailmon/market-scraper/internal/connector"
	"github.com/retailmon/market-scraper/internal/models"
	"github.com/retailmon/market-scraper/internal/queue"
	"github.com/retailmon/market-scraper/internal/ratelimit"
	"github.com/retailmon/market-scraper/internal/sentiment"
	"github.com/retailmon/market-scraper/internal/storage"
)

func main() {
	var (
		urls       = flag.String("urls", "", "Comma-separated product URLs to scrape")
		inputFile  = flag.String("file", "", "File containing product URLs (one per line)")
		maxReviews = flag.Int("reviews", 0, "Collect up to N reviews per product (0 disables)")
		insights   = flag.Bool("insights", false, "Print sentiment insights for collected reviews")
		output     = flag.String("output", "text", "Output format: text, json")
		headless   = flag.Bool("headless", true, "Run browser in headless mode")
	)
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutdown signal received")
		cancel()
	}()

	browserOpts := &browser.Options{
		Headless:       *headless && cfg.Browser.Headless,
		Timeout:        cfg.Browser.Timeout,
		UserAgents:     cfg.Browser.UserAgents,
		ViewportWidth:  cfg.Browser.ViewportWidth,
		ViewportHeight: cfg.Browser.ViewportHeight,
		AcceptLanguage: cfg.Browser.AcceptLanguage,
		TimezoneID:     cfg.Browser.TimezoneID,
		Locale:         cfg.Browser.Locale,
		BlockResources: cfg.Browser.BlockResources,
	}

	session, err := browser.New(browserOpts)
	if err != nil {
		logger.Error("failed to initialize browser", "error", err)
		os.Exit(1)
	}
	defer session.Close()
	b := connector.WrapSession(session)

	store, err := storage.NewSessionStore(cfg.Sessions.Path)
	if err != nil {
		logger.Warn("session store unavailable, scraping without cookies", "error", err)
		store = nil
	}

	taskQueue := queue.NewInMemoryQueue()
	defer taskQueue.Close()

	if err := loadTasks(taskQueue, *urls, *inputFile); err != nil {
		logger.Error("failed to load tasks", "error", err)
		os.Exit(1)
	}

	if taskQueue.Size() == 0 {
		fmt.Println("No tasks to process. Use -urls or -file to specify product pages.")
		flag.Usage()
		os.Exit(1)
	}

	limiter := ratelimit.NewPerRetailer(cfg.Scraper.DelayMin, cfg.Scraper.DelayMax)

	logger.Info("starting scrape run", "tasks", taskQueue.Size())

	for {
		select {
		case <-ctx.Done():
			logger.Info("context cancelled, exiting")
			return
		default:
		}

		// Pop blocks on an open queue, so drain by size.
		if taskQueue.Size() == 0 {
			break
		}

		task, err := taskQueue.Pop(ctx)
		if err != nil {
			if err == queue.ErrQueueEmpty || err == queue.ErrQueueClosed || ctx.Err() != nil {
				break
			}
			logger.Error("failed to get task from queue", "error", err)
			continue
		}

		conn, ok := connector.Get(task.Retailer, connectorOptions(store, task.Retailer, logger))
		if !ok {
			logger.Error("no connector for retailer", "retailer", task.Retailer)
			continue
		}

		retailerLimiter := limiter.Get(task.Retailer)
		if err := retailerLimiter.Wait(ctx); err != nil {
			continue
		}

		logger.Info("processing task", "url", task.URL, "retailer", task.Retailer)

		result := conn.ScrapeProduct(ctx, task.URL, b)
		if !result.Success {
			logger.Error("scrape failed",
				"url", task.URL,
				"error_kind", result.ErrorKind,
				"error", result.ErrorMessage)
			retailerLimiter.RecordError()

			if task.Retries < cfg.Scraper.MaxRetries && retryable(result.ErrorKind) {
				task.Retries++
				taskQueue.Push(task)
				logger.Info("retrying task", "url", task.URL, "retry", task.Retries)
			}
			continue
		}

		retailerLimiter.RecordSuccess()

		reviewLimit := *maxReviews
		if reviewLimit == 0 && *insights {
			reviewLimit = cfg.Scraper.MaxReviews
		}
		if reviewLimit > 0 {
			result.Reviews = conn.ScrapeReviews(ctx, task.URL, b, reviewLimit)
		}

		if err := outputResult(conn.Slug(), task.URL, result, *output, *insights); err != nil {
			logger.Error("failed to output result", "error", err)
		}
	}

	logger.Info("scrape run completed")
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	// Logs go to stderr so stdout stays parseable output.
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func connectorOptions(store *storage.SessionStore, retailer string, logger *slog.Logger) connector.Options {
	opts := connector.Options{Logger: logger}
	if store != nil {
		if cookies, ok := store.Cookies(retailer); ok {
			opts.Cookies = cookies
		}
	}
	return opts
}

func loadTasks(q queue.Queue, urls, inputFile string) error {
	var items []string

	if urls != "" {
		items = append(items, strings.Split(urls, ",")...)
	}

	if inputFile != "" {
		data, err := os.ReadFile(inputFile)
		if err != nil {
			return fmt.Errorf("failed to read input file: %w", err)
		}
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line != "" && !strings.HasPrefix(line, "#") {
				items = append(items, line)
			}
		}
	}

	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		retailer, ok := connector.DetectRetailer(item)
		if !ok {
			fmt.Fprintf(os.Stderr, "Skipping unsupported URL: %s\n", item)
			continue
		}
		q.Push(queue.NewTask(item, retailer))
	}

	return nil
}

// retryable reports whether a failure class is worth another attempt.
// CAPTCHA pages and structurally empty pages stay failed: hammering
// them again right away makes both worse.
func retryable(kind models.ErrorKind) bool {
	switch kind {
	case models.ErrKindNavigationTimeout, models.ErrKindHTTPError, models.ErrKindUnknown:
		return true
	}
	return false
}

func outputResult(retailer, url string, result models.ScrapeResult, format string, withInsights bool) error {
	switch format {
	case "json":
		payload := map[string]any{
			"retailer": retailer,
			"url":      url,
			"result":   result,
		}
		if withInsights && len(result.Reviews) > 0 {
			payload["insights"] = sentiment.Analyze(result.Reviews)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(payload)
	default:
		pd := result.PriceData
		if pd == nil {
			fmt.Printf("No product data for %s\n", url)
			return nil
		}

		fmt.Printf("Product: %s\n", pd.Title)
		fmt.Printf("Retailer: %s\n", retailer)
		if pd.PriceRegular != nil {
			fmt.Printf("Regular price: %s %s\n", pd.PriceRegular, pd.Currency)
		}
		if pd.PricePromo != nil {
			fmt.Printf("Promo price: %s %s\n", pd.PricePromo, pd.Currency)
		}
		if pd.PriceCard != nil {
			fmt.Printf("Card price: %s %s\n", pd.PriceCard, pd.Currency)
		}
		if pd.PriceFinal != nil {
			fmt.Printf("Final price: %s %s\n", pd.PriceFinal, pd.Currency)
		}
		if pd.InStock != nil {
			fmt.Printf("In stock: %t\n", *pd.InStock)
		}
		if pd.RatingAvg != nil {
			fmt.Printf("Rating: %.1f\n", *pd.RatingAvg)
		}
		if pd.ReviewsCount != nil {
			fmt.Printf("Reviews on page: %d\n", *pd.ReviewsCount)
		}
		if len(result.Reviews) > 0 {
			fmt.Printf("Reviews collected: %d\n", len(result.Reviews))
			if withInsights {
				printInsights(sentiment.Analyze(result.Reviews))
			}
		}
		fmt.Println("---")
	}
	return nil
}

func printInsights(insights sentiment.Insights) {
	summary := insights.Summary
	fmt.Printf("Sentiment: %d positive / %d neutral / %d negative\n",
		summary.Positive, summary.Neutral, summary.Negative)

	for _, topic := range sentiment.Topics {
		stats, ok := insights.Topics[topic]
		if !ok || stats.Mentions == 0 {
			continue
		}
		fmt.Printf("  %s: %d mentions (%d positive, %d negative)\n",
			topic, stats.Mentions, stats.Positive, stats.Negative)
	}
}
