package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/retailmon/market-scraper/internal/database"
)

// The consumer tails the snapshot stream and turns raw captures into
// PRICE_CHANGED events whenever two consecutive snapshots of a listing
// differ in price or availability.

const (
	eventPriceChanged  = "PRICE_CHANGED"
	priceChangedStream = "stream:price_changes"
)

func main() {
	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Redis connection
	redisAddr := getEnv("REDIS_ADDR", "localhost:6379")
	rdb := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		Password: getEnv("REDIS_PASSWORD", ""),
	})

	// Test Redis connection
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	logger.Info("Connected to Redis", "addr", redisAddr)

	// Database connection
	dbPort, _ := strconv.Atoi(getEnv("DB_PORT", "5432"))
	db, err := database.New(ctx, database.Config{
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     dbPort,
		User:     getEnv("DB_USER", "postgres"),
		Password: getEnv("DB_PASSWORD", ""),
		Database: getEnv("DB_NAME", "market_scraper"),
		MaxConns: 5,
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("Connected to database")

	// Create consumer
	consumer := &Consumer{
		redis:  rdb,
		db:     db,
		logger: logger,
	}

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		<-sigChan
		logger.Info("Shutting down...")
		cancel()
	}()

	// Run consumer
	if err := consumer.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("Consumer error: %v", err)
	}
}

type Consumer struct {
	redis  *redis.Client
	db     *database.DB
	logger *slog.Logger
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func (c *Consumer) Run(ctx context.Context) error {
	streamKey := getEnv("REDIS_STREAM", database.DefaultStream)
	consumerGroup := "snapshot-consumer-group"
	consumerName := getEnv("CONSUMER_NAME", "consumer-1")

	// Create consumer group (ignore error if already exists)
	c.redis.XGroupCreate(ctx, streamKey, consumerGroup, "0").Err()

	c.logger.Info("Starting consumer", "stream", streamKey, "group", consumerGroup)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Read from stream
			streams, err := c.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    consumerGroup,
				Consumer: consumerName,
				Streams:  []string{streamKey, ">"},
				Count:    1,
				Block:    5 * time.Second,
				NoAck:    false,
			}).Result()

			if err != nil {
				if err == redis.Nil {
					continue // No new messages
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.logger.Error("Failed to read from stream", "error", err)
				time.Sleep(1 * time.Second)
				continue
			}

			// Process messages
			for _, stream := range streams {
				for _, message := range stream.Messages {
					if err := c.processMessage(ctx, message); err != nil {
						c.logger.Error("Failed to process message", "id", message.ID, "error", err)
						continue
					}

					// Acknowledge message
					if err := c.redis.XAck(ctx, streamKey, consumerGroup, message.ID).Err(); err != nil {
						c.logger.Error("Failed to acknowledge message", "id", message.ID, "error", err)
					}
				}
			}
		}
	}
}

// snapshotPayload is the slice of SNAPSHOT_RECORDED the consumer needs.
type snapshotPayload struct {
	ListingID  string           `json:"listing_id"`
	Retailer   string           `json:"retailer"`
	ExternalID string           `json:"external_id"`
	Title      string           `json:"title"`
	PriceFinal *decimal.Decimal `json:"price_final"`
	Currency   string           `json:"currency"`
}

func (c *Consumer) processMessage(ctx context.Context, msg redis.XMessage) error {
	// Check event type
	eventType, ok := msg.Values["event_type"].(string)
	if !ok || eventType != database.EventSnapshotRecorded {
		return nil // Skip non-matching events
	}

	// The relay publishes the full envelope under "data"
	dataStr, ok := msg.Values["data"].(string)
	if !ok {
		return fmt.Errorf("missing data in event")
	}

	var envelope struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal([]byte(dataStr), &envelope); err != nil {
		return fmt.Errorf("failed to parse envelope: %w", err)
	}

	var payload snapshotPayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		return fmt.Errorf("failed to parse payload: %w", err)
	}

	listingID, err := uuid.Parse(payload.ListingID)
	if err != nil {
		return fmt.Errorf("invalid listing id %q: %w", payload.ListingID, err)
	}

	snapshots, err := c.db.SnapshotHistory(ctx, listingID, 2)
	if err != nil {
		return fmt.Errorf("failed to load snapshot history: %w", err)
	}
	if len(snapshots) < 2 {
		c.logger.Info("First snapshot for listing, nothing to compare",
			"listing_id", payload.ListingID, "retailer", payload.Retailer)
		return nil
	}

	curr, prev := snapshots[0], snapshots[1]
	if !database.SnapshotChanged(prev, curr) {
		return nil
	}

	return c.publishPriceChanged(ctx, payload, prev, curr)
}

func (c *Consumer) publishPriceChanged(ctx context.Context, p snapshotPayload, prev, curr *database.PriceSnapshot) error {
	eventPayload := map[string]interface{}{
		"event_id":          uuid.New().String(),
		"event_type":        eventPriceChanged,
		"timestamp":         time.Now().Format(time.RFC3339),
		"source":            "snapshot-consumer",
		"listing_id":        p.ListingID,
		"retailer":          p.Retailer,
		"external_id":       p.ExternalID,
		"title":             p.Title,
		"currency":          p.Currency,
		"price_previous":    prev.PriceFinal,
		"price_current":     curr.PriceFinal,
		"in_stock_previous": prev.InStock,
		"in_stock_current":  curr.InStock,
	}

	if change := priceChangePercent(prev.PriceFinal, curr.PriceFinal); change != nil {
		eventPayload["change_percent"] = change
	}

	payloadJSON, err := json.Marshal(eventPayload)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = c.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: priceChangedStream,
		Values: map[string]interface{}{
			"event_type":   eventPriceChanged,
			"event_id":     eventPayload["event_id"],
			"aggregate_id": p.Retailer + ":" + p.ExternalID,
			"payload":      string(payloadJSON),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	c.logger.Info("Published PRICE_CHANGED",
		"listing_id", p.ListingID,
		"retailer", p.Retailer,
		"price_previous", prev.PriceFinal,
		"price_current", curr.PriceFinal)
	return nil
}

// priceChangePercent returns the relative change between two final
// prices, rounded to two decimal places. Nil when either price is
// missing or the previous price is zero.
func priceChangePercent(prev, curr *decimal.Decimal) *decimal.Decimal {
	if prev == nil || curr == nil || prev.IsZero() {
		return nil
	}
	change := curr.Sub(*prev).Div(*prev).Mul(decimal.NewFromInt(100)).Round(2)
	return &change
}
