package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/retailmon/market-scraper/internal/database"
)

// sourceName identifies this service in event payloads and envelopes.
const sourceName = "market-scraper"

// ListingDiscoveredPayload announces a listing added to monitoring.
type ListingDiscoveredPayload struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	Timestamp  time.Time `json:"timestamp"`
	Source     string    `json:"source"`
	ListingID  string    `json:"listing_id"`
	Retailer   string    `json:"retailer"`
	ExternalID string    `json:"external_id"`
	URL        string    `json:"url"`
	Title      string    `json:"title,omitempty"`
}

// SnapshotRecordedPayload carries one price capture. Prices marshal as
// decimal strings.
type SnapshotRecordedPayload struct {
	EventID      string           `json:"event_id"`
	EventType    string           `json:"event_type"`
	Timestamp    time.Time        `json:"timestamp"`
	Source       string           `json:"source"`
	ListingID    string           `json:"listing_id"`
	SnapshotID   string           `json:"snapshot_id"`
	Retailer     string           `json:"retailer"`
	ExternalID   string           `json:"external_id"`
	Title        string           `json:"title,omitempty"`
	PriceRegular *decimal.Decimal `json:"price_regular,omitempty"`
	PricePromo   *decimal.Decimal `json:"price_promo,omitempty"`
	PriceCard    *decimal.Decimal `json:"price_card,omitempty"`
	PriceFinal   *decimal.Decimal `json:"price_final,omitempty"`
	Currency     string           `json:"currency"`
	InStock      bool             `json:"in_stock"`
	Rating       *float64         `json:"rating,omitempty"`
	ReviewsCount *int             `json:"reviews_count,omitempty"`
}

// ReviewsCollectedPayload reports a review collection pass.
type ReviewsCollectedPayload struct {
	EventID    string      `json:"event_id"`
	EventType  string      `json:"event_type"`
	Timestamp  time.Time   `json:"timestamp"`
	Source     string      `json:"source"`
	ListingID  string      `json:"listing_id"`
	Retailer   string      `json:"retailer"`
	ExternalID string      `json:"external_id"`
	Collected  int         `json:"collected"`
	NewReviews int         `json:"new_reviews"`
	Histogram  map[int]int `json:"histogram,omitempty"`
}

// ScrapeFailedPayload reports a scrape that produced no usable data.
type ScrapeFailedPayload struct {
	EventID      string    `json:"event_id"`
	EventType    string    `json:"event_type"`
	Timestamp    time.Time `json:"timestamp"`
	Source       string    `json:"source"`
	ListingID    string    `json:"listing_id"`
	Retailer     string    `json:"retailer"`
	ExternalID   string    `json:"external_id"`
	URL          string    `json:"url,omitempty"`
	ErrorKind    string    `json:"error_kind"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// OutboxInserter writes events into the transactional outbox.
type OutboxInserter interface {
	InsertWithTx(ctx context.Context, tx pgx.Tx, event *database.OutboxEvent) error
}

// Publisher queues domain events through the outbox so they commit
// atomically with the data they describe.
type Publisher struct {
	db     *database.DB
	outbox OutboxInserter
	logger *slog.Logger
}

func NewPublisher(db *database.DB, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		db:     db,
		outbox: database.NewOutboxRepository(db),
		logger: logger.With("component", "event_publisher"),
	}
}

// PublishListingDiscovered queues a LISTING_DISCOVERED event in its own
// transaction.
func (p *Publisher) PublishListingDiscovered(ctx context.Context, payload *ListingDiscoveredPayload) error {
	event, err := newListingDiscoveredEvent(payload)
	if err != nil {
		return err
	}
	return p.publish(ctx, event)
}

// PublishSnapshotRecordedTx queues a SNAPSHOT_RECORDED event inside the
// caller's transaction, alongside the snapshot row itself.
func (p *Publisher) PublishSnapshotRecordedTx(ctx context.Context, tx pgx.Tx, payload *SnapshotRecordedPayload) error {
	event, err := newSnapshotRecordedEvent(payload)
	if err != nil {
		return err
	}
	return p.insertTx(ctx, tx, event)
}

// PublishReviewsCollectedTx queues a REVIEWS_COLLECTED event inside the
// caller's transaction.
func (p *Publisher) PublishReviewsCollectedTx(ctx context.Context, tx pgx.Tx, payload *ReviewsCollectedPayload) error {
	event, err := newReviewsCollectedEvent(payload)
	if err != nil {
		return err
	}
	return p.insertTx(ctx, tx, event)
}

// PublishScrapeFailed queues a SCRAPE_FAILED event in its own
// transaction.
func (p *Publisher) PublishScrapeFailed(ctx context.Context, payload *ScrapeFailedPayload) error {
	event, err := newScrapeFailedEvent(payload)
	if err != nil {
		return err
	}
	return p.publish(ctx, event)
}

func (p *Publisher) publish(ctx context.Context, event *database.OutboxEvent) error {
	err := p.db.Transaction(ctx, func(tx pgx.Tx) error {
		return p.insertTx(ctx, tx, event)
	})
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

func (p *Publisher) insertTx(ctx context.Context, tx pgx.Tx, event *database.OutboxEvent) error {
	if err := p.outbox.InsertWithTx(ctx, tx, event); err != nil {
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}

	p.logger.Info("event queued in outbox",
		"type", event.EventType,
		"aggregate_id", event.AggregateID,
		"outbox_id", event.ID)
	return nil
}

func newListingDiscoveredEvent(payload *ListingDiscoveredPayload) (*database.OutboxEvent, error) {
	if payload.EventID == "" {
		payload.EventID = uuid.New().String()
	}
	if payload.EventType == "" {
		payload.EventType = database.EventListingDiscovered
	}
	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now()
	}
	if payload.Source == "" {
		payload.Source = sourceName
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}

	return &database.OutboxEvent{
		AggregateType: "listing",
		AggregateID:   aggregateID(payload.Retailer, payload.ExternalID),
		EventType:     payload.EventType,
		Payload:       data,
		TargetStream:  database.DefaultStream,
	}, nil
}

func newSnapshotRecordedEvent(payload *SnapshotRecordedPayload) (*database.OutboxEvent, error) {
	if payload.EventID == "" {
		payload.EventID = uuid.New().String()
	}
	if payload.EventType == "" {
		payload.EventType = database.EventSnapshotRecorded
	}
	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now()
	}
	if payload.Source == "" {
		payload.Source = sourceName
	}
	if payload.Currency == "" {
		payload.Currency = "RUB"
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}

	return &database.OutboxEvent{
		AggregateType: "listing",
		AggregateID:   aggregateID(payload.Retailer, payload.ExternalID),
		EventType:     payload.EventType,
		Payload:       data,
		TargetStream:  database.DefaultStream,
	}, nil
}

func newReviewsCollectedEvent(payload *ReviewsCollectedPayload) (*database.OutboxEvent, error) {
	if payload.EventID == "" {
		payload.EventID = uuid.New().String()
	}
	if payload.EventType == "" {
		payload.EventType = database.EventReviewsCollected
	}
	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now()
	}
	if payload.Source == "" {
		payload.Source = sourceName
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}

	return &database.OutboxEvent{
		AggregateType: "listing",
		AggregateID:   aggregateID(payload.Retailer, payload.ExternalID),
		EventType:     payload.EventType,
		Payload:       data,
		TargetStream:  database.DefaultStream,
	}, nil
}

func newScrapeFailedEvent(payload *ScrapeFailedPayload) (*database.OutboxEvent, error) {
	if payload.EventID == "" {
		payload.EventID = uuid.New().String()
	}
	if payload.EventType == "" {
		payload.EventType = database.EventScrapeFailed
	}
	if payload.Timestamp.IsZero() {
		payload.Timestamp = time.Now()
	}
	if payload.Source == "" {
		payload.Source = sourceName
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}

	return &database.OutboxEvent{
		AggregateType: "listing",
		AggregateID:   aggregateID(payload.Retailer, payload.ExternalID),
		EventType:     payload.EventType,
		Payload:       data,
		TargetStream:  database.DefaultStream,
	}, nil
}

func aggregateID(retailer, externalID string) string {
	return retailer + ":" + externalID
}
