package scraper

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jackc/pgx/v5"

	"github.com/retailmon/market-scraper/internal/connector"
	"github.com/retailmon/market-scraper/internal/database"
	"github.com/retailmon/market-scraper/internal/market-scraper/events"
	"github.com/retailmon/market-scraper/internal/metrics"
	"github.com/retailmon/market-scraper/internal/models"
	"github.com/retailmon/market-scraper/internal/sentiment"
	"github.com/retailmon/market-scraper/internal/storage"
)

// ErrUnsupportedURL is returned when no connector matches the URL.
var ErrUnsupportedURL = errors.New("no connector matches url")

// seenReviewsSize bounds the dedup cache of review IDs already written,
// so repeat scrapes skip the insert round-trip for known reviews.
const seenReviewsSize = 8192

// Service runs full scrape passes: connector extraction, persistence,
// metrics and outbox events.
type Service struct {
	browser   connector.Browser
	db        *database.DB
	store     *storage.SessionStore
	publisher *events.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger

	maxReviews  int
	seenReviews *lru.Cache[string, struct{}]
}

func NewService(b connector.Browser, db *database.DB, store *storage.SessionStore, publisher *events.Publisher, m *metrics.Metrics, maxReviews int, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	cache, _ := lru.New[string, struct{}](seenReviewsSize)

	return &Service{
		browser:     b,
		db:          db,
		store:       store,
		publisher:   publisher,
		metrics:     m,
		logger:      logger.With("component", "scraper"),
		maxReviews:  maxReviews,
		seenReviews: cache,
	}
}

// Outcome is the result of a one-shot scrape of an arbitrary URL.
type Outcome struct {
	Retailer   string              `json:"retailer"`
	ExternalID string              `json:"external_id"`
	URL        string              `json:"url"`
	Result     models.ScrapeResult `json:"result"`
	Insights   *sentiment.Insights `json:"insights,omitempty"`
}

// ScrapeURL detects the retailer and scrapes the page without requiring
// a stored listing. Nothing is persisted.
func (s *Service) ScrapeURL(ctx context.Context, url string, maxReviews int) (*Outcome, error) {
	slug, ok := connector.DetectRetailer(url)
	if !ok {
		return nil, ErrUnsupportedURL
	}
	conn, ok := connector.Get(slug, s.connectorOptions(slug))
	if !ok {
		return nil, ErrUnsupportedURL
	}

	externalID, _ := conn.ParseProductID(url)

	start := time.Now()
	result := conn.ScrapeProduct(ctx, url, s.browser)
	s.observe(slug, result, time.Since(start))

	outcome := &Outcome{
		Retailer:   slug,
		ExternalID: externalID,
		URL:        url,
		Result:     result,
	}

	if result.Success && maxReviews > 0 {
		reviews := conn.ScrapeReviews(ctx, url, s.browser, maxReviews)
		s.metrics.AddReviews(slug, len(reviews))
		outcome.Result.Reviews = reviews

		insights := sentiment.Analyze(reviews)
		outcome.Insights = &insights
	}

	return outcome, nil
}

// ScrapeListing scrapes a stored listing and persists the snapshot, any
// new reviews and the matching outbox events in one transaction.
func (s *Service) ScrapeListing(ctx context.Context, listing *database.Listing, collectReviews bool) error {
	conn, ok := connector.Get(listing.Retailer, s.connectorOptions(listing.Retailer))
	if !ok {
		return fmt.Errorf("no connector for retailer %q", listing.Retailer)
	}

	logger := s.logger.With("listing_id", listing.ID, "retailer", listing.Retailer)
	logger.Info("scraping listing", "url", listing.URL)

	start := time.Now()
	result := conn.ScrapeProduct(ctx, listing.URL, s.browser)
	s.observe(listing.Retailer, result, time.Since(start))

	if !result.Success {
		s.recordFailure(ctx, listing, result, logger)
		return fmt.Errorf("scrape failed: %s: %s", result.ErrorKind, result.ErrorMessage)
	}

	if problems := result.PriceData.Validate(); len(problems) > 0 {
		logger.Warn("price data incomplete", "problems", problems)
	}

	var reviews []models.ReviewData
	if collectReviews {
		reviews = conn.ScrapeReviews(ctx, listing.URL, s.browser, s.maxReviews)
		s.metrics.AddReviews(listing.Retailer, len(reviews))
	}

	applyPriceData(listing, result.PriceData)
	snapshot := buildSnapshot(listing, result)
	reviewRows, cacheKeys := s.freshReviewRows(listing.ID, reviews)

	err := s.db.Transaction(ctx, func(tx pgx.Tx) error {
		if err := s.db.UpdateListingScrapedTx(ctx, tx, listing); err != nil {
			return err
		}
		if err := s.db.InsertSnapshotTx(ctx, tx, snapshot); err != nil {
			return err
		}
		if err := s.publisher.PublishSnapshotRecordedTx(ctx, tx, snapshotPayload(listing, snapshot)); err != nil {
			return err
		}

		if len(reviews) == 0 {
			return nil
		}

		inserted := 0
		if len(reviewRows) > 0 {
			var err error
			inserted, err = s.db.InsertReviewsTx(ctx, tx, reviewRows)
			if err != nil {
				return err
			}
		}

		reviewSnapshot := &database.ReviewSnapshot{
			ListingID:  listing.ID,
			Collected:  len(reviews),
			NewReviews: inserted,
			Histogram:  ratingHistogram(reviews),
		}
		if err := s.db.InsertReviewSnapshotTx(ctx, tx, reviewSnapshot); err != nil {
			return err
		}

		if inserted == 0 {
			return nil
		}
		return s.publisher.PublishReviewsCollectedTx(ctx, tx, &events.ReviewsCollectedPayload{
			ListingID:  listing.ID.String(),
			Retailer:   listing.Retailer,
			ExternalID: listing.ExternalID,
			Collected:  len(reviews),
			NewReviews: inserted,
			Histogram:  reviewSnapshot.Histogram,
		})
	})
	if err != nil {
		return fmt.Errorf("failed to persist scrape: %w", err)
	}

	// Only remember review IDs once their rows are committed.
	s.rememberReviews(cacheKeys)

	logger.Info("listing scraped",
		"strategy", snapshot.Strategy,
		"in_stock", snapshot.InStock,
		"reviews_collected", len(reviews),
		"reviews_new", len(reviewRows))
	return nil
}

func (s *Service) recordFailure(ctx context.Context, listing *database.Listing, result models.ScrapeResult, logger *slog.Logger) {
	logger.Warn("scrape failed",
		"error_kind", result.ErrorKind,
		"error", result.ErrorMessage)

	if err := s.db.MarkListingFailed(ctx, listing.ID, string(result.ErrorKind), result.ErrorMessage); err != nil {
		logger.Error("failed to record scrape failure", "error", err)
	}

	err := s.publisher.PublishScrapeFailed(ctx, &events.ScrapeFailedPayload{
		ListingID:    listing.ID.String(),
		Retailer:     listing.Retailer,
		ExternalID:   listing.ExternalID,
		URL:          listing.URL,
		ErrorKind:    string(result.ErrorKind),
		ErrorMessage: result.ErrorMessage,
	})
	if err != nil {
		logger.Error("failed to publish scrape failure", "error", err)
	}
}

func (s *Service) observe(retailer string, result models.ScrapeResult, elapsed time.Duration) {
	status := "success"
	if !result.Success {
		status = string(result.ErrorKind)
		if result.ErrorKind == models.ErrKindCaptchaDetected {
			s.metrics.IncCaptcha(retailer)
		}
	}
	s.metrics.ObserveScrape(retailer, status, elapsed)

	if name, ok := result.RawData["strategy"].(string); ok && result.Success {
		s.metrics.IncStrategyWin(retailer, name)
	}
}

func (s *Service) connectorOptions(retailer string) connector.Options {
	opts := connector.Options{Logger: s.logger}
	if s.store != nil {
		if cookies, ok := s.store.Cookies(retailer); ok {
			opts.Cookies = cookies
		}
	}
	return opts
}

// freshReviewRows converts scraped reviews to rows, dropping the ones
// the dedup cache has already seen committed.
func (s *Service) freshReviewRows(listingID uuid.UUID, reviews []models.ReviewData) ([]*database.ReviewRow, []string) {
	var rows []*database.ReviewRow
	var keys []string
	for _, review := range reviews {
		key := listingID.String() + ":" + review.ExternalID
		if _, seen := s.seenReviews.Get(key); seen {
			continue
		}
		rows = append(rows, reviewRow(listingID, review))
		keys = append(keys, key)
	}
	return rows, keys
}

func (s *Service) rememberReviews(keys []string) {
	for _, key := range keys {
		s.seenReviews.Add(key, struct{}{})
	}
}

func applyPriceData(listing *database.Listing, pd *models.PriceData) {
	if pd == nil {
		return
	}
	if pd.Title != "" {
		listing.Title = pd.Title
	}
	listing.Rating = pd.RatingAvg
	listing.ReviewsCount = pd.ReviewsCount
	if pd.InStock != nil {
		listing.InStock = *pd.InStock
	}
}

func buildSnapshot(listing *database.Listing, result models.ScrapeResult) *database.PriceSnapshot {
	snapshot := &database.PriceSnapshot{
		ListingID:  listing.ID,
		InStock:    listing.InStock,
		CapturedAt: result.ScrapedAt,
	}

	if pd := result.PriceData; pd != nil {
		snapshot.PriceRegular = pd.PriceRegular
		snapshot.PricePromo = pd.PricePromo
		snapshot.PriceCard = pd.PriceCard
		snapshot.PriceFinal = pd.PriceFinal
		snapshot.Currency = pd.Currency
		snapshot.Rating = pd.RatingAvg
		snapshot.ReviewsCount = pd.ReviewsCount
	}

	if name, ok := result.RawData["strategy"].(string); ok {
		snapshot.Strategy = name
	}
	if len(result.RawData) > 0 {
		if raw, err := json.Marshal(result.RawData); err == nil {
			snapshot.RawData = raw
		}
	}

	return snapshot
}

func snapshotPayload(listing *database.Listing, snapshot *database.PriceSnapshot) *events.SnapshotRecordedPayload {
	return &events.SnapshotRecordedPayload{
		ListingID:    listing.ID.String(),
		SnapshotID:   snapshot.ID.String(),
		Retailer:     listing.Retailer,
		ExternalID:   listing.ExternalID,
		Title:        listing.Title,
		PriceRegular: snapshot.PriceRegular,
		PricePromo:   snapshot.PricePromo,
		PriceCard:    snapshot.PriceCard,
		PriceFinal:   snapshot.PriceFinal,
		Currency:     snapshot.Currency,
		InStock:      snapshot.InStock,
		Rating:       snapshot.Rating,
		ReviewsCount: snapshot.ReviewsCount,
	}
}

func reviewRow(listingID uuid.UUID, review models.ReviewData) *database.ReviewRow {
	row := &database.ReviewRow{
		ListingID:  listingID,
		ExternalID: review.ExternalID,
		Rating:     review.Rating,
		Text:       review.Text,
		Sentiment:  string(sentiment.Classify(review.Rating)),
	}
	if review.AuthorName != "" {
		row.Author = sql.NullString{String: review.AuthorName, Valid: true}
	}
	if review.Pros != "" {
		row.Pros = sql.NullString{String: review.Pros, Valid: true}
	}
	if review.Cons != "" {
		row.Cons = sql.NullString{String: review.Cons, Valid: true}
	}
	if review.PublishedAt != nil {
		row.PublishedAt = sql.NullTime{Time: *review.PublishedAt, Valid: true}
	}
	return row
}

func ratingHistogram(reviews []models.ReviewData) map[int]int {
	histogram := make(map[int]int, 5)
	for _, review := range reviews {
		histogram[review.Rating]++
	}
	return histogram
}
