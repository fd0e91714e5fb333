package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// PriceSnapshot is one observation of a listing's prices. Snapshots are
// append-only; price history is the sequence of snapshots per listing.
// Period is the first day of the capture month, kept denormalized for
// monthly grouping queries.
type PriceSnapshot struct {
	ID           uuid.UUID        `db:"id" json:"id"`
	ListingID    uuid.UUID        `db:"listing_id" json:"listing_id"`
	PriceRegular *decimal.Decimal `db:"price_regular" json:"price_regular,omitempty"`
	PricePromo   *decimal.Decimal `db:"price_promo" json:"price_promo,omitempty"`
	PriceCard    *decimal.Decimal `db:"price_card" json:"price_card,omitempty"`
	PriceFinal   *decimal.Decimal `db:"price_final" json:"price_final,omitempty"`
	Currency     string           `db:"currency" json:"currency"`
	InStock      bool             `db:"in_stock" json:"in_stock"`
	Rating       *float64         `db:"rating" json:"rating,omitempty"`
	ReviewsCount *int             `db:"reviews_count" json:"reviews_count,omitempty"`
	Strategy     string           `db:"strategy" json:"strategy,omitempty"`
	RawData      json.RawMessage  `db:"raw_data" json:"raw_data,omitempty"`
	Period       time.Time        `db:"period" json:"period"`
	CapturedAt   time.Time        `db:"captured_at" json:"captured_at"`
}

// ReviewRow is a persisted customer review. external_id deduplicates
// re-scraped reviews per listing.
type ReviewRow struct {
	ID          uuid.UUID      `db:"id"`
	ListingID   uuid.UUID      `db:"listing_id"`
	ExternalID  string         `db:"external_id"`
	Author      sql.NullString `db:"author"`
	Rating      int            `db:"rating"`
	Text        string         `db:"text"`
	Pros        sql.NullString `db:"pros"`
	Cons        sql.NullString `db:"cons"`
	Sentiment   string         `db:"sentiment"`
	PublishedAt sql.NullTime   `db:"published_at"`
	CollectedAt time.Time      `db:"collected_at"`
}

// InsertSnapshotTx appends a price snapshot within a transaction, so the
// snapshot and its outbox event commit or roll back together.
func (db *DB) InsertSnapshotTx(ctx context.Context, tx pgx.Tx, s *PriceSnapshot) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.CapturedAt.IsZero() {
		s.CapturedAt = time.Now()
	}
	if s.Currency == "" {
		s.Currency = "RUB"
	}
	s.Period = monthStart(s.CapturedAt)

	query := `
		INSERT INTO price_snapshots (
			id, listing_id, price_regular, price_promo, price_card,
			price_final, currency, in_stock, rating, reviews_count,
			strategy, raw_data, period, captured_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)`

	_, err := tx.Exec(ctx, query,
		s.ID, s.ListingID, s.PriceRegular, s.PricePromo, s.PriceCard,
		s.PriceFinal, s.Currency, s.InStock, s.Rating, s.ReviewsCount,
		s.Strategy, s.RawData, s.Period, s.CapturedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert price snapshot: %w", err)
	}

	return nil
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

const snapshotColumns = `
	id, listing_id, price_regular, price_promo, price_card,
	price_final, currency, in_stock, rating, reviews_count,
	strategy, raw_data, period, captured_at`

func scanSnapshot(row pgx.Row) (*PriceSnapshot, error) {
	s := &PriceSnapshot{}
	err := row.Scan(
		&s.ID, &s.ListingID, &s.PriceRegular, &s.PricePromo, &s.PriceCard,
		&s.PriceFinal, &s.Currency, &s.InStock, &s.Rating, &s.ReviewsCount,
		&s.Strategy, &s.RawData, &s.Period, &s.CapturedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// LatestSnapshot returns the most recent snapshot for a listing, or nil
// when the listing has never been scraped.
func (db *DB) LatestSnapshot(ctx context.Context, listingID uuid.UUID) (*PriceSnapshot, error) {
	query := `SELECT ` + snapshotColumns + `
		FROM price_snapshots
		WHERE listing_id = $1
		ORDER BY captured_at DESC
		LIMIT 1`

	s, err := scanSnapshot(db.pool.QueryRow(ctx, query, listingID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest snapshot: %w", err)
	}

	return s, nil
}

// SnapshotHistory returns snapshots for a listing, newest first.
func (db *DB) SnapshotHistory(ctx context.Context, listingID uuid.UUID, limit int) ([]*PriceSnapshot, error) {
	query := `SELECT ` + snapshotColumns + `
		FROM price_snapshots
		WHERE listing_id = $1
		ORDER BY captured_at DESC
		LIMIT $2`

	rows, err := db.pool.Query(ctx, query, listingID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot history: %w", err)
	}
	defer rows.Close()

	var snapshots []*PriceSnapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snapshots = append(snapshots, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return snapshots, nil
}

// SnapshotChanged reports whether the observed prices or availability
// differ between two snapshots. Used to decide whether a price change
// event should be emitted.
func SnapshotChanged(prev, curr *PriceSnapshot) bool {
	if prev == nil || curr == nil {
		return prev != curr
	}
	if prev.InStock != curr.InStock {
		return true
	}
	return !decimalEqual(prev.PriceFinal, curr.PriceFinal) ||
		!decimalEqual(prev.PriceRegular, curr.PriceRegular) ||
		!decimalEqual(prev.PricePromo, curr.PricePromo) ||
		!decimalEqual(prev.PriceCard, curr.PriceCard)
}

func decimalEqual(a, b *decimal.Decimal) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// InsertReviewsTx stores reviews for a listing, skipping any already
// collected in an earlier scrape. Returns the number actually inserted.
func (db *DB) InsertReviewsTx(ctx context.Context, tx pgx.Tx, rows []*ReviewRow) (int, error) {
	query := `
		INSERT INTO reviews (
			id, listing_id, external_id, author, rating,
			text, pros, cons, sentiment, published_at, collected_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		)
		ON CONFLICT (listing_id, external_id) DO NOTHING`

	inserted := 0
	for _, r := range rows {
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		if r.CollectedAt.IsZero() {
			r.CollectedAt = time.Now()
		}

		result, err := tx.Exec(ctx, query,
			r.ID, r.ListingID, r.ExternalID, r.Author, r.Rating,
			r.Text, r.Pros, r.Cons, r.Sentiment, r.PublishedAt, r.CollectedAt,
		)
		if err != nil {
			return inserted, fmt.Errorf("failed to insert review: %w", err)
		}
		inserted += int(result.RowsAffected())
	}

	return inserted, nil
}

// ReviewsForListing returns stored reviews, newest first by publish date.
func (db *DB) ReviewsForListing(ctx context.Context, listingID uuid.UUID, limit int) ([]*ReviewRow, error) {
	query := `
		SELECT id, listing_id, external_id, author, rating,
			   text, pros, cons, sentiment, published_at, collected_at
		FROM reviews
		WHERE listing_id = $1
		ORDER BY published_at DESC NULLS LAST, collected_at DESC
		LIMIT $2`

	rows, err := db.pool.Query(ctx, query, listingID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get reviews: %w", err)
	}
	defer rows.Close()

	var reviews []*ReviewRow
	for rows.Next() {
		r := &ReviewRow{}
		err := rows.Scan(
			&r.ID, &r.ListingID, &r.ExternalID, &r.Author, &r.Rating,
			&r.Text, &r.Pros, &r.Cons, &r.Sentiment, &r.PublishedAt, &r.CollectedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan review: %w", err)
		}
		reviews = append(reviews, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return reviews, nil
}

// ReviewSnapshot summarizes one review-collection pass: how many reviews
// the page reported, how many were new to us, and the star distribution
// of what was collected.
type ReviewSnapshot struct {
	ID         uuid.UUID   `db:"id" json:"id"`
	ListingID  uuid.UUID   `db:"listing_id" json:"listing_id"`
	Collected  int         `db:"collected" json:"collected"`
	NewReviews int         `db:"new_reviews" json:"new_reviews"`
	Histogram  map[int]int `db:"histogram" json:"histogram"`
	CapturedAt time.Time   `db:"captured_at" json:"captured_at"`
}

// InsertReviewSnapshotTx stores a review-collection summary.
func (db *DB) InsertReviewSnapshotTx(ctx context.Context, tx pgx.Tx, s *ReviewSnapshot) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.CapturedAt.IsZero() {
		s.CapturedAt = time.Now()
	}

	histogram, err := json.Marshal(s.Histogram)
	if err != nil {
		return fmt.Errorf("failed to marshal histogram: %w", err)
	}

	query := `
		INSERT INTO review_snapshots (
			id, listing_id, collected, new_reviews, histogram, captured_at
		) VALUES (
			$1, $2, $3, $4, $5, $6
		)`

	_, err = tx.Exec(ctx, query,
		s.ID, s.ListingID, s.Collected, s.NewReviews, histogram, s.CapturedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert review snapshot: %w", err)
	}

	return nil
}

// PruneSnapshotRawData drops the diagnostic payload from snapshots older
// than the cutoff. The price columns stay; only raw_data is bulky.
func (db *DB) PruneSnapshotRawData(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)

	result, err := db.pool.Exec(ctx,
		`UPDATE price_snapshots
		 SET raw_data = NULL
		 WHERE raw_data IS NOT NULL AND captured_at < $1`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshot raw data: %w", err)
	}

	return result.RowsAffected(), nil
}

// RatingHistogram returns the count of stored reviews per star rating.
func (db *DB) RatingHistogram(ctx context.Context, listingID uuid.UUID) (map[int]int, error) {
	query := `
		SELECT rating, COUNT(*) as count
		FROM reviews
		WHERE listing_id = $1
		GROUP BY rating`

	rows, err := db.pool.Query(ctx, query, listingID)
	if err != nil {
		return nil, fmt.Errorf("failed to count reviews: %w", err)
	}
	defer rows.Close()

	histogram := make(map[int]int)
	for rows.Next() {
		var rating, count int
		if err := rows.Scan(&rating, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		histogram[rating] = count
	}

	return histogram, nil
}
