package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type ListingStatus string

const (
	ListingStatusPending ListingStatus = "pending"
	ListingStatusActive  ListingStatus = "active"
	ListingStatusFailed  ListingStatus = "failed"
)

// Listing is a product page under monitoring. A listing is unique per
// (retailer, external_id) pair, not per URL, so the same product added
// through different URL variants collapses into one row.
type Listing struct {
	ID           uuid.UUID      `db:"id"`
	Retailer     string         `db:"retailer"`
	ExternalID   string         `db:"external_id"`
	URL          string         `db:"url"`
	Title        string         `db:"title"`
	Brand        sql.NullString `db:"brand"`
	Rating       *float64       `db:"rating"`
	ReviewsCount *int           `db:"reviews_count"`
	InStock      bool           `db:"in_stock"`
	Currency     string         `db:"currency"`
	Status       ListingStatus  `db:"status"`
	ErrorKind    sql.NullString `db:"error_kind"`
	ErrorMessage sql.NullString `db:"error_message"`
	ScrapedAt    sql.NullTime   `db:"scraped_at"`
	CreatedAt    time.Time      `db:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at"`
}

// UpsertListing inserts a listing or refreshes the URL of an existing one.
func (db *DB) UpsertListing(ctx context.Context, l *Listing) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.Status == "" {
		l.Status = ListingStatusPending
	}
	if l.Currency == "" {
		l.Currency = "RUB"
	}

	query := `
		INSERT INTO listings (
			id, retailer, external_id, url, title, currency, status
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7
		)
		ON CONFLICT (retailer, external_id) DO UPDATE SET
			url = EXCLUDED.url,
			updated_at = NOW()
		RETURNING id, status, created_at, updated_at`

	err := db.pool.QueryRow(ctx, query,
		l.ID, l.Retailer, l.ExternalID, l.URL, l.Title, l.Currency, l.Status,
	).Scan(&l.ID, &l.Status, &l.CreatedAt, &l.UpdatedAt)

	if err != nil {
		return fmt.Errorf("failed to upsert listing: %w", err)
	}

	return nil
}

const listingColumns = `
	id, retailer, external_id, url, title, brand,
	rating, reviews_count, in_stock, currency, status,
	error_kind, error_message, scraped_at, created_at, updated_at`

func scanListing(row pgx.Row) (*Listing, error) {
	l := &Listing{}
	err := row.Scan(
		&l.ID, &l.Retailer, &l.ExternalID, &l.URL, &l.Title, &l.Brand,
		&l.Rating, &l.ReviewsCount, &l.InStock, &l.Currency, &l.Status,
		&l.ErrorKind, &l.ErrorMessage, &l.ScrapedAt, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// GetListing retrieves a listing by ID. Returns nil when not found.
func (db *DB) GetListing(ctx context.Context, id uuid.UUID) (*Listing, error) {
	query := `SELECT ` + listingColumns + ` FROM listings WHERE id = $1`

	l, err := scanListing(db.pool.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get listing: %w", err)
	}

	return l, nil
}

// GetListingByProduct retrieves a listing by its retailer-scoped product ID.
func (db *DB) GetListingByProduct(ctx context.Context, retailer, externalID string) (*Listing, error) {
	query := `SELECT ` + listingColumns + ` FROM listings WHERE retailer = $1 AND external_id = $2`

	l, err := scanListing(db.pool.QueryRow(ctx, query, retailer, externalID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get listing: %w", err)
	}

	return l, nil
}

// ListListings returns listings, optionally filtered by retailer.
func (db *DB) ListListings(ctx context.Context, retailer string, limit, offset int) ([]*Listing, error) {
	query := `SELECT ` + listingColumns + `
		FROM listings
		WHERE ($1 = '' OR retailer = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := db.pool.Query(ctx, query, retailer, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list listings: %w", err)
	}
	defer rows.Close()

	var listings []*Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan listing: %w", err)
		}
		listings = append(listings, l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return listings, nil
}

// ClaimDueListings locks and returns listings whose last scrape is older
// than maxAge (or that were never scraped). Locked rows are skipped so
// concurrent workers never claim the same listing.
func (db *DB) ClaimDueListings(ctx context.Context, tx pgx.Tx, maxAge time.Duration, limit int) ([]*Listing, error) {
	query := `SELECT ` + listingColumns + `
		FROM listings
		WHERE scraped_at IS NULL OR scraped_at < $1
		ORDER BY scraped_at ASC NULLS FIRST
		LIMIT $2
		FOR UPDATE SKIP LOCKED`

	cutoff := time.Now().Add(-maxAge)
	rows, err := tx.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due listings: %w", err)
	}
	defer rows.Close()

	var listings []*Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan listing: %w", err)
		}
		listings = append(listings, l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return listings, nil
}

// UpdateListingScrapedTx writes the product fields captured by a
// successful scrape and clears any previous error.
func (db *DB) UpdateListingScrapedTx(ctx context.Context, tx pgx.Tx, l *Listing) error {
	query := `
		UPDATE listings SET
			title = $2,
			brand = $3,
			rating = $4,
			reviews_count = $5,
			in_stock = $6,
			status = $7,
			error_kind = NULL,
			error_message = NULL,
			scraped_at = NOW(),
			updated_at = NOW()
		WHERE id = $1`

	result, err := tx.Exec(ctx, query,
		l.ID, l.Title, l.Brand, l.Rating, l.ReviewsCount, l.InStock, ListingStatusActive,
	)
	if err != nil {
		return fmt.Errorf("failed to update listing: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("listing not found: %s", l.ID)
	}

	return nil
}

// MarkListingFailed records a scrape failure without touching product fields.
func (db *DB) MarkListingFailed(ctx context.Context, id uuid.UUID, errKind, errMsg string) error {
	query := `
		UPDATE listings SET
			status = $2,
			error_kind = $3,
			error_message = $4,
			scraped_at = NOW(),
			updated_at = NOW()
		WHERE id = $1`

	result, err := db.pool.Exec(ctx, query, id, ListingStatusFailed, errKind, errMsg)
	if err != nil {
		return fmt.Errorf("failed to mark listing failed: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("listing not found: %s", id)
	}

	return nil
}

// DeleteListing removes a listing and, through cascades, its snapshots
// and reviews.
func (db *DB) DeleteListing(ctx context.Context, id uuid.UUID) error {
	result, err := db.pool.Exec(ctx, `DELETE FROM listings WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete listing: %w", err)
	}

	if result.RowsAffected() == 0 {
		return fmt.Errorf("listing not found: %s", id)
	}

	return nil
}

// CountListingsByStatus returns count of listings by status
func (db *DB) CountListingsByStatus(ctx context.Context) (map[ListingStatus]int, error) {
	query := `
		SELECT status, COUNT(*) as count
		FROM listings
		GROUP BY status`

	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count listings: %w", err)
	}
	defer rows.Close()

	counts := make(map[ListingStatus]int)
	for rows.Next() {
		var status ListingStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = count
	}

	return counts, nil
}
