package jobs

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retailmon/market-scraper/internal/database"
	"github.com/retailmon/market-scraper/internal/metrics"
	"github.com/retailmon/market-scraper/internal/ratelimit"
)

// scrapeFunc adapts a function to the ListingScraper interface.
type scrapeFunc func(ctx context.Context, listing *database.Listing, collectReviews bool) error

func (f scrapeFunc) ScrapeListing(ctx context.Context, listing *database.Listing, collectReviews bool) error {
	return f(ctx, listing, collectReviews)
}

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.New(context.Background(), database.Config{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		Database: "market_scraper_test",
		MaxConns: 5,
		MinConns: 1,
	})
	require.NoError(t, err)
	return db
}

func testManager(db *database.DB, scraper ListingScraper) *Manager {
	cfg := Config{
		PollInterval:     time.Second,
		ScrapeInterval:   time.Hour,
		ScheduleInterval: time.Second,
		BatchSize:        5,
		MaxAttempts:      2,
		CollectReviews:   true,
	}
	limiter := ratelimit.NewPerRetailer(0, 0)
	return NewManager(db, scraper, limiter, metrics.New(), cfg, slog.Default())
}

func TestJobQueue(t *testing.T) {
	// Skip tests if no database is available
	t.Skip("Test database not configured")

	ctx := context.Background()
	db := setupTestDB(t)
	defer db.Close()

	listing := &database.Listing{
		Retailer:   "ozon",
		ExternalID: "146972802",
		URL:        "https://www.ozon.ru/product/kofe-molotyy-146972802/",
	}
	require.NoError(t, db.UpsertListing(ctx, listing))

	t.Run("EnqueueJobIsIdempotent", func(t *testing.T) {
		manager := testManager(db, nil)

		job, err := manager.EnqueueJob(ctx, listing.ID, JobTypeReviews)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, JobStatusPending, job.Status)
		assert.Equal(t, JobTypeReviews, job.JobType)

		// A second enqueue returns the queued job instead of a new one.
		again, err := manager.EnqueueJob(ctx, listing.ID, JobTypeReviews)
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, job.ID, again.ID)

		// A different job type queues separately.
		priceJob, err := manager.EnqueueJob(ctx, listing.ID, JobTypePrice)
		require.NoError(t, err)
		assert.NotEqual(t, job.ID, priceJob.ID)
	})

	t.Run("WorkerCompletesJob", func(t *testing.T) {
		scraped := 0
		manager := testManager(db, scrapeFunc(func(ctx context.Context, l *database.Listing, collectReviews bool) error {
			scraped++
			assert.Equal(t, listing.ID, l.ID)
			assert.True(t, collectReviews)
			return nil
		}))

		job, err := manager.EnqueueJob(ctx, listing.ID, JobTypeReviews)
		require.NoError(t, err)

		processed, err := manager.processNextJob(ctx)
		require.NoError(t, err)
		assert.True(t, processed)
		assert.Equal(t, 1, scraped)

		done, err := manager.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, JobStatusCompleted, done.Status)
		assert.Equal(t, 1, done.Attempts)
		assert.NotNil(t, done.CompletedAt)
	})

	t.Run("FailedJobRetriesThenFails", func(t *testing.T) {
		manager := testManager(db, scrapeFunc(func(ctx context.Context, l *database.Listing, collectReviews bool) error {
			return errors.New("navigation timeout")
		}))

		job, err := manager.EnqueueJob(ctx, listing.ID, JobTypePrice)
		require.NoError(t, err)

		// First attempt goes back to pending.
		_, err = manager.processNextJob(ctx)
		require.NoError(t, err)
		after, err := manager.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, JobStatusPending, after.Status)
		assert.Equal(t, 1, after.Attempts)
		assert.Contains(t, after.LastError, "navigation timeout")

		// Second attempt exhausts MaxAttempts.
		_, err = manager.processNextJob(ctx)
		require.NoError(t, err)
		after, err = manager.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, JobStatusFailed, after.Status)
		assert.Equal(t, 2, after.Attempts)
	})

	t.Run("SchedulerQueuesDueListings", func(t *testing.T) {
		manager := testManager(db, nil)
		manager.cfg.ScrapeInterval = 0 // everything is due

		require.NoError(t, manager.scheduleDueListings(ctx))

		jobs, err := manager.ListJobs(ctx, string(JobStatusPending), 10)
		require.NoError(t, err)
		assert.NotEmpty(t, jobs)

		// Re-running the scheduler does not duplicate pending jobs.
		require.NoError(t, manager.scheduleDueListings(ctx))
		again, err := manager.ListJobs(ctx, string(JobStatusPending), 10)
		require.NoError(t, err)
		assert.Equal(t, len(jobs), len(again))
	})

	t.Run("FailStaleJobs", func(t *testing.T) {
		manager := testManager(db, nil)

		job, err := manager.EnqueueJob(ctx, listing.ID, JobTypePrice)
		require.NoError(t, err)

		_, err = db.Exec(ctx, `
			UPDATE scrape_jobs SET status = 'running', started_at = NOW() - INTERVAL '2 hours'
			WHERE id = $1`, job.ID)
		require.NoError(t, err)

		failed, err := manager.FailStaleJobs(ctx, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(1), failed)

		stale, err := manager.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, JobStatusFailed, stale.Status)
		assert.Equal(t, "worker timed out", stale.LastError)
	})

	t.Run("GetStats", func(t *testing.T) {
		manager := testManager(db, nil)

		stats, err := manager.GetStats(ctx)
		require.NoError(t, err)
		assert.NotEmpty(t, stats.Jobs)
		assert.NotEmpty(t, stats.Listings)
	})
}
