package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/retailmon/market-scraper/internal/database"
	"github.com/retailmon/market-scraper/internal/metrics"
	"github.com/retailmon/market-scraper/internal/ratelimit"
)

type JobType string

const (
	// JobTypePrice captures a price snapshot only.
	JobTypePrice JobType = "price"
	// JobTypeReviews captures a price snapshot plus a review pass.
	JobTypeReviews JobType = "reviews"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

type Job struct {
	ID          uuid.UUID  `json:"id"`
	ListingID   uuid.UUID  `json:"listing_id"`
	JobType     JobType    `json:"job_type"`
	Status      JobStatus  `json:"status"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Stats aggregates queue and catalog counters for the stats endpoint.
type Stats struct {
	Jobs      map[string]int `json:"jobs"`
	Listings  map[string]int `json:"listings"`
	Snapshots int            `json:"snapshots"`
	Reviews   int            `json:"reviews"`
}

type Config struct {
	PollInterval     time.Duration
	ScrapeInterval   time.Duration
	ScheduleInterval time.Duration
	BatchSize        int
	MaxAttempts      int
	CollectReviews   bool
}

// ListingScraper runs a full scrape pass for one listing.
type ListingScraper interface {
	ScrapeListing(ctx context.Context, listing *database.Listing, collectReviews bool) error
}

// Manager owns the scrape job queue: enqueueing, scheduling due
// listings and running the worker loop.
type Manager struct {
	db      *database.DB
	scraper ListingScraper
	limiter *ratelimit.PerRetailer
	metrics *metrics.Metrics
	cfg     Config
	logger  *slog.Logger
}

func NewManager(db *database.DB, scraper ListingScraper, limiter *ratelimit.PerRetailer, m *metrics.Metrics, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		db:      db,
		scraper: scraper,
		limiter: limiter,
		metrics: m,
		cfg:     cfg,
		logger:  logger.With("component", "jobs"),
	}
}

// DefaultJobType is what scheduled and freshly registered listings get.
func (m *Manager) DefaultJobType() JobType {
	if m.cfg.CollectReviews {
		return JobTypeReviews
	}
	return JobTypePrice
}

const jobColumns = `
	id, listing_id, job_type, status, attempts, last_error,
	created_at, started_at, completed_at`

func scanJob(row pgx.Row) (*Job, error) {
	job := &Job{}
	var lastError sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&job.ID, &job.ListingID, &job.JobType, &job.Status, &job.Attempts, &lastError,
		&job.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	job.LastError = lastError.String
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return job, nil
}

// enqueueQuery inserts a job unless the listing already has one of the
// same type pending or running, which makes enqueueing idempotent.
const enqueueQuery = `
	INSERT INTO scrape_jobs (id, listing_id, job_type, status)
	SELECT $1, $2, $3, 'pending'
	WHERE NOT EXISTS (
		SELECT 1 FROM scrape_jobs
		WHERE listing_id = $2 AND job_type = $3 AND status IN ('pending', 'running')
	)`

// EnqueueJob queues a scrape job for a listing. When an equivalent job
// is already queued the existing job is returned instead.
func (m *Manager) EnqueueJob(ctx context.Context, listingID uuid.UUID, jobType JobType) (*Job, error) {
	id := uuid.New()

	tag, err := m.db.Exec(ctx, enqueueQuery, id, listingID, jobType)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return m.activeJob(ctx, listingID, jobType)
	}

	m.logger.Info("job enqueued", "job_id", id, "listing_id", listingID, "job_type", jobType)
	return m.GetJob(ctx, id)
}

func (m *Manager) enqueueTx(ctx context.Context, tx pgx.Tx, listingID uuid.UUID, jobType JobType) (bool, error) {
	tag, err := tx.Exec(ctx, enqueueQuery, uuid.New(), listingID, jobType)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (m *Manager) activeJob(ctx context.Context, listingID uuid.UUID, jobType JobType) (*Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM scrape_jobs
		WHERE listing_id = $1 AND job_type = $2 AND status IN ('pending', 'running')
		ORDER BY created_at DESC
		LIMIT 1`

	job, err := scanJob(m.db.QueryRow(ctx, query, listingID, jobType))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active job: %w", err)
	}
	return job, nil
}

// GetJob retrieves a job by ID. Returns nil when not found.
func (m *Manager) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM scrape_jobs WHERE id = $1`

	job, err := scanJob(m.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListJobs returns recent jobs, optionally filtered by status.
func (m *Manager) ListJobs(ctx context.Context, status string, limit int) ([]*Job, error) {
	query := `SELECT ` + jobColumns + `
		FROM scrape_jobs
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := m.db.Query(ctx, query, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return jobs, nil
}

// GetStats collects job, listing, snapshot and review counters.
func (m *Manager) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		Jobs:     make(map[string]int),
		Listings: make(map[string]int),
	}

	rows, err := m.db.Query(ctx, `SELECT status, COUNT(*) FROM scrape_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		stats.Jobs[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	byStatus, err := m.db.CountListingsByStatus(ctx)
	if err != nil {
		return nil, err
	}
	for status, count := range byStatus {
		stats.Listings[string(status)] = count
	}

	if err := m.db.QueryRow(ctx, `SELECT COUNT(*) FROM price_snapshots`).Scan(&stats.Snapshots); err != nil {
		return nil, fmt.Errorf("failed to count snapshots: %w", err)
	}
	if err := m.db.QueryRow(ctx, `SELECT COUNT(*) FROM reviews`).Scan(&stats.Reviews); err != nil {
		return nil, fmt.Errorf("failed to count reviews: %w", err)
	}

	return stats, nil
}

// FailStaleJobs fails running jobs whose worker died mid-scrape, so
// their listings become schedulable again.
func (m *Manager) FailStaleJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		UPDATE scrape_jobs SET
			status = 'failed',
			last_error = 'worker timed out',
			completed_at = NOW()
		WHERE status = 'running' AND started_at < $1`

	tag, err := m.db.Exec(ctx, query, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to fail stale jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// StartScheduler periodically claims listings due for a scrape and
// queues jobs for them. Blocks until the context is cancelled.
func (m *Manager) StartScheduler(ctx context.Context) {
	m.logger.Info("job scheduler started",
		"interval", m.cfg.ScheduleInterval,
		"scrape_interval", m.cfg.ScrapeInterval)

	ticker := time.NewTicker(m.cfg.ScheduleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("job scheduler stopping")
			return
		case <-ticker.C:
			if err := m.scheduleDueListings(ctx); err != nil {
				m.logger.Error("failed to schedule due listings", "error", err)
			}
		}
	}
}

func (m *Manager) scheduleDueListings(ctx context.Context) error {
	jobType := m.DefaultJobType()

	queued := 0
	err := m.db.Transaction(ctx, func(tx pgx.Tx) error {
		listings, err := m.db.ClaimDueListings(ctx, tx, m.cfg.ScrapeInterval, m.cfg.BatchSize)
		if err != nil {
			return err
		}
		for _, listing := range listings {
			inserted, err := m.enqueueTx(ctx, tx, listing.ID, jobType)
			if err != nil {
				return err
			}
			if inserted {
				queued++
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if queued > 0 {
		m.logger.Info("queued due listings", "count", queued, "job_type", jobType)
	}
	return nil
}
