package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// StartWorker polls for pending jobs and runs them. Blocks until the
// context is cancelled. Multiple workers can run against the same
// queue: claims use FOR UPDATE SKIP LOCKED.
func (m *Manager) StartWorker(ctx context.Context) {
	m.logger.Info("job worker started",
		"poll_interval", m.cfg.PollInterval,
		"batch_size", m.cfg.BatchSize)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("job worker stopping")
			return
		case <-ticker.C:
			m.processBatch(ctx)
		}
	}
}

func (m *Manager) processBatch(ctx context.Context) {
	for i := 0; i < m.cfg.BatchSize; i++ {
		processed, err := m.processNextJob(ctx)
		if err != nil {
			m.logger.Error("failed to process job", "error", err)
			return
		}
		if !processed {
			break
		}
	}
	m.reportQueueDepth(ctx)
}

// processNextJob claims the oldest pending job and runs it. The claim
// happens in its own transaction so the row lock is released before the
// scrape starts; the running status keeps other workers away.
func (m *Manager) processNextJob(ctx context.Context) (bool, error) {
	var job *Job

	err := m.db.Transaction(ctx, func(tx pgx.Tx) error {
		query := `SELECT ` + jobColumns + `
			FROM scrape_jobs
			WHERE status = 'pending'
			ORDER BY created_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED`

		claimed, err := scanJob(tx.QueryRow(ctx, query))
		if err == pgx.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to claim job: %w", err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE scrape_jobs SET
				status = 'running',
				attempts = attempts + 1,
				started_at = NOW()
			WHERE id = $1`, claimed.ID)
		if err != nil {
			return fmt.Errorf("failed to mark job running: %w", err)
		}

		claimed.Status = JobStatusRunning
		claimed.Attempts++
		job = claimed
		return nil
	})
	if err != nil || job == nil {
		return false, err
	}

	m.runJob(ctx, job)
	return true, nil
}

func (m *Manager) runJob(ctx context.Context, job *Job) {
	logger := m.logger.With(
		"job_id", job.ID,
		"listing_id", job.ListingID,
		"job_type", job.JobType,
		"attempt", job.Attempts)

	listing, err := m.db.GetListing(ctx, job.ListingID)
	if err != nil {
		m.failJob(ctx, job, err, logger)
		return
	}
	if listing == nil {
		// The listing was deleted after the job was queued.
		m.finishJob(ctx, job, JobStatusFailed, "listing no longer exists")
		logger.Warn("job dropped, listing no longer exists")
		return
	}

	limiter := m.limiter.Get(listing.Retailer)
	if err := limiter.Wait(ctx); err != nil {
		m.failJob(ctx, job, err, logger)
		return
	}

	if err := m.scraper.ScrapeListing(ctx, listing, job.JobType == JobTypeReviews); err != nil {
		limiter.RecordError()
		m.failJob(ctx, job, err, logger)
		return
	}

	limiter.RecordSuccess()
	m.finishJob(ctx, job, JobStatusCompleted, "")
	logger.Info("job completed")
}

// failJob requeues the job for another attempt, or fails it for good
// once attempts are exhausted.
func (m *Manager) failJob(ctx context.Context, job *Job, jobErr error, logger *slog.Logger) {
	status := JobStatusPending
	if job.Attempts >= m.cfg.MaxAttempts {
		status = JobStatusFailed
	}

	m.finishJob(ctx, job, status, jobErr.Error())
	logger.Warn("job attempt failed", "error", jobErr, "status", status)
}

func (m *Manager) finishJob(ctx context.Context, job *Job, status JobStatus, lastError string) {
	var query string
	switch status {
	case JobStatusCompleted, JobStatusFailed:
		query = `
			UPDATE scrape_jobs SET
				status = $2,
				last_error = NULLIF($3, ''),
				completed_at = NOW()
			WHERE id = $1`
	default:
		query = `
			UPDATE scrape_jobs SET
				status = $2,
				last_error = NULLIF($3, ''),
				started_at = NULL
			WHERE id = $1`
	}

	if _, err := m.db.Exec(ctx, query, job.ID, status, lastError); err != nil {
		m.logger.Error("failed to update job status",
			"job_id", job.ID,
			"status", status,
			"error", err)
	}
}

func (m *Manager) reportQueueDepth(ctx context.Context) {
	var depth int
	err := m.db.QueryRow(ctx, `SELECT COUNT(*) FROM scrape_jobs WHERE status = 'pending'`).Scan(&depth)
	if err != nil {
		m.logger.Error("failed to measure queue depth", "error", err)
		return
	}
	m.metrics.SetQueueDepth(depth)
}
