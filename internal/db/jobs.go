package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stayreel/renderpipe/internal/models"
)

// ErrJobNotFound distinguishes a missing job row from a query failure.
// A missing row is final; a query failure is worth retrying.
var ErrJobNotFound = fmt.Errorf("job not found")

// CreateJob inserts a job record. The insert is idempotent: re-running
// it for an already-persisted job is a no-op.
func (db *DB) CreateJob(ctx context.Context, job *models.Job) error {
	query := `
		INSERT INTO jobs (
			id, submitter_id, property_id, template_id, mode, variables,
			dedup_key, priority, status, step, progress, attempts, contact_email
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := db.ExecContext(
		ctx, query,
		job.ID, job.SubmitterID, job.PropertyID, job.TemplateID, job.Mode,
		job.Variables, job.DedupKey, job.Priority, job.Status, job.Step,
		job.Progress, job.Attempts, job.ContactEmail,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (db *DB) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	query := `
		SELECT
			id, submitter_id, property_id, template_id, mode, variables,
			dedup_key, priority, status, step, progress, attempts,
			error_message, contact_email, created_at, started_at, completed_at
		FROM jobs
		WHERE id = $1
	`

	job := &models.Job{}
	err := db.QueryRowContext(ctx, query, id).Scan(
		&job.ID, &job.SubmitterID, &job.PropertyID, &job.TemplateID, &job.Mode,
		&job.Variables, &job.DedupKey, &job.Priority, &job.Status, &job.Step,
		&job.Progress, &job.Attempts, &job.ErrorMessage, &job.ContactEmail,
		&job.CreatedAt, &job.StartedAt, &job.CompletedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return job, nil
}

// UpdateJobProgress persists a stage checkpoint: status, human-readable
// step label and progress percentage. The WHERE clause enforces the
// monotonic stage order at the persistence layer: a terminal job is
// never updated again.
func (db *DB) UpdateJobProgress(ctx context.Context, id uuid.UUID, status models.JobStatus, step string, progress int) error {
	query := `
		UPDATE jobs
		SET status = $1, step = $2, progress = $3
		WHERE id = $4 AND status NOT IN ('delivered', 'failed')
	`
	_, err := db.ExecContext(ctx, query, status, step, progress, id)
	return err
}

func (db *DB) MarkJobStarted(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE jobs SET started_at = COALESCE(started_at, $1) WHERE id = $2`
	_, err := db.ExecContext(ctx, query, time.Now(), id)
	return err
}

func (db *DB) MarkJobDelivered(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE jobs
		SET status = 'delivered', step = 'delivered', progress = 100, completed_at = $1
		WHERE id = $2 AND status NOT IN ('delivered', 'failed')
	`
	_, err := db.ExecContext(ctx, query, time.Now(), id)
	return err
}

func (db *DB) MarkJobFailed(ctx context.Context, id uuid.UUID, errorMessage string) error {
	query := `
		UPDATE jobs
		SET status = 'failed', step = 'failed', error_message = $1, completed_at = $2
		WHERE id = $3 AND status NOT IN ('delivered', 'failed')
	`
	_, err := db.ExecContext(ctx, query, errorMessage, time.Now(), id)
	return err
}

// MarkJobDelayed resets a job to queued ahead of a scheduled retry and
// records the transient error for inspection.
func (db *DB) MarkJobDelayed(ctx context.Context, id uuid.UUID, errorMessage string) error {
	query := `
		UPDATE jobs
		SET status = 'queued', step = 'awaiting retry', progress = 0, error_message = $1
		WHERE id = $2 AND status NOT IN ('delivered', 'failed')
	`
	_, err := db.ExecContext(ctx, query, errorMessage, id)
	return err
}

// IncrementJobAttempts bumps the attempt counter and returns the new value.
func (db *DB) IncrementJobAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	query := `UPDATE jobs SET attempts = attempts + 1 WHERE id = $1 RETURNING attempts`

	var attempts int
	if err := db.QueryRowContext(ctx, query, id).Scan(&attempts); err != nil {
		return 0, fmt.Errorf("failed to increment attempts: %w", err)
	}
	return attempts, nil
}

func (db *DB) CountJobsByStatus(ctx context.Context, statuses ...models.JobStatus) (int64, error) {
	query := `SELECT COUNT(*) FROM jobs WHERE status = ANY($1)`

	list := make([]string, len(statuses))
	for i, s := range statuses {
		list[i] = string(s)
	}

	var count int64
	if err := db.QueryRowContext(ctx, query, pq.Array(list)).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return count, nil
}

// Job assets

func (db *DB) CreateJobAssets(ctx context.Context, assets []models.JobAsset) error {
	query := `
		INSERT INTO job_assets (id, job_id, slot_key, image_url, position)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`

	for _, a := range assets {
		if _, err := db.ExecContext(ctx, query, a.ID, a.JobID, a.SlotKey, a.ImageURL, a.Position); err != nil {
			return fmt.Errorf("failed to create job asset %s: %w", a.SlotKey, err)
		}
	}
	return nil
}

// GetJobAssets returns a job's assets in slot order.
func (db *DB) GetJobAssets(ctx context.Context, jobID uuid.UUID) ([]models.JobAsset, error) {
	query := `
		SELECT id, job_id, slot_key, image_url, position
		FROM job_assets
		WHERE job_id = $1
		ORDER BY position
	`

	rows, err := db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query job assets: %w", err)
	}
	defer rows.Close()

	var assets []models.JobAsset
	for rows.Next() {
		var a models.JobAsset
		if err := rows.Scan(&a.ID, &a.JobID, &a.SlotKey, &a.ImageURL, &a.Position); err != nil {
			return nil, fmt.Errorf("failed to scan job asset: %w", err)
		}
		assets = append(assets, a)
	}

	return assets, rows.Err()
}
