package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stayreel/renderpipe/internal/models"
)

var ErrRenderNotFound = fmt.Errorf("render result not found")

func (db *DB) CreateRenderResult(ctx context.Context, r *models.RenderResult) error {
	query := `
		INSERT INTO render_results (
			job_id, submitter_id, property_id, storage_path, duration_ms,
			size_bytes, signed_url, url_expires_at, delete_after
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`

	return db.QueryRowContext(
		ctx, query,
		r.JobID, r.SubmitterID, r.PropertyID, r.StoragePath, r.DurationMs,
		r.SizeBytes, r.SignedURL, r.URLExpiresAt, r.DeleteAfter,
	).Scan(&r.CreatedAt)
}

func (db *DB) GetRenderResult(ctx context.Context, jobID uuid.UUID) (*models.RenderResult, error) {
	query := `
		SELECT job_id, submitter_id, property_id, storage_path, duration_ms,
			size_bytes, signed_url, url_expires_at, delete_after, created_at
		FROM render_results
		WHERE job_id = $1
	`

	r := &models.RenderResult{}
	err := db.QueryRowContext(ctx, query, jobID).Scan(
		&r.JobID, &r.SubmitterID, &r.PropertyID, &r.StoragePath, &r.DurationMs,
		&r.SizeBytes, &r.SignedURL, &r.URLExpiresAt, &r.DeleteAfter, &r.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrRenderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get render result: %w", err)
	}

	return r, nil
}

// UpdateRenderSignedURL stores a freshly issued signed URL and its expiry.
func (db *DB) UpdateRenderSignedURL(ctx context.Context, jobID uuid.UUID, signedURL string, expiresAt time.Time) error {
	query := `UPDATE render_results SET signed_url = $1, url_expires_at = $2 WHERE job_id = $3`
	_, err := db.ExecContext(ctx, query, signedURL, expiresAt, jobID)
	return err
}

// ListRenderResults returns one page of a submitter's renders, newest
// first. When includeExpired is false, rows whose signed URL has lapsed
// are filtered out.
func (db *DB) ListRenderResults(ctx context.Context, submitterID uuid.UUID, limit, offset int, includeExpired bool) ([]models.RenderResult, int, error) {
	where := `WHERE submitter_id = $1`
	if !includeExpired {
		where += ` AND url_expires_at > NOW()`
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM render_results ` + where
	if err := db.QueryRowContext(ctx, countQuery, submitterID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count renders: %w", err)
	}

	query := `
		SELECT job_id, submitter_id, property_id, storage_path, duration_ms,
			size_bytes, signed_url, url_expires_at, delete_after, created_at
		FROM render_results ` + where + `
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := db.QueryContext(ctx, query, submitterID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query renders: %w", err)
	}
	defer rows.Close()

	var results []models.RenderResult
	for rows.Next() {
		var r models.RenderResult
		if err := rows.Scan(
			&r.JobID, &r.SubmitterID, &r.PropertyID, &r.StoragePath, &r.DurationMs,
			&r.SizeBytes, &r.SignedURL, &r.URLExpiresAt, &r.DeleteAfter, &r.CreatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("failed to scan render: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// ListExpiredRenderResults returns every render past its scheduled
// deletion timestamp. Used by the cleanup pass.
func (db *DB) ListExpiredRenderResults(ctx context.Context, now time.Time) ([]models.RenderResult, error) {
	query := `
		SELECT job_id, submitter_id, property_id, storage_path, duration_ms,
			size_bytes, signed_url, url_expires_at, delete_after, created_at
		FROM render_results
		WHERE delete_after <= $1
	`

	rows, err := db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired renders: %w", err)
	}
	defer rows.Close()

	var results []models.RenderResult
	for rows.Next() {
		var r models.RenderResult
		if err := rows.Scan(
			&r.JobID, &r.SubmitterID, &r.PropertyID, &r.StoragePath, &r.DurationMs,
			&r.SizeBytes, &r.SignedURL, &r.URLExpiresAt, &r.DeleteAfter, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan expired render: %w", err)
		}
		results = append(results, r)
	}

	return results, rows.Err()
}

func (db *DB) DeleteRenderResult(ctx context.Context, jobID uuid.UUID) error {
	_, err := db.ExecContext(ctx, `DELETE FROM render_results WHERE job_id = $1`, jobID)
	return err
}
