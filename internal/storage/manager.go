package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stayreel/renderpipe/internal/models"
)

// ObjectStore is the slice of Client the manager needs.
type ObjectStore interface {
	UploadFile(ctx context.Context, storagePath, localPath, contentType string) error
	SignURL(ctx context.Context, path string, expiresIn time.Duration) (string, error)
	Delete(ctx context.Context, path string) error
}

// renderStore is the slice of the database layer the manager needs.
type renderStore interface {
	CreateRenderResult(ctx context.Context, r *models.RenderResult) error
	GetRenderResult(ctx context.Context, jobID uuid.UUID) (*models.RenderResult, error)
	UpdateRenderSignedURL(ctx context.Context, jobID uuid.UUID, signedURL string, expiresAt time.Time) error
	ListRenderResults(ctx context.Context, submitterID uuid.UUID, limit, offset int, includeExpired bool) ([]models.RenderResult, int, error)
	ListExpiredRenderResults(ctx context.Context, now time.Time) ([]models.RenderResult, error)
	DeleteRenderResult(ctx context.Context, jobID uuid.UUID) error
}

// Manager owns the lifecycle of finished renders: placement in object
// storage, signed URL issuance and refresh, and retention cleanup.
type Manager struct {
	store     ObjectStore
	db        renderStore
	signTTL   time.Duration
	retention time.Duration
	logger    zerolog.Logger
}

func NewManager(store ObjectStore, db renderStore, signTTL, retention time.Duration, logger zerolog.Logger) *Manager {
	return &Manager{
		store:     store,
		db:        db,
		signTTL:   signTTL,
		retention: retention,
		logger:    logger.With().Str("component", "render_manager").Logger(),
	}
}

// RenderPath builds the deterministic storage key for a job's output:
// video-renders/{date}/{propertyID}/{jobID}.mp4. Deterministic so a
// retried upload overwrites its own partial object.
func RenderPath(propertyID, jobID uuid.UUID, createdAt time.Time) string {
	return fmt.Sprintf("video-renders/%s/%s/%s.mp4",
		createdAt.UTC().Format("2006-01-02"), propertyID, jobID)
}

// StoreRender uploads a composed video, issues its first signed URL and
// persists the render record with its retention deadline.
func (m *Manager) StoreRender(ctx context.Context, job *models.Job, localPath string, durationMs int, sizeBytes int64) (*models.RenderResult, error) {
	now := time.Now().UTC()
	path := RenderPath(job.PropertyID, job.ID, now)

	if err := m.store.UploadFile(ctx, path, localPath, "video/mp4"); err != nil {
		return nil, fmt.Errorf("failed to upload render: %w", err)
	}

	signedURL, err := m.store.SignURL(ctx, path, m.signTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to sign render URL: %w", err)
	}

	result := &models.RenderResult{
		JobID:        job.ID,
		SubmitterID:  job.SubmitterID,
		PropertyID:   job.PropertyID,
		StoragePath:  path,
		DurationMs:   durationMs,
		SizeBytes:    sizeBytes,
		SignedURL:    signedURL,
		URLExpiresAt: now.Add(m.signTTL),
		DeleteAfter:  now.Add(m.retention),
	}

	if err := m.db.CreateRenderResult(ctx, result); err != nil {
		return nil, fmt.Errorf("failed to persist render result: %w", err)
	}

	m.logger.Info().
		Str("job_id", job.ID.String()).
		Str("path", path).
		Int64("size_bytes", sizeBytes).
		Msg("render stored")

	return result, nil
}

// RefreshSignedURL issues a new signed URL for a render whose object is
// still within the retention window. Past the window the object is gone
// or about to be, so refresh is refused.
func (m *Manager) RefreshSignedURL(ctx context.Context, jobID uuid.UUID) (*models.RefreshURLResponse, error) {
	result, err := m.db.GetRenderResult(ctx, jobID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if !now.Before(result.DeleteAfter) {
		return nil, fmt.Errorf("render %s is past its retention window", jobID)
	}

	signedURL, err := m.store.SignURL(ctx, result.StoragePath, m.signTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to sign render URL: %w", err)
	}

	expiresAt := now.Add(m.signTTL)
	if err := m.db.UpdateRenderSignedURL(ctx, jobID, signedURL, expiresAt); err != nil {
		return nil, fmt.Errorf("failed to store refreshed URL: %w", err)
	}

	return &models.RefreshURLResponse{SignedURL: signedURL, ExpiresAt: expiresAt}, nil
}

// ListForSubmitter returns one page of a submitter's renders annotated
// with expiry and refreshability.
func (m *Manager) ListForSubmitter(ctx context.Context, submitterID uuid.UUID, page, pageSize int, includeExpired bool) (*models.ListRendersResponse, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	results, total, err := m.db.ListRenderResults(ctx, submitterID, pageSize, (page-1)*pageSize, includeExpired)
	if err != nil {
		return nil, fmt.Errorf("failed to list renders: %w", err)
	}

	now := time.Now().UTC()
	summaries := make([]models.RenderSummary, 0, len(results))
	for _, r := range results {
		summaries = append(summaries, models.RenderSummary{
			JobID:        r.JobID,
			PropertyID:   r.PropertyID,
			StoragePath:  r.StoragePath,
			DurationMs:   r.DurationMs,
			SizeBytes:    r.SizeBytes,
			SignedURL:    r.SignedURL,
			URLExpiresAt: r.URLExpiresAt,
			DeleteAfter:  r.DeleteAfter,
			CreatedAt:    r.CreatedAt,
			IsExpired:    !now.Before(r.URLExpiresAt),
			CanRefresh:   now.Before(r.DeleteAfter),
		})
	}

	return &models.ListRendersResponse{
		Renders:  summaries,
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	}, nil
}

// CleanupExpired deletes every render past its retention deadline, both
// the stored object and its record. One render's failure does not stop
// the pass; failures are collected into the report and retried on the
// next run.
func (m *Manager) CleanupExpired(ctx context.Context) (*models.CleanupReport, error) {
	expired, err := m.db.ListExpiredRenderResults(ctx, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list expired renders: %w", err)
	}

	report := &models.CleanupReport{}
	for _, r := range expired {
		if err := m.store.Delete(ctx, r.StoragePath); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", r.JobID, err))
			continue
		}
		if err := m.db.DeleteRenderResult(ctx, r.JobID); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", r.JobID, err))
			continue
		}
		report.DeletedCount++
	}

	if report.DeletedCount > 0 || len(report.Errors) > 0 {
		m.logger.Info().
			Int("deleted", report.DeletedCount).
			Int("errors", len(report.Errors)).
			Msg("retention cleanup pass complete")
	}

	return report, nil
}
