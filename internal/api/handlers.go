package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stayreel/renderpipe/internal/db"
	"github.com/stayreel/renderpipe/internal/models"
	"github.com/stayreel/renderpipe/internal/queue"
)

const maxAssetsPerJob = 10

// Narrow views of the handler's collaborators; the concrete db, queue
// and storage types satisfy them, tests substitute fakes.

type jobStore interface {
	CreateJob(ctx context.Context, job *models.Job) error
	CreateJobAssets(ctx context.Context, assets []models.JobAsset) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	MarkJobFailed(ctx context.Context, id uuid.UUID, errorMessage string) error
	CountJobsByStatus(ctx context.Context, statuses ...models.JobStatus) (int64, error)
	GetMonthlyQuota(ctx context.Context, submitterID uuid.UUID, month string) (*models.MonthlyQuota, error)
}

type jobQueue interface {
	Admit(ctx context.Context, job *models.Job) error
	Release(ctx context.Context, job *models.Job)
	Enqueue(ctx context.Context, jobID uuid.UUID, priority int) (int64, error)
	State(ctx context.Context, job *models.Job) models.QueueState
	Position(ctx context.Context, jobID uuid.UUID) *int64
	Cancel(ctx context.Context, job *models.Job) (bool, error)
	Stats(ctx context.Context) (*models.QueueStats, error)
}

type renderService interface {
	ListForSubmitter(ctx context.Context, submitterID uuid.UUID, page, pageSize int, includeExpired bool) (*models.ListRendersResponse, error)
	RefreshSignedURL(ctx context.Context, jobID uuid.UUID) (*models.RefreshURLResponse, error)
}

type Handler struct {
	db         jobStore
	queue      jobQueue
	renders    renderService
	quotaLimit int
	logger     zerolog.Logger
}

func NewHandler(store jobStore, q jobQueue, renders renderService, quotaLimit int, logger zerolog.Logger) *Handler {
	return &Handler{
		db:         store,
		queue:      q,
		renders:    renders,
		quotaLimit: quotaLimit,
		logger:     logger.With().Str("component", "api").Logger(),
	}
}

// SubmitJob handles POST /v1/render-jobs
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req models.SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.SubmitterID == uuid.Nil || req.PropertyID == uuid.Nil || req.TemplateID == uuid.Nil {
		respondError(w, http.StatusBadRequest, "submitter_id, property_id and template_id are required")
		return
	}
	if len(req.Assets) == 0 {
		respondError(w, http.StatusBadRequest, "At least one input image is required")
		return
	}
	if len(req.Assets) > maxAssetsPerJob {
		respondError(w, http.StatusBadRequest, "Too many input images (max 10)")
		return
	}
	for _, a := range req.Assets {
		if a.SlotKey == "" || !strings.HasPrefix(a.ImageURL, "http") {
			respondError(w, http.StatusBadRequest, "Each asset needs a slot_key and an http(s) image_url")
			return
		}
	}

	mode := models.ModeFast
	if req.Mode != nil {
		switch *req.Mode {
		case models.ModeFast, models.ModeRelaxed:
			mode = *req.Mode
		default:
			respondError(w, http.StatusBadRequest, "mode must be fast or relaxed")
			return
		}
	}

	priority := 0
	if req.Priority != nil {
		priority = *req.Priority
		if priority < 0 || priority > 9 {
			respondError(w, http.StatusBadRequest, "priority must be between 0 and 9")
			return
		}
	}

	job := &models.Job{
		ID:           uuid.New(),
		SubmitterID:  req.SubmitterID,
		PropertyID:   req.PropertyID,
		TemplateID:   req.TemplateID,
		Mode:         mode,
		Variables:    req.Variables,
		DedupKey:     queue.ComputeDedupKey(req.TemplateID, req.Assets, req.Variables),
		Priority:     priority,
		Status:       models.JobStatusQueued,
		Step:         "queued",
		ContactEmail: req.ContactEmail,
	}

	if err := h.queue.Admit(r.Context(), job); err != nil {
		switch {
		case errors.Is(err, queue.ErrDuplicate):
			respondError(w, http.StatusConflict, "An identical render is already in progress")
		case errors.Is(err, queue.ErrSubmitterBusy):
			respondError(w, http.StatusTooManyRequests, "Too many renders in progress for this account")
		case errors.Is(err, queue.ErrRateLimited):
			respondError(w, http.StatusTooManyRequests, "The render service is busy, try again shortly")
		default:
			h.logger.Error().Err(err).Msg("admission check failed")
			respondError(w, http.StatusInternalServerError, "Failed to admit job")
		}
		return
	}

	if err := h.db.CreateJob(r.Context(), job); err != nil {
		h.queue.Release(r.Context(), job)
		h.logger.Error().Err(err).Msg("failed to persist job")
		respondError(w, http.StatusInternalServerError, "Failed to create job")
		return
	}

	assets := make([]models.JobAsset, len(req.Assets))
	for i, a := range req.Assets {
		assets[i] = models.JobAsset{
			ID:       uuid.New(),
			JobID:    job.ID,
			SlotKey:  a.SlotKey,
			ImageURL: a.ImageURL,
			Position: i,
		}
	}
	if err := h.db.CreateJobAssets(r.Context(), assets); err != nil {
		h.queue.Release(r.Context(), job)
		h.logger.Error().Err(err).Msg("failed to persist job assets")
		respondError(w, http.StatusInternalServerError, "Failed to create job")
		return
	}

	position, err := h.queue.Enqueue(r.Context(), job.ID, job.Priority)
	if err != nil {
		// The job was admitted but never reached the waiting queue:
		// free its reservations so an equivalent resubmission is
		// accepted, and finalize the orphaned row.
		h.queue.Release(r.Context(), job)
		if ferr := h.db.MarkJobFailed(r.Context(), job.ID, "job could not be scheduled"); ferr != nil {
			h.logger.Error().Err(ferr).Str("job_id", job.ID.String()).Msg("failed to finalize unscheduled job")
		}
		h.logger.Error().Err(err).Msg("failed to enqueue job")
		respondError(w, http.StatusInternalServerError, "Failed to enqueue job")
		return
	}

	respondJSON(w, http.StatusCreated, models.SubmitJobResponse{
		JobID:         job.ID,
		QueuePosition: position,
	})
}

// GetJob handles GET /v1/render-jobs/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid job id")
		return
	}

	job, err := h.db.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, db.ErrJobNotFound) {
			respondError(w, http.StatusNotFound, "Job not found")
			return
		}
		h.logger.Error().Err(err).Str("job_id", jobID.String()).Msg("failed to load job")
		respondError(w, http.StatusInternalServerError, "Failed to load job")
		return
	}

	state := h.queue.State(r.Context(), job)

	resp := models.JobStatusResponse{
		State:    state,
		Progress: job.Progress,
		Job:      job,
	}
	if state == models.StateWaiting {
		resp.QueuePosition = h.queue.Position(r.Context(), jobID)
	}

	respondJSON(w, http.StatusOK, resp)
}

// CancelJob handles DELETE /v1/render-jobs/{id}. A waiting or delayed
// job is removed outright; an active job is flagged and stops at its
// next stage boundary.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid job id")
		return
	}

	job, err := h.db.GetJob(r.Context(), jobID)
	if err != nil {
		respondError(w, http.StatusNotFound, "Job not found")
		return
	}

	if job.Status.Terminal() {
		respondError(w, http.StatusConflict, "Job already finished")
		return
	}

	cancelled, err := h.queue.Cancel(r.Context(), job)
	if err != nil {
		h.logger.Error().Err(err).Str("job_id", jobID.String()).Msg("cancel failed")
		respondError(w, http.StatusInternalServerError, "Failed to cancel job")
		return
	}
	if !cancelled {
		respondError(w, http.StatusConflict, "Job is no longer cancellable")
		return
	}

	// A job pulled off the queue never reaches a worker again, so its
	// record is finalized here. Active jobs finalize at the worker's
	// next cancel checkpoint.
	if job.Status == models.JobStatusQueued {
		if err := h.db.MarkJobFailed(r.Context(), jobID, "cancelled by submitter"); err != nil {
			h.logger.Error().Err(err).Str("job_id", jobID.String()).Msg("failed to finalize cancelled job")
		}
	}

	respondJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// QueueStats handles GET /v1/render-jobs/stats
func (h *Handler) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queue.Stats(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to read queue stats")
		respondError(w, http.StatusInternalServerError, "Failed to read queue stats")
		return
	}

	// All-time outcome counts come from the store; the queue only
	// retains a bounded window. Best effort, the snapshot is still
	// useful without them.
	if delivered, err := h.db.CountJobsByStatus(r.Context(), models.JobStatusDelivered); err == nil {
		stats.DeliveredTotal = delivered
	} else {
		h.logger.Warn().Err(err).Msg("could not count delivered jobs")
	}
	if failed, err := h.db.CountJobsByStatus(r.Context(), models.JobStatusFailed); err == nil {
		stats.FailedTotal = failed
	} else {
		h.logger.Warn().Err(err).Msg("could not count failed jobs")
	}

	respondJSON(w, http.StatusOK, stats)
}

// GetQuota handles GET /v1/quotas/{submitterId}
// Query params:
//   - month: "2006-01" format, defaults to the current month
func (h *Handler) GetQuota(w http.ResponseWriter, r *http.Request) {
	submitterID, err := uuid.Parse(chi.URLParam(r, "submitterId"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid submitter id")
		return
	}

	month := r.URL.Query().Get("month")
	if month == "" {
		month = time.Now().UTC().Format("2006-01")
	} else if _, err := time.Parse("2006-01", month); err != nil {
		respondError(w, http.StatusBadRequest, "month must use the 2006-01 format")
		return
	}

	resp := models.QuotaStatusResponse{
		SubmitterID: submitterID,
		Month:       month,
		Limit:       h.quotaLimit,
	}

	quota, err := h.db.GetMonthlyQuota(r.Context(), submitterID, month)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to read quota")
		respondError(w, http.StatusInternalServerError, "Failed to read quota")
		return
	}
	if quota != nil {
		resp.Used = quota.Used
		resp.Limit = quota.Limit
	}

	resp.Remaining = resp.Limit - resp.Used
	if resp.Remaining < 0 {
		resp.Remaining = 0
	}

	respondJSON(w, http.StatusOK, resp)
}

// ListRenders handles GET /v1/renders
// Query params:
//   - submitter_id: required
//   - page, page_size: pagination (default 1 / 20)
//   - include_expired: include renders whose signed URL has lapsed
func (h *Handler) ListRenders(w http.ResponseWriter, r *http.Request) {
	submitterID, err := uuid.Parse(r.URL.Query().Get("submitter_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "submitter_id is required")
		return
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))
	includeExpired := r.URL.Query().Get("include_expired") == "true"

	resp, err := h.renders.ListForSubmitter(r.Context(), submitterID, page, pageSize, includeExpired)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to list renders")
		respondError(w, http.StatusInternalServerError, "Failed to list renders")
		return
	}

	respondJSON(w, http.StatusOK, resp)
}

// RefreshRenderURL handles POST /v1/renders/{jobId}/refresh
func (h *Handler) RefreshRenderURL(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobId"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid job id")
		return
	}

	resp, err := h.renders.RefreshSignedURL(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, db.ErrRenderNotFound) {
			respondError(w, http.StatusNotFound, "Render not found")
			return
		}
		if strings.Contains(err.Error(), "retention window") {
			respondError(w, http.StatusGone, "Render is past its retention window")
			return
		}
		h.logger.Error().Err(err).Str("job_id", jobID.String()).Msg("failed to refresh signed URL")
		respondError(w, http.StatusInternalServerError, "Failed to refresh URL")
		return
	}

	respondJSON(w, http.StatusOK, resp)
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
