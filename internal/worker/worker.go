package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/stayreel/renderpipe/internal/db"
	"github.com/stayreel/renderpipe/internal/models"
	"github.com/stayreel/renderpipe/internal/services"
)

// Narrow views of the worker's collaborators. The concrete types from
// db, queue, storage and services satisfy them; tests substitute fakes.

type jobStore interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	GetJobAssets(ctx context.Context, jobID uuid.UUID) ([]models.JobAsset, error)
	GetTemplate(ctx context.Context, id uuid.UUID) (*models.Template, error)
	ConsumeMonthlyQuota(ctx context.Context, submitterID uuid.UUID, month string, limit int) (int, error)
	UpdateJobProgress(ctx context.Context, id uuid.UUID, status models.JobStatus, step string, progress int) error
	MarkJobStarted(ctx context.Context, id uuid.UUID) error
	MarkJobDelivered(ctx context.Context, id uuid.UUID) error
	MarkJobFailed(ctx context.Context, id uuid.UUID, errorMessage string) error
	MarkJobDelayed(ctx context.Context, id uuid.UUID, errorMessage string) error
	IncrementJobAttempts(ctx context.Context, id uuid.UUID) (int, error)
}

type jobQueue interface {
	Dequeue(ctx context.Context, timeout time.Duration) (uuid.UUID, error)
	ScheduleRetry(ctx context.Context, jobID uuid.UUID, attempt int) (time.Duration, error)
	Finish(ctx context.Context, job *models.Job, delivered bool)
	Drop(ctx context.Context, jobID uuid.UUID)
	CancelRequested(ctx context.Context, jobID uuid.UUID) bool
}

type videoComposer interface {
	Compose(ctx context.Context, jobID string, clipLocations []string, overlayText string) (*services.ComposeResult, error)
}

type renderManager interface {
	StoreRender(ctx context.Context, job *models.Job, localPath string, durationMs int, sizeBytes int64) (*models.RenderResult, error)
}

type jobNotifier interface {
	SendReady(jobID, submitterID, contactEmail, signedURL string) error
	SendFailed(jobID, submitterID, contactEmail, errorMessage string) error
}

// Enhancer is the optional prompt-polishing hook; a nil Enhancer
// disables enhancement.
type Enhancer interface {
	Enhance(ctx context.Context, prompt string) string
}

// Config tunes the worker pool.
type Config struct {
	Concurrency       int
	MaxAttempts       int
	MonthlyQuotaLimit int
	GenerationMaxWait time.Duration
	PollInterval      time.Duration
	MaxUploads        int // concurrent uploads across the pool
}

// Worker drives queued render jobs through the pipeline: validation,
// clip generation, composition, upload, notification.
type Worker struct {
	store     jobStore
	queue     jobQueue
	gen       services.ClipGenerator
	enhancer  Enhancer
	composer  videoComposer
	renders   renderManager
	notifier  jobNotifier
	cfg       Config
	uploadSem chan struct{}
	logger    zerolog.Logger

	wg sync.WaitGroup
}

func New(store jobStore, q jobQueue, gen services.ClipGenerator, enhancer Enhancer, composer videoComposer, renders renderManager, notifier jobNotifier, cfg Config, logger zerolog.Logger) *Worker {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 3
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.MaxUploads < 1 {
		cfg.MaxUploads = 2
	}

	return &Worker{
		store:     store,
		queue:     q,
		gen:       gen,
		enhancer:  enhancer,
		composer:  composer,
		renders:   renders,
		notifier:  notifier,
		cfg:       cfg,
		uploadSem: make(chan struct{}, cfg.MaxUploads),
		logger:    logger.With().Str("component", "worker").Logger(),
	}
}

// Start launches the worker pool. Workers stop when ctx is cancelled;
// Wait blocks until in-flight jobs finish.
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info().Int("concurrency", w.cfg.Concurrency).Msg("worker pool starting")

	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go func(n int) {
			defer w.wg.Done()
			w.run(ctx, n)
		}(i)
	}
}

// Wait blocks until every worker goroutine has exited.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) run(ctx context.Context, n int) {
	logger := w.logger.With().Int("worker", n).Logger()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("worker stopping")
			return
		default:
		}

		jobID, err := w.queue.Dequeue(ctx, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("dequeue failed")
			time.Sleep(2 * time.Second)
			continue
		}
		if jobID == uuid.Nil {
			continue
		}

		w.ProcessJob(ctx, jobID)
	}
}

// ProcessJob runs one job through the pipeline. Every stage persists a
// progress checkpoint before starting, and checks the cooperative
// cancel flag, so a crashed or cancelled job is observable mid-flight.
func (w *Worker) ProcessJob(ctx context.Context, jobID uuid.UUID) {
	logger := w.logger.With().Str("job_id", jobID.String()).Logger()

	job, err := w.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, db.ErrJobNotFound) {
			logger.Error().Err(err).Msg("dequeued job does not exist, dropping")
			w.queue.Drop(ctx, jobID)
			return
		}

		// A transient load failure must not lose the job: Dequeue
		// already pulled it off the waiting queue, so park it for a
		// retry instead of leaving it stuck in the active set.
		logger.Error().Err(err).Msg("failed to load dequeued job, requeueing")
		if _, rerr := w.queue.ScheduleRetry(ctx, jobID, 1); rerr != nil {
			logger.Error().Err(rerr).Msg("failed to requeue unloadable job")
		}
		return
	}

	if job.Status.Terminal() {
		logger.Warn().Str("status", string(job.Status)).Msg("dequeued job already terminal")
		w.queue.Finish(ctx, job, job.Status == models.JobStatusDelivered)
		return
	}

	if err := w.store.MarkJobStarted(ctx, jobID); err != nil {
		logger.Warn().Err(err).Msg("could not record start time")
	}

	logger.Info().Int("attempt", job.Attempts+1).Msg("processing job")

	if err := w.executeStages(ctx, job, logger); err != nil {
		w.handleFailure(ctx, job, err, logger)
		return
	}

	if err := w.store.MarkJobDelivered(ctx, jobID); err != nil {
		logger.Error().Err(err).Msg("failed to mark job delivered")
	}
	w.queue.Finish(ctx, job, true)
	logger.Info().Msg("job delivered")
}

func (w *Worker) executeStages(ctx context.Context, job *models.Job, logger zerolog.Logger) error {
	// Stage 1: validation. Failures here are permanent.
	if err := w.store.UpdateJobProgress(ctx, job.ID, models.JobStatusValidating, "validating inputs", 0); err != nil {
		return fmt.Errorf("failed to checkpoint validation: %w", err)
	}

	assets, template, err := w.validate(ctx, job)
	if err != nil {
		return err
	}

	if w.cancelled(ctx, job, logger) {
		return Permanent(fmt.Errorf("cancelled by submitter"))
	}

	// Stage 2: clip generation, one clip per asset, all or nothing.
	if err := w.store.UpdateJobProgress(ctx, job.ID, models.JobStatusGenerating, "generating clips", 10); err != nil {
		return fmt.Errorf("failed to checkpoint generation: %w", err)
	}

	clipLocations, err := w.generateClips(ctx, job, assets, template)
	if err != nil {
		return err
	}

	if w.cancelled(ctx, job, logger) {
		return Permanent(fmt.Errorf("cancelled by submitter"))
	}

	// Stage 3: composition.
	if err := w.store.UpdateJobProgress(ctx, job.ID, models.JobStatusStitching, "composing video", 60); err != nil {
		return fmt.Errorf("failed to checkpoint composition: %w", err)
	}

	composed, err := w.composer.Compose(ctx, job.ID.String(), clipLocations, services.OverlayText(job.Variables))
	if err != nil {
		return fmt.Errorf("composition failed: %w", err)
	}
	defer os.Remove(composed.Path)

	if w.cancelled(ctx, job, logger) {
		return Permanent(fmt.Errorf("cancelled by submitter"))
	}

	// Stage 4: upload and record. Uploads are throttled across the pool
	// so several finishing jobs do not saturate the storage link.
	if err := w.store.UpdateJobProgress(ctx, job.ID, models.JobStatusUploading, "uploading video", 80); err != nil {
		return fmt.Errorf("failed to checkpoint upload: %w", err)
	}

	select {
	case w.uploadSem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("upload cancelled: %w", ctx.Err())
	}
	result, err := w.renders.StoreRender(ctx, job, composed.Path, composed.DurationMs, composed.SizeBytes)
	<-w.uploadSem
	if err != nil {
		return fmt.Errorf("failed to store render: %w", err)
	}

	if err := w.store.UpdateJobProgress(ctx, job.ID, models.JobStatusUploading, "notifying", 90); err != nil {
		logger.Warn().Err(err).Msg("could not checkpoint notification")
	}

	// Notification is best effort. The render is already safe in
	// storage, so a webhook failure never fails the job.
	email := ""
	if job.ContactEmail != nil {
		email = *job.ContactEmail
	}
	if err := w.notifier.SendReady(job.ID.String(), job.SubmitterID.String(), email, result.SignedURL); err != nil {
		logger.Warn().Err(err).Msg("ready notification failed")
	}

	return nil
}

// validate loads and checks the job's inputs. Quota is consumed only on
// the first attempt so a retried job is not charged twice.
func (w *Worker) validate(ctx context.Context, job *models.Job) ([]models.JobAsset, *models.Template, error) {
	assets, err := w.store.GetJobAssets(ctx, job.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load job assets: %w", err)
	}
	if len(assets) == 0 {
		return nil, nil, Permanent(fmt.Errorf("job has no input images"))
	}

	template, err := w.store.GetTemplate(ctx, job.TemplateID)
	if errors.Is(err, db.ErrTemplateNotFound) {
		return nil, nil, Permanent(fmt.Errorf("template %s does not exist", job.TemplateID))
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load template: %w", err)
	}
	if !template.Active {
		return nil, nil, Permanent(fmt.Errorf("template %q is no longer available", template.Name))
	}

	if job.Attempts == 0 {
		month := time.Now().UTC().Format("2006-01")
		_, err := w.store.ConsumeMonthlyQuota(ctx, job.SubmitterID, month, w.cfg.MonthlyQuotaLimit)
		if errors.Is(err, db.ErrQuotaExhausted) {
			return nil, nil, Permanent(fmt.Errorf("monthly video quota exhausted"))
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to consume quota: %w", err)
		}
	}

	return assets, template, nil
}

// generateClips submits one generation task per asset concurrently,
// then polls the batch to completion. All clips must succeed; one
// failed clip fails the whole batch naming the offending slot.
func (w *Worker) generateClips(ctx context.Context, job *models.Job, assets []models.JobAsset, template *models.Template) ([]string, error) {
	taskIDs := make([]string, len(assets))
	taskSlots := make(map[string]string, len(assets))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i, asset := range assets {
		i, asset := i, asset
		g.Go(func() error {
			prompt := services.RenderPrompt(template.PromptSkeleton, job.Variables, asset.SlotKey)
			if w.enhancer != nil {
				prompt = w.enhancer.Enhance(gctx, prompt)
			}

			task, err := w.gen.SubmitClip(gctx, services.ClipRequest{
				SlotKey:  asset.SlotKey,
				ImageURL: asset.ImageURL,
				Prompt:   prompt,
				Mode:     job.Mode,
			})
			if err != nil {
				return fmt.Errorf("failed to start clip for %s: %w", asset.SlotKey, err)
			}

			mu.Lock()
			taskIDs[i] = task.ID
			taskSlots[task.ID] = asset.SlotKey
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	batch := services.WaitForBatch(ctx, w.gen, taskIDs, w.cfg.GenerationMaxWait, w.cfg.PollInterval, func(done, total int) {
		progress := 10 + (50*done)/total
		if err := w.store.UpdateJobProgress(ctx, job.ID, models.JobStatusGenerating, "generating clips", progress); err != nil {
			w.logger.Warn().Err(err).Str("job_id", job.ID.String()).Msg("could not checkpoint generation progress")
		}
	})

	if !batch.Success(len(assets)) {
		if len(batch.Failed) > 0 {
			failed := batch.Failed[0]
			return nil, fmt.Errorf("clip for %s failed: %s", taskSlots[failed.ID], failed.Error)
		}
		return nil, fmt.Errorf("clip generation incomplete: %s", batch.Errors[0])
	}

	// Reassemble result locations in asset slot order.
	locations := make(map[string]string, len(batch.Completed))
	for _, task := range batch.Completed {
		locations[task.ID] = task.ResultURL
	}

	ordered := make([]string, len(taskIDs))
	for i, id := range taskIDs {
		loc, ok := locations[id]
		if !ok || loc == "" {
			return nil, fmt.Errorf("clip for %s completed without a result", taskSlots[id])
		}
		ordered[i] = loc
	}

	return ordered, nil
}

func (w *Worker) cancelled(ctx context.Context, job *models.Job, logger zerolog.Logger) bool {
	if w.queue.CancelRequested(ctx, job.ID) {
		logger.Info().Msg("cancel flag observed, stopping job")
		return true
	}
	return false
}

// handleFailure routes a stage error: permanent failures and exhausted
// retry budgets finalize the job, anything else is parked for a
// backed-off retry.
func (w *Worker) handleFailure(ctx context.Context, job *models.Job, stageErr error, logger zerolog.Logger) {
	if IsPermanent(stageErr) {
		logger.Warn().Err(stageErr).Msg("job failed permanently")
		w.finalizeFailure(ctx, job, stageErr.Error(), logger)
		return
	}

	attempts, err := w.store.IncrementJobAttempts(ctx, job.ID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to record attempt, finalizing job")
		w.finalizeFailure(ctx, job, stageErr.Error(), logger)
		return
	}

	if attempts < w.cfg.MaxAttempts {
		if err := w.store.MarkJobDelayed(ctx, job.ID, stageErr.Error()); err != nil {
			logger.Error().Err(err).Msg("failed to mark job delayed")
		}

		delay, err := w.queue.ScheduleRetry(ctx, job.ID, attempts)
		if err != nil {
			logger.Error().Err(err).Msg("failed to schedule retry, finalizing job")
			w.finalizeFailure(ctx, job, stageErr.Error(), logger)
			return
		}

		logger.Warn().
			Err(stageErr).
			Int("attempt", attempts).
			Dur("retry_in", delay).
			Msg("job failed, retry scheduled")
		return
	}

	logger.Error().Err(stageErr).Int("attempts", attempts).Msg("retry budget exhausted")
	w.finalizeFailure(ctx, job, stageErr.Error(), logger)
}

func (w *Worker) finalizeFailure(ctx context.Context, job *models.Job, message string, logger zerolog.Logger) {
	if err := w.store.MarkJobFailed(ctx, job.ID, message); err != nil {
		logger.Error().Err(err).Msg("failed to mark job failed")
	}

	email := ""
	if job.ContactEmail != nil {
		email = *job.ContactEmail
	}
	if err := w.notifier.SendFailed(job.ID.String(), job.SubmitterID.String(), email, message); err != nil {
		logger.Warn().Err(err).Msg("failure notification failed")
	}

	w.queue.Finish(ctx, job, false)
}
