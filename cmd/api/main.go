package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/stayreel/renderpipe/internal/api"
	"github.com/stayreel/renderpipe/internal/config"
	"github.com/stayreel/renderpipe/internal/db"
	"github.com/stayreel/renderpipe/internal/queue"
	"github.com/stayreel/renderpipe/internal/services"
	"github.com/stayreel/renderpipe/internal/storage"
	"github.com/stayreel/renderpipe/internal/worker"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	logger.Info().Msg("starting renderpipe")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close()
	logger.Info().Msg("connected to database")

	q, err := queue.New(cfg.RedisURL, queue.Config{
		PerSubmitterCap: cfg.PerSubmitterCap,
		RateLimitCount:  cfg.RateLimitCount,
		RateLimitWindow: cfg.RateLimitWindow,
		MaxAttempts:     cfg.MaxAttempts,
		RetryBaseDelay:  cfg.RetryBaseDelay,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to queue")
	}
	defer q.Close()
	logger.Info().Msg("connected to redis queue")

	objectStore := storage.NewClient(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket, logger)
	renders := storage.NewManager(objectStore, database, cfg.SignedURLTTL, cfg.RetentionPeriod, logger)

	handler := api.NewHandler(database, q, renders, cfg.MonthlyQuotaLimit, logger)
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.BackendAPIKey != "" {
		logger.Info().Msg("API key authentication enabled")
	} else {
		logger.Warn().Msg("no BACKEND_API_KEY set, API is unprotected (dev mode)")
	}

	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: router,
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())

	var w *worker.Worker
	if cfg.WorkerEnabled {
		logger.Info().Msg("worker enabled, starting background processing")

		var gen services.ClipGenerator
		switch cfg.GenerationBackend {
		case "veo":
			veo, err := services.NewVeoBackend(rootCtx, cfg.GeminiKey, cfg.VeoModel, cfg.TempDir, logger)
			if err != nil {
				logger.Fatal().Err(err).Msg("failed to initialize veo backend")
			}
			gen = veo
			logger.Info().Str("model", cfg.VeoModel).Msg("generation backend: veo")
		default:
			gen = services.NewGenClient(cfg.GenerationAPIURL, cfg.GenerationAPIKey, cfg.GenerationModel, logger)
			logger.Info().Str("model", cfg.GenerationModel).Msg("generation backend: rest")
		}

		var enhancer *services.PromptEnhancer
		if cfg.OpenAIKey != "" {
			enhancer = services.NewPromptEnhancer(cfg.OpenAIKey, logger)
			logger.Info().Msg("prompt enhancement enabled")
		}

		composer := services.NewComposer(services.NewExecRunner(logger), cfg.TempDir, services.Constraints{
			Width:            cfg.TargetWidth,
			Height:           cfg.TargetHeight,
			FPS:              cfg.TargetFPS,
			ClipSeconds:      cfg.ClipSeconds,
			CrossfadeSeconds: cfg.CrossfadeSeconds,
			MaxOutputBytes:   cfg.MaxOutputBytes,
		}, logger)

		notifier := services.NewNotifier(cfg.NotifyWebhookURL, cfg.DashboardBaseURL, logger)

		workerCfg := worker.Config{
			Concurrency:       cfg.WorkerConcurrency,
			MaxAttempts:       cfg.MaxAttempts,
			MonthlyQuotaLimit: cfg.MonthlyQuotaLimit,
			GenerationMaxWait: cfg.GenerationMaxWait,
			PollInterval:      cfg.GenerationPollTick,
			MaxUploads:        2,
		}

		var enh worker.Enhancer
		if enhancer != nil {
			enh = enhancer
		}
		w = worker.New(database, q, gen, enh, composer, renders, notifier, workerCfg, logger)
		w.Start(rootCtx)

		// Retention cleanup runs alongside the workers.
		go runCleanup(rootCtx, renders, cfg.CleanupInterval, logger)
	}

	go func() {
		logger.Info().Str("port", cfg.APIPort).Msg("API server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")

	rootCancel()
	if w != nil {
		w.Wait()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server exited")
}

// runCleanup deletes renders past their retention deadline on a fixed
// interval until ctx is cancelled.
func runCleanup(ctx context.Context, renders *storage.Manager, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := renders.CleanupExpired(ctx); err != nil {
				logger.Error().Err(err).Msg("retention cleanup failed")
			}
		}
	}
}
