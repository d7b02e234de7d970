package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	APIPort            string
	WorkerEnabled      bool
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// Supabase storage
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string

	// Generation service
	GenerationBackend string // "rest" (default) or "veo"
	GenerationAPIURL  string
	GenerationAPIKey  string
	GenerationModel   string
	GeminiKey         string // used when GenerationBackend = "veo"
	VeoModel          string

	// OpenAI (optional prompt enhancement before clip submission)
	OpenAIKey string

	// Notifications
	NotifyWebhookURL string
	DashboardBaseURL string

	// Worker / queue
	WorkerConcurrency  int
	MaxAttempts        int
	RetryBaseDelay     time.Duration
	GenerationMaxWait  time.Duration
	GenerationPollTick time.Duration
	PerSubmitterCap    int
	RateLimitCount     int
	RateLimitWindow    time.Duration
	MonthlyQuotaLimit  int

	// Composition
	TempDir          string
	TargetWidth      int
	TargetHeight     int
	TargetFPS        int
	ClipSeconds      float64
	CrossfadeSeconds float64
	MaxOutputBytes   int64

	// Storage lifecycle
	SignedURLTTL    time.Duration
	RetentionPeriod time.Duration
	CleanupInterval time.Duration
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		APIPort:            getEnv("API_PORT", "8080"),
		WorkerEnabled:      getEnvBool("WORKER_ENABLED", true),
		BackendAPIKey:      getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", ""),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379"),

		SupabaseURL:           getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:    getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket: getEnv("SUPABASE_STORAGE_BUCKET", "video-renders"),

		GenerationBackend: getEnv("GENERATION_BACKEND", "rest"),
		GenerationAPIURL:  getEnv("GENERATION_API_URL", "https://api.videogen.example.com/v1"),
		GenerationAPIKey:  getEnv("GENERATION_API_KEY", ""),
		GenerationModel:   getEnv("GENERATION_MODEL", "i2v-standard"),
		GeminiKey:         getEnv("GEMINI_API_KEY", ""),
		VeoModel:          getEnv("VEO_MODEL", "veo-3.1-generate-preview"),

		OpenAIKey: getEnv("OPENAI_API_KEY", ""),

		NotifyWebhookURL: getEnv("NOTIFY_WEBHOOK_URL", ""),
		DashboardBaseURL: getEnv("DASHBOARD_BASE_URL", "https://hosts.stayreel.example.com"),

		WorkerConcurrency:  getEnvInt("WORKER_CONCURRENCY", 3),
		MaxAttempts:        getEnvInt("JOB_MAX_ATTEMPTS", 3),
		RetryBaseDelay:     getEnvDur("JOB_RETRY_BASE_DELAY", 30*time.Second),
		GenerationMaxWait:  getEnvDur("GENERATION_MAX_WAIT", 30*time.Minute),
		GenerationPollTick: getEnvDur("GENERATION_POLL_INTERVAL", 90*time.Second),
		PerSubmitterCap:    getEnvInt("PER_SUBMITTER_CAP", 2),
		RateLimitCount:     getEnvInt("RATE_LIMIT_COUNT", 5),
		RateLimitWindow:    getEnvDur("RATE_LIMIT_WINDOW", 5*time.Minute),
		MonthlyQuotaLimit:  getEnvInt("MONTHLY_QUOTA_LIMIT", 30),

		TempDir:          getEnv("TEMP_DIR", "/tmp/renderpipe"),
		TargetWidth:      getEnvInt("TARGET_WIDTH", 1080),
		TargetHeight:     getEnvInt("TARGET_HEIGHT", 1920),
		TargetFPS:        getEnvInt("TARGET_FPS", 30),
		ClipSeconds:      getEnvFloat("CLIP_SECONDS", 5.0),
		CrossfadeSeconds: getEnvFloat("CROSSFADE_SECONDS", 0.3),
		MaxOutputBytes:   int64(getEnvInt("MAX_OUTPUT_MB", 80)) * 1024 * 1024,

		SignedURLTTL:    getEnvDur("SIGNED_URL_TTL", 72*time.Hour),
		RetentionPeriod: getEnvDur("RETENTION_PERIOD", 90*24*time.Hour),
		CleanupInterval: getEnvDur("CLEANUP_INTERVAL", 6*time.Hour),
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.SupabaseURL == "" || cfg.SupabaseServiceKey == "" {
		return nil, fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required")
	}

	switch cfg.GenerationBackend {
	case "rest":
		if cfg.GenerationAPIKey == "" {
			return nil, fmt.Errorf("GENERATION_API_KEY is required for the rest backend")
		}
	case "veo":
		if cfg.GeminiKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY is required for the veo backend")
		}
	default:
		return nil, fmt.Errorf("unknown GENERATION_BACKEND %q (allowed: rest, veo)", cfg.GenerationBackend)
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		f, err := strconv.ParseFloat(value, 64)
		if err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDur(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return defaultValue
}
