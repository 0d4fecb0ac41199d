package config

import (
	"fmt"
	"os"
	"strconv"

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

	// Object storage (S3-compatible: R2, minio, S3)
	StorageEndpoint  string
	StorageRegion    string
	StorageAccessKey string
	StorageSecretKey string
	StorageBucket    string
	StoragePublicURL string // CDN base URL (empty = endpoint-derived URLs)

	// Generation API (external generative video model)
	GenerationAPIURL string
	GenerationAPIKey string

	// Rendering
	TempDir      string
	RenderWidth  int
	RenderHeight int
	RenderFPS    float64

	// Planning defaults
	MinClipSec float64
	MaxClipSec float64

	// Beat-synced visual effects on the final video
	BeatEffectsEnabled bool

	// Worker
	MaxConcurrentJobs  int
	DefaultMaxParallel int
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
		StorageEndpoint:    getEnv("STORAGE_ENDPOINT", ""),
		StorageRegion:      getEnv("STORAGE_REGION", "auto"),
		StorageAccessKey:   getEnv("STORAGE_ACCESS_KEY", ""),
		StorageSecretKey:   getEnv("STORAGE_SECRET_KEY", ""),
		StorageBucket:      getEnv("STORAGE_BUCKET", "beatweave-videos"),
		StoragePublicURL:   getEnv("STORAGE_PUBLIC_URL", ""),
		GenerationAPIURL:   getEnv("GENERATION_API_URL", ""),
		GenerationAPIKey:   getEnv("GENERATION_API_KEY", ""),
		TempDir:            getEnv("TEMP_DIR", "/tmp/beatweave"),
		RenderWidth:        getEnvInt("RENDER_WIDTH", 1080),
		RenderHeight:       getEnvInt("RENDER_HEIGHT", 1920),
		RenderFPS:          getEnvFloat("RENDER_FPS", 24),
		MinClipSec:         getEnvFloat("MIN_CLIP_SEC", 3),
		MaxClipSec:         getEnvFloat("MAX_CLIP_SEC", 6),
		BeatEffectsEnabled: getEnvBool("BEAT_EFFECTS_ENABLED", true),
		MaxConcurrentJobs:  getEnvInt("MAX_CONCURRENT_JOBS", 5),
		DefaultMaxParallel: getEnvInt("DEFAULT_MAX_PARALLEL", 3),
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.StorageEndpoint == "" || cfg.StorageAccessKey == "" || cfg.StorageSecretKey == "" {
		return nil, fmt.Errorf("STORAGE_ENDPOINT, STORAGE_ACCESS_KEY and STORAGE_SECRET_KEY are required")
	}

	if cfg.GenerationAPIURL == "" {
		return nil, fmt.Errorf("GENERATION_API_URL is required")
	}

	if cfg.MinClipSec <= 0 || cfg.MaxClipSec <= cfg.MinClipSec {
		return nil, fmt.Errorf("invalid clip duration bounds: min=%.2f max=%.2f", cfg.MinClipSec, cfg.MaxClipSec)
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
