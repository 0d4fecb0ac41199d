package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/beatweave/api/internal/api"
	"github.com/beatweave/api/internal/compose"
	"github.com/beatweave/api/internal/config"
	"github.com/beatweave/api/internal/db"
	"github.com/beatweave/api/internal/planner"
	"github.com/beatweave/api/internal/queue"
	"github.com/beatweave/api/internal/scheduler"
	"github.com/beatweave/api/internal/services"
	"github.com/beatweave/api/internal/storage"
	"github.com/beatweave/api/internal/worker"
)

func main() {
	log.Println("Starting Beatweave API...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Connect to database
	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()
	log.Println("Connected to database")

	// Connect to Redis queue
	q, err := queue.New(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to queue: %v", err)
	}
	defer q.Close()
	log.Println("Connected to Redis queue")

	// Initialize object storage
	stor, err := storage.New(storage.Options{
		Endpoint:  cfg.StorageEndpoint,
		Region:    cfg.StorageRegion,
		AccessKey: cfg.StorageAccessKey,
		SecretKey: cfg.StorageSecretKey,
		Bucket:    cfg.StorageBucket,
		PublicURL: cfg.StoragePublicURL,
	})
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	log.Printf("Initialized object storage (bucket: %s)", cfg.StorageBucket)

	// Scheduler: clip planning and batch submission
	sched := scheduler.New(database, q, cfg.DefaultMaxParallel, planner.Options{
		MinClipSec: cfg.MinClipSec,
		MaxClipSec: cfg.MaxClipSec,
		FPS:        cfg.RenderFPS,
	})

	// Create API handler
	handler := api.NewHandler(database, sched, q, stor)
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.BackendAPIKey != "" {
		log.Println("API key authentication enabled")
	} else {
		log.Println("WARNING: No BACKEND_API_KEY set — API is unprotected (dev mode)")
	}

	// Start HTTP server
	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: router,
	}

	// Start worker if enabled
	var workerCancel context.CancelFunc
	if cfg.WorkerEnabled {
		log.Println("Worker enabled, starting background processing...")

		genClient := services.NewGenerationClient(cfg.GenerationAPIURL, cfg.GenerationAPIKey)
		ffmpegSvc := services.NewFFmpegService(cfg.TempDir, cfg.RenderWidth, cfg.RenderHeight, cfg.RenderFPS)
		composer := compose.New(database, stor, ffmpegSvc, compose.Options{
			BeatEffects: cfg.BeatEffectsEnabled,
		})

		w := worker.New(database, q, genClient, composer, cfg.MaxConcurrentJobs)

		var workerCtx context.Context
		workerCtx, workerCancel = context.WithCancel(context.Background())
		go w.Start(workerCtx)
	}

	// Start server in goroutine
	go func() {
		log.Printf("API server listening on :%s", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	if workerCancel != nil {
		workerCancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
