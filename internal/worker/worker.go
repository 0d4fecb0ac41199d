// Package worker consumes queued jobs: clip generation renders and final
// composition runs. Clip concurrency is bounded twice — a global semaphore
// caps work on this process, and a per-song limiter sized from the job
// payload enforces the batch's max_parallel across its clips.
package worker

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/beatweave/api/internal/compose"
	"github.com/beatweave/api/internal/models"
	"github.com/beatweave/api/internal/progress"
	"github.com/beatweave/api/internal/queue"
	"github.com/beatweave/api/internal/services"
	"github.com/google/uuid"
)

const dequeueTimeout = 5 * time.Second

// ClipOutcome is the result of one generation job. Skipped covers clips that
// disappeared between enqueue and execution; it is not an error.
type ClipOutcome int

const (
	OutcomeCompleted ClipOutcome = iota
	OutcomeFailed
	OutcomeSkipped
)

func (o ClipOutcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Generator is the external render capability the worker needs.
type Generator interface {
	Generate(ctx context.Context, in services.SceneInput) (*services.GenerationResult, error)
}

// Store is the slice of persistence the worker needs.
type Store interface {
	GetClip(ctx context.Context, id uuid.UUID) (*models.Clip, error)
	GetSongClips(ctx context.Context, songID uuid.UUID) ([]models.Clip, error)
	UpdateClip(ctx context.Context, clip *models.Clip) error
	GetLatestAnalysis(ctx context.Context, songID uuid.UUID) (*models.SongAnalysis, error)
	UpdateSongStatus(ctx context.Context, id uuid.UUID, status models.SongStatus) error
	UpdateSongError(ctx context.Context, id uuid.UUID, errorMessage string) error
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status models.JobStatus) error
	UpdateJobError(ctx context.Context, id uuid.UUID, errorMessage string) error
}

type Worker struct {
	store     Store
	queue     *queue.Queue
	generator Generator
	composer  *compose.Composer

	sem chan struct{} // global concurrency cap for this process

	mu       sync.Mutex
	limiters map[uuid.UUID]chan struct{} // per-song max_parallel limiters
}

func New(store Store, q *queue.Queue, generator Generator, composer *compose.Composer, maxConcurrent int) *Worker {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Worker{
		store:     store,
		queue:     q,
		generator: generator,
		composer:  composer,
		sem:       make(chan struct{}, maxConcurrent),
		limiters:  make(map[uuid.UUID]chan struct{}),
	}
}

// Start runs the queue consumers until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	log.Printf("[Worker] Starting (max concurrent jobs: %d)", cap(w.sem))

	var wg sync.WaitGroup
	for _, queueName := range []string{queue.QueueGenerateClip, queue.QueueComposeVideo} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			w.consume(ctx, name)
		}(queueName)
	}
	wg.Wait()

	log.Printf("[Worker] Stopped")
}

func (w *Worker) consume(ctx context.Context, queueName string) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.queue.Dequeue(ctx, queueName, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[Worker] Dequeue error on %s: %v", queueName, err)
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}

		select {
		case w.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		wg.Add(1)
		go func(job *queue.Job) {
			defer wg.Done()
			defer func() { <-w.sem }()
			w.dispatch(ctx, job)
		}(job)
	}
}

func (w *Worker) dispatch(ctx context.Context, job *queue.Job) {
	log.Printf("[Worker] Processing job %s (type=%s, song=%s)", job.ID, job.Type, job.SongID)

	switch job.Type {
	case "generate_clip":
		w.handleGenerateClip(ctx, job)
	case "compose_video":
		w.handleComposeVideo(ctx, job)
	default:
		log.Printf("[Worker] Unknown job type %q, dropping job %s", job.Type, job.ID)
	}
}

// songLimiter returns the shared limiter channel for a song, created on first
// use with the job's max_parallel size. A job carrying a larger max_parallel
// replaces the limiter so a retry's size-1 limiter cannot throttle a later
// full batch; jobs already holding the old channel release into it and finish
// under the old bound.
func (w *Worker) songLimiter(songID uuid.UUID, maxParallel int) chan struct{} {
	if maxParallel < 1 {
		maxParallel = 1
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if lim, ok := w.limiters[songID]; ok && cap(lim) >= maxParallel {
		return lim
	}
	lim := make(chan struct{}, maxParallel)
	w.limiters[songID] = lim
	return lim
}

// dropSongLimiter evicts a song's limiter once its batch is terminal, keeping
// the map bounded by the number of in-flight songs.
func (w *Worker) dropSongLimiter(songID uuid.UUID) {
	w.mu.Lock()
	delete(w.limiters, songID)
	w.mu.Unlock()
}

func (w *Worker) handleGenerateClip(ctx context.Context, job *queue.Job) {
	if job.ClipID == nil {
		log.Printf("[Worker] Generate job %s has no clip id, dropping", job.ID)
		return
	}

	lim := w.songLimiter(job.SongID, job.MaxParallel)
	select {
	case lim <- struct{}{}:
	case <-ctx.Done():
		return
	}
	defer func() { <-lim }()

	if err := w.store.UpdateJobStatus(ctx, job.ID, models.JobStatusRunning); err != nil {
		log.Printf("[Worker] Failed to mark job %s running: %v", job.ID, err)
	}

	outcome, err := w.processClip(ctx, *job.ClipID)

	switch outcome {
	case OutcomeCompleted, OutcomeSkipped:
		if dbErr := w.store.UpdateJobStatus(ctx, job.ID, models.JobStatusSucceeded); dbErr != nil {
			log.Printf("[Worker] Failed to mark job %s succeeded: %v", job.ID, dbErr)
		}
	case OutcomeFailed:
		if dbErr := w.store.UpdateJobError(ctx, job.ID, err.Error()); dbErr != nil {
			log.Printf("[Worker] Failed to record job %s error: %v", job.ID, dbErr)
		}
	}

	// The batch view is always derived from a fresh clip snapshot, even for
	// skipped work.
	w.refreshBatch(ctx, job.SongID)

	log.Printf("[Worker] Job %s finished: clip %s %s", job.ID, job.ClipID, outcome)
}

// processClip runs one render end to end and records the result on the clip.
// The returned error is non-nil only for OutcomeFailed.
func (w *Worker) processClip(ctx context.Context, clipID uuid.UUID) (ClipOutcome, error) {
	clip, err := w.store.GetClip(ctx, clipID)
	if err != nil {
		if models.IsNotFound(err) {
			log.Printf("[Worker] Clip %s no longer exists, skipping", clipID)
			return OutcomeSkipped, nil
		}
		return w.failClip(ctx, nil, clipID, fmt.Errorf("failed to load clip: %w", err))
	}

	if clip.NumFrames <= 0 {
		clip.NumFrames = int(math.Round(clip.DurationSec * clip.FPS))
	}
	// Seed is a property of the clip: fixed on first use so retries can
	// reproduce the render.
	if clip.Seed == nil {
		seed := rand.Int63()
		clip.Seed = &seed
	}

	clip.Status = models.ClipStatusProcessing
	clip.ErrorMessage = nil
	if err := w.store.UpdateClip(ctx, clip); err != nil {
		return w.failClip(ctx, clip, clipID, fmt.Errorf("failed to mark clip processing: %w", err))
	}

	analysis, err := w.store.GetLatestAnalysis(ctx, clip.SongID)
	if err != nil {
		return w.failClip(ctx, clip, clipID, fmt.Errorf("song %s has no analysis: %w", clip.SongID, err))
	}

	result, err := w.generator.Generate(ctx, services.SceneInput{
		Prompt:          scenePrompt(clip, analysis),
		FrameCount:      clip.NumFrames,
		FPS:             clip.FPS,
		Seed:            clip.Seed,
		ReferenceImages: clip.ReferenceImages,
	})
	if err != nil {
		return w.failClip(ctx, clip, clipID, &models.ExternalServiceError{Service: "generation", Err: err})
	}

	// The model's reported render parameters are authoritative and overwrite
	// what was requested.
	if result.FPS != nil && *result.FPS > 0 {
		clip.FPS = *result.FPS
	}
	if result.FrameCount != nil && *result.FrameCount > 0 {
		clip.NumFrames = *result.FrameCount
	}
	if result.Seed != nil {
		clip.Seed = result.Seed
	}

	clip.Status = models.ClipStatusCompleted
	clip.VideoURL = &result.MediaURL
	clip.ExternalJobID = &result.JobID
	clip.ErrorMessage = nil

	if err := w.store.UpdateClip(ctx, clip); err != nil {
		return OutcomeFailed, fmt.Errorf("failed to record completed clip: %w", err)
	}

	return OutcomeCompleted, nil
}

// failClip records the failure on the clip, when it still exists, and returns
// the failed outcome with the original error.
func (w *Worker) failClip(ctx context.Context, clip *models.Clip, clipID uuid.UUID, cause error) (ClipOutcome, error) {
	log.Printf("[Worker] Clip %s failed: %v", clipID, cause)

	if clip != nil {
		msg := cause.Error()
		clip.Status = models.ClipStatusFailed
		clip.ErrorMessage = &msg
		if err := w.store.UpdateClip(ctx, clip); err != nil {
			log.Printf("[Worker] Failed to record clip %s failure: %v", clipID, err)
		}
	}
	return OutcomeFailed, cause
}

// refreshBatch recomputes the derived batch aggregate and moves the song's
// status when the batch reaches a terminal state.
func (w *Worker) refreshBatch(ctx context.Context, songID uuid.UUID) {
	clips, err := w.store.GetSongClips(ctx, songID)
	if err != nil {
		log.Printf("[Worker] Failed to refresh batch for song %s: %v", songID, err)
		return
	}

	agg := progress.Aggregate(clips)
	log.Printf("[Worker] Song %s batch: %s (%d/%d completed, %d failed)",
		songID, agg.Status, agg.Completed, agg.Total, agg.Failed)

	switch agg.Status {
	case models.BatchStatusFailed:
		msg := fmt.Sprintf("%d of %d clips failed generation", agg.Failed, agg.Total)
		if err := w.store.UpdateSongError(ctx, songID, msg); err != nil {
			log.Printf("[Worker] Failed to mark song %s failed: %v", songID, err)
		}
		w.dropSongLimiter(songID)
	case models.BatchStatusCompleted:
		// The song stays in generating until composition is requested; clip
		// completion alone does not produce a video.
		w.dropSongLimiter(songID)
	}
}

func (w *Worker) handleComposeVideo(ctx context.Context, job *queue.Job) {
	if err := w.composer.Compose(ctx, job.SongID, job.ID, job.BeatEffects); err != nil {
		log.Printf("[Worker] Composition job %s infrastructure error: %v", job.ID, err)
	}
}

// scenePrompt forwards the clip's stored prompt, falling back to a minimal
// description from the analysis features when no prompt was provided.
func scenePrompt(clip *models.Clip, analysis *models.SongAnalysis) string {
	if clip.ScenePrompt != "" {
		return clip.ScenePrompt
	}

	prompt := fmt.Sprintf("music video segment %d, %.1f seconds", clip.ClipIndex+1, clip.DurationSec)
	if mood, ok := analysis.Features["mood"].(string); ok && mood != "" {
		prompt = fmt.Sprintf("%s, %s mood", prompt, mood)
	}
	if genre, ok := analysis.Features["genre"].(string); ok && genre != "" {
		prompt = fmt.Sprintf("%s, %s style", prompt, genre)
	}
	return prompt
}
