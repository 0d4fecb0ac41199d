// Package scheduler turns a clip plan into queued generation work. It submits
// exactly one job per clip, records the sliding concurrency window edge on
// each job, and owns the explicit (user-triggered) clip retry path.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"

	"github.com/beatweave/api/internal/models"
	"github.com/beatweave/api/internal/planner"
	"github.com/beatweave/api/internal/progress"
	"github.com/google/uuid"
)

// Store is the slice of persistence the scheduler needs.
type Store interface {
	GetSong(ctx context.Context, id uuid.UUID) (*models.Song, error)
	UpdateSongStatus(ctx context.Context, id uuid.UUID, status models.SongStatus) error
	GetLatestAnalysis(ctx context.Context, songID uuid.UUID) (*models.SongAnalysis, error)
	GetClip(ctx context.Context, id uuid.UUID) (*models.Clip, error)
	GetSongClips(ctx context.Context, songID uuid.UUID) ([]models.Clip, error)
	DeleteSongClips(ctx context.Context, songID uuid.UUID) error
	CreateClip(ctx context.Context, clip *models.Clip) error
	UpdateClip(ctx context.Context, clip *models.Clip) error
	MarkClipQueued(ctx context.Context, clipID, jobID uuid.UUID) error
	CreateJob(ctx context.Context, job *models.Job) error
}

// Enqueuer is the queue capability the scheduler needs.
type Enqueuer interface {
	EnqueueGenerateClip(ctx context.Context, songID, clipID, jobID uuid.UUID, dependsOn *uuid.UUID, maxParallel int) error
}

type Service struct {
	store              Store
	queue              Enqueuer
	defaultMaxParallel int
	planOpts           planner.Options
}

func New(store Store, queue Enqueuer, defaultMaxParallel int, planOpts planner.Options) *Service {
	if defaultMaxParallel < 1 {
		defaultMaxParallel = 1
	}
	return &Service{
		store:              store,
		queue:              queue,
		defaultMaxParallel: defaultMaxParallel,
		planOpts:           planOpts,
	}
}

// PlanSong computes the song's clip boundaries from its latest analysis and
// persists them as clip records. Replanning replaces any previous plan.
func (s *Service) PlanSong(ctx context.Context, songID uuid.UUID, clipCount int, opts planner.Options) ([]models.Clip, error) {
	song, err := s.store.GetSong(ctx, songID)
	if err != nil {
		return nil, err
	}

	analysis, err := s.store.GetLatestAnalysis(ctx, songID)
	if err != nil {
		return nil, fmt.Errorf("song %s has no analysis: %w", songID, err)
	}

	if opts.MinClipSec <= 0 {
		opts.MinClipSec = s.planOpts.MinClipSec
	}
	if opts.MaxClipSec <= 0 {
		opts.MaxClipSec = s.planOpts.MaxClipSec
	}
	if opts.FPS <= 0 {
		opts.FPS = s.planOpts.FPS
	}

	plans, err := planner.PlanClips(analysis.DurationSec, clipCount, analysis.BeatTimes, opts)
	if err != nil {
		return nil, err
	}

	if err := s.store.DeleteSongClips(ctx, songID); err != nil {
		return nil, fmt.Errorf("failed to clear previous plan: %w", err)
	}

	clips := make([]models.Clip, 0, len(plans))
	for _, p := range plans {
		clip := models.Clip{
			ID:             uuid.New(),
			SongID:         song.ID,
			ClipIndex:      p.Index,
			StartSec:       p.StartSec,
			EndSec:         p.EndSec,
			DurationSec:    p.DurationSec,
			StartBeatIndex: p.StartBeatIndex,
			EndBeatIndex:   p.EndBeatIndex,
			NumFrames:      p.NumFrames,
			FPS:            opts.FPS,
			Status:         models.ClipStatusQueued,
		}
		if err := s.store.CreateClip(ctx, &clip); err != nil {
			return nil, fmt.Errorf("failed to create clip %d: %w", p.Index, err)
		}
		clips = append(clips, clip)
	}

	if err := s.store.UpdateSongStatus(ctx, songID, models.SongStatusPlanned); err != nil {
		return nil, err
	}

	log.Printf("[Scheduler] Planned %d clips for song %s (%.2fs)", len(clips), songID, analysis.DurationSec)
	return clips, nil
}

// SubmitBatch enqueues one generation job per clip. Job i depends on job
// (i - maxParallel) when that index exists, bounding the number of
// concurrently-runnable jobs to maxParallel. Each clip's queued status and
// queue job id are recorded atomically with its submission.
//
// When clipIDs is non-empty, only the named clips are submitted; ids outside
// the song are silently dropped, but an empty intersection is an error.
func (s *Service) SubmitBatch(ctx context.Context, songID uuid.UUID, clipIDs []uuid.UUID, maxParallel int) (models.BatchAggregate, error) {
	if maxParallel == 0 {
		maxParallel = s.defaultMaxParallel
	}
	if maxParallel < 1 {
		return models.BatchAggregate{}, models.NewValidationError("max_parallel must be at least 1, got %d", maxParallel)
	}

	clips, err := s.store.GetSongClips(ctx, songID)
	if err != nil {
		return models.BatchAggregate{}, err
	}
	if len(clips) == 0 {
		return models.BatchAggregate{}, models.NewValidationError("song %s has no planned clips", songID)
	}

	if len(clipIDs) > 0 {
		clips = filterClips(clips, clipIDs)
		if len(clips) == 0 {
			return models.BatchAggregate{}, models.NewValidationError("none of the requested clip ids belong to song %s", songID)
		}
	}

	sort.Slice(clips, func(i, j int) bool { return clips[i].ClipIndex < clips[j].ClipIndex })

	jobIDs := make([]uuid.UUID, len(clips))
	for i := range clips {
		jobIDs[i] = uuid.New()
	}

	for i, clip := range clips {
		var dependsOn *uuid.UUID
		if i-maxParallel >= 0 {
			dependsOn = &jobIDs[i-maxParallel]
		}

		job := &models.Job{
			ID:        jobIDs[i],
			SongID:    songID,
			ClipID:    &clips[i].ID,
			Type:      "generate_clip",
			Status:    models.JobStatusQueued,
			DependsOn: dependsOn,
		}
		if err := s.store.CreateJob(ctx, job); err != nil {
			return models.BatchAggregate{}, fmt.Errorf("failed to create job for clip %d: %w", clip.ClipIndex, err)
		}

		if err := s.store.MarkClipQueued(ctx, clip.ID, jobIDs[i]); err != nil {
			return models.BatchAggregate{}, fmt.Errorf("failed to queue clip %d: %w", clip.ClipIndex, err)
		}

		if err := s.queue.EnqueueGenerateClip(ctx, songID, clip.ID, jobIDs[i], dependsOn, maxParallel); err != nil {
			return models.BatchAggregate{}, fmt.Errorf("failed to enqueue clip %d: %w", clip.ClipIndex, err)
		}
	}

	if err := s.store.UpdateSongStatus(ctx, songID, models.SongStatusGenerating); err != nil {
		return models.BatchAggregate{}, err
	}

	log.Printf("[Scheduler] Submitted %d clip jobs for song %s (max_parallel=%d)", len(clips), songID, maxParallel)
	return s.BatchStatus(ctx, songID)
}

// RetryClip resets a terminal clip to queued and submits one fresh job with no
// dependency chaining. Retrying a queued or processing clip is rejected
// without mutating anything — that work is still owned by a worker.
func (s *Service) RetryClip(ctx context.Context, clipID uuid.UUID) (*models.Clip, error) {
	clip, err := s.store.GetClip(ctx, clipID)
	if err != nil {
		return nil, err
	}

	if !clip.Status.IsTerminal() {
		return nil, models.NewValidationError("cannot retry clip %s while %s", clipID, clip.Status)
	}

	clip.Status = models.ClipStatusQueued
	clip.ErrorMessage = nil
	clip.VideoURL = nil
	clip.ExternalJobID = nil
	if clip.NumFrames <= 0 {
		clip.NumFrames = int(math.Round(clip.DurationSec * clip.FPS))
	}

	jobID := uuid.New()
	clip.JobID = &jobID

	if err := s.store.UpdateClip(ctx, clip); err != nil {
		return nil, fmt.Errorf("failed to reset clip: %w", err)
	}

	job := &models.Job{
		ID:     jobID,
		SongID: clip.SongID,
		ClipID: &clip.ID,
		Type:   "generate_clip",
		Status: models.JobStatusQueued,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create retry job: %w", err)
	}

	if err := s.queue.EnqueueGenerateClip(ctx, clip.SongID, clip.ID, jobID, nil, 1); err != nil {
		return nil, fmt.Errorf("failed to enqueue retry: %w", err)
	}

	log.Printf("[Scheduler] Retry queued for clip %s (job %s)", clipID, jobID)
	return clip, nil
}

// BatchStatus recomputes the derived batch aggregate from a fresh clip
// snapshot.
func (s *Service) BatchStatus(ctx context.Context, songID uuid.UUID) (models.BatchAggregate, error) {
	clips, err := s.store.GetSongClips(ctx, songID)
	if err != nil {
		return models.BatchAggregate{}, err
	}
	return progress.Aggregate(clips), nil
}

// filterClips keeps the clips whose ids appear in the requested set.
func filterClips(clips []models.Clip, ids []uuid.UUID) []models.Clip {
	wanted := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	var out []models.Clip
	for _, c := range clips {
		if wanted[c.ID] {
			out = append(out, c)
		}
	}
	return out
}
