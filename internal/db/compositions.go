package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/beatweave/api/internal/models"
	"github.com/beatweave/api/internal/progress"
	"github.com/google/uuid"
)

func (db *DB) CreateCompositionJob(ctx context.Context, job *models.CompositionJob) error {
	query := `
		INSERT INTO composition_jobs (id, song_id, status, progress)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`

	return db.QueryRowContext(
		ctx, query,
		job.ID, job.SongID, job.Status, job.Progress,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
}

func (db *DB) GetCompositionJob(ctx context.Context, id uuid.UUID) (*models.CompositionJob, error) {
	query := `
		SELECT id, song_id, status, progress, composed_video_id,
			error_message, cancel_requested, created_at, updated_at
		FROM composition_jobs
		WHERE id = $1
	`

	job := &models.CompositionJob{}
	err := db.QueryRowContext(ctx, query, id).Scan(
		&job.ID, &job.SongID, &job.Status, &job.Progress, &job.ComposedVideoID,
		&job.ErrorMessage, &job.CancelRequested, &job.CreatedAt, &job.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("composition job %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get composition job: %w", err)
	}

	return job, nil
}

func (db *DB) UpdateCompositionStatus(ctx context.Context, id uuid.UUID, status models.CompositionStatus) error {
	query := `UPDATE composition_jobs SET status = $1, updated_at = NOW() WHERE id = $2`
	_, err := db.ExecContext(ctx, query, status, id)
	return err
}

// UpdateCompositionProgress stores the larger of the stored and the new value,
// so reported progress never regresses.
func (db *DB) UpdateCompositionProgress(ctx context.Context, id uuid.UUID, p int) error {
	query := `
		UPDATE composition_jobs
		SET progress = GREATEST(progress, $1), updated_at = NOW()
		WHERE id = $2
	`
	_, err := db.ExecContext(ctx, query, progress.Clamp(p), id)
	return err
}

// FailCompositionJob records the error without touching progress: it freezes
// at its last value for diagnosis.
func (db *DB) FailCompositionJob(ctx context.Context, id uuid.UUID, errorMessage string) error {
	query := `
		UPDATE composition_jobs
		SET status = $1, error_message = $2, updated_at = NOW()
		WHERE id = $3
	`
	_, err := db.ExecContext(ctx, query, models.CompositionStatusFailed, errorMessage, id)
	return err
}

func (db *DB) CompleteCompositionJob(ctx context.Context, id, composedVideoID uuid.UUID) error {
	query := `
		UPDATE composition_jobs
		SET status = $1, progress = 100, composed_video_id = $2, updated_at = NOW()
		WHERE id = $3
	`
	_, err := db.ExecContext(ctx, query, models.CompositionStatusCompleted, composedVideoID, id)
	return err
}

// RequestCompositionCancel flags the job; the orchestrator honors the flag at
// the next stage boundary.
func (db *DB) RequestCompositionCancel(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE composition_jobs SET cancel_requested = TRUE, updated_at = NOW() WHERE id = $1`
	_, err := db.ExecContext(ctx, query, id)
	return err
}

func (db *DB) CreateComposedVideo(ctx context.Context, v *models.ComposedVideo) error {
	query := `
		INSERT INTO composed_videos (
			id, song_id, storage_key, poster_key, duration_sec,
			file_size_bytes, width, height, fps, clip_ids
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`

	return db.QueryRowContext(
		ctx, query,
		v.ID, v.SongID, v.StorageKey, v.PosterKey, v.DurationSec,
		v.FileSizeBytes, v.Width, v.Height, v.FPS, v.ClipIDs,
	).Scan(&v.CreatedAt)
}

func (db *DB) GetComposedVideo(ctx context.Context, id uuid.UUID) (*models.ComposedVideo, error) {
	query := `
		SELECT id, song_id, storage_key, poster_key, duration_sec,
			file_size_bytes, width, height, fps, clip_ids, created_at
		FROM composed_videos
		WHERE id = $1
	`

	v := &models.ComposedVideo{}
	err := db.QueryRowContext(ctx, query, id).Scan(
		&v.ID, &v.SongID, &v.StorageKey, &v.PosterKey, &v.DurationSec,
		&v.FileSizeBytes, &v.Width, &v.Height, &v.FPS, &v.ClipIDs, &v.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("composed video %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get composed video: %w", err)
	}

	return v, nil
}
