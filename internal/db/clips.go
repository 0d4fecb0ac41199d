package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/beatweave/api/internal/models"
	"github.com/google/uuid"
)

func (db *DB) CreateClip(ctx context.Context, clip *models.Clip) error {
	query := `
		INSERT INTO clips (
			id, song_id, clip_index, start_sec, end_sec, duration_sec,
			start_beat_index, end_beat_index, num_frames, fps,
			seed, scene_prompt, reference_images, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING created_at, updated_at
	`

	return db.QueryRowContext(
		ctx, query,
		clip.ID, clip.SongID, clip.ClipIndex, clip.StartSec, clip.EndSec,
		clip.DurationSec, clip.StartBeatIndex, clip.EndBeatIndex,
		clip.NumFrames, clip.FPS, clip.Seed, clip.ScenePrompt,
		clip.ReferenceImages, clip.Status,
	).Scan(&clip.CreatedAt, &clip.UpdatedAt)
}

const clipColumns = `
	id, song_id, clip_index, start_sec, end_sec, duration_sec,
	start_beat_index, end_beat_index, num_frames, fps,
	seed, scene_prompt, reference_images, status, video_url, external_job_id,
	job_id, error_message, created_at, updated_at
`

func scanClip(row interface{ Scan(...interface{}) error }, clip *models.Clip) error {
	return row.Scan(
		&clip.ID, &clip.SongID, &clip.ClipIndex, &clip.StartSec, &clip.EndSec,
		&clip.DurationSec, &clip.StartBeatIndex, &clip.EndBeatIndex,
		&clip.NumFrames, &clip.FPS, &clip.Seed, &clip.ScenePrompt,
		&clip.ReferenceImages, &clip.Status, &clip.VideoURL,
		&clip.ExternalJobID, &clip.JobID, &clip.ErrorMessage,
		&clip.CreatedAt, &clip.UpdatedAt,
	)
}

func (db *DB) GetClip(ctx context.Context, id uuid.UUID) (*models.Clip, error) {
	query := `SELECT ` + clipColumns + ` FROM clips WHERE id = $1`

	clip := &models.Clip{}
	err := scanClip(db.QueryRowContext(ctx, query, id), clip)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("clip %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get clip: %w", err)
	}

	return clip, nil
}

func (db *DB) GetSongClips(ctx context.Context, songID uuid.UUID) ([]models.Clip, error) {
	query := `SELECT ` + clipColumns + ` FROM clips WHERE song_id = $1 ORDER BY clip_index`

	rows, err := db.QueryContext(ctx, query, songID)
	if err != nil {
		return nil, fmt.Errorf("failed to query clips: %w", err)
	}
	defer rows.Close()

	var clips []models.Clip
	for rows.Next() {
		var clip models.Clip
		if err := scanClip(rows, &clip); err != nil {
			return nil, fmt.Errorf("failed to scan clip: %w", err)
		}
		clips = append(clips, clip)
	}

	return clips, rows.Err()
}

// DeleteSongClips removes a song's clip plan so it can be replanned.
func (db *DB) DeleteSongClips(ctx context.Context, songID uuid.UUID) error {
	_, err := db.ExecContext(ctx, `DELETE FROM clips WHERE song_id = $1`, songID)
	return err
}

// UpdateClip persists all mutable generation fields in one statement. The
// worker owning the clip is the only writer, so no optimistic locking is
// needed.
func (db *DB) UpdateClip(ctx context.Context, clip *models.Clip) error {
	query := `
		UPDATE clips
		SET status = $1, video_url = $2, external_job_id = $3, job_id = $4,
			seed = $5, num_frames = $6, fps = $7, scene_prompt = $8,
			reference_images = $9, error_message = $10, updated_at = NOW()
		WHERE id = $11
		RETURNING updated_at
	`
	err := db.QueryRowContext(
		ctx, query,
		clip.Status, clip.VideoURL, clip.ExternalJobID, clip.JobID,
		clip.Seed, clip.NumFrames, clip.FPS, clip.ScenePrompt,
		clip.ReferenceImages, clip.ErrorMessage, clip.ID,
	).Scan(&clip.UpdatedAt)

	if err == sql.ErrNoRows {
		return fmt.Errorf("clip %s: %w", clip.ID, models.ErrNotFound)
	}
	return err
}

// MarkClipQueued atomically records the queued status together with the queue
// job id so a clip can never be queued without a recorded handle.
func (db *DB) MarkClipQueued(ctx context.Context, clipID, jobID uuid.UUID) error {
	query := `
		UPDATE clips
		SET status = $1, job_id = $2, error_message = NULL, updated_at = NOW()
		WHERE id = $3
	`
	res, err := db.ExecContext(ctx, query, models.ClipStatusQueued, jobID, clipID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("clip %s: %w", clipID, models.ErrNotFound)
	}
	return nil
}
