package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/beatweave/api/internal/models"
	"github.com/google/uuid"
)

func (db *DB) CreateSong(ctx context.Context, song *models.Song) error {
	query := `
		INSERT INTO songs (id, title, audio_storage_key, status)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at
	`

	return db.QueryRowContext(
		ctx, query,
		song.ID, song.Title, song.AudioStorageKey, song.Status,
	).Scan(&song.CreatedAt, &song.UpdatedAt)
}

func (db *DB) GetSong(ctx context.Context, id uuid.UUID) (*models.Song, error) {
	query := `
		SELECT id, title, audio_storage_key, status, composed_video_id,
			error_message, created_at, updated_at
		FROM songs
		WHERE id = $1
	`

	song := &models.Song{}
	err := db.QueryRowContext(ctx, query, id).Scan(
		&song.ID, &song.Title, &song.AudioStorageKey, &song.Status,
		&song.ComposedVideoID, &song.ErrorMessage,
		&song.CreatedAt, &song.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("song %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get song: %w", err)
	}

	return song, nil
}

func (db *DB) UpdateSongStatus(ctx context.Context, id uuid.UUID, status models.SongStatus) error {
	query := `UPDATE songs SET status = $1, updated_at = NOW() WHERE id = $2`
	_, err := db.ExecContext(ctx, query, status, id)
	return err
}

func (db *DB) UpdateSongError(ctx context.Context, id uuid.UUID, errorMessage string) error {
	query := `
		UPDATE songs
		SET status = $1, error_message = $2, updated_at = NOW()
		WHERE id = $3
	`
	_, err := db.ExecContext(ctx, query, models.SongStatusFailed, errorMessage, id)
	return err
}

// SetSongComposedVideo links the finished composition artifact to the song and
// marks it completed.
func (db *DB) SetSongComposedVideo(ctx context.Context, songID, composedVideoID uuid.UUID) error {
	query := `
		UPDATE songs
		SET composed_video_id = $1, status = $2, error_message = NULL, updated_at = NOW()
		WHERE id = $3
	`
	_, err := db.ExecContext(ctx, query, composedVideoID, models.SongStatusCompleted, songID)
	return err
}
