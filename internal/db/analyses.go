package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/beatweave/api/internal/models"
	"github.com/google/uuid"
)

func (db *DB) CreateAnalysis(ctx context.Context, a *models.SongAnalysis) error {
	query := `
		INSERT INTO song_analyses (id, song_id, duration_sec, bpm, beat_times, features)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`

	return db.QueryRowContext(
		ctx, query,
		a.ID, a.SongID, a.DurationSec, a.BPM, a.BeatTimes, a.Features,
	).Scan(&a.CreatedAt)
}

// GetLatestAnalysis returns the most recent analysis for a song, or
// models.ErrNotFound when the song has never been analyzed.
func (db *DB) GetLatestAnalysis(ctx context.Context, songID uuid.UUID) (*models.SongAnalysis, error) {
	query := `
		SELECT id, song_id, duration_sec, bpm, beat_times, features, created_at
		FROM song_analyses
		WHERE song_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	a := &models.SongAnalysis{}
	err := db.QueryRowContext(ctx, query, songID).Scan(
		&a.ID, &a.SongID, &a.DurationSec, &a.BPM, &a.BeatTimes, &a.Features, &a.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("analysis for song %s: %w", songID, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis: %w", err)
	}

	return a, nil
}
