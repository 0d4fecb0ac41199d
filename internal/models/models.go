package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Enums
type SongStatus string

const (
	SongStatusCreated    SongStatus = "created"
	SongStatusPlanned    SongStatus = "planned"
	SongStatusGenerating SongStatus = "generating"
	SongStatusComposing  SongStatus = "composing"
	SongStatusCompleted  SongStatus = "completed"
	SongStatusFailed     SongStatus = "failed"
)

type ClipStatus string

const (
	ClipStatusQueued     ClipStatus = "queued"
	ClipStatusProcessing ClipStatus = "processing"
	ClipStatusCompleted  ClipStatus = "completed"
	ClipStatusFailed     ClipStatus = "failed"
)

// IsTerminal reports whether the clip has reached a final generation state.
// Only terminal clips may be explicitly retried or consumed by composition.
func (s ClipStatus) IsTerminal() bool {
	return s == ClipStatusCompleted || s == ClipStatusFailed
}

type BatchStatus string

const (
	BatchStatusQueued     BatchStatus = "queued"
	BatchStatusProcessing BatchStatus = "processing"
	BatchStatusCompleted  BatchStatus = "completed"
	BatchStatusFailed     BatchStatus = "failed"
)

type CompositionStatus string

const (
	CompositionStatusQueued     CompositionStatus = "queued"
	CompositionStatusProcessing CompositionStatus = "processing"
	CompositionStatusCompleted  CompositionStatus = "completed"
	CompositionStatusFailed     CompositionStatus = "failed"
	CompositionStatusCancelled  CompositionStatus = "cancelled"
)

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}

// Float64Slice stores a list of float64 values (beat timestamps) in a JSONB column.
type Float64Slice []float64

func (f Float64Slice) Value() (driver.Value, error) {
	if f == nil {
		return json.Marshal([]float64{})
	}
	return json.Marshal([]float64(f))
}

func (f *Float64Slice) Scan(value interface{}) error {
	if value == nil {
		*f = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into Float64Slice", value)
	}
	return json.Unmarshal(bytes, f)
}

// StringSlice stores a list of strings (reference image urls) in a JSONB column.
type StringSlice []string

func (s StringSlice) Value() (driver.Value, error) {
	if s == nil {
		return json.Marshal([]string{})
	}
	return json.Marshal([]string(s))
}

func (s *StringSlice) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into StringSlice", value)
	}
	return json.Unmarshal(bytes, s)
}

// UUIDSlice stores an ordered list of UUIDs in a JSONB column.
type UUIDSlice []uuid.UUID

func (u UUIDSlice) Value() (driver.Value, error) {
	if u == nil {
		return json.Marshal([]uuid.UUID{})
	}
	return json.Marshal([]uuid.UUID(u))
}

func (u *UUIDSlice) Scan(value interface{}) error {
	if value == nil {
		*u = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("cannot scan %T into UUIDSlice", value)
	}
	return json.Unmarshal(bytes, u)
}

// Models

type Song struct {
	ID              uuid.UUID  `json:"id"`
	Title           string     `json:"title"`
	AudioStorageKey *string    `json:"audio_storage_key,omitempty"`
	Status          SongStatus `json:"status"`
	ComposedVideoID *uuid.UUID `json:"composed_video_id,omitempty"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// SongAnalysis is the persisted output of the external audio analysis stage.
// Core reads duration and beat timestamps; mood/genre features ride along as JSONB.
type SongAnalysis struct {
	ID          uuid.UUID    `json:"id"`
	SongID      uuid.UUID    `json:"song_id"`
	DurationSec float64      `json:"duration_sec"`
	BPM         *float64     `json:"bpm,omitempty"`
	BeatTimes   Float64Slice `json:"beat_times"`
	Features    JSONB        `json:"features,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Clip is one planned segment of the song. The boundary fields (start/end/frames)
// are written once at planning time and never change; the generation fields are
// owned by whichever worker currently holds the clip.
type Clip struct {
	ID              uuid.UUID   `json:"id"`
	SongID          uuid.UUID   `json:"song_id"`
	ClipIndex       int         `json:"clip_index"`
	StartSec        float64     `json:"start_sec"`
	EndSec          float64     `json:"end_sec"`
	DurationSec     float64     `json:"duration_sec"`
	StartBeatIndex  *int        `json:"start_beat_index,omitempty"`
	EndBeatIndex    *int        `json:"end_beat_index,omitempty"`
	NumFrames       int         `json:"num_frames"`
	FPS             float64     `json:"fps"`
	Seed            *int64      `json:"seed,omitempty"`
	ScenePrompt     string      `json:"scene_prompt"`
	ReferenceImages StringSlice `json:"reference_images,omitempty"`
	Status          ClipStatus  `json:"status"`
	VideoURL        *string     `json:"video_url,omitempty"`
	ExternalJobID   *string     `json:"external_job_id,omitempty"`
	JobID           *uuid.UUID  `json:"job_id,omitempty"`
	ErrorMessage    *string     `json:"error_message,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Job mirrors one queue entry for observability. DependsOn records the sliding
// concurrency window edge (job i depends on job i-k); runtime enforcement lives
// in the worker's per-song limiter, not in the queue engine.
type Job struct {
	ID           uuid.UUID  `json:"id"`
	SongID       uuid.UUID  `json:"song_id"`
	ClipID       *uuid.UUID `json:"clip_id,omitempty"`
	Type         string     `json:"type"`
	Status       JobStatus  `json:"status"`
	DependsOn    *uuid.UUID `json:"depends_on,omitempty"`
	Attempts     int        `json:"attempts"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

type CompositionJob struct {
	ID              uuid.UUID         `json:"id"`
	SongID          uuid.UUID         `json:"song_id"`
	Status          CompositionStatus `json:"status"`
	Progress        int               `json:"progress"` // 0-100, never regresses
	ComposedVideoID *uuid.UUID        `json:"composed_video_id,omitempty"`
	ErrorMessage    *string           `json:"error_message,omitempty"`
	CancelRequested bool              `json:"cancel_requested"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

type ComposedVideo struct {
	ID            uuid.UUID `json:"id"`
	SongID        uuid.UUID `json:"song_id"`
	StorageKey    string    `json:"storage_key"`
	PosterKey     *string   `json:"poster_key,omitempty"`
	DurationSec   float64   `json:"duration_sec"`
	FileSizeBytes int64     `json:"file_size_bytes"`
	Width         int       `json:"width"`
	Height        int       `json:"height"`
	FPS           float64   `json:"fps"`
	ClipIDs       UUIDSlice `json:"clip_ids"`
	CreatedAt     time.Time `json:"created_at"`
}

// BatchAggregate is the derived "generate all clips for one song" view.
// It is never stored — always recomputed over a snapshot of the song's clips.
type BatchAggregate struct {
	Status     BatchStatus `json:"status"`
	Total      int         `json:"total"`
	Queued     int         `json:"queued"`
	Processing int         `json:"processing"`
	Completed  int         `json:"completed"`
	Failed     int         `json:"failed"`
	Progress   int         `json:"progress"` // 0-100
}

// DTOs for API responses

type SongResponse struct {
	Song
	Clips    []Clip          `json:"clips,omitempty"`
	Batch    *BatchAggregate `json:"batch,omitempty"`
	VideoURL *string         `json:"video_url,omitempty"`
}

type CreateSongRequest struct {
	Title           string  `json:"title" validate:"required,min=1,max=200"`
	AudioStorageKey *string `json:"audio_storage_key,omitempty" validate:"omitempty,min=1"`
}

type IngestAnalysisRequest struct {
	DurationSec float64                `json:"duration_sec" validate:"required,gt=0"`
	BPM         *float64               `json:"bpm,omitempty" validate:"omitempty,gt=0"`
	BeatTimes   []float64              `json:"beat_times"`
	Features    map[string]interface{} `json:"features,omitempty"`
}

type PlanClipsRequest struct {
	ClipCount  int      `json:"clip_count" validate:"required,min=1,max=60"`
	MinClipSec *float64 `json:"min_clip_sec,omitempty" validate:"omitempty,gt=0"`
	MaxClipSec *float64 `json:"max_clip_sec,omitempty" validate:"omitempty,gt=0"`
	FPS        *float64 `json:"fps,omitempty" validate:"omitempty,gt=0"`
}

type UpdateClipSceneRequest struct {
	ScenePrompt     *string  `json:"scene_prompt,omitempty" validate:"omitempty,max=2000"`
	ReferenceImages []string `json:"reference_images,omitempty" validate:"omitempty,max=4,dive,url"`
}

type GenerateRequest struct {
	ClipIDs     []uuid.UUID `json:"clip_ids,omitempty"`
	MaxParallel *int        `json:"max_parallel,omitempty" validate:"omitempty,min=1,max=16"`
}

type ComposeRequest struct {
	BeatEffects *bool `json:"beat_effects,omitempty"`
}

type ComposeResponse struct {
	CompositionJobID uuid.UUID         `json:"composition_job_id"`
	Status           CompositionStatus `json:"status"`
}
