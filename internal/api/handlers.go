package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/beatweave/api/internal/db"
	"github.com/beatweave/api/internal/models"
	"github.com/beatweave/api/internal/planner"
	"github.com/beatweave/api/internal/queue"
	"github.com/beatweave/api/internal/scheduler"
	"github.com/beatweave/api/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const downloadURLExpiry = 15 * time.Minute

type Handler struct {
	db        *db.DB
	scheduler *scheduler.Service
	queue     *queue.Queue
	storage   *storage.Storage
	validate  *validator.Validate
}

func NewHandler(database *db.DB, sched *scheduler.Service, q *queue.Queue, stor *storage.Storage) *Handler {
	return &Handler{
		db:        database,
		scheduler: sched,
		queue:     q,
		storage:   stor,
		validate:  validator.New(),
	}
}

// CreateSong handles POST /v1/songs
func (h *Handler) CreateSong(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSongRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	song := &models.Song{
		ID:              uuid.New(),
		Title:           req.Title,
		AudioStorageKey: req.AudioStorageKey,
		Status:          models.SongStatusCreated,
	}
	if err := h.db.CreateSong(r.Context(), song); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to create song")
		return
	}

	respondJSON(w, http.StatusCreated, song)
}

// IngestAnalysis handles POST /v1/songs/{id}/analysis.
// The analysis itself runs outside this service; this endpoint records its
// output (duration, beat timestamps, features) for planning and composition.
func (h *Handler) IngestAnalysis(w http.ResponseWriter, r *http.Request) {
	songID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid song ID")
		return
	}

	var req models.IngestAnalysisRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := h.db.GetSong(r.Context(), songID); err != nil {
		respondError(w, http.StatusNotFound, "Song not found")
		return
	}

	analysis := &models.SongAnalysis{
		ID:          uuid.New(),
		SongID:      songID,
		DurationSec: req.DurationSec,
		BPM:         req.BPM,
		BeatTimes:   models.Float64Slice(req.BeatTimes),
		Features:    models.JSONB(req.Features),
	}
	if err := h.db.CreateAnalysis(r.Context(), analysis); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to store analysis")
		return
	}

	respondJSON(w, http.StatusCreated, analysis)
}

// PlanClips handles POST /v1/songs/{id}/plan
func (h *Handler) PlanClips(w http.ResponseWriter, r *http.Request) {
	songID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid song ID")
		return
	}

	var req models.PlanClipsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var opts planner.Options
	if req.MinClipSec != nil {
		opts.MinClipSec = *req.MinClipSec
	}
	if req.MaxClipSec != nil {
		opts.MaxClipSec = *req.MaxClipSec
	}
	if req.FPS != nil {
		opts.FPS = *req.FPS
	}

	clips, err := h.scheduler.PlanSong(r.Context(), songID, req.ClipCount, opts)
	if err != nil {
		var planErr *planner.PlanningError
		switch {
		case models.IsNotFound(err):
			respondError(w, http.StatusNotFound, err.Error())
		case errors.As(err, &planErr):
			respondError(w, http.StatusUnprocessableEntity, planErr.Error())
		default:
			respondError(w, http.StatusInternalServerError, "Failed to plan clips")
		}
		return
	}

	respondJSON(w, http.StatusCreated, clips)
}

// Generate handles POST /v1/songs/{id}/generate
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	songID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid song ID")
		return
	}

	// Empty body means "generate everything with defaults".
	var req models.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	maxParallel := 0
	if req.MaxParallel != nil {
		maxParallel = *req.MaxParallel
	}

	agg, err := h.scheduler.SubmitBatch(r.Context(), songID, req.ClipIDs, maxParallel)
	if err != nil {
		switch {
		case models.IsNotFound(err):
			respondError(w, http.StatusNotFound, err.Error())
		case models.IsValidation(err):
			respondError(w, http.StatusBadRequest, err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "Failed to submit generation batch")
		}
		return
	}

	respondJSON(w, http.StatusAccepted, agg)
}

// GetSong handles GET /v1/songs/{id}
func (h *Handler) GetSong(w http.ResponseWriter, r *http.Request) {
	songID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid song ID")
		return
	}

	song, err := h.db.GetSong(r.Context(), songID)
	if err != nil {
		respondError(w, http.StatusNotFound, "Song not found")
		return
	}

	clips, err := h.db.GetSongClips(r.Context(), songID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get clips")
		return
	}

	response := models.SongResponse{
		Song:  *song,
		Clips: clips,
	}

	if len(clips) > 0 {
		agg, err := h.scheduler.BatchStatus(r.Context(), songID)
		if err == nil {
			response.Batch = &agg
		}
	}

	if song.ComposedVideoID != nil {
		if video, err := h.db.GetComposedVideo(r.Context(), *song.ComposedVideoID); err == nil {
			url := h.storage.GetPublicURL(video.StorageKey)
			response.VideoURL = &url
		}
	}

	respondJSON(w, http.StatusOK, response)
}

// UpdateClipScene handles PUT /v1/clips/{id}/scene. Sets the prompt and
// reference images the render will use. Rejected while a worker owns the clip.
func (h *Handler) UpdateClipScene(w http.ResponseWriter, r *http.Request) {
	clipID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid clip ID")
		return
	}

	var req models.UpdateClipSceneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	clip, err := h.db.GetClip(r.Context(), clipID)
	if err != nil {
		respondError(w, http.StatusNotFound, "Clip not found")
		return
	}
	if clip.Status == models.ClipStatusProcessing {
		respondError(w, http.StatusConflict, "Clip is currently being generated")
		return
	}

	if req.ScenePrompt != nil {
		clip.ScenePrompt = *req.ScenePrompt
	}
	if req.ReferenceImages != nil {
		clip.ReferenceImages = models.StringSlice(req.ReferenceImages)
	}

	if err := h.db.UpdateClip(r.Context(), clip); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to update clip")
		return
	}

	respondJSON(w, http.StatusOK, clip)
}

// RetryClip handles POST /v1/clips/{id}/retry
func (h *Handler) RetryClip(w http.ResponseWriter, r *http.Request) {
	clipID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid clip ID")
		return
	}

	clip, err := h.scheduler.RetryClip(r.Context(), clipID)
	if err != nil {
		switch {
		case models.IsNotFound(err):
			respondError(w, http.StatusNotFound, "Clip not found")
		case models.IsValidation(err):
			// Retry of in-flight work is a state conflict, not a bad request.
			respondError(w, http.StatusConflict, err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "Failed to retry clip")
		}
		return
	}

	respondJSON(w, http.StatusAccepted, clip)
}

// Compose handles POST /v1/songs/{id}/compose
func (h *Handler) Compose(w http.ResponseWriter, r *http.Request) {
	songID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid song ID")
		return
	}

	var req models.ComposeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if _, err := h.db.GetSong(r.Context(), songID); err != nil {
		respondError(w, http.StatusNotFound, "Song not found")
		return
	}

	agg, err := h.scheduler.BatchStatus(r.Context(), songID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to check clip status")
		return
	}
	if agg.Total == 0 || agg.Status != models.BatchStatusCompleted {
		respondError(w, http.StatusConflict, "All clips must be completed before composing")
		return
	}

	job := &models.CompositionJob{
		ID:     uuid.New(),
		SongID: songID,
		Status: models.CompositionStatusQueued,
	}
	if err := h.db.CreateCompositionJob(r.Context(), job); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to create composition job")
		return
	}

	if err := h.queue.EnqueueComposeVideo(r.Context(), songID, job.ID, req.BeatEffects); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to enqueue composition")
		return
	}

	respondJSON(w, http.StatusAccepted, models.ComposeResponse{
		CompositionJobID: job.ID,
		Status:           job.Status,
	})
}

// GetComposition handles GET /v1/compositions/{id}
func (h *Handler) GetComposition(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid composition ID")
		return
	}

	job, err := h.db.GetCompositionJob(r.Context(), jobID)
	if err != nil {
		respondError(w, http.StatusNotFound, "Composition job not found")
		return
	}

	respondJSON(w, http.StatusOK, job)
}

// CancelComposition handles POST /v1/compositions/{id}/cancel.
// The flag is cooperative: the pipeline stops at its next stage boundary.
func (h *Handler) CancelComposition(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid composition ID")
		return
	}

	job, err := h.db.GetCompositionJob(r.Context(), jobID)
	if err != nil {
		respondError(w, http.StatusNotFound, "Composition job not found")
		return
	}

	switch job.Status {
	case models.CompositionStatusCompleted, models.CompositionStatusFailed, models.CompositionStatusCancelled:
		respondError(w, http.StatusConflict, "Composition already finished")
		return
	}

	if err := h.db.RequestCompositionCancel(r.Context(), jobID); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to request cancellation")
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{"status": "cancel_requested"})
}

// GetSongDownload handles GET /v1/songs/{id}/download
func (h *Handler) GetSongDownload(w http.ResponseWriter, r *http.Request) {
	songID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid song ID")
		return
	}

	song, err := h.db.GetSong(r.Context(), songID)
	if err != nil {
		respondError(w, http.StatusNotFound, "Song not found")
		return
	}

	if song.ComposedVideoID == nil {
		respondError(w, http.StatusNotFound, "Video not ready")
		return
	}

	video, err := h.db.GetComposedVideo(r.Context(), *song.ComposedVideoID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get composed video")
		return
	}

	url, err := h.storage.PresignGet(r.Context(), video.StorageKey, downloadURLExpiry)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to generate download URL")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"url":          url,
		"expires_at":   time.Now().Add(downloadURLExpiry),
		"duration_sec": video.DurationSec,
		"file_size":    video.FileSizeBytes,
	})
}

// GetSongJobs handles GET /v1/songs/{id}/debug/jobs. Exposes the queue job
// records, including the sliding-window depends_on edges, for debugging.
func (h *Handler) GetSongJobs(w http.ResponseWriter, r *http.Request) {
	songID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid song ID")
		return
	}

	jobs, err := h.db.GetSongJobs(r.Context(), songID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get jobs")
		return
	}

	respondJSON(w, http.StatusOK, jobs)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
