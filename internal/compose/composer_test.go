package compose

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/beatweave/api/internal/models"
	"github.com/beatweave/api/internal/services"
	"github.com/beatweave/api/internal/storage"
	"github.com/google/uuid"
)

type fakeStore struct {
	songs    map[uuid.UUID]*models.Song
	clips    map[uuid.UUID][]models.Clip
	analyses map[uuid.UUID]*models.SongAnalysis
	jobs     map[uuid.UUID]*models.CompositionJob
	videos   map[uuid.UUID]*models.ComposedVideo
	songErrs map[uuid.UUID]string

	// cancelAt flips CancelRequested once a job's progress reaches this value,
	// simulating a cancel request landing mid-pipeline.
	cancelAt int

	// statusLog records every status transition per job, in order.
	statusLog map[uuid.UUID][]models.CompositionStatus
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		songs:     make(map[uuid.UUID]*models.Song),
		clips:     make(map[uuid.UUID][]models.Clip),
		analyses:  make(map[uuid.UUID]*models.SongAnalysis),
		jobs:      make(map[uuid.UUID]*models.CompositionJob),
		videos:    make(map[uuid.UUID]*models.ComposedVideo),
		songErrs:  make(map[uuid.UUID]string),
		statusLog: make(map[uuid.UUID][]models.CompositionStatus),
	}
}

func (f *fakeStore) GetSong(_ context.Context, id uuid.UUID) (*models.Song, error) {
	song, ok := f.songs[id]
	if !ok {
		return nil, fmt.Errorf("song %s: %w", id, models.ErrNotFound)
	}
	return song, nil
}

func (f *fakeStore) UpdateSongStatus(_ context.Context, id uuid.UUID, status models.SongStatus) error {
	if song, ok := f.songs[id]; ok {
		song.Status = status
	}
	return nil
}

func (f *fakeStore) UpdateSongError(_ context.Context, id uuid.UUID, msg string) error {
	f.songErrs[id] = msg
	return nil
}

func (f *fakeStore) SetSongComposedVideo(_ context.Context, songID, videoID uuid.UUID) error {
	if song, ok := f.songs[songID]; ok {
		song.ComposedVideoID = &videoID
		song.Status = models.SongStatusCompleted
	}
	return nil
}

func (f *fakeStore) GetSongClips(_ context.Context, songID uuid.UUID) ([]models.Clip, error) {
	return f.clips[songID], nil
}

func (f *fakeStore) GetLatestAnalysis(_ context.Context, songID uuid.UUID) (*models.SongAnalysis, error) {
	a, ok := f.analyses[songID]
	if !ok {
		return nil, fmt.Errorf("analysis for song %s: %w", songID, models.ErrNotFound)
	}
	return a, nil
}

func (f *fakeStore) GetCompositionJob(_ context.Context, id uuid.UUID) (*models.CompositionJob, error) {
	job, ok := f.jobs[id]
	if !ok {
		return nil, fmt.Errorf("composition job %s: %w", id, models.ErrNotFound)
	}
	copied := *job
	return &copied, nil
}

func (f *fakeStore) UpdateCompositionStatus(_ context.Context, id uuid.UUID, status models.CompositionStatus) error {
	if job, ok := f.jobs[id]; ok {
		job.Status = status
		f.statusLog[id] = append(f.statusLog[id], status)
	}
	return nil
}

func (f *fakeStore) UpdateCompositionProgress(_ context.Context, id uuid.UUID, progress int) error {
	job, ok := f.jobs[id]
	if !ok {
		return nil
	}
	if progress > job.Progress {
		job.Progress = progress
	}
	if f.cancelAt > 0 && job.Progress >= f.cancelAt {
		job.CancelRequested = true
	}
	return nil
}

func (f *fakeStore) FailCompositionJob(_ context.Context, id uuid.UUID, msg string) error {
	if job, ok := f.jobs[id]; ok {
		job.Status = models.CompositionStatusFailed
		job.ErrorMessage = &msg
	}
	return nil
}

func (f *fakeStore) CompleteCompositionJob(_ context.Context, id, videoID uuid.UUID) error {
	if job, ok := f.jobs[id]; ok {
		job.Status = models.CompositionStatusCompleted
		job.Progress = 100
		job.ComposedVideoID = &videoID
	}
	return nil
}

func (f *fakeStore) CreateComposedVideo(_ context.Context, v *models.ComposedVideo) error {
	f.videos[v.ID] = v
	return nil
}

type fakeObjectStore struct {
	objects map[string][]byte
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte)}
}

func (f *fakeObjectStore) Download(_ context.Context, key string) ([]byte, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return data, nil
}

func (f *fakeObjectStore) Upload(_ context.Context, key string, data []byte, _ string) error {
	f.objects[key] = data
	return nil
}

func (f *fakeObjectStore) Exists(_ context.Context, key string) (bool, error) {
	_, ok := f.objects[key]
	return ok, nil
}

func (f *fakeObjectStore) GetPublicURL(key string) string {
	return "https://cdn.example.net/" + key
}

// fakeMediaTool stands in for ffmpeg: outputs are stub files and durations
// live in a per-basename map that mutating operations keep up to date.
type fakeMediaTool struct {
	durations     map[string]float64
	hasAudio      bool
	targetW       int
	targetH       int
	targetFPS     float64
	probeOverride *services.ProbeResult

	normalized []string
	extends    []float64
	trims      []float64
	loops      []float64
	hardTrims  []float64
	pulses     int
	muxes      int
}

func newFakeMediaTool() *fakeMediaTool {
	return &fakeMediaTool{
		durations: make(map[string]float64),
		hasAudio:  true,
		targetW:   1080,
		targetH:   1920,
		targetFPS: 24,
	}
}

func (f *fakeMediaTool) Workspace(prefix string) (string, func(), error) {
	dir, err := os.MkdirTemp("", prefix)
	if err != nil {
		return "", nil, err
	}
	return dir, func() { os.RemoveAll(dir) }, nil
}

func (f *fakeMediaTool) Probe(_ context.Context, path string) (*services.ProbeResult, error) {
	if f.probeOverride != nil {
		return f.probeOverride, nil
	}
	return &services.ProbeResult{
		DurationSec: f.durations[filepath.Base(path)],
		Width:       f.targetW,
		Height:      f.targetH,
		FPS:         f.targetFPS,
		HasAudio:    f.hasAudio,
		SizeBytes:   2048,
	}, nil
}

func (f *fakeMediaTool) writeOutput(path string, durationSec float64) error {
	f.durations[filepath.Base(path)] = durationSec
	return os.WriteFile(path, []byte("stub"), 0644)
}

func (f *fakeMediaTool) Normalize(_ context.Context, in, out string) error {
	f.normalized = append(f.normalized, in)
	return f.writeOutput(out, f.durations[filepath.Base(in)])
}

func (f *fakeMediaTool) Concat(_ context.Context, clips []string, out string) error {
	var total float64
	for _, p := range clips {
		total += f.durations[filepath.Base(p)]
	}
	return f.writeOutput(out, total)
}

func (f *fakeMediaTool) TrimWithFade(_ context.Context, in, out string, targetSec float64) error {
	f.trims = append(f.trims, targetSec)
	return f.writeOutput(out, targetSec)
}

func (f *fakeMediaTool) ExtendWithFreeze(_ context.Context, in, out string, currentSec, targetSec float64) error {
	f.extends = append(f.extends, targetSec)
	return f.writeOutput(out, targetSec)
}

func (f *fakeMediaTool) LoopToDuration(_ context.Context, in, out string, targetSec float64) error {
	f.loops = append(f.loops, targetSec)
	return f.writeOutput(out, targetSec)
}

func (f *fakeMediaTool) HardTrim(_ context.Context, in, out string, targetSec float64) error {
	f.hardTrims = append(f.hardTrims, targetSec)
	return f.writeOutput(out, targetSec)
}

func (f *fakeMediaTool) ApplyBeatPulse(_ context.Context, in, out string, _ []float64, _ float64) error {
	f.pulses++
	return f.writeOutput(out, f.durations[filepath.Base(in)])
}

func (f *fakeMediaTool) Mux(_ context.Context, _, _, out string, targetSec float64) error {
	f.muxes++
	return f.writeOutput(out, targetSec)
}

func (f *fakeMediaTool) ExtractPoster(_ context.Context, _, out string, _ float64) error {
	return os.WriteFile(out, []byte("jpg"), 0644)
}

func (f *fakeMediaTool) Width() int { return f.targetW }

func (f *fakeMediaTool) Height() int { return f.targetH }

func (f *fakeMediaTool) FPS() float64 { return f.targetFPS }

func newTestComposer(t *testing.T, store *fakeStore, objStore *fakeObjectStore) *Composer {
	t.Helper()
	c, _ := newTestComposerMedia(t, store, objStore)
	return c
}

func newTestComposerMedia(t *testing.T, store *fakeStore, objStore *fakeObjectStore) (*Composer, *fakeMediaTool) {
	t.Helper()
	media := newFakeMediaTool()
	return New(store, objStore, media, Options{BeatEffects: false}), media
}

func seedComposableSong(store *fakeStore, objStore *fakeObjectStore) uuid.UUID {
	songID := uuid.New()
	audioKey := storage.SongKey(songID, "audio.mp3")
	store.songs[songID] = &models.Song{
		ID:              songID,
		Status:          models.SongStatusGenerating,
		AudioStorageKey: &audioKey,
	}
	objStore.objects[audioKey] = []byte("audio-bytes")

	url1 := "https://cdn.example.net/clips/a.mp4"
	url2 := "https://cdn.example.net/clips/b.mp4"
	store.clips[songID] = []models.Clip{
		{ID: uuid.New(), SongID: songID, ClipIndex: 0, DurationSec: 4, Status: models.ClipStatusCompleted, VideoURL: &url1},
		{ID: uuid.New(), SongID: songID, ClipIndex: 1, DurationSec: 4, Status: models.ClipStatusCompleted, VideoURL: &url2},
	}
	store.analyses[songID] = &models.SongAnalysis{
		SongID:      songID,
		DurationSec: 8,
		BeatTimes:   models.Float64Slice{0.5, 1.0, 1.5},
	}
	return songID
}

func TestValidateAcceptsCompleteSong(t *testing.T) {
	store := newFakeStore()
	objStore := newFakeObjectStore()
	c := newTestComposer(t, store, objStore)

	songID := seedComposableSong(store, objStore)

	_, clips, analysis, audioKey, err := c.validate(context.Background(), songID)
	if err != nil {
		t.Fatalf("expected valid song, got %v", err)
	}
	if len(clips) != 2 {
		t.Errorf("expected 2 clips, got %d", len(clips))
	}
	if analysis.DurationSec != 8 {
		t.Errorf("wrong analysis duration: %v", analysis.DurationSec)
	}
	if audioKey != storage.SongKey(songID, "audio.mp3") {
		t.Errorf("wrong audio key: %s", audioKey)
	}
}

func TestValidateRejectsIncompleteClips(t *testing.T) {
	store := newFakeStore()
	objStore := newFakeObjectStore()
	c := newTestComposer(t, store, objStore)

	songID := seedComposableSong(store, objStore)
	store.clips[songID][1].Status = models.ClipStatusProcessing

	_, _, _, _, err := c.validate(context.Background(), songID)
	if err == nil {
		t.Fatal("expected validation error for incomplete clip")
	}
	var compErr *CompositionError
	if !asCompositionError(err, &compErr) {
		t.Fatalf("expected *CompositionError, got %T", err)
	}
	if !strings.Contains(compErr.Error(), "must be completed") {
		t.Errorf("unexpected message: %s", compErr.Error())
	}
}

func TestValidateRejectsUnusableMediaURL(t *testing.T) {
	store := newFakeStore()
	objStore := newFakeObjectStore()
	c := newTestComposer(t, store, objStore)

	songID := seedComposableSong(store, objStore)
	bad := "file:///tmp/render.mp4"
	store.clips[songID][0].VideoURL = &bad

	if _, _, _, _, err := c.validate(context.Background(), songID); err == nil {
		t.Error("expected validation error for non-http media url")
	}

	placeholder := "https://example.com/render.mp4"
	store.clips[songID][0].VideoURL = &placeholder
	if _, _, _, _, err := c.validate(context.Background(), songID); err == nil {
		t.Error("expected validation error for placeholder media url")
	}
}

func TestValidateRejectsMissingAnalysis(t *testing.T) {
	store := newFakeStore()
	objStore := newFakeObjectStore()
	c := newTestComposer(t, store, objStore)

	songID := seedComposableSong(store, objStore)
	delete(store.analyses, songID)

	if _, _, _, _, err := c.validate(context.Background(), songID); err == nil {
		t.Error("expected validation error for missing analysis")
	}
}

func TestResolveAudioKeyFallbackOrder(t *testing.T) {
	store := newFakeStore()
	objStore := newFakeObjectStore()
	c := newTestComposer(t, store, objStore)

	songID := uuid.New()
	song := &models.Song{ID: songID}
	store.songs[songID] = song

	// No audio anywhere.
	if _, err := c.resolveAudioKey(context.Background(), song); err == nil {
		t.Error("expected error when no audio exists")
	}

	// Conventional wav fallback.
	wavKey := storage.SongKey(songID, "source.wav")
	objStore.objects[wavKey] = []byte("wav")
	key, err := c.resolveAudioKey(context.Background(), song)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != wavKey {
		t.Errorf("expected wav fallback, got %s", key)
	}

	// mp3 fallback outranks wav.
	mp3Key := storage.SongKey(songID, "audio.mp3")
	objStore.objects[mp3Key] = []byte("mp3")
	if key, _ := c.resolveAudioKey(context.Background(), song); key != mp3Key {
		t.Errorf("expected mp3 fallback, got %s", key)
	}

	// An explicit key on the song outranks both.
	explicit := "uploads/custom/track.flac"
	objStore.objects[explicit] = []byte("flac")
	song.AudioStorageKey = &explicit
	if key, _ := c.resolveAudioKey(context.Background(), song); key != explicit {
		t.Errorf("expected explicit key, got %s", key)
	}
}

func TestComposeRecordsPipelineFailure(t *testing.T) {
	store := newFakeStore()
	objStore := newFakeObjectStore()
	c := newTestComposer(t, store, objStore)

	songID := uuid.New()
	store.songs[songID] = &models.Song{ID: songID, Status: models.SongStatusGenerating}

	jobID := uuid.New()
	store.jobs[jobID] = &models.CompositionJob{ID: jobID, SongID: songID, Status: models.CompositionStatusQueued, Progress: 0}

	// Song has no clips: validation fails, the error lands on the job and the
	// song, and Compose itself returns nil.
	if err := c.Compose(context.Background(), songID, jobID, nil); err != nil {
		t.Fatalf("pipeline failures should not surface as infrastructure errors: %v", err)
	}

	job := store.jobs[jobID]
	if job.Status != models.CompositionStatusFailed {
		t.Errorf("expected failed job, got %s", job.Status)
	}
	if job.ErrorMessage == nil {
		t.Error("failure message not recorded on job")
	}
	if job.Progress != 0 {
		t.Errorf("progress should freeze on failure, got %d", job.Progress)
	}
	if _, ok := store.songErrs[songID]; !ok {
		t.Error("failure not recorded on song")
	}
}

func TestCheckpointHonorsCancelRequest(t *testing.T) {
	store := newFakeStore()
	c := newTestComposer(t, store, newFakeObjectStore())

	jobID := uuid.New()
	store.jobs[jobID] = &models.CompositionJob{ID: jobID, Status: models.CompositionStatusProcessing, CancelRequested: true}

	cancelled, err := c.checkpoint(context.Background(), jobID, 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cancelled {
		t.Fatal("checkpoint ignored the cancel request")
	}
	if store.jobs[jobID].Status != models.CompositionStatusCancelled {
		t.Errorf("expected cancelled status, got %s", store.jobs[jobID].Status)
	}
}

func TestCheckMediaURL(t *testing.T) {
	c := newTestComposer(t, newFakeStore(), newFakeObjectStore())

	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()
	if err := c.checkMediaURL(context.Background(), ok.URL+"/clip.mp4"); err != nil {
		t.Errorf("expected reachable media, got %v", err)
	}

	missing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer missing.Close()
	if err := c.checkMediaURL(context.Background(), missing.URL+"/clip.mp4"); err == nil {
		t.Error("expected error for missing media")
	}

	// Servers that reject HEAD get a one-byte ranged GET instead.
	noHead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "HEAD" {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if r.Header.Get("Range") != "bytes=0-0" {
			t.Errorf("expected ranged fallback, got range %q", r.Header.Get("Range"))
		}
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte{0})
	}))
	defer noHead.Close()
	if err := c.checkMediaURL(context.Background(), noHead.URL+"/clip.mp4"); err != nil {
		t.Errorf("expected ranged fallback to succeed, got %v", err)
	}
}

func TestUsableMediaURL(t *testing.T) {
	good := []string{
		"https://cdn.example.net/clips/a.mp4",
		"http://media.internal:9000/bucket/clip.mp4",
	}
	for _, u := range good {
		if !usableMediaURL(u) {
			t.Errorf("expected %s to be usable", u)
		}
	}

	bad := []string{
		"",
		"file:///tmp/a.mp4",
		"ftp://host/a.mp4",
		"https://example.com/a.mp4",
		"not a url",
	}
	for _, u := range bad {
		if usableMediaURL(u) {
			t.Errorf("expected %s to be rejected", u)
		}
	}
}

func TestReconcileLastClipMismatchFails(t *testing.T) {
	c, media := newTestComposerMedia(t, newFakeStore(), newFakeObjectStore())
	media.durations["a.mp4"] = 4
	media.durations["b.mp4"] = 4

	// 8s of clips against a 20s song is far beyond the 5s ceiling.
	err := c.reconcileLastClip(context.Background(), []string{"a.mp4", "b.mp4"}, 20, t.TempDir())
	if err == nil {
		t.Fatal("expected failure for a 12s coverage gap")
	}
	var compErr *CompositionError
	if !asCompositionError(err, &compErr) {
		t.Fatalf("expected *CompositionError, got %T", err)
	}
	if len(media.extends)+len(media.trims) != 0 {
		t.Error("no media should be touched when the gap exceeds the ceiling")
	}
}

func TestReconcileLastClipExtendsShortCoverage(t *testing.T) {
	c, media := newTestComposerMedia(t, newFakeStore(), newFakeObjectStore())
	media.durations["a.mp4"] = 4
	media.durations["b.mp4"] = 4

	normalized := []string{"a.mp4", "b.mp4"}
	if err := c.reconcileLastClip(context.Background(), normalized, 10, t.TempDir()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(media.extends) != 1 || media.extends[0] != 6 {
		t.Errorf("expected the last clip extended to 6s, got %v", media.extends)
	}
	if len(media.trims) != 0 {
		t.Error("a short coverage must extend, not trim")
	}
	if filepath.Base(normalized[1]) != "last_adjusted.mp4" {
		t.Errorf("last clip was not replaced with the adjusted file: %s", normalized[1])
	}
}

func TestReconcileLastClipTrimsLongCoverage(t *testing.T) {
	c, media := newTestComposerMedia(t, newFakeStore(), newFakeObjectStore())
	media.durations["a.mp4"] = 4
	media.durations["b.mp4"] = 4

	if err := c.reconcileLastClip(context.Background(), []string{"a.mp4", "b.mp4"}, 6.5, t.TempDir()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(media.trims) != 1 || media.trims[0] != 2.5 {
		t.Errorf("expected the last clip trimmed to 2.5s, got %v", media.trims)
	}
	if len(media.extends) != 0 {
		t.Error("a long coverage must trim, not extend")
	}
}

func TestReconcileLastClipWithinTolerance(t *testing.T) {
	c, media := newTestComposerMedia(t, newFakeStore(), newFakeObjectStore())
	media.durations["a.mp4"] = 4
	media.durations["b.mp4"] = 4

	if err := c.reconcileLastClip(context.Background(), []string{"a.mp4", "b.mp4"}, 8.05, t.TempDir()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(media.extends)+len(media.trims) != 0 {
		t.Error("sub-tolerance gaps should not modify any clip")
	}
}

func TestCorrectConcatDrift(t *testing.T) {
	c, media := newTestComposerMedia(t, newFakeStore(), newFakeObjectStore())

	// Joined video shorter than the song: loop to cover.
	media.durations["concat.mp4"] = 7
	out, err := c.correctConcatDrift(context.Background(), "concat.mp4", 8, t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(media.loops) != 1 || media.loops[0] != 8 {
		t.Errorf("expected a loop to 8s, got %v", media.loops)
	}
	if filepath.Base(out) != "drift_corrected.mp4" {
		t.Errorf("expected the corrected file, got %s", out)
	}

	// Longer than the song: hard trim.
	media.durations["concat.mp4"] = 9
	if _, err := c.correctConcatDrift(context.Background(), "concat.mp4", 8, t.TempDir()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(media.hardTrims) != 1 || media.hardTrims[0] != 8 {
		t.Errorf("expected a hard trim to 8s, got %v", media.hardTrims)
	}

	// Within tolerance: passed through untouched.
	media.durations["concat.mp4"] = 8.05
	out, err = c.correctConcatDrift(context.Background(), "concat.mp4", 8, t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "concat.mp4" {
		t.Errorf("sub-tolerance drift should keep the original, got %s", out)
	}
	if len(media.loops)+len(media.hardTrims) != 2 {
		t.Error("sub-tolerance drift should not run any correction")
	}
}

func TestVerifyRejectsBadOutputs(t *testing.T) {
	c, media := newTestComposerMedia(t, newFakeStore(), newFakeObjectStore())

	media.probeOverride = &services.ProbeResult{DurationSec: 8, Width: 720, Height: 1280, FPS: 24, HasAudio: true, SizeBytes: 2048}
	if _, err := c.verify(context.Background(), "final.mp4"); err == nil {
		t.Error("expected error for a resolution mismatch")
	}

	media.probeOverride = &services.ProbeResult{DurationSec: 8, Width: 1080, Height: 1920, FPS: 24, HasAudio: false, SizeBytes: 2048}
	if _, err := c.verify(context.Background(), "final.mp4"); err == nil {
		t.Error("expected error for missing audio")
	}

	media.probeOverride = &services.ProbeResult{Width: 1080, Height: 1920, FPS: 24, HasAudio: true}
	if _, err := c.verify(context.Background(), "final.mp4"); err == nil {
		t.Error("expected error for an empty output")
	}

	// Small fps drift is only warned about.
	media.probeOverride = &services.ProbeResult{DurationSec: 8, Width: 1080, Height: 1920, FPS: 27, HasAudio: true, SizeBytes: 2048}
	if _, err := c.verify(context.Background(), "final.mp4"); err != nil {
		t.Errorf("fps drift should not be fatal: %v", err)
	}
}

func TestComposeLateCancelDoesNotOverwriteCompletion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("clip-bytes"))
	}))
	defer server.Close()

	store := newFakeStore()
	objStore := newFakeObjectStore()
	c, media := newTestComposerMedia(t, store, objStore)

	songID := seedComposableSong(store, objStore)
	url1 := server.URL + "/a.mp4"
	url2 := server.URL + "/b.mp4"
	store.clips[songID][0].VideoURL = &url1
	store.clips[songID][1].VideoURL = &url2
	media.durations["clip_000.mp4"] = 4
	media.durations["clip_001.mp4"] = 4

	jobID := uuid.New()
	store.jobs[jobID] = &models.CompositionJob{ID: jobID, SongID: songID, Status: models.CompositionStatusQueued}

	// The cancel request lands once the pipeline passes the mux stage, when
	// the artifact is already persisted.
	store.cancelAt = 90

	if err := c.Compose(context.Background(), songID, jobID, nil); err != nil {
		t.Fatalf("unexpected infrastructure error: %v", err)
	}

	job := store.jobs[jobID]
	if job.Status != models.CompositionStatusCompleted {
		t.Errorf("late cancel must not override completion, got %s", job.Status)
	}
	for _, s := range store.statusLog[jobID] {
		if s == models.CompositionStatusCancelled {
			t.Error("job must never pass through cancelled once the artifact is persisted")
		}
	}
	if job.Progress != 100 {
		t.Errorf("expected 100%% progress, got %d", job.Progress)
	}
	if len(store.videos) != 1 {
		t.Errorf("expected one composed video, got %d", len(store.videos))
	}
	if store.songs[songID].Status != models.SongStatusCompleted {
		t.Errorf("expected completed song, got %s", store.songs[songID].Status)
	}
}

func TestComposeCancelResetsSongStatus(t *testing.T) {
	store := newFakeStore()
	objStore := newFakeObjectStore()
	c := newTestComposer(t, store, objStore)

	songID := seedComposableSong(store, objStore)
	jobID := uuid.New()
	store.jobs[jobID] = &models.CompositionJob{ID: jobID, SongID: songID, Status: models.CompositionStatusQueued, CancelRequested: true}

	if err := c.Compose(context.Background(), songID, jobID, nil); err != nil {
		t.Fatalf("unexpected infrastructure error: %v", err)
	}

	if got := store.jobs[jobID].Status; got != models.CompositionStatusCancelled {
		t.Errorf("expected cancelled job, got %s", got)
	}
	if got := store.songs[songID].Status; got != models.SongStatusGenerating {
		t.Errorf("cancelled composition must release the song back to generating, got %s", got)
	}
	if len(store.videos) != 0 {
		t.Errorf("no video should be produced after a cancel, got %d", len(store.videos))
	}
}

func asCompositionError(err error, target **CompositionError) bool {
	e, ok := err.(*CompositionError)
	if ok {
		*target = e
	}
	return ok
}
