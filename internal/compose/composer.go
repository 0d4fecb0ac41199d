// Package compose assembles a song's generated clips into the final
// beat-synchronized video: download, normalize, duration reconciliation,
// concatenation, optional beat effects, and the audio mux.
package compose

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/beatweave/api/internal/models"
	"github.com/beatweave/api/internal/services"
	"github.com/beatweave/api/internal/storage"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	// Clip downloads run through a small pool; each clip gets its own timeout
	// so one stalled transfer cannot hold the whole composition hostage.
	downloadPoolSize   = 4
	clipDownloadExpiry = 5 * time.Minute

	// A mismatch above this between planned clip coverage and the song length
	// means the plan and the audio no longer describe the same song.
	maxDurationMismatchSec = 5.0

	// Post-concat drift below this is absorbed silently with loop/trim.
	concatDriftToleranceSec = 0.1

	fpsDriftWarnThreshold = 1.0

	composedFilename = "composed.mp4"
	posterFilename   = "poster.jpg"
)

// CompositionError marks failures in composition input validation or
// reconciliation where no media has been mutated yet.
type CompositionError struct {
	Stage string
	Msg   string
}

func (e *CompositionError) Error() string {
	return fmt.Sprintf("composition %s: %s", e.Stage, e.Msg)
}

func compositionErrorf(stage, format string, args ...interface{}) *CompositionError {
	return &CompositionError{Stage: stage, Msg: fmt.Sprintf(format, args...)}
}

// Store is the slice of persistence composition needs.
type Store interface {
	GetSong(ctx context.Context, id uuid.UUID) (*models.Song, error)
	UpdateSongStatus(ctx context.Context, id uuid.UUID, status models.SongStatus) error
	UpdateSongError(ctx context.Context, id uuid.UUID, errorMessage string) error
	SetSongComposedVideo(ctx context.Context, songID, composedVideoID uuid.UUID) error
	GetSongClips(ctx context.Context, songID uuid.UUID) ([]models.Clip, error)
	GetLatestAnalysis(ctx context.Context, songID uuid.UUID) (*models.SongAnalysis, error)
	GetCompositionJob(ctx context.Context, id uuid.UUID) (*models.CompositionJob, error)
	UpdateCompositionStatus(ctx context.Context, id uuid.UUID, status models.CompositionStatus) error
	UpdateCompositionProgress(ctx context.Context, id uuid.UUID, progress int) error
	FailCompositionJob(ctx context.Context, id uuid.UUID, errorMessage string) error
	CompleteCompositionJob(ctx context.Context, id, composedVideoID uuid.UUID) error
	CreateComposedVideo(ctx context.Context, v *models.ComposedVideo) error
}

// ObjectStore is the storage capability composition needs.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	Exists(ctx context.Context, key string) (bool, error)
	GetPublicURL(key string) string
}

// MediaTool is the probing and transcoding capability composition needs,
// satisfied by services.FFmpegService.
type MediaTool interface {
	Workspace(prefix string) (string, func(), error)
	Probe(ctx context.Context, path string) (*services.ProbeResult, error)
	Normalize(ctx context.Context, inputPath, outputPath string) error
	Concat(ctx context.Context, clipPaths []string, outputPath string) error
	TrimWithFade(ctx context.Context, inputPath, outputPath string, targetSec float64) error
	ExtendWithFreeze(ctx context.Context, inputPath, outputPath string, currentSec, targetSec float64) error
	LoopToDuration(ctx context.Context, inputPath, outputPath string, targetSec float64) error
	HardTrim(ctx context.Context, inputPath, outputPath string, targetSec float64) error
	ApplyBeatPulse(ctx context.Context, inputPath, outputPath string, beatTimes []float64, toleranceSec float64) error
	Mux(ctx context.Context, videoPath, audioPath, outputPath string, targetSec float64) error
	ExtractPoster(ctx context.Context, videoPath, outputPath string, durationSec float64) error
	Width() int
	Height() int
	FPS() float64
}

type Options struct {
	BeatEffects bool
}

type Composer struct {
	store      Store
	storage    ObjectStore
	media      MediaTool
	httpClient *http.Client
	opts       Options
}

func New(store Store, objStore ObjectStore, media MediaTool, opts Options) *Composer {
	return &Composer{
		store:   store,
		storage: objStore,
		media:   media,
		// No client-level timeout: per-clip timeouts come from the download
		// contexts, and the final video can legitimately take minutes.
		httpClient: &http.Client{},
		opts:       opts,
	}
}

// Compose runs the whole pipeline for one composition job. Pipeline errors are
// recorded on the job and the song; only infrastructure errors (persistence
// itself failing) are returned. Cancellation is honored at stage boundaries
// and is not an error. A nil beatEffects defers to the configured default.
func (c *Composer) Compose(ctx context.Context, songID, jobID uuid.UUID, beatEffects *bool) error {
	log.Printf("[Compose] Starting composition for song %s (job %s)", songID, jobID)

	if err := c.store.UpdateCompositionStatus(ctx, jobID, models.CompositionStatusProcessing); err != nil {
		return fmt.Errorf("failed to mark composition processing: %w", err)
	}
	if err := c.store.UpdateSongStatus(ctx, songID, models.SongStatusComposing); err != nil {
		return fmt.Errorf("failed to mark song composing: %w", err)
	}

	effects := c.opts.BeatEffects
	if beatEffects != nil {
		effects = *beatEffects
	}

	result, err := c.run(ctx, songID, jobID, effects)
	if err != nil {
		log.Printf("[Compose] Composition failed for song %s: %v", songID, err)
		if dbErr := c.store.FailCompositionJob(ctx, jobID, err.Error()); dbErr != nil {
			return fmt.Errorf("failed to record composition error: %w", dbErr)
		}
		if dbErr := c.store.UpdateSongError(ctx, songID, err.Error()); dbErr != nil {
			return fmt.Errorf("failed to record song error: %w", dbErr)
		}
		return nil
	}
	if result == nil {
		// Cancelled at a stage boundary. The song goes back to generating so
		// another composition can be requested later.
		log.Printf("[Compose] Composition cancelled for song %s", songID)
		if dbErr := c.store.UpdateSongStatus(ctx, songID, models.SongStatusGenerating); dbErr != nil {
			return fmt.Errorf("failed to reset song status after cancel: %w", dbErr)
		}
		return nil
	}

	if err := c.store.CompleteCompositionJob(ctx, jobID, result.ID); err != nil {
		return fmt.Errorf("failed to complete composition job: %w", err)
	}
	if err := c.store.SetSongComposedVideo(ctx, songID, result.ID); err != nil {
		return fmt.Errorf("failed to attach composed video to song: %w", err)
	}

	log.Printf("[Compose] Composition completed for song %s: %s (%.2fs, %d bytes)",
		songID, result.StorageKey, result.DurationSec, result.FileSizeBytes)
	return nil
}

// run executes the pipeline stages. A nil result with nil error means the job
// was cancelled.
func (c *Composer) run(ctx context.Context, songID, jobID uuid.UUID, beatEffects bool) (*models.ComposedVideo, error) {
	workDir, cleanup, err := c.media.Workspace("compose_")
	if err != nil {
		return nil, err
	}
	defer cleanup()

	// Stage 1: validate inputs.
	song, clips, analysis, audioKey, err := c.validate(ctx, songID)
	if err != nil {
		return nil, err
	}
	if cancelled, err := c.checkpoint(ctx, jobID, 5); err != nil || cancelled {
		return nil, err
	}

	// Stage 2: acquire clip media and song audio.
	clipPaths, err := c.acquire(ctx, jobID, clips, workDir)
	if err != nil {
		return nil, err
	}

	audioPath := filepath.Join(workDir, "audio"+filepath.Ext(audioKey))
	audioData, err := c.storage.Download(ctx, audioKey)
	if err != nil {
		return nil, fmt.Errorf("failed to download song audio %s: %w", audioKey, err)
	}
	if err := os.WriteFile(audioPath, audioData, 0644); err != nil {
		return nil, fmt.Errorf("failed to write song audio: %w", err)
	}
	if cancelled, err := c.checkpoint(ctx, jobID, 40); err != nil || cancelled {
		return nil, err
	}

	// Stage 3: normalize every clip to one resolution/fps/codec.
	normalized := make([]string, len(clipPaths))
	for i, p := range clipPaths {
		out := filepath.Join(workDir, fmt.Sprintf("norm_%03d.mp4", i))
		if err := c.media.Normalize(ctx, p, out); err != nil {
			return nil, fmt.Errorf("failed to normalize clip %d: %w", clips[i].ClipIndex, err)
		}
		normalized[i] = out
	}
	if cancelled, err := c.checkpoint(ctx, jobID, 60); err != nil || cancelled {
		return nil, err
	}

	// Stage 4: reconcile total clip coverage against the song length by
	// adjusting the last clip, then concatenate.
	if err := c.reconcileLastClip(ctx, normalized, analysis.DurationSec, workDir); err != nil {
		return nil, err
	}
	if cancelled, err := c.checkpoint(ctx, jobID, 70); err != nil || cancelled {
		return nil, err
	}

	concatPath := filepath.Join(workDir, "concat.mp4")
	if err := c.media.Concat(ctx, normalized, concatPath); err != nil {
		return nil, err
	}

	// Concat can drift a few frames from the per-clip sums; correct the joined
	// video against the song length a second time.
	videoPath, err := c.correctConcatDrift(ctx, concatPath, analysis.DurationSec, workDir)
	if err != nil {
		return nil, err
	}
	if cancelled, err := c.checkpoint(ctx, jobID, 80); err != nil || cancelled {
		return nil, err
	}

	// Stage 5: optional beat-synchronized pulse effect.
	if beatEffects && len(analysis.BeatTimes) > 0 {
		pulsed := filepath.Join(workDir, "pulsed.mp4")
		if err := c.media.ApplyBeatPulse(ctx, videoPath, pulsed, analysis.BeatTimes, 0); err != nil {
			return nil, err
		}
		videoPath = pulsed
	}
	if cancelled, err := c.checkpoint(ctx, jobID, 85); err != nil || cancelled {
		return nil, err
	}

	// Stage 6: mux with the song audio, trimmed to exactly the song length.
	finalPath := filepath.Join(workDir, "final.mp4")
	if err := c.media.Mux(ctx, videoPath, audioPath, finalPath, analysis.DurationSec); err != nil {
		return nil, err
	}
	if cancelled, err := c.checkpoint(ctx, jobID, 90); err != nil || cancelled {
		return nil, err
	}

	// Stage 7: verify, upload, persist.
	probe, err := c.verify(ctx, finalPath)
	if err != nil {
		return nil, err
	}

	finalData, err := os.ReadFile(finalPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read final video: %w", err)
	}

	storageKey := storage.SongKey(songID, composedFilename)
	if err := c.storage.Upload(ctx, storageKey, finalData, "video/mp4"); err != nil {
		return nil, fmt.Errorf("failed to upload composed video: %w", err)
	}

	posterKey := c.uploadPoster(ctx, songID, finalPath, probe.DurationSec, workDir)

	clipIDs := make(models.UUIDSlice, len(clips))
	for i, clip := range clips {
		clipIDs[i] = clip.ID
	}

	video := &models.ComposedVideo{
		ID:            uuid.New(),
		SongID:        song.ID,
		StorageKey:    storageKey,
		PosterKey:     posterKey,
		DurationSec:   probe.DurationSec,
		FileSizeBytes: int64(len(finalData)),
		Width:         probe.Width,
		Height:        probe.Height,
		FPS:           probe.FPS,
		ClipIDs:       clipIDs,
	}
	if err := c.store.CreateComposedVideo(ctx, video); err != nil {
		return nil, fmt.Errorf("failed to persist composed video: %w", err)
	}

	// The artifact is persisted: from here the job always completes, so a late
	// cancel request must not flip it to cancelled.
	if err := c.store.UpdateCompositionProgress(ctx, jobID, 95); err != nil {
		return nil, err
	}
	return video, nil
}

// validate checks that the song is composable: every clip completed with usable
// media, an analysis present, and the song audio resolvable in storage.
func (c *Composer) validate(ctx context.Context, songID uuid.UUID) (*models.Song, []models.Clip, *models.SongAnalysis, string, error) {
	song, err := c.store.GetSong(ctx, songID)
	if err != nil {
		return nil, nil, nil, "", err
	}

	clips, err := c.store.GetSongClips(ctx, songID)
	if err != nil {
		return nil, nil, nil, "", err
	}
	if len(clips) == 0 {
		return nil, nil, nil, "", compositionErrorf("validate", "song %s has no clips", songID)
	}

	sort.Slice(clips, func(i, j int) bool { return clips[i].ClipIndex < clips[j].ClipIndex })

	for _, clip := range clips {
		if clip.Status != models.ClipStatusCompleted {
			return nil, nil, nil, "", compositionErrorf("validate", "clip %d is %s, all clips must be completed", clip.ClipIndex, clip.Status)
		}
		if clip.VideoURL == nil || *clip.VideoURL == "" {
			return nil, nil, nil, "", compositionErrorf("validate", "clip %d has no media url", clip.ClipIndex)
		}
		if !usableMediaURL(*clip.VideoURL) {
			return nil, nil, nil, "", compositionErrorf("validate", "clip %d media url is not fetchable: %s", clip.ClipIndex, *clip.VideoURL)
		}
	}

	analysis, err := c.store.GetLatestAnalysis(ctx, songID)
	if err != nil {
		return nil, nil, nil, "", compositionErrorf("validate", "song %s has no analysis", songID)
	}
	if analysis.DurationSec <= 0 {
		return nil, nil, nil, "", compositionErrorf("validate", "analysis reports non-positive duration %.3f", analysis.DurationSec)
	}

	audioKey, err := c.resolveAudioKey(ctx, song)
	if err != nil {
		return nil, nil, nil, "", err
	}

	return song, clips, analysis, audioKey, nil
}

// resolveAudioKey prefers the song's recorded storage key and falls back to
// the conventional upload locations.
func (c *Composer) resolveAudioKey(ctx context.Context, song *models.Song) (string, error) {
	var candidates []string
	if song.AudioStorageKey != nil && *song.AudioStorageKey != "" {
		candidates = append(candidates, *song.AudioStorageKey)
	}
	candidates = append(candidates,
		storage.SongKey(song.ID, "audio.mp3"),
		storage.SongKey(song.ID, "source.wav"),
	)

	for _, key := range candidates {
		ok, err := c.storage.Exists(ctx, key)
		if err != nil {
			return "", fmt.Errorf("failed to check audio key %s: %w", key, err)
		}
		if ok {
			return key, nil
		}
	}
	return "", compositionErrorf("validate", "no audio found for song %s (checked %d keys)", song.ID, len(candidates))
}

// acquire downloads every clip's media through a bounded worker pool. Progress
// advances with each finished download across the 10-40 range.
func (c *Composer) acquire(ctx context.Context, jobID uuid.UUID, clips []models.Clip, workDir string) ([]string, error) {
	paths := make([]string, len(clips))
	done := make(chan int, len(clips))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(downloadPoolSize)

	for i := range clips {
		i := i
		g.Go(func() error {
			dlCtx, cancel := context.WithTimeout(gctx, clipDownloadExpiry)
			defer cancel()

			if err := c.checkMediaURL(dlCtx, *clips[i].VideoURL); err != nil {
				return fmt.Errorf("clip %d media is not reachable: %w", clips[i].ClipIndex, err)
			}

			path := filepath.Join(workDir, fmt.Sprintf("clip_%03d.mp4", i))
			if err := c.downloadURL(dlCtx, *clips[i].VideoURL, path); err != nil {
				return fmt.Errorf("failed to download clip %d: %w", clips[i].ClipIndex, err)
			}
			paths[i] = path
			done <- i
			return nil
		})
	}

	// Drain completions for progress while the group runs.
	go func() {
		completed := 0
		for range done {
			completed++
			pct := 10 + (30*completed)/len(clips)
			_ = c.store.UpdateCompositionProgress(context.Background(), jobID, pct)
		}
	}()

	err := g.Wait()
	close(done)
	if err != nil {
		return nil, err
	}
	return paths, nil
}

// checkMediaURL verifies the media exists before committing to a full
// transfer: HEAD first, falling back to a one-byte ranged GET for servers that
// reject HEAD.
func (c *Composer) checkMediaURL(ctx context.Context, mediaURL string) error {
	req, err := http.NewRequestWithContext(ctx, "HEAD", mediaURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented:
		// fall through to the ranged probe
	default:
		return fmt.Errorf("media server returned status %d", resp.StatusCode)
	}

	req, err = http.NewRequestWithContext(ctx, "GET", mediaURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, err = c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("media server returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *Composer) downloadURL(ctx context.Context, mediaURL, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, "GET", mediaURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("media server returned status %d", resp.StatusCode)
	}

	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(f, resp.Body)
	if err != nil {
		return fmt.Errorf("failed to save media: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("media body was empty")
	}
	return nil
}

// reconcileLastClip aligns the total normalized clip coverage with the song
// length by extending or trimming the final clip. A gap above the mismatch
// ceiling fails before any media is modified.
func (c *Composer) reconcileLastClip(ctx context.Context, normalized []string, songDurationSec float64, workDir string) error {
	var total float64
	durations := make([]float64, len(normalized))
	for i, p := range normalized {
		probe, err := c.media.Probe(ctx, p)
		if err != nil {
			return err
		}
		durations[i] = probe.DurationSec
		total += probe.DurationSec
	}

	gap := songDurationSec - total
	if math.Abs(gap) > maxDurationMismatchSec {
		return compositionErrorf("reconcile",
			"clip coverage %.2fs differs from song length %.2fs by %.2fs (limit %.0fs)",
			total, songDurationSec, math.Abs(gap), maxDurationMismatchSec)
	}
	if math.Abs(gap) < concatDriftToleranceSec {
		return nil
	}

	last := len(normalized) - 1
	lastTarget := durations[last] + gap
	adjusted := filepath.Join(workDir, "last_adjusted.mp4")

	if gap > 0 {
		log.Printf("[Compose] Extending last clip by %.2fs to cover song length", gap)
		if err := c.media.ExtendWithFreeze(ctx, normalized[last], adjusted, durations[last], lastTarget); err != nil {
			return err
		}
	} else {
		if lastTarget <= 0 {
			return compositionErrorf("reconcile", "trimming last clip to %.2fs would remove it entirely", lastTarget)
		}
		log.Printf("[Compose] Trimming last clip by %.2fs to fit song length", -gap)
		if err := c.media.TrimWithFade(ctx, normalized[last], adjusted, lastTarget); err != nil {
			return err
		}
	}

	normalized[last] = adjusted
	return nil
}

// correctConcatDrift measures the joined video against the song length and
// loops or hard-trims it when the per-clip corrections were not enough.
func (c *Composer) correctConcatDrift(ctx context.Context, concatPath string, songDurationSec float64, workDir string) (string, error) {
	probe, err := c.media.Probe(ctx, concatPath)
	if err != nil {
		return "", err
	}

	drift := songDurationSec - probe.DurationSec
	if math.Abs(drift) < concatDriftToleranceSec {
		return concatPath, nil
	}

	corrected := filepath.Join(workDir, "drift_corrected.mp4")
	if drift > 0 {
		log.Printf("[Compose] Joined video is %.2fs short, looping to cover song length", drift)
		if err := c.media.LoopToDuration(ctx, concatPath, corrected, songDurationSec); err != nil {
			return "", err
		}
	} else {
		log.Printf("[Compose] Joined video is %.2fs long, trimming to song length", -drift)
		if err := c.media.HardTrim(ctx, concatPath, corrected, songDurationSec); err != nil {
			return "", err
		}
	}
	return corrected, nil
}

// verify probes the final video and rejects outputs that would be unusable.
// Small fps drift is logged, not fatal: encoders report slightly uneven rates.
func (c *Composer) verify(ctx context.Context, finalPath string) (*services.ProbeResult, error) {
	probe, err := c.media.Probe(ctx, finalPath)
	if err != nil {
		return nil, err
	}

	if probe.DurationSec <= 0 || probe.SizeBytes <= 0 {
		return nil, compositionErrorf("verify", "final video is empty (duration=%.3f, size=%d)", probe.DurationSec, probe.SizeBytes)
	}
	if probe.Width != c.media.Width() || probe.Height != c.media.Height() {
		return nil, compositionErrorf("verify", "final resolution %dx%d does not match target %dx%d",
			probe.Width, probe.Height, c.media.Width(), c.media.Height())
	}
	if math.Abs(probe.FPS-c.media.FPS()) > fpsDriftWarnThreshold {
		log.Printf("[Compose] Warning: final fps %.2f drifted from target %.2f", probe.FPS, c.media.FPS())
	}
	if !probe.HasAudio {
		return nil, compositionErrorf("verify", "final video has no audio track")
	}

	return probe, nil
}

// uploadPoster extracts and uploads a poster frame. Best effort: a missing
// poster never fails the composition.
func (c *Composer) uploadPoster(ctx context.Context, songID uuid.UUID, finalPath string, durationSec float64, workDir string) *string {
	posterPath := filepath.Join(workDir, "poster.jpg")
	if err := c.media.ExtractPoster(ctx, finalPath, posterPath, durationSec); err != nil {
		log.Printf("[Compose] Poster extraction failed (continuing): %v", err)
		return nil
	}

	data, err := os.ReadFile(posterPath)
	if err != nil {
		log.Printf("[Compose] Poster read failed (continuing): %v", err)
		return nil
	}

	key := storage.SongKey(songID, posterFilename)
	if err := c.storage.Upload(ctx, key, data, "image/jpeg"); err != nil {
		log.Printf("[Compose] Poster upload failed (continuing): %v", err)
		return nil
	}
	return &key
}

// checkpoint records progress and honors a pending cancel request. Returns
// cancelled=true after marking the job cancelled.
func (c *Composer) checkpoint(ctx context.Context, jobID uuid.UUID, progress int) (bool, error) {
	job, err := c.store.GetCompositionJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.CancelRequested {
		if err := c.store.UpdateCompositionStatus(ctx, jobID, models.CompositionStatusCancelled); err != nil {
			return false, err
		}
		return true, nil
	}
	if err := c.store.UpdateCompositionProgress(ctx, jobID, progress); err != nil {
		return false, err
	}
	return false, nil
}

// usableMediaURL rejects placeholder values that look like urls but cannot be
// fetched (empty hosts, non-http schemes, example domains).
func usableMediaURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if u.Host == "" || u.Host == "example.com" || u.Host == "example.invalid" {
		return false
	}
	return true
}
