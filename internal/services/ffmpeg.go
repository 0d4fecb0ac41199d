package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// FFmpegService — all media probing and transcoding runs through ffmpeg /
// ffprobe subprocesses. Every output clip is normalized to one resolution,
// frame rate and codec before composition so the concat step can stream-copy.
// ---------------------------------------------------------------------------

const (
	fadeDurationSec = 0.5

	// Beat pulse: each beat brightens the frame briefly. The per-frame filter
	// expression grows with the beat count and very long expressions destabilize
	// the filter engine, so the beat list is chunked into sequential passes.
	pulseAmplitude        = 0.08
	maxBeatsPerFilter     = 120
	defaultPulseTolerance = 0.06
)

type FFmpegService struct {
	tempDir string
	width   int
	height  int
	fps     float64
}

func NewFFmpegService(tempDir string, width, height int, fps float64) *FFmpegService {
	// Create temp directory if it doesn't exist
	if err := os.MkdirAll(tempDir, 0755); err != nil {
		panic(fmt.Sprintf("failed to create temp dir: %v", err))
	}

	return &FFmpegService{
		tempDir: tempDir,
		width:   width,
		height:  height,
		fps:     fps,
	}
}

func (s *FFmpegService) Width() int { return s.width }

func (s *FFmpegService) Height() int { return s.height }

func (s *FFmpegService) FPS() float64 { return s.fps }

// ProbeResult is the subset of ffprobe output composition cares about.
type ProbeResult struct {
	DurationSec float64
	Width       int
	Height      int
	FPS         float64
	Codec       string
	HasAudio    bool
	SizeBytes   int64
}

// Probe inspects a media file with ffprobe.
func (s *FFmpegService) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "stream=codec_type,codec_name,width,height,avg_frame_rate",
		"-show_entries", "format=duration,size",
		"-of", "json",
		path,
	}

	cmd := exec.CommandContext(ctx, "ffprobe", args...)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed for %s: %w", path, err)
	}

	var probe struct {
		Streams []struct {
			CodecType    string `json:"codec_type"`
			CodecName    string `json:"codec_name"`
			Width        int    `json:"width"`
			Height       int    `json:"height"`
			AvgFrameRate string `json:"avg_frame_rate"`
		} `json:"streams"`
		Format struct {
			Duration string `json:"duration"`
			Size     string `json:"size"`
		} `json:"format"`
	}
	if err := json.Unmarshal(output, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	result := &ProbeResult{}
	result.DurationSec, _ = strconv.ParseFloat(probe.Format.Duration, 64)
	result.SizeBytes, _ = strconv.ParseInt(probe.Format.Size, 10, 64)

	for _, stream := range probe.Streams {
		switch stream.CodecType {
		case "video":
			result.Width = stream.Width
			result.Height = stream.Height
			result.Codec = stream.CodecName
			result.FPS = parseFrameRate(stream.AvgFrameRate)
		case "audio":
			result.HasAudio = true
		}
	}

	return result, nil
}

// parseFrameRate converts ffprobe's "num/den" rate into a float.
func parseFrameRate(rate string) float64 {
	parts := strings.SplitN(rate, "/", 2)
	if len(parts) == 2 {
		num, err1 := strconv.ParseFloat(parts[0], 64)
		den, err2 := strconv.ParseFloat(parts[1], 64)
		if err1 == nil && err2 == nil && den != 0 {
			return num / den
		}
		return 0
	}
	f, _ := strconv.ParseFloat(rate, 64)
	return f
}

// Normalize re-encodes a clip to the service resolution/fps/codec, stripping
// any audio track. Aspect mismatches are scaled down and padded, never cropped.
func (s *FFmpegService) Normalize(ctx context.Context, inputPath, outputPath string) error {
	vf := fmt.Sprintf(
		"scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2,fps=%g",
		s.width, s.height, s.width, s.height, s.fps,
	)

	args := []string{
		"-i", inputPath,
		"-vf", vf,
		"-an", // composition adds the song audio at mux time
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-y",
		outputPath,
	}

	if err := s.run(ctx, args); err != nil {
		return fmt.Errorf("ffmpeg normalize failed: %w", err)
	}
	return nil
}

// Concat joins normalized clips with the concat demuxer. All inputs share one
// codec/resolution/fps, so the streams are copied without re-encoding.
func (s *FFmpegService) Concat(ctx context.Context, clipPaths []string, outputPath string) error {
	if len(clipPaths) == 0 {
		return fmt.Errorf("no clips to concatenate")
	}

	listPath := filepath.Join(s.tempDir, fmt.Sprintf("concat_%s.txt", filepath.Base(outputPath)))
	f, err := os.Create(listPath)
	if err != nil {
		return fmt.Errorf("failed to create concat list: %w", err)
	}

	for _, path := range clipPaths {
		fmt.Fprintf(f, "file '%s'\n", path)
	}
	f.Close()
	defer os.Remove(listPath)

	args := []string{
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-y",
		outputPath,
	}

	if err := s.run(ctx, args); err != nil {
		return fmt.Errorf("ffmpeg concatenate failed: %w", err)
	}
	return nil
}

// TrimWithFade shortens a clip to targetSec, fading out the final half second
// so the cut is not jarring.
func (s *FFmpegService) TrimWithFade(ctx context.Context, inputPath, outputPath string, targetSec float64) error {
	fadeStart := targetSec - fadeDurationSec
	if fadeStart < 0 {
		fadeStart = 0
	}

	args := []string{
		"-i", inputPath,
		"-t", formatSeconds(targetSec),
		"-vf", fmt.Sprintf("fade=t=out:st=%s:d=%s", formatSeconds(fadeStart), formatSeconds(fadeDurationSec)),
		"-an",
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-y",
		outputPath,
	}

	if err := s.run(ctx, args); err != nil {
		return fmt.Errorf("ffmpeg trim failed: %w", err)
	}
	return nil
}

// ExtendWithFreeze lengthens a clip to targetSec by cloning its last frame
// (tpad) and fading the frozen tail so the freeze reads as intentional.
func (s *FFmpegService) ExtendWithFreeze(ctx context.Context, inputPath, outputPath string, currentSec, targetSec float64) error {
	gap := targetSec - currentSec
	if gap <= 0 {
		return fmt.Errorf("extend called with non-positive gap %.3fs", gap)
	}

	fadeStart := targetSec - fadeDurationSec
	if fadeStart < currentSec {
		fadeStart = currentSec
	}

	vf := fmt.Sprintf(
		"tpad=stop_mode=clone:stop_duration=%s,fade=t=out:st=%s:d=%s",
		formatSeconds(gap), formatSeconds(fadeStart), formatSeconds(fadeDurationSec),
	)

	args := []string{
		"-i", inputPath,
		"-vf", vf,
		"-t", formatSeconds(targetSec),
		"-an",
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-y",
		outputPath,
	}

	if err := s.run(ctx, args); err != nil {
		return fmt.Errorf("ffmpeg extend failed: %w", err)
	}
	return nil
}

// LoopToDuration repeats a too-short video until it covers targetSec, then
// trims to the exact length. Safety net for post-concat duration drift.
func (s *FFmpegService) LoopToDuration(ctx context.Context, inputPath, outputPath string, targetSec float64) error {
	args := []string{
		"-stream_loop", "-1",
		"-i", inputPath,
		"-t", formatSeconds(targetSec),
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		"-an",
		"-y",
		outputPath,
	}

	if err := s.run(ctx, args); err != nil {
		return fmt.Errorf("ffmpeg loop failed: %w", err)
	}
	return nil
}

// HardTrim cuts a video to targetSec without fades, stream-copying.
func (s *FFmpegService) HardTrim(ctx context.Context, inputPath, outputPath string, targetSec float64) error {
	args := []string{
		"-i", inputPath,
		"-t", formatSeconds(targetSec),
		"-c", "copy",
		"-y",
		outputPath,
	}

	if err := s.run(ctx, args); err != nil {
		return fmt.Errorf("ffmpeg hard trim failed: %w", err)
	}
	return nil
}

// ApplyBeatPulse brightens the frame briefly around every beat timestamp.
// The beat list is split into chunks of maxBeatsPerFilter and applied as
// sequential re-encode passes: a single expression covering hundreds of beats
// is where the filter engine becomes unstable, the effect itself is not.
func (s *FFmpegService) ApplyBeatPulse(ctx context.Context, inputPath, outputPath string, beatTimes []float64, toleranceSec float64) error {
	if len(beatTimes) == 0 {
		return fmt.Errorf("no beats to pulse")
	}
	if toleranceSec <= 0 {
		toleranceSec = defaultPulseTolerance
	}

	chunks := chunkBeats(beatTimes, maxBeatsPerFilter)
	log.Printf("[FFmpeg] Applying beat pulse: %d beats in %d filter pass(es)", len(beatTimes), len(chunks))

	current := inputPath
	for i, chunk := range chunks {
		pass := outputPath
		if i < len(chunks)-1 {
			pass = s.CreateTempFile(fmt.Sprintf("pulse_pass_%d_%s", i, filepath.Base(outputPath)))
			defer os.Remove(pass)
		}

		vf := fmt.Sprintf("eq=brightness='%s':eval=frame", buildPulseExpr(chunk, toleranceSec))

		args := []string{
			"-i", current,
			"-vf", vf,
			"-c:v", "libx264",
			"-pix_fmt", "yuv420p",
			"-an",
			"-y",
			pass,
		}

		if err := s.run(ctx, args); err != nil {
			return fmt.Errorf("ffmpeg beat pulse pass %d/%d failed: %w", i+1, len(chunks), err)
		}
		current = pass
	}

	return nil
}

// buildPulseExpr sums a window indicator per beat: brightness rises by
// pulseAmplitude whenever |t - beat| < tolerance.
func buildPulseExpr(beats []float64, toleranceSec float64) string {
	terms := make([]string, len(beats))
	for i, b := range beats {
		terms[i] = fmt.Sprintf("lt(abs(t-%s)\\,%s)", formatSeconds(b), formatSeconds(toleranceSec))
	}
	return fmt.Sprintf("%.3f*(%s)", pulseAmplitude, strings.Join(terms, "+"))
}

func chunkBeats(beats []float64, size int) [][]float64 {
	var chunks [][]float64
	for start := 0; start < len(beats); start += size {
		end := start + size
		if end > len(beats) {
			end = len(beats)
		}
		chunks = append(chunks, beats[start:end])
	}
	return chunks
}

// Mux combines the corrected video with the song audio, trimmed to exactly
// targetSec. The video stream is copied; audio is re-encoded to AAC.
func (s *FFmpegService) Mux(ctx context.Context, videoPath, audioPath, outputPath string, targetSec float64) error {
	args := []string{
		"-i", videoPath,
		"-i", audioPath,
		"-map", "0:v",
		"-map", "1:a",
		"-c:v", "copy",
		"-c:a", "aac",
		"-b:a", "192k",
		"-t", formatSeconds(targetSec),
		"-y",
		outputPath,
	}

	if err := s.run(ctx, args); err != nil {
		return fmt.Errorf("ffmpeg mux failed: %w", err)
	}
	return nil
}

// ExtractPoster grabs a single frame from one second in (or the first frame
// for very short videos) as a JPEG poster.
func (s *FFmpegService) ExtractPoster(ctx context.Context, videoPath, outputPath string, durationSec float64) error {
	seek := 1.0
	if durationSec < 2 {
		seek = 0
	}

	args := []string{
		"-ss", formatSeconds(seek),
		"-i", videoPath,
		"-frames:v", "1",
		"-q:v", "3",
		"-y",
		outputPath,
	}

	if err := s.run(ctx, args); err != nil {
		return fmt.Errorf("ffmpeg poster extraction failed: %w", err)
	}
	return nil
}

// CreateTempFile creates a temporary file path in the service's temp directory
func (s *FFmpegService) CreateTempFile(filename string) string {
	return filepath.Join(s.tempDir, filename)
}

// Workspace creates a scoped scratch directory and returns it with its
// cleanup function. Composition always runs the cleanup, success or failure.
func (s *FFmpegService) Workspace(prefix string) (string, func(), error) {
	dir, err := os.MkdirTemp(s.tempDir, prefix)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	return dir, func() { os.RemoveAll(dir) }, nil
}

// Cleanup removes temporary files
func (s *FFmpegService) Cleanup(paths ...string) {
	for _, path := range paths {
		os.Remove(path)
	}
}

func (s *FFmpegService) run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// formatSeconds renders a duration for ffmpeg args without float noise.
func formatSeconds(sec float64) string {
	return strconv.FormatFloat(math.Round(sec*1000)/1000, 'f', -1, 64)
}
