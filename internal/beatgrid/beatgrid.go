// Package beatgrid maps detected beat timestamps onto the discrete frame grid
// of a target output fps. Everything here is pure computation — the grid is
// derived on demand and never persisted.
package beatgrid

import (
	"errors"
	"fmt"
	"math"
)

// ErrEmptyInput is returned by operations that require at least one beat.
// Mapping an empty beat list is not an error — it yields an empty grid.
var ErrEmptyInput = errors.New("beatgrid: empty beat list")

// BeatFrame is one beat snapped to the frame grid.
type BeatFrame struct {
	BeatIndex  int     // position in the input beat list
	BeatTime   float64 // original beat timestamp (seconds)
	FrameIndex int     // round(beat_time * fps)
	FrameTime  float64 // frame_index / fps
	ErrorSec   float64 // |beat_time - frame_time|
}

// Grid is an immutable beat-to-frame mapping for one song at one fps.
type Grid struct {
	fps   float64
	beats []BeatFrame
}

// New maps beat timestamps to the frame grid for the given fps.
// Beats must be non-negative; fps must be positive. An empty beat list
// produces an empty (but valid) grid.
func New(beatTimes []float64, fps float64) (*Grid, error) {
	if fps <= 0 {
		return nil, fmt.Errorf("beatgrid: fps must be positive, got %g", fps)
	}

	beats := make([]BeatFrame, 0, len(beatTimes))
	for i, t := range beatTimes {
		if t < 0 {
			return nil, fmt.Errorf("beatgrid: beat %d has negative timestamp %g", i, t)
		}
		frameIndex := int(math.Round(t * fps))
		frameTime := float64(frameIndex) / fps
		beats = append(beats, BeatFrame{
			BeatIndex:  i,
			BeatTime:   t,
			FrameIndex: frameIndex,
			FrameTime:  frameTime,
			ErrorSec:   math.Abs(t - frameTime),
		})
	}

	return &Grid{fps: fps, beats: beats}, nil
}

// FPS returns the target frame rate of the grid.
func (g *Grid) FPS() float64 {
	return g.fps
}

// FrameInterval returns the duration of one frame in seconds.
func (g *Grid) FrameInterval() float64 {
	return 1.0 / g.fps
}

// Len returns the number of beats in the grid.
func (g *Grid) Len() int {
	return len(g.beats)
}

// Beats returns a copy of the mapped beats.
func (g *Grid) Beats() []BeatFrame {
	out := make([]BeatFrame, len(g.beats))
	copy(out, g.beats)
	return out
}

// Beat returns the mapped beat at index i.
func (g *Grid) Beat(i int) (BeatFrame, error) {
	if i < 0 || i >= len(g.beats) {
		return BeatFrame{}, fmt.Errorf("beatgrid: beat index %d out of range [0,%d)", i, len(g.beats))
	}
	return g.beats[i], nil
}

// NearestBeat returns the beat whose original timestamp is closest to t.
// Ties resolve to the earlier beat. Requires a non-empty grid.
func (g *Grid) NearestBeat(t float64) (BeatFrame, error) {
	if len(g.beats) == 0 {
		return BeatFrame{}, ErrEmptyInput
	}

	best := g.beats[0]
	bestDist := math.Abs(best.BeatTime - t)
	for _, b := range g.beats[1:] {
		d := math.Abs(b.BeatTime - t)
		if d < bestDist {
			best = b
			bestDist = d
		}
	}
	return best, nil
}

// BeatsInWindow returns the beats whose timestamps fall in [lo, hi].
func (g *Grid) BeatsInWindow(lo, hi float64) []BeatFrame {
	var out []BeatFrame
	for _, b := range g.beats {
		if b.BeatTime >= lo && b.BeatTime <= hi {
			out = append(out, b)
		}
	}
	return out
}

// SnapToFrame snaps an arbitrary timestamp to the nearest frame boundary.
func SnapToFrame(t, fps float64) float64 {
	return math.Round(t*fps) / fps
}
