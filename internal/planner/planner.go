// Package planner partitions a song's duration into an ordered, gapless set of
// clip boundaries. Boundaries prefer detected beats, snap to the output frame
// grid, and respect per-clip [min,max] duration constraints. Planning is pure:
// no side effects, same inputs always produce the same plan.
package planner

import (
	"fmt"
	"math"

	"github.com/beatweave/api/internal/beatgrid"
)

const (
	// DefaultMinClipSec and DefaultMaxClipSec bound individual clip durations.
	DefaultMinClipSec = 3.0
	DefaultMaxClipSec = 6.0

	// DefaultFPS is the output frame rate used for boundary snapping.
	DefaultFPS = 24.0

	// lastClipSlack relaxes the max-duration bound for the final clip, which
	// absorbs rounding drift so the plan ends exactly at the song duration.
	lastClipSlack = 1.1

	// boundaryToleranceFloor is the minimum acceptable error on the final
	// boundary regardless of frame rate.
	boundaryToleranceFloor = 0.25

	convergenceEps = 1e-6
)

// PlanningError means no feasible partition exists for the given parameters.
// The caller must adjust clip count or duration bounds; nothing was mutated.
type PlanningError struct {
	Msg string
}

func (e *PlanningError) Error() string {
	return e.Msg
}

func planErrorf(format string, args ...interface{}) *PlanningError {
	return &PlanningError{Msg: fmt.Sprintf(format, args...)}
}

// ClipPlan is one planned segment: [StartSec, EndSec) of the song.
type ClipPlan struct {
	Index          int
	StartSec       float64
	EndSec         float64
	DurationSec    float64
	StartBeatIndex *int // set when the start boundary came from a detected beat
	EndBeatIndex   *int // set when the end boundary came from a detected beat
	NumFrames      int
}

// Options configures a planning run. Zero values fall back to defaults.
type Options struct {
	MinClipSec float64
	MaxClipSec float64
	FPS        float64
}

func (o Options) withDefaults() Options {
	if o.MinClipSec <= 0 {
		o.MinClipSec = DefaultMinClipSec
	}
	if o.MaxClipSec <= 0 {
		o.MaxClipSec = DefaultMaxClipSec
	}
	if o.FPS <= 0 {
		o.FPS = DefaultFPS
	}
	return o
}

// PlanClips partitions [0, durationSec) into clipCount contiguous clips.
// When beatTimes is non-empty, non-final boundaries are pulled toward the
// beat closest to the ideal cut point; otherwise equal shares are
// redistributed until they sum to the song duration exactly.
func PlanClips(durationSec float64, clipCount int, beatTimes []float64, opts Options) ([]ClipPlan, error) {
	opts = opts.withDefaults()

	if durationSec <= 0 {
		return nil, planErrorf("song duration must be positive, got %.3fs", durationSec)
	}
	if clipCount < 1 {
		return nil, planErrorf("clip count must be at least 1, got %d", clipCount)
	}
	if opts.MinClipSec >= opts.MaxClipSec {
		return nil, planErrorf("min clip duration %.2fs must be below max %.2fs", opts.MinClipSec, opts.MaxClipSec)
	}
	if durationSec < opts.MinClipSec {
		return nil, planErrorf("song duration %.2fs is shorter than one minimum clip (%.2fs)", durationSec, opts.MinClipSec)
	}
	if float64(clipCount)*opts.MinClipSec > durationSec+convergenceEps {
		return nil, planErrorf("%d clips of at least %.2fs need %.2fs but the song is %.2fs",
			clipCount, opts.MinClipSec, float64(clipCount)*opts.MinClipSec, durationSec)
	}
	if float64(clipCount)*opts.MaxClipSec < durationSec-convergenceEps {
		return nil, planErrorf("%d clips of at most %.2fs cannot cover %.2fs",
			clipCount, opts.MaxClipSec, durationSec)
	}

	grid, err := beatgrid.New(beatTimes, opts.FPS)
	if err != nil {
		return nil, planErrorf("invalid beat input: %v", err)
	}

	var plans []ClipPlan
	if grid.Len() > 0 {
		plans, err = planWithBeats(durationSec, clipCount, grid, opts)
	} else {
		plans, err = planEqualShares(durationSec, clipCount, opts)
	}
	if err != nil {
		return nil, err
	}

	if err := verifyPlan(plans, durationSec, opts); err != nil {
		return nil, err
	}
	return plans, nil
}

// planWithBeats walks forward through the song, cutting each non-final
// boundary at the beat closest to the ideal cut point within the feasible
// [start+min, start+max] window.
func planWithBeats(durationSec float64, clipCount int, grid *beatgrid.Grid, opts Options) ([]ClipPlan, error) {
	frameInterval := 1.0 / opts.FPS
	targetShare := clamp(durationSec/float64(clipCount), opts.MinClipSec, opts.MaxClipSec)

	plans := make([]ClipPlan, 0, clipCount)
	currentStart := 0.0
	var startBeat *int

	for i := 0; i < clipCount-1; i++ {
		windowLo := currentStart + opts.MinClipSec
		windowHi := currentStart + opts.MaxClipSec
		desiredEnd := currentStart + targetShare

		end := desiredEnd
		var endBeat *int
		if b, ok := closestBeatInWindow(grid, windowLo, windowHi, desiredEnd); ok {
			end = b.BeatTime
			idx := b.BeatIndex
			endBeat = &idx
		}

		// Snap onto the frame grid, then re-clamp into the feasible window:
		// snapping can push the boundary half a frame outside it.
		end = beatgrid.SnapToFrame(end, opts.FPS)
		end = clamp(end, windowLo, windowHi)

		// Keep the tail feasible: the remaining clips each need at least min
		// and can hold at most max seconds.
		remainingCount := float64(clipCount - i - 1)
		if durationSec-end < remainingCount*opts.MinClipSec {
			end = durationSec - remainingCount*opts.MinClipSec
			end = math.Floor(end/frameInterval) * frameInterval
			endBeat = nil
		}
		if durationSec-end > remainingCount*opts.MaxClipSec {
			end = durationSec - remainingCount*opts.MaxClipSec
			end = math.Ceil(end/frameInterval) * frameInterval
			endBeat = nil
		}

		if end <= currentStart+convergenceEps || end-currentStart < opts.MinClipSec-frameInterval {
			return nil, planErrorf("no feasible boundary for clip %d: window [%.2f, %.2f] collapsed", i, windowLo, windowHi)
		}
		if end-currentStart > opts.MaxClipSec*lastClipSlack {
			return nil, planErrorf("clip %d duration %.2fs exceeds max %.2fs", i, end-currentStart, opts.MaxClipSec)
		}

		plans = append(plans, newClipPlan(i, currentStart, end, startBeat, endBeat, opts.FPS))
		currentStart = end
		startBeat = endBeat
	}

	// Last clip always ends exactly at the song duration.
	plans = append(plans, newClipPlan(clipCount-1, currentStart, durationSec, startBeat, nil, opts.FPS))
	return plans, nil
}

// planEqualShares is the no-beats fallback: start from equal shares clamped
// into [min,max], then redistribute surplus/deficit across clips with slack in
// frame-interval steps until the durations sum to the song duration exactly.
func planEqualShares(durationSec float64, clipCount int, opts Options) ([]ClipPlan, error) {
	frameInterval := 1.0 / opts.FPS
	share := clamp(durationSec/float64(clipCount), opts.MinClipSec, opts.MaxClipSec)

	durs := make([]float64, clipCount)
	sum := 0.0
	for i := range durs {
		durs[i] = share
		sum += share
	}

	// Redistribute until the sum converges. Each pass moves at most one frame
	// interval per clip, so convergence is bounded and even spread is kept.
	diff := durationSec - sum
	for math.Abs(diff) > convergenceEps {
		moved := 0.0
		for i := range durs {
			if math.Abs(diff) <= convergenceEps {
				break
			}
			if diff > 0 && durs[i] < opts.MaxClipSec {
				step := math.Min(frameInterval, math.Min(opts.MaxClipSec-durs[i], diff))
				durs[i] += step
				diff -= step
				moved += step
			} else if diff < 0 && durs[i] > opts.MinClipSec {
				step := math.Min(frameInterval, math.Min(durs[i]-opts.MinClipSec, -diff))
				durs[i] -= step
				diff += step
				moved += step
			}
		}
		if moved <= convergenceEps {
			return nil, planErrorf("cannot redistribute %.2fs across %d clips within [%.2f, %.2f]",
				diff, clipCount, opts.MinClipSec, opts.MaxClipSec)
		}
	}

	plans := make([]ClipPlan, 0, clipCount)
	currentStart := 0.0
	for i, d := range durs {
		end := currentStart + d
		if i < clipCount-1 {
			end = beatgrid.SnapToFrame(end, opts.FPS)
		} else {
			end = durationSec
		}
		plans = append(plans, newClipPlan(i, currentStart, end, nil, nil, opts.FPS))
		currentStart = end
	}
	return plans, nil
}

func newClipPlan(index int, start, end float64, startBeat, endBeat *int, fps float64) ClipPlan {
	d := end - start
	return ClipPlan{
		Index:          index,
		StartSec:       start,
		EndSec:         end,
		DurationSec:    d,
		StartBeatIndex: startBeat,
		EndBeatIndex:   endBeat,
		NumFrames:      int(math.Round(d * fps)),
	}
}

// closestBeatInWindow returns the beat within [lo, hi] nearest to target.
// Earlier beats win ties.
func closestBeatInWindow(grid *beatgrid.Grid, lo, hi, target float64) (beatgrid.BeatFrame, bool) {
	candidates := grid.BeatsInWindow(lo, hi)
	if len(candidates) == 0 {
		return beatgrid.BeatFrame{}, false
	}
	best := candidates[0]
	bestDist := math.Abs(best.BeatTime - target)
	for _, b := range candidates[1:] {
		if d := math.Abs(b.BeatTime - target); d < bestDist {
			best = b
			bestDist = d
		}
	}
	return best, true
}

// verifyPlan enforces the planner postconditions: contiguity, full coverage of
// [0, duration], and per-clip duration bounds (with slack on the last clip).
func verifyPlan(plans []ClipPlan, durationSec float64, opts Options) error {
	if len(plans) == 0 {
		return planErrorf("planner produced no clips")
	}

	boundaryTol := math.Max(1.0/opts.FPS, boundaryToleranceFloor)

	if math.Abs(plans[0].StartSec) > convergenceEps {
		return planErrorf("first clip starts at %.3fs, expected 0", plans[0].StartSec)
	}
	for i := 1; i < len(plans); i++ {
		if math.Abs(plans[i].StartSec-plans[i-1].EndSec) > convergenceEps {
			return planErrorf("gap between clip %d and %d: %.3fs != %.3fs",
				i-1, i, plans[i-1].EndSec, plans[i].StartSec)
		}
	}
	last := plans[len(plans)-1]
	if math.Abs(last.EndSec-durationSec) > boundaryTol {
		return planErrorf("last boundary %.3fs misses song duration %.3fs by more than %.3fs",
			last.EndSec, durationSec, boundaryTol)
	}
	for _, p := range plans {
		maxAllowed := opts.MaxClipSec
		if p.Index == len(plans)-1 {
			maxAllowed *= lastClipSlack
		}
		if p.DurationSec < opts.MinClipSec-boundaryTol || p.DurationSec > maxAllowed+convergenceEps {
			return planErrorf("clip %d duration %.3fs outside [%.2f, %.2f]",
				p.Index, p.DurationSec, opts.MinClipSec, maxAllowed)
		}
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
