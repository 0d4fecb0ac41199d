package planner

import (
	"math"
	"testing"
)

// beatsAt builds a constant-tempo beat list covering the duration.
func beatsAt(bpm, durationSec float64) []float64 {
	interval := 60.0 / bpm
	var beats []float64
	for t := interval; t < durationSec; t += interval {
		beats = append(beats, t)
	}
	return beats
}

func checkPartition(t *testing.T, plans []ClipPlan, durationSec float64, opts Options) {
	t.Helper()
	opts = opts.withDefaults()

	if plans[0].StartSec != 0 {
		t.Errorf("first clip starts at %v, expected 0", plans[0].StartSec)
	}
	for i := 1; i < len(plans); i++ {
		if math.Abs(plans[i].StartSec-plans[i-1].EndSec) > 1e-9 {
			t.Errorf("gap between clips %d and %d: %v != %v", i-1, i, plans[i-1].EndSec, plans[i].StartSec)
		}
	}
	last := plans[len(plans)-1]
	if math.Abs(last.EndSec-durationSec) > 1e-9 {
		t.Errorf("last clip ends at %v, expected %v", last.EndSec, durationSec)
	}
	for _, p := range plans {
		maxAllowed := opts.MaxClipSec
		if p.Index == len(plans)-1 {
			maxAllowed *= 1.1
		}
		tol := math.Max(1.0/opts.FPS, 0.25)
		if p.DurationSec < opts.MinClipSec-tol || p.DurationSec > maxAllowed+1e-9 {
			t.Errorf("clip %d duration %v outside [%v, %v]", p.Index, p.DurationSec, opts.MinClipSec, maxAllowed)
		}
	}
}

func TestPlanClipsWithBeats(t *testing.T) {
	duration := 30.0
	beats := beatsAt(110, duration)

	plans, err := PlanClips(duration, 6, beats, Options{})
	if err != nil {
		t.Fatalf("failed to plan: %v", err)
	}
	if len(plans) != 6 {
		t.Fatalf("expected 6 clips, got %d", len(plans))
	}
	checkPartition(t, plans, duration, Options{})

	// With a dense beat grid, interior boundaries should land on beats.
	beatBoundaries := 0
	for _, p := range plans[:len(plans)-1] {
		if p.EndBeatIndex != nil {
			beatBoundaries++
		}
	}
	if beatBoundaries == 0 {
		t.Error("expected at least one boundary on a detected beat")
	}
}

func TestPlanClipsShortSongSparseBeats(t *testing.T) {
	// Short song at a low frame rate: boundaries must still snap cleanly.
	duration := 10.36
	beats := beatsAt(110, duration)
	if len(beats) < 18 {
		t.Fatalf("expected a dense beat list, got %d beats", len(beats))
	}

	opts := Options{MinClipSec: 3, MaxClipSec: 6, FPS: 8}
	plans, err := PlanClips(duration, 3, beats, opts)
	if err != nil {
		t.Fatalf("failed to plan: %v", err)
	}
	checkPartition(t, plans, duration, opts)

	// Interior boundaries land on the 8fps frame grid.
	for _, p := range plans[:len(plans)-1] {
		frames := p.EndSec * 8
		if math.Abs(frames-math.Round(frames)) > 1e-6 {
			t.Errorf("boundary %v is not on the 8fps frame grid", p.EndSec)
		}
	}
}

func TestPlanClipsNoBeatsEqualShares(t *testing.T) {
	duration := 100.0

	plans, err := PlanClips(duration, 20, nil, Options{})
	if err != nil {
		t.Fatalf("failed to plan: %v", err)
	}
	if len(plans) != 20 {
		t.Fatalf("expected 20 clips, got %d", len(plans))
	}
	checkPartition(t, plans, duration, Options{})

	var sum float64
	for _, p := range plans {
		sum += p.DurationSec
		if p.StartBeatIndex != nil || p.EndBeatIndex != nil {
			t.Errorf("clip %d has beat indices without beats", p.Index)
		}
	}
	if math.Abs(sum-duration) > 1e-6 {
		t.Errorf("durations sum to %v, expected %v", sum, duration)
	}
}

func TestPlanClipsRedistributionConverges(t *testing.T) {
	// 17.3s over 4 clips: the clamped share (4.325) is not on the frame grid,
	// so redistribution has to absorb the remainder.
	duration := 17.3

	plans, err := PlanClips(duration, 4, nil, Options{})
	if err != nil {
		t.Fatalf("failed to plan: %v", err)
	}
	checkPartition(t, plans, duration, Options{})
}

func TestPlanClipsDeterministic(t *testing.T) {
	duration := 45.7
	beats := beatsAt(128, duration)

	a, err := PlanClips(duration, 9, beats, Options{})
	if err != nil {
		t.Fatalf("failed to plan: %v", err)
	}
	b, err := PlanClips(duration, 9, beats, Options{})
	if err != nil {
		t.Fatalf("failed to plan: %v", err)
	}

	for i := range a {
		if a[i].StartSec != b[i].StartSec || a[i].EndSec != b[i].EndSec {
			t.Errorf("clip %d differs between identical runs", i)
		}
	}
}

func TestPlanClipsInfeasible(t *testing.T) {
	// Too many clips for the duration: 5 clips need at least 15s.
	if _, err := PlanClips(10, 5, nil, Options{MinClipSec: 3, MaxClipSec: 6}); err == nil {
		t.Error("expected error when count*min exceeds duration")
	}

	// Too few clips: 2 clips cover at most 12s.
	if _, err := PlanClips(30, 2, nil, Options{MinClipSec: 3, MaxClipSec: 6}); err == nil {
		t.Error("expected error when count*max cannot cover duration")
	}

	if _, err := PlanClips(0, 3, nil, Options{}); err == nil {
		t.Error("expected error for zero duration")
	}
	if _, err := PlanClips(30, 0, nil, Options{}); err == nil {
		t.Error("expected error for zero clip count")
	}
	if _, err := PlanClips(30, 6, nil, Options{MinClipSec: 6, MaxClipSec: 3}); err == nil {
		t.Error("expected error for inverted duration bounds")
	}
}

func TestPlanClipsInfeasibleIsTyped(t *testing.T) {
	_, err := PlanClips(10, 5, nil, Options{MinClipSec: 3, MaxClipSec: 6})
	if err == nil {
		t.Fatal("expected planning error")
	}
	if _, ok := err.(*PlanningError); !ok {
		t.Errorf("expected *PlanningError, got %T", err)
	}
}

func TestPlanClipsSingleClip(t *testing.T) {
	plans, err := PlanClips(5, 1, beatsAt(120, 5), Options{})
	if err != nil {
		t.Fatalf("failed to plan: %v", err)
	}
	if len(plans) != 1 {
		t.Fatalf("expected 1 clip, got %d", len(plans))
	}
	if plans[0].StartSec != 0 || plans[0].EndSec != 5 {
		t.Errorf("single clip should span the whole song, got [%v, %v]", plans[0].StartSec, plans[0].EndSec)
	}
	if plans[0].NumFrames != 120 {
		t.Errorf("expected 120 frames at 24fps, got %d", plans[0].NumFrames)
	}
}
