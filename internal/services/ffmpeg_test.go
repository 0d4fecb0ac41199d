package services

import (
	"strings"
	"testing"
)

func TestParseFrameRate(t *testing.T) {
	if got := parseFrameRate("24/1"); got != 24 {
		t.Errorf("expected 24, got %v", got)
	}
	if got := parseFrameRate("30000/1001"); got < 29.9 || got > 30.0 {
		t.Errorf("expected ~29.97, got %v", got)
	}
	if got := parseFrameRate("0/0"); got != 0 {
		t.Errorf("expected 0 for zero denominator, got %v", got)
	}
	if got := parseFrameRate("25"); got != 25 {
		t.Errorf("expected 25, got %v", got)
	}
	if got := parseFrameRate("garbage"); got != 0 {
		t.Errorf("expected 0 for garbage, got %v", got)
	}
}

func TestChunkBeats(t *testing.T) {
	beats := make([]float64, 250)
	for i := range beats {
		beats[i] = float64(i) * 0.5
	}

	chunks := chunkBeats(beats, maxBeatsPerFilter)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks for 250 beats, got %d", len(chunks))
	}
	if len(chunks[0]) != 120 || len(chunks[1]) != 120 || len(chunks[2]) != 10 {
		t.Errorf("wrong chunk sizes: %d, %d, %d", len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}

	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	if total != 250 {
		t.Errorf("chunks lost beats: %d != 250", total)
	}

	if got := chunkBeats(beats[:5], maxBeatsPerFilter); len(got) != 1 {
		t.Errorf("expected single chunk for a short list, got %d", len(got))
	}
}

func TestBuildPulseExpr(t *testing.T) {
	expr := buildPulseExpr([]float64{0.5, 1.25}, 0.06)

	if !strings.Contains(expr, "lt(abs(t-0.5)") {
		t.Errorf("expression missing first beat term: %s", expr)
	}
	if !strings.Contains(expr, "lt(abs(t-1.25)") {
		t.Errorf("expression missing second beat term: %s", expr)
	}
	if strings.Count(expr, "lt(") != 2 {
		t.Errorf("expected one term per beat: %s", expr)
	}
}

func TestFormatSeconds(t *testing.T) {
	if got := formatSeconds(4.0); got != "4" {
		t.Errorf("expected 4, got %s", got)
	}
	if got := formatSeconds(10.36); got != "10.36" {
		t.Errorf("expected 10.36, got %s", got)
	}
	// Float noise is rounded away at millisecond precision.
	if got := formatSeconds(0.1 + 0.2); got != "0.3" {
		t.Errorf("expected 0.3, got %s", got)
	}
}
