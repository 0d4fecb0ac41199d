package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGenerationSubmit(t *testing.T) {
	var gotReq genRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/videos/generations" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("missing bearer auth, got %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(genSubmitResponse{JobID: "job-7"})
	}))
	defer server.Close()

	client := NewGenerationClient(server.URL, "test-key")
	seed := int64(42)

	jobID, err := client.Submit(context.Background(), SceneInput{
		Prompt:     "city at dusk",
		FrameCount: 96,
		FPS:        24,
		Seed:       &seed,
	})
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if jobID != "job-7" {
		t.Errorf("expected job-7, got %s", jobID)
	}

	if gotReq.FrameCount != 96 || gotReq.FPS != 24 {
		t.Errorf("render parameters not forwarded: %+v", gotReq)
	}
	if gotReq.Seed == nil || *gotReq.Seed != 42 {
		t.Error("seed not forwarded")
	}
}

func TestGenerationSubmitRejectsMissingJobID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer server.Close()

	client := NewGenerationClient(server.URL, "")
	if _, err := client.Submit(context.Background(), SceneInput{Prompt: "x", FrameCount: 1, FPS: 24}); err == nil {
		t.Error("expected error for response without job_id")
	}
}

func TestGenerationPollPending(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(genPollResponse{Status: "processing"})
	}))
	defer server.Close()

	client := NewGenerationClient(server.URL, "")
	result, done, err := client.Poll(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if done {
		t.Error("processing render reported as done")
	}
	if result != nil {
		t.Error("expected nil result while processing")
	}
}

func TestGenerationPollCompletedCarriesMetadata(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/videos/job-9" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		fps := 23.976
		frames := 95
		seed := int64(7)
		json.NewEncoder(w).Encode(genPollResponse{
			Status:   "completed",
			MediaURL: "https://cdn.example.net/out.mp4",
			Metadata: &struct {
				FPS        *float64 `json:"fps,omitempty"`
				FrameCount *int     `json:"frame_count,omitempty"`
				Seed       *int64   `json:"seed,omitempty"`
			}{FPS: &fps, FrameCount: &frames, Seed: &seed},
		})
	}))
	defer server.Close()

	client := NewGenerationClient(server.URL, "")
	result, done, err := client.Poll(context.Background(), "job-9")
	if err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if !done {
		t.Fatal("completed render not reported as done")
	}
	if result.MediaURL != "https://cdn.example.net/out.mp4" {
		t.Errorf("wrong media url: %s", result.MediaURL)
	}
	if result.FPS == nil || *result.FPS != 23.976 {
		t.Error("fps metadata not carried through")
	}
	if result.FrameCount == nil || *result.FrameCount != 95 {
		t.Error("frame count metadata not carried through")
	}
	if result.Seed == nil || *result.Seed != 7 {
		t.Error("seed metadata not carried through")
	}
}

func TestGenerationPollFailed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(genPollResponse{Status: "failed", Error: "content policy"})
	}))
	defer server.Close()

	client := NewGenerationClient(server.URL, "")
	_, done, err := client.Poll(context.Background(), "job-2")
	if !done {
		t.Error("failed render should be terminal")
	}
	if err == nil {
		t.Fatal("expected failure error")
	}
}
