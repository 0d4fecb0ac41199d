package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// ---------------------------------------------------------------------------
// Generative video model client.
// Follows a deferred request pattern: submit generation → poll by job id.
// The API is treated as opaque: prompts and reference images go in, a media
// URL plus authoritative render metadata come out.
// ---------------------------------------------------------------------------

const (
	genInitialDelay      = 10 * time.Second // Wait before first poll (clips typically take 30-60s)
	genPollMinInterval   = 5 * time.Second  // Start polling every 5s
	genPollMaxInterval   = 20 * time.Second // Cap at 20s between polls
	genPollBackoffFactor = 1.5              // Multiply interval by 1.5 each attempt
	genMaxPollDuration   = 5 * time.Minute  // Hard timeout per clip
)

// GenerationClient talks to the external generative video API.
type GenerationClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewGenerationClient(baseURL, apiKey string) *GenerationClient {
	return &GenerationClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second, // Per-call timeout, not the full poll cycle
		},
	}
}

// SceneInput is the opaque per-clip request. Prompt construction happens
// upstream; this layer only forwards it with the render parameters.
type SceneInput struct {
	Prompt          string
	FrameCount      int
	FPS             float64
	Seed            *int64
	ReferenceImages []string
}

// GenerationResult is the validated boundary struct for a finished render.
// FPS, FrameCount and Seed are the values the model actually used — they are
// authoritative and overwrite whatever was requested.
type GenerationResult struct {
	JobID      string
	MediaURL   string
	FPS        *float64
	FrameCount *int
	Seed       *int64
}

// Request / response wire types

type genRequest struct {
	Prompt          string   `json:"prompt"`
	FrameCount      int      `json:"frame_count"`
	FPS             float64  `json:"fps"`
	Seed            *int64   `json:"seed,omitempty"`
	ReferenceImages []string `json:"reference_images,omitempty"`
}

type genSubmitResponse struct {
	JobID string `json:"job_id"`
}

// genPollResponse covers all poll states: pending/processing carry only
// status, completed carries media_url plus metadata, failed carries error.
type genPollResponse struct {
	Status   string  `json:"status"` // "pending", "processing", "completed", "failed"
	MediaURL string  `json:"media_url,omitempty"`
	Error    string  `json:"error,omitempty"`
	Metadata *struct {
		FPS        *float64 `json:"fps,omitempty"`
		FrameCount *int     `json:"frame_count,omitempty"`
		Seed       *int64   `json:"seed,omitempty"`
	} `json:"metadata,omitempty"`
}

// Generate submits one clip render and polls until it completes or the poll
// budget runs out. The returned result always has a non-empty MediaURL.
func (c *GenerationClient) Generate(ctx context.Context, in SceneInput) (*GenerationResult, error) {
	log.Printf("[Generation] Submitting render (frames=%d, fps=%g, refs=%d)", in.FrameCount, in.FPS, len(in.ReferenceImages))

	jobID, err := c.submit(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("failed to submit generation: %w", err)
	}

	log.Printf("[Generation] Render submitted, job_id=%s", jobID)

	result, err := c.pollForResult(ctx, jobID)
	if err != nil {
		return nil, err
	}
	result.JobID = jobID
	return result, nil
}

// Submit starts a render without waiting for it; the caller polls separately.
func (c *GenerationClient) Submit(ctx context.Context, in SceneInput) (string, error) {
	return c.submit(ctx, in)
}

// Poll fetches the current state of a render once.
func (c *GenerationClient) Poll(ctx context.Context, jobID string) (*GenerationResult, bool, error) {
	resp, err := c.getJob(ctx, jobID)
	if err != nil {
		return nil, false, err
	}
	switch resp.Status {
	case "completed":
		return resultFromPoll(resp), true, nil
	case "failed":
		msg := resp.Error
		if msg == "" {
			msg = "unknown error"
		}
		return nil, true, fmt.Errorf("generation failed: %s (job_id=%s)", msg, jobID)
	default:
		return nil, false, nil
	}
}

func (c *GenerationClient) submit(ctx context.Context, in SceneInput) (string, error) {
	body := genRequest{
		Prompt:          in.Prompt,
		FrameCount:      in.FrameCount,
		FPS:             in.FPS,
		Seed:            in.Seed,
		ReferenceImages: in.ReferenceImages,
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/v1/videos/generations", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("generation API returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var submitResp genSubmitResponse
	if err := json.Unmarshal(respBody, &submitResp); err != nil {
		return "", fmt.Errorf("failed to parse submit response: %w (body: %s)", err, string(respBody))
	}

	if submitResp.JobID == "" {
		return "", fmt.Errorf("no job_id in submit response: %s", string(respBody))
	}

	return submitResp.JobID, nil
}

// pollForResult polls until the render is ready or an error occurs.
//
// Polling strategy: exponential backoff starting at 5s, scaling by 1.5x up to
// a 20s cap, with a 5 minute hard timeout per clip. The initial delay avoids
// wasting calls on guaranteed "pending" responses.
func (c *GenerationClient) pollForResult(ctx context.Context, jobID string) (*GenerationResult, error) {
	deadline := time.Now().Add(genMaxPollDuration)
	pollCount := 0
	currentInterval := genPollMinInterval

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("generation cancelled during initial wait: %w", ctx.Err())
	case <-time.After(genInitialDelay):
	}

	for {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("generation timed out after %v (polled %d times, job_id=%s)", genMaxPollDuration, pollCount, jobID)
		}

		pollCount++

		resp, err := c.getJob(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("failed to poll render (attempt %d): %w", pollCount, err)
		}

		switch resp.Status {
		case "completed":
			if resp.MediaURL == "" {
				return nil, fmt.Errorf("render completed without media_url (job_id=%s)", jobID)
			}
			log.Printf("[Generation] Poll %d: completed (job_id=%s)", pollCount, jobID)
			return resultFromPoll(resp), nil

		case "failed":
			errMsg := resp.Error
			if errMsg == "" {
				errMsg = "unknown error"
			}
			return nil, fmt.Errorf("generation failed: %s (job_id=%s)", errMsg, jobID)

		default:
			log.Printf("[Generation] Poll %d: status=%s (next poll in %v)", pollCount, resp.Status, currentInterval)
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("generation cancelled: %w", ctx.Err())
			case <-time.After(currentInterval):
			}

			next := time.Duration(float64(currentInterval) * genPollBackoffFactor)
			if next > genPollMaxInterval {
				next = genPollMaxInterval
			}
			currentInterval = next
		}
	}
}

func (c *GenerationClient) getJob(ctx context.Context, jobID string) (*genPollResponse, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", fmt.Sprintf("%s/v1/videos/%s", c.baseURL, jobID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	// 202 with a pending status is a valid poll response.
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return nil, fmt.Errorf("generation API returned status %d: %s", resp.StatusCode, string(body))
	}

	var pollResp genPollResponse
	if err := json.Unmarshal(body, &pollResp); err != nil {
		return nil, fmt.Errorf("failed to parse poll response: %w (body: %s)", err, string(body))
	}

	return &pollResp, nil
}

func resultFromPoll(resp *genPollResponse) *GenerationResult {
	result := &GenerationResult{MediaURL: resp.MediaURL}
	if resp.Metadata != nil {
		result.FPS = resp.Metadata.FPS
		result.FrameCount = resp.Metadata.FrameCount
		result.Seed = resp.Metadata.Seed
	}
	return result
}
