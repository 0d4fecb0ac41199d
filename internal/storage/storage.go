package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
)

const (
	// Retry configuration for downloads — composition pulls many clips in a
	// row and transient storage hiccups should not fail the whole job.
	maxRetries     = 4
	baseRetryDelay = 1 * time.Second
	maxRetryDelay  = 30 * time.Second
)

// Storage is an S3-compatible object store (R2, minio, S3).
type Storage struct {
	client    *s3.Client
	presigner *s3.PresignClient
	Bucket    string
	publicURL string
	endpoint  string
}

type Options struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	PublicURL string
}

func New(opts Options) (*Storage, error) {
	if opts.Endpoint == "" || opts.AccessKey == "" || opts.SecretKey == "" {
		return nil, fmt.Errorf("storage configuration incomplete")
	}

	resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
		return aws.Endpoint{URL: opts.Endpoint}, nil
	})

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithEndpointResolverWithOptions(resolver),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			opts.AccessKey,
			opts.SecretKey,
			"",
		)),
		awsconfig.WithRegion(opts.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg)

	return &Storage{
		client:    client,
		presigner: s3.NewPresignClient(client),
		Bucket:    opts.Bucket,
		publicURL: opts.PublicURL,
		endpoint:  opts.Endpoint,
	}, nil
}

// Upload stores data under key with the given content type.
func (s *Storage) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

// Download fetches an object with retries and exponential backoff.
func (s *Storage) Download(ctx context.Context, key string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(attempt)
			log.Printf("[Storage] Download retry %d/%d for %s (waiting %v)...", attempt, maxRetries, key, delay)

			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("download cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.Bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			lastErr = fmt.Errorf("failed to download %s: %w", key, err)
			if isNotFoundErr(err) || ctx.Err() != nil {
				return nil, lastErr
			}
			log.Printf("[Storage] Download attempt %d failed (retryable): %v", attempt+1, err)
			continue
		}

		data, err := io.ReadAll(out.Body)
		out.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read download body: %w", err)
			log.Printf("[Storage] Download attempt %d read failed: %v", attempt+1, err)
			continue
		}
		return data, nil
	}

	return nil, fmt.Errorf("download failed after %d attempts: %w", maxRetries+1, lastErr)
}

// Exists reports whether an object is present, without fetching its body.
func (s *Storage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFoundErr(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to head %s: %w", key, err)
	}
	return true, nil
}

// PresignGet generates a time-limited download URL.
func (s *Storage) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("failed to presign %s: %w", key, err)
	}
	return req.URL, nil
}

// GetPublicURL returns the public CDN URL for a key.
func (s *Storage) GetPublicURL(key string) string {
	if s.publicURL != "" {
		return fmt.Sprintf("%s/%s", strings.TrimRight(s.publicURL, "/"), key)
	}
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(s.endpoint, "/"), s.Bucket, key)
}

// SongKey builds the storage key for a song-scoped artifact.
func SongKey(songID uuid.UUID, filename string) string {
	return path.Join("songs", songID.String(), filename)
}

// retryDelay calculates exponential backoff with jitter: base * 2^attempt + random jitter
func retryDelay(attempt int) time.Duration {
	delay := float64(baseRetryDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxRetryDelay) {
		delay = float64(maxRetryDelay)
	}
	// Add 0-25% jitter to avoid thundering herd
	jitter := delay * 0.25 * rand.Float64()
	return time.Duration(delay + jitter)
}

// isNotFoundErr detects S3 "no such key" responses across providers.
func isNotFoundErr(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		return code == "NoSuchKey" || code == "NotFound" || code == "404"
	}
	return false
}
