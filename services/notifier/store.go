package notifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"

	"zeroshare/pkg/s3"
)

// ErrStorageDisabled is returned by every DisabledStore call.
var ErrStorageDisabled = errors.New("object storage disabled")

// Store uploads packages and mints download links.
type Store interface {
	Put(ctx context.Context, key, path string) error
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// DisabledStore is used in local mode and when no bucket is configured.
type DisabledStore struct{}

func (DisabledStore) Put(context.Context, string, string) error { return ErrStorageDisabled }

func (DisabledStore) PresignGet(context.Context, string, time.Duration) (string, error) {
	return "", ErrStorageDisabled
}

type objectAPI interface {
	PutObject(ctx context.Context, in s3.PutInput) error
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// S3Store writes objects with AES256 server-side encryption. Uploads are retried with
// exponential backoff; presigning is local and never retried.
type S3Store struct {
	api     objectAPI
	bucket  string
	backoff func() retry.Backoff
	logger  zerolog.Logger
}

const (
	uploadAttempts    = 3
	uploadBaseBackoff = 500 * time.Millisecond
	zipContentType    = "application/zip"
)

// NewS3Store returns a store for bucket.
func NewS3Store(client *s3.Client, bucket string, logger zerolog.Logger) (*S3Store, error) {
	if client == nil {
		return nil, errors.New("s3 client is required")
	}
	return newS3Store(client, bucket, logger)
}

func newS3Store(api objectAPI, bucket string, logger zerolog.Logger) (*S3Store, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("bucket is required")
	}
	return &S3Store{
		api:    api,
		bucket: bucket,
		backoff: func() retry.Backoff {
			return retry.WithMaxRetries(uploadAttempts-1, retry.NewExponential(uploadBaseBackoff))
		},
		logger: logger,
	}, nil
}

// Put uploads the file at path to key.
func (s *S3Store) Put(ctx context.Context, key, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	h := sha256.New()
	size, err := io.Copy(h, file)
	if err != nil {
		return fmt.Errorf("hash %s: %w", path, err)
	}
	sum := hex.EncodeToString(h.Sum(nil))

	attempt := 0
	return retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
		attempt++
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return err
		}
		err := s.api.PutObject(ctx, s3.PutInput{
			Bucket:      s.bucket,
			Key:         key,
			Body:        file,
			Size:        size,
			SHA256:      sum,
			ContentType: zipContentType,
			Encrypt:     true,
		})
		if err != nil {
			s.logger.Warn().Err(err).Str("key", key).Int("attempt", attempt).Msg("upload attempt failed")
			return retry.RetryableError(fmt.Errorf("put %s: %w", key, err))
		}
		return nil
	})
}

// PresignGet returns a GET link for key valid for ttl.
func (s *S3Store) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return s.api.PresignGet(ctx, s.bucket, key, ttl)
}
