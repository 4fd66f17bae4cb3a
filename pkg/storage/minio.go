package storage

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
)

// MinIOConfig configures an S3-compatible object store.
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinIOStore reads submission files from an S3-compatible bucket.
type MinIOStore struct {
	client *minio.Client
	bucket string
	logger zerolog.Logger
}

// NewMinIOStore creates the client. The bucket is not checked at startup so
// the service can boot before object storage is ready.
func NewMinIOStore(cfg MinIOConfig, logger zerolog.Logger) (*MinIOStore, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint must not be empty")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("minio bucket must not be empty")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &MinIOStore{
		client: client,
		bucket: cfg.Bucket,
		logger: logger.With().Str("component", "minio_store").Logger(),
	}, nil
}

// Open streams the object stored under path.
func (s *MinIOStore) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	key := strings.TrimPrefix(path, "/")

	object, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", key, err)
	}

	// GetObject is lazy; Stat surfaces missing keys before the caller reads.
	if _, err := object.Stat(); err != nil {
		_ = object.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("stat object %s: %w", key, err)
	}

	s.logger.Debug().Str("key", key).Msg("object opened")
	return object, nil
}
