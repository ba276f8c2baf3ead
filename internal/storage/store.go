// Package storage provides the object store the lake keeps its columnar
// files in, plus the local disk cache that fronts it for merge reads.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned for absent objects.
var ErrNotFound = errors.New("object not found")

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// ObjectStore abstracts the blob backend. Keys are catalog object keys
// (files/{org}/{stream_type}/{stream_name}/YYYY/MM/DD/HH/{file}).
type ObjectStore interface {
	// Get reads a whole object. Absent objects return ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put writes a whole object, replacing any previous content.
	Put(ctx context.Context, key string, data []byte) error

	// Head returns object metadata without reading the payload.
	Head(ctx context.Context, key string) (ObjectInfo, error)

	// List returns metadata for every object under prefix.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Delete removes an object. Deleting an absent object is not an error.
	Delete(ctx context.Context, key string) error

	// URI returns the canonical URI for the given key.
	// For local: file:///path, GCS: gs://bucket/path, S3: s3://bucket/path
	URI(key string) string

	// Close releases any resources.
	Close() error
}

// Config configures the storage backend.
type Config struct {
	Backend string `yaml:"backend"` // "local" | "gcs" | "s3" | "memory"

	// Local filesystem
	LocalDir string `yaml:"local_dir"`

	// GCS
	GCSBucket string `yaml:"gcs_bucket"`

	// S3 (also works for B2, R2, MinIO)
	S3Bucket   string `yaml:"s3_bucket"`
	S3Endpoint string `yaml:"s3_endpoint"` // custom endpoint for B2/MinIO/R2
	S3Region   string `yaml:"s3_region"`

	// Common
	Prefix string `yaml:"prefix"` // path prefix within bucket or local dir
}

// New creates an object store based on configuration.
func New(ctx context.Context, cfg Config) (ObjectStore, error) {
	switch cfg.Backend {
	case "local":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("local_dir required for local backend")
		}
		return NewLocalStore(ctx, cfg.LocalDir, cfg.Prefix)
	case "gcs":
		if cfg.GCSBucket == "" {
			return nil, fmt.Errorf("gcs_bucket required for gcs backend")
		}
		return NewGCSStore(ctx, cfg.GCSBucket, cfg.Prefix)
	case "s3":
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("s3_bucket required for s3 backend")
		}
		return NewS3Store(ctx, cfg.S3Bucket, cfg.Prefix, cfg.S3Endpoint, cfg.S3Region)
	case "memory":
		return NewMemoryStore(ctx)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}
