package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"

	_ "gocloud.dev/blob/gcsblob" // GCS driver
	_ "gocloud.dev/blob/s3blob"  // S3 driver
)

// blobStore implements ObjectStore on a gocloud bucket. All four backends
// share it; only bucket opening and URI formatting differ.
type blobStore struct {
	bucket *blob.Bucket
	scheme string
	root   string // bucket name, or base dir for local
	prefix string
}

func normalizePrefix(prefix string) string {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}

func wrapPrefix(bucket *blob.Bucket, prefix string) *blob.Bucket {
	if prefix == "" {
		return bucket
	}
	return blob.PrefixedBucket(bucket, prefix)
}

// NewS3Store opens an S3-compatible bucket.
// Works with AWS S3, Backblaze B2, Cloudflare R2, and MinIO.
func NewS3Store(ctx context.Context, bucketName, prefix, endpoint, region string) (ObjectStore, error) {
	bucketURL := fmt.Sprintf("s3://%s", bucketName)

	params := url.Values{}
	if region != "" {
		params.Set("region", region)
	}
	if endpoint != "" {
		params.Set("endpoint", endpoint)
		params.Set("s3ForcePathStyle", "true")
	}
	if len(params) > 0 {
		bucketURL = bucketURL + "?" + params.Encode()
	}

	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open S3 bucket %s: %w", bucketName, err)
	}
	prefix = normalizePrefix(prefix)
	return &blobStore{bucket: wrapPrefix(bucket, prefix), scheme: "s3", root: bucketName, prefix: prefix}, nil
}

// NewGCSStore opens a Google Cloud Storage bucket using ambient credentials.
func NewGCSStore(ctx context.Context, bucketName, prefix string) (ObjectStore, error) {
	bucket, err := blob.OpenBucket(ctx, fmt.Sprintf("gs://%s", bucketName))
	if err != nil {
		return nil, fmt.Errorf("open GCS bucket %s: %w", bucketName, err)
	}
	prefix = normalizePrefix(prefix)
	return &blobStore{bucket: wrapPrefix(bucket, prefix), scheme: "gs", root: bucketName, prefix: prefix}, nil
}

// NewLocalStore keeps objects under dir on the local filesystem.
func NewLocalStore(_ context.Context, dir, prefix string) (ObjectStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve dir %s: %w", dir, err)
	}
	bucket, err := fileblob.OpenBucket(abs, &fileblob.Options{CreateDir: true})
	if err != nil {
		return nil, fmt.Errorf("open local bucket %s: %w", abs, err)
	}
	prefix = normalizePrefix(prefix)
	return &blobStore{bucket: wrapPrefix(bucket, prefix), scheme: "file", root: abs, prefix: prefix}, nil
}

// NewMemoryStore holds objects in process memory. Tests only.
func NewMemoryStore(_ context.Context) (ObjectStore, error) {
	return &blobStore{bucket: memblob.OpenBucket(nil), scheme: "mem"}, nil
}

func (s *blobStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

func (s *blobStore) Put(ctx context.Context, key string, data []byte) error {
	w, err := s.bucket.NewWriter(ctx, key, nil)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write data to %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}
	return nil
}

func (s *blobStore) Head(ctx context.Context, key string) (ObjectInfo, error) {
	attrs, err := s.bucket.Attributes(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return ObjectInfo{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return ObjectInfo{}, fmt.Errorf("head %s: %w", key, err)
	}
	return ObjectInfo{Key: key, Size: attrs.Size, ModTime: attrs.ModTime}, nil
}

func (s *blobStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix})
	var out []ObjectInfo
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, err)
		}
		if obj.IsDir {
			continue
		}
		out = append(out, ObjectInfo{Key: obj.Key, Size: obj.Size, ModTime: obj.ModTime})
	}
	return out, nil
}

func (s *blobStore) Delete(ctx context.Context, key string) error {
	if err := s.bucket.Delete(ctx, key); err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil
		}
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (s *blobStore) URI(key string) string {
	switch s.scheme {
	case "file":
		return fmt.Sprintf("file://%s", filepath.Join(s.root, s.prefix, key))
	case "mem":
		return fmt.Sprintf("mem://%s", key)
	default:
		return fmt.Sprintf("%s://%s/%s%s", s.scheme, s.root, s.prefix, key)
	}
}

func (s *blobStore) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}
