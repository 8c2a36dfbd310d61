// Package gcs archives objects in a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the bucket objects are written to.
type Config struct {
	Bucket string
}

// objectWriter is the subset of *storage.Writer the store uses.
type objectWriter interface {
	io.WriteCloser
	SetContentType(string)
}

type writerFunc func(ctx context.Context, bucket, path string) objectWriter

// BlobStore writes objects to a configured GCS bucket.
type BlobStore struct {
	bucket    string
	newWriter writerFunc
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	return newWithWriter(cfg, func(ctx context.Context, bucket, path string) objectWriter {
		return &gcsWriter{Writer: client.Bucket(bucket).Object(path).NewWriter(ctx)}
	})
}

func newWithWriter(cfg Config, fn writerFunc) (*BlobStore, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{bucket: cfg.Bucket, newWriter: fn}, nil
}

// PutObject uploads r to path and returns a gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error) {
	path = strings.TrimLeft(strings.TrimSpace(path), "/")
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	w := s.newWriter(ctx, s.bucket, path)
	if contentType != "" {
		w.SetContentType(contentType)
	}
	if _, err := io.Copy(w, r); err != nil {
		if closeErr := w.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, path), nil
}

type gcsWriter struct {
	*storage.Writer
}

func (w *gcsWriter) SetContentType(ct string) {
	w.ContentType = ct
}
