// Package gcs provides a BlobStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
}

// BlobStore writes archived pages to a configured GCS bucket.
type BlobStore struct {
	client *storage.Client
	bucket string
	owned  bool
}

// New wraps an existing client.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("bucket name is required")
	}
	return &BlobStore{client: client, bucket: cfg.Bucket}, nil
}

// Open creates a client using Application Default Credentials plus opts and
// fails fast if the bucket is not readable.
func Open(ctx context.Context, cfg Config, opts ...option.ClientOption) (*BlobStore, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("bucket name is required")
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	if _, err := client.Bucket(cfg.Bucket).Attrs(ctx); err != nil {
		return nil, errors.Join(fmt.Errorf("bucket %q: %w", cfg.Bucket, err), client.Close())
	}
	return &BlobStore{client: client, bucket: cfg.Bucket, owned: true}, nil
}

// Close releases the client when Open created it.
func (s *BlobStore) Close() error {
	if !s.owned {
		return nil
	}
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("close GCS client: %w", err)
	}
	return nil
}

// PutObject streams r to path in the bucket and returns its gs:// URI. A
// read failure on r leaves no object behind.
func (s *BlobStore) PutObject(ctx context.Context, path, contentType string, r io.Reader) (string, error) {
	path = strings.TrimLeft(strings.TrimSpace(path), "/")
	if path == "" {
		return "", errors.New("path is required")
	}
	uploadCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	w := s.client.Bucket(s.bucket).Object(path).NewWriter(uploadCtx)
	w.ContentType = contentType
	if _, err := io.Copy(w, r); err != nil {
		// A canceled writer discards the partial upload on Close.
		cancel()
		_ = w.Close()
		return "", fmt.Errorf("upload %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize %s: %w", path, err)
	}
	return URI(s.bucket, path), nil
}

// URI formats the gs:// address of an object.
func URI(bucket, path string) string {
	return "gs://" + bucket + "/" + path
}
