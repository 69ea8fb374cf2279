// Package memory keeps archived pages, session progress, records and
// checkpoints in process memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

type object struct {
	contentType string
	data        []byte
}

// BlobStore stores raw pages in-memory and returns memory:// URIs.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string]object
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string]object)}
}

// PutObject copies the content and returns its URI. Writing the same path
// twice replaces the earlier object.
func (s *BlobStore) PutObject(_ context.Context, path string, contentType string, data io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	body, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read object %s: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = object{contentType: contentType, data: body}
	return "memory://" + path, nil
}

// Object returns a copy of the stored bytes and content type.
func (s *BlobStore) Object(path string) ([]byte, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[path]
	if !ok {
		return nil, "", false
	}
	return append([]byte(nil), obj.data...), obj.contentType, true
}

// Len returns the number of stored objects.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
