package storage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and local development. Signed
// URLs are fake but stable, derived from the key.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]Object
	baseURL string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]Object),
		baseURL: "https://storage.invalid",
	}
}

// Upload stores an object under key.
func (s *MemoryStore) Upload(ctx context.Context, key string, obj Object) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := Object{Data: append([]byte(nil), obj.Data...), ContentType: obj.ContentType}
	s.objects[key] = cp
	return nil
}

// Download fetches the object stored under key.
func (s *MemoryStore) Download(ctx context.Context, key string) (Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return Object{}, ErrNotFound
	}
	return Object{Data: append([]byte(nil), obj.Data...), ContentType: obj.ContentType}, nil
}

// SignedURL returns a deterministic fake URL for the object.
func (s *MemoryStore) SignedURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.objects[key]; !ok {
		return "", ErrNotFound
	}
	return fmt.Sprintf("%s/%s?expires=%d", s.baseURL, key, int(expiry.Seconds())), nil
}

// Len reports the number of stored objects.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
