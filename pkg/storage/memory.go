package storage

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"
)

// MemoryStore is an in-process ObjectStore for tests and local development.
type MemoryStore struct {
	mu      sync.RWMutex
	prefix  string
	objects map[string]memoryObject
}

type memoryObject struct {
	data        []byte
	contentType string
	storedAt    time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore(keyPrefix string) *MemoryStore {
	return &MemoryStore{
		prefix:  keyPrefix,
		objects: make(map[string]memoryObject),
	}
}

func (s *MemoryStore) fullKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

// Put stores a copy of data under key.
func (s *MemoryStore) Put(_ context.Context, key string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	s.objects[s.fullKey(key)] = memoryObject{
		data:        buf,
		contentType: contentType,
		storedAt:    time.Now(),
	}
	return nil
}

// Get returns a copy of the stored bytes.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[s.fullKey(key)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	buf := make([]byte, len(obj.data))
	copy(buf, obj.data)
	return buf, nil
}

// PresignedGetURL returns a synthetic memory:// URL. Nothing dereferences
// these outside tests; they only need to be stable and carry the expiry.
func (s *MemoryStore) PresignedGetURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	full := s.fullKey(key)
	if _, ok := s.objects[full]; !ok {
		return "", fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	expires := time.Now().Add(ttl).Unix()
	return fmt.Sprintf("memory://%s?expires=%d", url.PathEscape(full), expires), nil
}

// Delete removes key if present.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, s.fullKey(key))
	return nil
}

// Len reports the number of stored objects (test helper).
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
