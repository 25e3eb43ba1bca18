package storage

import (
	"context"
	"sync"
)

type memoryStore struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

// NewMemory returns a process-local store. Tests and the "none" driver use it.
func NewMemory() Store {
	return &memoryStore{docs: map[string][]byte{}}
}

func (s *memoryStore) Load(_ context.Context, key string) ([]byte, bool, error) {
	k, err := NormalizeKey(key)
	if err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.docs[k]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), b...), true, nil
}

func (s *memoryStore) Save(_ context.Context, key string, data []byte) error {
	k, err := NormalizeKey(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.docs[k] = append([]byte(nil), data...)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Close() error { return nil }
