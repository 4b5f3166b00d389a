package credential

import (
	"context"
	"sync"
)

type MemoryStore struct {
	mu    sync.Mutex
	value string
	set   bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Get(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		return "", ErrNotFound
	}
	return s.value, nil
}

func (s *MemoryStore) Set(ctx context.Context, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = value
	s.set = true
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.value = ""
	s.set = false
	return nil
}
