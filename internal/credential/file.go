package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps slots in a small JSON object on disk, written with owner-only permissions.
type FileStore struct {
	mu   sync.Mutex
	path string
	key  string
}

func NewFileStore(path, key string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("credential file path required")
	}
	if key == "" {
		key = DefaultKey
	}
	return &FileStore{path: path, key: key}, nil
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Get(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slots, err := s.read()
	if err != nil {
		return "", err
	}
	value, ok := slots[s.key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func (s *FileStore) Set(ctx context.Context, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	slots, err := s.read()
	if err != nil {
		return err
	}
	slots[s.key] = value
	return s.write(slots)
}

func (s *FileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	slots, err := s.read()
	if err != nil {
		return err
	}
	if _, ok := slots[s.key]; !ok {
		return nil
	}
	delete(slots, s.key)
	return s.write(slots)
}

func (s *FileStore) read() (map[string]string, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to read credential file: %w", err)
	}
	slots := map[string]string{}
	if len(raw) == 0 {
		return slots, nil
	}
	if err := json.Unmarshal(raw, &slots); err != nil {
		return nil, fmt.Errorf("failed to parse credential file %s: %w", s.path, err)
	}
	return slots, nil
}

func (s *FileStore) write(slots map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create credential dir: %w", err)
	}
	raw, err := json.MarshalIndent(slots, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode credential file: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write credential file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace credential file: %w", err)
	}
	return nil
}
