package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
)

// FileStore implements KeyValueStore with a single JSON file, the analog of
// an application preferences file. Suitable for a single process per file;
// cross-process consistency is handled above it by the cache version stamp.
type FileStore struct {
	filePath string
	mu       sync.Mutex
}

// NewFileStore creates a file-backed store at filePath. The file is created
// on first write.
func NewFileStore(filePath string) *FileStore {
	return &FileStore{filePath: filePath}
}

// Get returns the stored value, or "" when the key or file does not exist.
func (s *FileStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.load()
	if err != nil {
		return "", err
	}
	return data[key], nil
}

// Set stores value under key, rewriting the whole file.
func (s *FileStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.load()
	if err != nil {
		return err
	}
	data[key] = value
	return s.flush(data)
}

// Delete removes key, rewriting the whole file.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := data[key]; !ok {
		return nil
	}
	delete(data, key)
	return s.flush(data)
}

func (s *FileStore) load() (map[string]string, error) {
	raw, err := os.ReadFile(s.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return make(map[string]string), nil
		}
		return nil, err
	}

	data := make(map[string]string)
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *FileStore) flush(data map[string]string) error {
	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}

	// Restrictive permissions: purchase payloads are user data.
	return os.WriteFile(s.filePath, raw, 0600)
}

var _ KeyValueStore = (*FileStore)(nil)
