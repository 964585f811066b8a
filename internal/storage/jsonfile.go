package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
)

// JSONFileStorage appends performance records to a JSON-lines file. A per-file
// lock serializes appends from every station on the host.
type JSONFileStorage struct {
	file *os.File
	log  *zap.Logger
	mu   sync.Mutex
}

// NewJSONFileStorage opens (or creates) the record file for appending.
func NewJSONFileStorage(path string, log *zap.Logger) (*JSONFileStorage, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open performance records file %s: %w", path, err)
	}
	return &JSONFileStorage{file: f, log: log}, nil
}

func (s *JSONFileStorage) Store(_ context.Context, record PerformanceRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode performance record: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("failed to append performance record: %w", err)
	}
	return nil
}

func (s *JSONFileStorage) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
