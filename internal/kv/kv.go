// Package kv is a flat file-backed key-value store. It is the least durable
// tier of the storage chain: it survives process restarts but not reinstalls,
// and it is what the queue falls back to when the database cannot be opened.
package kv

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"billing-client/pkg/logging"
)

// Store is a single JSON file holding a string-keyed map. All operations
// rewrite the whole file; the data sets here are tiny (a device id, a
// session, a handful of queued purchases).
type Store struct {
	mu   sync.Mutex
	path string
	data map[string]json.RawMessage
}

// Open loads the store at path, creating the directory if needed. A missing
// file starts empty; a corrupted file is discarded and logged, not fatal.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	s := &Store{path: path, data: make(map[string]json.RawMessage)}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := json.Unmarshal(raw, &s.data); err != nil {
		logging.Warnf("kv: discarding corrupted store %s: %v", path, err)
		s.data = make(map[string]json.RawMessage)
	}
	return s, nil
}

// Get unmarshals the value for key into out. Returns false if absent.
func (s *Store) Get(key string, out interface{}) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.data[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		// A single unreadable value is treated as absent, same policy as a
		// corrupted file.
		logging.Warnf("kv: discarding corrupted value for %q: %v", key, err)
		delete(s.data, key)
		return false, nil
	}
	return true, nil
}

// Set stores value under key and flushes to disk.
func (s *Store) Set(key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value for %q: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = raw
	return s.flush()
}

// Delete removes key and flushes to disk. Deleting an absent key is a no-op.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[key]; !ok {
		return nil
	}
	delete(s.data, key)
	return s.flush()
}

// flush writes the store atomically (temp file + rename). Callers hold mu.
func (s *Store) flush() error {
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal store: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", s.path, err)
	}
	return nil
}
