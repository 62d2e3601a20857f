package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"billing-client/internal/kv"
	"billing-client/internal/models"
)

// FileStore is the degraded queue backend over the flat key-value store.
// Same-session durability only; accepted when the database cannot be opened.
type FileStore struct {
	mu sync.Mutex
	kv *kv.Store
}

// NewFileStore wraps the key-value store as a queue backend.
func NewFileStore(store *kv.Store) *FileStore {
	return &FileStore{kv: store}
}

func storeKey(store string) string {
	return "queue:" + store
}

// load reads the entry list for a store. Corrupted or missing data reads as
// empty; the kv layer already logs and discards unparseable values.
func (s *FileStore) load(store string) []models.QueueEntry {
	var entries []models.QueueEntry
	if _, err := s.kv.Get(storeKey(store), &entries); err != nil {
		return nil
	}
	return entries
}

func (s *FileStore) save(store string, entries []models.QueueEntry) error {
	if err := s.kv.Set(storeKey(store), entries); err != nil {
		return fmt.Errorf("failed to persist queue %s: %w", store, err)
	}
	return nil
}

// Add creates an entry unless the transaction id is already present.
func (s *FileStore) Add(ctx context.Context, store, id string, data models.PendingPurchase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.load(store)
	for _, e := range entries {
		if e.ID == id {
			return nil
		}
	}

	entries = append(entries, models.QueueEntry{
		Store:      store,
		ID:         id,
		Data:       data,
		AddedAt:    time.Now(),
		RetryCount: 0,
	})
	return s.save(store, entries)
}

// GetAll returns every entry in the store.
func (s *FileStore) GetAll(ctx context.Context, store string) ([]models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(store), nil
}

// GetByID returns a single entry or ErrNotFound.
func (s *FileStore) GetByID(ctx context.Context, store, id string) (*models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.load(store) {
		if e.ID == id {
			entry := e
			return &entry, nil
		}
	}
	return nil, ErrNotFound
}

// Active returns entries with a retry count below maxRetries.
func (s *FileStore) Active(ctx context.Context, store string, maxRetries int) ([]models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var active []models.QueueEntry
	for _, e := range s.load(store) {
		if e.RetryCount < maxRetries {
			active = append(active, e)
		}
	}
	return active, nil
}

// IncrementRetry bumps the retry counter and stamps the attempt time.
func (s *FileStore) IncrementRetry(ctx context.Context, store, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.load(store)
	for i := range entries {
		if entries[i].ID == id {
			now := time.Now()
			entries[i].RetryCount++
			entries[i].LastRetryAt = &now
			return s.save(store, entries)
		}
	}
	return ErrNotFound
}

// Remove deletes an entry. Removing an absent id is a no-op.
func (s *FileStore) Remove(ctx context.Context, store, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.load(store)
	kept := entries[:0]
	for _, e := range entries {
		if e.ID != id {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(entries) {
		return nil
	}
	return s.save(store, kept)
}

// Size returns the number of entries in the store.
func (s *FileStore) Size(ctx context.Context, store string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.load(store)), nil
}
