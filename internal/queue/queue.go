// Package queue is the durable store for purchases pending server
// verification. Entries are keyed by transaction id within a named store and
// survive process restarts; with the database backend they also survive
// reinstalls that preserve app data.
package queue

import (
	"context"
	"errors"
	"path/filepath"

	"billing-client/internal/kv"
	"billing-client/internal/models"
	"billing-client/pkg/logging"
)

// ErrNotFound is returned when an entry id is absent from a store.
var ErrNotFound = errors.New("queue: entry not found")

// Store is the capability interface over the queue backends.
type Store interface {
	// Add creates an entry with a zero retry count. Adding an id that
	// already exists is a no-op: the existing entry and its retry count are
	// kept.
	Add(ctx context.Context, store, id string, data models.PendingPurchase) error
	GetAll(ctx context.Context, store string) ([]models.QueueEntry, error)
	GetByID(ctx context.Context, store, id string) (*models.QueueEntry, error)
	// Active returns entries still eligible for retry, i.e. with a retry
	// count below maxRetries. Entries past the bound stay in the store and
	// keep showing up in GetAll.
	Active(ctx context.Context, store string, maxRetries int) ([]models.QueueEntry, error)
	IncrementRetry(ctx context.Context, store, id string) error
	Remove(ctx context.Context, store, id string) error
	Size(ctx context.Context, store string) (int, error)
}

// Open probes the durable database backend and falls back to the flat
// key-value store when it is unavailable. The choice is made once, here, so
// call sites never branch on storage capability.
func Open(dataDir string, fallback *kv.Store) Store {
	gs, err := NewGormStore(filepath.Join(dataDir, "billing-queue.db"))
	if err != nil {
		logging.Warnf("queue: database backend unavailable, using flat store: %v", err)
		return NewFileStore(fallback)
	}
	return gs
}
