package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"billing-client/internal/models"
	"billing-client/pkg/logging"
)

// GormStore is the durable queue backend on SQLite.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens (or creates) the queue database at path and migrates
// the entry table.
func NewGormStore(path string) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	if err := db.AutoMigrate(&models.QueueEntry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate queue database: %w", err)
	}

	return &GormStore{db: db}, nil
}

// Add creates an entry unless the transaction id is already present.
func (s *GormStore) Add(ctx context.Context, store, id string, data models.PendingPurchase) error {
	entry := models.QueueEntry{
		Store:      store,
		ID:         id,
		Data:       data,
		AddedAt:    time.Now(),
		RetryCount: 0,
	}

	// FirstOrCreate keeps the existing row (and its retry count) when the id
	// was queued before.
	result := s.db.WithContext(ctx).
		Where("store = ? AND id = ?", store, id).
		FirstOrCreate(&entry)
	if result.Error != nil {
		return fmt.Errorf("failed to add queue entry %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		logging.Infof("queue: entry %s already present in %s, keeping existing", id, store)
	}
	return nil
}

// GetAll returns every entry in the store, oldest first.
func (s *GormStore) GetAll(ctx context.Context, store string) ([]models.QueueEntry, error) {
	var entries []models.QueueEntry
	err := s.db.WithContext(ctx).
		Where("store = ?", store).
		Order("added_at asc").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list queue entries: %w", err)
	}
	return entries, nil
}

// GetByID returns a single entry or ErrNotFound.
func (s *GormStore) GetByID(ctx context.Context, store, id string) (*models.QueueEntry, error) {
	var entry models.QueueEntry
	err := s.db.WithContext(ctx).
		Where("store = ? AND id = ?", store, id).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get queue entry %s: %w", id, err)
	}
	return &entry, nil
}

// Active returns entries with a retry count below maxRetries, oldest first.
func (s *GormStore) Active(ctx context.Context, store string, maxRetries int) ([]models.QueueEntry, error) {
	var entries []models.QueueEntry
	err := s.db.WithContext(ctx).
		Where("store = ? AND retry_count < ?", store, maxRetries).
		Order("added_at asc").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active queue entries: %w", err)
	}
	return entries, nil
}

// IncrementRetry bumps the retry counter and stamps the attempt time.
func (s *GormStore) IncrementRetry(ctx context.Context, store, id string) error {
	now := time.Now()
	result := s.db.WithContext(ctx).
		Model(&models.QueueEntry{}).
		Where("store = ? AND id = ?", store, id).
		Updates(map[string]interface{}{
			"retry_count":   gorm.Expr("retry_count + 1"),
			"last_retry_at": now,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to increment retry for %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Remove deletes an entry. Removing an absent id is a no-op.
func (s *GormStore) Remove(ctx context.Context, store, id string) error {
	err := s.db.WithContext(ctx).
		Where("store = ? AND id = ?", store, id).
		Delete(&models.QueueEntry{}).Error
	if err != nil {
		return fmt.Errorf("failed to remove queue entry %s: %w", id, err)
	}
	return nil
}

// Size returns the number of entries in the store.
func (s *GormStore) Size(ctx context.Context, store string) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.QueueEntry{}).
		Where("store = ?", store).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count queue entries: %w", err)
	}
	return int(count), nil
}
