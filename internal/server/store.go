package server

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"billing-client/pkg/logging"
)

// OpenDatabase connects the transaction ledger: PostgreSQL when a URL is
// configured, a local SQLite file otherwise.
func OpenDatabase(databaseURL, dataDir string) (*gorm.DB, error) {
	var db *gorm.DB
	var err error

	gormCfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
		},
	}

	if databaseURL == "" {
		logging.Infof("Database URL not set, using SQLite for development")
		db, err = gorm.Open(sqlite.Open(filepath.Join(dataDir, "verify-server.db")), gormCfg)
	} else {
		db, err = gorm.Open(postgres.Open(databaseURL), gormCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(&Transaction{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logging.Infof("Database connected successfully")
	return db, nil
}

// SessionStore keeps per-device CSRF tokens (TTL-bound) and rate-limit
// counters. Redis in production; memory for tests and redis-less dev.
type SessionStore interface {
	SetCSRF(ctx context.Context, deviceID, token string, ttl time.Duration) error
	// GetCSRF returns "" when no unexpired token is stored for the device.
	GetCSRF(ctx context.Context, deviceID string) (string, error)
	// IncrRequestCount bumps the device's counter for the current window
	// and returns the new value.
	IncrRequestCount(ctx context.Context, deviceID string, window time.Duration) (int64, error)
}

// RedisSessionStore is the production SessionStore.
type RedisSessionStore struct {
	client *redis.Client
}

// NewRedisSessionStore connects to redis and verifies the connection.
func NewRedisSessionStore(redisURL string) (*RedisSessionStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logging.Infof("Redis connected successfully")
	return &RedisSessionStore{client: client}, nil
}

func csrfKey(deviceID string) string {
	return "csrf_token:" + deviceID
}

func rateKey(deviceID string) string {
	return "rate_limit:" + deviceID
}

func (r *RedisSessionStore) SetCSRF(ctx context.Context, deviceID, token string, ttl time.Duration) error {
	return r.client.Set(ctx, csrfKey(deviceID), token, ttl).Err()
}

func (r *RedisSessionStore) GetCSRF(ctx context.Context, deviceID string) (string, error) {
	token, err := r.client.Get(ctx, csrfKey(deviceID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return token, nil
}

func (r *RedisSessionStore) IncrRequestCount(ctx context.Context, deviceID string, window time.Duration) (int64, error) {
	key := rateKey(deviceID)
	count, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := r.client.Expire(ctx, key, window).Err(); err != nil {
			return count, err
		}
	}
	return count, nil
}

// MemorySessionStore is the in-process SessionStore.
type MemorySessionStore struct {
	mu     sync.Mutex
	csrf   map[string]memoryEntry
	counts map[string]*memoryCounter
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

type memoryCounter struct {
	count     int64
	expiresAt time.Time
}

// NewMemorySessionStore creates an empty in-memory store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		csrf:   make(map[string]memoryEntry),
		counts: make(map[string]*memoryCounter),
	}
}

func (m *MemorySessionStore) SetCSRF(ctx context.Context, deviceID, token string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.csrf[deviceID] = memoryEntry{value: token, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (m *MemorySessionStore) GetCSRF(ctx context.Context, deviceID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.csrf[deviceID]
	if !ok || time.Now().After(entry.expiresAt) {
		delete(m.csrf, deviceID)
		return "", nil
	}
	return entry.value, nil
}

func (m *MemorySessionStore) IncrRequestCount(ctx context.Context, deviceID string, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counts[deviceID]
	if !ok || time.Now().After(c.expiresAt) {
		c = &memoryCounter{expiresAt: time.Now().Add(window)}
		m.counts[deviceID] = c
	}
	c.count++
	return c.count, nil
}
