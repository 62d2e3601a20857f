package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"billing-client/internal/kv"
)

const deviceIDKey = "device_id"

// DeviceService returns a stable per-install identifier, generated once and
// persisted. It binds sessions and verification calls to a physical device.
type DeviceService struct {
	mu     sync.Mutex
	kv     *kv.Store
	cached string
}

// NewDeviceService creates a new device identity provider.
func NewDeviceService(store *kv.Store) *DeviceService {
	return &DeviceService{kv: store}
}

// DeviceID returns the persistent device identifier, creating it on first use.
func (d *DeviceService) DeviceID(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cached != "" {
		return d.cached, nil
	}

	var id string
	if ok, err := d.kv.Get(deviceIDKey, &id); err != nil {
		return "", fmt.Errorf("failed to read device id: %w", err)
	} else if ok && id != "" {
		d.cached = id
		return id, nil
	}

	id = uuid.NewString()
	if err := d.kv.Set(deviceIDKey, id); err != nil {
		return "", fmt.Errorf("failed to persist device id: %w", err)
	}
	d.cached = id
	return id, nil
}
