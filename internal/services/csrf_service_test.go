package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCSRFTokenLifecycle(t *testing.T) {
	c := NewCSRFService()
	require.Empty(t, c.Token())

	c.Set("csrf-1")
	require.Equal(t, "csrf-1", c.Token())

	// A fresh token replaces the old one outright.
	c.Set("csrf-2")
	require.Equal(t, "csrf-2", c.Token())

	c.Clear()
	require.Empty(t, c.Token())
}

func TestCSRFTokenExpires(t *testing.T) {
	c := NewCSRFService()
	c.ttl = 10 * time.Millisecond

	c.Set("csrf-1")
	require.Equal(t, "csrf-1", c.Token())

	time.Sleep(20 * time.Millisecond)
	require.Empty(t, c.Token())
}

func TestDeviceIDStableAcrossInstances(t *testing.T) {
	store := newKV(t)

	d := NewDeviceService(store)
	id, err := d.DeviceID(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	// Cached read returns the same value.
	again, err := d.DeviceID(context.Background())
	require.NoError(t, err)
	require.Equal(t, id, again)

	// A new instance over the same storage sees the same id.
	fresh := NewDeviceService(store)
	persisted, err := fresh.DeviceID(context.Background())
	require.NoError(t, err)
	require.Equal(t, id, persisted)
}
