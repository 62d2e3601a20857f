package kv

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetGetRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	s, err := Open(path)
	require.NoError(t, err)

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	require.NoError(t, s.Set("thing", payload{Name: "a", Count: 3}))

	var got payload
	ok, err := s.Get("thing", &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, payload{Name: "a", Count: 3}, got)
}

func TestGetAbsentKey(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "store.json"))
	require.NoError(t, err)

	var out string
	ok, err := s.Get("missing", &out)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Set("device_id", "abc-123"))

	reopened, err := Open(path)
	require.NoError(t, err)

	var id string
	ok, err := reopened.Get("device_id", &id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "abc-123", id)
}

func TestDelete(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "store.json"))
	require.NoError(t, err)

	require.NoError(t, s.Set("k", "v"))
	require.NoError(t, s.Delete("k"))

	var out string
	ok, err := s.Get("k", &out)
	require.NoError(t, err)
	require.False(t, ok)

	// Deleting again is a no-op.
	require.NoError(t, s.Delete("k"))
}

func TestCorruptedFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s, err := Open(path)
	require.NoError(t, err)

	var out string
	ok, err := s.Get("anything", &out)
	require.NoError(t, err)
	require.False(t, ok)

	// And it is usable after the reset.
	require.NoError(t, s.Set("anything", "value"))
}

func TestCorruptedValueReadsAsAbsent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"k": {"nested": true}}`), 0o644))

	s, err := Open(path)
	require.NoError(t, err)

	// Asking for a string where an object is stored discards the value.
	var out string
	ok, err := s.Get("k", &out)
	require.NoError(t, err)
	require.False(t, ok)
}
