// Package kvtest provides a conformance test suite shared by every kv.Store
// backend, the way dexidp/dex's storage/storagetest exercises every storage
// backend against one shared set of expectations.
package kvtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dexidp/openauth/kv"
)

// RunSuite runs the full conformance suite against s. Backends that cannot
// support prefix scanning should not call RunSuite for TestScan; call the
// narrower Test* funcs directly instead.
func RunSuite(t *testing.T, s kv.Store) {
	t.Run("GetSetRemove", func(t *testing.T) { TestGetSetRemove(t, s) })
	t.Run("TTLExpiry", func(t *testing.T) { TestTTLExpiry(t, s) })
	t.Run("Scan", func(t *testing.T) { TestScan(t, s) })
	t.Run("SeparatorStripping", func(t *testing.T) { TestSeparatorStripping(t, s) })
}

func TestGetSetRemove(t *testing.T, s kv.Store) {
	ctx := context.Background()
	key := kv.Key{"oauth", "code", "abc123"}

	_, err := s.Get(ctx, key)
	assert.ErrorIs(t, err, kv.ErrNotFound)

	require.NoError(t, s.Set(ctx, key, []byte("hello"), 0))
	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	require.NoError(t, s.Set(ctx, key, []byte("updated"), 0))
	got, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("updated"), got)

	require.NoError(t, s.Remove(ctx, key))
	_, err = s.Get(ctx, key)
	assert.ErrorIs(t, err, kv.ErrNotFound)

	// Removing an absent key is not an error.
	assert.NoError(t, s.Remove(ctx, key))
}

func TestTTLExpiry(t *testing.T, s kv.Store) {
	ctx := context.Background()
	key := kv.Key{"oauth", "code", "ephemeral"}

	require.NoError(t, s.Set(ctx, key, []byte("v"), 30*time.Millisecond))
	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	time.Sleep(80 * time.Millisecond)

	_, err = s.Get(ctx, key)
	assert.ErrorIs(t, err, kv.ErrNotFound)

	it, err := s.Scan(ctx, kv.Key{"oauth", "code"})
	require.NoError(t, err)
	entries, err := kv.Collect(it)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, key.Join(), e.Key.Join(), "expired entry must not be yielded by Scan")
	}
}

func TestScan(t *testing.T, s kv.Store) {
	ctx := context.Background()
	subjectID := "user-1"
	keys := []kv.Key{
		{"oauth", "refresh", subjectID, "r1"},
		{"oauth", "refresh", subjectID, "r2"},
		{"oauth", "refresh", "user-2", "r3"},
	}
	for i, k := range keys {
		require.NoError(t, s.Set(ctx, k, []byte{byte(i)}, 0))
	}

	it, err := s.Scan(ctx, kv.Key{"oauth", "refresh", subjectID})
	require.NoError(t, err)
	entries, err := kv.Collect(it)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.True(t, e.Key.HasPrefix(kv.Key{"oauth", "refresh", subjectID}))
	}
}

// TestSeparatorStripping proves that a caller-supplied segment containing
// the reserved separator cannot smuggle extra path segments: two distinct
// logical keys that collide once the separator is stripped must not be
// independently retrievable, and Set must always succeed rather than
// rejecting the write.
func TestSeparatorStripping(t *testing.T, s kv.Store) {
	ctx := context.Background()
	key := kv.Key{"oauth", "provider", "req\x1fid", "slot"}
	require.NoError(t, s.Set(ctx, key, []byte("x"), 0))

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got)

	collided, err := s.Get(ctx, kv.Key{"oauth", "provider", "reqid", "slot"})
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), collided)
}
