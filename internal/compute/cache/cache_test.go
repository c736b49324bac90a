package cache

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func hashFor(content string) string {
	// a cheap deterministic stand-in for sha256 hex: 64 hex chars, so
	// rawHash takes its hex-decoding path just as it does for real content
	// hashes.
	return fmt.Sprintf("%064x", len(content)*31+int(content[0]))
}

func TestCacheGetPutRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "emb.cache"), 16, 4)
	require.NoError(t, err)
	defer c.Close()

	h := hashFor("hello world")
	_, ok := c.Get(h)
	require.False(t, ok)

	vec := []float32{1, 2, 3, 4}
	require.True(t, c.Put(h, vec))

	got, ok := c.Get(h)
	require.True(t, ok)
	require.Equal(t, vec, got)

	stats := c.Stats()
	require.EqualValues(t, 1, stats.Misses)
	require.EqualValues(t, 1, stats.Hits)
	require.EqualValues(t, 1, stats.Writes)
	require.EqualValues(t, 1, stats.SlotsUsed)
}

func TestCachePersistsAcrossCloseAndReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "emb.cache")

	c1, err := Open(path, 8, 3)
	require.NoError(t, err)

	h := hashFor("persisted")
	require.True(t, c1.Put(h, []float32{9, 8, 7}))
	require.NoError(t, c1.Close())

	c2, err := Open(path, 8, 3)
	require.NoError(t, err)
	defer c2.Close()

	got, ok := c2.Get(h)
	require.True(t, ok)
	require.Equal(t, []float32{9, 8, 7}, got)
}

func TestCacheHeaderMismatchIsUnavailable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "emb.cache")

	c1, err := Open(path, 8, 3)
	require.NoError(t, err)
	require.NoError(t, c1.Close())

	_, err = Open(path, 8, 5) // different dim
	require.ErrorIs(t, err, ErrCacheUnavailable)
}

func TestCachePutIdempotentOverwrite(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "emb.cache"), 8, 2)
	require.NoError(t, err)
	defer c.Close()

	h := hashFor("x")
	require.True(t, c.Put(h, []float32{1, 1}))
	require.True(t, c.Put(h, []float32{2, 2}))

	got, ok := c.Get(h)
	require.True(t, ok)
	require.Equal(t, []float32{2, 2}, got)
}

func TestCacheConcurrentPutsNeverTearValue(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "emb.cache"), 4, 2)
	require.NoError(t, err)
	defer c.Close()

	h := hashFor("shared")
	v1 := []float32{1, 1}
	v2 := []float32{2, 2}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.Put(h, v1) }()
	go func() { defer wg.Done(); c.Put(h, v2) }()
	wg.Wait()

	got, ok := c.Get(h)
	require.True(t, ok)
	require.True(t, equalVec(got, v1) || equalVec(got, v2))
}

func equalVec(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSlotSizeEightByteAligned(t *testing.T) {
	for dim := 1; dim < 20; dim++ {
		require.Zero(t, slotSize(dim)%8, "dim=%d", dim)
	}
}
