package embedcache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyIsContentAddressed(t *testing.T) {
	require.Equal(t, Key("rain"), Key("rain"))
	require.NotEqual(t, Key("rain"), Key("rain "))
	require.Len(t, Key(""), 64)
}

func TestFileCacheRoundTrip(t *testing.T) {
	c, err := NewFileCache(t.TempDir())
	require.NoError(t, err)
	key := Key("hello")

	_, ok, err := c.Get(key)
	require.NoError(t, err)
	require.False(t, ok)

	vec := []float32{0.25, -1, 3.5}
	require.NoError(t, c.Put(key, vec))
	got, ok, err := c.Get(key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, vec, got)
}

func TestFileCacheCorruptEntryIsMiss(t *testing.T) {
	dir := t.TempDir()
	c, err := NewFileCache(dir)
	require.NoError(t, err)
	good, bad := Key("good"), Key("bad")
	require.NoError(t, c.Put(good, []float32{1, 2}))
	require.NoError(t, c.Put(bad, []float32{1, 2}))
	require.NoError(t, os.WriteFile(filepath.Join(dir, bad+".vec"), []byte("AEMB\x09"), 0o644))

	_, ok, err := c.Get(bad)
	require.NoError(t, err)
	require.False(t, ok)
	got, ok, err := c.Get(good)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []float32{1, 2}, got)
}

func TestFileCacheRejectsInvalidKey(t *testing.T) {
	c, err := NewFileCache(t.TempDir())
	require.NoError(t, err)
	require.Error(t, c.Put("../escape", []float32{1}))
	_, _, err = c.Get("nope")
	require.Error(t, err)
}

type countingCache struct {
	ICache
	gets int
}

func (c *countingCache) Get(key string) ([]float32, bool, error) {
	c.gets++
	return c.ICache.Get(key)
}

func TestWrapLRUServesHotEntries(t *testing.T) {
	fc, err := NewFileCache(t.TempDir())
	require.NoError(t, err)
	backing := &countingCache{ICache: fc}
	c, err := WrapLRU(backing, 4)
	require.NoError(t, err)

	key := Key("x")
	require.NoError(t, c.Put(key, []float32{9}))
	got, ok, err := c.Get(key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []float32{9}, got)
	require.Equal(t, 0, backing.gets)

	got[0] = 100
	again, _, _ := c.Get(key)
	require.Equal(t, []float32{9}, again)

	_, ok, err = c.Get(Key("missing"))
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 1, backing.gets)
}
