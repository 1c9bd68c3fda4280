package cache_test

import (
	"bytes"
	"fmt"
	"image"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mapcore/internal/cache"
)

func tile(size int) image.Image {
	return image.NewRGBA(image.Rect(0, 0, size, size))
}

func key(url string) cache.TileKey {
	return cache.TileKey{URL: url, EPSG: 3857, TileSizePx: 256}
}

func TestTileKeyHash(t *testing.T) {
	a := cache.TileKey{URL: "https://tile/1/0/0.png", EPSG: 3857, TileSizePx: 256}
	b := a

	assert.Equal(t, a.Hash(), b.Hash())
	assert.Len(t, a.Hash(), 32)

	b.EPSG = 4326
	assert.NotEqual(t, a.Hash(), b.Hash())

	c := a
	c.TileSizePx = 512
	assert.NotEqual(t, a.Hash(), c.Hash())
}

func TestCapacityForScreen(t *testing.T) {
	assert.Equal(t, cache.MinMemoryCapacity, cache.CapacityForScreen(800, 600))
	assert.Equal(t, int64(3840*2160*4*4), cache.CapacityForScreen(3840, 2160))
}

func TestMemoryCacheBoundAndLRU(t *testing.T) {
	cost := cache.ImageCost(tile(16))
	c := cache.NewMemoryCache(3 * cost)

	require.True(t, c.Set(key("a"), tile(16)))
	require.True(t, c.Set(key("b"), tile(16)))
	require.True(t, c.Set(key("c"), tile(16)))

	_, ok := c.Get(key("a"))
	require.True(t, ok)

	require.True(t, c.Set(key("d"), tile(16)))

	assert.LessOrEqual(t, c.Cost(), c.Capacity())
	assert.Equal(t, 3, c.Len())
	assert.True(t, c.Has(key("a")))
	assert.False(t, c.Has(key("b")), "least recently used entry should be evicted")
	assert.True(t, c.Has(key("c")))
	assert.True(t, c.Has(key("d")))
}

func TestMemoryCacheNeverExceedsCapacity(t *testing.T) {
	c := cache.NewMemoryCache(cache.ImageCost(tile(32)) * 5 / 2)

	for i := 0; i < 50; i++ {
		c.Set(key(strings.Repeat("x", i+1)), tile(32))
		require.LessOrEqual(t, c.Cost(), c.Capacity())
	}
	assert.Equal(t, 2, c.Len())
}

func TestMemoryCacheReplaceAndOversized(t *testing.T) {
	c := cache.NewMemoryCache(cache.ImageCost(tile(16)) * 2)

	require.True(t, c.Set(key("a"), tile(16)))
	require.True(t, c.Set(key("a"), tile(8)))
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, cache.ImageCost(tile(8)), c.Cost())

	assert.False(t, c.Set(key("huge"), tile(64)))
	assert.False(t, c.Has(key("huge")))

	c.SetCapacity(0)
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, int64(0), c.Cost())
}

func TestMemoryCacheConcurrentReaders(t *testing.T) {
	c := cache.NewMemoryCache(cache.MinMemoryCapacity)
	c.Set(key("a"), tile(16))

	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 1000; j++ {
				c.Get(key("a"))
			}
		}()
	}
	for j := 0; j < 100; j++ {
		c.Set(key(strings.Repeat("w", j+1)), tile(8))
	}
	for i := 0; i < 8; i++ {
		<-done
	}

	_, ok := c.Get(key("a"))
	assert.True(t, ok)
}

func TestFileCache(t *testing.T) {
	dir := t.TempDir()
	log := zaptest.NewLogger(t)

	c, err := cache.NewFileCache(dir, 1<<20, log)
	require.NoError(t, err)
	defer c.Close()

	_, ok := c.Get(key("a"))
	assert.False(t, ok)
	assert.False(t, c.Has(key("a")))

	require.NoError(t, c.Set(key("a"), []byte("tile-a")))
	assert.True(t, c.Has(key("a")))

	data, ok := c.Get(key("a"))
	require.True(t, ok)
	assert.Equal(t, []byte("tile-a"), data)

	require.NoError(t, c.Set(key("a"), []byte("tile-a2")))
	data, ok = c.Get(key("a"))
	require.True(t, ok)
	assert.Equal(t, []byte("tile-a2"), data)

	require.NoError(t, c.Clear())
	assert.False(t, c.Has(key("a")))
	_, err = os.Stat(dir)
	assert.NoError(t, err)
}

func TestFileCacheReindexesOnStart(t *testing.T) {
	dir := t.TempDir()
	log := zaptest.NewLogger(t)

	c, err := cache.NewFileCache(dir, 1<<20, log)
	require.NoError(t, err)
	require.NoError(t, c.Set(key("a"), []byte("tile-a")))
	c.Close()

	stale := filepath.Join(dir, "zz", "junk.tile.tmp")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0755))
	require.NoError(t, os.WriteFile(stale, []byte("partial"), 0644))

	reopened, err := cache.NewFileCache(dir, 1<<20, log)
	require.NoError(t, err)
	defer reopened.Close()

	data, ok := reopened.Get(key("a"))
	require.True(t, ok)
	assert.Equal(t, []byte("tile-a"), data)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}

type dirUsage struct {
	files int
	bytes int64
	paths []string
}

func usage(t *testing.T, dir string) dirUsage {
	t.Helper()
	var u dirUsage
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		u.files++
		u.bytes += info.Size()
		u.paths = append(u.paths, path)
		return nil
	})
	require.NoError(t, err)
	return u
}

func TestFileCacheStaysWithinCapacity(t *testing.T) {
	const (
		capacity = 1 << 20
		tileSize = 100 << 10
	)
	dir := t.TempDir()

	c, err := cache.NewFileCache(dir, capacity, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Close()

	check := func() {
		t.Helper()
		u := usage(t, dir)
		assert.LessOrEqual(t, u.bytes, int64(capacity))
		assert.Equal(t, c.ItemCount(), u.files, "one file per indexed tile")
		assert.Equal(t, c.Bytes(), u.bytes)
	}

	for i := 0; i < 20; i++ {
		require.NoError(t, c.Set(key(fmt.Sprintf("k%d", i)), bytes.Repeat([]byte{byte(i)}, tileSize)))
		check()
	}

	// Ten tiles fit, the oldest ten went.
	assert.Equal(t, 10, c.ItemCount())
	for i := 0; i < 20; i++ {
		assert.Equal(t, i >= 10, c.Has(key(fmt.Sprintf("k%d", i))), "k%d", i)
	}

	for i := 0; i < 20; i++ {
		require.NoError(t, c.Set(key("hot"), bytes.Repeat([]byte{byte(100 + i)}, tileSize)))
		check()
	}

	assert.Equal(t, 10, c.ItemCount())
	data, ok := c.Get(key("hot"))
	require.True(t, ok)
	assert.Equal(t, byte(119), data[0])
}

func TestFileCacheRejectsOversizedTile(t *testing.T) {
	c, err := cache.NewFileCache(t.TempDir(), 1024, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Close()

	err = c.Set(key("big"), make([]byte, 1025))
	assert.ErrorIs(t, err, cache.ErrTileTooLarge)
	assert.False(t, c.Has(key("big")))
	assert.Zero(t, c.Bytes())
}

func TestFileCacheReopenTrimsAndDropsSuperseded(t *testing.T) {
	const tileSize = 100 << 10
	dir := t.TempDir()
	log := zaptest.NewLogger(t)

	c, err := cache.NewFileCache(dir, 1<<20, log)
	require.NoError(t, err)
	for i := 0; i < 8; i++ {
		require.NoError(t, c.Set(key(fmt.Sprintf("k%d", i)), bytes.Repeat([]byte{byte(i)}, tileSize)))
	}
	c.Close()

	// A leftover older version of k7, as a crash before cleanup would leave.
	u := usage(t, dir)
	hash := key("k7").Hash()
	var current string
	for _, p := range u.paths {
		if strings.HasPrefix(filepath.Base(p), hash+"_") {
			current = p
		}
	}
	require.NotEmpty(t, current)
	old := filepath.Join(filepath.Dir(current), hash+"_old.tile")
	require.NoError(t, os.WriteFile(old, []byte("stale"), 0644))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(old, past, past))

	reopened, err := cache.NewFileCache(dir, 3*tileSize, log)
	require.NoError(t, err)
	defer reopened.Close()

	u = usage(t, dir)
	assert.LessOrEqual(t, u.bytes, int64(3*tileSize))
	assert.Equal(t, 3, reopened.ItemCount())
	assert.Equal(t, 3, u.files)
	assert.Equal(t, reopened.Bytes(), u.bytes)

	_, err = os.Stat(old)
	assert.True(t, os.IsNotExist(err))
}

func TestFileCacheDropsUnreadableEntry(t *testing.T) {
	dir := t.TempDir()
	c, err := cache.NewFileCache(dir, 1<<20, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Set(key("a"), []byte("tile-a")))
	for _, p := range usage(t, dir).paths {
		require.NoError(t, os.Remove(p))
	}

	_, ok := c.Get(key("a"))
	assert.False(t, ok)
	assert.False(t, c.Has(key("a")))
	assert.Zero(t, c.Bytes())

	require.NoError(t, c.Set(key("a"), []byte("tile-a2")))
	data, ok := c.Get(key("a"))
	require.True(t, ok)
	assert.Equal(t, []byte("tile-a2"), data)
}

func TestNewCacheFactory(t *testing.T) {
	log := zaptest.NewLogger(t)

	c, err := cache.NewCache("", 100, log)
	require.NoError(t, err)
	assert.False(t, cache.Enabled(c))

	c, err = cache.NewCache(t.TempDir(), 10, log)
	require.NoError(t, err)
	defer c.Close()
	assert.True(t, cache.Enabled(c))

	_, err = cache.NewCache(t.TempDir(), 0, log)
	assert.Error(t, err)
}
