package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/karlseguin/ccache/v3"
	"go.uber.org/zap"

	"mapcore/internal/metrics"
)

const (
	tileFileExt = ".tile"

	// Entries never expire by age, only by capacity.
	fileEntryTTL = 100 * 365 * 24 * time.Hour

	// The index counts entries, not bytes: ccache prunes at least
	// size-maxSize items per gc, so byte weights would empty it. Bytes are
	// bounded by evictLocked, which lowers the item limit one step at a time.
	unboundedItems = math.MaxInt64
)

var ErrTileTooLarge = errors.New("tile larger than disk cache capacity")

type fileEntry struct {
	path string
	size int64
	// gone is set once the file is removed and its bytes released.
	gone atomic.Bool
}

// FileCache implements a capacity-bounded disk cache.
// Structure: {cacheDir}/{hash[:2]}/{hash}_{uuid}.tile
//
// Every write lands in a fresh file and the previous version of the same
// hash is removed by the writer. The ccache index tracks recency, evicted
// entries have their file removed, and the total size of live files never
// exceeds capacity once Set returns.
type FileCache struct {
	mu       sync.RWMutex
	cacheDir string
	capacity int64
	bytes    atomic.Int64
	index    *ccache.Cache[*fileEntry]
	logger   *zap.Logger
}

func NewFileCache(cacheDir string, capacityBytes int64, logger *zap.Logger) (*FileCache, error) {
	if capacityBytes <= 0 {
		return nil, fmt.Errorf("invalid disk cache capacity %d", capacityBytes)
	}
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	c := &FileCache{
		cacheDir: cacheDir,
		capacity: capacityBytes,
		logger:   logger,
	}
	c.index = ccache.New(ccache.Configure[*fileEntry]().
		MaxSize(unboundedItems).
		ItemsToPrune(1).
		OnDelete(c.removeFile))

	if err := c.load(); err != nil {
		c.index.Stop()
		return nil, fmt.Errorf("failed to index cache directory: %w", err)
	}

	return c, nil
}

// buildFilePath builds a new unique file path for a tile hash
func (c *FileCache) buildFilePath(hash string) string {
	return filepath.Join(c.cacheDir, hash[:2], hash+"_"+uuid.NewString()+tileFileExt)
}

func (c *FileCache) Get(key TileKey) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	hash := key.Hash()
	item := c.index.Get(hash)
	if item == nil {
		metrics.DiskCacheMisses.Inc()
		return nil, false
	}

	entry := item.Value()
	data, err := os.ReadFile(entry.path)
	if err != nil {
		c.logger.Warn("Indexed tile file unreadable", zap.String("path", entry.path), zap.Error(err))
		// Only drop the entry that failed, not a newer one for the same hash.
		if cur := c.index.GetWithoutPromote(hash); cur != nil && cur.Value() == entry {
			c.forget(entry)
			c.index.Delete(hash)
		}
		metrics.DiskCacheMisses.Inc()
		return nil, false
	}

	metrics.DiskCacheHits.Inc()
	return data, true
}

func (c *FileCache) Has(key TileKey) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.index.GetWithoutPromote(key.Hash()) != nil
}

func (c *FileCache) Set(key TileKey, value []byte) error {
	size := int64(len(value))
	if size > c.capacity {
		return fmt.Errorf("%w: %d > %d bytes", ErrTileTooLarge, size, c.capacity)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	hash := key.Hash()
	filePath := c.buildFilePath(hash)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create tile directory: %w", err)
	}

	// Write atomically
	tmpPath := filePath + ".tmp"
	if err := os.WriteFile(tmpPath, value, 0644); err != nil {
		return fmt.Errorf("failed to write tile: %w", err)
	}

	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to commit tile: %w", err)
	}

	c.indexLocked(hash, &fileEntry{path: filePath, size: size})
	c.evictLocked()
	return nil
}

// Clear removes every cached file. Writers are held off for the duration.
func (c *FileCache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.index.Clear()
	c.bytes.Store(0)
	metrics.DiskCacheBytes.Set(0)

	if err := os.RemoveAll(c.cacheDir); err != nil {
		return fmt.Errorf("failed to clear cache directory: %w", err)
	}

	return os.MkdirAll(c.cacheDir, 0755)
}

func (c *FileCache) Close() {
	c.index.Stop()
}

// ItemCount is the number of indexed tiles.
func (c *FileCache) ItemCount() int {
	return c.index.ItemCount()
}

// Bytes is the total size of the indexed tile files.
func (c *FileCache) Bytes() int64 {
	return c.bytes.Load()
}

func (c *FileCache) Capacity() int64 {
	return c.capacity
}

// indexLocked makes e the current version of hash. The previous version's
// file is removed here: ccache skips OnDelete for a replaced item it has not
// linked into its list yet.
func (c *FileCache) indexLocked(hash string, e *fileEntry) {
	if prev := c.index.GetWithoutPromote(hash); prev != nil {
		c.forget(prev.Value())
	}
	c.bytes.Add(e.size)
	c.index.Set(hash, e, fileEntryTTL)
}

// evictLocked drops least recently used tiles until the live bytes fit.
func (c *FileCache) evictLocked() {
	if c.bytes.Load() > c.capacity {
		for c.bytes.Load() > c.capacity {
			c.index.SyncUpdates()
			n := c.index.GetSize()
			if n <= 1 {
				break
			}
			// gc prunes exactly one tail item and calls removeFile for it.
			c.index.SetMaxSize(n - 1)
		}
		c.index.SetMaxSize(unboundedItems)
	}
	metrics.DiskCacheBytes.Set(float64(c.bytes.Load()))
}

// forget removes the file of e and releases its bytes, once.
func (c *FileCache) forget(e *fileEntry) bool {
	if !e.gone.CompareAndSwap(false, true) {
		return false
	}
	c.bytes.Add(-e.size)
	if err := os.Remove(e.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.logger.Warn("Failed to remove tile file", zap.String("path", e.path), zap.Error(err))
	}
	return true
}

func (c *FileCache) removeFile(item *ccache.Item[*fileEntry]) {
	if c.forget(item.Value()) {
		metrics.DiskCacheEvictions.Inc()
	}
}

type indexedFile struct {
	hash    string
	path    string
	size    int64
	modTime time.Time
}

// load rebuilds the index from files left by a previous run, oldest first so
// recency survives restarts. Leftover temp files and superseded versions are
// removed.
func (c *FileCache) load() error {
	var files []indexedFile

	err := filepath.WalkDir(c.cacheDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		name := d.Name()
		if strings.HasSuffix(name, ".tmp") {
			os.Remove(path)
			return nil
		}
		if !strings.HasSuffix(name, tileFileExt) {
			return nil
		}

		hash, _, ok := strings.Cut(name, "_")
		if !ok {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		files = append(files, indexedFile{hash: hash, path: path, size: info.Size(), modTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return err
	}

	// Keep the newest version of every hash, a crash between rename and
	// cleanup can leave older ones behind.
	newest := make(map[string]indexedFile, len(files))
	for _, f := range files {
		cur, ok := newest[f.hash]
		if !ok {
			newest[f.hash] = f
			continue
		}
		stale := f
		if f.modTime.After(cur.modTime) {
			newest[f.hash], stale = f, cur
		}
		if err := os.Remove(stale.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove superseded tile: %w", err)
		}
	}

	kept := make([]indexedFile, 0, len(newest))
	for _, f := range newest {
		kept = append(kept, f)
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].modTime.Before(kept[j].modTime) })

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, f := range kept {
		c.indexLocked(f.hash, &fileEntry{path: f.path, size: f.size})
	}
	c.evictLocked()

	if len(files) > 0 {
		c.logger.Info("Disk cache indexed",
			zap.String("cache_dir", c.cacheDir),
			zap.Int("files", len(files)),
			zap.Int("kept", c.index.ItemCount()),
			zap.Int64("bytes", c.bytes.Load()),
		)
	}
	return nil
}
