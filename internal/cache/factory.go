package cache

import (
	"fmt"

	"go.uber.org/zap"
)

// NewCache creates the disk tier. An empty directory disables it.
func NewCache(cacheDir string, capacityMiB int, log *zap.Logger) (Cache, error) {
	if cacheDir == "" {
		log.Info("Disk cache disabled")
		return NewNoopCache(), nil
	}

	if capacityMiB <= 0 {
		return nil, fmt.Errorf("invalid disk cache capacity: %d MiB", capacityMiB)
	}

	log.Info("Using file cache", zap.String("cache_dir", cacheDir), zap.Int("capacity_mib", capacityMiB))
	return NewFileCache(cacheDir, int64(capacityMiB)*1024*1024, log)
}

// Enabled reports whether c persists anything.
func Enabled(c Cache) bool {
	_, noop := c.(*NoopCache)
	return c != nil && !noop
}
