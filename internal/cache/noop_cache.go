package cache

// NoopCache is used when no disk cache directory is configured.
type NoopCache struct{}

func NewNoopCache() *NoopCache {
	return &NoopCache{}
}

func (c *NoopCache) Get(key TileKey) ([]byte, bool) {
	return nil, false
}

func (c *NoopCache) Set(key TileKey, value []byte) error {
	return nil
}

func (c *NoopCache) Has(key TileKey) bool {
	return false
}

func (c *NoopCache) Clear() error {
	return nil
}

func (c *NoopCache) Close() {
}
