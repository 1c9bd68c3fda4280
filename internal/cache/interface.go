package cache

import (
	"crypto/md5"
	"encoding/hex"
	"strconv"
)

// TileKey identifies a tile image for caching. The same URL rendered with a
// different projection or tile size is a different tile.
type TileKey struct {
	URL        string
	EPSG       int
	TileSizePx int
}

// Hash is the md5 hex digest of url, epsg and tile size.
func (k TileKey) Hash() string {
	sum := md5.Sum([]byte(k.URL + strconv.Itoa(k.EPSG) + strconv.Itoa(k.TileSizePx)))
	return hex.EncodeToString(sum[:])
}

// Cache stores raw tile bytes, typically on disk.
type Cache interface {
	Get(key TileKey) ([]byte, bool)
	Set(key TileKey, value []byte) error
	Has(key TileKey) bool // Check if tile exists without reading it (lightweight check)
	Clear() error
	Close()
}
