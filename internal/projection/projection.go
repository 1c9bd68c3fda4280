// Package projection converts between geographic coordinates and pixel space
// of a tiled map at a given zoom level.
package projection

import (
	"fmt"

	"github.com/paulmach/orb"
)

// Coord is a geographic location, longitude then latitude in degrees.
type Coord = orb.Point

// PixelPoint is a location in world pixel space at some zoom level,
// origin at the north-west corner.
type PixelPoint struct {
	X float64
	Y float64
}

// Kind selects a projection strategy.
type Kind int

const (
	KindWorldMercator Kind = iota
	KindEquirectangular
)

const (
	EPSGWorldMercator   = 3857
	EPSGEquirectangular = 4326

	DefaultTileSizePx = 256
)

func (k Kind) String() string {
	switch k {
	case KindWorldMercator:
		return "world-mercator"
	case KindEquirectangular:
		return "equirectangular"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Projection is a pure mapping between Coord and PixelPoint for a fixed tile size.
type Projection interface {
	EPSG() int
	TileSizePx() int
	TilesX(zoom int) int
	TilesY(zoom int) int
	ToPixel(c Coord, zoom int) PixelPoint
	ToCoord(p PixelPoint, zoom int) Coord
}

func New(kind Kind, tileSizePx int) (Projection, error) {
	if tileSizePx <= 0 {
		return nil, fmt.Errorf("invalid tile size: %d", tileSizePx)
	}

	switch kind {
	case KindWorldMercator:
		return NewWorldMercator(tileSizePx), nil
	case KindEquirectangular:
		return NewEquirectangular(tileSizePx), nil
	default:
		return nil, fmt.Errorf("unknown projection kind: %s", kind)
	}
}

// ForEPSG picks the projection registered for an EPSG code.
func ForEPSG(epsg, tileSizePx int) (Projection, error) {
	switch epsg {
	case EPSGWorldMercator:
		return New(KindWorldMercator, tileSizePx)
	case EPSGEquirectangular:
		return New(KindEquirectangular, tileSizePx)
	default:
		return nil, fmt.Errorf("unsupported epsg code: %d", epsg)
	}
}
