package projection

// Equirectangular is the plate carrée projection (EPSG:4326). The world is
// two tiles wide and one tile high at zoom 0.
type Equirectangular struct {
	tileSizePx int
}

func NewEquirectangular(tileSizePx int) *Equirectangular {
	return &Equirectangular{tileSizePx: tileSizePx}
}

func (e *Equirectangular) EPSG() int       { return EPSGEquirectangular }
func (e *Equirectangular) TileSizePx() int { return e.tileSizePx }

func (e *Equirectangular) TilesX(zoom int) int { return 2 << uint(zoom) }
func (e *Equirectangular) TilesY(zoom int) int { return 1 << uint(zoom) }

func (e *Equirectangular) ToPixel(c Coord, zoom int) PixelPoint {
	w, h := e.worldSize(zoom)
	return PixelPoint{
		X: (c.Lon() + 180.0) / 360.0 * w,
		Y: (90.0 - c.Lat()) / 180.0 * h,
	}
}

func (e *Equirectangular) ToCoord(p PixelPoint, zoom int) Coord {
	w, h := e.worldSize(zoom)
	return Coord{
		p.X/w*360.0 - 180.0,
		90.0 - p.Y/h*180.0,
	}
}

func (e *Equirectangular) worldSize(zoom int) (float64, float64) {
	return float64(e.TilesX(zoom) * e.tileSizePx), float64(e.TilesY(zoom) * e.tileSizePx)
}
