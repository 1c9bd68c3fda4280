package projection

import "math"

// WGS84 ellipsoid axes in meters.
const (
	semiMajorAxis = 6378137.0
	semiMinorAxis = 6356752.3142

	inverseMaxIterations = 15
	inverseTolerance     = 1e-7

	minTs = 1e-10
)

var (
	eccentricity = math.Sqrt(1.0 - (semiMinorAxis/semiMajorAxis)*(semiMinorAxis/semiMajorAxis))
	originShift  = math.Pi * semiMajorAxis
)

// WorldMercator is the ellipsoidal Web Mercator projection (EPSG:3857).
type WorldMercator struct {
	tileSizePx int
}

func NewWorldMercator(tileSizePx int) *WorldMercator {
	return &WorldMercator{tileSizePx: tileSizePx}
}

func (m *WorldMercator) EPSG() int       { return EPSGWorldMercator }
func (m *WorldMercator) TileSizePx() int { return m.tileSizePx }

func (m *WorldMercator) TilesX(zoom int) int { return 1 << uint(zoom) }
func (m *WorldMercator) TilesY(zoom int) int { return 1 << uint(zoom) }

// Resolution returns meters per pixel at the equator.
func (m *WorldMercator) Resolution(zoom int) float64 {
	return 2 * math.Pi * semiMajorAxis / float64(m.tileSizePx) / math.Exp2(float64(zoom))
}

func (m *WorldMercator) ToPixel(c Coord, zoom int) PixelPoint {
	xm, ym := toMeters(c)
	res := m.Resolution(zoom)
	return PixelPoint{
		X: (xm + originShift) / res,
		Y: (originShift - ym) / res,
	}
}

func (m *WorldMercator) ToCoord(p PixelPoint, zoom int) Coord {
	res := m.Resolution(zoom)
	xm := p.X*res - originShift
	ym := originShift - p.Y*res
	return fromMeters(xm, ym)
}

func toMeters(c Coord) (float64, float64) {
	xm := c.Lon() * originShift / 180.0

	phi := c.Lat() * math.Pi / 180.0
	esin := eccentricity * math.Sin(phi)
	ts := math.Tan(0.5*(math.Pi/2-phi)) / math.Pow((1-esin)/(1+esin), eccentricity/2)
	ym := -semiMajorAxis * math.Log(math.Max(ts, minTs))

	return xm, ym
}

// fromMeters solves the ellipsoidal latitude by fixed-point iteration.
// Non-convergence returns the last estimate.
func fromMeters(xm, ym float64) Coord {
	lon := xm / originShift * 180.0

	ts := math.Exp(-ym / semiMajorAxis)
	phi := math.Pi/2 - 2*math.Atan(ts)
	for i := 0; i < inverseMaxIterations; i++ {
		esin := eccentricity * math.Sin(phi)
		con := math.Pow((1-esin)/(1+esin), eccentricity/2)
		dphi := math.Pi/2 - 2*math.Atan(ts*con) - phi
		phi += dphi
		if math.Abs(dphi) <= inverseTolerance {
			break
		}
	}

	return Coord{lon, phi * 180.0 / math.Pi}
}
