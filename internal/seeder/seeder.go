// Package seeder pre-populates the disk cache for a region so it can be
// browsed offline.
package seeder

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/hilbert"
	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"mapcore/internal/image_manager"
	"mapcore/internal/metrics"
	"mapcore/internal/projection"
	"mapcore/internal/tile_url"
)

type TileID struct {
	Z int
	X int
	Y int
}

// Region is a geographic box in degrees over a zoom range.
type Region struct {
	Bound   orb.Bound
	MinZoom int
	MaxZoom int
}

func (r Region) Validate() error {
	if r.MinZoom < 0 || r.MaxZoom < r.MinZoom || r.MaxZoom > 24 {
		return fmt.Errorf("invalid zoom range %d..%d", r.MinZoom, r.MaxZoom)
	}
	if r.Bound.Min[0] > r.Bound.Max[0] || r.Bound.Min[1] > r.Bound.Max[1] {
		return fmt.Errorf("invalid bound %v", r.Bound)
	}
	return nil
}

// Tiles lists the tiles covering r, zoom by zoom, each zoom ordered along a
// Hilbert curve so consecutive requests stay spatially close.
func Tiles(p projection.Projection, r Region) []TileID {
	var tiles []TileID

	for z := r.MinZoom; z <= r.MaxZoom; z++ {
		nw := p.ToPixel(projection.Coord{r.Bound.Min[0], r.Bound.Max[1]}, z)
		se := p.ToPixel(projection.Coord{r.Bound.Max[0], r.Bound.Min[1]}, z)

		size := float64(p.TileSizePx())
		x0 := clamp(int(math.Floor(nw.X/size)), p.TilesX(z))
		x1 := clamp(int(math.Floor(se.X/size)), p.TilesX(z))
		y0 := clamp(int(math.Floor(nw.Y/size)), p.TilesY(z))
		y1 := clamp(int(math.Floor(se.Y/size)), p.TilesY(z))

		side := max(p.TilesX(z), p.TilesY(z))
		h, err := hilbert.NewHilbert(side)
		if err != nil {
			panic(fmt.Sprintf("seeder: hilbert curve of side %d: %v", side, err))
		}

		type ordered struct {
			id   TileID
			code int
		}
		level := make([]ordered, 0, (x1-x0+1)*(y1-y0+1))
		for x := x0; x <= x1; x++ {
			for y := y0; y <= y1; y++ {
				code, _ := h.MapInverse(x, y)
				level = append(level, ordered{TileID{Z: z, X: x, Y: y}, code})
			}
		}
		sort.Slice(level, func(i, j int) bool { return level[i].code < level[j].code })

		for _, o := range level {
			tiles = append(tiles, o.id)
		}
	}

	return tiles
}

func clamp(v, n int) int {
	return max(0, min(v, n-1))
}

// Cacher is the part of the image manager the seeder drives.
type Cacher interface {
	CacheImageToDisk(url string) (bool, error)
	Subscribe(fn func(image_manager.Event)) func()
}

type Stats struct {
	Total         int
	AlreadyCached int
	Downloaded    int
	Failed        int
}

func (s Stats) Done() int {
	return s.AlreadyCached + s.Downloaded + s.Failed
}

type Seeder struct {
	cacher   Cacher
	template tile_url.Template
	workers  int
	logger   *zap.Logger
}

func New(cacher Cacher, template tile_url.Template, workers int, logger *zap.Logger) *Seeder {
	// At least one download stays outstanding.
	if workers <= 0 {
		workers = 1
	}
	return &Seeder{
		cacher:   cacher,
		template: template,
		workers:  workers,
		logger:   logger,
	}
}

type run struct {
	mu       sync.Mutex
	pending  map[string]struct{}
	stats    Stats
	slots    chan struct{}
	progress func(Stats)
}

func (r *run) track(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[url] = struct{}{}
}

func (r *run) resolve(url string, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pending[url]; !ok {
		return
	}
	delete(r.pending, url)

	switch result {
	case "cached":
		r.stats.AlreadyCached++
	case "downloaded":
		r.stats.Downloaded++
	case "failed":
		r.stats.Failed++
	}
	metrics.SeededTiles.WithLabelValues(result).Inc()

	if r.progress != nil {
		r.progress(r.stats)
	}
	<-r.slots
}

func (r *run) abandon(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.pending, url)
	<-r.slots
}

func (r *run) snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Seed caches every tile to disk with at most workers downloads outstanding
// and returns once all of them resolved. progress, if set, is called after
// each tile and never concurrently.
func (s *Seeder) Seed(ctx context.Context, tiles []TileID, progress func(Stats)) (Stats, error) {
	r := &run{
		pending:  make(map[string]struct{}),
		slots:    make(chan struct{}, s.workers),
		progress: progress,
	}

	seen := make(map[TileID]struct{}, len(tiles))
	unique := tiles[:0:0]
	for _, id := range tiles {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			unique = append(unique, id)
		}
	}
	r.stats.Total = len(unique)

	unsubscribe := s.cacher.Subscribe(func(e image_manager.Event) {
		switch e.Kind {
		case image_manager.ImageCached:
			r.resolve(e.URL, "downloaded")
		case image_manager.ImageDownloadFailed:
			s.logger.Warn("Seeding tile failed", zap.String("url", e.URL), zap.Error(e.Err))
			r.resolve(e.URL, "failed")
		}
	})
	defer unsubscribe()

	s.logger.Info("Seeding started", zap.Int("tiles", len(unique)), zap.Int("workers", s.workers))

	for _, id := range unique {
		select {
		case r.slots <- struct{}{}:
		case <-ctx.Done():
			return r.snapshot(), ctx.Err()
		}

		url := s.template.Format(id.Z, id.X, id.Y)
		r.track(url)

		cached, err := s.cacher.CacheImageToDisk(url)
		if err != nil {
			r.abandon(url)
			return r.snapshot(), fmt.Errorf("failed to seed %s: %w", url, err)
		}
		if cached {
			r.resolve(url, "cached")
		}
	}

	// Holding every slot means nothing is outstanding.
	for i := 0; i < s.workers; i++ {
		select {
		case r.slots <- struct{}{}:
		case <-ctx.Done():
			return r.snapshot(), ctx.Err()
		}
	}

	stats := r.snapshot()
	s.logger.Info("Seeding completed",
		zap.Int("total", stats.Total),
		zap.Int("already_cached", stats.AlreadyCached),
		zap.Int("downloaded", stats.Downloaded),
		zap.Int("failed", stats.Failed),
	)
	return stats, nil
}
