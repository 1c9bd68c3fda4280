package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/paulmach/orb"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"

	"mapcore/internal/app"
	"mapcore/internal/config"
	"mapcore/internal/logger"
	"mapcore/internal/seeder"
)

func main() {
	minLon := flag.Float64("min-lon", -180, "west edge in degrees")
	minLat := flag.Float64("min-lat", -85, "south edge in degrees")
	maxLon := flag.Float64("max-lon", 180, "east edge in degrees")
	maxLat := flag.Float64("max-lat", 85, "north edge in degrees")
	minZoom := flag.Int("min-zoom", 0, "first zoom level")
	maxZoom := flag.Int("max-zoom", 4, "last zoom level")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	if cfg.Disk.Dir == "" {
		log.Fatal("DISK_CACHE_DIR must be set for seeding")
	}
	if cfg.Offline {
		log.Fatal("Seeding needs the network, unset OFFLINE")
	}

	region := seeder.Region{
		Bound:   orb.Bound{Min: orb.Point{*minLon, *minLat}, Max: orb.Point{*maxLon, *maxLat}},
		MinZoom: *minZoom,
		MaxZoom: *maxZoom,
	}
	if err := region.Validate(); err != nil {
		log.Fatal("Invalid region", zap.Error(err))
	}

	server := cfg.TileServer()
	if region.MaxZoom > server.MaxZoom {
		log.Fatal("Zoom range exceeds tile server",
			zap.String("server", server.Name),
			zap.Int("max_zoom", server.MaxZoom),
		)
	}

	a, err := app.New(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize image manager", zap.Error(err))
	}

	tiles := seeder.Tiles(a.Manager.Projection(), region)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bar := progressbar.NewOptions(len(tiles), progressbar.OptionShowCount(), progressbar.OptionShowIts())
	s := seeder.New(a.Manager, server.Template, cfg.Seed.Workers, log)
	stats, err := s.Seed(ctx, tiles, func(st seeder.Stats) {
		bar.Set(st.Done())
	})
	bar.Finish()

	if errors.Is(err, context.Canceled) {
		a.Manager.AbortLoading()
	}
	a.Close()

	if err != nil {
		log.Error("Seeding stopped", zap.Error(err), zap.Int("done", stats.Done()), zap.Int("total", stats.Total))
		os.Exit(1)
	}
	if stats.Failed > 0 {
		os.Exit(1)
	}
}
