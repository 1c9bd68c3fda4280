// Package app wires configuration into a ready image manager for the binaries.
package app

import (
	"fmt"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"mapcore/internal/cache"
	"mapcore/internal/config"
	"mapcore/internal/decoder"
	_ "mapcore/internal/decoder/vipsdecode"
	"mapcore/internal/image_manager"
	"mapcore/internal/provider"
)

// App owns the manager and everything that has to be released with it.
type App struct {
	Manager  *image_manager.Manager
	provider provider.Provider
	vips     bool
}

func New(cfg *config.Config, log *zap.Logger) (*App, error) {
	a := &App{}

	if cfg.Decoder == "vips" {
		startVips(log)
		a.vips = true
	}

	dec, err := decoder.New(cfg.Decoder)
	if err != nil {
		a.Close()
		return nil, err
	}

	store, err := cache.NewCache(cfg.Disk.Dir, cfg.Disk.MiB, log)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize disk cache: %w", err)
	}

	netOpts, err := cfg.NetworkOptions()
	if err != nil {
		store.Close()
		a.Close()
		return nil, err
	}

	m, err := image_manager.New(image_manager.Options{
		TileSizePx:     cfg.Tiles.SizePx,
		EPSG:           cfg.EPSG,
		MemoryCapacity: cfg.MemoryCapacity(),
		Offline:        cfg.Offline,
		Network:        netOpts,
	}, store, dec, log)
	if err != nil {
		store.Close()
		a.Close()
		return nil, err
	}
	a.Manager = m

	p, err := provider.New(provider.Config{
		Kind:     cfg.Provider.Kind,
		Path:     cfg.Provider.Path,
		Template: cfg.TileServer().Template,
		Redis: provider.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Timeout:  cfg.Redis.Timeout,
		},
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to initialize tile provider: %w", err)
	}
	if p != nil {
		a.provider = p
		m.SetProvider(p)
		log.Info("Tile provider enabled",
			zap.String("kind", cfg.Provider.Kind),
			zap.String("path", cfg.Provider.Path),
		)
	}

	return a, nil
}

// Close stops the manager before releasing what it reads from.
func (a *App) Close() {
	if a.Manager != nil {
		a.Manager.Close()
	}
	if a.provider != nil {
		a.provider.Close()
	}
	if a.vips {
		vips.Shutdown()
	}
}

func startVips(log *zap.Logger) {
	vips.SetLogging(func(domain string, level vips.LogLevel, message string) {
		if level >= vips.LogLevelError {
			log.Error("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		} else if level >= vips.LogLevelWarning {
			log.Warn("vips", zap.String("domain", domain), zap.Int("level", int(level)), zap.String("message", message))
		}
	}, vips.LogLevelError)

	vips.Startup(&vips.Config{
		MaxCacheFiles: 0,
		MaxCacheSize:  0,
		ReportLeaks:   false,
		CacheTrace:    false,
		VectorEnabled: true,
	})
	log.Info("VIPS initialized")
}
