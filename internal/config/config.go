package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"mapcore/internal/cache"
	"mapcore/internal/network"
	"mapcore/internal/projection"
	"mapcore/internal/tile_url"
)

type (
	Config struct {
		Port        int    `env:"PORT" envDefault:"8080"`
		MetricsPort int    `env:"METRICS_PORT" envDefault:"8888"`
		LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

		// Empty allows same-host origins only.
		AllowedOrigin string `env:"ALLOWED_ORIGIN" envDefault:""`

		Tiles    Tiles    `envPrefix:"TILE_"`
		Memory   Memory   `envPrefix:"MEMORY_CACHE_"`
		Screen   Screen   `envPrefix:"SCREEN_"`
		Disk     Disk     `envPrefix:"DISK_CACHE_"`
		Network  Network  `envPrefix:"NETWORK_"`
		Proxy    Proxy    `envPrefix:"PROXY_"`
		Provider Provider `envPrefix:"PROVIDER_"`
		Redis    Redis    `envPrefix:"REDIS_"`
		Seed     Seed     `envPrefix:"SEED_"`

		Offline     bool   `env:"OFFLINE" envDefault:"false"`
		CachePolicy string `env:"CACHE_POLICY" envDefault:"prefer-network"`
		Decoder     string `env:"DECODER" envDefault:"std"`
		EPSG        int    `env:"PROJECTION_EPSG" envDefault:"3857"`
	}

	Tiles struct {
		SizePx int `env:"SIZE_PX" envDefault:"256"`
		// Server name (openstreetmap, opentopomap, ...) or a raw %zoom/%x/%y template.
		Server string `env:"SERVER" envDefault:"openstreetmap"`
	}

	Memory struct {
		// 0 derives the capacity from the screen size.
		MiB int `env:"MIB" envDefault:"0"`
	}

	Screen struct {
		WidthPx  int `env:"WIDTH_PX" envDefault:"1920"`
		HeightPx int `env:"HEIGHT_PX" envDefault:"1080"`
	}

	Disk struct {
		// Empty disables the disk cache.
		Dir string `env:"DIR" envDefault:""`
		MiB int    `env:"MIB" envDefault:"256"`
	}

	Network struct {
		UserAgent     string        `env:"USER_AGENT" envDefault:"mapcore"`
		Timeout       time.Duration `env:"TIMEOUT" envDefault:"30s"`
		CheckInterval time.Duration `env:"CHECK_INTERVAL" envDefault:"5s"`
	}

	Proxy struct {
		URL      string `env:"URL" envDefault:""`
		User     string `env:"USER" envDefault:""`
		Password string `env:"PASSWORD" envDefault:""`
	}

	Provider struct {
		// none, xyz, mbtiles or redis.
		Kind string `env:"KIND" envDefault:"none"`
		Path string `env:"PATH" envDefault:""`
	}

	Redis struct {
		Addr     string        `env:"ADDR" envDefault:"localhost:6379"`
		Password string        `env:"PASSWORD" envDefault:""`
		DB       int           `env:"DB" envDefault:"0"`
		Timeout  time.Duration `env:"TIMEOUT" envDefault:"2s"`
	}

	Seed struct {
		Workers int `env:"WORKERS" envDefault:"4"`
	}
)

// Load reads .env when present and then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Tiles.SizePx <= 0 {
		return fmt.Errorf("TILE_SIZE_PX must be positive, got %d", c.Tiles.SizePx)
	}
	if c.Network.CheckInterval <= 0 || c.Network.CheckInterval >= c.Network.Timeout {
		return fmt.Errorf("NETWORK_CHECK_INTERVAL (%s) must be positive and shorter than NETWORK_TIMEOUT (%s)",
			c.Network.CheckInterval, c.Network.Timeout)
	}
	if _, err := network.ParsePolicy(c.CachePolicy); err != nil {
		return err
	}
	if _, err := projection.ForEPSG(c.EPSG, c.Tiles.SizePx); err != nil {
		return err
	}
	if _, err := tile_url.Lookup(c.Tiles.Server); err != nil {
		return err
	}
	if _, err := c.ProxyURL(); err != nil {
		return err
	}
	return nil
}

func (c *Config) Policy() network.Policy {
	p, _ := network.ParsePolicy(c.CachePolicy)
	return p
}

func (c *Config) TileServer() tile_url.Server {
	s, _ := tile_url.Lookup(c.Tiles.Server)
	return s
}

// MemoryCapacity is the configured capacity in bytes, or the screen derived one.
func (c *Config) MemoryCapacity() int64 {
	if c.Memory.MiB > 0 {
		return int64(c.Memory.MiB) * 1024 * 1024
	}
	return cache.CapacityForScreen(c.Screen.WidthPx, c.Screen.HeightPx)
}

// ProxyURL merges the proxy credentials into the proxy URL. nil means direct.
func (c *Config) ProxyURL() (*url.URL, error) {
	if c.Proxy.URL == "" {
		return nil, nil
	}

	u, err := url.Parse(c.Proxy.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid PROXY_URL: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid PROXY_URL: missing host in %q", c.Proxy.URL)
	}
	if c.Proxy.User != "" {
		u.User = url.UserPassword(c.Proxy.User, c.Proxy.Password)
	}
	return u, nil
}

func (c *Config) NetworkOptions() (network.Options, error) {
	proxy, err := c.ProxyURL()
	if err != nil {
		return network.Options{}, err
	}
	return network.Options{
		Timeout:       c.Network.Timeout,
		CheckInterval: c.Network.CheckInterval,
		UserAgent:     c.Network.UserAgent,
		Proxy:         proxy,
		Policy:        c.Policy(),
	}, nil
}
