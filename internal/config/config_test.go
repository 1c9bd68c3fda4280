package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mapcore/internal/cache"
	"mapcore/internal/config"
	"mapcore/internal/network"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 256, cfg.Tiles.SizePx)
	assert.Equal(t, 3857, cfg.EPSG)
	assert.Equal(t, network.PreferNetwork, cfg.Policy())
	assert.Equal(t, 30*time.Second, cfg.Network.Timeout)
	assert.Equal(t, 5*time.Second, cfg.Network.CheckInterval)
	assert.Equal(t, "openstreetmap", cfg.TileServer().Name)
	assert.Equal(t, cache.CapacityForScreen(1920, 1080), cfg.MemoryCapacity())

	proxy, err := cfg.ProxyURL()
	require.NoError(t, err)
	assert.Nil(t, proxy)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TILE_SIZE_PX", "512")
	t.Setenv("TILE_SERVER", "https://tiles.example.com/%zoom/%x/%y.webp")
	t.Setenv("MEMORY_CACHE_MIB", "64")
	t.Setenv("CACHE_POLICY", "always-cache")
	t.Setenv("OFFLINE", "true")
	t.Setenv("PROXY_URL", "http://proxy.local:3128")
	t.Setenv("PROXY_USER", "alice")
	t.Setenv("PROXY_PASSWORD", "s3cret")
	t.Setenv("NETWORK_TIMEOUT", "10s")
	t.Setenv("NETWORK_CHECK_INTERVAL", "2s")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 512, cfg.Tiles.SizePx)
	assert.Equal(t, "custom", cfg.TileServer().Name)
	assert.Equal(t, int64(64<<20), cfg.MemoryCapacity())
	assert.Equal(t, network.AlwaysCache, cfg.Policy())
	assert.True(t, cfg.Offline)

	opts, err := cfg.NetworkOptions()
	require.NoError(t, err)
	require.NotNil(t, opts.Proxy)
	assert.Equal(t, "proxy.local:3128", opts.Proxy.Host)
	assert.Equal(t, "alice", opts.Proxy.User.Username())
	pass, _ := opts.Proxy.User.Password()
	assert.Equal(t, "s3cret", pass)
	assert.Equal(t, 10*time.Second, opts.Timeout)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"tile size", "TILE_SIZE_PX", "0"},
		{"policy", "CACHE_POLICY", "sometimes"},
		{"epsg", "PROJECTION_EPSG", "27700"},
		{"server", "TILE_SERVER", "https://no-placeholders.example.com"},
		{"sweep interval", "NETWORK_CHECK_INTERVAL", "1m"},
		{"proxy", "PROXY_URL", "::not a url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := config.Load()
			assert.Error(t, err)
		})
	}
}
