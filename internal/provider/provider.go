// Package provider implements local tile sources that the image manager asks
// before it touches the disk cache or the network.
package provider

import (
	"errors"
	"fmt"

	"mapcore/internal/tile_url"
)

// ErrUnsupported is returned for unknown provider kinds.
var ErrUnsupported = errors.New("unsupported tile provider")

// Provider synchronously produces tile bytes for a URL. A URL the provider
// does not know yields found == false and no error.
type Provider interface {
	Tile(url string) (data []byte, found bool, err error)
	Close() error
}

type Config struct {
	Kind     string
	Path     string
	Template tile_url.Template
	Redis    RedisOptions
}

// New builds the provider named by cfg.Kind. "none" and "" return nil.
func New(cfg Config) (Provider, error) {
	switch cfg.Kind {
	case "", "none":
		return nil, nil
	case "xyz":
		p, err := NewDirProvider(cfg.Template, cfg.Path)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "mbtiles":
		p, err := NewMBTilesProvider(cfg.Template, cfg.Path)
		if err != nil {
			return nil, err
		}
		return p, nil
	case "redis":
		p, err := NewRedisProvider(cfg.Template, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %s (supported: none, xyz, mbtiles, redis)", ErrUnsupported, cfg.Kind)
	}
}

// tileAddress extracts tile coordinates from URLs of one template.
type tileAddress struct {
	matcher *tile_url.Matcher
}

func newTileAddress(t tile_url.Template) (tileAddress, error) {
	m, err := t.Matcher()
	if err != nil {
		return tileAddress{}, err
	}
	return tileAddress{matcher: m}, nil
}

func (a tileAddress) resolve(url string) (z, x, y int, ok bool) {
	z, x, y, err := a.matcher.Parse(url)
	if err != nil || z < 0 || x < 0 || y < 0 || z > 30 {
		return 0, 0, 0, false
	}
	return z, x, y, true
}
