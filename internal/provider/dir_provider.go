package provider

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"mapcore/internal/tile_url"
)

// DirProvider reads tiles from an XYZ directory tree such as
// "/srv/tiles/{z}/{x}/{y}.png".
type DirProvider struct {
	addr        tileAddress
	filePattern string
}

func NewDirProvider(t tile_url.Template, filePattern string) (*DirProvider, error) {
	for _, p := range []string{"{x}", "{y}", "{z}"} {
		if !strings.Contains(filePattern, p) {
			return nil, fmt.Errorf("invalid file pattern %q: placeholder %v not found", filePattern, p)
		}
	}

	addr, err := newTileAddress(t)
	if err != nil {
		return nil, err
	}
	return &DirProvider{addr: addr, filePattern: filePattern}, nil
}

func (p *DirProvider) Tile(url string) ([]byte, bool, error) {
	z, x, y, ok := p.addr.resolve(url)
	if !ok {
		return nil, false, nil
	}

	data, err := os.ReadFile(p.path(z, x, y))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read tile: %w", err)
	}
	return data, len(data) > 0, nil
}

func (p *DirProvider) Close() error {
	return nil
}

func (p *DirProvider) path(z, x, y int) string {
	result := p.filePattern
	result = strings.ReplaceAll(result, "{x}", strconv.Itoa(x))
	result = strings.ReplaceAll(result, "{y}", strconv.Itoa(y))
	result = strings.ReplaceAll(result, "{z}", strconv.Itoa(z))
	return result
}
