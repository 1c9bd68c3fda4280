// Package vipsdecode decodes tiles with libvips, which handles more formats
// than the standard library and resizes with a Lanczos kernel.
//
// libvips must be started with vips.Startup before the first Decode.
package vipsdecode

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	"github.com/cshum/vipsgen/vips"

	"mapcore/internal/decoder"
)

func init() {
	decoder.Register("vips", func() decoder.Decoder { return New() })
}

type Decoder struct{}

func New() *Decoder {
	return &Decoder{}
}

func (d *Decoder) Decode(data []byte, tileSizePx int) (image.Image, error) {
	if len(data) == 0 {
		return nil, decoder.ErrEmptyTile
	}

	img, err := vips.NewImageFromBuffer(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load tile: %w", err)
	}
	defer img.Close()

	if w, h := img.Width(), img.Height(); tileSizePx > 0 && (w != tileSizePx || h != tileSizePx) {
		resizeOpts := vips.DefaultResizeOptions()
		resizeOpts.Kernel = vips.KernelLanczos3
		resizeOpts.Vscale = float64(tileSizePx) / float64(h)
		if err := img.Resize(float64(tileSizePx)/float64(w), resizeOpts); err != nil {
			return nil, fmt.Errorf("failed to resize: %w", err)
		}
	}

	// PNG keeps alpha and is lossless.
	pngOpts := vips.DefaultPngsaveBufferOptions()
	buf, err := img.PngsaveBuffer(pngOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to export: %w", err)
	}

	out, err := png.Decode(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("failed to decode export: %w", err)
	}
	// vips rounds the output size, snap any off-by-one to the tile.
	return decoder.Fit(out, tileSizePx), nil
}
