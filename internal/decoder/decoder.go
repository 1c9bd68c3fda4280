// Package decoder turns downloaded tile bytes into images of the configured
// tile size.
package decoder

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var ErrEmptyTile = errors.New("empty tile data")

// Decoder decodes tile bytes and scales the result to tileSizePx when the
// source has a different size.
type Decoder interface {
	Decode(data []byte, tileSizePx int) (image.Image, error)
}

// Std decodes with the image package registry.
type Std struct{}

func NewStd() *Std {
	return &Std{}
}

func (d *Std) Decode(data []byte, tileSizePx int) (image.Image, error) {
	if len(data) == 0 {
		return nil, ErrEmptyTile
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode tile: %w", err)
	}

	return Fit(img, tileSizePx), nil
}

// Fit scales img to tileSizePx on both axes. Images already that size, or a
// tileSizePx <= 0, are returned as is.
func Fit(img image.Image, tileSizePx int) image.Image {
	b := img.Bounds()
	if tileSizePx <= 0 || (b.Dx() == tileSizePx && b.Dy() == tileSizePx) {
		return img
	}

	dst := image.NewRGBA(image.Rect(0, 0, tileSizePx, tileSizePx))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// New returns the decoder registered under name.
func New(name string) (Decoder, error) {
	switch name {
	case "", "std":
		return NewStd(), nil
	default:
		if factory, ok := registry[name]; ok {
			return factory(), nil
		}
		return nil, fmt.Errorf("unknown decoder: %s (supported: std, vips)", name)
	}
}

var registry = map[string]func() Decoder{}

// Register makes an alternative decoder available to New.
func Register(name string, factory func() Decoder) {
	registry[name] = factory
}
