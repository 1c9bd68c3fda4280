package image_manager

import (
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const loadingText = "LOADING..."

var patternColor = color.RGBA{R: 211, G: 211, B: 211, A: 255}

// newLoadingImage draws a transparent tile with a light gray dot pattern and
// a centered label.
func newLoadingImage(tileSizePx int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, tileSizePx, tileSizePx))

	for y := 0; y < tileSizePx; y += 2 {
		for x := (y / 2) % 2; x < tileSizePx; x += 2 {
			img.SetRGBA(x, y, patternColor)
		}
	}

	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.Black),
		Face: face,
	}
	textWidth := d.MeasureString(loadingText)
	metrics := face.Metrics()
	textHeight := metrics.Ascent + metrics.Descent

	d.Dot = fixed.Point26_6{
		X: (fixed.I(tileSizePx) - textWidth) / 2,
		Y: (fixed.I(tileSizePx)-textHeight)/2 + metrics.Ascent,
	}
	d.DrawString(loadingText)

	return img
}

func newEmptyImage(tileSizePx int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, tileSizePx, tileSizePx))
	draw.Draw(img, img.Bounds(), image.Transparent, image.Point{}, draw.Src)
	return img
}
