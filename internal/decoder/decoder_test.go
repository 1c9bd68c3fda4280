package decoder_test

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mapcore/internal/decoder"
)

func encodePNG(t *testing.T, size int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for x := 0; x < size; x++ {
		img.Set(x, x, color.NRGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestStdDecodeKeepsTileSize(t *testing.T) {
	d := decoder.NewStd()

	img, err := d.Decode(encodePNG(t, 256), 256)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 256, 256), img.Bounds())
}

func TestStdDecodeRescales(t *testing.T) {
	d := decoder.NewStd()

	img, err := d.Decode(encodePNG(t, 256), 512)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 512, 512), img.Bounds())

	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewGray(image.Rect(0, 0, 512, 512)), nil))
	img, err = d.Decode(buf.Bytes(), 256)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 256, 256), img.Bounds())
}

func TestStdDecodeSquaresNonSquareSource(t *testing.T) {
	d := decoder.NewStd()

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, 300, 150))))
	img, err := d.Decode(buf.Bytes(), 256)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 256, 256), img.Bounds())
}

func TestFit(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 255, 257))
	assert.Equal(t, image.Rect(0, 0, 256, 256), decoder.Fit(src, 256).Bounds())

	same := image.NewRGBA(image.Rect(0, 0, 256, 256))
	assert.Same(t, same, decoder.Fit(same, 256))
	assert.Same(t, src, decoder.Fit(src, 0))
}

func TestStdDecodeErrors(t *testing.T) {
	d := decoder.NewStd()

	_, err := d.Decode(nil, 256)
	assert.ErrorIs(t, err, decoder.ErrEmptyTile)

	_, err = d.Decode([]byte("<html>not a tile</html>"), 256)
	assert.Error(t, err)
}

func TestNewDecoder(t *testing.T) {
	d, err := decoder.New("std")
	require.NoError(t, err)
	assert.IsType(t, &decoder.Std{}, d)

	_, err = decoder.New("magick")
	assert.Error(t, err)
}
