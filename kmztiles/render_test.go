package kmztiles

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testImage(w, h int, opaque bool) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			a := uint8(255)
			if !opaque {
				a = uint8((x * 7) % 256)
			}
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: uint8(x + y), A: a})
		}
	}
	return img
}

func testRaster(t *testing.T, w, h int, opaque bool, bounds Bounds, crs CRS) *Raster {
	r, err := NewRaster("test.png", testImage(w, h, opaque), bounds, crs)
	assert.Nil(t, err)
	return r
}

func TestApplyOpacityIdentity(t *testing.T) {
	img := testImage(8, 8, false)
	out := ApplyOpacity(img, 1.0)
	assert.True(t, out == image.Image(img))
}

func TestApplyOpacityZero(t *testing.T) {
	img := testImage(8, 4, true)
	out := ApplyOpacity(img, 0).(*image.NRGBA)
	for y := 0; y < 4; y++ {
		for x := 0; x < 8; x++ {
			c := out.NRGBAAt(x, y)
			src := img.NRGBAAt(x, y)
			assert.Equal(t, uint8(0), c.A)
			assert.Equal(t, src.R, c.R)
			assert.Equal(t, src.G, c.G)
			assert.Equal(t, src.B, c.B)
		}
	}
}

func TestApplyOpacityHalf(t *testing.T) {
	img := testImage(4, 4, false)
	out := ApplyOpacity(img.SubImage(image.Rect(1, 1, 3, 3)), 0.5).(*image.NRGBA)
	assert.Equal(t, image.Rect(0, 0, 2, 2), out.Bounds())
	c := out.NRGBAAt(0, 0)
	src := img.NRGBAAt(1, 1)
	assert.Equal(t, uint8(128), c.A)
	assert.Equal(t, src.R, c.R)
	assert.Equal(t, src.G, c.G)
}

func TestValidateOpacity(t *testing.T) {
	assert.Nil(t, ValidateOpacity(0))
	assert.Nil(t, ValidateOpacity(1))
	for _, v := range []float64{-0.01, 1.01, math.NaN(), math.Inf(1)} {
		err := ValidateOpacity(v)
		assert.True(t, errors.Is(err, ErrInvalidOpacity))
		assert.Equal(t, ConfigError, KindOf(err))
	}
}

func TestRenderPNG(t *testing.T) {
	raster := testRaster(t, 30, 20, false, Bounds{0, 0, 3, 2}, WGS84)
	tiles, err := Plan(raster.Width(), raster.Height(), raster.Bounds(), Grid{TilesX: 3, TilesY: 2})
	assert.Nil(t, err)

	r, err := NewRenderer(RenderOptions{Opacity: 1, Format: PNG, CompressionLevel: 9})
	assert.Nil(t, err)
	data, err := r.Render(raster, tiles[4])
	assert.Nil(t, err)

	img, err := png.Decode(bytes.NewReader(data))
	assert.Nil(t, err)
	assert.Equal(t, 10, img.Bounds().Dx())
	assert.Equal(t, 10, img.Bounds().Dy())
	got := color.NRGBAModel.Convert(img.At(0, 0)).(color.NRGBA)
	assert.Equal(t, raster.Image().(*image.NRGBA).NRGBAAt(10, 10), got)
}

func TestRenderGeoTIFFRoundTrip(t *testing.T) {
	for _, compression := range []TIFFCompression{TIFFCompressionNone, TIFFCompressionDeflate} {
		raster := testRaster(t, 40, 20, true, Bounds{MinX: -10, MinY: 0, MaxX: 10, MaxY: 20}, WGS84)
		tiles, err := Plan(40, 20, raster.Bounds(), Grid{TilesX: 2, TilesY: 1})
		assert.Nil(t, err)

		r, err := NewRenderer(RenderOptions{Opacity: 1, Format: GeoTIFF, CRS: WGS84, TIFFCompression: compression})
		assert.Nil(t, err)
		data, err := r.Render(raster, tiles[1])
		assert.Nil(t, err)

		decoded, err := DecodeRaster("tile.tif", data, OpenOptions{})
		assert.Nil(t, err)
		assert.Equal(t, WGS84, decoded.CRS())
		assert.Equal(t, 20, decoded.Width())
		assert.Equal(t, 20, decoded.Height())
		assert.InDelta(t, 0, decoded.Bounds().MinX, 1e-12)
		assert.InDelta(t, 10, decoded.Bounds().MaxX, 1e-12)
		assert.InDelta(t, 0, decoded.Bounds().MinY, 1e-12)
		assert.InDelta(t, 20, decoded.Bounds().MaxY, 1e-12)

		want := raster.Image().(*image.NRGBA).NRGBAAt(25, 7)
		got := color.NRGBAModel.Convert(decoded.Image().At(5, 7)).(color.NRGBA)
		assert.Equal(t, want, got)
	}
}

func TestRenderGeoTIFFProjectedWithAlpha(t *testing.T) {
	bounds := Bounds{MinX: 2600000, MinY: 1200000, MaxX: 2600800, MaxY: 1200400}
	raster := testRaster(t, 8, 4, false, bounds, EPSGCode(2056))
	tiles, err := Plan(8, 4, bounds, Grid{TilesX: 1, TilesY: 1})
	assert.Nil(t, err)

	r, err := NewRenderer(RenderOptions{Opacity: 0.5, Format: GeoTIFF, CRS: EPSGCode(2056)})
	assert.Nil(t, err)
	data, err := r.Render(raster, tiles[0])
	assert.Nil(t, err)

	ref, err := readGeoReference(data)
	assert.Nil(t, err)
	assert.Equal(t, 2056, ref.EPSG)
	assert.Equal(t, bounds, ref.Bounds)

	decoded, err := DecodeRaster("tile.tiff", data, OpenOptions{})
	assert.Nil(t, err)
	got := color.NRGBAModel.Convert(decoded.Image().At(3, 1)).(color.NRGBA)
	assert.Equal(t, uint8(128), got.A)
	assert.Equal(t, uint8(3), got.R)
	assert.Equal(t, uint8(1), got.G)
}

type brokenEncoder struct{}

func (brokenEncoder) Encode(w io.Writer, img image.Image, tile Tile, crs CRS) error {
	return errors.New("codec exploded")
}

func TestRenderEncodeError(t *testing.T) {
	raster := testRaster(t, 10, 10, true, Bounds{0, 0, 1, 1}, WGS84)
	tiles, _ := Plan(10, 10, raster.Bounds(), Grid{TilesX: 2, TilesY: 2})
	r, err := NewRenderer(RenderOptions{Opacity: 1, Format: PNG, Encoder: brokenEncoder{}})
	assert.Nil(t, err)

	_, err = r.Render(raster, tiles[3])
	assert.Equal(t, EncodeError, KindOf(err))
	var e *Error
	assert.True(t, errors.As(err, &e))
	assert.Equal(t, &Cell{Row: 1, Col: 1}, e.Cell)
	assert.Contains(t, err.Error(), "codec exploded")
}

func TestNewRendererValidation(t *testing.T) {
	_, err := NewRenderer(RenderOptions{Opacity: 2, Format: PNG})
	assert.True(t, errors.Is(err, ErrInvalidOpacity))

	_, err = NewRenderer(RenderOptions{Opacity: 1, Format: GeoTIFF})
	assert.True(t, errors.Is(err, ErrInvalidCRS))

	_, err = NewRenderer(RenderOptions{Opacity: 1})
	assert.Equal(t, ConfigError, KindOf(err))
}

func TestParseOutputFormat(t *testing.T) {
	f, err := ParseOutputFormat("GeoTIFF")
	assert.Nil(t, err)
	assert.Equal(t, GeoTIFF, f)
	assert.Equal(t, "tif", f.Ext())

	f, err = ParseOutputFormat("png")
	assert.Nil(t, err)
	assert.Equal(t, "png", f.Ext())

	_, err = ParseOutputFormat("webp")
	assert.Equal(t, ConfigError, KindOf(err))
}
