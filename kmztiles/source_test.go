package kmztiles

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"golang.org/x/image/tiff"
)

func pngBytes(t *testing.T, w, h int) []byte {
	var buf bytes.Buffer
	assert.Nil(t, png.Encode(&buf, testImage(w, h, true)))
	return buf.Bytes()
}

func TestDetectFormat(t *testing.T) {
	f, err := DetectFormat("scan.PNG", pngBytes(t, 2, 2))
	assert.Nil(t, err)
	assert.Equal(t, FormatPNG, f)

	f, err = DetectFormat("scan.tiff", []byte("II*\x00rest"))
	assert.Nil(t, err)
	assert.Equal(t, FormatGeoTIFF, f)

	f, err = DetectFormat("scan.jp2", []byte("\x00\x00\x00\x0cjP  \r\n\x87\nrest"))
	assert.Nil(t, err)
	assert.Equal(t, FormatJPEG2000, f)

	_, err = DetectFormat("scan.bmp", []byte("BM"))
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))

	// extension and content disagree
	_, err = DetectFormat("scan.jpg", pngBytes(t, 2, 2))
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))
}

func TestDecodeRasterUnsupported(t *testing.T) {
	_, err := DecodeRaster("notes.txt", []byte("hello"), OpenOptions{})
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))
	assert.Equal(t, InputError, KindOf(err))
}

func TestDecodeRasterPNGRequiresBounds(t *testing.T) {
	_, err := DecodeRaster("scan.png", pngBytes(t, 4, 4), OpenOptions{})
	assert.True(t, errors.Is(err, ErrManualBoundsRequired))
	assert.Equal(t, InputError, KindOf(err))
}

func TestDecodeRasterPNGManualBounds(t *testing.T) {
	b := Bounds{5, 45, 6, 46}
	r, err := DecodeRaster("scan.png", pngBytes(t, 8, 6), OpenOptions{ManualBounds: &b})
	assert.Nil(t, err)
	assert.Equal(t, FormatPNG, r.Format())
	assert.Equal(t, 8, r.Width())
	assert.Equal(t, 6, r.Height())
	assert.Equal(t, b, r.Bounds())
	assert.Equal(t, WGS84, r.CRS())

	r, err = DecodeRaster("scan.png", pngBytes(t, 8, 6), OpenOptions{ManualBounds: &b, SourceCRS: WebMercator})
	assert.Nil(t, err)
	assert.Equal(t, WebMercator, r.CRS())
}

func TestDecodeRasterJPEG(t *testing.T) {
	var buf bytes.Buffer
	assert.Nil(t, jpeg.Encode(&buf, testImage(16, 8, true), nil))
	b := Bounds{0, 0, 2, 1}
	r, err := DecodeRaster("photo.jpeg", buf.Bytes(), OpenOptions{ManualBounds: &b})
	assert.Nil(t, err)
	assert.Equal(t, FormatJPEG, r.Format())
	assert.Equal(t, 16, r.Width())
}

func TestDecodeRasterJPEG2000Decoder(t *testing.T) {
	jp2 := []byte("\x00\x00\x00\x0cjP  \r\n\x87\nrest")
	b := Bounds{0, 0, 2, 1}

	decodersMu.Lock()
	saved, had := decoders[FormatJPEG2000]
	delete(decoders, FormatJPEG2000)
	decodersMu.Unlock()
	defer func() {
		decodersMu.Lock()
		defer decodersMu.Unlock()
		if had {
			decoders[FormatJPEG2000] = saved
		} else {
			delete(decoders, FormatJPEG2000)
		}
	}()

	_, err := DecodeRaster("scan.jp2", jp2, OpenOptions{ManualBounds: &b})
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))
	assert.Equal(t, InputError, KindOf(err))

	RegisterDecoder(FormatJPEG2000, func(r io.Reader) (image.Image, error) {
		return testImage(6, 3, false), nil
	})
	r, err := DecodeRaster("scan.jp2", jp2, OpenOptions{ManualBounds: &b})
	assert.Nil(t, err)
	assert.Equal(t, FormatJPEG2000, r.Format())
	assert.Equal(t, 6, r.Width())
	assert.Equal(t, WGS84, r.CRS())
}

func TestDecodeRasterInvalidManualBounds(t *testing.T) {
	b := Bounds{1, 0, 0, 1}
	_, err := DecodeRaster("scan.png", pngBytes(t, 4, 4), OpenOptions{ManualBounds: &b})
	assert.True(t, errors.Is(err, ErrInvalidBounds))
	assert.Equal(t, ConfigError, KindOf(err))
}

func TestDecodeRasterInvalidSourceCRS(t *testing.T) {
	b := Bounds{0, 0, 1, 1}
	_, err := DecodeRaster("scan.png", pngBytes(t, 4, 4), OpenOptions{ManualBounds: &b, SourceCRS: "4326"})
	assert.True(t, errors.Is(err, ErrInvalidCRS))
	assert.Equal(t, ConfigError, KindOf(err))
}

func TestDecodeRasterGeoTIFF(t *testing.T) {
	var buf bytes.Buffer
	b := Bounds{-20037508.34, 0, 0, 20037508.34}
	assert.Nil(t, encodeGeoTIFF(&buf, testImage(10, 10, true), b, WebMercator, TIFFCompressionDeflate))

	r, err := DecodeRaster("ortho.tif", buf.Bytes(), OpenOptions{})
	assert.Nil(t, err)
	assert.Equal(t, FormatGeoTIFF, r.Format())
	assert.Equal(t, WebMercator, r.CRS())
	assert.InDelta(t, b.MinX, r.Bounds().MinX, 1e-6)
	assert.InDelta(t, b.MaxY, r.Bounds().MaxY, 1e-6)

	// manual bounds and CRS win over the tags
	manual := Bounds{0, 0, 1, 1}
	r, err = DecodeRaster("ortho.tif", buf.Bytes(), OpenOptions{ManualBounds: &manual, SourceCRS: "EPSG:2056"})
	assert.Nil(t, err)
	assert.Equal(t, manual, r.Bounds())
	assert.Equal(t, CRS("EPSG:2056"), r.CRS())
}

func TestDecodeRasterPlainTIFF(t *testing.T) {
	var buf bytes.Buffer
	assert.Nil(t, tiff.Encode(&buf, testImage(6, 6, true), nil))

	_, err := DecodeRaster("plain.tif", buf.Bytes(), OpenOptions{})
	assert.True(t, errors.Is(err, ErrMissingGeoreference))
	assert.Equal(t, InputError, KindOf(err))

	b := Bounds{1, 2, 3, 4}
	r, err := DecodeRaster("plain.tif", buf.Bytes(), OpenOptions{ManualBounds: &b})
	assert.Nil(t, err)
	assert.Equal(t, b, r.Bounds())
	assert.Equal(t, WGS84, r.CRS())
}

func TestDecodeRasterKMZ(t *testing.T) {
	b := Bounds{7.5, 46.5, 8.5, 47.5}
	pkg, err := BuildPackage([]RenderedTile{{
		Tile: Tile{Pixels: PixelRect{Width: 12, Height: 9}, Bounds: b},
		Data: pngBytes(t, 12, 9),
	}}, PackageMeta{Name: "overlay", Source: "scan.png", Format: PNG})
	assert.Nil(t, err)
	var buf bytes.Buffer
	assert.Nil(t, pkg.WriteTo(&buf, -1))

	r, err := DecodeRaster("overlay.kmz", buf.Bytes(), OpenOptions{})
	assert.Nil(t, err)
	assert.Equal(t, FormatKMZ, r.Format())
	assert.Equal(t, "overlay.kmz", r.Name())
	assert.Equal(t, 12, r.Width())
	assert.Equal(t, 9, r.Height())
	assert.Equal(t, b, r.Bounds())
	assert.Equal(t, WGS84, r.CRS())
}

func TestDecodeRasterKMZMissingImage(t *testing.T) {
	kml, err := singleOverlayKML(GroundOverlay{Name: "x", Href: "missing.png", Bounds: Bounds{0, 0, 1, 1}})
	assert.Nil(t, err)
	var buf bytes.Buffer
	assert.Nil(t, writeZip(&buf, []Entry{{Path: "doc.kml", Data: kml}}, -1))

	_, err = DecodeRaster("broken.kmz", buf.Bytes(), OpenOptions{})
	assert.Equal(t, InputError, KindOf(err))
}

func TestDecodeRasterKMZWithoutOverlay(t *testing.T) {
	var buf bytes.Buffer
	assert.Nil(t, writeZip(&buf, []Entry{{Path: "readme.txt", Data: []byte("hi")}}, -1))
	_, err := DecodeRaster("empty.kmz", buf.Bytes(), OpenOptions{})
	assert.True(t, errors.Is(err, ErrMissingGeoreference))
}

func TestNewRasterValidation(t *testing.T) {
	_, err := NewRaster("x", testImage(2, 2, true), Bounds{0, 0, 0, 1}, WGS84)
	assert.Equal(t, ConfigError, KindOf(err))
	_, err = NewRaster("x", testImage(2, 2, true), Bounds{0, 0, 1, 1}, "")
	assert.Equal(t, ConfigError, KindOf(err))
	_, err = NewRaster("x", testImage(0, 0, true), Bounds{0, 0, 1, 1}, WGS84)
	assert.Equal(t, InputError, KindOf(err))
}

func TestOpenRasterLocal(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "scan.png")
	assert.Nil(t, os.WriteFile(p, pngBytes(t, 5, 5), 0o644))

	b := Bounds{0, 0, 1, 1}
	r, err := OpenRaster(context.Background(), zap.NewNop(), "", p, OpenOptions{ManualBounds: &b})
	assert.Nil(t, err)
	assert.Equal(t, 5, r.Width())

	_, err = OpenRaster(context.Background(), zap.NewNop(), "", filepath.Join(dir, "nope.png"), OpenOptions{ManualBounds: &b})
	assert.Equal(t, InputError, KindOf(err))
}

func TestOpenRasterBucket(t *testing.T) {
	dir := t.TempDir()
	assert.Nil(t, os.MkdirAll(filepath.Join(dir, "scans"), 0o755))
	assert.Nil(t, os.WriteFile(filepath.Join(dir, "scans", "a.png"), pngBytes(t, 3, 3), 0o644))

	b := Bounds{0, 0, 1, 1}
	r, err := OpenRaster(context.Background(), zap.NewNop(), "file://"+filepath.ToSlash(dir), "scans/a.png", OpenOptions{ManualBounds: &b})
	assert.Nil(t, err)
	assert.Equal(t, 3, r.Height())
}
