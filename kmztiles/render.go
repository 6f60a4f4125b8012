package kmztiles

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"
	"strings"
)

// OutputFormat is the encoding of rendered tiles.
type OutputFormat uint8

const (
	// GeoTIFF embeds tile bounds and CRS as GeoTIFF tags.
	GeoTIFF OutputFormat = iota + 1
	// PNG is a plain bitmap without geo metadata.
	PNG
)

// ParseOutputFormat accepts "geotiff", "tif", "tiff" and "png".
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "geotiff", "tif", "tiff":
		return GeoTIFF, nil
	case "png":
		return PNG, nil
	default:
		return 0, configErr("parse output format", fmt.Errorf("%w: unknown output format %q", ErrInvalidConfig, s))
	}
}

// Ext is the file extension of the format, without the dot.
func (f OutputFormat) Ext() string {
	switch f {
	case GeoTIFF:
		return "tif"
	case PNG:
		return "png"
	default:
		return "bin"
	}
}

func (f OutputFormat) String() string {
	switch f {
	case GeoTIFF:
		return "geotiff"
	case PNG:
		return "png"
	default:
		return "unknown"
	}
}

// Encoder writes one tile image.
type Encoder interface {
	Encode(w io.Writer, img image.Image, tile Tile, crs CRS) error
}

// GeoTIFFEncoder writes tiles with ModelPixelScale, ModelTiepoint and
// GeoKey tags describing the tile's bounds in crs.
type GeoTIFFEncoder struct {
	Compression TIFFCompression
}

func (e GeoTIFFEncoder) Encode(w io.Writer, img image.Image, tile Tile, crs CRS) error {
	return encodeGeoTIFF(w, img, tile.Bounds, crs, e.Compression)
}

// PNGEncoder writes plain PNG tiles.
type PNGEncoder struct {
	Level png.CompressionLevel
}

func (e PNGEncoder) Encode(w io.Writer, img image.Image, _ Tile, _ CRS) error {
	enc := png.Encoder{CompressionLevel: e.Level}
	return enc.Encode(w, img)
}

// PNGLevel maps a deflate level in [-1, 9] onto the PNG encoder's levels.
func PNGLevel(level int) png.CompressionLevel {
	switch {
	case level < 0:
		return png.DefaultCompression
	case level == 0:
		return png.NoCompression
	case level <= 3:
		return png.BestSpeed
	case level <= 6:
		return png.DefaultCompression
	default:
		return png.BestCompression
	}
}

// RenderOptions configures a Renderer.
type RenderOptions struct {
	// Opacity in [0, 1]. Below 1 every pixel gets this straight alpha.
	Opacity float64
	Format  OutputFormat
	// CRS written into GeoTIFF tags; the tile bounds must be in this CRS.
	CRS              CRS
	TIFFCompression  TIFFCompression
	CompressionLevel int
	// Encoder replaces the codec chosen by Format.
	Encoder Encoder
}

// ValidateOpacity rejects NaN and values outside [0, 1].
func ValidateOpacity(opacity float64) error {
	if math.IsNaN(opacity) || opacity < 0 || opacity > 1 {
		return configErr("validate opacity", fmt.Errorf("%w: got %v", ErrInvalidOpacity, opacity))
	}
	return nil
}

// Renderer cuts tiles out of a raster and encodes them. It holds no
// mutable state and may be shared by many workers.
type Renderer struct {
	opacity float64
	crs     CRS
	encoder Encoder
}

func NewRenderer(opts RenderOptions) (*Renderer, error) {
	if err := ValidateOpacity(opts.Opacity); err != nil {
		return nil, err
	}
	enc := opts.Encoder
	if enc == nil {
		switch opts.Format {
		case GeoTIFF:
			if _, err := opts.CRS.EPSG(); err != nil {
				return nil, configErr("new renderer", err)
			}
			enc = GeoTIFFEncoder{Compression: opts.TIFFCompression}
		case PNG:
			enc = PNGEncoder{Level: PNGLevel(opts.CompressionLevel)}
		default:
			return nil, configErr("new renderer", fmt.Errorf("%w: output format %d", ErrInvalidConfig, opts.Format))
		}
	}
	return &Renderer{opacity: opts.Opacity, crs: opts.CRS, encoder: enc}, nil
}

// Render extracts tile's pixels from raster, applies the opacity and
// encodes the result. tile.Bounds must already be in the renderer's CRS.
func (r *Renderer) Render(raster *Raster, tile Tile) ([]byte, error) {
	img, err := Extract(raster, tile)
	if err != nil {
		return nil, encodeErr(tile, err)
	}
	img = ApplyOpacity(img, r.opacity)

	var buf bytes.Buffer
	if err := r.encoder.Encode(&buf, img, tile, r.crs); err != nil {
		return nil, encodeErr(tile, err)
	}
	if buf.Len() == 0 {
		return nil, encodeErr(tile, ErrEmptyTile)
	}
	return buf.Bytes(), nil
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// Extract returns the tile's window of the raster, as a view when the image
// type supports it.
func Extract(raster *Raster, tile Tile) (image.Image, error) {
	src := raster.Image()
	rect := tile.Pixels.Rect(raster.Origin())
	if rect.Empty() || !rect.In(src.Bounds()) {
		return nil, fmt.Errorf("pixel window %v is outside raster %v", rect, src.Bounds())
	}
	if si, ok := src.(subImager); ok {
		return si.SubImage(rect), nil
	}
	dst := image.NewNRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(dst, dst.Bounds(), src, rect.Min, draw.Src)
	return dst, nil
}

// ApplyOpacity returns img unchanged at opacity 1. Otherwise every pixel is
// converted to straight alpha with alpha = opacity and colour kept as is.
func ApplyOpacity(img image.Image, opacity float64) image.Image {
	if opacity >= 1 {
		return img
	}
	alpha := uint8(math.Round(opacity * 255))
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			out.Pix[i+0] = c.R
			out.Pix[i+1] = c.G
			out.Pix[i+2] = c.B
			out.Pix[i+3] = alpha
			i += 4
		}
	}
	return out
}
