package kmztiles

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/image/tiff"
)

// Format is a supported input container.
type Format string

const (
	FormatGeoTIFF  Format = "geotiff"
	FormatJPEG     Format = "jpeg"
	FormatJPEG2000 Format = "jpeg2000"
	FormatPNG      Format = "png"
	FormatKMZ      Format = "kmz"
)

var formatsByExt = map[string]Format{
	".tif":  FormatGeoTIFF,
	".tiff": FormatGeoTIFF,
	".jpg":  FormatJPEG,
	".jpeg": FormatJPEG,
	".jp2":  FormatJPEG2000,
	".j2k":  FormatJPEG2000,
	".j2c":  FormatJPEG2000,
	".png":  FormatPNG,
	".kmz":  FormatKMZ,
}

var (
	magicTIFFLE  = []byte("II*\x00")
	magicTIFFBE  = []byte("MM\x00*")
	magicJPEG    = []byte{0xFF, 0xD8, 0xFF}
	magicPNG     = []byte("\x89PNG\r\n\x1a\n")
	magicJP2     = []byte("\x00\x00\x00\x0cjP  \r\n\x87\n")
	magicJ2K     = []byte{0xFF, 0x4F, 0xFF, 0x51}
	magicZIP     = []byte("PK\x03\x04")
	formatMagics = map[Format][][]byte{
		FormatGeoTIFF:  {magicTIFFLE, magicTIFFBE},
		FormatJPEG:     {magicJPEG},
		FormatPNG:      {magicPNG},
		FormatJPEG2000: {magicJP2, magicJ2K},
		FormatKMZ:      {magicZIP},
	}
)

// DetectFormat picks the format from the file extension and confirms it
// against the leading bytes of the content.
func DetectFormat(name string, head []byte) (Format, error) {
	ext := strings.ToLower(filepath.Ext(name))
	f, ok := formatsByExt[ext]
	if !ok {
		return "", fmt.Errorf("%w: extension %q", ErrUnsupportedFormat, ext)
	}
	for _, m := range formatMagics[f] {
		if bytes.HasPrefix(head, m) {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: content of %s is not %s", ErrUnsupportedFormat, path.Base(filepath.ToSlash(name)), f)
}

// OpenOptions supplies georeferencing the input does not carry itself.
type OpenOptions struct {
	// ManualBounds overrides any embedded bounds. Required for JPEG,
	// JPEG2000 and PNG inputs.
	ManualBounds *Bounds
	// SourceCRS overrides any embedded CRS. Defaults to EPSG:4326 for
	// formats without one.
	SourceCRS CRS
}

// Raster is a fully decoded, georeferenced input image. It is immutable
// and safe to share across goroutines.
type Raster struct {
	name   string
	format Format
	img    image.Image
	bounds Bounds
	crs    CRS
}

// NewRaster wraps an already decoded image.
func NewRaster(name string, img image.Image, bounds Bounds, crs CRS) (*Raster, error) {
	if err := bounds.Validate(); err != nil {
		return nil, configErr("new raster", err)
	}
	if _, err := crs.EPSG(); err != nil {
		return nil, configErr("new raster", err)
	}
	if img.Bounds().Empty() {
		return nil, inputErr("new raster", name, fmt.Errorf("image is empty"))
	}
	return &Raster{name: name, img: img, bounds: bounds, crs: crs}, nil
}

func (r *Raster) Name() string        { return r.name }
func (r *Raster) Format() Format      { return r.format }
func (r *Raster) Image() image.Image  { return r.img }
func (r *Raster) Bounds() Bounds      { return r.bounds }
func (r *Raster) CRS() CRS            { return r.crs }
func (r *Raster) Width() int          { return r.img.Bounds().Dx() }
func (r *Raster) Height() int         { return r.img.Bounds().Dy() }
func (r *Raster) Origin() image.Point { return r.img.Bounds().Min }

// OpenRaster reads key from bucketURL (the local filesystem when empty)
// and decodes it.
func OpenRaster(ctx context.Context, logger *zap.Logger, bucketURL string, key string, opts OpenOptions) (*Raster, error) {
	data, err := ReadObject(ctx, bucketURL, key)
	if err != nil {
		return nil, inputErr("open", key, err)
	}
	r, err := DecodeRaster(key, data, opts)
	if err != nil {
		return nil, err
	}
	logger.Info("opened raster",
		zap.String("input", key),
		zap.String("format", string(r.format)),
		zap.Int("width", r.Width()),
		zap.Int("height", r.Height()),
		zap.String("crs", string(r.crs)),
		zap.Stringer("bounds", r.bounds))
	return r, nil
}

// DecodeRaster decodes an in-memory input named name. Manual bounds always
// win over embedded ones.
func DecodeRaster(name string, data []byte, opts OpenOptions) (*Raster, error) {
	if opts.ManualBounds != nil {
		if err := opts.ManualBounds.Validate(); err != nil {
			return nil, &Error{Kind: ConfigError, Op: "open", Path: name, Err: err}
		}
	}
	if opts.SourceCRS != "" {
		if _, err := opts.SourceCRS.EPSG(); err != nil {
			return nil, &Error{Kind: ConfigError, Op: "open", Path: name, Err: err}
		}
	}

	format, err := DetectFormat(name, data)
	if err != nil {
		return nil, inputErr("open", name, err)
	}

	switch format {
	case FormatKMZ:
		return decodeKMZ(name, data, opts)
	case FormatJPEG, FormatJPEG2000, FormatPNG:
		if opts.ManualBounds == nil {
			return nil, inputErr("open", name, fmt.Errorf("%w: %s carries no georeferencing", ErrManualBoundsRequired, format))
		}
	}

	img, err := decodeImage(format, data)
	if err != nil {
		return nil, inputErr("decode", name, err)
	}

	var bounds Bounds
	crs := opts.SourceCRS
	switch format {
	case FormatGeoTIFF:
		ref, err := readGeoReference(data)
		if err != nil {
			return nil, inputErr("read geotags", name, err)
		}
		switch {
		case opts.ManualBounds != nil:
			bounds = *opts.ManualBounds
		case ref.HasBounds:
			bounds = ref.Bounds
		default:
			return nil, inputErr("read geotags", name, ErrMissingGeoreference)
		}
		if crs == "" {
			switch {
			case ref.EPSG > 0:
				crs = EPSGCode(ref.EPSG)
			case opts.ManualBounds != nil:
				crs = WGS84
			default:
				return nil, inputErr("read geotags", name, fmt.Errorf("%w: no EPSG code in GeoKey directory", ErrMissingGeoreference))
			}
		}
		if opts.ManualBounds == nil {
			if err := bounds.Validate(); err != nil {
				return nil, inputErr("read geotags", name, err)
			}
		}
	default:
		bounds = *opts.ManualBounds
		if crs == "" {
			crs = WGS84
		}
	}

	return &Raster{name: name, format: format, img: img, bounds: bounds, crs: crs}, nil
}

// DecodeFunc decodes the pixels of one input format.
type DecodeFunc func(r io.Reader) (image.Image, error)

var (
	decodersMu sync.RWMutex
	decoders   = map[Format]DecodeFunc{
		FormatGeoTIFF: tiff.Decode,
		FormatJPEG:    jpeg.Decode,
		FormatPNG:     png.Decode,
	}
)

// RegisterDecoder sets the pixel decoder for format, replacing any earlier
// one. JPEG2000 has no built-in decoder; see the gdalproj package.
func RegisterDecoder(format Format, fn DecodeFunc) {
	decodersMu.Lock()
	defer decodersMu.Unlock()
	decoders[format] = fn
}

func decodeImage(format Format, data []byte) (image.Image, error) {
	decodersMu.RLock()
	fn, ok := decoders[format]
	decodersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no decoder registered for %s", ErrUnsupportedFormat, format)
	}
	return fn(bytes.NewReader(data))
}
