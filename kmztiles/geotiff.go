package kmztiles

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"sort"
	"strings"

	"github.com/google/tiff"
	"github.com/klauspost/compress/zlib"
)

// TIFFCompression selects the strip compression of written GeoTIFFs.
type TIFFCompression string

const (
	TIFFCompressionNone    TIFFCompression = "none"
	TIFFCompressionDeflate TIFFCompression = "deflate"
)

// ParseTIFFCompression accepts "none" and "deflate", case-insensitively.
func ParseTIFFCompression(s string) (TIFFCompression, error) {
	switch c := TIFFCompression(strings.ToLower(strings.TrimSpace(s))); c {
	case "", TIFFCompressionNone:
		return TIFFCompressionNone, nil
	case TIFFCompressionDeflate:
		return c, nil
	default:
		return "", configErr("parse tiff compression", fmt.Errorf("%w: unknown TIFF compression %q", ErrInvalidConfig, s))
	}
}

const (
	tagImageWidth          = 256
	tagImageLength         = 257
	tagBitsPerSample       = 258
	tagCompression         = 259
	tagPhotometric         = 262
	tagStripOffsets        = 273
	tagSamplesPerPixel     = 277
	tagRowsPerStrip        = 278
	tagStripByteCounts     = 279
	tagPlanarConfiguration = 284
	tagSoftware            = 305
	tagExtraSamples        = 338
	tagModelPixelScale     = 33550
	tagModelTiepoint       = 33922
	tagModelTransformation = 34264
	tagGeoKeyDirectory     = 34735
	tagGeoASCIIParams      = 34737

	keyGTModelType          = 1024
	keyGTRasterType         = 1025
	keyGTCitation           = 1026
	keyGeographicType       = 2048
	keyProjectedCSType      = 3072
	modelTypeProjected      = 1
	modelTypeGeographic     = 2
	rasterPixelIsArea       = 1
	rasterPixelIsPoint      = 2
	userDefinedGeoKey       = 32767
	compressionNone         = 1
	compressionDeflate      = 8
	photometricRGB          = 2
	extraSampleUnassocAlpha = 2

	typeASCII  = 2
	typeShort  = 3
	typeLong   = 4
	typeDouble = 12
)

// geoIFD holds the georeferencing fields of the first image directory.
type geoIFD struct {
	ImageWidth          uint64    `tiff:"field,tag=256"`
	ImageLength         uint64    `tiff:"field,tag=257"`
	ModelPixelScale     []float64 `tiff:"field,tag=33550"`
	ModelTiepoint       []float64 `tiff:"field,tag=33922"`
	ModelTransformation []float64 `tiff:"field,tag=34264"`
	GeoKeyDirectory     []uint16  `tiff:"field,tag=34735"`
}

type geoReference struct {
	Bounds    Bounds
	HasBounds bool
	EPSG      int
}

// readGeoReference extracts bounds and the EPSG code from GeoTIFF tags.
// A TIFF without geotags yields a zero geoReference and no error.
func readGeoReference(data []byte) (geoReference, error) {
	tif, err := tiff.Parse(bytes.NewReader(data), nil, nil)
	if err != nil {
		return geoReference{}, fmt.Errorf("parse tiff: %w", err)
	}
	ifds := tif.IFDs()
	if len(ifds) == 0 {
		return geoReference{}, fmt.Errorf("tiff has no image directory")
	}
	var g geoIFD
	if err := tiff.UnmarshalIFD(ifds[0], &g); err != nil {
		return geoReference{}, fmt.Errorf("unmarshal ifd: %w", err)
	}

	ref := geoReference{}
	pixelIsPoint := false
	ref.EPSG, pixelIsPoint = parseGeoKeys(g.GeoKeyDirectory)

	w, h := float64(g.ImageWidth), float64(g.ImageLength)
	switch {
	case len(g.ModelTransformation) >= 16:
		m := g.ModelTransformation
		shift := 0.0
		if pixelIsPoint {
			shift = -0.5
		}
		var xs, ys []float64
		for _, c := range [][2]float64{{0, 0}, {w, 0}, {0, h}, {w, h}} {
			i, j := c[0]+shift, c[1]+shift
			xs = append(xs, m[0]*i+m[1]*j+m[3])
			ys = append(ys, m[4]*i+m[5]*j+m[7])
		}
		ref.Bounds = Bounds{MinX: minOf(xs), MinY: minOf(ys), MaxX: maxOf(xs), MaxY: maxOf(ys)}
		ref.HasBounds = true
	case len(g.ModelPixelScale) >= 2 && len(g.ModelTiepoint) >= 6:
		sx, sy := g.ModelPixelScale[0], g.ModelPixelScale[1]
		tp := g.ModelTiepoint
		originX := tp[3] - tp[0]*sx
		originY := tp[4] + tp[1]*sy
		if pixelIsPoint {
			originX -= sx / 2
			originY += sy / 2
		}
		ref.Bounds = Bounds{MinX: originX, MinY: originY - h*sy, MaxX: originX + w*sx, MaxY: originY}
		ref.HasBounds = true
	}
	return ref, nil
}

// parseGeoKeys returns the EPSG code (projected preferred over geographic)
// and whether the raster uses the PixelIsPoint convention.
func parseGeoKeys(keys []uint16) (epsg int, pixelIsPoint bool) {
	if len(keys) < 4 {
		return 0, false
	}
	var projected, geographic int
	n := int(keys[3])
	for i := 0; i < n; i++ {
		base := 4 + i*4
		if base+3 >= len(keys) {
			break
		}
		id, location, value := keys[base], keys[base+1], keys[base+3]
		if location != 0 {
			continue
		}
		switch id {
		case keyProjectedCSType:
			projected = int(value)
		case keyGeographicType:
			geographic = int(value)
		case keyGTRasterType:
			pixelIsPoint = value == rasterPixelIsPoint
		}
	}
	if projected > 0 && projected != userDefinedGeoKey {
		return projected, pixelIsPoint
	}
	if geographic > 0 && geographic != userDefinedGeoKey {
		return geographic, pixelIsPoint
	}
	return 0, pixelIsPoint
}

func minOf(vs []float64) float64 {
	m := vs[0]
	for _, v := range vs[1:] {
		m = math.Min(m, v)
	}
	return m
}

func maxOf(vs []float64) float64 {
	m := vs[0]
	for _, v := range vs[1:] {
		m = math.Max(m, v)
	}
	return m
}

type ifdEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

func shortEntry(tag uint16, vals ...uint16) ifdEntry {
	b := make([]byte, 2*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint16(b[2*i:], v)
	}
	return ifdEntry{tag: tag, typ: typeShort, count: uint32(len(vals)), data: b}
}

func longEntry(tag uint16, vals ...uint32) ifdEntry {
	b := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(b[4*i:], v)
	}
	return ifdEntry{tag: tag, typ: typeLong, count: uint32(len(vals)), data: b}
}

func doubleEntry(tag uint16, vals ...float64) ifdEntry {
	b := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(b[8*i:], math.Float64bits(v))
	}
	return ifdEntry{tag: tag, typ: typeDouble, count: uint32(len(vals)), data: b}
}

func asciiEntry(tag uint16, s string) ifdEntry {
	b := append([]byte(s), 0)
	return ifdEntry{tag: tag, typ: typeASCII, count: uint32(len(b)), data: b}
}

// geoKeyDirectory builds the GeoKey directory for crs, placing the code
// under GeographicTypeGeoKey for lon/lat systems and ProjectedCSTypeGeoKey
// otherwise.
func geoKeyDirectory(crs CRS, citation string) ([]uint16, error) {
	code, err := crs.EPSG()
	if err != nil {
		return nil, err
	}
	if code > math.MaxUint16 {
		return nil, fmt.Errorf("%w: EPSG code %d does not fit a GeoKey", ErrInvalidCRS, code)
	}
	modelType, codeKey := uint16(modelTypeProjected), uint16(keyProjectedCSType)
	if crs.IsGeographic() {
		modelType, codeKey = modelTypeGeographic, keyGeographicType
	}
	keys := [][4]uint16{
		{keyGTModelType, 0, 1, modelType},
		{keyGTRasterType, 0, 1, rasterPixelIsArea},
		{keyGTCitation, tagGeoASCIIParams, uint16(len(citation)), 0},
		{codeKey, 0, 1, uint16(code)},
	}
	dir := []uint16{1, 1, 0, uint16(len(keys))}
	for _, k := range keys {
		dir = append(dir, k[:]...)
	}
	return dir, nil
}

// encodeGeoTIFF writes img as a single-strip little-endian GeoTIFF whose
// ModelPixelScale and ModelTiepoint place it exactly on bounds.
func encodeGeoTIFF(w io.Writer, img image.Image, bounds Bounds, crs CRS, compression TIFFCompression) error {
	rect := img.Bounds()
	width, height := rect.Dx(), rect.Dy()
	if width == 0 || height == 0 {
		return fmt.Errorf("cannot encode empty image")
	}

	samples := 4
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		samples = 3
	}
	pix := packPixels(img, samples)

	compressionTag := uint16(compressionNone)
	if compression == TIFFCompressionDeflate {
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		if _, err := zw.Write(pix); err != nil {
			return err
		}
		if err := zw.Close(); err != nil {
			return err
		}
		pix = buf.Bytes()
		compressionTag = compressionDeflate
	}

	citation := string(crs) + "|"
	keys, err := geoKeyDirectory(crs, citation)
	if err != nil {
		return err
	}

	bits := make([]uint16, samples)
	for i := range bits {
		bits[i] = 8
	}
	entries := []ifdEntry{
		longEntry(tagImageWidth, uint32(width)),
		longEntry(tagImageLength, uint32(height)),
		shortEntry(tagBitsPerSample, bits...),
		shortEntry(tagCompression, compressionTag),
		shortEntry(tagPhotometric, photometricRGB),
		longEntry(tagStripOffsets, 0),
		shortEntry(tagSamplesPerPixel, uint16(samples)),
		longEntry(tagRowsPerStrip, uint32(height)),
		longEntry(tagStripByteCounts, uint32(len(pix))),
		shortEntry(tagPlanarConfiguration, 1),
		asciiEntry(tagSoftware, "kmztiles"),
		doubleEntry(tagModelPixelScale, bounds.Width()/float64(width), bounds.Height()/float64(height), 0),
		doubleEntry(tagModelTiepoint, 0, 0, 0, bounds.MinX, bounds.MaxY, 0),
		shortEntry(tagGeoKeyDirectory, keys...),
		asciiEntry(tagGeoASCIIParams, citation),
	}
	if samples == 4 {
		entries = append(entries, shortEntry(tagExtraSamples, extraSampleUnassocAlpha))
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })

	const headerSize = 8
	ifdSize := 2 + 12*len(entries) + 4
	overflowOffset := headerSize + ifdSize
	overflowSize := 0
	for _, e := range entries {
		if len(e.data) > 4 {
			overflowSize += len(e.data) + len(e.data)%2
		}
	}
	stripOffset := uint32(overflowOffset + overflowSize)
	for i := range entries {
		if entries[i].tag == tagStripOffsets {
			entries[i] = longEntry(tagStripOffsets, stripOffset)
		}
	}

	var buf bytes.Buffer
	buf.Grow(int(stripOffset) + len(pix))
	buf.WriteString("II")
	le := binary.LittleEndian
	var scratch [4]byte
	le.PutUint16(scratch[:2], 42)
	buf.Write(scratch[:2])
	le.PutUint32(scratch[:], headerSize)
	buf.Write(scratch[:])

	le.PutUint16(scratch[:2], uint16(len(entries)))
	buf.Write(scratch[:2])
	var overflow bytes.Buffer
	for _, e := range entries {
		var entry [12]byte
		le.PutUint16(entry[0:], e.tag)
		le.PutUint16(entry[2:], e.typ)
		le.PutUint32(entry[4:], e.count)
		if len(e.data) <= 4 {
			copy(entry[8:], e.data)
		} else {
			le.PutUint32(entry[8:], uint32(overflowOffset+overflow.Len()))
			overflow.Write(e.data)
			if len(e.data)%2 == 1 {
				overflow.WriteByte(0)
			}
		}
		buf.Write(entry[:])
	}
	le.PutUint32(scratch[:], 0)
	buf.Write(scratch[:])
	buf.Write(overflow.Bytes())
	buf.Write(pix)

	_, err = w.Write(buf.Bytes())
	return err
}

// packPixels returns interleaved 8-bit RGB or straight-alpha RGBA samples.
func packPixels(img image.Image, samples int) []byte {
	rect := img.Bounds()
	width, height := rect.Dx(), rect.Dy()
	out := make([]byte, 0, width*height*samples)
	if src, ok := img.(*image.NRGBA); ok && samples == 4 {
		for y := rect.Min.Y; y < rect.Max.Y; y++ {
			i := src.PixOffset(rect.Min.X, y)
			out = append(out, src.Pix[i:i+width*4]...)
		}
		return out
	}
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			out = append(out, c.R, c.G, c.B)
			if samples == 4 {
				out = append(out, c.A)
			}
		}
	}
	return out
}
