package gdalproj

import (
	"fmt"
	"image"
	"io"
	"os"
	"sync"

	"github.com/airbusgeo/godal"
	"github.com/overlaykit/go-kmztiles/kmztiles"
)

var registerOnce sync.Once

func registerDrivers() {
	registerOnce.Do(godal.RegisterAll)
}

// RegisterDecoders installs the GDAL-backed decoders for the formats
// kmztiles cannot decode natively.
func RegisterDecoders() {
	kmztiles.RegisterDecoder(kmztiles.FormatJPEG2000, DecodeJPEG2000)
}

// DecodeJPEG2000 reads an 8-bit JPEG2000 image with 1, 3 or 4 bands
// through GDAL's JP2 drivers.
func DecodeJPEG2000(r io.Reader) (image.Image, error) {
	registerDrivers()

	f, err := os.CreateTemp("", "kmztiles-*.jp2")
	if err != nil {
		return nil, err
	}
	defer os.Remove(f.Name())
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	ds, err := godal.Open(f.Name(), godal.RasterOnly())
	if err != nil {
		return nil, fmt.Errorf("open jpeg2000: %w", err)
	}
	defer ds.Close()

	st := ds.Structure()
	if st.DataType != godal.Byte {
		return nil, fmt.Errorf("%w: jpeg2000 data type %v", kmztiles.ErrUnsupportedFormat, st.DataType)
	}
	buf := make([]byte, st.SizeX*st.SizeY*st.NBands)
	if err := ds.Read(0, 0, buf, st.SizeX, st.SizeY); err != nil {
		return nil, fmt.Errorf("read jpeg2000: %w", err)
	}

	rect := image.Rect(0, 0, st.SizeX, st.SizeY)
	switch st.NBands {
	case 1:
		return &image.Gray{Pix: buf, Stride: st.SizeX, Rect: rect}, nil
	case 3:
		img := image.NewNRGBA(rect)
		for i, j := 0, 0; i < len(buf); i, j = i+3, j+4 {
			img.Pix[j] = buf[i]
			img.Pix[j+1] = buf[i+1]
			img.Pix[j+2] = buf[i+2]
			img.Pix[j+3] = 0xff
		}
		return img, nil
	case 4:
		return &image.NRGBA{Pix: buf, Stride: 4 * st.SizeX, Rect: rect}, nil
	default:
		return nil, fmt.Errorf("%w: jpeg2000 with %d bands", kmztiles.ErrUnsupportedFormat, st.NBands)
	}
}
