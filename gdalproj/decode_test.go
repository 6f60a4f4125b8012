package gdalproj

import (
	"bytes"
	"testing"

	"github.com/overlaykit/go-kmztiles/kmztiles"
	"github.com/stretchr/testify/assert"
)

func TestDecodeJPEG2000Garbage(t *testing.T) {
	_, err := DecodeJPEG2000(bytes.NewReader([]byte("\x00\x00\x00\x0cjP  \r\n\x87\ntruncated")))
	assert.NotNil(t, err)
}

func TestRegisterDecoders(t *testing.T) {
	RegisterDecoders()
	b := kmztiles.Bounds{MinX: 0, MinY: 0, MaxX: 1, MaxY: 1}
	_, err := kmztiles.DecodeRaster("scan.jp2", []byte("\x00\x00\x00\x0cjP  \r\n\x87\ntruncated"), kmztiles.OpenOptions{ManualBounds: &b})
	assert.Equal(t, kmztiles.InputError, kmztiles.KindOf(err))
}
