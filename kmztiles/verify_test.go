package kmztiles

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func archiveBytes(t *testing.T, entries []Entry) []byte {
	var buf bytes.Buffer
	assert.Nil(t, writeZip(&buf, entries, -1))
	return buf.Bytes()
}

func overlayDoc(t *testing.T, overlays ...GroundOverlay) []byte {
	data, err := Document{Name: "x", FolderName: "x", Overlays: overlays}.MarshalKML()
	assert.Nil(t, err)
	return data
}

func TestVerifyBuiltPackage(t *testing.T) {
	pkg, err := BuildPackage(renderedGrid(3, 2), PackageMeta{Name: "map", Format: PNG})
	assert.Nil(t, err)
	assert.Nil(t, VerifyArchive("map.kmz", archiveBytes(t, pkg.Entries)))
}

func TestVerifyPerTileArchive(t *testing.T) {
	root := t.TempDir()
	rt := renderedGrid(1, 1)[0]
	wt, err := WriteTileFiles(root, rt, TileFileOptions{Format: PNG, PerTileArchives: true, CompressionLevel: -1})
	assert.Nil(t, err)
	data, err := os.ReadFile(filepath.Join(root, wt.ArchivePath))
	assert.Nil(t, err)
	assert.Nil(t, VerifyArchive(wt.ArchivePath, data))
}

func TestVerifyDocNotFirst(t *testing.T) {
	b := Bounds{0, 0, 1, 1}
	data := archiveBytes(t, []Entry{
		{Path: "tiles/0.png", Data: []byte("x")},
		{Path: "doc.kml", Data: overlayDoc(t, GroundOverlay{Name: "Tile 0", Href: "tiles/0.png", Bounds: b})},
	})
	err := VerifyArchive("a.kmz", data)
	assert.True(t, errors.Is(err, ErrInvalidArchive))
	assert.Contains(t, err.Error(), "expected doc.kml")
}

func TestVerifyMissingAndEmptyEntries(t *testing.T) {
	b := Bounds{0, 0, 1, 1}
	data := archiveBytes(t, []Entry{
		{Path: "doc.kml", Data: overlayDoc(t,
			GroundOverlay{Name: "Tile 0", Href: "tiles/0.png", Bounds: b},
			GroundOverlay{Name: "Tile 1", Href: "tiles/1.png", Bounds: b},
		)},
		{Path: "tiles/0.png", Data: nil},
	})
	err := VerifyArchive("a.kmz", data)
	assert.True(t, errors.Is(err, ErrInvalidArchive))
	assert.Contains(t, err.Error(), "empty entry tiles/0.png")
	assert.Contains(t, err.Error(), "missing entry tiles/1.png")
}

func TestVerifyIndices(t *testing.T) {
	b := Bounds{0, 0, 1, 1}
	entries := []Entry{{Path: "tiles/0.png", Data: []byte("a")}, {Path: "tiles/2.png", Data: []byte("b")}}

	gap := append([]Entry{{Path: "doc.kml", Data: overlayDoc(t,
		GroundOverlay{Name: "Tile 0", Href: "tiles/0.png", Bounds: b},
		GroundOverlay{Name: "Tile 2", Href: "tiles/2.png", Bounds: b},
	)}}, entries...)
	err := VerifyArchive("gap.kmz", archiveBytes(t, gap))
	assert.True(t, errors.Is(err, ErrInvalidArchive))
	assert.Contains(t, err.Error(), "missing [1]")

	dup := append([]Entry{{Path: "doc.kml", Data: overlayDoc(t,
		GroundOverlay{Name: "Tile 0", Href: "tiles/0.png", Bounds: b},
		GroundOverlay{Name: "Tile 0 again", Href: "tiles/0.png", Bounds: b},
	)}}, entries...)
	err = VerifyArchive("dup.kmz", archiveBytes(t, dup))
	assert.Contains(t, err.Error(), "referenced twice")
}

func TestVerifyInvalidBounds(t *testing.T) {
	data := archiveBytes(t, []Entry{
		{Path: "doc.kml", Data: overlayDoc(t, GroundOverlay{Name: "Tile 0", Href: "tiles/0.png", Bounds: Bounds{1, 0, 0, 1}})},
		{Path: "tiles/0.png", Data: []byte("a")},
	})
	err := VerifyArchive("a.kmz", data)
	assert.True(t, errors.Is(err, ErrInvalidArchive))
	assert.True(t, errors.Is(err, ErrInvalidBounds))
}

func TestVerifyNotAnArchive(t *testing.T) {
	err := VerifyArchive("a.kmz", []byte("nope"))
	assert.True(t, errors.Is(err, ErrInvalidArchive))
	err = VerifyArchive("a.kmz", archiveBytes(t, []Entry{{Path: "readme.txt", Data: []byte("hi")}}))
	assert.True(t, errors.Is(err, ErrInvalidArchive))
}

func TestVerifyFile(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "map.kmz")
	pkg, err := BuildPackage(renderedGrid(2, 2), PackageMeta{Name: "map", Format: PNG})
	assert.Nil(t, err)
	assert.Nil(t, pkg.WriteArchive(dst, -1))
	assert.Nil(t, Verify(context.Background(), zap.NewNop(), "", dst))

	err = Verify(context.Background(), zap.NewNop(), "", filepath.Join(dir, "missing.kmz"))
	assert.Equal(t, InputError, KindOf(err))
}

func TestShowText(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "map.kmz")
	pkg, err := BuildPackage(renderedGrid(2, 1), PackageMeta{Name: "map", Description: "two tiles", Source: "map.tif", Format: PNG})
	assert.Nil(t, err)
	assert.Nil(t, pkg.WriteArchive(dst, -1))

	var out bytes.Buffer
	assert.Nil(t, Show(context.Background(), zap.NewNop(), &out, "", dst, false))
	s := out.String()
	assert.Contains(t, s, "document: doc.kml")
	assert.Contains(t, s, "name: map")
	assert.Contains(t, s, "description: two tiles")
	assert.Contains(t, s, "entries: 3")
	assert.Contains(t, s, "overlays: 2")
	assert.Contains(t, s, "bounds: 0.000000,0.000000 2.000000,1.000000")
	assert.True(t, strings.Contains(s, "Tile 1 tiles/1.png"))
}

func TestShowJSON(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "map.kmz")
	pkg, err := BuildPackage(renderedGrid(2, 2), PackageMeta{Name: "map", Format: GeoTIFF})
	assert.Nil(t, err)
	assert.Nil(t, pkg.WriteArchive(dst, 0))

	var out bytes.Buffer
	assert.Nil(t, Show(context.Background(), zap.NewNop(), &out, "", dst, true))
	assert.Contains(t, out.String(), `"title": "map"`)
	assert.Contains(t, out.String(), `"href": "tiles/3.tif"`)
	assert.Contains(t, out.String(), `"stored": true`)

	data, err := os.ReadFile(dst)
	assert.Nil(t, err)
	s, err := SummarizeArchive("map.kmz", data)
	assert.Nil(t, err)
	assert.Equal(t, 5, len(s.Entries))
	assert.Equal(t, &Bounds{0, 0, 2, 2}, s.Bounds)
}

func TestUpload(t *testing.T) {
	SetProgressWriter(nil)
	defer resetProgressWriter()
	dir := t.TempDir()
	src := filepath.Join(dir, "map.kmz")
	assert.Nil(t, os.WriteFile(src, []byte("archive bytes"), 0o644))
	bucketDir := filepath.Join(dir, "bucket")
	assert.Nil(t, os.MkdirAll(bucketDir, 0o755))

	bucketURL := "file://" + filepath.ToSlash(bucketDir)
	assert.Nil(t, Upload(context.Background(), zap.NewNop(), src, bucketURL, "exports/map.kmz", UploadOptions{}))
	data, err := ReadObject(context.Background(), bucketURL, "exports/map.kmz")
	assert.Nil(t, err)
	assert.Equal(t, []byte("archive bytes"), data)

	assert.Equal(t, ConfigError, KindOf(Upload(context.Background(), zap.NewNop(), src, "", "k", UploadOptions{})))
	assert.NotNil(t, Upload(context.Background(), zap.NewNop(), filepath.Join(dir, "missing"), bucketURL, "k", UploadOptions{}))
}
