package kmztiles

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/flate"
)

// RenderedTile couples a tile with its encoded image, or with the error
// that prevented encoding it.
type RenderedTile struct {
	Tile Tile
	Data []byte
	Err  error
}

// PackageMeta names an overlay package.
type PackageMeta struct {
	Name        string
	Description string
	// Source is the input file name quoted in the folder description.
	Source string
	Format OutputFormat
}

// Entry is one file of an overlay package.
type Entry struct {
	Path string
	Data []byte
}

// Package is an assembled overlay archive: doc.kml followed by the tile
// images in canonical order.
type Package struct {
	Document Document
	Entries  []Entry
	Tiles    []Tile
}

// SortTiles orders tiles north to south, then west to east.
func SortTiles(tiles []RenderedTile) {
	sort.SliceStable(tiles, func(i, j int) bool {
		if tiles[i].Tile.Row != tiles[j].Tile.Row {
			return tiles[i].Tile.Row < tiles[j].Tile.Row
		}
		return tiles[i].Tile.Col < tiles[j].Tile.Col
	})
}

// TileEntryPath is the archive path of the i-th tile in canonical order.
func TileEntryPath(i int, format OutputFormat) string {
	return fmt.Sprintf("tiles/%d.%s", i, format.Ext())
}

// BuildPackage assembles the markup and entry list. The input slice is not
// modified. Every tile must carry data.
func BuildPackage(tiles []RenderedTile, meta PackageMeta) (*Package, error) {
	if len(tiles) == 0 {
		return nil, packagingErr("build package", meta.Name, fmt.Errorf("no tiles to package"))
	}
	sorted := make([]RenderedTile, len(tiles))
	copy(sorted, tiles)
	SortTiles(sorted)

	doc := Document{
		Name:              meta.Name,
		Description:       meta.Description,
		FolderName:        meta.Name,
		FolderDescription: fmt.Sprintf(generatedFrom, meta.Source),
	}
	pkg := &Package{}
	images := make([]Entry, 0, len(sorted))
	for i, rt := range sorted {
		if rt.Err != nil || len(rt.Data) == 0 {
			err := rt.Err
			if err == nil {
				err = ErrEmptyTile
			}
			return nil, &Error{Kind: PackagingError, Op: "build package", Path: meta.Name, Cell: &Cell{Row: rt.Tile.Row, Col: rt.Tile.Col}, Err: fmt.Errorf("%w: %v", ErrEmptyTile, err)}
		}
		p := TileEntryPath(i, meta.Format)
		doc.Overlays = append(doc.Overlays, GroundOverlay{
			Name:   fmt.Sprintf("Tile %d", i),
			Href:   p,
			Bounds: rt.Tile.Bounds,
		})
		images = append(images, Entry{Path: p, Data: rt.Data})
		pkg.Tiles = append(pkg.Tiles, rt.Tile)
	}

	kml, err := doc.MarshalKML()
	if err != nil {
		return nil, packagingErr("build package", meta.Name, err)
	}
	pkg.Document = doc
	pkg.Entries = append([]Entry{{Path: "doc.kml", Data: kml}}, images...)
	return pkg, nil
}

// ValidateCompressionLevel accepts -1 (default) through 9 (best).
func ValidateCompressionLevel(level int) error {
	if level < flate.DefaultCompression || level > flate.BestCompression {
		return configErr("validate compression level", fmt.Errorf("%w: compression level %d is outside [-1, 9]", ErrInvalidConfig, level))
	}
	return nil
}

// writeZip writes entries in order. Level 0 stores entries uncompressed.
func writeZip(w io.Writer, entries []Entry, level int) error {
	if err := ValidateCompressionLevel(level); err != nil {
		return err
	}
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, level)
	})
	method := zip.Deflate
	if level == flate.NoCompression {
		method = zip.Store
	}
	for _, e := range entries {
		fw, err := zw.CreateHeader(&zip.FileHeader{Name: e.Path, Method: method})
		if err != nil {
			return fmt.Errorf("create %s: %w", e.Path, err)
		}
		if _, err := fw.Write(e.Data); err != nil {
			return fmt.Errorf("write %s: %w", e.Path, err)
		}
	}
	return zw.Close()
}

// WriteTo streams the archive to w.
func (p *Package) WriteTo(w io.Writer, level int) error {
	return writeZip(w, p.Entries, level)
}

// WriteArchive writes the archive next to dst and renames it into place,
// so dst is either absent, the previous file, or complete.
func (p *Package) WriteArchive(dst string, level int) error {
	return writeFileAtomic("write archive", dst, func(w io.Writer) error {
		return p.WriteTo(w, level)
	})
}

func writeFileAtomic(op, dst string, fill func(w io.Writer) error) error {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return packagingErr(op, dst, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".*.tmp")
	if err != nil {
		return packagingErr(op, dst, err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if err := fill(tmp); err != nil {
		return packagingErr(op, dst, err)
	}
	if err := tmp.Sync(); err != nil {
		return packagingErr(op, dst, err)
	}
	if err := tmp.Close(); err != nil {
		return packagingErr(op, dst, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return packagingErr(op, dst, err)
	}
	committed = true
	return nil
}
