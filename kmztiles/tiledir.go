package kmztiles

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// TileFileOptions controls what is written for each tile outside the
// merged archive.
type TileFileOptions struct {
	Format           OutputFormat
	WorldFiles       bool
	PerTileArchives  bool
	CompressionLevel int
}

// WrittenTile records the files produced for one tile, relative to the
// output directory.
type WrittenTile struct {
	Tile        Tile
	Path        string
	WorldFile   string
	ArchivePath string
	Size        int
	Digest      uint64
}

// TileFileName is the per-tile file name, tile_<row>_<col>.<ext>.
func TileFileName(t Tile, format OutputFormat) string {
	return fmt.Sprintf("tile_%d_%d.%s", t.Row, t.Col, format.Ext())
}

// worldFileExt follows the usual first-and-last-letter-plus-w convention.
func worldFileExt(format OutputFormat) string {
	ext := format.Ext()
	return "." + ext[:1] + ext[len(ext)-1:] + "w"
}

// WorldFile returns the six-line affine transform placing a tile of the
// given pixel size on its bounds. The last two lines address the centre of
// the upper-left pixel.
func WorldFile(t Tile) []byte {
	px := t.Bounds.Width() / float64(t.Pixels.Width)
	py := t.Bounds.Height() / float64(t.Pixels.Height)
	var buf bytes.Buffer
	for _, v := range []float64{px, 0, 0, -py, t.Bounds.MinX + px/2, t.Bounds.MaxY - py/2} {
		fmt.Fprintf(&buf, "%.10f\n", v)
	}
	return buf.Bytes()
}

// WriteTileFiles writes one rendered tile below root: the image under
// tiles/, an optional world file beside it and an optional single-overlay
// archive under kmz/.
func WriteTileFiles(root string, rt RenderedTile, opts TileFileOptions) (WrittenTile, error) {
	if len(rt.Data) == 0 {
		return WrittenTile{}, &Error{Kind: PackagingError, Op: "write tile", Path: root, Cell: &Cell{Row: rt.Tile.Row, Col: rt.Tile.Col}, Err: ErrEmptyTile}
	}
	name := TileFileName(rt.Tile, opts.Format)
	wt := WrittenTile{
		Tile:   rt.Tile,
		Path:   filepath.ToSlash(filepath.Join("tiles", name)),
		Size:   len(rt.Data),
		Digest: xxhash.Sum64(rt.Data),
	}
	fail := func(p string, err error) (WrittenTile, error) {
		return WrittenTile{}, &Error{Kind: PackagingError, Op: "write tile", Path: p, Cell: &Cell{Row: rt.Tile.Row, Col: rt.Tile.Col}, Err: err}
	}

	if err := os.MkdirAll(filepath.Join(root, "tiles"), 0o755); err != nil {
		return fail(root, err)
	}
	imagePath := filepath.Join(root, filepath.FromSlash(wt.Path))
	if err := os.WriteFile(imagePath, rt.Data, 0o644); err != nil {
		return fail(imagePath, err)
	}

	if opts.WorldFiles {
		wt.WorldFile = strings.TrimSuffix(wt.Path, "."+opts.Format.Ext()) + worldFileExt(opts.Format)
		p := filepath.Join(root, filepath.FromSlash(wt.WorldFile))
		if err := os.WriteFile(p, WorldFile(rt.Tile), 0o644); err != nil {
			return fail(p, err)
		}
	}

	if opts.PerTileArchives {
		wt.ArchivePath = fmt.Sprintf("kmz/tile_%d_%d.kmz", rt.Tile.Row, rt.Tile.Col)
		imageName := "tile." + opts.Format.Ext()
		kml, err := singleOverlayKML(GroundOverlay{
			Name:   fmt.Sprintf("Tile %d_%d", rt.Tile.Row, rt.Tile.Col),
			Href:   imageName,
			Bounds: rt.Tile.Bounds,
		})
		if err != nil {
			return fail(wt.ArchivePath, err)
		}
		entries := []Entry{{Path: "doc.kml", Data: kml}, {Path: imageName, Data: rt.Data}}
		p := filepath.Join(root, filepath.FromSlash(wt.ArchivePath))
		err = writeFileAtomic("write tile archive", p, func(w io.Writer) error {
			return writeZip(w, entries, opts.CompressionLevel)
		})
		if err != nil {
			return WrittenTile{}, err
		}
	}
	return wt, nil
}

// CommitTileFiles moves the files of written tiles from staging into dir.
func CommitTileFiles(staging, dir string, written []WrittenTile) error {
	move := func(rel string) error {
		if rel == "" {
			return nil
		}
		src := filepath.Join(staging, filepath.FromSlash(rel))
		dst := filepath.Join(dir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		return os.Rename(src, dst)
	}
	for _, wt := range written {
		for _, rel := range []string{wt.Path, wt.WorldFile, wt.ArchivePath} {
			if err := move(rel); err != nil {
				return packagingErr("commit tiles", dir, err)
			}
		}
	}
	return nil
}

// WriteTileDirectory writes every rendered tile into dir. Files are staged
// in a hidden directory under dir and moved into place only once all tiles
// were written, so a failure leaves dir untouched.
func WriteTileDirectory(dir string, tiles []RenderedTile, opts TileFileOptions) ([]WrittenTile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, packagingErr("write tile directory", dir, err)
	}
	staging, err := os.MkdirTemp(dir, ".kmztiles-staging-")
	if err != nil {
		return nil, packagingErr("write tile directory", dir, err)
	}
	defer os.RemoveAll(staging)

	sorted := make([]RenderedTile, len(tiles))
	copy(sorted, tiles)
	SortTiles(sorted)
	written := make([]WrittenTile, 0, len(sorted))
	for _, rt := range sorted {
		if rt.Err != nil {
			return nil, rt.Err
		}
		wt, err := WriteTileFiles(staging, rt, opts)
		if err != nil {
			return nil, err
		}
		written = append(written, wt)
	}
	if err := CommitTileFiles(staging, dir, written); err != nil {
		return nil, err
	}
	return written, nil
}
