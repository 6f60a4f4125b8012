package kmztiles

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

const catalogSchema = `
CREATE TABLE metadata (name TEXT PRIMARY KEY, value TEXT);
CREATE TABLE tiles (
	tile_index INTEGER PRIMARY KEY,
	tile_row INTEGER NOT NULL,
	tile_column INTEGER NOT NULL,
	pixel_x INTEGER NOT NULL,
	pixel_y INTEGER NOT NULL,
	pixel_width INTEGER NOT NULL,
	pixel_height INTEGER NOT NULL,
	west REAL NOT NULL,
	south REAL NOT NULL,
	east REAL NOT NULL,
	north REAL NOT NULL,
	path TEXT,
	archive_path TEXT,
	size INTEGER NOT NULL,
	xxhash64 TEXT NOT NULL
);
CREATE UNIQUE INDEX tiles_cell ON tiles (tile_row, tile_column);
`

// CatalogTile is one row of the tiles table.
type CatalogTile struct {
	Index       int
	Tile        Tile
	Path        string
	ArchivePath string
	Size        int
	Digest      uint64
}

// Catalog is the content of a tile catalog database.
type Catalog struct {
	Metadata map[string]string
	Tiles    []CatalogTile
}

// WriteCatalog stores metadata and tiles in a new SQLite database at dst,
// replacing any previous file once complete.
func WriteCatalog(dst string, c Catalog) (err error) {
	tmp := filepath.Join(filepath.Dir(dst), "."+filepath.Base(dst)+"."+uuid.NewString()+".tmp")
	defer func() {
		if err != nil {
			os.Remove(tmp)
		}
	}()

	conn, err := sqlite.OpenConn(tmp, sqlite.OpenReadWrite, sqlite.OpenCreate)
	if err != nil {
		return packagingErr("write catalog", dst, err)
	}
	if err := fillCatalog(conn, c); err != nil {
		conn.Close()
		return packagingErr("write catalog", dst, err)
	}
	if err := conn.Close(); err != nil {
		return packagingErr("write catalog", dst, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return packagingErr("write catalog", dst, err)
	}
	return nil
}

func fillCatalog(conn *sqlite.Conn, c Catalog) (err error) {
	defer sqlitex.Save(conn)(&err)

	if err := sqlitex.ExecuteScript(conn, catalogSchema, nil); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	stmt := conn.Prep("INSERT INTO metadata (name, value) VALUES (?, ?)")
	for name, value := range c.Metadata {
		stmt.BindText(1, name)
		stmt.BindText(2, value)
		if _, err := stmt.Step(); err != nil {
			return fmt.Errorf("insert metadata %s: %w", name, err)
		}
		stmt.ClearBindings()
		stmt.Reset()
	}

	stmt = conn.Prep(`INSERT INTO tiles (tile_index, tile_row, tile_column, pixel_x, pixel_y, pixel_width, pixel_height,
		west, south, east, north, path, archive_path, size, xxhash64)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for _, ct := range c.Tiles {
		t := ct.Tile
		stmt.BindInt64(1, int64(ct.Index))
		stmt.BindInt64(2, int64(t.Row))
		stmt.BindInt64(3, int64(t.Col))
		stmt.BindInt64(4, int64(t.Pixels.X))
		stmt.BindInt64(5, int64(t.Pixels.Y))
		stmt.BindInt64(6, int64(t.Pixels.Width))
		stmt.BindInt64(7, int64(t.Pixels.Height))
		stmt.BindFloat(8, t.Bounds.MinX)
		stmt.BindFloat(9, t.Bounds.MinY)
		stmt.BindFloat(10, t.Bounds.MaxX)
		stmt.BindFloat(11, t.Bounds.MaxY)
		stmt.BindText(12, ct.Path)
		stmt.BindText(13, ct.ArchivePath)
		stmt.BindInt64(14, int64(ct.Size))
		stmt.BindText(15, strconv.FormatUint(ct.Digest, 16))
		if _, err := stmt.Step(); err != nil {
			return fmt.Errorf("insert tile (row %d, col %d): %w", t.Row, t.Col, err)
		}
		stmt.ClearBindings()
		stmt.Reset()
	}
	return nil
}

// ReadCatalog loads a catalog written by WriteCatalog, tiles in index order.
func ReadCatalog(path string) (*Catalog, error) {
	conn, err := sqlite.OpenConn(path, sqlite.OpenReadOnly)
	if err != nil {
		return nil, fmt.Errorf("Failed to open catalog %s, %w", path, err)
	}
	defer conn.Close()

	c := &Catalog{Metadata: make(map[string]string)}
	{
		stmt, _, err := conn.PrepareTransient("SELECT name, value FROM metadata")
		if err != nil {
			return nil, err
		}
		defer stmt.Finalize()
		for {
			row, err := stmt.Step()
			if err != nil {
				return nil, err
			}
			if !row {
				break
			}
			c.Metadata[stmt.ColumnText(0)] = stmt.ColumnText(1)
		}
	}
	{
		stmt, _, err := conn.PrepareTransient(`SELECT tile_index, tile_row, tile_column, pixel_x, pixel_y, pixel_width, pixel_height,
			west, south, east, north, path, archive_path, size, xxhash64 FROM tiles ORDER BY tile_index`)
		if err != nil {
			return nil, err
		}
		defer stmt.Finalize()
		for {
			row, err := stmt.Step()
			if err != nil {
				return nil, err
			}
			if !row {
				break
			}
			digest, err := strconv.ParseUint(stmt.ColumnText(14), 16, 64)
			if err != nil {
				return nil, fmt.Errorf("bad digest %q: %w", stmt.ColumnText(14), err)
			}
			c.Tiles = append(c.Tiles, CatalogTile{
				Index: int(stmt.ColumnInt64(0)),
				Tile: Tile{
					Row: int(stmt.ColumnInt64(1)),
					Col: int(stmt.ColumnInt64(2)),
					Pixels: PixelRect{
						X:      int(stmt.ColumnInt64(3)),
						Y:      int(stmt.ColumnInt64(4)),
						Width:  int(stmt.ColumnInt64(5)),
						Height: int(stmt.ColumnInt64(6)),
					},
					Bounds: Bounds{
						MinX: stmt.ColumnFloat(7),
						MinY: stmt.ColumnFloat(8),
						MaxX: stmt.ColumnFloat(9),
						MaxY: stmt.ColumnFloat(10),
					},
				},
				Path:        stmt.ColumnText(11),
				ArchivePath: stmt.ColumnText(12),
				Size:        int(stmt.ColumnInt64(13)),
				Digest:      digest,
			})
		}
	}
	return c, nil
}
