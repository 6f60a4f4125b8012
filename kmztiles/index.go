package kmztiles

import (
	"io"

	"github.com/paulmach/orb/geojson"
)

// TileIndex builds a GeoJSON FeatureCollection with one polygon per tile.
// Coordinates are in the tiles' CRS, which is recorded as a foreign member.
func TileIndex(tiles []CatalogTile, crs CRS) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	fc.ExtraMembers = geojson.Properties{"crs": string(crs)}
	for _, ct := range tiles {
		f := geojson.NewFeature(ct.Tile.Bounds.Orb().ToPolygon())
		f.Properties["index"] = ct.Index
		f.Properties["row"] = ct.Tile.Row
		f.Properties["col"] = ct.Tile.Col
		f.Properties["width"] = ct.Tile.Pixels.Width
		f.Properties["height"] = ct.Tile.Pixels.Height
		if ct.Path != "" {
			f.Properties["path"] = ct.Path
		}
		if ct.ArchivePath != "" {
			f.Properties["archive"] = ct.ArchivePath
		}
		fc.Append(f)
	}
	return fc
}

// WriteTileIndex writes the GeoJSON index atomically.
func WriteTileIndex(dst string, tiles []CatalogTile, crs CRS) error {
	data, err := TileIndex(tiles, crs).MarshalJSON()
	if err != nil {
		return packagingErr("write index", dst, err)
	}
	return writeFileAtomic("write index", dst, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}
