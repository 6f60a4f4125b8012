package kmztiles

import (
	"fmt"
	"image"
)

// Grid is the number of tile columns and rows to cut a raster into.
type Grid struct {
	TilesX int `json:"tilesX"`
	TilesY int `json:"tilesY"`
}

// PixelRect is a tile's window into the source raster.
type PixelRect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Rect converts r to image coordinates relative to origin.
func (r PixelRect) Rect(origin image.Point) image.Rectangle {
	min := origin.Add(image.Pt(r.X, r.Y))
	return image.Rectangle{Min: min, Max: min.Add(image.Pt(r.Width, r.Height))}
}

// Tile is one cell of a planned grid. Row 0 is the northernmost row.
type Tile struct {
	Col    int       `json:"col"`
	Row    int       `json:"row"`
	Pixels PixelRect `json:"pixels"`
	Bounds Bounds    `json:"bounds"`
}

// WithBounds returns a copy of t carrying b.
func (t Tile) WithBounds(b Bounds) Tile {
	t.Bounds = b
	return t
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// Validate checks that g cuts a width x height raster into non-empty tiles.
func (g Grid) Validate(width, height int) error {
	if g.TilesX < 1 || g.TilesY < 1 {
		return configErr("plan", fmt.Errorf("%w: %dx%d tiles, both dimensions must be at least 1", ErrInvalidGrid, g.TilesX, g.TilesY))
	}
	if width < 1 || height < 1 {
		return configErr("plan", fmt.Errorf("%w: raster is %dx%d pixels", ErrInvalidGrid, width, height))
	}
	// the ceil partition leaves trailing columns or rows empty once the grid
	// is finer than the raster can support
	if (g.TilesX-1)*ceilDiv(width, g.TilesX) >= width {
		return configErr("plan", fmt.Errorf("%w: %d columns leave empty tiles on a %d pixel wide raster", ErrInvalidGrid, g.TilesX, width))
	}
	if (g.TilesY-1)*ceilDiv(height, g.TilesY) >= height {
		return configErr("plan", fmt.Errorf("%w: %d rows leave empty tiles on a %d pixel high raster", ErrInvalidGrid, g.TilesY, height))
	}
	return nil
}

// Plan partitions a width x height raster covering bounds into the cells of
// grid, in row-major order. The last column and row absorb the pixel
// remainder and snap to the true east and south edges.
func Plan(width, height int, bounds Bounds, grid Grid) ([]Tile, error) {
	if err := grid.Validate(width, height); err != nil {
		return nil, err
	}
	if err := bounds.Validate(); err != nil {
		return nil, configErr("plan", err)
	}

	tileW := ceilDiv(width, grid.TilesX)
	tileH := ceilDiv(height, grid.TilesY)
	geoW := bounds.Width() / float64(grid.TilesX)
	geoH := bounds.Height() / float64(grid.TilesY)

	tiles := make([]Tile, 0, grid.TilesX*grid.TilesY)
	for row := 0; row < grid.TilesY; row++ {
		py := row * tileH
		ph := tileH
		if row == grid.TilesY-1 {
			ph = height - py
		}
		north := bounds.MaxY - float64(row)*geoH
		south := north - geoH
		if row == grid.TilesY-1 {
			south = bounds.MinY
		}

		for col := 0; col < grid.TilesX; col++ {
			px := col * tileW
			pw := tileW
			if col == grid.TilesX-1 {
				pw = width - px
			}
			west := bounds.MinX + float64(col)*geoW
			east := west + geoW
			if col == grid.TilesX-1 {
				east = bounds.MaxX
			}

			tiles = append(tiles, Tile{
				Col:    col,
				Row:    row,
				Pixels: PixelRect{X: px, Y: py, Width: pw, Height: ph},
				Bounds: Bounds{MinX: west, MinY: south, MaxX: east, MaxY: north},
			})
		}
	}
	return tiles, nil
}
