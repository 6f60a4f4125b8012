package kmztiles

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

// Transformer converts coordinates in place between two CRSs. Implementations
// return ErrUnsupportedTransform when they know no path between from and to.
type Transformer interface {
	Transform(from, to CRS, x, y []float64) error
}

// Mercator transforms between EPSG:4326 and EPSG:3857 without external
// libraries.
type Mercator struct{}

func (Mercator) Transform(from, to CRS, x, y []float64) error {
	var fn orb.Projection
	switch {
	case from == WGS84 && to == WebMercator:
		fn = project.WGS84.ToMercator
	case from == WebMercator && to == WGS84:
		fn = project.Mercator.ToWGS84
	default:
		return ErrUnsupportedTransform
	}
	for i := range x {
		p := fn(orb.Point{x[i], y[i]})
		x[i], y[i] = p.X(), p.Y()
	}
	return nil
}

// Chain tries each transformer in order until one supports the pair.
type Chain []Transformer

func (c Chain) Transform(from, to CRS, x, y []float64) error {
	for _, t := range c {
		err := t.Transform(from, to, x, y)
		if errors.Is(err, ErrUnsupportedTransform) {
			continue
		}
		return err
	}
	return ErrUnsupportedTransform
}

// Projector reprojects tile bounds between CRSs.
type Projector struct {
	transformer Transformer
}

// NewProjector returns a Projector backed by t, or by Mercator when t is nil.
func NewProjector(t Transformer) *Projector {
	if t == nil {
		t = Mercator{}
	}
	return &Projector{transformer: t}
}

// Reproject transforms b from one CRS to another. When from and to are the
// same system b is returned untouched. Otherwise the south-west and
// north-east corners are transformed and min/max are re-derived per axis.
func (p *Projector) Reproject(b Bounds, from, to CRS) (Bounds, error) {
	if from == to {
		return b, nil
	}
	fail := func(err error) (Bounds, error) {
		return Bounds{}, &Error{Kind: TransformError, Op: "reproject", From: from, To: to, Err: err}
	}
	if from == "" || to == "" {
		return fail(fmt.Errorf("%w: source and target must both be set", ErrInvalidCRS))
	}

	x := []float64{b.MinX, b.MaxX}
	y := []float64{b.MinY, b.MaxY}
	if err := p.transformer.Transform(from, to, x, y); err != nil {
		return fail(err)
	}
	for i := range x {
		if !finite(x[i]) || !finite(y[i]) {
			return fail(fmt.Errorf("%w: corner %d of %s", ErrNonFiniteTransform, i, b))
		}
	}
	return Bounds{
		MinX: math.Min(x[0], x[1]),
		MinY: math.Min(y[0], y[1]),
		MaxX: math.Max(x[0], x[1]),
		MaxY: math.Max(y[0], y[1]),
	}, nil
}

// ReprojectTiles returns copies of tiles with reprojected bounds. The first
// failure aborts since every tile shares the same transform.
func (p *Projector) ReprojectTiles(tiles []Tile, from, to CRS) ([]Tile, error) {
	out := make([]Tile, len(tiles))
	for i, t := range tiles {
		b, err := p.Reproject(t.Bounds, from, to)
		if err != nil {
			var e *Error
			if errors.As(err, &e) {
				e.Cell = &Cell{Row: t.Row, Col: t.Col}
			}
			return nil, err
		}
		out[i] = t.WithBounds(b)
	}
	return out, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
