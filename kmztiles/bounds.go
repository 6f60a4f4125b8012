package kmztiles

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Bounds is an axis-aligned box in some CRS: MinX is west, MinY south,
// MaxX east and MaxY north.
type Bounds struct {
	MinX float64 `json:"minX"`
	MinY float64 `json:"minY"`
	MaxX float64 `json:"maxX"`
	MaxY float64 `json:"maxY"`
}

// Validate rejects non-finite or empty boxes.
func (b Bounds) Validate() error {
	for _, v := range []float64{b.MinX, b.MinY, b.MaxX, b.MaxY} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite coordinate in %s", ErrInvalidBounds, b)
		}
	}
	if b.MaxX <= b.MinX || b.MaxY <= b.MinY {
		return fmt.Errorf("%w: max must exceed min in %s", ErrInvalidBounds, b)
	}
	return nil
}

func (b Bounds) Width() float64 {
	return b.MaxX - b.MinX
}

func (b Bounds) Height() float64 {
	return b.MaxY - b.MinY
}

// Union returns the smallest box containing both b and o.
func (b Bounds) Union(o Bounds) Bounds {
	return BoundsFromOrb(b.Orb().Union(o.Orb()))
}

func (b Bounds) Orb() orb.Bound {
	return orb.Bound{Min: orb.Point{b.MinX, b.MinY}, Max: orb.Point{b.MaxX, b.MaxY}}
}

func BoundsFromOrb(ob orb.Bound) Bounds {
	return Bounds{MinX: ob.Min.X(), MinY: ob.Min.Y(), MaxX: ob.Max.X(), MaxY: ob.Max.Y()}
}

func (b Bounds) String() string {
	return fmt.Sprintf("%g,%g,%g,%g", b.MinX, b.MinY, b.MaxX, b.MaxY)
}

// ParseBounds parses "west,south,east,north".
func ParseBounds(s string) (Bounds, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return Bounds{}, fmt.Errorf("%w: expected west,south,east,north, got %q", ErrInvalidBounds, s)
	}
	var vals [4]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return Bounds{}, fmt.Errorf("%w: %q: %v", ErrInvalidBounds, p, err)
		}
		vals[i] = v
	}
	b := Bounds{MinX: vals[0], MinY: vals[1], MaxX: vals[2], MaxY: vals[3]}
	return b, b.Validate()
}

// BoundsFromRegion returns the extent of a GeoJSON FeatureCollection,
// Feature or bare geometry.
func BoundsFromRegion(data []byte) (Bounds, error) {
	var bound orb.Bound
	found := false
	extend := func(g orb.Geometry) {
		if g == nil {
			return
		}
		if !found {
			bound = g.Bound()
			found = true
			return
		}
		bound = bound.Union(g.Bound())
	}

	if fc, err := geojson.UnmarshalFeatureCollection(data); err == nil && len(fc.Features) > 0 {
		for _, f := range fc.Features {
			extend(f.Geometry)
		}
	} else if f, err := geojson.UnmarshalFeature(data); err == nil && f.Geometry != nil {
		extend(f.Geometry)
	} else {
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return Bounds{}, fmt.Errorf("%w: region is not GeoJSON: %v", ErrInvalidBounds, err)
		}
		extend(g.Geometry())
	}

	if !found {
		return Bounds{}, fmt.Errorf("%w: region has no geometry", ErrInvalidBounds)
	}
	b := BoundsFromOrb(bound)
	return b, b.Validate()
}
