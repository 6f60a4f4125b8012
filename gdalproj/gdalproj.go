// Package gdalproj binds GDAL/PROJ to kmztiles: coordinate transforms between
// arbitrary EPSG systems and decoding of JPEG2000 inputs.
package gdalproj

import (
	"fmt"
	"sync"

	"github.com/airbusgeo/godal"
	"github.com/overlaykit/go-kmztiles/kmztiles"
)

type pair struct {
	from, to int
}

// Transformer is a kmztiles.Transformer backed by GDAL. It caches one
// transform per CRS pair. Calls are serialized.
type Transformer struct {
	mu         sync.Mutex
	refs       map[int]*godal.SpatialRef
	transforms map[pair]*godal.Transform
}

func New() *Transformer {
	return &Transformer{
		refs:       make(map[int]*godal.SpatialRef),
		transforms: make(map[pair]*godal.Transform),
	}
}

func (t *Transformer) ref(code int) (*godal.SpatialRef, error) {
	if sr, ok := t.refs[code]; ok {
		return sr, nil
	}
	sr, err := godal.NewSpatialRefFromEPSG(code)
	if err != nil {
		return nil, err
	}
	t.refs[code] = sr
	return sr, nil
}

func (t *Transformer) transform(from, to int) (*godal.Transform, error) {
	if trn, ok := t.transforms[pair{from, to}]; ok {
		return trn, nil
	}
	src, err := t.ref(from)
	if err != nil {
		return nil, err
	}
	dst, err := t.ref(to)
	if err != nil {
		return nil, err
	}
	trn, err := godal.NewTransform(src, dst)
	if err != nil {
		return nil, err
	}
	t.transforms[pair{from, to}] = trn
	return trn, nil
}

// Transform reprojects x and y in place. Codes GDAL does not know yield
// kmztiles.ErrUnsupportedTransform so a kmztiles.Chain can fall through.
func (t *Transformer) Transform(from, to kmztiles.CRS, x, y []float64) error {
	src, err := from.EPSG()
	if err != nil {
		return err
	}
	dst, err := to.EPSG()
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	trn, err := t.transform(src, dst)
	if err != nil {
		return fmt.Errorf("%w: %v", kmztiles.ErrUnsupportedTransform, err)
	}
	ok := make([]bool, len(x))
	if err := trn.TransformEx(x, y, nil, ok); err != nil {
		return fmt.Errorf("transform %s to %s: %w", from, to, err)
	}
	for i, s := range ok {
		if !s {
			return fmt.Errorf("%w: point %d (%g, %g)", kmztiles.ErrNonFiniteTransform, i, x[i], y[i])
		}
	}
	return nil
}

// Close releases the cached GDAL objects.
func (t *Transformer) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, trn := range t.transforms {
		trn.Close()
		delete(t.transforms, k)
	}
	for k, sr := range t.refs {
		sr.Close()
		delete(t.refs, k)
	}
}
