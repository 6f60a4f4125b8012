package kmztiles

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// findKML returns the root document of a KMZ: doc.kml when present,
// otherwise the first .kml entry.
func findKML(zr *zip.Reader) (*zip.File, error) {
	var first *zip.File
	for _, f := range zr.File {
		if f.Name == "doc.kml" {
			return f, nil
		}
		if first == nil && strings.EqualFold(path.Ext(f.Name), ".kml") {
			first = f
		}
	}
	if first == nil {
		return nil, fmt.Errorf("archive contains no .kml document")
	}
	return first, nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func zipEntries(zr *zip.Reader) map[string]*zip.File {
	m := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		m[f.Name] = f
	}
	return m
}

// resolveHref maps an overlay href to an archive entry name.
func resolveHref(kmlName, href string) (string, error) {
	if strings.Contains(href, "://") {
		return "", fmt.Errorf("overlay image %q is not inside the archive", href)
	}
	return path.Clean(path.Join(path.Dir(kmlName), href)), nil
}

// decodeKMZ re-reads a single ground overlay KMZ: the first overlay's image
// becomes the raster and its LatLonBox the bounds.
func decodeKMZ(name string, data []byte, opts OpenOptions) (*Raster, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, inputErr("open kmz", name, err)
	}
	kmlFile, err := findKML(zr)
	if err != nil {
		return nil, inputErr("open kmz", name, fmt.Errorf("%w: %v", ErrMissingGeoreference, err))
	}
	kmlData, err := readZipFile(kmlFile)
	if err != nil {
		return nil, inputErr("open kmz", name, err)
	}
	doc, err := ParseKML(kmlData)
	if err != nil {
		return nil, inputErr("open kmz", name, err)
	}

	var overlay *GroundOverlay
	for i := range doc.Overlays {
		if doc.Overlays[i].Href != "" {
			overlay = &doc.Overlays[i]
			break
		}
	}
	if overlay == nil {
		return nil, inputErr("open kmz", name, fmt.Errorf("%w: no GroundOverlay with an image", ErrMissingGeoreference))
	}

	imageName, err := resolveHref(kmlFile.Name, overlay.Href)
	if err != nil {
		return nil, inputErr("open kmz", name, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err))
	}
	entry, ok := zipEntries(zr)[imageName]
	if !ok {
		return nil, inputErr("open kmz", name, fmt.Errorf("overlay image %s is missing from the archive", imageName))
	}
	imageData, err := readZipFile(entry)
	if err != nil {
		return nil, inputErr("open kmz", name, err)
	}

	bounds := overlay.Bounds
	if opts.ManualBounds != nil {
		bounds = *opts.ManualBounds
	} else if err := bounds.Validate(); err != nil {
		return nil, inputErr("open kmz", name, err)
	}
	crs := opts.SourceCRS
	if crs == "" {
		crs = WGS84
	}

	if strings.EqualFold(path.Ext(imageName), ".kmz") {
		return nil, inputErr("open kmz", name, fmt.Errorf("%w: nested archive %s", ErrUnsupportedFormat, imageName))
	}
	inner, err := DecodeRaster(imageName, imageData, OpenOptions{ManualBounds: &bounds, SourceCRS: crs})
	if err != nil {
		var e *Error
		if errors.As(err, &e) {
			e.Path = name + "!" + imageName
		}
		return nil, err
	}
	inner.name = name
	inner.format = FormatKMZ
	return inner, nil
}
