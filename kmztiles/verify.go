package kmztiles

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"
	"go.uber.org/zap"
)

// ErrInvalidArchive is wrapped by every structural problem Verify finds.
var ErrInvalidArchive = errors.New("invalid overlay archive")

var tileHref = regexp.MustCompile(`^tiles/(\d+)\.[A-Za-z0-9]+$`)

// VerifyArchive checks the structure of an in-memory overlay archive and
// returns every problem found, joined.
func VerifyArchive(name string, data []byte) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("%w: %s is not a zip archive: %v", ErrInvalidArchive, name, err)
	}
	if len(zr.File) == 0 {
		return fmt.Errorf("%w: %s is empty", ErrInvalidArchive, name)
	}

	var problems []error
	if zr.File[0].Name != "doc.kml" {
		problems = append(problems, fmt.Errorf("first entry is %s, expected doc.kml", zr.File[0].Name))
	}
	kmlFile, err := findKML(zr)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidArchive, name, err)
	}
	kmlData, err := readZipFile(kmlFile)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidArchive, name, err)
	}
	doc, err := ParseKML(kmlData)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidArchive, name, err)
	}
	if len(doc.Overlays) == 0 {
		problems = append(problems, fmt.Errorf("document has no ground overlays"))
	}

	entries := zipEntries(zr)
	indices := roaring64.New()
	indexed := 0
	for _, o := range doc.Overlays {
		if err := o.Bounds.Validate(); err != nil {
			problems = append(problems, fmt.Errorf("overlay %q: %w", o.Name, err))
		}
		if o.Href == "" {
			problems = append(problems, fmt.Errorf("overlay %q has no image", o.Name))
			continue
		}
		p, err := resolveHref(kmlFile.Name, o.Href)
		if err != nil {
			problems = append(problems, fmt.Errorf("overlay %q: %w", o.Name, err))
			continue
		}
		f, ok := entries[p]
		if !ok {
			problems = append(problems, fmt.Errorf("overlay %q references missing entry %s", o.Name, p))
		} else if f.UncompressedSize64 == 0 {
			problems = append(problems, fmt.Errorf("overlay %q references empty entry %s", o.Name, p))
		}

		m := tileHref.FindStringSubmatch(path.Clean(o.Href))
		if m == nil {
			continue
		}
		indexed++
		i, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			problems = append(problems, fmt.Errorf("overlay %q: bad tile index %s", o.Name, m[1]))
			continue
		}
		if indices.Contains(i) {
			problems = append(problems, fmt.Errorf("tile index %d is referenced twice", i))
			continue
		}
		indices.Add(i)
	}

	if indexed > 0 {
		if indexed != len(doc.Overlays) {
			problems = append(problems, fmt.Errorf("%d of %d overlays do not follow tiles/<index>.<ext>", len(doc.Overlays)-indexed, len(doc.Overlays)))
		}
		n := indices.GetCardinality()
		if n > 0 && indices.Maximum() != n-1 {
			missing := roaring64.New()
			missing.AddRange(0, indices.Maximum()+1)
			missing.AndNot(indices)
			problems = append(problems, fmt.Errorf("tile indices are not sequential, missing %v", missing.ToArray()))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s has %d problems: %w", ErrInvalidArchive, name, len(problems), errors.Join(problems...))
	}
	return nil
}

// Verify reads an archive from a bucket (the local filesystem when
// bucketURL is empty) and checks its structure.
func Verify(ctx context.Context, logger *zap.Logger, bucketURL string, file string) error {
	start := time.Now()
	data, err := ReadObject(ctx, bucketURL, file)
	if err != nil {
		return inputErr("verify", file, err)
	}
	if err := VerifyArchive(file, data); err != nil {
		return err
	}
	logger.Info("archive is valid", zap.String("archive", file), zap.Duration("duration", time.Since(start)))
	return nil
}
