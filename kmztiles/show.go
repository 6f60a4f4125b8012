package kmztiles

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// ArchiveEntry describes one file inside an overlay archive.
type ArchiveEntry struct {
	Path           string `json:"path"`
	Size           uint64 `json:"size"`
	CompressedSize uint64 `json:"compressedSize"`
	Stored         bool   `json:"stored"`
}

// OverlaySummary is one ground overlay of an archive.
type OverlaySummary struct {
	Name   string `json:"name"`
	Href   string `json:"href"`
	Bounds Bounds `json:"bounds"`
}

// ArchiveSummary is what Show reports about an overlay archive.
type ArchiveSummary struct {
	Name        string           `json:"name"`
	Size        int64            `json:"size"`
	Document    string           `json:"document"`
	Title       string           `json:"title"`
	Description string           `json:"description,omitempty"`
	Folder      string           `json:"folder,omitempty"`
	Entries     []ArchiveEntry   `json:"entries"`
	Overlays    []OverlaySummary `json:"overlays"`
	Bounds      *Bounds          `json:"bounds,omitempty"`
}

// SummarizeArchive reads the entry list and markup of an in-memory archive.
func SummarizeArchive(name string, data []byte) (*ArchiveSummary, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, inputErr("read archive", name, err)
	}
	s := &ArchiveSummary{Name: name, Size: int64(len(data))}
	for _, f := range zr.File {
		s.Entries = append(s.Entries, ArchiveEntry{
			Path:           f.Name,
			Size:           f.UncompressedSize64,
			CompressedSize: f.CompressedSize64,
			Stored:         f.Method == zip.Store,
		})
	}

	kmlFile, err := findKML(zr)
	if err != nil {
		return nil, inputErr("read archive", name, err)
	}
	s.Document = kmlFile.Name
	kmlData, err := readZipFile(kmlFile)
	if err != nil {
		return nil, inputErr("read archive", name, err)
	}
	doc, err := ParseKML(kmlData)
	if err != nil {
		return nil, inputErr("read archive", name, err)
	}
	s.Title = doc.Name
	s.Description = doc.Description
	s.Folder = doc.FolderName
	for _, o := range doc.Overlays {
		s.Overlays = append(s.Overlays, OverlaySummary{Name: o.Name, Href: o.Href, Bounds: o.Bounds})
		if o.Bounds.Validate() != nil {
			continue
		}
		if s.Bounds == nil {
			b := o.Bounds
			s.Bounds = &b
		} else {
			b := s.Bounds.Union(o.Bounds)
			s.Bounds = &b
		}
	}
	return s, nil
}

// Show prints a summary of an overlay archive to w, as text or JSON.
func Show(ctx context.Context, logger *zap.Logger, w io.Writer, bucketURL string, file string, asJSON bool) error {
	data, err := ReadObject(ctx, bucketURL, file)
	if err != nil {
		return inputErr("show", file, err)
	}
	s, err := SummarizeArchive(file, data)
	if err != nil {
		return err
	}
	logger.Debug("read archive", zap.String("archive", file), zap.Int("entries", len(s.Entries)))

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}

	var images uint64
	for _, e := range s.Entries {
		if e.Path != s.Document {
			images += e.Size
		}
	}
	fmt.Fprintf(w, "archive: %s\n", s.Name)
	fmt.Fprintf(w, "total size: %s\n", humanize.Bytes(uint64(s.Size)))
	fmt.Fprintf(w, "document: %s\n", s.Document)
	fmt.Fprintf(w, "name: %s\n", s.Title)
	if s.Description != "" {
		fmt.Fprintf(w, "description: %s\n", s.Description)
	}
	if s.Folder != "" {
		fmt.Fprintf(w, "folder: %s\n", s.Folder)
	}
	fmt.Fprintf(w, "entries: %d\n", len(s.Entries))
	fmt.Fprintf(w, "image data: %s\n", humanize.Bytes(images))
	fmt.Fprintf(w, "overlays: %d\n", len(s.Overlays))
	if s.Bounds != nil {
		fmt.Fprintf(w, "bounds: %f,%f %f,%f\n", s.Bounds.MinX, s.Bounds.MinY, s.Bounds.MaxX, s.Bounds.MaxY)
	}
	for _, o := range s.Overlays {
		fmt.Fprintf(w, "  %s %s %s\n", o.Name, o.Href, o.Bounds)
	}
	return nil
}
