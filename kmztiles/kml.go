package kmztiles

import (
	"bytes"
	"encoding/xml"
	"fmt"
)

const kmlNamespace = "http://www.opengis.net/kml/2.2"

// Style constants of every generated document.
const (
	defaultStyleID = "defaultStyle"
	iconStyleScale = 1.1
	lineStyleWidth = 1.5
	generatedFrom  = "Generated from %s"
)

// Document is the markup side of an overlay package: a named folder of
// ground overlays.
type Document struct {
	Name              string
	Description       string
	FolderName        string
	FolderDescription string
	Overlays          []GroundOverlay
}

// GroundOverlay places one image on the globe.
type GroundOverlay struct {
	Name   string
	Href   string
	Bounds Bounds
}

type kmlRoot struct {
	XMLName  xml.Name    `xml:"kml"`
	Xmlns    string      `xml:"xmlns,attr,omitempty"`
	Document kmlDocument `xml:"Document"`
}

type kmlDocument struct {
	Name        string             `xml:"name,omitempty"`
	Description string             `xml:"description,omitempty"`
	Styles      []kmlStyle         `xml:"Style"`
	Folders     []kmlFolder        `xml:"Folder"`
	Overlays    []kmlGroundOverlay `xml:"GroundOverlay"`
}

type kmlStyle struct {
	ID        string        `xml:"id,attr"`
	IconStyle *kmlIconStyle `xml:"IconStyle"`
	LineStyle *kmlLineStyle `xml:"LineStyle"`
}

type kmlIconStyle struct {
	Scale float64 `xml:"scale"`
}

type kmlLineStyle struct {
	Width float64 `xml:"width"`
}

type kmlFolder struct {
	Name        string             `xml:"name,omitempty"`
	Description string             `xml:"description,omitempty"`
	Folders     []kmlFolder        `xml:"Folder"`
	Overlays    []kmlGroundOverlay `xml:"GroundOverlay"`
}

type kmlGroundOverlay struct {
	Name      string       `xml:"name,omitempty"`
	StyleURL  string       `xml:"styleUrl,omitempty"`
	Icon      kmlIcon      `xml:"Icon"`
	LatLonBox kmlLatLonBox `xml:"LatLonBox"`
}

type kmlIcon struct {
	Href string `xml:"href"`
}

type kmlLatLonBox struct {
	North    float64 `xml:"north"`
	South    float64 `xml:"south"`
	East     float64 `xml:"east"`
	West     float64 `xml:"west"`
	Rotation float64 `xml:"rotation,omitempty"`
}

func overlayToKML(o GroundOverlay, styled bool) kmlGroundOverlay {
	k := kmlGroundOverlay{
		Name: o.Name,
		Icon: kmlIcon{Href: o.Href},
		LatLonBox: kmlLatLonBox{
			North: o.Bounds.MaxY,
			South: o.Bounds.MinY,
			East:  o.Bounds.MaxX,
			West:  o.Bounds.MinX,
		},
	}
	if styled {
		k.StyleURL = "#" + defaultStyleID
	}
	return k
}

// MarshalKML renders d as a KML 2.2 document with the fixed default style
// and every overlay inside a single folder.
func (d Document) MarshalKML() ([]byte, error) {
	folder := kmlFolder{Name: d.FolderName, Description: d.FolderDescription}
	for _, o := range d.Overlays {
		folder.Overlays = append(folder.Overlays, overlayToKML(o, true))
	}
	root := kmlRoot{
		Xmlns: kmlNamespace,
		Document: kmlDocument{
			Name:        d.Name,
			Description: d.Description,
			Styles: []kmlStyle{{
				ID:        defaultStyleID,
				IconStyle: &kmlIconStyle{Scale: iconStyleScale},
				LineStyle: &kmlLineStyle{Width: lineStyleWidth},
			}},
			Folders: []kmlFolder{folder},
		},
	}
	return marshalKML(root)
}

// singleOverlayKML is the document of a per-tile archive.
func singleOverlayKML(o GroundOverlay) ([]byte, error) {
	return marshalKML(kmlRoot{
		Xmlns:    kmlNamespace,
		Document: kmlDocument{Name: o.Name, Overlays: []kmlGroundOverlay{overlayToKML(o, false)}},
	})
}

func marshalKML(root kmlRoot) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(root); err != nil {
		return nil, fmt.Errorf("encode kml: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// ParseKML reads every ground overlay of a KML document, flattening nested
// folders in document order. Rotated overlays are rejected.
func ParseKML(data []byte) (Document, error) {
	var root kmlRoot
	if err := xml.Unmarshal(data, &root); err != nil {
		return Document{}, fmt.Errorf("decode kml: %w", err)
	}
	doc := Document{Name: root.Document.Name, Description: root.Document.Description}

	var walk func(folders []kmlFolder) error
	add := func(overlays []kmlGroundOverlay) error {
		for _, o := range overlays {
			if o.LatLonBox.Rotation != 0 {
				return fmt.Errorf("overlay %q has a rotated LatLonBox", o.Name)
			}
			doc.Overlays = append(doc.Overlays, GroundOverlay{
				Name: o.Name,
				Href: o.Icon.Href,
				Bounds: Bounds{
					MinX: o.LatLonBox.West,
					MinY: o.LatLonBox.South,
					MaxX: o.LatLonBox.East,
					MaxY: o.LatLonBox.North,
				},
			})
		}
		return nil
	}
	walk = func(folders []kmlFolder) error {
		for _, f := range folders {
			if doc.FolderName == "" {
				doc.FolderName = f.Name
				doc.FolderDescription = f.Description
			}
			if err := add(f.Overlays); err != nil {
				return err
			}
			if err := walk(f.Folders); err != nil {
				return err
			}
		}
		return nil
	}
	if err := add(root.Document.Overlays); err != nil {
		return Document{}, err
	}
	if err := walk(root.Document.Folders); err != nil {
		return Document{}, err
	}
	return doc, nil
}
