package kmztiles

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMarshalKML(t *testing.T) {
	doc := Document{
		Name:              "Survey & Co",
		Description:       "north block",
		FolderName:        "Survey & Co",
		FolderDescription: "Generated from survey.tif",
		Overlays: []GroundOverlay{
			{Name: "Tile 0", Href: "tiles/0.tif", Bounds: Bounds{-10, 10, 0, 20}},
			{Name: "Tile 1", Href: "tiles/1.tif", Bounds: Bounds{0, 10, 10, 20}},
		},
	}
	data, err := doc.MarshalKML()
	assert.Nil(t, err)
	s := string(data)
	assert.True(t, strings.HasPrefix(s, "<?xml"))
	assert.Contains(t, s, `<kml xmlns="http://www.opengis.net/kml/2.2">`)
	assert.Contains(t, s, `<Style id="defaultStyle">`)
	assert.Contains(t, s, `<scale>1.1</scale>`)
	assert.Contains(t, s, `<width>1.5</width>`)
	assert.Contains(t, s, `<styleUrl>#defaultStyle</styleUrl>`)
	assert.Contains(t, s, `<href>tiles/1.tif</href>`)
	assert.Contains(t, s, `Survey &amp; Co`)
	assert.Less(t, strings.Index(s, "Tile 0"), strings.Index(s, "Tile 1"))

	back, err := ParseKML(data)
	assert.Nil(t, err)
	assert.Equal(t, doc, back)
}

func TestParseKMLNestedFolders(t *testing.T) {
	data := []byte(`<?xml version="1.0" encoding="UTF-8"?>
<kml xmlns="http://www.opengis.net/kml/2.2">
  <Document>
    <name>outer</name>
    <GroundOverlay>
      <name>top</name>
      <Icon><href>a.png</href></Icon>
      <LatLonBox><north>1</north><south>0</south><east>1</east><west>0</west></LatLonBox>
    </GroundOverlay>
    <Folder>
      <name>f</name>
      <Folder>
        <GroundOverlay>
          <name>deep</name>
          <Icon><href>b.png</href></Icon>
          <LatLonBox><north>2</north><south>1</south><east>2</east><west>1</west></LatLonBox>
        </GroundOverlay>
      </Folder>
    </Folder>
  </Document>
</kml>`)
	doc, err := ParseKML(data)
	assert.Nil(t, err)
	assert.Equal(t, "outer", doc.Name)
	assert.Equal(t, "f", doc.FolderName)
	assert.Equal(t, 2, len(doc.Overlays))
	assert.Equal(t, "top", doc.Overlays[0].Name)
	assert.Equal(t, Bounds{1, 1, 2, 2}, doc.Overlays[1].Bounds)
}

func TestParseKMLRejectsRotation(t *testing.T) {
	data := []byte(`<kml><Document><GroundOverlay><name>r</name><Icon><href>a.png</href></Icon>
<LatLonBox><north>1</north><south>0</south><east>1</east><west>0</west><rotation>12</rotation></LatLonBox>
</GroundOverlay></Document></kml>`)
	_, err := ParseKML(data)
	assert.NotNil(t, err)
}

func TestParseKMLMalformed(t *testing.T) {
	_, err := ParseKML([]byte("<kml><Document>"))
	assert.NotNil(t, err)
}

func TestSingleOverlayKML(t *testing.T) {
	data, err := singleOverlayKML(GroundOverlay{Name: "Tile 0_1", Href: "tile.png", Bounds: Bounds{0, 0, 1, 1}})
	assert.Nil(t, err)
	assert.NotContains(t, string(data), "<Folder>")
	assert.NotContains(t, string(data), "styleUrl")
	doc, err := ParseKML(data)
	assert.Nil(t, err)
	assert.Equal(t, "Tile 0_1", doc.Name)
	assert.Equal(t, 1, len(doc.Overlays))
}
