package kmztiles

import (
	"fmt"
	"strconv"
	"strings"
)

// CRS is a normalized coordinate reference system identifier of the form
// "EPSG:<code>". Two CRS values are the same system iff their strings match.
type CRS string

const (
	WGS84       CRS = "EPSG:4326"
	WebMercator CRS = "EPSG:3857"
)

// geographic EPSG codes whose GeoTIFF key is GeographicTypeGeoKey rather than
// ProjectedCSTypeGeoKey.
var geographicCodes = map[int]bool{
	4326: true, 4258: true, 4269: true, 4267: true, 4283: true,
	4617: true, 4619: true, 4612: true, 4674: true, 4230: true,
	4231: true, 4277: true, 4314: true, 4322: true, 4490: true,
}

// EPSGCode returns the CRS for a numeric EPSG code.
func EPSGCode(code int) CRS {
	return CRS("EPSG:" + strconv.Itoa(code))
}

// ParseCRS normalizes user input such as "4326", "epsg:3857" or "CRS:84".
// The empty string parses to the empty CRS, meaning "not set".
func ParseCRS(s string) (CRS, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}
	upper := strings.ToUpper(s)
	switch upper {
	case "CRS:84", "WGS84", "OGC:CRS84":
		return WGS84, nil
	case "EPSG:900913":
		return WebMercator, nil
	}
	upper = strings.TrimPrefix(upper, "EPSG:")
	code, err := strconv.Atoi(upper)
	if err != nil || code <= 0 {
		return "", configErr("parse crs", fmt.Errorf("%w: %q", ErrInvalidCRS, s))
	}
	return EPSGCode(code), nil
}

// EPSG returns the numeric code of c.
func (c CRS) EPSG() (int, error) {
	s := string(c)
	if !strings.HasPrefix(s, "EPSG:") {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCRS, s)
	}
	code, err := strconv.Atoi(s[len("EPSG:"):])
	if err != nil || code <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCRS, s)
	}
	return code, nil
}

// IsGeographic reports whether c is a known longitude/latitude system.
func (c CRS) IsGeographic() bool {
	code, err := c.EPSG()
	if err != nil {
		return false
	}
	return geographicCodes[code]
}

func (c CRS) String() string {
	return string(c)
}
