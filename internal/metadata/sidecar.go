package metadata

import (
	"bytes"
	"encoding/xml"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"mapsync/internal/geo"
)

// USGS aerial downloads often include metadata sidecars: FGDC XML with
// a <bounding> element or a G-Polygon ring, or EarthExplorer text
// exports with corner-coordinate lines.

func findSidecar(imagePath string) string {
	base := strings.TrimSuffix(imagePath, filepath.Ext(imagePath))
	dir := filepath.Dir(imagePath)
	name := filepath.Base(base)

	candidates := []string{
		base + ".xml",
		base + "_meta.txt",
		base + ".met",
		filepath.Join(dir, "metadata", name+".xml"),
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

func extractSidecar(imagePath string, width, height int) (*GeoAnchor, bool) {
	path := findSidecar(imagePath)
	if path == "" {
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}

	var bounds *geo.BoundingBox
	var label string
	if strings.EqualFold(filepath.Ext(path), ".xml") {
		bounds, label = parseFGDCXML(data)
	} else {
		bounds, label = parseTextSidecar(data)
	}
	if bounds == nil {
		return nil, false
	}
	if !plausibleLatLon(bounds.Center().Lat, bounds.Center().Lon) {
		return nil, false
	}

	gsd := geo.EstimateGSD(*bounds, width, height)
	return anchorFromBounds(KindSidecar, *bounds, gsd, label), true
}

// parseFGDCXML scans the document for FGDC bounding coordinates
// (westbc/eastbc/northbc/southbc) or a G-Polygon corner ring. A token
// walk keeps the parser indifferent to where in the tree the elements
// live, which varies between USGS collections.
func parseFGDCXML(data []byte) (*geo.BoundingBox, string) {
	dec := xml.NewDecoder(bytes.NewReader(data))

	coords := map[string]float64{}
	var ringLats, ringLons []float64
	var current string

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, ""
		}
		switch t := tok.(type) {
		case xml.StartElement:
			current = strings.ToLower(t.Name.Local)
		case xml.CharData:
			text := strings.TrimSpace(string(t))
			if text == "" {
				continue
			}
			switch current {
			case "westbc", "eastbc", "northbc", "southbc":
				if v, err := strconv.ParseFloat(text, 64); err == nil {
					coords[current] = v
				}
			case "latitude":
				if v, err := strconv.ParseFloat(text, 64); err == nil {
					ringLats = append(ringLats, v)
				}
			case "longitude":
				if v, err := strconv.ParseFloat(text, 64); err == nil {
					ringLons = append(ringLons, v)
				}
			}
			current = ""
		case xml.EndElement:
			current = ""
		}
	}

	if len(coords) == 4 {
		return &geo.BoundingBox{
			North: coords["northbc"],
			South: coords["southbc"],
			East:  coords["eastbc"],
			West:  coords["westbc"],
		}, "FGDC XML Metadata"
	}

	if len(ringLats) >= 4 && len(ringLats) == len(ringLons) {
		b := geo.BoundingBox{
			North: ringLats[0], South: ringLats[0],
			East: ringLons[0], West: ringLons[0],
		}
		for i := 1; i < len(ringLats); i++ {
			b.North = maxf(b.North, ringLats[i])
			b.South = minf(b.South, ringLats[i])
			b.East = maxf(b.East, ringLons[i])
			b.West = minf(b.West, ringLons[i])
		}
		return &b, "XML G-Polygon"
	}

	return nil, ""
}

var textCornerPatterns = map[string]*regexp.Regexp{
	"north": regexp.MustCompile(`(?i)(?:NORTH|NW_CORNER_LAT|NORTHEAST.*LAT)[:\s]+([+-]?\d+\.?\d*)`),
	"south": regexp.MustCompile(`(?i)(?:SOUTH|SW_CORNER_LAT|SOUTHWEST.*LAT)[:\s]+([+-]?\d+\.?\d*)`),
	"east":  regexp.MustCompile(`(?i)(?:EAST|NE_CORNER_LON|NORTHEAST.*LON)[:\s]+([+-]?\d+\.?\d*)`),
	"west":  regexp.MustCompile(`(?i)(?:WEST|NW_CORNER_LON|NORTHWEST.*LON)[:\s]+([+-]?\d+\.?\d*)`),
}

func parseTextSidecar(data []byte) (*geo.BoundingBox, string) {
	content := string(data)

	coords := map[string]float64{}
	for key, re := range textCornerPatterns {
		if m := re.FindStringSubmatch(content); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				coords[key] = v
			}
		}
	}
	if len(coords) == 4 {
		return &geo.BoundingBox{
			North: coords["north"],
			South: coords["south"],
			East:  coords["east"],
			West:  coords["west"],
		}, "Text Metadata File"
	}
	return nil, ""
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
