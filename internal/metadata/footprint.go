package metadata

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"mapsync/internal/geo"
)

// USGS EarthExplorer ships {entityId}_footprint.geojson sidecars with
// the exact spatial footprint of an aerial frame.

func findFootprintFile(imagePath string) string {
	base := strings.TrimSuffix(imagePath, filepath.Ext(imagePath))
	for _, suffix := range []string{"_footprint.geojson", "footprint.geojson", ".geojson"} {
		candidate := base + suffix
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

func extractFootprint(imagePath string, width, height int) (*GeoAnchor, bool) {
	path := findFootprintFile(imagePath)
	if path == "" {
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}

	bound, ok := footprintBound(data)
	if !ok {
		return nil, false
	}

	bounds := geo.FromBound(bound)
	if !plausibleLatLon(bounds.Center().Lat, bounds.Center().Lon) {
		return nil, false
	}
	gsd := geo.EstimateGSD(bounds, width, height)
	return anchorFromBounds(KindFootprint, bounds, gsd, "GeoJSON Footprint"), true
}

// footprintBound extracts the bound of the first geometry in a GeoJSON
// document, accepting FeatureCollection, Feature, or bare Geometry.
func footprintBound(data []byte) (b orb.Bound, ok bool) {
	if fc, err := geojson.UnmarshalFeatureCollection(data); err == nil {
		if len(fc.Features) == 0 || fc.Features[0].Geometry == nil {
			return b, false
		}
		return fc.Features[0].Geometry.Bound(), true
	}
	if f, err := geojson.UnmarshalFeature(data); err == nil {
		if f.Geometry == nil {
			return b, false
		}
		return f.Geometry.Bound(), true
	}
	if g, err := geojson.UnmarshalGeometry(data); err == nil {
		return g.Geometry().Bound(), true
	}
	return b, false
}
