package metadata

import (
	"os"

	"github.com/rwcarlsen/goexif/exif"

	"mapsync/internal/geo"
)

// extractEXIFGPS reads embedded camera GPS tags. A GPS fix is only a
// point; the anchor carries no bounds and no GSD, and the caller
// synthesizes a search box around the center.
func extractEXIFGPS(imagePath string, width, height int) (*GeoAnchor, bool) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	x, err := exif.Decode(f)
	if err != nil {
		return nil, false
	}

	lat, lon, err := x.LatLong()
	if err != nil {
		return nil, false
	}
	if !plausibleLatLon(lat, lon) || (lat == 0 && lon == 0) {
		return nil, false
	}

	return &GeoAnchor{
		Kind:   KindEXIFGPS,
		Center: geo.LatLon{Lat: lat, Lon: lon},
		Source: "EXIF GPS",
	}, true
}
