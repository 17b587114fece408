package metadata

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"mapsync/internal/geo"
)

// World files are six-line affine sidecars: pixel size x, row rotation,
// column rotation, pixel size y (negative), then the map coordinates of
// the upper-left pixel center. Coordinates are assumed to be WGS84
// degrees; projected world files produce out-of-range values that fail
// bounding-box validation downstream.

var worldFileExts = []string{".tfw", ".tifw", ".tiffw", ".wld"}

// findWorldFile locates a world-file sidecar next to the image.
func findWorldFile(imagePath string) string {
	base := strings.TrimSuffix(imagePath, filepath.Ext(imagePath))
	for _, ext := range worldFileExts {
		for _, candidate := range []string{base + ext, base + strings.ToUpper(ext)} {
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return ""
}

func extractWorldFile(imagePath string, width, height int) (*GeoAnchor, bool) {
	path := findWorldFile(imagePath)
	if path == "" {
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}

	var params []float64
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		v, err := strconv.ParseFloat(line, 64)
		if err != nil {
			return nil, false
		}
		params = append(params, v)
		if len(params) == 6 {
			break
		}
	}
	if len(params) < 6 {
		return nil, false
	}

	pxSizeX := params[0]
	rotY := params[1]
	rotX := params[2]
	pxSizeY := params[3]
	// Shift from the center of the upper-left pixel to its corner.
	ulX := params[4] - pxSizeX/2
	ulY := params[5] - pxSizeY/2

	w := float64(width)
	h := float64(height)

	// Project all four corners; rotation terms are usually zero but a
	// skewed world file still yields a correct bounding box this way.
	xs := []float64{
		ulX,
		ulX + w*pxSizeX,
		ulX + h*rotY,
		ulX + w*pxSizeX + h*rotY,
	}
	ys := []float64{
		ulY,
		ulY + w*rotX,
		ulY + h*pxSizeY,
		ulY + w*rotX + h*pxSizeY,
	}

	bounds := geo.BoundingBox{North: ys[0], South: ys[0], East: xs[0], West: xs[0]}
	for i := 1; i < 4; i++ {
		if ys[i] > bounds.North {
			bounds.North = ys[i]
		}
		if ys[i] < bounds.South {
			bounds.South = ys[i]
		}
		if xs[i] > bounds.East {
			bounds.East = xs[i]
		}
		if xs[i] < bounds.West {
			bounds.West = xs[i]
		}
	}
	if !plausibleLatLon(bounds.Center().Lat, bounds.Center().Lon) {
		return nil, false
	}

	gsd := (degreesToMetersAt(abs(pxSizeX), bounds.Center().Lat) +
		abs(pxSizeY)*geo.MetersPerDegreeLat) / 2

	return anchorFromBounds(KindWorldFile, bounds, gsd, "World File ("+filepath.Ext(path)+")"), true
}

func plausibleLatLon(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

func degreesToMetersAt(deg, lat float64) float64 {
	return deg * geo.MetersPerDegreeLat * cosDeg(lat)
}
