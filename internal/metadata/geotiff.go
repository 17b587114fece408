package metadata

import (
	"os"

	"github.com/rwcarlsen/goexif/tiff"

	"mapsync/internal/geo"
)

// GeoTIFF positioning tags. Only the degenerate-rotation form
// (pixel scale + one tiepoint) is handled; that covers the vast
// majority of georeferenced USGS aerials. A projected CRS is detected
// via the geo-key directory and skipped, since pixel scale would then
// be in projected units rather than degrees.
const (
	tagModelPixelScale   = 33550
	tagModelTiepoint     = 33922
	tagGeoKeyDirectory   = 34735
	geoKeyModelType      = 1024
	modelTypeGeographic  = 2
)

func extractGeoTransform(imagePath string, width, height int) (*GeoAnchor, bool) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	tf, err := tiff.Decode(f)
	if err != nil || len(tf.Dirs) == 0 {
		return nil, false
	}

	var scale, tiepoint, geoKeys *tiff.Tag
	for _, tag := range tf.Dirs[0].Tags {
		switch tag.Id {
		case tagModelPixelScale:
			scale = tag
		case tagModelTiepoint:
			tiepoint = tag
		case tagGeoKeyDirectory:
			geoKeys = tag
		}
	}
	if scale == nil || tiepoint == nil {
		return nil, false
	}
	if geoKeys != nil && !isGeographicModel(geoKeys) {
		return nil, false
	}

	scaleX, err1 := scale.Float(0)
	scaleY, err2 := scale.Float(1)
	if err1 != nil || err2 != nil || scaleX <= 0 || scaleY <= 0 {
		return nil, false
	}

	// Tiepoint is (i, j, k, x, y, z): raster point → model point.
	px, err1 := tiepoint.Float(0)
	py, err2 := tiepoint.Float(1)
	originX, err3 := tiepoint.Float(3)
	originY, err4 := tiepoint.Float(4)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return nil, false
	}

	// Shift the tiepoint back to the raster origin.
	west := originX - px*scaleX
	north := originY + py*scaleY

	bounds := geo.BoundingBox{
		North: north,
		South: north - float64(height)*scaleY,
		East:  west + float64(width)*scaleX,
		West:  west,
	}
	if !plausibleLatLon(bounds.Center().Lat, bounds.Center().Lon) {
		return nil, false
	}

	gsd := (degreesToMetersAt(scaleX, bounds.Center().Lat) +
		scaleY*geo.MetersPerDegreeLat) / 2

	return anchorFromBounds(KindGeoTransform, bounds, gsd, "GeoTIFF GeoTransform"), true
}

// isGeographicModel reads GTModelTypeGeoKey from the geo-key directory.
// Entries are quads of SHORTs: key id, location, count, value.
func isGeographicModel(dir *tiff.Tag) bool {
	n := int(dir.Count)
	for i := 4; i+3 < n; i += 4 {
		keyID, err := dir.Int(i)
		if err != nil {
			return false
		}
		if keyID == geoKeyModelType {
			v, err := dir.Int(i + 3)
			return err == nil && v == modelTypeGeographic
		}
	}
	// No model-type key recorded; assume geographic and let the
	// plausibility check reject projected coordinates.
	return true
}
