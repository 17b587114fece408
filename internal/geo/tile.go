package geo

import "math"

// TileSize is the edge length in pixels of a standard XYZ raster tile.
const TileSize = 256

// Tile addresses one slippy-map tile at a zoom level.
type Tile struct {
	X, Y, Z int
}

// WorldSizePx returns the pixel extent of the full web-mercator world
// raster at a zoom level.
func WorldSizePx(zoom int) float64 {
	return float64(int(1)<<zoom) * TileSize
}

// ProjectPx maps a coordinate to web-mercator world pixel space at a
// zoom level. Longitude is linear in x; latitude is NOT linear in y.
func ProjectPx(p LatLon, zoom int) (x, y float64) {
	world := WorldSizePx(zoom)
	x = (p.Lon + 180.0) / 360.0 * world
	latRad := toRad(p.Lat)
	y = (1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * world
	return x, y
}

// UnprojectPx inverts ProjectPx.
func UnprojectPx(x, y float64, zoom int) LatLon {
	world := WorldSizePx(zoom)
	lon := x/world*360.0 - 180.0
	latRad := math.Atan(math.Sinh(math.Pi * (1 - 2*y/world)))
	return LatLon{Lat: latRad * 180 / math.Pi, Lon: lon}
}

// TileAt returns the tile containing the given coordinate at a zoom
// level. Indices are clamped to the valid range for the zoom.
func TileAt(p LatLon, zoom int) Tile {
	px, py := ProjectPx(p, zoom)
	x := int(px / TileSize)
	y := int(py / TileSize)

	maxIdx := (1 << zoom) - 1
	return Tile{X: clampInt(x, 0, maxIdx), Y: clampInt(y, 0, maxIdx), Z: zoom}
}

// NW returns the coordinate of the tile's northwest corner.
func (t Tile) NW() LatLon {
	return UnprojectPx(float64(t.X)*TileSize, float64(t.Y)*TileSize, t.Z)
}

// TileRange is an inclusive rectangle of tile indices at one zoom level.
type TileRange struct {
	MinX, MinY, MaxX, MaxY, Zoom int
}

// RangeCovering returns the tile range covering a bounding box.
func RangeCovering(b BoundingBox, zoom int) TileRange {
	nw := TileAt(LatLon{Lat: b.North, Lon: b.West}, zoom)
	se := TileAt(LatLon{Lat: b.South, Lon: b.East}, zoom)
	return TileRange{MinX: nw.X, MinY: nw.Y, MaxX: se.X, MaxY: se.Y, Zoom: zoom}
}

// Count returns the number of tiles in the range.
func (r TileRange) Count() int {
	return (r.MaxX - r.MinX + 1) * (r.MaxY - r.MinY + 1)
}

// Bounds returns the exact geographic extent of the tile grid.
func (r TileRange) Bounds() BoundingBox {
	nw := Tile{X: r.MinX, Y: r.MinY, Z: r.Zoom}.NW()
	se := Tile{X: r.MaxX + 1, Y: r.MaxY + 1, Z: r.Zoom}.NW()
	return BoundingBox{North: nw.Lat, South: se.Lat, East: se.Lon, West: nw.Lon}
}

// ResolutionAt returns the ground resolution in meters per pixel of a
// web-mercator tile pixel at the given latitude and zoom.
func ResolutionAt(zoom int, lat float64) float64 {
	return 156543.03392 * math.Cos(toRad(lat)) / float64(int(1)<<zoom)
}

// ZoomForGSD picks the shallowest zoom whose resolution at the given
// latitude is at least as fine as targetGSD meters per pixel, clamped
// to [minZoom, maxZoom]. A non-positive target returns maxZoom-2 as a
// mid-range default; the matching stage validates quality afterwards.
func ZoomForGSD(targetGSD, lat float64, minZoom, maxZoom int) int {
	if targetGSD <= 0 {
		z := maxZoom - 2
		return clampInt(z, minZoom, maxZoom)
	}
	for z := minZoom; z <= maxZoom; z++ {
		if ResolutionAt(z, lat) <= targetGSD {
			return z
		}
	}
	return maxZoom
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
