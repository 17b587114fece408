// Package geo provides geographic primitives: WGS84 points, bounding
// boxes with span validation, great-circle distances, and slippy-map
// tile arithmetic.
package geo

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

const (
	// EarthRadiusM is the mean earth radius in meters (spherical model).
	EarthRadiusM = 6371000.0

	// MetersPerDegreeLat is the approximate north-south extent of one
	// degree of latitude. Longitude shrinks with cos(lat).
	MetersPerDegreeLat = 111111.0
)

// LatLon is a WGS84 geographic coordinate.
type LatLon struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Point returns the coordinate as an orb.Point (lon/lat ordered).
func (l LatLon) Point() orb.Point {
	return orb.Point{l.Lon, l.Lat}
}

// Distance returns the great-circle distance in meters to another point.
func (l LatLon) Distance(other LatLon) float64 {
	dLat := toRad(other.Lat - l.Lat)
	dLon := toRad(other.Lon - l.Lon)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(l.Lat))*math.Cos(toRad(other.Lat))*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusM * c
}

// BoundingBox is an axis-aligned geographic box in degrees.
type BoundingBox struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

// InvalidBoundingBoxError reports a box rejected by Validate, with the
// offending spans so callers can show actionable limits.
type InvalidBoundingBoxError struct {
	Reason  string
	LatSpan float64
	LonSpan float64
}

func (e *InvalidBoundingBoxError) Error() string {
	return fmt.Sprintf("invalid bounding box: %s (%.5f° x %.5f°)",
		e.Reason, e.LatSpan, e.LonSpan)
}

// SpanLimits bounds acceptable bounding-box extents in degrees.
type SpanLimits struct {
	Min float64
	Max float64
}

// DefaultSpanLimits matches typical aerial-frame footprints: roughly
// 100 m at the low end and 50 km at the high end.
func DefaultSpanLimits() SpanLimits {
	return SpanLimits{Min: 0.001, Max: 0.5}
}

// LatSpan returns the north-south extent in degrees.
func (b BoundingBox) LatSpan() float64 { return b.North - b.South }

// LonSpan returns the east-west extent in degrees, normalized across
// the antimeridian.
func (b BoundingBox) LonSpan() float64 {
	span := b.East - b.West
	if span < 0 {
		span += 360
	}
	return span
}

// Center returns the geographic center of the box.
func (b BoundingBox) Center() LatLon {
	lon := b.West + b.LonSpan()/2
	if lon > 180 {
		lon -= 360
	}
	return LatLon{Lat: (b.North + b.South) / 2, Lon: lon}
}

// Contains reports whether the point lies strictly inside the box.
func (b BoundingBox) Contains(p LatLon) bool {
	if p.Lat <= b.South || p.Lat >= b.North {
		return false
	}
	if b.East >= b.West {
		return p.Lon > b.West && p.Lon < b.East
	}
	// Antimeridian crossing
	return p.Lon > b.West || p.Lon < b.East
}

// Bound returns the box as an orb.Bound.
func (b BoundingBox) Bound() orb.Bound {
	return orb.Bound{
		Min: orb.Point{b.West, b.South},
		Max: orb.Point{b.East, b.North},
	}
}

// FromBound builds a BoundingBox from an orb.Bound.
func FromBound(bound orb.Bound) BoundingBox {
	return BoundingBox{
		North: bound.Max[1],
		South: bound.Min[1],
		East:  bound.Max[0],
		West:  bound.Min[0],
	}
}

// Validate rejects degenerate or out-of-range boxes. Both spans must be
// positive; at least one span must reach limits.Min, and neither may
// exceed limits.Max.
func (b BoundingBox) Validate(limits SpanLimits) error {
	latSpan := b.LatSpan()
	lonSpan := b.LonSpan()

	if latSpan <= 0 {
		return &InvalidBoundingBoxError{Reason: "north must be greater than south", LatSpan: latSpan, LonSpan: lonSpan}
	}
	// LonSpan normalizes across the antimeridian, but the tile grid
	// does not wrap; a crossing box would produce an inverted range.
	if b.East <= b.West {
		return &InvalidBoundingBoxError{Reason: "east must be greater than west (boxes may not cross the antimeridian)", LatSpan: latSpan, LonSpan: lonSpan}
	}
	if b.North > 85.06 || b.South < -85.06 {
		return &InvalidBoundingBoxError{Reason: "latitude outside web-mercator range", LatSpan: latSpan, LonSpan: lonSpan}
	}
	if latSpan > limits.Max || lonSpan > limits.Max {
		return &InvalidBoundingBoxError{
			Reason:  fmt.Sprintf("area too large (max span %.3f°)", limits.Max),
			LatSpan: latSpan, LonSpan: lonSpan,
		}
	}
	if latSpan < limits.Min && lonSpan < limits.Min {
		return &InvalidBoundingBoxError{
			Reason:  fmt.Sprintf("area too small (min span %.3f°)", limits.Min),
			LatSpan: latSpan, LonSpan: lonSpan,
		}
	}
	return nil
}

// BoxAround returns a box centered on a point extending radiusM meters
// in each cardinal direction.
func BoxAround(center LatLon, radiusM float64) BoundingBox {
	latDelta := radiusM / MetersPerDegreeLat
	lonDelta := radiusM / (MetersPerDegreeLat * math.Cos(toRad(center.Lat)))
	return BoundingBox{
		North: center.Lat + latDelta,
		South: center.Lat - latDelta,
		East:  center.Lon + lonDelta,
		West:  center.Lon - lonDelta,
	}
}

// EstimateGSD estimates the ground sample distance, in meters per
// pixel, of an image known to cover the box.
func EstimateGSD(b BoundingBox, widthPx, heightPx int) float64 {
	if widthPx <= 0 || heightPx <= 0 {
		return 0
	}
	centerLat := (b.North + b.South) / 2

	heightM := b.LatSpan() * MetersPerDegreeLat
	widthM := b.LonSpan() * MetersPerDegreeLat * math.Cos(toRad(centerLat))

	gsdY := heightM / float64(heightPx)
	gsdX := widthM / float64(widthPx)
	return (gsdX + gsdY) / 2
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}
