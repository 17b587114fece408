// Package gcp models ground control points and fits the pixel-to-
// geographic transform with per-point residual error.
package gcp

import (
	"fmt"
	"math"

	"mapsync/pkg/geometry"
)

// MinPoints is the mathematical minimum to fit any transform.
// MinExportPoints is the policy minimum enforced before a result is
// considered exportable; it is not an algorithmic requirement.
const (
	MinPoints       = 3
	MinExportPoints = 5
)

// ControlPoint pairs an original-image pixel position with a
// geographic coordinate. IDs are 1-based and contiguous within a set.
type ControlPoint struct {
	ID     int     `json:"id"`
	PixelX float64 `json:"pixel_x"`
	PixelY float64 `json:"pixel_y"`
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
}

// Pixel returns the pixel position as a geometry point.
func (c ControlPoint) Pixel() geometry.Point2D {
	return geometry.Point2D{X: c.PixelX, Y: c.PixelY}
}

// DegenerateSetError rejects a GCP set that cannot constrain a
// transform: too few points, duplicates, or collinearity.
type DegenerateSetError struct {
	Reason string
}

func (e *DegenerateSetError) Error() string {
	return "degenerate control point set: " + e.Reason
}

// duplicateTolerancePx treats pixel positions closer than this as the
// same point.
const duplicateTolerancePx = 0.5

// ValidateSet checks a GCP set for fit-breaking degeneracies. Width
// and height bound the original image pixel space; pass zeros to skip
// the bounds check when dimensions are unknown.
func ValidateSet(points []ControlPoint, width, height int) error {
	if len(points) < MinPoints {
		return &DegenerateSetError{
			Reason: fmt.Sprintf("need at least %d points, got %d", MinPoints, len(points)),
		}
	}

	if width > 0 && height > 0 {
		for _, p := range points {
			if p.PixelX < 0 || p.PixelX >= float64(width) ||
				p.PixelY < 0 || p.PixelY >= float64(height) {
				return &DegenerateSetError{
					Reason: fmt.Sprintf("point %d at (%.1f, %.1f) outside image %dx%d",
						p.ID, p.PixelX, p.PixelY, width, height),
				}
			}
		}
	}

	for i := range points {
		for j := i + 1; j < len(points); j++ {
			if points[i].Pixel().Distance(points[j].Pixel()) < duplicateTolerancePx {
				return &DegenerateSetError{
					Reason: fmt.Sprintf("points %d and %d share a pixel position",
						points[i].ID, points[j].ID),
				}
			}
		}
	}

	if collinear(points) {
		return &DegenerateSetError{Reason: "all points are collinear"}
	}
	return nil
}

// collinear reports whether every point lies on one line, within a
// tolerance scaled by the span of the set.
func collinear(points []ControlPoint) bool {
	p0 := points[0].Pixel()

	// Find the point farthest from p0 to define the line direction.
	var dir geometry.Point2D
	maxDist := 0.0
	for _, p := range points[1:] {
		d := p0.Distance(p.Pixel())
		if d > maxDist {
			maxDist = d
			dir = p.Pixel().Sub(p0)
		}
	}
	if maxDist == 0 {
		return true
	}

	// Perpendicular distance of each point from the p0→dir line.
	tolerance := maxDist * 1e-6
	if tolerance < duplicateTolerancePx {
		tolerance = duplicateTolerancePx
	}
	for _, p := range points {
		v := p.Pixel().Sub(p0)
		cross := math.Abs(dir.X*v.Y - dir.Y*v.X)
		if cross/maxDist > tolerance {
			return false
		}
	}
	return true
}
