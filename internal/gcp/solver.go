package gcp

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"mapsync/internal/geo"
)

// Transform maps original-image pixel coordinates to geographic
// coordinates with a thin-plate spline fitted through the control
// points. The spline interpolates exactly at the control points; with
// exactly three points it degenerates to an affine map.
type Transform struct {
	centers []ControlPoint
	// Per-axis spline coefficients: n radial weights followed by the
	// affine terms (1, x, y).
	wLon []float64
	wLat []float64
}

// Residual is the reprojection error of one control point in meters.
type Residual struct {
	GCPID  int     `json:"gcp_id"`
	ErrorM float64 `json:"error_m"`
}

// TransformResult reports fit quality for a solved transform.
type TransformResult struct {
	Residuals []Residual `json:"residuals"`
	RMSErrorM float64    `json:"rms_error_m"`
}

// Solve fits a thin-plate spline through the control points. The set
// must pass ValidateSet; Solve re-checks only the degeneracies that
// break the linear system and reports them as *DegenerateSetError.
func Solve(points []ControlPoint) (*Transform, error) {
	if err := ValidateSet(points, 0, 0); err != nil {
		return nil, err
	}
	n := len(points)
	dim := n + 3

	// Bending-energy system [[K P] [Pᵀ 0]] · [w a]ᵀ = [v 0]ᵀ,
	// solved independently for the lon and lat target values.
	l := mat.NewDense(dim, dim, nil)
	for i := 0; i < n; i++ {
		pi := points[i].Pixel()
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			l.Set(i, j, tpsKernel(pi.Distance(points[j].Pixel())))
		}
		l.Set(i, n, 1)
		l.Set(i, n+1, points[i].PixelX)
		l.Set(i, n+2, points[i].PixelY)
		l.Set(n, i, 1)
		l.Set(n+1, i, points[i].PixelX)
		l.Set(n+2, i, points[i].PixelY)
	}

	rhs := mat.NewDense(dim, 2, nil)
	for i, p := range points {
		rhs.Set(i, 0, p.Lon)
		rhs.Set(i, 1, p.Lat)
	}

	var coef mat.Dense
	if err := coef.Solve(l, rhs); err != nil {
		return nil, &DegenerateSetError{
			Reason: fmt.Sprintf("spline system is singular: %v", err),
		}
	}

	t := &Transform{
		centers: append([]ControlPoint(nil), points...),
		wLon:    make([]float64, dim),
		wLat:    make([]float64, dim),
	}
	for i := 0; i < dim; i++ {
		t.wLon[i] = coef.At(i, 0)
		t.wLat[i] = coef.At(i, 1)
	}
	return t, nil
}

// tpsKernel is the thin-plate radial basis U(r) = r² log r².
func tpsKernel(r float64) float64 {
	if r == 0 {
		return 0
	}
	r2 := r * r
	return r2 * math.Log(r2)
}

// Apply maps a pixel position to geographic coordinates.
func (t *Transform) Apply(px, py float64) geo.LatLon {
	n := len(t.centers)
	lon := t.wLon[n] + t.wLon[n+1]*px + t.wLon[n+2]*py
	lat := t.wLat[n] + t.wLat[n+1]*px + t.wLat[n+2]*py
	for i, c := range t.centers {
		u := tpsKernel(math.Hypot(px-c.PixelX, py-c.PixelY))
		lon += t.wLon[i] * u
		lat += t.wLat[i] * u
	}
	return geo.LatLon{Lat: lat, Lon: lon}
}

// Evaluate reprojects each control point through the transform and
// measures the great-circle error in meters.
func Evaluate(t *Transform, points []ControlPoint) TransformResult {
	res := TransformResult{Residuals: make([]Residual, 0, len(points))}
	var sumSq float64
	for _, p := range points {
		got := t.Apply(p.PixelX, p.PixelY)
		d := got.Distance(geo.LatLon{Lat: p.Lat, Lon: p.Lon})
		res.Residuals = append(res.Residuals, Residual{GCPID: p.ID, ErrorM: d})
		sumSq += d * d
	}
	if len(points) > 0 {
		res.RMSErrorM = math.Sqrt(sumSq / float64(len(points)))
	}
	return res
}

// Bounds projects the four image corners through the transform to an
// axis-aligned geographic box.
func Bounds(t *Transform, width, height int) geo.BoundingBox {
	w, h := float64(width), float64(height)
	corners := []geo.LatLon{
		t.Apply(0, 0),
		t.Apply(w, 0),
		t.Apply(w, h),
		t.Apply(0, h),
	}
	b := geo.BoundingBox{
		North: corners[0].Lat, South: corners[0].Lat,
		East: corners[0].Lon, West: corners[0].Lon,
	}
	for _, c := range corners[1:] {
		b.North = math.Max(b.North, c.Lat)
		b.South = math.Min(b.South, c.Lat)
		b.East = math.Max(b.East, c.Lon)
		b.West = math.Min(b.West, c.Lon)
	}
	return b
}
