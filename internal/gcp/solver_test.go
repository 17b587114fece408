package gcp

import (
	"errors"
	"math"
	"testing"
)

// syntheticPoints generates control points on a known linear ground
// model so residuals of an exact fit are zero.
func syntheticPoints(pixels [][2]float64) []ControlPoint {
	const (
		originLat = 34.62
		originLon = -90.42
		latPerPx  = -1e-5
		lonPerPx  = 1.2e-5
	)
	pts := make([]ControlPoint, 0, len(pixels))
	for i, px := range pixels {
		pts = append(pts, ControlPoint{
			ID:     i + 1,
			PixelX: px[0],
			PixelY: px[1],
			Lat:    originLat + latPerPx*px[1],
			Lon:    originLon + lonPerPx*px[0],
		})
	}
	return pts
}

func TestSolveThreePointsExact(t *testing.T) {
	pts := syntheticPoints([][2]float64{{100, 100}, {900, 150}, {450, 800}})

	tr, err := Solve(pts)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}

	res := Evaluate(tr, pts)
	if res.RMSErrorM > 0.01 {
		t.Errorf("three-point fit should interpolate exactly, RMS = %.4f m", res.RMSErrorM)
	}
	for _, r := range res.Residuals {
		if r.ErrorM > 0.01 {
			t.Errorf("point %d residual %.4f m, want ~0", r.GCPID, r.ErrorM)
		}
	}

	// A three-point spline is an affine map; an unseen pixel on the
	// same linear model must land on it too.
	got := tr.Apply(500, 500)
	wantLat := 34.62 - 1e-5*500
	wantLon := -90.42 + 1.2e-5*500
	if math.Abs(got.Lat-wantLat) > 1e-7 || math.Abs(got.Lon-wantLon) > 1e-7 {
		t.Errorf("Apply(500,500) = (%.8f, %.8f), want (%.8f, %.8f)",
			got.Lat, got.Lon, wantLat, wantLon)
	}
}

func TestSolveInterpolatesAtControlPoints(t *testing.T) {
	// Non-linear ground truth: the spline must still pass through
	// every control point exactly.
	pts := syntheticPoints([][2]float64{
		{50, 50}, {950, 80}, {920, 900}, {80, 880}, {500, 470}, {300, 700},
	})
	pts[4].Lat += 0.0005 // local warp

	tr, err := Solve(pts)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	res := Evaluate(tr, pts)
	if res.RMSErrorM > 0.01 {
		t.Errorf("spline should interpolate control points, RMS = %.4f m", res.RMSErrorM)
	}
}

func TestEvaluateFlagsPerturbedPoint(t *testing.T) {
	pts := syntheticPoints([][2]float64{
		{50, 50}, {950, 80}, {920, 900}, {80, 880}, {500, 470},
	})

	tr, err := Solve(pts)
	if err != nil {
		t.Fatalf("Solve clean set: %v", err)
	}
	clean := Evaluate(tr, pts)

	// Shift one point's ground coordinate roughly 200 m north and
	// evaluate it against the clean transform.
	bad := pts[2]
	bad.Lat += 200.0 / 111111.0
	perturbed := Evaluate(tr, []ControlPoint{bad})

	if perturbed.Residuals[0].ErrorM < 150 {
		t.Errorf("perturbed point residual %.1f m, want ~200", perturbed.Residuals[0].ErrorM)
	}
	if perturbed.Residuals[0].ErrorM <= clean.RMSErrorM {
		t.Errorf("perturbed residual %.1f m should exceed clean RMS %.4f m",
			perturbed.Residuals[0].ErrorM, clean.RMSErrorM)
	}
}

func TestSolveOrderInvariant(t *testing.T) {
	pts := syntheticPoints([][2]float64{
		{50, 50}, {950, 80}, {920, 900}, {80, 880}, {500, 470},
	})
	reversed := make([]ControlPoint, len(pts))
	for i, p := range pts {
		reversed[len(pts)-1-i] = p
	}

	a, err := Solve(pts)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	b, err := Solve(reversed)
	if err != nil {
		t.Fatalf("Solve reversed: %v", err)
	}

	for _, probe := range [][2]float64{{0, 0}, {333, 777}, {999, 12}} {
		pa := a.Apply(probe[0], probe[1])
		pb := b.Apply(probe[0], probe[1])
		if math.Abs(pa.Lat-pb.Lat) > 1e-7 || math.Abs(pa.Lon-pb.Lon) > 1e-7 {
			t.Errorf("order-dependent result at (%.0f, %.0f): (%v) vs (%v)",
				probe[0], probe[1], pa, pb)
		}
	}
}

func TestSolveRejectsDegenerateSets(t *testing.T) {
	cases := []struct {
		name string
		pts  []ControlPoint
	}{
		{"too few", syntheticPoints([][2]float64{{10, 10}, {20, 20}})},
		{"collinear", syntheticPoints([][2]float64{{10, 10}, {500, 500}, {900, 900}})},
		{"duplicate pixels", func() []ControlPoint {
			pts := syntheticPoints([][2]float64{{10, 10}, {10.1, 10.1}, {900, 100}})
			return pts
		}()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Solve(tc.pts)
			var degen *DegenerateSetError
			if !errors.As(err, &degen) {
				t.Fatalf("want DegenerateSetError, got %v", err)
			}
		})
	}
}

func TestValidateSetBounds(t *testing.T) {
	pts := syntheticPoints([][2]float64{{100, 100}, {900, 150}, {450, 800}})
	if err := ValidateSet(pts, 1000, 1000); err != nil {
		t.Fatalf("in-bounds set rejected: %v", err)
	}
	if err := ValidateSet(pts, 800, 800); err == nil {
		t.Error("out-of-bounds point accepted")
	}
}

func TestBoundsCoversCorners(t *testing.T) {
	pts := syntheticPoints([][2]float64{{100, 100}, {900, 150}, {450, 800}})
	tr, err := Solve(pts)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	b := Bounds(tr, 1000, 1000)
	if b.North <= b.South || b.East <= b.West {
		t.Fatalf("inverted bounds: %+v", b)
	}
	nw := tr.Apply(0, 0)
	if nw.Lat > b.North+1e-12 || nw.Lon < b.West-1e-12 {
		t.Errorf("corner (%v) escapes bounds %+v", nw, b)
	}
}
