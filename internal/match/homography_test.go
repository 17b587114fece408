package match

import (
	"math"
	"math/rand"
	"testing"

	"mapsync/pkg/geometry"
)

// testHomography is a mild projective distortion with known values.
var testHomography = Homography{M: [9]float64{
	1.05, 0.02, 12.0,
	-0.03, 0.98, -7.5,
	1e-5, -2e-5, 1,
}}

func correspondences(rng *rand.Rand, n int) (src, dst []geometry.Point2D) {
	for i := 0; i < n; i++ {
		p := geometry.Point2D{
			X: rng.Float64() * 1000,
			Y: rng.Float64() * 800,
		}
		src = append(src, p)
		dst = append(dst, testHomography.Apply(p))
	}
	return src, dst
}

func TestComputeHomographyRANSACRecoversTransform(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	src, dst := correspondences(rng, 40)

	// Plant gross outliers after the clean points.
	outlierStart := len(src)
	for i := 0; i < 8; i++ {
		src = append(src, geometry.Point2D{X: rng.Float64() * 1000, Y: rng.Float64() * 800})
		dst = append(dst, geometry.Point2D{X: rng.Float64() * 1000, Y: rng.Float64() * 800})
	}

	h, inliers, err := ComputeHomographyRANSAC(src, dst, 2000, 3.0, rng)
	if err != nil {
		t.Fatalf("ComputeHomographyRANSAC: %v", err)
	}

	if len(inliers) < outlierStart-2 {
		t.Errorf("found %d inliers, want close to %d clean points", len(inliers), outlierStart)
	}
	for _, idx := range inliers {
		if idx >= outlierStart {
			t.Errorf("planted outlier %d accepted as inlier", idx)
		}
	}

	for _, probe := range []geometry.Point2D{{X: 0, Y: 0}, {X: 500, Y: 400}, {X: 999, Y: 1}} {
		want := testHomography.Apply(probe)
		got := h.Apply(probe)
		if got.Distance(want) > 0.5 {
			t.Errorf("H(%v) = %v, want %v", probe, got, want)
		}
	}
}

func TestComputeHomographyRANSACDeterministicWithSeed(t *testing.T) {
	set := func() ([]geometry.Point2D, []geometry.Point2D) {
		rng := rand.New(rand.NewSource(11))
		src, dst := correspondences(rng, 30)
		for i := 0; i < 10; i++ {
			src = append(src, geometry.Point2D{X: rng.Float64() * 1000, Y: rng.Float64() * 800})
			dst = append(dst, geometry.Point2D{X: rng.Float64() * 1000, Y: rng.Float64() * 800})
		}
		return src, dst
	}

	srcA, dstA := set()
	_, inliersA, err := ComputeHomographyRANSAC(srcA, dstA, 500, 3.0, rand.New(rand.NewSource(42)))
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	srcB, dstB := set()
	_, inliersB, err := ComputeHomographyRANSAC(srcB, dstB, 500, 3.0, rand.New(rand.NewSource(42)))
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if len(inliersA) != len(inliersB) {
		t.Fatalf("inlier counts differ: %d vs %d", len(inliersA), len(inliersB))
	}
	for i := range inliersA {
		if inliersA[i] != inliersB[i] {
			t.Fatalf("inlier sets diverge at %d: %d vs %d", i, inliersA[i], inliersB[i])
		}
	}
}

func TestComputeHomographyRANSACRejectsBadInput(t *testing.T) {
	pts := []geometry.Point2D{{X: 1, Y: 1}, {X: 2, Y: 2}, {X: 3, Y: 1}}
	if _, _, err := ComputeHomographyRANSAC(pts, pts, 100, 3.0, nil); err == nil {
		t.Error("accepted fewer than 4 points")
	}
	if _, _, err := ComputeHomographyRANSAC(pts, pts[:2], 100, 3.0, nil); err == nil {
		t.Error("accepted mismatched point counts")
	}
}

func TestHomographyApplyDegenerateDenominator(t *testing.T) {
	h := Homography{M: [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 0}}
	p := h.Apply(geometry.Point2D{X: 5, Y: 5})
	if !math.IsInf(p.X, 1) {
		t.Errorf("expected infinite projection for zero denominator, got %v", p)
	}
}
