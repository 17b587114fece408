package match

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"

	"mapsync/pkg/geometry"
)

// Homography is a 3x3 projective transform in row-major order with
// the bottom-right element fixed at 1.
type Homography struct {
	M [9]float64
}

// Apply maps a point through the homography.
func (h Homography) Apply(p geometry.Point2D) geometry.Point2D {
	w := h.M[6]*p.X + h.M[7]*p.Y + h.M[8]
	if math.Abs(w) < 1e-12 {
		return geometry.Point2D{X: math.Inf(1), Y: math.Inf(1)}
	}
	return geometry.Point2D{
		X: (h.M[0]*p.X + h.M[1]*p.Y + h.M[2]) / w,
		Y: (h.M[3]*p.X + h.M[4]*p.Y + h.M[5]) / w,
	}
}

// ComputeHomographyRANSAC estimates a homography from point
// correspondences using a pure Go RANSAC loop. The supplied RNG makes
// runs reproducible; pass nil for a default source.
func ComputeHomographyRANSAC(srcPoints, dstPoints []geometry.Point2D, iterations int, threshold float64, rng *rand.Rand) (Homography, []int, error) {
	if len(srcPoints) != len(dstPoints) {
		return Homography{}, nil, fmt.Errorf("point count mismatch: %d vs %d", len(srcPoints), len(dstPoints))
	}
	if len(srcPoints) < 4 {
		return Homography{}, nil, fmt.Errorf("need at least 4 points, got %d", len(srcPoints))
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}

	n := len(srcPoints)
	bestInliers := []int{}
	var bestH Homography

	for iter := 0; iter < iterations; iter++ {
		indices := rng.Perm(n)[:4]

		sample := make([]geometry.Point2D, 4)
		target := make([]geometry.Point2D, 4)
		for i, idx := range indices {
			sample[i] = srcPoints[idx]
			target[i] = dstPoints[idx]
		}

		h, err := computeHomographyFromPoints(sample, target)
		if err != nil {
			continue
		}

		var inliers []int
		for i := range srcPoints {
			transformed := h.Apply(srcPoints[i])
			if transformed.Distance(dstPoints[i]) < threshold {
				inliers = append(inliers, i)
			}
		}

		if len(inliers) > len(bestInliers) {
			bestInliers = inliers
			bestH = h
		}
	}

	if len(bestInliers) < 4 {
		return Homography{}, nil, fmt.Errorf("RANSAC failed to find enough inliers")
	}

	inlierSrc := make([]geometry.Point2D, len(bestInliers))
	inlierDst := make([]geometry.Point2D, len(bestInliers))
	for i, idx := range bestInliers {
		inlierSrc[i] = srcPoints[idx]
		inlierDst[i] = dstPoints[idx]
	}

	finalH, err := computeHomographyLeastSquares(inlierSrc, inlierDst)
	if err != nil {
		return bestH, bestInliers, nil
	}

	return finalH, bestInliers, nil
}

// computeHomographyFromPoints solves the homography from exactly 4
// point pairs with h33 pinned to 1.
func computeHomographyFromPoints(src, dst []geometry.Point2D) (Homography, error) {
	if len(src) != 4 || len(dst) != 4 {
		return Homography{}, fmt.Errorf("need exactly 4 points")
	}

	A := mat.NewDense(8, 8, nil)
	B := mat.NewVecDense(8, nil)

	for i := 0; i < 4; i++ {
		x, y := src[i].X, src[i].Y
		xp, yp := dst[i].X, dst[i].Y

		// x' = (h1*x + h2*y + h3) / (h7*x + h8*y + 1)
		A.Set(i*2, 0, x)
		A.Set(i*2, 1, y)
		A.Set(i*2, 2, 1)
		A.Set(i*2, 6, -x*xp)
		A.Set(i*2, 7, -y*xp)
		B.SetVec(i*2, xp)

		// y' = (h4*x + h5*y + h6) / (h7*x + h8*y + 1)
		A.Set(i*2+1, 3, x)
		A.Set(i*2+1, 4, y)
		A.Set(i*2+1, 5, 1)
		A.Set(i*2+1, 6, -x*yp)
		A.Set(i*2+1, 7, -y*yp)
		B.SetVec(i*2+1, yp)
	}

	var params mat.VecDense
	if err := params.SolveVec(A, B); err != nil {
		return Homography{}, err
	}

	return homographyFromParams(&params), nil
}

// computeHomographyLeastSquares refits the homography over all inlier
// correspondences using QR decomposition.
func computeHomographyLeastSquares(src, dst []geometry.Point2D) (Homography, error) {
	n := len(src)
	if n < 4 {
		return Homography{}, fmt.Errorf("need at least 4 points")
	}

	A := mat.NewDense(n*2, 8, nil)
	B := mat.NewVecDense(n*2, nil)

	for i := 0; i < n; i++ {
		x, y := src[i].X, src[i].Y
		xp, yp := dst[i].X, dst[i].Y

		A.Set(i*2, 0, x)
		A.Set(i*2, 1, y)
		A.Set(i*2, 2, 1)
		A.Set(i*2, 6, -x*xp)
		A.Set(i*2, 7, -y*xp)
		B.SetVec(i*2, xp)

		A.Set(i*2+1, 3, x)
		A.Set(i*2+1, 4, y)
		A.Set(i*2+1, 5, 1)
		A.Set(i*2+1, 6, -x*yp)
		A.Set(i*2+1, 7, -y*yp)
		B.SetVec(i*2+1, yp)
	}

	var qr mat.QR
	qr.Factorize(A)

	var params mat.VecDense
	if err := qr.SolveVecTo(&params, false, B); err != nil {
		return Homography{}, err
	}

	return homographyFromParams(&params), nil
}

func homographyFromParams(params *mat.VecDense) Homography {
	var h Homography
	for i := 0; i < 8; i++ {
		h.M[i] = params.AtVec(i)
	}
	h.M[8] = 1
	return h
}
