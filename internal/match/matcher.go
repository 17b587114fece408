// Package match finds pixel↔geographic correspondences between an
// aerial photo and a reference mosaic using feature detection, ratio
// matching, and robust homography estimation.
package match

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"math"
	"math/rand"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"

	"mapsync/internal/gcp"
	"mapsync/internal/imaging"
	"mapsync/internal/metrics"
	"mapsync/internal/mosaic"
	"mapsync/pkg/geometry"
)

// Options controls the matching pipeline.
type Options struct {
	// MaxFeatures caps the ORB fallback detector's feature budget.
	MaxFeatures int
	// RatioThreshold is the Lowe ratio for the primary detector.
	RatioThreshold float64
	// FallbackRatio is the stricter ratio applied to the binary
	// descriptors of the ORB fallback.
	FallbackRatio float64

	RANSACIterations int
	RANSACThreshold  float64
	MinInliers       int

	// GridSize is the side of the spatial selection grid; at most one
	// control point is kept per cell.
	GridSize int
	// MinGCPs is the minimum number of spatially distributed control
	// points an accepted result must contain.
	MinGCPs int

	// MaxDim bounds the working resolution of the aerial image.
	MaxDim int

	// UseEdges matches on dilated Canny edge maps instead of the
	// contrast-enhanced grayscale, which helps on line-dominated
	// scenes such as field boundaries and road grids.
	UseEdges bool

	// Seed fixes the RANSAC sampling sequence; 0 seeds from the clock.
	Seed int64
}

// DefaultOptions returns the tuning used in production.
func DefaultOptions() Options {
	return Options{
		MaxFeatures:      10000,
		RatioThreshold:   0.75,
		FallbackRatio:    0.7,
		RANSACIterations: 2000,
		RANSACThreshold:  5.0,
		MinInliers:       10,
		GridSize:         5,
		MinGCPs:          5,
		MaxDim:           2048,
		Seed:             0,
	}
}

// Result is one successful matching outcome.
type Result struct {
	GCPs        []gcp.ControlPoint
	Confidence  float64
	InlierCount int
	MatchCount  int
	// Detector records which detector produced the result.
	Detector string
}

// InsufficientMatchesError signals that the two images do not agree
// geometrically well enough to trust any control points. The counts
// let callers decide between retrying with a different bounding box
// and falling back to manual placement.
type InsufficientMatchesError struct {
	MatchCount  int
	InlierCount int
	MinInliers  int
	Reason      string
}

func (e *InsufficientMatchesError) Error() string {
	return fmt.Sprintf("insufficient matches: %s (matches=%d inliers=%d min=%d)",
		e.Reason, e.MatchCount, e.InlierCount, e.MinInliers)
}

// Matcher runs the feature matching pipeline. It is safe for
// concurrent use: rand.Rand is not, so each Match call derives its own
// source from the seed and a call counter.
type Matcher struct {
	opts  Options
	log   *slog.Logger
	seed  int64
	calls atomic.Int64
}

// New builds a Matcher. A zero seed draws one from the clock, so
// only explicit seeds give reproducible inlier sets.
func New(opts Options, log *slog.Logger) *Matcher {
	if log == nil {
		log = slog.Default()
	}
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Matcher{
		opts: opts,
		log:  log,
		seed: seed,
	}
}

// minPrimaryKeypoints is the keypoint count below which the primary
// detector is considered starved and the ORB fallback kicks in.
// minViablePairs is the homography minimum; fewer ratio-test survivors
// than that also route to the fallback.
const (
	minPrimaryKeypoints = 50
	minViablePairs      = 4
)

// Match correlates the aerial image against the reference mosaic and
// returns control points in original-image pixel space. origWidth and
// origHeight are the full-resolution dimensions of the aerial source;
// aerial may already be a preview at any scale of that space.
func (m *Matcher) Match(ctx context.Context, aerial image.Image, origWidth, origHeight int, ref *mosaic.Mosaic) (*Result, error) {
	res, err := m.match(ctx, aerial, origWidth, origHeight, ref)
	if err != nil {
		metrics.MatchAttempts.WithLabelValues("failed").Inc()
		return nil, err
	}
	metrics.MatchAttempts.WithLabelValues("ok").Inc()
	metrics.MatchInliers.Observe(float64(res.InlierCount))
	return res, nil
}

func (m *Matcher) match(ctx context.Context, aerial image.Image, origWidth, origHeight int, ref *mosaic.Mosaic) (*Result, error) {
	aerialMat, err := imaging.ImageToMatGray(aerial)
	if err != nil {
		return nil, fmt.Errorf("convert aerial image: %w", err)
	}
	aerialMat, workRatio, err := imaging.DownscaleTo(aerialMat, m.opts.MaxDim)
	if err != nil {
		return nil, fmt.Errorf("downscale aerial image: %w", err)
	}
	defer aerialMat.Close()

	refMat, err := imaging.ImageToMatGray(ref.Image)
	if err != nil {
		return nil, fmt.Errorf("convert reference mosaic: %w", err)
	}
	defer refMat.Close()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// The aerial preview may carry black no-data borders from scan
	// rotation; keep keypoints off them.
	mask := noDataMask(aerialMat)
	defer mask.Close()

	aerialPrep := m.preprocess(aerialMat)
	defer aerialPrep.Close()
	refPrep := m.preprocess(refMat)
	defer refPrep.Close()

	pairs, detector, err := m.detectAndMatch(aerialPrep, refPrep, mask)
	if err != nil {
		return nil, err
	}
	m.log.Debug("descriptor matching complete",
		"detector", detector, "matches", len(pairs))

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if len(pairs) < minViablePairs {
		return nil, &InsufficientMatchesError{
			MatchCount: len(pairs),
			MinInliers: m.opts.MinInliers,
			Reason:     "too few candidate matches for homography estimation",
		}
	}

	srcPts := make([]geometry.Point2D, len(pairs))
	dstPts := make([]geometry.Point2D, len(pairs))
	for i, p := range pairs {
		srcPts[i] = p.aerial
		dstPts[i] = p.ref
	}

	rng := rand.New(rand.NewSource(m.seed + m.calls.Add(1)))
	_, inlierIdx, err := ComputeHomographyRANSAC(srcPts, dstPts,
		m.opts.RANSACIterations, m.opts.RANSACThreshold, rng)
	if err != nil || len(inlierIdx) < m.opts.MinInliers {
		n := len(inlierIdx)
		return nil, &InsufficientMatchesError{
			MatchCount:  len(pairs),
			InlierCount: n,
			MinInliers:  m.opts.MinInliers,
			Reason:      "no geometrically consistent transform",
		}
	}

	inliers := make([]matchPair, len(inlierIdx))
	for i, idx := range inlierIdx {
		inliers[i] = pairs[idx]
	}

	selected, cellsCovered := m.selectDistributed(inliers, aerialMat.Cols(), aerialMat.Rows())
	if len(selected) < m.opts.MinGCPs {
		return nil, &InsufficientMatchesError{
			MatchCount:  len(pairs),
			InlierCount: len(inliers),
			MinInliers:  m.opts.MinInliers,
			Reason: fmt.Sprintf("inliers cluster in too few regions: %d distributed points, need %d",
				len(selected), m.opts.MinGCPs),
		}
	}

	// Undo the working downscale and any preview scaling so pixel
	// coordinates land in the original image space the solver expects.
	scaleBack := workRatio * float64(origWidth) / float64(aerial.Bounds().Dx())

	gcps := make([]gcp.ControlPoint, 0, len(selected))
	for i, p := range selected {
		ll := ref.Georef.ToLatLon(p.ref.X, p.ref.Y)
		gcps = append(gcps, gcp.ControlPoint{
			ID:     i + 1,
			PixelX: p.aerial.X * scaleBack,
			PixelY: p.aerial.Y * scaleBack,
			Lat:    ll.Lat,
			Lon:    ll.Lon,
		})
	}

	conf := m.confidence(len(pairs), inliers, cellsCovered)
	m.log.Info("feature match accepted",
		"detector", detector,
		"matches", len(pairs),
		"inliers", len(inliers),
		"gcps", len(gcps),
		"confidence", fmt.Sprintf("%.3f", conf))

	return &Result{
		GCPs:        gcps,
		Confidence:  conf,
		InlierCount: len(inliers),
		MatchCount:  len(pairs),
		Detector:    detector,
	}, nil
}

// matchPair couples matched keypoint positions with the descriptor
// distance of the match.
type matchPair struct {
	aerial   geometry.Point2D
	ref      geometry.Point2D
	distance float64
}

// preprocess equalizes local contrast, optionally reducing the image
// to a dilated edge map.
func (m *Matcher) preprocess(src gocv.Mat) gocv.Mat {
	clahe := gocv.NewCLAHEWithParams(3.0, image.Point{X: 8, Y: 8})
	defer clahe.Close()

	enhanced := gocv.NewMat()
	clahe.Apply(src, &enhanced)

	if !m.opts.UseEdges {
		return enhanced
	}

	edges := gocv.NewMat()
	gocv.Canny(enhanced, &edges, 30, 100)
	enhanced.Close()

	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Point{X: 3, Y: 3})
	defer kernel.Close()
	dilated := gocv.NewMat()
	gocv.Dilate(edges, &dilated, kernel)
	edges.Close()

	return dilated
}

// noDataMask marks pixels that carry real image data, with the mask
// eroded away from the data/border boundary so keypoints cannot sit
// on the seam itself.
func noDataMask(src gocv.Mat) gocv.Mat {
	mask := gocv.NewMat()
	gocv.Threshold(src, &mask, 0, 255, gocv.ThresholdBinary)

	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Point{X: 11, Y: 11})
	defer kernel.Close()
	eroded := gocv.NewMat()
	gocv.Erode(mask, &eroded, kernel)
	mask.Close()

	return eroded
}

// detectAndMatch runs SIFT first and falls back to ORB when either
// image yields too few keypoints for SIFT to be trustworthy.
func (m *Matcher) detectAndMatch(aerial, ref, aerialMask gocv.Mat) ([]matchPair, string, error) {
	sift := gocv.NewSIFT()
	defer sift.Close()

	noMask := gocv.NewMat()
	defer noMask.Close()

	aKps, aDesc := sift.DetectAndCompute(aerial, aerialMask)
	defer aDesc.Close()
	rKps, rDesc := sift.DetectAndCompute(ref, noMask)
	defer rDesc.Close()

	if len(aKps) >= minPrimaryKeypoints && len(rKps) >= minPrimaryKeypoints {
		pairs := ratioMatch(aKps, rKps, aDesc, rDesc, gocv.NormL2, m.opts.RatioThreshold)
		if primaryViable(len(aKps), len(rKps), len(pairs)) {
			return pairs, "sift", nil
		}
	}
	m.log.Debug("primary detector starved, trying fallback",
		"aerial_keypoints", len(aKps), "reference_keypoints", len(rKps))

	orb := gocv.NewORBWithParams(m.opts.MaxFeatures, 1.2, 8, 31, 0, 2,
		gocv.ORBScoreTypeHarris, 31, 20)
	defer orb.Close()

	aKps, aDescOrb := orb.DetectAndCompute(aerial, aerialMask)
	defer aDescOrb.Close()
	rKps, rDescOrb := orb.DetectAndCompute(ref, noMask)
	defer rDescOrb.Close()

	if len(aKps) == 0 || len(rKps) == 0 {
		return nil, "", &InsufficientMatchesError{
			MinInliers: m.opts.MinInliers,
			Reason:     "no keypoints detected on one or both images",
		}
	}

	pairs := ratioMatch(aKps, rKps, aDescOrb, rDescOrb, gocv.NormHamming, m.opts.FallbackRatio)
	return pairs, "orb", nil
}

// primaryViable reports whether the primary detector produced enough
// keypoints and ratio-test survivors to skip the fallback. A pair
// count below the homography minimum means the primary result cannot
// succeed downstream, so the fallback must get its turn.
func primaryViable(aerialKps, refKps, pairCount int) bool {
	return aerialKps >= minPrimaryKeypoints &&
		refKps >= minPrimaryKeypoints &&
		pairCount >= minViablePairs
}

// ratioMatch performs knn descriptor matching with Lowe's ratio test.
func ratioMatch(queryKps, trainKps []gocv.KeyPoint, queryDesc, trainDesc gocv.Mat, norm gocv.NormType, ratio float64) []matchPair {
	if queryDesc.Empty() || trainDesc.Empty() {
		return nil
	}

	bf := gocv.NewBFMatcherWithParams(norm, false)
	defer bf.Close()

	knn := bf.KnnMatch(queryDesc, trainDesc, 2)
	pairs := make([]matchPair, 0, len(knn))
	for _, cands := range knn {
		if len(cands) < 2 {
			continue
		}
		best, second := cands[0], cands[1]
		if best.Distance >= ratio*second.Distance {
			continue
		}
		q := queryKps[best.QueryIdx]
		t := trainKps[best.TrainIdx]
		pairs = append(pairs, matchPair{
			aerial:   geometry.Point2D{X: q.X, Y: q.Y},
			ref:      geometry.Point2D{X: t.X, Y: t.Y},
			distance: best.Distance,
		})
	}
	return pairs
}

// selectDistributed keeps at most one inlier per spatial grid cell,
// preferring the match with the lowest descriptor distance, and
// reports how many cells ended up covered.
func (m *Matcher) selectDistributed(inliers []matchPair, width, height int) ([]matchPair, int) {
	grid := m.opts.GridSize
	if grid < 1 {
		grid = 1
	}
	cellW := float64(width) / float64(grid)
	cellH := float64(height) / float64(grid)

	best := make(map[int]matchPair, grid*grid)
	for _, p := range inliers {
		cx := int(p.aerial.X / cellW)
		cy := int(p.aerial.Y / cellH)
		if cx >= grid {
			cx = grid - 1
		}
		if cy >= grid {
			cy = grid - 1
		}
		key := cy*grid + cx
		if cur, ok := best[key]; !ok || p.distance < cur.distance {
			best[key] = p
		}
	}

	selected := make([]matchPair, 0, len(best))
	for cell := 0; cell < grid*grid; cell++ {
		if p, ok := best[cell]; ok {
			selected = append(selected, p)
		}
	}
	return selected, len(best)
}

// confidence scores a result from inlier count, inlier ratio, grid
// coverage, and average descriptor distance of the surviving inliers.
func (m *Matcher) confidence(matchCount int, inliers []matchPair, cellsCovered int) float64 {
	countScore := math.Min(float64(len(inliers))/100.0, 1.0)
	ratioScore := float64(len(inliers)) / float64(matchCount)

	grid := m.opts.GridSize
	if grid < 1 {
		grid = 1
	}
	coverageScore := float64(cellsCovered) / float64(grid*grid)

	var avgDist float64
	for _, p := range inliers {
		avgDist += p.distance
	}
	avgDist /= float64(len(inliers))
	distScore := 1.0 - math.Min(avgDist/200.0, 1.0)

	return 0.3*countScore + 0.2*ratioScore + 0.3*coverageScore + 0.2*distScore
}
