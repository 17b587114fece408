package match

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"math/rand"
	"sync"
	"testing"

	"mapsync/internal/geo"
	"mapsync/internal/mosaic"
	"mapsync/pkg/geometry"
)

// texturedImage paints random high-contrast rectangles so feature
// detectors have plenty to latch onto.
func texturedImage(seed int64, w, h int) *image.RGBA {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{color.Gray{Y: 90}}, image.Point{}, draw.Src)
	for i := 0; i < 400; i++ {
		x := rng.Intn(w)
		y := rng.Intn(h)
		rw := 4 + rng.Intn(40)
		rh := 4 + rng.Intn(40)
		shade := uint8(rng.Intn(256))
		draw.Draw(img, image.Rect(x, y, x+rw, y+rh),
			&image.Uniform{color.Gray{Y: shade}}, image.Point{}, draw.Src)
	}
	return img
}

func testMosaic(img *image.RGBA) *mosaic.Mosaic {
	ox, oy := geo.ProjectPx(geo.LatLon{Lat: 34.62, Lon: -90.42}, 17)
	g := mosaic.RasterGeoref{Zoom: 17, OriginX: ox, OriginY: oy}
	se := g.ToLatLon(float64(img.Bounds().Dx()), float64(img.Bounds().Dy()))
	return &mosaic.Mosaic{
		Image:  img,
		Georef: g,
		BBox: geo.BoundingBox{
			North: 34.62, South: se.Lat,
			West: -90.42, East: se.Lon,
		},
		Zoom:      17,
		TileCount: 1,
	}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Seed = 99
	return opts
}

func TestMatchSelfImageHighConfidence(t *testing.T) {
	img := texturedImage(1, 800, 800)
	ref := testMosaic(img)
	m := New(testOptions(), nil)

	res, err := m.Match(context.Background(), img, 800, 800, ref)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}

	if res.Confidence <= 0.9 {
		t.Errorf("self-match confidence = %.3f, want > 0.9", res.Confidence)
	}
	if res.InlierCount < res.MatchCount*8/10 {
		t.Errorf("inliers %d of %d matches, want nearly all", res.InlierCount, res.MatchCount)
	}
	if len(res.GCPs) < DefaultOptions().MinGCPs {
		t.Fatalf("got %d GCPs, want at least %d", len(res.GCPs), DefaultOptions().MinGCPs)
	}

	// Identity geometry: each control point's coordinate must agree
	// with the mosaic affine at its own pixel.
	for _, g := range res.GCPs {
		if g.PixelX < 0 || g.PixelX >= 800 || g.PixelY < 0 || g.PixelY >= 800 {
			t.Errorf("GCP %d pixel (%.1f, %.1f) outside image", g.ID, g.PixelX, g.PixelY)
		}
		want := ref.Georef.ToLatLon(g.PixelX, g.PixelY)
		got := geo.LatLon{Lat: g.Lat, Lon: g.Lon}
		if got.Distance(want) > 10 {
			t.Errorf("GCP %d maps %.1f m from its own pixel's affine position", g.ID, got.Distance(want))
		}
	}

	// IDs are 1-based and contiguous.
	for i, g := range res.GCPs {
		if g.ID != i+1 {
			t.Errorf("GCP at index %d has ID %d", i, g.ID)
		}
	}
}

func TestMatchScalesPixelsToOriginalSpace(t *testing.T) {
	img := texturedImage(1, 800, 800)
	ref := testMosaic(img)
	m := New(testOptions(), nil)

	// The same preview matched against the same mosaic, but declared
	// to be a half-scale preview of a 1600px original.
	res, err := m.Match(context.Background(), img, 1600, 1600, ref)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	for _, g := range res.GCPs {
		if g.PixelX >= 1600 || g.PixelY >= 1600 {
			t.Errorf("GCP %d pixel (%.1f, %.1f) outside original space", g.ID, g.PixelX, g.PixelY)
		}
	}
	var maxX float64
	for _, g := range res.GCPs {
		if g.PixelX > maxX {
			maxX = g.PixelX
		}
	}
	if maxX <= 800 {
		t.Errorf("max GCP x = %.1f; pixels do not appear scaled to the 1600px original", maxX)
	}
}

func TestMatchUnrelatedImagesFails(t *testing.T) {
	aerial := texturedImage(1, 600, 600)
	ref := testMosaic(texturedImage(2, 600, 600))
	m := New(testOptions(), nil)

	_, err := m.Match(context.Background(), aerial, 600, 600, ref)
	var insufficient *InsufficientMatchesError
	if !errors.As(err, &insufficient) {
		t.Fatalf("want InsufficientMatchesError, got %v", err)
	}
	if insufficient.MinInliers != DefaultOptions().MinInliers {
		t.Errorf("error carries MinInliers = %d, want %d",
			insufficient.MinInliers, DefaultOptions().MinInliers)
	}
}

func TestMatchConcurrentCalls(t *testing.T) {
	img := texturedImage(1, 600, 600)
	ref := testMosaic(img)
	m := New(testOptions(), nil)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Match(context.Background(), img, 600, 600, ref); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent Match: %v", err)
	}
}

func TestPrimaryViableGating(t *testing.T) {
	cases := []struct {
		name            string
		aKps, rKps, prs int
		want            bool
	}{
		{"healthy", 500, 500, 120, true},
		{"aerial starved", 30, 500, 120, false},
		{"reference starved", 500, 30, 120, false},
		{"enough keypoints but too few pairs", 500, 500, 3, false},
		{"pair count at homography minimum", 500, 500, 4, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := primaryViable(tc.aKps, tc.rKps, tc.prs); got != tc.want {
				t.Errorf("primaryViable(%d, %d, %d) = %v, want %v",
					tc.aKps, tc.rKps, tc.prs, got, tc.want)
			}
		})
	}
}

func TestMatchCancelledContext(t *testing.T) {
	img := texturedImage(1, 400, 400)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := New(testOptions(), nil)
	if _, err := m.Match(ctx, img, 400, 400, testMosaic(img)); !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}

func TestSelectDistributedOnePerCell(t *testing.T) {
	m := New(testOptions(), nil)

	// Three points in one cell, one in another. The in-cell winner is
	// the lowest descriptor distance.
	inliers := []matchPair{
		{aerial: geometry.Point2D{X: 10, Y: 10}, distance: 30},
		{aerial: geometry.Point2D{X: 15, Y: 12}, distance: 10},
		{aerial: geometry.Point2D{X: 20, Y: 18}, distance: 50},
		{aerial: geometry.Point2D{X: 450, Y: 450}, distance: 80},
	}
	selected, cells := m.selectDistributed(inliers, 500, 500)
	if cells != 2 {
		t.Fatalf("covered %d cells, want 2", cells)
	}
	if len(selected) != 2 {
		t.Fatalf("selected %d points, want 2", len(selected))
	}
	if selected[0].distance != 10 {
		t.Errorf("cell winner has distance %.0f, want the closest descriptor (10)", selected[0].distance)
	}
}

func TestConfidenceFormula(t *testing.T) {
	m := New(testOptions(), nil)

	inliers := make([]matchPair, 100)
	for i := range inliers {
		inliers[i].distance = 20
	}
	// 100 inliers of 100 matches, full grid coverage, low distances.
	got := m.confidence(100, inliers, 25)
	want := 0.3*1.0 + 0.2*1.0 + 0.3*1.0 + 0.2*(1.0-20.0/200.0)
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("confidence = %.4f, want %.4f", got, want)
	}

	// Sparse, clustered, noisy result scores low.
	noisy := []matchPair{{distance: 300}, {distance: 250}}
	low := m.confidence(50, noisy, 1)
	if low > 0.2 {
		t.Errorf("weak result scored %.3f, want <= 0.2", low)
	}
}
