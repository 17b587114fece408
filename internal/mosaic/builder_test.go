package mosaic

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"mapsync/internal/geo"
)

func tilePNG(t *testing.T, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, geo.TileSize, geo.TileSize))
	for y := 0; y < geo.TileSize; y++ {
		for x := 0; x < geo.TileSize; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.MinZoom = 15
	opts.MaxZoom = 15
	opts.Retries = 0
	opts.Concurrency = 4
	// Small test boxes cover only a handful of tiles; keep one failed
	// tile below the escalation threshold.
	opts.MaxFailRatio = 0.4
	return opts
}

func testBox() geo.BoundingBox {
	return geo.BoxAround(geo.LatLon{Lat: 34.6, Lon: -90.4}, 500)
}

func TestBuildStitchesAndCrops(t *testing.T) {
	body := tilePNG(t, color.RGBA{R: 40, G: 120, B: 40, A: 255})
	var requests int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.Write(body)
	}))
	defer srv.Close()

	b := NewBuilder(NewHTTPSource(srv.URL+"/{z}/{y}/{x}", time.Second), testOptions(), nil)
	m, err := b.Build(context.Background(), testBox(), 0)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if m.Failures != 0 {
		t.Errorf("Failures = %d, want 0", m.Failures)
	}
	if int32(m.TileCount) != atomic.LoadInt32(&requests) {
		t.Errorf("TileCount = %d, requests = %d", m.TileCount, requests)
	}
	if m.Zoom != 15 {
		t.Errorf("Zoom = %d, want 15", m.Zoom)
	}

	// The cropped mosaic must cover the requested box.
	box := testBox()
	if m.BBox.North < box.North || m.BBox.South > box.South {
		t.Errorf("mosaic bounds %+v do not cover %+v", m.BBox, box)
	}

	// Georef corners: pixel (0,0) is the NW corner, the far corner is SE.
	nw := m.Georef.ToLatLon(0, 0)
	if nw.Lat != m.BBox.North || nw.Lon != m.BBox.West {
		t.Errorf("georef NW = %+v, bounds %+v", nw, m.BBox)
	}
	w := float64(m.Image.Bounds().Dx())
	h := float64(m.Image.Bounds().Dy())
	se := m.Georef.ToLatLon(w, h)
	if diff := se.Lat - m.BBox.South; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("georef SE lat = %v, want %v", se.Lat, m.BBox.South)
	}
	if diff := se.Lon - m.BBox.East; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("georef SE lon = %v, want %v", se.Lon, m.BBox.East)
	}
}

func TestGeorefLatitudeIsMercator(t *testing.T) {
	// A mercator raster's row-to-latitude mapping is nonlinear: rows
	// near the poleward edge cover fewer degrees than rows near the
	// equatorward edge. Interpolating latitude linearly between the
	// North and South bounds misplaces every interior row.
	ox, oy := geo.ProjectPx(geo.LatLon{Lat: 60, Lon: 10}, 12)
	g := RasterGeoref{Zoom: 12, OriginX: ox, OriginY: oy}

	const rows = 4000.0
	top := g.ToLatLon(0, 0)
	mid := g.ToLatLon(0, rows/2)
	bot := g.ToLatLon(0, rows)

	if math.Abs(top.Lat-60) > 1e-9 || math.Abs(top.Lon-10) > 1e-9 {
		t.Fatalf("georef origin = %+v, want (60, 10)", top)
	}
	if want := geo.UnprojectPx(ox, oy+rows/2, 12); mid != want {
		t.Errorf("mid-row = %+v, want projected %+v", mid, want)
	}

	linear := (top.Lat + bot.Lat) / 2
	if mid.Lat-linear < 1e-3 {
		t.Errorf("mid-row latitude %.6f within %.6f of the linear midpoint %.6f; mapping is not mercator",
			mid.Lat, mid.Lat-linear, linear)
	}
}

func TestBuildDegradesFailedTiles(t *testing.T) {
	body := tilePNG(t, color.RGBA{R: 200, G: 200, B: 200, A: 255})
	var served int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Fail exactly one tile with a server error.
		if atomic.AddInt32(&served, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write(body)
	}))
	defer srv.Close()

	b := NewBuilder(NewHTTPSource(srv.URL+"/{z}/{y}/{x}", time.Second), testOptions(), nil)
	m, err := b.Build(context.Background(), testBox(), 0)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if m.Failures != 1 {
		t.Errorf("Failures = %d, want 1", m.Failures)
	}
	// The mosaic still has the full cropped size despite the gap.
	if m.Image.Bounds().Empty() {
		t.Error("empty mosaic image")
	}
}

func TestBuildEscalatesWhenSourceDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	b := NewBuilder(NewHTTPSource(srv.URL+"/{z}/{y}/{x}", time.Second), testOptions(), nil)
	_, err := b.Build(context.Background(), testBox(), 0)

	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want *FetchError", err)
	}
	if fe.Failed != fe.Total || fe.Total == 0 {
		t.Errorf("FetchError = %+v, want all tiles failed", fe)
	}
}

func TestBuildContextCancellation(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	b := NewBuilder(NewHTTPSource(srv.URL+"/{z}/{y}/{x}", time.Second), testOptions(), nil)
	_, err := b.Build(ctx, testBox(), 0)
	if err == nil {
		t.Fatal("Build with cancelled context succeeded")
	}
}

func TestTileURLTemplate(t *testing.T) {
	s := NewHTTPSource("https://tiles.example/{z}/{y}/{x}.png", time.Second)
	got := s.tileURL(geo.Tile{X: 3, Y: 7, Z: 12})
	want := "https://tiles.example/12/7/3.png"
	if got != want {
		t.Errorf("tileURL = %q, want %q", got, want)
	}
}

func TestFetchErrorMessage(t *testing.T) {
	err := &FetchError{Failed: 3, Total: 9}
	want := fmt.Sprintf("reference imagery unavailable: %d of %d tiles failed", 3, 9)
	if err.Error() != want {
		t.Errorf("Error() = %q", err.Error())
	}
}
