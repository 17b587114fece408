package mosaic

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"log/slog"
	"math"
	"sync"
	"time"

	"mapsync/internal/geo"
	"mapsync/internal/metrics"
)

// FetchError reports a mosaic build that failed because too much of
// the reference imagery could not be retrieved. It is retryable.
type FetchError struct {
	Failed int
	Total  int
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("reference imagery unavailable: %d of %d tiles failed", e.Failed, e.Total)
}

func (e *FetchError) Unwrap() error { return e.Err }

// RasterGeoref maps mosaic pixel coordinates to geographic coordinates
// by inverting the web-mercator projection of the tile grid. The
// mosaic raster is mercator: longitude is linear in the column index
// but latitude is not linear in the row index, so the mapping carries
// the world-pixel position of the crop origin rather than per-pixel
// degree steps.
type RasterGeoref struct {
	Zoom int
	// OriginX and OriginY are the world-pixel coordinates of the
	// raster's northwest corner at Zoom.
	OriginX float64
	OriginY float64
}

// ToLatLon converts a mosaic pixel position to a geographic coordinate.
func (g RasterGeoref) ToLatLon(px, py float64) geo.LatLon {
	return geo.UnprojectPx(g.OriginX+px, g.OriginY+py, g.Zoom)
}

// Mosaic is a stitched reference raster cropped to the requested box.
// It is owned by the matching call that requested it and discarded
// after use; nothing is cached between requests.
type Mosaic struct {
	Image     *image.RGBA
	Georef    RasterGeoref
	BBox      geo.BoundingBox
	Zoom      int
	TileCount int
	Failures  int
}

// Options tunes the mosaic builder.
type Options struct {
	Concurrency  int     // concurrent tile fetches
	Retries      int     // attempts per tile after the first
	MaxTiles     int     // zoom is reduced until the grid fits
	MinZoom      int
	MaxZoom      int
	MaxFailRatio float64 // escalate to FetchError above this fraction
}

// DefaultOptions returns builder defaults tuned for the Esri source.
func DefaultOptions() Options {
	return Options{
		Concurrency:  8,
		Retries:      2,
		MaxTiles:     400,
		MinZoom:      12,
		MaxZoom:      19,
		MaxFailRatio: 0.2,
	}
}

// Builder fetches and assembles reference mosaics.
type Builder struct {
	source Source
	opts   Options
	log    *slog.Logger
}

// NewBuilder creates a Builder. A nil logger uses slog.Default.
func NewBuilder(source Source, opts Options, log *slog.Logger) *Builder {
	if log == nil {
		log = slog.Default()
	}
	return &Builder{source: source, opts: opts, log: log}
}

// Build assembles a mosaic covering the box. targetGSD, in meters per
// pixel, guides zoom selection; pass 0 when unknown. Tiles are fetched
// concurrently with bounded parallelism and per-tile retries; a tile
// that still fails is filled with neutral grey, and the build only
// fails when the failure ratio makes matching hopeless.
func (b *Builder) Build(ctx context.Context, bbox geo.BoundingBox, targetGSD float64) (*Mosaic, error) {
	start := time.Now()
	defer func() {
		metrics.MosaicBuildDuration.Observe(time.Since(start).Seconds())
	}()

	center := bbox.Center()
	zoom := geo.ZoomForGSD(targetGSD, center.Lat, b.opts.MinZoom, b.opts.MaxZoom)

	// Walk the zoom down until the tile grid fits the budget.
	tileRange := geo.RangeCovering(bbox, zoom)
	for tileRange.Count() > b.opts.MaxTiles && zoom > b.opts.MinZoom {
		zoom--
		tileRange = geo.RangeCovering(bbox, zoom)
	}
	if tileRange.Count() > b.opts.MaxTiles {
		return nil, &FetchError{Failed: 0, Total: tileRange.Count(),
			Err: fmt.Errorf("bounding box needs %d tiles at minimum zoom (max %d)", tileRange.Count(), b.opts.MaxTiles)}
	}

	b.log.Debug("building mosaic",
		"zoom", zoom, "tiles", tileRange.Count(),
		"north", bbox.North, "west", bbox.West)

	tiles, failures, err := b.fetchAll(ctx, tileRange)
	if err != nil {
		return nil, err
	}

	total := tileRange.Count()
	if float64(failures) > float64(total)*b.opts.MaxFailRatio {
		return nil, &FetchError{Failed: failures, Total: total}
	}

	stitched := stitch(tileRange, tiles)
	m := crop(stitched, tileRange, bbox)
	m.Zoom = zoom
	m.TileCount = total
	m.Failures = failures
	return m, nil
}

type tileResult struct {
	index int
	img   image.Image
}

// fetchAll downloads every tile in the range with a bounded worker
// pool. All fetches complete (or degrade) before assembly begins.
func (b *Builder) fetchAll(ctx context.Context, r geo.TileRange) ([]image.Image, int, error) {
	total := r.Count()
	cols := r.MaxX - r.MinX + 1

	jobs := make(chan int)
	results := make(chan tileResult)

	workers := b.opts.Concurrency
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				tile := geo.Tile{
					X: r.MinX + idx%cols,
					Y: r.MinY + idx/cols,
					Z: r.Zoom,
				}
				img := b.fetchWithRetry(ctx, tile)
				results <- tileResult{index: idx, img: img}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for i := 0; i < total; i++ {
			select {
			case jobs <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	tiles := make([]image.Image, total)
	failures := 0
	for res := range results {
		if res.img == nil {
			failures++
		}
		tiles[res.index] = res.img
	}

	if err := ctx.Err(); err != nil {
		return nil, 0, &FetchError{Failed: failures, Total: total, Err: err}
	}
	return tiles, failures, nil
}

// fetchWithRetry returns nil after exhausting retries; the caller
// substitutes a placeholder.
func (b *Builder) fetchWithRetry(ctx context.Context, tile geo.Tile) image.Image {
	for attempt := 0; attempt <= b.opts.Retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 500 * time.Millisecond
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
		}

		img, err := b.source.FetchTile(ctx, tile)
		if err == nil {
			metrics.TilesFetched.WithLabelValues("ok").Inc()
			return img
		}
		if errors.Is(err, errTileNotFound) || ctx.Err() != nil {
			break
		}
		b.log.Debug("tile fetch failed", "z", tile.Z, "x", tile.X, "y", tile.Y,
			"attempt", attempt, "error", err)
	}
	metrics.TilesFetched.WithLabelValues("failed").Inc()
	return nil
}

// stitch composites fetched tiles into one raster positioned by tile
// index. Missing tiles become neutral grey; matching tolerates small
// local gaps.
func stitch(r geo.TileRange, tiles []image.Image) *image.RGBA {
	cols := r.MaxX - r.MinX + 1
	rows := r.MaxY - r.MinY + 1

	dst := image.NewRGBA(image.Rect(0, 0, cols*geo.TileSize, rows*geo.TileSize))
	grey := image.NewUniform(color.RGBA{R: 128, G: 128, B: 128, A: 255})

	for i, tile := range tiles {
		x := (i % cols) * geo.TileSize
		y := (i / cols) * geo.TileSize
		rect := image.Rect(x, y, x+geo.TileSize, y+geo.TileSize)
		if tile == nil {
			draw.Draw(dst, rect, grey, image.Point{}, draw.Src)
			continue
		}
		draw.Draw(dst, rect, tile, tile.Bounds().Min, draw.Src)
	}
	return dst
}

// crop trims the tile-aligned raster to the exact requested box so the
// pixel-to-geographic mapping is exact, not tile-quantized.
func crop(stitched *image.RGBA, r geo.TileRange, bbox geo.BoundingBox) *Mosaic {
	offsetX := float64(r.MinX * geo.TileSize)
	offsetY := float64(r.MinY * geo.TileSize)

	nwX, nwY := geo.ProjectPx(geo.LatLon{Lat: bbox.North, Lon: bbox.West}, r.Zoom)
	seX, seY := geo.ProjectPx(geo.LatLon{Lat: bbox.South, Lon: bbox.East}, r.Zoom)

	x0 := int(math.Floor(nwX - offsetX))
	x1 := int(math.Ceil(seX - offsetX))
	y0 := int(math.Floor(nwY - offsetY))
	y1 := int(math.Ceil(seY - offsetY))

	bounds := stitched.Bounds()
	x0 = clamp(x0, 0, bounds.Dx()-1)
	y0 = clamp(y0, 0, bounds.Dy()-1)
	x1 = clamp(x1, x0+1, bounds.Dx())
	y1 = clamp(y1, y0+1, bounds.Dy())

	cropped := stitched.SubImage(image.Rect(x0, y0, x1, y1)).(*image.RGBA)
	out := image.NewRGBA(image.Rect(0, 0, x1-x0, y1-y0))
	draw.Draw(out, out.Bounds(), cropped, cropped.Bounds().Min, draw.Src)

	georef := RasterGeoref{
		Zoom:    r.Zoom,
		OriginX: offsetX + float64(x0),
		OriginY: offsetY + float64(y0),
	}

	// Invert the projection at the crop edges for the actual bounds.
	nw := georef.ToLatLon(0, 0)
	se := georef.ToLatLon(float64(x1-x0), float64(y1-y0))

	return &Mosaic{
		Image:  out,
		Georef: georef,
		BBox: geo.BoundingBox{
			North: nw.Lat,
			South: se.Lat,
			East:  se.Lon,
			West:  nw.Lon,
		},
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
