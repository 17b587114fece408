// Command georeftest runs the georeferencing pipeline on an aerial
// image from the command line and prints results.
package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"mapsync/internal/engine"
	"mapsync/internal/geo"
	"mapsync/internal/logging"
	"mapsync/internal/match"
	"mapsync/internal/metadata"
	"mapsync/internal/mosaic"

	_ "golang.org/x/image/tiff"
)

func main() {
	imagePath := flag.String("i", "", "Path to aerial image")
	bboxStr := flag.String("bbox", "", "Manual bbox as north,south,east,west")
	probeOnly := flag.Bool("probe", false, "Resolve metadata only, skip matching")
	seed := flag.Int64("seed", 0, "RANSAC seed (0 = random)")
	edges := flag.Bool("edges", false, "Match on Canny edge maps")
	timeout := flag.Duration("timeout", 2*time.Minute, "Overall timeout")
	flag.Parse()

	if *imagePath == "" {
		fmt.Println("Usage: georeftest -i <image> [-probe] [-bbox N,S,E,W] [-seed N] [-edges]")
		os.Exit(1)
	}

	logging.Setup("debug", "text")

	width, height, err := imageDimensions(*imagePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read image: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("=== Image: %s (%dx%d) ===\n", *imagePath, width, height)

	resolver := metadata.NewResolver(slog.Default())
	anchor := resolver.Resolve(*imagePath, width, height)
	fmt.Printf("Metadata: kind=%s source=%q center=(%.5f, %.5f) gsd=%.2f\n",
		anchor.Kind, anchor.Source, anchor.Center.Lat, anchor.Center.Lon, anchor.GSD)
	if *probeOnly {
		return
	}

	matchOpts := match.DefaultOptions()
	matchOpts.Seed = *seed
	matchOpts.UseEdges = *edges

	eng := engine.New(
		resolver,
		mosaic.NewBuilder(mosaic.NewHTTPSource(mosaic.DefaultTileURL, 15*time.Second),
			mosaic.DefaultOptions(), slog.Default()),
		match.New(matchOpts, slog.Default()),
		nil,
		engine.DefaultOptions(),
		slog.Default(),
	)

	req := engine.AutoMatchRequest{
		ImageID:   "cli",
		ImagePath: *imagePath,
		Width:     width,
		Height:    height,
	}
	if *bboxStr != "" {
		bbox, err := parseBBox(*bboxStr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Bad bbox: %v\n", err)
			os.Exit(1)
		}
		req.BBox = &bbox
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	fmt.Printf("\n=== Auto-match ===\n")
	res, err := eng.AutoMatch(ctx, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Auto-match failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Detector: %s  matches=%d inliers=%d confidence=%.3f\n",
		res.Detector, res.MatchCount, res.InlierCount, res.Confidence)
	fmt.Printf("BBox: N=%.5f S=%.5f E=%.5f W=%.5f\n",
		res.BBox.North, res.BBox.South, res.BBox.East, res.BBox.West)
	for _, g := range res.GCPs {
		fmt.Printf("  GCP %2d: px=(%8.1f, %8.1f)  geo=(%.6f, %.6f)\n",
			g.ID, g.PixelX, g.PixelY, g.Lat, g.Lon)
	}

	fmt.Printf("\n=== Solve ===\n")
	solved, err := eng.Solve(engine.SolveRequest{
		ImageID: "cli", Width: width, Height: height, GCPs: res.GCPs,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Solve failed: %v\n", err)
		os.Exit(1)
	}
	for _, r := range solved.Residuals {
		fmt.Printf("  GCP %2d: residual %.2f m\n", r.GCPID, r.ErrorM)
	}
	fmt.Printf("RMS error: %.2f m  exportable=%v\n", solved.RMSErrorM, solved.Exportable)
}

func imageDimensions(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

func parseBBox(s string) (geo.BoundingBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return geo.BoundingBox{}, fmt.Errorf("want north,south,east,west")
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return geo.BoundingBox{}, err
		}
		vals[i] = v
	}
	return geo.BoundingBox{North: vals[0], South: vals[1], East: vals[2], West: vals[3]}, nil
}

