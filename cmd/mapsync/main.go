// mapsync serves the aerial photo georeferencing API: metadata
// probing, automatic feature matching against reference imagery, and
// control point transform solving.
package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"mapsync/internal/config"
	"mapsync/internal/engine"
	"mapsync/internal/gcp"
	"mapsync/internal/geo"
	"mapsync/internal/logging"
	"mapsync/internal/match"
	"mapsync/internal/metadata"
	"mapsync/internal/mosaic"
	"mapsync/internal/server"
	"mapsync/internal/version"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logging.Setup(cfg.Log.Level, cfg.Log.Format)

	// Pipeline stages
	resolver := metadata.NewResolver(slog.Default())

	tileSource := mosaic.NewHTTPSource(cfg.Tiles.URLTemplate,
		time.Duration(cfg.Tiles.TimeoutSec)*time.Second)
	builder := mosaic.NewBuilder(tileSource, mosaic.Options{
		Concurrency:  cfg.Tiles.Concurrency,
		Retries:      cfg.Tiles.Retries,
		MaxTiles:     cfg.Tiles.MaxTiles,
		MinZoom:      cfg.Tiles.MinZoom,
		MaxZoom:      cfg.Tiles.MaxZoom,
		MaxFailRatio: cfg.Tiles.MaxFailRatio,
	}, slog.Default())

	matcher := match.New(match.Options{
		MaxFeatures:      cfg.Match.MaxFeatures,
		RatioThreshold:   cfg.Match.RatioThreshold,
		FallbackRatio:    cfg.Match.FallbackRatio,
		RANSACIterations: cfg.Match.RANSACIterations,
		RANSACThreshold:  cfg.Match.RANSACThreshold,
		MinInliers:       cfg.Match.MinInliers,
		GridSize:         cfg.Match.GridSize,
		MinGCPs:          cfg.Match.MinGCPs,
		MaxDim:           cfg.Match.MaxDim,
		UseEdges:         cfg.Match.UseEdges,
		Seed:             cfg.Match.Seed,
	}, slog.Default())

	eng := engine.New(resolver, builder, matcher, nil, engine.Options{
		SearchRadiusM:      cfg.BBox.SearchRadiusM,
		PreferMetadataBBox: cfg.BBox.PreferMetadataBounds,
		Limits: geo.SpanLimits{
			Min: cfg.BBox.MinSpanDeg,
			Max: cfg.BBox.MaxSpanDeg,
		},
		MinExportGCPs: gcp.MinExportPoints,
	}, slog.Default())

	deps := &server.Dependencies{
		Engine:         eng,
		RequestTimeout: time.Duration(cfg.Server.RequestTimeout) * time.Second,
	}

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    4 * 1024 * 1024,
		AppName:      "MapSync API",
	})
	app.Use(recover.New())

	server.SetupRoutes(app, deps)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		slog.Info("API server starting", "addr", addr, "version", version.String())
		if err := app.Listen(addr); err != nil {
			log.Fatalf("listen: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		slog.Error("shutdown", "error", err)
	}
}
