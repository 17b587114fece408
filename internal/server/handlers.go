// Package server exposes the georeferencing engine over HTTP.
package server

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"mapsync/internal/engine"
	"mapsync/internal/gcp"
	"mapsync/internal/geo"
	"mapsync/internal/match"
	"mapsync/internal/mosaic"
	"mapsync/internal/version"
)

// Dependencies wires handlers to the engine.
type Dependencies struct {
	Engine *engine.Engine
	// RequestTimeout bounds one auto-match call end to end.
	RequestTimeout time.Duration
}

type bboxDTO struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

type autoMatchRequest struct {
	ImageID      string   `json:"image_id"`
	ImagePath    string   `json:"image_path"`
	Width        int      `json:"width"`
	Height       int      `json:"height"`
	BBox         *bboxDTO `json:"bbox,omitempty"`
	OverlayHints []string `json:"overlay_hints,omitempty"`
}

// AutoMatchHandler runs the automatic georeferencing pipeline.
func AutoMatchHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req autoMatchRequest
		if err := c.BodyParser(&req); err != nil {
			return errBadRequest(c, "invalid JSON body")
		}
		if req.ImagePath == "" || req.Width <= 0 || req.Height <= 0 {
			return errBadRequest(c, "image_path and positive width/height are required")
		}

		engReq := engine.AutoMatchRequest{
			ImageID:      req.ImageID,
			ImagePath:    req.ImagePath,
			Width:        req.Width,
			Height:       req.Height,
			OverlayHints: req.OverlayHints,
		}
		if req.BBox != nil {
			engReq.BBox = &geo.BoundingBox{
				North: req.BBox.North, South: req.BBox.South,
				East: req.BBox.East, West: req.BBox.West,
			}
		}

		ctx, cancel := context.WithTimeout(c.Context(), deps.RequestTimeout)
		defer cancel()

		res, err := deps.Engine.AutoMatch(ctx, engReq)
		if err != nil {
			return autoMatchError(c, err)
		}
		return c.JSON(res)
	}
}

// autoMatchError maps engine failures onto the response taxonomy so
// callers can distinguish "change the bbox or go manual" from "the
// tile source is down, retry later".
func autoMatchError(c *fiber.Ctx, err error) error {
	var (
		invalidBBox  *geo.InvalidBoundingBoxError
		fetchErr     *mosaic.FetchError
		insufficient *match.InsufficientMatchesError
	)
	switch {
	// FetchError wraps the context error when tile fetching is cut
	// short, so the timeout check must run before the As checks or a
	// deadline surfaces as a retryable 502.
	case errors.Is(err, context.DeadlineExceeded):
		return newError(c, fiber.StatusGatewayTimeout, "timeout", "auto-match timed out")
	case errors.Is(err, engine.ErrNoLocation):
		return newErrorWithDetails(c, fiber.StatusUnprocessableEntity,
			"no_location", err.Error(), string(engine.StateAwaitManualBBox), nil)
	case errors.As(err, &invalidBBox):
		return newErrorWithDetails(c, fiber.StatusBadRequest,
			"invalid_bbox", err.Error(), string(engine.StateAwaitManualBBox),
			map[string]any{
				"lat_span": invalidBBox.LatSpan,
				"lon_span": invalidBBox.LonSpan,
			})
	case errors.As(err, &fetchErr):
		return newErrorWithDetails(c, fiber.StatusBadGateway,
			"reference_unavailable", err.Error(), string(engine.StateFallbackOffered),
			map[string]any{
				"tiles_failed": fetchErr.Failed,
				"tiles_total":  fetchErr.Total,
				"retryable":    true,
			})
	case errors.As(err, &insufficient):
		return newErrorWithDetails(c, fiber.StatusUnprocessableEntity,
			"insufficient_matches", err.Error(), string(engine.StateFallbackOffered),
			map[string]any{
				"match_count":  insufficient.MatchCount,
				"inlier_count": insufficient.InlierCount,
				"min_inliers":  insufficient.MinInliers,
			})
	default:
		return errInternal(c, err.Error())
	}
}

type solveRequest struct {
	ImageID string             `json:"image_id"`
	Width   int                `json:"width"`
	Height  int                `json:"height"`
	GCPs    []gcp.ControlPoint `json:"gcps"`
}

// SolveHandler fits a transform to the submitted control points.
func SolveHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req solveRequest
		if err := c.BodyParser(&req); err != nil {
			return errBadRequest(c, "invalid JSON body")
		}
		if req.Width <= 0 || req.Height <= 0 {
			return errBadRequest(c, "positive width/height are required")
		}

		res, err := deps.Engine.Solve(engine.SolveRequest{
			ImageID: req.ImageID,
			Width:   req.Width,
			Height:  req.Height,
			GCPs:    req.GCPs,
		})
		if err != nil {
			var degen *gcp.DegenerateSetError
			if errors.As(err, &degen) {
				return newErrorWithDetails(c, fiber.StatusUnprocessableEntity,
					"degenerate_gcp_set", err.Error(), string(engine.StateGCPsReady),
					map[string]any{"gcp_count": len(req.GCPs), "min_points": gcp.MinPoints})
			}
			return errInternal(c, err.Error())
		}
		return c.JSON(res)
	}
}

type probeRequest struct {
	ImagePath string `json:"image_path"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

// ProbeHandler resolves metadata without fetching tiles, so callers
// can show which anchor an auto-match would start from.
func ProbeHandler(deps *Dependencies) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req probeRequest
		if err := c.BodyParser(&req); err != nil {
			return errBadRequest(c, "invalid JSON body")
		}
		if req.ImagePath == "" {
			return errBadRequest(c, "image_path is required")
		}
		return c.JSON(deps.Engine.Probe(req.ImagePath, req.Width, req.Height))
	}
}

// HealthHandler returns a basic liveness check.
func HealthHandler() fiber.Handler {
	startedAt := time.Now()
	return func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "healthy",
			"uptime":  time.Since(startedAt).String(),
			"version": version.Version,
		})
	}
}
