// Package engine orchestrates metadata resolution, mosaic building,
// feature matching, and transform solving for one image at a time.
package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"mapsync/internal/gcp"
	"mapsync/internal/geo"
	"mapsync/internal/imaging"
	"mapsync/internal/match"
	"mapsync/internal/metadata"
	"mapsync/internal/metrics"
	"mapsync/internal/mosaic"
)

// ErrNoLocation means neither metadata nor the request supplied a
// geographic hint, so there is nothing to build a mosaic around.
var ErrNoLocation = errors.New("no location available: supply a bounding box")

// Resolver finds a geographic anchor for an image file.
type Resolver interface {
	Resolve(path string, width, height int) metadata.GeoAnchor
}

// MosaicBuilder assembles reference imagery covering a bounding box.
type MosaicBuilder interface {
	Build(ctx context.Context, bbox geo.BoundingBox, targetGSD float64) (*mosaic.Mosaic, error)
}

// FeatureMatcher correlates an aerial image against a mosaic.
type FeatureMatcher interface {
	Match(ctx context.Context, aerial image.Image, origWidth, origHeight int, ref *mosaic.Mosaic) (*match.Result, error)
}

// ImageLoader decodes the aerial source file.
type ImageLoader func(path string) (image.Image, error)

// Options tunes orchestration policy.
type Options struct {
	// SearchRadiusM sizes the bounding box built around a point-only
	// anchor such as an EXIF GPS fix.
	SearchRadiusM float64
	// PreferMetadataBBox uses a metadata-derived extent even when the
	// request carries a manual bbox from an earlier fallback round. A
	// manual bbox in the current request always wins regardless.
	PreferMetadataBBox bool
	// Limits bounds acceptable bbox spans.
	Limits geo.SpanLimits
	// MinExportGCPs is the policy minimum before a set is exportable.
	MinExportGCPs int
}

// DefaultOptions returns production policy.
func DefaultOptions() Options {
	return Options{
		SearchRadiusM:      2000,
		PreferMetadataBBox: true,
		Limits:             geo.DefaultSpanLimits(),
		MinExportGCPs:      gcp.MinExportPoints,
	}
}

// Engine wires the pipeline stages together.
type Engine struct {
	resolver Resolver
	builder  MosaicBuilder
	matcher  FeatureMatcher
	load     ImageLoader
	opts     Options
	log      *slog.Logger
}

// New builds an Engine. A nil loader uses the default file decoder; a
// nil logger uses slog.Default.
func New(resolver Resolver, builder MosaicBuilder, matcher FeatureMatcher, load ImageLoader, opts Options, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if load == nil {
		load = imaging.Load
	}
	return &Engine{
		resolver: resolver,
		builder:  builder,
		matcher:  matcher,
		load:     load,
		opts:     opts,
		log:      log,
	}
}

// AutoMatchRequest describes one automatic georeferencing attempt.
type AutoMatchRequest struct {
	ImageID   string
	ImagePath string
	// Width and Height are the original image dimensions; ImagePath
	// may point at a preview scaled down from them.
	Width  int
	Height int
	// BBox is a caller-drawn search area. When set it overrides any
	// metadata-derived extent.
	BBox *geo.BoundingBox
	// OverlayHints are labels from caller-supplied vector overlays.
	// They are surfaced in logs only and never influence matching.
	OverlayHints []string
}

// AutoMatchResult is a successful automatic match.
type AutoMatchResult struct {
	GCPs           []gcp.ControlPoint `json:"gcps"`
	Confidence     float64            `json:"confidence"`
	InlierCount    int                `json:"inlier_count"`
	MatchCount     int                `json:"match_count"`
	UsedMetadata   bool               `json:"used_metadata"`
	MetadataSource string             `json:"metadata_source,omitempty"`
	Detector       string             `json:"detector"`
	BBox           geo.BoundingBox    `json:"bbox"`
	State          State              `json:"state"`
}

// AutoMatch runs resolve → bbox → mosaic → match. Failures come back
// as typed errors: ErrNoLocation when a bbox must be drawn,
// *geo.InvalidBoundingBoxError for a bad search area,
// *mosaic.FetchError when the tile source is unhealthy, and
// *match.InsufficientMatchesError when the imagery does not agree.
func (e *Engine) AutoMatch(ctx context.Context, req AutoMatchRequest) (*AutoMatchResult, error) {
	if req.ImagePath == "" || req.Width <= 0 || req.Height <= 0 {
		return nil, fmt.Errorf("invalid request: path and positive dimensions required")
	}
	if len(req.OverlayHints) > 0 {
		e.log.Info("overlay hints present; informational only",
			"image_id", req.ImageID, "hints", len(req.OverlayHints))
	}

	anchor := e.resolver.Resolve(req.ImagePath, req.Width, req.Height)

	bbox, usedMetadata, err := e.chooseBBox(req, anchor)
	if err != nil {
		return nil, err
	}
	if err := bbox.Validate(e.opts.Limits); err != nil {
		return nil, err
	}

	targetGSD := anchor.GSD
	if targetGSD == 0 {
		targetGSD = geo.EstimateGSD(bbox, req.Width, req.Height)
	}

	e.log.Info("auto-match starting",
		"image_id", req.ImageID,
		"metadata_source", string(anchor.Kind),
		"used_metadata", usedMetadata,
		"target_gsd", fmt.Sprintf("%.2f", targetGSD))

	ref, err := e.builder.Build(ctx, bbox, targetGSD)
	if err != nil {
		return nil, fmt.Errorf("build reference mosaic: %w", err)
	}

	aerial, err := e.load(req.ImagePath)
	if err != nil {
		return nil, fmt.Errorf("load aerial image: %w", err)
	}

	res, err := e.matcher.Match(ctx, aerial, req.Width, req.Height, ref)
	if err != nil {
		return nil, err
	}

	out := &AutoMatchResult{
		GCPs:         res.GCPs,
		Confidence:   res.Confidence,
		InlierCount:  res.InlierCount,
		MatchCount:   res.MatchCount,
		UsedMetadata: usedMetadata,
		Detector:     res.Detector,
		BBox:         ref.BBox,
		State:        StateGCPsReady,
	}
	if usedMetadata {
		out.MetadataSource = anchor.Source
	}
	return out, nil
}

// chooseBBox picks the search area: a manual bbox always wins, then a
// metadata extent or a radius around a metadata point, depending on
// policy. A metadata extent outside the span limits is not the
// caller's fault, so it degrades to a radius box around the metadata
// center instead of failing the request.
func (e *Engine) chooseBBox(req AutoMatchRequest, anchor metadata.GeoAnchor) (geo.BoundingBox, bool, error) {
	if req.BBox != nil {
		return *req.BBox, false, nil
	}
	if !anchor.HasLocation() {
		return geo.BoundingBox{}, false, ErrNoLocation
	}
	if e.opts.PreferMetadataBBox && anchor.Bounds != nil {
		if err := anchor.Bounds.Validate(e.opts.Limits); err == nil {
			return *anchor.Bounds, true, nil
		}
		e.log.Debug("metadata bounds outside span limits, using radius around center",
			"source", anchor.Source,
			"lat_span", anchor.Bounds.LatSpan(),
			"lon_span", anchor.Bounds.LonSpan())
	}
	return geo.BoxAround(anchor.Center, e.opts.SearchRadiusM), true, nil
}

// SolveRequest fits a transform to the current control point set.
type SolveRequest struct {
	ImageID string
	Width   int
	Height  int
	GCPs    []gcp.ControlPoint
}

// SolveResult reports fit quality and the geographic extent of the
// fitted transform.
type SolveResult struct {
	Residuals  []gcp.Residual  `json:"residuals"`
	RMSErrorM  float64         `json:"rms_error_m"`
	Bounds     geo.BoundingBox `json:"bounds"`
	Exportable bool            `json:"exportable"`
	State      State           `json:"state"`
}

// Solve re-derives the transform from the supplied points; nothing is
// cached between calls, so edits always take effect.
func (e *Engine) Solve(req SolveRequest) (*SolveResult, error) {
	start := time.Now()
	defer func() {
		metrics.SolveDuration.Observe(time.Since(start).Seconds())
	}()

	if err := gcp.ValidateSet(req.GCPs, req.Width, req.Height); err != nil {
		return nil, err
	}

	transform, err := gcp.Solve(req.GCPs)
	if err != nil {
		return nil, err
	}

	eval := gcp.Evaluate(transform, req.GCPs)
	e.log.Info("transform solved",
		"image_id", req.ImageID,
		"gcps", len(req.GCPs),
		"rms_error_m", fmt.Sprintf("%.2f", eval.RMSErrorM))

	return &SolveResult{
		Residuals:  eval.Residuals,
		RMSErrorM:  eval.RMSErrorM,
		Bounds:     gcp.Bounds(transform, req.Width, req.Height),
		Exportable: len(req.GCPs) >= e.opts.MinExportGCPs,
		State:      StateGCPsReady,
	}, nil
}

// Probe resolves metadata only, reporting what would anchor an
// auto-match without fetching any tiles.
func (e *Engine) Probe(path string, width, height int) metadata.GeoAnchor {
	return e.resolver.Resolve(path, width, height)
}
