// Package metadata extracts an approximate geographic anchor for an
// aerial image from whichever source is available: embedded GeoTIFF
// tags, world-file or footprint sidecars, USGS metadata records, or
// EXIF GPS. Sources are tried in strict priority order and every parser
// fails soft; the resolver always returns an anchor, even if KindNone.
package metadata

import (
	"log/slog"
	"math"

	"mapsync/internal/geo"
)

// Kind identifies which source produced a GeoAnchor.
type Kind string

const (
	KindGeoTransform Kind = "geotransform"
	KindWorldFile    Kind = "world_file"
	KindFootprint    Kind = "footprint"
	KindSidecar      Kind = "metadata_sidecar"
	KindEXIFGPS      Kind = "exif_gps"
	KindNone         Kind = "none"
)

// GeoAnchor is a best-effort geographic location for an image. Center
// is valid whenever Kind != KindNone. Bounds is nil when the source
// yields only a point; GSD is 0 when unknown.
type GeoAnchor struct {
	Kind    Kind             `json:"kind"`
	Center  geo.LatLon       `json:"center"`
	GSD     float64          `json:"gsd_m_per_px,omitempty"`
	Corners []geo.LatLon     `json:"corners,omitempty"`
	Bounds  *geo.BoundingBox `json:"bounds,omitempty"`
	Source  string           `json:"source_label"`
}

// HasLocation reports whether the anchor carries a usable center point.
func (a GeoAnchor) HasLocation() bool {
	return a.Kind != KindNone
}

// Resolver runs the metadata source chain for one image file.
type Resolver struct {
	log *slog.Logger
}

// NewResolver creates a Resolver. A nil logger uses slog.Default.
func NewResolver(log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{log: log}
}

type source struct {
	name string
	try  func(path string, width, height int) (*GeoAnchor, bool)
}

// Resolve tries each metadata source in priority order and returns the
// first hit. Width and height are the original image dimensions in
// pixels, needed by sources that derive extent from pixel scale.
func (r *Resolver) Resolve(path string, width, height int) GeoAnchor {
	sources := []source{
		{"geotransform", extractGeoTransform},
		{"world file", extractWorldFile},
		{"footprint", extractFootprint},
		{"metadata sidecar", extractSidecar},
		{"exif gps", extractEXIFGPS},
	}

	for _, s := range sources {
		anchor, ok := s.try(path, width, height)
		if !ok {
			continue
		}
		r.log.Debug("metadata anchor found",
			"source", s.name,
			"kind", anchor.Kind,
			"lat", anchor.Center.Lat,
			"lon", anchor.Center.Lon)
		return *anchor
	}

	r.log.Debug("no metadata anchor", "path", path)
	return GeoAnchor{Kind: KindNone, Source: ""}
}

func abs(v float64) float64 {
	return math.Abs(v)
}

func cosDeg(deg float64) float64 {
	return math.Cos(deg * math.Pi / 180)
}

// anchorFromBounds fills the derived fields shared by box-shaped sources.
func anchorFromBounds(kind Kind, b geo.BoundingBox, gsd float64, label string) *GeoAnchor {
	return &GeoAnchor{
		Kind:   kind,
		Center: b.Center(),
		GSD:    gsd,
		Corners: []geo.LatLon{
			{Lat: b.North, Lon: b.West},
			{Lat: b.North, Lon: b.East},
			{Lat: b.South, Lon: b.East},
			{Lat: b.South, Lon: b.West},
		},
		Bounds: &b,
		Source: label,
	}
}
