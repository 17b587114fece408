// Package mosaic assembles a reference raster for a bounding box from
// an XYZ tile source, with a pixel-to-geographic affine mapping.
package mosaic

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"mapsync/internal/geo"
)

// DefaultTileURL is the Esri World Imagery tile endpoint.
const DefaultTileURL = "https://server.arcgisonline.com/ArcGIS/rest/services/World_Imagery/MapServer/tile/{z}/{y}/{x}"

const userAgent = "mapsync/1.0 (aerial-georeferencing)"

// Source provides reference imagery tiles.
type Source interface {
	FetchTile(ctx context.Context, tile geo.Tile) (image.Image, error)
}

// HTTPSource fetches tiles from an XYZ URL template containing {z},
// {x}, and {y} placeholders.
type HTTPSource struct {
	URLTemplate string
	Client      *http.Client
}

// NewHTTPSource builds a source with a per-request timeout. An empty
// template uses the Esri World Imagery endpoint.
func NewHTTPSource(urlTemplate string, timeout time.Duration) *HTTPSource {
	if urlTemplate == "" {
		urlTemplate = DefaultTileURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSource{
		URLTemplate: urlTemplate,
		Client:      &http.Client{Timeout: timeout},
	}
}

// errTileNotFound marks a 404: no imagery at this location and zoom.
// It is terminal, not retryable.
var errTileNotFound = fmt.Errorf("tile not found")

func (s *HTTPSource) FetchTile(ctx context.Context, tile geo.Tile) (image.Image, error) {
	url := s.tileURL(tile)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build tile request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch tile %d/%d/%d: %w", tile.Z, tile.X, tile.Y, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, errTileNotFound
	default:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("tile %d/%d/%d: status %d", tile.Z, tile.X, tile.Y, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read tile body: %w", err)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode tile %d/%d/%d: %w", tile.Z, tile.X, tile.Y, err)
	}
	return img, nil
}

func (s *HTTPSource) tileURL(tile geo.Tile) string {
	r := strings.NewReplacer(
		"{z}", strconv.Itoa(tile.Z),
		"{x}", strconv.Itoa(tile.X),
		"{y}", strconv.Itoa(tile.Y),
	)
	return r.Replace(s.URLTemplate)
}
