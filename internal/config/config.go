package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server Server `mapstructure:"server"`
	Log    Log    `mapstructure:"log"`
	Tiles  Tiles  `mapstructure:"tiles"`
	Match  Match  `mapstructure:"match"`
	BBox   BBox   `mapstructure:"bbox"`
}

type Server struct {
	Port         int `mapstructure:"port"`
	ReadTimeout  int `mapstructure:"read_timeout"`
	WriteTimeout int `mapstructure:"write_timeout"`
	// RequestTimeout bounds one auto-match call end to end, seconds.
	RequestTimeout int `mapstructure:"request_timeout"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Tiles struct {
	URLTemplate  string  `mapstructure:"url_template"`
	Concurrency  int     `mapstructure:"concurrency"`
	Retries      int     `mapstructure:"retries"`
	TimeoutSec   int     `mapstructure:"timeout_sec"`
	MaxTiles     int     `mapstructure:"max_tiles"`
	MinZoom      int     `mapstructure:"min_zoom"`
	MaxZoom      int     `mapstructure:"max_zoom"`
	MaxFailRatio float64 `mapstructure:"max_fail_ratio"`
}

type Match struct {
	MaxFeatures      int     `mapstructure:"max_features"`
	RatioThreshold   float64 `mapstructure:"ratio_threshold"`
	FallbackRatio    float64 `mapstructure:"fallback_ratio"`
	RANSACIterations int     `mapstructure:"ransac_iterations"`
	RANSACThreshold  float64 `mapstructure:"ransac_threshold"`
	MinInliers       int     `mapstructure:"min_inliers"`
	GridSize         int     `mapstructure:"grid_size"`
	MinGCPs          int     `mapstructure:"min_gcps"`
	MaxDim           int     `mapstructure:"max_dim"`
	UseEdges         bool    `mapstructure:"use_edges"`
	// Seed fixes RANSAC sampling for reproducible runs; 0 means
	// seeded from the clock.
	Seed int64 `mapstructure:"seed"`
}

type BBox struct {
	MinSpanDeg float64 `mapstructure:"min_span_deg"`
	MaxSpanDeg float64 `mapstructure:"max_span_deg"`
	// SearchRadiusM sizes the box built around point-only metadata.
	SearchRadiusM float64 `mapstructure:"search_radius_m"`
	// PreferMetadataBounds uses a metadata footprint extent when one
	// exists instead of a radius around its center.
	PreferMetadataBounds bool `mapstructure:"prefer_metadata_bounds"`
}

// Load reads configuration from file and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 120)
	v.SetDefault("server.request_timeout", 120)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("tiles.url_template", "https://server.arcgisonline.com/ArcGIS/rest/services/World_Imagery/MapServer/tile/{z}/{y}/{x}")
	v.SetDefault("tiles.concurrency", 8)
	v.SetDefault("tiles.retries", 2)
	v.SetDefault("tiles.timeout_sec", 15)
	v.SetDefault("tiles.max_tiles", 400)
	v.SetDefault("tiles.min_zoom", 12)
	v.SetDefault("tiles.max_zoom", 19)
	v.SetDefault("tiles.max_fail_ratio", 0.2)
	v.SetDefault("match.max_features", 10000)
	v.SetDefault("match.ratio_threshold", 0.75)
	v.SetDefault("match.fallback_ratio", 0.7)
	v.SetDefault("match.ransac_iterations", 2000)
	v.SetDefault("match.ransac_threshold", 5.0)
	v.SetDefault("match.min_inliers", 10)
	v.SetDefault("match.grid_size", 5)
	v.SetDefault("match.min_gcps", 5)
	v.SetDefault("match.max_dim", 2048)
	v.SetDefault("match.use_edges", false)
	v.SetDefault("match.seed", 0)
	v.SetDefault("bbox.min_span_deg", 0.001)
	v.SetDefault("bbox.max_span_deg", 0.5)
	v.SetDefault("bbox.search_radius_m", 2000)
	v.SetDefault("bbox.prefer_metadata_bounds", true)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	_ = v.ReadInConfig() // OK if missing

	// Environment variables: MAPSYNC_TILES_MAX_TILES → tiles.max_tiles
	v.SetEnvPrefix("MAPSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks that configuration fields are present and sane.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.RequestTimeout <= 0 {
		errs = append(errs, "server.request_timeout must be positive")
	}
	if c.Tiles.URLTemplate == "" {
		errs = append(errs, "tiles.url_template is required")
	}
	if c.Tiles.Concurrency <= 0 {
		errs = append(errs, "tiles.concurrency must be positive")
	}
	if c.Tiles.MaxTiles <= 0 {
		errs = append(errs, "tiles.max_tiles must be positive")
	}
	if c.Tiles.MinZoom < 0 || c.Tiles.MaxZoom < c.Tiles.MinZoom {
		errs = append(errs, fmt.Sprintf("tiles zoom range [%d, %d] is invalid", c.Tiles.MinZoom, c.Tiles.MaxZoom))
	}
	if c.Tiles.MaxFailRatio < 0 || c.Tiles.MaxFailRatio >= 1 {
		errs = append(errs, "tiles.max_fail_ratio must be in [0, 1)")
	}
	if c.Match.RatioThreshold <= 0 || c.Match.RatioThreshold >= 1 {
		errs = append(errs, "match.ratio_threshold must be in (0, 1)")
	}
	if c.Match.MinInliers < 4 {
		errs = append(errs, "match.min_inliers must be at least 4")
	}
	if c.Match.GridSize <= 0 {
		errs = append(errs, "match.grid_size must be positive")
	}
	if c.Match.MinGCPs < 3 {
		errs = append(errs, "match.min_gcps must be at least 3")
	}
	if c.BBox.MinSpanDeg <= 0 || c.BBox.MaxSpanDeg <= c.BBox.MinSpanDeg {
		errs = append(errs, fmt.Sprintf("bbox span range [%g, %g] is invalid", c.BBox.MinSpanDeg, c.BBox.MaxSpanDeg))
	}
	if c.BBox.SearchRadiusM <= 0 {
		errs = append(errs, "bbox.search_radius_m must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
