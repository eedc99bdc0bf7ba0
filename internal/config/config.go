package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"map-compositor/internal/cache"
)

// Output formats
const (
	FormatPNG     = "png"
	FormatGeoTIFF = "geotiff"
	FormatBoth    = "both"
)

// Config holds all compositor configuration.
type Config struct {
	Tiles     TilesConfig     `mapstructure:"tiles"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Output    OutputConfig    `mapstructure:"output"`
	Annotate  AnnotateConfig  `mapstructure:"annotate"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Analytics AnalyticsConfig `mapstructure:"analytics"`
}

type TilesConfig struct {
	URL              string        `mapstructure:"url"`
	UserAgent        string        `mapstructure:"user_agent"`
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	RetryPause       time.Duration `mapstructure:"retry_pause"`
	RequestDelay     time.Duration `mapstructure:"request_delay"`
	Workers          int           `mapstructure:"workers"`
	RespectRateLimit bool          `mapstructure:"respect_rate_limit"`
}

type CacheConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Dir         string        `mapstructure:"dir"`
	MaxSizeMB   int           `mapstructure:"max_size_mb"`
	MemoryItems int           `mapstructure:"memory_items"`
	TTL         time.Duration `mapstructure:"ttl"`
}

type OutputConfig struct {
	Dir    string `mapstructure:"dir"`
	Format string `mapstructure:"format"`
}

type AnnotateConfig struct {
	MarkerStyle string  `mapstructure:"marker_style"`
	MarkerSize  int     `mapstructure:"marker_size"`
	ScaleBar    bool    `mapstructure:"scale_bar"`
	DPI         float64 `mapstructure:"dpi"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

type AnalyticsConfig struct {
	PosthogKey  string `mapstructure:"posthog_key"`
	PosthogHost string `mapstructure:"posthog_host"`
}

// flagKeys maps command line flags to config keys
var flagKeys = map[string]string{
	"tile-url":      "tiles.url",
	"user-agent":    "tiles.user_agent",
	"workers":       "tiles.workers",
	"request-delay": "tiles.request_delay",
	"no-cache":      "cache.enabled",
	"cache-dir":     "cache.dir",
	"output-dir":    "output.dir",
	"format":        "output.format",
	"marker":        "annotate.marker_style",
	"marker-size":   "annotate.marker_size",
	"scale-bar":     "annotate.scale_bar",
	"dpi":           "annotate.dpi",
	"log-level":     "log.level",
	"log-format":    "log.format",
	"metrics-addr":  "metrics.addr",
}

// RegisterFlags adds the config-backed flags to fs
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a config file (default: ./mapcompose.yaml if present)")
	fs.String("tile-url", "", "tile URL template with {z}/{x}/{y} or a base URL")
	fs.String("user-agent", "", "User-Agent sent to the tile server")
	fs.Int("workers", 0, "concurrent tile fetches")
	fs.Duration("request-delay", 0, "minimum delay between tile requests")
	fs.Bool("no-cache", false, "disable the tile cache")
	fs.String("cache-dir", "", "tile cache directory")
	fs.String("output-dir", "", "directory for rendered frames")
	fs.String("format", "", "output format: png, geotiff or both")
	fs.String("marker", "", "center marker style: dot or cross")
	fs.Int("marker-size", 0, "center marker size in pixels")
	fs.Bool("scale-bar", true, "draw a scale bar")
	fs.Float64("dpi", 0, "DPI used to size the scale bar label")
	fs.String("log-level", "", "log level: debug, info, warn, error")
	fs.String("log-format", "", "log format: text or json")
	fs.String("metrics-addr", "", "serve Prometheus metrics on this address")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("tiles.url", "https://tile.openstreetmap.org/{z}/{x}/{y}.png")
	v.SetDefault("tiles.user_agent", "mapcompose/1.0 (GPS-centered map compositor)")
	v.SetDefault("tiles.timeout", "10s")
	v.SetDefault("tiles.max_attempts", 3)
	v.SetDefault("tiles.retry_pause", "1s")
	v.SetDefault("tiles.request_delay", "1s")
	v.SetDefault("tiles.workers", 4)
	v.SetDefault("tiles.respect_rate_limit", true)
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.dir", cache.GetCacheDir())
	v.SetDefault("cache.max_size_mb", 512)
	v.SetDefault("cache.memory_items", 256)
	v.SetDefault("cache.ttl", "720h")
	v.SetDefault("output.dir", ".")
	v.SetDefault("output.format", FormatPNG)
	v.SetDefault("annotate.marker_style", "dot")
	v.SetDefault("annotate.marker_size", 12)
	v.SetDefault("annotate.scale_bar", true)
	v.SetDefault("annotate.dpi", 96)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("metrics.addr", "")
	v.SetDefault("analytics.posthog_key", "")
	v.SetDefault("analytics.posthog_host", "https://eu.i.posthog.com")
}

// Load reads defaults, the optional config file, MAPCOMPOSE_* environment
// variables and finally flags set on fs (which may be nil).
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Config file (optional unless named explicitly)
	explicit := ""
	if fs != nil {
		if f := fs.Lookup("config"); f != nil {
			explicit = f.Value.String()
		}
	}
	if explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("mapcompose")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "mapcompose"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	// Environment variables: MAPCOMPOSE_TILES_URL → tiles.url
	v.SetEnvPrefix("MAPCOMPOSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := bindFlags(v, fs); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// bindFlags applies only flags the user actually set so unset flag
// defaults never shadow file or environment values.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var err error
	fs.Visit(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || err != nil {
			return
		}
		if f.Name == "no-cache" {
			v.Set(key, f.Value.String() != "true")
			return
		}
		err = v.BindPFlag(key, f)
	})
	return err
}

// Validate checks that configuration values are usable.
func (c *Config) Validate() error {
	var errs []string

	if c.Tiles.URL == "" {
		errs = append(errs, "tiles.url is required")
	}
	if c.Tiles.UserAgent == "" {
		errs = append(errs, "tiles.user_agent is required")
	}
	if c.Tiles.Timeout <= 0 {
		errs = append(errs, "tiles.timeout must be positive")
	}
	if c.Tiles.MaxAttempts < 1 {
		errs = append(errs, fmt.Sprintf("tiles.max_attempts must be at least 1, got %d", c.Tiles.MaxAttempts))
	}
	if c.Tiles.RetryPause < 0 {
		errs = append(errs, "tiles.retry_pause must not be negative")
	}
	if c.Tiles.RequestDelay < 0 {
		errs = append(errs, "tiles.request_delay must not be negative")
	}
	if c.Tiles.Workers < 1 || c.Tiles.Workers > 64 {
		errs = append(errs, fmt.Sprintf("tiles.workers must be 1-64, got %d", c.Tiles.Workers))
	}
	if c.Cache.Enabled {
		if c.Cache.Dir == "" {
			errs = append(errs, "cache.dir is required when the cache is enabled")
		}
		if c.Cache.MaxSizeMB <= 0 {
			errs = append(errs, "cache.max_size_mb must be positive")
		}
	}
	switch c.Output.Format {
	case FormatPNG, FormatGeoTIFF, FormatBoth:
	default:
		errs = append(errs, fmt.Sprintf("output.format must be png, geotiff or both, got %q", c.Output.Format))
	}
	switch c.Annotate.MarkerStyle {
	case "dot", "cross":
	default:
		errs = append(errs, fmt.Sprintf("annotate.marker_style must be dot or cross, got %q", c.Annotate.MarkerStyle))
	}
	if c.Annotate.MarkerSize <= 0 {
		errs = append(errs, "annotate.marker_size must be positive")
	}
	if c.Annotate.DPI <= 0 {
		errs = append(errs, "annotate.dpi must be positive")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("log.format must be text or json, got %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// WritesPNG reports whether the PNG frame should be written
func (o OutputConfig) WritesPNG() bool {
	return o.Format == FormatPNG || o.Format == FormatBoth
}

// WritesGeoTIFF reports whether a GeoTIFF copy should be written
func (o OutputConfig) WritesGeoTIFF() bool {
	return o.Format == FormatGeoTIFF || o.Format == FormatBoth
}
