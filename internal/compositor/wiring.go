package compositor

import (
	"log/slog"

	"map-compositor/internal/analytics"
	"map-compositor/internal/annotate"
	"map-compositor/internal/cache"
	"map-compositor/internal/config"
	"map-compositor/internal/logging"
	"map-compositor/internal/ratelimit"
	"map-compositor/internal/tiles"
)

// NewFromConfig builds the full stack described by cfg: layered tile cache,
// rate limit tracking and the tile client. Call Close when done.
func NewFromConfig(cfg *config.Config, tracker *analytics.Tracker, version string, logger *slog.Logger) (*Compositor, error) {
	logger = logging.OrDefault(logger)

	style, err := annotate.ParseMarkerStyle(cfg.Annotate.MarkerStyle)
	if err != nil {
		return nil, err
	}

	var closers []func()
	var store tiles.Store
	if cfg.Cache.Enabled {
		layered := &cache.Layered{Memory: cache.NewMemoryCache(cfg.Cache.MemoryItems, cfg.Cache.TTL)}
		disk, err := cache.NewTileCache(cfg.Cache.Dir, cfg.Cache.MaxSizeMB, cfg.Cache.TTL)
		if err != nil {
			logger.Warn("disk tile cache unavailable, using memory only", "dir", cfg.Cache.Dir, "error", err)
		} else {
			layered.Disk = disk
			entries, size, maxBytes := disk.Stats()
			logger.Debug("tile cache opened", "dir", cfg.Cache.Dir, "entries", entries, "bytes", size, "max_bytes", maxBytes)
		}
		store = layered
		closers = append(closers, layered.Close)
	}

	var limiter *ratelimit.Handler
	if cfg.Tiles.RespectRateLimit {
		limiter = ratelimit.NewHandler(ratelimit.DefaultRetryStrategy(), logger)
		limiter.SetOnRateLimit(func(e ratelimit.Event) {
			logger.Warn(e.Message(), "host", e.Host, "status", e.StatusCode)
		})
		limiter.SetOnRecovered(func(host string) {
			logger.Info("tile server recovered", "host", host)
		})
	}

	client, err := tiles.NewClient(tiles.Options{
		URL:          cfg.Tiles.URL,
		UserAgent:    cfg.Tiles.UserAgent,
		Timeout:      cfg.Tiles.Timeout,
		MaxAttempts:  cfg.Tiles.MaxAttempts,
		RetryPause:   cfg.Tiles.RetryPause,
		RequestDelay: cfg.Tiles.RequestDelay,
		Store:        store,
		RateLimit:    limiter,
		Logger:       logger,
	})
	if err != nil {
		for _, c := range closers {
			c()
		}
		return nil, err
	}

	comp, err := New(Options{
		Fetcher:      client,
		Workers:      cfg.Tiles.Workers,
		MarkerStyle:  style,
		MarkerSize:   cfg.Annotate.MarkerSize,
		ScaleBar:     cfg.Annotate.ScaleBar,
		DPI:          cfg.Annotate.DPI,
		OutputDir:    cfg.Output.Dir,
		WritePNG:     cfg.Output.WritesPNG(),
		WriteGeoTIFF: cfg.Output.WritesGeoTIFF(),
		RateLimit:    limiter,
		Tracker:      tracker,
		Logger:       logger,
		Version:      version,
	})
	if err != nil {
		return nil, err
	}
	comp.closers = append(closers, tracker.Close)
	return comp, nil
}
