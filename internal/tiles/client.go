package tiles

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"map-compositor/internal/logging"
	"map-compositor/internal/metrics"
	"map-compositor/internal/projection"
	"map-compositor/internal/ratelimit"
)

const (
	DefaultURL          = "https://tile.openstreetmap.org/{z}/{x}/{y}.png"
	DefaultUserAgent    = "mapcompose/1.0 (GPS-centered map compositor)"
	DefaultTimeout      = 10 * time.Second
	DefaultMaxAttempts  = 3
	DefaultRetryPause   = time.Second
	DefaultRequestDelay = time.Second

	acceptHeader = "image/png,image/*,*/*"
)

// Store is a byte cache consulted before the network
type Store interface {
	Get(key string) ([]byte, bool)
	Set(key string, data []byte) error
}

// Options configures a Client
type Options struct {
	URL          string
	UserAgent    string
	Timeout      time.Duration // per attempt
	MaxAttempts  int           // total attempts, including the first
	RetryPause   time.Duration
	RequestDelay time.Duration // minimum spacing between network fetches across all workers

	Store      Store
	RateLimit  *ratelimit.Handler
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client fetches and decodes tiles from a slippy-map server
type Client struct {
	opts      Options
	http      *http.Client
	limiter   *rate.Limiter
	group     singleflight.Group
	host      string
	sourceKey string
	logger    *slog.Logger
}

// NewClient creates a tile client, filling unset options with defaults
func NewClient(opts Options) (*Client, error) {
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryPause < 0 {
		opts.RetryPause = 0
	}

	u, err := url.Parse(BuildURL(opts.URL, projection.TileCoord{}))
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid tile URL %q", opts.URL)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}

	limit := rate.Inf
	if opts.RequestDelay > 0 {
		limit = rate.Every(opts.RequestDelay)
	}

	sum := sha256.Sum256([]byte(opts.URL))

	return &Client{
		opts:      opts,
		http:      httpClient,
		limiter:   rate.NewLimiter(limit, 1),
		host:      u.Host,
		sourceKey: hex.EncodeToString(sum[:])[:12],
		logger:    logging.OrDefault(opts.Logger),
	}, nil
}

// Host returns the tile server host used for rate limit bookkeeping
func (c *Client) Host() string {
	return c.host
}

// CacheKey returns the store key for a tile of this client's source
func (c *Client) CacheKey(coord projection.TileCoord) string {
	return c.sourceKey + "/" + coord.String()
}

// Fetch returns the decoded tile at coord. Exhausted retries yield a *FetchError;
// cancellation yields the context error.
func (c *Client) Fetch(ctx context.Context, coord projection.TileCoord) (*Tile, error) {
	if !coord.Valid() {
		return nil, &FetchError{Coord: coord, Reason: ErrInvalidCoord}
	}

	key := c.CacheKey(coord)
	if c.opts.Store != nil {
		if data, ok := c.opts.Store.Get(key); ok {
			if img, err := Decode(data); err == nil {
				return &Tile{Coord: coord, Image: img, FromCache: true}, nil
			}
			c.logger.Warn("discarding undecodable cached tile", "tile", coord.String())
		}
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		return c.fetchRemote(ctx, coord, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Tile), nil
}

func (c *Client) fetchRemote(ctx context.Context, coord projection.TileCoord, key string) (*Tile, error) {
	if c.opts.RateLimit != nil && c.opts.RateLimit.InCooldown(c.host) {
		metrics.TileRequests.WithLabelValues("rate_limited").Inc()
		metrics.TileFailures.Inc()
		return nil, &FetchError{Coord: coord, Reason: ErrRateLimited}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, ctxErr(ctx, err)
	}

	tileURL := BuildURL(c.opts.URL, coord)
	var lastErr error
	attempts := 0

	for attempt := 1; attempt <= c.opts.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, c.opts.RetryPause); err != nil {
				return nil, err
			}
		}
		attempts = attempt

		data, err := c.get(ctx, tileURL)
		if err == nil {
			decoded, derr := Decode(data)
			if derr == nil {
				metrics.TileRequests.WithLabelValues("ok").Inc()
				if c.opts.Store != nil {
					if serr := c.opts.Store.Set(key, data); serr != nil {
						c.logger.Warn("failed to cache tile", "tile", coord.String(), "error", serr)
					}
				}
				return &Tile{Coord: coord, Image: decoded}, nil
			}
			err = derr
			metrics.TileRequests.WithLabelValues("decode").Inc()
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		c.logger.Debug("tile attempt failed",
			"z", coord.Zoom, "x", coord.X, "y", coord.Y, "attempt", attempt, "error", err)

		var se *StatusError
		if errors.As(err, &se) && ratelimit.IsStatusRateLimited(se.Code) && c.opts.RateLimit != nil {
			// No point hammering a throttled host with the remaining attempts
			break
		}
	}

	metrics.TileFailures.Inc()
	c.logger.Warn("tile unavailable",
		"z", coord.Zoom, "x", coord.X, "y", coord.Y, "attempts", attempts, "error", lastErr)
	return nil, &FetchError{Coord: coord, Attempts: attempts, Reason: lastErr}
}

// get performs a single HTTP attempt
func (c *Client) get(ctx context.Context, tileURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tileURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.opts.UserAgent)
	req.Header.Set("Accept", acceptHeader)

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.TileFetchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			metrics.TileRequests.WithLabelValues("timeout").Inc()
		} else {
			metrics.TileRequests.WithLabelValues("network").Inc()
		}
		return nil, fmt.Errorf("failed to fetch tile: %w", err)
	}
	defer resp.Body.Close()

	if c.opts.RateLimit != nil {
		c.opts.RateLimit.CheckResponse(c.host, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		metrics.TileRequests.WithLabelValues("http_error").Inc()
		return nil, &StatusError{Code: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.TileRequests.WithLabelValues("network").Inc()
		return nil, fmt.Errorf("failed to read tile body: %w", err)
	}
	if len(data) == 0 {
		metrics.TileRequests.WithLabelValues("empty").Inc()
		return nil, ErrEmptyBody
	}
	return data, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ctxErr prefers the context's own error over the limiter's wrapped variant
func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
