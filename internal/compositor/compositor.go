// Package compositor renders annotated GPS-centered map frames and writes
// them to disk.
package compositor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"map-compositor/internal/analytics"
	"map-compositor/internal/annotate"
	"map-compositor/internal/geo"
	"map-compositor/internal/logging"
	"map-compositor/internal/mosaic"
	"map-compositor/internal/pngmeta"
	"map-compositor/internal/projection"
	"map-compositor/internal/ratelimit"
	"map-compositor/internal/utils/naming"
	"map-compositor/pkg/geotiff"
)

// Generator is stored in every written PNG
const Generator = "mapcompose"

// Request describes one frame
type Request struct {
	Center  geo.GeoPoint
	Zoom    int
	Width   int
	Height  int
	Name    string // filename prefix, "map" when empty
	Polygon *annotate.AOIPolygon
}

// Frame is an annotated frame held in memory
type Frame struct {
	Image  *image.RGBA
	Result *mosaic.Result
}

// Output is a rendered frame and where it was written
type Output struct {
	Frame
	PNGPath     string
	GeoTIFFPath string
	RateLimited []ratelimit.Event
}

// Options configures a Compositor
type Options struct {
	Fetcher mosaic.Fetcher
	Workers int

	MarkerStyle annotate.MarkerStyle
	MarkerSize  int
	ScaleBar    bool
	DPI         float64

	OutputDir    string
	WritePNG     bool
	WriteGeoTIFF bool

	RateLimit *ratelimit.Handler
	Tracker   *analytics.Tracker
	Logger    *slog.Logger
	Version   string
}

// Compositor turns requests into annotated frames
type Compositor struct {
	opts      Options
	assembler *mosaic.Assembler
	logger    *slog.Logger
	closers   []func()
}

// New creates a compositor around an existing tile source
func New(opts Options) (*Compositor, error) {
	if opts.Fetcher == nil {
		return nil, errors.New("compositor needs a tile fetcher")
	}
	if opts.MarkerStyle == "" {
		opts.MarkerStyle = annotate.MarkerDot
	}
	if opts.MarkerSize <= 0 {
		opts.MarkerSize = annotate.DefaultMarkerSize
	}
	if opts.DPI <= 0 {
		opts.DPI = annotate.DefaultDPI
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "."
	}
	logger := logging.OrDefault(opts.Logger)
	return &Compositor{
		opts:      opts,
		assembler: mosaic.NewAssembler(opts.Fetcher, opts.Workers, logger),
		logger:    logger,
	}, nil
}

// SetProgressCallback forwards tile progress from the assembler
func (c *Compositor) SetProgressCallback(cb func(mosaic.Progress)) {
	c.assembler.SetProgressCallback(cb)
}

// SetLogCallback forwards status lines from the assembler
func (c *Compositor) SetLogCallback(cb func(string)) {
	c.assembler.SetLogCallback(cb)
}

// Close releases caches and flushes analytics
func (c *Compositor) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

// Compose assembles and annotates a frame without touching the disk.
// Layers are drawn in order: AOI, center marker, scale bar.
func (c *Compositor) Compose(ctx context.Context, req Request) (*Frame, error) {
	res, err := c.assembler.Assemble(ctx, req.Center, req.Zoom, req.Width, req.Height)
	if err != nil {
		return nil, err
	}

	img := res.Frame.Image
	if req.Polygon != nil {
		annotate.DrawAOIOverlay(img, *req.Polygon)
	}
	annotate.DrawCenterMarker(img, res.Frame.CenterX, res.Frame.CenterY, c.opts.MarkerStyle, c.opts.MarkerSize)
	if c.opts.ScaleBar {
		annotate.DrawScaleBar(img, projection.ClampLatitude(req.Center.Lat), req.Zoom, c.opts.DPI)
	}
	return &Frame{Image: img, Result: res}, nil
}

// Render composes a frame and writes it in the configured formats
func (c *Compositor) Render(ctx context.Context, req Request) (*Output, error) {
	start := time.Now()
	frame, err := c.Compose(ctx, req)
	if err != nil {
		c.opts.Tracker.Track(analytics.EventMosaicFailed, map[string]interface{}{
			"zoom":   req.Zoom,
			"width":  req.Width,
			"height": req.Height,
			"reason": failureReason(err),
		})
		return nil, err
	}

	out := &Output{Frame: *frame}
	if c.opts.RateLimit != nil {
		out.RateLimited = c.opts.RateLimit.Limited()
	}

	if err := os.MkdirAll(c.opts.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	center := frameCenter(req)
	tile := projection.ToTileIndex(center, req.Zoom)
	base := naming.FrameBaseName(req.Name, tile.X, tile.Y, req.Zoom, center.Lat, center.Lon)

	if c.opts.WritePNG || !c.opts.WriteGeoTIFF {
		out.PNGPath = filepath.Join(c.opts.OutputDir, naming.PNGFilename(base))
		if err := c.writePNG(out.PNGPath, frame, req); err != nil {
			return nil, err
		}
	}
	if c.opts.WriteGeoTIFF {
		out.GeoTIFFPath = filepath.Join(c.opts.OutputDir, naming.GeoTIFFFilename(base))
		if err := c.writeGeoTIFF(out.GeoTIFFPath, frame, req); err != nil {
			return nil, err
		}
	}

	res := frame.Result
	c.opts.Tracker.Track(analytics.EventMosaicComplete, map[string]interface{}{
		"zoom":        req.Zoom,
		"width":       req.Width,
		"height":      req.Height,
		"tiles":       res.Grid.Count(),
		"failed":      len(res.Failed),
		"cached":      res.Cached,
		"has_aoi":     req.Polygon != nil,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	c.logger.Info("frame rendered", "png", out.PNGPath, "geotiff", out.GeoTIFFPath,
		"failed_tiles", len(res.Failed), "duration", time.Since(start))
	return out, nil
}

// TextEntries returns the PNG text metadata for req. The latitude is the
// Mercator-clamped one the frame was built around; frame, when given, adds
// the GPS pixel.
func (c *Compositor) TextEntries(req Request, frame *Frame) (map[string]string, error) {
	center := frameCenter(req)
	entries := map[string]string{
		pngmeta.KeyLatitude:    strconv.FormatFloat(center.Lat, 'f', -1, 64),
		pngmeta.KeyLongitude:   strconv.FormatFloat(center.Lon, 'f', -1, 64),
		pngmeta.KeyZoom:        strconv.Itoa(req.Zoom),
		pngmeta.KeyGenerator:   c.generator(),
		pngmeta.KeyMarkerStyle: string(c.opts.MarkerStyle),
		pngmeta.KeyMarkerSize:  strconv.Itoa(c.opts.MarkerSize),
	}
	if frame != nil && frame.Result != nil {
		f := frame.Result.Frame
		entries[pngmeta.KeyCenterPixel] = strconv.FormatFloat(f.CenterX, 'f', -1, 64) + "," +
			strconv.FormatFloat(f.CenterY, 'f', -1, 64)
	}
	if req.Polygon != nil && req.Polygon.Valid() {
		data, err := annotate.MarshalAOI(*req.Polygon)
		if err != nil {
			return nil, err
		}
		entries[annotate.AOITextKey] = string(data)
	}
	return entries, nil
}

func (c *Compositor) generator() string {
	if c.opts.Version == "" {
		return Generator
	}
	return Generator + " " + c.opts.Version
}

func (c *Compositor) writePNG(path string, frame *Frame, req Request) error {
	entries, err := c.TextEntries(req, frame)
	if err != nil {
		return err
	}
	return writeAtomic(path, func(f *os.File) error {
		return pngmeta.Encode(f, frame.Image, entries)
	})
}

func (c *Compositor) writeGeoTIFF(path string, frame *Frame, req Request) error {
	mx, my := projection.WebMercator(frameCenter(req))
	g := geotiff.FrameGeoref(mx, my, req.Zoom, frame.Result.Frame.CenterX, frame.Result.Frame.CenterY)
	g.Software = c.generator()
	if req.Polygon != nil && req.Polygon.Valid() {
		if data, err := annotate.MarshalAOI(*req.Polygon); err == nil {
			g.Description = string(data)
		}
	}
	return writeAtomic(path, func(f *os.File) error {
		return geotiff.EncodeGeoref(f, frame.Image, g)
	})
}

// writeAtomic writes through a temp file in the target directory, then
// renames it into place.
func writeAtomic(path string, write func(*os.File) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".frame-*")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to save %s: %w", filepath.Base(path), err)
	}
	return nil
}

// frameCenter is the request center as the assembler projects it
func frameCenter(req Request) geo.GeoPoint {
	return geo.GeoPoint{Lat: projection.ClampLatitude(req.Center.Lat), Lon: req.Center.Lon}
}

func failureReason(err error) string {
	var empty *mosaic.MosaicEmptyError
	switch {
	case errors.As(err, &empty):
		return "empty"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "invalid_request"
	}
}
