// Package report classifies photographed GPS points against the location
// frames produced by the compositor.
package report

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	orbgeo "github.com/paulmach/orb/geo"

	"map-compositor/internal/analytics"
	"map-compositor/internal/annotate"
	"map-compositor/internal/geo"
	"map-compositor/internal/geofence"
	"map-compositor/internal/logging"
	"map-compositor/internal/metrics"
	"map-compositor/internal/pngmeta"
	"map-compositor/internal/projection"
)

// CenterThresholdM is how close a point must be to the location center to
// count as inside when the location has no polygon.
const CenterThresholdM = 5.0

var (
	ErrNoGPS        = errors.New("no GPS position")
	ErrNotALocation = errors.New("image carries no location metadata")
)

// Location is a rendered frame's geographic context
type Location struct {
	Name        string
	Center      geo.GeoPoint
	Zoom        int
	FrameWidth  int
	FrameHeight int
	// CenterX, CenterY locate Center in the frame
	CenterX float64
	CenterY float64
	Polygon *annotate.AOIPolygon
}

// LoadLocation reads center, zoom, frame size and AOI from a compositor PNG
func LoadLocation(path string) (Location, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Location{}, fmt.Errorf("failed to read location image: %w", err)
	}
	loc, err := ParseLocation(data)
	if err != nil {
		return Location{}, fmt.Errorf("%s: %w", path, err)
	}
	if loc.Name == "" {
		loc.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return loc, nil
}

// ParseLocation decodes a compositor PNG held in memory
func ParseLocation(data []byte) (Location, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Location{}, fmt.Errorf("failed to decode image header: %w", err)
	}
	text, err := pngmeta.ReadText(bytes.NewReader(data))
	if err != nil {
		return Location{}, err
	}

	latS, okLat := text[pngmeta.KeyLatitude]
	lonS, okLon := text[pngmeta.KeyLongitude]
	zoomS, okZoom := text[pngmeta.KeyZoom]
	if !okLat || !okLon || !okZoom {
		return Location{}, ErrNotALocation
	}

	lat, err1 := strconv.ParseFloat(strings.TrimSpace(latS), 64)
	lon, err2 := strconv.ParseFloat(strings.TrimSpace(lonS), 64)
	if err := errors.Join(err1, err2); err != nil {
		return Location{}, fmt.Errorf("%w: %v", ErrNotALocation, err)
	}
	center, err := geo.NewGeoPoint(lat, lon)
	if err != nil {
		return Location{}, err
	}
	zoom, err := strconv.Atoi(strings.TrimSpace(zoomS))
	if err != nil {
		return Location{}, fmt.Errorf("%w: bad zoom %q", ErrNotALocation, zoomS)
	}
	if err := projection.ValidateZoom(zoom); err != nil {
		return Location{}, err
	}

	loc := Location{
		Center:      center,
		Zoom:        zoom,
		FrameWidth:  cfg.Width,
		FrameHeight: cfg.Height,
		CenterX:     float64(cfg.Width) / 2,
		CenterY:     float64(cfg.Height) / 2,
	}
	if raw, ok := text[pngmeta.KeyCenterPixel]; ok {
		x, y, err := parseCenterPixel(raw)
		if err != nil {
			return Location{}, fmt.Errorf("%w: bad %s %q", ErrNotALocation, pngmeta.KeyCenterPixel, raw)
		}
		loc.CenterX, loc.CenterY = x, y
	}
	if raw, ok := text[annotate.AOITextKey]; ok {
		if poly, ok := annotate.ParseAOI([]byte(raw)); ok {
			loc.Polygon = &poly
		}
	}
	return loc, nil
}

func parseCenterPixel(s string) (x, y float64, err error) {
	xs, ys, ok := strings.Cut(s, ",")
	if !ok {
		return 0, 0, errors.New("missing comma")
	}
	x, err1 := strconv.ParseFloat(strings.TrimSpace(xs), 64)
	y, err2 := strconv.ParseFloat(strings.TrimSpace(ys), 64)
	return x, y, errors.Join(err1, err2)
}

// EventSink receives one usage event per classified point
type EventSink interface {
	Track(event string, props map[string]interface{})
}

// Adapter answers "is this photo inside the location's AOI"
type Adapter struct {
	logger *slog.Logger
	events EventSink
}

// NewAdapter creates an adapter
func NewAdapter(logger *slog.Logger) *Adapter {
	return &Adapter{logger: logging.OrDefault(logger)}
}

// SetEventSink reports every classification to s
func (a *Adapter) SetEventSink(s EventSink) {
	a.events = s
}

// Classify measures target against loc. With a polygon the test runs in the
// frame's pixel space; without one it falls back to the haversine distance to
// the location center. A nil or invalid target yields ErrNoGPS.
func (a *Adapter) Classify(loc Location, target *geo.GeoPoint) (geofence.DeviationResult, error) {
	if target == nil {
		return geofence.DeviationResult{}, ErrNoGPS
	}
	if err := target.Validate(); err != nil {
		return geofence.DeviationResult{}, fmt.Errorf("%w: %v", ErrNoGPS, err)
	}

	var res geofence.DeviationResult
	if loc.Polygon != nil && loc.Polygon.Valid() {
		px, py := projection.ProjectToPixel(*target, loc.Center, loc.Zoom, loc.FrameWidth, loc.FrameHeight)
		px += loc.CenterX - float64(loc.FrameWidth)/2
		py += loc.CenterY - float64(loc.FrameHeight)/2
		res = geofence.Classify(orb.Point{px, py}, loc.Polygon.Points, loc.Center.Lat, loc.Zoom)
	} else {
		d := orbgeo.DistanceHaversine(
			orb.Point{loc.Center.Lon, loc.Center.Lat},
			orb.Point{target.Lon, target.Lat},
		)
		res = geofence.DeviationResult{
			Inside:    d < CenterThresholdM,
			DistanceM: d,
			Reference: geofence.ReferenceCenterPoint,
		}
	}

	metrics.Classifications.WithLabelValues(string(res.Reference), strconv.FormatBool(res.Inside)).Inc()
	if a.events != nil {
		a.events.Track(analytics.EventClassify, map[string]interface{}{
			"reference": string(res.Reference),
			"inside":    res.Inside,
			"zoom":      loc.Zoom,
		})
	}
	a.logger.Debug("classified point",
		"location", loc.Name, "target", target.String(),
		"reference", res.Reference, "inside", res.Inside, "distance_m", res.DistanceM)
	return res, nil
}

// FormatDeviation renders a result for reports
func FormatDeviation(r geofence.DeviationResult) string {
	switch r.Reference {
	case geofence.ReferenceCenterPoint:
		if r.Inside {
			return "at location center"
		}
		return formatDistance(r.DistanceM) + " from location center"
	default:
		if r.Inside {
			return "inside AOI"
		}
		return formatDistance(r.DistanceM) + " outside AOI"
	}
}

func formatDistance(m float64) string {
	if m < 1000 {
		return fmt.Sprintf("%.0f m", m)
	}
	return fmt.Sprintf("%.1f km", m/1000)
}
