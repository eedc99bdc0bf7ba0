// Package projection converts between WGS84 coordinates, slippy-tile
// coordinates and pixel offsets under the Web Mercator (EPSG:3857) scheme.
//
// Every function here is pure. Latitude must already be inside the Mercator
// range (see ClampLatitude); the tile math is undefined at the poles.
package projection

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb/maptile"

	"map-compositor/internal/geo"
)

const (
	TileSize = 256
	MinZoom  = 0
	MaxZoom  = 22

	// EarthRadius is the WGS84 semi-major axis used by Web Mercator
	EarthRadius = 6378137.0

	MaxLatitude = 85.0511287798066
)

var ErrZoomOutOfRange = errors.New("zoom out of range")

// TileCoord addresses one slippy tile
type TileCoord struct {
	X    int `json:"x"`
	Y    int `json:"y"`
	Zoom int `json:"zoom"`
}

// String returns the z/x/y form used in tile URLs and cache keys
func (t TileCoord) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Zoom, t.X, t.Y)
}

// Valid reports whether the tile exists at its zoom level
func (t TileCoord) Valid() bool {
	if t.Zoom < MinZoom || t.Zoom > MaxZoom {
		return false
	}
	n := 1 << t.Zoom
	return t.X >= 0 && t.X < n && t.Y >= 0 && t.Y < n
}

// Maptile converts to the orb tile type. The coordinate must be Valid.
func (t TileCoord) Maptile() maptile.Tile {
	return maptile.New(uint32(t.X), uint32(t.Y), maptile.Zoom(t.Zoom))
}

// ValidateZoom rejects zoom levels the tile scheme does not support
func ValidateZoom(zoom int) error {
	if zoom < MinZoom || zoom > MaxZoom {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrZoomOutOfRange, zoom, MinZoom, MaxZoom)
	}
	return nil
}

// ClampLatitude limits a latitude to the range Web Mercator can represent
func ClampLatitude(lat float64) float64 {
	return math.Max(-MaxLatitude, math.Min(MaxLatitude, lat))
}

// ToTileFraction returns the fractional tile position of p at zoom
func ToTileFraction(p geo.GeoPoint, zoom int) (x, y float64) {
	n := math.Exp2(float64(zoom))
	latRad := p.Lat * math.Pi / 180.0
	x = (p.Lon + 180.0) / 360.0 * n
	y = (1.0 - math.Asinh(math.Tan(latRad))/math.Pi) / 2.0 * n
	return x, y
}

// ToTileIndex returns the tile containing p at zoom
func ToTileIndex(p geo.GeoPoint, zoom int) TileCoord {
	x, y := ToTileFraction(p, zoom)
	return TileCoord{X: int(math.Floor(x)), Y: int(math.Floor(y)), Zoom: zoom}
}

// TileToGeo converts a fractional tile position back to WGS84.
// Integer inputs give the tile's north-west corner.
func TileToGeo(x, y float64, zoom int) geo.GeoPoint {
	n := math.Exp2(float64(zoom))
	lon := x/n*360.0 - 180.0
	lat := math.Atan(math.Sinh(math.Pi*(1-2*y/n))) * 180.0 / math.Pi
	return geo.GeoPoint{Lat: lat, Lon: lon}
}

// ProjectToPixel places target inside a frameW x frameH frame whose
// geometric center is the GPS point center at the given zoom.
func ProjectToPixel(target, center geo.GeoPoint, zoom, frameW, frameH int) (px, py float64) {
	tx, ty := ToTileFraction(target, zoom)
	cx, cy := ToTileFraction(center, zoom)
	px = (tx-cx)*TileSize + float64(frameW)/2
	py = (ty-cy)*TileSize + float64(frameH)/2
	return px, py
}

// PixelToGeo is the inverse of ProjectToPixel
func PixelToGeo(px, py float64, center geo.GeoPoint, zoom, frameW, frameH int) geo.GeoPoint {
	cx, cy := ToTileFraction(center, zoom)
	tx := cx + (px-float64(frameW)/2)/TileSize
	ty := cy + (py-float64(frameH)/2)/TileSize
	return TileToGeo(tx, ty, zoom)
}

// GroundResolution returns meters per pixel at latitude and zoom
func GroundResolution(lat float64, zoom int) float64 {
	latRad := lat * math.Pi / 180.0
	return 2 * math.Pi * EarthRadius * math.Cos(latRad) / (TileSize * math.Exp2(float64(zoom)))
}

// WebMercator converts WGS84 to EPSG:3857 meters
func WebMercator(p geo.GeoPoint) (x, y float64) {
	x = EarthRadius * p.Lon * math.Pi / 180.0
	y = EarthRadius * math.Log(math.Tan(math.Pi/4+p.Lat*math.Pi/360.0))
	return x, y
}
