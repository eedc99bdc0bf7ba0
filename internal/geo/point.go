package geo

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrLatitudeRange  = errors.New("latitude out of range [-90, 90]")
	ErrLongitudeRange = errors.New("longitude out of range [-180, 180]")
)

// GeoPoint is a WGS84 coordinate in decimal degrees
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// NewGeoPoint creates a validated point
func NewGeoPoint(lat, lon float64) (GeoPoint, error) {
	p := GeoPoint{Lat: lat, Lon: lon}
	if err := p.Validate(); err != nil {
		return GeoPoint{}, err
	}
	return p, nil
}

// Validate checks the latitude and longitude ranges
func (p GeoPoint) Validate() error {
	if math.IsNaN(p.Lat) || p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("%w: %f", ErrLatitudeRange, p.Lat)
	}
	if math.IsNaN(p.Lon) || p.Lon < -180 || p.Lon > 180 {
		return fmt.Errorf("%w: %f", ErrLongitudeRange, p.Lon)
	}
	return nil
}

// String formats the point as "lat, lon" with six decimals
func (p GeoPoint) String() string {
	return fmt.Sprintf("%.6f, %.6f", p.Lat, p.Lon)
}
