// Package geofence implements pixel-space polygon geometry for AOI checks
// and converts pixel distances and areas to meters via ground resolution.
//
// Points are orb.Point values holding (x, y) pixel coordinates of one
// output frame. No function here mutates its input.
package geofence

import (
	"math"

	"github.com/paulmach/orb"

	"map-compositor/internal/projection"
)

// Reference names what a deviation was measured against
type Reference string

const (
	ReferencePolygon     Reference = "polygon"
	ReferenceCenterPoint Reference = "center-point"
)

// DeviationResult is the outcome of checking one GPS point against one geofence
type DeviationResult struct {
	Inside    bool      `json:"inside"`
	DistanceM float64   `json:"distance_m"`
	Reference Reference `json:"reference"`
}

// PointInPolygon is a ray-casting test. Polygons with fewer than 3 points
// contain nothing. An edge is counted when y > min(y1,y2) and y <= max(y1,y2),
// so a shared vertex is crossed once and horizontal edges never toggle.
// Points on an edge or vertex get a deterministic but unspecified answer.
func PointInPolygon(x, y float64, points []orb.Point) bool {
	n := len(points)
	if n < 3 {
		return false
	}

	inside := false
	p1 := points[0]
	for i := 1; i <= n; i++ {
		p2 := points[i%n]
		if y > math.Min(p1[1], p2[1]) && y <= math.Max(p1[1], p2[1]) && x <= math.Max(p1[0], p2[0]) {
			if p1[1] != p2[1] {
				xints := (y-p1[1])*(p2[0]-p1[0])/(p2[1]-p1[1]) + p1[0]
				if p1[0] == p2[0] || x <= xints {
					inside = !inside
				}
			}
		}
		p1 = p2
	}
	return inside
}

// PointToSegmentDistance returns the Euclidean distance from p to segment ab
func PointToSegmentDistance(p, a, b orb.Point) float64 {
	dx := b[0] - a[0]
	dy := b[1] - a[1]
	lenSq := dx*dx + dy*dy
	if lenSq == 0 {
		return math.Hypot(p[0]-a[0], p[1]-a[1])
	}

	t := ((p[0]-a[0])*dx + (p[1]-a[1])*dy) / lenSq
	t = math.Max(0, math.Min(1, t))
	return math.Hypot(p[0]-(a[0]+t*dx), p[1]-(a[1]+t*dy))
}

// PointToPolygonDistance returns the distance from p to the nearest polygon
// edge, including the closing edge. Fewer than 2 points gives +Inf.
// The value is only meaningful for points outside the polygon.
func PointToPolygonDistance(p orb.Point, points []orb.Point) float64 {
	n := len(points)
	if n < 2 {
		return math.Inf(1)
	}

	best := math.Inf(1)
	for i := 0; i < n; i++ {
		d := PointToSegmentDistance(p, points[i], points[(i+1)%n])
		if d < best {
			best = d
		}
	}
	return best
}

// PolygonAreaPixels is the shoelace area in square pixels, 0 below 3 points
func PolygonAreaPixels(points []orb.Point) float64 {
	n := len(points)
	if n < 3 {
		return 0
	}

	var sum float64
	for i := 0; i < n; i++ {
		a := points[i]
		b := points[(i+1)%n]
		sum += a[0]*b[1] - b[0]*a[1]
	}
	return 0.5 * math.Abs(sum)
}

// Classify tests a frame pixel against the polygon. Outside points carry
// their edge distance converted to meters at latitude and zoom.
func Classify(p orb.Point, points []orb.Point, latitude float64, zoom int) DeviationResult {
	if PointInPolygon(p[0], p[1], points) {
		return DeviationResult{Inside: true, DistanceM: 0, Reference: ReferencePolygon}
	}
	d := PointToPolygonDistance(p, points) * projection.GroundResolution(latitude, zoom)
	return DeviationResult{Inside: false, DistanceM: d, Reference: ReferencePolygon}
}

// AreaSquareMeters converts the pixel area of the polygon to square meters
func AreaSquareMeters(points []orb.Point, latitude float64, zoom int) float64 {
	res := projection.GroundResolution(latitude, zoom)
	return PolygonAreaPixels(points) * res * res
}
