package geofence

import (
	"math"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"

	"map-compositor/internal/projection"
)

var square = []orb.Point{{0, 0}, {10, 0}, {10, 10}, {0, 10}}

func TestPointInPolygonSquare(t *testing.T) {
	assert.True(t, PointInPolygon(5, 5, square))
	assert.False(t, PointInPolygon(15, 5, square))
	assert.False(t, PointInPolygon(-1, 5, square))
	assert.False(t, PointInPolygon(5, 11, square))
	assert.False(t, PointInPolygon(5, -0.5, square))
}

func TestPointInPolygonBoundaryIsDeterministic(t *testing.T) {
	boundary := [][2]float64{{0, 0}, {10, 10}, {5, 0}, {10, 5}, {0, 5}, {5, 10}}
	for _, p := range boundary {
		first := PointInPolygon(p[0], p[1], square)
		for i := 0; i < 5; i++ {
			assert.Equal(t, first, PointInPolygon(p[0], p[1], square), "point %v", p)
		}
	}
}

func TestPointInPolygonConcave(t *testing.T) {
	// U shape opening upwards
	u := []orb.Point{{0, 0}, {30, 0}, {30, 30}, {20, 30}, {20, 10}, {10, 10}, {10, 30}, {0, 30}}
	assert.True(t, PointInPolygon(5, 20, u))
	assert.True(t, PointInPolygon(25, 20, u))
	assert.False(t, PointInPolygon(15, 20, u), "inside the notch")
	assert.True(t, PointInPolygon(15, 5, u))
}

func TestPointInPolygonSharedVertexCountedOnce(t *testing.T) {
	// the ray from (0,5) passes exactly through the vertex (10,5)
	diamond := []orb.Point{{10, 0}, {15, 5}, {10, 10}, {5, 5}}
	assert.True(t, PointInPolygon(10, 5, diamond))
	assert.False(t, PointInPolygon(0, 5, diamond))
	assert.False(t, PointInPolygon(20, 5, diamond))
}

func TestPointInPolygonTooFewPoints(t *testing.T) {
	assert.False(t, PointInPolygon(0, 0, nil))
	assert.False(t, PointInPolygon(1, 1, []orb.Point{{0, 0}, {2, 2}}))
}

func TestPointToSegmentDistance(t *testing.T) {
	a, b := orb.Point{0, 0}, orb.Point{10, 0}
	assert.InDelta(t, 3.0, PointToSegmentDistance(orb.Point{5, 3}, a, b), 1e-12)
	assert.InDelta(t, 5.0, PointToSegmentDistance(orb.Point{-3, 4}, a, b), 1e-12, "clamped to a")
	assert.InDelta(t, 5.0, PointToSegmentDistance(orb.Point{13, -4}, a, b), 1e-12, "clamped to b")
	assert.InDelta(t, 5.0, PointToSegmentDistance(orb.Point{3, 4}, a, a), 1e-12, "degenerate segment")
}

func TestPointToPolygonDistance(t *testing.T) {
	assert.InDelta(t, 5.0, PointToPolygonDistance(orb.Point{15, 5}, square), 1e-12)
	assert.InDelta(t, math.Sqrt2, PointToPolygonDistance(orb.Point{11, 11}, square), 1e-12)
	// closing edge (0,10)-(0,0)
	assert.InDelta(t, 2.0, PointToPolygonDistance(orb.Point{-2, 5}, square), 1e-12)

	assert.True(t, math.IsInf(PointToPolygonDistance(orb.Point{1, 1}, []orb.Point{{0, 0}}), 1))
	assert.True(t, math.IsInf(PointToPolygonDistance(orb.Point{1, 1}, nil), 1))
	assert.InDelta(t, 1.0, PointToPolygonDistance(orb.Point{1, 1}, []orb.Point{{0, 0}, {2, 0}}), 1e-12)
}

func TestPolygonAreaPixels(t *testing.T) {
	assert.InDelta(t, 100.0, PolygonAreaPixels(square), 1e-12)

	reversed := []orb.Point{{0, 10}, {10, 10}, {10, 0}, {0, 0}}
	assert.InDelta(t, 100.0, PolygonAreaPixels(reversed), 1e-12)

	triangle := []orb.Point{{0, 0}, {4, 0}, {0, 3}}
	assert.InDelta(t, 6.0, PolygonAreaPixels(triangle), 1e-12)

	assert.Zero(t, PolygonAreaPixels(square[:2]))
}

func TestAreaSquareMetersScalesQuadratically(t *testing.T) {
	lat := 49.2317
	for _, zoom := range []int{15, 18} {
		res := projection.GroundResolution(lat, zoom)
		assert.InDelta(t, 100*res*res, AreaSquareMeters(square, lat, zoom), 1e-9)
	}
	a17 := AreaSquareMeters(square, lat, 17)
	a18 := AreaSquareMeters(square, lat, 18)
	assert.InDelta(t, a17/4, a18, 1e-9)
}

func TestClassify(t *testing.T) {
	lat, zoom := 49.2317, 18
	res := projection.GroundResolution(lat, zoom)

	in := Classify(orb.Point{5, 5}, square, lat, zoom)
	assert.Equal(t, DeviationResult{Inside: true, DistanceM: 0, Reference: ReferencePolygon}, in)

	out := Classify(orb.Point{15, 5}, square, lat, zoom)
	assert.False(t, out.Inside)
	assert.Equal(t, ReferencePolygon, out.Reference)
	assert.InDelta(t, 5*res, out.DistanceM, 1e-9)
}

func TestFunctionsDoNotMutateInput(t *testing.T) {
	pts := []orb.Point{{0, 0}, {10, 0}, {10, 10}, {0, 10}}
	orig := append([]orb.Point(nil), pts...)

	PointInPolygon(5, 5, pts)
	PointToPolygonDistance(orb.Point{20, 20}, pts)
	PolygonAreaPixels(pts)
	Classify(orb.Point{20, 20}, pts, 10, 10)

	assert.Equal(t, orig, pts)
}
