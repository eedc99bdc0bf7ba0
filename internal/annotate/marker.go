package annotate

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"strings"
)

// MarkerStyle selects how the GPS center is drawn
type MarkerStyle string

const (
	MarkerDot   MarkerStyle = "dot"
	MarkerCross MarkerStyle = "cross"

	DefaultMarkerSize = 12
)

// ParseMarkerStyle accepts "dot" or "cross"
func ParseMarkerStyle(s string) (MarkerStyle, error) {
	switch MarkerStyle(strings.ToLower(strings.TrimSpace(s))) {
	case MarkerDot:
		return MarkerDot, nil
	case MarkerCross:
		return MarkerCross, nil
	}
	return "", fmt.Errorf("unknown marker style %q (want dot or cross)", s)
}

// markerThickness grows with the marker size, never below 2 px
func markerThickness(size int) float64 {
	return math.Max(2, float64(size)/6)
}

// DrawCenterMarker draws the GPS marker centered on (cx, cy)
func DrawCenterMarker(img *image.RGBA, cx, cy float64, style MarkerStyle, size int) {
	if size <= 0 {
		size = DefaultMarkerSize
	}
	t := markerThickness(size)
	r := float64(size) / 2

	switch style {
	case MarkerCross:
		// white halo first so the cross reads on dark and light imagery
		strokeLine(img, cx-r-1, cy, cx+r+1, cy, t+2, color.White)
		strokeLine(img, cx, cy-r-1, cx, cy+r+1, t+2, color.White)
		strokeLine(img, cx-r, cy, cx+r, cy, t, color.Black)
		strokeLine(img, cx, cy-r, cx, cy+r, t, color.Black)
	default:
		fillPath(img, circlePath(cx, cy, r+t/2, 48), color.White)
		fillPath(img, circlePath(cx, cy, r-t/2, 48), color.Black)
	}
}
