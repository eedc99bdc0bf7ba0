package annotate

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"strings"

	"github.com/paulmach/orb"

	"map-compositor/internal/pngmeta"
)

// AOITextKey is the PNG text keyword holding the polygon JSON
const AOITextKey = "aoi_polygon"

const (
	DefaultAOIAlpha = 0.3
	aoiStrokeWidth  = 2
)

// DefaultAOIColor is used when the stored color is missing or unreadable
var DefaultAOIColor = color.RGBA{255, 0, 0, 255}

// AOIPolygon is an area of interest in output frame pixel space
type AOIPolygon struct {
	Points []orb.Point
	Alpha  float64
	Color  color.RGBA
}

type aoiJSON struct {
	Points []orb.Point `json:"points"`
	Alpha  *float64    `json:"alpha,omitempty"`
	Color  string      `json:"color,omitempty"`
}

// Valid reports whether the polygon has enough finite points to be drawn
func (p AOIPolygon) Valid() bool {
	return len(finitePoints(p.Points)) >= 3
}

// ParseAOI decodes the stored JSON. Malformed input or fewer than three
// points yields false.
func ParseAOI(data []byte) (AOIPolygon, bool) {
	var raw aoiJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return AOIPolygon{}, false
	}

	poly := AOIPolygon{Points: raw.Points, Alpha: DefaultAOIAlpha, Color: DefaultAOIColor}
	if raw.Alpha != nil {
		poly.Alpha = math.Max(0, math.Min(1, *raw.Alpha))
	}
	if c, err := ParseHexColor(raw.Color); err == nil {
		poly.Color = c
	}
	if !poly.Valid() {
		return AOIPolygon{}, false
	}
	return poly, true
}

// MarshalAOI encodes the polygon as {"points":[[x,y],...],"alpha":a,"color":"#RRGGBB"}
func MarshalAOI(p AOIPolygon) ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("polygon needs at least 3 points, got %d", len(p.Points))
	}
	alpha := p.Alpha
	return json.Marshal(aoiJSON{
		Points: p.Points,
		Alpha:  &alpha,
		Color:  FormatHexColor(p.Color),
	})
}

// LoadAOIPolygon reads the polygon from a PNG stream. A missing key, bad
// JSON or a degenerate polygon all yield false.
func LoadAOIPolygon(r io.Reader) (AOIPolygon, bool) {
	text, err := pngmeta.ReadText(r)
	if err != nil {
		return AOIPolygon{}, false
	}
	v, ok := text[AOITextKey]
	if !ok {
		return AOIPolygon{}, false
	}
	return ParseAOI([]byte(v))
}

// SaveAOIPolygon copies the PNG from r to w with the polygon stored in it
func SaveAOIPolygon(w io.Writer, r io.Reader, p AOIPolygon) error {
	data, err := MarshalAOI(p)
	if err != nil {
		return err
	}
	if err := pngmeta.WriteText(w, r, map[string]string{AOITextKey: string(data)}); err != nil {
		return fmt.Errorf("failed to write AOI metadata: %w", err)
	}
	return nil
}

// DrawAOIOverlay fills the polygon at its alpha and strokes the closed outline
// at full opacity. Points are clamped to the image first.
func DrawAOIOverlay(img *image.RGBA, p AOIPolygon) {
	b := img.Bounds()
	pts := finitePoints(p.Points)
	if len(pts) < 3 {
		return
	}

	path := make([][2]float64, len(pts))
	for i, pt := range pts {
		path[i] = [2]float64{
			math.Max(float64(b.Min.X), math.Min(float64(b.Max.X-1), pt[0])),
			math.Max(float64(b.Min.Y), math.Min(float64(b.Max.Y-1), pt[1])),
		}
	}

	a := math.Max(0, math.Min(1, p.Alpha))
	if a > 0 {
		fillPath(img, path, premultiply(p.Color, a))
	}

	stroke := premultiply(p.Color, 1)
	for i := range path {
		q := path[(i+1)%len(path)]
		strokeLine(img, path[i][0], path[i][1], q[0], q[1], aoiStrokeWidth, stroke)
	}
}

// ParseHexColor parses "#RRGGBB"
func ParseHexColor(s string) (color.RGBA, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "#"))
	if err != nil || len(raw) != 3 {
		return color.RGBA{}, fmt.Errorf("invalid color %q", s)
	}
	return color.RGBA{raw[0], raw[1], raw[2], 255}, nil
}

// FormatHexColor formats as "#RRGGBB", ignoring alpha
func FormatHexColor(c color.RGBA) string {
	return fmt.Sprintf("#%02X%02X%02X", c.R, c.G, c.B)
}

func premultiply(c color.RGBA, alpha float64) color.RGBA {
	return color.RGBA{
		R: uint8(math.Round(float64(c.R) * alpha)),
		G: uint8(math.Round(float64(c.G) * alpha)),
		B: uint8(math.Round(float64(c.B) * alpha)),
		A: uint8(math.Round(255 * alpha)),
	}
}

func finitePoints(pts []orb.Point) []orb.Point {
	out := make([]orb.Point, 0, len(pts))
	for _, p := range pts {
		if math.IsNaN(p[0]) || math.IsNaN(p[1]) || math.IsInf(p[0], 0) || math.IsInf(p[1], 0) {
			continue
		}
		out = append(out, p)
	}
	return out
}
