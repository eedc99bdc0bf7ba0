package annotate

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"strconv"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"map-compositor/internal/projection"
)

const (
	DefaultDPI = 96

	scaleBarMaxPx    = 240.0
	scaleBarMaxShare = 0.25
	scaleBarSegments = 4
	labelPointSize   = 10
)

var (
	goRegular    *opentype.Font
	goRegularErr error
	parseOnce    sync.Once
)

// ChooseScaleLength picks the largest {1,2,5}·10^n meter length that fits in
// maxPx at metersPerPixel. It returns the length and its size in pixels.
func ChooseScaleLength(metersPerPixel, maxPx float64) (meters, px float64) {
	if metersPerPixel <= 0 || maxPx <= 0 || math.IsNaN(metersPerPixel) || math.IsInf(metersPerPixel, 0) {
		return 0, 0
	}
	maxMeters := metersPerPixel * maxPx
	exp := math.Pow(10, math.Floor(math.Log10(maxMeters)))
	for _, m := range []float64{5, 2, 1} {
		if v := m * exp; v <= maxMeters*(1+1e-9) {
			return v, v / metersPerPixel
		}
	}
	// floating point left maxMeters just under exp
	v := exp / 2
	return v, v / metersPerPixel
}

// FormatScaleLabel renders "N m" below one kilometer and "N.N km" above
func FormatScaleLabel(meters float64) string {
	if meters < 1000 {
		return strconv.FormatFloat(meters, 'f', -1, 64) + " m"
	}
	return fmt.Sprintf("%.1f km", meters/1000)
}

// DrawScaleBar draws a scale bar in the bottom-left corner. The returned
// length is the meters the bar represents, 0 when nothing was drawn.
func DrawScaleBar(img *image.RGBA, latitude float64, zoom int, dpi float64) float64 {
	if dpi <= 0 {
		dpi = DefaultDPI
	}
	b := img.Bounds()
	mpp := projection.GroundResolution(latitude, zoom)
	maxPx := math.Min(float64(b.Dx())*scaleBarMaxShare, scaleBarMaxPx)
	meters, barPx := ChooseScaleLength(mpp, maxPx)
	if meters == 0 || barPx < scaleBarSegments {
		return 0
	}

	scale := dpi / DefaultDPI
	margin := int(math.Round(12 * scale))
	barH := int(math.Max(4, math.Round(6*scale)))

	x0 := b.Min.X + margin
	y1 := b.Max.Y - margin
	y0 := y1 - barH
	width := int(math.Round(barPx))

	// outline, then alternating segments inside it
	fillRect(img, image.Rect(x0-1, y0-1, x0+width+1, y1+1), color.RGBA{0, 0, 0, 255})
	for i := 0; i < scaleBarSegments; i++ {
		sx0 := x0 + width*i/scaleBarSegments
		sx1 := x0 + width*(i+1)/scaleBarSegments
		c := color.RGBA{0, 0, 0, 255}
		if i%2 == 1 {
			c = color.RGBA{255, 255, 255, 255}
		}
		fillRect(img, image.Rect(sx0, y0, sx1, y1), c)
	}

	drawLabel(img, FormatScaleLabel(meters), x0, y0-int(math.Round(3*scale)), dpi)
	return meters
}

// drawLabel writes text with its baseline at y on a white backing box
func drawLabel(img *image.RGBA, text string, x, y int, dpi float64) {
	face := labelFace(dpi)
	defer face.Close()

	d := &font.Drawer{Dst: img, Src: image.NewUniform(color.Black), Face: face}
	bounds, _ := d.BoundString(text)
	box := image.Rect(
		x+bounds.Min.X.Floor()-2, y+bounds.Min.Y.Floor()-2,
		x+bounds.Max.X.Ceil()+2, y+bounds.Max.Y.Ceil()+2,
	)
	fillRect(img, box, color.RGBA{255, 255, 255, 255})

	d.Dot = fixed.P(x, y)
	d.DrawString(text)
}

// labelFace returns Go Regular at the label size, or the built-in bitmap
// face if the embedded font cannot be parsed.
func labelFace(dpi float64) font.Face {
	parseOnce.Do(func() {
		goRegular, goRegularErr = opentype.Parse(goregular.TTF)
	})
	if goRegularErr == nil {
		face, err := opentype.NewFace(goRegular, &opentype.FaceOptions{
			Size:    labelPointSize,
			DPI:     dpi,
			Hinting: font.HintingFull,
		})
		if err == nil {
			return face
		}
	}
	return basicfont.Face7x13
}
