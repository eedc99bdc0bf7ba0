package annotate

import (
	"image"
	"image/color"
	"math"

	"golang.org/x/image/vector"
)

// fillPath rasterizes a closed polygon onto dst with src, composited Over
func fillPath(dst *image.RGBA, pts [][2]float64, c color.Color) {
	if len(pts) < 3 {
		return
	}
	b := dst.Bounds()
	z := vector.NewRasterizer(b.Dx(), b.Dy())
	z.MoveTo(float32(pts[0][0]-float64(b.Min.X)), float32(pts[0][1]-float64(b.Min.Y)))
	for _, p := range pts[1:] {
		z.LineTo(float32(p[0]-float64(b.Min.X)), float32(p[1]-float64(b.Min.Y)))
	}
	z.ClosePath()
	z.Draw(dst, b, image.NewUniform(c), image.Point{})
}

// segmentQuad returns the rectangle covering a line of the given width
func segmentQuad(x0, y0, x1, y1, width float64) [][2]float64 {
	dx, dy := x1-x0, y1-y0
	l := math.Hypot(dx, dy)
	if l == 0 {
		h := width / 2
		return [][2]float64{{x0 - h, y0 - h}, {x0 + h, y0 - h}, {x0 + h, y0 + h}, {x0 - h, y0 + h}}
	}
	nx, ny := -dy/l*width/2, dx/l*width/2
	return [][2]float64{{x0 + nx, y0 + ny}, {x1 + nx, y1 + ny}, {x1 - nx, y1 - ny}, {x0 - nx, y0 - ny}}
}

// strokeLine draws a straight line of the given width
func strokeLine(dst *image.RGBA, x0, y0, x1, y1, width float64, c color.Color) {
	fillPath(dst, segmentQuad(x0, y0, x1, y1, width), c)
}

// circlePath approximates a circle with n segments
func circlePath(cx, cy, r float64, n int) [][2]float64 {
	pts := make([][2]float64, n)
	for i := range pts {
		a := 2 * math.Pi * float64(i) / float64(n)
		pts[i] = [2]float64{cx + r*math.Cos(a), cy + r*math.Sin(a)}
	}
	return pts
}

// fillRect paints an axis aligned rectangle without blending
func fillRect(dst *image.RGBA, r image.Rectangle, c color.RGBA) {
	r = r.Intersect(dst.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			dst.SetRGBA(x, y, c)
		}
	}
}
