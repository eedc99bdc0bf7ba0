package mosaic

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	xdraw "golang.org/x/image/draw"
)

// OutputFrame is the final raster plus the pixel location of the GPS point in it
type OutputFrame struct {
	Image   *image.RGBA
	CenterX float64
	CenterY float64
	Width   int
	Height  int
}

// Mosaic is the stitched tile raster before cropping
type Mosaic struct {
	Image *image.RGBA
	Grid  TileGrid
}

// NewCanvas returns a white RGBA image
func NewCanvas(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	return img
}

// CropCentered cuts a width×height frame out of m centered on (gpsX, gpsY).
// The window is clamped to the mosaic; a mosaic smaller than the request is
// centered on a white canvas and the GPS pixel shifted by the same offset.
func CropCentered(m *image.RGBA, gpsX, gpsY float64, width, height int) OutputFrame {
	b := m.Bounds()
	mw, mh := b.Dx(), b.Dy()

	left := clampInt(int(math.Round(gpsX-float64(width)/2)), 0, mw-width)
	top := clampInt(int(math.Round(gpsY-float64(height)/2)), 0, mh-height)

	cropW := min(width, mw-left)
	cropH := min(height, mh-top)

	out := NewCanvas(width, height)
	offX := (width - cropW) / 2
	offY := (height - cropH) / 2

	src := image.Rect(b.Min.X+left, b.Min.Y+top, b.Min.X+left+cropW, b.Min.Y+top+cropH)
	draw.Draw(out, image.Rect(offX, offY, offX+cropW, offY+cropH), m, src.Min, draw.Src)

	return OutputFrame{
		Image:   out,
		CenterX: gpsX - float64(left) + float64(offX),
		CenterY: gpsY - float64(top) + float64(offY),
		Width:   width,
		Height:  height,
	}
}

// EnsureSize resamples the frame when its raster does not match width×height
func EnsureSize(f OutputFrame, width, height int) OutputFrame {
	b := f.Image.Bounds()
	if b.Dx() == width && b.Dy() == height {
		f.Width, f.Height = width, height
		return f
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), f.Image, b, xdraw.Src, nil)

	sx := float64(width) / float64(b.Dx())
	sy := float64(height) / float64(b.Dy())
	return OutputFrame{
		Image:   dst,
		CenterX: f.CenterX * sx,
		CenterY: f.CenterY * sy,
		Width:   width,
		Height:  height,
	}
}

// clampInt never goes below lo, even when hi < lo
func clampInt(v, lo, hi int) int {
	if v > hi {
		v = hi
	}
	if v < lo {
		v = lo
	}
	return v
}
