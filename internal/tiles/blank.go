package tiles

import "image"

// IsBlank checks if a tile is blank/uniform (white, black, or single color).
// Servers return these when imagery isn't available at the requested zoom level.
func IsBlank(img image.Image) bool {
	bounds := img.Bounds()
	if bounds.Dx() < 10 || bounds.Dy() < 10 {
		return true // Too small
	}

	stepX := bounds.Dx() / 8
	stepY := bounds.Dy() / 8

	type sample struct{ r, g, b uint64 }
	samples := make([]sample, 0, 64)
	whiteCount, blackCount := 0, 0
	var totalR, totalG, totalB uint64

	for y := bounds.Min.Y + stepY; y < bounds.Max.Y-stepY; y += stepY {
		for x := bounds.Min.X + stepX; x < bounds.Max.X-stepX; x += stepX {
			r, g, b, _ := img.At(x, y).RGBA()
			s := sample{uint64(r), uint64(g), uint64(b)}
			samples = append(samples, s)
			totalR += s.r
			totalG += s.g
			totalB += s.b

			// RGBA values are 0-65535
			if r > 63000 && g > 63000 && b > 63000 {
				whiteCount++
			}
			if r < 2500 && g < 2500 && b < 2500 {
				blackCount++
			}
		}
	}

	n := len(samples)
	if n == 0 {
		return false
	}
	if whiteCount*100/n > 90 || blackCount*100/n > 90 {
		return true
	}

	avgR := totalR / uint64(n)
	avgG := totalG / uint64(n)
	avgB := totalB / uint64(n)

	var variance uint64
	for _, s := range samples {
		variance += absDiff64(s.r, avgR)*absDiff64(s.r, avgR) +
			absDiff64(s.g, avgG)*absDiff64(s.g, avgG) +
			absDiff64(s.b, avgB)*absDiff64(s.b, avgB)
	}

	// ~1000^2 per channel reads as uniform gray or beige
	return variance/(3*uint64(n)) < 2000000
}

func absDiff64(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
