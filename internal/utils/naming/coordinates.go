package naming

import (
	"fmt"
	"math"
	"strings"
)

// Quadkey generates the Bing-style quadkey of tile (x, y) at zoom level z
func Quadkey(x, y, zoom int) string {
	var quadkey strings.Builder
	for i := zoom; i > 0; i-- {
		digit := 0
		mask := 1 << (i - 1)
		if (x & mask) != 0 {
			digit++
		}
		if (y & mask) != 0 {
			digit += 2
		}
		quadkey.WriteByte(byte('0' + digit))
	}
	return quadkey.String()
}

// SanitizeCoordinate formats a coordinate for use in filenames (removes minus sign, uses N/S/E/W)
// Replaces decimal point with 'p' for Windows compatibility
func SanitizeCoordinate(coord float64, isLat bool) string {
	var dir string
	switch {
	case isLat && coord < 0:
		dir = "S"
	case isLat:
		dir = "N"
	case coord < 0:
		dir = "W"
	default:
		dir = "E"
	}
	coordStr := fmt.Sprintf("%.5f", math.Abs(coord))
	coordStr = strings.Replace(coordStr, ".", "p", 1)
	return coordStr + dir
}

// SanitizeName keeps letters, digits, '-' and '_' and maps everything else to '_'
func SanitizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), "_")
}
