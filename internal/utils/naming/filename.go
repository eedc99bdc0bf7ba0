package naming

import (
	"fmt"
)

// FrameBaseName creates a standardized frame name without extension
// Format: {prefix}_{quadkey}_z{zoom}_{lat}_{lon}, prefix defaulting to "map"
func FrameBaseName(prefix string, tileX, tileY, zoom int, lat, lon float64) string {
	prefix = SanitizeName(prefix)
	if prefix == "" {
		prefix = "map"
	}
	return fmt.Sprintf("%s_%s_z%d_%s_%s", prefix, Quadkey(tileX, tileY, zoom), zoom,
		SanitizeCoordinate(lat, true), SanitizeCoordinate(lon, false))
}

// PNGFilename is the frame name for the annotated PNG
func PNGFilename(base string) string {
	return base + ".png"
}

// GeoTIFFFilename is the frame name for the georeferenced copy
func GeoTIFFFilename(base string) string {
	return base + ".tif"
}
