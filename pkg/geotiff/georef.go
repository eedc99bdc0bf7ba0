package geotiff

import (
	"fmt"
	"image"
	"io"
	"math"
)

// webMercatorExtent is the EPSG:3857 world width in meters
const webMercatorExtent = 2 * math.Pi * 6378137.0

// Georef places a raster in EPSG:3857. Origin is the top-left corner.
type Georef struct {
	OriginX     float64
	OriginY     float64
	PixelSize   float64
	Description string
	Software    string
}

// FrameGeoref georeferences a frame at the given tile zoom whose pixel
// (px, py) shows the mercator coordinates (mx, my).
func FrameGeoref(mx, my float64, zoom int, px, py float64) Georef {
	res := PixelSizeAtZoom(zoom)
	return Georef{
		OriginX:   mx - px*res,
		OriginY:   my + py*res,
		PixelSize: res,
	}
}

// PixelSizeAtZoom is the projected size of one 256 px tile pixel in meters
func PixelSizeAtZoom(zoom int) float64 {
	return webMercatorExtent / (256 * math.Exp2(float64(zoom)))
}

// Tags returns the GeoTIFF tag set for g
func (g Georef) Tags() map[uint16]interface{} {
	tags := map[uint16]interface{}{
		TagType_GeoKeyDirectoryTag: []uint16{
			1, 1, 0, 3,
			1024, 0, 1, 1, // projected model
			1025, 0, 1, 1, // PixelIsArea
			3072, 0, 1, 3857,
		},
		TagType_ModelPixelScaleTag: []float64{g.PixelSize, g.PixelSize, 0},
		TagType_ModelTiepointTag:   []float64{0, 0, 0, g.OriginX, g.OriginY, 0},
	}
	if g.Description != "" {
		tags[TagType_ImageDescription] = g.Description
	}
	if g.Software != "" {
		tags[TagType_Software] = g.Software
	}
	return tags
}

// EncodeGeoref writes img as a GeoTIFF positioned by g
func EncodeGeoref(w io.Writer, img image.Image, g Georef) error {
	if g.PixelSize <= 0 || math.IsNaN(g.PixelSize) {
		return fmt.Errorf("geotiff: invalid pixel size %v", g.PixelSize)
	}
	if err := Encode(w, img, g.Tags()); err != nil {
		return fmt.Errorf("failed to encode GeoTIFF: %w", err)
	}
	return nil
}
