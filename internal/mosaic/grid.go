package mosaic

import (
	"math"

	"map-compositor/internal/geo"
	"map-compositor/internal/projection"
)

// bufferFactor oversizes the grid so the centered crop always fits
const bufferFactor = 1.2

// TileGrid is the rectangular block of tiles fetched for one frame.
// Both dimensions are odd so the GPS tile sits in the middle.
type TileGrid struct {
	WidthTiles  int `json:"widthTiles"`
	HeightTiles int `json:"heightTiles"`
	StartX      int `json:"startX"`
	StartY      int `json:"startY"`
	Zoom        int `json:"zoom"`
}

// Cell is one grid position and the tile that fills it
type Cell struct {
	DX, DY int
	Coord  projection.TileCoord
}

// ComputeGrid returns the odd tile counts needed to cover width×height
func ComputeGrid(width, height, tileSize int) (cols, rows int) {
	return gridDim(width, tileSize), gridDim(height, tileSize)
}

// gridDim is the buffered tile count, raised until the tiles on each side of
// the center tile span half the frame wherever the GPS point sits in it.
func gridDim(dim, tileSize int) int {
	n := int(math.Floor(float64(dim)*bufferFactor/float64(tileSize))) + 1
	if n < 2 {
		n = 2
	}
	if side := (dim + 2*tileSize - 1) / (2 * tileSize); n < 2*side+1 {
		n = 2*side + 1
	}
	if n%2 == 0 {
		n++
	}
	return n
}

// NewTileGrid centers a grid on the tile containing center
func NewTileGrid(center geo.GeoPoint, zoom, width, height int) TileGrid {
	cols, rows := ComputeGrid(width, height, projection.TileSize)
	c := projection.ToTileIndex(center, zoom)
	return TileGrid{
		WidthTiles:  cols,
		HeightTiles: rows,
		StartX:      c.X - cols/2,
		StartY:      c.Y - rows/2,
		Zoom:        zoom,
	}
}

// Count is the number of tiles in the grid
func (g TileGrid) Count() int {
	return g.WidthTiles * g.HeightTiles
}

// PixelSize is the size of the stitched mosaic
func (g TileGrid) PixelSize() (w, h int) {
	return g.WidthTiles * projection.TileSize, g.HeightTiles * projection.TileSize
}

// Cells lists every grid position in row-major order. Columns wrap across
// the antimeridian; rows past the poles keep their out-of-range Y.
func (g TileGrid) Cells() []Cell {
	n := 1 << g.Zoom
	cells := make([]Cell, 0, g.Count())
	for dy := 0; dy < g.HeightTiles; dy++ {
		for dx := 0; dx < g.WidthTiles; dx++ {
			x := ((g.StartX+dx)%n + n) % n
			cells = append(cells, Cell{
				DX:    dx,
				DY:    dy,
				Coord: projection.TileCoord{X: x, Y: g.StartY + dy, Zoom: g.Zoom},
			})
		}
	}
	return cells
}

// GPSPosition is the pixel location of p inside the stitched mosaic
func (g TileGrid) GPSPosition(p geo.GeoPoint) (x, y float64) {
	fx, fy := projection.ToTileFraction(p, g.Zoom)
	return (fx - float64(g.StartX)) * projection.TileSize, (fy - float64(g.StartY)) * projection.TileSize
}
