package mosaic

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"map-compositor/internal/geo"
	"map-compositor/internal/logging"
	"map-compositor/internal/metrics"
	"map-compositor/internal/projection"
	"map-compositor/internal/tiles"
)

// DefaultWorkers is the default number of concurrent tile fetches
const DefaultWorkers = 4

var ErrInvalidFrameSize = errors.New("frame width and height must be positive")

// Fetcher retrieves one decoded tile
type Fetcher interface {
	Fetch(ctx context.Context, coord projection.TileCoord) (*tiles.Tile, error)
}

// Progress tracks tile retrieval for one assembly
type Progress struct {
	Done    int    `json:"done"`
	Total   int    `json:"total"`
	Failed  int    `json:"failed"`
	Percent int    `json:"percent"`
	Status  string `json:"status"`
}

// Result is a finished frame plus the bookkeeping of how it was built
type Result struct {
	Frame   OutputFrame
	Grid    TileGrid
	Failed  []*tiles.FetchError
	Fetched int
	Cached  int
	Blank   int // fetched tiles that look uniform, likely missing imagery
}

// MosaicEmptyError means not a single tile of the grid could be fetched
type MosaicEmptyError struct {
	Grid     TileGrid
	Failures []*tiles.FetchError
}

func (e *MosaicEmptyError) Error() string {
	msg := fmt.Sprintf("mosaic empty: all %d tiles at zoom %d failed", e.Grid.Count(), e.Grid.Zoom)
	if len(e.Failures) > 0 {
		msg += ": " + e.Failures[0].Error()
	}
	return msg
}

func (e *MosaicEmptyError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}

// Assembler builds GPS-centered frames from a tile source
type Assembler struct {
	fetcher          Fetcher
	maxWorkers       int
	logger           *slog.Logger
	progressCallback func(Progress)
	logCallback      func(string)
}

// NewAssembler creates an assembler using at most maxWorkers concurrent fetches
func NewAssembler(fetcher Fetcher, maxWorkers int, logger *slog.Logger) *Assembler {
	if maxWorkers <= 0 {
		maxWorkers = DefaultWorkers
	}
	return &Assembler{
		fetcher:    fetcher,
		maxWorkers: maxWorkers,
		logger:     logging.OrDefault(logger),
	}
}

// SetProgressCallback sets the callback invoked after every tile
func (a *Assembler) SetProgressCallback(cb func(Progress)) {
	a.progressCallback = cb
}

// SetLogCallback sets the callback for human readable status lines
func (a *Assembler) SetLogCallback(cb func(string)) {
	a.logCallback = cb
}

func (a *Assembler) emitLog(message string) {
	if a.logCallback != nil {
		a.logCallback(message)
	}
}

func (a *Assembler) emitProgress(p Progress) {
	if a.progressCallback != nil {
		a.progressCallback(p)
	}
}

// Assemble fetches the tile grid around center and crops a width×height
// frame with center at its middle pixel.
func (a *Assembler) Assemble(ctx context.Context, center geo.GeoPoint, zoom, width, height int) (*Result, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidFrameSize, width, height)
	}
	if err := projection.ValidateZoom(zoom); err != nil {
		return nil, err
	}
	if err := center.Validate(); err != nil {
		return nil, err
	}
	center.Lat = projection.ClampLatitude(center.Lat)

	start := time.Now()
	grid := NewTileGrid(center, zoom, width, height)
	a.emitLog(fmt.Sprintf("Grid: %d cols x %d rows at zoom %d", grid.WidthTiles, grid.HeightTiles, zoom))

	m, stats, err := a.Stitch(ctx, grid)
	if err != nil {
		result := "error"
		var empty *MosaicEmptyError
		if errors.As(err, &empty) {
			result = "empty"
		} else if ctx.Err() != nil {
			result = "cancelled"
		}
		metrics.Mosaics.WithLabelValues(result).Inc()
		return nil, err
	}

	gx, gy := grid.GPSPosition(center)
	frame := EnsureSize(CropCentered(m.Image, gx, gy, width, height), width, height)

	metrics.Mosaics.WithLabelValues("ok").Inc()
	metrics.MosaicDuration.Observe(time.Since(start).Seconds())
	a.logger.Info("mosaic assembled",
		"center", center.String(), "zoom", zoom, "width", width, "height", height,
		"tiles", grid.Count(), "failed", len(stats.Failed), "blank", stats.Blank,
		"duration", time.Since(start))

	return &Result{
		Frame:   frame,
		Grid:    grid,
		Failed:  stats.Failed,
		Fetched: stats.Fetched,
		Cached:  stats.Cached,
		Blank:   stats.Blank,
	}, nil
}

// StitchStats summarizes one stitch run
type StitchStats struct {
	Fetched int
	Cached  int
	Blank   int
	Failed  []*tiles.FetchError
}

type tileResult struct {
	cell Cell
	tile *tiles.Tile
	err  error
}

// Stitch fetches every grid cell and pastes it onto a white canvas.
// Failed cells stay white. It fails only when no tile succeeded or ctx ends.
func (a *Assembler) Stitch(ctx context.Context, grid TileGrid) (*Mosaic, StitchStats, error) {
	var stats StitchStats
	cells := grid.Cells()
	total := len(cells)

	mw, mh := grid.PixelSize()
	canvas := NewCanvas(mw, mh)

	sem := semaphore.NewWeighted(int64(a.maxWorkers))
	cellChan := make(chan Cell, total)
	resultChan := make(chan tileResult, total)

	// Start workers
	var wg sync.WaitGroup
	for i := 0; i < a.maxWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for cell := range cellChan {
				if err := ctx.Err(); err != nil {
					resultChan <- tileResult{cell: cell, err: err}
					continue
				}
				if err := sem.Acquire(ctx, 1); err != nil {
					resultChan <- tileResult{cell: cell, err: err}
					continue
				}
				tile, err := a.fetcher.Fetch(ctx, cell.Coord)
				sem.Release(1)
				resultChan <- tileResult{cell: cell, tile: tile, err: err}
			}
		}()
	}

	// Send cells to workers
	go func() {
		defer close(cellChan)
		for _, cell := range cells {
			select {
			case <-ctx.Done():
				return
			case cellChan <- cell:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	done := 0
	for result := range resultChan {
		done++

		switch {
		case result.err == nil:
			if result.tile.FromCache {
				stats.Cached++
			}
			stats.Fetched++
			if tiles.IsBlank(result.tile.Image) {
				stats.Blank++
			}
			pasteTile(canvas, result.tile.Image, result.cell)
		case ctx.Err() != nil:
			// drain; the cancellation is reported below
		default:
			var fe *tiles.FetchError
			if !errors.As(result.err, &fe) {
				fe = &tiles.FetchError{Coord: result.cell.Coord, Reason: result.err}
			}
			stats.Failed = append(stats.Failed, fe)
			a.emitLog(fmt.Sprintf("Tile %s failed: %v", result.cell.Coord, fe.Reason))
		}

		a.emitProgress(Progress{
			Done:    done,
			Total:   total,
			Failed:  len(stats.Failed),
			Percent: done * 100 / total,
			Status:  fmt.Sprintf("Downloading and merging %d/%d tiles", done, total),
		})
	}

	if err := ctx.Err(); err != nil {
		return nil, stats, err
	}
	if stats.Fetched == 0 {
		return nil, stats, &MosaicEmptyError{Grid: grid, Failures: stats.Failed}
	}
	return &Mosaic{Image: canvas, Grid: grid}, stats, nil
}

// pasteTile draws a tile at its grid offset. Tiles that are not 256 px
// are drawn as-is from their origin and clipped to the cell.
func pasteTile(canvas *image.RGBA, img image.Image, cell Cell) {
	x := cell.DX * projection.TileSize
	y := cell.DY * projection.TileSize
	dst := image.Rect(x, y, x+projection.TileSize, y+projection.TileSize)
	draw.Draw(canvas, dst, img, img.Bounds().Min, draw.Over)
}
