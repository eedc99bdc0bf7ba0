package mosaic

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"map-compositor/internal/geo"
	"map-compositor/internal/projection"
	"map-compositor/internal/tiles"
)

func tileColor(c projection.TileCoord) color.RGBA {
	return color.RGBA{uint8(c.X % 200), uint8(c.Y % 200), 100, 255}
}

func solidTile(c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, projection.TileSize, projection.TileSize))
	for y := 0; y < projection.TileSize; y++ {
		for x := 0; x < projection.TileSize; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

// fakeFetcher paints every tile with a color derived from its coordinate
type fakeFetcher struct {
	fail     func(projection.TileCoord) bool
	delay    time.Duration
	inFlight int32
	peak     int32
	calls    int32
}

func (f *fakeFetcher) Fetch(ctx context.Context, c projection.TileCoord) (*tiles.Tile, error) {
	atomic.AddInt32(&f.calls, 1)
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		p := atomic.LoadInt32(&f.peak)
		if n <= p || atomic.CompareAndSwapInt32(&f.peak, p, n) {
			break
		}
	}

	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if f.fail != nil && f.fail(c) {
		return nil, &tiles.FetchError{Coord: c, Attempts: 3, Reason: errors.New("boom")}
	}
	return &tiles.Tile{Coord: c, Image: solidTile(tileColor(c))}, nil
}

var testCenter = geo.GeoPoint{Lat: 49.2317, Lon: 17.4279}

func TestComputeGrid(t *testing.T) {
	tests := []struct {
		w, h       int
		cols, rows int
	}{
		{827, 602, 5, 5},
		{520, 520, 5, 5},
		{1030, 770, 7, 5},
		{100, 100, 3, 3},
		{256, 256, 3, 3},
		{1024, 768, 5, 5},
		{1920, 1080, 11, 7},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%dx%d", tt.w, tt.h), func(t *testing.T) {
			cols, rows := ComputeGrid(tt.w, tt.h, 256)
			assert.Equal(t, tt.cols, cols)
			assert.Equal(t, tt.rows, rows)
		})
	}
}

func TestComputeGridOddAndCovering(t *testing.T) {
	for w := 1; w <= 3000; w += 37 {
		cols, rows := ComputeGrid(w, w/2+1, 256)
		assert.Equal(t, 1, cols%2, "cols odd for %d", w)
		assert.Equal(t, 1, rows%2, "rows odd for %d", w)
		assert.GreaterOrEqual(t, cols, 3)
		assert.GreaterOrEqual(t, float64(cols*256), float64(w)*1.2)
		assert.GreaterOrEqual(t, (cols-1)*256, w, "center tile can sit anywhere")
		assert.GreaterOrEqual(t, (rows-1)*256, w/2+1)
	}
}

func TestNewTileGridCentersOnGPSTile(t *testing.T) {
	g := NewTileGrid(testCenter, 18, 827, 602)
	c := projection.ToTileIndex(testCenter, 18)

	assert.Equal(t, 5, g.WidthTiles)
	assert.Equal(t, 5, g.HeightTiles)
	assert.Equal(t, c.X-2, g.StartX)
	assert.Equal(t, c.Y-2, g.StartY)
	assert.Equal(t, 25, g.Count())

	cells := g.Cells()
	require.Len(t, cells, 25)
	assert.Equal(t, c, cells[12].Coord, "middle cell is the GPS tile")

	gx, gy := g.GPSPosition(testCenter)
	assert.True(t, gx >= 512 && gx < 768)
	assert.True(t, gy >= 512 && gy < 768)
}

func TestCellsWrapAntimeridian(t *testing.T) {
	g := TileGrid{WidthTiles: 3, HeightTiles: 1, StartX: -1, StartY: 0, Zoom: 2}
	cells := g.Cells()
	assert.Equal(t, 3, cells[0].Coord.X)
	assert.Equal(t, 0, cells[1].Coord.X)
	assert.Equal(t, 1, cells[2].Coord.X)
}

func TestAssembleFrameSizeAndRoundTrip(t *testing.T) {
	f := &fakeFetcher{}
	a := NewAssembler(f, 3, nil)

	res, err := a.Assemble(context.Background(), testCenter, 18, 827, 602)
	require.NoError(t, err)

	assert.Equal(t, 827, res.Frame.Image.Bounds().Dx())
	assert.Equal(t, 602, res.Frame.Image.Bounds().Dy())
	assert.Equal(t, 25, res.Fetched)
	assert.Empty(t, res.Failed)
	assert.LessOrEqual(t, atomic.LoadInt32(&f.peak), int32(3))

	px, py := projection.ProjectToPixel(testCenter, testCenter, 18, 827, 602)
	assert.InDelta(t, px, res.Frame.CenterX, 1)
	assert.InDelta(t, py, res.Frame.CenterY, 1)
}

// flatFetcher hands out one shared tile so large grids stay cheap
type flatFetcher struct{ tile *image.RGBA }

func (f flatFetcher) Fetch(ctx context.Context, c projection.TileCoord) (*tiles.Tile, error) {
	return &tiles.Tile{Coord: c, Image: f.tile}, nil
}

func TestAssembleKeepsGPSPointCentered(t *testing.T) {
	base := projection.ToTileIndex(testCenter, 18)
	a := NewAssembler(flatFetcher{tile: solidTile(color.RGBA{90, 120, 60, 255})}, 4, nil)

	fractions := []float64{0.005, 0.5, 0.995}
	sizes := [][2]int{{520, 520}, {827, 602}, {1030, 770}, {1920, 1080}}
	for _, size := range sizes {
		for _, fx := range fractions {
			for _, fy := range fractions {
				w, h := size[0], size[1]
				center := projection.TileToGeo(float64(base.X)+fx, float64(base.Y)+fy, 18)
				t.Run(fmt.Sprintf("%dx%d/%.3f,%.3f", w, h, fx, fy), func(t *testing.T) {
					res, err := a.Assemble(context.Background(), center, 18, w, h)
					require.NoError(t, err)
					assert.Equal(t, image.Rect(0, 0, w, h), res.Frame.Image.Bounds())
					assert.LessOrEqual(t, math.Abs(res.Frame.CenterX-float64(w)/2), 1.0, "x %.2f", res.Frame.CenterX)
					assert.LessOrEqual(t, math.Abs(res.Frame.CenterY-float64(h)/2), 1.0, "y %.2f", res.Frame.CenterY)

					px, py := projection.ProjectToPixel(center, center, 18, w, h)
					assert.InDelta(t, px, res.Frame.CenterX, 1)
					assert.InDelta(t, py, res.Frame.CenterY, 1)

					for _, p := range []image.Point{{0, 0}, {w - 1, 0}, {0, h - 1}, {w - 1, h - 1}} {
						assert.NotEqual(t, color.RGBA{255, 255, 255, 255}, res.Frame.Image.RGBAAt(p.X, p.Y), "corner %v", p)
					}
				})
			}
		}
	}
}

func TestAssemblePlacesNeighbourTileWhereProjectionSays(t *testing.T) {
	a := NewAssembler(&fakeFetcher{}, 4, nil)
	res, err := a.Assemble(context.Background(), testCenter, 18, 827, 602)
	require.NoError(t, err)

	c := projection.ToTileIndex(testCenter, 18)
	for _, d := range [][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}, {0, 0}} {
		tc := projection.TileCoord{X: c.X + d[0], Y: c.Y + d[1], Zoom: 18}
		target := projection.TileToGeo(float64(tc.X)+0.5, float64(tc.Y)+0.5, 18)
		px, py := projection.ProjectToPixel(target, testCenter, 18, 827, 602)
		if px < 0 || py < 0 || px >= 827 || py >= 602 {
			continue
		}
		got := res.Frame.Image.RGBAAt(int(px), int(py))
		assert.Equal(t, tileColor(tc), got, "tile %s", tc)
	}
}

func TestAssemblePartialFailureLeavesWhiteCell(t *testing.T) {
	center := projection.ToTileIndex(testCenter, 18)
	failing := projection.TileCoord{X: center.X + 1, Y: center.Y, Zoom: 18}

	f := &fakeFetcher{fail: func(c projection.TileCoord) bool { return c == failing }}
	a := NewAssembler(f, 2, nil)

	var logs []string
	var mu sync.Mutex
	a.SetLogCallback(func(s string) { mu.Lock(); logs = append(logs, s); mu.Unlock() })
	var last Progress
	a.SetProgressCallback(func(p Progress) { last = p })

	res, err := a.Assemble(context.Background(), testCenter, 18, 827, 602)
	require.NoError(t, err)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, failing, res.Failed[0].Coord)
	assert.Equal(t, 24, res.Fetched)
	assert.Equal(t, Progress{Done: 25, Total: 25, Failed: 1, Percent: 100, Status: "Downloading and merging 25/25 tiles"}, last)
	assert.NotEmpty(t, logs)

	target := projection.TileToGeo(float64(failing.X)+0.5, float64(failing.Y)+0.5, 18)
	px, py := projection.ProjectToPixel(target, testCenter, 18, 827, 602)
	assert.Equal(t, color.RGBA{255, 255, 255, 255}, res.Frame.Image.RGBAAt(int(px), int(py)))
}

func TestAssembleTotalFailure(t *testing.T) {
	f := &fakeFetcher{fail: func(projection.TileCoord) bool { return true }}
	a := NewAssembler(f, 4, nil)

	res, err := a.Assemble(context.Background(), testCenter, 18, 827, 602)
	assert.Nil(t, res)

	var empty *MosaicEmptyError
	require.True(t, errors.As(err, &empty))
	assert.Len(t, empty.Failures, 25)
	assert.Equal(t, 18, empty.Grid.Zoom)

	var fe *tiles.FetchError
	assert.True(t, errors.As(err, &fe))
}

func TestAssembleCancellation(t *testing.T) {
	f := &fakeFetcher{delay: 5 * time.Second}
	a := NewAssembler(f, 2, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	res, err := a.Assemble(ctx, testCenter, 18, 827, 602)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Less(t, atomic.LoadInt32(&f.calls), int32(25))
}

func TestAssembleRejectsBadInput(t *testing.T) {
	a := NewAssembler(&fakeFetcher{}, 1, nil)
	ctx := context.Background()

	_, err := a.Assemble(ctx, testCenter, 18, 0, 100)
	assert.ErrorIs(t, err, ErrInvalidFrameSize)
	_, err = a.Assemble(ctx, testCenter, 23, 100, 100)
	assert.ErrorIs(t, err, projection.ErrZoomOutOfRange)
	_, err = a.Assemble(ctx, geo.GeoPoint{Lat: 91}, 10, 100, 100)
	assert.ErrorIs(t, err, geo.ErrLatitudeRange)
}

func TestAssembleEndToEndWithTileServer(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		var z, x, y int
		if _, err := fmt.Sscanf(r.URL.Path, "/%d/%d/%d.png", &z, &x, &y); err != nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		png.Encode(w, solidTile(tileColor(projection.TileCoord{X: x, Y: y, Zoom: z})))
	}))
	defer srv.Close()

	client, err := tiles.NewClient(tiles.Options{URL: srv.URL, Timeout: 2 * time.Second, RetryPause: time.Millisecond})
	require.NoError(t, err)

	res, err := NewAssembler(client, 4, nil).Assemble(context.Background(), testCenter, 18, 827, 602)
	require.NoError(t, err)
	assert.EqualValues(t, 25, atomic.LoadInt32(&requests))
	assert.Equal(t, 25, res.Fetched)

	b := res.Frame.Image.Bounds()
	require.Equal(t, image.Rect(0, 0, 827, 602), b)
	for y := 0; y < b.Dy(); y += 7 {
		for x := 0; x < b.Dx(); x += 7 {
			require.NotEqual(t, color.RGBA{255, 255, 255, 255}, res.Frame.Image.RGBAAt(x, y), "white pixel at %d,%d", x, y)
		}
	}
	assert.True(t, math.Abs(res.Frame.CenterX-413.5) <= 1)
	assert.True(t, math.Abs(res.Frame.CenterY-301) <= 1)
}

func TestCropCenteredPadsSmallMosaic(t *testing.T) {
	m := solidTile(color.RGBA{0, 0, 255, 255}).SubImage(image.Rect(0, 0, 100, 80)).(*image.RGBA)

	f := CropCentered(m, 50, 40, 120, 100)
	assert.Equal(t, 120, f.Image.Bounds().Dx())
	assert.Equal(t, 100, f.Image.Bounds().Dy())
	assert.Equal(t, 60.0, f.CenterX)
	assert.Equal(t, 50.0, f.CenterY)
	assert.Equal(t, color.RGBA{255, 255, 255, 255}, f.Image.RGBAAt(5, 5))
	assert.Equal(t, color.RGBA{0, 0, 255, 255}, f.Image.RGBAAt(15, 15))
}

func TestCropCenteredClampsToEdges(t *testing.T) {
	m := solidTile(color.Black)

	f := CropCentered(m, 10, 250, 100, 100)
	assert.Equal(t, 10.0, f.CenterX, "left clamped to 0")
	assert.Equal(t, 94.0, f.CenterY, "top clamped to 156")

	f = CropCentered(m, 128.4, 128, 100, 100)
	assert.InDelta(t, 50, f.CenterX, 0.5)
	assert.InDelta(t, 50, f.CenterY, 0.5)
}

func TestEnsureSize(t *testing.T) {
	f := OutputFrame{Image: solidTile(color.Black), CenterX: 128, CenterY: 64, Width: 256, Height: 256}

	same := EnsureSize(f, 256, 256)
	assert.Same(t, f.Image, same.Image)

	scaled := EnsureSize(f, 512, 128)
	assert.Equal(t, image.Rect(0, 0, 512, 128), scaled.Image.Bounds())
	assert.Equal(t, 256.0, scaled.CenterX)
	assert.Equal(t, 32.0, scaled.CenterY)
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestBlankTilesAreCounted(t *testing.T) {
	white := encodePNG(t, solidTile(color.White))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(white)
	}))
	defer srv.Close()

	client, err := tiles.NewClient(tiles.Options{URL: srv.URL})
	require.NoError(t, err)
	res, err := NewAssembler(client, 4, nil).Assemble(context.Background(), testCenter, 15, 200, 200)
	require.NoError(t, err)
	assert.Equal(t, res.Grid.Count(), res.Blank)
}
