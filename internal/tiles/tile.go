package tiles

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // tile servers commonly answer with JPEG
	_ "image/png"
	"strconv"
	"strings"

	"map-compositor/internal/projection"
)

var (
	ErrEmptyBody    = errors.New("empty response body")
	ErrRateLimited  = errors.New("tile server is rate limiting, cooldown active")
	ErrInvalidCoord = errors.New("tile coordinate out of range")
)

// Tile is a decoded raster tile
type Tile struct {
	Coord     projection.TileCoord
	Image     image.Image
	FromCache bool
}

// FetchError is returned when a tile could not be obtained after all attempts
type FetchError struct {
	Coord    projection.TileCoord
	Attempts int
	Reason   error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch tile %s after %d attempt(s): %v", e.Coord, e.Attempts, e.Reason)
}

func (e *FetchError) Unwrap() error {
	return e.Reason
}

// StatusError reports a non-200 HTTP answer
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected HTTP status %d", e.Code)
}

// BuildURL expands a tile URL. Templates containing {z}, {x} and {y} are
// filled in place, anything else is treated as a base URL and gets
// "/{z}/{x}/{y}.png" appended.
func BuildURL(template string, c projection.TileCoord) string {
	if strings.Contains(template, "{z}") && strings.Contains(template, "{x}") && strings.Contains(template, "{y}") {
		return strings.NewReplacer(
			"{z}", strconv.Itoa(c.Zoom),
			"{x}", strconv.Itoa(c.X),
			"{y}", strconv.Itoa(c.Y),
		).Replace(template)
	}
	return fmt.Sprintf("%s/%d/%d/%d.png", strings.TrimRight(template, "/"), c.Zoom, c.X, c.Y)
}

// Decode decodes tile bytes into an image
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, ErrEmptyBody
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode tile image: %w", err)
	}
	return img, nil
}
