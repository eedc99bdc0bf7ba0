// Package geotiff writes uncompressed RGBA GeoTIFFs georeferenced in
// EPSG:3857.
package geotiff

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"sort"
)

const (
	DataType_Byte     = 1
	DataType_ASCII    = 2
	DataType_Short    = 3
	DataType_Long     = 4
	DataType_Rational = 5
	DataType_Double   = 12

	TagType_ImageWidth                = 256
	TagType_ImageLength               = 257
	TagType_BitsPerSample             = 258
	TagType_Compression               = 259
	TagType_PhotometricInterpretation = 262
	TagType_ImageDescription          = 270
	TagType_StripOffsets              = 273
	TagType_SamplesPerPixel           = 277
	TagType_RowsPerStrip              = 278
	TagType_StripByteCounts           = 279
	TagType_XResolution               = 282
	TagType_YResolution               = 283
	TagType_ResolutionUnit            = 296
	TagType_Software                  = 305
	TagType_ExtraSamples              = 338

	// GeoTIFF
	TagType_ModelPixelScaleTag = 33550
	TagType_ModelTiepointTag   = 33922
	TagType_GeoKeyDirectoryTag = 34735
)

// ErrEmptyImage is returned for images with no pixels
var ErrEmptyImage = errors.New("geotiff: empty image")

var enc = binary.LittleEndian

type ifdEntry struct {
	tag      uint16
	datatype uint16
	count    uint32
	data     []byte
}

// Encode writes m to w as a single-strip uncompressed RGBA TIFF. extraTags
// maps tag IDs to []uint16 (SHORT), []float64 (DOUBLE) or string (ASCII).
func Encode(w io.Writer, m image.Image, extraTags map[uint16]interface{}) error {
	bounds := m.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= 0 || height <= 0 {
		return ErrEmptyImage
	}

	pixels := rgbaPixels(m)

	entries := []ifdEntry{
		{TagType_ImageWidth, DataType_Long, 1, enc32(uint32(width))},
		{TagType_ImageLength, DataType_Long, 1, enc32(uint32(height))},
		{TagType_BitsPerSample, DataType_Short, 4, enc16s([]uint16{8, 8, 8, 8})},
		{TagType_Compression, DataType_Short, 1, enc16(1)},               // none
		{TagType_PhotometricInterpretation, DataType_Short, 1, enc16(2)}, // RGB
		{TagType_SamplesPerPixel, DataType_Short, 1, enc16(4)},
		{TagType_RowsPerStrip, DataType_Long, 1, enc32(uint32(height))},
		{TagType_XResolution, DataType_Rational, 1, encRational(72, 1)},
		{TagType_YResolution, DataType_Rational, 1, encRational(72, 1)},
		{TagType_ResolutionUnit, DataType_Short, 1, enc16(2)}, // inch
		{TagType_ExtraSamples, DataType_Short, 1, enc16(1)},   // associated alpha
		{TagType_StripOffsets, DataType_Long, 1, nil},
		{TagType_StripByteCounts, DataType_Long, 1, enc32(uint32(len(pixels)))},
	}

	for tag, val := range extraTags {
		switch v := val.(type) {
		case []uint16:
			entries = append(entries, ifdEntry{tag, DataType_Short, uint32(len(v)), enc16s(v)})
		case []float64:
			entries = append(entries, ifdEntry{tag, DataType_Double, uint32(len(v)), encDoubles(v)})
		case string:
			b := append([]byte(v), 0)
			entries = append(entries, ifdEntry{tag, DataType_ASCII, uint32(len(b)), b})
		default:
			return fmt.Errorf("unsupported tag value type %T for tag %d", val, tag)
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })

	// Layout: header(8) | IFD | out-of-line values | pixels
	ifdSize := 2 + 12*len(entries) + 4
	valueOffset := 8 + ifdSize

	var values bytes.Buffer
	for i := range entries {
		e := &entries[i]
		if e.tag == TagType_StripOffsets || len(e.data) <= 4 {
			continue
		}
		off := uint32(valueOffset + values.Len())
		values.Write(e.data)
		if values.Len()%2 == 1 {
			values.WriteByte(0) // word alignment
		}
		e.data = enc32(off)
	}

	pixelOffset := uint32(valueOffset + values.Len())
	for i := range entries {
		if entries[i].tag == TagType_StripOffsets {
			entries[i].data = enc32(pixelOffset)
		}
	}

	var buf bytes.Buffer
	buf.Grow(int(pixelOffset) + len(pixels))
	buf.Write([]byte{'I', 'I', 0x2A, 0x00, 0x08, 0x00, 0x00, 0x00})
	buf.Write(enc16(uint16(len(entries))))
	for _, e := range entries {
		buf.Write(enc16(e.tag))
		buf.Write(enc16(e.datatype))
		buf.Write(enc32(e.count))
		var val [4]byte
		copy(val[:], e.data)
		buf.Write(val[:])
	}
	buf.Write(enc32(0)) // no next IFD
	values.WriteTo(&buf)
	buf.Write(pixels)

	_, err := buf.WriteTo(w)
	return err
}

func rgbaPixels(m image.Image) []byte {
	b := m.Bounds()
	if rgba, ok := m.(*image.RGBA); ok && rgba.Stride == 4*b.Dx() {
		return rgba.Pix[:4*b.Dx()*b.Dy()]
	}
	out := make([]byte, 0, 4*b.Dx()*b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, a := m.At(x, y).RGBA()
			out = append(out, uint8(r>>8), uint8(g>>8), uint8(bl>>8), uint8(a>>8))
		}
	}
	return out
}

func enc16(v uint16) []byte {
	b := make([]byte, 2)
	enc.PutUint16(b, v)
	return b
}

func enc32(v uint32) []byte {
	b := make([]byte, 4)
	enc.PutUint32(b, v)
	return b
}

func enc16s(vs []uint16) []byte {
	b := make([]byte, 2*len(vs))
	for i, v := range vs {
		enc.PutUint16(b[i*2:], v)
	}
	return b
}

func encDoubles(vs []float64) []byte {
	b := make([]byte, 8*len(vs))
	for i, v := range vs {
		enc.PutUint64(b[i*8:], math.Float64bits(v))
	}
	return b
}

func encRational(num, den uint32) []byte {
	b := make([]byte, 8)
	enc.PutUint32(b[:4], num)
	enc.PutUint32(b[4:], den)
	return b
}
