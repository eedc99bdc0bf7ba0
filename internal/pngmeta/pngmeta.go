// Package pngmeta reads and writes PNG textual metadata chunks.
package pngmeta

import (
	"bufio"
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"image"
	"image/png"
	"io"
	"sort"
)

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

var (
	ErrNotPNG     = errors.New("not a PNG stream")
	ErrInvalidKey = errors.New("text keyword must be 1-79 Latin-1 characters")
)

type chunk struct {
	typ  string
	data []byte
}

// ReadText returns the tEXt and zTXt entries of a PNG stream
func ReadText(r io.Reader) (map[string]string, error) {
	chunks, err := readChunks(r)
	if err != nil {
		return nil, err
	}

	text := make(map[string]string)
	for _, c := range chunks {
		switch c.typ {
		case "tEXt":
			k, v, ok := bytes.Cut(c.data, []byte{0})
			if ok {
				text[string(k)] = string(v)
			}
		case "zTXt":
			k, rest, ok := bytes.Cut(c.data, []byte{0})
			if !ok || len(rest) < 1 || rest[0] != 0 {
				continue
			}
			zr, err := zlib.NewReader(bytes.NewReader(rest[1:]))
			if err != nil {
				continue
			}
			v, err := io.ReadAll(zr)
			zr.Close()
			if err == nil {
				text[string(k)] = string(v)
			}
		}
	}
	return text, nil
}

// WriteText copies the PNG from r to w with entries set as tEXt chunks.
// Existing textual chunks with the same keywords are replaced.
func WriteText(w io.Writer, r io.Reader, entries map[string]string) error {
	for k := range entries {
		if err := validateKey(k); err != nil {
			return err
		}
	}

	chunks, err := readChunks(r)
	if err != nil {
		return err
	}

	bw := bufio.NewWriter(w)
	if _, err := bw.Write(pngSignature); err != nil {
		return err
	}
	for _, c := range chunks {
		if (c.typ == "tEXt" || c.typ == "zTXt" || c.typ == "iTXt") && replaces(c, entries) {
			continue
		}
		if err := writeChunk(bw, c.typ, c.data); err != nil {
			return err
		}
		if c.typ == "IHDR" {
			if err := writeEntries(bw, entries); err != nil {
				return err
			}
		}
	}
	return bw.Flush()
}

// Encode writes img as PNG with the given text entries
func Encode(w io.Writer, img image.Image, entries map[string]string) error {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return fmt.Errorf("failed to encode PNG: %w", err)
	}
	return WriteText(w, &buf, entries)
}

func writeEntries(w io.Writer, entries map[string]string) error {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		data := make([]byte, 0, len(k)+1+len(entries[k]))
		data = append(data, k...)
		data = append(data, 0)
		data = append(data, entries[k]...)
		if err := writeChunk(w, "tEXt", data); err != nil {
			return err
		}
	}
	return nil
}

func replaces(c chunk, entries map[string]string) bool {
	k, _, ok := bytes.Cut(c.data, []byte{0})
	if !ok {
		return false
	}
	_, found := entries[string(k)]
	return found
}

func validateKey(k string) error {
	if len(k) == 0 || len(k) > 79 {
		return fmt.Errorf("%w: %q", ErrInvalidKey, k)
	}
	for i := 0; i < len(k); i++ {
		if k[i] < 32 || k[i] == 127 {
			return fmt.Errorf("%w: %q", ErrInvalidKey, k)
		}
	}
	return nil
}

func readChunks(r io.Reader) ([]chunk, error) {
	br := bufio.NewReader(r)
	sig := make([]byte, len(pngSignature))
	if _, err := io.ReadFull(br, sig); err != nil || !bytes.Equal(sig, pngSignature) {
		return nil, ErrNotPNG
	}

	var chunks []chunk
	var hdr [8]byte
	for {
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			return nil, fmt.Errorf("failed to read chunk header: %w", err)
		}
		n := binary.BigEndian.Uint32(hdr[:4])
		if n > 1<<30 {
			return nil, fmt.Errorf("chunk too large: %d bytes", n)
		}
		typ := string(hdr[4:8])

		// grows with the bytes actually present, not the declared length
		var body bytes.Buffer
		if _, err := io.CopyN(&body, br, int64(n)); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("failed to read %s chunk: %w", typ, err)
		}
		data := body.Bytes()
		var crc [4]byte
		if _, err := io.ReadFull(br, crc[:]); err != nil {
			return nil, fmt.Errorf("failed to read %s checksum: %w", typ, err)
		}
		if binary.BigEndian.Uint32(crc[:]) != checksum(typ, data) {
			return nil, fmt.Errorf("checksum mismatch in %s chunk", typ)
		}

		chunks = append(chunks, chunk{typ: typ, data: data})
		if typ == "IEND" {
			return chunks, nil
		}
	}
}

func writeChunk(w io.Writer, typ string, data []byte) error {
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(len(data)))
	copy(hdr[4:], typ)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	var crc [4]byte
	binary.BigEndian.PutUint32(crc[:], checksum(typ, data))
	_, err := w.Write(crc[:])
	return err
}

func checksum(typ string, data []byte) uint32 {
	h := crc32.NewIEEE()
	h.Write([]byte(typ))
	h.Write(data)
	return h.Sum32()
}
