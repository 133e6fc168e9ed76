package source

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/soma-tiles/tileview/internal/raster"
)

// RawHeader describes a raw band-sequential sample file. It is stored as a
// JSON document next to the sample data.
type RawHeader struct {
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	Bands       int     `json:"bands"`
	Depth       int     `json:"depth"`
	NoData      *uint32 `json:"nodata,omitempty"`
	Compression string  `json:"compression"` // "zstd" or "none"
	ByteOrder   string  `json:"byte_order"`  // "little" (default) or "big"
	Data        string  `json:"data"`        // Sample file, relative to the header
}

func (h RawHeader) sampleBytes() int {
	if h.Depth > 8 {
		return 2
	}
	return 1
}

func (h RawHeader) validate() error {
	if h.Width <= 0 || h.Height <= 0 || h.Bands <= 0 {
		return fmt.Errorf("%w: %dx%d with %d bands", raster.ErrInvalidSize, h.Width, h.Height, h.Bands)
	}
	if h.Depth < 1 || h.Depth > raster.MaxDepth {
		return fmt.Errorf("%w: %d", raster.ErrInvalidDepth, h.Depth)
	}
	switch h.Compression {
	case "", "none", "zstd":
	default:
		return fmt.Errorf("%w: compression %q", ErrFormat, h.Compression)
	}
	switch h.ByteOrder {
	case "", "little", "big":
	default:
		return fmt.Errorf("%w: byte order %q", ErrFormat, h.ByteOrder)
	}
	if h.Data == "" {
		return fmt.Errorf("%w: header names no data file", ErrFormat)
	}
	return nil
}

func readRawHeader(path string) (RawHeader, error) {
	var h RawHeader
	data, err := os.ReadFile(path)
	if err != nil {
		return h, err
	}
	if err := json.Unmarshal(data, &h); err != nil {
		return h, fmt.Errorf("failed to parse raw header: %w", err)
	}
	if h.Depth == 0 {
		h.Depth = 8
	}
	return h, h.validate()
}

// readRaw decodes the raster described by the header at path.
func (l *Loader) readRaw(path string) (*raster.Raster, error) {
	h, err := readRawHeader(path)
	if err != nil {
		return nil, err
	}

	dataPath := h.Data
	if !filepath.IsAbs(dataPath) {
		dataPath = filepath.Join(filepath.Dir(path), dataPath)
	}
	f, err := os.Open(dataPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var src io.Reader = f
	if h.Compression == "zstd" {
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		defer zr.Close()
		src = zr
	}

	r, err := raster.New(h.Width, h.Height, h.Bands, h.Depth)
	if err != nil {
		return nil, err
	}
	plane := h.Width * h.Height
	buf := make([]byte, plane*h.sampleBytes())

	var order binary.ByteOrder = binary.LittleEndian
	if h.ByteOrder == "big" {
		order = binary.BigEndian
	}

	// Bits above the declared depth are dropped, as Raster.Set does.
	mask := uint16(r.LUTSize() - 1)
	for b := 0; b < h.Bands; b++ {
		if _, err := io.ReadFull(src, buf); err != nil {
			return nil, fmt.Errorf("band %d: %w", b, err)
		}
		if h.sampleBytes() == 1 {
			dst := r.Plane8(b)
			for i, v := range buf {
				dst[i] = v & uint8(mask)
			}
			continue
		}
		dst := r.Plane16(b)
		for i := range dst {
			dst[i] = order.Uint16(buf[2*i:]) & mask
		}
	}
	if h.NoData != nil {
		r.SetNoData(*h.NoData)
	}
	return r, nil
}

// WriteRaw stores r as a zstd compressed raw file plus JSON header at path.
// The sample file is written next to the header with a ".zst" suffix.
func WriteRaw(path string, r *raster.Raster) error {
	h := RawHeader{
		Width:       r.Width(),
		Height:      r.Height(),
		Bands:       r.Bands(),
		Depth:       r.Depth(),
		Compression: "zstd",
		ByteOrder:   "little",
		Data:        filepath.Base(path) + ".zst",
	}
	if nd, ok := r.NoData(); ok {
		h.NoData = &nd
	}

	f, err := os.Create(filepath.Join(filepath.Dir(path), h.Data))
	if err != nil {
		return err
	}
	defer f.Close()
	zw, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	for b := 0; b < r.Bands(); b++ {
		if r.Depth() <= 8 {
			_, err = zw.Write(r.Plane8(b))
		} else {
			p := r.Plane16(b)
			buf := make([]byte, 2*len(p))
			for i, v := range p {
				binary.LittleEndian.PutUint16(buf[2*i:], v)
			}
			_, err = zw.Write(buf)
		}
		if err != nil {
			zw.Close()
			return err
		}
	}
	if err := zw.Close(); err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
