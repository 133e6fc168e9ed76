// Package raster holds decoded source images and the affine geometry used to
// map between display and source pixel space.
package raster

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
)

// Undefined is the sample value returned for positions outside the raster,
// bands the raster does not have, and samples equal to the no-data datum.
const Undefined uint32 = math.MaxUint32

// MaxDepth is the largest supported sample depth in bits.
const MaxDepth = 16

var (
	// ErrInvalidSize indicates a non-positive or oversized raster dimension.
	ErrInvalidSize = errors.New("raster: invalid size")
	// ErrInvalidDepth indicates a sample depth outside 1..16 bits.
	ErrInvalidDepth = errors.New("raster: invalid sample depth")
)

// Raster is an immutable-after-load multi-band source image.
//
// Samples are stored band-sequentially: one plane per band. Rasters of depth
// 8 or less use byte planes, deeper rasters use uint16 planes. A Raster may be
// shared by any number of mapped images once loading has finished.
type Raster struct {
	Name string

	width  int
	height int
	bands  int
	depth  int

	planes8  [][]uint8
	planes16 [][]uint16

	noData    uint32
	hasNoData bool
}

// New allocates a zeroed raster.
func New(width, height, bands, depth int) (*Raster, error) {
	if width < 0 || height < 0 || bands <= 0 {
		return nil, fmt.Errorf("%w: %dx%d with %d bands", ErrInvalidSize, width, height, bands)
	}
	if depth < 1 || depth > MaxDepth {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDepth, depth)
	}
	n := width * height
	if height != 0 && n/height != width {
		return nil, fmt.Errorf("%w: %dx%d overflows", ErrInvalidSize, width, height)
	}

	r := &Raster{width: width, height: height, bands: bands, depth: depth}
	if depth <= 8 {
		r.planes8 = make([][]uint8, bands)
		for b := range r.planes8 {
			r.planes8[b] = make([]uint8, n)
		}
	} else {
		r.planes16 = make([][]uint16, bands)
		for b := range r.planes16 {
			r.planes16[b] = make([]uint16, n)
		}
	}
	return r, nil
}

// Width returns the raster width in pixels.
func (r *Raster) Width() int { return r.width }

// Height returns the raster height in pixels.
func (r *Raster) Height() int { return r.height }

// Bands returns the number of bands.
func (r *Raster) Bands() int { return r.bands }

// Depth returns the sample depth in bits.
func (r *Raster) Depth() int { return r.depth }

// Bounds returns the raster rectangle anchored at the origin.
func (r *Raster) Bounds() image.Rectangle {
	return image.Rect(0, 0, r.width, r.height)
}

// Empty reports whether the raster has no pixels.
func (r *Raster) Empty() bool {
	return r == nil || r.width == 0 || r.height == 0
}

// LUTSize is the number of entries a value lookup table needs for this raster.
func (r *Raster) LUTSize() int {
	return 1 << r.depth
}

// SetNoData marks v as the "undefined" datum. Samples equal to v read as Undefined.
func (r *Raster) SetNoData(v uint32) {
	r.noData = v
	r.hasNoData = true
}

// ClearNoData removes the undefined datum.
func (r *Raster) ClearNoData() {
	r.hasNoData = false
}

// NoData returns the undefined datum, if any.
func (r *Raster) NoData() (uint32, bool) {
	return r.noData, r.hasNoData
}

// Sample returns the raw sample at (x, y) of band, or Undefined.
func (r *Raster) Sample(x, y, band int) uint32 {
	if x < 0 || y < 0 || x >= r.width || y >= r.height || band < 0 || band >= r.bands {
		return Undefined
	}
	i := y*r.width + x
	var v uint32
	if r.planes8 != nil {
		v = uint32(r.planes8[band][i])
	} else {
		v = uint32(r.planes16[band][i])
	}
	if r.hasNoData && v == r.noData {
		return Undefined
	}
	return v
}

// Set stores a sample, masking it to the raster depth. Out of range writes are ignored.
func (r *Raster) Set(x, y, band int, v uint32) {
	if x < 0 || y < 0 || x >= r.width || y >= r.height || band < 0 || band >= r.bands {
		return
	}
	v &= uint32(r.LUTSize() - 1)
	i := y*r.width + x
	if r.planes8 != nil {
		r.planes8[band][i] = uint8(v)
	} else {
		r.planes16[band][i] = uint16(v)
	}
}

// Plane8 exposes a byte plane for bulk loading. It returns nil for deep rasters.
func (r *Raster) Plane8(band int) []uint8 {
	if r.planes8 == nil || band < 0 || band >= r.bands {
		return nil
	}
	return r.planes8[band]
}

// Plane16 exposes a uint16 plane for bulk loading. It returns nil for 8-bit rasters.
func (r *Raster) Plane16(band int) []uint16 {
	if r.planes16 == nil || band < 0 || band >= r.bands {
		return nil
	}
	return r.planes16[band]
}

// SizeBytes returns the approximate memory held by the sample planes.
func (r *Raster) SizeBytes() int {
	per := 1
	if r.planes16 != nil {
		per = 2
	}
	return r.width * r.height * r.bands * per
}

// FromImage converts a decoded image into a raster.
//
// Gray images become one 8-bit band, Gray16 images one 16-bit band, anything
// else three 8-bit bands (R, G, B). Alpha is discarded.
func FromImage(img image.Image) *Raster {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	switch src := img.(type) {
	case *image.Gray:
		r, _ := New(w, h, 1, 8)
		for y := 0; y < h; y++ {
			off := src.PixOffset(b.Min.X, b.Min.Y+y)
			copy(r.planes8[0][y*w:(y+1)*w], src.Pix[off:off+w])
		}
		return r
	case *image.Gray16:
		r, _ := New(w, h, 1, 16)
		for y := 0; y < h; y++ {
			row := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):]
			for x := 0; x < w; x++ {
				r.planes16[0][y*w+x] = uint16(row[2*x])<<8 | uint16(row[2*x+1])
			}
		}
		return r
	case *image.RGBA:
		r, _ := New(w, h, 3, 8)
		for y := 0; y < h; y++ {
			row := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):]
			for x := 0; x < w; x++ {
				i := y*w + x
				r.planes8[0][i] = row[4*x]
				r.planes8[1][i] = row[4*x+1]
				r.planes8[2][i] = row[4*x+2]
			}
		}
		return r
	}

	r, _ := New(w, h, 3, 8)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			i := y*w + x
			r.planes8[0][i] = c.R
			r.planes8[1][i] = c.G
			r.planes8[2][i] = c.B
		}
	}
	return r
}
