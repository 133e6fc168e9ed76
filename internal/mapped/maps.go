package mapped

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/soma-tiles/tileview/internal/logging"
)

// Maps holds the band map and value lookup tables of a mapped image.
//
// A Maps value may be shared by any number of images (tiles cloned from a
// reference image share its Maps). Setters install fresh slices and never
// modify a table in place, so a render snapshot can keep the slices it copied
// without holding any lock. Every change bumps Version.
type Maps struct {
	mu      sync.RWMutex
	bands   [DisplayBands]int
	luts    [DisplayBands][]uint8
	version atomic.Uint64
	warned  atomic.Uint64 // last version whose size mismatch was logged
}

// NewMaps returns identity band selection (0, 1, 2) and default value tables.
func NewMaps() *Maps {
	m := &Maps{bands: [DisplayBands]int{0, 1, 2}}
	m.version.Store(1)
	return m
}

// Version increases with every change to the tables.
func (m *Maps) Version() uint64 {
	return m.version.Load()
}

// BandMap returns the source band read for each display band.
func (m *Maps) BandMap() [DisplayBands]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bands
}

// SetBandMap selects the source band for each display band.
func (m *Maps) SetBandMap(bands [DisplayBands]int) error {
	for i, b := range bands {
		if b < 0 || b >= DisplayBands {
			return fmt.Errorf("%w: display band %d maps to %d", ErrBandIndex, i, b)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.bands == bands {
		return nil
	}
	m.bands = bands
	m.version.Add(1)
	return nil
}

// DataMap returns a copy of the value table of band, or nil for the default table.
func (m *Maps) DataMap(band int) []uint8 {
	if band < 0 || band >= DisplayBands {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.luts[band] == nil {
		return nil
	}
	return append([]uint8(nil), m.luts[band]...)
}

// SetDataMap installs a value table for band. A nil table restores the
// default linear table. Table sizes must be a power of two up to 2^16.
func (m *Maps) SetDataMap(band int, lut []uint8) error {
	if band < 0 || band >= DisplayBands {
		return fmt.Errorf("%w: %d", ErrBandIndex, band)
	}
	if err := validLUTSize(len(lut)); lut != nil && err != nil {
		return err
	}
	var fresh []uint8
	if lut != nil {
		fresh = append([]uint8(nil), lut...)
	}
	m.mu.Lock()
	m.luts[band] = fresh
	m.mu.Unlock()
	m.version.Add(1)
	return nil
}

// SetDataMaps installs all three value tables at once.
func (m *Maps) SetDataMaps(luts [DisplayBands][]uint8) error {
	var fresh [DisplayBands][]uint8
	for b, lut := range luts {
		if lut == nil {
			continue
		}
		if err := validLUTSize(len(lut)); err != nil {
			return fmt.Errorf("band %d: %w", b, err)
		}
		fresh[b] = append([]uint8(nil), lut...)
	}
	m.mu.Lock()
	m.luts = fresh
	m.mu.Unlock()
	m.version.Add(1)
	return nil
}

// Copy returns an unshared deep copy.
func (m *Maps) Copy() *Maps {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := &Maps{bands: m.bands}
	for b, lut := range m.luts {
		if lut != nil {
			c.luts[b] = append([]uint8(nil), lut...)
		}
	}
	c.version.Store(1)
	return c
}

// Fits returns ErrDataMapSize when an installed value table does not have
// lutSize entries.
func (m *Maps) Fits(lutSize int) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for b, lut := range m.luts {
		if lut != nil && len(lut) != lutSize {
			return fmt.Errorf("%w: band %d table has %d entries, source needs %d", ErrDataMapSize, b, len(lut), lutSize)
		}
	}
	return nil
}

// snapshot returns the current tables for a render pass. Tables whose size
// does not match lutSize fall back to the default table for that size; the
// mismatch is logged once per version.
func (m *Maps) snapshot(lutSize int) (bands [DisplayBands]int, luts [DisplayBands][]uint8, version uint64) {
	m.mu.RLock()
	bands = m.bands
	luts = m.luts
	version = m.version.Load()
	m.mu.RUnlock()

	for b := range luts {
		if len(luts[b]) == lutSize {
			continue
		}
		if luts[b] != nil && m.warned.Swap(version) != version {
			logging.L().Warn("[MappedImage] value table does not fit source, using default table",
				"band", b, "entries", len(luts[b]), "want", lutSize)
		}
		luts[b] = defaultLUT(lutSize)
	}
	return bands, luts, version
}

func validLUTSize(n int) error {
	if n < 2 || n > 1<<16 || n&(n-1) != 0 {
		return fmt.Errorf("%w: %d entries", ErrDataMapSize, n)
	}
	return nil
}

var defaultLUTs sync.Map // int -> []uint8

// defaultLUT scales the full sample range linearly onto 0..255.
func defaultLUT(size int) []uint8 {
	if v, ok := defaultLUTs.Load(size); ok {
		return v.([]uint8)
	}
	lut := make([]uint8, size)
	if size > 1 {
		maxV := size - 1
		for i := range lut {
			lut[i] = uint8((i*255 + maxV/2) / maxV)
		}
	}
	actual, _ := defaultLUTs.LoadOrStore(size, lut)
	return actual.([]uint8)
}
