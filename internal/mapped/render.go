package mapped

import (
	"fmt"
	"image"
	"image/color"

	"github.com/soma-tiles/tileview/internal/raster"
	"github.com/soma-tiles/tileview/internal/syncx"
)

// Status is the quality level reported by a progress notification.
type Status int

const (
	LowQuality Status = iota
	TopQuality
	Done
	Canceled
)

func (s Status) String() string {
	switch s {
	case LowQuality:
		return "low-quality"
	case TopQuality:
		return "top-quality"
	case Done:
		return "done"
	case Canceled:
		return "canceled"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Progress describes one rendering increment.
type Progress struct {
	Status  Status
	Message string
	// Region is the part of the display buffer just produced.
	Region image.Rectangle
}

// ProgressFunc receives progress notifications. Returning false stops the
// render pass, which then counts as canceled.
type ProgressFunc func(Progress) bool

// snapshot is the private copy of the mapping inputs used by one pass.
type snapshot struct {
	src     *raster.Raster
	buf     *image.RGBA
	bands   [DisplayBands]int
	luts    [DisplayBands][]uint8
	fwd     [DisplayBands]raster.Affine
	bg      color.RGBA
	version uint64
	flags   Flags
	rows    int
	preview int
}

// update renders the display buffer. It reports whether the buffer is now
// up to date. A canceled or stopped pass returns false with a nil error.
func (img *Image) update(held *syncx.Sequence) (updated bool, err error) {
	img.mu.Lock()
	if img.closed {
		img.mu.Unlock()
		return false, ErrClosed
	}
	if img.rendering != nil {
		img.mu.Unlock()
		return false, ErrRendering
	}
	img.mu.Unlock()

	if img.canceled.Swap(false) {
		return false, nil
	}

	snap, err := img.begin(held)
	if err != nil || snap == nil {
		return false, err
	}

	complete := false
	defer func() {
		img.finish(snap, complete)
	}()

	var inv [DisplayBands]raster.Affine
	for b, m := range snap.fwd {
		if inv[b], err = m.Invert(); err != nil {
			return false, fmt.Errorf("band %d: %w", b, err)
		}
	}

	stopped := img.produce(snap, inv)
	canceled := img.canceled.Swap(false) || stopped
	complete = !canceled
	return complete, nil
}

// begin takes the snapshot under the update-sequence lock, or fills the
// background when there is nothing to map. A nil snapshot with nil error
// means the buffer was brought up to date without a pass.
func (img *Image) begin(held *syncx.Sequence) (*snapshot, error) {
	var seq *syncx.Sequence
	if held != nil && held.Active() {
		seq = held.Nest()
	} else {
		seq = img.seq.Begin()
	}
	defer seq.End()

	img.mu.Lock()
	if img.closed {
		img.mu.Unlock()
		return nil, ErrClosed
	}
	if img.rendering != nil {
		img.mu.Unlock()
		return nil, ErrRendering
	}

	if img.source.Empty() {
		buf := img.buf
		bg := img.background
		img.needs = 0
		img.renderedVersion = img.maps.Version()
		img.mu.Unlock()

		fillBackground(buf, bg)
		img.notify(Progress{Status: Done, Message: "no source", Region: buf.Rect})
		return nil, nil
	}

	snap := &snapshot{
		src:     img.source,
		buf:     img.buf,
		fwd:     img.transforms,
		bg:      img.background,
		flags:   img.needs,
		preview: img.preview,
	}
	snap.bands, snap.luts, snap.version = img.maps.snapshot(img.source.LUTSize())
	for b, sb := range snap.bands {
		if sb >= snap.src.Bands() {
			snap.bands[b] = snap.src.Bands() - 1
		}
	}
	snap.rows = img.increment
	if snap.rows <= 0 {
		if w := snap.buf.Rect.Dx(); w > 0 {
			snap.rows = max(1, DefaultIncrementPixels/w)
		} else {
			snap.rows = 1
		}
	}
	img.needs = 0
	img.deferred = 0
	img.rendering = snap
	img.mu.Unlock()
	return snap, nil
}

// finish leaves the Rendering state and merges changes made during the pass.
func (img *Image) finish(snap *snapshot, complete bool) {
	img.mu.Lock()
	defer img.mu.Unlock()
	img.rendering = nil
	if complete {
		img.needs = img.deferred
		img.renderedVersion = snap.version
	} else {
		img.needs |= snap.flags | img.deferred
		if img.needs == 0 {
			img.needs = AllChanged
		}
	}
	img.deferred = 0
}

// produce runs the optional preview pass and the full pass. It reports
// whether the pass was stopped before all rows were written.
func (img *Image) produce(s *snapshot, inv [DisplayBands]raster.Affine) bool {
	rect := s.buf.Rect
	h := rect.Dy()
	if rect.Empty() {
		return !img.notify(Progress{Status: Done, Message: "empty buffer", Region: rect})
	}

	var cols, rows [DisplayBands][]int
	axis := true
	for b, m := range inv {
		if m.B != 0 || m.D != 0 {
			axis = false
			break
		}
		cols[b] = make([]int, rect.Dx())
		for x := range cols[b] {
			cols[b][x] = raster.Truncate(m.A*float64(x) + m.C)
		}
		rows[b] = make([]int, h)
		for y := range rows[b] {
			rows[b][y] = raster.Truncate(m.E*float64(y) + m.F)
		}
	}

	sample := func(x, y int) color.RGBA {
		var v [DisplayBands]uint32
		for b := range v {
			var sx, sy int
			if axis {
				sx, sy = cols[b][x], rows[b][y]
			} else {
				fx, fy := inv[b].Apply(float64(x), float64(y))
				sx, sy = raster.Truncate(fx), raster.Truncate(fy)
			}
			v[b] = s.src.Sample(sx, sy, s.bands[b])
		}
		return s.pixel(v)
	}

	if f := s.preview; f >= 2 && h > f && rect.Dx() > f {
		step := max(f, (s.rows+f-1)/f*f)
		for y0 := 0; y0 < h; y0 += step {
			if img.canceled.Load() {
				img.notify(Progress{Status: Canceled, Message: "canceled during preview"})
				return true
			}
			y1 := min(h, y0+step)
			for by := y0; by < y1; by += f {
				for bx := 0; bx < rect.Dx(); bx += f {
					fillBlock(s.buf, bx, by, min(f, rect.Dx()-bx), min(f, y1-by), sample(bx, by))
				}
			}
			p := Progress{
				Status:  LowQuality,
				Message: fmt.Sprintf("preview %d%%", y1*100/h),
				Region:  image.Rect(0, y0, rect.Dx(), y1),
			}
			if !img.notify(p) {
				return true
			}
		}
	}

	for y0 := 0; y0 < h; y0 += s.rows {
		if img.canceled.Load() {
			img.notify(Progress{Status: Canceled, Message: fmt.Sprintf("canceled at row %d", y0)})
			return true
		}
		y1 := min(h, y0+s.rows)
		for y := y0; y < y1; y++ {
			off := s.buf.PixOffset(0, y)
			for x := 0; x < rect.Dx(); x++ {
				c := sample(x, y)
				p := s.buf.Pix[off : off+4 : off+4]
				p[0], p[1], p[2], p[3] = c.R, c.G, c.B, c.A
				off += 4
			}
		}
		st := TopQuality
		msg := fmt.Sprintf("rendered %d%%", y1*100/h)
		if y1 == h {
			st = Done
			msg = "done"
		}
		if !img.notify(Progress{Status: st, Message: msg, Region: image.Rect(0, y0, rect.Dx(), y1)}) {
			return true
		}
	}
	return false
}

// pixel maps three raw samples to a display color. Undefined samples, and
// samples past the end of their value table, take the background value of
// their band.
func (s *snapshot) pixel(v [DisplayBands]uint32) color.RGBA {
	bg := [DisplayBands]uint8{s.bg.R, s.bg.G, s.bg.B}
	var out [DisplayBands]uint8
	undefined := 0
	for b, sv := range v {
		if sv == raster.Undefined || sv >= uint32(len(s.luts[b])) {
			out[b] = bg[b]
			undefined++
			continue
		}
		out[b] = s.luts[b][sv]
	}
	a := uint8(255)
	if undefined == DisplayBands {
		a = s.bg.A
	}
	return color.RGBA{R: out[0], G: out[1], B: out[2], A: a}
}

func (img *Image) notify(p Progress) bool {
	img.obsMu.Lock()
	fns := make([]ProgressFunc, 0, len(img.observers))
	for _, fn := range img.observers {
		fns = append(fns, fn)
	}
	img.obsMu.Unlock()

	keep := true
	for _, fn := range fns {
		if !fn(p) {
			keep = false
		}
	}
	return keep
}

func fillBlock(buf *image.RGBA, x0, y0, w, h int, c color.RGBA) {
	for y := y0; y < y0+h; y++ {
		off := buf.PixOffset(x0, y)
		for x := 0; x < w; x++ {
			buf.Pix[off], buf.Pix[off+1], buf.Pix[off+2], buf.Pix[off+3] = c.R, c.G, c.B, c.A
			off += 4
		}
	}
}

func fillBackground(buf *image.RGBA, c color.RGBA) {
	fillBlock(buf, 0, 0, buf.Rect.Dx(), buf.Rect.Dy(), c)
}
