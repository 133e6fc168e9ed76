// Package tiling manages the grid of tile images covering a viewport.
//
// Geometry is kept in display space: image coordinates mapped through the
// reference transform of band 0 (the view scale). The viewport origin and
// the grid origin, the top-left corner of tile (1,1), are display space
// points. The grid carries a one-tile margin on every side so that tiles
// about to scroll into view can be rendered ahead of time.
package tiling

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"sync"

	"github.com/soma-tiles/tileview/internal/logging"
	"github.com/soma-tiles/tileview/internal/mapped"
	"github.com/soma-tiles/tileview/internal/raster"
	"github.com/soma-tiles/tileview/internal/schedule"
)

// ErrTileSize indicates an unusable tile size.
var ErrTileSize = errors.New("tiling: invalid tile size")

// Repainter is asked to redraw part of the viewport. An empty region means
// the whole viewport. Repaint is called from the render worker and must not
// block.
type Repainter interface {
	Repaint(region image.Rectangle)
}

// RepaintFunc adapts a function to Repainter.
type RepaintFunc func(region image.Rectangle)

func (f RepaintFunc) Repaint(region image.Rectangle) { f(region) }

// Config contains configuration for a display.
type Config struct {
	TileSize  image.Point // Tile display size (default 256x256)
	MinScale  float64     // Smallest view scale (default 1/64)
	MaxScale  float64     // Largest view scale (default 64)
	Scale     float64     // Initial view scale (default 1)
	Increment int         // Rows per progress increment, 0 for automatic
	Preview   int         // Low-quality preview block size, 0 to disable

	// OnSource is called on the render worker after a newly loaded source
	// is installed. It may call back into the display.
	OnSource func(r *raster.Raster)
}

const defaultTileSize = 256

// Stats describes grid occupancy.
type Stats struct {
	Rows      int            `json:"rows"`
	Cols      int            `json:"cols"`
	Grid      int            `json:"grid"`
	Pool      int            `json:"pool"`
	PoolCap   int            `json:"pool_cap"`
	Allocated int            `json:"allocated"`
	Pending   int            `json:"pending"`
	Scheduler schedule.Stats `json:"scheduler"`
}

// Display owns the tile grid of one viewport and drives a scheduler to
// render it.
type Display struct {
	sched    *schedule.Scheduler
	repaint  Repainter
	ref      *mapped.Image
	onSource func(*raster.Raster)

	mu         sync.RWMutex
	tile       image.Point
	viewSize   image.Point
	viewOrigin image.Point
	gridOrigin image.Point
	scale      float64
	minScale   float64
	maxScale   float64
	adjust     [mapped.DisplayBands]raster.Affine
	rows, cols int
	cells      []*mapped.Image
	scratch    []*mapped.Image
	pool       []*mapped.Image
	poolCap    int
	allocated  int
	closed     bool

	unobserve func()
}

// New creates a display rendering through sched. The grid is empty until
// the first Resize.
func New(sched *schedule.Scheduler, repaint Repainter, cfg Config) (*Display, error) {
	if cfg.TileSize == (image.Point{}) {
		cfg.TileSize = image.Pt(defaultTileSize, defaultTileSize)
	}
	if err := checkTileSize(cfg.TileSize); err != nil {
		return nil, err
	}
	if cfg.MinScale <= 0 {
		cfg.MinScale = 1.0 / 64
	}
	if cfg.MaxScale <= 0 {
		cfg.MaxScale = 64
	}
	if cfg.MinScale > cfg.MaxScale {
		return nil, fmt.Errorf("tiling: min scale %g above max scale %g", cfg.MinScale, cfg.MaxScale)
	}
	if cfg.Scale <= 0 {
		cfg.Scale = 1
	}
	if repaint == nil {
		repaint = RepaintFunc(func(image.Rectangle) {})
	}

	ref, err := mapped.New(nil, image.Point{}, nil)
	if err != nil {
		return nil, err
	}
	ref.SetIncrement(cfg.Increment)
	ref.SetPreview(cfg.Preview)

	d := &Display{
		sched:    sched,
		repaint:  repaint,
		ref:      ref,
		onSource: cfg.OnSource,
		tile:     cfg.TileSize,
		scale:    clamp(cfg.Scale, cfg.MinScale, cfg.MaxScale),
		minScale: cfg.MinScale,
		maxScale: cfg.MaxScale,
	}
	for b := range d.adjust {
		d.adjust[b] = raster.Identity()
	}
	d.unobserve = sched.AddObserver(schedule.ObserverFuncs{
		OnRendered:    d.rendered,
		OnImageLoaded: d.imageLoaded,
	})
	return d, nil
}

func checkTileSize(size image.Point) error {
	if size.X <= 0 || size.Y <= 0 || size.X > mapped.MaxPixels/size.Y {
		return fmt.Errorf("%w: %v", ErrTileSize, size)
	}
	return nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Scheduler returns the scheduler rendering this display.
func (d *Display) Scheduler() *schedule.Scheduler { return d.sched }

// Reference returns the reference image whose maps every tile shares.
func (d *Display) Reference() *mapped.Image { return d.ref }

func (d *Display) rendered(_ image.Point, region image.Rectangle) {
	d.repaint.Repaint(region)
}

func (d *Display) imageLoaded(ok bool) {
	if !ok {
		return
	}
	r := d.sched.Source()
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	err := d.installLocked(r)
	var fitErr error
	if err == nil && r != nil {
		fitErr = d.ref.Maps().Fits(r.LUTSize())
	}
	d.mu.Unlock()
	if err != nil {
		logging.L().Error("[Display] install source", "error", err)
		d.sched.ReportError(fmt.Errorf("install source: %w", err))
		return
	}
	if fitErr != nil {
		logging.L().Warn("[Display] data maps do not fit new source", "error", fitErr)
		d.sched.ReportError(fitErr)
	}
	if d.onSource != nil {
		d.onSource(r)
	}
	d.repaint.Repaint(image.Rectangle{})
}

// LoadSource loads the named source on the render worker and displays it
// once loaded.
func (d *Display) LoadSource(name string) {
	d.sched.LoadSource(name)
}

// SetSource displays an already decoded source. The source is installed by
// the render worker.
func (d *Display) SetSource(r *raster.Raster) {
	d.sched.SetSource(r)
}

// Source returns the displayed source.
func (d *Display) Source() *raster.Raster {
	return d.ref.Source()
}

func (d *Display) installLocked(r *raster.Raster) error {
	d.sched.Reset(0)
	if err := d.ref.SetSource(r); err != nil {
		return err
	}
	d.eachTileLocked(func(t *mapped.Image) {
		t.SetSource(r)
	})
	d.refreshLocked()
	return nil
}

// eachTileLocked visits grid and pool tiles.
func (d *Display) eachTileLocked(fn func(*mapped.Image)) {
	for _, t := range d.cells {
		if t != nil {
			fn(t)
		}
	}
	for _, t := range d.pool {
		fn(t)
	}
}

// Resize sets the viewport size and grows or shrinks the grid to cover it.
func (d *Display) Resize(size image.Point) error {
	if size.X < 0 || size.Y < 0 {
		return fmt.Errorf("tiling: negative viewport size %v", size)
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return mapped.ErrClosed
	}
	d.viewSize = size
	err := d.layoutLocked()
	d.mu.Unlock()
	d.sched.ReportError(err)
	d.repaint.Repaint(image.Rectangle{})
	return err
}

// gridDims returns the rows and columns needed to cover the viewport.
func (d *Display) gridDims() (rows, cols int) {
	if d.viewSize.X == 0 || d.viewSize.Y == 0 {
		return 0, 0
	}
	cols = (d.viewSize.X+d.tile.X-1)/d.tile.X + 1 + 2
	rows = (d.viewSize.Y+d.tile.Y-1)/d.tile.Y + 1 + 2
	return rows, cols
}

// layoutLocked reshapes the arena to the current viewport, keeping tiles at
// unchanged (row, col) positions, then fills and queues empty cells.
func (d *Display) layoutLocked() error {
	rows, cols := d.gridDims()
	if rows != d.rows || cols != d.cols {
		cells := make([]*mapped.Image, rows*cols)
		for r := 0; r < d.rows; r++ {
			for c := 0; c < d.cols; c++ {
				t := d.cells[r*d.cols+c]
				if t == nil {
					continue
				}
				if r < rows && c < cols {
					cells[r*cols+c] = t
				} else {
					d.releaseLocked(t)
				}
			}
		}
		d.rows, d.cols = rows, cols
		d.cells = cells
		d.scratch = make([]*mapped.Image, len(cells))
	}
	d.poolCap = max(d.poolCap, len(d.cells))

	var errs []error
	for i, t := range d.cells {
		if t != nil {
			continue
		}
		t, err := d.acquireLocked()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		d.cells[i] = t
	}
	d.refreshLocked()
	if len(errs) > 0 {
		logging.L().Warn("[Display] tile allocation failed", "failed", len(errs), "error", errs[0])
		return fmt.Errorf("tiling: %d tiles not allocated: %w", len(errs), errs[0])
	}
	return nil
}

// acquireLocked takes a tile from the pool or clones a new one from the
// reference image.
func (d *Display) acquireLocked() (*mapped.Image, error) {
	if n := len(d.pool); n > 0 {
		t := d.pool[n-1]
		d.pool[n-1] = nil
		d.pool = d.pool[:n-1]
		return t, nil
	}
	t, err := d.ref.Clone(d.tile, true)
	if err != nil {
		return nil, err
	}
	d.allocated++
	return t, nil
}

// releaseLocked detaches a tile into the pool, or hands it to the scheduler
// for disposal when the pool is full.
func (d *Display) releaseLocked(t *mapped.Image) {
	if len(d.pool) < d.poolCap {
		d.sched.Cancel(t, 0)
		d.pool = append(d.pool, t)
		return
	}
	d.sched.Delete(t)
	d.allocated--
}

// tileOrigin returns the display space position of cell (r, c).
func (d *Display) tileOrigin(r, c int) image.Point {
	return d.gridOrigin.Add(image.Pt((c-1)*d.tile.X, (r-1)*d.tile.Y))
}

func (d *Display) reference(band int) raster.Affine {
	return raster.Scale(d.scale, d.scale).Multiply(d.adjust[band])
}

func (d *Display) tileTransforms(r, c int) [mapped.DisplayBands]raster.Affine {
	o := d.tileOrigin(r, c)
	shift := raster.Translate(float64(-o.X), float64(-o.Y))
	var ms [mapped.DisplayBands]raster.Affine
	for b := range ms {
		ms[b] = shift.Multiply(d.reference(b))
	}
	return ms
}

// jobLocked describes the render job of cell (r, c) for the current view.
func (d *Display) jobLocked(r, c int, t *mapped.Image) schedule.Job {
	place := image.Rectangle{Min: d.tileOrigin(r, c).Sub(d.viewOrigin)}
	place.Max = place.Min.Add(d.tile)
	visible := place.Intersect(image.Rectangle{Max: d.viewSize})
	j := schedule.Job{Image: t, Placement: place, Cancelable: true}
	if !visible.Empty() && r > 0 && c > 0 {
		j.Coord = image.Pt(c, r)
		j.Region = visible
	}
	return j
}

// refreshLocked brings every tile's transforms up to date with the view
// and queues the tiles that need rendering. A tile whose transforms changed
// has its current render canceled first.
func (d *Display) refreshLocked() {
	for r := 0; r < d.rows; r++ {
		for c := 0; c < d.cols; c++ {
			t := d.cells[r*d.cols+c]
			if t == nil {
				continue
			}
			ms := d.tileTransforms(r, c)
			if t.Transforms() != ms {
				d.sched.Cancel(t, 0)
				if err := t.SetTransforms(ms); err != nil {
					logging.L().Error("[Display] tile transform", "row", r, "col", c, "error", err)
					continue
				}
			}
			if t.NeedsUpdate() {
				d.sched.QueueJob(d.jobLocked(r, c, t))
			}
		}
	}
}

// rerenderLocked drops queued work and queues every tile again.
func (d *Display) rerenderLocked() {
	d.sched.Reset(0)
	d.refreshLocked()
}

// Pan moves the viewport by (dx, dy) display pixels.
func (d *Display) Pan(dx, dy int) {
	d.mu.Lock()
	d.panToLocked(d.viewOrigin.Add(image.Pt(dx, dy)))
	d.mu.Unlock()
	d.repaint.Repaint(image.Rectangle{})
}

// PanTo moves the viewport origin to p in display space.
func (d *Display) PanTo(p image.Point) {
	d.mu.Lock()
	d.panToLocked(p)
	d.mu.Unlock()
	d.repaint.Repaint(image.Rectangle{})
}

func (d *Display) panToLocked(p image.Point) {
	if d.closed {
		return
	}
	d.viewOrigin = p
	off := p.Sub(d.gridOrigin)
	kx := floorDiv(off.X, d.tile.X)
	ky := floorDiv(off.Y, d.tile.Y)
	if kx != 0 || ky != 0 {
		d.gridOrigin = d.gridOrigin.Add(image.Pt(kx*d.tile.X, ky*d.tile.Y))
		d.rotateLocked(kx, ky)
	}
	d.refreshLocked()
}

// rotateLocked shifts the arena by whole tiles. Cell (r, c) takes the tile
// formerly at (r+ky, c+kx), wrapping around the grid edges.
func (d *Display) rotateLocked(kx, ky int) {
	if d.rows == 0 || d.cols == 0 {
		return
	}
	for r := 0; r < d.rows; r++ {
		sr := floorMod(r+ky, d.rows)
		for c := 0; c < d.cols; c++ {
			sc := floorMod(c+kx, d.cols)
			d.scratch[r*d.cols+c] = d.cells[sr*d.cols+sc]
		}
	}
	d.cells, d.scratch = d.scratch, d.cells
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func floorMod(a, b int) int {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

// SetScale changes the view scale, keeping the image point at the viewport
// centre in place. Only tiles whose transforms change are rendered again.
func (d *Display) SetScale(s float64) error {
	if s <= 0 || math.IsNaN(s) || math.IsInf(s, 0) {
		return fmt.Errorf("tiling: invalid scale %g", s)
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return mapped.ErrClosed
	}
	s = clamp(s, d.minScale, d.maxScale)
	if s == d.scale {
		d.mu.Unlock()
		return nil
	}
	cx := float64(d.viewOrigin.X) + float64(d.viewSize.X)/2
	cy := float64(d.viewOrigin.Y) + float64(d.viewSize.Y)/2
	k := s / d.scale
	d.scale = s
	d.viewOrigin = image.Pt(
		int(math.Round(cx*k-float64(d.viewSize.X)/2)),
		int(math.Round(cy*k-float64(d.viewSize.Y)/2)),
	)
	d.gridOrigin = d.viewOrigin
	d.refreshLocked()
	d.mu.Unlock()
	d.repaint.Repaint(image.Rectangle{})
	return nil
}

// Scale returns the view scale.
func (d *Display) Scale() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.scale
}

// SetScaleLimits sets the allowed scale range and clamps the current scale.
func (d *Display) SetScaleLimits(lo, hi float64) error {
	if lo <= 0 || hi < lo {
		return fmt.Errorf("tiling: invalid scale limits [%g, %g]", lo, hi)
	}
	d.mu.Lock()
	d.minScale, d.maxScale = lo, hi
	s := d.scale
	d.mu.Unlock()
	if c := clamp(s, lo, hi); c != s {
		return d.SetScale(c)
	}
	return nil
}

// ScaleLimits returns the allowed scale range.
func (d *Display) ScaleLimits() (lo, hi float64) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.minScale, d.maxScale
}

// SetBandMap selects the source band shown in each display band.
func (d *Display) SetBandMap(bands [mapped.DisplayBands]int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ref.SetBandMap(bands); err != nil {
		return err
	}
	d.rerenderLocked()
	return nil
}

// SetDataMaps sets the value tables of all bands. A nil table selects the
// default linear table.
func (d *Display) SetDataMaps(luts [mapped.DisplayBands][]uint8) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ref.SetDataMaps(luts); err != nil {
		return err
	}
	d.rerenderLocked()
	return nil
}

// SetBandTransform sets the registration of one source band relative to
// band 0, applied before the view scale.
func (d *Display) SetBandTransform(band int, m raster.Affine) error {
	if band < 0 || band >= mapped.DisplayBands {
		return fmt.Errorf("%w: %d", mapped.ErrBandIndex, band)
	}
	if !m.Invertible() {
		return fmt.Errorf("band %d: %w", band, raster.ErrNotInvertible)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.adjust[band] = m
	d.refreshLocked()
	return nil
}

// SetBackground sets the color shown where the source has no data.
func (d *Display) SetBackground(c color.RGBA) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ref.SetBackground(c); err != nil {
		return err
	}
	d.sched.Reset(0)
	d.eachTileLocked(func(t *mapped.Image) { t.SetBackground(c) })
	d.refreshLocked()
	return nil
}

// SetIncrement sets the rows per progress increment of every tile.
func (d *Display) SetIncrement(rows int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ref.SetIncrement(rows)
	d.eachTileLocked(func(t *mapped.Image) { t.SetIncrement(rows) })
}

// SetPreview sets the low-quality preview block size of every tile.
func (d *Display) SetPreview(factor int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ref.SetPreview(factor)
	d.eachTileLocked(func(t *mapped.Image) { t.SetPreview(factor) })
}

// SetTileSize changes the tile display size. Grid tiles are reallocated,
// pooled tiles disposed of, and the grid realigned on the viewport origin.
func (d *Display) SetTileSize(size image.Point) error {
	if err := checkTileSize(size); err != nil {
		return err
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return mapped.ErrClosed
	}
	if size == d.tile {
		d.mu.Unlock()
		return nil
	}
	d.sched.Reset(0)
	for _, t := range d.pool {
		d.sched.Delete(t)
		d.allocated--
	}
	d.pool = nil
	for _, t := range d.cells {
		if t != nil {
			t.Resize(size)
		}
	}
	d.tile = size
	d.gridOrigin = d.viewOrigin
	d.poolCap = 0
	err := d.layoutLocked()
	d.mu.Unlock()
	d.sched.ReportError(err)
	d.repaint.Repaint(image.Rectangle{})
	return err
}

// TileSize returns the tile display size.
func (d *Display) TileSize() image.Point {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.tile
}

// ViewSize returns the viewport size.
func (d *Display) ViewSize() image.Point {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.viewSize
}

// Origin returns the viewport origin in display space.
func (d *Display) Origin() image.Point {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.viewOrigin
}

// Offset returns the viewport position inside tile (1,1).
func (d *Display) Offset() image.Point {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.viewOrigin.Sub(d.gridOrigin)
}

// GridSize returns the arena dimensions including the margin.
func (d *Display) GridSize() (rows, cols int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rows, d.cols
}

// Pending returns how many grid tiles are not up to date.
func (d *Display) Pending() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, t := range d.cells {
		if t != nil && t.NeedsUpdate() {
			n++
		}
	}
	return n
}

// Stats returns grid and scheduler counters.
func (d *Display) Stats() Stats {
	d.mu.RLock()
	st := Stats{
		Rows:      d.rows,
		Cols:      d.cols,
		Pool:      len(d.pool),
		PoolCap:   d.poolCap,
		Allocated: d.allocated,
	}
	for _, t := range d.cells {
		if t == nil {
			continue
		}
		st.Grid++
		if t.NeedsUpdate() {
			st.Pending++
		}
	}
	d.mu.RUnlock()
	st.Scheduler = d.sched.Stats()
	return st
}

// Close cancels rendering and disposes of every tile. The scheduler itself
// is left running.
func (d *Display) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	var tiles []*mapped.Image
	d.eachTileLocked(func(t *mapped.Image) { tiles = append(tiles, t) })
	d.cells, d.scratch, d.pool = nil, nil, nil
	d.rows, d.cols = 0, 0
	d.allocated = 0
	d.mu.Unlock()

	d.unobserve()
	d.sched.Reset(0)
	for _, t := range tiles {
		d.sched.Delete(t)
	}
	d.ref.Close()
}
