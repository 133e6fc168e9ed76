// Package mapped implements the mapped image: a display pixel buffer rendered
// from a source raster through per-band band selection, affine transforms and
// value lookup tables.
//
// Rendering is incremental and cooperative. Update produces the display buffer
// in runs of scan lines, notifies observers after each run and checks the
// cancellation flag between runs. Mapping tables may be changed while a render
// is in progress; such changes are recorded and take effect on the next pass.
package mapped

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"sync"
	"sync/atomic"

	"github.com/soma-tiles/tileview/internal/raster"
	"github.com/soma-tiles/tileview/internal/syncx"
)

// DisplayBands is the number of display bands (red, green, blue).
const DisplayBands = 3

// MaxPixels bounds the display buffer of a single image.
const MaxPixels = 1 << 26

// DefaultIncrementPixels is the pixel count rendered per increment when no
// explicit increment is set. Images smaller than this render in one increment.
const DefaultIncrementPixels = 1 << 18

var (
	// ErrClosed is returned by operations on a closed image.
	ErrClosed = errors.New("mapped: image is closed")
	// ErrRendering is returned when Update is called during a render pass.
	ErrRendering = errors.New("mapped: render already in progress")
	// ErrBandIndex indicates a band index outside 0..2.
	ErrBandIndex = errors.New("mapped: invalid band index")
	// ErrDataMapSize indicates a value table of the wrong size.
	ErrDataMapSize = errors.New("mapped: invalid data map size")
	// ErrTooLarge indicates a display buffer that cannot be allocated.
	ErrTooLarge = errors.New("mapped: display buffer too large")
)

// Flags records which mapping inputs changed since the last complete render.
type Flags uint8

const (
	BandMapChanged Flags = 1 << iota
	TransformsChanged
	DataMapsChanged
	BackgroundChanged
	SourceChanged

	AllChanged = BandMapChanged | TransformsChanged | DataMapsChanged | BackgroundChanged | SourceChanged
)

// Image is a mapped image.
//
// The display buffer returned by Buffer may be read at any time, including
// while a render pass writes it; only writes are serialized.
type Image struct {
	seq *syncx.SequenceLock

	mu         sync.Mutex
	source     *raster.Raster
	buf        *image.RGBA
	maps       *Maps
	transforms [DisplayBands]raster.Affine
	background color.RGBA
	increment  int
	preview    int

	needs           Flags
	deferred        Flags
	rendering       *snapshot
	renderedVersion uint64
	closed          bool

	canceled atomic.Bool

	obsMu     sync.Mutex
	observers map[uint64]ProgressFunc
	nextObs   uint64
}

// New creates an image with a display buffer of size, rendering source.
// A nil maps gets fresh default tables.
func New(source *raster.Raster, size image.Point, maps *Maps) (*Image, error) {
	if err := checkSize(size); err != nil {
		return nil, err
	}
	if maps == nil {
		maps = NewMaps()
	}
	img := &Image{
		seq:        syncx.NewSequenceLock(),
		source:     source,
		buf:        image.NewRGBA(image.Rectangle{Max: size}),
		maps:       maps,
		background: color.RGBA{A: 255},
		needs:      AllChanged,
		observers:  make(map[uint64]ProgressFunc),
	}
	for b := range img.transforms {
		img.transforms[b] = raster.Identity()
	}
	return img, nil
}

func checkSize(size image.Point) error {
	if size.X < 0 || size.Y < 0 {
		return fmt.Errorf("%w: %v", ErrTooLarge, size)
	}
	if size.X > 0 && size.Y > MaxPixels/size.X {
		return fmt.Errorf("%w: %dx%d", ErrTooLarge, size.X, size.Y)
	}
	return nil
}

// Clone returns a new image of the given display size rendering the same
// source. Pixels that fit the new size are copied, never shared.
// Transforms, background and increment are copied. When shareMaps is true
// the clone shares this image's Maps, so a band or value table change on
// either is seen by both.
func (img *Image) Clone(size image.Point, shareMaps bool) (*Image, error) {
	img.mu.Lock()
	if img.closed {
		img.mu.Unlock()
		return nil, ErrClosed
	}
	maps := img.maps
	if !shareMaps {
		maps = maps.Copy()
	}
	source := img.source
	old := img.buf
	transforms := img.transforms
	background := img.background
	increment := img.increment
	preview := img.preview
	img.mu.Unlock()

	c, err := New(source, size, maps)
	if err != nil {
		return nil, err
	}
	draw.Draw(c.buf, c.buf.Rect.Intersect(old.Rect), old, image.Point{}, draw.Src)
	c.transforms = transforms
	c.background = background
	c.increment = increment
	c.preview = preview
	return c, nil
}

// Close releases the display buffer. A closed image accepts no further
// mutation or rendering. A render already in progress finishes into its own
// buffer reference.
func (img *Image) Close() {
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.closed {
		return
	}
	img.closed = true
	img.buf = image.NewRGBA(image.Rectangle{})
	img.canceled.Store(true)
}

// Closed reports whether Close has been called.
func (img *Image) Closed() bool {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.closed
}

// Buffer returns the display buffer.
func (img *Image) Buffer() *image.RGBA {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.buf
}

// Size returns the display buffer size.
func (img *Image) Size() image.Point {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.buf.Rect.Size()
}

// Source returns the source raster, which may be nil.
func (img *Image) Source() *raster.Raster {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.source
}

// Maps returns the band and value tables, possibly shared with other images.
func (img *Image) Maps() *Maps {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.maps
}

// BandMap returns the current band map.
func (img *Image) BandMap() [DisplayBands]int {
	return img.Maps().BandMap()
}

// Transform returns the source-to-display transform of band.
func (img *Image) Transform(band int) raster.Affine {
	if band < 0 || band >= DisplayBands {
		return raster.Affine{}
	}
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.transforms[band]
}

// Transforms returns all three band transforms.
func (img *Image) Transforms() [DisplayBands]raster.Affine {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.transforms
}

// Background returns the color used for undefined samples.
func (img *Image) Background() color.RGBA {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.background
}

// Increment returns the configured rows per increment (0 means automatic).
func (img *Image) Increment() int {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.increment
}

// NeedsUpdate reports whether the display buffer is out of date with respect
// to the current mapping inputs.
func (img *Image) NeedsUpdate() bool {
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.closed {
		return false
	}
	return img.needs != 0 || img.deferred != 0 || img.maps.Version() != img.renderedVersion
}

// Pending returns the change flags not yet rendered.
func (img *Image) Pending() Flags {
	img.mu.Lock()
	defer img.mu.Unlock()
	f := img.needs | img.deferred
	if img.maps.Version() != img.renderedVersion {
		f |= BandMapChanged | DataMapsChanged
	}
	return f
}

// IsRendering reports whether a render pass is in progress.
func (img *Image) IsRendering() bool {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.rendering != nil
}

// CancelUpdate asks an in-progress render to stop at its next increment
// boundary. If no render is in progress the next Update returns immediately
// without rendering. It reports whether a render was in progress.
func (img *Image) CancelUpdate() bool {
	img.canceled.Store(true)
	return img.IsRendering()
}

// ClearCancel withdraws a pending cancellation request.
func (img *Image) ClearCancel() {
	img.canceled.Store(false)
}

// CancelPending reports whether a cancellation request is outstanding.
func (img *Image) CancelPending() bool {
	return img.canceled.Load()
}

// Observe registers fn for progress notifications and returns a function
// that removes it. Observers are called from the rendering goroutine and
// must not block.
func (img *Image) Observe(fn ProgressFunc) (remove func()) {
	img.obsMu.Lock()
	id := img.nextObs
	img.nextObs++
	img.observers[id] = fn
	img.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			img.obsMu.Lock()
			delete(img.observers, id)
			img.obsMu.Unlock()
		})
	}
}

// Begin opens an update sequence. Mutations made through the returned batch
// are applied as a unit with respect to the start of a render pass: a pass
// never snapshots the tables while a sequence is open. The batch must be
// ended with End.
func (img *Image) Begin() *Batch {
	return &Batch{img: img, seq: img.seq.Begin()}
}

// SetBandMap selects the source band for each display band.
func (img *Image) SetBandMap(bands [DisplayBands]int) error {
	b := img.Begin()
	defer b.End()
	return b.SetBandMap(bands)
}

// SetTransform sets the source-to-display transform of one band.
func (img *Image) SetTransform(band int, m raster.Affine) error {
	b := img.Begin()
	defer b.End()
	return b.SetTransform(band, m)
}

// SetTransforms sets all band transforms.
func (img *Image) SetTransforms(ms [DisplayBands]raster.Affine) error {
	b := img.Begin()
	defer b.End()
	return b.SetTransforms(ms)
}

// SetDataMap sets the value table of one band.
func (img *Image) SetDataMap(band int, lut []uint8) error {
	b := img.Begin()
	defer b.End()
	return b.SetDataMap(band, lut)
}

// SetDataMaps sets all value tables.
func (img *Image) SetDataMaps(luts [DisplayBands][]uint8) error {
	b := img.Begin()
	defer b.End()
	return b.SetDataMaps(luts)
}

// SetBackground sets the color of undefined samples.
func (img *Image) SetBackground(c color.RGBA) error {
	b := img.Begin()
	defer b.End()
	return b.SetBackground(c)
}

// SetSource replaces the source raster.
func (img *Image) SetSource(r *raster.Raster) error {
	b := img.Begin()
	defer b.End()
	return b.SetSource(r)
}

// Resize reallocates the display buffer.
func (img *Image) Resize(size image.Point) error {
	b := img.Begin()
	defer b.End()
	return b.Resize(size)
}

// SetIncrement sets the scan lines per progress increment; 0 selects an
// automatic size.
func (img *Image) SetIncrement(rows int) {
	if rows < 0 {
		rows = 0
	}
	img.mu.Lock()
	img.increment = rows
	img.mu.Unlock()
}

// SetPreview enables a low-quality first pass that fills factor x factor
// blocks from one sample. A factor below 2 disables it.
func (img *Image) SetPreview(factor int) {
	if factor < 2 {
		factor = 0
	}
	img.mu.Lock()
	img.preview = factor
	img.mu.Unlock()
}

// Update renders the display buffer. See Batch.Update.
func (img *Image) Update() (bool, error) {
	return img.update(nil)
}

// Batch is an open update sequence on an image.
type Batch struct {
	img *Image
	seq *syncx.Sequence
}

// Nest re-enters the sequence. The nested batch must be ended separately.
func (b *Batch) Nest() *Batch {
	return &Batch{img: b.img, seq: b.seq.Nest()}
}

// End closes this level of the sequence.
func (b *Batch) End() {
	b.seq.End()
}

// Update renders the image from within the sequence.
func (b *Batch) Update() (bool, error) {
	return b.img.update(b.seq)
}

// mark records changed inputs, deferring them while a pass holds a snapshot.
// Callers hold img.mu.
func (img *Image) mark(f Flags) {
	if img.rendering != nil {
		img.deferred |= f
	} else {
		img.needs |= f
	}
}

// SetBandMap selects the source band for each display band.
func (b *Batch) SetBandMap(bands [DisplayBands]int) error {
	img := b.img
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.closed {
		return ErrClosed
	}
	before := img.maps.BandMap()
	if err := img.maps.SetBandMap(bands); err != nil {
		return err
	}
	if before != bands {
		img.mark(BandMapChanged)
	}
	return nil
}

// SetTransform sets the source-to-display transform of one band.
func (b *Batch) SetTransform(band int, m raster.Affine) error {
	if band < 0 || band >= DisplayBands {
		return fmt.Errorf("%w: %d", ErrBandIndex, band)
	}
	if !m.Invertible() {
		return fmt.Errorf("band %d: %w", band, raster.ErrNotInvertible)
	}
	img := b.img
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.closed {
		return ErrClosed
	}
	if img.transforms[band] != m {
		img.transforms[band] = m
		img.mark(TransformsChanged)
	}
	return nil
}

// SetTransforms sets all band transforms. Either all are applied or none.
func (b *Batch) SetTransforms(ms [DisplayBands]raster.Affine) error {
	for band, m := range ms {
		if !m.Invertible() {
			return fmt.Errorf("band %d: %w", band, raster.ErrNotInvertible)
		}
	}
	img := b.img
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.closed {
		return ErrClosed
	}
	if img.transforms != ms {
		img.transforms = ms
		img.mark(TransformsChanged)
	}
	return nil
}

// SetDataMap sets the value table of one band. When a source is set the
// table must have one entry per possible sample value.
func (b *Batch) SetDataMap(band int, lut []uint8) error {
	img := b.img
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.closed {
		return ErrClosed
	}
	if err := img.checkLUT(lut); err != nil {
		return err
	}
	if err := img.maps.SetDataMap(band, lut); err != nil {
		return err
	}
	img.mark(DataMapsChanged)
	return nil
}

// SetDataMaps sets all value tables.
func (b *Batch) SetDataMaps(luts [DisplayBands][]uint8) error {
	img := b.img
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.closed {
		return ErrClosed
	}
	for band, lut := range luts {
		if err := img.checkLUT(lut); err != nil {
			return fmt.Errorf("band %d: %w", band, err)
		}
	}
	if err := img.maps.SetDataMaps(luts); err != nil {
		return err
	}
	img.mark(DataMapsChanged)
	return nil
}

func (img *Image) checkLUT(lut []uint8) error {
	if lut == nil || img.source == nil {
		return nil
	}
	if want := img.source.LUTSize(); len(lut) != want {
		return fmt.Errorf("%w: %d entries, source needs %d", ErrDataMapSize, len(lut), want)
	}
	return nil
}

// SetBackground sets the color of undefined samples.
func (b *Batch) SetBackground(c color.RGBA) error {
	img := b.img
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.closed {
		return ErrClosed
	}
	if img.background != c {
		img.background = c
		img.mark(BackgroundChanged)
	}
	return nil
}

// SetSource replaces the source raster.
func (b *Batch) SetSource(r *raster.Raster) error {
	img := b.img
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.closed {
		return ErrClosed
	}
	if img.source != r {
		img.source = r
		img.mark(SourceChanged)
	}
	return nil
}

// Resize reallocates the display buffer. The old buffer stays with any
// render pass that is still writing it.
func (b *Batch) Resize(size image.Point) error {
	if err := checkSize(size); err != nil {
		return err
	}
	img := b.img
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.closed {
		return ErrClosed
	}
	if img.buf.Rect.Size() == size {
		return nil
	}
	img.buf = image.NewRGBA(image.Rectangle{Max: size})
	img.mark(AllChanged)
	return nil
}
