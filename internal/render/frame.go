// Package render composes tile buffers into encoded frames using fogleman/gg.
package render

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"sync"

	"github.com/fogleman/gg"

	"github.com/soma-tiles/tileview/internal/tiling"
)

// Painter exposes the tiles of a view. *tiling.Display implements it.
type Painter interface {
	ViewSize() image.Point
	Paint(fn func(tiling.Tile))
}

// Config contains renderer configuration.
type Config struct {
	Background color.Color // Fill for areas no tile covers (default white)
	GridColor  color.Color // Tile outline color (default translucent red)
	Compress   png.CompressionLevel
}

// FrameOptions selects per-frame extras.
type FrameOptions struct {
	Grid bool // Outline every tile; tiles still rendering are dashed
}

// FrameRenderer renders view frames.
type FrameRenderer struct {
	config      Config
	contextPool sync.Map // image.Point -> *sync.Pool of *gg.Context
	bufferPool  sync.Pool
	encoder     png.Encoder
}

// NewFrameRenderer creates a new frame renderer.
func NewFrameRenderer(cfg Config) *FrameRenderer {
	if cfg.Background == nil {
		cfg.Background = color.White
	}
	if cfg.GridColor == nil {
		cfg.GridColor = color.NRGBA{R: 255, A: 128}
	}
	if cfg.Compress == png.DefaultCompression {
		cfg.Compress = png.BestSpeed
	}
	return &FrameRenderer{
		config: cfg,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 64*1024))
			},
		},
		encoder: png.Encoder{CompressionLevel: cfg.Compress, BufferPool: &encoderPool{}},
	}
}

type encoderPool struct{ p sync.Pool }

func (e *encoderPool) Get() *png.EncoderBuffer {
	b, _ := e.p.Get().(*png.EncoderBuffer)
	return b
}

func (e *encoderPool) Put(b *png.EncoderBuffer) { e.p.Put(b) }

func (r *FrameRenderer) context(size image.Point) *gg.Context {
	v, _ := r.contextPool.LoadOrStore(size, &sync.Pool{
		New: func() interface{} { return gg.NewContext(size.X, size.Y) },
	})
	return v.(*sync.Pool).Get().(*gg.Context)
}

func (r *FrameRenderer) release(size image.Point, dc *gg.Context) {
	if v, ok := r.contextPool.Load(size); ok {
		v.(*sync.Pool).Put(dc)
	}
}

// ComposeFrame draws the view's tiles into a new viewport-size image.
func (r *FrameRenderer) ComposeFrame(p Painter, opts FrameOptions) image.Image {
	size := p.ViewSize()
	if size.X <= 0 || size.Y <= 0 {
		return image.NewRGBA(image.Rectangle{})
	}
	dc := r.context(size)
	defer r.release(size, dc)
	r.drawFrame(dc, p, opts)

	out := image.NewRGBA(image.Rectangle{Max: size})
	copy(out.Pix, dc.Image().(*image.RGBA).Pix)
	return out
}

// RenderFrame composes the view's tiles and encodes the frame as PNG.
func (r *FrameRenderer) RenderFrame(p Painter, opts FrameOptions) ([]byte, error) {
	size := p.ViewSize()
	if size.X <= 0 || size.Y <= 0 {
		return r.encode(image.NewRGBA(image.Rect(0, 0, 1, 1)))
	}
	dc := r.context(size)
	defer r.release(size, dc)
	r.drawFrame(dc, p, opts)
	return r.encode(dc.Image())
}

func (r *FrameRenderer) drawFrame(dc *gg.Context, p Painter, opts FrameOptions) {
	dc.SetColor(r.config.Background)
	dc.Clear()

	var pending []tiling.Tile
	p.Paint(func(t tiling.Tile) {
		dc.DrawImage(t.Buffer, t.Placement.Min.X, t.Placement.Min.Y)
		if opts.Grid {
			pending = append(pending, t)
		}
	})
	if !opts.Grid {
		return
	}

	dc.SetColor(r.config.GridColor)
	dc.SetLineWidth(1)
	for _, t := range pending {
		if t.Ready {
			dc.SetDash()
		} else {
			dc.SetDash(4, 4)
		}
		pl := t.Placement
		dc.DrawRectangle(float64(pl.Min.X)+0.5, float64(pl.Min.Y)+0.5, float64(pl.Dx()-1), float64(pl.Dy()-1))
		dc.Stroke()
	}
	dc.SetDash()
}

// RenderTile encodes a single tile buffer as PNG.
func (r *FrameRenderer) RenderTile(t tiling.Tile) ([]byte, error) {
	return r.encode(t.Buffer)
}

func (r *FrameRenderer) encode(img image.Image) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	if err := r.encoder.Encode(buf, img); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// CreateEmptyFrame creates a transparent frame of the given size.
func (r *FrameRenderer) CreateEmptyFrame(size image.Point) ([]byte, error) {
	if size.X <= 0 || size.Y <= 0 {
		size = image.Pt(1, 1)
	}
	return r.encode(image.NewNRGBA(image.Rectangle{Max: size}))
}
