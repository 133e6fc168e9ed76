package mapped

import (
	"errors"
	"image"
	"image/color"
	"sync/atomic"
	"testing"
	"time"

	"github.com/soma-tiles/tileview/internal/raster"
)

// gradient returns a single band 8-bit raster with sample x + y*w.
func gradient(t *testing.T, w, h int) *raster.Raster {
	t.Helper()
	r, err := raster.New(w, h, 1, 8)
	if err != nil {
		t.Fatalf("raster.New: %v", err)
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r.Set(x, y, 0, uint32(x+y*w))
		}
	}
	return r
}

func newImage(t *testing.T, src *raster.Raster, w, h int) *Image {
	t.Helper()
	img, err := New(src, image.Pt(w, h), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return img
}

func mustUpdate(t *testing.T, img *Image) {
	t.Helper()
	ok, err := img.Update()
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !ok {
		t.Fatal("Update reported not updated")
	}
}

func TestUpdateWithoutSourceFillsBackground(t *testing.T) {
	img := newImage(t, nil, 3, 2)
	bg := color.RGBA{R: 10, G: 20, B: 30, A: 255}
	if err := img.SetBackground(bg); err != nil {
		t.Fatal(err)
	}
	mustUpdate(t, img)

	buf := img.Buffer()
	for y := 0; y < 2; y++ {
		for x := 0; x < 3; x++ {
			if got := buf.RGBAAt(x, y); got != bg {
				t.Fatalf("pixel (%d,%d) = %v, want %v", x, y, got, bg)
			}
		}
	}
	if img.NeedsUpdate() {
		t.Error("NeedsUpdate after filling background")
	}
}

func TestUpdateSamplesThroughTransform(t *testing.T) {
	src := gradient(t, 4, 4)

	tests := []struct {
		name   string
		m      raster.Affine
		x, y   int
		sample uint8
	}{
		{"identity", raster.Identity(), 2, 3, 14},
		{"zoom in", raster.Scale(2, 2), 3, 5, 9},
		{"zoom out", raster.Scale(0.5, 0.5), 1, 1, 10},
		{"shifted", raster.Translate(-1, -2), 0, 0, 9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := newImage(t, src, 8, 8)
			if err := img.SetTransforms([DisplayBands]raster.Affine{tt.m, tt.m, tt.m}); err != nil {
				t.Fatal(err)
			}
			mustUpdate(t, img)
			got := img.Buffer().RGBAAt(tt.x, tt.y)
			want := color.RGBA{R: tt.sample, G: tt.sample, B: tt.sample, A: 255}
			if got != want {
				t.Errorf("pixel (%d,%d) = %v, want %v", tt.x, tt.y, got, want)
			}
		})
	}
}

func TestUndefinedSamplesUseBackground(t *testing.T) {
	src := gradient(t, 4, 4)
	src.SetNoData(5)

	img := newImage(t, src, 6, 6)
	bg := color.RGBA{R: 1, G: 2, B: 3, A: 0}
	if err := img.SetBackground(bg); err != nil {
		t.Fatal(err)
	}
	bright := make([]uint8, 256)
	for i := range bright {
		bright[i] = 200
	}
	if err := img.SetDataMaps([DisplayBands][]uint8{bright, bright, bright}); err != nil {
		t.Fatal(err)
	}
	mustUpdate(t, img)

	buf := img.Buffer()
	if got := buf.RGBAAt(1, 1); got != bg {
		t.Errorf("no-data pixel = %v, want background %v", got, bg)
	}
	if got := buf.RGBAAt(5, 5); got != bg {
		t.Errorf("out of range pixel = %v, want background %v", got, bg)
	}
	if got := buf.RGBAAt(0, 0); got != (color.RGBA{R: 200, G: 200, B: 200, A: 255}) {
		t.Errorf("mapped pixel = %v", got)
	}
}

func TestSampleBeyondValueTableUsesBackground(t *testing.T) {
	src, err := raster.New(2, 1, 1, 4)
	if err != nil {
		t.Fatal(err)
	}
	// Bulk loading bypasses the depth mask of Set.
	src.Plane8(0)[0] = 0xff
	src.Set(1, 0, 0, 3)

	img := newImage(t, src, 2, 1)
	bg := color.RGBA{R: 1, G: 2, B: 3, A: 0}
	if err := img.SetBackground(bg); err != nil {
		t.Fatal(err)
	}
	mustUpdate(t, img)

	buf := img.Buffer()
	if got := buf.RGBAAt(0, 0); got != bg {
		t.Errorf("oversized sample pixel = %v, want background %v", got, bg)
	}
	if got := buf.RGBAAt(1, 0); got != (color.RGBA{R: 51, G: 51, B: 51, A: 255}) {
		t.Errorf("mapped pixel = %v", got)
	}
}

func TestPartiallyUndefinedPixelIsOpaque(t *testing.T) {
	src, err := raster.New(2, 2, 3, 8)
	if err != nil {
		t.Fatal(err)
	}
	src.SetNoData(0)
	src.Set(0, 0, 0, 9)

	img := newImage(t, src, 2, 2)
	if err := img.SetBackground(color.RGBA{R: 1, G: 2, B: 3, A: 0}); err != nil {
		t.Fatal(err)
	}
	mustUpdate(t, img)
	if got := img.Buffer().RGBAAt(0, 0); got != (color.RGBA{R: 9, G: 2, B: 3, A: 255}) {
		t.Errorf("pixel = %v", got)
	}
}

func TestProgressIncrements(t *testing.T) {
	img := newImage(t, gradient(t, 4, 10), 4, 10)
	img.SetIncrement(3)

	var got []Progress
	img.Observe(func(p Progress) bool {
		got = append(got, p)
		return true
	})
	mustUpdate(t, img)

	if len(got) != 4 {
		t.Fatalf("got %d notifications, want 4", len(got))
	}
	next := 0
	for i, p := range got {
		if p.Region.Min.Y != next {
			t.Errorf("notification %d starts at row %d, want %d", i, p.Region.Min.Y, next)
		}
		next = p.Region.Max.Y
		want := TopQuality
		if i == len(got)-1 {
			want = Done
		}
		if p.Status != want {
			t.Errorf("notification %d status %v, want %v", i, p.Status, want)
		}
	}
	if next != 10 {
		t.Errorf("last region ends at %d, want 10", next)
	}
}

func TestSmallImageRendersInOneIncrement(t *testing.T) {
	img := newImage(t, gradient(t, 4, 4), 64, 64)
	var n int
	img.Observe(func(Progress) bool { n++; return true })
	mustUpdate(t, img)
	if n != 1 {
		t.Errorf("got %d notifications, want 1", n)
	}
}

func TestPreviewPassReportsLowQualityFirst(t *testing.T) {
	img := newImage(t, gradient(t, 8, 8), 8, 8)
	img.SetPreview(2)

	var statuses []Status
	img.Observe(func(p Progress) bool {
		statuses = append(statuses, p.Status)
		return true
	})
	mustUpdate(t, img)

	if len(statuses) < 2 || statuses[0] != LowQuality || statuses[len(statuses)-1] != Done {
		t.Errorf("statuses = %v", statuses)
	}
	if got := img.Buffer().RGBAAt(3, 1); got.R != 11 {
		t.Errorf("full pass left preview sample %d at (3,1)", got.R)
	}
}

func TestCancelBeforeUpdate(t *testing.T) {
	img := newImage(t, gradient(t, 4, 4), 4, 4)
	if img.CancelUpdate() {
		t.Error("CancelUpdate reported a render in progress")
	}
	ok, err := img.Update()
	if err != nil || ok {
		t.Fatalf("Update after cancel = %v, %v; want false, nil", ok, err)
	}
	if !img.NeedsUpdate() {
		t.Error("canceled image no longer needs update")
	}
	mustUpdate(t, img)
}

func TestCancelDuringUpdate(t *testing.T) {
	img := newImage(t, gradient(t, 4, 8), 4, 8)
	img.SetIncrement(1)

	var n int
	var last Status
	img.Observe(func(p Progress) bool {
		n++
		last = p.Status
		if n == 2 {
			img.CancelUpdate()
		}
		return true
	})
	ok, err := img.Update()
	if err != nil || ok {
		t.Fatalf("Update = %v, %v; want false, nil", ok, err)
	}
	if n != 3 || last != Canceled {
		t.Errorf("got %d notifications ending %v, want 3 ending canceled", n, last)
	}
	if img.CancelPending() {
		t.Error("cancel flag not cleared at end of pass")
	}
	if !img.NeedsUpdate() {
		t.Error("partially rendered image marked up to date")
	}
}

func TestObserverStopsPass(t *testing.T) {
	img := newImage(t, gradient(t, 4, 8), 4, 8)
	img.SetIncrement(2)

	var n int
	remove := img.Observe(func(Progress) bool {
		n++
		return false
	})
	ok, err := img.Update()
	if err != nil || ok {
		t.Fatalf("Update = %v, %v; want false, nil", ok, err)
	}
	if n != 1 {
		t.Errorf("got %d notifications, want 1", n)
	}

	remove()
	mustUpdate(t, img)
	if n != 1 {
		t.Error("removed observer still called")
	}
}

func TestChangesDuringRenderAreDeferred(t *testing.T) {
	img := newImage(t, gradient(t, 4, 4), 4, 4)
	img.SetIncrement(2)

	bg := color.RGBA{R: 99, A: 255}
	var fired atomic.Bool
	remove := img.Observe(func(Progress) bool {
		if fired.CompareAndSwap(false, true) {
			if err := img.SetBackground(bg); err != nil {
				t.Errorf("SetBackground during render: %v", err)
			}
		}
		return true
	})
	mustUpdate(t, img)
	remove()

	if got := img.Pending(); got != BackgroundChanged {
		t.Errorf("Pending = %b, want BackgroundChanged", got)
	}
	if err := img.SetSource(nil); err != nil {
		t.Fatal(err)
	}
	mustUpdate(t, img)
	if got := img.Buffer().RGBAAt(0, 0); got != bg {
		t.Errorf("pixel = %v, want deferred background %v", got, bg)
	}
}

func TestUpdateDuringRenderFails(t *testing.T) {
	img := newImage(t, gradient(t, 4, 4), 4, 4)
	var nested error
	img.Observe(func(Progress) bool {
		_, nested = img.Update()
		return true
	})
	mustUpdate(t, img)
	if !errors.Is(nested, ErrRendering) {
		t.Errorf("nested Update error = %v, want ErrRendering", nested)
	}
}

func TestConfigurationErrors(t *testing.T) {
	img := newImage(t, gradient(t, 4, 4), 4, 4)

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"band index", img.SetBandMap([DisplayBands]int{0, 1, 3}), ErrBandIndex},
		{"singular transform", img.SetTransform(1, raster.Scale(0, 1)), raster.ErrNotInvertible},
		{"transform band", img.SetTransform(3, raster.Identity()), ErrBandIndex},
		{"data map size", img.SetDataMap(0, make([]uint8, 16)), ErrDataMapSize},
		{"data map band", img.SetDataMap(-1, nil), ErrBandIndex},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.want) {
				t.Errorf("err = %v, want %v", tt.err, tt.want)
			}
		})
	}
	if got := img.Transform(1); !got.IsIdentity() {
		t.Errorf("rejected transform was applied: %+v", got)
	}
}

func TestClone(t *testing.T) {
	src := gradient(t, 4, 4)
	ref := newImage(t, src, 0, 0)
	if err := ref.SetTransforms([DisplayBands]raster.Affine{raster.Scale(2, 2), raster.Scale(2, 2), raster.Scale(2, 2)}); err != nil {
		t.Fatal(err)
	}

	shared, err := ref.Clone(image.Pt(8, 8), true)
	if err != nil {
		t.Fatal(err)
	}
	own, err := ref.Clone(image.Pt(8, 8), false)
	if err != nil {
		t.Fatal(err)
	}
	if shared.Transform(0) != raster.Scale(2, 2) {
		t.Error("clone did not copy transforms")
	}
	mustUpdate(t, shared)
	mustUpdate(t, own)

	if err := ref.SetBandMap([DisplayBands]int{2, 1, 0}); err != nil {
		t.Fatal(err)
	}
	if shared.BandMap() != [DisplayBands]int{2, 1, 0} {
		t.Error("shared maps not shared")
	}
	if !shared.NeedsUpdate() {
		t.Error("shared clone did not notice band map change")
	}
	if own.NeedsUpdate() {
		t.Error("unshared clone affected by band map change")
	}

	if err := shared.SetTransform(0, raster.Identity()); err != nil {
		t.Fatal(err)
	}
	if ref.Transform(0) != raster.Scale(2, 2) {
		t.Error("transforms are shared between clones")
	}

	again, err := shared.Clone(image.Pt(4, 4), false)
	if err != nil {
		t.Fatal(err)
	}
	if again.Buffer() == shared.Buffer() {
		t.Fatal("clone shares display buffer")
	}
	if got, want := again.Buffer().RGBAAt(3, 3), shared.Buffer().RGBAAt(3, 3); got != want {
		t.Errorf("cloned pixel = %v, want %v", got, want)
	}
}

func TestCloneTooLarge(t *testing.T) {
	img := newImage(t, nil, 1, 1)
	if _, err := img.Clone(image.Pt(1<<14, 1<<14), true); !errors.Is(err, ErrTooLarge) {
		t.Errorf("err = %v, want ErrTooLarge", err)
	}
}

func TestClosedImage(t *testing.T) {
	img := newImage(t, gradient(t, 2, 2), 2, 2)
	img.Close()
	img.Close()

	if _, err := img.Update(); !errors.Is(err, ErrClosed) {
		t.Errorf("Update err = %v, want ErrClosed", err)
	}
	if err := img.SetBackground(color.RGBA{}); !errors.Is(err, ErrClosed) {
		t.Errorf("SetBackground err = %v, want ErrClosed", err)
	}
	if _, err := img.Clone(image.Pt(1, 1), true); !errors.Is(err, ErrClosed) {
		t.Errorf("Clone err = %v, want ErrClosed", err)
	}
	if img.NeedsUpdate() {
		t.Error("closed image needs update")
	}
}

func TestBatchBlocksRenderUntilEnd(t *testing.T) {
	img := newImage(t, gradient(t, 4, 4), 4, 4)
	b := img.Begin()
	if err := b.SetBackground(color.RGBA{G: 1, A: 255}); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		img.Update()
	}()

	select {
	case <-done:
		t.Fatal("Update ran while a batch was open")
	case <-time.After(50 * time.Millisecond):
	}

	n := b.Nest()
	if err := n.SetBandMap([DisplayBands]int{0, 0, 0}); err != nil {
		t.Fatal(err)
	}
	n.End()
	b.End()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Update still blocked after End")
	}
	if img.NeedsUpdate() {
		t.Error("batched changes not rendered")
	}
}

func TestBatchUpdateInsideSequence(t *testing.T) {
	img := newImage(t, gradient(t, 4, 4), 4, 4)
	b := img.Begin()
	defer b.End()
	if err := b.SetTransform(0, raster.Translate(-1, 0)); err != nil {
		t.Fatal(err)
	}
	ok, err := b.Update()
	if err != nil || !ok {
		t.Fatalf("Update = %v, %v", ok, err)
	}
	if got := img.Buffer().RGBAAt(0, 0); got.R != 1 || got.G != 0 {
		t.Errorf("pixel = %v, want R from shifted band 0", got)
	}
}

func TestResize(t *testing.T) {
	img := newImage(t, gradient(t, 4, 4), 4, 4)
	mustUpdate(t, img)
	if err := img.Resize(image.Pt(2, 3)); err != nil {
		t.Fatal(err)
	}
	if img.Size() != image.Pt(2, 3) {
		t.Errorf("Size = %v", img.Size())
	}
	if !img.NeedsUpdate() {
		t.Error("resized image does not need update")
	}
	if err := img.Resize(image.Pt(-1, 2)); !errors.Is(err, ErrTooLarge) {
		t.Errorf("negative size err = %v", err)
	}
}

func TestMapsFits(t *testing.T) {
	m := NewMaps()
	if err := m.Fits(256); err != nil {
		t.Fatalf("default tables: %v", err)
	}
	if err := m.SetDataMap(1, make([]uint8, 256)); err != nil {
		t.Fatal(err)
	}
	if err := m.Fits(256); err != nil {
		t.Errorf("matching table: %v", err)
	}
	if err := m.Fits(4096); !errors.Is(err, ErrDataMapSize) {
		t.Errorf("expected ErrDataMapSize, got %v", err)
	}
}
