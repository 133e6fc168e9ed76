package colormap

import (
	"image/color"
	"testing"
)

func TestSeuratColormapEndpoints(t *testing.T) {
	t.Parallel()

	c0, ok := Seurat.At(0).(color.RGBA)
	if !ok {
		t.Fatalf("expected color.RGBA at t=0")
	}
	if c0 != (color.RGBA{R: 211, G: 211, B: 211, A: 255}) {
		t.Fatalf("unexpected Seurat.At(0): %#v", c0)
	}

	c1, ok := Seurat.At(1).(color.RGBA)
	if !ok {
		t.Fatalf("expected color.RGBA at t=1")
	}
	if c1 != (color.RGBA{R: 255, G: 0, B: 0, A: 255}) {
		t.Fatalf("unexpected Seurat.At(1): %#v", c1)
	}
}


func TestContrastLUT(t *testing.T) {
	t.Parallel()

	lut, err := ContrastLUT(256, 10, 20)
	if err != nil {
		t.Fatalf("ContrastLUT: %v", err)
	}
	for i, want := range map[int]uint8{0: 0, 10: 0, 15: 128, 20: 255, 255: 255} {
		if lut[i] != want {
			t.Errorf("lut[%d] = %d, want %d", i, lut[i], want)
		}
	}

	for _, tc := range []struct{ size, low, high int }{
		{0, 0, 1},
		{256, 20, 10},
		{256, 0, 256},
		{256, -1, 10},
	} {
		if _, err := ContrastLUT(tc.size, tc.low, tc.high); err == nil {
			t.Errorf("ContrastLUT(%d, %d, %d): expected error", tc.size, tc.low, tc.high)
		}
	}
}

func TestChannelLUTs(t *testing.T) {
	t.Parallel()

	t.Run("gray", func(t *testing.T) {
		luts, err := ChannelLUTs(Gray, 256, nil)
		if err != nil {
			t.Fatal(err)
		}
		for _, i := range []int{0, 100, 255} {
			for ch := range luts {
				if d := int(luts[ch][i]) - i; d < -1 || d > 1 {
					t.Errorf("gray lut channel %d at %d = %d", ch, i, luts[ch][i])
				}
			}
		}
	})

	t.Run("contrast", func(t *testing.T) {
		contrast, _ := ContrastLUT(256, 0, 10)
		luts, err := ChannelLUTs(Seurat, 256, contrast)
		if err != nil {
			t.Fatal(err)
		}
		if luts[0][10] != 255 || luts[1][10] != 0 {
			t.Errorf("expected red at window top, got %d,%d", luts[0][10], luts[1][10])
		}
		if _, err := ChannelLUTs(Gray, 16, contrast); err == nil {
			t.Error("expected size mismatch error")
		}
	})

	t.Run("categorical", func(t *testing.T) {
		luts, err := ChannelLUTs(Categorical, 256, nil)
		if err != nil {
			t.Fatal(err)
		}
		if luts[0][1] != 255 || luts[1][1] != 127 || luts[2][1] != 14 {
			t.Errorf("label 1 = %d,%d,%d, want orange", luts[0][1], luts[1][1], luts[2][1])
		}
		if luts[0][21] != luts[0][1] {
			t.Error("expected categorical colors to wrap")
		}
	})
}

func TestGet(t *testing.T) {
	t.Parallel()

	if _, ok := Get("viridis"); !ok {
		t.Error("expected viridis registered")
	}
	if _, ok := Get("nope"); ok {
		t.Error("unexpected colormap")
	}
	if len(Names()) != 7 {
		t.Errorf("expected 7 colormaps, got %v", Names())
	}
}
