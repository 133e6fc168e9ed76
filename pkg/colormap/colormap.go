// Package colormap provides color schemes for visualization and builds the
// per-channel lookup tables that apply them to raster samples.
package colormap

import (
	"fmt"
	"image/color"
	"sort"
)

// Colormap maps normalized values [0, 1] to colors.
type Colormap interface {
	At(t float64) color.Color
	AtIndex(i int) color.Color
}

// LinearColormap is a linear interpolation colormap.
type LinearColormap struct {
	colors []color.RGBA
}

// At returns the color at position t (0-1).
func (c LinearColormap) At(t float64) color.Color {
	if t <= 0 {
		return c.colors[0]
	}
	if t >= 1 {
		return c.colors[len(c.colors)-1]
	}

	idx := t * float64(len(c.colors)-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= len(c.colors) {
		upper = len(c.colors) - 1
	}

	frac := idx - float64(lower)
	return interpolate(c.colors[lower], c.colors[upper], frac)
}

// AtIndex returns color at index i (wraps around).
func (c LinearColormap) AtIndex(i int) color.Color {
	return c.colors[i%len(c.colors)]
}

func interpolate(c1, c2 color.RGBA, t float64) color.RGBA {
	return color.RGBA{
		R: uint8(float64(c1.R) + t*(float64(c2.R)-float64(c1.R))),
		G: uint8(float64(c1.G) + t*(float64(c2.G)-float64(c1.G))),
		B: uint8(float64(c1.B) + t*(float64(c2.B)-float64(c1.B))),
		A: 255,
	}
}

// Gray colormap
var Gray = LinearColormap{
	colors: []color.RGBA{
		{0, 0, 0, 255},
		{255, 255, 255, 255},
	},
}

// Seurat colormap (lightgray to red, as Seurat's FeaturePlot)
var Seurat = LinearColormap{
	colors: []color.RGBA{
		{211, 211, 211, 255},
		{255, 0, 0, 255},
	},
}

// Viridis colormap (matplotlib viridis)
var Viridis = LinearColormap{
	colors: []color.RGBA{
		{68, 1, 84, 255},
		{72, 35, 116, 255},
		{64, 67, 135, 255},
		{52, 94, 141, 255},
		{41, 120, 142, 255},
		{32, 144, 140, 255},
		{34, 167, 132, 255},
		{68, 190, 112, 255},
		{121, 209, 81, 255},
		{189, 222, 38, 255},
		{253, 231, 37, 255},
	},
}

// Plasma colormap
var Plasma = LinearColormap{
	colors: []color.RGBA{
		{13, 8, 135, 255},
		{75, 3, 161, 255},
		{125, 3, 168, 255},
		{168, 34, 150, 255},
		{203, 70, 121, 255},
		{229, 107, 93, 255},
		{248, 148, 65, 255},
		{253, 195, 40, 255},
		{240, 249, 33, 255},
	},
}

// Inferno colormap
var Inferno = LinearColormap{
	colors: []color.RGBA{
		{0, 0, 4, 255},
		{40, 11, 84, 255},
		{101, 21, 110, 255},
		{159, 42, 99, 255},
		{212, 72, 66, 255},
		{245, 125, 21, 255},
		{250, 193, 39, 255},
		{252, 255, 164, 255},
	},
}

// Magma colormap
var Magma = LinearColormap{
	colors: []color.RGBA{
		{0, 0, 4, 255},
		{28, 16, 68, 255},
		{79, 18, 123, 255},
		{129, 37, 129, 255},
		{181, 54, 122, 255},
		{229, 80, 100, 255},
		{251, 135, 97, 255},
		{254, 194, 135, 255},
		{252, 253, 191, 255},
	},
}

// CategoricalColormap provides distinct colors for categories.
type CategoricalColormap struct {
	colors []color.RGBA
}

// At returns color at position t.
func (c CategoricalColormap) At(t float64) color.Color {
	idx := int(t * float64(len(c.colors)))
	if idx >= len(c.colors) {
		idx = len(c.colors) - 1
	}
	return c.colors[idx]
}

// AtIndex returns color at index.
func (c CategoricalColormap) AtIndex(i int) color.Color {
	return c.colors[i%len(c.colors)]
}

// Categorical colormap with 20 distinct colors
var Categorical = CategoricalColormap{
	colors: []color.RGBA{
		{31, 119, 180, 255},   // Blue
		{255, 127, 14, 255},   // Orange
		{44, 160, 44, 255},    // Green
		{214, 39, 40, 255},    // Red
		{148, 103, 189, 255},  // Purple
		{140, 86, 75, 255},    // Brown
		{227, 119, 194, 255},  // Pink
		{127, 127, 127, 255},  // Gray
		{188, 189, 34, 255},   // Olive
		{23, 190, 207, 255},   // Cyan
		{174, 199, 232, 255},  // Light blue
		{255, 187, 120, 255},  // Light orange
		{152, 223, 138, 255},  // Light green
		{255, 152, 150, 255},  // Light red
		{197, 176, 213, 255},  // Light purple
		{196, 156, 148, 255},  // Light brown
		{247, 182, 210, 255},  // Light pink
		{199, 199, 199, 255},  // Light gray
		{219, 219, 141, 255},  // Light olive
		{158, 218, 229, 255},  // Light cyan
	},
}

var registry = map[string]Colormap{
	"gray":        Gray,
	"viridis":     Viridis,
	"plasma":      Plasma,
	"inferno":     Inferno,
	"magma":       Magma,
	"seurat":      Seurat,
	"categorical": Categorical,
}

// Get returns the colormap called name.
func Get(name string) (Colormap, bool) {
	c, ok := registry[name]
	return c, ok
}

// Names lists the registered colormaps.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ContrastLUT builds a lookup table of size entries that stretches sample
// values low..high linearly onto 0..255. Values outside the window clamp.
func ContrastLUT(size, low, high int) ([]uint8, error) {
	if size <= 0 {
		return nil, fmt.Errorf("colormap: invalid table size %d", size)
	}
	if low < 0 || high >= size || low >= high {
		return nil, fmt.Errorf("colormap: invalid contrast window %d..%d for %d entries", low, high, size)
	}
	lut := make([]uint8, size)
	span := float64(high - low)
	for i := range lut {
		switch {
		case i <= low:
			lut[i] = 0
		case i >= high:
			lut[i] = 255
		default:
			lut[i] = uint8(float64(i-low)*255/span + 0.5)
		}
	}
	return lut, nil
}

// ChannelLUTs builds red, green and blue lookup tables that color a single
// sample band with c after the optional contrast table. Categorical maps
// index colors by sample value; others are sampled at value/(size-1).
func ChannelLUTs(c Colormap, size int, contrast []uint8) ([3][]uint8, error) {
	var luts [3][]uint8
	if size <= 0 {
		return luts, fmt.Errorf("colormap: invalid table size %d", size)
	}
	if contrast != nil && len(contrast) != size {
		return luts, fmt.Errorf("colormap: contrast table has %d entries, want %d", len(contrast), size)
	}
	for ch := range luts {
		luts[ch] = make([]uint8, size)
	}
	_, indexed := c.(CategoricalColormap)
	for i := 0; i < size; i++ {
		var col color.Color
		switch {
		case indexed:
			col = c.AtIndex(i)
		case contrast != nil:
			col = c.At(float64(contrast[i]) / 255)
		case size == 1:
			col = c.At(0)
		default:
			col = c.At(float64(i) / float64(size-1))
		}
		rgba := color.RGBAModel.Convert(col).(color.RGBA)
		luts[0][i], luts[1][i], luts[2][i] = rgba.R, rgba.G, rgba.B
	}
	return luts, nil
}
