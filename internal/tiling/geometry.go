package tiling

import (
	"image"

	"github.com/soma-tiles/tileview/internal/mapped"
)

// ViewportToImage maps a viewport position to source image coordinates of
// band 0.
func (d *Display) ViewportToImage(x, y float64) (float64, float64) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	inv, err := d.reference(0).Invert()
	if err != nil {
		return 0, 0
	}
	return inv.Apply(x+float64(d.viewOrigin.X), y+float64(d.viewOrigin.Y))
}

// ImageToViewport maps source image coordinates of band 0 to the viewport.
func (d *Display) ImageToViewport(x, y float64) (float64, float64) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	dx, dy := d.reference(0).Apply(x, y)
	return dx - float64(d.viewOrigin.X), dy - float64(d.viewOrigin.Y)
}

// ViewportToTile returns the grid cell (col, row) holding viewport pixel p
// and the pixel's position inside that tile. ok is false outside the grid.
func (d *Display) ViewportToTile(p image.Point) (cell, local image.Point, ok bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	q := p.Add(d.viewOrigin).Sub(d.gridOrigin)
	col := floorDiv(q.X, d.tile.X) + 1
	row := floorDiv(q.Y, d.tile.Y) + 1
	local = q.Sub(image.Pt((col-1)*d.tile.X, (row-1)*d.tile.Y))
	cell = image.Pt(col, row)
	ok = row >= 0 && row < d.rows && col >= 0 && col < d.cols
	return cell, local, ok
}

// TileToViewport maps a position inside grid cell (col, row) to the viewport.
func (d *Display) TileToViewport(cell, local image.Point) image.Point {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.tileOrigin(cell.Y, cell.X).Add(local).Sub(d.viewOrigin)
}

// TileImageSize returns the size of one tile in source pixels of band.
func (d *Display) TileImageSize(band int) (w, h float64) {
	if band < 0 || band >= mapped.DisplayBands {
		return 0, 0
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	sx, sy := d.reference(band).ScaleFactors()
	return float64(d.tile.X) / sx, float64(d.tile.Y) / sy
}

// Tile is a read-only view of one grid tile.
type Tile struct {
	// Cell is the grid cell as (col, row); visible tiles start at (1,1).
	Cell image.Point
	// Placement is the tile's rectangle in viewport coordinates.
	Placement image.Rectangle
	Buffer    *image.RGBA
	Ready     bool
}

func (d *Display) tileLocked(r, c int) (Tile, bool) {
	t := d.cells[r*d.cols+c]
	if t == nil {
		return Tile{}, false
	}
	place := image.Rectangle{Min: d.tileOrigin(r, c).Sub(d.viewOrigin)}
	place.Max = place.Min.Add(d.tile)
	return Tile{
		Cell:      image.Pt(c, r),
		Placement: place,
		Buffer:    t.Buffer(),
		Ready:     !t.NeedsUpdate(),
	}, true
}

// TileAt returns the tile in grid cell (col, row).
func (d *Display) TileAt(cell image.Point) (Tile, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if cell.Y < 0 || cell.Y >= d.rows || cell.X < 0 || cell.X >= d.cols {
		return Tile{}, false
	}
	return d.tileLocked(cell.Y, cell.X)
}

// VisibleTiles returns the tiles overlapping the viewport in row-major order.
func (d *Display) VisibleTiles() []Tile {
	var out []Tile
	d.Paint(func(t Tile) { out = append(out, t) })
	return out
}

// Paint calls fn for each tile overlapping the viewport. Buffers may be read
// while tiles render; fn must not call back into the display.
func (d *Display) Paint(fn func(Tile)) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	view := image.Rectangle{Max: d.viewSize}
	for r := 0; r < d.rows; r++ {
		for c := 0; c < d.cols; c++ {
			t, ok := d.tileLocked(r, c)
			if ok && t.Placement.Overlaps(view) {
				fn(t)
			}
		}
	}
}
