package schedule

import (
	"image"

	"github.com/soma-tiles/tileview/internal/mapped"
)

// Options modify Cancel, Reset and Finish.
type Options uint8

const (
	// WaitUntilDone waits, up to the cancel timeout, for an active render
	// to stop touching its pixels.
	WaitUntilDone Options = 1 << iota
	// Force includes jobs that were queued as not cancelable.
	Force
	// DeleteImages disposes of the images of every removed job.
	DeleteImages
)

// Job is one tile render request.
type Job struct {
	Image *mapped.Image
	// Coord is the tile's grid coordinate. The zero point marks a
	// background job.
	Coord image.Point
	// Region is the visible part of the tile in viewport coordinates.
	Region image.Rectangle
	// Placement is the tile buffer's rectangle in viewport coordinates.
	// When set, partial progress is reported for just the rows produced.
	Placement image.Rectangle

	Cancelable     bool
	DeleteWhenDone bool

	// next holds a request that arrived while the job was active.
	next *Job
}

// Visible reports whether the job is high priority.
func (j *Job) Visible() bool {
	return j.Coord != image.Point{}
}

func (j *Job) area() int {
	if j.Region.Empty() {
		return 0
	}
	return j.Region.Dx() * j.Region.Dy()
}

// samePriority reports whether j and o sort to the same queue position.
func (j *Job) samePriority(o *Job) bool {
	if j.Visible() != o.Visible() {
		return false
	}
	return !j.Visible() || j.area() == o.area()
}

// partial maps a tile-local progress region to viewport coordinates.
func (j *Job) partial(r image.Rectangle) image.Rectangle {
	if j.Placement.Empty() {
		return j.Region
	}
	return r.Add(j.Placement.Min).Intersect(j.Region)
}

// renderQueue keeps visible jobs first, by visible area descending, then
// background jobs in arrival order.
type renderQueue []*Job

func (q renderQueue) index(img *mapped.Image) int {
	for i, j := range q {
		if j.Image == img {
			return i
		}
	}
	return -1
}

// insertAt returns the position j would be inserted at.
func (q renderQueue) insertAt(j *Job) int {
	if !j.Visible() {
		return len(q)
	}
	a := j.area()
	for i, o := range q {
		if !o.Visible() || o.area() < a {
			return i
		}
	}
	return len(q)
}

func (q *renderQueue) insert(j *Job) {
	i := q.insertAt(j)
	*q = append(*q, nil)
	copy((*q)[i+1:], (*q)[i:])
	(*q)[i] = j
}

func (q *renderQueue) remove(i int) *Job {
	j := (*q)[i]
	copy((*q)[i:], (*q)[i+1:])
	(*q)[len(*q)-1] = nil
	*q = (*q)[:len(*q)-1]
	return j
}

func (q *renderQueue) popFront() *Job {
	if len(*q) == 0 {
		return nil
	}
	return q.remove(0)
}

func (q renderQueue) visible() int {
	n := 0
	for _, j := range q {
		if j.Visible() {
			n++
		}
	}
	return n
}
