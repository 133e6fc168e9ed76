package schedule

import (
	"fmt"
	"image"
)

// Condition is a scheduler state reported through Observer.Status.
type Condition int

const (
	Idle Condition = iota
	Rendering
	Canceled
	Loading
	Loaded
	Suspended
	Finished
)

func (c Condition) String() string {
	switch c {
	case Idle:
		return "idle"
	case Rendering:
		return "rendering"
	case Canceled:
		return "canceled"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case Suspended:
		return "suspended"
	case Finished:
		return "finished"
	}
	return fmt.Sprintf("condition(%d)", int(c))
}

// Observer receives scheduler notifications. Methods are called from the
// worker goroutine with no scheduler lock held and must not block.
type Observer interface {
	Status(c Condition)
	// Rendered reports a finished region of the viewport. A zero coord
	// reports that all visible tiles queued so far are done; region then
	// covers all of them.
	Rendered(coord image.Point, region image.Rectangle)
	ImageLoaded(ok bool)
	Error(err error)
}

// ObserverFuncs adapts optional functions to Observer.
type ObserverFuncs struct {
	OnStatus      func(Condition)
	OnRendered    func(image.Point, image.Rectangle)
	OnImageLoaded func(bool)
	OnError       func(error)
}

func (f ObserverFuncs) Status(c Condition) {
	if f.OnStatus != nil {
		f.OnStatus(c)
	}
}

func (f ObserverFuncs) Rendered(coord image.Point, region image.Rectangle) {
	if f.OnRendered != nil {
		f.OnRendered(coord, region)
	}
}

func (f ObserverFuncs) ImageLoaded(ok bool) {
	if f.OnImageLoaded != nil {
		f.OnImageLoaded(ok)
	}
}

func (f ObserverFuncs) Error(err error) {
	if f.OnError != nil {
		f.OnError(err)
	}
}

// event is a deferred observer notification.
type event func(Observer)

func statusEvent(c Condition) event {
	return func(o Observer) { o.Status(c) }
}

func renderedEvent(coord image.Point, region image.Rectangle) event {
	return func(o Observer) { o.Rendered(coord, region) }
}

func loadedEvent(ok bool) event {
	return func(o Observer) { o.ImageLoaded(ok) }
}

func errorEvent(err error) event {
	return func(o Observer) { o.Error(err) }
}
