// Package schedule renders tile images on a background worker in priority
// order: visible tiles by visible area, then background tiles.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soma-tiles/tileview/internal/logging"
	"github.com/soma-tiles/tileview/internal/mapped"
	"github.com/soma-tiles/tileview/internal/raster"
	"github.com/soma-tiles/tileview/internal/syncx"
)

// ErrNoLoader is reported when a source is requested by name and the
// scheduler has no loader.
var ErrNoLoader = errors.New("schedule: no source loader configured")

// Loader decodes a named image source.
type Loader interface {
	Load(ctx context.Context, name string) (*raster.Raster, error)
}

// Config contains configuration for a scheduler.
type Config struct {
	Name          string        // Used in log messages
	CancelTimeout time.Duration // Bound for WaitUntilDone (default 10s)
	Immediate     bool          // Report every visible tile as it completes
	Loader        Loader
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	Queued   int    `json:"queued"`
	Visible  int    `json:"visible"`
	Deleting int    `json:"deleting"`
	Active   bool   `json:"active"`
	Rendered uint64 `json:"rendered"`
	Canceled uint64 `json:"canceled"`
	Failed   uint64 `json:"failed"`
}

// Scheduler owns a render queue, a single active job and a delete queue,
// and renders queued jobs on its own worker goroutine.
type Scheduler struct {
	cfg  Config
	lock *syncx.RenderLock

	ready *syncx.Event // work may be available
	idle  *syncx.Event // worker is between jobs

	startOnce  sync.Once
	finishOnce sync.Once
	started    atomic.Bool
	suspended  atomic.Bool
	finished   atomic.Bool
	done       chan struct{}
	ctx        context.Context
	stop       context.CancelFunc

	queueMu   sync.Mutex
	queue     renderQueue
	deletes   []*Job
	active    *Job
	immediate bool
	covered   image.Rectangle // visible regions awaiting a coalesced report
	pending   bool
	source    *raster.Raster
	wantName  string
	wantSrc   *raster.Raster
	wantLoad  bool

	obsMu     sync.RWMutex
	observers map[uint64]Observer
	nextObs   uint64

	rendered atomic.Uint64
	canceled atomic.Uint64
	failed   atomic.Uint64
}

// New creates a scheduler rendering under lock. The lock is shared by every
// scheduler whose renders must not overlap, normally all of them.
func New(lock *syncx.RenderLock, cfg Config) *Scheduler {
	if lock == nil {
		lock = syncx.NewRenderLock()
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = 10 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "scheduler"
	}
	ctx, stop := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:       cfg,
		lock:      lock,
		ready:     syncx.NewEvent(false),
		idle:      syncx.NewEvent(true),
		done:      make(chan struct{}),
		ctx:       ctx,
		stop:      stop,
		immediate: cfg.Immediate,
		observers: make(map[uint64]Observer),
	}
	s.idle.Set()
	return s
}

// AddObserver registers o and returns a function that removes it.
func (s *Scheduler) AddObserver(o Observer) (remove func()) {
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = o
	s.obsMu.Unlock()
	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

func (s *Scheduler) emit(events ...event) {
	if len(events) == 0 {
		return
	}
	s.obsMu.RLock()
	obs := make([]Observer, 0, len(s.observers))
	for _, o := range s.observers {
		obs = append(obs, o)
	}
	s.obsMu.RUnlock()
	for _, ev := range events {
		for _, o := range obs {
			ev(o)
		}
	}
}

// ReportError delivers err to the Error observers. It must be called with
// no scheduler lock held.
func (s *Scheduler) ReportError(err error) {
	if err == nil {
		return
	}
	s.emit(errorEvent(err))
}

// Queue schedules img for rendering. A non-zero coord marks a visible tile
// whose visible viewport area is region. It returns false once the
// scheduler is finished or when img is closed.
func (s *Scheduler) Queue(img *mapped.Image, coord image.Point, region image.Rectangle, cancelable bool) bool {
	return s.QueueJob(Job{Image: img, Coord: coord, Region: region, Cancelable: cancelable})
}

// QueueJob schedules a job. An image already queued keeps its queue position
// when the priority is unchanged and moves otherwise. A request for the
// active image only withdraws a pending delete; it is queued again after the
// active render if the image still needs an update.
func (s *Scheduler) QueueJob(j Job) bool {
	if j.Image == nil || j.Image.Closed() || s.finished.Load() {
		return false
	}
	j.next = nil
	job := &j

	s.queueMu.Lock()
	if s.active != nil && s.active.Image == j.Image {
		s.active.DeleteWhenDone = false
		s.active.next = job
		s.queueMu.Unlock()
		return true
	}
	s.withdrawDeleteLocked(j.Image)
	j.Image.ClearCancel()
	if i := s.queue.index(j.Image); i >= 0 {
		if s.queue[i].samePriority(job) {
			s.queue[i] = job
		} else {
			s.queue.remove(i)
			s.queue.insert(job)
		}
	} else {
		s.queue.insert(job)
	}
	s.queueMu.Unlock()

	s.wake()
	return true
}

func (s *Scheduler) withdrawDeleteLocked(img *mapped.Image) {
	for i, d := range s.deletes {
		if d.Image == img {
			s.deletes = append(s.deletes[:i], s.deletes[i+1:]...)
			return
		}
	}
}

// Queued reports whether img is in the render queue or active.
func (s *Scheduler) Queued(img *mapped.Image) bool {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return (s.active != nil && s.active.Image == img) || s.queue.index(img) >= 0
}

// Cancel stops work on img. A queued job is removed. An active render is
// asked to stop at its next increment boundary; with WaitUntilDone Cancel
// then waits for it, bounded by the cancel timeout. Cancel reports whether
// the image is known to be free of the worker.
func (s *Scheduler) Cancel(img *mapped.Image, opts Options) bool {
	s.queueMu.Lock()
	if s.active != nil && s.active.Image == img {
		s.active.next = nil
		if opts&DeleteImages != 0 {
			s.active.DeleteWhenDone = true
		}
		img.CancelUpdate()
		s.queueMu.Unlock()
		if opts&WaitUntilDone == 0 {
			return false
		}
		return s.waitRender()
	}
	if i := s.queue.index(img); i >= 0 {
		j := s.queue.remove(i)
		if opts&DeleteImages != 0 {
			j.DeleteWhenDone = true
			s.deletes = append(s.deletes, j)
		}
	}
	s.queueMu.Unlock()
	return true
}

// waitRender acquires and releases the render lock. Holding it proves that
// no render is producing pixels.
func (s *Scheduler) waitRender() bool {
	if !s.lock.LockTimeout(s.cfg.CancelTimeout) {
		logging.L().Warn("[Scheduler] cancel wait timed out", "scheduler", s.cfg.Name, "timeout", s.cfg.CancelTimeout)
		return false
	}
	s.lock.Unlock()
	return true
}

// Delete disposes of img through the delete queue. If img is being rendered
// it is disposed of when the render ends.
func (s *Scheduler) Delete(img *mapped.Image) {
	if img == nil {
		return
	}
	s.queueMu.Lock()
	if s.active != nil && s.active.Image == img {
		s.active.DeleteWhenDone = true
		s.active.next = nil
		s.queueMu.Unlock()
		return
	}
	if i := s.queue.index(img); i >= 0 {
		s.queue.remove(i)
	}
	for _, d := range s.deletes {
		if d.Image == img {
			s.queueMu.Unlock()
			return
		}
	}
	s.deletes = append(s.deletes, &Job{Image: img, DeleteWhenDone: true})
	s.queueMu.Unlock()

	if s.finished.Load() {
		s.flushDeletes()
		return
	}
	s.wake()
}

// Reset cancels the active render and removes every cancelable job, or
// every job with Force. Removed jobs pass through the delete queue, which is
// then flushed. Reset reports whether no render is known to be running.
func (s *Scheduler) Reset(opts Options) bool {
	s.queueMu.Lock()
	keep := s.queue[:0]
	for _, j := range s.queue {
		if j.Cancelable || opts&Force != 0 {
			if opts&DeleteImages != 0 {
				j.DeleteWhenDone = true
			}
			if j.DeleteWhenDone {
				s.deletes = append(s.deletes, j)
			}
			continue
		}
		keep = append(keep, j)
	}
	for i := len(keep); i < len(s.queue); i++ {
		s.queue[i] = nil
	}
	s.queue = keep
	s.covered = image.Rectangle{}
	s.pending = false

	var active *mapped.Image
	if a := s.active; a != nil && (a.Cancelable || opts&Force != 0) {
		a.next = nil
		if opts&DeleteImages != 0 {
			a.DeleteWhenDone = true
		}
		active = a.Image
		active.CancelUpdate()
	}
	s.queueMu.Unlock()

	s.flushDeletes()
	if active == nil {
		return true
	}
	if opts&WaitUntilDone == 0 {
		return false
	}
	return s.waitRender()
}

// Clear removes all jobs and cancels the active render.
func (s *Scheduler) Clear(opts Options) bool {
	return s.Reset(opts | Force)
}

// Finish permanently stops the scheduler: every job is removed, every
// queued image disposed of, and the worker exits. Finish is idempotent and
// reports whether the worker has exited.
func (s *Scheduler) Finish(opts Options) bool {
	s.finishOnce.Do(func() {
		s.finished.Store(true)
		s.stop()
		s.Reset(opts | Force | DeleteImages)
		s.ready.Set()
		logging.L().Debug("[Scheduler] finishing", "scheduler", s.cfg.Name)
	})
	if !s.started.Load() {
		s.flushDeletes()
		return true
	}
	if opts&WaitUntilDone == 0 {
		select {
		case <-s.done:
			return true
		default:
			return false
		}
	}
	select {
	case <-s.done:
		return true
	case <-time.After(s.cfg.CancelTimeout):
		return false
	}
}

// Finished reports whether Finish has been called.
func (s *Scheduler) Finished() bool {
	return s.finished.Load()
}

// Suspend stops the worker from starting new jobs. With wait it also waits,
// bounded by the cancel timeout, until the current job ends.
func (s *Scheduler) Suspend(wait bool) bool {
	s.suspended.Store(true)
	if !wait || !s.started.Load() {
		return true
	}
	return s.idle.WaitTimeout(s.cfg.CancelTimeout)
}

// Resume undoes Suspend.
func (s *Scheduler) Resume() {
	if s.suspended.Swap(false) {
		s.ready.Set()
	}
}

// SetImmediate selects per-tile rendered reports instead of coalesced ones.
func (s *Scheduler) SetImmediate(on bool) {
	s.queueMu.Lock()
	s.immediate = on
	s.queueMu.Unlock()
}

// LoadSource asks the worker to load the named source through the loader.
// Observers receive ImageLoaded when it is done.
func (s *Scheduler) LoadSource(name string) {
	s.queueMu.Lock()
	s.wantName, s.wantSrc, s.wantLoad = name, nil, true
	s.queueMu.Unlock()
	s.wake()
}

// SetSource hands the worker an already decoded source. Observers receive
// ImageLoaded as for LoadSource.
func (s *Scheduler) SetSource(r *raster.Raster) {
	s.queueMu.Lock()
	s.wantName, s.wantSrc, s.wantLoad = "", r, true
	s.queueMu.Unlock()
	s.wake()
}

// Source returns the most recently loaded source.
func (s *Scheduler) Source() *raster.Raster {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return s.source
}

// Stats returns current counters.
func (s *Scheduler) Stats() Stats {
	s.queueMu.Lock()
	st := Stats{
		Queued:   len(s.queue),
		Visible:  s.queue.visible(),
		Deleting: len(s.deletes),
		Active:   s.active != nil,
	}
	s.queueMu.Unlock()
	st.Rendered = s.rendered.Load()
	st.Canceled = s.canceled.Load()
	st.Failed = s.failed.Load()
	return st
}

// wake starts the worker on first use and signals it.
func (s *Scheduler) wake() {
	if s.finished.Load() {
		return
	}
	s.startOnce.Do(func() {
		s.started.Store(true)
		go s.run()
	})
	s.ready.Set()
}

// flushDeletes closes every image in the delete queue that asked for it.
func (s *Scheduler) flushDeletes() {
	s.queueMu.Lock()
	jobs := s.deletes
	s.deletes = nil
	s.queueMu.Unlock()
	for _, j := range jobs {
		if j.DeleteWhenDone {
			j.Image.Close()
		}
	}
}

func (s *Scheduler) run() {
	defer close(s.done)
	log := logging.L().With("scheduler", s.cfg.Name)
	log.Debug("[Scheduler] worker started")
	cond := Idle

	for {
		if s.finished.Load() {
			s.flushDeletes()
			s.idle.Set()
			s.emit(statusEvent(Finished))
			log.Debug("[Scheduler] worker stopped")
			return
		}

		s.loadPending()
		s.flushDeletes()

		s.queueMu.Lock()
		if len(s.queue) == 0 || s.suspended.Load() {
			s.active = nil
			var events []event
			if s.pending {
				events = append(events, renderedEvent(image.Point{}, s.covered))
				s.covered, s.pending = image.Rectangle{}, false
			}
			wantLoad := s.wantLoad
			s.queueMu.Unlock()

			next := Idle
			if s.suspended.Load() {
				next = Suspended
			}
			if next != cond {
				cond = next
				events = append(events, statusEvent(cond))
			}
			s.emit(events...)
			s.idle.Set()
			if wantLoad && cond != Suspended {
				continue
			}
			s.ready.Wait()
			continue
		}

		job := s.queue.popFront()
		s.active = job
		s.idle.Reset()
		s.lock.Lock()
		s.queueMu.Unlock()

		if cond != Rendering {
			cond = Rendering
			s.emit(statusEvent(cond))
		}
		updated, err := s.render(job)

		s.queueMu.Lock()
		s.lock.Unlock()
		events := s.completeLocked(job, updated, err)
		s.queueMu.Unlock()

		if err != nil {
			s.failed.Add(1)
			log.Error("[Scheduler] render failed", "coord", job.Coord, "error", err)
			s.Reset(Force)
			events = append(events, errorEvent(err))
		}
		s.emit(events...)
	}
}

// render updates the job's image, forwarding partial progress of visible
// tiles. A panic inside the render becomes an error.
func (s *Scheduler) render(job *Job) (updated bool, err error) {
	if job.Visible() {
		remove := job.Image.Observe(func(p mapped.Progress) bool {
			if p.Status == mapped.LowQuality || p.Status == mapped.TopQuality {
				s.emit(renderedEvent(job.Coord, job.partial(p.Region)))
			}
			return true
		})
		defer remove()
	}
	defer func() {
		if r := recover(); r != nil {
			updated = false
			err = fmt.Errorf("render panic at %v: %v", job.Coord, r)
		}
	}()
	updated, err = job.Image.Update()
	if errors.Is(err, mapped.ErrClosed) && job.DeleteWhenDone {
		err = nil
	}
	return updated, err
}

// completeLocked retires the active job and decides which rendered reports
// to send. In coalesced mode visible regions accumulate until a background
// job finishes or the queue drains.
func (s *Scheduler) completeLocked(job *Job, updated bool, err error) []event {
	var events []event
	s.active = nil

	switch {
	case err != nil:
	case updated:
		s.rendered.Add(1)
		if job.Visible() {
			if s.immediate {
				events = append(events, renderedEvent(job.Coord, job.Region))
			} else {
				s.covered = s.covered.Union(job.Region)
				s.pending = true
			}
		}
	default:
		s.canceled.Add(1)
		events = append(events, statusEvent(Canceled))
	}

	if !s.immediate && s.pending && (!job.Visible() || len(s.queue) == 0) {
		events = append(events, renderedEvent(image.Point{}, s.covered))
		s.covered, s.pending = image.Rectangle{}, false
	}

	if job.DeleteWhenDone {
		s.deletes = append(s.deletes, job)
	} else if next := job.next; next != nil && err == nil && next.Image.NeedsUpdate() && s.queue.index(next.Image) < 0 {
		next.Image.ClearCancel()
		s.queue.insert(next)
	}
	job.next = nil
	return events
}

// loadPending loads a requested source, if any.
func (s *Scheduler) loadPending() {
	s.queueMu.Lock()
	if !s.wantLoad {
		s.queueMu.Unlock()
		return
	}
	name, r := s.wantName, s.wantSrc
	s.wantName, s.wantSrc, s.wantLoad = "", nil, false
	s.queueMu.Unlock()

	s.emit(statusEvent(Loading))

	var err error
	if r == nil {
		switch {
		case s.cfg.Loader == nil:
			err = ErrNoLoader
		default:
			r, err = s.cfg.Loader.Load(s.ctx, name)
		}
	}
	if err != nil {
		logging.L().Warn("[Scheduler] source load failed", "scheduler", s.cfg.Name, "source", name, "error", err)
		s.emit(errorEvent(fmt.Errorf("load %q: %w", name, err)), loadedEvent(false))
		return
	}

	s.queueMu.Lock()
	s.source = r
	s.queueMu.Unlock()
	s.emit(statusEvent(Loaded), loadedEvent(true))
}
